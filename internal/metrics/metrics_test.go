package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandler_nilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveLayerFetch("rivers", time.Second, nil)
	m.ObserveReconcile(1, 1)
	m.ViewerConnected()()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := rr.Body.String(); !strings.Contains(got, "metrics unavailable") {
		t.Fatalf("expected body to mention metrics unavailable, got %q", got)
	}
}

func TestHandler_exposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest(http.MethodGet, "/health", http.StatusOK, 12*time.Millisecond)
	m.ObserveLayerFetch("rivers", 200*time.Millisecond, nil)
	m.ObserveLayerFetch("soil_types", time.Second, errors.New("status 404"))
	m.ObserveReconcile(2, 0)
	m.ObserveDatasetFetch("farmers", ResultStale)
	m.ObserveTemperatureFetch(nil)
	done := m.ViewerConnected()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	m.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	body := rr.Body.String()
	for _, want := range []string{
		`agrimap_http_requests_total{method="GET",path="/health",status="200"} 1`,
		`agrimap_layer_fetches_total{layer="rivers",result="ok"} 1`,
		`agrimap_layer_fetches_total{layer="soil_types",result="error"} 1`,
		`agrimap_layer_fetch_duration_seconds_count 2`,
		`agrimap_reconcile_operations_total{op="attach"} 2`,
		`agrimap_dataset_fetches_total{dataset="farmers",result="stale"} 1`,
		`agrimap_temperature_fetches_total{result="ok"} 1`,
		`agrimap_viewer_clients 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in body=%s", want, body)
		}
	}
	if strings.Contains(body, `op="detach"`) {
		t.Fatalf("detach counter should not exist before any detach; body=%s", body)
	}

	done()
}
