// Package metrics holds the Prometheus collectors for plat-agri.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch results used as label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ResultStale = "stale"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
// A nil *Metrics ignores every observation.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	layerFetches        *prometheus.CounterVec
	layerFetchDuration  prometheus.Histogram
	reconcileOps        *prometheus.CounterVec
	datasetFetches      *prometheus.CounterVec
	temperatureFetches  *prometheus.CounterVec
	sseClients          prometheus.Gauge
}

// New creates a fresh registry with every plat-agri collector registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrimap",
			Name:      "http_requests_total",
			Help:      "Count of HTTP requests served",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agrimap",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests served",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		layerFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrimap",
			Name:      "layer_fetches_total",
			Help:      "Layer feature collection fetches by layer and result",
		}, []string{"layer", "result"}),
		layerFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agrimap",
			Name:      "layer_fetch_duration_seconds",
			Help:      "Duration of layer feature collection fetches",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		reconcileOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrimap",
			Name:      "reconcile_operations_total",
			Help:      "Layer attach and detach calls made by reconciliation",
		}, []string{"op"}),
		datasetFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrimap",
			Name:      "dataset_fetches_total",
			Help:      "Farmer and station dataset fetches by result",
		}, []string{"dataset", "result"}),
		temperatureFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agrimap",
			Name:      "temperature_fetches_total",
			Help:      "Per-station temperature fetches by result",
		}, []string{"result"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agrimap",
			Name:      "viewer_clients",
			Help:      "Connected viewer event streams",
		}),
	}

	registry.MustRegister(
		m.httpRequests,
		m.httpRequestDuration,
		m.layerFetches,
		m.layerFetchDuration,
		m.reconcileOps,
		m.datasetFetches,
		m.temperatureFetches,
		m.sseClients,
	)
	return m
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveLayerFetch records a settled layer fetch.
func (m *Metrics) ObserveLayerFetch(layer string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.layerFetches.WithLabelValues(layer, result(err)).Inc()
	m.layerFetchDuration.Observe(duration.Seconds())
}

// ObserveReconcile records the attach and detach calls of one pass.
func (m *Metrics) ObserveReconcile(attached, detached int) {
	if m == nil {
		return
	}
	if attached > 0 {
		m.reconcileOps.WithLabelValues("attach").Add(float64(attached))
	}
	if detached > 0 {
		m.reconcileOps.WithLabelValues("detach").Add(float64(detached))
	}
}

// ObserveDatasetFetch records a farmer or station fetch. Use ResultStale
// for results dropped because the selection moved on.
func (m *Metrics) ObserveDatasetFetch(dataset, result string) {
	if m == nil {
		return
	}
	m.datasetFetches.WithLabelValues(dataset, result).Inc()
}

// ObserveTemperatureFetch records one station's temperature lookup.
func (m *Metrics) ObserveTemperatureFetch(err error) {
	if m == nil {
		return
	}
	m.temperatureFetches.WithLabelValues(result(err)).Inc()
}

// ViewerConnected tracks open viewer streams; call the returned func on
// disconnect.
func (m *Metrics) ViewerConnected() func() {
	if m == nil {
		return func() {}
	}
	m.sseClients.Inc()
	return m.sseClients.Dec
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
