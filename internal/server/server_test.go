package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joeblew999/plat-agri/internal/api"
	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/layers"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/metrics"
	"github.com/joeblew999/plat-agri/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "layers"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "layers", "rivers.geojson"),
		[]byte(`{"type":"FeatureCollection","features":[]}`), 0o644))

	scene := mapview.NewScene(mapview.SceneOptions{})
	dash := dashboard.New(dashboard.Options{
		Engine:      scene,
		Descriptors: []service.MapLayerDescriptor{{ID: "rivers", Name: "Rivers", Path: "rivers.geojson", Level: service.LevelState}},
		Fetcher:     layers.NewDirFetcher(filepath.Join(dir, "layers"), nil),
		Logger:      zerolog.Nop(),
	})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go dash.Run(loopCtx)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, dash.Shutdown(ctx))
		stopLoop()
		<-dash.Done()
	})

	s := New(Config{Host: "127.0.0.1", Port: 8087, DataDir: dir}, Deps{
		Dashboard: dash,
		Scene:     scene,
		Metrics:   metrics.New(),
		Logger:    zerolog.Nop(),
	})
	t.Cleanup(func() { assert.NoError(t, s.Close()) })
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t)

	rec := get(t, s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Link"))

	rec = get(t, s, "/api/v1/info")
	require.Equal(t, http.StatusOK, rec.Code)
	var info api.InfoBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "plat-agri", info.Name)
	assert.False(t, info.DB)

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/api/v1/tables").Code)

	rec = get(t, s, "/api/v1/map/scene")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mounted":false`)

	rec = get(t, s, "/static/layers/rivers.geojson")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "FeatureCollection")

	rec = get(t, s, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `id="map"`)

	rec = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestOpenAPI(t *testing.T) {
	s := newTestServer(t)
	oapi := s.OpenAPI()
	for _, p := range []string{
		"/health", "/api/v1/layers/{id}/show", "/api/v1/map/village",
		"/api/v1/farmers", "/api/v1/stations", "/api/v1/query", "/api/v1/viewer/events",
	} {
		assert.Contains(t, oapi.Paths, p)
	}
	assert.Empty(t, s.Links().For("/api/v1/viewer/events"))
	assert.Contains(t, s.Links().For("/api/v1/tables"), `</api/v1/query>; rel="query"`)
}

func TestShutdownEndsViewerStreams(t *testing.T) {
	s := newTestServer(t)
	hs := s.HTTPServer("127.0.0.1:0")
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- hs.Serve(ln) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + ln.Addr().String() + "/api/v1/viewer/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "event:")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, hs.Shutdown(ctx))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, <-served, http.ErrServerClosed)

	_, _ = io.Copy(io.Discard, resp.Body)
}
