package viewer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/metrics"
	"github.com/joeblew999/plat-agri/internal/service"
	"github.com/joeblew999/plat-agri/internal/templates"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type squareFetcher struct{}

func (squareFetcher) Fetch(_ context.Context, d service.MapLayerDescriptor) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Polygon{{{78, 20}, {79, 20}, {79, 21}, {78, 21}, {78, 20}}}))
	return fc, nil
}

type backend struct{}

func (backend) Farmers(context.Context, string) ([]agriapi.FarmerRecord, error) {
	geom, _ := json.Marshal(map[string]any{
		"type":        "Polygon",
		"coordinates": [][][]float64{{{78.1, 20}, {78.11, 20}, {78.11, 20.01}, {78.1, 20}}},
	})
	return []agriapi.FarmerRecord{{ID: "F1", Name: "Asha Patil", VillageCode: "V1", Geometry: geom}}, nil
}

func (backend) StationMetadata(context.Context) ([]agriapi.StationMetadata, error) {
	return []agriapi.StationMetadata{
		{ID: "S1", Name: "Wardha", Latitude: agriapi.Float(20.7), Longitude: agriapi.Float(78.6), VillageCode: "V1"},
	}, nil
}

func (backend) Weather(context.Context, string, time.Time, time.Time) ([]agriapi.WeatherReading, error) {
	return []agriapi.WeatherReading{{TempC: agriapi.Float(28.5)}}, nil
}

type fixture struct {
	t      *testing.T
	router chi.Router
	api    humatest.TestAPI
	dash   *dashboard.Dashboard
	scene  *mapview.Scene
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	scene := mapview.NewScene(mapview.SceneOptions{})
	dash := dashboard.New(dashboard.Options{
		Engine: scene,
		Descriptors: []service.MapLayerDescriptor{
			{ID: "maharashtra", Name: "Maharashtra", Path: "maharashtra.geojson", Level: service.LevelState},
			{ID: "districts", Name: "Districts", Path: "districts.geojson", Level: service.LevelState},
			{ID: "talukas", Name: "Talukas", Path: "talukas.geojson", Level: service.LevelDistrict},
		},
		Fetcher: squareFetcher{},
		Backend: backend{},
		Logger:  zerolog.Nop(),
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

	router := chi.NewMux()
	config := huma.DefaultConfig("plat-agri", "test")
	config.CreateHooks = nil
	api := humachi.New(router, config)
	New(dash, scene, templates.Default(), metrics.New(), zerolog.Nop()).RegisterRoutes(api)

	return &fixture{t: t, router: router, api: humatest.Wrap(t, api), dash: dash, scene: scene}
}

func (f *fixture) mount() {
	f.t.Helper()
	_, err := f.dash.Mount(context.Background(), "map")
	require.NoError(f.t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.dash.Settle(ctx))
}

func TestLayersFragment(t *testing.T) {
	f := newFixture(t)
	f.mount()

	resp := f.api.Get("/api/v1/viewer/layers")
	require.Equal(t, http.StatusOK, resp.Code)
	body := resp.Body.String()
	assert.Contains(t, body, "event: datastar-patch-elements")
	assert.Contains(t, body, "#layer-control")
	assert.Contains(t, body, "State layers")
	assert.Contains(t, body, "District layers")
	assert.Contains(t, body, `id="layer-talukas"`)
}

func TestToggle(t *testing.T) {
	f := newFixture(t)

	resp := f.api.Post("/api/v1/viewer/toggle", map[string]any{"layerid": "talukas", "on": true})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "The map is not shown")

	f.mount()
	resp = f.api.Post("/api/v1/viewer/toggle", map[string]any{"layerid": "talukas", "on": true})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "mapState")

	l, err := f.dash.Layer(context.Background(), "talukas")
	require.NoError(t, err)
	assert.True(t, l.Visible)

	resp = f.api.Post("/api/v1/viewer/toggle", map[string]any{"layerid": "maharashtra", "on": false})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "static layer cannot be hidden")

	assert.Equal(t, http.StatusBadRequest, f.api.Post("/api/v1/viewer/toggle", map[string]any{"on": true}).Code)
}

func TestBaseAndFarmers(t *testing.T) {
	f := newFixture(t)
	f.mount()

	require.Equal(t, http.StatusOK, f.api.Post("/api/v1/viewer/base", map[string]any{"baselayer": "satellite"}).Code)
	st, err := f.dash.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, mapview.Satellite, st.Base)

	assert.Equal(t, http.StatusBadRequest, f.api.Post("/api/v1/viewer/base", map[string]any{"baselayer": "terrain"}).Code)

	resp := f.api.Post("/api/v1/viewer/farmers", map[string]any{"farmersvisible": false})
	require.Equal(t, http.StatusOK, resp.Code)
	st, err = f.dash.State(context.Background())
	require.NoError(t, err)
	assert.False(t, st.FarmersVisible)
	assert.Equal(t, http.StatusOK, f.api.Delete("/api/v1/viewer/selected").Code)
	assert.Equal(t, http.StatusOK, f.api.Post("/api/v1/viewer/dismiss").Code)
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	f.mount()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		assert.NoError(t, f.dash.SetBaseLayer(context.Background(), mapview.Satellite))
	}()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/viewer/events", nil).WithContext(ctx)
	f.router.ServeHTTP(rec, req)
	wg.Wait()

	body := rec.Body.String()
	assert.Contains(t, body, "event: datastar-patch-signals")
	assert.Contains(t, body, "mapScene")
	assert.Contains(t, body, "Wardha")
	assert.Contains(t, body, "28.5 °C")
	assert.Contains(t, body, "map-changed")
	assert.Zero(t, f.dash.Bus().Subscribers())
}

func TestVillage(t *testing.T) {
	f := newFixture(t)
	f.mount()

	resp := f.api.Post("/api/v1/viewer/village", map[string]any{"village": " V1 "})
	require.Equal(t, http.StatusOK, resp.Code)
	st, err := f.dash.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "V1", st.Village)
}
