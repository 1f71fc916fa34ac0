package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/humastar"
	"github.com/joeblew999/plat-agri/internal/mapview/mapviewtest"
	"github.com/joeblew999/plat-agri/internal/overlay"
	"github.com/joeblew999/plat-agri/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testDescriptors = []service.MapLayerDescriptor{
	{ID: "maharashtra", Name: "Maharashtra", Path: "maharashtra.geojson", Level: service.LevelState},
	{ID: "districts", Name: "Districts", Path: "districts.geojson", Level: service.LevelState},
	{ID: "rivers", Name: "Rivers", Path: "rivers.geojson", Color: "#2563eb", Level: service.LevelState},
}

type squareFetcher struct{}

func (squareFetcher) Fetch(_ context.Context, d service.MapLayerDescriptor) (*geojson.FeatureCollection, error) {
	fc := geojson.NewFeatureCollection()
	f := geojson.NewFeature(orb.Polygon{{{78, 20}, {79, 20}, {79, 21}, {78, 21}, {78, 20}}})
	f.Properties = geojson.Properties{"name": d.Name}
	fc.Append(f)
	return fc, nil
}

func farmer(id, village string, lng float64) agriapi.FarmerRecord {
	geom, _ := json.Marshal(map[string]any{
		"type":        "Polygon",
		"coordinates": [][][]float64{{{lng, 20}, {lng + 0.01, 20}, {lng + 0.01, 20.01}, {lng, 20}}},
	})
	return agriapi.FarmerRecord{
		ID:          agriapi.FlexString(id),
		Name:        "Farmer " + id,
		VillageCode: agriapi.FlexString(village),
		Geometry:    geom,
		Crops:       []agriapi.CropRegistration{{CropName: "Cotton", AreaAcres: agriapi.Float(1.5)}},
	}
}

type staticBackend struct {
	mu      sync.Mutex
	farmers map[string][]agriapi.FarmerRecord
}

func (b *staticBackend) Farmers(_ context.Context, village string) ([]agriapi.FarmerRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.farmers[village], nil
}

func (b *staticBackend) StationMetadata(context.Context) ([]agriapi.StationMetadata, error) {
	return []agriapi.StationMetadata{
		{ID: "S1", Name: "Wardha", Latitude: agriapi.Float(20.7), Longitude: agriapi.Float(78.6), VillageCode: "V1"},
		{ID: "S2", Name: "Nagpur", Latitude: agriapi.Float(21.1), Longitude: agriapi.Float(79.1), VillageCode: "V2"},
	}, nil
}

func (b *staticBackend) Weather(_ context.Context, code string, _, _ time.Time) ([]agriapi.WeatherReading, error) {
	return []agriapi.WeatherReading{{TempC: agriapi.Float(31)}}, nil
}

type fixture struct {
	t   *testing.T
	api humatest.TestAPI
	d   *dashboard.Dashboard
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	d := dashboard.New(dashboard.Options{
		Engine:      mapviewtest.New(),
		Descriptors: testDescriptors,
		Fetcher:     squareFetcher{},
		Backend: &staticBackend{farmers: map[string][]agriapi.FarmerRecord{
			"":   {farmer("F1", "V1", 78.1), farmer("F2", "V2", 78.2), {ID: "F3", Name: "Untagged"}},
			"V1": {farmer("F1", "V1", 78.1)},
		}},
		Logger: zerolog.Nop(),
	})
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go d.Run(loopCtx)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, d.Shutdown(ctx))
		stopLoop()
		<-d.Done()
	})

	links := humastar.NewLinks()
	config := huma.DefaultConfig("plat-agri", Version)
	config.CreateHooks = nil
	config.Transformers = append(config.Transformers, links.Transformer())
	_, api := humatest.New(t, config)
	huma.AutoRegister(api, NewAPIHandler(&Services{Dashboard: d}))
	NewDBHandler(nil).RegisterRoutes(api)
	links.Discover(api)
	AddStaticLinks(links)

	return &fixture{t: t, api: api, d: d}
}

func (f *fixture) mount() {
	f.t.Helper()
	created, err := f.d.Mount(context.Background(), "map")
	require.NoError(f.t, err)
	require.True(f.t, created)
	f.settle()
}

// settle waits for fetches and the results they queue on the loop.
func (f *fixture) settle() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.d.Settle(ctx))
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.api.Get("/health")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, HealthBody{Status: "ok", Version: Version}, decode[HealthBody](t, resp.Body.Bytes()))
	assert.Contains(t, resp.Result().Header.Values("Link"), `</api/v1/layers>; rel="layers"`)
}

func TestLayerRoutesRequireMount(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusConflict, f.api.Post("/api/v1/layers/rivers/show").Code)
	assert.Equal(t, http.StatusConflict, f.api.Put("/api/v1/map/village", map[string]any{"village": "V1"}).Code)

	resp := f.api.Get("/api/v1/map")
	require.Equal(t, http.StatusOK, resp.Code)
	m := decode[MapBody](t, resp.Body.Bytes())
	assert.False(t, m.Mounted)
	assert.NotContains(t, resp.Result().Header.Values("Link"), `</api/v1/map/base>; rel="base"; method="PUT"; title="Switch base layer"`)
}

func TestLayers(t *testing.T) {
	f := newFixture(t)
	f.mount()

	resp := f.api.Get("/api/v1/layers")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[LayersBody](t, resp.Body.Bytes())
	require.Len(t, body.Layers, 3)
	assert.Equal(t, []string{"maharashtra", "districts"}, body.Visible)
	assert.True(t, body.Layers[0].Static)
	assert.Equal(t, "unrequested", body.Layers[2].State)
	assert.Contains(t, resp.Result().Header.Values("Link"), `</api/v1/layers/{id}>; rel="item"`)

	assert.Equal(t, http.StatusConflict, f.api.Post("/api/v1/layers/maharashtra/hide").Code)
	assert.Equal(t, http.StatusNotFound, f.api.Post("/api/v1/layers/lakes/show").Code)
	assert.Equal(t, http.StatusNotFound, f.api.Get("/api/v1/layers/lakes").Code)

	resp = f.api.Post("/api/v1/layers/rivers/show")
	require.Equal(t, http.StatusOK, resp.Code)
	f.settle()

	resp = f.api.Get("/api/v1/layers/rivers")
	require.Equal(t, http.StatusOK, resp.Code)
	layer := decode[LayerBody](t, resp.Body.Bytes())
	assert.True(t, layer.Visible)
	assert.Equal(t, "rendered", layer.State)
	links := resp.Result().Header.Values("Link")
	assert.Contains(t, links, `</api/v1/layers/rivers/hide>; rel="hide"; method="POST"; title="Hide Rivers"`)
	assert.Contains(t, links, `</api/v1/layers>; rel="collection"`)

	resp = f.api.Post("/api/v1/layers/rivers/zoom")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.True(t, decode[ZoomBody](t, resp.Body.Bytes()).Zoomed)

	resp = f.api.Post("/api/v1/layers/rivers/hide")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[LayerBody](t, resp.Body.Bytes()).Visible)
}

func TestMapState(t *testing.T) {
	f := newFixture(t)
	f.mount()

	resp := f.api.Get("/api/v1/map")
	require.Equal(t, http.StatusOK, resp.Code)
	m := decode[MapBody](t, resp.Body.Bytes())
	assert.True(t, m.Mounted)
	assert.Equal(t, 3, m.FarmerCount)
	assert.Equal(t, 2, m.FarmersDrawn)
	assert.Equal(t, 1, m.FarmersExcluded)
	assert.Empty(t, m.Errors)
	assert.Contains(t, resp.Result().Header.Values("Link"), `</api/v1/map/base>; rel="base"; method="PUT"; title="Switch base layer"`)

	resp = f.api.Put("/api/v1/map/base", map[string]any{"base": "satellite"})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.EqualValues(t, "satellite", decode[MapBody](t, resp.Body.Bytes()).Base)
	assert.Equal(t, http.StatusUnprocessableEntity, f.api.Put("/api/v1/map/base", map[string]any{"base": "terrain"}).Code)

	resp = f.api.Put("/api/v1/map/farmers/visible", map[string]any{"visible": false})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.False(t, decode[MapBody](t, resp.Body.Bytes()).FarmersVisible)

	assert.Equal(t, http.StatusServiceUnavailable, f.api.Get("/api/v1/map/scene").Code)
}

func TestFarmers(t *testing.T) {
	f := newFixture(t)
	f.mount()

	resp := f.api.Get("/api/v1/farmers?limit=1")
	require.Equal(t, http.StatusOK, resp.Code)
	page := decode[humastar.PageBody[FarmerBody]](t, resp.Body.Bytes())
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Data, 1)
	assert.True(t, page.Data[0].GeoTagged)
	assert.Contains(t, resp.Result().Header.Values("Link"), `</api/v1/farmers?offset=1&limit=1>; rel="next"`)

	resp = f.api.Put("/api/v1/map/village", map[string]any{"village": "V1"})
	require.Equal(t, http.StatusOK, resp.Code)
	f.settle()

	resp = f.api.Get("/api/v1/farmers")
	require.Equal(t, http.StatusOK, resp.Code)
	page = decode[humastar.PageBody[FarmerBody]](t, resp.Body.Bytes())
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "F1", page.Data[0].ID)

	assert.Equal(t, http.StatusNotFound, f.api.Get("/api/v1/farmers/selected").Code)

	resp = f.api.Post("/api/v1/map/click", map[string]any{"layer": overlay.FarmersID, "index": 0})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = f.api.Get("/api/v1/farmers/selected")
	require.Equal(t, http.StatusOK, resp.Code)
	sel := decode[FarmerBody](t, resp.Body.Bytes())
	assert.Equal(t, "F1", sel.ID)
	require.Len(t, sel.Crops, 1)
	require.NotNil(t, sel.Crops[0].AreaAcres)
	assert.Equal(t, 1.5, *sel.Crops[0].AreaAcres)

	resp = f.api.Get("/api/v1/map")
	assert.Contains(t, resp.Result().Header.Values("Link"), `</api/v1/farmers/selected>; rel="deselect"; method="DELETE"; title="Close farmer details"`)

	assert.Equal(t, http.StatusOK, f.api.Delete("/api/v1/farmers/selected").Code)
	assert.Equal(t, http.StatusNotFound, f.api.Get("/api/v1/farmers/selected").Code)

	assert.Equal(t, http.StatusNotFound, f.api.Post("/api/v1/map/click", map[string]any{"layer": "overlay:nope", "index": 0}).Code)
}

func TestStations(t *testing.T) {
	f := newFixture(t)
	f.mount()
	require.Equal(t, http.StatusOK, f.api.Put("/api/v1/map/village", map[string]any{"village": "V1"}).Code)
	f.settle()

	resp := f.api.Get("/api/v1/stations")
	require.Equal(t, http.StatusOK, resp.Code)
	stations := decode[[]StationBody](t, resp.Body.Bytes())
	require.Len(t, stations, 2)
	assert.True(t, stations[0].Selected)
	assert.False(t, stations[1].Selected)
	require.NotNil(t, stations[0].Temperature)
	assert.Equal(t, 31.0, *stations[0].Temperature)
}

func TestDBUnavailable(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusServiceUnavailable, f.api.Get("/api/v1/tables").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.api.Post("/api/v1/query", map[string]any{"query": "SELECT 1"}).Code)
}
