package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/layers"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/mapview/mapviewtest"
	"github.com/joeblew999/plat-agri/internal/metrics"
	"github.com/joeblew999/plat-agri/internal/overlay"
	"github.com/joeblew999/plat-agri/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testDescriptors = []service.MapLayerDescriptor{
	{ID: "maharashtra", Name: "Maharashtra", Path: "maharashtra.geojson", Level: service.LevelState},
	{ID: "districts", Name: "Districts", Path: "districts.geojson", Level: service.LevelState},
	{ID: "rivers", Name: "Rivers", Path: "rivers.geojson", Color: "#00f", Level: service.LevelState},
}

type fakeLayers struct {
	mu   sync.Mutex
	fail map[string]error
}

func (f *fakeLayers) Fetch(_ context.Context, d service.MapLayerDescriptor) (*geojson.FeatureCollection, error) {
	f.mu.Lock()
	err := f.fail[d.ID]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	fc := geojson.NewFeatureCollection()
	f2 := geojson.NewFeature(orb.Polygon{{{78, 20}, {79, 20}, {79, 21}, {78, 21}, {78, 20}}})
	f2.Properties = geojson.Properties{"name": d.Name}
	fc.Append(f2)
	return fc, nil
}

type fakeIndex struct {
	mu  sync.Mutex
	ids []string
}

func (x *fakeIndex) IndexLayer(_ context.Context, id string, fc *geojson.FeatureCollection) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ids = append(x.ids, id)
	return len(fc.Features), nil
}

func plot(id, village string, lng float64) agriapi.FarmerRecord {
	geom, _ := json.Marshal(map[string]any{
		"type":        "Polygon",
		"coordinates": [][][]float64{{{lng, 20}, {lng + 0.01, 20}, {lng + 0.01, 20.01}, {lng, 20}}},
	})
	return agriapi.FarmerRecord{
		ID:          agriapi.FlexString(id),
		Name:        "Farmer " + id,
		VillageCode: agriapi.FlexString(village),
		Geometry:    geom,
	}
}

type fakeBackend struct {
	mu          sync.Mutex
	farmers     map[string][]agriapi.FarmerRecord
	gates       map[string]chan struct{}
	weatherGate map[string]chan struct{}
	farmerErr   error
	stations    []agriapi.StationMetadata
	stationErr  error
	temps       map[string]float64
	weatherHits int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		farmers: map[string][]agriapi.FarmerRecord{
			"":   {plot("F1", "V1", 78.1), plot("F2", "V2", 78.2), {ID: "F3", Name: "Untagged"}},
			"V1": {plot("F1", "V1", 78.1)},
			"V2": {plot("F2", "V2", 78.2)},
		},
		gates:       make(map[string]chan struct{}),
		weatherGate: make(map[string]chan struct{}),
		stations: []agriapi.StationMetadata{
			{ID: "S1", Name: "Wardha", Latitude: agriapi.Float(20.7), Longitude: agriapi.Float(78.6), VillageCode: "V1"},
			{ID: "S2", Name: "Nagpur", Latitude: agriapi.Float(21.1), Longitude: agriapi.Float(79.1), VillageCode: "V2"},
		},
		temps: map[string]float64{"V1": 29.5},
	}
}

func (b *fakeBackend) gate(village string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := make(chan struct{})
	b.gates[village] = g
	return g
}

func (b *fakeBackend) Farmers(ctx context.Context, village string) ([]agriapi.FarmerRecord, error) {
	b.mu.Lock()
	gate := b.gates[village]
	recs, err := b.farmers[village], b.farmerErr
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return recs, err
}

func (b *fakeBackend) StationMetadata(context.Context) ([]agriapi.StationMetadata, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stations, b.stationErr
}

func (b *fakeBackend) gateWeather(code string) chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	g := make(chan struct{})
	b.weatherGate[code] = g
	return g
}

func (b *fakeBackend) setTemp(code string, t float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.temps[code] = t
}

func (b *fakeBackend) Weather(ctx context.Context, code string, _, _ time.Time) ([]agriapi.WeatherReading, error) {
	b.mu.Lock()
	b.weatherHits++
	gate := b.weatherGate[code]
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.temps[code]
	if !ok {
		return nil, errors.New("no station data")
	}
	return []agriapi.WeatherReading{{TempC: agriapi.Float(t)}}, nil
}

type harness struct {
	t       *testing.T
	d       *Dashboard
	eng     *mapviewtest.Engine
	backend *fakeBackend
	layers  *fakeLayers
	index   *fakeIndex
	metrics *metrics.Metrics
	events  chan service.Event
	ctx     context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	h := &harness{
		t:       t,
		eng:     mapviewtest.New(),
		backend: newFakeBackend(),
		layers:  &fakeLayers{fail: make(map[string]error)},
		index:   &fakeIndex{},
		metrics: metrics.New(),
		ctx:     context.Background(),
	}
	h.d = New(Options{
		Engine:      h.eng,
		Descriptors: testDescriptors,
		Fetcher:     h.layers,
		Backend:     h.backend,
		Index:       h.index,
		Metrics:     h.metrics,
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC) },
	})
	h.events = h.d.Bus().Subscribe()
	go h.d.Run(loopCtx)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, h.d.Shutdown(ctx))
		stopLoop()
		<-h.d.loop.Done()
		h.d.Bus().Unsubscribe(h.events)
	})
	return h
}

// settle waits until fetches started by applied results have landed too.
func (h *harness) settle() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.d.Settle(ctx))
}

func (h *harness) mount() {
	h.t.Helper()
	created, err := h.d.Mount(h.ctx, "map")
	require.NoError(h.t, err)
	require.True(h.t, created)
	h.settle()
}

func (h *harness) state() State {
	h.t.Helper()
	s, err := h.d.State(h.ctx)
	require.NoError(h.t, err)
	return s
}

func (h *harness) drain() []service.Event {
	var out []service.Event
	for {
		select {
		case e := <-h.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestMountShowsStaticLayersAndLoadsData(t *testing.T) {
	h := newHarness(t)
	h.mount()

	s := h.state()
	assert.True(t, s.Mounted)
	assert.Equal(t, "map", s.Container)
	assert.Equal(t, []string{"maharashtra", "districts"}, s.VisibleLayers)
	assert.Equal(t, 3, s.FarmerCount)
	assert.Equal(t, 2, s.FarmersDrawn)
	assert.Equal(t, 1, s.FarmersExcluded)
	assert.Equal(t, 2, s.StationCount)
	assert.False(t, s.Loading())
	assert.Empty(t, s.FarmerError)

	stations, err := h.d.Stations(h.ctx)
	require.NoError(t, err)
	require.Len(t, stations, 2)
	require.NotNil(t, stations[0].Temperature)
	assert.Equal(t, 29.5, *stations[0].Temperature)
	assert.Nil(t, stations[1].Temperature)

	assert.Equal(t, 1, h.eng.LiveKind(mapview.KindMarkers))
	h.index.mu.Lock()
	assert.ElementsMatch(t, []string{"maharashtra", "districts"}, h.index.ids)
	h.index.mu.Unlock()

	created, err := h.d.Mount(h.ctx, "map")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, h.eng.Opened)
}

func TestLayerOperationsRequireMount(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.d.ToggleLayer(h.ctx, "rivers"), mapview.ErrNotMounted)
	assert.ErrorIs(t, h.d.SelectVillage(h.ctx, "V1"), mapview.ErrNotMounted)
	_, err := h.d.ZoomToLayer(h.ctx, "rivers")
	assert.ErrorIs(t, err, mapview.ErrNotMounted)
}

func TestToggleAndZoom(t *testing.T) {
	h := newHarness(t)
	h.mount()

	require.NoError(t, h.d.ToggleLayer(h.ctx, "rivers"))
	h.settle()

	l, err := h.d.Layer(h.ctx, "rivers")
	require.NoError(t, err)
	assert.True(t, l.Visible)
	assert.Equal(t, string(layers.StateRendered), l.State)

	zoomed, err := h.d.ZoomToLayer(h.ctx, "rivers")
	require.NoError(t, err)
	assert.True(t, zoomed)

	_, err = h.d.ZoomToLayer(h.ctx, "nope")
	assert.ErrorIs(t, err, layers.ErrUnknownLayer)
	assert.ErrorIs(t, h.d.SetLayerVisible(h.ctx, "districts", false), layers.ErrStaticLayer)

	require.NoError(t, h.d.ToggleLayer(h.ctx, "rivers"))
	l, err = h.d.Layer(h.ctx, "rivers")
	require.NoError(t, err)
	assert.False(t, l.Visible)
}

func TestStaleVillageResultIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.mount()

	slow := h.backend.gate("V1")
	require.NoError(t, h.d.SelectVillage(h.ctx, "V1"))
	require.NoError(t, h.d.SelectVillage(h.ctx, "V2"))
	close(slow)
	h.settle()

	s := h.state()
	assert.Equal(t, "V2", s.Village)
	assert.Equal(t, 1, s.FarmerCount)

	farmers, err := h.d.Farmers(h.ctx)
	require.NoError(t, err)
	require.Len(t, farmers, 1)
	assert.Equal(t, "F2", farmers[0].ID.String())

	stations, err := h.d.Stations(h.ctx)
	require.NoError(t, err)
	assert.False(t, stations[0].Selected)
	assert.True(t, stations[1].Selected)
}

func TestSettleCoversFetchesStartedByResults(t *testing.T) {
	h := newHarness(t)
	gate := h.backend.gateWeather("V1")
	created, err := h.d.Mount(h.ctx, "map")
	require.NoError(t, err)
	require.True(t, created)

	// Station metadata lands first and only then starts the weather fetch.
	require.Eventually(t, func() bool {
		h.backend.mu.Lock()
		defer h.backend.mu.Unlock()
		return h.backend.weatherHits > 0
	}, 5*time.Second, 2*time.Millisecond)
	idle, err := h.d.Idle(h.ctx)
	require.NoError(t, err)
	assert.False(t, idle)

	close(gate)
	h.settle()

	idle, err = h.d.Idle(h.ctx)
	require.NoError(t, err)
	assert.True(t, idle)
	stations, err := h.d.Stations(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, stations[0].Temperature)
	assert.Equal(t, 29.5, *stations[0].Temperature)
}

func TestStaleTemperatureResultIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.mount()

	slow := h.backend.gateWeather("V1")
	h.backend.setTemp("V1", 35)
	require.NoError(t, h.d.SelectVillage(h.ctx, "V1"))
	require.NoError(t, h.d.SelectVillage(h.ctx, "V2"))
	close(slow)
	h.settle()

	stations, err := h.d.Stations(h.ctx)
	require.NoError(t, err)
	require.Len(t, stations, 2)
	assert.Nil(t, stations[0].Temperature)
	assert.Nil(t, stations[1].Temperature)

	require.NoError(t, h.d.do(h.ctx, func() {
		_, all := h.d.surface.Layer(overlay.AllStationsID)
		assert.False(t, all)
		l, ok := h.d.surface.Layer(overlay.SelectedStationsID)
		require.True(t, ok)
		require.Len(t, l.Markers, 1)
		assert.Equal(t, "S2", l.Markers[0].ID)
		assert.NotContains(t, l.Markers[0].Tooltip, "Temperature")
	}))
	assert.Equal(t, "V2", h.state().Village)

	rr := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), `agrimap_dataset_fetches_total{dataset="weather",result="stale"} 1`)
}

func TestFetchErrorsBecomeMessages(t *testing.T) {
	h := newHarness(t)
	h.backend.farmerErr = errors.New("timeout")
	h.backend.stationErr = errors.New("bad gateway")
	h.layers.fail["rivers"] = errors.New("404")
	h.mount()

	require.NoError(t, h.d.ToggleLayer(h.ctx, "rivers"))
	h.settle()

	s := h.state()
	assert.Equal(t, "Failed to load farmers: timeout", s.FarmerError)
	assert.Equal(t, "Failed to load weather stations: bad gateway", s.StationError)
	assert.Equal(t, "Failed to load layer Rivers: 404", s.LayerError)
	assert.NotContains(t, s.VisibleLayers, "rivers")
	assert.Zero(t, s.FarmerCount)

	require.NoError(t, h.d.DismissError(h.ctx))
	assert.Empty(t, h.state().LayerError)
}

func TestSelectFarmerFromClick(t *testing.T) {
	h := newHarness(t)
	h.mount()
	h.drain()

	popup, err := h.d.ClickFeature(h.ctx, overlay.FarmersID, 1)
	require.NoError(t, err)
	assert.Empty(t, popup)

	sel, err := h.d.Selected(h.ctx)
	require.NoError(t, err)
	require.NotNil(t, sel)
	assert.Equal(t, "F2", sel.ID.String())
	assert.Contains(t, h.drain(), service.Event{Resource: "farmers", Action: "selected", ID: "F2"})

	require.NoError(t, h.d.ClearSelection(h.ctx))
	sel, err = h.d.Selected(h.ctx)
	require.NoError(t, err)
	assert.Nil(t, sel)

	ok, err := h.d.SelectFarmer(h.ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFarmersVisibilityAndHover(t *testing.T) {
	h := newHarness(t)
	h.mount()

	require.NoError(t, h.d.HoverFeature(h.ctx, overlay.FarmersID, 0, true))
	assert.Equal(t, 1, h.eng.Styles)

	require.NoError(t, h.d.SetFarmersVisible(h.ctx, false))
	s := h.state()
	assert.False(t, s.FarmersVisible)
	assert.ErrorIs(t, h.d.HoverFeature(h.ctx, overlay.FarmersID, 0, false), mapview.ErrUnknownLayer)
}

func TestBaseLayerSwap(t *testing.T) {
	h := newHarness(t)
	h.mount()

	require.NoError(t, h.d.SetBaseLayer(h.ctx, mapview.Satellite))
	assert.Equal(t, mapview.Satellite, h.state().Base)
	assert.ErrorIs(t, h.d.SetBaseLayer(h.ctx, "watercolor"), mapview.ErrUnknownBaseLayer)
	assert.Equal(t, 3, h.eng.LiveKind(mapview.KindFeatures))
}

func TestUnmountResets(t *testing.T) {
	h := newHarness(t)
	h.mount()
	require.NoError(t, h.d.SelectVillage(h.ctx, "V1"))
	h.settle()

	require.NoError(t, h.d.Unmount(h.ctx))
	s := h.state()
	assert.False(t, s.Mounted)
	assert.Empty(t, s.Village)
	assert.Zero(t, s.FarmerCount)
	assert.Empty(t, s.VisibleLayers)

	h.mount()
	assert.Equal(t, 2, h.eng.Opened)
	assert.Equal(t, []string{"maharashtra", "districts"}, h.state().VisibleLayers)
}

func TestSelectFarmerRequiresMount(t *testing.T) {
	h := newHarness(t)
	h.mount()
	ok, err := h.d.SelectFarmer(h.ctx, "F1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.d.Unmount(h.ctx))
	sel, err := h.d.Selected(h.ctx)
	require.NoError(t, err)
	assert.Nil(t, sel)

	ok, err = h.d.SelectFarmer(h.ctx, "F1")
	assert.ErrorIs(t, err, mapview.ErrNotMounted)
	assert.False(t, ok)
	sel, err = h.d.Selected(h.ctx)
	require.NoError(t, err)
	assert.Nil(t, sel)
}
