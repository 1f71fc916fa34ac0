// Package dashboard is the page-level controller of the agriculture map.
// It owns the map loop and everything that runs on it: the surface, the
// layer manager, the farmer and station overlays and the selected farmer.
//
// Exported methods may be called from any goroutine; they run their work
// on the loop and wait for it.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/layers"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/metrics"
	"github.com/joeblew999/plat-agri/internal/overlay"
	"github.com/joeblew999/plat-agri/internal/service"
)

// Backend is the agriculture API as the dashboard uses it.
type Backend interface {
	Farmers(ctx context.Context, villageCode string) ([]agriapi.FarmerRecord, error)
	StationMetadata(ctx context.Context) ([]agriapi.StationMetadata, error)
	overlay.WeatherSource
}

// Indexer receives every layer as it loads.
type Indexer interface {
	IndexLayer(ctx context.Context, layerID string, fc *geojson.FeatureCollection) (int, error)
}

// Options configures a Dashboard.
type Options struct {
	Engine      mapview.Engine
	Surface     mapview.SurfaceOptions
	Descriptors []service.MapLayerDescriptor
	Fetcher     layers.Fetcher
	Backend     Backend
	Bus         *service.EventBus
	Metrics     *metrics.Metrics
	Index       Indexer
	Logger      zerolog.Logger
	Popup       layers.PopupFunc
	Tooltip     overlay.TooltipFunc
	// Now defaults to time.Now.
	Now func() time.Time
}

// Dashboard is the map controller.
type Dashboard struct {
	loop    *mapview.Loop
	surface *mapview.Surface
	layers  *layers.Manager
	farmers *overlay.FarmerOverlay
	station *overlay.StationOverlay
	temps   overlay.TemperatureFetcher

	backend Backend
	bus     *service.EventBus
	metrics *metrics.Metrics
	index   Indexer
	log     zerolog.Logger
	now     func() time.Time

	// Everything below is owned by the loop.
	session context.Context
	cancel  context.CancelFunc

	village        string
	farmersVisible bool
	farmerRecords  []agriapi.FarmerRecord
	farmerResult   overlay.FarmerResult
	stationList    []agriapi.StationMetadata
	temperatures   map[string]float64
	farmersLoading bool
	weatherLoading bool
	farmerErr      string
	stationErr     string
	selected       *agriapi.FarmerRecord

	// Generation tokens. A fetch result is applied only while the token
	// it was issued under is still current.
	farmerGen  uint64
	stationGen uint64
	weatherGen uint64

	// pending counts dataset fetches whose result has not reached the loop.
	pending int
	wg      sync.WaitGroup
}

// New creates a dashboard. Call Run to start its loop.
func New(opts Options) *Dashboard {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Bus == nil {
		opts.Bus = service.NewEventBus()
	}
	opts.Surface.Logger = opts.Logger

	d := &Dashboard{
		loop:           mapview.NewLoop(),
		backend:        opts.Backend,
		bus:            opts.Bus,
		metrics:        opts.Metrics,
		index:          opts.Index,
		log:            opts.Logger,
		now:            opts.Now,
		farmersVisible: true,
		session:        context.Background(),
		cancel:         func() {},
	}
	d.surface = mapview.NewSurface(opts.Engine, opts.Surface)
	d.layers = layers.NewManager(layers.Options{
		Descriptors: opts.Descriptors,
		Fetcher:     opts.Fetcher,
		Surface:     d.surface,
		Scheduler:   d.loop,
		Logger:      opts.Logger,
		Popup:       opts.Popup,
		Hooks: layers.Hooks{
			OnFetch:     d.metrics.ObserveLayerFetch,
			OnReconcile: d.metrics.ObserveReconcile,
			OnLoaded:    d.indexLayer,
			OnChange: func(id, action string) {
				d.publish("layers", action, id)
			},
		},
	})
	d.farmers = overlay.NewFarmerOverlay(d.surface, opts.Logger, d.farmerSelected)
	d.station = overlay.NewStationOverlay(d.surface, opts.Logger, opts.Tooltip)
	d.temps = overlay.TemperatureFetcher{
		Source: opts.Backend,
		Log:    opts.Logger,
		OnResult: func(_ string, err error) {
			d.metrics.ObserveTemperatureFetch(err)
		},
	}
	return d
}

// Run drives the map loop until ctx is cancelled.
func (d *Dashboard) Run(ctx context.Context) {
	d.loop.Run(ctx)
}

// Done is closed once the loop has stopped.
func (d *Dashboard) Done() <-chan struct{} {
	return d.loop.Done()
}

// Bus returns the event bus state changes are published on.
func (d *Dashboard) Bus() *service.EventBus {
	return d.bus
}

// Idle reports whether every fetch started so far, datasets and layers
// alike, has been applied on the loop.
func (d *Dashboard) Idle(ctx context.Context) (bool, error) {
	var idle bool
	err := d.do(ctx, func() {
		idle = d.pending == 0 && d.layers.Pending() == 0
	})
	return idle, err
}

// Settle polls Idle until the dashboard is quiet or ctx ends.
func (d *Dashboard) Settle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		idle, err := d.Idle(ctx)
		if err != nil {
			return err
		}
		if idle {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown unmounts the map and waits for in-flight fetch goroutines.
// Nothing may mount the map again while it runs.
func (d *Dashboard) Shutdown(ctx context.Context) error {
	err := d.do(ctx, d.unmount)
	switch {
	case errors.Is(err, mapview.ErrLoopStopped):
		// Nothing can start a fetch once the loop is gone.
	case err != nil:
		return err
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		d.layers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dashboard) do(ctx context.Context, fn func()) error {
	return d.loop.Do(ctx, fn)
}

func (d *Dashboard) publish(resource, action, id string) {
	d.bus.Publish(service.Event{Resource: resource, Action: action, ID: id})
}

// Mount binds the map to container, shows the static layers and starts
// loading farmers and stations. created is false when the map was
// already mounted.
func (d *Dashboard) Mount(ctx context.Context, container string) (created bool, err error) {
	if e := d.do(ctx, func() { created, err = d.mount(container) }); e != nil {
		return false, e
	}
	return created, err
}

func (d *Dashboard) mount(container string) (bool, error) {
	created, err := d.surface.Mount(container)
	if err != nil || !created {
		return false, err
	}
	d.session, d.cancel = context.WithCancel(context.Background())
	d.publish("map", "mounted", container)

	d.layers.ShowStatic(d.session)
	d.loadFarmers()
	d.loadStations()
	return true, nil
}

// Unmount tears the map down. A later Mount starts a fresh session.
func (d *Dashboard) Unmount(ctx context.Context) error {
	return d.do(ctx, d.unmount)
}

func (d *Dashboard) unmount() {
	if !d.surface.Mounted() {
		return
	}
	container := d.surface.Container()
	d.cancel()
	d.cancel = func() {}
	d.session = context.Background()

	d.surface.Unmount()
	d.layers.Reset()

	d.farmerGen++
	d.stationGen++
	d.weatherGen++
	d.village = ""
	d.farmersVisible = true
	d.farmerRecords = nil
	d.farmerResult = overlay.FarmerResult{}
	d.stationList = nil
	d.temperatures = nil
	d.farmersLoading = false
	d.weatherLoading = false
	d.farmerErr = ""
	d.stationErr = ""
	d.farmers.Reset()

	d.publish("map", "unmounted", container)
}

// SelectVillage switches between the all-farmers view (empty code) and a
// single village.
func (d *Dashboard) SelectVillage(ctx context.Context, code string) error {
	var err error
	if e := d.do(ctx, func() { err = d.selectVillage(code) }); e != nil {
		return e
	}
	return err
}

func (d *Dashboard) selectVillage(code string) error {
	if !d.surface.Mounted() {
		return mapview.ErrNotMounted
	}
	code = strings.TrimSpace(code)
	if code == d.village {
		return nil
	}
	d.village = code
	d.publish("map", "village", code)

	d.loadFarmers()
	d.rebuildStations()
	d.loadTemperatures()
	return nil
}

func (d *Dashboard) loadFarmers() {
	d.farmerGen++
	gen, village, ctx := d.farmerGen, d.village, d.session
	d.farmersLoading = true
	d.farmerErr = ""
	d.publish("farmers", "loading", village)

	d.pending++
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		records, err := d.backend.Farmers(ctx, village)
		d.loop.Post(func() {
			d.pending--
			d.applyFarmers(gen, records, err)
		})
	}()
}

func (d *Dashboard) applyFarmers(gen uint64, records []agriapi.FarmerRecord, err error) {
	if gen != d.farmerGen {
		d.metrics.ObserveDatasetFetch("farmers", metrics.ResultStale)
		d.log.Debug().Uint64("gen", gen).Msg("dropping stale farmer result")
		return
	}
	d.farmersLoading = false
	if err != nil {
		d.metrics.ObserveDatasetFetch("farmers", metrics.ResultError)
		d.log.Error().Err(err).Str("village", d.village).Msg("farmer fetch failed")
		d.farmerErr = fmt.Sprintf("Failed to load farmers: %v", err)
		d.farmerRecords = nil
		d.rebuildFarmers()
		d.publish("farmers", "failed", d.village)
		return
	}
	d.metrics.ObserveDatasetFetch("farmers", metrics.ResultOK)
	d.farmerRecords = records
	d.rebuildFarmers()
	d.log.Info().
		Str("village", d.village).
		Int("farmers", len(records)).
		Int("drawn", d.farmerResult.Features).
		Msg("farmers loaded")
	d.publish("farmers", "loaded", d.village)
}

func (d *Dashboard) rebuildFarmers() {
	d.farmerResult = d.farmers.Rebuild(d.farmerRecords, d.farmersVisible, d.village)
}

func (d *Dashboard) loadStations() {
	d.stationGen++
	gen, ctx := d.stationGen, d.session

	d.pending++
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		list, err := d.backend.StationMetadata(ctx)
		d.loop.Post(func() {
			d.pending--
			d.applyStations(gen, list, err)
		})
	}()
}

func (d *Dashboard) applyStations(gen uint64, list []agriapi.StationMetadata, err error) {
	if gen != d.stationGen {
		d.metrics.ObserveDatasetFetch("stations", metrics.ResultStale)
		return
	}
	if err != nil {
		d.metrics.ObserveDatasetFetch("stations", metrics.ResultError)
		d.log.Error().Err(err).Msg("station metadata fetch failed")
		d.stationErr = fmt.Sprintf("Failed to load weather stations: %v", err)
		d.stationList = nil
		d.rebuildStations()
		d.publish("stations", "failed", "")
		return
	}
	d.metrics.ObserveDatasetFetch("stations", metrics.ResultOK)
	d.stationList = list
	d.rebuildStations()
	d.publish("stations", "loaded", "")
	d.loadTemperatures()
}

func (d *Dashboard) loadTemperatures() {
	d.weatherGen++
	gen, ctx := d.weatherGen, d.session
	targets := overlay.ForVillage(d.stationList, d.village)
	if len(targets) == 0 {
		d.weatherLoading = false
		return
	}
	d.weatherLoading = true
	now := d.now()

	d.pending++
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		temps := d.temps.Fetch(ctx, targets, now)
		d.loop.Post(func() {
			d.pending--
			d.applyTemperatures(gen, temps)
		})
	}()
}

func (d *Dashboard) applyTemperatures(gen uint64, temps map[string]float64) {
	if gen != d.weatherGen {
		d.metrics.ObserveDatasetFetch("weather", metrics.ResultStale)
		return
	}
	d.metrics.ObserveDatasetFetch("weather", metrics.ResultOK)
	d.weatherLoading = false
	d.temperatures = temps
	d.rebuildStations()
	d.publish("stations", "temperatures", d.village)
}

func (d *Dashboard) rebuildStations() {
	d.station.Rebuild(d.stationList, d.temperatures, d.village)
}

func (d *Dashboard) farmerSelected(r *agriapi.FarmerRecord) {
	d.selected = r
	if r == nil {
		d.publish("farmers", "deselected", "")
		return
	}
	d.publish("farmers", "selected", r.ID.String())
}

func (d *Dashboard) indexLayer(id string, fc *geojson.FeatureCollection) {
	if d.index == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := d.index.IndexLayer(ctx, id, fc)
	if err != nil {
		d.log.Warn().Err(err).Str("layer", id).Msg("indexing layer failed")
		return
	}
	d.log.Debug().Str("layer", id).Int("features", n).Msg("layer indexed")
}
