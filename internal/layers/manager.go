package layers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/service"
)

var (
	// ErrUnknownLayer is returned for ids missing from the catalogue.
	ErrUnknownLayer = errors.New("unknown layer")
	// ErrStaticLayer is returned when hiding a layer that is always shown.
	ErrStaticLayer = errors.New("static layer cannot be hidden")
)

// StaticLayerIDs are shown at mount and can never be hidden.
var StaticLayerIDs = []string{"maharashtra", "districts"}

// ZoomPadding is the pixel padding used by ZoomToLayer.
const ZoomPadding = 20

// State is where a layer is in its load and render cycle.
type State string

const (
	StateUnrequested State = "unrequested"
	StateLoading     State = "loading"
	StateLoaded      State = "loaded"
	StateError       State = "error"
	StateRendered    State = "rendered"
)

// FetchError reports a layer that failed to load or parse.
type FetchError struct {
	ID  string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("layer %s: %v", e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Surface is the part of the map surface the manager renders onto.
type Surface interface {
	Attach(l *mapview.Layer) error
	Detach(id string) bool
	FitBounds(b orb.Bound, padding int) bool
}

// Hooks observe manager activity. Every hook is optional.
type Hooks struct {
	// OnFetch runs on the loop after every fetch settles.
	OnFetch func(id string, took time.Duration, err error)
	// OnLoaded runs on the fetch goroutine with freshly loaded data.
	OnLoaded func(id string, fc *geojson.FeatureCollection)
	// OnReconcile runs on the loop after every reconcile pass.
	OnReconcile func(attached, detached int)
	// OnChange runs on the loop when a layer changes visibility or state.
	OnChange func(id, action string)
}

// Options configures a Manager.
type Options struct {
	Descriptors []service.MapLayerDescriptor
	// Static overrides StaticLayerIDs.
	Static    []string
	Fetcher   Fetcher
	Surface   Surface
	Scheduler mapview.Scheduler
	Logger    zerolog.Logger
	Popup     PopupFunc
	Hooks     Hooks
}

// Manager owns the visible set, per-layer load state, the cache and the
// rendered registry. All methods except Wait must run on the map loop.
type Manager struct {
	descs   []service.MapLayerDescriptor
	byID    map[string]int
	static  map[string]bool
	fetcher Fetcher
	surface Surface
	sched   mapview.Scheduler
	log     zerolog.Logger
	popup   PopupFunc
	hooks   Hooks

	cache    *Cache
	visible  map[string]bool
	loading  map[string]bool
	errs     map[string]*FetchError
	rendered map[string]*mapview.Layer
	lastErr  *FetchError
	epoch    uint64
	// inflight counts fetches whose result has not been settled yet.
	inflight int

	wg sync.WaitGroup
}

// NewManager creates a manager with nothing visible.
func NewManager(opts Options) *Manager {
	static := opts.Static
	if static == nil {
		static = StaticLayerIDs
	}
	if opts.Popup == nil {
		opts.Popup = PropertyPopup
	}
	m := &Manager{
		descs:    opts.Descriptors,
		byID:     make(map[string]int, len(opts.Descriptors)),
		static:   make(map[string]bool, len(static)),
		fetcher:  opts.Fetcher,
		surface:  opts.Surface,
		sched:    opts.Scheduler,
		log:      opts.Logger,
		popup:    opts.Popup,
		hooks:    opts.Hooks,
		cache:    NewCache(),
		visible:  make(map[string]bool),
		loading:  make(map[string]bool),
		errs:     make(map[string]*FetchError),
		rendered: make(map[string]*mapview.Layer),
	}
	for i, d := range opts.Descriptors {
		m.byID[d.ID] = i
	}
	for _, id := range static {
		if _, ok := m.byID[id]; ok {
			m.static[id] = true
		}
	}
	return m
}

// SurfaceID is the id a layer's rendering is attached under.
func SurfaceID(id string) string {
	return "layer:" + id
}

// Descriptors returns the configured descriptors in declared order.
func (m *Manager) Descriptors() []service.MapLayerDescriptor {
	return m.descs
}

// IsStatic reports whether id can never be hidden.
func (m *Manager) IsStatic(id string) bool {
	return m.static[id]
}

// Cache exposes the loaded data.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// ShowStatic makes every static layer visible.
func (m *Manager) ShowStatic(ctx context.Context) {
	for _, d := range m.descs {
		if m.static[d.ID] {
			m.Show(ctx, d.ID)
		}
	}
}

// Show adds id to the visible set, fetching it when nothing is cached.
// ctx bounds the fetch, not the call.
func (m *Manager) Show(ctx context.Context, id string) error {
	i, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, id)
	}
	if !m.visible[id] {
		m.visible[id] = true
		m.changed(id, "shown")
	}
	if !m.cache.Has(id) && !m.loading[id] {
		m.fetch(ctx, m.descs[i])
		return nil
	}
	m.Reconcile()
	return nil
}

// Hide removes id from the visible set. Static layers stay visible.
func (m *Manager) Hide(id string) error {
	if _, ok := m.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, id)
	}
	if m.static[id] {
		return fmt.Errorf("%w: %s", ErrStaticLayer, id)
	}
	if !m.visible[id] {
		return nil
	}
	delete(m.visible, id)
	delete(m.errs, id)
	m.changed(id, "hidden")
	m.Reconcile()
	return nil
}

// Toggle flips the visibility of id.
func (m *Manager) Toggle(ctx context.Context, id string) error {
	return m.SetVisible(ctx, id, !m.visible[id])
}

// SetVisible shows or hides id.
func (m *Manager) SetVisible(ctx context.Context, id string, on bool) error {
	if on {
		return m.Show(ctx, id)
	}
	return m.Hide(id)
}

// Visible reports whether id is in the visible set.
func (m *Manager) Visible(id string) bool {
	return m.visible[id]
}

// VisibleIDs returns the visible ids in declared order.
func (m *Manager) VisibleIDs() []string {
	var ids []string
	for _, d := range m.descs {
		if m.visible[d.ID] {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// State returns the load and render state of id.
func (m *Manager) State(id string) State {
	switch {
	case m.rendered[id] != nil:
		return StateRendered
	case m.loading[id]:
		return StateLoading
	case m.errs[id] != nil:
		return StateError
	case m.cache.Has(id):
		return StateLoaded
	}
	return StateUnrequested
}

// Err returns the last fetch error of id while it is in the error state.
func (m *Manager) Err(id string) error {
	if e := m.errs[id]; e != nil {
		return e
	}
	return nil
}

// LastError returns the most recent layer fetch error.
func (m *Manager) LastError() error {
	if m.lastErr == nil {
		return nil
	}
	return m.lastErr
}

// ClearError dismisses the most recent layer fetch error.
func (m *Manager) ClearError() {
	m.lastErr = nil
}

// Rendered returns the rendering of id, if attached.
func (m *Manager) Rendered(id string) (*mapview.Layer, bool) {
	l, ok := m.rendered[id]
	return l, ok
}

// Reconcile attaches every visible loaded layer that is not rendered and
// detaches every rendered layer that is no longer visible. Running it
// twice without a state change in between does nothing the second time.
func (m *Manager) Reconcile() (attached, detached int) {
	for _, d := range m.descs {
		want := m.visible[d.ID] && m.cache.Has(d.ID)
		l, have := m.rendered[d.ID]
		switch {
		case want && !have:
			fc, _ := m.cache.Get(d.ID)
			l = m.render(d, fc)
			if err := m.surface.Attach(l); err != nil {
				m.log.Debug().Err(err).Str("layer", d.ID).Msg("layer not attached")
				continue
			}
			m.rendered[d.ID] = l
			attached++
			m.changed(d.ID, "attached")
		case !want && have:
			m.surface.Detach(l.ID)
			delete(m.rendered, d.ID)
			detached++
			m.changed(d.ID, "detached")
		}
	}
	if m.hooks.OnReconcile != nil {
		m.hooks.OnReconcile(attached, detached)
	}
	return attached, detached
}

// ZoomToLayer fits the viewport to the rendering of id. It reports false
// when id is not rendered or has nothing to fit.
func (m *Manager) ZoomToLayer(id string) bool {
	l, ok := m.rendered[id]
	if !ok {
		return false
	}
	b, ok := l.Bound()
	if !ok {
		return false
	}
	return m.surface.FitBounds(b, ZoomPadding)
}

// Reset forgets visibility, errors and renderings after the surface is
// torn down. Cached data is kept. Fetches still in flight only fill the
// cache when they land.
func (m *Manager) Reset() {
	m.epoch++
	m.visible = make(map[string]bool)
	m.loading = make(map[string]bool)
	m.errs = make(map[string]*FetchError)
	m.rendered = make(map[string]*mapview.Layer)
	m.lastErr = nil
}

// Pending reports how many fetches have not been settled on the loop.
func (m *Manager) Pending() int {
	return m.inflight
}

// Wait blocks until every fetch goroutine has handed its result to the
// loop. Do not call it from the loop, and only once nothing can start a
// new fetch.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) render(d service.MapLayerDescriptor, fc *geojson.FeatureCollection) *mapview.Layer {
	return &mapview.Layer{
		ID:       SurfaceID(d.ID),
		Kind:     mapview.KindFeatures,
		Features: fc,
		Style: mapview.Style{
			Color:       d.Color,
			FillColor:   d.FillColor,
			Weight:      d.Weight,
			Opacity:     1,
			FillOpacity: d.FillOpacity,
		},
		OnClick: func(_ int, f *geojson.Feature) string {
			return m.popup(f.Properties)
		},
	}
}

func (m *Manager) fetch(ctx context.Context, d service.MapLayerDescriptor) {
	m.loading[d.ID] = true
	delete(m.errs, d.ID)
	m.changed(d.ID, "loading")

	epoch := m.epoch
	m.inflight++
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		start := time.Now()
		fc, err := m.fetcher.Fetch(ctx, d)
		took := time.Since(start)
		if err == nil && m.hooks.OnLoaded != nil {
			m.hooks.OnLoaded(d.ID, fc)
		}
		m.sched.Post(func() { m.settle(epoch, d.ID, fc, took, err) })
	}()
}

func (m *Manager) settle(epoch uint64, id string, fc *geojson.FeatureCollection, took time.Duration, err error) {
	m.inflight--
	if m.hooks.OnFetch != nil {
		m.hooks.OnFetch(id, took, err)
	}
	if epoch != m.epoch {
		if err == nil {
			m.cache.Put(id, fc)
		}
		return
	}
	delete(m.loading, id)

	if err != nil {
		ferr := &FetchError{ID: id, Err: err}
		m.log.Warn().Err(err).Str("layer", id).Dur("took", took).Msg("layer fetch failed")
		if m.visible[id] {
			m.lastErr = ferr
			if m.static[id] {
				m.errs[id] = ferr
			} else {
				// Back to unrequested; showing it again retries.
				delete(m.visible, id)
			}
			m.changed(id, "failed")
		}
		m.Reconcile()
		return
	}

	m.cache.Put(id, fc)
	m.log.Debug().Str("layer", id).Int("features", len(fc.Features)).Dur("took", took).Msg("layer loaded")
	m.changed(id, "loaded")
	m.Reconcile()
}

func (m *Manager) changed(id, action string) {
	if m.hooks.OnChange != nil {
		m.hooks.OnChange(id, action)
	}
}
