package mapview

import (
	"fmt"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/rs/zerolog"
)

// SurfaceOptions configures a Surface.
type SurfaceOptions struct {
	DefaultBase BaseLayer
	Tiles       map[BaseLayer]TileSource
	View        Viewport
	Logger      zerolog.Logger
}

// Surface owns one engine instance and everything attached to it.
type Surface struct {
	engine      Engine
	log         zerolog.Logger
	defaultBase BaseLayer
	defaultView Viewport
	tiles       map[BaseLayer]TileSource

	inst      Instance
	container string
	base      BaseLayer
	baseLayer *Layer
	view      Viewport

	// registry is the arena of attached overlay objects. Attach and Detach
	// are its only mutators.
	registry map[string]*Layer
	hovered  map[string]map[int]bool
}

// NewSurface creates an unmounted surface.
func NewSurface(engine Engine, opts SurfaceOptions) *Surface {
	if opts.DefaultBase == "" {
		opts.DefaultBase = Street
	}
	if opts.Tiles == nil {
		opts.Tiles = DefaultTiles()
	}
	if opts.View == (Viewport{}) {
		opts.View = DefaultViewport
	}
	return &Surface{
		engine:      engine,
		log:         opts.Logger,
		defaultBase: opts.DefaultBase,
		defaultView: opts.View,
		tiles:       opts.Tiles,
		base:        opts.DefaultBase,
		registry:    make(map[string]*Layer),
		hovered:     make(map[string]map[int]bool),
	}
}

// Mount creates the engine instance on first call with a container.
// created reports whether a new instance was made. Mounting onto a
// different container while an instance is live is skipped.
func (s *Surface) Mount(container string) (created bool, err error) {
	if container == "" {
		return false, fmt.Errorf("mount: empty container")
	}
	if s.inst != nil {
		if container != s.container {
			s.log.Warn().
				Str("live", s.container).
				Str("container", container).
				Msg("map already bound to another container, skipping init")
		}
		return false, nil
	}

	inst, err := s.engine.Open(container, s.defaultView)
	if err != nil {
		return false, fmt.Errorf("mount %q: %w", container, err)
	}
	s.inst = inst
	s.container = container
	s.view = s.defaultView
	s.base = s.defaultBase
	s.baseLayer = s.tileLayer(s.base)
	s.inst.AddLayer(s.baseLayer)

	s.log.Info().Str("container", container).Str("base", string(s.base)).Msg("map mounted")
	return true, nil
}

// Unmount destroys the instance. A later Mount starts fresh.
func (s *Surface) Unmount() {
	if s.inst == nil {
		return
	}
	for _, id := range s.IDs() {
		s.inst.RemoveLayer(s.registry[id])
	}
	if s.baseLayer != nil {
		s.inst.RemoveLayer(s.baseLayer)
	}
	s.inst.Close()

	s.log.Info().Str("container", s.container).Msg("map unmounted")

	s.inst = nil
	s.container = ""
	s.baseLayer = nil
	s.base = s.defaultBase
	s.view = s.defaultView
	s.registry = make(map[string]*Layer)
	s.hovered = make(map[string]map[int]bool)
}

// Mounted reports whether an instance is live.
func (s *Surface) Mounted() bool {
	return s.inst != nil
}

// Container returns the container the live instance is bound to.
func (s *Surface) Container() string {
	return s.container
}

// Base returns the active base layer type.
func (s *Surface) Base() BaseLayer {
	return s.base
}

// Viewport returns the last viewport set on the instance.
func (s *Surface) Viewport() Viewport {
	return s.view
}

// SetBaseLayer swaps the base tile layer. Overlays are left alone.
func (s *Surface) SetBaseLayer(b BaseLayer) error {
	if _, err := ParseBaseLayer(string(b)); err != nil {
		return err
	}
	if s.inst == nil {
		return ErrNotMounted
	}
	if b == s.base && s.baseLayer != nil {
		return nil
	}
	if s.baseLayer != nil {
		s.inst.RemoveLayer(s.baseLayer)
	}
	s.base = b
	s.baseLayer = s.tileLayer(b)
	s.inst.AddLayer(s.baseLayer)
	return nil
}

func (s *Surface) tileLayer(b BaseLayer) *Layer {
	src := s.tiles[b]
	return &Layer{
		ID:          "base:" + string(b),
		Kind:        KindTile,
		TileURL:     src.URL,
		Attribution: src.Attribution,
		MaxZoom:     src.MaxZoom,
	}
}

// Attach adds l to the map and records it under l.ID. Attaching the same
// object twice is a no-op; a different object under the same ID replaces
// the old one.
func (s *Surface) Attach(l *Layer) error {
	if s.inst == nil {
		return ErrNotMounted
	}
	if l == nil || l.ID == "" {
		return fmt.Errorf("attach: layer without id")
	}
	if cur, ok := s.registry[l.ID]; ok {
		if cur == l {
			return nil
		}
		s.Detach(l.ID)
	}
	s.inst.AddLayer(l)
	s.registry[l.ID] = l
	return nil
}

// Detach removes the layer recorded under id. It reports whether anything
// was removed.
func (s *Surface) Detach(id string) bool {
	l, ok := s.registry[id]
	if !ok {
		return false
	}
	if s.inst != nil {
		s.inst.RemoveLayer(l)
	}
	delete(s.registry, id)
	delete(s.hovered, id)
	return true
}

// Layer returns the attached layer recorded under id.
func (s *Surface) Layer(id string) (*Layer, bool) {
	l, ok := s.registry[id]
	return l, ok
}

// IDs returns the attached overlay ids, sorted.
func (s *Surface) IDs() []string {
	ids := make([]string, 0, len(s.registry))
	for id := range s.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FitBounds fits the viewport to b. It reports false when the instance is
// missing or b is degenerate.
func (s *Surface) FitBounds(b orb.Bound, padding int) bool {
	if s.inst == nil || !validBound(b) {
		return false
	}
	s.view = s.inst.FitBounds(b, padding)
	return true
}

// ResetView returns to the default viewport.
func (s *Surface) ResetView() {
	if s.inst == nil {
		return
	}
	s.view = s.defaultView
	s.inst.SetView(s.view)
}

// Click dispatches a click on feature idx of layer id.
func (s *Surface) Click(id string, idx int) (popup string, err error) {
	l, ok := s.registry[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownLayer, id)
	}
	f := l.feature(idx)
	if f == nil {
		return "", fmt.Errorf("layer %s has no feature %d", id, idx)
	}
	if l.OnClick == nil {
		return "", nil
	}
	popup = l.OnClick(idx, f)
	if popup != "" && f.Geometry != nil {
		s.inst.OpenPopup(f.Geometry.Bound().Center(), popup)
	}
	return popup, nil
}

// Hover applies or reverts the hover style of feature idx of layer id.
// Layers without a hover style ignore it.
func (s *Surface) Hover(id string, idx int, on bool) error {
	l, ok := s.registry[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLayer, id)
	}
	if l.HoverStyle == nil || l.feature(idx) == nil {
		return nil
	}
	hovered := s.hovered[id]
	if hovered == nil {
		hovered = make(map[int]bool)
		s.hovered[id] = hovered
	}
	if hovered[idx] == on {
		return nil
	}
	if on {
		hovered[idx] = true
		s.inst.SetFeatureStyle(l, idx, l.HoverStyle)
	} else {
		delete(hovered, idx)
		s.inst.SetFeatureStyle(l, idx, nil)
	}
	return nil
}

func validBound(b orb.Bound) bool {
	for _, v := range []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) {
			return false
		}
	}
	return b.Min[0] <= b.Max[0] && b.Min[1] <= b.Max[1]
}
