package mapview

import (
	"errors"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
)

// worldMeters is the Web Mercator extent at zoom 0.
const worldMeters = 2 * 20037508.342789244

// SceneOptions configures a Scene.
type SceneOptions struct {
	Icons   Icons
	Width   int
	Height  int
	MaxZoom float64
	// Notify is called after every mutation, outside the scene lock.
	Notify func(action, id string)
}

// Scene is an in-memory map engine. It keeps what a browser map would
// show so it can be streamed to one.
type Scene struct {
	opts SceneOptions

	mu        sync.RWMutex
	live      *sceneInstance
	opened    int
	view      Viewport
	layers    []*Layer
	overrides map[*Layer]map[int]Style
	popup     *ScenePopup
}

// NewScene creates a scene engine. Icons are fixed for its lifetime.
func NewScene(opts SceneOptions) *Scene {
	if opts.Width <= 0 {
		opts.Width = 1024
	}
	if opts.Height <= 0 {
		opts.Height = 768
	}
	if opts.MaxZoom <= 0 {
		opts.MaxZoom = 18
	}
	if opts.Icons == (Icons{}) {
		opts.Icons = DefaultIcons()
	}
	return &Scene{opts: opts, overrides: make(map[*Layer]map[int]Style)}
}

// Open implements Engine.
func (s *Scene) Open(container string, view Viewport) (Instance, error) {
	s.mu.Lock()
	if s.live != nil {
		s.mu.Unlock()
		return nil, errors.New("scene already has a live instance")
	}
	s.opened++
	inst := &sceneInstance{scene: s, container: container}
	s.live = inst
	s.view = view
	s.layers = nil
	s.overrides = make(map[*Layer]map[int]Style)
	s.popup = nil
	s.mu.Unlock()

	s.notify("opened", container)
	return inst, nil
}

// Opened returns how many instances have been created.
func (s *Scene) Opened() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.opened
}

func (s *Scene) notify(action, id string) {
	if s.opts.Notify != nil {
		s.opts.Notify(action, id)
	}
}

// ScenePopup is an open popup.
type ScenePopup struct {
	At   orb.Point `json:"at"`
	HTML string    `json:"html"`
}

// SceneMarker is a marker with its icon resolved.
type SceneMarker struct {
	Marker
	IconURL string `json:"iconUrl"`
}

// SceneLayer is the serialisable form of an attached layer.
type SceneLayer struct {
	ID            string                     `json:"id"`
	Kind          Kind                       `json:"kind"`
	TileURL       string                     `json:"tileUrl,omitempty"`
	Attribution   string                     `json:"attribution,omitempty"`
	MaxZoom       int                        `json:"maxZoom,omitempty"`
	Style         *Style                     `json:"style,omitempty"`
	HoverStyle    *Style                     `json:"hoverStyle,omitempty"`
	Features      *geojson.FeatureCollection `json:"features,omitempty"`
	FeatureStyles map[int]Style              `json:"featureStyles,omitempty"`
	Markers       []SceneMarker              `json:"markers,omitempty"`
}

// SceneSnapshot is the full scene state.
type SceneSnapshot struct {
	Container string       `json:"container,omitempty"`
	Mounted   bool         `json:"mounted"`
	View      Viewport     `json:"view"`
	Layers    []SceneLayer `json:"layers"`
	Popup     *ScenePopup  `json:"popup,omitempty"`
	Icons     Icons        `json:"icons"`
}

// Snapshot returns the current scene. Layers are listed in attach order.
func (s *Scene) Snapshot() SceneSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SceneSnapshot{
		Mounted: s.live != nil,
		View:    s.view,
		Layers:  make([]SceneLayer, 0, len(s.layers)),
		Icons:   s.opts.Icons,
	}
	if s.live != nil {
		snap.Container = s.live.container
	}
	if s.popup != nil {
		p := *s.popup
		snap.Popup = &p
	}
	for _, l := range s.layers {
		sl := SceneLayer{
			ID:          l.ID,
			Kind:        l.Kind,
			TileURL:     l.TileURL,
			Attribution: l.Attribution,
			MaxZoom:     l.MaxZoom,
			Features:    l.Features,
			HoverStyle:  l.HoverStyle,
		}
		if l.Kind != KindTile {
			st := l.Style
			sl.Style = &st
		}
		if ov := s.overrides[l]; len(ov) > 0 {
			sl.FeatureStyles = make(map[int]Style, len(ov))
			for idx, st := range ov {
				sl.FeatureStyles[idx] = st
			}
		}
		for _, m := range l.Markers {
			sl.Markers = append(sl.Markers, SceneMarker{Marker: m, IconURL: s.opts.Icons.URL(m.Icon)})
		}
		snap.Layers = append(snap.Layers, sl)
	}
	return snap
}

type sceneInstance struct {
	scene     *Scene
	container string
}

// with runs fn under the scene lock if this instance is still live.
func (i *sceneInstance) with(fn func(s *Scene)) bool {
	s := i.scene
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live != i {
		return false
	}
	fn(s)
	return true
}

func (i *sceneInstance) AddLayer(l *Layer) {
	if i.with(func(s *Scene) { s.layers = append(s.layers, l) }) {
		i.scene.notify("layer-added", l.ID)
	}
}

func (i *sceneInstance) RemoveLayer(l *Layer) {
	removed := false
	i.with(func(s *Scene) {
		for n, cur := range s.layers {
			if cur == l {
				s.layers = append(s.layers[:n], s.layers[n+1:]...)
				removed = true
				break
			}
		}
		delete(s.overrides, l)
	})
	if removed {
		i.scene.notify("layer-removed", l.ID)
	}
}

func (i *sceneInstance) SetView(v Viewport) {
	if i.with(func(s *Scene) { s.view = v }) {
		i.scene.notify("view", "")
	}
}

func (i *sceneInstance) FitBounds(b orb.Bound, padding int) Viewport {
	var v Viewport
	if i.with(func(s *Scene) {
		v = fitViewport(b, s.opts.Width, s.opts.Height, padding, s.opts.MaxZoom)
		s.view = v
	}) {
		i.scene.notify("view", "")
	}
	return v
}

func (i *sceneInstance) OpenPopup(at orb.Point, html string) {
	if i.with(func(s *Scene) { s.popup = &ScenePopup{At: at, HTML: html} }) {
		i.scene.notify("popup", "")
	}
}

func (i *sceneInstance) SetFeatureStyle(l *Layer, idx int, st *Style) {
	if i.with(func(s *Scene) {
		ov := s.overrides[l]
		if st == nil {
			delete(ov, idx)
			return
		}
		if ov == nil {
			ov = make(map[int]Style)
			s.overrides[l] = ov
		}
		ov[idx] = *st
	}) {
		i.scene.notify("feature-style", l.ID)
	}
}

func (i *sceneInstance) Close() {
	if i.with(func(s *Scene) {
		s.live = nil
		s.layers = nil
		s.popup = nil
		s.overrides = make(map[*Layer]map[int]Style)
	}) {
		i.scene.notify("closed", i.container)
	}
}

// fitViewport returns the largest whole zoom at which b fits a
// width×height viewport with padding on every side.
func fitViewport(b orb.Bound, width, height, padding int, maxZoom float64) Viewport {
	lo := project.WGS84.ToMercator(b.Min)
	hi := project.WGS84.ToMercator(b.Max)
	dx, dy := hi[0]-lo[0], hi[1]-lo[1]

	availW := math.Max(float64(width-2*padding), 1)
	availH := math.Max(float64(height-2*padding), 1)

	zoom := maxZoom
	if dx > 0 {
		zoom = math.Min(zoom, math.Log2(availW*worldMeters/(256*dx)))
	}
	if dy > 0 {
		zoom = math.Min(zoom, math.Log2(availH*worldMeters/(256*dy)))
	}
	zoom = math.Max(0, math.Floor(zoom))

	center := project.Mercator.ToWGS84(orb.Point{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2})
	return Viewport{Center: center, Zoom: zoom}
}
