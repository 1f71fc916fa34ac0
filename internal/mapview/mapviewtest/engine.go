// Package mapviewtest provides a recording map engine for tests.
package mapviewtest

import (
	"sync"

	"github.com/paulmach/orb"

	"github.com/joeblew999/plat-agri/internal/mapview"
)

// Engine records every call made against the instances it opens.
type Engine struct {
	mu      sync.Mutex
	Opened  int
	Closed  int
	Adds    []*mapview.Layer
	Removes []*mapview.Layer
	Views   []mapview.Viewport
	Fits    []orb.Bound
	Popups  []string
	Styles  int
	live    map[*mapview.Layer]bool
}

// New creates a recording engine.
func New() *Engine {
	return &Engine{live: make(map[*mapview.Layer]bool)}
}

// Open implements mapview.Engine.
func (e *Engine) Open(container string, view mapview.Viewport) (mapview.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Opened++
	e.Views = append(e.Views, view)
	return &instance{e: e}, nil
}

// Counts returns the number of add and remove calls so far.
func (e *Engine) Counts() (adds, removes int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.Adds), len(e.Removes)
}

// Live reports whether l is currently on the map.
func (e *Engine) Live(l *mapview.Layer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[l]
}

// LiveKind counts live layers of kind k.
func (e *Engine) LiveKind(k mapview.Kind) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for l := range e.live {
		if l.Kind == k {
			n++
		}
	}
	return n
}

type instance struct {
	e *Engine
}

func (i *instance) AddLayer(l *mapview.Layer) {
	i.e.mu.Lock()
	defer i.e.mu.Unlock()
	i.e.Adds = append(i.e.Adds, l)
	i.e.live[l] = true
}

func (i *instance) RemoveLayer(l *mapview.Layer) {
	i.e.mu.Lock()
	defer i.e.mu.Unlock()
	i.e.Removes = append(i.e.Removes, l)
	delete(i.e.live, l)
}

func (i *instance) SetView(v mapview.Viewport) {
	i.e.mu.Lock()
	defer i.e.mu.Unlock()
	i.e.Views = append(i.e.Views, v)
}

func (i *instance) FitBounds(b orb.Bound, padding int) mapview.Viewport {
	i.e.mu.Lock()
	defer i.e.mu.Unlock()
	i.e.Fits = append(i.e.Fits, b)
	return mapview.Viewport{Center: b.Center(), Zoom: 10}
}

func (i *instance) OpenPopup(at orb.Point, html string) {
	i.e.mu.Lock()
	defer i.e.mu.Unlock()
	i.e.Popups = append(i.e.Popups, html)
}

func (i *instance) SetFeatureStyle(l *mapview.Layer, idx int, st *mapview.Style) {
	i.e.mu.Lock()
	defer i.e.mu.Unlock()
	i.e.Styles++
}

func (i *instance) Close() {
	i.e.mu.Lock()
	defer i.e.mu.Unlock()
	i.e.Closed++
}
