// Package mapview owns the map surface: one engine instance, its base tile
// layer and the registry of overlay objects attached to it.
//
// All Surface methods must be called from the goroutine running the
// surface's Loop. The engine is only ever touched from there.
package mapview

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	// ErrNotMounted is returned when an operation needs a live engine instance.
	ErrNotMounted = errors.New("map surface not mounted")
	// ErrUnknownBaseLayer is returned for base layer names other than street and satellite.
	ErrUnknownBaseLayer = errors.New("unknown base layer")
	// ErrUnknownLayer is returned when a layer id is not attached.
	ErrUnknownLayer = errors.New("layer not attached")
)

// BaseLayer is the background tile imagery beneath all overlays.
type BaseLayer string

const (
	Street    BaseLayer = "street"
	Satellite BaseLayer = "satellite"
)

// ParseBaseLayer validates a base layer name.
func ParseBaseLayer(s string) (BaseLayer, error) {
	switch BaseLayer(s) {
	case Street, Satellite:
		return BaseLayer(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownBaseLayer, s)
}

// Viewport is the visible map region.
type Viewport struct {
	Center orb.Point `json:"center" doc:"Map centre as [lng, lat]"`
	Zoom   float64   `json:"zoom" doc:"Zoom level"`
}

// DefaultViewport frames Maharashtra.
var DefaultViewport = Viewport{Center: orb.Point{75.7139, 19.7515}, Zoom: 7}

// Style is the render style of a vector layer or one of its features.
type Style struct {
	Color       string  `json:"color,omitempty"`
	FillColor   string  `json:"fillColor,omitempty"`
	Weight      float64 `json:"weight,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
	FillOpacity float64 `json:"fillOpacity,omitempty"`
}

// Kind distinguishes what a Layer renders.
type Kind string

const (
	KindTile     Kind = "tile"
	KindFeatures Kind = "features"
	KindMarkers  Kind = "markers"
)

// Marker is a point marker with a tooltip.
type Marker struct {
	ID          string    `json:"id"`
	Point       orb.Point `json:"point"`
	Tooltip     string    `json:"tooltip"`
	Icon        string    `json:"icon"`
	Highlighted bool      `json:"highlighted,omitempty"`
}

// ClickFunc handles a click on feature idx of a layer. A non-empty return
// value is opened as a popup at the feature.
type ClickFunc func(idx int, f *geojson.Feature) string

// Layer is a rendering object attached to the surface. Identity matters:
// the surface and engine track layers by pointer as well as by ID.
type Layer struct {
	ID          string
	Kind        Kind
	TileURL     string
	Attribution string
	MaxZoom     int

	Features   *geojson.FeatureCollection
	Style      Style
	HoverStyle *Style
	OnClick    ClickFunc

	Markers []Marker
}

// Bound returns the bounding box of the layer's features or markers.
// ok is false when there is nothing to bound.
func (l *Layer) Bound() (orb.Bound, bool) {
	var (
		b     orb.Bound
		found bool
	)
	extend := func(nb orb.Bound) {
		if !found {
			b, found = nb, true
			return
		}
		b = b.Union(nb)
	}
	switch l.Kind {
	case KindFeatures:
		if l.Features == nil {
			return orb.Bound{}, false
		}
		for _, f := range l.Features.Features {
			if f == nil || f.Geometry == nil {
				continue
			}
			extend(f.Geometry.Bound())
		}
	case KindMarkers:
		for _, m := range l.Markers {
			extend(m.Point.Bound())
		}
	}
	return b, found
}

// feature returns feature idx or nil when out of range.
func (l *Layer) feature(idx int) *geojson.Feature {
	if l.Features == nil || idx < 0 || idx >= len(l.Features.Features) {
		return nil
	}
	return l.Features.Features[idx]
}
