package mapview

import "github.com/paulmach/orb"

// Engine creates map instances bound to a container.
type Engine interface {
	Open(container string, view Viewport) (Instance, error)
}

// Instance is one live map bound to a container.
type Instance interface {
	AddLayer(l *Layer)
	RemoveLayer(l *Layer)
	SetView(v Viewport)
	// FitBounds animates the viewport to b with padding pixels on every
	// side and returns the resulting viewport.
	FitBounds(b orb.Bound, padding int) Viewport
	OpenPopup(at orb.Point, html string)
	// SetFeatureStyle overrides the style of feature idx; nil reverts it.
	SetFeatureStyle(l *Layer, idx int, st *Style)
	Close()
}

// TileSource configures a base tile layer.
type TileSource struct {
	URL         string `yaml:"url" json:"url"`
	Attribution string `yaml:"attribution" json:"attribution"`
	MaxZoom     int    `yaml:"maxZoom" json:"maxZoom"`
}

// DefaultTiles returns the street and satellite tile sources.
func DefaultTiles() map[BaseLayer]TileSource {
	return map[BaseLayer]TileSource{
		Street: {
			URL:         "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png",
			Attribution: "&copy; OpenStreetMap contributors",
			MaxZoom:     19,
		},
		Satellite: {
			URL:         "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}",
			Attribution: "Tiles &copy; Esri",
			MaxZoom:     18,
		},
	}
}

// Icons holds marker icon URLs. Pass it to the engine once at start.
type Icons struct {
	Default         string `json:"default"`
	Retina          string `json:"retina"`
	Shadow          string `json:"shadow"`
	Station         string `json:"station"`
	StationSelected string `json:"stationSelected"`
}

// DefaultIcons returns the Leaflet default marker images.
func DefaultIcons() Icons {
	const base = "https://unpkg.com/leaflet@1.9.4/dist/images/"
	return Icons{
		Default:         base + "marker-icon.png",
		Retina:          base + "marker-icon-2x.png",
		Shadow:          base + "marker-shadow.png",
		Station:         base + "marker-icon.png",
		StationSelected: base + "marker-icon-2x.png",
	}
}

// URL resolves a marker icon key.
func (i Icons) URL(key string) string {
	switch key {
	case "station":
		return i.Station
	case "station-selected":
		return i.StationSelected
	}
	return i.Default
}
