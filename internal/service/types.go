// Package service contains the layer catalogue and event plumbing for plat-agri.
package service

// Layer levels group descriptors in the layer control.
const (
	LevelState    = "state"
	LevelDistrict = "district"
)

// MapLayerDescriptor is the static configuration of one map layer.
// Huma reads the tags for OpenAPI, yaml.v3 for the catalogue file.
type MapLayerDescriptor struct {
	ID          string  `yaml:"id" json:"id" doc:"Unique layer identifier" example:"districts"`
	Name        string  `yaml:"name" json:"name" doc:"Display name" example:"District Boundaries"`
	Path        string  `yaml:"path" json:"path" doc:"Feature collection URL, absolute or relative to the layers base URL" example:"layers/districts.geojson"`
	Color       string  `yaml:"color" json:"color,omitempty" doc:"Stroke color (CSS)" example:"#4b5563"`
	FillColor   string  `yaml:"fillColor" json:"fillColor,omitempty" doc:"Fill color (CSS)" example:"#e5e7eb"`
	Weight      float64 `yaml:"weight" json:"weight,omitempty" doc:"Stroke width in pixels" example:"1"`
	FillOpacity float64 `yaml:"fillOpacity" json:"fillOpacity,omitempty" minimum:"0" maximum:"1" doc:"Fill opacity (0-1)" example:"0.05"`
	Level       string  `yaml:"level" json:"level" enum:"state,district" doc:"Grouping in the layer control" example:"state"`
}

// LayerGroup is a set of descriptors sharing a level.
type LayerGroup struct {
	Level  string               `json:"level" doc:"Layer level"`
	Layers []MapLayerDescriptor `json:"layers" doc:"Layers in declared order"`
}
