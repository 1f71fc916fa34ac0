package viewer

import (
	"fmt"

	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/service"
)

// layerGroup is one fieldset of the layer control.
type layerGroup struct {
	Level  string
	Layers []dashboard.LayerStatus
}

type baseOption struct {
	Value   mapview.BaseLayer
	Label   string
	Checked bool
}

type layerControl struct {
	Groups         []layerGroup
	Bases          []baseOption
	FarmersVisible bool
}

func newLayerControl(st dashboard.State) layerControl {
	groups := []layerGroup{
		{Level: service.LevelState, Layers: []dashboard.LayerStatus{}},
		{Level: service.LevelDistrict, Layers: []dashboard.LayerStatus{}},
	}
	for _, l := range st.Layers {
		if l.Level == service.LevelState {
			groups[0].Layers = append(groups[0].Layers, l)
		} else {
			groups[1].Layers = append(groups[1].Layers, l)
		}
	}
	return layerControl{
		Groups: groups,
		Bases: []baseOption{
			{Value: mapview.Street, Label: "Street", Checked: st.Base == mapview.Street},
			{Value: mapview.Satellite, Label: "Satellite", Checked: st.Base == mapview.Satellite},
		},
		FarmersVisible: st.FarmersVisible,
	}
}

type banner struct {
	ID          string
	Message     string
	Dismissable bool
}

type statusBar struct {
	Loading bool
	Errors  []banner
}

func newStatusBar(st dashboard.State) statusBar {
	bar := statusBar{Loading: st.Loading()}
	if st.LayerError != "" {
		bar.Errors = append(bar.Errors, banner{ID: "layers", Message: st.LayerError, Dismissable: true})
	}
	if st.FarmerError != "" {
		bar.Errors = append(bar.Errors, banner{ID: "farmers", Message: st.FarmerError})
	}
	if st.StationError != "" {
		bar.Errors = append(bar.Errors, banner{ID: "stations", Message: st.StationError})
	}
	return bar
}

type stationItem struct {
	Name     string
	Temp     string
	Selected bool
}

func newStationItems(stations []dashboard.StationStatus) []stationItem {
	out := make([]stationItem, 0, len(stations))
	for _, s := range stations {
		item := stationItem{Name: s.Name, Selected: s.Selected}
		if s.Temperature != nil {
			item.Temp = fmt.Sprintf("%.1f", *s.Temperature)
		}
		out = append(out, item)
	}
	return out
}
