package dashboard

import (
	"context"
	"errors"
	"fmt"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/layers"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/overlay"
	"github.com/joeblew999/plat-agri/internal/service"
)

// LayerStatus describes one catalogue layer.
type LayerStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Level   string `json:"level"`
	Color   string `json:"color"`
	Static  bool   `json:"static"`
	Visible bool   `json:"visible"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// State is a read-only view of the dashboard.
type State struct {
	Mounted         bool                  `json:"mounted"`
	Container       string                `json:"container,omitempty"`
	Base            mapview.BaseLayer     `json:"base"`
	View            mapview.Viewport      `json:"view"`
	Village         string                `json:"village"`
	FarmersVisible  bool                  `json:"farmersVisible"`
	FarmersLoading  bool                  `json:"farmersLoading"`
	WeatherLoading  bool                  `json:"weatherLoading"`
	FarmerCount     int                   `json:"farmerCount"`
	FarmersDrawn    int                   `json:"farmersDrawn"`
	FarmersExcluded int                   `json:"farmersExcluded"`
	StationCount    int                   `json:"stationCount"`
	VisibleLayers   []string              `json:"visibleLayers"`
	Layers          []LayerStatus         `json:"layers"`
	LayerError      string                `json:"layerError,omitempty"`
	FarmerError     string                `json:"farmerError,omitempty"`
	StationError    string                `json:"stationError,omitempty"`
	Selected        *agriapi.FarmerRecord `json:"selected,omitempty"`
}

// Loading reports whether any dataset is in flight.
func (s State) Loading() bool {
	if s.FarmersLoading || s.WeatherLoading {
		return true
	}
	for _, l := range s.Layers {
		if l.State == string(layers.StateLoading) {
			return true
		}
	}
	return false
}

// StationStatus is a station with its latest temperature, if known.
type StationStatus struct {
	agriapi.StationMetadata
	Temperature *float64 `json:"temperature,omitempty"`
	Selected    bool     `json:"selected"`
}

// State snapshots the dashboard.
func (d *Dashboard) State(ctx context.Context) (State, error) {
	var s State
	err := d.do(ctx, func() { s = d.state() })
	return s, err
}

func (d *Dashboard) state() State {
	s := State{
		Mounted:         d.surface.Mounted(),
		Container:       d.surface.Container(),
		Base:            d.surface.Base(),
		View:            d.surface.Viewport(),
		Village:         d.village,
		FarmersVisible:  d.farmersVisible,
		FarmersLoading:  d.farmersLoading,
		WeatherLoading:  d.weatherLoading,
		FarmerCount:     len(d.farmerRecords),
		FarmersDrawn:    d.farmerResult.Features,
		FarmersExcluded: d.farmerResult.Excluded,
		StationCount:    len(d.stationList),
		VisibleLayers:   d.layers.VisibleIDs(),
		Layers:          d.layerStatus(),
		FarmerError:     d.farmerErr,
		StationError:    d.stationErr,
		Selected:        d.selected,
	}
	if err := d.layers.LastError(); err != nil {
		s.LayerError = d.layerMessage(err)
	}
	return s
}

func (d *Dashboard) layerStatus() []LayerStatus {
	descs := d.layers.Descriptors()
	out := make([]LayerStatus, 0, len(descs))
	for _, desc := range descs {
		st := LayerStatus{
			ID:      desc.ID,
			Name:    desc.Name,
			Level:   desc.Level,
			Color:   desc.Color,
			Static:  d.layers.IsStatic(desc.ID),
			Visible: d.layers.Visible(desc.ID),
			State:   string(d.layers.State(desc.ID)),
		}
		if err := d.layers.Err(desc.ID); err != nil {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

func (d *Dashboard) layerMessage(err error) string {
	var fe *layers.FetchError
	if errors.As(err, &fe) {
		name := fe.ID
		for _, desc := range d.layers.Descriptors() {
			if desc.ID == fe.ID {
				name = desc.Name
				break
			}
		}
		return fmt.Sprintf("Failed to load layer %s: %v", name, fe.Err)
	}
	return err.Error()
}

// Layers lists the catalogue with per-layer state.
func (d *Dashboard) Layers(ctx context.Context) ([]LayerStatus, error) {
	var out []LayerStatus
	err := d.do(ctx, func() { out = d.layerStatus() })
	return out, err
}

// Layer returns the status of one layer.
func (d *Dashboard) Layer(ctx context.Context, id string) (LayerStatus, error) {
	all, err := d.Layers(ctx)
	if err != nil {
		return LayerStatus{}, err
	}
	for _, l := range all {
		if l.ID == id {
			return l, nil
		}
	}
	return LayerStatus{}, fmt.Errorf("%w: %s", layers.ErrUnknownLayer, id)
}

// Descriptors returns the layer catalogue.
func (d *Dashboard) Descriptors() []service.MapLayerDescriptor {
	return d.layers.Descriptors()
}

// ToggleLayer flips the visibility of a catalogue layer.
func (d *Dashboard) ToggleLayer(ctx context.Context, id string) error {
	return d.layerOp(ctx, func() error { return d.layers.Toggle(d.session, id) })
}

// SetLayerVisible shows or hides a catalogue layer.
func (d *Dashboard) SetLayerVisible(ctx context.Context, id string, on bool) error {
	return d.layerOp(ctx, func() error { return d.layers.SetVisible(d.session, id, on) })
}

// ZoomToLayer fits the view to a rendered layer. It reports false when
// the layer has nothing rendered yet.
func (d *Dashboard) ZoomToLayer(ctx context.Context, id string) (bool, error) {
	var zoomed bool
	err := d.layerOp(ctx, func() error {
		if !d.known(id) {
			return fmt.Errorf("%w: %s", layers.ErrUnknownLayer, id)
		}
		zoomed = d.layers.ZoomToLayer(id)
		return nil
	})
	return zoomed, err
}

func (d *Dashboard) known(id string) bool {
	for _, desc := range d.layers.Descriptors() {
		if desc.ID == id {
			return true
		}
	}
	return false
}

func (d *Dashboard) layerOp(ctx context.Context, fn func() error) error {
	var err error
	if e := d.do(ctx, func() {
		if !d.surface.Mounted() {
			err = mapview.ErrNotMounted
			return
		}
		err = fn()
	}); e != nil {
		return e
	}
	return err
}

// SetBaseLayer swaps the tile layer. Overlays are untouched.
func (d *Dashboard) SetBaseLayer(ctx context.Context, b mapview.BaseLayer) error {
	return d.layerOp(ctx, func() error {
		if err := d.surface.SetBaseLayer(b); err != nil {
			return err
		}
		d.publish("map", "base", string(b))
		return nil
	})
}

// SetFarmersVisible shows or hides the farmer plots.
func (d *Dashboard) SetFarmersVisible(ctx context.Context, on bool) error {
	return d.layerOp(ctx, func() error {
		if d.farmersVisible == on {
			return nil
		}
		d.farmersVisible = on
		d.rebuildFarmers()
		d.publish("farmers", "visibility", "")
		return nil
	})
}

// ClickFeature dispatches a click on feature idx of an attached layer and
// returns the popup it opened, if any.
func (d *Dashboard) ClickFeature(ctx context.Context, layerID string, idx int) (string, error) {
	var popup string
	err := d.layerOp(ctx, func() error {
		var err error
		popup, err = d.surface.Click(layerID, idx)
		return err
	})
	return popup, err
}

// HoverFeature applies or reverts the hover style of a feature.
func (d *Dashboard) HoverFeature(ctx context.Context, layerID string, idx int, on bool) error {
	return d.layerOp(ctx, func() error { return d.surface.Hover(layerID, idx, on) })
}

// SelectFarmer selects a drawn farmer by id.
func (d *Dashboard) SelectFarmer(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := d.layerOp(ctx, func() error {
		ok = d.farmers.Select(id)
		return nil
	})
	return ok, err
}

// ClearSelection dismisses the farmer detail panel.
func (d *Dashboard) ClearSelection(ctx context.Context) error {
	return d.do(ctx, d.farmers.ClearSelection)
}

// Selected returns the selected farmer, if any.
func (d *Dashboard) Selected(ctx context.Context) (*agriapi.FarmerRecord, error) {
	var r *agriapi.FarmerRecord
	err := d.do(ctx, func() { r = d.selected })
	return r, err
}

// DismissError clears the layer error banner.
func (d *Dashboard) DismissError(ctx context.Context) error {
	return d.do(ctx, func() {
		d.layers.ClearError()
		d.publish("map", "error-dismissed", "")
	})
}

// Farmers returns the records of the current view, drawn or not.
func (d *Dashboard) Farmers(ctx context.Context) ([]agriapi.FarmerRecord, error) {
	var out []agriapi.FarmerRecord
	err := d.do(ctx, func() {
		out = append([]agriapi.FarmerRecord(nil), d.farmerRecords...)
	})
	return out, err
}

// Stations returns every known station with its latest temperature.
func (d *Dashboard) Stations(ctx context.Context) ([]StationStatus, error) {
	var out []StationStatus
	err := d.do(ctx, func() {
		selected := make(map[string]bool)
		if d.village != "" {
			for _, s := range overlay.ForVillage(d.stationList, d.village) {
				selected[s.ID.String()] = true
			}
		}
		out = make([]StationStatus, 0, len(d.stationList))
		for _, s := range d.stationList {
			st := StationStatus{StationMetadata: s, Selected: selected[s.ID.String()]}
			if t, ok := d.temperatures[s.ID.String()]; ok {
				st.Temperature = &t
			}
			out = append(out, st)
		}
	})
	return out, err
}
