// Package overlay renders the farmer plot and weather station overlays.
// Both are rebuilt from scratch whenever their inputs change.
package overlay

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/mapview"
)

// FarmersID is the surface id of the farmer overlay.
const FarmersID = "overlay:farmers"

// FitPadding is the pixel padding used when fitting to the farmer plots.
const FitPadding = 20

var (
	FarmerStyle = mapview.Style{
		Color:       "#15803d",
		FillColor:   "#22c55e",
		Weight:      1,
		Opacity:     1,
		FillOpacity: 0.4,
	}
	FarmerHoverStyle = mapview.Style{
		Color:       "#15803d",
		FillColor:   "#22c55e",
		Weight:      3,
		Opacity:     1,
		FillOpacity: 0.7,
	}
)

// Surface is the part of the map surface overlays draw on.
type Surface interface {
	Attach(l *mapview.Layer) error
	Detach(id string) bool
	FitBounds(b orb.Bound, padding int) bool
	ResetView()
}

// FarmerResult summarises a rebuild.
type FarmerResult struct {
	Features int  // farmers drawn
	Excluded int  // farmers without usable geometry
	Attached bool // overlay is on the map
}

// FarmerOverlay draws one feature per geo-tagged farmer.
type FarmerOverlay struct {
	surface  Surface
	log      zerolog.Logger
	onSelect func(*agriapi.FarmerRecord)

	layer    *mapview.Layer
	byID     map[string]agriapi.FarmerRecord
	selected *agriapi.FarmerRecord
}

// NewFarmerOverlay creates an empty overlay. onSelect, if set, is called
// with the selected farmer, or nil when the selection is cleared.
func NewFarmerOverlay(surface Surface, log zerolog.Logger, onSelect func(*agriapi.FarmerRecord)) *FarmerOverlay {
	return &FarmerOverlay{
		surface:  surface,
		log:      log,
		onSelect: onSelect,
		byID:     make(map[string]agriapi.FarmerRecord),
	}
}

// Rebuild drops the current overlay and draws records again. When the
// overlay is attached the viewport fits the plots for a selected village
// and returns to the default otherwise.
func (o *FarmerOverlay) Rebuild(records []agriapi.FarmerRecord, visible bool, village string) FarmerResult {
	if o.layer != nil {
		o.surface.Detach(FarmersID)
		o.layer = nil
	}
	o.byID = make(map[string]agriapi.FarmerRecord, len(records))

	var res FarmerResult
	fc := geojson.NewFeatureCollection()
	for _, r := range records {
		f, err := r.Feature()
		if err != nil {
			if errors.Is(err, agriapi.ErrMalformedGeometry) {
				o.log.Debug().Err(err).Str("farmer", r.ID.String()).Msg("skipping farmer")
			}
			res.Excluded++
			continue
		}
		id := r.ID.String()
		if _, dup := o.byID[id]; dup {
			o.log.Debug().Str("farmer", id).Msg("duplicate farmer id, keeping the first")
		} else {
			o.byID[id] = r
		}
		fc.Append(f)
	}
	res.Features = len(fc.Features)

	hover := FarmerHoverStyle
	o.layer = &mapview.Layer{
		ID:         FarmersID,
		Kind:       mapview.KindFeatures,
		Features:   fc,
		Style:      FarmerStyle,
		HoverStyle: &hover,
		OnClick: func(_ int, f *geojson.Feature) string {
			o.Select(fmt.Sprint(f.ID))
			return ""
		},
	}

	if !visible {
		return res
	}
	if err := o.surface.Attach(o.layer); err != nil {
		o.log.Debug().Err(err).Msg("farmer overlay not attached")
		return res
	}
	res.Attached = true

	if village != "" {
		if b, ok := o.layer.Bound(); ok {
			o.surface.FitBounds(b, FitPadding)
		}
	} else {
		o.surface.ResetView()
	}
	return res
}

// Layer returns the current overlay layer, attached or not.
func (o *FarmerOverlay) Layer() *mapview.Layer {
	return o.layer
}

// Len returns the number of drawn farmers.
func (o *FarmerOverlay) Len() int {
	return len(o.byID)
}

// Select marks the farmer with id as selected. It reports false when the
// farmer is not drawn.
func (o *FarmerOverlay) Select(id string) bool {
	r, ok := o.byID[id]
	if !ok {
		return false
	}
	o.selected = &r
	if o.onSelect != nil {
		o.onSelect(o.selected)
	}
	return true
}

// Selected returns the selected farmer.
func (o *FarmerOverlay) Selected() (*agriapi.FarmerRecord, bool) {
	return o.selected, o.selected != nil
}

// Reset forgets the drawn farmers and the selection. The surface is
// expected to have been unmounted already.
func (o *FarmerOverlay) Reset() {
	o.ClearSelection()
	o.layer = nil
	o.byID = make(map[string]agriapi.FarmerRecord)
}

// ClearSelection drops the selected farmer.
func (o *FarmerOverlay) ClearSelection() {
	if o.selected == nil {
		return
	}
	o.selected = nil
	if o.onSelect != nil {
		o.onSelect(nil)
	}
}
