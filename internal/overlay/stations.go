package overlay

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/mapview"
)

// Surface ids of the two station marker sets. At most one is attached.
const (
	AllStationsID      = "overlay:stations:all"
	SelectedStationsID = "overlay:stations:selected"
)

// TooltipFunc renders a station tooltip. ok is false when no temperature
// was fetched for the station.
type TooltipFunc func(s agriapi.StationMetadata, temp float64, ok bool) string

// DefaultTooltip shows name, elevation and, when known, the latest
// temperature.
func DefaultTooltip(s agriapi.StationMetadata, temp float64, ok bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b><br/>", html.EscapeString(s.Name))
	fmt.Fprintf(&b, "Elevation: %s", FormatElevation(s.Elevation))
	if ok {
		fmt.Fprintf(&b, "<br/>Temperature: %s °C", strconv.FormatFloat(temp, 'f', 1, 64))
	}
	return b.String()
}

// FormatElevation renders an elevation in metres, or a dash when missing.
func FormatElevation(e agriapi.FlexFloat) string {
	if !e.Valid {
		return "—"
	}
	return strconv.FormatFloat(e.Value, 'f', -1, 64) + " m"
}

// StationResult summarises a rebuild.
type StationResult struct {
	SetID   string // attached marker set, empty when nothing is drawn
	Markers int
	Skipped int // stations with unusable coordinates
}

// StationOverlay draws either every station or the stations of the
// selected village.
type StationOverlay struct {
	surface Surface
	log     zerolog.Logger
	tooltip TooltipFunc
	layer   *mapview.Layer
}

// NewStationOverlay creates an empty overlay. A nil tooltip uses
// DefaultTooltip.
func NewStationOverlay(surface Surface, log zerolog.Logger, tooltip TooltipFunc) *StationOverlay {
	if tooltip == nil {
		tooltip = DefaultTooltip
	}
	return &StationOverlay{surface: surface, log: log, tooltip: tooltip}
}

// Rebuild clears both marker sets and draws the one matching village.
// temps is keyed by station id.
func (o *StationOverlay) Rebuild(stations []agriapi.StationMetadata, temps map[string]float64, village string) StationResult {
	o.surface.Detach(AllStationsID)
	o.surface.Detach(SelectedStationsID)
	o.layer = nil

	id, icon := AllStationsID, "station"
	if village != "" {
		id, icon = SelectedStationsID, "station-selected"
	}

	var res StationResult
	var markers []mapview.Marker
	for _, s := range ForVillage(stations, village) {
		p, ok := s.Point()
		if !ok {
			o.log.Debug().Str("station", s.ID.String()).Msg("skipping station with invalid coordinates")
			res.Skipped++
			continue
		}
		temp, hasTemp := temps[s.ID.String()]
		markers = append(markers, mapview.Marker{
			ID:          s.ID.String(),
			Point:       p,
			Tooltip:     o.tooltip(s, temp, hasTemp),
			Icon:        icon,
			Highlighted: village != "",
		})
	}
	if len(markers) == 0 {
		return res
	}

	o.layer = &mapview.Layer{ID: id, Kind: mapview.KindMarkers, Markers: markers}
	if err := o.surface.Attach(o.layer); err != nil {
		o.log.Debug().Err(err).Msg("station overlay not attached")
		return res
	}
	res.SetID = id
	res.Markers = len(markers)
	return res
}

// Layer returns the attached marker set, if any.
func (o *StationOverlay) Layer() *mapview.Layer {
	return o.layer
}

// ForVillage returns every station when village is empty and the stations
// serving village otherwise.
func ForVillage(stations []agriapi.StationMetadata, village string) []agriapi.StationMetadata {
	if village == "" {
		return stations
	}
	var out []agriapi.StationMetadata
	for _, s := range stations {
		if s.VillageCode.String() == village {
			out = append(out, s)
		}
	}
	return out
}
