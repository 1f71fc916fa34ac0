package api

import (
	"net/http"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/humastar"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/service"
)

// LayerBody is a catalogue layer with its live state.
type LayerBody struct {
	service.MapLayerDescriptor
	Static  bool   `json:"static" doc:"Always shown, cannot be hidden"`
	Visible bool   `json:"visible" doc:"In the visible set"`
	State   string `json:"state" enum:"unrequested,loading,loaded,error,rendered" doc:"Load and render state"`
	Error   string `json:"error,omitempty" doc:"Last fetch error for this layer"`
}

// Actions implements humastar.Actor.
func (b LayerBody) Actions() []humastar.Action {
	defs := []humastar.ActionDef{zoomAction}
	switch {
	case b.Static:
	case b.Visible:
		defs = append(defs, hideAction)
	default:
		defs = append(defs, showAction)
	}
	return humastar.ActionsFor(b.ID, b.Name, defs...)
}

func newLayerBody(d service.MapLayerDescriptor, st dashboard.LayerStatus) LayerBody {
	return LayerBody{
		MapLayerDescriptor: d,
		Static:             st.Static,
		Visible:            st.Visible,
		State:              st.State,
		Error:              st.Error,
	}
}

// LayersBody lists the catalogue in declared order.
type LayersBody struct {
	Layers  []LayerBody `json:"layers" doc:"Layers in declared order"`
	Visible []string    `json:"visible" doc:"IDs of the visible set in declared order"`
}

// CropBody is one crop registration.
type CropBody struct {
	CropName  string   `json:"cropName" doc:"Crop"`
	Variety   string   `json:"variety,omitempty"`
	Season    string   `json:"season,omitempty"`
	Year      string   `json:"year,omitempty"`
	AreaAcres *float64 `json:"areaAcres,omitempty" doc:"Registered area in acres"`
	SowingAt  string   `json:"sowingDate,omitempty"`
}

// FarmerBody is the farmer projection served by the API.
type FarmerBody struct {
	ID          string     `json:"id" doc:"Farmer ID"`
	Name        string     `json:"name"`
	Mobile      string     `json:"mobile,omitempty"`
	VillageCode string     `json:"villageCode"`
	VillageName string     `json:"villageName,omitempty"`
	Taluka      string     `json:"taluka,omitempty"`
	District    string     `json:"district,omitempty"`
	GeoTagged   bool       `json:"geoTagged" doc:"Whether the farmer has a drawable plot"`
	Crops       []CropBody `json:"crops"`
}

func newFarmerBody(r agriapi.FarmerRecord) FarmerBody {
	_, err := r.Feature()
	b := FarmerBody{
		ID:          r.ID.String(),
		Name:        r.Name,
		Mobile:      r.Mobile,
		VillageCode: r.VillageCode.String(),
		VillageName: r.VillageName,
		Taluka:      r.Taluka,
		District:    r.District,
		GeoTagged:   err == nil,
		Crops:       make([]CropBody, 0, len(r.Crops)),
	}
	for _, c := range r.Crops {
		b.Crops = append(b.Crops, CropBody{
			CropName:  c.CropName,
			Variety:   c.Variety,
			Season:    c.Season,
			Year:      c.Year.String(),
			AreaAcres: floatPtr(c.AreaAcres),
			SowingAt:  c.SowingAt,
		})
	}
	return b
}

// StationBody is a weather station with its latest temperature.
type StationBody struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Elevation   *float64 `json:"elevation,omitempty" doc:"Metres above sea level"`
	VillageCode string   `json:"villageCode,omitempty"`
	VillageName string   `json:"villageName,omitempty"`
	Temperature *float64 `json:"temperature,omitempty" doc:"Latest reading in °C"`
	Selected    bool     `json:"selected" doc:"Serves the selected village"`
}

func newStationBody(s dashboard.StationStatus) StationBody {
	return StationBody{
		ID:          s.ID.String(),
		Name:        s.Name,
		Latitude:    floatPtr(s.Latitude),
		Longitude:   floatPtr(s.Longitude),
		Elevation:   floatPtr(s.Elevation),
		VillageCode: s.VillageCode.String(),
		VillageName: s.VillageName,
		Temperature: s.Temperature,
		Selected:    s.Selected,
	}
}

func floatPtr(f agriapi.FlexFloat) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

// MapBody is the dashboard state.
type MapBody struct {
	Mounted         bool              `json:"mounted"`
	Container       string            `json:"container,omitempty"`
	Base            mapview.BaseLayer `json:"base" enum:"street,satellite"`
	View            mapview.Viewport  `json:"view"`
	Village         string            `json:"village" doc:"Selected village code, empty for all farmers"`
	FarmersVisible  bool              `json:"farmersVisible"`
	Loading         bool              `json:"loading" doc:"Any dataset in flight"`
	FarmerCount     int               `json:"farmerCount"`
	FarmersDrawn    int               `json:"farmersDrawn"`
	FarmersExcluded int               `json:"farmersExcluded" doc:"Farmers without usable geometry"`
	StationCount    int               `json:"stationCount"`
	VisibleLayers   []string          `json:"visibleLayers"`
	Errors          []string          `json:"errors" doc:"Persistent error messages"`
	Selected        *FarmerBody       `json:"selected,omitempty"`
}

// Actions implements humastar.Actor.
func (b MapBody) Actions() []humastar.Action {
	if !b.Mounted {
		return nil
	}
	actions := []humastar.Action{
		{Rel: "base", Href: "/api/v1/map/base", Method: http.MethodPut, Title: "Switch base layer"},
		{Rel: "village", Href: "/api/v1/map/village", Method: http.MethodPut, Title: "Select village"},
		{Rel: "scene", Href: "/api/v1/map/scene", Method: http.MethodGet},
	}
	if b.Selected != nil {
		actions = append(actions, humastar.Action{
			Rel: "deselect", Href: "/api/v1/farmers/selected", Method: http.MethodDelete, Title: "Close farmer details",
		})
	}
	return actions
}

func newMapBody(s dashboard.State) MapBody {
	b := MapBody{
		Mounted:         s.Mounted,
		Container:       s.Container,
		Base:            s.Base,
		View:            s.View,
		Village:         s.Village,
		FarmersVisible:  s.FarmersVisible,
		Loading:         s.Loading(),
		FarmerCount:     s.FarmerCount,
		FarmersDrawn:    s.FarmersDrawn,
		FarmersExcluded: s.FarmersExcluded,
		StationCount:    s.StationCount,
		VisibleLayers:   s.VisibleLayers,
		Errors:          []string{},
	}
	for _, msg := range []string{s.LayerError, s.FarmerError, s.StationError} {
		if msg != "" {
			b.Errors = append(b.Errors, msg)
		}
	}
	if s.Selected != nil {
		f := newFarmerBody(*s.Selected)
		b.Selected = &f
	}
	if b.VisibleLayers == nil {
		b.VisibleLayers = []string{}
	}
	return b
}

// MessageBody is a plain acknowledgement.
type MessageBody struct {
	Message string `json:"message" doc:"Result message"`
}

// HealthBody reports liveness.
type HealthBody struct {
	Status  string `json:"status" doc:"Health status" example:"ok"`
	Version string `json:"version" doc:"API version" example:"1.0.0"`
}
