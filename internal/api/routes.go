// Package api defines the Huma REST routes of the agriculture map.
package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/humastar"
	"github.com/joeblew999/plat-agri/internal/mapview"
)

// Version is reported by /health and /api/v1/info.
const Version = "1.0.0"

// SceneSource provides the browser-facing map scene.
type SceneSource interface {
	Snapshot() mapview.SceneSnapshot
}

// Services holds the dependencies of the API handlers.
type Services struct {
	Dashboard *dashboard.Dashboard
	Scene     SceneSource
}

// Types

type IDInput struct {
	ID string `path:"id" doc:"Layer ID" example:"rivers"`
}

type LayerOutput struct {
	Body LayerBody
}

type MapOutput struct {
	Body MapBody
}

type PageInput struct {
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Items to skip"`
	Limit  int `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size"`
}

type BaseInput struct {
	Body struct {
		Base string `json:"base" enum:"street,satellite" doc:"Base tile layer"`
	}
}

type VillageInput struct {
	Body struct {
		Village string `json:"village" maxLength:"64" doc:"Village code, empty for all farmers" example:"527321"`
	}
}

type VisibleInput struct {
	Body struct {
		Visible bool `json:"visible" doc:"Draw the farmer plots"`
	}
}

type FeatureInput struct {
	Body struct {
		Layer string `json:"layer" doc:"Surface layer ID, e.g. layer:rivers or overlay:farmers" example:"overlay:farmers"`
		Index int    `json:"index" minimum:"0" doc:"Feature index within the layer"`
	}
}

type HoverInput struct {
	Body struct {
		Layer string `json:"layer" doc:"Surface layer ID" example:"overlay:farmers"`
		Index int    `json:"index" minimum:"0" doc:"Feature index within the layer"`
		On    bool   `json:"on" doc:"Pointer entered (true) or left (false)"`
	}
}

type ClickBody struct {
	Popup string `json:"popup,omitempty" doc:"Popup HTML opened by the click"`
}

type ZoomBody struct {
	Zoomed bool             `json:"zoomed" doc:"False when the layer has nothing rendered yet"`
	View   mapview.Viewport `json:"view"`
}

// APIHandler holds all REST API handlers. Methods named Register* are
// auto-discovered by huma.AutoRegister.
type APIHandler struct {
	svc *Services
}

func NewAPIHandler(svc *Services) *APIHandler {
	return &APIHandler{svc: svc}
}

// RegisterHealth registers health check routes.
func (h *APIHandler) RegisterHealth(api huma.API) {
	huma.Get(api, "/health", h.GetHealth, huma.OperationTags("health"))
}

// RegisterLayers registers the layer catalogue and visibility routes.
func (h *APIHandler) RegisterLayers(api huma.API) {
	huma.Get(api, "/api/v1/layers", h.GetLayers, huma.OperationTags("layers"))
	huma.Get(api, "/api/v1/layers/{id}", h.GetLayer, huma.OperationTags("layers"))
	huma.Post(api, "/api/v1/layers/{id}/show", h.ShowLayer, huma.OperationTags("layers"))
	huma.Post(api, "/api/v1/layers/{id}/hide", h.HideLayer, huma.OperationTags("layers"))
	huma.Post(api, "/api/v1/layers/{id}/zoom", h.ZoomLayer, huma.OperationTags("layers"))
}

// RegisterMap registers map state and interaction routes.
func (h *APIHandler) RegisterMap(api huma.API) {
	huma.Get(api, "/api/v1/map", h.GetMap, huma.OperationTags("map"))
	huma.Put(api, "/api/v1/map/base", h.PutBase, huma.OperationTags("map"))
	huma.Put(api, "/api/v1/map/village", h.PutVillage, huma.OperationTags("map"))
	huma.Put(api, "/api/v1/map/farmers/visible", h.PutFarmersVisible, huma.OperationTags("map"))
	huma.Post(api, "/api/v1/map/click", h.Click, huma.OperationTags("map"))
	huma.Post(api, "/api/v1/map/hover", h.Hover, huma.OperationTags("map"))
	huma.Get(api, "/api/v1/map/scene", h.GetScene, huma.OperationTags("map"))
}

// RegisterFarmers registers farmer listing and selection routes.
func (h *APIHandler) RegisterFarmers(api huma.API) {
	huma.Get(api, "/api/v1/farmers", h.GetFarmers, huma.OperationTags("farmers"))
	huma.Get(api, "/api/v1/farmers/selected", h.GetSelected, huma.OperationTags("farmers"))
	huma.Delete(api, "/api/v1/farmers/selected", h.DeleteSelected, huma.OperationTags("farmers"))
}

// RegisterStations registers the weather station route.
func (h *APIHandler) RegisterStations(api huma.API) {
	huma.Get(api, "/api/v1/stations", h.GetStations, huma.OperationTags("stations"))
}

// Handlers

func (h *APIHandler) GetHealth(ctx context.Context, input *struct{}) (*struct{ Body HealthBody }, error) {
	return &struct{ Body HealthBody }{Body: HealthBody{Status: "ok", Version: Version}}, nil
}

func (h *APIHandler) GetLayers(ctx context.Context, input *struct{}) (*struct{ Body LayersBody }, error) {
	statuses, err := h.svc.Dashboard.Layers(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	body := LayersBody{Layers: make([]LayerBody, 0, len(statuses)), Visible: []string{}}
	for i, d := range h.svc.Dashboard.Descriptors() {
		body.Layers = append(body.Layers, newLayerBody(d, statuses[i]))
		if statuses[i].Visible {
			body.Visible = append(body.Visible, d.ID)
		}
	}
	return &struct{ Body LayersBody }{Body: body}, nil
}

func (h *APIHandler) GetLayer(ctx context.Context, input *IDInput) (*LayerOutput, error) {
	return h.layer(ctx, input.ID)
}

func (h *APIHandler) layer(ctx context.Context, id string) (*LayerOutput, error) {
	st, err := h.svc.Dashboard.Layer(ctx, id)
	if err != nil {
		return nil, statusError(err)
	}
	for _, d := range h.svc.Dashboard.Descriptors() {
		if d.ID == id {
			return &LayerOutput{Body: newLayerBody(d, st)}, nil
		}
	}
	return nil, huma.Error404NotFound("layer not found")
}

func (h *APIHandler) ShowLayer(ctx context.Context, input *IDInput) (*LayerOutput, error) {
	if err := h.svc.Dashboard.SetLayerVisible(ctx, input.ID, true); err != nil {
		return nil, statusError(err)
	}
	return h.layer(ctx, input.ID)
}

func (h *APIHandler) HideLayer(ctx context.Context, input *IDInput) (*LayerOutput, error) {
	if err := h.svc.Dashboard.SetLayerVisible(ctx, input.ID, false); err != nil {
		return nil, statusError(err)
	}
	return h.layer(ctx, input.ID)
}

func (h *APIHandler) ZoomLayer(ctx context.Context, input *IDInput) (*struct{ Body ZoomBody }, error) {
	zoomed, err := h.svc.Dashboard.ZoomToLayer(ctx, input.ID)
	if err != nil {
		return nil, statusError(err)
	}
	st, err := h.svc.Dashboard.State(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	return &struct{ Body ZoomBody }{Body: ZoomBody{Zoomed: zoomed, View: st.View}}, nil
}

func (h *APIHandler) GetMap(ctx context.Context, input *struct{}) (*MapOutput, error) {
	return h.mapState(ctx)
}

func (h *APIHandler) mapState(ctx context.Context) (*MapOutput, error) {
	st, err := h.svc.Dashboard.State(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	return &MapOutput{Body: newMapBody(st)}, nil
}

func (h *APIHandler) PutBase(ctx context.Context, input *BaseInput) (*MapOutput, error) {
	if err := h.svc.Dashboard.SetBaseLayer(ctx, mapview.BaseLayer(input.Body.Base)); err != nil {
		return nil, statusError(err)
	}
	return h.mapState(ctx)
}

func (h *APIHandler) PutVillage(ctx context.Context, input *VillageInput) (*MapOutput, error) {
	if err := h.svc.Dashboard.SelectVillage(ctx, input.Body.Village); err != nil {
		return nil, statusError(err)
	}
	return h.mapState(ctx)
}

func (h *APIHandler) PutFarmersVisible(ctx context.Context, input *VisibleInput) (*MapOutput, error) {
	if err := h.svc.Dashboard.SetFarmersVisible(ctx, input.Body.Visible); err != nil {
		return nil, statusError(err)
	}
	return h.mapState(ctx)
}

func (h *APIHandler) Click(ctx context.Context, input *FeatureInput) (*struct{ Body ClickBody }, error) {
	popup, err := h.svc.Dashboard.ClickFeature(ctx, input.Body.Layer, input.Body.Index)
	if err != nil {
		return nil, statusError(err)
	}
	return &struct{ Body ClickBody }{Body: ClickBody{Popup: popup}}, nil
}

func (h *APIHandler) Hover(ctx context.Context, input *HoverInput) (*struct{ Body MessageBody }, error) {
	if err := h.svc.Dashboard.HoverFeature(ctx, input.Body.Layer, input.Body.Index, input.Body.On); err != nil {
		return nil, statusError(err)
	}
	return &struct{ Body MessageBody }{Body: MessageBody{Message: "ok"}}, nil
}

func (h *APIHandler) GetScene(ctx context.Context, input *struct{}) (*struct{ Body mapview.SceneSnapshot }, error) {
	if h.svc.Scene == nil {
		return nil, huma.Error503ServiceUnavailable("scene not available")
	}
	return &struct{ Body mapview.SceneSnapshot }{Body: h.svc.Scene.Snapshot()}, nil
}

func (h *APIHandler) GetFarmers(ctx context.Context, input *PageInput) (*struct {
	Body humastar.PageBody[FarmerBody]
}, error) {
	records, err := h.svc.Dashboard.Farmers(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	page := humastar.Page(records, input.Offset, input.Limit)
	body := humastar.PageBody[FarmerBody]{
		Total:  page.Total,
		Offset: page.Offset,
		Limit:  page.Limit,
		Data:   make([]FarmerBody, 0, len(page.Data)),
	}
	for _, r := range page.Data {
		body.Data = append(body.Data, newFarmerBody(r))
	}
	return &struct {
		Body humastar.PageBody[FarmerBody]
	}{Body: body}, nil
}

func (h *APIHandler) GetSelected(ctx context.Context, input *struct{}) (*struct{ Body FarmerBody }, error) {
	r, err := h.svc.Dashboard.Selected(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	if r == nil {
		return nil, huma.Error404NotFound("no farmer selected")
	}
	return &struct{ Body FarmerBody }{Body: newFarmerBody(*r)}, nil
}

func (h *APIHandler) DeleteSelected(ctx context.Context, input *struct{}) (*struct{ Body MessageBody }, error) {
	if err := h.svc.Dashboard.ClearSelection(ctx); err != nil {
		return nil, statusError(err)
	}
	return &struct{ Body MessageBody }{Body: MessageBody{Message: "Selection cleared"}}, nil
}

func (h *APIHandler) GetStations(ctx context.Context, input *struct{}) (*struct{ Body []StationBody }, error) {
	stations, err := h.svc.Dashboard.Stations(ctx)
	if err != nil {
		return nil, statusError(err)
	}
	out := make([]StationBody, 0, len(stations))
	for _, s := range stations {
		out = append(out, newStationBody(s))
	}
	return &struct{ Body []StationBody }{Body: out}, nil
}
