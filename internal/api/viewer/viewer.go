// Package viewer serves the Datastar side of the map page: a live event
// stream and the controls the page posts its signals to.
package viewer

import (
	"context"
	"errors"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/humastar"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/metrics"
	"github.com/joeblew999/plat-agri/internal/templates"
)

// SceneSource provides the browser-facing map scene.
type SceneSource interface {
	Snapshot() mapview.SceneSnapshot
}

// Handler serves the viewer routes.
type Handler struct {
	humastar.Handler
	dash    *dashboard.Dashboard
	scene   SceneSource
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New creates a viewer handler. scene and m may be nil.
func New(dash *dashboard.Dashboard, scene SceneSource, renderer *templates.Renderer, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		Handler: humastar.Handler{Renderer: renderer},
		dash:    dash,
		scene:   scene,
		metrics: m,
		log:     log,
	}
}

func (h *Handler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/viewer/events", h.Events, huma.OperationTags("viewer"))
	huma.Get(api, "/api/v1/viewer/layers", h.Layers, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/toggle", h.Toggle, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/base", h.Base, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/farmers", h.Farmers, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/village", h.Village, huma.OperationTags("viewer"))
	huma.Post(api, "/api/v1/viewer/dismiss", h.Dismiss, huma.OperationTags("viewer"))
	huma.Delete(api, "/api/v1/viewer/selected", h.Deselect, huma.OperationTags("viewer"))
}

// Events streams the page state. Every dashboard event re-sends the map
// signals and re-renders the panels.
func (h *Handler) Events(ctx context.Context, input *humastar.EmptyInput) (*huma.StreamResponse, error) {
	return h.Stream(func(sse humastar.SSE) {
		ctx := sse.Context()
		done := h.metrics.ViewerConnected()
		defer done()

		ch := h.dash.Bus().Subscribe()
		defer h.dash.Bus().Unsubscribe(ch)

		if err := h.sync(ctx, sse); err != nil {
			h.log.Debug().Err(err).Msg("viewer stream closed")
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := h.sync(ctx, sse); err != nil {
					h.log.Debug().Err(err).Msg("viewer stream closed")
					return
				}
				if ev.Resource == "scene" {
					continue
				}
				if err := sse.DispatchCustomEvent("map-changed", map[string]any{
					"resource": ev.Resource,
					"action":   ev.Action,
					"id":       ev.ID,
				}); err != nil {
					return
				}
			}
		}
	}), nil
}

// Layers renders the layer control once.
func (h *Handler) Layers(ctx context.Context, input *humastar.EmptyInput) (*huma.StreamResponse, error) {
	return h.Stream(func(sse humastar.SSE) {
		st, err := h.dash.State(sse.Context())
		if err != nil {
			_ = sse.Error(err.Error())
			return
		}
		_ = sse.Replace(h.Renderer.MustRender("layer-control", newLayerControl(st)), "#layer-control")
	}), nil
}

// Toggle shows or hides the layer in $layerid. Without $on the layer is
// flipped.
func (h *Handler) Toggle(ctx context.Context, input *humastar.SignalsInput) (*huma.StreamResponse, error) {
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	id := signals.String("layerid")
	if id == "" {
		return nil, huma.Error400BadRequest("layerid is required")
	}
	return h.act(func(ctx context.Context) error {
		if signals.Has("on") {
			return h.dash.SetLayerVisible(ctx, id, signals.Bool("on"))
		}
		return h.dash.ToggleLayer(ctx, id)
	}), nil
}

// Base switches the base map to $baselayer.
func (h *Handler) Base(ctx context.Context, input *humastar.SignalsInput) (*huma.StreamResponse, error) {
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	base, err := mapview.ParseBaseLayer(signals.String("baselayer"))
	if err != nil {
		return nil, huma.Error400BadRequest(err.Error())
	}
	return h.act(func(ctx context.Context) error {
		return h.dash.SetBaseLayer(ctx, base)
	}), nil
}

// Farmers shows or hides the farmer plots per $farmersvisible.
func (h *Handler) Farmers(ctx context.Context, input *humastar.SignalsInput) (*huma.StreamResponse, error) {
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	visible := signals.Bool("farmersvisible")
	return h.act(func(ctx context.Context) error {
		return h.dash.SetFarmersVisible(ctx, visible)
	}), nil
}

// Village narrows the farmers and stations to $village. Empty shows all.
func (h *Handler) Village(ctx context.Context, input *humastar.SignalsInput) (*huma.StreamResponse, error) {
	signals, err := input.MustParse()
	if err != nil {
		return nil, err
	}
	code := strings.TrimSpace(signals.String("village"))
	return h.act(func(ctx context.Context) error {
		return h.dash.SelectVillage(ctx, code)
	}), nil
}

// Dismiss clears the layer error banner.
func (h *Handler) Dismiss(ctx context.Context, input *humastar.EmptyInput) (*huma.StreamResponse, error) {
	return h.act(h.dash.DismissError), nil
}

// Deselect closes the farmer detail panel.
func (h *Handler) Deselect(ctx context.Context, input *humastar.EmptyInput) (*huma.StreamResponse, error) {
	return h.act(h.dash.ClearSelection), nil
}

// act runs fn and answers with the refreshed page, or an error signal.
func (h *Handler) act(fn func(context.Context) error) *huma.StreamResponse {
	return h.Stream(func(sse humastar.SSE) {
		ctx := sse.Context()
		if err := fn(ctx); err != nil {
			_ = sse.Error(message(err))
			return
		}
		if err := h.sync(ctx, sse); err != nil {
			h.log.Debug().Err(err).Msg("viewer patch failed")
		}
	})
}

func message(err error) string {
	if errors.Is(err, mapview.ErrNotMounted) {
		return "The map is not shown"
	}
	return err.Error()
}

// sync sends the map signals and re-renders every panel.
func (h *Handler) sync(ctx context.Context, sse humastar.SSE) error {
	st, err := h.dash.State(ctx)
	if err != nil {
		return err
	}
	stations, err := h.dash.Stations(ctx)
	if err != nil {
		return err
	}

	signals := map[string]any{"mapState": st, "error": ""}
	if h.scene != nil {
		signals["mapScene"] = h.scene.Snapshot()
	}
	if err := sse.Signals(signals); err != nil {
		return err
	}

	for _, p := range []struct {
		tmpl, selector string
		data           any
	}{
		{"layer-control", "#layer-control", newLayerControl(st)},
		{"status-bar", "#status-bar", newStatusBar(st)},
		{"farmer-detail", "#farmer-detail", st.Selected},
		{"station-list", "#station-list", newStationItems(stations)},
	} {
		html, err := h.Renderer.Render(p.tmpl, p.data)
		if err != nil {
			return err
		}
		if err := sse.Replace(html, p.selector); err != nil {
			return err
		}
	}
	return nil
}
