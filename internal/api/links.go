package api

import (
	"net/http"

	"github.com/joeblew999/plat-agri/internal/humastar"
)

// Per-layer actions, emitted as Link headers depending on layer state.
var (
	showAction = humastar.ActionDef{Rel: "show", Pattern: "/api/v1/layers/%s/show", Method: http.MethodPost, Title: "Show %s"}
	hideAction = humastar.ActionDef{Rel: "hide", Pattern: "/api/v1/layers/%s/hide", Method: http.MethodPost, Title: "Hide %s"}
	zoomAction = humastar.ActionDef{Rel: "zoom", Pattern: "/api/v1/layers/%s/zoom", Method: http.MethodPost, Title: "Zoom to %s"}
)

// extraLinks are relations the path structure does not imply.
var extraLinks = map[string][]string{
	"/api/v1/map": {
		`</api/v1/map/scene>; rel="scene"`,
		`</api/v1/layers>; rel="layers"`,
		`</api/v1/farmers/selected>; rel="selected"`,
	},
	"/api/v1/farmers": {
		`</api/v1/farmers/selected>; rel="selected"`,
		`</api/v1/map>; rel="map"`,
	},
	"/api/v1/stations": {
		`</api/v1/map>; rel="map"`,
	},
	"/api/v1/tables": {
		`</api/v1/query>; rel="query"`,
	},
}

// AddStaticLinks merges extraLinks into l.
func AddStaticLinks(l *humastar.Links) {
	for from, headers := range extraLinks {
		for _, h := range headers {
			l.AddHeader(from, h)
		}
	}
}
