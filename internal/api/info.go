package api

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
)

// InfoHandler describes the running service.
type InfoHandler struct {
	info InfoBody
}

// NewInfoHandler creates an info handler.
func NewInfoHandler(dataDir, apiURL string, dbOK bool) *InfoHandler {
	return &InfoHandler{info: InfoBody{
		Name:     "plat-agri",
		Version:  Version,
		DataDir:  dataDir,
		APIURL:   apiURL,
		DB:       dbOK,
		Features: []string{"layers", "farmers", "stations", "weather", "duckdb", "datastar"},
	}}
}

func (h *InfoHandler) RegisterRoutes(api huma.API) {
	huma.Get(api, "/api/v1/info", h.GetInfo, huma.OperationTags("health"))
}

type InfoBody struct {
	Name     string   `json:"name" doc:"Service name"`
	Version  string   `json:"version" doc:"Service version"`
	DataDir  string   `json:"data_dir" doc:"Data directory path"`
	APIURL   string   `json:"api_url" doc:"Agriculture backend base URL"`
	DB       bool     `json:"db" doc:"Whether the feature index is available"`
	Features []string `json:"features" doc:"Available features"`
}

func (h *InfoHandler) GetInfo(ctx context.Context, input *struct{}) (*struct{ Body InfoBody }, error) {
	return &struct{ Body InfoBody }{Body: h.info}, nil
}
