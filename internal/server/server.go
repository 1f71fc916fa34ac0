// Package server assembles the HTTP surface of the agriculture map: the
// Huma REST API, the Datastar viewer stream, metrics and static layers.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/joeblew999/plat-agri/internal/api"
	"github.com/joeblew999/plat-agri/internal/api/viewer"
	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/humastar"
	"github.com/joeblew999/plat-agri/internal/metrics"
	"github.com/joeblew999/plat-agri/internal/templates"
)

// Config holds the server configuration.
type Config struct {
	Host    string
	Port    int
	DataDir string
	APIURL  string
	// Container is the element the map is mounted in.
	Container string
}

// Deps are the components the server exposes.
type Deps struct {
	Dashboard *dashboard.Dashboard
	Scene     api.SceneSource
	DB        *sql.DB
	Metrics   *metrics.Metrics
	Renderer  *templates.Renderer
	Logger    zerolog.Logger
}

// Server is the agriculture map HTTP server.
type Server struct {
	config  Config
	deps    Deps
	router  chi.Router
	humaAPI huma.API
	links   *humastar.Links
}

// New creates the server and registers every route.
func New(cfg Config, deps Deps) *Server {
	if cfg.Container == "" {
		cfg.Container = "map"
	}
	if deps.Renderer == nil {
		deps.Renderer = templates.Default()
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		router: chi.NewRouter(),
		links:  humastar.NewLinks(),
	}

	// No middleware.Timeout: it would cut the viewer stream.
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.accessLog)

	humaConfig := huma.DefaultConfig("plat-agri API", api.Version)
	humaConfig.Info.Description = "Agriculture map: administrative layers, farmer plots and weather stations."
	humaConfig.Servers = []*huma.Server{
		{URL: fmt.Sprintf("http://%s:%d", displayHost(cfg.Host), cfg.Port), Description: "Local server"},
	}
	// The $schema link hook wraps bodies; Link headers replace it.
	humaConfig.CreateHooks = nil
	humaConfig.Transformers = append(humaConfig.Transformers, s.links.Transformer())
	s.humaAPI = humachi.New(s.router, humaConfig)

	s.routes()
	return s
}

func (s *Server) routes() {
	huma.AutoRegister(s.humaAPI, api.NewAPIHandler(&api.Services{
		Dashboard: s.deps.Dashboard,
		Scene:     s.deps.Scene,
	}))
	api.NewDBHandler(s.deps.DB).RegisterRoutes(s.humaAPI)
	api.NewInfoHandler(s.config.DataDir, s.config.APIURL, s.deps.DB != nil).RegisterRoutes(s.humaAPI)

	var scene viewer.SceneSource
	if s.deps.Scene != nil {
		scene = s.deps.Scene
	}
	viewer.New(s.deps.Dashboard, scene, s.deps.Renderer, s.deps.Metrics, s.deps.Logger).RegisterRoutes(s.humaAPI)

	// Links are derived once every operation exists.
	s.links.Discover(s.humaAPI, "viewer")
	api.AddStaticLinks(s.links)

	s.router.Handle("/metrics", s.deps.Metrics.Handler())

	if s.config.DataDir != "" {
		layersDir := filepath.Join(s.config.DataDir, "layers")
		if info, err := os.Stat(layersDir); err == nil && info.IsDir() {
			s.router.Handle("/static/layers/*", http.StripPrefix("/static/layers/", http.FileServer(http.Dir(layersDir))))
		}
	}

	s.router.Get("/", s.handleViewer)
	s.router.Get("/viewer", s.handleViewer)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer returns an http.Server for addr that serves s. Request
// contexts are cancelled as soon as Shutdown starts, so open viewer
// streams end instead of holding the shutdown deadline.
func (s *Server) HTTPServer(addr string) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	hs := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	hs.RegisterOnShutdown(cancel)
	return hs
}

// OpenAPI returns the generated OpenAPI document.
func (s *Server) OpenAPI() *huma.OpenAPI {
	return s.humaAPI.OpenAPI()
}

// Links returns the derived hypermedia links.
func (s *Server) Links() *humastar.Links {
	return s.links
}

// Close closes server resources.
func (s *Server) Close() error {
	if s.deps.DB == nil {
		return nil
	}
	return s.deps.DB.Close()
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Dashboard.State(r.Context())
	if err != nil {
		http.Error(w, "map unavailable", http.StatusServiceUnavailable)
		return
	}
	html, err := s.deps.Renderer.Render("viewer-page", map[string]any{
		"Title":     "Farm map",
		"Base":      st.Base,
		"Container": s.config.Container,
	})
	if err != nil {
		s.deps.Logger.Error().Err(err).Msg("render viewer page")
		http.Error(w, "render failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(html))
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		s.deps.Metrics.ObserveHTTPRequest(r.Method, route, ww.Status(), time.Since(start))

		s.deps.Logger.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Msg("http_request")
	})
}

func displayHost(host string) string {
	if host == "" || host == "0.0.0.0" {
		return "localhost"
	}
	return host
}
