package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/joeblew999/plat-agri/internal/agriapi"
	"github.com/joeblew999/plat-agri/internal/dashboard"
	"github.com/joeblew999/plat-agri/internal/db"
	"github.com/joeblew999/plat-agri/internal/layers"
	"github.com/joeblew999/plat-agri/internal/logging"
	"github.com/joeblew999/plat-agri/internal/mapview"
	"github.com/joeblew999/plat-agri/internal/metrics"
	"github.com/joeblew999/plat-agri/internal/server"
	"github.com/joeblew999/plat-agri/internal/service"
)

// Options defines all CLI flags and env vars for the map server.
// Flags: --host, --port, --data-dir, --api-url, ...
// Env vars: SERVICE_HOST, SERVICE_PORT, SERVICE_DATA_DIR, SERVICE_API_URL, ...
type Options struct {
	Host           string `doc:"Host to bind to" default:"0.0.0.0"`
	Port           int    `doc:"Port to listen on" short:"p" default:"8086"`
	DataDir        string `doc:"Directory for layers.yaml, layer GeoJSON and the feature index" default:".data"`
	APIURL         string `doc:"Agriculture backend base URL" default:"http://localhost:8000"`
	APIToken       string `doc:"Bearer token for the agriculture backend"`
	LayersURL      string `doc:"Where layer GeoJSON is fetched from, a directory or http(s) URL; defaults to <data-dir>/layers"`
	LogLevel       string `doc:"Log level (trace, debug, info, warn, error)" default:"info"`
	BaseLayer      string `doc:"Initial base layer (street, satellite)" default:"street"`
	ViewportWidth  int    `doc:"Viewport width in pixels used for fit-bounds" default:"1024"`
	ViewportHeight int    `doc:"Viewport height in pixels used for fit-bounds" default:"768"`
	TimeoutSeconds int    `doc:"Timeout for backend and layer requests" default:"30"`
}

// app is everything a running process owns.
type app struct {
	log    zerolog.Logger
	dash   *dashboard.Dashboard
	srv    *server.Server
	cancel context.CancelFunc
}

func newApp(opts *Options) (*app, error) {
	log := logging.New(opts.LogLevel)

	base, err := mapview.ParseBaseLayer(opts.BaseLayer)
	if err != nil {
		return nil, err
	}

	catalogue, err := service.NewLayerService(opts.DataDir)
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	layersURL := opts.LayersURL
	if layersURL == "" {
		layersURL = filepath.Join(opts.DataDir, "layers")
	}
	fetcher, err := layers.NewFetcher(layersURL, client)
	if err != nil {
		return nil, fmt.Errorf("layers url: %w", err)
	}

	backend := agriapi.NewClient(opts.APIURL,
		agriapi.WithHTTPClient(client),
		agriapi.WithToken(opts.APIToken),
		agriapi.WithLogger(log),
	)

	// The feature index is optional; /api/v1/tables answers 503 without it.
	conn, err := db.Open(context.Background(), db.Config{})
	var index dashboard.Indexer
	if err != nil {
		log.Warn().Err(err).Msg("feature index unavailable")
		conn = nil
	} else {
		index = db.NewFeatureIndex(conn)
	}

	bus := service.NewEventBus()
	m := metrics.New()
	scene := mapview.NewScene(mapview.SceneOptions{
		Icons:  mapview.DefaultIcons(),
		Width:  opts.ViewportWidth,
		Height: opts.ViewportHeight,
		Notify: func(action, id string) {
			bus.Publish(service.Event{Resource: "scene", Action: action, ID: id})
		},
	})

	dash := dashboard.New(dashboard.Options{
		Engine:      scene,
		Surface:     mapview.SurfaceOptions{DefaultBase: base},
		Descriptors: catalogue.List(),
		Fetcher:     fetcher,
		Backend:     backend,
		Bus:         bus,
		Metrics:     m,
		Index:       index,
		Logger:      log,
	})

	srv := server.New(server.Config{
		Host:    opts.Host,
		Port:    opts.Port,
		DataDir: opts.DataDir,
		APIURL:  opts.APIURL,
	}, server.Deps{
		Dashboard: dash,
		Scene:     scene,
		DB:        conn,
		Metrics:   m,
		Logger:    log,
	})

	log.Info().
		Str("catalogue", catalogue.Source()).
		Int("layers", len(catalogue.List())).
		Str("layers_url", layersURL).
		Str("api_url", opts.APIURL).
		Msg("configured")

	return &app{log: log, dash: dash, srv: srv}, nil
}

func main() {
	var a *app
	var httpServer *http.Server

	cli := humacli.New(func(hooks humacli.Hooks, opts *Options) {
		hooks.OnStart(func() {
			var err error
			a, err = newApp(opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			ctx, cancel := context.WithCancel(context.Background())
			a.cancel = cancel
			go a.dash.Run(ctx)

			if _, err := a.dash.Mount(ctx, "map"); err != nil {
				a.log.Error().Err(err).Msg("mount map")
			}

			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			httpServer = a.srv.HTTPServer(addr)

			displayHost := opts.Host
			if displayHost == "0.0.0.0" {
				displayHost = "localhost"
			}
			baseURL := fmt.Sprintf("http://%s:%d", displayHost, opts.Port)
			a.log.Info().
				Str("addr", addr).
				Str("viewer", baseURL+"/").
				Str("docs", baseURL+"/docs").
				Str("openapi", baseURL+"/openapi.json").
				Msg("plat-agri server starting")

			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Fatal().Err(err).Msg("server error")
			}
		})

		hooks.OnStop(func() {
			if a == nil {
				return
			}
			if httpServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := httpServer.Shutdown(ctx); err != nil {
					a.log.Warn().Err(err).Msg("http shutdown")
				}
				cancel()
			}
			// Separate deadline from the HTTP drain.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.dash.Shutdown(ctx); err != nil {
				a.log.Warn().Err(err).Msg("dashboard shutdown")
			}
			a.cancel()
			if err := a.srv.Close(); err != nil {
				a.log.Warn().Err(err).Msg("close database")
			}
			a.log.Info().Msg("stopped")
		})
	})

	cli.Root().Use = "agrimap"
	cli.Root().Short = "Agriculture map: layers, farmer plots and weather stations"
	cli.Root().Version = "1.0.0"

	// spec subcommand: export OpenAPI spec
	specCmd := &cobra.Command{
		Use:   "spec",
		Short: "Export OpenAPI spec (JSON by default, --yaml for YAML)",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			app, err := newApp(opts)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer app.srv.Close()
			spec := app.srv.OpenAPI()

			useYAML, _ := cmd.Flags().GetBool("yaml")

			var output []byte
			if useYAML {
				output, err = yaml.Marshal(spec)
			} else {
				output, err = json.MarshalIndent(spec, "", "  ")
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error marshaling spec: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(output))
		}),
	}
	specCmd.Flags().BoolP("yaml", "y", false, "Output as YAML instead of JSON")
	cli.Root().AddCommand(specCmd)

	// layers subcommand: print the layer catalogue
	layersCmd := &cobra.Command{
		Use:   "layers",
		Short: "Print the layer catalogue grouped by level",
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, opts *Options) {
			catalogue, err := service.NewLayerService(opts.DataDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Catalogue: %s\n\n", catalogue.Source())
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tID\tNAME\tPATH\tSTATIC")
			for _, g := range catalogue.ByLevel() {
				for _, l := range g.Layers {
					static := ""
					for _, id := range layers.StaticLayerIDs {
						if id == l.ID {
							static = "yes"
						}
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", g.Level, l.ID, l.Name, l.Path, static)
				}
			}
			w.Flush()
		}),
	}
	cli.Root().AddCommand(layersCmd)

	cli.Run()
}
