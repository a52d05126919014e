package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"pharmagent/internal/backend"
	"pharmagent/internal/catalog"
	"pharmagent/internal/engine"
	"pharmagent/internal/events"
	"pharmagent/internal/logger"
	"pharmagent/internal/researchsvc"
	"pharmagent/internal/server"
	"pharmagent/internal/session"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var addr, basePath, backendAddr string
	var withBackend bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serve the session API with live event streams. --with-backend also runs the research backend in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				viper.Set("server.addr", addr)
			}
			if basePath != "" {
				viper.Set("server.base_path", basePath)
			}
			if withBackend {
				viper.Set("backend.url", "http://"+backendAddr)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg, false)
			defer log.Sync()

			ctx := cmd.Context()
			cat := catalog.Default()
			bus := events.NewBus(log)
			defer bus.Close()
			store := session.NewStore(cfg.Session.TTL, cfg.Session.CleanupInterval)
			client := backend.New(cfg.Backend.URL, cfg.Backend.RequestTimeout())
			client.Logger, client.Verbose = log, cfg.Debug
			e := engine.New(cfg, cat, client, bus, log)

			handler, err := server.New(server.Config{
				Engine:      e,
				Sessions:    store,
				Events:      bus,
				Catalog:     cat,
				BasePath:    cfg.Server.BasePath,
				CORSOrigins: cfg.Server.CORSOrigins,
				Logger:      log,
				RunContext:  ctx,
			})
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				fmt.Printf("Serving PharmAgent API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
					cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
				return listenAndServe(gctx, &http.Server{Addr: cfg.Server.Addr, Handler: handler}, log)
			})
			if withBackend {
				svc := researchsvc.New(cat, log)
				g.Go(func() error {
					fmt.Printf("Serving research backend on http://%s\n", backendAddr)
					return listenAndServe(gctx, &http.Server{Addr: backendAddr, Handler: svc.Handler()}, log)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&withBackend, "with-backend", false, "also run the research backend")
	cmd.Flags().StringVar(&backendAddr, "backend-addr", "127.0.0.1:5000", "research backend listen address for --with-backend")
	return cmd
}

func backendCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "backend",
		Short: "Run the research backend",
		Long:  "Serve POST /api/research and GET /health, answering from the compound catalog.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := newLogger(cfg, false)
			defer log.Sync()
			svc := researchsvc.New(catalog.Default(), log)
			fmt.Printf("Serving research backend on http://%s (POST /api/research, GET /health)\n", addr)
			return listenAndServe(cmd.Context(), &http.Server{Addr: addr, Handler: svc.Handler()}, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:5000", "listen address")
	return cmd
}

// listenAndServe runs srv until ctx is done, then shuts it down gracefully.
func listenAndServe(ctx context.Context, srv *http.Server, log logger.Logger) error {
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Warn("server", "shutdown", map[string]any{"addr": srv.Addr, "error": err.Error()})
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
