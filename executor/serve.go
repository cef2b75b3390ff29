package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"visioner-rules/executor/config"
	"visioner-rules/executor/engine"
	"visioner-rules/executor/observability"
	"visioner-rules/executor/ports"
	"visioner-rules/executor/ports/inmem"
	"visioner-rules/executor/ports/sqlite"
	"visioner-rules/executor/predicate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve POST /execute and keep the effect catalog fresh",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, observability.GetLogger())
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().String("content", "", "content server base URL (overrides content.server_url)")
	serveCmd.Flags().String("scene", "", "YAML scene fixture (overrides scene.fixture)")
	_ = viper.BindPFlag("server.addr", serveCmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("content.server_url", serveCmd.Flags().Lookup("content"))
	_ = viper.BindPFlag("scene.fixture", serveCmd.Flags().Lookup("scene"))
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	host, closeHost, err := buildHost(cfg, logger)
	if err != nil {
		return err
	}
	defer closeHost()

	eng, err := engine.NewEngine(host,
		engine.WithLogger(logger),
		engine.WithPredicates(predicate.New(cfg.Engine.PredicateBackend, logger)),
		engine.WithDedupWindow(cfg.Engine.DedupWindow),
		engine.WithDefaultPriority(cfg.Engine.DefaultPriority),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	content := cfg.Content.ServerURL
	if content != "" {
		if err := refreshCatalog(ctx, eng, content, logger); err != nil {
			return fmt.Errorf("initial catalog load failed: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newHandler(eng, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Executor listening", zap.String("addr", cfg.Server.Addr), zap.String("content", content))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if content != "" {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Content.RefreshInterval)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := refreshCatalog(gctx, eng, content, logger); err != nil {
						logger.Warn("Catalog refresh error", zap.Error(err))
					}
				}
			}
		})
	}
	return g.Wait()
}

// buildHost assembles the in-process host. Only the flag store is
// configurable; the scene comes from a fixture.
func buildHost(cfg *config.Config, logger *zap.Logger) (ports.Host, func(), error) {
	scene := inmem.NewScene()
	if cfg.Scene.Fixture != "" {
		loaded, err := inmem.LoadSceneFile(cfg.Scene.Fixture)
		if err != nil {
			return ports.Host{}, nil, err
		}
		scene = loaded
	}

	host := ports.Host{
		Scene:      scene,
		Perception: inmem.NewPerceptionMap(),
		Recalc:     logRecalculator{logger: logger.Named("recalc")},
	}
	closer := func() {}
	switch cfg.Store.Driver {
	case "sqlite":
		store, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return ports.Host{}, nil, err
		}
		host.Flags = store
		closer = func() {
			if err := store.Close(); err != nil {
				logger.Warn("close flag store", zap.Error(err))
			}
		}
	default:
		host.Flags = inmem.NewFlagStore()
	}
	return host, closer, nil
}

// logRecalculator stands in for the host's visibility pipeline.
type logRecalculator struct {
	logger *zap.Logger
}

func (r logRecalculator) RecalculateForTokens(_ context.Context, ids []string) error {
	r.logger.Debug("recalculate", zap.Strings("tokens", ids))
	return nil
}

func (r logRecalculator) RecalculateAll(_ context.Context) error {
	r.logger.Debug("recalculate all")
	return nil
}

func newHandler(eng *engine.Engine, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		var req engine.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		resp, err := eng.Execute(r.Context(), &req)
		if err != nil {
			logger.Warn("eval error", zap.Error(err))
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Error != nil && resp.Error.HttpStatus != 0 {
			w.WriteHeader(resp.Error.HttpStatus)
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("encode error", zap.Error(err))
		}

		logger.Info("request",
			zap.String("op", req.Operation), zap.String("outcome", resp.Outcome), zap.Bool("dry_run", req.DryRun))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "catalog_etag": eng.ETag()})
	})
	return mux
}

func refreshCatalog(ctx context.Context, eng *engine.Engine, serverURL string, logger *zap.Logger) error {
	client := &http.Client{Timeout: 10 * time.Second}
	disc, err := engine.FetchDiscovery(ctx, client, serverURL)
	if err != nil {
		return err
	}

	// Skip reload if ETag hasn't changed.
	if disc.CatalogETag != "" && disc.CatalogETag == eng.ETag() {
		return nil
	}

	catalog, rejected, err := engine.LoadCatalog(ctx, client, serverURL, disc, eng.Schema())
	if err != nil {
		return err
	}
	for name, rerr := range rejected {
		logger.Warn("Effect rejected", zap.String("effect", name), zap.Error(rerr))
	}

	eng.LoadCatalog(catalog, disc.CatalogETag)
	logger.Info("Catalog loaded",
		zap.String("etag", disc.CatalogETag), zap.String("service", disc.Service), zap.Int("effects", len(catalog)), zap.Int("rejected", len(rejected)))
	return nil
}
