package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"pal-server/router-api/internal/config"
	"pal-server/router-api/internal/domain/capability"
	"pal-server/router-api/internal/domain/conversation"
	"pal-server/router-api/internal/domain/engine"
	"pal-server/router-api/internal/domain/pipeline"
	"pal-server/router-api/internal/domain/provider"
	"pal-server/router-api/internal/infrastructure/logger"
)

type Application struct {
	engine   *engine.Engine
	pipeline *pipeline.Pipeline
	metrics  *http.Server
}

func init() {
	cfg, err := config.Load()
	if err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("load config")
	}
	if _, err := logger.New(cfg.LogLevel, cfg.LogFormat); err != nil {
		logger.GetLogger().Fatal().Err(err).Msg("configure logger")
	}
}

func (application *Application) Start(ctx context.Context) error {
	log := logger.GetLogger()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", application.metrics.Addr).Msg("serving metrics")
		if err := application.metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		application.pipeline.Close()
		return application.metrics.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

func createApplication(cfg *config.Config) (*Application, error) {
	manifest, err := capability.LoadManifest(cfg.ModelManifestPath, cfg.ModelManifestOverride)
	if err != nil {
		return nil, fmt.Errorf("load model manifest: %w", err)
	}

	kinds := provider.ConfiguredKinds(cfg)
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no providers configured, set at least one of OPENAI_API_KEY, OPENROUTER_API_KEY, CUSTOM_BASE_URL")
	}

	providers := provider.NewRegistry(provider.NewFactory(cfg, manifest), kinds)
	pipe := pipeline.New(providers, cfg.WorkerPoolSize, cfg.ModelCallCap())
	threads := conversation.NewStore(cfg.ConversationMaxTurns, cfg.ConversationMaxIdle)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return &Application{
		engine:   engine.New(providers, pipe, threads),
		pipeline: pipe,
		metrics: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func main() {
	log := logger.GetLogger()

	cfg := config.GetGlobal()
	if cfg == nil {
		log.Fatal().Msg("config not loaded")
	}

	application, err := createApplication(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create application")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", config.Version).
		Int("workers", cfg.WorkerPoolSize).
		Msg("router-api starting")

	if err := application.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("run application")
	}
}
