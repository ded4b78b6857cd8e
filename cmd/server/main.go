package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/STRATINT/polwatch/internal/api"
	"github.com/STRATINT/polwatch/internal/app"
	"github.com/STRATINT/polwatch/internal/auth"
	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/logging"
	"github.com/STRATINT/polwatch/internal/scheduler"
	"github.com/STRATINT/polwatch/internal/server"
)

func main() {
	if err := config.LoadEnvFiles(); err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load env files", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting polwatch")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, app.Options{RunMigrations: true, Metrics: true})
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	authConfig := auth.ConfigFrom(cfg.Auth)
	if !authConfig.Enabled() {
		logger.Warn("JWT_SECRET not set, trigger API is disabled")
	}

	mux := http.NewServeMux()
	api.SetupRoutes(mux, api.Routes{
		Pipeline:       a.Pipeline,
		Campaigns:      a.Campaigns,
		Auth:           authConfig,
		MetricsHandler: a.MetricsHandler(),
		Ready:          a.Ready,
		Logger:         logger,
	})
	srv := server.New(cfg.Server, logger, a.HTTP.InstrumentHandler(api.CORS(mux)))

	// Scheduled jobs live outside the pipeline core and stop with ctx.
	collection := scheduler.NewCollectionScheduler(a.Pipeline, cfg.Pipeline.StartupDelay, cfg.Pipeline.CollectionInterval, logger)
	backlog := scheduler.NewBacklogScheduler(a.Pipeline, cfg.Pipeline.BacklogInterval, logger)

	var wg sync.WaitGroup
	for _, start := range []func(context.Context){collection.Start, backlog.Start} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(ctx)
		}()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		stop()
	}

	logger.Info("shutting down")
	collection.Stop()
	backlog.Stop()
	wg.Wait()
	logger.Info("shutdown complete")
}
