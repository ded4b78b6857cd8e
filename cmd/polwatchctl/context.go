package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/STRATINT/polwatch/internal/app"
	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/ingestion"
	"github.com/STRATINT/polwatch/internal/logging"
)

// pipelineService is what the commands drive.
type pipelineService interface {
	CollectCluster(ctx context.Context, req ingestion.CollectRequest) (*ingestion.CollectionResult, error)
	CollectAllActiveClusters(ctx context.Context, req ingestion.CollectAllRequest) (*ingestion.AggregateResult, error)
	ProcessBacklog(ctx context.Context, req ingestion.BacklogRequest) (*ingestion.BacklogResult, error)
	RequeueFailed(ctx context.Context, limit int) (int, error)
	GetStatus(ctx context.Context) *ingestion.Status
}

type openFunc func(ctx context.Context, opts openOptions) (pipelineService, func(), error)

type openOptions struct {
	migrate bool
	verbose bool
	stderr  io.Writer
}

type commandContext struct {
	open    openFunc
	migrate bool
	verbose bool
	json    bool
}

func newCommandContext(open openFunc) *commandContext {
	return &commandContext{open: open}
}

func (c *commandContext) withPipeline(ctx context.Context, stderr io.Writer, fn func(pipelineService) error) error {
	svc, closeFn, err := c.open(ctx, openOptions{migrate: c.migrate, verbose: c.verbose, stderr: stderr})
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(svc)
}

// openPipeline builds the real pipeline against the configured datastore.
// Logs go to stderr so stdout stays clean for tables and JSON.
func openPipeline(ctx context.Context, opts openOptions) (pipelineService, func(), error) {
	if err := config.LoadEnvFiles(); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if err := app.RequireDatabase(cfg); err != nil {
		return nil, nil, err
	}

	logCfg := cfg.Logging
	if !opts.verbose {
		logCfg.Level = slog.LevelWarn
	}
	stderr := opts.stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	logger, err := logging.NewWithWriter(logCfg, stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}

	a, err := app.New(ctx, cfg, logger, app.Options{RunMigrations: opts.migrate})
	if err != nil {
		return nil, nil, err
	}
	return a.Pipeline, a.Close, nil
}
