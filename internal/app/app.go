// Package app assembles the collection pipeline from runtime configuration.
// Both the server and the operator CLI build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/STRATINT/polwatch/internal/campaign"
	"github.com/STRATINT/polwatch/internal/cloudsql"
	"github.com/STRATINT/polwatch/internal/config"
	"github.com/STRATINT/polwatch/internal/database"
	"github.com/STRATINT/polwatch/internal/dedup"
	"github.com/STRATINT/polwatch/internal/enrichment"
	"github.com/STRATINT/polwatch/internal/ingestion"
	"github.com/STRATINT/polwatch/internal/metrics"
	"github.com/STRATINT/polwatch/internal/notify"
	"github.com/STRATINT/polwatch/internal/sources"
)

// Options selects the optional parts of the assembly.
type Options struct {
	RunMigrations bool
	// Metrics registers Prometheus collectors and observes the pipeline.
	Metrics bool
}

// App owns every long-lived resource of one process.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Cache     dedup.Cache
	Pipeline  *ingestion.Pipeline
	Campaigns *campaign.Aggregator
	Metrics   *metrics.Registry
	HTTP      *metrics.HTTPCollector

	closers []func()
}

// New connects to the datastore and cache and wires the pipeline. On error
// every resource opened so far is released.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("connecting to database", "target", cloudsql.Describe(cfg.Database.URL))
	db, err := database.Connect(ctx, database.ConfigFrom(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, func() { db.Close() })
	logger.Info("database connected")

	if opts.RunMigrations {
		if err := database.RunMigrations(ctx, db, cfg.Database.MigrationsDir, logger); err != nil {
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	cache, err := a.newCache(ctx)
	if err != nil {
		return nil, err
	}
	a.Cache = cache

	adapters := newAdapters(cfg.Sources, logger)
	reasoner, err := newReasoner(cfg.OpenAI, logger)
	if err != nil {
		return nil, err
	}
	engine := enrichment.NewEngine(adapters, reasoner, logger, enrichment.WithTimeout(cfg.OpenAI.Timeout))

	campaignCfg, err := campaign.ConfigFrom(cfg.Campaign)
	if err != nil {
		return nil, fmt.Errorf("campaign config: %w", err)
	}
	a.Campaigns = campaign.NewAggregator(
		database.NewPostgresCampaignRepository(db),
		a.newNotifier(),
		campaignCfg,
		logger,
	)

	var observer ingestion.Observer
	if opts.Metrics {
		if observer, err = a.newMetrics(); err != nil {
			return nil, err
		}
	}

	a.Pipeline, err = ingestion.NewPipeline(ingestion.Dependencies{
		Clusters:  database.NewPostgresClusterRepository(db),
		Envelopes: database.NewPostgresEnvelopeRepository(db, cfg.Pipeline.StaleClaimAge),
		Posts:     database.NewPostgresPostRepository(db),
		Cache:     cache,
		Adapters:  adapters,
		Enricher:  engine,
		Campaigns: a.Campaigns,
		Observer:  observer,
	}, ingestion.PipelineConfigFrom(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// MetricsHandler serves the registry, or nil when metrics are off.
func (a *App) MetricsHandler() http.Handler {
	if a.Metrics == nil {
		return nil
	}
	return a.Metrics.Handler()
}

func (a *App) newCache(ctx context.Context) (dedup.Cache, error) {
	window := a.Config.Pipeline.CollectionRateWindow
	if a.Config.Redis.URL == "" {
		a.Logger.Warn("REDIS_URL not set, using in-process dedup cache")
		return dedup.NewMemoryCache(window), nil
	}
	client, err := dedup.NewClientFromURL(ctx, a.Config.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, func() { client.Close() })
	a.Logger.Info("redis dedup cache connected")
	return dedup.NewRedisCache(client, dedup.WithRateWindow(window)), nil
}

// newAdapters registers every platform so stored payloads can always be
// parsed. Platforms without credentials fail at search time and are
// reported per source.
func newAdapters(cfg config.SourcesConfig, logger *slog.Logger) *sources.Registry {
	opts := func(e config.SourceEndpoint) sources.HTTPOptions {
		return sources.HTTPOptions{RequestsPerSecond: e.RequestsPerSecond, Logger: logger}
	}
	for name, e := range map[string]config.SourceEndpoint{
		"twitter":  cfg.Twitter,
		"youtube":  cfg.YouTube,
		"facebook": cfg.Facebook,
	} {
		if e.APIKey == "" {
			logger.Warn("source adapter has no credentials, searches will fail", "source", name)
		}
	}
	return sources.NewRegistry(
		sources.NewTwitterAdapter(cfg.Twitter.BaseURL, cfg.Twitter.APIKey, opts(cfg.Twitter)),
		sources.NewYouTubeAdapter(cfg.YouTube.BaseURL, cfg.YouTube.APIKey, opts(cfg.YouTube)),
		sources.NewFacebookAdapter(cfg.Facebook.BaseURL, cfg.Facebook.APIKey, opts(cfg.Facebook)),
		sources.NewNewsAdapter(cfg.News.BaseURL, opts(cfg.News)),
	)
}

func newReasoner(cfg config.OpenAIConfig, logger *slog.Logger) (enrichment.Reasoner, error) {
	if cfg.APIKey == "" {
		logger.Warn("OPENAI_API_KEY not set, using heuristic reasoner")
		return enrichment.NewHeuristicReasoner(), nil
	}
	reasoner, err := enrichment.NewOpenAIReasoner(enrichment.OpenAIConfigFrom(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("openai reasoner: %w", err)
	}
	logger.Info("using OpenAI reasoner", "model", cfg.Model)
	return reasoner, nil
}

func (a *App) newNotifier() campaign.Notifier {
	fanout := notify.Fanout{notify.NewLogNotifier(a.Logger)}
	if len(a.Config.Kafka.Brokers) == 0 {
		return fanout
	}
	kafka, err := notify.NewKafkaNotifier(a.Config.Kafka, a.Logger)
	if err != nil {
		a.Logger.Warn("kafka notifier disabled", "error", err)
		return fanout
	}
	a.closers = append(a.closers, kafka.Close)
	return append(fanout, kafka)
}

func (a *App) newMetrics() (ingestion.Observer, error) {
	registry, err := metrics.NewRegistry()
	if err != nil {
		return nil, fmt.Errorf("metrics registry: %w", err)
	}
	httpCollector, err := metrics.NewHTTPCollector(registry)
	if err != nil {
		return nil, fmt.Errorf("http metrics: %w", err)
	}
	pipelineCollector, err := metrics.NewPipelineCollector(registry)
	if err != nil {
		return nil, fmt.Errorf("pipeline metrics: %w", err)
	}
	a.Metrics = registry
	a.HTTP = httpCollector
	return pipelineCollector, nil
}

// Ready reports pool usage and fails when the datastore cannot be reached.
func (a *App) Ready(ctx context.Context) (any, error) {
	return database.Ready(ctx, a.DB, 2*time.Second)
}

// ErrNoDatabase is returned by commands that need the datastore when no
// DATABASE_URL is configured.
var ErrNoDatabase = errors.New("DATABASE_URL or INSTANCE_CONNECTION_NAME must be set")

// RequireDatabase checks the configuration before connecting.
func RequireDatabase(cfg config.Config) error {
	if cfg.Database.URL == "" {
		return ErrNoDatabase
	}
	return nil
}
