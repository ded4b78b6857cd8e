package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/STRATINT/polwatch/internal/cloudsql"
)

// Config represents runtime configuration derived from environment variables.
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Database DatabaseConfig
	Redis    RedisConfig
	OpenAI   OpenAIConfig
	Kafka    KafkaConfig
	Pipeline PipelineConfig
	Dedup    DedupConfig
	Campaign CampaignConfig
	Sources  SourcesConfig
	Auth     AuthConfig
}

// ServerConfig holds HTTP server runtime parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig represents structured logging configuration.
type LoggingConfig struct {
	Level  slog.Level
	Format string
}

// DatabaseConfig configures the Postgres document store.
type DatabaseConfig struct {
	URL             string
	MaxConnections  int
	MaxIdle         int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

// RedisConfig configures the dedup cache. An empty URL selects the in-process cache.
type RedisConfig struct {
	URL string
}

// OpenAIConfig configures the reasoning capability.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// KafkaConfig configures campaign event publishing. No brokers means log-only notifications.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// CacheFailurePolicy decides how collection behaves when the dedup cache is unreachable.
type CacheFailurePolicy string

const (
	// CacheFailOpen treats every item as unseen; the post store uniqueness remains the guard.
	CacheFailOpen CacheFailurePolicy = "fail_open"
	// CacheFailClosed fails the affected source for this run.
	CacheFailClosed CacheFailurePolicy = "fail_closed"
)

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	ClusterConcurrency   int
	SourceConcurrency    int
	EnrichmentWorkers    int
	BacklogBatchSize     int
	BacklogMaxBatches    int
	StaleClaimAge        time.Duration
	CollectionInterval   time.Duration
	BacklogInterval      time.Duration
	StartupDelay         time.Duration
	EnrichInline         bool
	CacheFailurePolicy   CacheFailurePolicy
	CollectionRateWindow time.Duration
	CollectionRateLimit  int64
}

// DedupConfig configures seen-content retention.
type DedupConfig struct {
	TTL time.Duration
}

// CampaignConfig tunes grouping and escalation.
type CampaignConfig struct {
	GroupingThreshold string
	OverlapThreshold  float64
	GroupingWindow    time.Duration
	VelocityThreshold float64
	EscalationWindow  time.Duration
}

// SourcesConfig holds the per-platform search endpoints and credentials.
type SourcesConfig struct {
	Twitter  SourceEndpoint
	YouTube  SourceEndpoint
	Facebook SourceEndpoint
	News     SourceEndpoint
}

// SourceEndpoint configures one platform adapter.
type SourceEndpoint struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
}

// AuthConfig configures the admin trigger API.
type AuthConfig struct {
	JWTSecret     string
	AdminPassword string
	TokenDuration time.Duration
}

const (
	defaultPort            = "8080"
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second

	defaultLogFormat = "json"

	defaultMaxConnections  = 25
	defaultMaxIdle         = 5
	defaultConnMaxLifetime = 5 * time.Minute
	defaultMigrationsDir   = "migrations"

	defaultOpenAIModel     = "gpt-4o-mini"
	defaultOpenAITimeout   = 15 * time.Second
	defaultOpenAIMaxTokens = 1200

	defaultKafkaTopic    = "polwatch.campaign-events"
	defaultKafkaClientID = "polwatch"

	defaultClusterConcurrency   = 4
	defaultSourceConcurrency    = 4
	defaultEnrichmentWorkers    = 4
	defaultBacklogBatchSize     = 50
	defaultBacklogMaxBatches    = 20
	defaultStaleClaimAge        = 10 * time.Minute
	defaultCollectionInterval   = 30 * time.Minute
	defaultBacklogInterval      = 5 * time.Minute
	defaultStartupDelay         = 30 * time.Second
	defaultCollectionRateWindow = 15 * time.Minute
	defaultCollectionRateLimit  = 60

	defaultDedupTTL = 7 * 24 * time.Hour

	defaultGroupingThreshold = "medium"
	defaultOverlapThreshold  = 0.3
	defaultGroupingWindow    = 48 * time.Hour
	defaultVelocityThreshold = 5.0
	defaultEscalationWindow  = time.Hour

	defaultTokenDuration = 24 * time.Hour
)

// Load reads configuration from environment variables, applying defaults when
// values are not provided or invalid.
func Load() (Config, error) {
	port := getEnv("PORT", "")
	if port == "" {
		port = getEnv("SERVER_PORT", defaultPort)
	}

	dbURL, err := cloudsql.BuildDatabaseURL(os.Getenv)
	if err != nil && !errors.Is(err, cloudsql.ErrNotConfigured) {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:            port,
			ReadTimeout:     defaultReadTimeout,
			WriteTimeout:    defaultWriteTimeout,
			ShutdownTimeout: defaultShutdownTimeout,
		},
		Logging: LoggingConfig{
			Level:  slog.LevelInfo,
			Format: defaultLogFormat,
		},
		Database: DatabaseConfig{
			URL:             dbURL,
			MaxConnections:  defaultMaxConnections,
			MaxIdle:         defaultMaxIdle,
			ConnMaxLifetime: defaultConnMaxLifetime,
			MigrationsDir:   getEnv("MIGRATIONS_DIR", defaultMigrationsDir),
		},
		Redis: RedisConfig{URL: os.Getenv("REDIS_URL")},
		OpenAI: OpenAIConfig{
			APIKey:      os.Getenv("OPENAI_API_KEY"),
			BaseURL:     os.Getenv("OPENAI_BASE_URL"),
			Model:       getEnv("OPENAI_MODEL", defaultOpenAIModel),
			Temperature: 0.2,
			MaxTokens:   defaultOpenAIMaxTokens,
			Timeout:     defaultOpenAITimeout,
		},
		Kafka: KafkaConfig{
			Brokers:  splitList(os.Getenv("KAFKA_BROKERS")),
			Topic:    getEnv("KAFKA_CAMPAIGN_TOPIC", defaultKafkaTopic),
			ClientID: getEnv("KAFKA_CLIENT_ID", defaultKafkaClientID),
		},
		Pipeline: PipelineConfig{
			ClusterConcurrency:   defaultClusterConcurrency,
			SourceConcurrency:    defaultSourceConcurrency,
			EnrichmentWorkers:    defaultEnrichmentWorkers,
			BacklogBatchSize:     defaultBacklogBatchSize,
			BacklogMaxBatches:    defaultBacklogMaxBatches,
			StaleClaimAge:        defaultStaleClaimAge,
			CollectionInterval:   defaultCollectionInterval,
			BacklogInterval:      defaultBacklogInterval,
			StartupDelay:         defaultStartupDelay,
			CacheFailurePolicy:   CacheFailOpen,
			CollectionRateWindow: defaultCollectionRateWindow,
			CollectionRateLimit:  defaultCollectionRateLimit,
		},
		Dedup: DedupConfig{TTL: defaultDedupTTL},
		Campaign: CampaignConfig{
			GroupingThreshold: defaultGroupingThreshold,
			OverlapThreshold:  defaultOverlapThreshold,
			GroupingWindow:    defaultGroupingWindow,
			VelocityThreshold: defaultVelocityThreshold,
			EscalationWindow:  defaultEscalationWindow,
		},
		Sources: SourcesConfig{
			Twitter:  sourceEndpoint("TWITTER", "https://api.twitter.com/2", 1),
			YouTube:  sourceEndpoint("YOUTUBE", "https://www.googleapis.com/youtube/v3", 2),
			Facebook: sourceEndpoint("FACEBOOK", "https://graph.facebook.com/v19.0", 1),
			News:     sourceEndpoint("NEWS", "https://news.google.com/rss/search", 1),
		},
		Auth: AuthConfig{
			JWTSecret:     os.Getenv("JWT_SECRET"),
			AdminPassword: os.Getenv("ADMIN_PASSWORD"),
			TokenDuration: defaultTokenDuration,
		},
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SERVER_READ_TIMEOUT_SECONDS", &cfg.Server.ReadTimeout},
		{"SERVER_WRITE_TIMEOUT_SECONDS", &cfg.Server.WriteTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT_SECONDS", &cfg.Server.ShutdownTimeout},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.Database.ConnMaxLifetime},
		{"OPENAI_TIMEOUT_SECONDS", &cfg.OpenAI.Timeout},
		{"PIPELINE_STALE_CLAIM_SECONDS", &cfg.Pipeline.StaleClaimAge},
		{"PIPELINE_COLLECTION_INTERVAL_SECONDS", &cfg.Pipeline.CollectionInterval},
		{"PIPELINE_BACKLOG_INTERVAL_SECONDS", &cfg.Pipeline.BacklogInterval},
		{"PIPELINE_STARTUP_DELAY_SECONDS", &cfg.Pipeline.StartupDelay},
		{"PIPELINE_RATE_WINDOW_SECONDS", &cfg.Pipeline.CollectionRateWindow},
		{"DEDUP_TTL_SECONDS", &cfg.Dedup.TTL},
		{"CAMPAIGN_GROUPING_WINDOW_SECONDS", &cfg.Campaign.GroupingWindow},
		{"CAMPAIGN_ESCALATION_WINDOW_SECONDS", &cfg.Campaign.EscalationWindow},
		{"AUTH_TOKEN_DURATION_SECONDS", &cfg.Auth.TokenDuration},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			parsed, err := parseSeconds(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"DB_MAX_CONNECTIONS", &cfg.Database.MaxConnections},
		{"DB_MAX_IDLE_CONNECTIONS", &cfg.Database.MaxIdle},
		{"OPENAI_MAX_TOKENS", &cfg.OpenAI.MaxTokens},
		{"PIPELINE_CLUSTER_CONCURRENCY", &cfg.Pipeline.ClusterConcurrency},
		{"PIPELINE_SOURCE_CONCURRENCY", &cfg.Pipeline.SourceConcurrency},
		{"PIPELINE_ENRICHMENT_WORKERS", &cfg.Pipeline.EnrichmentWorkers},
		{"PIPELINE_BACKLOG_BATCH_SIZE", &cfg.Pipeline.BacklogBatchSize},
		{"PIPELINE_BACKLOG_MAX_BATCHES", &cfg.Pipeline.BacklogMaxBatches},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			parsed, err := parsePositiveInt(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dst = parsed
		}
	}

	if v := os.Getenv("PIPELINE_RATE_LIMIT"); v != "" {
		n, err := parsePositiveInt(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_RATE_LIMIT: %w", err)
		}
		cfg.Pipeline.CollectionRateLimit = int64(n)
	}

	if v := os.Getenv("PIPELINE_ENRICH_INLINE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PIPELINE_ENRICH_INLINE: %w", err)
		}
		cfg.Pipeline.EnrichInline = b
	}

	if v := os.Getenv("PIPELINE_CACHE_FAILURE_POLICY"); v != "" {
		switch CacheFailurePolicy(v) {
		case CacheFailOpen, CacheFailClosed:
			cfg.Pipeline.CacheFailurePolicy = CacheFailurePolicy(v)
		default:
			return Config{}, fmt.Errorf("invalid PIPELINE_CACHE_FAILURE_POLICY: must be 'fail_open' or 'fail_closed'")
		}
	}

	if v := os.Getenv("OPENAI_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil || f < 0 || f > 2 {
			return Config{}, fmt.Errorf("invalid OPENAI_TEMPERATURE: must be between 0 and 2")
		}
		cfg.OpenAI.Temperature = float32(f)
	}

	if v := os.Getenv("CAMPAIGN_GROUPING_THRESHOLD"); v != "" {
		switch v {
		case "none", "low", "medium", "high", "critical":
			cfg.Campaign.GroupingThreshold = v
		default:
			return Config{}, fmt.Errorf("invalid CAMPAIGN_GROUPING_THRESHOLD: must be a threat level")
		}
	}

	if v := os.Getenv("CAMPAIGN_OVERLAP_THRESHOLD"); v != "" {
		f, err := parseUnitFloat(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CAMPAIGN_OVERLAP_THRESHOLD: %w", err)
		}
		cfg.Campaign.OverlapThreshold = f
	}

	if v := os.Getenv("CAMPAIGN_VELOCITY_THRESHOLD"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return Config{}, fmt.Errorf("invalid CAMPAIGN_VELOCITY_THRESHOLD: must be a positive number")
		}
		cfg.Campaign.VelocityThreshold = f
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid LOG_LEVEL: %w", err)
		}
		cfg.Logging.Level = level
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		switch v {
		case "json", "text":
			cfg.Logging.Format = v
		default:
			return Config{}, fmt.Errorf("invalid LOG_FORMAT: must be 'json' or 'text'")
		}
	}

	for _, ep := range []struct {
		prefix string
		dst    *SourceEndpoint
	}{
		{"TWITTER", &cfg.Sources.Twitter},
		{"YOUTUBE", &cfg.Sources.YouTube},
		{"FACEBOOK", &cfg.Sources.Facebook},
		{"NEWS", &cfg.Sources.News},
	} {
		key := ep.prefix + "_REQUESTS_PER_SECOND"
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || f <= 0 {
				return Config{}, fmt.Errorf("invalid %s: must be a positive number", key)
			}
			ep.dst.RequestsPerSecond = f
		}
	}

	return cfg, nil
}

func sourceEndpoint(prefix, defaultBaseURL string, rps float64) SourceEndpoint {
	return SourceEndpoint{
		BaseURL:           getEnv(prefix+"_API_BASE_URL", defaultBaseURL),
		APIKey:            os.Getenv(prefix + "_API_KEY"),
		RequestsPerSecond: rps,
	}
}

func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("must be a non-negative integer")
	}
	return time.Duration(seconds) * time.Second, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

func parseUnitFloat(raw string) (float64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 1 {
		return 0, fmt.Errorf("must be between 0 and 1")
	}
	return f, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch raw {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("must be one of debug, info, warn, error")
	}
}
