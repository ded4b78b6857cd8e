package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/STRATINT/polwatch/internal/config"
)

// Config holds database connection configuration.
type Config struct {
	URL                string
	MaxConnections     int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnectTimeout     time.Duration
}

// DefaultConfig sizes the pool for the enrichment worker pool plus the
// collection fan-out.
func DefaultConfig() Config {
	return Config{
		MaxConnections:     25,
		MaxIdleConnections: 5,
		ConnMaxLifetime:    5 * time.Minute,
		ConnectTimeout:     10 * time.Second,
	}
}

// ConfigFrom maps the process configuration onto pool settings.
func ConfigFrom(cfg config.DatabaseConfig) Config {
	out := DefaultConfig()
	out.URL = cfg.URL
	if cfg.MaxConnections > 0 {
		out.MaxConnections = cfg.MaxConnections
	}
	if cfg.MaxIdle > 0 {
		out.MaxIdleConnections = cfg.MaxIdle
	}
	if cfg.ConnMaxLifetime > 0 {
		out.ConnMaxLifetime = cfg.ConnMaxLifetime
	}
	return out
}

// Connect opens the shared connection pool. The pool is owned by the caller
// and passed to every repository.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, errors.New("database: no connection string configured")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, classify("ping database", err)
	}

	return db, nil
}

// PoolStats is the subset of sql.DBStats reported by the readiness check.
type PoolStats struct {
	Open    int   `json:"open"`
	InUse   int   `json:"in_use"`
	Idle    int   `json:"idle"`
	WaitCnt int64 `json:"wait_count"`
	WaitMS  int64 `json:"wait_ms"`
}

// Ready pings the pool within timeout and reports its usage. Connection
// failures wrap models.ErrDatastoreUnavailable.
func Ready(ctx context.Context, db *sql.DB, timeout time.Duration) (PoolStats, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stats := db.Stats()
	out := PoolStats{
		Open:    stats.OpenConnections,
		InUse:   stats.InUse,
		Idle:    stats.Idle,
		WaitCnt: stats.WaitCount,
		WaitMS:  stats.WaitDuration.Milliseconds(),
	}
	if err := db.PingContext(ctx); err != nil {
		return out, classify("readiness ping", err)
	}
	return out, nil
}
