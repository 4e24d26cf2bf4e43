// Package cmd provides the CLI commands for the commlog engine.
package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/practicepulse/commlog-engine/config"
	"github.com/practicepulse/commlog-engine/pkg/commlog"
	"github.com/practicepulse/commlog-engine/pkg/db"
	"github.com/practicepulse/commlog-engine/pkg/logging"
	"github.com/practicepulse/commlog-engine/pkg/pipeline"
)

// Store is the persistence surface the CLI commands need. It extends the
// pipeline's store with the read paths used by status, metrics, and
// templates. *commlog.Repository implements it.
type Store interface {
	pipeline.Store
	Watermarks(ctx context.Context) (map[string]time.Time, error)
	ListMetrics(ctx context.Context, from, to time.Time) ([]commlog.MetricsBucket, error)
}

// EngineDeps holds the dependencies for engine commands. Tests override the
// function fields to avoid real Postgres and Redis connections.
type EngineDeps struct {
	ConfigPath string

	LoadConfig func(path string) (*config.Config, error)
	NewLogger  func(cfg *config.Config) logging.Logger
	OpenStore  func(ctx context.Context, cfg *config.Config, logger logging.Logger) (Store, func(), error)
	NewLocker  func(cfg *config.Config, logger logging.Logger) pipeline.Locker
}

// Prometheus metrics register on the default registerer exactly once per
// process, no matter how many runs a process performs.
var (
	metricsOnce   sync.Once
	sharedMetrics *pipeline.Metrics
)

func engineMetrics() *pipeline.Metrics {
	metricsOnce.Do(func() { sharedMetrics = pipeline.DefaultMetrics() })
	return sharedMetrics
}

// DefaultEngineDeps returns the production dependencies.
func DefaultEngineDeps() *EngineDeps {
	return &EngineDeps{
		LoadConfig: config.Load,
		NewLogger:  newLogger,
		OpenStore:  openStore,
		NewLocker:  newLocker,
	}
}

func newLogger(cfg *config.Config) logging.Logger {
	return logging.NewLogger(&logging.Config{
		Level:       logging.Level(cfg.LogLevel),
		ServiceName: "commlog-engine",
		Environment: cfg.Environment,
		JSONFormat:  cfg.LogJSON,
	})
}

func openStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (Store, func(), error) {
	pool, err := connectWithRetry(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return commlog.NewRepository(pool, logger), func() { db.Close(pool) }, nil
}

func connectWithRetry(ctx context.Context, cfg *db.Config) (*pgxpool.Pool, error) {
	return db.ConnectWithRetry(ctx, cfg, 3, 2*time.Second)
}

func newLocker(cfg *config.Config, logger logging.Logger) pipeline.Locker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return pipeline.NewRedisLocker(client, cfg.Pipeline.LockTTL, logger)
}

// bootstrap loads config and constructs the logger, store, and locker for
// a command invocation.
func (d *EngineDeps) bootstrap(ctx context.Context) (*config.Config, logging.Logger, Store, func(), error) {
	cfg, err := d.LoadConfig(d.ConfigPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := d.NewLogger(cfg)
	store, closeStore, err := d.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, logger, store, closeStore, nil
}

// parseWindowTime accepts a date (2006-01-02) or an RFC3339 timestamp.
func parseWindowTime(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want YYYY-MM-DD or RFC3339", s)
	}
	return t, nil
}
