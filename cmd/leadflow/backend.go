package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/abhogle/leadops-os-sub001"
	"github.com/abhogle/leadops-os-sub001/internal/actions"
	"github.com/abhogle/leadops-os-sub001/internal/config"
	"github.com/abhogle/leadops-os-sub001/internal/telemetry"
	"github.com/abhogle/leadops-os-sub001/pkg/worker"
)

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// bundleOptions translates the config into bundle options. Metrics and
// structured logs are always observed.
func bundleOptions(cfg *config.Config, logger *slog.Logger) (leadflow.Options, error) {
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return leadflow.Options{}, fmt.Errorf("metrics: %w", err)
	}
	return leadflow.Options{
		Actions: actions.Builtins(logger, actions.WebhookConfig{
			DefaultTimeout: cfg.Webhook.Timeout,
			UserAgent:      cfg.Webhook.UserAgent,
		}),
		Policy: leadflow.RetryPolicy{
			MaxAttempts:    cfg.Queue.MaxAttempts,
			InitialBackoff: cfg.Queue.InitialBackoff,
			Multiplier:     cfg.Queue.Multiplier,
			MaxBackoff:     cfg.Queue.MaxBackoff,
		},
		PollInterval: cfg.Queue.PollInterval,
		Worker: worker.Config{
			WorkerID:          cfg.Worker.ID,
			Pollers:           cfg.Worker.Pollers,
			Visibility:        cfg.Worker.Visibility,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		},
		Observer: leadflow.NewCompositeObserver(leadflow.NewLoggingObserver(logger), metrics),
		Logger:   logger,
	}, nil
}

// openBundle connects to the configured backend. The returned closer
// releases the connection.
func openBundle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*leadflow.Bundle, func() error, error) {
	opts, err := bundleOptions(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	noop := func() error { return nil }

	switch cfg.Backend.Driver {
	case config.DriverMemory:
		logger.Warn("using the in-memory backend; executions are lost on exit")
		b, err := leadflow.NewInMemoryBundle(opts)
		return b, noop, err

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", sqliteDSN(cfg.Backend.SQLite.Path))
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Backend.SQLite.Path, err)
		}
		db.SetMaxOpenConns(1)
		b, err := leadflow.NewSQLiteBundle(ctx, db, opts)
		if err != nil {
			return nil, nil, errors.Join(err, db.Close())
		}
		return b, db.Close, nil

	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Backend.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		b, err := leadflow.NewPostgresBundle(ctx, pool, opts)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return b, func() error { pool.Close(); return nil }, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Backend.Redis.Addr,
			Password: cfg.Backend.Redis.Password,
			DB:       cfg.Backend.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("ping redis %s: %w", cfg.Backend.Redis.Addr, err), client.Close())
		}
		b, err := leadflow.NewRedisBundle(client, cfg.Backend.Redis.Prefix, opts)
		if err != nil {
			return nil, nil, errors.Join(err, client.Close())
		}
		return b, client.Close, nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Backend.Mongo.URI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error { return client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("ping mongo: %w", err), disconnect())
		}
		b, err := leadflow.NewMongoBundle(ctx, client, cfg.Backend.Mongo.Database, opts)
		if err != nil {
			return nil, nil, errors.Join(err, disconnect())
		}
		return b, disconnect, nil
	}
	return nil, nil, fmt.Errorf("unknown backend driver %q", cfg.Backend.Driver)
}

// withBundle opens the backend, runs fn and closes the backend.
func (a *app) withBundle(ctx context.Context, fn func(b *leadflow.Bundle) error) (err error) {
	b, closeFn, err := openBundle(ctx, a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close backend: %w", cerr))
		}
	}()
	return fn(b)
}
