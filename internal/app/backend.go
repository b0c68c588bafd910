// Package app assembles the shared pieces every binary needs from config.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-classroom/livepoll/config"
	"github.com/aura-classroom/livepoll/internal/store"
	"github.com/aura-classroom/livepoll/pkg/database"
	"github.com/aura-classroom/livepoll/pkg/redis"
)

// Backend is an opened store backend plus whatever connection it owns.
type Backend struct {
	store.Backend
	// Redis is set when the backend runs on Redis; the export queue shares it.
	Redis   *redis.Client
	closers []func()
}

// Close releases the backend and its connections.
func (b *Backend) Close() error {
	err := b.Backend.Close()
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	return err
}

// OpenBackend opens the store backend named by cfg.Store.Driver.
func OpenBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Store.Driver {
	case config.DriverMemory:
		logger.Info("using in-memory store; state is lost on restart")
		return &Backend{Backend: store.NewMemory()}, nil
	case config.DriverSQLite:
		s, err := store.NewSQLite(cfg.Store.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{Backend: s}, nil
	case config.DriverRedis:
		rdb, err := OpenRedis(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return &Backend{
			Backend: store.NewRedis(rdb.Client, cfg.Store.Namespace, logger),
			Redis:   rdb,
			closers: []func(){func() { _ = rdb.Close() }},
		}, nil
	case config.DriverPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &Backend{
			Backend: store.NewPostgres(pool, logger),
			closers: []func(){pool.Close},
		}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// OpenRedis connects to the configured Redis server.
func OpenRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	return redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, logger)
}
