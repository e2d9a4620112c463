// Package backend opens the attendance store and event feed selected by
// configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"checkin/internal/attendance"
	"checkin/internal/config"
	"checkin/internal/queue"
	"checkin/internal/store"
)

// Store is an attendance store that can also take roster imports.
type Store interface {
	attendance.Store
	attendance.RosterWriter
}

// Backend bundles the opened store with its lifecycle hooks.
type Backend struct {
	Kind    string
	Store   Store
	migrate func(ctx context.Context) error
	close   func() error
}

// Migrate creates or updates the schema. Memory stores need none.
func (b *Backend) Migrate(ctx context.Context) error {
	if b.migrate == nil {
		return nil
	}
	return b.migrate(ctx)
}

// Close releases the store's connections.
func (b *Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

// Open connects to the configured store. An unreachable Postgres server is
// logged and tolerated so the kiosk can start offline and queue requests.
func Open(ctx context.Context, cfg config.App, log zerolog.Logger) (*Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if db == nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err != nil {
			log.Warn().Err(err).Msg("postgres not reachable, starting offline")
		}
		repo := attendance.NewRepository(db.Client)
		return &Backend{Kind: cfg.StoreBackend, Store: repo, migrate: repo.Migrate, close: db.Close}, nil

	case config.BackendSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.SQLitePath, err)
		}
		repo := attendance.NewGormRepository(db)
		return &Backend{
			Kind:    cfg.StoreBackend,
			Store:   repo,
			migrate: repo.Migrate,
			close:   func() error { return store.CloseSQLite(db) },
		}, nil

	case config.BackendMemory:
		log.Warn().Msg("using in-memory store, records are lost on exit")
		return &Backend{Kind: cfg.StoreBackend, Store: attendance.NewMemoryStore(time.Now)}, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// Feed is the recorded-event queue plus the redis client behind it, if any.
type Feed struct {
	Queue queue.Queue
	Redis *store.Redis
}

// OpenFeed returns the configured event feed.
func OpenFeed(cfg config.App) (*Feed, error) {
	switch cfg.QueueBackend {
	case config.BackendMemory:
		return &Feed{Queue: queue.NewInMemory(256)}, nil
	case config.BackendRedis:
		rc := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, 0)
		return &Feed{Queue: queue.NewRedisQueue(rc.Client, queue.DefaultKey), Redis: rc}, nil
	}
	return nil, errors.New("unknown queue backend " + cfg.QueueBackend)
}

// Close releases the redis connection pool when there is one.
func (f *Feed) Close() error {
	return f.Redis.Close()
}
