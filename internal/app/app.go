// Package app opens the infrastructure shared by the binaries: stores,
// Redis and the fan-out bus, each chosen from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/config"
	"github.com/tripmate/realtime/internal/directory"
	"github.com/tripmate/realtime/internal/match"
	"github.com/tripmate/realtime/internal/messaging"
	"github.com/tripmate/realtime/internal/storage/memory"
	"github.com/tripmate/realtime/internal/storage/postgres"
)

// Stores are the persistence collaborators of the services.
type Stores struct {
	Matches  match.Store
	MatchTx  match.Transactor
	Chats    chat.Store
	ChatTx   chat.Transactor
	Users    directory.UserDirectory
	Trips    directory.TripDirectory
	closeFns []func()
}

// Close releases the underlying connections.
func (s *Stores) Close() {
	for _, fn := range s.closeFns {
		fn()
	}
}

// OpenStores connects to PostgreSQL when a DSN is configured, applying
// migrations first if auto_migrate is set. Without a DSN it returns empty
// in-memory stores.
func OpenStores(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Stores, error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn().Msg("postgres.dsn not set, using in-memory stores")
		matches := memory.NewMatches()
		chats := memory.NewChats()
		dir := memory.NewDirectory()
		return &Stores{Matches: matches, MatchTx: matches, Chats: chats, ChatTx: chats, Users: dir, Trips: dir}, nil
	}

	if cfg.Postgres.AutoMigrate {
		if err := postgres.MigrateUp(cfg.Postgres.DSN); err != nil {
			return nil, err
		}
		logger.Info().Msg("database migrations applied")
	}
	db, err := postgres.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	dir := postgres.NewDirectory(db)
	return &Stores{
		Matches:  postgres.NewMatches(db),
		MatchTx:  db,
		Chats:    postgres.NewChats(db),
		ChatTx:   db,
		Users:    dir,
		Trips:    dir,
		closeFns: []func(){func() { db.Close() }},
	}, nil
}

// OpenRedis connects to Redis. It returns nil when no address is configured.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// OpenBus returns a NATS bus when enabled, otherwise an in-process bus.
func OpenBus(cfg messaging.NATSConfig, logger zerolog.Logger) (messaging.Bus, error) {
	if !cfg.Enabled {
		logger.Info().Msg("nats disabled, fan-out stays in process")
		return messaging.NewLocalBus(), nil
	}
	return messaging.NewNATSBus(cfg, logger)
}
