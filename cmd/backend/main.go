package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fenggwsx/RoomRelay/internal/auth"
	"github.com/fenggwsx/RoomRelay/internal/backend"
	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/logging"
	"github.com/fenggwsx/RoomRelay/internal/presence"
	"github.com/fenggwsx/RoomRelay/internal/session"
	"github.com/fenggwsx/RoomRelay/internal/storage/sqlite"
)

func main() {
	cfg := config.LoadBackendConfig()
	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewStore(cfg.Database)
	if err != nil {
		logger.Fatal("init storage", zap.Error(err))
	}
	defer store.Close()

	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	if count, err := store.CountSessions(ctx); err == nil {
		logger.Info("starting with persisted sessions", zap.Int64("sessions", count), zap.String("db", cfg.Database.Path))
	}

	var table presence.Table = presence.NewMemory()
	if cfg.Redis.Addr != "" {
		table, err = presence.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("connect redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
	}
	defer table.Close()

	opts := session.Options{CacheSize: cfg.CacheSize, Retries: cfg.StorageRetries}
	sessions, err := session.NewStore(store, opts, logger)
	if err != nil {
		logger.Fatal("init sessions", zap.Error(err))
	}

	app := backend.NewApp(cfg, backend.Deps{
		Sessions: sessions,
		Rooms:    session.NewRoomIndex(store, opts),
		Presence: table,
		Auth:     auth.FromConfig(cfg.JWT),
		Logger:   logger,
	})

	if err := app.Run(ctx); err != nil {
		logger.Fatal("backend shutdown", zap.Error(err))
	}
}
