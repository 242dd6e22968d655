package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fenggwsx/RoomRelay/internal/config"
	"github.com/fenggwsx/RoomRelay/internal/gateway"
	"github.com/fenggwsx/RoomRelay/internal/logging"
)

func main() {
	cfg := config.LoadGatewayConfig()
	logger := logging.New(cfg.Log)
	defer func() { _ = logger.Sync() }()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := gateway.NewApp(cfg, logger)
	if err := app.Run(ctx); err != nil {
		logger.Fatal("gateway shutdown", zap.Error(err))
	}
}
