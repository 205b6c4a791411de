// Package main runs the room coordinator: the command pipeline, the gRPC and
// WebSocket gateways, event fan-out and the operator API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/config"
	"github.com/cory-johannsen/gameroom/internal/observability"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/coordinator.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.InstanceID)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting coordinator",
		zap.String("grpc_addr", cfg.Gateway.GRPCAddr()),
		zap.String("ws_addr", cfg.Gateway.WSAddr()),
		zap.String("admin_addr", cfg.Admin.Addr()),
		zap.String("store", cfg.Coordinator.StoreDriver),
		zap.String("event_log", cfg.Coordinator.EventLogDriver),
	)

	app, cleanup, err := initializeApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("initializing coordinator", zap.Error(err))
	}

	logger.Info("coordinator ready", zap.Duration("startup", time.Since(start)))
	runErr := app.Lifecycle.Run(ctx)
	cleanup()
	if runErr != nil {
		logger.Error("coordinator stopped", zap.Error(runErr), zap.Int("cached_rooms", app.Registry.Cached()))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("coordinator stopped", zap.Int("cached_rooms", app.Registry.Cached()))
}
