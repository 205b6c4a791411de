package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/gameroom/internal/admin"
	"github.com/cory-johannsen/gameroom/internal/config"
	"github.com/cory-johannsen/gameroom/internal/coordinator"
	"github.com/cory-johannsen/gameroom/internal/eventlog"
	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/presence"
	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/game/rules"
	"github.com/cory-johannsen/gameroom/internal/gateway"
	"github.com/cory-johannsen/gameroom/internal/observability"
	"github.com/cory-johannsen/gameroom/internal/registry"
	"github.com/cory-johannsen/gameroom/internal/server"
	"github.com/cory-johannsen/gameroom/internal/storage/memstore"
	"github.com/cory-johannsen/gameroom/internal/storage/postgres"
)

const (
	healthTimeout = 2 * time.Second
	shutdownGrace = 10 * time.Second
)

// Stores are the durable collaborators chosen by coordinator.store_driver.
type Stores struct {
	Rooms   registry.Store
	Chat    chat.Store
	Configs chat.ConfigStore
	Health  admin.HealthCheck
}

// EventLog is the log chosen by coordinator.event_log_driver.
type EventLog struct {
	eventlog.Log
	Health admin.HealthCheck
}

// App is everything main runs.
type App struct {
	Lifecycle *server.Lifecycle
	Registry  *registry.Registry
}

func provideRules(cfg config.Config, logger *zap.Logger) (*rules.Registry, error) {
	if cfg.Rules.CatalogPath == "" {
		return rules.DefaultRegistry(), nil
	}
	catalog, err := rules.LoadCatalog(cfg.Rules.CatalogPath)
	if err != nil {
		return nil, err
	}
	reg, err := catalog.BuildRegistry()
	if err != nil {
		return nil, err
	}
	logger.Info("rules catalog loaded",
		zap.String("path", cfg.Rules.CatalogPath),
		zap.Strings("game_types", reg.GameTypes()),
	)
	return reg, nil
}

func provideMachine(cfg config.Config, reg *rules.Registry) *room.Machine {
	return room.NewMachine(reg, room.WithInGameDisconnect(room.DisconnectPolicy(cfg.Coordinator.InGameDisconnect)))
}

func provideStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Stores, func(), error) {
	if cfg.Coordinator.StoreDriver == config.DriverMemory {
		logger.Warn("using in-memory room store; rooms do not survive a restart")
		s := memstore.New(cfg.Chat)
		return &Stores{
			Rooms:   s,
			Chat:    s,
			Configs: s,
			Health:  func(context.Context) error { return nil },
		}, func() {}, nil
	}

	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database, cfg.Server.InstanceID)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	logger.Info("database connected",
		zap.String("host", cfg.Database.Host),
		zap.Duration("elapsed", time.Since(dbStart)),
	)
	return &Stores{
		Rooms:   postgres.NewRoomRepository(pool.DB()),
		Chat:    postgres.NewChatRepository(pool.DB()),
		Configs: postgres.NewConfigRepository(pool.DB(), cfg.Chat),
		Health:  func(ctx context.Context) error { return pool.Health(ctx, healthTimeout) },
	}, pool.Close, nil
}

func provideEventLog(ctx context.Context, cfg config.Config, logger *zap.Logger) (*EventLog, func(), error) {
	if cfg.Coordinator.EventLogDriver == config.DriverMemory {
		logger.Warn("using in-memory event log; fan-out is limited to this instance")
		return &EventLog{Log: eventlog.NewMemory(), Health: func(context.Context) error { return nil }}, func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	log := eventlog.NewRedis(client, eventlog.RedisOptions{
		Prefix:     cfg.Redis.StreamPrefix,
		Partitions: cfg.Redis.Partitions,
		Group:      cfg.Redis.Group(cfg.Server.InstanceID),
		Consumer:   cfg.Server.InstanceID,
		Block:      cfg.Redis.Block,
		MaxLen:     cfg.Redis.MaxLen,
	}, logger)
	if err := log.EnsureGroups(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("preparing event log: %w", err)
	}
	logger.Info("event log connected",
		zap.String("addr", cfg.Redis.Addr),
		zap.Int("partitions", cfg.Redis.Partitions),
		zap.String("group", cfg.Redis.Group(cfg.Server.InstanceID)),
	)
	return &EventLog{Log: log, Health: log.Health}, func() { _ = client.Close() }, nil
}

func provideTracker(cfg config.Config) *presence.Tracker {
	return presence.NewTracker(cfg.Coordinator.GracePeriod, time.Now)
}

func provideConfigCache(cfg config.Config, stores *Stores, logger *zap.Logger) *chat.ConfigCache {
	return chat.NewConfigCache(stores.Configs, cfg.Coordinator.ChatConfigTTL, logger)
}

func provideRegistry(cfg config.Config, stores *Stores, logger *zap.Logger) *registry.Registry {
	return registry.New(stores.Rooms, logger, registry.WithStoreTimeout(cfg.Coordinator.StoreTimeout))
}

func providePipeline(
	cfg config.Config,
	reg *registry.Registry,
	stores *Stores,
	machine *room.Machine,
	tracker *presence.Tracker,
	router *chat.Router,
	cache *chat.ConfigCache,
	log *EventLog,
	logger *zap.Logger,
) *coordinator.Pipeline {
	return coordinator.NewPipeline(coordinator.Deps{
		Registry:  reg,
		Outbox:    stores.Rooms,
		Machine:   machine,
		Presence:  tracker,
		Router:    router,
		ChatCfg:   cache,
		ChatStore: stores.Chat,
		Log:       log.Log,
		Logger:    logger,
	},
		coordinator.WithRetryPolicy(coordinator.RetryPolicy{
			Initial:    cfg.Coordinator.RetryInitial,
			MaxElapsed: cfg.Coordinator.RetryMaxElapsed,
		}),
		coordinator.WithStoreTimeout(cfg.Coordinator.StoreTimeout),
	)
}

func provideSweeper(cfg config.Config, p *coordinator.Pipeline, tracker *presence.Tracker, limiter *chat.Limiter, logger *zap.Logger) *coordinator.Sweeper {
	return coordinator.NewSweeper(p, tracker, limiter, cfg.Coordinator.SweepInterval, logger)
}

func provideRelay(cfg config.Config, stores *Stores, log *EventLog, logger *zap.Logger) *coordinator.Relay {
	return coordinator.NewRelay(stores.Rooms, log.Log, cfg.Coordinator.RelayInterval, cfg.Coordinator.RelayMinAge, logger)
}

func provideGateway(cfg config.Config, p *coordinator.Pipeline, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(
		p,
		gateway.NewHub(cfg.Gateway.DedupWindow, logger),
		gateway.NewTokenVerifier(cfg.Gateway.JWTSecret, cfg.Gateway.JWTIssuer),
		gateway.Options{SendBuffer: cfg.Gateway.SendBuffer, OriginPatterns: cfg.Gateway.OriginPatterns},
		logger,
	)
}

func provideAdmin(cfg config.Config, reg *registry.Registry, stores *Stores, cache *chat.ConfigCache, log *EventLog, logger *zap.Logger) *admin.Server {
	return admin.New(admin.Deps{
		Rooms:   reg,
		Configs: stores.Configs,
		Cache:   cache,
		Checks: map[string]admin.HealthCheck{
			"room_store": stores.Health,
			"event_log":  log.Health,
		},
		Token: cfg.Admin.Token,
	}, logger.Named("admin"))
}

// newApp registers every long-running part with the lifecycle. Fan-out and
// the coordinator workers start before the listeners accept traffic.
func newApp(
	cfg config.Config,
	svc *coordinator.Service,
	gw *gateway.Gateway,
	adm *admin.Server,
	reg *registry.Registry,
	log *EventLog,
	logger *zap.Logger,
) *App {
	lc := server.NewLifecycle(logger)
	lc.Add("fan-out", server.RunFunc(func(ctx context.Context) error { return gw.FanOut(ctx, log.Log) }))
	lc.Add("coordinator", server.RunFunc(svc.Run))

	grpcSrv := grpc.NewServer(grpc.ChainStreamInterceptor(observability.StreamLogger(logger.Named("grpc"))))
	gw.RegisterGRPC(grpcSrv)
	lc.Add("grpc", server.GRPCService(cfg.Gateway.GRPCAddr(), grpcSrv, shutdownGrace))
	lc.Add("websocket", server.HTTPService(cfg.Gateway.WSAddr(), gw.WebSocketHandler(), shutdownGrace))
	lc.Add("admin", server.HTTPService(cfg.Admin.Addr(), adm.Handler(), shutdownGrace))
	return &App{Lifecycle: lc, Registry: reg}
}
