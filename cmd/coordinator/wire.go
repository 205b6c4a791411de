//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/config"
	"github.com/cory-johannsen/gameroom/internal/coordinator"
	"github.com/cory-johannsen/gameroom/internal/game/chat"
)

func initializeApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, func(), error) {
	wire.Build(
		provideRules,
		provideMachine,
		provideStores,
		provideEventLog,
		provideTracker,
		chat.NewLimiter,
		chat.NewRouter,
		provideConfigCache,
		provideRegistry,
		providePipeline,
		provideSweeper,
		provideRelay,
		coordinator.NewService,
		provideGateway,
		provideAdmin,
		newApp,
	)
	return nil, nil, nil
}
