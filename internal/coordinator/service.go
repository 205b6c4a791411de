package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/gameroom/internal/registry"
)

// Service runs the coordinator's background work: restoring presence for
// stored rooms, the disconnect sweeper and the outbox relay.
type Service struct {
	registry *registry.Registry
	sweeper  *Sweeper
	relay    *Relay
	logger   *zap.Logger
}

// NewService creates a Service.
//
// Precondition: all arguments must be non-nil.
func NewService(reg *registry.Registry, sweeper *Sweeper, relay *Relay, logger *zap.Logger) *Service {
	return &Service{registry: reg, sweeper: sweeper, relay: relay, logger: logger}
}

// Run blocks until ctx is cancelled or a worker fails.
func (s *Service) Run(ctx context.Context) error {
	n, err := s.registry.Warm(ctx)
	if err != nil {
		return fmt.Errorf("restoring rooms: %w", err)
	}
	s.logger.Info("rooms restored", zap.Int("count", n))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sweeper.Run(gctx) })
	g.Go(func() error { return s.relay.Run(gctx) })
	return g.Wait()
}
