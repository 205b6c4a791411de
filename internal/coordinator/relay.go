package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/eventlog"
	"github.com/cory-johannsen/gameroom/internal/registry"
)

// Relay defaults.
const (
	DefaultRelayInterval = 2 * time.Second
	DefaultRelayMinAge   = 2 * time.Second
	relayBatch           = 200
)

// Relay republishes outbox events that were saved with their room but never
// acknowledged, for example because the instance crashed between commit and
// publish.
type Relay struct {
	outbox   registry.Store
	log      eventlog.Log
	interval time.Duration
	minAge   time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewRelay creates a Relay. Events younger than minAge are left to the
// pipeline that committed them.
//
// Precondition: interval must be > 0.
func NewRelay(outbox registry.Store, log eventlog.Log, interval, minAge time.Duration, logger *zap.Logger) *Relay {
	if interval <= 0 {
		panic("coordinator.NewRelay: interval must be > 0")
	}
	return &Relay{outbox: outbox, log: log, interval: interval, minAge: minAge, logger: logger, now: time.Now}
}

// Run relays every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				r.logger.Warn("outbox relay failed", zap.Error(err))
			}
		}
	}
}

// RelayOnce publishes one batch of stale events and acknowledges them.
//
// Postcondition: Returns the number of events relayed.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.outbox.PendingEvents(ctx, r.now().Add(-r.minAge), relayBatch)
	if err != nil || len(events) == 0 {
		return 0, err
	}
	if err := r.log.Publish(ctx, events...); err != nil {
		return 0, err
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	if err := r.outbox.AckEvents(ctx, ids); err != nil {
		return 0, err
	}
	r.logger.Info("relayed outbox events", zap.Int("count", len(events)))
	return len(events), nil
}
