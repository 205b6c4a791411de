package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/presence"
	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// DefaultSweepInterval is how often expired disconnect deadlines are processed.
const DefaultSweepInterval = time.Second

// Sweeper expires disconnected members on a fixed interval, independent of
// any connection, and prunes stale rate-limit windows.
//
// Invariant: each expired deadline is submitted at most once per tick; a
// submission that fails is rescheduled for the next tick.
type Sweeper struct {
	pipeline *Pipeline
	presence *presence.Tracker
	limiter  *chat.Limiter
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewSweeper creates a Sweeper.
//
// Precondition: interval must be > 0.
func NewSweeper(p *Pipeline, tracker *presence.Tracker, limiter *chat.Limiter, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		panic("coordinator.NewSweeper: interval must be > 0")
	}
	return &Sweeper{
		pipeline: p,
		presence: tracker,
		limiter:  limiter,
		interval: interval,
		logger:   logger,
		now:      p.now,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce processes every deadline that has passed.
//
// Postcondition: Returns the number of expiries submitted successfully.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	now := s.now()
	done := 0
	for _, exp := range s.presence.SweepExpired(now) {
		cmd := &protocol.DisconnectTimeout{
			Header: protocol.Header{
				ID:     uuid.NewString(),
				UserID: exp.Key.UserID,
				RoomID: exp.Key.RoomID,
			},
			Deadline: exp.Deadline,
		}
		out, err := s.pipeline.Submit(ctx, cmd)
		switch {
		case err == nil && out.Rejection == nil:
			done++
		case room.KindOf(err) == room.KindNotFound:
			// Room gone; nothing to expire.
		default:
			if err == nil {
				err = out.Rejection
			}
			s.logger.Warn("disconnect timeout failed; retrying next sweep",
				zap.String("room_id", exp.Key.RoomID),
				zap.String("user_id", exp.Key.UserID),
				zap.Error(err),
			)
			if room.KindOf(err) == room.KindInfrastructure {
				s.presence.Track(exp.Key.RoomID, exp.Key.UserID, exp.Deadline)
			}
		}
	}
	if n := s.limiter.Prune(now); n > 0 {
		s.logger.Debug("pruned rate limit windows", zap.Int("count", n))
	}
	return done
}
