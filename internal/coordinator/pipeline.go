// Package coordinator runs commands against rooms: it validates them,
// serializes them per room through the registry, publishes the resulting
// events, and drives the background sweeps that keep rooms consistent.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/eventlog"
	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/presence"
	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/protocol"
	"github.com/cory-johannsen/gameroom/internal/registry"
)

// roomNamespace seeds deterministic room ids so a replayed CreateRoom maps
// onto the room it already created.
var roomNamespace = uuid.MustParse("7a0c6f5e-3f0b-4c55-9d8e-2b1e4f7d9a10")

// RoomID returns the id CreateRoom assigns for a creator and correlation id.
func RoomID(userID, commandID string) string {
	return uuid.NewSHA1(roomNamespace, []byte(userID+"/"+commandID)).String()
}

// RetryPolicy bounds retries of infrastructure failures.
type RetryPolicy struct {
	Initial    time.Duration
	MaxElapsed time.Duration
}

// DefaultRetryPolicy retries for up to three seconds.
var DefaultRetryPolicy = RetryPolicy{Initial: 50 * time.Millisecond, MaxElapsed: 3 * time.Second}

// Outcome reports what an accepted or rejected command produced.
type Outcome struct {
	// Events are the stamped events handed to the event log.
	Events []protocol.Event
	// Rejection is the domain error delivered to the sender as an event, or
	// nil when the command was accepted.
	Rejection error
	// Member reports whether the sender belongs to the room once the command
	// settled. Transports follow a room only for its members.
	Member bool
}

// Deps groups the collaborators a Pipeline needs.
type Deps struct {
	Registry  *registry.Registry
	Outbox    registry.Store
	Machine   *room.Machine
	Presence  *presence.Tracker
	Router    *chat.Router
	ChatCfg   *chat.ConfigCache
	ChatStore chat.Store
	Log       eventlog.Log
	Logger    *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(rp RetryPolicy) Option { return func(p *Pipeline) { p.retry = rp } }

// WithStoreTimeout bounds chat store calls made under a room lock.
func WithStoreTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.storeTimeout = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// Pipeline is the single entry point for commands.
type Pipeline struct {
	Deps
	retry        RetryPolicy
	storeTimeout time.Duration
	now          func() time.Time
}

// NewPipeline creates a Pipeline.
//
// Precondition: every field of deps must be non-nil.
func NewPipeline(deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		Deps:         deps,
		retry:        DefaultRetryPolicy,
		storeTimeout: registry.DefaultStoreTimeout,
		now:          time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	deps.Registry.SetOnLoad(p.restorePresence)
	return p
}

// restorePresence re-indexes the pending deadlines of a room read from the
// store, so sweeping survives restarts and cache evictions.
func (p *Pipeline) restorePresence(r *room.Room) {
	if r.Status == room.StatusFinished {
		return
	}
	p.Presence.SyncRoom(r.ID, r.Deadlines())
}

// Submit runs cmd to completion. The caller's cancellation is ignored once
// the command is accepted so a dropped connection never leaves a room half
// updated.
//
// Postcondition: A returned error is a validation, not-found or
// infrastructure failure that was not delivered anywhere; the caller replies
// to the sender directly. Authorization, conflict and policy rejections are
// published to the sender and reported in Outcome.Rejection.
func (p *Pipeline) Submit(ctx context.Context, cmd protocol.Command) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)
	if err := validate(p.Machine, cmd); err != nil {
		return Outcome{}, err
	}

	var (
		out Outcome
		err error
	)
	switch c := cmd.(type) {
	case *protocol.CreateRoom:
		out, err = p.createRoom(ctx, c)
	case *protocol.JoinRoom:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.Join(ctx, cur, c.UserID, c.Username, c.AsSpectator, c.Password)
		})
	case *protocol.LeaveRoom:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.Leave(ctx, cur, c.UserID)
		})
	case *protocol.Ready:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.Ready(ctx, cur, c.UserID)
		})
	case *protocol.SelectPlayer:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.SelectPlayer(cur, c.UserID, c.TargetUserID)
		})
	case *protocol.DeselectPlayer:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.DeselectPlayer(cur, c.UserID, c.TargetUserID)
		})
	case *protocol.DesignateAdminSpectator:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.DesignateAdminSpectator(cur, c.UserID, c.TargetUserID)
		})
	case *protocol.KickSpectator:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.KickSpectator(cur, c.UserID, c.TargetUserID)
		})
	case *protocol.BanSpectator:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.BanSpectator(cur, c.UserID, c.TargetUserID)
		})
	case *protocol.MuteUser:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.MuteUser(cur, c.UserID, c.TargetUserID)
		})
	case *protocol.UnmuteUser:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.UnmuteUser(cur, c.UserID, c.TargetUserID)
		})
	case *protocol.GameAction:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.GameAction(ctx, cur, c.UserID, c.Action)
		})
	case *protocol.ConnectionStatus:
		out, err = p.connectionStatus(ctx, c)
	case *protocol.DisconnectTimeout:
		out, err = p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.DisconnectTimeout(ctx, cur, c.UserID)
		})
	case *protocol.SendChat:
		out, err = p.sendChat(ctx, c)
	case *protocol.GetChatHistory:
		out, err = p.chatHistory(ctx, c)
	default:
		return Outcome{}, fmt.Errorf("%w: %s", protocol.ErrUnknownCommand, cmd.Type())
	}
	if err != nil {
		return p.reject(ctx, cmd, err)
	}
	return out, nil
}

// validate runs the synchronous checks that never need the room.
func validate(m *room.Machine, cmd protocol.Command) error {
	h := cmd.Meta()
	if h.UserID == "" {
		return room.ErrNotMember
	}
	switch c := cmd.(type) {
	case *protocol.CreateRoom:
		return m.ValidateCreate(c)
	case *protocol.GetChatHistory:
		if _, ok := chat.ParseType(c.ChatType); !ok {
			return room.ErrInvalidChatType
		}
	case *protocol.SelectPlayer:
		return requireTarget(h, c.TargetUserID)
	case *protocol.DeselectPlayer:
		return requireTarget(h, c.TargetUserID)
	case *protocol.DesignateAdminSpectator:
		return requireTarget(h, c.TargetUserID)
	case *protocol.KickSpectator:
		return requireTarget(h, c.TargetUserID)
	case *protocol.BanSpectator:
		return requireTarget(h, c.TargetUserID)
	case *protocol.MuteUser:
		return requireTarget(h, c.TargetUserID)
	case *protocol.UnmuteUser:
		return requireTarget(h, c.TargetUserID)
	}
	if h.RoomID == "" {
		return room.ErrMissingRoom
	}
	return nil
}

func requireTarget(h *protocol.Header, target string) error {
	if h.RoomID == "" {
		return room.ErrMissingRoom
	}
	if target == "" {
		return room.ErrMissingTarget
	}
	return nil
}

// mutate runs fn under the room lock with retries. Its events are published
// before the lock is released.
func (p *Pipeline) mutate(ctx context.Context, cmd protocol.Command, fn registry.MutateFunc) (Outcome, error) {
	h := cmd.Meta()
	if _, err := p.Registry.Get(ctx, h.RoomID); err != nil {
		return Outcome{}, err
	}
	res, err := p.withRoom(ctx, h, fn)
	if err != nil {
		return Outcome{}, err
	}
	return outcome(h, res), nil
}

func outcome(h *protocol.Header, res registry.Result) Outcome {
	_, member := res.Room.Member(h.UserID)
	return Outcome{Events: res.Events, Member: member}
}

// withRoom wraps Registry.WithRoomCommit with stamping, infrastructure
// retries and in-lock publication. A publish failure is never retried here:
// publish has its own backoff.
func (p *Pipeline) withRoom(ctx context.Context, h *protocol.Header, fn registry.MutateFunc) (registry.Result, error) {
	var res registry.Result
	op := func() error {
		var (
			err       error
			published error
		)
		res, err = p.Registry.WithRoomCommit(ctx, h.RoomID, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			next, events, err := fn(cur)
			if err != nil {
				return nil, nil, err
			}
			committed := next
			if committed == nil {
				committed = cur
			}
			room.Stamp(committed, events, h.ID, p.now())
			return next, events, nil
		}, func(ctx context.Context, res registry.Result) error {
			p.afterCommit(h, res)
			published = p.publishCommitted(ctx, res)
			return published
		})
		if published != nil || (err != nil && !retryable(err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, p.backoff(ctx)); err != nil {
		return registry.Result{}, err
	}
	return res, nil
}

// afterCommit mirrors committed deadlines into the presence tracker.
func (p *Pipeline) afterCommit(h *protocol.Header, res registry.Result) {
	if !res.Changed {
		return
	}
	deadlines := res.Room.Deadlines()
	if res.Room.Status == room.StatusFinished {
		deadlines = nil
	}
	p.Presence.SyncRoom(res.Room.ID, deadlines)
}

// publishCommitted runs under the room lock, bounded by the store timeout.
// It publishes the room's whole outbox backlog, oldest first, so events an
// earlier publish left behind (on this or another instance) reach the log
// ahead of this command's. A committed room's events are durable: when they
// cannot be published now they stay in the outbox for the relay or the
// room's next command, and the command still succeeds. Events of a command
// that changed nothing exist nowhere else, so their publish failure is
// returned.
func (p *Pipeline) publishCommitted(ctx context.Context, res registry.Result) error {
	pctx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()

	backlog, err := p.Outbox.PendingRoomEvents(pctx, res.Room.ID)
	if err != nil {
		if res.Changed {
			p.Logger.Warn("outbox read failed; events left for relay",
				zap.String("room_id", res.Room.ID),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("%w: reading outbox: %w", registry.ErrStoreUnavailable, err)
	}
	events := backlog
	if !res.Changed {
		events = append(events, res.Events...)
	}
	if len(events) == 0 {
		return nil
	}
	if err := p.publish(pctx, events); err != nil {
		if res.Changed {
			p.Logger.Warn("publish failed; events left for relay",
				zap.String("room_id", res.Room.ID),
				zap.Int("events", len(events)),
				zap.Error(err),
			)
			return nil
		}
		return err
	}
	p.ack(ctx, backlog)
	return nil
}

func (p *Pipeline) publish(ctx context.Context, events []protocol.Event) error {
	op := func() error { return p.Log.Publish(ctx, events...) }
	return backoff.Retry(op, p.backoff(ctx))
}

func (p *Pipeline) ack(ctx context.Context, events []protocol.Event) {
	if len(events) == 0 {
		return
	}
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	actx, cancel := context.WithTimeout(ctx, p.storeTimeout)
	defer cancel()
	if err := p.Outbox.AckEvents(actx, ids); err != nil {
		// The relay republishes; subscribers drop the duplicates.
		p.Logger.Warn("outbox ack failed", zap.Strings("event_ids", ids), zap.Error(err))
	}
}

func (p *Pipeline) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.retry.Initial
	eb.MaxElapsedTime = p.retry.MaxElapsed
	return backoff.WithContext(eb, ctx)
}

func retryable(err error) bool {
	return errors.Is(err, registry.ErrStoreUnavailable) ||
		errors.Is(err, registry.ErrVersionConflict) ||
		errors.Is(err, eventlog.ErrUnavailable)
}

// createRoom stores a new room. A replay of the same command id by the same
// user resolves to the room it created before.
func (p *Pipeline) createRoom(ctx context.Context, c *protocol.CreateRoom) (Outcome, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	hash, err := room.HashPassword(c.Password)
	if err != nil {
		return Outcome{}, fmt.Errorf("hashing room password: %w", err)
	}
	id := RoomID(c.UserID, c.ID)
	r, events, err := p.Machine.Create(c, id, hash)
	if err != nil {
		return Outcome{}, err
	}
	room.Stamp(r, events, c.ID, p.now())

	op := func() error {
		err := p.Registry.CreateCommit(ctx, r, events, func(ctx context.Context, res registry.Result) error {
			return p.publishCommitted(ctx, res)
		})
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err = backoff.Retry(op, p.backoff(ctx))
	switch {
	case err == nil:
		return Outcome{Events: events, Member: true}, nil
	case errors.Is(err, registry.ErrRoomExists):
		existing, gerr := p.Registry.Get(ctx, id)
		if gerr != nil {
			return Outcome{}, gerr
		}
		p.Logger.Debug("duplicate create room",
			zap.String("room_id", id),
			zap.String("command_id", c.ID),
		)
		replay := p.Machine.Created(existing, c.UserID)
		room.Stamp(existing, replay, c.ID, p.now())
		if err := p.publish(ctx, replay); err != nil {
			return Outcome{}, err
		}
		_, member := existing.Member(c.UserID)
		return Outcome{Events: replay, Member: member}, nil
	default:
		return Outcome{}, err
	}
}

// connectionStatus records a transport drop or return. A drop schedules the
// grace deadline before the room is touched so the sweeper sees it even if
// the command fails.
func (p *Pipeline) connectionStatus(ctx context.Context, c *protocol.ConnectionStatus) (Outcome, error) {
	if c.Connected {
		out, err := p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			return p.Machine.Reconnect(ctx, cur, c.UserID)
		})
		if err == nil {
			p.Presence.MarkConnected(c.RoomID, c.UserID)
		}
		return out, err
	}
	deadline := p.Presence.MarkDisconnected(c.RoomID, c.UserID)
	return p.mutate(ctx, c, func(cur *room.Room) (*room.Room, []protocol.Event, error) {
		return p.Machine.Disconnect(cur, c.UserID, deadline)
	})
}

// reject turns a domain error into a user-directed event. Errors that are
// answered synchronously are returned unchanged.
func (p *Pipeline) reject(ctx context.Context, cmd protocol.Command, err error) (Outcome, error) {
	switch room.KindOf(err) {
	case room.KindAuthorization, room.KindConflict, room.KindPolicy:
	default:
		return Outcome{}, err
	}
	h := cmd.Meta()
	ev := RejectionEvent(cmd, err)
	ev.OccurredAt = p.now()
	if perr := p.publish(ctx, []protocol.Event{ev}); perr != nil {
		return Outcome{}, perr
	}
	member := false
	if r, gerr := p.Registry.Get(ctx, h.RoomID); gerr == nil {
		_, member = r.Member(h.UserID)
	}
	p.Logger.Debug("command rejected",
		zap.String("command", string(cmd.Type())),
		zap.String("room_id", h.RoomID),
		zap.String("user_id", h.UserID),
		zap.String("code", room.CodeOf(err)),
	)
	return Outcome{Events: []protocol.Event{ev}, Rejection: err, Member: member}, nil
}

// RejectionEvent builds the user-directed event describing why cmd failed.
// Rate limits and chat policy get their dedicated events; everything else is
// a CommandRejected.
func RejectionEvent(cmd protocol.Command, err error) protocol.Event {
	h := cmd.Meta()
	aud := protocol.ToUser(h.RoomID, h.UserID)
	var rl *chat.RateLimitedError
	var payload protocol.Payload
	switch {
	case errors.As(err, &rl):
		payload = protocol.ChatRateLimited{RetryAfterSeconds: rl.RetryAfterSeconds}
	case room.KindOf(err) == room.KindPolicy:
		payload = protocol.ChatRejected{Reason: err.Error()}
	default:
		payload = protocol.CommandRejected{
			CommandID: h.ID,
			Code:      room.CodeOf(err),
			Message:   err.Error(),
			Retryable: room.KindOf(err) == room.KindInfrastructure,
		}
	}
	e := protocol.NewEvent(aud, payload)
	e.RoomID = h.RoomID
	e.CorrelationID = h.ID
	return e
}
