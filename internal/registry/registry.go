// Package registry is the concurrent-safe home of active rooms. It serializes
// every mutation per room id, persists the result together with its events,
// and caches rooms in memory.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/protocol"
)

var (
	// ErrStoreUnavailable wraps store failures and timeouts. Retryable.
	ErrStoreUnavailable = errors.New("registry: room store unavailable")
	// ErrVersionConflict means another writer saved the room first. Retryable.
	ErrVersionConflict = errors.New("registry: room version conflict")
	// ErrRoomExists is returned when creating a room id that is already taken.
	ErrRoomExists = errors.New("registry: room already exists")
)

// DefaultStoreTimeout bounds each store call made while holding a room lock.
const DefaultStoreTimeout = 2 * time.Second

// Store is the durable Room Store with its transactional event outbox.
type Store interface {
	// CreateRoom inserts r and its events atomically, or fails with ErrRoomExists.
	CreateRoom(ctx context.Context, r *room.Room, events []protocol.Event) error
	// LoadRoom returns the room or room.ErrRoomNotFound.
	LoadRoom(ctx context.Context, id string) (*room.Room, error)
	// SaveRoom replaces the room if its stored version equals expectedVersion,
	// appending events to the outbox in the same transaction.
	SaveRoom(ctx context.Context, r *room.Room, expectedVersion int64, events []protocol.Event) error
	// ListRooms returns summaries of unarchived rooms matching f, newest first.
	// Finished rooms are listed only when f.Status asks for them.
	ListRooms(ctx context.Context, f room.Filter) ([]room.Summary, error)
	// PendingEvents returns unacknowledged outbox events created at or before
	// olderThan, oldest first.
	PendingEvents(ctx context.Context, olderThan time.Time, limit int) ([]protocol.Event, error)
	// PendingRoomEvents returns every unacknowledged outbox event of one
	// room, oldest first.
	PendingRoomEvents(ctx context.Context, roomID string) ([]protocol.Event, error)
	// AckEvents marks outbox events as published.
	AckEvents(ctx context.Context, ids []string) error
}

// MutateFunc computes the next state of a room. Returning a nil room means
// nothing changed; events are still returned to the caller.
type MutateFunc func(cur *room.Room) (*room.Room, []protocol.Event, error)

// CommitFunc runs after a mutation settled, while the room lock is still
// held. Whatever it publishes reaches subscribers in commit order.
type CommitFunc func(ctx context.Context, res Result) error

// Result is the outcome of WithRoom.
type Result struct {
	// Room is the committed room, or the unchanged current room.
	Room    *room.Room
	Events  []protocol.Event
	Changed bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithStoreTimeout bounds each store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(g *Registry) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithOnLoad registers a hook run whenever a room is read from the store
// rather than the cache.
func WithOnLoad(fn func(*room.Room)) Option {
	return func(g *Registry) { g.onLoad = fn }
}

// Registry caches rooms and serializes their mutation.
type Registry struct {
	store   Store
	logger  *zap.Logger
	timeout time.Duration
	onLoad  func(*room.Room)
	locks   *KeyedMutex

	mu    sync.RWMutex
	cache map[string]*room.Room
}

// New creates a Registry over store.
//
// Precondition: store and logger must be non-nil.
func New(store Store, logger *zap.Logger, opts ...Option) *Registry {
	g := &Registry{
		store:   store,
		logger:  logger,
		timeout: DefaultStoreTimeout,
		locks:   NewKeyedMutex(),
		cache:   make(map[string]*room.Room),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetOnLoad installs the load hook after construction.
func (g *Registry) SetOnLoad(fn func(*room.Room)) { g.onLoad = fn }

// Get returns a copy of the room without taking its lock.
//
// Postcondition: Returns room.ErrRoomNotFound for unknown ids and
// ErrStoreUnavailable when the store cannot be reached.
func (g *Registry) Get(ctx context.Context, id string) (*room.Room, error) {
	r, err := g.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Refresh reads the room from the store, bypassing the cache, and brings the
// cache up to date. It sees saves made by other instances.
//
// Postcondition: Returns a copy of the stored room, room.ErrRoomNotFound or
// ErrStoreUnavailable.
func (g *Registry) Refresh(ctx context.Context, id string) (*room.Room, error) {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	r, err := g.store.LoadRoom(sctx, id)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			g.Evict(id)
			return nil, room.ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: loading %s: %w", ErrStoreUnavailable, id, err)
	}
	g.mu.Lock()
	cur, cached := g.cache[id]
	switch {
	case r.Status == room.StatusFinished:
		delete(g.cache, id)
	case !cached || cur.Version < r.Version:
		g.cache[id] = r
	}
	g.mu.Unlock()
	if cached && cur.Version < r.Version && g.onLoad != nil {
		g.onLoad(r.Clone())
	}
	return r.Clone(), nil
}

func (g *Registry) load(ctx context.Context, id string) (*room.Room, error) {
	g.mu.RLock()
	r, ok := g.cache[id]
	g.mu.RUnlock()
	if ok {
		return r, nil
	}

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	r, err := g.store.LoadRoom(sctx, id)
	if err != nil {
		if errors.Is(err, room.ErrRoomNotFound) {
			return nil, room.ErrRoomNotFound
		}
		return nil, fmt.Errorf("%w: loading %s: %w", ErrStoreUnavailable, id, err)
	}
	if r.Status != room.StatusFinished {
		g.mu.Lock()
		if cur, raced := g.cache[id]; raced && cur.Version >= r.Version {
			r = cur
		} else {
			g.cache[id] = r
		}
		g.mu.Unlock()
	}
	if g.onLoad != nil {
		g.onLoad(r.Clone())
	}
	return r, nil
}

// Create stores a new room with its creation events.
//
// Postcondition: Returns ErrRoomExists when the id is taken.
func (g *Registry) Create(ctx context.Context, r *room.Room, events []protocol.Event) error {
	return g.CreateCommit(ctx, r, events, nil)
}

// CreateCommit is Create followed by then, run before the new room's lock
// is released. An error from then does not undo the insert.
func (g *Registry) CreateCommit(ctx context.Context, r *room.Room, events []protocol.Event, then CommitFunc) error {
	unlock, err := g.locks.Lock(ctx, r.ID)
	if err != nil {
		return fmt.Errorf("%w: locking %s: %w", ErrStoreUnavailable, r.ID, err)
	}
	defer unlock()

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.CreateRoom(sctx, r, events); err != nil {
		if errors.Is(err, ErrRoomExists) {
			return ErrRoomExists
		}
		return fmt.Errorf("%w: creating %s: %w", ErrStoreUnavailable, r.ID, err)
	}
	g.mu.Lock()
	g.cache[r.ID] = r
	g.mu.Unlock()
	if then != nil {
		return then(ctx, Result{Room: r.Clone(), Events: events, Changed: true})
	}
	return nil
}

// WithRoom runs fn under the room's lock and persists a changed room together
// with its events before releasing the lock. Calls for different room ids run
// in parallel.
//
// Precondition: fn must not retain cur.
// Postcondition: On error nothing was persisted. ErrVersionConflict and
// ErrStoreUnavailable are retryable.
func (g *Registry) WithRoom(ctx context.Context, id string, fn MutateFunc) (Result, error) {
	return g.WithRoomCommit(ctx, id, fn, nil)
}

// WithRoomCommit is WithRoom followed by then, run before the lock is
// released. then also runs when fn changed nothing but returned events.
//
// Postcondition: An error from then is returned with the Result; a save that
// preceded it stands and Result.Changed reports it.
func (g *Registry) WithRoomCommit(ctx context.Context, id string, fn MutateFunc, then CommitFunc) (Result, error) {
	unlock, err := g.locks.Lock(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("%w: locking %s: %w", ErrStoreUnavailable, id, err)
	}
	defer unlock()

	cur, err := g.load(ctx, id)
	if err != nil {
		return Result{}, err
	}
	next, events, err := fn(cur)
	if err != nil {
		return Result{}, err
	}
	if next == nil {
		res := Result{Room: cur.Clone(), Events: events}
		if then != nil && len(events) > 0 {
			return res, then(ctx, res)
		}
		return res, nil
	}
	if !room.CanAdvance(cur.Status, next.Status) {
		return Result{}, fmt.Errorf("registry: %s status moved backwards from %s to %s", id, cur.Status, next.Status)
	}
	if err := next.CheckInvariants(); err != nil {
		return Result{}, fmt.Errorf("registry: refusing to save %s: %w", id, err)
	}
	next.Version = cur.Version + 1

	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	if err := g.store.SaveRoom(sctx, next, cur.Version, events); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			g.Evict(id)
			return Result{}, fmt.Errorf("%w: %s at version %d", ErrVersionConflict, id, cur.Version)
		}
		return Result{}, fmt.Errorf("%w: saving %s: %w", ErrStoreUnavailable, id, err)
	}

	g.mu.Lock()
	if next.Status == room.StatusFinished {
		delete(g.cache, id)
	} else {
		g.cache[id] = next
	}
	g.mu.Unlock()
	if next.Status == room.StatusFinished {
		g.logger.Info("room archived",
			zap.String("room_id", id),
			zap.String("winner_id", next.WinnerID),
		)
	}
	res := Result{Room: next.Clone(), Events: events, Changed: true}
	if then != nil {
		return res, then(ctx, res)
	}
	return res, nil
}

// List returns room summaries from the store.
func (g *Registry) List(ctx context.Context, f room.Filter) ([]room.Summary, error) {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.store.ListRooms(sctx, f)
	if err != nil {
		return nil, fmt.Errorf("%w: listing rooms: %w", ErrStoreUnavailable, err)
	}
	return out, nil
}

// Evict drops a room from the cache so the next access reloads it.
func (g *Registry) Evict(id string) {
	g.mu.Lock()
	delete(g.cache, id)
	g.mu.Unlock()
}

// Cached returns the number of cached rooms.
func (g *Registry) Cached() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cache)
}

// Warm loads every unfinished room so the load hook sees it. It runs at
// startup to restore presence deadlines.
//
// Postcondition: Returns the number of rooms loaded.
func (g *Registry) Warm(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []room.Status{room.StatusWaiting, room.StatusInProgress} {
		sums, err := g.List(ctx, room.Filter{Status: status})
		if err != nil {
			return n, err
		}
		for _, s := range sums {
			if _, err := g.load(ctx, s.ID); err != nil {
				if errors.Is(err, room.ErrRoomNotFound) {
					continue
				}
				return n, err
			}
			n++
		}
	}
	return n, nil
}
