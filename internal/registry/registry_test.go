package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/game/rules"
	"github.com/cory-johannsen/gameroom/internal/protocol"
	"github.com/cory-johannsen/gameroom/internal/registry"
	"github.com/cory-johannsen/gameroom/internal/storage/memstore"
)

func newRoom(t *testing.T, id, host string) (*room.Room, []protocol.Event) {
	t.Helper()
	m := room.NewMachine(rules.DefaultRegistry())
	r, evs, err := m.Create(&protocol.CreateRoom{
		Header:         protocol.Header{ID: "cmd-" + id, UserID: host, Username: host},
		Name:           "table " + id,
		GameType:       rules.FreeplayGameType,
		PlayerCapacity: 2,
	}, id, "")
	require.NoError(t, err)
	return r, evs
}

func setup(t *testing.T, opts ...registry.Option) (*registry.Registry, *memstore.Store) {
	t.Helper()
	store := memstore.New(chat.DefaultConfig())
	return registry.New(store, zaptest.NewLogger(t), opts...), store
}

func join(userID string) registry.MutateFunc {
	m := room.NewMachine(rules.DefaultRegistry())
	return func(cur *room.Room) (*room.Room, []protocol.Event, error) {
		return m.Join(context.Background(), cur, userID, userID, false, "")
	}
}

func TestCreateAndGet(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")

	require.NoError(t, g.Create(ctx, r, evs))
	assert.Equal(t, 1, store.Unacked())

	got, err := g.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "host", got.HostID)

	err = g.Create(ctx, r, evs)
	assert.ErrorIs(t, err, registry.ErrRoomExists)
}

func TestGet_UnknownRoom(t *testing.T) {
	g, _ := setup(t)
	_, err := g.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
	assert.Equal(t, room.KindNotFound, room.KindOf(err))
}

func TestGet_StoreDown(t *testing.T) {
	g, store := setup(t)
	store.SetFail(errors.New("connection refused"))
	_, err := g.Get(context.Background(), "r1")
	assert.ErrorIs(t, err, registry.ErrStoreUnavailable)
	assert.Equal(t, room.KindInfrastructure, room.KindOf(err))
}

func TestWithRoom_PersistsAndBumpsVersion(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))

	res, err := g.WithRoom(ctx, "r1", join("u2"))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, int64(1), res.Room.Version)
	assert.Len(t, res.Events, 2)
	assert.Equal(t, 3, store.Unacked())

	loaded, err := store.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, loaded.Members, "u2")
	assert.Equal(t, int64(1), loaded.Version)
}

func TestWithRoom_RejectionPersistsNothing(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))

	_, err := g.WithRoom(ctx, "r1", func(cur *room.Room) (*room.Room, []protocol.Event, error) {
		return nil, nil, room.ErrRoomFull
	})
	assert.ErrorIs(t, err, room.ErrRoomFull)
	assert.Equal(t, 1, store.Unacked())

	loaded, err := store.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), loaded.Version)
}

func TestWithRoom_UnchangedReturnsEvents(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))

	res, err := g.WithRoom(ctx, "r1", join("host"))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	require.NotEmpty(t, res.Events)
	assert.Equal(t, protocol.EvtRejoinResult, res.Events[0].Type())
	assert.Equal(t, 1, store.Unacked())
}

func TestWithRoom_RefusesInvariantViolation(t *testing.T) {
	g, _ := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))

	_, err := g.WithRoom(ctx, "r1", func(cur *room.Room) (*room.Room, []protocol.Event, error) {
		next := cur.Clone()
		next.BannedUserIDs["host"] = struct{}{}
		return next, nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banned user is a member")
}

func TestWithRoom_RefusesBackwardStatus(t *testing.T) {
	g, _ := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	r.Status = room.StatusInProgress
	r.Members["host"].Role = room.RoleSpectator
	r.AllowSpectators, r.MaxSpectators = true, 2
	require.NoError(t, g.Create(ctx, r, evs))

	_, err := g.WithRoom(ctx, "r1", func(cur *room.Room) (*room.Room, []protocol.Event, error) {
		next := cur.Clone()
		next.Status = room.StatusWaiting
		return next, nil, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moved backwards")
}

func TestWithRoom_VersionConflictEvictsCache(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))

	// Another instance writes behind the cache's back.
	other := registry.New(store, zaptest.NewLogger(t))
	_, err := other.WithRoom(ctx, "r1", join("u2"))
	require.NoError(t, err)

	_, err = g.WithRoom(ctx, "r1", join("u3"))
	assert.ErrorIs(t, err, registry.ErrVersionConflict)
	assert.Equal(t, 0, g.Cached())

	res, err := g.WithRoom(ctx, "r1", join("u3"))
	require.NoError(t, err)
	assert.Contains(t, res.Room.Members, "u2")
	assert.Contains(t, res.Room.Members, "u3")
}

func TestRefresh_SeesOtherInstanceSaves(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))

	other := registry.New(store, zaptest.NewLogger(t))
	_, err := other.WithRoom(ctx, "r1", join("u2"))
	require.NoError(t, err)

	stale, err := g.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, stale.Members, "u2")

	fresh, err := g.Refresh(ctx, "r1")
	require.NoError(t, err)
	assert.Contains(t, fresh.Members, "u2")
	assert.Equal(t, stale.Version+1, fresh.Version)

	cached, err := g.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, fresh.Version, cached.Version)
	_, err = g.WithRoom(ctx, "r1", join("u3"))
	require.NoError(t, err, "a refreshed cache commits without a version conflict")

	_, err = g.Refresh(ctx, "nope")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}

func TestWithRoom_StoreFailureIsRetryable(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))

	store.SetFail(errors.New("timeout"))
	_, err := g.WithRoom(ctx, "r1", join("u2"))
	assert.ErrorIs(t, err, registry.ErrStoreUnavailable)

	store.SetFail(nil)
	got, err := g.Get(ctx, "r1")
	require.NoError(t, err)
	assert.NotContains(t, got.Members, "u2")
}

func TestWithRoom_FinishedRoomsLeaveCache(t *testing.T) {
	g, store := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))
	require.Equal(t, 1, g.Cached())

	m := room.NewMachine(rules.DefaultRegistry())
	res, err := g.WithRoom(ctx, "r1", func(cur *room.Room) (*room.Room, []protocol.Event, error) {
		return m.Leave(ctx, cur, "host")
	})
	require.NoError(t, err)
	assert.Equal(t, room.StatusFinished, res.Room.Status)
	assert.Equal(t, 0, g.Cached())

	list, err := g.List(ctx, room.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)

	finished, err := store.ListRooms(ctx, room.Filter{Status: room.StatusFinished})
	require.NoError(t, err)
	assert.Len(t, finished, 1)
}

func TestWithRoom_SerializesPerRoom(t *testing.T) {
	g, _ := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	r.PlayerCapacity = 10
	require.NoError(t, g.Create(ctx, r, evs))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.WithRoom(ctx, "r1", join(fmt.Sprintf("u%02d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := g.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, got.Members, 21)
	assert.Equal(t, int64(20), got.Version)
}

func TestWithRoom_DifferentRoomsDoNotBlock(t *testing.T) {
	g, _ := setup(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		r, evs := newRoom(t, id, "host")
		require.NoError(t, g.Create(ctx, r, evs))
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = g.WithRoom(ctx, "a", func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			close(entered)
			<-release
			return nil, nil, nil
		})
	}()
	<-entered

	done := make(chan error, 1)
	go func() {
		_, err := g.WithRoom(ctx, "b", join("u2"))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("room b blocked behind room a")
	}
	close(release)
}

func TestWithRoom_LockWaitHonoursContext(t *testing.T) {
	g, _ := setup(t)
	ctx := context.Background()
	r, evs := newRoom(t, "r1", "host")
	require.NoError(t, g.Create(ctx, r, evs))

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = g.WithRoom(ctx, "r1", func(cur *room.Room) (*room.Room, []protocol.Event, error) {
			close(entered)
			<-release
			return nil, nil, nil
		})
	}()
	<-entered
	defer close(release)

	wctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := g.WithRoom(wctx, "r1", join("u2"))
	assert.ErrorIs(t, err, registry.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnLoadAndWarm(t *testing.T) {
	store := memstore.New(chat.DefaultConfig())
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		r, evs := newRoom(t, id, "host")
		require.NoError(t, store.CreateRoom(ctx, r, evs))
	}

	var mu sync.Mutex
	var loaded []string
	g := registry.New(store, zaptest.NewLogger(t), registry.WithOnLoad(func(r *room.Room) {
		mu.Lock()
		loaded = append(loaded, r.ID)
		mu.Unlock()
	}))
	n, err := g.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"a", "b"}, loaded)

	// Cached rooms do not re-run the hook.
	_, err = g.Get(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestKeyedMutex_FreesEntries(t *testing.T) {
	k := registry.NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, 1, k.Len())
	unlock()
	assert.Equal(t, 0, k.Len())

	ctx, cancel := context.WithCancel(context.Background())
	unlock, err = k.Lock(context.Background(), "y")
	require.NoError(t, err)
	cancel()
	_, err = k.Lock(ctx, "y")
	assert.ErrorIs(t, err, context.Canceled)
	unlock()
	assert.Equal(t, 0, k.Len())
}
