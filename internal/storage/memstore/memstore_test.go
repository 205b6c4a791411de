package memstore_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/game/rules"
	"github.com/cory-johannsen/gameroom/internal/protocol"
	"github.com/cory-johannsen/gameroom/internal/registry"
	"github.com/cory-johannsen/gameroom/internal/storage/memstore"
)

func newRoom(t *testing.T, id string) (*room.Room, []protocol.Event) {
	t.Helper()
	r, events, err := room.NewMachine(rules.DefaultRegistry()).Create(&protocol.CreateRoom{
		Header:         protocol.Header{ID: "cmd-" + id, UserID: "host", Username: "Host"},
		Name:           id,
		GameType:       rules.FreeplayGameType,
		PlayerCapacity: 2,
	}, id, "")
	require.NoError(t, err)
	for i := range events {
		events[i].OccurredAt = time.Now()
	}
	return r, events
}

func TestRooms_VersionAndOutbox(t *testing.T) {
	s := memstore.New(chat.DefaultConfig())
	ctx := context.Background()
	r, events := newRoom(t, "r1")
	require.NoError(t, s.CreateRoom(ctx, r, events))
	assert.ErrorIs(t, s.CreateRoom(ctx, r, nil), registry.ErrRoomExists)
	assert.Equal(t, len(events), s.Unacked())

	next := r.Clone()
	next.Version++
	require.NoError(t, s.SaveRoom(ctx, next, r.Version, events))
	assert.Equal(t, len(events), s.Unacked(), "replayed event ids are not duplicated")
	assert.ErrorIs(t, s.SaveRoom(ctx, next, r.Version, nil), registry.ErrVersionConflict)

	pending, err := s.PendingEvents(ctx, time.Now().Add(time.Second), 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, events[0].ID, pending[0].ID)

	require.NoError(t, s.AckEvents(ctx, []string{events[0].ID}))
	assert.Equal(t, len(events)-1, s.Unacked())

	loaded, err := s.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	loaded.Name = "mutated"
	again, err := s.LoadRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", again.Name, "loads return copies")
}

func TestRooms_ListHidesFinished(t *testing.T) {
	s := memstore.New(chat.DefaultConfig())
	ctx := context.Background()
	open, _ := newRoom(t, "open")
	done, _ := newRoom(t, "done")
	done.Status = room.StatusFinished
	require.NoError(t, s.CreateRoom(ctx, open, nil))
	require.NoError(t, s.CreateRoom(ctx, done, nil))

	got, err := s.ListRooms(ctx, room.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "open", got[0].ID)

	got, err = s.ListRooms(ctx, room.Filter{Status: room.StatusFinished})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "done", got[0].ID)
}

func TestChat_HistoryAndSoftDelete(t *testing.T) {
	s := memstore.New(chat.DefaultConfig())
	ctx := context.Background()
	base := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendMessage(ctx, chat.Message{
			ID:        fmt.Sprintf("m%d", i),
			RoomID:    "r1",
			ChatType:  chat.TypeLobby,
			Content:   fmt.Sprintf("line %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	page, more, err := s.History(ctx, "r1", chat.TypeLobby, time.Time{}, 3)
	require.NoError(t, err)
	assert.True(t, more)
	require.Len(t, page, 3)
	assert.Equal(t, "line 1", page[0].Content)

	require.NoError(t, s.SoftDeleteMessage(ctx, "m3"))
	page, more, err = s.History(ctx, "r1", chat.TypeLobby, time.Time{}, 3)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, "line 2", page[len(page)-1].Content)
	assert.ErrorIs(t, s.SoftDeleteMessage(ctx, "nope"), chat.ErrMessageNotFound)
}

func TestChatConfig_SaveBumpsVersion(t *testing.T) {
	s := memstore.New(chat.DefaultConfig())
	ctx := context.Background()
	cfg, err := s.ChatConfig(ctx)
	require.NoError(t, err)
	cfg.GlobalMuteEnabled = true
	saved, err := s.SaveChatConfig(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.Version+1, saved.Version)

	cfg.RateLimitMessages = 0
	_, err = s.SaveChatConfig(ctx, cfg)
	assert.Error(t, err)
}

func TestSetFail(t *testing.T) {
	s := memstore.New(chat.DefaultConfig())
	boom := errors.New("down")
	s.SetFail(boom)
	_, err := s.LoadRoom(context.Background(), "r1")
	assert.ErrorIs(t, err, boom)
	s.SetFail(nil)
	_, err = s.LoadRoom(context.Background(), "r1")
	assert.ErrorIs(t, err, room.ErrRoomNotFound)
}
