package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/game/rules"
	"github.com/cory-johannsen/gameroom/internal/protocol"
)

var t0 = time.Date(2026, 2, 2, 20, 0, 0, 0, time.UTC)

// buildRoom returns a room with host, player p1, spectator s1 and lobby member l1,
// started when inProgress is set.
func buildRoom(t testing.TB, inProgress bool) *room.Room {
	m := room.NewMachine(rules.DefaultRegistry(), room.WithClock(func() time.Time { return t0 }))
	cmd := &protocol.CreateRoom{
		Header:          protocol.Header{ID: "c", UserID: "host", Username: "host"},
		Name:            "chat",
		GameType:        rules.FreeplayGameType,
		PlayerCapacity:  2,
		AllowSpectators: true,
	}
	r, _, err := m.Create(cmd, "room-c", "")
	require.NoError(t, err)
	apply := func(next *room.Room, _ []protocol.Event, err error) {
		require.NoError(t, err)
		if next != nil {
			r = next
		}
	}
	apply(m.Join(context.Background(), r, "p1", "p1", false, ""))
	apply(m.Join(context.Background(), r, "s1", "s1", true, ""))
	apply(m.Join(context.Background(), r, "l1", "l1", false, ""))
	apply(m.Ready(context.Background(), r, "p1"))
	if inProgress {
		apply(m.Ready(context.Background(), r, "host"))
		require.Equal(t, room.StatusInProgress, r.Status)
	}
	return r
}

func TestRoute_WaitingGoesToRoom(t *testing.T) {
	r := buildRoom(t, false)
	rt := chat.NewRouter(chat.NewLimiter())
	for _, sender := range []string{"host", "p1", "s1", "l1"} {
		out, err := rt.Route(r, sender, "hello", chat.DefaultConfig(), t0)
		require.NoError(t, err)
		assert.Equal(t, chat.TypeLobby, out.ChatType)
		assert.Equal(t, protocol.ToRoom(r.ID), out.Audience)
	}
}

func TestRoute_InProgressSplitsSides(t *testing.T) {
	r := buildRoom(t, true)
	rt := chat.NewRouter(chat.NewLimiter())

	out, err := rt.Route(r, "p1", "gg", chat.DefaultConfig(), t0)
	require.NoError(t, err)
	assert.Equal(t, chat.TypePlayer, out.ChatType)
	assert.Equal(t, protocol.ToPlayers(r.ID), out.Audience)

	out, err = rt.Route(r, "s1", "nice", chat.DefaultConfig(), t0)
	require.NoError(t, err)
	assert.Equal(t, chat.TypeSpectator, out.ChatType)
	assert.Equal(t, protocol.ToSpectators(r.ID), out.Audience)
}

func TestRoute_LobbyDisabled(t *testing.T) {
	r := buildRoom(t, false)
	r.LobbyChatEnabled = false
	_, err := chat.NewRouter(chat.NewLimiter()).Route(r, "p1", "hi", chat.DefaultConfig(), t0)
	assert.ErrorIs(t, err, room.ErrLobbyDisabled)
	assert.Equal(t, "lobby chat disabled", err.Error())
}

func TestRoute_PolicyRejections(t *testing.T) {
	r := buildRoom(t, false)
	r.MutedUserIDs["l1"] = struct{}{}
	rt := chat.NewRouter(chat.NewLimiter())

	cfg := chat.DefaultConfig()
	cfg.GlobalMuteEnabled = true
	_, err := rt.Route(r, "p1", "hi", cfg, t0)
	assert.ErrorIs(t, err, room.ErrChatGlobal)

	_, err = rt.Route(r, "l1", "hi", chat.DefaultConfig(), t0)
	assert.ErrorIs(t, err, room.ErrChatMuted)

	cfg = chat.DefaultConfig()
	cfg.MaxMessageLength = 4
	_, err = rt.Route(r, "p1", "hello", cfg, t0)
	assert.ErrorIs(t, err, room.ErrChatTooLong)
	_, err = rt.Route(r, "p1", "héll", cfg, t0)
	assert.NoError(t, err, "length is counted in runes")

	_, err = rt.Route(r, "ghost", "hi", chat.DefaultConfig(), t0)
	assert.ErrorIs(t, err, room.ErrNotMember)
	assert.Equal(t, room.KindAuthorization, room.KindOf(err))
}

func TestRoute_ProfanityMasked(t *testing.T) {
	r := buildRoom(t, false)
	rt := chat.NewRouter(chat.NewLimiter())
	cfg := chat.DefaultConfig()
	cfg.WordList = []string{"spam"}

	out, err := rt.Route(r, "p1", "no spam here", cfg, t0)
	require.NoError(t, err)
	assert.Equal(t, "no spam here", out.Content, "filter disabled")
	assert.False(t, out.Filtered)

	cfg.ProfanityEnabled = true
	out, err = rt.Route(r, "p1", "no spam here", cfg, t0)
	require.NoError(t, err)
	assert.Equal(t, "no **** here", out.Content)
	assert.True(t, out.Filtered)

	out, err = rt.Route(r, "p1", "SPAM spammer", cfg, t0)
	require.NoError(t, err)
	assert.Equal(t, "**** spammer", out.Content, "whole words only")
}

func TestFilter_EqualRuneLength(t *testing.T) {
	f := chat.NewFilter([]string{"über", "  "})
	out, changed := f.Mask("das ist Über gut")
	assert.True(t, changed)
	assert.Equal(t, "das ist **** gut", out)

	out, changed = chat.NewFilter(nil).Mask("anything")
	assert.False(t, changed)
	assert.Equal(t, "anything", out)
}

func TestLimiter_WindowSemantics(t *testing.T) {
	l := chat.NewLimiter()
	for i := 0; i < 20; i++ {
		d := l.Allow("u", "r", 20, time.Minute, t0.Add(time.Duration(i)*time.Second))
		require.True(t, d.Allowed, "message %d", i)
	}
	d := l.Allow("u", "r", 20, time.Minute, t0.Add(30*time.Second))
	assert.False(t, d.Allowed)
	assert.Equal(t, 30, d.RetryAfterSeconds)

	assert.True(t, l.Allow("u", "other-room", 20, time.Minute, t0.Add(30*time.Second)).Allowed, "keys are independent")
	assert.True(t, l.Allow("u", "r", 20, time.Minute, t0.Add(time.Minute)).Allowed, "window reset")
}

func TestLimiter_Prune(t *testing.T) {
	l := chat.NewLimiter()
	l.Allow("a", "r", 5, time.Minute, t0)
	l.Allow("b", "r", 5, time.Minute, t0.Add(50*time.Second))
	assert.Equal(t, 1, l.Prune(t0.Add(time.Minute)))
	assert.Equal(t, 1, l.Size())
}

func TestLimiter_ConcurrentSameKey(t *testing.T) {
	l := chat.NewLimiter()
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u", "r", 20, time.Minute, t0).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(20), allowed.Load())
}

func TestLimiter_PruneNeverLosesCounts(t *testing.T) {
	for round := 0; round < 20; round++ {
		l := chat.NewLimiter()
		l.Allow("u", "r", 20, time.Minute, t0)
		next := t0.Add(time.Minute)

		var allowed atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if l.Allow("u", "r", 20, time.Minute, next).Allowed {
					allowed.Add(1)
				}
			}()
			go func() {
				defer wg.Done()
				l.Prune(next)
			}()
		}
		wg.Wait()
		require.Equal(t, int64(20), allowed.Load(), "round %d", round)
	}
}

func TestProperty_LimiterQuota(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 30).Draw(t, "limit")
		windowSecs := rapid.IntRange(1, 120).Draw(t, "window")
		window := time.Duration(windowSecs) * time.Second
		l := chat.NewLimiter()

		for i := 0; i < limit; i++ {
			if !l.Allow("u", "r", limit, window, t0).Allowed {
				t.Fatalf("message %d of %d denied", i+1, limit)
			}
		}
		offset := time.Duration(rapid.IntRange(0, windowSecs-1).Draw(t, "offset")) * time.Second
		d := l.Allow("u", "r", limit, window, t0.Add(offset))
		if d.Allowed || d.RetryAfterSeconds <= 0 {
			t.Fatalf("over-quota message: %+v", d)
		}
		if !l.Allow("u", "r", limit, window, t0.Add(window)).Allowed {
			t.Fatal("message after window denied")
		}
	})
}

func TestProperty_RoutingNeverCrossesSides(t *testing.T) {
	r := buildRoom(t, true)
	rapid.Check(t, func(t *rapid.T) {
		sender := rapid.SampledFrom([]string{"host", "p1", "s1"}).Draw(t, "sender")
		out, err := chat.NewRouter(chat.NewLimiter()).Route(r, sender, "x", chat.DefaultConfig(), t0)
		if err != nil {
			t.Fatal(err)
		}
		m, _ := r.Member(sender)
		switch {
		case m.Role == room.RolePlayer && out.Audience.Kind != protocol.AudiencePlayers:
			t.Fatalf("player chat routed to %s", out.Audience.Kind)
		case m.IsSpectating() && out.Audience.Kind != protocol.AudienceSpectators:
			t.Fatalf("spectator chat routed to %s", out.Audience.Kind)
		}
	})
}

func TestCanRead(t *testing.T) {
	r := buildRoom(t, true)
	assert.NoError(t, chat.CanRead(r, "s1", chat.TypeLobby))
	assert.NoError(t, chat.CanRead(r, "p1", chat.TypePlayer))
	assert.ErrorIs(t, chat.CanRead(r, "s1", chat.TypePlayer), room.ErrForbiddenChat)
	assert.ErrorIs(t, chat.CanRead(r, "p1", chat.TypeSpectator), room.ErrForbiddenChat)
	assert.ErrorIs(t, chat.CanRead(r, "ghost", chat.TypeLobby), room.ErrNotMember)
}

type flakySource struct {
	calls atomic.Int64
	fail  atomic.Bool
	cfg   chat.Config
}

func (s *flakySource) ChatConfig(context.Context) (chat.Config, error) {
	s.calls.Add(1)
	if s.fail.Load() {
		return chat.Config{}, errors.New("db down")
	}
	return s.cfg, nil
}

func TestConfigCache_TTLAndStaleOnError(t *testing.T) {
	src := &flakySource{cfg: chat.DefaultConfig()}
	src.cfg.Version = 3
	c := chat.NewConfigCache(src, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()

	cfg, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.Version)
	_, _ = c.Get(ctx)
	assert.Equal(t, int64(1), src.calls.Load(), "served from cache within TTL")

	src.fail.Store(true)
	c.Invalidate()
	cfg, err = c.Get(ctx)
	require.NoError(t, err, "stale config served on refresh failure")
	assert.Equal(t, int64(3), cfg.Version)
}

func TestConfigCache_ColdFailure(t *testing.T) {
	src := &flakySource{}
	src.fail.Store(true)
	c := chat.NewConfigCache(src, time.Hour, zaptest.NewLogger(t))
	_, err := c.Get(context.Background())
	assert.Error(t, err)
}

func TestConfigCache_SingleFlight(t *testing.T) {
	src := &flakySource{cfg: chat.DefaultConfig()}
	c := chat.NewConfigCache(src, time.Hour, zaptest.NewLogger(t))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Get(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, src.calls.Load(), int64(20))
	assert.GreaterOrEqual(t, src.calls.Load(), int64(1))
}

func TestStaticSource_SaveBumpsVersion(t *testing.T) {
	s := chat.NewStaticSource(chat.DefaultConfig())
	cfg := chat.DefaultConfig()
	cfg.GlobalMuteEnabled = true
	saved, err := s.SaveChatConfig(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	cfg.RateLimitMessages = 0
	_, err = s.SaveChatConfig(context.Background(), cfg)
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, chat.DefaultHistoryLimit, chat.ClampLimit(0))
	assert.Equal(t, chat.MaxHistoryLimit, chat.ClampLimit(1000))
	assert.Equal(t, 7, chat.ClampLimit(7))
	assert.True(t, strings.HasPrefix(string(chat.TypeLobby), "lobby"))
}
