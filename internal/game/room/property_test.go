package room_test

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/protocol"
)

var users = []string{"host", "u1", "u2", "u3", "u4", "u5", "u6"}

// randomStep applies one randomly chosen transition and returns the room that
// results, or r when the transition was rejected or changed nothing.
func randomStep(t *rapid.T, m *room.Machine, clk *fakeClock, r *room.Room) *room.Room {
	ctx := context.Background()
	actor := rapid.SampledFrom(users).Draw(t, "actor")
	target := rapid.SampledFrom(users).Draw(t, "target")
	var (
		next *room.Room
		err  error
	)
	switch rapid.IntRange(0, 12).Draw(t, "op") {
	case 0:
		next, _, err = m.Join(ctx, r, actor, actor, false, "")
	case 1:
		next, _, err = m.Join(ctx, r, actor, actor, true, "")
	case 2:
		next, _, err = m.Ready(ctx, r, actor)
	case 3:
		next, _, err = m.SelectPlayer(r, actor, target)
	case 4:
		next, _, err = m.DeselectPlayer(r, actor, target)
	case 5:
		next, _, err = m.DesignateAdminSpectator(r, actor, target)
	case 6:
		next, _, err = m.KickSpectator(r, actor, target)
	case 7:
		next, _, err = m.BanSpectator(r, actor, target)
	case 8:
		next, _, err = m.Leave(ctx, r, actor)
	case 9:
		next, _, err = m.Disconnect(r, actor, clk.Now().Add(30*time.Second))
	case 10:
		next, _, err = m.Reconnect(ctx, r, actor)
	case 11:
		clk.Advance(time.Duration(rapid.IntRange(0, 40).Draw(t, "secs")) * time.Second)
		next, _, err = m.DisconnectTimeout(ctx, r, actor)
	case 12:
		next, _, err = m.GameAction(ctx, r, actor, []byte(`{"type":"score","points":1}`))
	}
	if err != nil || next == nil {
		return r
	}
	if !room.CanAdvance(r.Status, next.Status) {
		t.Fatalf("status moved backwards: %s -> %s", r.Status, next.Status)
	}
	return next
}

func TestProperty_InvariantsHoldAfterEveryCommand(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m, clk := newMachine()
		capacity := rapid.IntRange(room.MinPlayerCapacity, 4).Draw(t, "capacity")
		cmd := createCmd("host", capacity, rapid.Bool().Draw(t, "spectators"))
		cmd.MaxSpectators = rapid.IntRange(0, 3).Draw(t, "maxSpectators")
		r, _, err := m.Create(cmd, "room-p", "")
		if err != nil {
			t.Fatal(err)
		}
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			r = randomStep(t, m, clk, r)
			if err := r.CheckInvariants(); err != nil {
				t.Fatal(err)
			}
			if len(r.Players()) > r.PlayerCapacity {
				t.Fatalf("players %d > capacity %d", len(r.Players()), r.PlayerCapacity)
			}
			if len(r.Spectators()) > r.MaxSpectators {
				t.Fatalf("spectators %d > max %d", len(r.Spectators()), r.MaxSpectators)
			}
		}
	})
}

func TestProperty_BannedUserNeverRejoins(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		m, clk := newMachine()
		r, _, err := m.Create(createCmd("host", 4, true), "room-b", "")
		if err != nil {
			t.Fatal(err)
		}
		victim := rapid.SampledFrom(users[1:]).Draw(t, "victim")
		r, _, err = m.Join(context.Background(), r, victim, victim, true, "")
		if err != nil {
			t.Fatal(err)
		}
		r, _, err = m.BanSpectator(r, "host", victim)
		if err != nil {
			t.Fatal(err)
		}
		steps := rapid.IntRange(0, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			r = randomStep(t, m, clk, r)
			if _, ok := r.Member(victim); ok {
				t.Fatalf("banned user %s became a member", victim)
			}
		}
		for _, asSpectator := range []bool{false, true} {
			if _, _, err := m.Join(context.Background(), r, victim, victim, asSpectator, ""); err != room.ErrBanned {
				t.Fatalf("join after ban: got %v, want ErrBanned", err)
			}
		}
		if res := room.ResolveRejoin(r, victim); res.Rejoin || res.Reason != protocol.ReasonBanned {
			t.Fatalf("rejoin after ban resolved to %+v", res)
		}
	})
}
