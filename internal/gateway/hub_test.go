package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/gameroom/internal/gateway"
	"github.com/cory-johannsen/gameroom/internal/protocol"
)

func conn(h *gateway.Hub, userID string) *gateway.Conn {
	c := gateway.NewConn(gateway.Identity{UserID: userID, Username: userID}, 16)
	h.Add(c)
	return c
}

func drain(c *gateway.Conn) []protocol.Frame {
	var out []protocol.Frame
	for {
		select {
		case data, ok := <-c.Frames():
			if !ok {
				return out
			}
			var f protocol.Frame
			if err := json.Unmarshal(data, &f); err == nil {
				out = append(out, f)
			}
		default:
			return out
		}
	}
}

func TestHub_RoutesByAudience(t *testing.T) {
	h := gateway.NewHub(16, zaptest.NewLogger(t))
	p1, p2, s1, outsider := conn(h, "p1"), conn(h, "p2"), conn(h, "s1"), conn(h, "x")
	for _, c := range []*gateway.Conn{p1, p2, s1} {
		h.Subscribe(c, "r1")
	}
	h.Subscribe(outsider, "r2")

	room := protocol.NewEvent(protocol.ToRoom("r1"), protocol.LobbyChatDisabled{})
	room.RoomID = "r1"
	players := protocol.NewEvent(protocol.ToPlayers("r1"), protocol.ChatMessage{})
	players.RoomID = "r1"
	players.Recipients = []string{"p1", "p2"}
	spect := protocol.NewEvent(protocol.ToSpectators("r1"), protocol.ChatMessage{})
	spect.RoomID = "r1"
	spect.Recipients = []string{"s1"}
	user := protocol.NewEvent(protocol.ToUser("r1", "x"), protocol.CommandRejected{Code: "not_member"})
	user.RoomID = "r1"

	for _, e := range []protocol.Event{room, players, spect, user} {
		require.NoError(t, h.Deliver(context.Background(), e))
	}

	assert.Len(t, drain(p1), 2)
	assert.Len(t, drain(p2), 2)
	got := drain(s1)
	require.Len(t, got, 2)
	assert.Equal(t, spect.ID, got[1].ID)
	got = drain(outsider)
	require.Len(t, got, 1)
	assert.Equal(t, string(protocol.EvtCommandRejected), got[0].Type)
}

func TestHub_DropsDuplicateEventIDs(t *testing.T) {
	h := gateway.NewHub(2, zaptest.NewLogger(t))
	c := conn(h, "u1")
	h.Subscribe(c, "r1")

	a := protocol.NewEvent(protocol.ToRoom("r1"), protocol.LobbyChatDisabled{})
	b := protocol.NewEvent(protocol.ToRoom("r1"), protocol.LobbyChatDisabled{})
	d := protocol.NewEvent(protocol.ToRoom("r1"), protocol.LobbyChatDisabled{})
	for _, e := range []protocol.Event{a, a, b, a} {
		require.NoError(t, h.Deliver(context.Background(), e))
	}
	assert.Len(t, drain(c), 2)

	// a falls out of the two-entry window once two newer ids are seen.
	require.NoError(t, h.Deliver(context.Background(), d))
	require.NoError(t, h.Deliver(context.Background(), a))
	assert.Len(t, drain(c), 2)
}

func TestHub_DepartureUnsubscribes(t *testing.T) {
	h := gateway.NewHub(16, zaptest.NewLogger(t))
	host, spectator := conn(h, "host"), conn(h, "s1")
	h.Subscribe(host, "r1")
	h.Subscribe(spectator, "r1")

	banned := protocol.NewEvent(protocol.ToRoom("r1"), protocol.SpectatorBanned{UserID: "s1"})
	banned.RoomID = "r1"
	require.NoError(t, h.Deliver(context.Background(), banned))
	assert.Len(t, drain(spectator), 1, "the banned user still sees the ban")
	assert.Equal(t, 1, h.Followers("r1"))

	after := protocol.NewEvent(protocol.ToRoom("r1"), protocol.LobbyChatDisabled{})
	require.NoError(t, h.Deliver(context.Background(), after))
	assert.Empty(t, drain(spectator))
	assert.Len(t, drain(host), 2)
}

func TestHub_SlowConnectionIsClosed(t *testing.T) {
	h := gateway.NewHub(64, zaptest.NewLogger(t))
	slow := gateway.NewConn(gateway.Identity{UserID: "slow"}, 1)
	h.Add(slow)
	h.Subscribe(slow, "r1")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Deliver(context.Background(), protocol.NewEvent(protocol.ToRoom("r1"), protocol.LobbyChatDisabled{})))
	}
	assert.True(t, slow.IsClosed())
}

func TestHub_RemoveReportsOrphanedRooms(t *testing.T) {
	h := gateway.NewHub(16, zaptest.NewLogger(t))
	phone, laptop := conn(h, "u1"), conn(h, "u1")
	h.Subscribe(phone, "r1")
	h.Subscribe(phone, "r2")
	h.Subscribe(laptop, "r2")

	orphaned := h.Remove(phone)
	assert.Equal(t, []string{"r1"}, orphaned)
	assert.True(t, phone.IsClosed())
	assert.Equal(t, 1, h.Conns())
	assert.Equal(t, 0, h.Followers("r1"))
	assert.Equal(t, 1, h.Followers("r2"))
}

func TestHub_PlayersAudienceNeverReachesNonRecipients(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := gateway.NewHub(16, zaptest.NewLogger(t))
		n := rapid.IntRange(1, 8).Draw(rt, "members")
		conns := make(map[string]*gateway.Conn, n)
		var recipients []string
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("u%d", i)
			conns[id] = conn(h, id)
			h.Subscribe(conns[id], "r1")
			if rapid.Bool().Draw(rt, "player") {
				recipients = append(recipients, id)
			}
		}
		e := protocol.NewEvent(protocol.ToPlayers("r1"), protocol.ChatMessage{})
		e.Recipients = recipients
		require.NoError(rt, h.Deliver(context.Background(), e))

		want := make(map[string]bool)
		for _, id := range recipients {
			want[id] = true
		}
		for id, c := range conns {
			got := len(drain(c))
			if want[id] {
				assert.Equal(rt, 1, got, id)
			} else {
				assert.Equal(rt, 0, got, id)
			}
		}
	})
}
