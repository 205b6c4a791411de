package gateway

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// DefaultDedupWindow is how many recent event ids the hub remembers.
const DefaultDedupWindow = 4096

// Hub tracks live connections and the rooms each one follows, and delivers
// events to the connections an event's audience selects.
//
// All methods are safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*Conn]struct{}
	byRoom map[string]map[*Conn]struct{}

	seen   *recentIDs
	logger *zap.Logger
}

// NewHub creates an empty Hub remembering the last window event ids.
func NewHub(window int, logger *zap.Logger) *Hub {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &Hub{
		byUser: make(map[string]map[*Conn]struct{}),
		byRoom: make(map[string]map[*Conn]struct{}),
		seen:   newRecentIDs(window),
		logger: logger,
	}
}

// Add registers c.
func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addTo(h.byUser, c.userID, c)
}

// Remove unregisters c and closes it.
//
// Postcondition: Returns the rooms c followed in which its user has no other
// live connection; the user should be reported disconnected from those.
func (h *Hub) Remove(c *Conn) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeFrom(h.byUser, c.userID, c)
	var orphaned []string
	for roomID := range c.rooms {
		removeFrom(h.byRoom, roomID, c)
		if !h.userFollowsLocked(c.userID, roomID) {
			orphaned = append(orphaned, roomID)
		}
	}
	c.rooms = make(map[string]struct{})
	c.Close()
	return orphaned
}

// Subscribe makes c follow roomID.
//
// Postcondition: Returns true if c was not already following roomID.
func (h *Hub) Subscribe(c *Conn, roomID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	addTo(h.byRoom, roomID, c)
	return true
}

// Unsubscribe stops c following roomID.
func (h *Hub) Unsubscribe(c *Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.rooms, roomID)
	removeFrom(h.byRoom, roomID, c)
}

// unsubscribeUser stops every connection of userID following roomID.
func (h *Hub) unsubscribeUser(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.byRoom[roomID] {
		if c.userID == userID {
			delete(c.rooms, roomID)
			removeFrom(h.byRoom, roomID, c)
		}
	}
}

func (h *Hub) userFollowsLocked(userID, roomID string) bool {
	for c := range h.byRoom[roomID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

// Conns returns the number of live connections.
func (h *Hub) Conns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.byUser {
		n += len(set)
	}
	return n
}

// Followers returns the number of connections following roomID.
func (h *Hub) Followers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byRoom[roomID])
}

// Deliver sends e to every connection its audience selects. It is an
// eventlog.Handler and never fails: a connection that cannot keep up is
// closed instead of stalling the room's stream.
//
// Postcondition: An event id already delivered within the dedup window is dropped.
func (h *Hub) Deliver(_ context.Context, e protocol.Event) error {
	if e.ID != "" && !h.seen.add(e.ID) {
		h.logger.Debug("dropping duplicate event", zap.String("event_id", e.ID))
		return nil
	}
	frame, err := protocol.EncodeEventFrame(e)
	if err != nil {
		h.logger.Error("encoding event frame", zap.String("event_id", e.ID), zap.Error(err))
		return nil
	}

	for _, c := range h.targets(e) {
		if err := c.Push(frame); err != nil {
			h.logger.Warn("dropping slow connection",
				zap.String("conn_id", c.id),
				zap.String("user_id", c.userID),
				zap.Error(err),
			)
			c.Close()
		}
	}

	if userID := departedUser(e); userID != "" {
		h.unsubscribeUser(userID, e.RoomID)
	}
	return nil
}

// targets resolves the audience of e against the current subscriptions.
func (h *Hub) targets(e protocol.Event) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Conn
	switch e.Audience.Kind {
	case protocol.AudienceUser:
		for c := range h.byUser[e.Audience.UserID] {
			out = append(out, c)
		}
	case protocol.AudienceRoom:
		for c := range h.byRoom[e.Audience.RoomID] {
			out = append(out, c)
		}
	case protocol.AudiencePlayers, protocol.AudienceSpectators:
		allowed := make(map[string]struct{}, len(e.Recipients))
		for _, id := range e.Recipients {
			allowed[id] = struct{}{}
		}
		for c := range h.byRoom[e.Audience.RoomID] {
			if _, ok := allowed[c.userID]; ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// departedUser returns the user whose membership e ends, if any.
func departedUser(e protocol.Event) string {
	switch p := e.Payload.(type) {
	case protocol.MemberLeft:
		return p.UserID
	case protocol.SpectatorKicked:
		return p.UserID
	case protocol.SpectatorBanned:
		return p.UserID
	}
	return ""
}

func addTo(m map[string]map[*Conn]struct{}, key string, c *Conn) {
	set, ok := m[key]
	if !ok {
		set = make(map[*Conn]struct{})
		m[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(m map[string]map[*Conn]struct{}, key string, c *Conn) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m, key)
	}
}

// recentIDs is a fixed-size ring of event ids.
type recentIDs struct {
	mu   sync.Mutex
	ring []string
	next int
	set  map[string]struct{}
}

func newRecentIDs(size int) *recentIDs {
	return &recentIDs{ring: make([]string, size), set: make(map[string]struct{}, size)}
}

// add records id and reports whether it was new.
func (r *recentIDs) add(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ring[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ring[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
	return true
}
