// Package memstore is an in-process implementation of the room, chat and
// chat-config stores. It backs tests and single-instance development runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cory-johannsen/gameroom/internal/game/chat"
	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/protocol"
	"github.com/cory-johannsen/gameroom/internal/registry"
)

type outboxEntry struct {
	event protocol.Event
	acked bool
}

// Store holds rooms, their event outbox, chat messages and the chat config.
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	rooms    map[string]*room.Room
	outbox   []*outboxEntry
	byID     map[string]*outboxEntry
	messages map[string][]chat.Message
	msgRoom  map[string]string
	chatCfg  chat.Config
	fail     error
}

// New returns an empty Store seeded with cfg as the chat config.
func New(cfg chat.Config) *Store {
	return &Store{
		rooms:    make(map[string]*room.Room),
		byID:     make(map[string]*outboxEntry),
		messages: make(map[string][]chat.Message),
		msgRoom:  make(map[string]string),
		chatCfg:  cfg,
	}
}

// SetFail makes every subsequent call return err until cleared with nil.
// Tests use it to simulate an unreachable store.
func (s *Store) SetFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *Store) appendOutbox(events []protocol.Event) {
	for _, e := range events {
		if _, dup := s.byID[e.ID]; dup {
			continue
		}
		ent := &outboxEntry{event: e}
		s.outbox = append(s.outbox, ent)
		s.byID[e.ID] = ent
	}
}

// CreateRoom implements registry.Store.
func (s *Store) CreateRoom(ctx context.Context, r *room.Room, events []protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if _, ok := s.rooms[r.ID]; ok {
		return registry.ErrRoomExists
	}
	s.rooms[r.ID] = r.Clone()
	s.appendOutbox(events)
	return nil
}

// LoadRoom implements registry.Store.
func (s *Store) LoadRoom(ctx context.Context, id string) (*room.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	r, ok := s.rooms[id]
	if !ok {
		return nil, room.ErrRoomNotFound
	}
	return r.Clone(), nil
}

// SaveRoom implements registry.Store.
func (s *Store) SaveRoom(ctx context.Context, r *room.Room, expectedVersion int64, events []protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	cur, ok := s.rooms[r.ID]
	if !ok {
		return room.ErrRoomNotFound
	}
	if cur.Version != expectedVersion {
		return registry.ErrVersionConflict
	}
	s.rooms[r.ID] = r.Clone()
	s.appendOutbox(events)
	return nil
}

// ListRooms implements registry.Store.
func (s *Store) ListRooms(ctx context.Context, f room.Filter) ([]room.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	out := make([]room.Summary, 0, len(s.rooms))
	for _, r := range s.rooms {
		if r.Status == room.StatusFinished && f.Status != room.StatusFinished {
			continue
		}
		if sum := r.Summary(); f.Matches(sum) {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PendingEvents implements registry.Store.
func (s *Store) PendingEvents(ctx context.Context, olderThan time.Time, limit int) ([]protocol.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []protocol.Event
	for _, ent := range s.outbox {
		if ent.acked || ent.event.OccurredAt.After(olderThan) {
			continue
		}
		out = append(out, ent.event)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// PendingRoomEvents implements registry.Store.
func (s *Store) PendingRoomEvents(ctx context.Context, roomID string) ([]protocol.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	var out []protocol.Event
	for _, ent := range s.outbox {
		if !ent.acked && ent.event.RoomID == roomID {
			out = append(out, ent.event)
		}
	}
	return out, nil
}

// AckEvents implements registry.Store. Acked entries are compacted away.
func (s *Store) AckEvents(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for _, id := range ids {
		if ent, ok := s.byID[id]; ok {
			ent.acked = true
		}
	}
	kept := s.outbox[:0]
	for _, ent := range s.outbox {
		if ent.acked {
			continue
		}
		kept = append(kept, ent)
	}
	s.outbox = kept
	return nil
}

// Unacked returns the number of outbox events awaiting acknowledgement.
func (s *Store) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// AppendMessage implements chat.Store.
func (s *Store) AppendMessage(ctx context.Context, m chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.messages[m.RoomID] = append(s.messages[m.RoomID], m)
	s.msgRoom[m.ID] = m.RoomID
	return nil
}

// SoftDeleteMessage implements chat.Store.
func (s *Store) SoftDeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	roomID, ok := s.msgRoom[id]
	if !ok {
		return chat.ErrMessageNotFound
	}
	msgs := s.messages[roomID]
	for i := range msgs {
		if msgs[i].ID == id {
			msgs[i].Deleted = true
		}
	}
	return nil
}

// History implements chat.Store.
func (s *Store) History(ctx context.Context, roomID string, chatType chat.Type, before time.Time, limit int) ([]chat.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, false, s.fail
	}
	limit = chat.ClampLimit(limit)
	var matched []chat.Message
	for _, m := range s.messages[roomID] {
		if m.Deleted || m.ChatType != chatType {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		matched = append(matched, m)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[len(matched)-limit:]
	}
	return append([]chat.Message(nil), matched...), hasMore, nil
}

// ChatConfig implements chat.ConfigSource.
func (s *Store) ChatConfig(ctx context.Context) (chat.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return chat.Config{}, s.fail
	}
	cfg := s.chatCfg
	cfg.WordList = append([]string(nil), cfg.WordList...)
	return cfg, nil
}

// SaveChatConfig implements chat.ConfigStore.
func (s *Store) SaveChatConfig(ctx context.Context, cfg chat.Config) (chat.Config, error) {
	if err := cfg.Validate(); err != nil {
		return chat.Config{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return chat.Config{}, s.fail
	}
	cfg.Version = s.chatCfg.Version + 1
	s.chatCfg = cfg
	return cfg, nil
}
