package chat

import (
	"context"
	"errors"
	"time"

	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// Type is the channel a message was sent on.
type Type string

const (
	TypeLobby     Type = "lobby"
	TypePlayer    Type = "player"
	TypeSpectator Type = "spectator"
)

// ParseType validates a client-supplied chat type.
func ParseType(s string) (Type, bool) {
	switch t := Type(s); t {
	case TypeLobby, TypePlayer, TypeSpectator:
		return t, true
	}
	return "", false
}

// History page bounds.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// ErrMessageNotFound is returned when soft-deleting an unknown message.
var ErrMessageNotFound = errors.New("chat: message not found")

// Message is a persisted chat line. Messages are append-only; only the
// Deleted flag may change after creation.
type Message struct {
	ID             string
	RoomID         string
	SenderID       string
	SenderUsername string
	ChatType       Type
	Content        string
	CreatedAt      time.Time
	Filtered       bool
	Deleted        bool
}

// View projects a message for clients.
func (m Message) View() protocol.ChatMessageView {
	return protocol.ChatMessageView{
		ID:             m.ID,
		RoomID:         m.RoomID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		ChatType:       string(m.ChatType),
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		Filtered:       m.Filtered,
	}
}

// Store persists chat messages.
type Store interface {
	AppendMessage(ctx context.Context, m Message) error
	// SoftDeleteMessage hides a message from history.
	SoftDeleteMessage(ctx context.Context, id string) error
	// History returns up to limit non-deleted messages of chatType created
	// strictly before before (zero means now), oldest first, and whether older
	// messages remain.
	History(ctx context.Context, roomID string, chatType Type, before time.Time, limit int) ([]Message, bool, error)
}

// ClampLimit applies the history page bounds.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}
