package chat

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cory-johannsen/gameroom/internal/game/room"
	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// RateLimitedError reports a message denied by the limiter.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited; retry after %ds", e.RetryAfterSeconds)
}

func (e *RateLimitedError) Unwrap() error { return room.ErrRateLimited }

// Routed is an accepted message with its channel, audience and final content.
type Routed struct {
	ChatType Type
	Audience protocol.Audience
	Content  string
	Filtered bool
}

// Router decides where a chat message goes and whether it may be sent.
type Router struct {
	limiter *Limiter
	filters filterCache
}

// NewRouter creates a Router.
//
// Precondition: limiter must be non-nil.
func NewRouter(limiter *Limiter) *Router {
	return &Router{limiter: limiter}
}

// Limiter returns the router's rate limiter.
func (rt *Router) Limiter() *Limiter { return rt.limiter }

// Route checks and routes content from senderID in r.
//
// Checks run in order: membership, global mute, per-room mute, length, rate
// limit, then the routing rules. Profanity is masked, never rejected.
//
// Precondition: cfg passed Validate.
// Postcondition: Returns a Routed message or a *room.Error of kind policy or
// authorization; a rate-limit denial is a *RateLimitedError.
func (rt *Router) Route(r *room.Room, senderID, content string, cfg Config, now time.Time) (Routed, error) {
	sender, ok := r.Member(senderID)
	if !ok {
		return Routed{}, room.ErrNotMember
	}
	if cfg.GlobalMuteEnabled {
		return Routed{}, room.ErrChatGlobal
	}
	if r.IsMuted(senderID) {
		return Routed{}, room.ErrChatMuted
	}
	if strings.TrimSpace(content) == "" {
		return Routed{}, room.ErrChatEmpty
	}
	if utf8.RuneCountInString(content) > cfg.MaxMessageLength {
		return Routed{}, room.ErrChatTooLong
	}
	if d := rt.limiter.Allow(senderID, r.ID, cfg.RateLimitMessages, cfg.Window(), now); !d.Allowed {
		return Routed{}, &RateLimitedError{RetryAfterSeconds: d.RetryAfterSeconds}
	}

	out, err := resolve(r, sender)
	if err != nil {
		return Routed{}, err
	}
	out.Content = content
	if cfg.ProfanityEnabled {
		out.Content, out.Filtered = rt.filters.get(cfg.WordList).Mask(content)
	}
	return out, nil
}

// resolve applies the routing rules: lobby chat to the whole room while
// waiting, otherwise players to players and spectators to spectators.
func resolve(r *room.Room, sender *room.Member) (Routed, error) {
	if r.Status == room.StatusWaiting {
		if !r.LobbyChatEnabled {
			return Routed{}, room.ErrLobbyDisabled
		}
		return Routed{ChatType: TypeLobby, Audience: protocol.ToRoom(r.ID)}, nil
	}
	switch sender.Role {
	case room.RolePlayer:
		return Routed{ChatType: TypePlayer, Audience: protocol.ToPlayers(r.ID)}, nil
	case room.RoleSpectator, room.RoleAdminSpectator:
		return Routed{ChatType: TypeSpectator, Audience: protocol.ToSpectators(r.ID)}, nil
	default:
		return Routed{}, room.ErrUnknownRole
	}
}

// CanRead reports whether userID may page through chatType history in r.
// Lobby history is open to every member; player and spectator history only
// to members of that side.
func CanRead(r *room.Room, userID string, chatType Type) error {
	m, ok := r.Member(userID)
	if !ok {
		return room.ErrNotMember
	}
	switch chatType {
	case TypeLobby:
		return nil
	case TypePlayer:
		if m.Role == room.RolePlayer {
			return nil
		}
	case TypeSpectator:
		if m.IsSpectating() {
			return nil
		}
	default:
		return room.ErrInvalidChatType
	}
	return room.ErrForbiddenChat
}
