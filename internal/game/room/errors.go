package room

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the pipeline's rejection and retry policy.
type Kind int

const (
	// KindInfrastructure errors are retryable store or log failures.
	KindInfrastructure Kind = iota
	// KindValidation errors are rejected synchronously before taking the room lock.
	KindValidation
	// KindAuthorization errors are rejected with a user-directed event.
	KindAuthorization
	// KindConflict errors cover capacity, lifecycle and ban conflicts.
	KindConflict
	// KindPolicy errors cover chat rate and moderation rejections.
	KindPolicy
	// KindNotFound is returned for references to rooms that do not exist.
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindPolicy:
		return "policy"
	case KindNotFound:
		return "not_found"
	default:
		return "infrastructure"
	}
}

// Error is a domain rejection with a stable wire code.
type Error struct {
	Code string
	Kind Kind
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Code: code, Kind: kind, msg: msg}
}

var (
	ErrRoomNotFound          = newError(KindNotFound, "room_not_found", "room not found")
	ErrInvalidCapacity       = newError(KindValidation, "invalid_capacity", "player capacity must be between 2 and 10")
	ErrInvalidSpectatorLimit = newError(KindValidation, "invalid_spectator_limit", "max spectators must be between 0 and 10")
	ErrEmptyName             = newError(KindValidation, "empty_name", "room name must not be empty")
	ErrNameTooLong           = newError(KindValidation, "name_too_long", "room name is too long")
	ErrUnknownGameType       = newError(KindValidation, "unknown_game_type", "unknown game type")
	ErrMissingTarget         = newError(KindValidation, "missing_target", "target user id is required")
	ErrMissingRoom           = newError(KindValidation, "missing_room", "room id is required")
	ErrInvalidChatType       = newError(KindValidation, "invalid_chat_type", "unknown chat type")

	ErrNotMember     = newError(KindAuthorization, "not_member", "user is not a member of the room")
	ErrNotAdmin      = newError(KindAuthorization, "not_admin", "only the host or admin spectator may do that")
	ErrNotHost       = newError(KindAuthorization, "not_host", "only the host may do that")
	ErrWrongPassword = newError(KindAuthorization, "wrong_password", "room password does not match")
	ErrNotPlayer     = newError(KindAuthorization, "not_player", "user is not a player")
	ErrForbiddenChat = newError(KindAuthorization, "forbidden_chat", "cannot read that chat channel")

	ErrRoomFull             = newError(KindConflict, "room_full", "no free player seats")
	ErrSpectatorsFull       = newError(KindConflict, "spectators_full", "spectator limit reached")
	ErrSpectatorsNotAllowed = newError(KindConflict, "spectators_not_allowed", "room does not allow spectators")
	ErrBanned               = newError(KindConflict, "banned", "user is banned from the room")
	ErrAlreadyBanned        = newError(KindConflict, "already_banned", "user is already banned")
	ErrGameInProgress       = newError(KindConflict, "game_in_progress", "game already in progress")
	ErrGameNotInProgress    = newError(KindConflict, "game_not_in_progress", "game is not in progress")
	ErrRoomFinished         = newError(KindConflict, "room_finished", "room is finished")
	ErrNotSpectator         = newError(KindConflict, "not_spectator", "target is not a spectator")
	ErrNotLobbyMember       = newError(KindConflict, "not_lobby_member", "target is not in the lobby")
	ErrAdminIsPlayer        = newError(KindConflict, "admin_is_player", "the host is a player and cannot appoint an admin spectator")
	ErrTargetIsPlayer       = newError(KindConflict, "target_is_player", "a player cannot be the admin spectator")
	ErrAlreadyMuted         = newError(KindConflict, "already_muted", "user is already muted")
	ErrNotMuted             = newError(KindConflict, "not_muted", "user is not muted")
	ErrSelfTarget           = newError(KindConflict, "self_target", "cannot target yourself")

	ErrChatMuted     = newError(KindPolicy, "muted", "muted")
	ErrChatGlobal    = newError(KindPolicy, "global_mute", "chat is globally muted")
	ErrChatTooLong   = newError(KindPolicy, "message_too_long", "message too long")
	ErrChatEmpty     = newError(KindPolicy, "empty_message", "message is empty")
	ErrLobbyDisabled = newError(KindPolicy, "lobby_chat_disabled", "lobby chat disabled")
	ErrUnknownRole   = newError(KindPolicy, "unknown_role", "unknown role")
	ErrRateLimited   = newError(KindPolicy, "rate_limited", "rate limited")
)

// KindOf classifies err. Errors that are not *Error classify as infrastructure.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInfrastructure
}

// CodeOf returns the wire code for err, or "internal" for unclassified errors.
func CodeOf(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return "internal"
}

// RulesError wraps a failure reported by a rules module. It is a conflict so
// that a rejected move reaches the sender instead of being retried.
func RulesError(err error) error {
	return fmt.Errorf("%w: %w", errRulesRejected, err)
}

var errRulesRejected = newError(KindConflict, "rules_rejected", "rules module rejected the action")
