package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names an Event on the wire.
type EventType string

const (
	EvtRoomCreated              EventType = "room_created"
	EvtRoomState                EventType = "room_state"
	EvtMemberJoined             EventType = "member_joined"
	EvtMemberLeft               EventType = "member_left"
	EvtHostChanged              EventType = "host_changed"
	EvtPlayerSelected           EventType = "player_selected"
	EvtPlayerReady              EventType = "player_ready"
	EvtGameStarted              EventType = "game_started"
	EvtUnselectedRemoved        EventType = "unselected_removed"
	EvtLobbyChatDisabled        EventType = "lobby_chat_disabled"
	EvtChatMessage              EventType = "chat_message"
	EvtChatHistory              EventType = "chat_history"
	EvtChatRateLimited          EventType = "chat_rate_limited"
	EvtChatRejected             EventType = "chat_rejected"
	EvtUserMuted                EventType = "user_muted"
	EvtUserUnmuted              EventType = "user_unmuted"
	EvtPlayerDeselected         EventType = "player_deselected"
	EvtAdminSpectatorDesignated EventType = "admin_spectator_designated"
	EvtSpectatorKicked          EventType = "spectator_kicked"
	EvtSpectatorBanned          EventType = "spectator_banned"
	EvtPlayerDisconnected       EventType = "player_disconnected"
	EvtPlayerReconnected        EventType = "player_reconnected"
	EvtRejoinResult             EventType = "rejoin_result"
	EvtGameStateUpdated         EventType = "game_state_updated"
	EvtGameEnded                EventType = "game_ended"
	EvtCommandRejected          EventType = "command_rejected"
)

// Reasons carried by PlayerDeselected, MemberLeft and RejoinResult.
const (
	ReasonDeselected        = "deselected"
	ReasonDisconnectTimeout = "disconnect_timeout"
	ReasonLeft              = "left"
	ReasonBanned            = "banned"
	ReasonRoomFinished      = "room_finished"
	ReasonCapacityExceeded  = "capacity_exceeded"
	ReasonNotMember         = "not_member"
	ReasonAdminReplaced     = "admin_replaced"
	ReasonForfeit           = "forfeit"
)

// AudienceKind is the addressing scope of an Event.
type AudienceKind string

const (
	AudienceUser       AudienceKind = "user"
	AudienceRoom       AudienceKind = "room"
	AudiencePlayers    AudienceKind = "players"
	AudienceSpectators AudienceKind = "spectators"
)

// Audience addresses an Event to one user, a whole room, or one side of a room.
type Audience struct {
	Kind   AudienceKind `json:"kind"`
	RoomID string       `json:"roomId"`
	UserID string       `json:"userId,omitempty"`
}

// ToUser addresses a single user.
func ToUser(roomID, userID string) Audience {
	return Audience{Kind: AudienceUser, RoomID: roomID, UserID: userID}
}

// ToRoom addresses every socket subscribed to the room.
func ToRoom(roomID string) Audience { return Audience{Kind: AudienceRoom, RoomID: roomID} }

// ToPlayers addresses the room's players only.
func ToPlayers(roomID string) Audience { return Audience{Kind: AudiencePlayers, RoomID: roomID} }

// ToSpectators addresses the room's spectators (including the admin spectator) only.
func ToSpectators(roomID string) Audience {
	return Audience{Kind: AudienceSpectators, RoomID: roomID}
}

// Payload is the closed sum of event bodies.
type Payload interface {
	EventType() EventType
}

// Event is a single notification emitted by the coordinator.
//
// Recipients lists the user ids resolved for Players and Spectators audiences
// at emission time; it is empty for User and Room audiences.
type Event struct {
	ID            string
	RoomID        string
	Audience      Audience
	Recipients    []string
	CorrelationID string
	OccurredAt    time.Time
	Payload       Payload
}

// Type returns the payload's event type.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// NewEvent builds an Event with a fresh id.
func NewEvent(aud Audience, p Payload) Event {
	return Event{
		ID:       uuid.NewString(),
		RoomID:   aud.RoomID,
		Audience: aud,
		Payload:  p,
	}
}

// MemberView is the public projection of a room member.
type MemberView struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	AvatarID  string    `json:"avatarId,omitempty"`
	Role      string    `json:"role"`
	Ready     bool      `json:"ready"`
	Connected bool      `json:"connected"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// RoomView is the public projection of a room.
type RoomView struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	GameType         string       `json:"gameType"`
	Status           string       `json:"status"`
	HostID           string       `json:"hostId"`
	PlayerCapacity   int          `json:"playerCapacity"`
	AllowSpectators  bool         `json:"allowSpectators"`
	MaxSpectators    int          `json:"maxSpectators"`
	LobbyChatEnabled bool         `json:"lobbyChatEnabled"`
	AdminSpectatorID string       `json:"adminSpectatorId,omitempty"`
	HasPassword      bool         `json:"hasPassword"`
	WinnerID         string       `json:"winnerId,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	StartedAt        *time.Time   `json:"startedAt,omitempty"`
	FinishedAt       *time.Time   `json:"finishedAt,omitempty"`
	Members          []MemberView `json:"members"`
}

// ChatMessageView is the public projection of a chat message.
type ChatMessageView struct {
	ID             string    `json:"id"`
	RoomID         string    `json:"roomId"`
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	ChatType       string    `json:"chatType"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	Filtered       bool      `json:"filtered"`
}

type RoomCreated struct {
	Room RoomView `json:"room"`
}

// RoomState delivers a full snapshot to one user after joining or rejoining.
type RoomState struct {
	Room RoomView `json:"room"`
}

type MemberJoined struct {
	Member MemberView `json:"member"`
}

type MemberLeft struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type HostChanged struct {
	UserID string `json:"userId"`
}

type PlayerSelected struct {
	UserID string `json:"userId"`
}

type PlayerReady struct {
	UserID string `json:"userId"`
	Ready  bool   `json:"ready"`
}

type GameStarted struct {
	Players []string        `json:"players"`
	State   json.RawMessage `json:"state,omitempty"`
}

type UnselectedRemoved struct {
	RemovedUserIDs []string `json:"removedUserIds"`
}

type LobbyChatDisabled struct{}

type ChatMessage struct {
	Message ChatMessageView `json:"message"`
}

type ChatHistory struct {
	ChatType string            `json:"chatType"`
	Messages []ChatMessageView `json:"messages"`
	HasMore  bool              `json:"hasMore"`
}

type ChatRateLimited struct {
	RetryAfterSeconds int `json:"retryAfterSeconds"`
}

type ChatRejected struct {
	Reason string `json:"reason"`
}

type UserMuted struct {
	UserID string `json:"userId"`
}

type UserUnmuted struct {
	UserID string `json:"userId"`
}

type PlayerDeselected struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type AdminSpectatorDesignated struct {
	UserID string `json:"userId"`
}

type SpectatorKicked struct {
	UserID string `json:"userId"`
}

type SpectatorBanned struct {
	UserID string `json:"userId"`
}

type PlayerDisconnected struct {
	UserID    string     `json:"userId"`
	TimeoutAt *time.Time `json:"timeoutAt,omitempty"`
}

type PlayerReconnected struct {
	UserID string `json:"userId"`
}

type RejoinResult struct {
	Rejoin bool   `json:"rejoin"`
	Role   string `json:"role,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type GameStateUpdated struct {
	State json.RawMessage `json:"state"`
}

type GameEnded struct {
	WinnerID string `json:"winnerId"`
}

// CommandRejected tells the sender why a command had no effect.
type CommandRejected struct {
	CommandID string `json:"commandId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (RoomCreated) EventType() EventType              { return EvtRoomCreated }
func (RoomState) EventType() EventType                { return EvtRoomState }
func (MemberJoined) EventType() EventType             { return EvtMemberJoined }
func (MemberLeft) EventType() EventType               { return EvtMemberLeft }
func (HostChanged) EventType() EventType              { return EvtHostChanged }
func (PlayerSelected) EventType() EventType           { return EvtPlayerSelected }
func (PlayerReady) EventType() EventType              { return EvtPlayerReady }
func (GameStarted) EventType() EventType              { return EvtGameStarted }
func (UnselectedRemoved) EventType() EventType        { return EvtUnselectedRemoved }
func (LobbyChatDisabled) EventType() EventType        { return EvtLobbyChatDisabled }
func (ChatMessage) EventType() EventType              { return EvtChatMessage }
func (ChatHistory) EventType() EventType              { return EvtChatHistory }
func (ChatRateLimited) EventType() EventType          { return EvtChatRateLimited }
func (ChatRejected) EventType() EventType             { return EvtChatRejected }
func (UserMuted) EventType() EventType                { return EvtUserMuted }
func (UserUnmuted) EventType() EventType              { return EvtUserUnmuted }
func (PlayerDeselected) EventType() EventType         { return EvtPlayerDeselected }
func (AdminSpectatorDesignated) EventType() EventType { return EvtAdminSpectatorDesignated }
func (SpectatorKicked) EventType() EventType          { return EvtSpectatorKicked }
func (SpectatorBanned) EventType() EventType          { return EvtSpectatorBanned }
func (PlayerDisconnected) EventType() EventType       { return EvtPlayerDisconnected }
func (PlayerReconnected) EventType() EventType        { return EvtPlayerReconnected }
func (RejoinResult) EventType() EventType             { return EvtRejoinResult }
func (GameStateUpdated) EventType() EventType         { return EvtGameStateUpdated }
func (GameEnded) EventType() EventType                { return EvtGameEnded }
func (CommandRejected) EventType() EventType          { return EvtCommandRejected }
