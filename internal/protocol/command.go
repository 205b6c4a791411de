// Package protocol defines the closed set of Commands clients send to the
// coordinator and the Events it emits back, together with their JSON frame
// encoding. It has no dependency on any other package in this module.
package protocol

import (
	"encoding/json"
	"time"
)

// CommandType names a Command on the wire.
type CommandType string

const (
	CmdCreateRoom              CommandType = "create_room"
	CmdJoinRoom                CommandType = "join_room"
	CmdLeaveRoom               CommandType = "leave_room"
	CmdReady                   CommandType = "ready"
	CmdSelectPlayer            CommandType = "select_player"
	CmdSendChat                CommandType = "send_chat"
	CmdGetChatHistory          CommandType = "get_chat_history"
	CmdMuteUser                CommandType = "mute_user"
	CmdUnmuteUser              CommandType = "unmute_user"
	CmdDeselectPlayer          CommandType = "deselect_player"
	CmdDesignateAdminSpectator CommandType = "designate_admin_spectator"
	CmdKickSpectator           CommandType = "kick_spectator"
	CmdBanSpectator            CommandType = "ban_spectator"
	CmdConnectionStatus        CommandType = "connection_status"
	CmdGameAction              CommandType = "game_action"

	// CmdDisconnectTimeout is raised internally by the presence sweeper and is
	// never accepted from a client frame.
	CmdDisconnectTimeout CommandType = "disconnect_timeout"
)

// Header carries the fields common to every Command.
type Header struct {
	// ID is the client-chosen correlation id echoed on replies.
	ID string `json:"id"`
	// UserID is the authenticated sender; the gateway overwrites any client value.
	UserID string `json:"userId"`
	// Username is the sender's display name as known to the gateway.
	Username string `json:"username,omitempty"`
	// RoomID is the target room. Empty only for CreateRoom.
	RoomID string `json:"roomId"`
}

// Meta returns the header for reading or stamping.
func (h *Header) Meta() *Header { return h }

// Command is the closed sum of all coordinator commands.
type Command interface {
	Meta() *Header
	Type() CommandType
	command()
}

// CreateRoom opens a new room with the sender as host.
type CreateRoom struct {
	Header
	Name             string `json:"name"`
	GameType         string `json:"gameType"`
	PlayerCapacity   int    `json:"playerCapacity"`
	AllowSpectators  bool   `json:"allowSpectators"`
	MaxSpectators    int    `json:"maxSpectators,omitempty"`
	LobbyChatEnabled *bool  `json:"lobbyChatEnabled,omitempty"`
	Password         string `json:"password,omitempty"`
}

// JoinRoom enters a room as a lobby member, or as a spectator when AsSpectator is set.
type JoinRoom struct {
	Header
	AsSpectator bool   `json:"asSpectator,omitempty"`
	Password    string `json:"password,omitempty"`
}

// LeaveRoom removes the sender from the room.
type LeaveRoom struct {
	Header
}

// Ready toggles the sender's ready flag; a lobby member readying claims a free seat.
type Ready struct {
	Header
}

// SelectPlayer promotes a lobby member to player.
type SelectPlayer struct {
	Header
	TargetUserID string `json:"targetUserId"`
}

// SendChat posts a chat message into the audience implied by room status and sender role.
type SendChat struct {
	Header
	Content string `json:"content"`
}

// GetChatHistory pages backwards through persisted chat.
type GetChatHistory struct {
	Header
	ChatType string     `json:"chatType"`
	Before   *time.Time `json:"before,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// MuteUser silences a member's chat in the room.
type MuteUser struct {
	Header
	TargetUserID string `json:"targetUserId"`
}

// UnmuteUser lifts a mute.
type UnmuteUser struct {
	Header
	TargetUserID string `json:"targetUserId"`
}

// DeselectPlayer moves a player back to the lobby.
type DeselectPlayer struct {
	Header
	TargetUserID string `json:"targetUserId"`
}

// DesignateAdminSpectator grants the admin spectator seat.
type DesignateAdminSpectator struct {
	Header
	TargetUserID string `json:"targetUserId"`
}

// KickSpectator removes a spectator.
type KickSpectator struct {
	Header
	TargetUserID string `json:"targetUserId"`
}

// BanSpectator removes a spectator and bars them from rejoining.
type BanSpectator struct {
	Header
	TargetUserID string `json:"targetUserId"`
}

// ConnectionStatus reports the sender's transport connecting or dropping.
type ConnectionStatus struct {
	Header
	Connected bool `json:"connected"`
}

// GameAction forwards an opaque move to the room's rules module.
type GameAction struct {
	Header
	Action json.RawMessage `json:"action"`
}

// DisconnectTimeout asks the room to expire a disconnected member whose
// grace period has elapsed. Header.UserID is the expired member.
type DisconnectTimeout struct {
	Header
	Deadline time.Time `json:"deadline"`
}

func (*CreateRoom) Type() CommandType              { return CmdCreateRoom }
func (*JoinRoom) Type() CommandType                { return CmdJoinRoom }
func (*LeaveRoom) Type() CommandType               { return CmdLeaveRoom }
func (*Ready) Type() CommandType                   { return CmdReady }
func (*SelectPlayer) Type() CommandType            { return CmdSelectPlayer }
func (*SendChat) Type() CommandType                { return CmdSendChat }
func (*GetChatHistory) Type() CommandType          { return CmdGetChatHistory }
func (*MuteUser) Type() CommandType                { return CmdMuteUser }
func (*UnmuteUser) Type() CommandType              { return CmdUnmuteUser }
func (*DeselectPlayer) Type() CommandType          { return CmdDeselectPlayer }
func (*DesignateAdminSpectator) Type() CommandType { return CmdDesignateAdminSpectator }
func (*KickSpectator) Type() CommandType           { return CmdKickSpectator }
func (*BanSpectator) Type() CommandType            { return CmdBanSpectator }
func (*ConnectionStatus) Type() CommandType        { return CmdConnectionStatus }
func (*GameAction) Type() CommandType              { return CmdGameAction }
func (*DisconnectTimeout) Type() CommandType       { return CmdDisconnectTimeout }

func (*CreateRoom) command()              {}
func (*JoinRoom) command()                {}
func (*LeaveRoom) command()               {}
func (*Ready) command()                   {}
func (*SelectPlayer) command()            {}
func (*SendChat) command()                {}
func (*GetChatHistory) command()          {}
func (*MuteUser) command()                {}
func (*UnmuteUser) command()              {}
func (*DeselectPlayer) command()          {}
func (*DesignateAdminSpectator) command() {}
func (*KickSpectator) command()           {}
func (*BanSpectator) command()            {}
func (*ConnectionStatus) command()        {}
func (*GameAction) command()              {}
func (*DisconnectTimeout) command()       {}
