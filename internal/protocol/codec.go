package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownCommand is returned when a frame names a command type outside the closed set.
var ErrUnknownCommand = errors.New("protocol: unknown command type")

// ErrUnknownEvent is returned when a stored or received event names an unknown type.
var ErrUnknownEvent = errors.New("protocol: unknown event type")

// ErrMalformedFrame is returned when a frame cannot be parsed.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Frame is the JSON envelope exchanged with clients in both directions.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var commandFactories = map[CommandType]func() Command{
	CmdCreateRoom:              func() Command { return &CreateRoom{} },
	CmdJoinRoom:                func() Command { return &JoinRoom{} },
	CmdLeaveRoom:               func() Command { return &LeaveRoom{} },
	CmdReady:                   func() Command { return &Ready{} },
	CmdSelectPlayer:            func() Command { return &SelectPlayer{} },
	CmdSendChat:                func() Command { return &SendChat{} },
	CmdGetChatHistory:          func() Command { return &GetChatHistory{} },
	CmdMuteUser:                func() Command { return &MuteUser{} },
	CmdUnmuteUser:              func() Command { return &UnmuteUser{} },
	CmdDeselectPlayer:          func() Command { return &DeselectPlayer{} },
	CmdDesignateAdminSpectator: func() Command { return &DesignateAdminSpectator{} },
	CmdKickSpectator:           func() Command { return &KickSpectator{} },
	CmdBanSpectator:            func() Command { return &BanSpectator{} },
	CmdConnectionStatus:        func() Command { return &ConnectionStatus{} },
	CmdGameAction:              func() Command { return &GameAction{} },
}

var eventFactories = map[EventType]func() Payload{
	EvtRoomCreated:              func() Payload { return &RoomCreated{} },
	EvtRoomState:                func() Payload { return &RoomState{} },
	EvtMemberJoined:             func() Payload { return &MemberJoined{} },
	EvtMemberLeft:               func() Payload { return &MemberLeft{} },
	EvtHostChanged:              func() Payload { return &HostChanged{} },
	EvtPlayerSelected:           func() Payload { return &PlayerSelected{} },
	EvtPlayerReady:              func() Payload { return &PlayerReady{} },
	EvtGameStarted:              func() Payload { return &GameStarted{} },
	EvtUnselectedRemoved:        func() Payload { return &UnselectedRemoved{} },
	EvtLobbyChatDisabled:        func() Payload { return &LobbyChatDisabled{} },
	EvtChatMessage:              func() Payload { return &ChatMessage{} },
	EvtChatHistory:              func() Payload { return &ChatHistory{} },
	EvtChatRateLimited:          func() Payload { return &ChatRateLimited{} },
	EvtChatRejected:             func() Payload { return &ChatRejected{} },
	EvtUserMuted:                func() Payload { return &UserMuted{} },
	EvtUserUnmuted:              func() Payload { return &UserUnmuted{} },
	EvtPlayerDeselected:         func() Payload { return &PlayerDeselected{} },
	EvtAdminSpectatorDesignated: func() Payload { return &AdminSpectatorDesignated{} },
	EvtSpectatorKicked:          func() Payload { return &SpectatorKicked{} },
	EvtSpectatorBanned:          func() Payload { return &SpectatorBanned{} },
	EvtPlayerDisconnected:       func() Payload { return &PlayerDisconnected{} },
	EvtPlayerReconnected:        func() Payload { return &PlayerReconnected{} },
	EvtRejoinResult:             func() Payload { return &RejoinResult{} },
	EvtGameStateUpdated:         func() Payload { return &GameStateUpdated{} },
	EvtGameEnded:                func() Payload { return &GameEnded{} },
	EvtCommandRejected:          func() Payload { return &CommandRejected{} },
}

// DecodeCommand parses a client frame into a Command.
//
// Precondition: data is a JSON-encoded Frame.
// Postcondition: Returns a Command whose Header.ID and Header.RoomID come from the
// frame envelope; Header.UserID is left empty for the caller to stamp.
// Internal command types are rejected with ErrUnknownCommand.
func DecodeCommand(data []byte) (Command, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return FrameCommand(f)
}

// FrameCommand converts an already-parsed Frame into a Command.
func FrameCommand(f Frame) (Command, error) {
	factory, ok := commandFactories[CommandType(f.Type)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f.Type)
	}
	cmd := factory()
	if len(f.Payload) > 0 && string(f.Payload) != "null" {
		if err := json.Unmarshal(f.Payload, cmd); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
		}
	}
	h := cmd.Meta()
	h.ID = f.ID
	if f.RoomID != "" {
		h.RoomID = f.RoomID
	}
	h.UserID = ""
	h.Username = ""
	return cmd, nil
}

// EncodeEventFrame renders an Event as the client-facing Frame.
func EncodeEventFrame(e Event) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownEvent)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", e.Type(), err)
	}
	return json.Marshal(Frame{
		Type:    string(e.Type()),
		ID:      e.ID,
		RoomID:  e.RoomID,
		Payload: body,
	})
}

type wireEvent struct {
	ID            string          `json:"id"`
	RoomID        string          `json:"roomId"`
	Type          EventType       `json:"type"`
	Audience      Audience        `json:"audience"`
	Recipients    []string        `json:"recipients,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the Event with its payload discriminated by type, the
// form used by the outbox and the event log.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrUnknownEvent)
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{
		ID:            e.ID,
		RoomID:        e.RoomID,
		Type:          e.Type(),
		Audience:      e.Audience,
		Recipients:    e.Recipients,
		CorrelationID: e.CorrelationID,
		OccurredAt:    e.OccurredAt,
		Payload:       body,
	})
}

// UnmarshalJSON decodes an Event written by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	factory, ok := eventFactories[w.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
	}
	p := factory()
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, p); err != nil {
			return fmt.Errorf("decoding %s payload: %w", w.Type, err)
		}
	}
	*e = Event{
		ID:            w.ID,
		RoomID:        w.RoomID,
		Audience:      w.Audience,
		Recipients:    w.Recipients,
		CorrelationID: w.CorrelationID,
		OccurredAt:    w.OccurredAt,
		Payload:       deref(p),
	}
	return nil
}

// deref turns the pointer produced by a factory back into the value type the
// emitters use, so decoded events compare equal to emitted ones.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *RoomCreated:
		return *v
	case *RoomState:
		return *v
	case *MemberJoined:
		return *v
	case *MemberLeft:
		return *v
	case *HostChanged:
		return *v
	case *PlayerSelected:
		return *v
	case *PlayerReady:
		return *v
	case *GameStarted:
		return *v
	case *UnselectedRemoved:
		return *v
	case *LobbyChatDisabled:
		return *v
	case *ChatMessage:
		return *v
	case *ChatHistory:
		return *v
	case *ChatRateLimited:
		return *v
	case *ChatRejected:
		return *v
	case *UserMuted:
		return *v
	case *UserUnmuted:
		return *v
	case *PlayerDeselected:
		return *v
	case *AdminSpectatorDesignated:
		return *v
	case *SpectatorKicked:
		return *v
	case *SpectatorBanned:
		return *v
	case *PlayerDisconnected:
		return *v
	case *PlayerReconnected:
		return *v
	case *RejoinResult:
		return *v
	case *GameStateUpdated:
		return *v
	case *GameEnded:
		return *v
	case *CommandRejected:
		return *v
	}
	return p
}
