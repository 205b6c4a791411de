// Package room holds the room and member model and the pure transitions that
// advance a room through its lifecycle. Nothing in this package performs I/O;
// callers serialize access per room and persist the results.
package room

import (
	"sort"
	"time"

	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// Status is the room lifecycle stage. Transitions are monotonic.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusFinished   Status = "finished"
)

func (s Status) rank() int {
	switch s {
	case StatusInProgress:
		return 1
	case StatusFinished:
		return 2
	default:
		return 0
	}
}

// CanAdvance reports whether a room may move from one status to another.
// Statuses never move backwards.
func CanAdvance(from, to Status) bool { return to.rank() >= from.rank() }

// Role is a member's seat in the room.
type Role string

const (
	RolePlayer         Role = "player"
	RoleSpectator      Role = "spectator"
	RoleLobbyMember    Role = "lobby_member"
	RoleAdminSpectator Role = "admin_spectator"
)

// Connection is a member's transport state.
type Connection string

const (
	Connected    Connection = "connected"
	Disconnected Connection = "disconnected"
)

// Capacity bounds.
const (
	MinPlayerCapacity    = 2
	MaxPlayerCapacity    = 10
	MaxSpectatorLimit    = 10
	DefaultMaxSpectators = 10
	MaxNameLength        = 64
)

// Member is one user's record in a room.
type Member struct {
	UserID             string
	Username           string
	AvatarID           string
	Role               Role
	Ready              bool
	Connection         Connection
	JoinedAt           time.Time
	LastSeenAt         time.Time
	DisconnectDeadline *time.Time
}

// IsSpectating reports whether the member watches rather than plays.
func (m *Member) IsSpectating() bool {
	return m.Role == RoleSpectator || m.Role == RoleAdminSpectator
}

// Room is the authoritative state of one game session.
type Room struct {
	ID               string
	Name             string
	GameType         string
	Status           Status
	HostID           string
	PlayerCapacity   int
	AllowSpectators  bool
	MaxSpectators    int
	LobbyChatEnabled bool
	AdminSpectatorID string
	BannedUserIDs    map[string]struct{}
	MutedUserIDs     map[string]struct{}
	PasswordHash     string
	// CreationKey identifies the CreateRoom command that produced the room.
	CreationKey string
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	WinnerID    string
	GameState   []byte
	Members     map[string]*Member
	// Version increments on every persisted mutation.
	Version int64
}

// Clone returns a deep copy so transitions never mutate the caller's room.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.BannedUserIDs = cloneSet(r.BannedUserIDs)
	c.MutedUserIDs = cloneSet(r.MutedUserIDs)
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	if r.GameState != nil {
		c.GameState = append([]byte(nil), r.GameState...)
	}
	c.Members = make(map[string]*Member, len(r.Members))
	for id, m := range r.Members {
		mc := *m
		mc.DisconnectDeadline = cloneTime(m.DisconnectDeadline)
		c.Members[id] = &mc
	}
	return &c
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// IsBanned reports whether userID is in the ban set.
func (r *Room) IsBanned(userID string) bool {
	_, ok := r.BannedUserIDs[userID]
	return ok
}

// IsMuted reports whether userID is muted in this room.
func (r *Room) IsMuted(userID string) bool {
	_, ok := r.MutedUserIDs[userID]
	return ok
}

// Member returns the member record for userID, if any.
func (r *Room) Member(userID string) (*Member, bool) {
	m, ok := r.Members[userID]
	return m, ok
}

// membersByRole returns members with one of roles ordered by join time, then user id.
func (r *Room) membersByRole(roles ...Role) []*Member {
	out := make([]*Member, 0, len(r.Members))
	for _, m := range r.Members {
		for _, role := range roles {
			if m.Role == role {
				out = append(out, m)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Players returns the room's players in join order.
func (r *Room) Players() []*Member { return r.membersByRole(RolePlayer) }

// Spectators returns plain spectators in join order. The admin spectator is
// excluded and does not count against MaxSpectators.
func (r *Room) Spectators() []*Member { return r.membersByRole(RoleSpectator) }

// LobbyMembers returns members awaiting a seat in join order.
func (r *Room) LobbyMembers() []*Member { return r.membersByRole(RoleLobbyMember) }

// OrderedMembers returns every member in join order.
func (r *Room) OrderedMembers() []*Member {
	return r.membersByRole(RolePlayer, RoleSpectator, RoleLobbyMember, RoleAdminSpectator)
}

// IsAdmin reports whether userID may moderate: the host or the admin spectator.
func (r *Room) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	return userID == r.HostID || userID == r.AdminSpectatorID
}

// Recipients resolves the user ids an audience addresses in this room.
func (r *Room) Recipients(aud protocol.Audience) []string {
	var ms []*Member
	switch aud.Kind {
	case protocol.AudienceUser:
		return []string{aud.UserID}
	case protocol.AudiencePlayers:
		ms = r.Players()
	case protocol.AudienceSpectators:
		ms = r.membersByRole(RoleSpectator, RoleAdminSpectator)
	default:
		ms = r.OrderedMembers()
	}
	ids := make([]string, len(ms))
	for i, m := range ms {
		ids[i] = m.UserID
	}
	return ids
}

// Snapshot projects the room for clients. The password hash is never exposed.
func (r *Room) Snapshot() protocol.RoomView {
	v := protocol.RoomView{
		ID:               r.ID,
		Name:             r.Name,
		GameType:         r.GameType,
		Status:           string(r.Status),
		HostID:           r.HostID,
		PlayerCapacity:   r.PlayerCapacity,
		AllowSpectators:  r.AllowSpectators,
		MaxSpectators:    r.MaxSpectators,
		LobbyChatEnabled: r.LobbyChatEnabled,
		AdminSpectatorID: r.AdminSpectatorID,
		HasPassword:      r.PasswordHash != "",
		WinnerID:         r.WinnerID,
		CreatedAt:        r.CreatedAt,
		StartedAt:        cloneTime(r.StartedAt),
		FinishedAt:       cloneTime(r.FinishedAt),
	}
	for _, m := range r.OrderedMembers() {
		v.Members = append(v.Members, m.View())
	}
	return v
}

// View projects a member for clients.
func (m *Member) View() protocol.MemberView {
	return protocol.MemberView{
		UserID:    m.UserID,
		Username:  m.Username,
		AvatarID:  m.AvatarID,
		Role:      string(m.Role),
		Ready:     m.Ready,
		Connected: m.Connection == Connected,
		JoinedAt:  m.JoinedAt,
	}
}

// Summary is the lightweight listing form of a room.
type Summary struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	GameType        string    `json:"gameType"`
	Status          Status    `json:"status"`
	HostID          string    `json:"hostId"`
	Players         int       `json:"players"`
	PlayerCapacity  int       `json:"playerCapacity"`
	Spectators      int       `json:"spectators"`
	MaxSpectators   int       `json:"maxSpectators"`
	AllowSpectators bool      `json:"allowSpectators"`
	HasPassword     bool      `json:"hasPassword"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Summary returns the room's listing form.
func (r *Room) Summary() Summary {
	return Summary{
		ID:              r.ID,
		Name:            r.Name,
		GameType:        r.GameType,
		Status:          r.Status,
		HostID:          r.HostID,
		Players:         len(r.Players()),
		PlayerCapacity:  r.PlayerCapacity,
		Spectators:      len(r.Spectators()),
		MaxSpectators:   r.MaxSpectators,
		AllowSpectators: r.AllowSpectators,
		HasPassword:     r.PasswordHash != "",
		CreatedAt:       r.CreatedAt,
	}
}

// Filter selects rooms for listing. Zero values match everything.
type Filter struct {
	Status   Status
	GameType string
	Limit    int
}

// Matches reports whether s satisfies f.
func (f Filter) Matches(s Summary) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.GameType != "" && s.GameType != f.GameType {
		return false
	}
	return true
}

// CheckInvariants returns an error describing the first violated room
// invariant, or nil. Tests and the registry use it as a guard.
func (r *Room) CheckInvariants() error {
	if n := len(r.Players()); n > r.PlayerCapacity {
		return &invariantError{"players exceed capacity"}
	}
	if n := len(r.Spectators()); n > r.MaxSpectators {
		return &invariantError{"spectators exceed limit"}
	}
	admins := 0
	for id, m := range r.Members {
		if id != m.UserID {
			return &invariantError{"member keyed under wrong id"}
		}
		if m.Role == RoleAdminSpectator {
			admins++
			if r.AdminSpectatorID != m.UserID {
				return &invariantError{"admin spectator role without designation"}
			}
		}
		if _, banned := r.BannedUserIDs[id]; banned {
			return &invariantError{"banned user is a member"}
		}
	}
	if admins > 1 {
		return &invariantError{"more than one admin spectator"}
	}
	if r.Status != StatusWaiting && len(r.LobbyMembers()) > 0 {
		return &invariantError{"lobby members after game start"}
	}
	return nil
}

type invariantError struct{ msg string }

func (e *invariantError) Error() string { return "room invariant violated: " + e.msg }

// Deadlines returns the pending disconnect deadline of every member that has one.
func (r *Room) Deadlines() map[string]time.Time {
	out := make(map[string]time.Time)
	for id, m := range r.Members {
		if m.DisconnectDeadline != nil {
			out[id] = *m.DisconnectDeadline
		}
	}
	return out
}
