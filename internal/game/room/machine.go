package room

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cory-johannsen/gameroom/internal/game/rules"
	"github.com/cory-johannsen/gameroom/internal/protocol"
)

// DisconnectPolicy decides what happens to a Player whose connection drops
// while the game is in progress.
type DisconnectPolicy string

const (
	// PolicyRetain keeps the disconnected player seated indefinitely.
	PolicyRetain DisconnectPolicy = "retain"
	// PolicyForfeit schedules a deadline after which the rules module forfeits the player.
	PolicyForfeit DisconnectPolicy = "forfeit"
)

// Rules resolves the rules entry for a game type.
type Rules interface {
	Lookup(gameType string) (rules.Entry, bool)
}

// Machine applies transitions to rooms. Every method works on a clone of the
// given room and returns the new room with the events it produced; a nil room
// means nothing changed. Machine is safe for concurrent use.
type Machine struct {
	rules  Rules
	now    func() time.Time
	policy DisconnectPolicy
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) { m.now = now }
}

// WithInGameDisconnect sets the in-progress disconnect policy.
func WithInGameDisconnect(p DisconnectPolicy) MachineOption {
	return func(m *Machine) {
		if p != "" {
			m.policy = p
		}
	}
}

// NewMachine returns a Machine backed by the given rules resolver.
//
// Precondition: r must be non-nil.
func NewMachine(r Rules, opts ...MachineOption) *Machine {
	m := &Machine{rules: r, now: time.Now, policy: PolicyRetain}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Now returns the machine's current time.
func (m *Machine) Now() time.Time { return m.now() }

// Policy returns the in-progress disconnect policy.
func (m *Machine) Policy() DisconnectPolicy { return m.policy }

type transition struct {
	r      *Room
	events []protocol.Event
}

func begin(r *Room) *transition { return &transition{r: r.Clone()} }

func (t *transition) emit(aud protocol.Audience, p protocol.Payload) {
	t.events = append(t.events, protocol.NewEvent(aud, p))
}

func (t *transition) toRoom(p protocol.Payload) { t.emit(protocol.ToRoom(t.r.ID), p) }

func (t *transition) toUser(userID string, p protocol.Payload) {
	t.emit(protocol.ToUser(t.r.ID, userID), p)
}

func (t *transition) done() (*Room, []protocol.Event, error) { return t.r, t.events, nil }

// ValidateCreate checks a CreateRoom command without touching any room.
func (m *Machine) ValidateCreate(cmd *protocol.CreateRoom) error {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return ErrEmptyName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return ErrNameTooLong
	}
	if cmd.PlayerCapacity < MinPlayerCapacity || cmd.PlayerCapacity > MaxPlayerCapacity {
		return ErrInvalidCapacity
	}
	if cmd.MaxSpectators < 0 || cmd.MaxSpectators > MaxSpectatorLimit {
		return ErrInvalidSpectatorLimit
	}
	entry, ok := m.rules.Lookup(cmd.GameType)
	if !ok {
		return ErrUnknownGameType
	}
	if !entry.AcceptsCapacity(cmd.PlayerCapacity) {
		return ErrInvalidCapacity
	}
	return nil
}

// Create builds a new Waiting room with the sender as host and sole lobby member.
//
// Precondition: cmd passed ValidateCreate; passwordHash comes from HashPassword.
// Postcondition: Returns a room at version 0 and a RoomCreated event for the creator.
func (m *Machine) Create(cmd *protocol.CreateRoom, id, passwordHash string) (*Room, []protocol.Event, error) {
	if err := m.ValidateCreate(cmd); err != nil {
		return nil, nil, err
	}
	now := m.now()
	maxSpectators := 0
	if cmd.AllowSpectators {
		maxSpectators = cmd.MaxSpectators
		if maxSpectators == 0 {
			maxSpectators = DefaultMaxSpectators
		}
	}
	lobbyChat := true
	if cmd.LobbyChatEnabled != nil {
		lobbyChat = *cmd.LobbyChatEnabled
	}
	r := &Room{
		ID:               id,
		Name:             strings.TrimSpace(cmd.Name),
		GameType:         cmd.GameType,
		Status:           StatusWaiting,
		HostID:           cmd.UserID,
		PlayerCapacity:   cmd.PlayerCapacity,
		AllowSpectators:  cmd.AllowSpectators,
		MaxSpectators:    maxSpectators,
		LobbyChatEnabled: lobbyChat,
		BannedUserIDs:    map[string]struct{}{},
		MutedUserIDs:     map[string]struct{}{},
		PasswordHash:     passwordHash,
		CreationKey:      cmd.ID,
		CreatedAt:        now,
		Members: map[string]*Member{
			cmd.UserID: {
				UserID:     cmd.UserID,
				Username:   cmd.Username,
				Role:       RoleLobbyMember,
				Connection: Connected,
				JoinedAt:   now,
				LastSeenAt: now,
			},
		},
	}
	t := &transition{r: r}
	t.toUser(cmd.UserID, protocol.RoomCreated{Room: r.Snapshot()})
	return t.done()
}

// Created re-emits RoomCreated for a duplicate CreateRoom without changing the room.
func (m *Machine) Created(r *Room, userID string) []protocol.Event {
	return []protocol.Event{protocol.NewEvent(protocol.ToUser(r.ID, userID), protocol.RoomCreated{Room: r.Snapshot()})}
}

// Join admits userID. Ban and capacity checks run before any role is
// assigned. A user who is already a member is treated as rejoining.
func (m *Machine) Join(ctx context.Context, r *Room, userID, username string, asSpectator bool, password string) (*Room, []protocol.Event, error) {
	if r.IsBanned(userID) {
		return nil, nil, ErrBanned
	}
	if _, ok := r.Member(userID); ok {
		return m.Reconnect(ctx, r, userID)
	}
	switch r.Status {
	case StatusFinished:
		return nil, nil, ErrRoomFinished
	case StatusInProgress:
		return nil, nil, ErrGameInProgress
	}
	role := RoleLobbyMember
	if asSpectator {
		if !r.AllowSpectators {
			return nil, nil, ErrSpectatorsNotAllowed
		}
		if len(r.Spectators()) >= r.MaxSpectators {
			return nil, nil, ErrSpectatorsFull
		}
		role = RoleSpectator
	}
	if err := r.CheckPassword(password); err != nil {
		return nil, nil, err
	}

	t := begin(r)
	now := m.now()
	mem := &Member{
		UserID:     userID,
		Username:   username,
		Role:       role,
		Connection: Connected,
		JoinedAt:   now,
		LastSeenAt: now,
	}
	t.r.Members[userID] = mem
	t.toUser(userID, protocol.RoomState{Room: t.r.Snapshot()})
	t.toRoom(protocol.MemberJoined{Member: mem.View()})
	return t.done()
}

// Leave removes userID. A Player leaving a game in progress forfeits first.
func (m *Machine) Leave(ctx context.Context, r *Room, userID string) (*Room, []protocol.Event, error) {
	mem, ok := r.Member(userID)
	if !ok {
		return nil, nil, ErrNotMember
	}
	if r.Status == StatusFinished {
		return nil, nil, ErrRoomFinished
	}
	t := begin(r)
	if r.Status == StatusInProgress && mem.Role == RolePlayer {
		if err := m.forfeit(ctx, t, userID); err != nil {
			return nil, nil, err
		}
	}
	m.remove(t, userID, protocol.ReasonLeft)
	return t.done()
}

// remove drops a member, transfers the host seat if needed, and abandons a
// room left without members.
func (m *Machine) remove(t *transition, userID, reason string) {
	if _, ok := t.r.Members[userID]; !ok {
		return
	}
	delete(t.r.Members, userID)
	if t.r.AdminSpectatorID == userID {
		t.r.AdminSpectatorID = ""
	}
	if reason != "" {
		t.toRoom(protocol.MemberLeft{UserID: userID, Reason: reason})
	}
	m.transferHost(t, userID)
}

func (m *Machine) transferHost(t *transition, departed string) {
	if t.r.HostID != departed {
		return
	}
	rest := t.r.OrderedMembers()
	if len(rest) == 0 {
		t.r.HostID = ""
		if t.r.Status != StatusFinished {
			now := m.now()
			t.r.Status = StatusFinished
			t.r.FinishedAt = &now
		}
		return
	}
	t.r.HostID = rest[0].UserID
	t.toRoom(protocol.HostChanged{UserID: t.r.HostID})
}

// Ready toggles a Player's ready flag. A LobbyMember readying claims a free
// seat. When every seat is filled and ready the game starts.
func (m *Machine) Ready(ctx context.Context, r *Room, userID string) (*Room, []protocol.Event, error) {
	mem, ok := r.Member(userID)
	if !ok {
		return nil, nil, ErrNotMember
	}
	if err := requireWaiting(r); err != nil {
		return nil, nil, err
	}
	t := begin(r)
	mem = t.r.Members[userID]
	switch mem.Role {
	case RoleLobbyMember:
		if len(t.r.Players()) >= t.r.PlayerCapacity {
			return nil, nil, ErrRoomFull
		}
		mem.Role = RolePlayer
		mem.Ready = true
		t.toRoom(protocol.PlayerSelected{UserID: userID})
	case RolePlayer:
		mem.Ready = !mem.Ready
	default:
		return nil, nil, ErrNotPlayer
	}
	t.toRoom(protocol.PlayerReady{UserID: userID, Ready: mem.Ready})

	if allReady(t.r) {
		if err := m.startGame(ctx, t); err != nil {
			return nil, nil, err
		}
	}
	return t.done()
}

func allReady(r *Room) bool {
	players := r.Players()
	if len(players) != r.PlayerCapacity {
		return false
	}
	for _, p := range players {
		if !p.Ready {
			return false
		}
	}
	return true
}

func (m *Machine) startGame(ctx context.Context, t *transition) error {
	entry, ok := m.rules.Lookup(t.r.GameType)
	if !ok {
		return ErrUnknownGameType
	}
	players := t.r.Players()
	ids := make([]string, len(players))
	for i, p := range players {
		ids[i] = p.UserID
	}
	state, err := entry.Module.Start(ctx, ids)
	if err != nil {
		return RulesError(err)
	}

	now := m.now()
	t.r.Status = StatusInProgress
	t.r.StartedAt = &now
	t.r.GameState = state

	var removed []string
	for _, lm := range t.r.LobbyMembers() {
		removed = append(removed, lm.UserID)
	}
	if len(removed) > 0 {
		t.toRoom(protocol.UnselectedRemoved{RemovedUserIDs: removed})
		for _, id := range removed {
			m.remove(t, id, "")
		}
	}
	if t.r.LobbyChatEnabled {
		t.r.LobbyChatEnabled = false
		t.toRoom(protocol.LobbyChatDisabled{})
	}
	for _, mem := range t.r.Members {
		if mem.DisconnectDeadline != nil && !(m.policy == PolicyForfeit && mem.Role == RolePlayer) {
			mem.DisconnectDeadline = nil
		}
	}
	t.toRoom(protocol.GameStarted{Players: ids, State: json.RawMessage(state)})
	return nil
}

// SelectPlayer promotes a LobbyMember to Player on behalf of the host or admin spectator.
func (m *Machine) SelectPlayer(r *Room, actorID, targetID string) (*Room, []protocol.Event, error) {
	if !r.IsAdmin(actorID) {
		return nil, nil, ErrNotAdmin
	}
	if err := requireWaiting(r); err != nil {
		return nil, nil, err
	}
	target, ok := r.Member(targetID)
	if !ok {
		return nil, nil, ErrNotMember
	}
	if target.Role != RoleLobbyMember {
		return nil, nil, ErrNotLobbyMember
	}
	if len(r.Players()) >= r.PlayerCapacity {
		return nil, nil, ErrRoomFull
	}
	t := begin(r)
	tm := t.r.Members[targetID]
	tm.Role = RolePlayer
	tm.Ready = false
	t.toRoom(protocol.PlayerSelected{UserID: targetID})
	return t.done()
}

// DeselectPlayer moves a Player back to the lobby. Only the host or admin
// spectator may do this, and only before the game starts.
func (m *Machine) DeselectPlayer(r *Room, actorID, targetID string) (*Room, []protocol.Event, error) {
	if !r.IsAdmin(actorID) {
		return nil, nil, ErrNotAdmin
	}
	if err := requireWaiting(r); err != nil {
		return nil, nil, err
	}
	target, ok := r.Member(targetID)
	if !ok {
		return nil, nil, ErrNotMember
	}
	if target.Role != RolePlayer {
		return nil, nil, ErrNotPlayer
	}
	t := begin(r)
	deselect(t, targetID, protocol.ReasonDeselected)
	return t.done()
}

func deselect(t *transition, userID, reason string) {
	mem := t.r.Members[userID]
	mem.Role = RoleLobbyMember
	mem.Ready = false
	t.toRoom(protocol.PlayerDeselected{UserID: userID, Reason: reason})
}

// DesignateAdminSpectator hands the admin spectator seat to targetID. Only the
// host may designate, and only while the host is not a Player. A previous
// admin spectator falls back to Spectator, or to the lobby when the
// spectator seats are full, or leaves when neither is possible.
func (m *Machine) DesignateAdminSpectator(r *Room, actorID, targetID string) (*Room, []protocol.Event, error) {
	if actorID != r.HostID {
		return nil, nil, ErrNotHost
	}
	if r.Status == StatusFinished {
		return nil, nil, ErrRoomFinished
	}
	if host, ok := r.Member(actorID); ok && host.Role == RolePlayer {
		return nil, nil, ErrAdminIsPlayer
	}
	if !r.AllowSpectators {
		return nil, nil, ErrSpectatorsNotAllowed
	}
	target, ok := r.Member(targetID)
	if !ok {
		return nil, nil, ErrNotMember
	}
	if target.Role == RolePlayer {
		return nil, nil, ErrTargetIsPlayer
	}
	if r.AdminSpectatorID == targetID {
		return nil, nil, nil
	}

	t := begin(r)
	prev := t.r.AdminSpectatorID
	tm := t.r.Members[targetID]
	tm.Role = RoleAdminSpectator
	tm.Ready = false
	t.r.AdminSpectatorID = targetID
	if pm, ok := t.r.Members[prev]; ok && prev != "" {
		switch {
		case len(t.r.Spectators()) < t.r.MaxSpectators:
			pm.Role = RoleSpectator
		case t.r.Status == StatusWaiting:
			pm.Role = RoleLobbyMember
		default:
			m.remove(t, prev, protocol.ReasonAdminReplaced)
		}
	}
	t.toRoom(protocol.AdminSpectatorDesignated{UserID: targetID})
	return t.done()
}

// KickSpectator removes a spectator.
func (m *Machine) KickSpectator(r *Room, actorID, targetID string) (*Room, []protocol.Event, error) {
	if err := checkSpectatorTarget(r, actorID, targetID); err != nil {
		return nil, nil, err
	}
	t := begin(r)
	t.toRoom(protocol.SpectatorKicked{UserID: targetID})
	m.remove(t, targetID, "")
	return t.done()
}

// BanSpectator removes a spectator and bars them from rejoining in any role.
func (m *Machine) BanSpectator(r *Room, actorID, targetID string) (*Room, []protocol.Event, error) {
	if !r.IsAdmin(actorID) {
		return nil, nil, ErrNotAdmin
	}
	if r.IsBanned(targetID) {
		return nil, nil, ErrAlreadyBanned
	}
	if err := checkSpectatorTarget(r, actorID, targetID); err != nil {
		return nil, nil, err
	}
	t := begin(r)
	t.r.BannedUserIDs[targetID] = struct{}{}
	t.toRoom(protocol.SpectatorBanned{UserID: targetID})
	m.remove(t, targetID, "")
	return t.done()
}

func checkSpectatorTarget(r *Room, actorID, targetID string) error {
	if !r.IsAdmin(actorID) {
		return ErrNotAdmin
	}
	if actorID == targetID {
		return ErrSelfTarget
	}
	target, ok := r.Member(targetID)
	if !ok {
		return ErrNotMember
	}
	if !target.IsSpectating() {
		return ErrNotSpectator
	}
	if target.Role == RoleAdminSpectator && actorID != r.HostID {
		return ErrNotHost
	}
	return nil
}

// MuteUser silences targetID's chat in this room.
func (m *Machine) MuteUser(r *Room, actorID, targetID string) (*Room, []protocol.Event, error) {
	if err := checkMuteTarget(r, actorID, targetID); err != nil {
		return nil, nil, err
	}
	if r.IsMuted(targetID) {
		return nil, nil, ErrAlreadyMuted
	}
	t := begin(r)
	t.r.MutedUserIDs[targetID] = struct{}{}
	t.toRoom(protocol.UserMuted{UserID: targetID})
	return t.done()
}

// UnmuteUser lifts a mute.
func (m *Machine) UnmuteUser(r *Room, actorID, targetID string) (*Room, []protocol.Event, error) {
	if err := checkMuteTarget(r, actorID, targetID); err != nil {
		return nil, nil, err
	}
	if !r.IsMuted(targetID) {
		return nil, nil, ErrNotMuted
	}
	t := begin(r)
	delete(t.r.MutedUserIDs, targetID)
	t.toRoom(protocol.UserUnmuted{UserID: targetID})
	return t.done()
}

func checkMuteTarget(r *Room, actorID, targetID string) error {
	if !r.IsAdmin(actorID) {
		return ErrNotAdmin
	}
	if actorID == targetID {
		return ErrSelfTarget
	}
	if _, ok := r.Member(targetID); !ok {
		return ErrNotMember
	}
	return nil
}

// Disconnect marks userID disconnected. While Waiting every member gets
// deadline; during a game only Players under PolicyForfeit do. Unknown users
// and finished rooms are ignored.
func (m *Machine) Disconnect(r *Room, userID string, deadline time.Time) (*Room, []protocol.Event, error) {
	mem, ok := r.Member(userID)
	if !ok || r.Status == StatusFinished || mem.Connection == Disconnected {
		return nil, nil, nil
	}
	t := begin(r)
	mem = t.r.Members[userID]
	mem.Connection = Disconnected
	mem.LastSeenAt = m.now()
	var timeoutAt *time.Time
	if r.Status == StatusWaiting || (m.policy == PolicyForfeit && mem.Role == RolePlayer) {
		d := deadline
		mem.DisconnectDeadline = &d
		timeoutAt = &d
	}
	t.toRoom(protocol.PlayerDisconnected{UserID: userID, TimeoutAt: timeoutAt})
	return t.done()
}

// Reconnect resolves a rejoin for userID. An accepted rejoin clears any
// pending deadline; a denied one changes nothing and informs only the user.
// A member whose deadline has already passed is expired first, exactly as
// the sweeper would, and the rejoin is resolved against the result.
func (m *Machine) Reconnect(ctx context.Context, r *Room, userID string) (*Room, []protocol.Event, error) {
	if mem, ok := r.Member(userID); ok && mem.Connection == Disconnected &&
		mem.DisconnectDeadline != nil && !m.now().Before(*mem.DisconnectDeadline) {
		expired, events, err := m.DisconnectTimeout(ctx, r, userID)
		if err != nil {
			return nil, nil, err
		}
		next, more, err := m.Reconnect(ctx, expired, userID)
		if err != nil {
			return nil, nil, err
		}
		if next == nil {
			next = expired
		}
		return next, append(events, more...), nil
	}
	res := ResolveRejoin(r, userID)
	if !res.Rejoin {
		t := &transition{r: r}
		t.toUser(userID, res)
		return nil, t.events, nil
	}
	mem := r.Members[userID]
	if mem.Connection == Connected {
		t := &transition{r: r}
		t.toUser(userID, res)
		t.toUser(userID, protocol.RoomState{Room: r.Snapshot()})
		return nil, t.events, nil
	}
	t := begin(r)
	mem = t.r.Members[userID]
	mem.Connection = Connected
	mem.DisconnectDeadline = nil
	mem.LastSeenAt = m.now()
	t.toUser(userID, res)
	t.toUser(userID, protocol.RoomState{Room: t.r.Snapshot()})
	t.toRoom(protocol.PlayerReconnected{UserID: userID})
	return t.done()
}

// DisconnectTimeout expires a member whose grace period has elapsed. It is a
// no-op when the member reconnected or the deadline has not yet passed.
//
// While Waiting a Player is deselected with reason disconnect_timeout and
// then removed; other members are removed. During a game under
// PolicyForfeit the rules module forfeits the player.
func (m *Machine) DisconnectTimeout(ctx context.Context, r *Room, userID string) (*Room, []protocol.Event, error) {
	mem, ok := r.Member(userID)
	if !ok || mem.Connection != Disconnected || mem.DisconnectDeadline == nil {
		return nil, nil, nil
	}
	if m.now().Before(*mem.DisconnectDeadline) {
		return nil, nil, nil
	}
	t := begin(r)
	mem = t.r.Members[userID]
	mem.DisconnectDeadline = nil
	switch r.Status {
	case StatusWaiting:
		if mem.Role == RolePlayer {
			deselect(t, userID, protocol.ReasonDisconnectTimeout)
		}
		m.remove(t, userID, protocol.ReasonDisconnectTimeout)
	case StatusInProgress:
		if mem.Role == RolePlayer && m.policy == PolicyForfeit {
			if err := m.forfeit(ctx, t, userID); err != nil {
				return nil, nil, err
			}
		}
	}
	return t.done()
}

// ResolveRejoin decides whether userID may resume their seat.
func ResolveRejoin(r *Room, userID string) protocol.RejoinResult {
	if r.IsBanned(userID) {
		return protocol.RejoinResult{Reason: protocol.ReasonBanned}
	}
	if r.Status == StatusFinished {
		return protocol.RejoinResult{Reason: protocol.ReasonRoomFinished}
	}
	if mem, ok := r.Member(userID); ok {
		return protocol.RejoinResult{Rejoin: true, Role: string(mem.Role)}
	}
	if r.Status == StatusInProgress {
		return protocol.RejoinResult{Reason: protocol.ReasonCapacityExceeded}
	}
	return protocol.RejoinResult{Reason: protocol.ReasonNotMember}
}

// GameAction forwards a Player's move to the rules module.
func (m *Machine) GameAction(ctx context.Context, r *Room, userID string, action []byte) (*Room, []protocol.Event, error) {
	mem, ok := r.Member(userID)
	if !ok {
		return nil, nil, ErrNotMember
	}
	if r.Status != StatusInProgress {
		return nil, nil, ErrGameNotInProgress
	}
	if mem.Role != RolePlayer {
		return nil, nil, ErrNotPlayer
	}
	entry, ok := m.rules.Lookup(r.GameType)
	if !ok {
		return nil, nil, ErrUnknownGameType
	}
	res, err := entry.Module.Apply(ctx, r.GameState, userID, action)
	if err != nil {
		return nil, nil, RulesError(err)
	}
	t := begin(r)
	m.applyResult(t, res)
	return t.done()
}

func (m *Machine) forfeit(ctx context.Context, t *transition, userID string) error {
	entry, ok := m.rules.Lookup(t.r.GameType)
	if !ok {
		return ErrUnknownGameType
	}
	res, err := entry.Module.Forfeit(ctx, t.r.GameState, userID)
	if err != nil {
		return RulesError(err)
	}
	t.toRoom(protocol.PlayerDeselected{UserID: userID, Reason: protocol.ReasonForfeit})
	m.applyResult(t, res)
	return nil
}

func (m *Machine) applyResult(t *transition, res rules.Result) {
	t.r.GameState = res.State
	t.toRoom(protocol.GameStateUpdated{State: json.RawMessage(res.State)})
	if res.Over {
		m.endGame(t, res.WinnerID)
	}
}

// endGame finishes the room. Finished rooms are archived by the registry.
func (m *Machine) endGame(t *transition, winnerID string) {
	now := m.now()
	t.r.Status = StatusFinished
	t.r.FinishedAt = &now
	t.r.WinnerID = winnerID
	for _, mem := range t.r.Members {
		mem.DisconnectDeadline = nil
	}
	t.toRoom(protocol.GameEnded{WinnerID: winnerID})
}

func requireWaiting(r *Room) error {
	switch r.Status {
	case StatusInProgress:
		return ErrGameInProgress
	case StatusFinished:
		return ErrRoomFinished
	}
	return nil
}

// Stamp fills the envelope fields the transitions leave open: correlation id,
// timestamp, and the resolved recipients of Players and Spectators audiences
// against the committed room.
func Stamp(r *Room, events []protocol.Event, correlationID string, at time.Time) {
	for i := range events {
		e := &events[i]
		if e.RoomID == "" && r != nil {
			e.RoomID = r.ID
		}
		e.CorrelationID = correlationID
		if e.OccurredAt.IsZero() {
			e.OccurredAt = at
		}
		if r != nil && (e.Audience.Kind == protocol.AudiencePlayers || e.Audience.Kind == protocol.AudienceSpectators) {
			e.Recipients = r.Recipients(e.Audience)
		}
	}
}
