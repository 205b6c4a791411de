// Package rules defines the pluggable game rules contract. The coordinator
// treats game state as an opaque JSON document that a Module starts, advances
// and ends; it never interprets the state itself.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrInvalidAction is returned by a Module that rejects a move.
var ErrInvalidAction = errors.New("rules: invalid action")

// Result is the outcome of applying an action or forfeit.
type Result struct {
	// State is the new opaque game state.
	State []byte
	// Over reports that the game has ended.
	Over bool
	// WinnerID is set when Over is true and the game has a winner.
	WinnerID string
}

// Module implements the rules of one game type.
//
// Implementations must be safe for concurrent use across rooms. Calls for a
// single room are already serialized by the caller.
type Module interface {
	GameType() string
	// Start produces the initial state for the ordered player list.
	Start(ctx context.Context, players []string) ([]byte, error)
	// Apply advances state by one action from userID.
	Apply(ctx context.Context, state []byte, userID string, action []byte) (Result, error)
	// Forfeit removes userID from play, which may end the game.
	Forfeit(ctx context.Context, state []byte, userID string) (Result, error)
}

// Entry is a registered Module with the player bounds its game supports.
type Entry struct {
	Module     Module
	MinPlayers int
	MaxPlayers int
}

// AcceptsCapacity reports whether a room of n seats can play this game.
func (e Entry) AcceptsCapacity(n int) bool {
	if e.MinPlayers > 0 && n < e.MinPlayers {
		return false
	}
	if e.MaxPlayers > 0 && n > e.MaxPlayers {
		return false
	}
	return true
}

// Registry maps game types to modules.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds e under its module's game type.
//
// Precondition: e.Module is non-nil.
// Postcondition: Returns an error if the game type is already registered.
func (r *Registry) Register(e Entry) error {
	if e.Module == nil {
		return errors.New("rules: nil module")
	}
	gt := e.Module.GameType()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.entries[gt]; dup {
		return fmt.Errorf("rules: game type %q already registered", gt)
	}
	r.entries[gt] = e
	return nil
}

// Lookup returns the entry for gameType.
func (r *Registry) Lookup(gameType string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[gameType]
	return e, ok
}

// GameTypes lists registered game types in sorted order.
func (r *Registry) GameTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for gt := range r.entries {
		out = append(out, gt)
	}
	sort.Strings(out)
	return out
}
