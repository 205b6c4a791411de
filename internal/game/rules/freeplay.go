package rules

import (
	"context"
	"encoding/json"
	"fmt"
)

// FreeplayGameType is the game type of the builtin scoring module.
const FreeplayGameType = "freeplay"

// Freeplay is a builtin module for games whose rules live outside the
// coordinator: players report points and any player may call the game.
//
// Actions:
//
//	{"type":"score","points":3}
//	{"type":"finish"}
type Freeplay struct{}

type freeplayState struct {
	Players []string       `json:"players"`
	Active  []string       `json:"active"`
	Scores  map[string]int `json:"scores"`
	Turn    int            `json:"turn"`
}

type freeplayAction struct {
	Type   string `json:"type"`
	Points int    `json:"points"`
}

func (Freeplay) GameType() string { return FreeplayGameType }

func (Freeplay) Start(_ context.Context, players []string) ([]byte, error) {
	st := freeplayState{
		Players: append([]string(nil), players...),
		Active:  append([]string(nil), players...),
		Scores:  make(map[string]int, len(players)),
	}
	for _, p := range players {
		st.Scores[p] = 0
	}
	return json.Marshal(st)
}

func (f Freeplay) Apply(_ context.Context, state []byte, userID string, action []byte) (Result, error) {
	st, err := decodeFreeplay(state)
	if err != nil {
		return Result{}, err
	}
	if !contains(st.Active, userID) {
		return Result{}, fmt.Errorf("%w: %s is not an active player", ErrInvalidAction, userID)
	}
	var a freeplayAction
	if err := json.Unmarshal(action, &a); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	switch a.Type {
	case "score":
		if a.Points < 0 {
			return Result{}, fmt.Errorf("%w: negative points", ErrInvalidAction)
		}
		st.Scores[userID] += a.Points
		st.Turn++
		return st.result(false)
	case "finish":
		st.Turn++
		return st.result(true)
	default:
		return Result{}, fmt.Errorf("%w: unknown action %q", ErrInvalidAction, a.Type)
	}
}

func (Freeplay) Forfeit(_ context.Context, state []byte, userID string) (Result, error) {
	st, err := decodeFreeplay(state)
	if err != nil {
		return Result{}, err
	}
	active := st.Active[:0]
	for _, p := range st.Active {
		if p != userID {
			active = append(active, p)
		}
	}
	st.Active = active
	return st.result(len(st.Active) <= 1)
}

func decodeFreeplay(state []byte) (*freeplayState, error) {
	var st freeplayState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("rules: decoding freeplay state: %w", err)
	}
	if st.Scores == nil {
		st.Scores = make(map[string]int)
	}
	return &st, nil
}

// result encodes st; when over, the winner is the active player with the
// highest score, ties going to the earlier seat.
func (st *freeplayState) result(over bool) (Result, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return Result{}, err
	}
	res := Result{State: data, Over: over}
	if over {
		best := -1
		for _, p := range st.Active {
			if s := st.Scores[p]; s > best {
				best = s
				res.WinnerID = p
			}
		}
	}
	return res, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
