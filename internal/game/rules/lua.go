package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// ErrInstructionLimit is returned when a script exhausts its opcode budget.
var ErrInstructionLimit = errors.New("rules: script exceeded instruction limit")

// LuaModule runs a game's rules from a Lua script defining three globals:
//
//	start(players)                 -> state
//	apply(state, user_id, action)  -> {state=..., over=bool, winner=string} | nil, reason
//	forfeit(state, user_id)        -> {state=..., over=bool, winner=string}
//
// State and actions cross the boundary as JSON documents converted to and
// from Lua tables. The script is compiled once; every call runs in a fresh
// sandboxed VM with its own instruction budget, so rooms never share globals.
type LuaModule struct {
	gameType  string
	name      string
	proto     *lua.FunctionProto
	instLimit int
}

// NewLuaModule compiles source for gameType.
//
// Precondition: gameType is non-empty; instLimit >= 0, 0 uses DefaultInstructionLimit.
// Postcondition: Returns an error if the script does not compile or does not
// define start, apply and forfeit.
func NewLuaModule(gameType, name, source string, instLimit int) (*LuaModule, error) {
	if gameType == "" {
		return nil, errors.New("rules: lua module requires a game type")
	}
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("rules: parsing %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("rules: compiling %s: %w", name, err)
	}
	m := &LuaModule{gameType: gameType, name: name, proto: proto, instLimit: instLimit}

	L, cancel, err := m.load(context.Background())
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer L.Close()
	for _, fn := range []string{"start", "apply", "forfeit"} {
		if L.GetGlobal(fn).Type() != lua.LTFunction {
			return nil, fmt.Errorf("rules: %s does not define %s()", name, fn)
		}
	}
	return m, nil
}

func (m *LuaModule) GameType() string { return m.gameType }

func (m *LuaModule) Start(ctx context.Context, players []string) ([]byte, error) {
	list := make([]any, len(players))
	for i, p := range players {
		list[i] = p
	}
	ret, err := m.call(ctx, "start", list)
	if err != nil {
		return nil, err
	}
	if ret.Type() == lua.LTNil {
		return nil, fmt.Errorf("rules: %s start() returned nil", m.name)
	}
	return json.Marshal(fromLua(ret))
}

func (m *LuaModule) Apply(ctx context.Context, state []byte, userID string, action []byte) (Result, error) {
	st, err := decodeJSON(state)
	if err != nil {
		return Result{}, err
	}
	act, err := decodeJSON(action)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	ret, err := m.call(ctx, "apply", st, userID, act)
	if err != nil {
		return Result{}, err
	}
	return m.result(ret)
}

func (m *LuaModule) Forfeit(ctx context.Context, state []byte, userID string) (Result, error) {
	st, err := decodeJSON(state)
	if err != nil {
		return Result{}, err
	}
	ret, err := m.call(ctx, "forfeit", st, userID)
	if err != nil {
		return Result{}, err
	}
	return m.result(ret)
}

func (m *LuaModule) load(ctx context.Context) (*lua.LState, context.CancelFunc, error) {
	L := newSandboxedState()
	cctx, cancel := newCountingContext(ctx, m.instLimit)
	L.SetContext(cctx)
	L.Push(L.NewFunctionFromProto(m.proto))
	if err := L.PCall(0, 0, nil); err != nil {
		cancel()
		L.Close()
		return nil, nil, m.wrapErr(ctx, cctx, "loading", err)
	}
	return L, cancel, nil
}

// call invokes fn and returns its first result. A second string result from
// the script is a rejection reason.
func (m *LuaModule) call(ctx context.Context, fn string, args ...any) (lua.LValue, error) {
	L, cancel, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer L.Close()

	// load consumed part of the budget; the call gets the remainder.
	cctx := L.Context()
	largs := make([]lua.LValue, len(args))
	for i, a := range args {
		largs[i] = toLua(L, a)
	}
	if err := L.CallByParam(lua.P{Fn: L.GetGlobal(fn), NRet: 2, Protect: true}, largs...); err != nil {
		return nil, m.wrapErr(ctx, cctx, fn, err)
	}
	ret, reason := L.Get(-2), L.Get(-1)
	L.Pop(2)
	if ret.Type() == lua.LTNil && reason.Type() == lua.LTString {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAction, reason.String())
	}
	return ret, nil
}

func (m *LuaModule) wrapErr(parent, cctx context.Context, op string, err error) error {
	if cctx.Err() != nil && parent.Err() == nil {
		return fmt.Errorf("%w: %s %s", ErrInstructionLimit, m.name, op)
	}
	return fmt.Errorf("rules: %s %s: %w", m.name, op, err)
}

func (m *LuaModule) result(ret lua.LValue) (Result, error) {
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Result{}, fmt.Errorf("rules: %s returned %s, want table", m.name, ret.Type())
	}
	state, err := json.Marshal(fromLua(tbl.RawGetString("state")))
	if err != nil {
		return Result{}, fmt.Errorf("rules: encoding %s state: %w", m.name, err)
	}
	res := Result{State: state, Over: lua.LVAsBool(tbl.RawGetString("over"))}
	if w, ok := tbl.RawGetString("winner").(lua.LString); ok {
		res.WinnerID = string(w)
	}
	return res, nil
}

func decodeJSON(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("rules: decoding json: %w", err)
	}
	return v, nil
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []any:
		t := L.NewTable()
		for i, e := range x {
			t.RawSetInt(i+1, toLua(L, e))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, e := range x {
			t.RawSetString(k, toLua(L, e))
		}
		return t
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value to its JSON-compatible Go form. A table with a
// non-empty array part is treated as a list.
func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		if n := x.MaxN(); n > 0 {
			arr := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				arr = append(arr, fromLua(x.RawGetInt(i)))
			}
			return arr
		}
		obj := make(map[string]any)
		x.ForEach(func(k, val lua.LValue) {
			obj[k.String()] = fromLua(val)
		})
		return obj
	default:
		return nil
	}
}
