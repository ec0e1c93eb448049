package lua

import (
	"context"
	"errors"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"hanukia-controller/internal/core"
	"hanukia-controller/internal/lamp"
)

// registerGoFunctions exposes Go functions to the given Lua state.
func (e *Engine) registerGoFunctions(L *lua.LState, ctx context.Context) {
	L.SetGlobal("select", L.NewFunction(e.luaSelect))
	L.SetGlobal("selection", L.NewFunction(e.luaSelection))
	L.SetGlobal("is_lit", L.NewFunction(e.luaIsLit))
	L.SetGlobal("busy", L.NewFunction(e.luaBusy))
	L.SetGlobal("print", L.NewFunction(e.luaPrint))
	L.SetGlobal("sleep", L.NewFunction(func(L *lua.LState) int {
		cancellableSleep(ctx, time.Duration(L.CheckInt(1))*time.Millisecond)
		return 0
	}))
	L.SetGlobal("should_stop", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(ctx.Err() != nil))
		return 1
	}))
}

func (e *Engine) luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	e.log.Info().Str("source", "lua").Msg(strings.Join(parts, " "))
	return 0
}

// select(n) requests day n. It raises a Lua error for values outside 0..8
// and returns false when the command queue is full.
func (e *Engine) luaSelect(L *lua.LState) int {
	v := L.CheckInt(1)
	if !lamp.ValidSelection(v) {
		L.ArgError(1, "selection must be between 0 and 8")
		return 0
	}
	err := e.commands.TrySend(core.SelectCommand(v))
	if errors.Is(err, core.ErrBusy) {
		e.log.Warn().Int("selection", v).Msg("command queue full, selection dropped")
	}
	L.Push(lua.LBool(err == nil))
	return 1
}

func (e *Engine) luaSelection(L *lua.LState) int {
	L.Push(lua.LNumber(e.state.Clone().Selection))
	return 1
}

func (e *Engine) luaIsLit(L *lua.LState) int {
	id := L.CheckInt(1)
	lit := false
	for _, l := range e.state.Clone().Lit {
		if l == id {
			lit = true
			break
		}
	}
	L.Push(lua.LBool(lit))
	return 1
}

func (e *Engine) luaBusy(L *lua.LState) int {
	L.Push(lua.LBool(e.state.Clone().Busy))
	return 1
}

// cancellableSleep sleeps for d unless ctx is cancelled first. It returns true on cancellation.
func cancellableSleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}
