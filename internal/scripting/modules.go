package scripting

import (
	"errors"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/ludistry/internal/registry"
)

// sessionTypeName is the metatable name for Session userdata.
const sessionTypeName = "Session"

// registerModules installs the script-facing API into r.L:
//
//	net.register(action, fn)   -- also available as net.receive
//	net.broadcast(text) -> n
//	net.sessions() -> n
//	engine.log.debug/info/warn/error(msg)
//	include(path) -> true | nil, err
//	GAME                       -- empty table reserved for game state
//	Session:GetID() / GetName() / SetName(name) / Send(text)
func (r *Runtime) registerModules() {
	L := r.L

	netMod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"register":  r.luaRegister,
		"receive":   r.luaRegister,
		"broadcast": r.luaBroadcast,
		"sessions":  r.luaSessions,
	})
	L.SetGlobal("net", netMod)

	engine := L.NewTable()
	L.SetField(engine, "log", r.newLogModule())
	L.SetGlobal("engine", engine)

	L.SetGlobal("include", L.NewFunction(r.luaInclude))
	L.SetGlobal("GAME", L.NewTable())

	mt := L.NewTypeMetatable(sessionTypeName)
	L.SetField(mt, "__index", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"GetID":   sessionGetID,
		"GetName": sessionGetName,
		"SetName": sessionSetName,
		"Send":    sessionSend,
	}))
}

// luaRegister implements net.register(action, fn). The previous callback for
// action, if any, is released immediately.
func (r *Runtime) luaRegister(L *lua.LState) int {
	action := L.CheckString(1)
	fn := L.CheckFunction(2)

	ref := r.newRef(fn)
	prev, replaced, err := r.registry.Register(action, ref)
	if err != nil {
		delete(r.refs, ref)
		if errors.Is(err, registry.ErrClosed) {
			r.logger.Warn("scripting: register after shutdown ignored", zap.String("action", action))
			return 0
		}
		L.RaiseError("net.register: %s", err.Error())
		return 0
	}
	if replaced {
		delete(r.refs, prev)
		r.logger.Debug("scripting: callback replaced", zap.String("action", action))
	} else {
		r.logger.Debug("scripting: callback registered", zap.String("action", action))
	}
	r.Metrics.SetRegisteredCallbacks(r.registry.Len())
	return 0
}

func (r *Runtime) luaBroadcast(L *lua.LState) int {
	text := L.CheckString(1)
	if r.Broadcast == nil {
		L.Push(lua.LNumber(0))
		return 1
	}
	L.Push(lua.LNumber(r.Broadcast([]byte(text))))
	return 1
}

func (r *Runtime) luaSessions(L *lua.LState) int {
	if r.SessionCount == nil {
		L.Push(lua.LNumber(0))
		return 1
	}
	L.Push(lua.LNumber(r.SessionCount()))
	return 1
}

func (r *Runtime) luaInclude(L *lua.LState) int {
	path := L.CheckString(1)
	if err := r.loadFileLocked(path); err != nil {
		r.logger.Error("scripting: include failed", zap.String("path", path), zap.Error(err))
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

func (r *Runtime) newLogModule() *lua.LTable {
	logAt := func(log func(string, ...zap.Field)) lua.LGFunction {
		return func(L *lua.LState) int {
			log(L.CheckString(1), zap.String("source", "lua"))
			return 0
		}
	}
	return r.L.SetFuncs(r.L.NewTable(), map[string]lua.LGFunction{
		"debug": logAt(r.logger.Debug),
		"info":  logAt(r.logger.Info),
		"warn":  logAt(r.logger.Warn),
		"error": logAt(r.logger.Error),
	})
}

// newSession wraps peer in Session userdata.
func (r *Runtime) newSession(peer Peer) *lua.LUserData {
	ud := r.L.NewUserData()
	ud.Value = peer
	r.L.SetMetatable(ud, r.L.GetTypeMetatable(sessionTypeName))
	return ud
}

func checkSession(L *lua.LState) Peer {
	ud := L.CheckUserData(1)
	if p, ok := ud.Value.(Peer); ok {
		return p
	}
	L.ArgError(1, "Session expected")
	return nil
}

func sessionGetID(L *lua.LState) int {
	L.Push(lua.LString(checkSession(L).ID()))
	return 1
}

func sessionGetName(L *lua.LState) int {
	L.Push(lua.LString(checkSession(L).Name()))
	return 1
}

func sessionSetName(L *lua.LState) int {
	checkSession(L).SetName(L.CheckString(2))
	return 0
}

// sessionSend returns true, or nil and an error message.
func sessionSend(L *lua.LState) int {
	p := checkSession(L)
	if err := p.Send([]byte(L.CheckString(2))); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}
