package scripting

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/gtserver/internal/event"
	"github.com/cory-johannsen/gtserver/internal/protocol"
)

// RegisterModules registers the gt table into L:
//
//	gt.on_text(key, fn)      gt.on_action(action, fn)   gt.on_packet(type, fn)
//	gt.log.debug(msg)        gt.log.info(msg)           gt.log.warn(msg)   gt.log.error(msg)
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: gt global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState) {
	gt := L.NewTable()
	L.SetField(gt, "on_text", L.NewFunction(m.onKey(event.ClassText)))
	L.SetField(gt, "on_action", L.NewFunction(m.onKey(event.ClassAction)))
	L.SetField(gt, "on_packet", L.NewFunction(m.onPacket))

	log := L.NewTable()
	levels := map[string]func(string, ...zap.Field){
		"debug": m.logger.Debug,
		"info":  m.logger.Info,
		"warn":  m.logger.Warn,
		"error": m.logger.Error,
	}
	for name, fn := range levels {
		fn := fn
		L.SetField(log, name, L.NewFunction(func(L *lua.LState) int {
			fn(L.CheckString(1), zap.String("script", m.loading))
			return 0
		}))
	}
	L.SetField(gt, "log", log)

	L.SetGlobal("gt", gt)
}

func (m *Manager) onKey(class event.Class) lua.LGFunction {
	return func(L *lua.LState) int {
		key := L.CheckString(1)
		fn := L.CheckFunction(2)
		m.addHandler(L, class, key, fn)
		return 0
	}
}

func (m *Manager) onPacket(L *lua.LState) int {
	typ := L.CheckInt(1)
	fn := L.CheckFunction(2)
	if typ < 0 || typ > 0xff {
		L.ArgError(1, fmt.Sprintf("packet type %d out of range", typ))
		return 0
	}
	m.addHandler(L, event.ClassGamePacket, event.PacketKey(protocol.GamePacketType(typ)), fn)
	return 0
}

// addHandler records a registration. Called from Lua with m.mu held by LoadDir.
func (m *Manager) addHandler(L *lua.LState, class event.Class, key string, fn *lua.LFunction) {
	if m.loading == "" {
		L.RaiseError("gt.on_%s(%q): registration is closed", class, key)
		return
	}
	for _, h := range m.handlers {
		if h.class == class && h.key == key {
			L.RaiseError("gt.on_%s(%q): already registered by %s", class, key, h.file)
			return
		}
	}
	m.handlers = append(m.handlers, scriptHandler{class: class, key: key, fn: fn, file: m.loading})
}

// eventTable builds the table passed to a script handler. The returned
// expire func disables its closures once the dispatch is over.
func (m *Manager) eventTable(ec *event.Context, key string) (*lua.LTable, func()) {
	L := m.L
	live := true
	guard := func(L *lua.LState, name string) bool {
		if !live {
			L.RaiseError("event.%s called after the handler returned", name)
			return false
		}
		return true
	}

	t := L.NewTable()
	t.RawSetString("key", lua.LString(key))
	t.RawSetString("instance", lua.LNumber(ec.Server.InstanceID()))
	if ec.Session != nil {
		t.RawSetString("connection_id", lua.LNumber(ec.Session.ConnectionID))
		t.RawSetString("authenticated", lua.LBool(ec.Session.Authenticated()))
	}

	fields := L.NewTable()
	if ec.Text != nil {
		t.RawSetString("raw", lua.LString(ec.Text.Raw()))
		for _, f := range ec.Text.Fields() {
			fields.Append(lua.LString(f))
		}
		values := L.NewTable()
		for k, v := range ec.Text.Values() {
			values.RawSetString(k, lua.LString(v))
		}
		t.RawSetString("values", values)
	}
	t.RawSetString("fields", fields)

	if p := ec.Packet; p != nil {
		pt := L.NewTable()
		pt.RawSetString("type", lua.LNumber(p.Type))
		pt.RawSetString("net_id", lua.LNumber(p.NetID))
		pt.RawSetString("target_net_id", lua.LNumber(p.TargetNetID))
		pt.RawSetString("flags", lua.LNumber(p.Flags))
		pt.RawSetString("value", lua.LNumber(p.Value))
		pt.RawSetString("int_x", lua.LNumber(p.IntX))
		pt.RawSetString("int_y", lua.LNumber(p.IntY))
		pt.RawSetString("data", lua.LString(p.Data))
		t.RawSetString("packet", pt)
	}

	t.RawSetString("send_log", L.NewFunction(func(L *lua.LState) int {
		msg := L.CheckString(1)
		if !guard(L, "send_log") || ec.Session == nil {
			return 0
		}
		if err := ec.SendLog(msg); err != nil {
			m.logger.Warn("scripting: send_log failed", zap.Error(err))
		}
		return 0
	}))
	t.RawSetString("kick", L.NewFunction(func(L *lua.LState) int {
		if !guard(L, "kick") || ec.Session == nil {
			return 0
		}
		ec.Kick()
		return 0
	}))

	return t, func() { live = false }
}
