package script

import (
	"encoding/hex"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"znp-host/internal/znp"
)

// registerZNPModule registers the `znp` global table in a Lua state.
func registerZNPModule(L *lua.LState, proc Coprocessor, logf func(level, msg string)) {
	mod := L.NewTable()

	mod.RawSetString("ping", L.NewFunction(func(L *lua.LState) int {
		return znpPing(L, proc)
	}))
	mod.RawSetString("version", L.NewFunction(func(L *lua.LState) int {
		return znpVersion(L, proc)
	}))
	mod.RawSetString("device_info", L.NewFunction(func(L *lua.LState) int {
		return znpDeviceInfo(L, proc)
	}))
	mod.RawSetString("nv_length", L.NewFunction(func(L *lua.LState) int {
		return znpNvLength(L, proc)
	}))
	mod.RawSetString("nv_read", L.NewFunction(func(L *lua.LState) int {
		return znpNvRead(L, proc)
	}))
	mod.RawSetString("nv_write", L.NewFunction(func(L *lua.LState) int {
		return znpNvWrite(L, proc)
	}))
	mod.RawSetString("nv_delete", L.NewFunction(func(L *lua.LState) int {
		return znpNvDelete(L, proc)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		// znp.log(msg) or znp.log(level, msg)
		if L.GetTop() >= 2 {
			logf(L.CheckString(1), L.CheckString(2))
		} else {
			logf("info", L.CheckString(1))
		}
		return 0
	}))

	L.SetGlobal("znp", mod)
}

func checkItem(L *lua.LState, n int) znp.ItemID {
	v := L.CheckInt(n)
	if v < 0 || v > 0xFFFF {
		L.ArgError(n, "item id out of range")
	}
	return znp.ItemID(v)
}

// znp.ping() -> capability mask, {names}
func znpPing(L *lua.LState, proc Coprocessor) int {
	caps, err := proc.Ping(L.Context())
	if err != nil {
		L.RaiseError("ping: %v", err)
		return 0
	}
	names := L.NewTable()
	for _, n := range caps.Names() {
		names.Append(lua.LString(n))
	}
	L.Push(lua.LNumber(caps))
	L.Push(names)
	return 2
}

// znp.version() -> {transport, product, major, minor, maint, revision, zstack3, text}
func znpVersion(L *lua.LState, proc Coprocessor) int {
	v, err := proc.Version(L.Context(), false)
	if err != nil {
		L.RaiseError("version: %v", err)
		return 0
	}
	t := L.NewTable()
	t.RawSetString("transport", lua.LNumber(v.TransportRev))
	t.RawSetString("product", lua.LNumber(v.Product))
	t.RawSetString("major", lua.LNumber(v.Major))
	t.RawSetString("minor", lua.LNumber(v.Minor))
	t.RawSetString("maint", lua.LNumber(v.Maint))
	t.RawSetString("revision", lua.LNumber(v.Revision))
	t.RawSetString("zstack3", lua.LBool(v.IsZStack3()))
	t.RawSetString("text", lua.LString(v.String()))
	L.Push(t)
	return 1
}

// znp.device_info() -> {ieee, short_address, device_type, state}
func znpDeviceInfo(L *lua.LState, proc Coprocessor) int {
	info, err := proc.DeviceInfo(L.Context())
	if err != nil {
		L.RaiseError("device info: %v", err)
		return 0
	}
	t := L.NewTable()
	t.RawSetString("ieee", lua.LString(info.IEEEString()))
	t.RawSetString("short_address", lua.LNumber(info.ShortAddress))
	t.RawSetString("device_type", lua.LNumber(info.DeviceType))
	t.RawSetString("state", lua.LNumber(info.DeviceState))
	L.Push(t)
	return 1
}

// znp.nv_length(id) -> bytes, 0 when missing
func znpNvLength(L *lua.LState, proc Coprocessor) int {
	id := checkItem(L, 1)
	n, err := proc.ItemLength(L.Context(), id)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LNumber(n))
	return 1
}

// znp.nv_read(id) -> hex string, "" when missing
func znpNvRead(L *lua.LState, proc Coprocessor) int {
	id := checkItem(L, 1)
	data, err := proc.ReadItem(L.Context(), id)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LString(strings.ToUpper(hex.EncodeToString(data))))
	return 1
}

// znp.nv_write(id, hex [, auto_init=true])
func znpNvWrite(L *lua.LState, proc Coprocessor) int {
	id := checkItem(L, 1)
	data, err := hex.DecodeString(L.CheckString(2))
	if err != nil {
		L.ArgError(2, "invalid hex: "+err.Error())
		return 0
	}
	autoInit := L.OptBool(3, true)
	if err := proc.WriteItem(L.Context(), id, data, autoInit); err != nil {
		L.RaiseError("%v", err)
	}
	return 0
}

// znp.nv_delete(id) -> status name
func znpNvDelete(L *lua.LState, proc Coprocessor) int {
	id := checkItem(L, 1)
	status, err := proc.DeleteItem(L.Context(), id)
	if err != nil {
		L.RaiseError("%v", err)
		return 0
	}
	L.Push(lua.LString(status.String()))
	return 1
}
