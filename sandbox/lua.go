package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/Shopify/go-lua"
)

const (
	luaGlobalTableName  = "_G"
	luaGlobalTableIndex = -2
	luaTableIndex       = -3

	// luaHookInterval is the instruction count between context checks.
	luaHookInterval = 1000
)

var ErrLuaExecution = errors.New("lua execution error")

var luaExclude = [...]string{
	"io", "os", "debug", "package", "require", "dofile", "loadfile",
	"load", "loadstring", "collectgarbage", "rawequal", "rawget", "rawset",
	"getmetatable", "setmetatable",
}

// LuaEnv runs scripts in a fresh go-lua state per execution. A count hook
// aborts the script once the context is done.
type LuaEnv struct{}

var _ Environment = (*LuaEnv)(nil)

// NewLuaEnv creates the Lua environment.
func NewLuaEnv() *LuaEnv {
	return &LuaEnv{}
}

// Run executes req.Code and returns the converted result global.
func (e *LuaEnv) Run(ctx context.Context, req Request, mods *Modules) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	L := lua.NewState()
	e.setupSandbox(L)
	e.installModules(ctx, L, mods)

	for _, name := range sortedKeys(req.Bindings) {
		goToLua(L, req.Bindings[name])
		L.SetGlobal(name)
	}

	if err := lua.LoadString(L, req.Code); err != nil {
		return nil, false, luaError(L, err)
	}
	lua.SetDebugHook(L, func(L *lua.State, _ lua.Debug) {
		if err := ctx.Err(); err != nil {
			lua.Errorf(L, "%s", err.Error())
		}
	}, lua.MaskCount, luaHookInterval)
	if err := L.ProtectedCall(0, 0, 0); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, false, ErrScriptTimeout
			}
			return nil, false, fmt.Errorf("script interrupted: %v", ctxErr)
		}
		return nil, false, luaError(L, err)
	}

	L.Global(ResultVar)
	defer L.Pop(1)
	if L.IsNil(-1) {
		return nil, false, nil
	}
	return luaToGo(L, -1), true, nil
}

func (e *LuaEnv) setupSandbox(L *lua.State) {
	lua.OpenLibraries(L)
	L.Global(luaGlobalTableName)
	for _, name := range luaExclude {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	for _, name := range blockedNames {
		L.PushNil()
		L.SetField(luaGlobalTableIndex, name)
	}
	L.Pop(1)
}

func (e *LuaEnv) installModules(ctx context.Context, L *lua.State, mods *Modules) {
	L.Register("print", func(L *lua.State) int {
		n := L.Top()
		args := make([]any, n)
		for i := 1; i <= n; i++ {
			args[i-1] = luaToGo(L, i)
		}
		mods.Print(args...)
		return 0
	})

	logFuncs := make([]lua.RegistryFunction, 0, 4)
	for _, level := range []string{"debug", "info", "warn", "error"} {
		lvl := level
		logFuncs = append(logFuncs, lua.RegistryFunction{
			Name: lvl,
			Function: func(L *lua.State) int {
				mods.Log(lvl, lua.CheckString(L, 1))
				return 0
			},
		})
	}
	lua.NewLibrary(L, logFuncs)
	L.SetGlobal(BindingLogger)

	lua.NewLibrary(L, []lua.RegistryFunction{
		{Name: "encode", Function: func(L *lua.State) int {
			s, err := mods.JSONEncode(luaToGo(L, 1))
			return pushOrRaise(L, s, err)
		}},
		{Name: "decode", Function: func(L *lua.State) int {
			v, err := mods.JSONDecode(lua.CheckString(L, 1))
			return pushOrRaise(L, v, err)
		}},
	})
	L.SetGlobal("json")

	lua.NewLibrary(L, []lua.RegistryFunction{
		{Name: "now", Function: func(L *lua.State) int {
			L.PushString(mods.TimeNow())
			return 1
		}},
		{Name: "unix", Function: func(L *lua.State) int {
			L.PushNumber(mods.TimeUnix())
			return 1
		}},
		{Name: "parse", Function: func(L *lua.State) int {
			s, err := mods.TimeParse(lua.CheckString(L, 1))
			return pushOrRaise(L, s, err)
		}},
	})
	L.SetGlobal("time")

	lua.NewLibrary(L, []lua.RegistryFunction{
		{Name: "match", Function: func(L *lua.State) int {
			ok, err := mods.ReMatch(lua.CheckString(L, 1), lua.CheckString(L, 2))
			return pushOrRaise(L, ok, err)
		}},
		{Name: "search", Function: func(L *lua.State) int {
			groups, err := mods.ReSearch(lua.CheckString(L, 1), lua.CheckString(L, 2))
			if err == nil && groups == nil {
				L.PushNil()
				return 1
			}
			return pushOrRaise(L, stringsToAny(groups), err)
		}},
		{Name: "findall", Function: func(L *lua.State) int {
			found, err := mods.ReFindAll(lua.CheckString(L, 1), lua.CheckString(L, 2))
			return pushOrRaise(L, stringsToAny(found), err)
		}},
		{Name: "sub", Function: func(L *lua.State) int {
			out, err := mods.ReSub(
				lua.CheckString(L, 1), lua.CheckString(L, 2), lua.CheckString(L, 3),
			)
			return pushOrRaise(L, out, err)
		}},
	})
	L.SetGlobal("re")

	if !mods.NetworkEnabled() {
		return
	}

	httpFuncs := make([]lua.RegistryFunction, 0, 3)
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut} {
		m := method
		httpFuncs = append(httpFuncs, lua.RegistryFunction{
			Name: strings.ToLower(m),
			Function: func(L *lua.State) int {
				url := lua.CheckString(L, 1)
				var body any
				headerIdx := 2
				if m != http.MethodGet {
					body = luaToGo(L, 2)
					headerIdx = 3
				}
				resp, err := mods.HTTP(ctx, m, url, body, toStringMap(luaToGo(L, headerIdx)))
				return pushOrRaise(L, resp, err)
			},
		})
	}
	lua.NewLibrary(L, httpFuncs)
	L.SetGlobal("http")
}

// luaError prefers the message left on the stack by a failed load or call.
func luaError(L *lua.State, err error) error {
	if msg, ok := L.ToString(-1); ok && msg != "" {
		return fmt.Errorf("%w: %s", ErrLuaExecution, msg)
	}
	return fmt.Errorf("%w: %v", ErrLuaExecution, err)
}

func pushOrRaise(L *lua.State, v any, err error) int {
	if err != nil {
		lua.Errorf(L, "%s", err.Error())
		return 0
	}
	goToLua(L, v)
	return 1
}

func goToLua(L *lua.State, value any) {
	switch v := value.(type) {
	case string:
		L.PushString(v)
	case bool:
		L.PushBoolean(v)
	case int:
		L.PushInteger(v)
	case int64:
		L.PushInteger(int(v))
	case float64:
		L.PushNumber(v)
	case []any:
		pushLuaArray(L, v)
	case []string:
		pushLuaArray(L, stringsToAny(v))
	case map[string]any:
		pushLuaMap(L, v)
	case map[string]string:
		m := make(map[string]any, len(v))
		for k, s := range v {
			m[k] = s
		}
		pushLuaMap(L, m)
	case nil:
		L.PushNil()
	default:
		L.PushString(fmt.Sprintf("%v", v))
	}
}

func pushLuaArray(L *lua.State, arr []any) {
	L.CreateTable(len(arr), 0)
	for i, item := range arr {
		L.PushInteger(i + 1)
		goToLua(L, item)
		L.SetTable(luaTableIndex)
	}
}

func pushLuaMap(L *lua.State, m map[string]any) {
	L.CreateTable(0, len(m))
	for k, val := range m {
		L.PushString(k)
		goToLua(L, val)
		L.SetTable(luaTableIndex)
	}
}

func luaToGo(L *lua.State, index int) any {
	switch L.TypeOf(index) {
	case lua.TypeBoolean:
		return L.ToBoolean(index)
	case lua.TypeNumber:
		num, _ := L.ToNumber(index)
		if num == float64(int(num)) {
			return int(num)
		}
		return num
	case lua.TypeString:
		s, _ := L.ToString(index)
		return s
	case lua.TypeTable:
		return luaTableToAny(L, index)
	default:
		return nil
	}
}

func luaTableToAny(L *lua.State, index int) any {
	abs := index
	if index < 0 {
		abs = L.Top() + index + 1
	}

	isArray := true
	length := 0
	L.PushNil()
	for L.Next(abs) {
		if !L.IsNumber(-2) {
			isArray = false
			L.Pop(2)
			break
		}
		length++
		L.Pop(1)
	}

	if isArray && length > 0 {
		arr := make([]any, length)
		for i := 1; i <= length; i++ {
			L.RawGetInt(abs, i)
			arr[i-1] = luaToGo(L, -1)
			L.Pop(1)
		}
		return arr
	}

	result := map[string]any{}
	L.PushNil()
	for L.Next(abs) {
		var key string
		if L.TypeOf(-2) == lua.TypeString {
			key, _ = L.ToString(-2)
		} else {
			key = fmt.Sprintf("%v", luaToGo(L, -2))
		}
		result[key] = luaToGo(L, -1)
		L.Pop(1)
	}
	return result
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
