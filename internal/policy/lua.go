package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// LuaEvaluator runs an analysis script once per request. The script sees a
// global table named request and must return one of the verdict strings.
//
// Fields of request: ip, requestCount, totalRequests, url, method, userAgent,
// urlLength, headerBytes, suspiciousThreshold.
type LuaEvaluator struct {
	name  string
	proto *lua.FunctionProto
}

var _ Evaluator = (*LuaEvaluator)(nil)

// LoadLuaEvaluator compiles the script at path.
func LoadLuaEvaluator(path string) (*LuaEvaluator, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy script %s: %w", path, err)
	}
	return NewLuaEvaluator(filepath.Base(path), string(src))
}

// NewLuaEvaluator compiles src. The compiled chunk is shared; every call runs
// it in a fresh interpreter state.
func NewLuaEvaluator(name, src string) (*LuaEvaluator, error) {
	chunk, err := parse.Parse(strings.NewReader(src), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy script %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy script %s: %w", name, err)
	}
	return &LuaEvaluator{name: name, proto: proto}, nil
}

// Name returns the script name used in error messages.
func (e *LuaEvaluator) Name() string { return e.name }

// Evaluate implements Evaluator.
func (e *LuaEvaluator) Evaluate(ctx context.Context, snap FeatureSnapshot) (Verdict, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	openSafeLibs(L)
	L.SetContext(ctx)
	L.SetGlobal("request", requestTable(L, snap))

	L.Push(L.NewFunctionFromProto(e.proto))
	if err := L.PCall(0, 1, nil); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", ErrEvaluatorTimeout
		}
		return "", fmt.Errorf("%w: %s: %v", ErrEvaluatorUnavailable, e.name, err)
	}

	ret := L.Get(-1)
	L.Pop(1)
	if ret.Type() != lua.LTString {
		return "", fmt.Errorf("%w: script %s returned %s", ErrMalformedVerdict, e.name, ret.Type())
	}
	return ParseVerdict(lua.LVAsString(ret))
}

// openSafeLibs loads the base, table, string and math libraries only. The
// os and io libraries stay closed.
func openSafeLibs(L *lua.LState) {
	libs := []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
	for _, lib := range libs {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}

func requestTable(L *lua.LState, snap FeatureSnapshot) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("ip", lua.LString(snap.Origin))
	t.RawSetString("requestCount", lua.LNumber(snap.EventsInWindow))
	t.RawSetString("totalRequests", lua.LNumber(snap.TotalRequests))
	t.RawSetString("url", lua.LString(snap.URL))
	t.RawSetString("method", lua.LString(snap.Method))
	t.RawSetString("userAgent", lua.LString(snap.UserAgent))
	t.RawSetString("urlLength", lua.LNumber(snap.URLLength))
	t.RawSetString("headerBytes", lua.LNumber(snap.HeaderBytes))
	t.RawSetString("suspiciousThreshold", lua.LNumber(snap.SuspiciousThreshold))
	return t
}
