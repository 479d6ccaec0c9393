//go:build linux || darwin

package dynlib

import (
	"errors"
	"testing"
)

// loadCRuntime loads the real C runtime or skips the test.
func loadCRuntime(t *testing.T) (*Context, *Library) {
	t.Helper()
	off := false
	ctx, err := New(Options{Config: Config{TempDir: t.TempDir(), EmulateDependentSearch: &off}})
	if err != nil {
		t.Fatalf("Error creating context: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })
	lib, err := ctx.Load(ctx.Platform().CRuntime)
	if err != nil {
		t.Skipf("C runtime not loadable here: %v", err)
	}
	return ctx, lib
}

func TestCRuntimeCalls(t *testing.T) {
	_, lib := loadCRuntime(t)
	set := MustSignatureSet("c",
		Func("Len", Size, String).As("strlen"),
		Func("Abs", Int32, Int32).As("abs"),
		Func("Atol", Long, String).As("atol"),
		Func("Chr", String, String, Int32).As("strchr"),
		Func("WideLen", Size, WString).As("wcslen"),
		Func("WideChr", WString, WString, Int32).As("wcschr"),
		Func("Missing", Void).As("dynlib_no_such_function").OrAbsent(),
	)
	proxy, err := lib.Bind(set)
	if err != nil {
		t.Fatalf("Error binding libc: %v", err)
	}
	tests := []struct {
		method string
		args   []any
		want   any
	}{
		{"Len", []any{"hello"}, uint64(5)},
		{"Len", []any{"héllo"}, uint64(6)},
		{"Abs", []any{-42}, int32(42)},
		{"Atol", []any{"-1234567"}, int64(-1234567)},
		{"Chr", []any{"native", int32('t')}, "tive"},
		{"WideLen", []any{"wïde"}, uint64(4)},
		{"WideChr", []any{"wïde", int32('d')}, "de"},
		{"Chr", []any{"native", int32('z')}, ""},
	}
	for _, tt := range tests {
		got, err := proxy.Call(tt.method, tt.args...)
		if err != nil {
			t.Fatalf("%s%v: %v", tt.method, tt.args, err)
		}
		if got != tt.want {
			t.Errorf("%s%v = %#v, want %#v", tt.method, tt.args, got, tt.want)
		}
	}
	if _, err := proxy.Call("Missing"); !errors.Is(err, ErrUnboundMethod) {
		t.Errorf("Missing err = %v", err)
	}
}

func TestCRuntimeBindFuncs(t *testing.T) {
	ctx, lib := loadCRuntime(t)
	if ctx.Platform().PointerWidth != 64 {
		t.Skip("labs takes a 32-bit long here")
	}
	var c struct {
		Strlen func(string) uintptr `native:"strlen"`
		Labs   func(int64) int64    `native:"labs"`
	}
	if err := lib.BindFuncs(&c); err != nil {
		t.Fatalf("Error binding funcs: %v", err)
	}
	if n := c.Strlen("dynlib"); n != 6 {
		t.Errorf("strlen = %d", n)
	}
	if n := c.Labs(-7); n != 7 {
		t.Errorf("labs = %d", n)
	}
}

func TestCRuntimeSingleHandle(t *testing.T) {
	ctx, lib := loadCRuntime(t)
	if ctx.CRuntime() != lib {
		t.Fatal("CRuntime returned a different library")
	}
	self, err := ctx.Load(SelfName)
	if err != nil {
		t.Fatalf("Error loading self: %v", err)
	}
	if _, err := self.Symbol("strlen"); err != nil {
		t.Errorf("strlen not visible in the process image: %v", err)
	}
	if _, err := lib.Symbol("dynlib_no_such_function"); !errors.Is(err, ErrUnresolvedSymbol) {
		t.Errorf("err = %v, want ErrUnresolvedSymbol", err)
	}
}
