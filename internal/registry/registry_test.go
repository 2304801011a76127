package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeSandbox struct {
	lastRuntime Runtime
	lastSource  string
	out         string
	err         error
}

func (f *fakeSandbox) RunScript(_ context.Context, runtime Runtime, source string, _ json.RawMessage) (string, error) {
	f.lastRuntime = runtime
	f.lastSource = source
	return f.out, f.err
}

func TestRegisterBuiltinAndExecute(t *testing.T) {
	r := New(nil)
	r.RegisterBuiltin("echo", "echoes input", nil, func(_ context.Context, args json.RawMessage) (string, error) {
		return string(args), nil
	})

	out, err := r.Execute(context.Background(), "echo", json.RawMessage(`{"x":1}`), "agent-1")
	if err != nil || out != `{"x":1}` {
		t.Fatalf("Execute: out=%q err=%v", out, err)
	}
}

func TestResolveMissingEntry(t *testing.T) {
	r := New(nil)
	if _, ok := r.Resolve("nope"); ok {
		t.Fatal("expected Resolve to report absence")
	}
	_, err := r.Execute(context.Background(), "nope", nil, "agent-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegisterCustomDispatchesToSandbox(t *testing.T) {
	sandbox := &fakeSandbox{out: "hello from sandbox"}
	r := New(sandbox)

	if err := r.RegisterCustom("user100_weather", "gets weather", nil, "curl wttr.in", RuntimeBash); err != nil {
		t.Fatalf("RegisterCustom: %v", err)
	}
	out, err := r.Execute(context.Background(), "user100_weather", json.RawMessage(`{}`), "agent-1")
	if err != nil || out != "hello from sandbox" {
		t.Fatalf("Execute: out=%q err=%v", out, err)
	}
	if sandbox.lastRuntime != RuntimeBash || sandbox.lastSource != "curl wttr.in" {
		t.Fatalf("sandbox received unexpected runtime/source: %v %q", sandbox.lastRuntime, sandbox.lastSource)
	}
}

func TestRegisterCustomRejectsEmptySource(t *testing.T) {
	r := New(nil)
	if err := r.RegisterCustom("user1_tool", "d", nil, "", RuntimeBash); err == nil {
		t.Fatal("expected empty source to be rejected")
	}
}

func TestNamespacingKeepsTwoUsersDistinct(t *testing.T) {
	sandbox := &fakeSandbox{out: "ok"}
	r := New(sandbox)
	r.RegisterCustom("user100_weather", "d1", nil, "src1", RuntimeBash)
	r.RegisterCustom("user200_weather", "d2", nil, "src2", RuntimeBash)

	e1, ok1 := r.Resolve("user100_weather")
	e2, ok2 := r.Resolve("user200_weather")
	if !ok1 || !ok2 {
		t.Fatal("expected both namespaced entries to resolve")
	}
	if e1.SourceCode == e2.SourceCode {
		t.Fatal("expected distinct entries per user despite shared base tool name")
	}
	if _, ok := r.Resolve("weather"); ok {
		t.Fatal("unnamespaced name must not resolve to either user's entry")
	}
}

func TestLastWriteWinsOnOverwrite(t *testing.T) {
	r := New(nil)
	r.RegisterBuiltin("echo", "v1", nil, func(_ context.Context, _ json.RawMessage) (string, error) { return "v1", nil })
	r.RegisterBuiltin("echo", "v2", nil, func(_ context.Context, _ json.RawMessage) (string, error) { return "v2", nil })

	out, err := r.Execute(context.Background(), "echo", nil, "agent-1")
	if err != nil || out != "v2" {
		t.Fatalf("expected last-write-wins, got %q err=%v", out, err)
	}
}
