// Package registry implements the ToolRegistry: the name-to-handler
// mapping agents dispatch through, whether the handler is a built-in Go
// function or a sandboxed script. It follows the teacher's agent.Tool
// interface shape (Name/Description/Schema/Execute) generalized to admit
// both kinds of entry behind one resolve-then-execute path.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Runtime is the closed set of interpreters a Custom entry's source code
// can target, represented as a tagged variant rather than dispatched on a
// raw string at the call site.
type Runtime string

const (
	RuntimeBash       Runtime = "bash"
	RuntimePython     Runtime = "python"
	RuntimeJavaScript Runtime = "javascript"
)

// BuiltinHandler executes a builtin tool entry. argsJSON is the caller's
// raw JSON arguments; the returned string is the tool's textual output.
type BuiltinHandler func(ctx context.Context, argsJSON json.RawMessage) (string, error)

// Kind distinguishes a builtin Go handler from a sandboxed Custom script.
type Kind string

const (
	KindBuiltin Kind = "builtin"
	KindCustom  Kind = "custom"
)

// Entry is one resolvable registry record.
type Entry struct {
	Name        string
	Description string
	Schema      map[string]any
	Kind        Kind

	// Builtin fields.
	Handler BuiltinHandler

	// Custom fields.
	SourceCode string
	Runtime    Runtime
}

// ErrNotFound is returned by Resolve/Execute when name has no entry.
var ErrNotFound = errors.New("registry: tool not found")

// SandboxExecutor is the subset of SandboxPool the registry needs to run a
// Custom entry: checkout a worker, run the script with args, return it.
type SandboxExecutor interface {
	RunScript(ctx context.Context, runtime Runtime, source string, argsJSON json.RawMessage) (string, error)
}

// Registry maps tool names (including namespaced custom names) to
// executable entries. Mutations acquire an exclusive lock; Resolve takes a
// read lock over the same map, satisfying the specification's
// lock-fine-grained-read requirement without needing a separate immutable
// snapshot.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	sandbox SandboxExecutor
}

// New creates an empty Registry. sandbox is used to execute Custom entries
// and may be nil until a sandbox pool becomes available, in which case
// Execute on a Custom entry fails with a descriptive error instead of a
// nil dereference.
func New(sandbox SandboxExecutor) *Registry {
	return &Registry{entries: make(map[string]*Entry), sandbox: sandbox}
}

// RegisterBuiltin inserts (or overwrites, last-write-wins) a built-in
// entry under name.
func (r *Registry) RegisterBuiltin(name, description string, schema map[string]any, handler BuiltinHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &Entry{
		Name:        name,
		Description: description,
		Schema:      schema,
		Kind:        KindBuiltin,
		Handler:     handler,
	}
}

// RegisterCustom inserts (or overwrites) a sandboxed Custom entry under
// name, which the caller is responsible for namespacing
// (proposal.NamespacedToolName) before calling.
func (r *Registry) RegisterCustom(name, description string, schema map[string]any, sourceCode string, runtime Runtime) error {
	if sourceCode == "" {
		return fmt.Errorf("registry: custom tool %q has empty source", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &Entry{
		Name:        name,
		Description: description,
		Schema:      schema,
		Kind:        KindCustom,
		SourceCode:  sourceCode,
		Runtime:     runtime,
	}
	return nil
}

// Resolve returns the entry registered under name, if any.
func (r *Registry) Resolve(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Execute dispatches to a builtin handler directly, or round-trips a
// Custom entry's source through the sandbox. callerAgentID is accepted for
// parity with the specification's interface shape; access control is
// enforced by the caller (the agent loop), not here — by the time Execute
// is reached, name is assumed to already be in the caller's allowlist.
func (r *Registry) Execute(ctx context.Context, name string, argsJSON json.RawMessage, callerAgentID string) (string, error) {
	entry, ok := r.Resolve(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	switch entry.Kind {
	case KindBuiltin:
		return entry.Handler(ctx, argsJSON)
	case KindCustom:
		if r.sandbox == nil {
			return "", fmt.Errorf("registry: no sandbox configured to execute custom tool %q", name)
		}
		return r.sandbox.RunScript(ctx, entry.Runtime, entry.SourceCode, argsJSON)
	default:
		return "", fmt.Errorf("registry: entry %q has unknown kind %q", name, entry.Kind)
	}
}

// Names returns every registered tool name, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}
