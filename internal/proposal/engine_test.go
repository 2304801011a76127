package proposal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/selfextend/core/internal/agentsvc"
	"github.com/selfextend/core/internal/registry"
)

func newTestEngine(t *testing.T, agents *agentsvc.FakeService) (*Engine, *Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := registry.New(nil)
	memory := agentsvc.NewFakeMemoryWriter()
	config := agentsvc.NewFakeConfigStore()
	engine := NewEngine(store, reg, agents, memory, config)
	return engine, store
}

func objectSchema() map[string]any {
	return map[string]any{"type": "object"}
}

func TestHappyPathNewToolApproveApply(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	engine, reg := newTestEngine(t, agents)
	_ = reg
	ctx := context.Background()

	p, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind:             PayloadNewTool,
		Name:             "weather",
		Description:      "get weather",
		ParametersSchema: objectSchema(),
		SourceCode:       "curl wttr.in",
		Language:         LanguageShell,
	}, "agent-1", 100)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Status != StatusPending {
		t.Fatalf("expected Pending, got %v", p.Status)
	}

	if _, err := engine.Approve(100, p.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	applied, err := engine.Apply(ctx, p.ID)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied.Status != StatusApplied {
		t.Fatalf("expected Applied, got %v (%s)", applied.Status, applied.FailError)
	}

	agent, _ := agents.GetAgent(ctx, "agent-1")
	if !agent.HasTool("user100_weather") {
		t.Fatalf("expected agent allowlist to contain user100_weather, got %v", agent.ToolIDs)
	}
}

func TestRiskSurfacedStillApplicable(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	engine, _ := newTestEngine(t, agents)
	ctx := context.Background()

	source := "eval(input())\nos.system('id')\n__import__('os').system('whoami')"
	p, err := engine.Create(ctx, Trigger{Kind: TriggerAgentSuggested}, Payload{
		Kind:             PayloadNewTool,
		Name:             "risky",
		Description:      "risky tool",
		ParametersSchema: objectSchema(),
		SourceCode:       source,
		Language:         LanguagePython,
	}, "agent-1", 101)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Risk == nil || p.Risk.Level != "high" {
		t.Fatalf("expected high risk, got %+v", p.Risk)
	}
	if len(p.Risk.Patterns) < 3 {
		t.Fatalf("expected at least 3 patterns, got %v", p.Risk.Patterns)
	}

	if _, err := engine.Approve(101, p.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	applied, err := engine.Apply(ctx, p.ID)
	if err != nil || applied.Status != StatusApplied {
		t.Fatalf("expected risk to be advisory only; apply should still succeed: %v status=%v", err, applied.Status)
	}
}

func TestQuotaExhaustion(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	engine, _ := newTestEngine(t, agents)
	ctx := context.Background()

	for i := 0; i < PendingMax; i++ {
		_, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
			Kind: PayloadConfigChange, Key: "k", Value: "v",
		}, "agent-1", 200)
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}

	_, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind: PayloadConfigChange, Key: "k", Value: "v",
	}, "agent-1", 200)
	var quotaErr *ErrTooManyPending
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected ErrTooManyPending, got %v", err)
	}
	if quotaErr.Count != PendingMax || quotaErr.Max != PendingMax {
		t.Fatalf("unexpected quota error detail: %+v", quotaErr)
	}
}

func TestInvalidName(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	engine, _ := newTestEngine(t, agents)
	ctx := context.Background()

	_, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind:             PayloadNewTool,
		Name:             "Hello-World",
		Description:      "d",
		ParametersSchema: objectSchema(),
		SourceCode:       "echo hi",
		Language:         LanguageShell,
	}, "agent-1", 300)
	var valErr *ErrValidation
	if !errors.As(err, &valErr) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCrossUserRejectFails(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	engine, _ := newTestEngine(t, agents)
	ctx := context.Background()

	p, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind: PayloadConfigChange, Key: "k", Value: "v",
	}, "agent-1", 100)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = engine.Approve(101, p.ID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	fresh, err := engine.store.Get(p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.Status != StatusPending {
		t.Fatalf("expected status to remain Pending after failed cross-user approve, got %v", fresh.Status)
	}
}

func TestCrashRestartRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store1, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	reg := registry.New(nil)
	engine1 := NewEngine(store1, reg, agents, agentsvc.NewFakeMemoryWriter(), agentsvc.NewFakeConfigStore())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := engine1.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
			Kind: PayloadConfigChange, Key: "k", Value: "v",
		}, "agent-1", 400); err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
	}

	store2, err := NewStore(dir)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if got := store2.CountPending(400); got != 3 {
		t.Fatalf("expected 3 pending after reload, got %d", got)
	}
	if got := len(store2.ListAll(400)); got != 3 {
		t.Fatalf("expected 3 total proposals after reload, got %d", got)
	}
}

func TestKeyTamperScenarioIsOutOfScopeHereButStatusMonotonicityHolds(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	engine, _ := newTestEngine(t, agents)
	ctx := context.Background()

	p, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind: PayloadConfigChange, Key: "k", Value: "v",
	}, "agent-1", 500)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Reject(500, p.ID, "no thanks"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	// Rejected is terminal: approve must now fail on precondition, never
	// silently transition.
	_, err = engine.Approve(500, p.ID)
	var stateErr *ErrStatePrecondition
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected ErrStatePrecondition, got %v", err)
	}
}

func TestApplyRequiresApprovedStatus(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	engine, _ := newTestEngine(t, agents)
	ctx := context.Background()

	p, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind: PayloadConfigChange, Key: "k", Value: "v",
	}, "agent-1", 600)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err = engine.Apply(ctx, p.ID)
	var stateErr *ErrStatePrecondition
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected ErrStatePrecondition for applying a Pending proposal, got %v", err)
	}
}

func TestApplyNewToolRegistryFailureMarksFailed(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	dir := t.TempDir()
	store, _ := NewStore(dir)
	reg := registry.New(nil)
	engine := NewEngine(store, reg, agents, agentsvc.NewFakeMemoryWriter(), agentsvc.NewFakeConfigStore())
	ctx := context.Background()

	p, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind:             PayloadNewTool,
		Name:             "broken",
		Description:      "d",
		ParametersSchema: objectSchema(),
		SourceCode:       "", // empty source forces RegisterCustom to fail
		Language:         LanguageShell,
	}, "agent-1", 700)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Approve(700, p.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	applied, err := engine.Apply(ctx, p.ID)
	if err != nil {
		t.Fatalf("Apply should persist Failed status rather than return an error: %v", err)
	}
	if applied.Status != StatusFailed || applied.FailError == "" {
		t.Fatalf("expected Failed with a recorded error, got %+v", applied)
	}
}

// TestConcurrentApplyAppliesExactlyOnce guards the atomicity fix: several
// goroutines racing Apply(ctx, id) on the same Approved proposal must not
// each perform the side effect. Exactly one call should succeed and
// record the memory addition; the others must fail their Approved
// precondition, since the winner has already claimed the transition to
// Applied.
func TestConcurrentApplyAppliesExactlyOnce(t *testing.T) {
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	reg := registry.New(nil)
	memory := agentsvc.NewFakeMemoryWriter()
	engine := NewEngine(store, reg, agents, memory, agentsvc.NewFakeConfigStore())
	ctx := context.Background()

	p, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind:     PayloadMemoryAddition,
		Content:  "the user prefers metric units",
		Category: MemoryPreferences,
	}, "agent-1", 900)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Approve(900, p.ID); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	results := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = engine.Apply(ctx, p.ID)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		var stateErr *ErrStatePrecondition
		if !errors.As(err, &stateErr) {
			t.Fatalf("expected losing Apply calls to fail with ErrStatePrecondition, got %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful Apply among %d racers, got %d", racers, successes)
	}
	if len(memory.Entries()) != 1 {
		t.Fatalf("expected exactly 1 memory addition to be recorded, got %d", len(memory.Entries()))
	}

	final, err := store.Get(p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if final.Status != StatusApplied {
		t.Fatalf("expected final status Applied, got %v", final.Status)
	}
}

func TestCleanupExpiredRemovesOldTerminalProposals(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	reg := registry.New(nil)

	old := time.Now().UTC().AddDate(0, 0, -(CleanupDays + 1))
	engine := NewEngine(store, reg, agents, agentsvc.NewFakeMemoryWriter(), agentsvc.NewFakeConfigStore(), WithClock(func() time.Time { return old }))
	ctx := context.Background()

	p, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind: PayloadConfigChange, Key: "k", Value: "v",
	}, "agent-1", 800)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := engine.Reject(800, p.ID, ""); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	nowEngine := NewEngine(store, reg, agents, agentsvc.NewFakeMemoryWriter(), agentsvc.NewFakeConfigStore())
	removed, err := nowEngine.CleanupExpired()
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 proposal removed, got %d", removed)
	}
	if _, err := store.Get(p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected proposal to be gone after cleanup, got %v", err)
	}
}

func TestPendingProposalNotRemovedByCleanupRegardlessOfAge(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	agents := agentsvc.NewFakeService(agentsvc.Agent{ID: "agent-1"})
	reg := registry.New(nil)

	old := time.Now().UTC().AddDate(0, 0, -(CleanupDays + 100))
	engine := NewEngine(store, reg, agents, agentsvc.NewFakeMemoryWriter(), agentsvc.NewFakeConfigStore(), WithClock(func() time.Time { return old }))
	ctx := context.Background()

	p, err := engine.Create(ctx, Trigger{Kind: TriggerUserRequested}, Payload{
		Kind: PayloadConfigChange, Key: "k", Value: "v",
	}, "agent-1", 900)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	removed, err := engine.CleanupExpired()
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected pending proposals to survive cleanup regardless of age, removed=%d", removed)
	}
	if _, err := store.Get(p.ID); err != nil {
		t.Fatalf("expected pending proposal to still exist: %v", err)
	}
}
