package proposal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/selfextend/core/internal/agentsvc"
	"github.com/selfextend/core/internal/metrics"
	"github.com/selfextend/core/internal/registry"
	"github.com/selfextend/core/internal/risk"
)

// ErrTooManyPending is returned by Create when the caller already has
// PendingMax pending proposals.
type ErrTooManyPending struct {
	Count int
	Max   int
}

func (e *ErrTooManyPending) Error() string {
	return fmt.Sprintf("proposal: too many pending (count=%d, max=%d)", e.Count, e.Max)
}

// ErrStatePrecondition is returned when an operation's required source
// status precondition does not hold.
type ErrStatePrecondition struct {
	ProposalID string
	Required   Status
	Actual     Status
}

func (e *ErrStatePrecondition) Error() string {
	return fmt.Sprintf("proposal: %s requires status=%s, has status=%s", e.ProposalID, e.Required, e.Actual)
}

// languageToRuntime maps the closed Language tag set to the registry's
// closed Runtime tag set; both are small and fixed, so this is a direct
// match, not a generic string conversion.
func languageToRuntime(lang Language) (registry.Runtime, error) {
	switch lang {
	case LanguageShell:
		return registry.RuntimeBash, nil
	case LanguagePython:
		return registry.RuntimePython, nil
	case LanguageJavaScript:
		return registry.RuntimeJavaScript, nil
	default:
		return "", fmt.Errorf("proposal: unknown language %q", lang)
	}
}

// Engine orchestrates the proposal lifecycle state machine described in
// the specification: create, approve, reject, apply, view, list_pending,
// cleanup_expired. It is the top of the layered dependency graph — it
// calls into ToolRegistry and the external agent/memory/config
// collaborators, and nothing calls into it except the external transport
// layer.
type Engine struct {
	store    Persistence
	audit    *Audit
	registry *registry.Registry
	agents   agentsvc.Service
	memory   agentsvc.MemoryWriter
	config   agentsvc.ConfigStore
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger overrides the engine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithAudit attaches an append-only approval audit log.
func WithAudit(audit *Audit) Option {
	return func(e *Engine) {
		e.audit = audit
	}
}

// WithMetrics attaches a Prometheus metrics bundle. Nil-safe when unset.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine builds an Engine over store, dispatching Applied NewTool
// proposals into reg and MemoryAddition/ConfigChange proposals into memory
// and config respectively.
func NewEngine(store Persistence, reg *registry.Registry, agents agentsvc.Service, memory agentsvc.MemoryWriter, config agentsvc.ConfigStore, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: reg,
		agents:   agents,
		memory:   memory,
		config:   config,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "proposal.engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) recordAudit(proposalID string, actorID int64, action AuditAction) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Record(AuditEntry{ProposalID: proposalID, ActorID: actorID, Action: action, At: e.clock()}); err != nil {
		e.logger.Warn("failed to record approval audit entry", "proposal_id", proposalID, "action", action, "error", err)
	}
}

// Create validates payload, computes risk for NewTool payloads, enforces
// the per-user pending quota, persists the new Pending proposal, and
// returns it.
func (e *Engine) Create(ctx context.Context, trigger Trigger, payload Payload, agentID string, userID int64) (*Proposal, error) {
	if err := validatePayloadLimits(payload); err != nil {
		return nil, err
	}

	var riskResult *Risk
	if payload.Kind == PayloadNewTool {
		if err := validateName(payload.Name); err != nil {
			return nil, err
		}
		if err := validateSchema(payload.ParametersSchema); err != nil {
			return nil, err
		}
		lang := riskLanguageFor(payload.Language)
		analysis := risk.Analyze(lang, payload.SourceCode)
		if analysis.HasRisk() {
			riskResult = &Risk{Patterns: analysis.Patterns, Level: analysis.Level}
		}
	}

	pending := e.store.CountPending(userID)
	if pending >= PendingMax {
		return nil, &ErrTooManyPending{Count: pending, Max: PendingMax}
	}

	now := e.clock()
	p := &Proposal{
		ID:        newID(),
		UserID:    userID,
		AgentID:   agentID,
		Trigger:   trigger,
		Payload:   payload,
		Status:    StatusPending,
		Risk:      riskResult,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Add(p); err != nil {
		return nil, err
	}
	e.recordAudit(p.ID, userID, AuditCreated)
	if e.metrics != nil {
		e.metrics.ProposalsCreated.WithLabelValues(string(trigger.Kind), string(payload.Kind)).Inc()
		if riskResult != nil {
			e.metrics.ProposalRiskLevel.WithLabelValues(string(riskResult.Level)).Inc()
		}
		e.metrics.PendingProposals.WithLabelValues(fmt.Sprintf("%d", userID)).Set(float64(pending + 1))
	}
	return p, nil
}

func riskLanguageFor(lang Language) risk.Language {
	switch lang {
	case LanguageShell:
		return risk.LanguageShell
	case LanguagePython:
		return risk.LanguagePython
	case LanguageJavaScript:
		return risk.LanguageJavaScript
	default:
		return risk.Language("")
	}
}

func validatePayloadLimits(p Payload) error {
	switch p.Kind {
	case PayloadNewTool:
		if len(p.Description) > DescMax {
			return validationErrorf("description exceeds %d characters", DescMax)
		}
		if len(p.SourceCode) > CodeMax {
			return validationErrorf("source_code exceeds %d characters", CodeMax)
		}
	case PayloadMemoryAddition:
		if len(p.Content) > DescMax {
			return validationErrorf("memory content exceeds %d characters", DescMax)
		}
	case PayloadConfigChange:
		if p.Key == "" {
			return validationErrorf("config_change requires a non-empty key")
		}
	default:
		return validationErrorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Approve transitions a Pending proposal owned by userID to Approved.
func (e *Engine) Approve(userID int64, id string) (*Proposal, error) {
	var result *Proposal
	err := e.store.Update(id, func(p *Proposal) error {
		if p.UserID != userID {
			return ErrForbidden
		}
		if p.Status != StatusPending {
			return &ErrStatePrecondition{ProposalID: id, Required: StatusPending, Actual: p.Status}
		}
		p.Status = StatusApproved
		p.UpdatedAt = e.clock()
		result = cloneProposal(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.recordAudit(id, userID, AuditApproved)
	if e.metrics != nil {
		e.metrics.ProposalsByStatus.WithLabelValues(string(StatusApproved)).Inc()
	}
	return result, nil
}

// Reject transitions a Pending proposal owned by userID to Rejected.
func (e *Engine) Reject(userID int64, id string, reason string) (*Proposal, error) {
	var result *Proposal
	err := e.store.Update(id, func(p *Proposal) error {
		if p.UserID != userID {
			return ErrForbidden
		}
		if p.Status != StatusPending {
			return &ErrStatePrecondition{ProposalID: id, Required: StatusPending, Actual: p.Status}
		}
		p.Status = StatusRejected
		p.RejectReason = reason
		p.UpdatedAt = e.clock()
		result = cloneProposal(p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.recordAudit(id, userID, AuditRejected)
	if e.metrics != nil {
		e.metrics.ProposalsByStatus.WithLabelValues(string(StatusRejected)).Inc()
	}
	return result, nil
}

// View returns the proposal with id, enforcing ownership by userID.
func (e *Engine) View(userID int64, id string) (*Proposal, error) {
	return e.store.GetByUser(id, userID)
}

// ListPending returns userID's pending proposals.
func (e *Engine) ListPending(userID int64) []*Proposal {
	return e.store.ListPending(userID)
}

// CleanupExpired sweeps proposals older than CleanupDays past a terminal
// status.
func (e *Engine) CleanupExpired() (int, error) {
	n, err := e.store.CleanupExpired(e.clock())
	if err == nil && e.metrics != nil {
		e.metrics.CleanupSweeps.Inc()
		e.metrics.CleanupRemoved.Add(float64(n))
	}
	return n, err
}

// Apply realizes an Approved proposal's effect: registering a NewTool,
// writing a memory block, or applying a config change. It requires
// status=Approved and persists the terminal Applied or Failed{error}
// status before returning.
//
// The Approved->Applied transition is claimed atomically, in one
// store.Update closure that re-checks the precondition, before any side
// effect runs — exactly like Approve/Reject's check-and-mutate pattern.
// That makes two concurrent Apply(ctx, id) calls race for the claim
// instead of both passing the precondition: the loser sees status already
// Applied and fails with ErrStatePrecondition before touching the
// registry, memory writer, or config store, so a side effect (e.g. a
// memory addition) can never be applied twice for one proposal. If the
// side effect subsequently fails, a second Update flips the claimed
// Applied status to Failed{error}.
func (e *Engine) Apply(ctx context.Context, id string) (*Proposal, error) {
	var claimed *Proposal
	err := e.store.Update(id, func(p *Proposal) error {
		if p.Status != StatusApproved {
			return &ErrStatePrecondition{ProposalID: id, Required: StatusApproved, Actual: p.Status}
		}
		p.Status = StatusApplied
		p.UpdatedAt = e.clock()
		claimed = cloneProposal(p)
		return nil
	})
	if err != nil {
		return nil, err
	}

	applyStart := e.clock()
	var applyErr error
	switch claimed.Payload.Kind {
	case PayloadNewTool:
		applyErr = e.applyNewTool(ctx, claimed)
	case PayloadMemoryAddition:
		applyErr = e.applyMemoryAddition(ctx, claimed)
	case PayloadConfigChange:
		applyErr = e.applyConfigChange(ctx, claimed)
	default:
		applyErr = fmt.Errorf("proposal: unknown payload kind %q", claimed.Payload.Kind)
	}
	if e.metrics != nil {
		e.metrics.ApplyDuration.WithLabelValues(string(claimed.Payload.Kind)).Observe(e.clock().Sub(applyStart).Seconds())
	}

	if applyErr == nil {
		e.recordAudit(id, claimed.UserID, AuditApplied)
		if e.metrics != nil {
			e.metrics.ProposalsByStatus.WithLabelValues(string(StatusApplied)).Inc()
		}
		return claimed, nil
	}

	var result *Proposal
	updateErr := e.store.Update(id, func(p *Proposal) error {
		p.Status = StatusFailed
		p.FailError = applyErr.Error()
		p.UpdatedAt = e.clock()
		result = cloneProposal(p)
		return nil
	})
	if updateErr != nil {
		return nil, updateErr
	}
	e.recordAudit(id, claimed.UserID, AuditFailed)
	if e.metrics != nil {
		e.metrics.ProposalsByStatus.WithLabelValues(string(StatusFailed)).Inc()
	}
	return result, nil
}

// applyNewTool registers the namespaced tool and best-effort adds it to
// the proposing agent's allowlist. A registry failure is a hard failure;
// an allowlist-update failure is swallowed into a warning, matching the
// specification's "registered but not yet on the agent's allowlist until
// restart" diagnostic-success semantics.
func (e *Engine) applyNewTool(ctx context.Context, p *Proposal) error {
	runtime, err := languageToRuntime(p.Payload.Language)
	if err != nil {
		return err
	}
	namespaced := NamespacedToolName(p.UserID, p.Payload.Name)

	if err := e.registry.RegisterCustom(namespaced, p.Payload.Description, p.Payload.ParametersSchema, p.Payload.SourceCode, runtime); err != nil {
		return fmt.Errorf("register tool: %w", err)
	}

	agent, err := e.agents.GetAgent(ctx, p.AgentID)
	if err != nil {
		e.logger.Warn("tool registered but agent lookup failed; allowlist not updated until restart",
			"proposal_id", p.ID, "agent_id", p.AgentID, "error", err)
		return nil
	}
	if agent.HasTool(namespaced) {
		return nil
	}
	patch := agentsvc.Patch{ToolIDs: append(append([]string{}, agent.ToolIDs...), namespaced)}
	if err := e.agents.UpdateAgent(ctx, p.AgentID, patch); err != nil {
		e.logger.Warn("tool registered but allowlist update failed; not yet callable until restart",
			"proposal_id", p.ID, "agent_id", p.AgentID, "error", err)
	}
	return nil
}

func (e *Engine) applyMemoryAddition(ctx context.Context, p *Proposal) error {
	if e.memory == nil {
		return fmt.Errorf("apply memory_addition: no memory writer configured")
	}
	category := agentsvc.MemoryCategory(p.Payload.Category)
	if err := e.memory.Add(ctx, p.AgentID, category, p.Payload.Content); err != nil {
		return fmt.Errorf("apply memory_addition: %w", err)
	}
	return nil
}

func (e *Engine) applyConfigChange(ctx context.Context, p *Proposal) error {
	if e.config == nil {
		return fmt.Errorf("apply config_change: no config store configured")
	}
	if _, err := e.config.Set(ctx, p.Payload.Key, p.Payload.Value); err != nil {
		return fmt.Errorf("apply config_change: %w", err)
	}
	return nil
}
