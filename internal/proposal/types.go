// Package proposal implements the Proposal lifecycle engine: the state
// machine, persistence, quota enforcement, and validation that govern how
// an agent-suggested or user-requested capability extension becomes a
// callable tool, a memory addition, or a configuration change. It follows
// the teacher's marketplace.Store (index + file persistence) and
// policy.ApprovalManager (status state machine) conventions.
package proposal

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/selfextend/core/internal/risk"
)

// Limits enforced on proposal content, per specification.
const (
	PendingMax  = 50
	DescMax     = 10000
	CodeMax     = 100000
	NameMax     = 64
	CleanupDays = 30
)

// IDPrefix is prepended to every generated proposal ID.
const IDPrefix = "prop_"

// TriggerKind distinguishes how a proposal originated.
type TriggerKind string

const (
	TriggerUserRequested  TriggerKind = "user_requested"
	TriggerAgentSuggested TriggerKind = "agent_suggested"
)

// Trigger records the origin of a proposal.
type Trigger struct {
	Kind             TriggerKind `json:"kind"`
	Reasoning        string      `json:"reasoning,omitempty"`
	ObservationCount int         `json:"observation_count,omitempty"`
}

// PayloadKind distinguishes the three proposal payload variants.
type PayloadKind string

const (
	PayloadNewTool        PayloadKind = "new_tool"
	PayloadMemoryAddition PayloadKind = "memory_addition"
	PayloadConfigChange   PayloadKind = "config_change"
)

// Language identifies the runtime a NewTool's source code targets.
type Language string

const (
	LanguageShell      Language = "Shell"
	LanguagePython     Language = "Python"
	LanguageJavaScript Language = "JavaScript"
)

// MemoryCategory classifies a MemoryAddition payload.
type MemoryCategory string

const (
	MemoryPersona     MemoryCategory = "Persona"
	MemoryHuman       MemoryCategory = "Human"
	MemoryKnowledge   MemoryCategory = "Knowledge"
	MemoryPreferences MemoryCategory = "Preferences"
)

// Payload is the tagged union of the three proposal kinds. Exactly the
// fields relevant to Kind are populated; the others are zero.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	// NewTool fields.
	Name             string         `json:"name,omitempty"`
	Description      string         `json:"description,omitempty"`
	ParametersSchema map[string]any `json:"parameters_schema,omitempty"`
	SourceCode       string         `json:"source_code,omitempty"`
	Language         Language       `json:"language,omitempty"`

	// MemoryAddition fields.
	Content  string         `json:"content,omitempty"`
	Category MemoryCategory `json:"category,omitempty"`

	// ConfigChange fields.
	Key           string  `json:"key,omitempty"`
	Value         string  `json:"value,omitempty"`
	PreviousValue *string `json:"previous_value,omitempty"`
}

// NamespacedToolName returns "user{user_id}_{name}", the registry key that
// prevents cross-user tool-name collisions. Only meaningful for a NewTool
// payload.
func NamespacedToolName(userID int64, name string) string {
	return fmt.Sprintf("user%d_%s", userID, name)
}

// Status is the tagged variant of a proposal's lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusApplied  Status = "applied"
	StatusFailed   Status = "failed"
)

// Risk is the advisory result of CodeRiskAnalyzer, attached only to
// NewTool proposals that matched at least one dangerous pattern.
type Risk struct {
	Patterns []string   `json:"patterns"`
	Level    risk.Level `json:"level"`
}

// Proposal is the central persisted entity of the engine.
type Proposal struct {
	ID      string  `json:"id"`
	UserID  int64   `json:"user_id"`
	AgentID string  `json:"agent_id"`
	Trigger Trigger `json:"trigger"`
	Payload Payload `json:"payload"`
	Status  Status  `json:"status"`
	Risk    *Risk   `json:"risk,omitempty"`

	// RejectReason is set when Status == StatusRejected and a reason was
	// supplied.
	RejectReason string `json:"reject_reason,omitempty"`
	// FailError is set when Status == StatusFailed.
	FailError string `json:"fail_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// newID generates a prefixed, globally unique proposal ID.
func newID() string {
	return IDPrefix + uuid.NewString()
}

// IsTerminal reports whether p.Status admits no further transitions.
func (p *Proposal) IsTerminal() bool {
	switch p.Status {
	case StatusRejected, StatusApplied, StatusFailed:
		return true
	default:
		return false
	}
}
