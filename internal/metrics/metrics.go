// Package metrics provides a centralized Prometheus metrics bundle for the
// proposal engine, sandbox pool, and key store, in the style of the
// teacher's observability package: one promauto-backed struct with typed
// fields, constructed once and passed down to the components that record
// into it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter, gauge, and histogram this module emits.
type Metrics struct {
	// ProposalsCreated counts proposals by trigger kind and payload kind.
	// Labels: trigger (user_requested|agent_suggested), payload (new_tool|memory_addition|config_change)
	ProposalsCreated *prometheus.CounterVec

	// ProposalsByStatus tracks terminal-transition counts.
	// Labels: status (approved|rejected|applied|failed)
	ProposalsByStatus *prometheus.CounterVec

	// ProposalRiskLevel counts proposals by computed risk level at creation.
	// Labels: level (low|medium|high)
	ProposalRiskLevel *prometheus.CounterVec

	// PendingProposals is a gauge of the current pending-proposal count per user.
	PendingProposals *prometheus.GaugeVec

	// ApplyDuration measures time spent applying an approved proposal.
	// Labels: payload (new_tool|memory_addition|config_change)
	ApplyDuration *prometheus.HistogramVec

	// SandboxExecutions counts sandbox runs by runtime and outcome.
	// Labels: runtime (bash|python|javascript), outcome (success|nonzero_exit|timeout|error)
	SandboxExecutions *prometheus.CounterVec

	// SandboxExecDuration measures sandbox exec wall-clock time in seconds.
	// Labels: runtime
	SandboxExecDuration *prometheus.HistogramVec

	// SandboxPoolLive is a gauge of currently constructed sandbox workers.
	SandboxPoolLive prometheus.Gauge

	// SandboxPoolIdle is a gauge of currently idle sandbox workers.
	SandboxPoolIdle prometheus.Gauge

	// SandboxPoolExhausted counts Checkout calls that returned ErrPoolExhausted.
	SandboxPoolExhausted prometheus.Counter

	// KeyStoreOperations counts key store operations by kind and outcome.
	// Labels: op (store|get), outcome (success|rejected|not_found|crypto_error|error)
	KeyStoreOperations *prometheus.CounterVec

	// CleanupSweeps counts scheduled cleanup runs and proposals they removed.
	CleanupSweeps  prometheus.Counter
	CleanupRemoved prometheus.Counter
}

// New constructs a Metrics bundle, registering every collector with the
// default Prometheus registry via promauto.
func New() *Metrics {
	return &Metrics{
		ProposalsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfextend_proposals_created_total",
				Help: "Total number of proposals created by trigger kind and payload kind",
			},
			[]string{"trigger", "payload"},
		),

		ProposalsByStatus: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfextend_proposals_status_total",
				Help: "Total number of proposal terminal-status transitions",
			},
			[]string{"status"},
		),

		ProposalRiskLevel: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfextend_proposal_risk_level_total",
				Help: "Total number of proposals by computed static-analysis risk level",
			},
			[]string{"level"},
		),

		PendingProposals: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "selfextend_pending_proposals",
				Help: "Current number of pending proposals per user",
			},
			[]string{"user_id"},
		),

		ApplyDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selfextend_proposal_apply_duration_seconds",
				Help:    "Duration of applying an approved proposal",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"payload"},
		),

		SandboxExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfextend_sandbox_executions_total",
				Help: "Total number of sandboxed script executions by runtime and outcome",
			},
			[]string{"runtime", "outcome"},
		),

		SandboxExecDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "selfextend_sandbox_exec_duration_seconds",
				Help:    "Duration of sandboxed script executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"runtime"},
		),

		SandboxPoolLive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "selfextend_sandbox_pool_live",
				Help: "Current number of constructed sandbox workers",
			},
		),

		SandboxPoolIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "selfextend_sandbox_pool_idle",
				Help: "Current number of idle sandbox workers",
			},
		),

		SandboxPoolExhausted: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "selfextend_sandbox_pool_exhausted_total",
				Help: "Total number of sandbox checkouts that timed out waiting for a worker",
			},
		),

		KeyStoreOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "selfextend_keystore_operations_total",
				Help: "Total number of key store operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),

		CleanupSweeps: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "selfextend_cleanup_sweeps_total",
				Help: "Total number of scheduled proposal-cleanup sweeps run",
			},
		),

		CleanupRemoved: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "selfextend_cleanup_removed_total",
				Help: "Total number of terminal proposals removed by cleanup sweeps",
			},
		),
	}
}

// ObserveSandboxPool records a point-in-time snapshot of pool occupancy.
func (m *Metrics) ObserveSandboxPool(live, idle int) {
	m.SandboxPoolLive.Set(float64(live))
	m.SandboxPoolIdle.Set(float64(idle))
}
