package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/selfextend/core/internal/metrics"
	"github.com/selfextend/core/internal/registry"
)

// ErrPoolExhausted is returned by Checkout when no worker becomes
// available before the acquire-timeout elapses.
var ErrPoolExhausted = errors.New("sandbox: pool exhausted")

// ErrPoolUnavailable is returned by Checkout when worker creation has
// repeatedly failed and the pool cannot be grown or refilled.
var ErrPoolUnavailable = errors.New("sandbox: pool unavailable")

// Factory creates a new Worker. Swapped for dockerWorker (the default),
// processWorker or a firecracker-backed worker depending on configuration.
type Factory func() (Worker, error)

// Pool is a bounded [min, max] pool of Workers served in FIFO checkout
// order, pre-warmed to min at construction, growing up to max on demand,
// and replacing discarded workers to maintain at least min when possible.
type Pool struct {
	factory Factory
	min     int
	max     int

	acquireTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu            sync.Mutex
	idle          []Worker
	live          int // workers currently constructed (idle + checked out)
	waiters       []chan Worker
	creationFails int
}

// Option configures a Pool.
type Option func(*Pool)

// WithAcquireTimeout overrides the default checkout wait timeout.
func WithAcquireTimeout(d time.Duration) Option {
	return func(p *Pool) { p.acquireTimeout = d }
}

// WithLogger overrides the pool's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches a Prometheus metrics bundle. Nil-safe when unset.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// maxCreationFailuresBeforeUnavailable bounds how many consecutive worker
// creation failures the pool tolerates before reporting PoolUnavailable
// instead of continuing to retry indefinitely.
const maxCreationFailuresBeforeUnavailable = 5

// NewPool constructs a Pool bounded [min, max] and pre-warms min workers.
func NewPool(min, max int, factory Factory, opts ...Option) (*Pool, error) {
	if min < 0 || max <= 0 || min > max {
		return nil, fmt.Errorf("sandbox: invalid pool bounds [%d, %d]", min, max)
	}
	p := &Pool{
		factory:        factory,
		min:            min,
		max:            max,
		acquireTimeout: 10 * time.Second,
		logger:         slog.Default().With("component", "sandbox.pool"),
	}
	for _, opt := range opts {
		opt(p)
	}

	// Pre-warm workers concurrently: each is an independent construction
	// (a docker container start, a firecracker boot, ...), so there is no
	// reason to pay min sequential startup latencies one after another.
	var g errgroup.Group
	var mu sync.Mutex
	for i := 0; i < min; i++ {
		g.Go(func() error {
			w, err := factory()
			if err != nil {
				p.logger.Warn("failed to pre-warm sandbox worker", "error", err)
				return nil
			}
			mu.Lock()
			p.idle = append(p.idle, w)
			p.live++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // errors are already logged per-worker above; never fatal to NewPool
	return p, nil
}

// Handle is a checked-out Worker that must be returned via Return when the
// caller is done with it (typically deferred immediately after Checkout).
type Handle struct {
	pool    *Pool
	worker  Worker
	crashed bool
}

// Worker returns the underlying checked-out Worker.
func (h *Handle) Worker() Worker { return h.worker }

// MarkCrashed flags the worker as unusable regardless of Healthy(); the
// pool discards it unconditionally on Return.
func (h *Handle) MarkCrashed() { h.crashed = true }

// Return gives the worker back to the pool. If the worker is unhealthy,
// crashed, or fails Reset, it is discarded and, if the live count has
// fallen below min, a replacement is created.
func (h *Handle) Return() {
	h.pool.returnWorker(h.worker, h.crashed)
}

// Checkout suspends until a healthy worker is available, a new one can be
// created (live < max), or the acquire-timeout elapses. Checkouts are
// served in FIFO order with respect to wait start.
func (p *Pool) Checkout(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if len(p.idle) > 0 {
		w := p.idle[0]
		p.idle = p.idle[1:]
		p.mu.Unlock()
		return &Handle{pool: p, worker: w}, nil
	}
	if p.live < p.max {
		p.live++
		p.mu.Unlock()
		w, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.live--
			p.creationFails++
			unavailable := p.creationFails >= maxCreationFailuresBeforeUnavailable
			p.mu.Unlock()
			if unavailable {
				return nil, ErrPoolUnavailable
			}
			return nil, fmt.Errorf("sandbox: create worker: %w", err)
		}
		p.mu.Lock()
		p.creationFails = 0
		p.mu.Unlock()
		return &Handle{pool: p, worker: w}, nil
	}

	// Pool is at max and no idle worker: wait in FIFO order.
	waitCh := make(chan Worker, 1)
	p.waiters = append(p.waiters, waitCh)
	p.mu.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case w := <-waitCh:
		return &Handle{pool: p, worker: w}, nil
	case <-timer.C:
		p.removeWaiter(waitCh)
		if p.metrics != nil {
			p.metrics.SandboxPoolExhausted.Inc()
		}
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		p.removeWaiter(waitCh)
		return nil, ctx.Err()
	}
}

func (p *Pool) removeWaiter(ch chan Worker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func (p *Pool) returnWorker(w Worker, crashed bool) {
	discard := crashed || !w.Healthy()
	if !discard {
		if err := w.Reset(); err != nil {
			discard = true
		}
	}

	p.mu.Lock()
	if !discard && len(p.waiters) > 0 {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		next <- w
		return
	}
	if discard {
		p.live--
		needsReplacement := p.live < p.min
		p.mu.Unlock()
		w.Close()
		if needsReplacement {
			p.replenish()
		}
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// replenish creates one worker to bring live back toward min, on a
// best-effort basis — a failure here is logged, not propagated, since it
// happens outside any caller's Checkout.
func (p *Pool) replenish() {
	w, err := p.factory()
	if err != nil {
		p.logger.Warn("failed to replace discarded sandbox worker", "error", err)
		return
	}
	p.mu.Lock()
	p.live++
	if len(p.waiters) > 0 {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		next <- w
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

// Stats reports the pool's current live and in-flight worker counts, for
// Property 8 assertions (min ≤ live ≤ max, in_flight ≤ live).
type Stats struct {
	Live     int
	Idle     int
	InFlight int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: p.live, Idle: len(p.idle), InFlight: p.live - len(p.idle)}
}

// RunScript satisfies registry.SandboxExecutor: it checks out a worker,
// runs the script with the default resource limits, and returns the
// worker. A non-zero exit or timeout is Sandbox-exec domain output, not a
// Go error: per the specification, it is captured into the tool result
// returned to the agent rather than promoted to an engine error. Only a
// failure to even run the exec (worker crash, resource exhaustion) is
// surfaced as a Go error.
func (p *Pool) RunScript(ctx context.Context, runtime registry.Runtime, source string, argsJSON json.RawMessage) (string, error) {
	handle, err := p.Checkout(ctx)
	if err != nil {
		return "", err
	}
	defer handle.Return()

	result, err := handle.Worker().Exec(ctx, ExecParams{
		Runtime: runtime,
		Source:  source,
		Args:    argsJSON,
		Limits:  DefaultLimits(),
	})
	if p.metrics != nil {
		stats := p.Stats()
		p.metrics.ObserveSandboxPool(stats.Live, stats.Idle)
	}
	if err != nil {
		handle.MarkCrashed()
		p.recordExecMetrics(runtime, "error", result.Duration)
		return "", err
	}
	if result.TimedOut {
		handle.MarkCrashed()
		p.recordExecMetrics(runtime, "timeout", result.Duration)
		return fmt.Sprintf("[sandbox-exec timed out after %s]\n%s", result.Duration, result.Output), nil
	}
	if result.ExitCode != 0 {
		p.recordExecMetrics(runtime, "nonzero_exit", result.Duration)
		return fmt.Sprintf("[sandbox-exec exit status %d]\n%s", result.ExitCode, result.Output), nil
	}
	p.recordExecMetrics(runtime, "success", result.Duration)
	return result.Output, nil
}

func (p *Pool) recordExecMetrics(runtime registry.Runtime, outcome string, duration time.Duration) {
	if p.metrics == nil {
		return
	}
	p.metrics.SandboxExecutions.WithLabelValues(string(runtime), outcome).Inc()
	p.metrics.SandboxExecDuration.WithLabelValues(string(runtime)).Observe(duration.Seconds())
}

var _ registry.SandboxExecutor = (*Pool)(nil)
