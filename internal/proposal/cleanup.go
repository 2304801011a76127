package proposal

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/selfextend/core/internal/metrics"
)

// cronParser accepts both 5-field and 6-field (seconds-optional)
// expressions, matching the teacher's task scheduler.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// DefaultCleanupSchedule runs the expiry sweep once a day at 03:17, an
// off-the-hour time chosen to avoid synchronizing with other daily jobs.
const DefaultCleanupSchedule = "17 3 * * *"

// CleanupScheduler periodically invokes a Store's CleanupExpired on a cron
// schedule, logging the number of proposals removed each run.
type CleanupScheduler struct {
	cron    *cron.Cron
	store   Persistence
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// CleanupOption configures a CleanupScheduler.
type CleanupOption func(*CleanupScheduler)

// WithCleanupMetrics attaches a Prometheus metrics bundle. Nil-safe when unset.
func WithCleanupMetrics(m *metrics.Metrics) CleanupOption {
	return func(s *CleanupScheduler) { s.metrics = m }
}

// NewCleanupScheduler builds (but does not start) a scheduler that calls
// store.CleanupExpired(time.Now()) on the given cron expression.
func NewCleanupScheduler(store Persistence, schedule string, logger *slog.Logger, opts ...CleanupOption) (*CleanupScheduler, error) {
	if logger == nil {
		logger = slog.Default().With("component", "proposal.cleanup")
	}
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, err
	}

	c := cron.New(cron.WithParser(cronParser))
	s := &CleanupScheduler{cron: c, store: store, logger: logger}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := c.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *CleanupScheduler) run() {
	removed, err := s.store.CleanupExpired(time.Now().UTC())
	if err != nil {
		s.logger.Error("proposal cleanup sweep failed", "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.CleanupSweeps.Inc()
		s.metrics.CleanupRemoved.Add(float64(removed))
	}
	if removed > 0 {
		s.logger.Info("proposal cleanup sweep removed expired proposals", "count", removed)
	}
}

// Start begins running the schedule in the background.
func (s *CleanupScheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for any in-flight run to finish.
func (s *CleanupScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
