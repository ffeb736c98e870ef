package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hazardsafe/gatekeeper/internal/store"
	"github.com/hazardsafe/gatekeeper/pkg/schema"
)

// WorkflowExpirer is the interface the scheduler uses to expire stale
// reviews. Satisfied by the state machine (avoids import coupling in tests).
type WorkflowExpirer interface {
	PendingReviewsBefore(ctx context.Context, cutoff time.Time) ([]*store.Workflow, error)
	ForceTimeout(ctx context.Context, id string) error
}

// Config holds the scheduler's behavior knobs. The timeout and the
// auto-expire switch arrive explicitly from the composition root; there is no
// process-wide implicit state.
type Config struct {
	// TimeoutHours is how long a workflow may sit in PENDING_REVIEW before
	// it is forcibly expired.
	TimeoutHours float64
	// AutoExpire disables all forced transitions when false; scans still run
	// and report what they would have expired.
	AutoExpire bool
	// ScanSchedule is a cron expression controlling scan cadence.
	ScanSchedule string
}

const defaultScanSchedule = "*/5 * * * *"

// TimeoutScheduler periodically scans for PENDING_REVIEW workflows older
// than the configured timeout and forces them to TIMEOUT. At most one
// instance is expected per deployment; the state machine's guarded writes
// make a second instance harmless but redundant.
type TimeoutScheduler struct {
	expirer  WorkflowExpirer
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a TimeoutScheduler. The cron expression in cfg.ScanSchedule is
// parsed eagerly so a bad schedule fails at construction, not mid-flight.
func New(expirer WorkflowExpirer, cfg Config, logger *slog.Logger) (*TimeoutScheduler, error) {
	if cfg.TimeoutHours <= 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"timeout hours must be positive, got %v", cfg.TimeoutHours)
	}
	if cfg.ScanSchedule == "" {
		cfg.ScanSchedule = defaultScanSchedule
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.ScanSchedule)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"parse scan schedule %q: %s", cfg.ScanSchedule, err.Error()).WithCause(err)
	}
	return &TimeoutScheduler{
		expirer:  expirer,
		cfg:      cfg,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Timeout returns the configured review timeout as a duration.
func (s *TimeoutScheduler) Timeout() time.Duration {
	return time.Duration(s.cfg.TimeoutHours * float64(time.Hour))
}

// Start launches the background scan loop.
func (s *TimeoutScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(schedCtx, s.done)
	s.logger.Info("timeout scheduler started",
		slog.String("scan_schedule", s.cfg.ScanSchedule),
		slog.Float64("timeout_hours", s.cfg.TimeoutHours),
		slog.Bool("auto_expire", s.cfg.AutoExpire))
	return nil
}

func (s *TimeoutScheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Run an initial scan immediately, then follow the cron cadence.
	s.RunOnce(ctx)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single scan and returns the number of workflows it
// expired. Exposed so deployments can run the scheduler as a one-shot cron
// job instead of a resident loop.
func (s *TimeoutScheduler) RunOnce(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.Timeout())
	stale, err := s.expirer.PendingReviewsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("timeout scan failed", slog.String("error", err.Error()))
		return 0
	}
	if len(stale) == 0 {
		return 0
	}

	if !s.cfg.AutoExpire {
		s.logger.Info("auto-expire disabled, leaving stale reviews untouched",
			slog.Int("stale_count", len(stale)))
		return 0
	}

	expired := 0
	for _, wf := range stale {
		err := s.expirer.ForceTimeout(ctx, wf.ID)
		switch {
		case err == nil:
			expired++
			s.logger.Warn("expired stale review",
				slog.String("workflow_id", wf.ID),
				slog.String("scenario_id", wf.ScenarioID))
		case schema.CodeOf(err) == schema.ErrCodeAlreadyTerminal:
			// Lost the race to a human decision between scan and write.
			s.logger.Debug("stale review already resolved",
				slog.String("workflow_id", wf.ID))
		default:
			s.logger.Error("force timeout failed",
				slog.String("workflow_id", wf.ID),
				slog.String("error", err.Error()))
		}
	}
	return expired
}

// Stop gracefully shuts down the scheduler.
func (s *TimeoutScheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("timeout scheduler stopped")
	return nil
}
