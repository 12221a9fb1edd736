package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"estatecrm/internal/config"
	"estatecrm/internal/core"
)

// Job names used in logs and metrics.
const (
	JobPurgeTrash   = "purge-trash"
	JobOverdueTasks = "overdue-tasks"
)

const jobTimeout = time.Minute

// JobStore is the store surface the scheduler drives.
type JobStore interface {
	PurgeExpiredTrash(ctx context.Context, now time.Time, retention time.Duration) (int, error)
	MarkOverdueTasks(ctx context.Context, now time.Time) (int, error)
}

// JobMetrics counts job runs.
type JobMetrics interface {
	JobRun(job string, err error)
}

// Scheduler runs trash purging and the overdue-task sweep on cron schedules.
type Scheduler struct {
	store   JobStore
	cfg     config.Jobs
	clock   core.Clock
	logger  core.Logger
	metrics JobMetrics
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(store JobStore, cfg config.Jobs, clock core.Clock, logger core.Logger, m JobMetrics) *Scheduler {
	s := &Scheduler{store: store, cfg: cfg, clock: clock, logger: logger, metrics: m}
	s.cron = cron.New(cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})))
	return s
}

// Start registers the configured schedules and starts the cron loop. Empty
// schedules are skipped.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	jobs := []struct {
		name, spec string
		run        func(context.Context) (int, error)
	}{
		{JobPurgeTrash, s.cfg.PurgeSchedule, s.PurgeTrash},
		{JobOverdueTasks, s.cfg.OverdueSchedule, s.MarkOverdue},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		run := j.run
		if _, err := s.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			_, _ = run(ctx)
		}); err != nil {
			return fmt.Errorf("schedule %s %q: %w", j.name, j.spec, err)
		}
		s.logger.Info("job scheduled", "job", j.name, "schedule", j.spec)
	}
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}

// PurgeTrash permanently deletes leads past the trash retention.
func (s *Scheduler) PurgeTrash(ctx context.Context) (int, error) {
	n, err := s.store.PurgeExpiredTrash(ctx, s.clock.Now(), s.cfg.TrashRetention)
	s.finish(JobPurgeTrash, n, err)
	return n, err
}

// MarkOverdue flags open tasks past their due date.
func (s *Scheduler) MarkOverdue(ctx context.Context) (int, error) {
	n, err := s.store.MarkOverdueTasks(ctx, s.clock.Now())
	s.finish(JobOverdueTasks, n, err)
	return n, err
}

func (s *Scheduler) finish(job string, n int, err error) {
	if s.metrics != nil {
		s.metrics.JobRun(job, err)
	}
	if err != nil {
		s.logger.Error("job failed", "job", job, "error", err)
		return
	}
	s.logger.Debug("job finished", "job", job, "affected", n)
}

// cronLogger adapts core.Logger to cron.Logger.
type cronLogger struct{ l core.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug(msg, kv...) }

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error(msg, append(kv, "error", err)...)
}
