// Package scheduler runs the recurring maintenance jobs: the cache sweep
// and the landing base refresh. Jobs are registered with cron expressions
// (including @every descriptors) and checked on a coarse sync tick.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSyncInterval = time.Minute

// Scheduler runs registered jobs on their cron schedules. Jobs execute
// synchronously on the sync loop, so they should finish well inside the
// sync interval.
type Scheduler struct {
	mu sync.Mutex

	logger *slog.Logger
	parser cron.Parser
	jobs   []*job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	syncInterval time.Duration
}

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      func(context.Context)
	next     time.Time
}

// New creates a scheduler with the default sync interval.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:       logger,
		parser:       cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		syncInterval: defaultSyncInterval,
	}
}

// WithSyncInterval overrides how often schedules are checked.
func (s *Scheduler) WithSyncInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.syncInterval = d
	}
	return s
}

// Add registers a job under a cron spec. Jobs must be added before Start.
func (s *Scheduler) Add(name, spec string, run func(context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}
	s.jobs = append(s.jobs, &job{
		name:     name,
		spec:     spec,
		schedule: schedule,
		run:      run,
	})
	return nil
}

// Start begins the scheduler's background sync loop. Every job runs once
// immediately, then per its schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.syncLoop()

	s.logger.Info("scheduler started",
		slog.Int("jobs", len(s.jobs)),
		slog.Duration("sync_interval", s.syncInterval))
	return nil
}

// Stop stops the scheduler and waits for the sync loop to exit. The
// scheduler can be started again afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) syncLoop() {
	defer s.wg.Done()

	// Run everything once on start, then per schedule.
	now := time.Now()
	for _, j := range s.jobs {
		s.runJob(j, now)
	}

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			for _, j := range s.jobs {
				if now.Before(j.next) {
					continue
				}
				s.runJob(j, now)
			}
		}
	}
}

func (s *Scheduler) runJob(j *job, now time.Time) {
	start := time.Now()
	j.run(s.ctx)
	j.next = j.schedule.Next(now)

	s.logger.Debug("job completed",
		slog.String("job", j.name),
		slog.String("cron", j.spec),
		slog.Duration("duration", time.Since(start)),
		slog.Time("next_run", j.next))
}
