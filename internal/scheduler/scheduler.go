// Package scheduler runs periodic housekeeping on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTickInterval is how often the scheduler checks for due jobs.
const DefaultTickInterval = 60 * time.Second

// JobFunc performs one housekeeping pass and reports how many rows it touched.
type JobFunc func(ctx context.Context, now time.Time) (int64, error)

// JobStatus is the last observed outcome of a job.
type JobStatus struct {
	Name          string     `json:"name"`
	Schedule      string     `json:"schedule"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     time.Time  `json:"next_run_at"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
	LastAffected  int64      `json:"last_affected"`
	LastError     string     `json:"last_error,omitempty"`
}

type job struct {
	name     string
	schedule cron.Schedule
	fn       JobFunc
	status   JobStatus
}

// Scheduler ticks on a fixed interval and runs the jobs whose next run has
// passed.
type Scheduler struct {
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job names currently executing
}

// NewScheduler creates a Scheduler. A zero interval uses DefaultTickInterval.
func NewScheduler(interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: interval,
		logger:   logger.With(slog.String("module", "scheduler")),
		now:      time.Now,
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
}

// Add registers fn under name on a standard five-field cron expression or a
// descriptor such as "@hourly". The first run is the next match after now.
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for job %q: %w", spec, name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = &job{
		name:     name,
		schedule: schedule,
		fn:       fn,
		status:   JobStatus{Name: name, Schedule: spec, NextRunAt: schedule.Next(s.now().UTC())},
	}
	return nil
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()
	for _, j := range s.due(now) {
		if !s.tryAcquire(j.name) {
			continue
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.name)
	}
}

func (s *Scheduler) due(now time.Time) []*job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job
	for _, j := range s.jobs {
		if !j.status.NextRunAt.After(now) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].name < out[b].name })
	return out
}

// runJob executes a job and records its outcome and next run.
func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) {
	n, err := j.fn(ctx, now)

	s.mu.Lock()
	j.status.LastRunAt = &now
	j.status.NextRunAt = j.schedule.Next(now)
	j.status.LastAffected = n
	if err != nil {
		j.status.LastRunStatus = "error"
		j.status.LastError = err.Error()
	} else {
		j.status.LastRunStatus = "success"
		j.status.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", j.name), slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "scheduled job done", slog.String("job", j.name), slog.Int64("affected", n))
	}
}

// RunNow runs a registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("job %q already running", name)
	}
	defer s.releaseJob(name)
	s.runJob(ctx, j, s.now().UTC())

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.status.LastError != "" {
		return fmt.Errorf("job %q: %s", name, j.status.LastError)
	}
	return nil
}

// Jobs returns the status of every job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler, waiting for a running tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.done = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}
