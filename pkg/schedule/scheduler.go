package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one scheduled maintenance task. Run receives a context that
// is canceled when the scheduler stops.
type Job struct {
	// Name identifies the job in logs.
	Name string

	// Spec is a standard 5-field cron expression. An empty spec
	// disables the job without error.
	Spec string

	// Run executes one cycle. Errors are logged, not fatal; the job
	// stays scheduled.
	Run func(ctx context.Context) error
}

// Scheduler runs registered jobs on their cron schedules.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	jobs    []Job
	logger  *slog.Logger
	running bool
	cancel  context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: slog.Default().With("component", "schedule"),
	}
}

// Add registers a job. Returns an error for an invalid cron spec.
// Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(job.Spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q for job %s: %w", job.Spec, job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("cannot add job %s: scheduler already running", job.Name)
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start begins running all registered jobs. The parent context bounds
// the scheduler's lifetime: cancellation stops it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) == 0 {
		s.logger.Info("no maintenance jobs configured, scheduler idle")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, job := range s.jobs {
		job := job
		if _, err := s.cron.AddFunc(job.Spec, func() {
			s.runJob(runCtx, job)
		}); err != nil {
			cancel()
			return fmt.Errorf("scheduling job %s: %w", job.Name, err)
		}
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	start := time.Now()
	if err := job.Run(ctx); err != nil {
		s.logger.Error("scheduled job failed",
			"job", job.Name, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Debug("scheduled job completed",
		"job", job.Name, "duration", time.Since(start))
}

// Stop stops the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	if s.cancel != nil {
		s.cancel()
	}
	s.running = false
	s.logger.Info("maintenance scheduler stopped")
}

// IsRunning reports whether the scheduler has been started.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the earliest upcoming job execution time, or nil
// when nothing is scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	for _, e := range entries[1:] {
		if e.Next.Before(next) {
			next = e.Next
		}
	}
	if next.IsZero() {
		return nil
	}
	return &next
}
