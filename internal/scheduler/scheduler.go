// Package scheduler launches batch jobs on time: scheduled jobs when they
// become due, pending jobs by priority within a concurrency limit, recurring
// jobs again after they complete, plus periodic retry and cleanup.
package scheduler

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/ahmethakanbesel/barwatch/internal/apperror"
	"github.com/ahmethakanbesel/barwatch/internal/batch"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/job"
)

const (
	DefaultMaxConcurrent = 2
	DefaultRetention     = 30 * 24 * time.Hour

	scanLimit = 1000
)

// Runner executes jobs. *batch.Processor implements it.
type Runner interface {
	CreateBatchJob(ctx context.Context, req job.CreateJobRequest) (*job.Job, error)
	StartJob(ctx context.Context, id string, resume bool) (*batch.Result, error)
}

type Intervals struct {
	Scan     time.Duration
	Dispatch time.Duration
	Retry    time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Scan:     60 * time.Second,
		Dispatch: 10 * time.Second,
		Retry:    5 * time.Minute,
	}
}

type Scheduler struct {
	cron          *gocron.Scheduler
	jobs          job.Repository
	svc           *job.Service
	runner        Runner
	maxConcurrent int
	intervals     Intervals
	retention     time.Duration
	cleanupAt     string
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

type Option func(*Scheduler)

func WithMaxConcurrent(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxConcurrent = n
		}
	}
}

func WithIntervals(iv Intervals) Option {
	return func(s *Scheduler) { s.intervals = iv }
}

// WithRetention sets how long completed and cancelled jobs are kept.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) { s.retention = d }
}

func New(jobs job.Repository, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:          gocron.NewScheduler(time.UTC),
		jobs:          jobs,
		svc:           job.NewService(jobs),
		runner:        runner,
		maxConcurrent: DefaultMaxConcurrent,
		intervals:     DefaultIntervals(),
		retention:     DefaultRetention,
		cleanupAt:     "03:00",
		now:           func() time.Time { return time.Now().UTC() },
		running:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start registers the periodic tasks and starts the cron loop. Jobs launched
// by the scheduler run under a context that Stop cancels, so their runs end
// paused.
func (s *Scheduler) Start() error {
	s.cron.SingletonModeAll()

	tasks := []struct {
		name string
		job  func() (*gocron.Job, error)
	}{
		{"scan scheduled", func() (*gocron.Job, error) {
			return s.cron.Every(s.intervals.Scan).Do(s.scanScheduled)
		}},
		{"dispatch pending", func() (*gocron.Job, error) {
			return s.cron.Every(s.intervals.Dispatch).Do(s.dispatchPending)
		}},
		{"retry failed", func() (*gocron.Job, error) {
			return s.cron.Every(s.intervals.Retry).Do(s.retryFailed)
		}},
		{"cleanup", func() (*gocron.Job, error) {
			return s.cron.Every(1).Day().At(s.cleanupAt).Do(s.cleanup)
		}},
	}
	for _, t := range tasks {
		if _, err := t.job(); err != nil {
			return fmt.Errorf("schedule %s: %w", t.name, err)
		}
	}

	s.cron.StartAsync()
	slog.Info("scheduler: started",
		"maxConcurrent", s.maxConcurrent,
		"scan", s.intervals.Scan,
		"dispatch", s.intervals.Dispatch,
	)
	return nil
}

// Stop halts the cron loop, interrupts running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	s.cancel()
	s.wg.Wait()
	slog.Info("scheduler: stopped")
}

// Running returns the IDs of the jobs this scheduler is executing.
func (s *Scheduler) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Scheduler) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Launch runs the job in the background. Errors from the run are logged;
// only a duplicate launch is reported to the caller.
func (s *Scheduler) Launch(ctx context.Context, id string, resume bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.ctx.Err() != nil {
		return apperror.New(apperror.Unavailable, "scheduler is stopped")
	}

	s.mu.Lock()
	if _, ok := s.running[id]; ok {
		s.mu.Unlock()
		return apperror.New(apperror.Conflict, "job is already running")
	}
	s.running[id] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(id, resume)
	return nil
}

func (s *Scheduler) run(id string, resume bool) {
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	slog.Info("scheduler: launching job", "job", id, "resume", resume)
	res, err := s.runner.StartJob(s.ctx, id, resume)
	if err != nil {
		slog.Error("scheduler: job run failed", "job", id, "error", err)
		return
	}
	if res.Status != job.StatusCompleted {
		return
	}
	if err := s.scheduleNext(context.WithoutCancel(s.ctx), id); err != nil {
		slog.Error("scheduler: schedule next run failed", "job", id, "error", err)
	}
}

// scheduleNext creates the next occurrence of a completed recurring job.
func (s *Scheduler) scheduleNext(ctx context.Context, id string) error {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if !j.IsRecurring {
		return nil
	}

	next, ok := j.NextRun(s.now())
	if !ok {
		slog.Warn("scheduler: unknown recurrence pattern", "job", id, "pattern", j.RecurrencePattern)
		return nil
	}

	c := j.Clone(next)
	if err := s.jobs.Create(ctx, c); err != nil {
		return fmt.Errorf("create next run: %w", err)
	}
	slog.Info("scheduler: scheduled next run", "job", id, "next", c.ID, "at", next)
	return nil
}

func (s *Scheduler) pending(ctx context.Context) ([]job.Job, error) {
	return s.jobs.List(ctx, job.ListFilter{Status: job.StatusPending, Limit: scanLimit})
}

// scanScheduled launches scheduled jobs whose time has come.
func (s *Scheduler) scanScheduled() {
	ctx := s.ctx
	jobs, err := s.pending(ctx)
	if err != nil {
		slog.Error("scheduler: list pending jobs failed", "error", err)
		return
	}

	now := s.now()
	for _, j := range jobs {
		if j.ScheduledAt == nil || !j.IsDue(now) || s.isRunning(j.ID) {
			continue
		}
		if err := s.Launch(ctx, j.ID, j.IsResumable()); err != nil {
			slog.Warn("scheduler: launch scheduled job failed", "job", j.ID, "error", err)
		}
	}
}

// dispatchPending fills free slots with due pending jobs, lowest priority
// value first.
func (s *Scheduler) dispatchPending() {
	ctx := s.ctx
	s.mu.Lock()
	slots := s.maxConcurrent - len(s.running)
	s.mu.Unlock()
	if slots <= 0 {
		return
	}

	jobs, err := s.pending(ctx)
	if err != nil {
		slog.Error("scheduler: list pending jobs failed", "error", err)
		return
	}

	now := s.now()
	jobs = slices.DeleteFunc(jobs, func(j job.Job) bool {
		return !j.IsDue(now) || s.isRunning(j.ID)
	})
	slices.SortStableFunc(jobs, func(a, b job.Job) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	for _, j := range jobs[:min(slots, len(jobs))] {
		if err := s.Launch(ctx, j.ID, j.IsResumable()); err != nil {
			slog.Warn("scheduler: launch pending job failed", "job", j.ID, "error", err)
		}
	}
}

func (s *Scheduler) retryFailed() {
	if _, err := s.svc.RetryFailed(s.ctx); err != nil {
		slog.Error("scheduler: retry failed jobs", "error", err)
	}
}

func (s *Scheduler) cleanup() {
	if _, err := s.svc.CleanupOld(s.ctx, s.retention); err != nil {
		slog.Error("scheduler: cleanup old jobs", "error", err)
	}
}

// ScheduleDailyBackfill creates a recurring daily backfill of the last seven
// days for instruments.
func (s *Scheduler) ScheduleDailyBackfill(ctx context.Context, instruments []string) (*job.Job, error) {
	now := s.now()
	return s.runner.CreateBatchJob(ctx, job.CreateJobRequest{
		Type:              job.TypeHistoricalBackfill,
		Instruments:       instruments,
		Timeframes:        []candle.Timeframe{candle.H1, candle.H4},
		StartDate:         now.Add(-7 * 24 * time.Hour),
		EndDate:           now,
		BatchSize:         1000,
		Priority:          job.PriorityLow,
		IsRecurring:       true,
		RecurrencePattern: "daily",
		CreatedBy:         "scheduler",
	})
}
