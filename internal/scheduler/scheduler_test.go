package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/barwatch/internal/apperror"
	"github.com/ahmethakanbesel/barwatch/internal/batch"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/job"
	"github.com/ahmethakanbesel/barwatch/internal/platform/sqlite"
	jobrepo "github.com/ahmethakanbesel/barwatch/internal/repository/job"
)

var now = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

// fakeRunner marks jobs running and then completed, optionally blocking in
// between until release is closed.
type fakeRunner struct {
	jobs job.Repository

	mu      sync.Mutex
	started []string
	resumed map[string]bool
	release chan struct{}
}

func (r *fakeRunner) CreateBatchJob(ctx context.Context, req job.CreateJobRequest) (*job.Job, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	j := req.NewJob()
	if err := r.jobs.Create(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

func (r *fakeRunner) StartJob(ctx context.Context, id string, resume bool) (*batch.Result, error) {
	r.mu.Lock()
	r.started = append(r.started, id)
	if r.resumed == nil {
		r.resumed = make(map[string]bool)
	}
	r.resumed[id] = resume
	release := r.release
	r.mu.Unlock()

	if _, err := r.jobs.MarkRunning(ctx, id, !resume, time.Now().UTC()); err != nil {
		return nil, err
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			_, _ = r.jobs.Transition(context.WithoutCancel(ctx), id, job.StatusPending, job.StatusRunning)
			return &batch.Result{JobID: id, Status: job.StatusPending}, ctx.Err()
		}
	}
	if _, err := r.jobs.Complete(ctx, id, job.Completion{CompletedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	return &batch.Result{JobID: id, Status: job.StatusCompleted}, nil
}

func (r *fakeRunner) Resumed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumed[id]
}

func (r *fakeRunner) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

type fixture struct {
	jobs   *jobrepo.Repository
	runner *fakeRunner
	sched  *Scheduler
}

func setup(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := jobrepo.NewRepository(db.DB)
	runner := &fakeRunner{jobs: repo}
	s := New(repo, runner, opts...)
	s.now = func() time.Time { return now }
	return &fixture{jobs: repo, runner: runner, sched: s}
}

func (f *fixture) create(t *testing.T, priority int, scheduledAt *time.Time) *job.Job {
	t.Helper()
	req := job.CreateJobRequest{
		Type:        job.TypeResistanceDetection,
		Instruments: []string{"EUR_USD"},
		Timeframes:  []candle.Timeframe{candle.H1},
		StartDate:   now.Add(-48 * time.Hour),
		EndDate:     now,
		Priority:    priority,
		ScheduledAt: scheduledAt,
	}
	req.Normalize()
	require.Nil(t, req.Validate())
	j := req.NewJob()
	require.NoError(t, f.jobs.Create(context.Background(), j))
	return j
}

func (f *fixture) status(t *testing.T, id string) job.Status {
	t.Helper()
	j, err := f.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}

func at(d time.Duration) *time.Time {
	v := now.Add(d)
	return &v
}

func TestLaunch_RejectsDuplicate(t *testing.T) {
	f := setup(t)
	f.runner.release = make(chan struct{})
	j := f.create(t, job.PriorityNormal, nil)
	ctx := context.Background()

	require.NoError(t, f.sched.Launch(ctx, j.ID, false))
	err := f.sched.Launch(ctx, j.ID, false)
	assert.Equal(t, apperror.Conflict, apperror.CodeOf(err))
	assert.Equal(t, []string{j.ID}, f.sched.Running())

	close(f.runner.release)
	f.sched.wg.Wait()
	assert.Empty(t, f.sched.Running())
	assert.Equal(t, job.StatusCompleted, f.status(t, j.ID))
}

func TestDispatchPending_PriorityAndLimit(t *testing.T) {
	f := setup(t, WithMaxConcurrent(2))
	f.runner.release = make(chan struct{})

	low := f.create(t, job.PriorityLow, nil)
	critical := f.create(t, job.PriorityCritical, nil)
	normal := f.create(t, job.PriorityNormal, nil)
	future := f.create(t, job.PriorityCritical, at(time.Hour))

	f.sched.dispatchPending()
	require.Eventually(t, func() bool { return len(f.runner.Started()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{critical.ID, normal.ID}, f.runner.Started())

	// no free slot
	f.sched.dispatchPending()
	assert.Len(t, f.sched.Running(), 2)

	close(f.runner.release)
	f.sched.wg.Wait()

	f.sched.dispatchPending()
	f.sched.wg.Wait()
	assert.Equal(t, job.StatusCompleted, f.status(t, low.ID))
	assert.Equal(t, job.StatusPending, f.status(t, future.ID))
}

func TestScanScheduled_LaunchesDueJobsOnly(t *testing.T) {
	f := setup(t)
	due := f.create(t, job.PriorityNormal, at(-time.Minute))
	later := f.create(t, job.PriorityNormal, at(time.Minute))
	unscheduled := f.create(t, job.PriorityNormal, nil)

	f.sched.scanScheduled()
	f.sched.wg.Wait()

	assert.Equal(t, []string{due.ID}, f.runner.Started())
	assert.Equal(t, job.StatusCompleted, f.status(t, due.ID))
	assert.Equal(t, job.StatusPending, f.status(t, later.ID))
	assert.Equal(t, job.StatusPending, f.status(t, unscheduled.ID))
}

func TestRecurringJobSpawnsNextRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	j, err := f.sched.ScheduleDailyBackfill(ctx, []string{"eur_usd"})
	require.NoError(t, err)
	assert.Equal(t, job.TypeHistoricalBackfill, j.Type)
	assert.Equal(t, []candle.Timeframe{candle.H1, candle.H4}, j.Timeframes)
	assert.Equal(t, 1000, j.BatchSize)
	assert.Equal(t, job.PriorityLow, j.Priority)
	assert.Equal(t, now.Add(-7*24*time.Hour), j.StartDate)

	require.NoError(t, f.sched.Launch(ctx, j.ID, false))
	f.sched.wg.Wait()

	pending, err := f.jobs.List(ctx, job.ListFilter{Status: job.StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	next := pending[0]
	assert.NotEqual(t, j.ID, next.ID)
	require.NotNil(t, next.ScheduledAt)
	assert.True(t, next.ScheduledAt.Equal(now.Add(24*time.Hour)))
	assert.True(t, next.IsRecurring)
	assert.Equal(t, "daily", next.RecurrencePattern)
	assert.Equal(t, "recurring-"+j.ID, next.CreatedBy)
	assert.Equal(t, []string{"EUR_USD"}, next.Instruments)
}

func TestRecurringJob_UnknownPattern(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	j := &job.Job{
		Type:              job.TypeResistanceDetection,
		Status:            job.StatusPending,
		Instruments:       []string{"EUR_USD"},
		Timeframes:        []candle.Timeframe{candle.H1},
		StartDate:         now.Add(-time.Hour),
		EndDate:           now,
		BatchSize:         100,
		ConcurrencyLimit:  1,
		Priority:          job.PriorityNormal,
		IsRecurring:       true,
		RecurrencePattern: "fortnightly",
	}
	require.NoError(t, f.jobs.Create(ctx, j))

	require.NoError(t, f.sched.Launch(ctx, j.ID, false))
	f.sched.wg.Wait()

	all, err := f.jobs.List(ctx, job.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRetryFailed(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	j := f.create(t, job.PriorityNormal, nil)

	_, err := f.jobs.MarkRunning(ctx, j.ID, true, now)
	require.NoError(t, err)
	_, err = f.jobs.Fail(ctx, j.ID, "upstream down")
	require.NoError(t, err)

	f.sched.retryFailed()

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestStop_InterruptsRunningJobs(t *testing.T) {
	f := setup(t)
	f.runner.release = make(chan struct{})
	j := f.create(t, job.PriorityNormal, nil)

	require.NoError(t, f.sched.Launch(context.Background(), j.ID, false))
	require.Eventually(t, func() bool { return len(f.runner.Started()) == 1 }, time.Second, 5*time.Millisecond)

	f.sched.Stop()
	assert.Empty(t, f.sched.Running())
	assert.Equal(t, job.StatusPending, f.status(t, j.ID), "interrupted run is requeued")

	err := f.sched.Launch(context.Background(), j.ID, false)
	assert.Equal(t, apperror.Unavailable, apperror.CodeOf(err))
}

func TestDispatchPending_ResumesCheckpointedJobs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	fresh := f.create(t, job.PriorityNormal, nil)
	recovered := f.create(t, job.PriorityNormal, nil)

	// Left running with a checkpoint by a previous process.
	_, err := f.jobs.MarkRunning(ctx, recovered.ID, true, now)
	require.NoError(t, err)
	require.NoError(t, f.jobs.SaveCheckpoint(ctx, recovered.ID, job.Checkpoint{
		LastInstrument: "EUR_USD", LastTimeframe: candle.H1, LastDate: now.Add(-24 * time.Hour),
	}))
	require.NoError(t, job.NewService(f.jobs).RecoverStaleJobs(ctx))
	require.Equal(t, job.StatusPending, f.status(t, recovered.ID))

	f.sched.dispatchPending()
	f.sched.wg.Wait()

	assert.ElementsMatch(t, []string{fresh.ID, recovered.ID}, f.runner.Started())
	assert.True(t, f.runner.Resumed(recovered.ID))
	assert.False(t, f.runner.Resumed(fresh.ID))
	assert.Equal(t, job.StatusCompleted, f.status(t, recovered.ID))
}

func TestStart_DispatchesOnSchedule(t *testing.T) {
	f := setup(t, WithIntervals(Intervals{
		Scan:     20 * time.Millisecond,
		Dispatch: 20 * time.Millisecond,
		Retry:    time.Hour,
	}))
	j := f.create(t, job.PriorityNormal, nil)

	require.NoError(t, f.sched.Start())
	t.Cleanup(f.sched.Stop)

	require.Eventually(t, func() bool {
		return f.status(t, j.ID) == job.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}
