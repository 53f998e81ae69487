// Package queue is an in-process priority work queue with a fixed pool of
// workers. Results and failures are kept until the caller collects them with
// WaitForTask and releases them with Forget.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrStopped          = errors.New("queue stopped")
	ErrWaitTimeout      = errors.New("timed out waiting for task")
	ErrTaskCancelled    = errors.New("task cancelled")
	ErrCapacityExceeded = errors.New("queue at capacity")
	ErrDuplicateTask    = errors.New("task already queued")
	ErrAlreadyStarted   = errors.New("queue already started")
)

// ExecuteFunc does the work of a task. The context is cancelled when the task
// is cancelled or the queue's parent context ends.
type ExecuteFunc func(ctx context.Context, payload any) (any, error)

type Task struct {
	ID        string
	JobID     string
	Priority  int
	Payload   any
	CreatedAt time.Time
	Execute   ExecuteFunc
}

type Stats struct {
	Pending       int `json:"pending"`
	Running       int `json:"running"`
	Completed     int `json:"completed"`
	Failed        int `json:"failed"`
	MaxConcurrent int `json:"max_concurrent"`
}

type Queue struct {
	workers      int
	maxPending   int
	pollInterval time.Duration
	notify       chan struct{}

	mu        sync.Mutex
	pending   taskHeap
	queued    map[string]*entry
	running   map[string]context.CancelFunc
	completed map[string]any
	failed    map[string]error
	forgotten map[string]struct{}
	seq       uint64
	started   bool
	stopped   bool

	stop context.CancelFunc
	wg   sync.WaitGroup
}

type Option func(*Queue)

// WithPollInterval sets how often idle workers and waiters re-check state.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) { q.pollInterval = d }
}

// WithMaxPending bounds the number of queued (not yet running) tasks. Zero
// means unbounded.
func WithMaxPending(n int) Option {
	return func(q *Queue) { q.maxPending = n }
}

// New creates a queue that runs at most maxConcurrent tasks at a time.
func New(maxConcurrent int, opts ...Option) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	q := &Queue{
		workers:      maxConcurrent,
		pollInterval: 100 * time.Millisecond,
		queued:       make(map[string]*entry),
		running:      make(map[string]context.CancelFunc),
		completed:    make(map[string]any),
		failed:       make(map[string]error),
		forgotten:    make(map[string]struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.notify = make(chan struct{}, q.workers)
	return q
}

// Start launches the workers. Tasks run with contexts derived from ctx, so
// cancelling ctx cancels in-flight tasks; Stop only stops dispatching.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	q.stop = cancel

	for i := range q.workers {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.loop(loopCtx, ctx, id)
		}(i)
	}
	slog.Info("queue: started", "workers", q.workers)
	return nil
}

// Stop stops dispatching, fails every queued task with ErrStopped and waits
// for running tasks to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(*entry)
		delete(q.queued, e.task.ID)
		q.failed[e.task.ID] = ErrStopped
	}
	q.mu.Unlock()

	if q.stop != nil {
		q.stop()
	}
	q.wg.Wait()
	slog.Info("queue: stopped")
}

// Add enqueues a task. A missing ID is filled with a random one.
func (q *Queue) Add(t *Task) error {
	if t.Execute == nil {
		return fmt.Errorf("add task %q: nil execute func", t.ID)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return ErrStopped
	}
	if _, ok := q.queued[t.ID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	if _, ok := q.running[t.ID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	if q.maxPending > 0 && q.pending.Len() >= q.maxPending {
		q.mu.Unlock()
		return ErrCapacityExceeded
	}

	delete(q.completed, t.ID)
	delete(q.failed, t.ID)

	q.seq++
	e := &entry{task: t, seq: q.seq}
	heap.Push(&q.pending, e)
	q.queued[t.ID] = e
	q.mu.Unlock()

	q.wake()
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// WaitForTask blocks until the task has a stored outcome. A failed task's
// error is returned unchanged. ErrWaitTimeout is returned once timeout
// passes.
func (q *Queue) WaitForTask(ctx context.Context, id string, timeout time.Duration) (any, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		q.mu.Lock()
		if res, ok := q.completed[id]; ok {
			q.mu.Unlock()
			return res, nil
		}
		if err, ok := q.failed[id]; ok {
			q.mu.Unlock()
			return nil, err
		}
		q.mu.Unlock()

		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrWaitTimeout, id, timeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel removes a queued task, or cancels the context of a running one.
// It reports whether the task was found.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.queued[id]; ok {
		heap.Remove(&q.pending, e.index)
		delete(q.queued, id)
		q.failed[id] = ErrTaskCancelled
		return true
	}
	if cancel, ok := q.running[id]; ok {
		cancel()
		return true
	}
	return false
}

// Forget drops the stored outcome of a finished task. A task still running
// has its outcome discarded when it finishes.
func (q *Queue) Forget(id string) {
	q.mu.Lock()
	delete(q.completed, id)
	delete(q.failed, id)
	if _, ok := q.running[id]; ok {
		q.forgotten[id] = struct{}{}
	}
	q.mu.Unlock()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:       q.pending.Len(),
		Running:       len(q.running),
		Completed:     len(q.completed),
		Failed:        len(q.failed),
		MaxConcurrent: q.workers,
	}
}

func (q *Queue) loop(loopCtx, taskCtx context.Context, id int) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		q.drain(loopCtx, taskCtx, id)

		select {
		case <-loopCtx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) drain(loopCtx, parent context.Context, id int) {
	for loopCtx.Err() == nil {
		t, ctx, cancel := q.claim(parent)
		if t == nil {
			return
		}
		q.run(ctx, t, id)
		cancel()
	}
}

// claim pops the most urgent task and registers it as running.
func (q *Queue) claim(parent context.Context) (*Task, context.Context, context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || q.pending.Len() == 0 {
		return nil, nil, nil
	}

	e := heap.Pop(&q.pending).(*entry)
	delete(q.queued, e.task.ID)

	ctx, cancel := context.WithCancel(parent)
	q.running[e.task.ID] = cancel
	return e.task, ctx, cancel
}

func (q *Queue) run(ctx context.Context, t *Task, worker int) {
	start := time.Now()
	res, err := execute(ctx, t)

	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrTaskCancelled, err)
	}

	q.mu.Lock()
	delete(q.running, t.ID)
	if _, ok := q.forgotten[t.ID]; ok {
		delete(q.forgotten, t.ID)
	} else if err != nil {
		q.failed[t.ID] = err
	} else {
		q.completed[t.ID] = res
	}
	q.mu.Unlock()

	if err != nil {
		slog.Warn("queue: task failed", "worker", worker, "task", t.ID, "job", t.JobID,
			"duration", time.Since(start).String(), "error", err)
		return
	}
	slog.Debug("queue: task completed", "worker", worker, "task", t.ID, "job", t.JobID,
		"duration", time.Since(start).String())
}

func execute(ctx context.Context, t *Task) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()
	return t.Execute(ctx, t.Payload)
}
