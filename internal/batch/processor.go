// Package batch runs historical jobs as resumable, checkpointed sequences of
// work items, either one at a time or fanned out through the shared queue.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ahmethakanbesel/barwatch/internal/apperror"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/detector"
	"github.com/ahmethakanbesel/barwatch/internal/event"
	"github.com/ahmethakanbesel/barwatch/internal/job"
	"github.com/ahmethakanbesel/barwatch/internal/marketdata"
	"github.com/ahmethakanbesel/barwatch/internal/queue"
)

const (
	DefaultItemTimeout = 300 * time.Second
	capacityBackoff    = 100 * time.Millisecond
)

// errInterrupted means the job left the running state while being processed.
var errInterrupted = errors.New("job interrupted")

// Result summarises one run of a job.
type Result struct {
	JobID                 string     `json:"job_id"`
	Status                job.Status `json:"status"`
	ItemsTotal            int        `json:"items_total"`
	ItemsProcessed        int        `json:"items_processed"`
	ItemsFailed           int        `json:"items_failed"`
	EventsDetected        int        `json:"events_detected"`
	EventsStored          int        `json:"events_stored"`
	DuplicateEvents       int        `json:"duplicate_events"`
	CandlesProcessed      int        `json:"candles_processed"`
	InvalidCandles        int        `json:"invalid_candles"`
	DataQualityScore      *float64   `json:"data_quality_score,omitempty"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds"`
	Errors                []string   `json:"errors"`
}

// ItemResult is what processing a single work item produced.
type ItemResult struct {
	CandlesProcessed int
	CandlesStored    int64
	InvalidCandles   int
	EventsDetected   int
	EventsStored     int
	DuplicateEvents  int
}

func (r *Result) add(ir ItemResult) {
	r.CandlesProcessed += ir.CandlesProcessed
	r.InvalidCandles += ir.InvalidCandles
	r.EventsDetected += ir.EventsDetected
	r.EventsStored += ir.EventsStored
	r.DuplicateEvents += ir.DuplicateEvents
}

type Processor struct {
	jobs    job.Repository
	svc     *job.Service
	fetcher marketdata.HistoricalFetcher
	events  event.Repository
	candles candle.Repository
	detect  event.DetectFunc

	queue       *queue.Queue
	parallel    bool
	itemTimeout time.Duration
}

type Option func(*Processor)

// WithQueue sets the queue used in parallel mode.
func WithQueue(q *queue.Queue) Option {
	return func(p *Processor) { p.queue = q }
}

// WithParallel selects parallel execution. It has no effect without a queue.
func WithParallel(enabled bool) Option {
	return func(p *Processor) { p.parallel = enabled }
}

// WithCandleRepository enables candle storage for backfill and the stored
// candle source for reprocessing.
func WithCandleRepository(r candle.Repository) Option {
	return func(p *Processor) { p.candles = r }
}

func WithDetectFunc(fn event.DetectFunc) Option {
	return func(p *Processor) { p.detect = fn }
}

// WithItemTimeout bounds how long parallel mode waits for one item.
func WithItemTimeout(d time.Duration) Option {
	return func(p *Processor) { p.itemTimeout = d }
}

func New(jobs job.Repository, fetcher marketdata.HistoricalFetcher, events event.Repository, opts ...Option) *Processor {
	p := &Processor{
		jobs:        jobs,
		svc:         job.NewService(jobs),
		fetcher:     fetcher,
		events:      events,
		detect:      detector.Detect,
		itemTimeout: DefaultItemTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CreateBatchJob validates req and stores it as a pending job.
func (p *Processor) CreateBatchJob(ctx context.Context, req job.CreateJobRequest) (*job.Job, error) {
	req.Normalize()
	if appErr := req.Validate(); appErr != nil {
		return nil, appErr
	}

	j := req.NewJob()
	if err := p.jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create batch job: %w", err)
	}

	slog.Info("batch: job created", "job", j.ID, "type", j.Type, "totalItems", j.TotalItems,
		"instruments", len(j.Instruments), "timeframes", len(j.Timeframes))
	return j, nil
}

func (p *Processor) GetJobStatus(ctx context.Context, id string) (*job.Job, error) {
	return p.svc.Get(ctx, job.GetJobRequest{ID: id})
}

func (p *Processor) ListJobs(ctx context.Context, status job.Status, limit int) ([]job.Job, error) {
	return p.svc.List(ctx, job.ListJobsRequest{Status: status, Limit: limit})
}

func (p *Processor) JobLogs(ctx context.Context, id string, limit int) ([]job.Log, error) {
	return p.svc.Logs(ctx, job.GetJobRequest{ID: id}, limit)
}

// PauseJob moves a running job to paused. The run stops at its next
// checkpoint.
func (p *Processor) PauseJob(ctx context.Context, id string) (bool, error) {
	return p.transition(ctx, id, job.StatusPaused, job.StatusRunning)
}

// CancelJob cancels a pending, running or paused job.
func (p *Processor) CancelJob(ctx context.Context, id string) (bool, error) {
	return p.transition(ctx, id, job.StatusCancelled, job.StatusPending, job.StatusRunning, job.StatusPaused)
}

func (p *Processor) transition(ctx context.Context, id string, to job.Status, from ...job.Status) (bool, error) {
	if _, err := p.svc.Get(ctx, job.GetJobRequest{ID: id}); err != nil {
		return false, err
	}
	ok, err := p.jobs.Transition(ctx, id, to, from...)
	if err != nil {
		return false, err
	}
	if ok {
		slog.Info("batch: job status changed", "job", id, "status", to)
	}
	return ok, nil
}

// StartJob runs the job to completion, failure or interruption. With resume
// a job that has a checkpoint continues from it and keeps its counters.
func (p *Processor) StartJob(ctx context.Context, id string, resume bool) (*Result, error) {
	j, err := p.svc.Get(ctx, job.GetJobRequest{ID: id})
	if err != nil {
		return nil, err
	}
	switch j.Status {
	case job.StatusRunning:
		return nil, apperror.New(apperror.Conflict, fmt.Sprintf("job %s is already running", id))
	case job.StatusCompleted:
		return nil, apperror.New(apperror.Conflict, fmt.Sprintf("job %s is already completed", id))
	case job.StatusCancelled:
		return nil, apperror.New(apperror.Conflict, fmt.Sprintf("job %s was cancelled", id))
	}

	started := time.Now().UTC()
	ok, err := p.jobs.MarkRunning(ctx, id, !resume, started)
	if err != nil {
		return nil, fmt.Errorf("start job %s: %w", id, err)
	}
	if !ok {
		return nil, apperror.New(apperror.Conflict, fmt.Sprintf("job %s changed state before it could start", id))
	}
	if !resume {
		j.ResetProgress()
	}
	j.Status = job.StatusRunning
	j.StartedAt = &started

	items := j.WorkItems(resume)
	res := &Result{JobID: id, ItemsTotal: len(items), Errors: []string{}}

	mode := "sequential"
	if p.parallel && p.queue != nil {
		mode = "parallel"
	}
	slog.Info("batch: job started", "job", id, "mode", mode, "items", len(items), "resume", resume)

	if mode == "parallel" {
		err = p.runParallel(ctx, j, items, res)
	} else {
		err = p.runSequential(ctx, j, items, res)
	}

	elapsed := time.Since(started).Seconds()
	res.ProcessingTimeSeconds = elapsed
	// Writes after this point must survive a cancelled run context.
	bg := context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, errInterrupted):
		cur, getErr := p.jobs.Get(bg, id)
		if getErr == nil {
			res.Status = cur.Status
		}
		slog.Info("batch: job interrupted", "job", id, "status", res.Status,
			"processed", res.ItemsProcessed, "failed", res.ItemsFailed)
		return res, nil

	case ctx.Err() != nil:
		// Requeued with its checkpoint; the next dispatch resumes it.
		if _, tErr := p.jobs.Transition(bg, id, job.StatusPending, job.StatusRunning); tErr != nil {
			slog.Error("batch: requeue after cancellation", "job", id, "error", tErr)
		}
		res.Status = job.StatusPending
		slog.Warn("batch: job requeued by shutdown", "job", id, "processed", res.ItemsProcessed)
		return res, fmt.Errorf("run job %s: %w", id, ctx.Err())

	case err != nil:
		if _, fErr := p.jobs.Fail(bg, id, err.Error()); fErr != nil {
			slog.Error("batch: mark job failed", "job", id, "error", fErr)
		}
		res.Status = job.StatusFailed
		slog.Error("batch: job failed", "job", id, "error", err)
		return res, fmt.Errorf("run job %s: %w", id, err)
	}

	if j.Type == job.TypeDataValidation && res.CandlesProcessed > 0 {
		score := float64(res.CandlesProcessed-res.InvalidCandles) / float64(res.CandlesProcessed) * 100
		res.DataQualityScore = &score
	}

	done, err := p.jobs.Complete(bg, id, job.Completion{
		CompletedAt:           time.Now().UTC(),
		ProcessingTimeSeconds: elapsed,
		ItemsPerSecond:        float64(res.ItemsProcessed) / max(elapsed, 1),
		EventsDetected:        j.EventsDetected,
		EventsStored:          j.EventsStored,
		CandlesProcessed:      j.CandlesProcessed,
		DataQualityScore:      res.DataQualityScore,
	})
	if err != nil {
		return res, fmt.Errorf("complete job %s: %w", id, err)
	}
	if !done {
		// Paused or cancelled after the last checkpoint.
		if cur, getErr := p.jobs.Get(bg, id); getErr == nil {
			res.Status = cur.Status
		}
		return res, nil
	}

	res.Status = job.StatusCompleted
	slog.Info("batch: job completed", "job", id, "processed", res.ItemsProcessed, "failed", res.ItemsFailed,
		"eventsStored", res.EventsStored, "duration", time.Since(started).String())
	return res, nil
}

func (p *Processor) runSequential(ctx context.Context, j *job.Job, items []job.WorkItem, res *Result) error {
	for _, item := range items {
		if err := p.checkRunning(ctx, j.ID); err != nil {
			return err
		}

		task, err := job.NewTask(j.Type, item, j.BatchSize)
		if err != nil {
			return err
		}

		ir, itemErr := p.processItem(ctx, j.ID, task)
		if itemErr != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.record(ctx, j, item, ir, itemErr, res); err != nil {
			return err
		}
		if itemErr == nil {
			if err := p.saveCheckpoint(ctx, j, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Processor) runParallel(ctx context.Context, j *job.Job, items []job.WorkItem, res *Result) error {
	group := max(j.ConcurrencyLimit, 1)

	for start := 0; start < len(items); start += group {
		if err := p.checkRunning(ctx, j.ID); err != nil {
			return err
		}

		end := min(start+group, len(items))
		ids := make([]string, 0, end-start)
		for idx := start; idx < end; idx++ {
			item := items[idx]
			task, err := job.NewTask(j.Type, item, j.BatchSize)
			if err != nil {
				return err
			}
			id := fmt.Sprintf("%s-%s-%s-%d", j.ID, item.Instrument, item.Timeframe, idx)
			if err := p.enqueue(ctx, &queue.Task{
				ID:       id,
				JobID:    j.ID,
				Priority: j.Priority,
				Payload:  task,
				Execute: func(ctx context.Context, payload any) (any, error) {
					return p.processItem(ctx, j.ID, payload.(job.Task))
				},
			}); err != nil {
				return err
			}
			ids = append(ids, id)
		}

		for k, id := range ids {
			item := items[start+k]
			out, itemErr := p.queue.WaitForTask(ctx, id, p.itemTimeout)
			if errors.Is(itemErr, queue.ErrWaitTimeout) {
				p.queue.Cancel(id)
			}
			p.queue.Forget(id)
			if itemErr != nil && ctx.Err() != nil {
				return ctx.Err()
			}

			var ir ItemResult
			if itemErr == nil {
				ir, _ = out.(ItemResult)
			}
			if err := p.record(ctx, j, item, ir, itemErr, res); err != nil {
				return err
			}
		}

		if err := p.saveCheckpoint(ctx, j, items[end-1]); err != nil {
			return err
		}
	}
	return nil
}

// enqueue adds t, backing off while the queue is full.
func (p *Processor) enqueue(ctx context.Context, t *queue.Task) error {
	for {
		err := p.queue.Add(t)
		if !errors.Is(err, queue.ErrCapacityExceeded) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(capacityBackoff):
		}
	}
}

func (p *Processor) checkRunning(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := p.jobs.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if cur.Status != job.StatusRunning {
		return errInterrupted
	}
	return nil
}

// record folds one item outcome into the job counters, the run result and
// the job log.
func (p *Processor) record(ctx context.Context, j *job.Job, item job.WorkItem, ir ItemResult, itemErr error, res *Result) error {
	if itemErr != nil {
		j.UpdateProgress(0, 1)
		res.ItemsFailed++
		res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item, itemErr))
		slog.Error("batch: work item failed", "job", j.ID, "instrument", item.Instrument,
			"timeframe", item.Timeframe, "error", itemErr)
		p.appendLog(ctx, &job.Log{
			JobID:      j.ID,
			Level:      job.LogError,
			Message:    fmt.Sprintf("work item %s failed", item),
			Details:    job.LogDetails{Error: itemErr.Error()},
			Instrument: item.Instrument,
			Timeframe:  item.Timeframe,
		})
	} else {
		j.UpdateProgress(1, 0)
		j.EventsDetected += ir.EventsDetected
		j.EventsStored += ir.EventsStored
		j.CandlesProcessed += ir.CandlesProcessed
		res.ItemsProcessed++
		res.add(ir)
	}

	return p.jobs.UpdateProgress(ctx, j.ID, job.Progress{
		Processed:        j.ProcessedItems,
		Failed:           j.FailedItems,
		Percentage:       j.ProgressPercentage,
		EventsDetected:   j.EventsDetected,
		EventsStored:     j.EventsStored,
		CandlesProcessed: j.CandlesProcessed,
	})
}

func (p *Processor) saveCheckpoint(ctx context.Context, j *job.Job, item job.WorkItem) error {
	cp := job.Checkpoint{
		LastInstrument: item.Instrument,
		LastTimeframe:  item.Timeframe,
		LastDate:       item.EndDate,
		Timestamp:      time.Now().UTC(),
	}
	if err := p.jobs.SaveCheckpoint(ctx, j.ID, cp); err != nil {
		return err
	}
	j.Checkpoint = &cp
	return nil
}

func (p *Processor) appendLog(ctx context.Context, l *job.Log) {
	if err := p.jobs.AppendLog(context.WithoutCancel(ctx), l); err != nil {
		slog.Warn("batch: append job log", "job", l.JobID, "error", err)
	}
}

// processItem does the per-type work for one item and logs its metrics.
func (p *Processor) processItem(ctx context.Context, jobID string, t job.Task) (ItemResult, error) {
	start := time.Now()
	item := t.Item()

	var ir ItemResult
	var err error
	switch task := t.(type) {
	case job.DetectionTask:
		ir, err = p.detectFetched(ctx, item, task.BatchSize, false)
	case job.BackfillTask:
		ir, err = p.detectFetched(ctx, item, task.BatchSize, true)
	case job.ValidationTask:
		ir, err = p.validate(ctx, item, task.BatchSize)
	case job.ReprocessTask:
		ir, err = p.reprocess(ctx, item)
	default:
		err = fmt.Errorf("unsupported task %T", t)
	}
	if err != nil {
		return ir, err
	}

	elapsed := time.Since(start).Seconds()
	p.appendLog(ctx, &job.Log{
		JobID:   jobID,
		Level:   job.LogInfo,
		Message: fmt.Sprintf("Processed %d candles, detected %d events", ir.CandlesProcessed, ir.EventsDetected),
		Details: job.LogDetails{
			CandlesProcessed: ir.CandlesProcessed,
			EventsDetected:   ir.EventsDetected,
			EventsStored:     ir.EventsStored,
			InvalidCandles:   ir.InvalidCandles,
			ProcessingTime:   elapsed,
			ItemsPerSecond:   float64(ir.CandlesProcessed) / max(elapsed, 0.001),
		},
		Instrument: item.Instrument,
		Timeframe:  item.Timeframe,
	})
	return ir, nil
}

func (p *Processor) fetch(ctx context.Context, item job.WorkItem, batchSize int) ([]candle.Candle, error) {
	candles, err := p.fetcher.HistoricalCandles(ctx, item.Instrument, item.Timeframe, item.StartDate, item.EndDate, batchSize)
	if err != nil {
		return nil, apperror.Wrap(apperror.Unavailable, "fetch historical candles", err)
	}
	if len(candles) == 0 {
		slog.Warn("batch: no candles fetched", "instrument", item.Instrument, "timeframe", item.Timeframe,
			"from", item.StartDate, "to", item.EndDate)
	}
	return candles, nil
}

func (p *Processor) detectFetched(ctx context.Context, item job.WorkItem, batchSize int, store bool) (ItemResult, error) {
	candles, err := p.fetch(ctx, item, batchSize)
	if err != nil {
		return ItemResult{}, err
	}
	ir := ItemResult{CandlesProcessed: len(candles)}

	if store && p.candles != nil && len(candles) > 0 {
		n, err := p.candles.SaveCandles(ctx, candles)
		if err != nil {
			return ir, fmt.Errorf("store candles: %w", err)
		}
		ir.CandlesStored = n
	}

	return ir, p.storeEvents(ctx, candles, &ir)
}

func (p *Processor) validate(ctx context.Context, item job.WorkItem, batchSize int) (ItemResult, error) {
	candles, err := p.fetch(ctx, item, batchSize)
	if err != nil {
		return ItemResult{}, err
	}
	ir := ItemResult{CandlesProcessed: len(candles)}
	for _, c := range candles {
		if err := c.Validate(); err != nil {
			ir.InvalidCandles++
			slog.Debug("batch: invalid candle", "error", err)
		}
	}
	return ir, nil
}

func (p *Processor) reprocess(ctx context.Context, item job.WorkItem) (ItemResult, error) {
	if p.candles == nil {
		return ItemResult{}, errors.New("reprocessing requires a candle store")
	}
	candles, err := p.candles.ListCandles(ctx, item.Instrument, item.Timeframe, item.StartDate, item.EndDate)
	if err != nil {
		return ItemResult{}, fmt.Errorf("load stored candles: %w", err)
	}
	ir := ItemResult{CandlesProcessed: len(candles)}
	return ir, p.storeEvents(ctx, candles, &ir)
}

func (p *Processor) storeEvents(ctx context.Context, candles []candle.Candle, ir *ItemResult) error {
	for _, e := range detector.Scan(candles, p.detect) {
		ir.EventsDetected++
		out, err := p.events.Save(ctx, e)
		if err != nil {
			return fmt.Errorf("persist event: %w", err)
		}
		switch out {
		case event.Created:
			ir.EventsStored++
		case event.Duplicate:
			ir.DuplicateEvents++
		}
	}
	return nil
}
