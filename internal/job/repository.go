package job

import (
	"context"
	"time"
)

type ListFilter struct {
	Status Status
	Limit  int
}

// Progress is the counter state written after each work item.
type Progress struct {
	Processed        int
	Failed           int
	Percentage       float64
	EventsDetected   int
	EventsStored     int
	CandlesProcessed int
}

// Completion is what a successful run records.
type Completion struct {
	CompletedAt           time.Time
	ProcessingTimeSeconds float64
	ItemsPerSecond        float64
	EventsDetected        int
	EventsStored          int
	CandlesProcessed      int
	DataQualityScore      *float64
}

// Repository is the job store. Status changes are conditional writes that
// report whether the row actually changed.
type Repository interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)

	// MarkRunning moves a pending, paused or failed job to running. With
	// reset it also clears progress, checkpoint and result counters.
	MarkRunning(ctx context.Context, id string, reset bool, at time.Time) (bool, error)
	// Transition moves the job to `to` only when its status is in from.
	Transition(ctx context.Context, id string, to Status, from ...Status) (bool, error)
	UpdateProgress(ctx context.Context, id string, p Progress) error
	SaveCheckpoint(ctx context.Context, id string, cp Checkpoint) error
	// Complete marks a running job completed.
	Complete(ctx context.Context, id string, c Completion) (bool, error)
	// Fail marks a running job failed and increments its error count.
	Fail(ctx context.Context, id, message string) (bool, error)
	// Requeue moves a failed job with retries left back to pending.
	Requeue(ctx context.Context, id string) (bool, error)

	AppendLog(ctx context.Context, l *Log) error
	Logs(ctx context.Context, jobID string, limit int) ([]Log, error)

	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	RecoverStale(ctx context.Context) (int64, error)
}
