package job

import (
	"time"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
)

type Type string

const (
	TypeHistoricalBackfill  Type = "historical_backfill"
	TypeResistanceDetection Type = "resistance_detection"
	TypeDataValidation      Type = "data_validation"
	TypeReprocessing        Type = "reprocessing"
)

func (t Type) Valid() bool {
	switch t {
	case TypeHistoricalBackfill, TypeResistanceDetection, TypeDataValidation, TypeReprocessing:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return true
	}
	return false
}

// Priority levels. Lower runs first.
const (
	PriorityCritical   = 1
	PriorityHigh       = 3
	PriorityNormal     = 5
	PriorityLow        = 7
	PriorityBackground = 10
)

const (
	DefaultBatchSize        = 500
	DefaultConcurrencyLimit = 4
	DefaultMaxRetries       = 3
)

type Checkpoint struct {
	LastInstrument string           `json:"last_instrument"`
	LastTimeframe  candle.Timeframe `json:"last_timeframe"`
	LastDate       time.Time        `json:"last_date"`
	Timestamp      time.Time        `json:"timestamp"`
}

type Job struct {
	ID          string             `json:"id"`
	Type        Type               `json:"job_type"`
	Status      Status             `json:"status"`
	Instruments []string           `json:"instruments"`
	Timeframes  []candle.Timeframe `json:"timeframes"`
	StartDate   time.Time          `json:"start_date"`
	EndDate     time.Time          `json:"end_date"`

	BatchSize        int `json:"batch_size"`
	ConcurrencyLimit int `json:"concurrency_limit"`
	Priority         int `json:"priority"`

	TotalItems         int         `json:"total_items"`
	ProcessedItems     int         `json:"processed_items"`
	FailedItems        int         `json:"failed_items"`
	ProgressPercentage float64     `json:"progress_percentage"`
	Checkpoint         *Checkpoint `json:"checkpoint"`

	StartedAt             *time.Time `json:"started_at"`
	CompletedAt           *time.Time `json:"completed_at"`
	ProcessingTimeSeconds float64    `json:"processing_time_seconds"`
	ItemsPerSecond        float64    `json:"items_per_second"`

	EventsDetected   int      `json:"events_detected"`
	EventsStored     int      `json:"events_stored"`
	CandlesProcessed int      `json:"candles_processed"`
	DataQualityScore *float64 `json:"data_quality_score"`

	ErrorMessage string `json:"error_message,omitempty"`
	ErrorCount   int    `json:"error_count"`
	RetryCount   int    `json:"retry_count"`
	MaxRetries   int    `json:"max_retries"`

	ScheduledAt       *time.Time `json:"scheduled_at"`
	IsRecurring       bool       `json:"is_recurring"`
	RecurrencePattern string     `json:"recurrence_pattern,omitempty"`

	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpdateProgress adds to the processed and failed counters and recomputes
// the percentage from the processed count.
func (j *Job) UpdateProgress(processed, failed int) {
	j.ProcessedItems += processed
	j.FailedItems += failed
	if j.TotalItems > 0 {
		j.ProgressPercentage = float64(j.ProcessedItems) / float64(j.TotalItems) * 100
	}
}

// ResetProgress clears counters and checkpoint for a fresh run.
func (j *Job) ResetProgress() {
	j.ProcessedItems = 0
	j.FailedItems = 0
	j.ProgressPercentage = 0
	j.Checkpoint = nil
	j.EventsDetected = 0
	j.EventsStored = 0
	j.CandlesProcessed = 0
	j.DataQualityScore = nil
}

func (j *Job) CanRetry() bool { return j.RetryCount < j.MaxRetries }

// IsResumable reports whether a startable job has a checkpoint to continue
// from. Pending jobs qualify too: interrupted and recovered runs are
// requeued with their checkpoint.
func (j *Job) IsResumable() bool {
	switch j.Status {
	case StatusPending, StatusFailed, StatusPaused:
		return j.Checkpoint != nil
	}
	return false
}

// IsDue reports whether a pending job may start at now.
func (j *Job) IsDue(now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

var recurrence = map[string]time.Duration{
	"hourly": time.Hour,
	"daily":  24 * time.Hour,
	"weekly": 7 * 24 * time.Hour,
}

// NextRun returns the next scheduled time for a recurring job.
func (j *Job) NextRun(from time.Time) (time.Time, bool) {
	if !j.IsRecurring {
		return time.Time{}, false
	}
	d, ok := recurrence[j.RecurrencePattern]
	if !ok {
		return time.Time{}, false
	}
	return from.Add(d), true
}

// ValidRecurrence reports whether pattern is a known recurrence.
func ValidRecurrence(pattern string) bool {
	_, ok := recurrence[pattern]
	return ok
}

// Clone returns a pending copy of j's configuration scheduled at next.
func (j *Job) Clone(next time.Time) *Job {
	c := &Job{
		Type:              j.Type,
		Status:            StatusPending,
		Instruments:       append([]string(nil), j.Instruments...),
		Timeframes:        append([]candle.Timeframe(nil), j.Timeframes...),
		StartDate:         j.StartDate,
		EndDate:           j.EndDate,
		BatchSize:         j.BatchSize,
		ConcurrencyLimit:  j.ConcurrencyLimit,
		Priority:          j.Priority,
		TotalItems:        j.TotalItems,
		MaxRetries:        j.MaxRetries,
		IsRecurring:       j.IsRecurring,
		RecurrencePattern: j.RecurrencePattern,
		CreatedBy:         "recurring-" + j.ID,
	}
	c.ScheduledAt = &next
	return c
}

// Log is a per-job processing record.
type Log struct {
	ID         int64            `json:"id"`
	JobID      string           `json:"job_id"`
	Level      string           `json:"level"`
	Message    string           `json:"message"`
	Details    LogDetails       `json:"details"`
	Instrument string           `json:"instrument,omitempty"`
	Timeframe  candle.Timeframe `json:"timeframe,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

type LogDetails struct {
	CandlesProcessed int     `json:"candles_processed"`
	EventsDetected   int     `json:"events_detected"`
	EventsStored     int     `json:"events_stored"`
	InvalidCandles   int     `json:"invalid_candles,omitempty"`
	ProcessingTime   float64 `json:"processing_time"`
	ItemsPerSecond   float64 `json:"items_per_second"`
	Error            string  `json:"error,omitempty"`
}

const (
	LogInfo  = "INFO"
	LogError = "ERROR"
)
