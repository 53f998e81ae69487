package job

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ahmethakanbesel/barwatch/internal/apperror"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
)

var instrumentPattern = regexp.MustCompile(`^[A-Z]{3}_[A-Z]{3}$`)

type GetJobRequest struct {
	ID string
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if strings.TrimSpace(r.ID) == "" {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Status Status
	Limit  int
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	if r.Status != "" && !r.Status.Valid() {
		return apperror.New(apperror.BadRequest, fmt.Sprintf("invalid status %q", r.Status))
	}
	if r.Limit < 0 {
		return apperror.New(apperror.BadRequest, "limit must not be negative")
	}
	return nil
}

type CreateJobRequest struct {
	Type              Type               `json:"job_type"`
	Instruments       []string           `json:"instruments"`
	Timeframes        []candle.Timeframe `json:"timeframes"`
	StartDate         time.Time          `json:"start_date"`
	EndDate           time.Time          `json:"end_date"`
	BatchSize         int                `json:"batch_size"`
	ConcurrencyLimit  int                `json:"concurrency_limit"`
	Priority          int                `json:"priority"`
	MaxRetries        int                `json:"max_retries"`
	ScheduledAt       *time.Time         `json:"scheduled_at"`
	IsRecurring       bool               `json:"is_recurring"`
	RecurrencePattern string             `json:"recurrence_pattern"`
	CreatedBy         string             `json:"created_by"`
}

// Normalize upper-cases instruments and fills defaults.
func (r *CreateJobRequest) Normalize() {
	for i, inst := range r.Instruments {
		r.Instruments[i] = strings.ToUpper(strings.TrimSpace(inst))
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.ConcurrencyLimit == 0 {
		r.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if r.Priority == 0 {
		r.Priority = PriorityNormal
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = DefaultMaxRetries
	}
	r.StartDate = r.StartDate.UTC()
	r.EndDate = r.EndDate.UTC()
}

func (r CreateJobRequest) Validate() *apperror.AppError {
	if !r.Type.Valid() {
		return apperror.New(apperror.BadRequest, fmt.Sprintf("invalid job type %q", r.Type))
	}
	if len(r.Instruments) == 0 {
		return apperror.New(apperror.BadRequest, "at least one instrument is required")
	}
	for _, inst := range r.Instruments {
		if !instrumentPattern.MatchString(inst) {
			return apperror.New(apperror.BadRequest, fmt.Sprintf("invalid instrument %q, expected format EUR_USD", inst))
		}
	}
	if len(r.Timeframes) == 0 {
		return apperror.New(apperror.BadRequest, "at least one timeframe is required")
	}
	for _, tf := range r.Timeframes {
		if !tf.Valid() {
			return apperror.New(apperror.BadRequest, fmt.Sprintf("invalid timeframe %q", tf))
		}
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return apperror.New(apperror.BadRequest, "start_date and end_date are required")
	}
	if !r.EndDate.After(r.StartDate) {
		return apperror.New(apperror.BadRequest, "end_date must be after start_date")
	}
	if r.BatchSize < 1 || r.BatchSize > 5000 {
		return apperror.New(apperror.BadRequest, "batch_size must be between 1 and 5000")
	}
	if r.ConcurrencyLimit < 1 || r.ConcurrencyLimit > 20 {
		return apperror.New(apperror.BadRequest, "concurrency_limit must be between 1 and 20")
	}
	if r.Priority < PriorityCritical || r.Priority > PriorityBackground {
		return apperror.New(apperror.BadRequest, "priority must be between 1 and 10")
	}
	if r.MaxRetries < 0 {
		return apperror.New(apperror.BadRequest, "max_retries must not be negative")
	}
	if r.IsRecurring && !ValidRecurrence(r.RecurrencePattern) {
		return apperror.New(apperror.BadRequest, fmt.Sprintf("invalid recurrence pattern %q", r.RecurrencePattern))
	}
	return nil
}

// NewJob builds the pending job described by r.
func (r CreateJobRequest) NewJob() *Job {
	j := &Job{
		Type:              r.Type,
		Status:            StatusPending,
		Instruments:       append([]string(nil), r.Instruments...),
		Timeframes:        append([]candle.Timeframe(nil), r.Timeframes...),
		StartDate:         r.StartDate,
		EndDate:           r.EndDate,
		BatchSize:         r.BatchSize,
		ConcurrencyLimit:  r.ConcurrencyLimit,
		Priority:          r.Priority,
		MaxRetries:        r.MaxRetries,
		IsRecurring:       r.IsRecurring,
		RecurrencePattern: r.RecurrencePattern,
		CreatedBy:         r.CreatedBy,
		TotalItems:        EstimateTotalItems(len(r.Instruments), len(r.Timeframes), r.StartDate, r.EndDate),
	}
	if r.ScheduledAt != nil {
		at := r.ScheduledAt.UTC()
		j.ScheduledAt = &at
	}
	return j
}
