package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ahmethakanbesel/barwatch/internal/apperror"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	domain "github.com/ahmethakanbesel/barwatch/internal/job"
	"github.com/ahmethakanbesel/barwatch/internal/platform/sqlite"
)

const columns = `id, job_type, status, instruments, timeframes, start_date, end_date,
	batch_size, concurrency_limit, priority, total_items, processed_items, failed_items,
	progress_percentage, checkpoint, started_at, completed_at, processing_time_seconds,
	items_per_second, events_detected, events_stored, candles_processed, data_quality_score,
	error_message, error_count, retry_count, max_retries, scheduled_at, is_recurring,
	recurrence_pattern, created_by, created_at, updated_at`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	instruments, err := json.Marshal(j.Instruments)
	if err != nil {
		return fmt.Errorf("create job: encode instruments: %w", err)
	}
	timeframes, err := json.Marshal(j.Timeframes)
	if err != nil {
		return fmt.Errorf("create job: encode timeframes: %w", err)
	}
	checkpoint, err := encodeCheckpoint(j.Checkpoint)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	query := `INSERT INTO batch_jobs (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		j.ID, string(j.Type), string(j.Status), string(instruments), string(timeframes),
		sqlite.FormatTime(j.StartDate), sqlite.FormatTime(j.EndDate),
		j.BatchSize, j.ConcurrencyLimit, j.Priority, j.TotalItems, j.ProcessedItems, j.FailedItems,
		j.ProgressPercentage, checkpoint, sqlite.NullTime(j.StartedAt), sqlite.NullTime(j.CompletedAt),
		j.ProcessingTimeSeconds, j.ItemsPerSecond, j.EventsDetected, j.EventsStored, j.CandlesProcessed,
		nullFloat(j.DataQualityScore), nullString(j.ErrorMessage), j.ErrorCount, j.RetryCount, j.MaxRetries,
		sqlite.NullTime(j.ScheduledAt), j.IsRecurring, nullString(j.RecurrencePattern), nullString(j.CreatedBy),
		sqlite.FormatTime(j.CreatedAt), sqlite.FormatTime(j.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := `SELECT ` + columns + ` FROM batch_jobs WHERE id = ?`

	j, err := scanJob(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Job, error) {
	query := `SELECT ` + columns + ` FROM batch_jobs WHERE 1=1`

	var args []any
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (r *Repository) MarkRunning(ctx context.Context, id string, reset bool, at time.Time) (bool, error) {
	set := `status = 'running', started_at = ?, error_message = NULL, updated_at = ?`
	if reset {
		set += `, processed_items = 0, failed_items = 0, progress_percentage = 0, checkpoint = NULL,
			events_detected = 0, events_stored = 0, candles_processed = 0, data_quality_score = NULL,
			completed_at = NULL, processing_time_seconds = 0, items_per_second = 0`
	}
	query := `UPDATE batch_jobs SET ` + set + ` WHERE id = ? AND status IN ('pending', 'paused', 'failed')`

	return r.exec(ctx, "mark job running", query, sqlite.FormatTime(at), now(), id)
}

func (r *Repository) Transition(ctx context.Context, id string, to domain.Status, from ...domain.Status) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
		"UPDATE batch_jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (%s)", placeholders)

	args := []any{string(to), now(), id}
	for _, s := range from {
		args = append(args, string(s))
	}
	return r.exec(ctx, "transition job", query, args...)
}

func (r *Repository) UpdateProgress(ctx context.Context, id string, p domain.Progress) error {
	const query = `UPDATE batch_jobs SET processed_items = ?, failed_items = ?, progress_percentage = ?,
		events_detected = ?, events_stored = ?, candles_processed = ?, updated_at = ?
		WHERE id = ?`

	_, err := r.db.ExecContext(ctx, query,
		p.Processed, p.Failed, p.Percentage, p.EventsDetected, p.EventsStored, p.CandlesProcessed, now(), id)
	if err != nil {
		return fmt.Errorf("update job progress: %w", err)
	}
	return nil
}

func (r *Repository) SaveCheckpoint(ctx context.Context, id string, cp domain.Checkpoint) error {
	encoded, err := encodeCheckpoint(&cp)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	const query = `UPDATE batch_jobs SET checkpoint = ?, updated_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, encoded, now(), id); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (r *Repository) Complete(ctx context.Context, id string, c domain.Completion) (bool, error) {
	const query = `UPDATE batch_jobs SET status = 'completed', completed_at = ?,
		processing_time_seconds = ?, items_per_second = ?, events_detected = ?, events_stored = ?,
		candles_processed = ?, data_quality_score = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`

	return r.exec(ctx, "complete job", query,
		sqlite.FormatTime(c.CompletedAt), c.ProcessingTimeSeconds, c.ItemsPerSecond,
		c.EventsDetected, c.EventsStored, c.CandlesProcessed, nullFloat(c.DataQualityScore), now(), id)
}

func (r *Repository) Fail(ctx context.Context, id, message string) (bool, error) {
	const query = `UPDATE batch_jobs SET status = 'failed', error_message = ?,
		error_count = error_count + 1, updated_at = ?
		WHERE id = ? AND status = 'running'`

	return r.exec(ctx, "fail job", query, message, now(), id)
}

func (r *Repository) Requeue(ctx context.Context, id string) (bool, error) {
	const query = `UPDATE batch_jobs SET status = 'pending', retry_count = retry_count + 1,
		error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'failed' AND retry_count < max_retries`

	return r.exec(ctx, "requeue job", query, now(), id)
}

func (r *Repository) AppendLog(ctx context.Context, l *domain.Log) error {
	details, err := json.Marshal(l.Details)
	if err != nil {
		return fmt.Errorf("append job log: encode details: %w", err)
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	const query = `INSERT INTO batch_job_logs (job_id, level, message, details, instrument, timeframe, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		l.JobID, l.Level, l.Message, string(details),
		nullString(l.Instrument), nullString(string(l.Timeframe)), sqlite.FormatTime(l.CreatedAt))
	if err != nil {
		return fmt.Errorf("append job log: %w", err)
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

func (r *Repository) Logs(ctx context.Context, jobID string, limit int) ([]domain.Log, error) {
	const query = `SELECT id, job_id, level, message, details, instrument, timeframe, created_at
		FROM batch_job_logs WHERE job_id = ? ORDER BY id ASC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var logs []domain.Log
	for rows.Next() {
		var l domain.Log
		var details, instrument, timeframe sql.NullString
		var createdStr string
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Message, &details, &instrument, &timeframe, &createdStr); err != nil {
			return nil, fmt.Errorf("scan job log: %w", err)
		}
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &l.Details)
		}
		l.Instrument = instrument.String
		l.Timeframe = candle.Timeframe(timeframe.String)
		l.CreatedAt, _ = sqlite.ParseTime(createdStr)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *Repository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const query = `DELETE FROM batch_jobs
		WHERE status IN ('completed', 'cancelled')
		  AND COALESCE(completed_at, updated_at) < ?`

	res, err := r.db.ExecContext(ctx, query, sqlite.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	const query = `UPDATE batch_jobs SET status = 'pending', updated_at = ? WHERE status = 'running'`

	res, err := r.db.ExecContext(ctx, query, now())
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		j                                     domain.Job
		jobType, status                       string
		instruments, timeframes               string
		startStr, endStr, createdStr, updStr  string
		checkpoint, startedAt, completedAt    sql.NullString
		errMsg, scheduledAt, pattern, creator sql.NullString
		quality                               sql.NullFloat64
	)

	err := row.Scan(
		&j.ID, &jobType, &status, &instruments, &timeframes, &startStr, &endStr,
		&j.BatchSize, &j.ConcurrencyLimit, &j.Priority, &j.TotalItems, &j.ProcessedItems, &j.FailedItems,
		&j.ProgressPercentage, &checkpoint, &startedAt, &completedAt, &j.ProcessingTimeSeconds,
		&j.ItemsPerSecond, &j.EventsDetected, &j.EventsStored, &j.CandlesProcessed, &quality,
		&errMsg, &j.ErrorCount, &j.RetryCount, &j.MaxRetries, &scheduledAt, &j.IsRecurring,
		&pattern, &creator, &createdStr, &updStr,
	)
	if err != nil {
		return nil, err
	}

	j.Type = domain.Type(jobType)
	j.Status = domain.Status(status)
	if err := json.Unmarshal([]byte(instruments), &j.Instruments); err != nil {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}
	if err := json.Unmarshal([]byte(timeframes), &j.Timeframes); err != nil {
		return nil, fmt.Errorf("decode timeframes: %w", err)
	}
	if checkpoint.Valid && checkpoint.String != "" {
		var cp domain.Checkpoint
		if err := json.Unmarshal([]byte(checkpoint.String), &cp); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
		j.Checkpoint = &cp
	}
	if quality.Valid {
		q := quality.Float64
		j.DataQualityScore = &q
	}

	j.StartDate, _ = sqlite.ParseTime(startStr)
	j.EndDate, _ = sqlite.ParseTime(endStr)
	j.StartedAt = sqlite.ScanNullTime(startedAt)
	j.CompletedAt = sqlite.ScanNullTime(completedAt)
	j.ScheduledAt = sqlite.ScanNullTime(scheduledAt)
	j.CreatedAt, _ = sqlite.ParseTime(createdStr)
	j.UpdatedAt, _ = sqlite.ParseTime(updStr)
	j.ErrorMessage = errMsg.String
	j.RecurrencePattern = pattern.String
	j.CreatedBy = creator.String
	return &j, nil
}

func encodeCheckpoint(cp *domain.Checkpoint) (sql.NullString, error) {
	if cp == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func now() string { return sqlite.FormatTime(time.Now()) }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
