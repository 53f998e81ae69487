package event

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
	domain "github.com/ahmethakanbesel/barwatch/internal/event"
	"github.com/ahmethakanbesel/barwatch/internal/platform/sqlite"
)

const defaultListLimit = 1000

type Repository struct {
	db *sql.DB
}

var _ domain.Repository = (*Repository)(nil)

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Save inserts e unless an event with the same instrument, timeframe and
// timestamp is already stored.
func (r *Repository) Save(ctx context.Context, e *domain.Event) (domain.Outcome, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	const query = `INSERT INTO resistance_events (
			id, event_type, instrument, timeframe, event_timestamp,
			green_open, green_high, green_low, green_close, green_volume,
			red_open, red_high, red_low, red_close, red_volume,
			resistance_level, rebound_amplitude, rebound_percentage, atr_value, rebound_in_atr,
			day_of_week, hour_of_day, detected_at, processing_latency_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instrument, timeframe, event_timestamp) DO NOTHING`

	res, err := r.db.ExecContext(ctx, query,
		e.ID, string(e.EventType), e.Instrument, string(e.Timeframe), sqlite.FormatTime(e.EventTimestamp),
		e.GreenOpen.String(), e.GreenHigh.String(), e.GreenLow.String(), e.GreenClose.String(), e.GreenVolume,
		e.RedOpen.String(), e.RedHigh.String(), e.RedLow.String(), e.RedClose.String(), e.RedVolume,
		e.ResistanceLevel.String(), e.ReboundAmplitude.String(), e.ReboundPercentage.String(),
		nullDecimal(e.ATRValue), nullDecimal(e.ReboundInATR),
		e.DayOfWeek, e.HourOfDay, sqlite.FormatTime(e.DetectedAt), e.ProcessingLatencyMs,
	)
	if err != nil {
		return 0, fmt.Errorf("save event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("save event: %w", err)
	}
	if n == 0 {
		return domain.Duplicate, nil
	}
	return domain.Created, nil
}

func (r *Repository) List(ctx context.Context, f domain.ListFilter) ([]domain.Event, error) {
	query := `SELECT id, event_type, instrument, timeframe, event_timestamp,
			green_open, green_high, green_low, green_close, green_volume,
			red_open, red_high, red_low, red_close, red_volume,
			resistance_level, rebound_amplitude, rebound_percentage, atr_value, rebound_in_atr,
			day_of_week, hour_of_day, detected_at, processing_latency_ms
		FROM resistance_events WHERE 1=1`

	var args []any
	if f.Instrument != "" {
		query += " AND instrument = ?"
		args = append(args, f.Instrument)
	}
	if f.Timeframe != "" {
		query += " AND timeframe = ?"
		args = append(args, string(f.Timeframe))
	}
	if !f.From.IsZero() {
		query += " AND event_timestamp >= ?"
		args = append(args, sqlite.FormatTime(f.From))
	}
	if !f.To.IsZero() {
		query += " AND event_timestamp < ?"
		args = append(args, sqlite.FormatTime(f.To))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY event_timestamp ASC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var (
		e                                       domain.Event
		eventType, timeframe, tsStr, detectedAt string
		gOpen, gHigh, gLow, gClose              string
		rOpen, rHigh, rLow, rClose              string
		level, amplitude, pct                   string
		atr, inATR                              sql.NullString
	)
	err := rows.Scan(&e.ID, &eventType, &e.Instrument, &timeframe, &tsStr,
		&gOpen, &gHigh, &gLow, &gClose, &e.GreenVolume,
		&rOpen, &rHigh, &rLow, &rClose, &e.RedVolume,
		&level, &amplitude, &pct, &atr, &inATR,
		&e.DayOfWeek, &e.HourOfDay, &detectedAt, &e.ProcessingLatencyMs,
	)
	if err != nil {
		return e, err
	}

	e.EventType = domain.Type(eventType)
	e.Timeframe = candle.Timeframe(timeframe)
	e.EventTimestamp, _ = sqlite.ParseTime(tsStr)
	e.DetectedAt, _ = sqlite.ParseTime(detectedAt)

	targets := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&e.GreenOpen, gOpen}, {&e.GreenHigh, gHigh}, {&e.GreenLow, gLow}, {&e.GreenClose, gClose},
		{&e.RedOpen, rOpen}, {&e.RedHigh, rHigh}, {&e.RedLow, rLow}, {&e.RedClose, rClose},
		{&e.ResistanceLevel, level}, {&e.ReboundAmplitude, amplitude}, {&e.ReboundPercentage, pct},
	}
	for _, t := range targets {
		d, err := decimal.NewFromString(t.src)
		if err != nil {
			return e, fmt.Errorf("parse decimal %q: %w", t.src, err)
		}
		*t.dst = d
	}
	if e.ATRValue, err = parseNullDecimal(atr); err != nil {
		return e, err
	}
	if e.ReboundInATR, err = parseNullDecimal(inATR); err != nil {
		return e, err
	}
	return e, nil
}

func nullDecimal(d decimal.NullDecimal) sql.NullString {
	if !d.Valid {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Decimal.String(), Valid: true}
}

func parseNullDecimal(ns sql.NullString) (decimal.NullDecimal, error) {
	if !ns.Valid || ns.String == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse decimal %q: %w", ns.String, err)
	}
	return decimal.NewNullDecimal(d), nil
}
