package candle

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/platform/sqlite"
)

const batchSize = 500

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// SaveCandles upserts candles keyed by (instrument, timeframe, time) and
// returns the number of rows written.
func (r *Repository) SaveCandles(ctx context.Context, candles []domain.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	var total int64
	for i := 0; i < len(candles); i += batchSize {
		end := min(i+batchSize, len(candles))
		batch := candles[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, 0, len(batch)*8)
		for j, c := range batch {
			placeholders[j] = "(?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args,
				c.Instrument, string(c.Timeframe), sqlite.FormatTime(c.Time),
				c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume,
			)
		}

		query := fmt.Sprintf( //nolint:gosec // placeholders are not user input
			`INSERT INTO candles (instrument, timeframe, time, open, high, low, close, volume) VALUES %s
			ON CONFLICT (instrument, timeframe, time) DO UPDATE SET
				open = excluded.open, high = excluded.high, low = excluded.low,
				close = excluded.close, volume = excluded.volume`,
			strings.Join(placeholders, ", "),
		)

		res, err := r.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("save candles: %w", err)
		}

		n, _ := res.RowsAffected()
		total += n
	}

	return total, nil
}

// ListCandles returns stored candles with from <= time < to, oldest first.
func (r *Repository) ListCandles(ctx context.Context, instrument string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	const query = `SELECT instrument, timeframe, time, open, high, low, close, volume
		FROM candles
		WHERE instrument = ? AND timeframe = ? AND time >= ? AND time < ?
		ORDER BY time ASC`

	rows, err := r.db.QueryContext(ctx, query,
		instrument, string(tf),
		sqlite.FormatTime(from), sqlite.FormatTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("list candles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		var timeframe, timeStr, open, high, low, closePrice string
		if err := rows.Scan(&c.Instrument, &timeframe, &timeStr, &open, &high, &low, &closePrice, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Timeframe = domain.Timeframe(timeframe)
		c.Time, _ = sqlite.ParseTime(timeStr)
		if c.Open, err = decimal.NewFromString(open); err != nil {
			return nil, fmt.Errorf("parse open: %w", err)
		}
		if c.High, err = decimal.NewFromString(high); err != nil {
			return nil, fmt.Errorf("parse high: %w", err)
		}
		if c.Low, err = decimal.NewFromString(low); err != nil {
			return nil, fmt.Errorf("parse low: %w", err)
		}
		if c.Close, err = decimal.NewFromString(closePrice); err != nil {
			return nil, fmt.Errorf("parse close: %w", err)
		}
		c.Complete = true
		candles = append(candles, c)
	}

	return candles, rows.Err()
}
