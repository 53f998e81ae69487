package candle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Timeframe string

const (
	H1 Timeframe = "H1"
	H4 Timeframe = "H4"
	D  Timeframe = "D"
	W  Timeframe = "W"
)

// Timeframes lists the supported granularities in ascending order.
var Timeframes = []Timeframe{H1, H4, D, W}

// Duration is the nominal bar spacing.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case H1:
		return time.Hour
	case H4:
		return 4 * time.Hour
	case D:
		return 24 * time.Hour
	case W:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

func (tf Timeframe) Valid() bool { return tf.Duration() > 0 }

func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if !tf.Valid() {
		return "", fmt.Errorf("unsupported timeframe %q", s)
	}
	return tf, nil
}

// Candle is one OHLCV bar. Time is the bar's open time in UTC.
type Candle struct {
	Instrument string          `json:"instrument"`
	Timeframe  Timeframe       `json:"timeframe"`
	Time       time.Time       `json:"time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     int64           `json:"volume"`
	Complete   bool            `json:"complete"`
}

func (c Candle) IsGreen() bool { return c.Close.GreaterThan(c.Open) }
func (c Candle) IsRed() bool   { return c.Close.LessThan(c.Open) }

// Range is High - Low.
func (c Candle) Range() decimal.Decimal { return c.High.Sub(c.Low) }

var (
	ErrNonPositivePrice = errors.New("non-positive price")
	ErrInconsistentOHLC = errors.New("inconsistent OHLC")
)

// Validate checks that prices are positive and that High and Low bound the
// open and close.
func (c Candle) Validate() error {
	for _, p := range []decimal.Decimal{c.Open, c.High, c.Low, c.Close} {
		if !p.IsPositive() {
			return fmt.Errorf("%s %s %s: %w", c.Instrument, c.Timeframe, c.Time.Format(time.RFC3339), ErrNonPositivePrice)
		}
	}
	if c.High.LessThan(decimal.Max(c.Open, c.Close, c.Low)) || c.Low.GreaterThan(decimal.Min(c.Open, c.Close)) {
		return fmt.Errorf("%s %s %s: %w", c.Instrument, c.Timeframe, c.Time.Format(time.RFC3339), ErrInconsistentOHLC)
	}
	if c.Volume < 0 {
		return fmt.Errorf("%s %s %s: negative volume", c.Instrument, c.Timeframe, c.Time.Format(time.RFC3339))
	}
	return nil
}

// Repository persists candles for backfill and reprocessing.
type Repository interface {
	SaveCandles(ctx context.Context, candles []Candle) (int64, error)
	ListCandles(ctx context.Context, instrument string, tf Timeframe, from, to time.Time) ([]Candle, error)
}
