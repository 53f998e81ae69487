// Package marketdata defines the candle sources used by the batch and live
// detection paths.
package marketdata

import (
	"context"
	"time"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
)

// LatestFetcher returns the most recent complete candle, or nil when the
// source has none yet.
type LatestFetcher interface {
	LatestCandle(ctx context.Context, instrument string, tf candle.Timeframe) (*candle.Candle, error)
}

// HistoricalFetcher returns the complete candles opened in [from, to),
// ordered by time. batchSize bounds the candles requested per call upstream.
type HistoricalFetcher interface {
	HistoricalCandles(ctx context.Context, instrument string, tf candle.Timeframe, from, to time.Time, batchSize int) ([]candle.Candle, error)
}

type Fetcher interface {
	LatestFetcher
	HistoricalFetcher
}
