package event

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
)

type Type string

const TypeNewResistance Type = "new_resistance"

// Event is a detected green-to-red candle transition.
type Event struct {
	ID             string           `json:"id"`
	EventType      Type             `json:"event_type"`
	Instrument     string           `json:"instrument"`
	Timeframe      candle.Timeframe `json:"timeframe"`
	EventTimestamp time.Time        `json:"event_timestamp"`

	GreenOpen   decimal.Decimal `json:"green_open"`
	GreenHigh   decimal.Decimal `json:"green_high"`
	GreenLow    decimal.Decimal `json:"green_low"`
	GreenClose  decimal.Decimal `json:"green_close"`
	GreenVolume int64           `json:"green_volume"`

	RedOpen   decimal.Decimal `json:"red_open"`
	RedHigh   decimal.Decimal `json:"red_high"`
	RedLow    decimal.Decimal `json:"red_low"`
	RedClose  decimal.Decimal `json:"red_close"`
	RedVolume int64           `json:"red_volume"`

	ResistanceLevel   decimal.Decimal     `json:"resistance_level"`
	ReboundAmplitude  decimal.Decimal     `json:"rebound_amplitude"`
	ReboundPercentage decimal.Decimal     `json:"rebound_percentage"`
	ATRValue          decimal.NullDecimal `json:"atr_value"`
	ReboundInATR      decimal.NullDecimal `json:"rebound_in_atr"`

	// DayOfWeek counts from Monday = 0.
	DayOfWeek int `json:"day_of_week"`
	HourOfDay int `json:"hour_of_day"`

	DetectedAt          time.Time `json:"detected_at"`
	ProcessingLatencyMs float64   `json:"processing_latency_ms"`
}

// DetectFunc inspects two consecutive candles and returns an event when the
// pattern is present. atr may be nil.
type DetectFunc func(prev, curr candle.Candle, atr *decimal.Decimal) *Event

type Outcome int

const (
	Created Outcome = iota + 1
	Duplicate
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Repository persists events. Saving an event whose (instrument, timeframe,
// event_timestamp) already exists reports Duplicate instead of an error.
type Repository interface {
	Save(ctx context.Context, e *Event) (Outcome, error)
	List(ctx context.Context, f ListFilter) ([]Event, error)
}

type ListFilter struct {
	Instrument string
	Timeframe  candle.Timeframe
	From, To   time.Time
	Limit      int
}
