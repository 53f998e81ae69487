// Package detector finds new-resistance events: a green candle immediately
// followed by a red one. The high of the green candle is the resistance
// level and the red candle's close-to-high distance is the rebound.
package detector

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/event"
)

// DefaultATRPeriod is the Wilder ATR look-back used by Scan.
const DefaultATRPeriod = 14

// maxGapBars is how many expected bar spacings may separate the two candles
// (weekends and holidays) before the pair is ignored.
const maxGapBars = 72

var hundred = decimal.NewFromInt(100)

// Detect implements event.DetectFunc.
func Detect(prev, curr candle.Candle, atr *decimal.Decimal) *event.Event {
	if !prev.IsGreen() || !curr.IsRed() {
		return nil
	}

	gap := curr.Time.Sub(prev.Time)
	if gap <= 0 {
		return nil
	}
	if expected := curr.Timeframe.Duration(); expected > 0 && gap > maxGapBars*expected {
		return nil
	}

	amplitude := curr.Close.Sub(curr.High)
	percentage := decimal.Zero
	if rng := curr.Range(); !rng.IsZero() {
		percentage = amplitude.Abs().Div(rng).Mul(hundred).Round(4)
	}

	ts := curr.Time.UTC()
	e := &event.Event{
		ID:                uuid.NewString(),
		EventType:         event.TypeNewResistance,
		Instrument:        curr.Instrument,
		Timeframe:         curr.Timeframe,
		EventTimestamp:    ts,
		GreenOpen:         prev.Open,
		GreenHigh:         prev.High,
		GreenLow:          prev.Low,
		GreenClose:        prev.Close,
		GreenVolume:       prev.Volume,
		RedOpen:           curr.Open,
		RedHigh:           curr.High,
		RedLow:            curr.Low,
		RedClose:          curr.Close,
		RedVolume:         curr.Volume,
		ResistanceLevel:   prev.High,
		ReboundAmplitude:  amplitude,
		ReboundPercentage: percentage,
		DayOfWeek:         (int(ts.Weekday()) + 6) % 7,
		HourOfDay:         ts.Hour(),
		DetectedAt:        time.Now().UTC(),
	}

	if atr != nil && atr.IsPositive() {
		e.ATRValue = decimal.NewNullDecimal(*atr)
		e.ReboundInATR = decimal.NewNullDecimal(amplitude.Abs().Div(*atr).Round(4))
	}
	return e
}

// ATR returns the Wilder average true range for every candle. Until a full
// period is available each entry is the mean of the true ranges so far.
func ATR(candles []candle.Candle, period int) []decimal.NullDecimal {
	out := make([]decimal.NullDecimal, len(candles))
	if period <= 0 {
		return out
	}

	p := decimal.NewFromInt(int64(period))
	pm1 := decimal.NewFromInt(int64(period - 1))

	var sum, atr decimal.Decimal
	for i, c := range candles {
		tr := c.Range()
		if i > 0 {
			prevClose := candles[i-1].Close
			tr = decimal.Max(tr, c.High.Sub(prevClose).Abs(), c.Low.Sub(prevClose).Abs())
		}

		switch {
		case i < period-1:
			sum = sum.Add(tr)
			atr = sum.Div(decimal.NewFromInt(int64(i + 1)))
		case i == period-1:
			atr = sum.Add(tr).Div(p)
		default:
			atr = atr.Mul(pm1).Add(tr).Div(p)
		}
		out[i] = decimal.NewNullDecimal(atr)
	}
	return out
}

// Scan runs detect over each consecutive pair in candles, passing the ATR of
// the current candle when one is available.
func Scan(candles []candle.Candle, detect event.DetectFunc) []*event.Event {
	if len(candles) < 2 {
		return nil
	}
	atr := ATR(candles, DefaultATRPeriod)

	var events []*event.Event
	for i := 1; i < len(candles); i++ {
		var a *decimal.Decimal
		if atr[i].Valid {
			v := atr[i].Decimal
			a = &v
		}
		if e := detect(candles[i-1], candles[i], a); e != nil {
			events = append(events, e)
		}
	}
	return events
}
