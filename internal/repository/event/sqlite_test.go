package event

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
	domain "github.com/ahmethakanbesel/barwatch/internal/event"
	"github.com/ahmethakanbesel/barwatch/internal/platform/sqlite"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleEvent(ts time.Time) *domain.Event {
	d := decimal.RequireFromString
	return &domain.Event{
		EventType:         domain.TypeNewResistance,
		Instrument:        "EUR_USD",
		Timeframe:         candle.H1,
		EventTimestamp:    ts,
		GreenOpen:         d("1.0800"),
		GreenHigh:         d("1.0860"),
		GreenLow:          d("1.0790"),
		GreenClose:        d("1.0850"),
		GreenVolume:       1000,
		RedOpen:           d("1.0850"),
		RedHigh:           d("1.0870"),
		RedLow:            d("1.0826"),
		RedClose:          d("1.0853"),
		RedVolume:         900,
		ResistanceLevel:   d("1.0850"),
		ReboundAmplitude:  d("-0.0017"),
		ReboundPercentage: d("38.6364"),
		ATRValue:          decimal.NewNullDecimal(d("0.002")),
		ReboundInATR:      decimal.NewNullDecimal(d("0.85")),
		DayOfWeek:         int(ts.Weekday()+6) % 7,
		HourOfDay:         ts.Hour(),
		DetectedAt:        ts.Add(time.Second),
	}
}

func TestSave_DuplicateOnce(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	out, err := repo.Save(ctx, sampleEvent(ts))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if out != domain.Created {
		t.Fatalf("expected created, got %s", out)
	}

	out, err = repo.Save(ctx, sampleEvent(ts))
	if err != nil {
		t.Fatalf("save duplicate: %v", err)
	}
	if out != domain.Duplicate {
		t.Fatalf("expected duplicate, got %s", out)
	}

	events, err := repo.List(ctx, domain.ListFilter{Instrument: "EUR_USD"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 stored event, got %d", len(events))
	}
}

func TestList_RoundTrip(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	want := sampleEvent(ts)
	want.ReboundInATR = decimal.NullDecimal{}
	if _, err := repo.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := repo.Save(ctx, sampleEvent(ts.Add(time.Hour))); err != nil {
		t.Fatalf("save: %v", err)
	}

	events, err := repo.List(ctx, domain.ListFilter{
		Instrument: "EUR_USD",
		Timeframe:  candle.H1,
		From:       ts,
		To:         ts.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event in range, got %d", len(events))
	}

	got := events[0]
	if got.ID != want.ID {
		t.Errorf("expected id %s, got %s", want.ID, got.ID)
	}
	if !got.EventTimestamp.Equal(ts) {
		t.Errorf("expected timestamp %v, got %v", ts, got.EventTimestamp)
	}
	if !got.ReboundAmplitude.Equal(want.ReboundAmplitude) {
		t.Errorf("expected amplitude %s, got %s", want.ReboundAmplitude, got.ReboundAmplitude)
	}
	if !got.ATRValue.Valid || !got.ATRValue.Decimal.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("unexpected atr %+v", got.ATRValue)
	}
	if got.ReboundInATR.Valid {
		t.Error("expected null rebound_in_atr")
	}
	if got.DayOfWeek != 1 {
		t.Errorf("expected Tuesday (1), got %d", got.DayOfWeek)
	}
}

func TestList_Limit(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRepository(db.DB)
	ctx := context.Background()

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		if _, err := repo.Save(ctx, sampleEvent(start.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	events, err := repo.List(ctx, domain.ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if !events[0].EventTimestamp.Equal(start) {
		t.Error("expected oldest first")
	}
}
