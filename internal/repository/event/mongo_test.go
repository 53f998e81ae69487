package event

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDocumentConversion(t *testing.T) {
	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	want := sampleEvent(ts)
	want.ID = "evt-1"
	want.ReboundInATR = decimal.NullDecimal{}

	doc, err := toDocument(want)
	if err != nil {
		t.Fatalf("to document: %v", err)
	}
	if doc.ATRValue == nil || doc.ReboundInATR != nil {
		t.Fatal("expected optional decimals to follow validity")
	}

	got, err := doc.toEvent()
	if err != nil {
		t.Fatalf("to event: %v", err)
	}
	if got.ID != "evt-1" || !got.EventTimestamp.Equal(ts) {
		t.Errorf("unexpected identity %+v", got)
	}
	if !got.ReboundAmplitude.Equal(want.ReboundAmplitude) || !got.GreenClose.Equal(want.GreenClose) {
		t.Errorf("decimal mismatch: %s %s", got.ReboundAmplitude, got.GreenClose)
	}
	if !got.ATRValue.Valid || !got.ATRValue.Decimal.Equal(want.ATRValue.Decimal) {
		t.Errorf("unexpected atr %+v", got.ATRValue)
	}
	if got.ReboundInATR.Valid {
		t.Error("expected null rebound_in_atr")
	}
}
