package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/barwatch/internal/apperror"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
)

func day(m, d int) time.Time {
	return time.Date(2024, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

func TestUpdateProgress_Additive(t *testing.T) {
	j := &Job{TotalItems: 100}

	j.UpdateProgress(10, 2)
	assert.Equal(t, 10, j.ProcessedItems)
	assert.Equal(t, 2, j.FailedItems)
	assert.Equal(t, 10.0, j.ProgressPercentage)

	j.UpdateProgress(40, 0)
	assert.Equal(t, 50, j.ProcessedItems)
	assert.Equal(t, 50.0, j.ProgressPercentage)
}

func TestUpdateProgress_ZeroTotal(t *testing.T) {
	j := &Job{}
	j.UpdateProgress(1, 0)
	assert.Equal(t, 0.0, j.ProgressPercentage)
}

func TestCanRetryAndResumable(t *testing.T) {
	j := &Job{Status: StatusFailed, RetryCount: 2, MaxRetries: 3}
	assert.True(t, j.CanRetry())
	assert.False(t, j.IsResumable(), "no checkpoint")

	j.Checkpoint = &Checkpoint{LastInstrument: "EUR_USD", LastTimeframe: candle.H1}
	assert.True(t, j.IsResumable())

	j.Status = StatusPaused
	assert.True(t, j.IsResumable())

	j.Status = StatusPending
	assert.True(t, j.IsResumable(), "requeued with checkpoint")

	j.Status = StatusRunning
	assert.False(t, j.IsResumable())

	j.Status = StatusCompleted
	assert.False(t, j.IsResumable())

	j.RetryCount = 3
	assert.False(t, j.CanRetry())
}

func TestNextRun(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		pattern string
		want    time.Time
		ok      bool
	}{
		{"hourly", now.Add(time.Hour), true},
		{"daily", now.Add(24 * time.Hour), true},
		{"weekly", now.Add(7 * 24 * time.Hour), true},
		{"monthly", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			j := &Job{IsRecurring: true, RecurrencePattern: tt.pattern}
			got, ok := j.NextRun(now)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := (&Job{RecurrencePattern: "daily"}).NextRun(now)
	assert.False(t, ok, "non-recurring job")
}

func TestClone(t *testing.T) {
	next := day(3, 2)
	j := &Job{
		ID:                "parent",
		Type:              TypeHistoricalBackfill,
		Status:            StatusCompleted,
		Instruments:       []string{"EUR_USD"},
		Timeframes:        []candle.Timeframe{candle.H1, candle.H4},
		StartDate:         day(1, 1),
		EndDate:           day(1, 8),
		BatchSize:         1000,
		ConcurrencyLimit:  2,
		Priority:          PriorityLow,
		TotalItems:        2,
		ProcessedItems:    2,
		MaxRetries:        3,
		IsRecurring:       true,
		RecurrencePattern: "daily",
	}

	c := j.Clone(next)
	assert.Empty(t, c.ID)
	assert.Equal(t, StatusPending, c.Status)
	assert.Equal(t, 0, c.ProcessedItems)
	assert.Equal(t, "recurring-parent", c.CreatedBy)
	require.NotNil(t, c.ScheduledAt)
	assert.Equal(t, next, *c.ScheduledAt)
	assert.Equal(t, j.Timeframes, c.Timeframes)

	c.Instruments[0] = "GBP_USD"
	assert.Equal(t, "EUR_USD", j.Instruments[0], "clone must not share slices")
}

func TestWorkItems_TwoDayWindow(t *testing.T) {
	j := &Job{
		Instruments: []string{"EUR_USD"},
		Timeframes:  []candle.Timeframe{candle.H1},
		StartDate:   day(1, 1),
		EndDate:     day(1, 3),
	}
	items := j.WorkItems(false)
	require.Len(t, items, 1)
	assert.Equal(t, WorkItem{Instrument: "EUR_USD", Timeframe: candle.H1, StartDate: day(1, 1), EndDate: day(1, 3)}, items[0])
}

func TestWorkItems_Order(t *testing.T) {
	j := &Job{
		Instruments: []string{"EUR_USD", "GBP_USD"},
		Timeframes:  []candle.Timeframe{candle.H1, candle.H4},
		StartDate:   day(1, 1),
		EndDate:     day(1, 15),
	}
	items := j.WorkItems(false)
	require.Len(t, items, 8)
	assert.Equal(t, EstimateTotalItems(2, 2, j.StartDate, j.EndDate), len(items))

	assert.Equal(t, "EUR_USD", items[0].Instrument)
	assert.Equal(t, candle.H1, items[0].Timeframe)
	assert.Equal(t, day(1, 8), items[1].StartDate)
	assert.Equal(t, candle.H4, items[2].Timeframe)
	assert.Equal(t, "GBP_USD", items[4].Instrument)
}

func TestWorkItems_ResumeFromCheckpoint(t *testing.T) {
	j := &Job{
		Instruments: []string{"EUR_USD", "GBP_USD", "USD_JPY"},
		Timeframes:  []candle.Timeframe{candle.H1},
		StartDate:   day(1, 1),
		EndDate:     day(1, 15),
		Checkpoint: &Checkpoint{
			LastInstrument: "GBP_USD",
			LastTimeframe:  candle.H1,
			LastDate:       day(1, 8),
		},
	}

	items := j.WorkItems(true)
	require.NotEmpty(t, items)
	assert.Equal(t, "GBP_USD", items[0].Instrument)
	assert.Equal(t, day(1, 8), items[0].StartDate)
	for _, it := range items {
		assert.NotEqual(t, "EUR_USD", it.Instrument)
	}

	// the later instrument gets its full window back
	var jpy []WorkItem
	for _, it := range items {
		if it.Instrument == "USD_JPY" {
			jpy = append(jpy, it)
		}
	}
	require.Len(t, jpy, 2)
	assert.Equal(t, day(1, 1), jpy[0].StartDate)

	// without resume the checkpoint is ignored
	assert.Len(t, j.WorkItems(false), 6)
}

func TestWorkItems_UnknownCheckpointRepeatsEverything(t *testing.T) {
	j := &Job{
		Instruments: []string{"EUR_USD", "GBP_USD"},
		Timeframes:  []candle.Timeframe{candle.H1},
		StartDate:   day(1, 1),
		EndDate:     day(1, 8),
		Checkpoint:  &Checkpoint{LastInstrument: "AUD_USD", LastTimeframe: candle.H1, LastDate: day(1, 5)},
	}
	items := j.WorkItems(true)
	require.Len(t, items, 2)
	assert.Equal(t, "EUR_USD", items[0].Instrument)
	assert.Equal(t, day(1, 1), items[0].StartDate)
}

func TestEstimateTotalItems(t *testing.T) {
	assert.Equal(t, 1, EstimateTotalItems(1, 1, day(1, 1), day(1, 3)))
	assert.Equal(t, 8, EstimateTotalItems(2, 2, day(1, 1), day(1, 15)))
	assert.Equal(t, 6, EstimateTotalItems(1, 2, day(1, 1), day(1, 16)))
}

func TestNewTask(t *testing.T) {
	item := WorkItem{Instrument: "EUR_USD", Timeframe: candle.H1, StartDate: day(1, 1), EndDate: day(1, 8)}

	for _, typ := range []Type{TypeHistoricalBackfill, TypeResistanceDetection, TypeDataValidation, TypeReprocessing} {
		task, err := NewTask(typ, item, 500)
		require.NoError(t, err)
		assert.Equal(t, typ, task.JobType())
		assert.Equal(t, item, task.Item())
	}

	_, err := NewTask("bogus", item, 500)
	require.Error(t, err)
}

func TestCreateJobRequest_Validate(t *testing.T) {
	valid := func() CreateJobRequest {
		r := CreateJobRequest{
			Type:        TypeResistanceDetection,
			Instruments: []string{"eur_usd"},
			Timeframes:  []candle.Timeframe{candle.H1},
			StartDate:   day(1, 1),
			EndDate:     day(1, 15),
		}
		r.Normalize()
		return r
	}

	r := valid()
	require.Nil(t, r.Validate())
	assert.Equal(t, "EUR_USD", r.Instruments[0])
	assert.Equal(t, DefaultBatchSize, r.BatchSize)
	assert.Equal(t, PriorityNormal, r.Priority)

	tests := []struct {
		name   string
		mutate func(*CreateJobRequest)
	}{
		{"bad type", func(r *CreateJobRequest) { r.Type = "x" }},
		{"no instruments", func(r *CreateJobRequest) { r.Instruments = nil }},
		{"bad instrument", func(r *CreateJobRequest) { r.Instruments = []string{"EURUSD"} }},
		{"bad timeframe", func(r *CreateJobRequest) { r.Timeframes = []candle.Timeframe{"M1"} }},
		{"end before start", func(r *CreateJobRequest) { r.EndDate = r.StartDate }},
		{"batch too large", func(r *CreateJobRequest) { r.BatchSize = 6000 }},
		{"priority range", func(r *CreateJobRequest) { r.Priority = 11 }},
		{"bad recurrence", func(r *CreateJobRequest) { r.IsRecurring = true; r.RecurrencePattern = "yearly" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(&r)
			appErr := r.Validate()
			require.NotNil(t, appErr)
			assert.Equal(t, apperror.BadRequest, appErr.Code())
		})
	}
}

func TestCreateJobRequest_NewJob(t *testing.T) {
	at := time.Date(2024, 2, 1, 3, 0, 0, 0, time.FixedZone("x", 3600))
	r := CreateJobRequest{
		Type:        TypeHistoricalBackfill,
		Instruments: []string{"EUR_USD", "GBP_USD"},
		Timeframes:  []candle.Timeframe{candle.H1, candle.H4},
		StartDate:   day(1, 1),
		EndDate:     day(1, 15),
		ScheduledAt: &at,
	}
	r.Normalize()

	j := r.NewJob()
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, 8, j.TotalItems)
	require.NotNil(t, j.ScheduledAt)
	assert.Equal(t, time.UTC, j.ScheduledAt.Location())
}
