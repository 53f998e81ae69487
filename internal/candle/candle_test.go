package candle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(o, h, l, c string) Candle {
	return Candle{
		Instrument: "EUR_USD",
		Timeframe:  H1,
		Time:       time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		Open:       decimal.RequireFromString(o),
		High:       decimal.RequireFromString(h),
		Low:        decimal.RequireFromString(l),
		Close:      decimal.RequireFromString(c),
		Volume:     1000,
	}
}

func TestColour(t *testing.T) {
	green := bar("1.0820", "1.0850", "1.0815", "1.0845")
	red := bar("1.0845", "1.0852", "1.0830", "1.0835")
	doji := bar("1.0845", "1.0852", "1.0830", "1.0845")

	assert.True(t, green.IsGreen())
	assert.False(t, green.IsRed())
	assert.True(t, red.IsRed())
	assert.False(t, doji.IsGreen())
	assert.False(t, doji.IsRed())
	assert.True(t, decimal.RequireFromString("0.0035").Equal(green.Range()))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		c       Candle
		wantErr error
	}{
		{"valid", bar("1.0820", "1.0850", "1.0815", "1.0845"), nil},
		{"high below close", bar("1.0820", "1.0840", "1.0815", "1.0845"), ErrInconsistentOHLC},
		{"low above open", bar("1.0820", "1.0850", "1.0825", "1.0845"), ErrInconsistentOHLC},
		{"zero price", bar("0", "1.0850", "1.0815", "1.0845"), ErrNonPositivePrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseTimeframe(t *testing.T) {
	for _, tf := range Timeframes {
		got, err := ParseTimeframe(string(tf))
		require.NoError(t, err)
		assert.Equal(t, tf, got)
	}
	_, err := ParseTimeframe("M5")
	require.Error(t, err)
	assert.Equal(t, 4*time.Hour, H4.Duration())
}
