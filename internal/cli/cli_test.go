package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmethakanbesel/barwatch/internal/app"
	"github.com/ahmethakanbesel/barwatch/internal/batch"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/job"
)

type emptyFetcher struct{}

func (emptyFetcher) LatestCandle(context.Context, string, candle.Timeframe) (*candle.Candle, error) {
	return nil, nil
}

func (emptyFetcher) HistoricalCandles(context.Context, string, candle.Timeframe, time.Time, time.Time, int) ([]candle.Candle, error) {
	return nil, nil
}

func setupEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DB_PATH", filepath.Join(dir, "barwatch.db"))
	t.Setenv("LOG_FILE", filepath.Join(dir, "barwatch.log"))
	t.Setenv("EVENT_STORE", "sqlite")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(app.WithFetcher(emptyFetcher{}))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

var createdID = regexp.MustCompile(`Created job (\S+)`)

func createJob(t *testing.T, extra ...string) string {
	t.Helper()
	args := append([]string{"jobs", "create",
		"--instruments", "eur_usd,gbp_usd",
		"--timeframes", "h1,h4",
		"--start", "2024-01-01",
		"--end", "2024-01-03",
	}, extra...)
	out, err := run(t, args...)
	require.NoError(t, err)
	m := createdID.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	return m[1]
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "barwatch "+Version+"\n", out)
}

func TestJobs_CreateListGet(t *testing.T) {
	setupEnv(t)

	id := createJob(t, "--priority", "2")

	out, err := run(t, "jobs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "pending")

	out, err = run(t, "jobs", "get", id, "--json")
	require.NoError(t, err)
	var j job.Job
	require.NoError(t, json.Unmarshal([]byte(out), &j))
	assert.Equal(t, []string{"EUR_USD", "GBP_USD"}, j.Instruments)
	assert.Equal(t, []candle.Timeframe{candle.H1, candle.H4}, j.Timeframes)
	assert.Equal(t, 2, j.Priority)
	assert.Equal(t, "cli", j.CreatedBy)
	assert.Equal(t, 4, j.TotalItems)

	out, err = run(t, "jobs", "get", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Instruments: EUR_USD, GBP_USD")
}

func TestJobs_CreateValidation(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "jobs", "create", "--instruments", "EURUSD", "--start", "2024-01-01", "--end", "2024-01-02")
	require.Error(t, err)

	_, err = run(t, "jobs", "create", "--instruments", "EUR_USD", "--start", "yesterday", "--end", "2024-01-02")
	require.ErrorContains(t, err, "--start")

	_, err = run(t, "jobs", "create", "--instruments", "EUR_USD")
	require.Error(t, err)
}

func TestJobs_RunAndLogs(t *testing.T) {
	setupEnv(t)
	id := createJob(t)

	out, err := run(t, "jobs", "run", id)
	require.NoError(t, err)
	var res batch.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, job.StatusCompleted, res.Status)
	assert.Equal(t, 4, res.ItemsProcessed)

	out, err = run(t, "jobs", "logs", id)
	require.NoError(t, err)
	assert.NotContains(t, out, "No log entries")

	_, err = run(t, "jobs", "run", id)
	require.Error(t, err)

	_, err = run(t, "jobs", "cancel", id)
	require.ErrorContains(t, err, "status completed")
}

func TestJobs_PauseAndCancel(t *testing.T) {
	setupEnv(t)
	id := createJob(t)

	_, err := run(t, "jobs", "pause", id)
	require.ErrorContains(t, err, "cannot pause")

	out, err := run(t, "jobs", "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "now cancelled")
}

func TestJobs_Backfill(t *testing.T) {
	setupEnv(t)
	t.Setenv("SPIKE_INSTRUMENTS", "EUR_USD,USD_JPY")

	out, err := run(t, "jobs", "backfill")
	require.NoError(t, err)
	assert.Contains(t, out, "recurs daily")

	id := createdID.FindStringSubmatch(out)[1]
	out, err = run(t, "jobs", "get", id, "--json")
	require.NoError(t, err)
	var j job.Job
	require.NoError(t, json.Unmarshal([]byte(out), &j))
	assert.Equal(t, job.TypeHistoricalBackfill, j.Type)
	assert.Equal(t, []string{"EUR_USD", "USD_JPY"}, j.Instruments)
	assert.True(t, j.IsRecurring)
	assert.Equal(t, "scheduler", j.CreatedBy)
}

func TestJobs_RunFlagsExclusive(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "jobs", "run", "x", "--resume", "--fresh")
	require.ErrorContains(t, err, "mutually exclusive")
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), d)

	d, err = parseDate("2024-03-05T10:00:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC), d)

	_, err = parseDate("05/03/2024")
	require.Error(t, err)
}
