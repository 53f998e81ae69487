// Package oanda fetches mid-price candles from the OANDA v20 REST API.
package oanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/marketdata"
	"github.com/ahmethakanbesel/barwatch/internal/resilience"
)

const (
	DefaultEndpoint = "https://api-fxpractice.oanda.com"
	maxCount        = 5000
	defaultTimeout  = 30 * time.Second
)

// ErrUnauthorized is returned when the API rejects the token.
var ErrUnauthorized = errors.New("oanda: unauthorized")

// Client implements marketdata.Fetcher.
type Client struct {
	workers  int
	client   *http.Client
	endpoint string
	token    string
	retry    resilience.RetryPolicy
}

var _ marketdata.Fetcher = (*Client)(nil)

// New creates a Client with the given options applied.
func New(opts ...Option) *Client {
	c := &Client{
		workers:  4,
		client:   &http.Client{Timeout: defaultTimeout},
		endpoint: DefaultEndpoint,
		retry:    resilience.RetryPolicy{Name: "oanda_fetch"},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Option configures a Client.
type Option func(*Client)

// WithWorkers sets the concurrency for parallel chunk fetching.
func WithWorkers(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.workers = n
		}
	}
}

func WithClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// WithEndpoint overrides the API base URL.
func WithEndpoint(ep string) Option {
	return func(c *Client) { c.endpoint = ep }
}

// WithRetry retries failed historical chunk requests. Unauthorized responses
// are never retried.
func WithRetry(p resilience.RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

type candlesResponse struct {
	Instrument  string `json:"instrument"`
	Granularity string `json:"granularity"`
	Candles     []struct {
		Complete bool   `json:"complete"`
		Time     string `json:"time"`
		Volume   int64  `json:"volume"`
		Mid      *struct {
			O string `json:"o"`
			H string `json:"h"`
			L string `json:"l"`
			C string `json:"c"`
		} `json:"mid"`
	} `json:"candles"`
}

type errorResponse struct {
	ErrorMessage string `json:"errorMessage"`
}

// LatestCandle returns the newest complete candle, or nil when there is none.
func (c *Client) LatestCandle(ctx context.Context, instrument string, tf candle.Timeframe) (*candle.Candle, error) {
	params := url.Values{}
	params.Set("granularity", string(tf))
	params.Set("price", "M")
	params.Set("count", "3")

	candles, err := c.fetch(ctx, instrument, tf, params)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, nil
	}
	latest := candles[len(candles)-1]
	return &latest, nil
}

// HistoricalCandles fetches [from, to) in windows of at most batchSize bars.
func (c *Client) HistoricalCandles(ctx context.Context, instrument string, tf candle.Timeframe, from, to time.Time, batchSize int) ([]candle.Candle, error) {
	if instrument == "" {
		return nil, fmt.Errorf("instrument cannot be empty")
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("start must be before end")
	}
	if batchSize <= 0 || batchSize > maxCount {
		batchSize = maxCount
	}

	chunks := marketdata.SplitRange(from, to, tf.Duration()*time.Duration(batchSize))
	results := make([][]candle.Candle, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	for i, ch := range chunks {
		g.Go(func() error {
			params := url.Values{}
			params.Set("granularity", string(tf))
			params.Set("price", "M")
			params.Set("from", ch.From.UTC().Format(time.RFC3339))
			params.Set("to", ch.To.UTC().Format(time.RFC3339))

			candles, err := c.fetchRetry(gctx, instrument, tf, params)
			if err != nil {
				slog.Error("error retrieving oanda candles", "instrument", instrument, "timeframe", tf,
					"from", ch.From, "to", ch.To, "error", err)
				return err
			}
			results[i] = candles
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []candle.Candle
	for _, r := range results {
		for _, cd := range r {
			if !cd.Time.Before(from) && cd.Time.Before(to) {
				all = append(all, cd)
			}
		}
	}
	slices.SortFunc(all, func(a, b candle.Candle) int { return a.Time.Compare(b.Time) })
	all = slices.CompactFunc(all, func(a, b candle.Candle) bool { return a.Time.Equal(b.Time) })

	slog.Info("retrieved oanda candles", "instrument", instrument, "timeframe", tf,
		"from", from.Format(time.RFC3339), "to", to.Format(time.RFC3339), "count", len(all))
	return all, nil
}

func (c *Client) fetchRetry(ctx context.Context, instrument string, tf candle.Timeframe, params url.Values) ([]candle.Candle, error) {
	var (
		candles []candle.Candle
		denied  error
	)
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		var err error
		candles, err = c.fetch(ctx, instrument, tf, params)
		if errors.Is(err, ErrUnauthorized) {
			denied = err
			return nil
		}
		return err
	})
	if denied != nil {
		return nil, denied
	}
	return candles, err
}

func (c *Client) fetch(ctx context.Context, instrument string, tf candle.Timeframe, params url.Values) ([]candle.Candle, error) {
	reqURL := fmt.Sprintf("%s/v3/instruments/%s/candles?%s", c.endpoint, url.PathEscape(instrument), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req) //nolint:gosec // URL built from internal config
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
			return nil, ErrUnauthorized
		}
		var e errorResponse
		_ = json.Unmarshal(body, &e)
		return nil, fmt.Errorf("oanda returned HTTP %d for %s: %s", res.StatusCode, instrument, e.ErrorMessage)
	}

	var resp candlesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse oanda response: %w", err)
	}

	candles := make([]candle.Candle, 0, len(resp.Candles))
	for _, raw := range resp.Candles {
		if !raw.Complete || raw.Mid == nil {
			continue
		}
		ts, err := parseTime(raw.Time)
		if err != nil {
			return nil, fmt.Errorf("parse candle time %q: %w", raw.Time, err)
		}
		cd := candle.Candle{
			Instrument: instrument,
			Timeframe:  tf,
			Time:       ts,
			Volume:     raw.Volume,
			Complete:   true,
		}
		for _, p := range []struct {
			dst *decimal.Decimal
			src string
		}{
			{&cd.Open, raw.Mid.O}, {&cd.High, raw.Mid.H}, {&cd.Low, raw.Mid.L}, {&cd.Close, raw.Mid.C},
		} {
			if *p.dst, err = decimal.NewFromString(p.src); err != nil {
				return nil, fmt.Errorf("parse price %q: %w", p.src, err)
			}
		}
		candles = append(candles, cd)
	}
	return candles, nil
}

// parseTime accepts RFC3339 and the UNIX "seconds.nanos" format OANDA uses
// when datetime_format=UNIX.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC(), nil
}
