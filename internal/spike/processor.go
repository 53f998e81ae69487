// Package spike runs the live detection loops: one poller per instrument and
// timeframe, a buffer flusher that persists events, and a metrics reporter.
package spike

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahmethakanbesel/barwatch/internal/buffer"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/detector"
	"github.com/ahmethakanbesel/barwatch/internal/event"
	"github.com/ahmethakanbesel/barwatch/internal/marketdata"
	"github.com/ahmethakanbesel/barwatch/internal/notify"
	"github.com/ahmethakanbesel/barwatch/internal/resilience"
)

const BreakerName = "market_data_stream"

var ErrAlreadyRunning = errors.New("spike processor already running")

type Config struct {
	BufferSize      int                      `yaml:"buffer_size"`
	Breaker         resilience.BreakerConfig `yaml:"breaker"`
	NotifyRetry     resilience.RetryPolicy   `yaml:"notify_retry"`
	Timeframes      []candle.Timeframe       `yaml:"timeframes"`
	FlushInterval   time.Duration            `yaml:"flush_interval"`
	FlushBatch      int                      `yaml:"flush_batch"`
	MetricsInterval time.Duration            `yaml:"metrics_interval"`
	ErrorPause      time.Duration            `yaml:"error_pause"`
	LatencyBudget   time.Duration            `yaml:"latency_budget"`
}

func DefaultConfig() Config {
	return Config{
		BufferSize: 500,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
			CallTimeout:      10 * time.Second,
		},
		NotifyRetry: resilience.RetryPolicy{
			Name:          "notification_delivery",
			MaxRetries:    3,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2,
			Jitter:        true,
		},
		Timeframes:      []candle.Timeframe{candle.H1, candle.H4},
		FlushInterval:   time.Second,
		FlushBatch:      10,
		MetricsInterval: 30 * time.Second,
		ErrorPause:      5 * time.Second,
		LatencyBudget:   5 * time.Second,
	}
}

// PollInterval is how often the latest candle of tf is requested.
func PollInterval(tf candle.Timeframe) time.Duration {
	switch tf {
	case candle.H1:
		return time.Minute
	case candle.H4:
		return 5 * time.Minute
	case candle.D:
		return 15 * time.Minute
	case candle.W:
		return time.Hour
	default:
		return time.Minute
	}
}

type Status struct {
	Running          bool                `json:"running"`
	ActiveStreams    int                 `json:"active_streams"`
	Streams          []string            `json:"streams"`
	Metrics          MetricsSnapshot     `json:"metrics"`
	Buffer           buffer.Stats        `json:"buffer"`
	CircuitBreaker   resilience.Snapshot `json:"circuit_breaker"`
	LastCandlesCount int                 `json:"last_candles_count"`
}

type Processor struct {
	fetcher marketdata.LatestFetcher
	events  event.Repository
	sinks   []notify.Sink
	detect  event.DetectFunc
	cfg     Config
	poll    time.Duration

	breaker *resilience.CircuitBreaker
	buffer  *buffer.Buffer[*event.Event]
	metrics *Metrics
	active  atomic.Int32

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	group       *errgroup.Group
	streams     []string
	lastCandles map[string]candle.Candle
}

type Option func(*Processor)

func WithConfig(cfg Config) Option {
	return func(p *Processor) { p.cfg = cfg }
}

// WithSink enables notifications. Each sink is retried on its own under
// NotifyRetry. Without a sink events are only stored.
func WithSink(sinks ...notify.Sink) Option {
	return func(p *Processor) { p.sinks = append(p.sinks, sinks...) }
}

func WithDetectFunc(fn event.DetectFunc) Option {
	return func(p *Processor) { p.detect = fn }
}

// WithPollInterval replaces the per-timeframe poll intervals.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) { p.poll = d }
}

// WithBreaker shares an existing breaker instead of creating one from the
// config.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Processor) { p.breaker = cb }
}

func New(fetcher marketdata.LatestFetcher, events event.Repository, opts ...Option) *Processor {
	p := &Processor{
		fetcher:     fetcher,
		events:      events,
		detect:      detector.Detect,
		cfg:         DefaultConfig(),
		metrics:     NewMetrics(),
		lastCandles: make(map[string]candle.Candle),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = resilience.NewCircuitBreaker(BreakerName, p.cfg.Breaker)
	}
	p.buffer = buffer.New[*event.Event](p.cfg.BufferSize)
	return p
}

func streamKey(instrument string, tf candle.Timeframe) string {
	return instrument + "_" + string(tf)
}

// Start launches the loops and returns immediately. The loops run until Stop
// is called or ctx is done.
func (p *Processor) Start(ctx context.Context, instruments []string, timeframes []candle.Timeframe) error {
	if len(instruments) == 0 {
		return errors.New("at least one instrument is required")
	}
	if len(timeframes) == 0 {
		timeframes = p.cfg.Timeframes
	}
	for _, tf := range timeframes {
		if !tf.Valid() {
			return fmt.Errorf("unsupported timeframe %q", tf)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}

	p.metrics.Reset()
	clear(p.lastCandles)
	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	p.streams = p.streams[:0]
	for _, inst := range instruments {
		for _, tf := range timeframes {
			p.streams = append(p.streams, streamKey(inst, tf))
			g.Go(func() error { return p.stream(gctx, inst, tf) })
		}
	}
	g.Go(func() error { return p.flushLoop(gctx) })
	g.Go(func() error { return p.metricsLoop(gctx) })

	p.running = true
	p.cancel = cancel
	p.group = g

	slog.Info("spike: started", "instruments", instruments, "timeframes", timeframes, "streams", len(p.streams))
	return nil
}

// Stop cancels every loop, waits for them and stores whatever is still
// buffered.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel, g := p.cancel, p.group
	p.mu.Unlock()

	cancel()
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	ctx, done := context.WithTimeout(context.Background(), 30*time.Second)
	defer done()
	p.flush(ctx)

	p.mu.Lock()
	p.running = false
	p.cancel = nil
	p.group = nil
	p.mu.Unlock()

	slog.Info("spike: stopped", "metrics", p.metrics.Snapshot())
	return err
}

func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) Status() Status {
	p.mu.Lock()
	s := Status{
		Running:          p.running,
		Streams:          slices.Clone(p.streams),
		LastCandlesCount: len(p.lastCandles),
	}
	p.mu.Unlock()

	s.ActiveStreams = int(p.active.Load())
	s.Metrics = p.metrics.Snapshot()
	s.Buffer = p.buffer.Stats()
	s.CircuitBreaker = p.breaker.Snapshot()
	return s
}

func (p *Processor) Metrics() *Metrics { return p.metrics }

func (p *Processor) pollInterval(tf candle.Timeframe) time.Duration {
	if p.poll > 0 {
		return p.poll
	}
	return PollInterval(tf)
}

func (p *Processor) stream(ctx context.Context, instrument string, tf candle.Timeframe) error {
	p.active.Add(1)
	defer p.active.Add(-1)

	interval := p.pollInterval(tf)
	for {
		wait := interval
		if err := p.pollOnce(ctx, instrument, tf); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("spike: poll failed", "instrument", instrument, "timeframe", tf, "error", err)
			wait = p.cfg.ErrorPause
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *Processor) pollOnce(ctx context.Context, instrument string, tf candle.Timeframe) error {
	var latest *candle.Candle
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		c, err := p.fetcher.LatestCandle(ctx, instrument, tf)
		latest = c
		return err
	})
	if err != nil {
		return fmt.Errorf("fetch latest candle: %w", err)
	}
	if latest == nil {
		return nil
	}

	key := streamKey(instrument, tf)
	p.mu.Lock()
	prev, seen := p.lastCandles[key]
	if seen && !latest.Time.After(prev.Time) {
		p.mu.Unlock()
		return nil
	}
	p.lastCandles[key] = *latest
	p.mu.Unlock()

	p.metrics.candle()
	if !seen {
		return nil
	}

	start := time.Now()
	e := p.detect(prev, *latest, nil)
	if e == nil {
		return nil
	}
	detection := time.Since(start)
	e.ProcessingLatencyMs = ms(detection)

	p.buffer.Add(e)
	p.metrics.detected(detection)
	slog.Info("spike: event detected",
		"instrument", e.Instrument,
		"timeframe", e.Timeframe,
		"timestamp", e.EventTimestamp,
		"resistance", e.ResistanceLevel.String(),
		"latency_ms", e.ProcessingLatencyMs,
	)

	if len(p.sinks) > 0 {
		p.deliver(ctx, e, detection)
	}

	if total := time.Since(start); total > p.cfg.LatencyBudget {
		p.metrics.budgetBreached()
		slog.Warn("spike: latency budget exceeded",
			"instrument", instrument,
			"timeframe", tf,
			"latency", total,
			"budget", p.cfg.LatencyBudget,
		)
	}
	return nil
}

func (p *Processor) deliver(ctx context.Context, e *event.Event, detection time.Duration) {
	env := notify.NewEnvelope(notify.TypeResistanceEvent, e, detection)
	start := time.Now()
	var errs []error
	for _, s := range p.sinks {
		err := p.cfg.NotifyRetry.Execute(ctx, func(ctx context.Context) error {
			return s.Notify(ctx, env)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.metrics.deliveryFailed()
		slog.Error("spike: notification failed", "instrument", e.Instrument, "timeframe", e.Timeframe, "error", err)
		return
	}
	p.metrics.delivered(time.Since(start))
}

func (p *Processor) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.flush(context.WithoutCancel(ctx))
		}
	}
}

// flush stores buffered events in batches until the buffer is empty. A
// failed save is logged and counted; the event is not retried.
func (p *Processor) flush(ctx context.Context) {
	for {
		batch := p.buffer.GetBatch(p.cfg.FlushBatch)
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			outcome, err := p.events.Save(ctx, e)
			if err != nil {
				p.metrics.storeFailed()
				slog.Error("spike: store event failed", "instrument", e.Instrument, "timeframe", e.Timeframe, "error", err)
				continue
			}
			p.metrics.storedEvent(outcome == event.Duplicate)
		}
	}
}

func (p *Processor) metricsLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m := p.metrics.Snapshot()
			slog.Info("spike: metrics",
				"candles", m.CandlesProcessed,
				"events", m.EventsDetected,
				"stored", m.EventsStored,
				"duplicates", m.DuplicateEvents,
				"notified", m.NotificationsSent,
				"avg_detection_ms", m.AvgDetectionLatencyMs,
				"buffer", p.buffer.Len(),
				"breaker", p.breaker.State(),
			)
		}
	}
}
