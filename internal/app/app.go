// Package app wires configuration, stores, market data, processors, the
// scheduler and the HTTP surface into one runnable unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ahmethakanbesel/barwatch/internal/batch"
	"github.com/ahmethakanbesel/barwatch/internal/candle"
	"github.com/ahmethakanbesel/barwatch/internal/config"
	"github.com/ahmethakanbesel/barwatch/internal/event"
	"github.com/ahmethakanbesel/barwatch/internal/job"
	"github.com/ahmethakanbesel/barwatch/internal/marketdata"
	"github.com/ahmethakanbesel/barwatch/internal/marketdata/oanda"
	"github.com/ahmethakanbesel/barwatch/internal/notify"
	platformmongo "github.com/ahmethakanbesel/barwatch/internal/platform/mongo"
	"github.com/ahmethakanbesel/barwatch/internal/platform/sqlite"
	"github.com/ahmethakanbesel/barwatch/internal/queue"
	candlerepo "github.com/ahmethakanbesel/barwatch/internal/repository/candle"
	eventrepo "github.com/ahmethakanbesel/barwatch/internal/repository/event"
	jobrepo "github.com/ahmethakanbesel/barwatch/internal/repository/job"
	"github.com/ahmethakanbesel/barwatch/internal/resilience"
	"github.com/ahmethakanbesel/barwatch/internal/scheduler"
	"github.com/ahmethakanbesel/barwatch/internal/server"
	"github.com/ahmethakanbesel/barwatch/internal/spike"
)

type App struct {
	cfg config.Config

	db    *sqlite.DB
	mongo *mongo.Client

	Jobs    job.Repository
	Events  event.Repository
	Candles candle.Repository
	Fetcher marketdata.Fetcher

	Queue     *queue.Queue
	Batch     *batch.Processor
	Scheduler *scheduler.Scheduler
	Spike     *spike.Processor
	Hub       *notify.Hub

	wsSink *notify.WebSocketSink
	server *server.Server

	mu          sync.Mutex
	cancel      context.CancelFunc
	queueOn     bool
	hubDone     chan struct{}
	schedulerOn bool
	serverErr   chan error
}

type Option func(*App)

// WithFetcher replaces the OANDA client.
func WithFetcher(f marketdata.Fetcher) Option {
	return func(a *App) { a.Fetcher = f }
}

// New opens the stores and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	db, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db

	jobs := jobrepo.NewRepository(db.DB)
	a.Jobs = jobs
	a.Candles = candlerepo.NewRepository(db.DB)

	if err := a.openEventStore(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if a.Fetcher == nil {
		a.Fetcher = oanda.New(
			oanda.WithEndpoint(cfg.OandaAPIURL),
			oanda.WithToken(cfg.OandaAPIKey),
			oanda.WithWorkers(cfg.OandaWorkers),
			oanda.WithRetry(fetchRetryPolicy()),
		)
	}

	a.Queue = queue.New(cfg.QueueWorkers)
	a.Batch = batch.New(jobs, a.Fetcher, a.Events,
		batch.WithCandleRepository(a.Candles),
		batch.WithQueue(a.Queue),
		batch.WithParallel(cfg.ParallelProcessing),
	)
	a.Scheduler = scheduler.New(jobs, a.Batch, scheduler.WithMaxConcurrent(cfg.MaxConcurrentBatchJobs))

	var sinks []notify.Sink
	if cfg.RealTimeNotifications {
		a.Hub = notify.NewHub(notify.DefaultMaxClients)
		sinks = append(sinks, notify.LogSink{}, a.Hub)
		if cfg.NotifyWSURL != "" {
			a.wsSink = notify.NewWebSocketSink(cfg.NotifyWSURL)
			sinks = append(sinks, a.wsSink)
		}
	}

	if cfg.SpikeDetectionEnabled {
		var spikeOpts []spike.Option
		if len(sinks) > 0 {
			spikeOpts = append(spikeOpts, spike.WithSink(sinks...))
		}
		a.Spike = spike.New(a.Fetcher, a.Events, spikeOpts...)
	}

	return a, nil
}

func (a *App) openEventStore(ctx context.Context) error {
	if a.cfg.EventStore != config.EventStoreMongo {
		a.Events = eventrepo.NewRepository(a.db.DB)
		return nil
	}

	client, err := platformmongo.Connect(ctx, a.cfg.MongoURI)
	if err != nil {
		return err
	}
	repo := eventrepo.NewMongoRepository(client.Database(a.cfg.MongoDatabase))
	if err := repo.EnsureIndexes(ctx); err != nil {
		_ = platformmongo.Disconnect(client)
		return fmt.Errorf("ensure event indexes: %w", err)
	}
	a.mongo = client
	a.Events = repo
	return nil
}

func (a *App) Config() config.Config { return a.cfg }

// StartQueue starts the worker queue once.
func (a *App) StartQueue(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startQueueLocked(ctx)
}

func (a *App) startQueueLocked(ctx context.Context) error {
	if a.queueOn {
		return nil
	}
	if err := a.Queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	a.queueOn = true
	return nil
}

// Start runs everything in dependency order: queue, stale-job recovery,
// notification hub, scheduler, live detection and finally the HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.startQueueLocked(runCtx); err != nil {
		return err
	}
	// Jobs a previous process left running are requeued.
	if err := job.NewService(a.Jobs).RecoverStaleJobs(runCtx); err != nil {
		slog.Error("app: recover stale jobs", "error", err)
	}

	if a.Hub != nil {
		a.hubDone = make(chan struct{})
		go func() {
			a.Hub.Run(runCtx)
			close(a.hubDone)
		}()
	}

	if a.cfg.BatchProcessingEnabled {
		if err := a.Scheduler.Start(); err != nil {
			return err
		}
		a.schedulerOn = true
	}

	if a.Spike != nil {
		tfs, err := parseTimeframes(a.cfg.SpikeTimeframes)
		if err != nil {
			return err
		}
		if err := a.Spike.Start(runCtx, a.cfg.SpikeInstruments, tfs); err != nil {
			return fmt.Errorf("start spike detection: %w", err)
		}
	}

	a.server = server.New(runCtx, a.cfg.Port, a.Deps())
	a.serverErr = make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.serverErr <- err
		}
		close(a.serverErr)
	}()

	slog.Info("app: started",
		"port", a.cfg.Port,
		"eventStore", a.cfg.EventStore,
		"batch", a.cfg.BatchProcessingEnabled,
		"spike", a.Spike != nil,
		"notifications", a.Hub != nil,
	)
	return nil
}

// Deps is what the HTTP surface needs from the app.
func (a *App) Deps() server.Deps {
	tfs, _ := parseTimeframes(a.cfg.SpikeTimeframes)
	return server.Deps{
		Batch:            a.Batch,
		Scheduler:        a.Scheduler,
		Queue:            a.Queue,
		Spike:            a.Spike,
		Hub:              a.Hub,
		Health:           a.db.Health,
		SpikeInstruments: a.cfg.SpikeInstruments,
		SpikeTimeframes:  tfs,
	}
}

// ServerErr reports a listener failure. It is closed when the server stops.
func (a *App) ServerErr() <-chan error { return a.serverErr }

// Stop shuts components down in reverse order and closes the stores.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
		}
	}
	if a.Spike != nil {
		if err := a.Spike.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop spike detection: %w", err))
		}
	}
	if a.schedulerOn {
		a.Scheduler.Stop()
	}
	if a.queueOn {
		a.Queue.Stop()
		a.queueOn = false
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.hubDone != nil {
		<-a.hubDone
	}
	if a.wsSink != nil {
		if err := a.wsSink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close notification socket: %w", err))
		}
	}

	errs = append(errs, a.closeStores())
	slog.Info("app: stopped")
	return errors.Join(errs...)
}

// Close releases the stores of an app that was never started.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queueOn {
		a.Queue.Stop()
		a.queueOn = false
	}
	return a.closeStores()
}

func (a *App) closeStores() error {
	var errs []error
	if a.mongo != nil {
		if err := platformmongo.Disconnect(a.mongo); err != nil {
			errs = append(errs, fmt.Errorf("disconnect mongodb: %w", err))
		}
		a.mongo = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
		a.db = nil
	}
	return errors.Join(errs...)
}

func fetchRetryPolicy() resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	p.Name = "oanda_fetch"
	p.MaxDelay = 10 * time.Second
	return p
}

func parseTimeframes(names []string) ([]candle.Timeframe, error) {
	out := make([]candle.Timeframe, 0, len(names))
	for _, n := range names {
		tf, err := candle.ParseTimeframe(n)
		if err != nil {
			return nil, err
		}
		out = append(out, tf)
	}
	return out, nil
}
