package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fasthttp/router"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"appcore/internal/config"
	"appcore/internal/errorhandler"
	"appcore/internal/eventbus"
	"appcore/internal/handlers"
	"appcore/internal/logger"
	"appcore/internal/metrics"
	"appcore/internal/models"
	"appcore/internal/state"
	"appcore/internal/taskmanager"
)

var (
	methodErrorLabels = []string{"method", "error"}

	execMetricsOnce sync.Once
	execCount       *kitprometheus.Counter
	execDuration    *kitprometheus.Summary
)

// App is the application core: it owns the single event bus, error
// handler, state manager and task manager for the process lifetime and
// exposes task submission, state queries and shutdown to the UI layer.
type App struct {
	cfg       *config.Config
	bus       *eventbus.Bus
	collector *metrics.Collector
	errs      *errorhandler.Handler
	state     *state.Manager
	manager   *taskmanager.Manager
}

// Option ...
type Option func(*options)

type options struct {
	collector  *metrics.Collector
	strategies map[models.ErrorKind]errorhandler.Strategy
}

// WithCollector injects a metrics collector instead of the process-wide
// default.
func WithCollector(collector *metrics.Collector) Option {
	return func(o *options) { o.collector = collector }
}

// WithStrategy overrides the recovery strategy for one error kind. Must
// be supplied at construction, before the first task submission.
func WithStrategy(kind models.ErrorKind, strategy errorhandler.Strategy) Option {
	return func(o *options) {
		if o.strategies == nil {
			o.strategies = make(map[models.ErrorKind]errorhandler.Strategy)
		}
		o.strategies[kind] = strategy
	}
}

// New wires the runtime. Configuration is validated eagerly: an invalid
// worker count, dispatch mode or strategy table fails construction
// instead of surfacing later.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	mode := eventbus.DispatchMode(cfg.Bus.Dispatch)
	if mode != eventbus.DispatchSync && mode != eventbus.DispatchAsync {
		return nil, models.NewAppError(models.ErrorKindValidation,
			"bus dispatch mode must be sync or async", nil)
	}
	if cfg.Bus.QueueSize == 0 {
		return nil, models.NewAppError(models.ErrorKindValidation,
			"bus queue size must be greater than 0", nil)
	}

	bus := eventbus.New(mode, cfg.Bus.QueueSize)

	strategies := errorhandler.DefaultStrategies()
	strategies[models.ErrorKindResource] = errorhandler.Strategy{
		Action:         models.RecoveryRetried,
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialInterval,
		MaxBackoff:     cfg.Retry.MaxInterval,
		Multiplier:     cfg.Retry.Multiplier,
	}

	errs, err := errorhandler.NewHandler(bus, strategies)
	if err != nil {
		bus.Close()
		return nil, err
	}
	for kind, strategy := range o.strategies {
		if err = errs.SetStrategy(kind, strategy); err != nil {
			bus.Close()
			return nil, err
		}
	}

	collector := o.collector
	if collector == nil {
		collector = metrics.Default()
	}

	stateMgr := state.NewManager(bus)

	taskCount, taskDuration := execMetrics(cfg.Metrics)
	executor := taskmanager.NewInstrumentingMiddleware(
		taskCount, taskDuration, taskmanager.NewPayloadExecutor(),
	)

	manager, err := taskmanager.NewManager(
		taskmanager.Config{Workers: cfg.Pool.Workers},
		bus, stateMgr, errs, executor,
	)
	if err != nil {
		bus.Close()
		return nil, err
	}

	handlers.RegisterAllHandlers(bus, collector)

	return &App{
		cfg:       cfg,
		bus:       bus,
		collector: collector,
		errs:      errs,
		state:     stateMgr,
		manager:   manager,
	}, nil
}

// Start launches the worker pool.
func (app *App) Start() {
	app.manager.Start()
}

// Submit hands a task to the manager. The call returns immediately with
// a handle; the submitting thread never blocks on execution.
func (app *App) Submit(fn models.TaskFunc, opts ...taskmanager.SubmitOption) (*taskmanager.Handle, error) {
	return app.manager.Submit(fn, opts...)
}

// State returns the current application state snapshot.
func (app *App) State() models.StateSnapshot {
	return app.state.Snapshot()
}

// Errors returns up to n most recent error records for diagnostics.
func (app *App) Errors(n int) []models.ErrorRecord {
	return app.errs.Recent(n)
}

// Shutdown drains the task manager, closes the bus and persists the
// metrics snapshot. Every failure on the way out is surfaced, including
// the metrics file write.
func (app *App) Shutdown(ctx context.Context) error {
	drainErr := app.manager.Shutdown(ctx, true)

	app.bus.Close()

	saveErr := app.collector.Save(app.cfg.Metrics.ResolveFilePath())
	if saveErr != nil {
		log.WithError(saveErr).Error("Failed to save metrics on shutdown")
	}

	return errors.Join(drainErr, saveErr)
}

// Run is the process loop: start the pool, expose prometheus metrics on
// a local endpoint and shut down gracefully on SIGINT/SIGTERM.
func (app *App) Run() {
	logger.Init(app.cfg.System.LogLevel)

	app.Start()

	metricsRouter := router.New()
	metricsRouter.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler()))
	metricsServer := &fasthttp.Server{
		Handler:            metricsRouter.Handler,
		MaxRequestBodySize: app.cfg.System.ReadBufferSize,
		ReadTimeout:        app.cfg.System.ReadTimeout,
		ReadBufferSize:     app.cfg.System.ReadBufferSize,
	}

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.Metrics.Port,
		}).Info("starting metrics server")
		if err := metricsServer.ListenAndServe(":" + app.cfg.Metrics.Port); err != nil {
			log.WithError(err).Error("metrics server run failure")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	sig := <-c

	log.WithFields(log.Fields{
		"signal": sig.String(),
	}).Info("received signal, exiting")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.System.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		log.WithError(err).Error("shutdown finished with errors")
	}

	_ = metricsServer.Shutdown()
	log.Info("goodbye")
}

// execMetrics builds the kit counter/summary pair wrapping task
// execution. Registered with the default prometheus registerer once per
// process.
func execMetrics(cfg config.Metrics) (*kitprometheus.Counter, *kitprometheus.Summary) {
	execMetricsOnce.Do(func() {
		execCount = kitprometheus.NewCounterFrom(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "task_execution_count",
				Help:      "task execution count",
			}, methodErrorLabels,
		)
		execDuration = kitprometheus.NewSummaryFrom(
			prometheus.SummaryOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "task_execution_duration",
				Help:      "task execution duration",
			},
			methodErrorLabels,
		)
	})
	return execCount, execDuration
}
