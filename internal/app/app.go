package app

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"taskrunner/internal/adapter/journal"
	"taskrunner/internal/adapter/scheduler"
	"taskrunner/internal/config"
	"taskrunner/internal/platform/logger"
	"taskrunner/internal/platform/metrics"
	"taskrunner/pkg/report"
)

const metricsShutdownTimeout = 5 * time.Second

// App wires application components.
type App struct {
	cfg      config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "taskrunner",
		SentryDSN:    cfg.Log.SentryDSN,
	})
	return newApp(cfg, log), nil
}

func newApp(cfg config.Config, log *slog.Logger) *App {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &App{
		cfg:      cfg,
		log:      log,
		registry: registry,
		metrics:  metrics.New(registry),
	}
}

// Run starts the application and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	a.log.Info("starting")
	defer func() { _ = logger.Close(a.log) }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := a.run(ctx)
	if err != nil {
		a.log.Error("stopped with error", "error", err)
	} else {
		a.log.Info("stopped")
	}
	return err
}

func (a *App) run(ctx context.Context) error {
	j, err := journal.Open(ctx, a.cfg.Journal.Driver, a.cfg.Journal.DSN, a.log)
	if err != nil {
		return err
	}
	if j != nil {
		defer func() {
			if err := j.Close(); err != nil {
				a.log.Warn("failed to close journal", "error", err)
			}
		}()
	}

	taskReporter := []report.Reporter{a.metrics.Reporter()}
	if j != nil {
		taskReporter = append(taskReporter, j)
	}
	// Task failures are already logged by the scheduler; retried operations are not.
	retryReporter := append([]report.Reporter{report.NewLogReporter(a.log)}, taskReporter...)

	sched := scheduler.New(scheduler.Config{
		Logger:        a.log,
		Hooks:         a.metrics.Hooks(),
		Reporter:      report.Multi(taskReporter...),
		MaxConcurrent: a.cfg.Scheduler.MaxConcurrent,
	})

	if _, err := registerTasks(sched, taskDeps{
		logger:    a.log,
		metrics:   a.metrics,
		reporter:  report.Multi(retryReporter...),
		journal:   j,
		retention: a.cfg.Journal.Retention,
		overrides: a.cfg.Tasks,
	}); err != nil {
		sched.Stop()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.Metrics.Addr != "" {
		srv := metrics.NewServer(a.cfg.Metrics.Addr, a.registry)
		g.Go(func() error {
			a.log.Info("metrics server listening", "addr", a.cfg.Metrics.Addr)
			return srv.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			return srv.Stop(shutdownCtx)
		})
	}

	sched.Start()
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Scheduler.ShutdownTimeout)
		defer cancel()
		return sched.StopContext(shutdownCtx)
	})

	return g.Wait()
}
