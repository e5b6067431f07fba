// Package daemon runs builds on a schedule. It watches the configuration
// file for changes, serves Prometheus metrics, and shuts down gracefully:
// an in-flight build gets a grace period to finish before the process exits.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/logfields"
	"git.home.luguber.info/inful/sitesync/internal/metrics"
)

// BuildFunc runs one build against the given configuration.
type BuildFunc func(ctx context.Context, cfg *config.Config) error

// Daemon schedules builds and owns the auxiliary servers.
type Daemon struct {
	configPath string
	build      BuildFunc

	mu        sync.RWMutex
	cfg       *config.Config
	runCtx    context.Context // set by Run; rescheduled jobs must share its lifetime
	scheduler gocron.Scheduler
	jobID     string

	registry   *prom.Registry
	httpServer *http.Server
	watcher    *configWatcher

	buildMu  sync.Mutex // serializes builds
	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a daemon around a loaded configuration. The registry may be nil
// when metrics are disabled.
func New(configPath string, cfg *config.Config, registry *prom.Registry, build BuildFunc) (*Daemon, error) {
	if cfg.Daemon == nil {
		return nil, fmt.Errorf("configuration has no daemon section")
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Daemon{
		configPath: configPath,
		build:      build,
		cfg:        cfg,
		scheduler:  sched,
		registry:   registry,
		stopped:    make(chan struct{}),
	}, nil
}

// Run starts the daemon and blocks until ctx is canceled. Shutdown waits up
// to the configured stop timeout for an in-flight build.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	d.runCtx = ctx
	d.mu.Unlock()

	cfg := d.config()
	if err := d.scheduleBuilds(ctx, cfg.Daemon.Schedule); err != nil {
		return err
	}
	d.scheduler.Start()
	slog.Info("Daemon started", "schedule", cfg.Daemon.Schedule)

	if cfg.Daemon.MetricsAddr != "" && d.registry != nil {
		d.startMetricsServer(cfg.Daemon.MetricsAddr)
	}

	watcher, err := newConfigWatcher(d.configPath, d.reloadConfig)
	if err != nil {
		slog.Warn("Config watching disabled", logfields.Error(err))
	} else {
		d.watcher = watcher
		watcher.start(ctx)
	}

	<-ctx.Done()
	return d.shutdown()
}

// TriggerBuild runs one build immediately, outside the schedule. Overlapping
// triggers are skipped, not queued.
func (d *Daemon) TriggerBuild(ctx context.Context) error {
	if !d.buildMu.TryLock() {
		slog.Info("Build already running, skipping trigger")
		return nil
	}
	defer d.buildMu.Unlock()

	cfg := d.config()
	start := time.Now()
	if err := d.build(ctx, cfg); err != nil {
		slog.Error("Scheduled build failed", logfields.Error(err))
		return err
	}
	slog.Info("Scheduled build finished", logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return nil
}

func (d *Daemon) config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// runContext returns the context Run was started with, so builds scheduled
// after a config reload still stop with the daemon.
func (d *Daemon) runContext() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.runCtx == nil {
		return context.Background()
	}
	return d.runCtx
}

// scheduleBuilds registers the build job. The schedule is either a cron
// expression or "@every <duration>".
func (d *Daemon) scheduleBuilds(ctx context.Context, schedule string) error {
	def, err := jobDefinition(schedule)
	if err != nil {
		return err
	}

	job, err := d.scheduler.NewJob(
		def,
		gocron.NewTask(func() { _ = d.TriggerBuild(ctx) }),
		gocron.WithName("scheduled-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule builds: %w", err)
	}
	d.jobID = job.ID().String()
	return nil
}

func jobDefinition(schedule string) (gocron.JobDefinition, error) {
	if after, ok := strings.CutPrefix(schedule, "@every "); ok {
		interval, err := time.ParseDuration(strings.TrimSpace(after))
		if err != nil {
			return nil, fmt.Errorf("invalid @every schedule %q: %w", schedule, err)
		}
		return gocron.DurationJob(interval), nil
	}
	return gocron.CronJob(schedule, false), nil
}

// reloadConfig is called by the watcher after the config file changed.
func (d *Daemon) reloadConfig() {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		slog.Error("Failed to reload configuration, keeping previous", logfields.Error(err))
		return
	}
	if cfg.Daemon == nil {
		slog.Error("Reloaded configuration has no daemon section, keeping previous")
		return
	}

	d.mu.Lock()
	oldSchedule := d.cfg.Daemon.Schedule
	d.cfg = cfg
	d.mu.Unlock()

	if cfg.Daemon.Schedule != oldSchedule {
		if err := d.reschedule(cfg.Daemon.Schedule); err != nil {
			slog.Error("Failed to apply new schedule", logfields.Error(err))
			return
		}
		slog.Info("Schedule updated", "schedule", cfg.Daemon.Schedule)
	}
	slog.Info("Configuration reloaded")
}

func (d *Daemon) reschedule(schedule string) error {
	def, err := jobDefinition(schedule)
	if err != nil {
		return err
	}
	for _, job := range d.scheduler.Jobs() {
		if job.ID().String() != d.jobID {
			continue
		}
		updated, err := d.scheduler.Update(job.ID(), def,
			gocron.NewTask(func() { _ = d.TriggerBuild(d.runContext()) }),
			gocron.WithName("scheduled-sync"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
		d.jobID = updated.ID().String()
		return nil
	}
	return fmt.Errorf("scheduled job not found")
}

func (d *Daemon) startMetricsServer(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(d.registry))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	d.httpServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("Metrics server listening", "addr", addr)
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server failed", logfields.Error(err))
		}
	}()
}

func (d *Daemon) shutdown() error {
	var shutdownErr error
	d.stopOnce.Do(func() {
		defer close(d.stopped)
		cfg := d.config()
		slog.Info("Daemon shutting down")

		if d.watcher != nil {
			d.watcher.stop()
		}
		if err := d.scheduler.Shutdown(); err != nil {
			slog.Error("Scheduler shutdown failed", logfields.Error(err))
		}

		// Wait for an in-flight build, bounded by the stop timeout.
		done := make(chan struct{})
		go func() {
			d.buildMu.Lock()
			defer d.buildMu.Unlock()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cfg.Daemon.StopTimeoutDuration()):
			shutdownErr = fmt.Errorf("build did not finish within stop timeout")
		}

		if d.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := d.httpServer.Shutdown(ctx); err != nil {
				slog.Error("Metrics server shutdown failed", logfields.Error(err))
			}
		}
	})
	return shutdownErr
}
