package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/sitesync/internal/cache"
	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/daemon"
	"git.home.luguber.info/inful/sitesync/internal/events"
	"git.home.luguber.info/inful/sitesync/internal/export"
	"git.home.luguber.info/inful/sitesync/internal/logfields"
	"git.home.luguber.info/inful/sitesync/internal/metrics"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/scheduler"
	"git.home.luguber.info/inful/sitesync/internal/sources/club"
	"git.home.luguber.info/inful/sitesync/internal/sources/feeds"
	"git.home.luguber.info/inful/sitesync/internal/sources/members"
	"git.home.luguber.info/inful/sitesync/internal/sources/orgs"
	"git.home.luguber.info/inful/sitesync/internal/sources/pagemeta"
	"git.home.luguber.info/inful/sitesync/internal/sources/tips"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

// app bundles the collaborators every command needs.
type app struct {
	cfg     *config.Config
	store   *store.Store
	cache   *cache.Cache
	fetcher *cache.Fetcher
}

func newApp() (*app, error) {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return nil, err
	}
	return newAppFromConfig(cfg)
}

func newAppFromConfig(cfg *config.Config) (*app, error) {
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	c, err := cache.New(cfg.Cache.Dir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &app{
		cfg:     cfg,
		store:   st,
		cache:   c,
		fetcher: cache.NewFetcher(c, nil, cfg.Build.RetryPolicy()),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("Failed to close store", logfields.Error(err))
	}
}

// buildGraph registers a stage for every configured source.
func (a *app) buildGraph() (*pipeline.Graph, error) {
	ttl := a.cfg.Cache.TTLDuration()
	g := pipeline.NewGraph()

	var stages []pipeline.Stage
	if a.cfg.Sources.Orgs.CSVURL != "" {
		stages = append(stages, orgs.New(a.cfg.Sources.Orgs, ttl))
	}
	if len(a.cfg.Sources.Feeds.URLs) > 0 {
		stages = append(stages, feeds.New(a.cfg.Sources.Feeds, ttl))
	}
	if a.cfg.Sources.PageMeta.Enabled {
		stages = append(stages, pagemeta.New(a.cfg.Sources.PageMeta, ttl))
	}
	if a.cfg.Sources.Members.APIURL != "" {
		stages = append(stages, members.New(a.cfg.Sources.Members, ttl))
	}
	if a.cfg.Sources.Club.ActivityURL != "" {
		stages = append(stages, club.New(a.cfg.Sources.Club, ttl))
	}
	if a.cfg.Sources.Tips.Dir != "" {
		stages = append(stages, tips.New(a.cfg.Sources.Tips))
	}
	if len(stages) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	for _, s := range stages {
		if err := g.Register(s); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// newScheduler wires the scheduler with the given recorder and optional NATS
// mirroring. The returned cleanup closes the NATS connection, if any.
// Recorders are created once per process; Prometheus collectors cannot be
// registered twice on the same registry.
func (a *app) newScheduler(rec metrics.Recorder) (*scheduler.Scheduler, func()) {
	bus := events.NewBus()
	cleanup := func() {}
	if a.cfg.Events != nil {
		pub, err := events.NewNATSPublisher(a.cfg.Events.NATSURL, a.cfg.Events.Subject)
		if err != nil {
			slog.Warn("Event mirroring disabled", logfields.Error(err))
		} else {
			pub.Attach(bus)
			cleanup = pub.Close
		}
	}

	sch := scheduler.New(a.store, a.cache, a.fetcher).WithBus(bus)
	if rec != nil {
		sch = sch.WithRecorder(rec)
	}
	return sch, cleanup
}

type syncOptions struct {
	force       []string
	forceAll    bool
	timeout     time.Duration
	parallelism int
	dryRun      bool
}

func runSync(ctx context.Context, opts syncOptions) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	graph, err := a.buildGraph()
	if err != nil {
		return err
	}

	sch, cleanup := a.newScheduler(metrics.NewPrometheusRecorder(prom.NewRegistry()))
	defer cleanup()

	timeout := a.cfg.Build.TimeoutDuration()
	if opts.timeout > 0 {
		timeout = opts.timeout
	}
	parallelism := a.cfg.Build.Parallelism
	if opts.parallelism > 0 {
		parallelism = opts.parallelism
	}

	report, err := sch.Run(ctx, graph, scheduler.Options{
		Force:       opts.force,
		ForceAll:    opts.forceAll,
		Timeout:     timeout,
		DryRun:      opts.dryRun,
		Parallelism: parallelism,
	})
	if err != nil {
		return err
	}

	fmt.Fprint(os.Stdout, report.Summary())
	if !opts.dryRun && !report.Success() {
		return fmt.Errorf("build %s finished with failures", report.BuildID)
	}
	return nil
}

func runCacheGC() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	removed, err := a.cache.GC(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired entries\n", removed)
	return nil
}

func runCacheClear() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	removed, err := a.cache.Clear(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d entries\n", removed)
	return nil
}

func runCacheStats() error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.cache.Stats(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("Entries: %d (%d expired)\nSize:    %d bytes\n", stats.Entries, stats.Expired, stats.Bytes)
	return nil
}

func runExport(ctx context.Context, outDir string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	graph, err := a.buildGraph()
	if err != nil {
		return err
	}
	if outDir == "" {
		outDir = a.cfg.Export.Dir
	}

	files, err := export.Write(ctx, a.store, graph, outDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		note := ""
		if f.Partial {
			note = "  (partial: last sync of this variant did not succeed)"
		}
		fmt.Printf("%-14s %4d records -> %s%s\n", f.Variant, f.Records, f.Path, note)
	}
	return nil
}

func runDaemon(ctx context.Context) error {
	cfg, err := config.Load(CLI.Config)
	if err != nil {
		return err
	}

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)
	d, err := daemon.New(CLI.Config, cfg, registry, func(ctx context.Context, cfg *config.Config) error {
		a, err := newAppFromConfig(cfg)
		if err != nil {
			return err
		}
		defer a.close()

		graph, err := a.buildGraph()
		if err != nil {
			return err
		}
		sch, cleanup := a.newScheduler(recorder)
		defer cleanup()

		report, err := sch.Run(ctx, graph, scheduler.Options{
			Timeout:     cfg.Build.TimeoutDuration(),
			Parallelism: cfg.Build.Parallelism,
		})
		if err != nil {
			return err
		}
		if !report.Success() {
			return fmt.Errorf("build %s finished with failures", report.BuildID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}
