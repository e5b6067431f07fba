package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/sitesync/internal/version"
)

var CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"sitesync.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `help:"Print version and exit"`

	Sync struct {
		Force       []string      `help:"Stage names to re-run regardless of staleness" sep:","`
		ForceAll    bool          `help:"Re-run every stage"`
		Timeout     time.Duration `help:"Abort the build after this duration (overrides config)"`
		Parallelism int           `help:"Concurrent stage limit (overrides config)"`
		DryRun      bool          `help:"Print the execution plan without running anything"`
	} `cmd:"" help:"Run one build of the content store"`

	Plan struct{} `cmd:"" help:"Print the execution plan (same as sync --dry-run)"`

	Cache struct {
		GC    struct{} `cmd:"" help:"Remove expired cache entries"`
		Clear struct{} `cmd:"" help:"Remove all cache entries"`
		Stats struct{} `cmd:"" help:"Print cache statistics"`
	} `cmd:"" help:"Manage the fetch cache"`

	Export struct {
		Out string `short:"o" help:"Output directory (overrides config)"`
	} `cmd:"" help:"Write per-variant JSON for the site generator"`

	Daemon struct{} `cmd:"" help:"Run scheduled builds with a metrics endpoint"`
}

func main() {
	kctx := kong.Parse(&CLI, kong.Vars{"version": version.String()})

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch kctx.Command() {
	case "sync":
		err = runSync(ctx, syncOptions{
			force:       CLI.Sync.Force,
			forceAll:    CLI.Sync.ForceAll,
			timeout:     CLI.Sync.Timeout,
			parallelism: CLI.Sync.Parallelism,
			dryRun:      CLI.Sync.DryRun,
		})
	case "plan":
		err = runSync(ctx, syncOptions{dryRun: true})
	case "cache gc":
		err = runCacheGC()
	case "cache clear":
		err = runCacheClear()
	case "cache stats":
		err = runCacheStats()
	case "export":
		err = runExport(ctx, CLI.Export.Out)
	case "daemon":
		err = runDaemon(ctx)
	}

	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
