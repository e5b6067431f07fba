package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

// StageReport is the per-stage slice of a build report.
type StageReport struct {
	Stage    string
	Outcome  store.Outcome
	Reason   string // why the stage ran, was skipped or was blocked
	Error    string
	Duration time.Duration
	Stats    pipeline.RunStats
	WouldRun bool // dry-run only
}

// Report is the outcome of one build pass.
type Report struct {
	BuildID         string
	StartedAt       time.Time
	FinishedAt      time.Time
	DryRun          bool
	Canceled        bool
	Stages          []StageReport // topological order
	Pruned          map[store.Variant]int
	PruneSuppressed []store.Variant
}

// Success reports whether every stage ended success or skipped-cached and the
// build was not canceled.
func (r *Report) Success() bool {
	if r.Canceled {
		return false
	}
	for _, s := range r.Stages {
		if s.Outcome == store.OutcomeFailed || s.Outcome == store.OutcomeBlocked {
			return false
		}
	}
	return true
}

// CountByOutcome returns how many stages ended with the given outcome.
func (r *Report) CountByOutcome(o store.Outcome) int {
	n := 0
	for _, s := range r.Stages {
		if s.Outcome == o {
			n++
		}
	}
	return n
}

// FailedStages lists the names of failed stages, sorted.
func (r *Report) FailedStages() []string {
	var out []string
	for _, s := range r.Stages {
		if s.Outcome == store.OutcomeFailed {
			out = append(out, s.Stage)
		}
	}
	sort.Strings(out)
	return out
}

// Summary renders a human-readable per-stage table for CLI output.
func (r *Report) Summary() string {
	var b strings.Builder
	if r.DryRun {
		fmt.Fprintf(&b, "Execution plan (build %s):\n", r.BuildID)
		for _, s := range r.Stages {
			action := "skip"
			if s.WouldRun {
				action = "run"
			}
			fmt.Fprintf(&b, "  %-20s %-5s %s\n", s.Stage, action, s.Reason)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Build %s finished in %s:\n", r.BuildID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, s := range r.Stages {
		line := fmt.Sprintf("  %-20s %-8s %8s", s.Stage, s.Outcome, s.Duration.Round(time.Millisecond))
		if s.Error != "" {
			line += "  " + s.Error
		}
		b.WriteString(line + "\n")
	}
	for variant, n := range r.Pruned {
		if n > 0 {
			fmt.Fprintf(&b, "  pruned %d stale %s record(s)\n", n, variant)
		}
	}
	for _, variant := range r.PruneSuppressed {
		fmt.Fprintf(&b, "  prune suppressed for %s (owner did not succeed)\n", variant)
	}
	return b.String()
}
