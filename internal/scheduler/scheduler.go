// Package scheduler walks the stage dependency graph in topological order,
// re-executes only stale stages, and aggregates per-stage outcomes into a
// build report. A failing stage blocks its dependents but never aborts the
// rest of the walk, so one broken external source cannot prevent unrelated
// stages from succeeding.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/sitesync/internal/cache"
	"git.home.luguber.info/inful/sitesync/internal/events"
	"git.home.luguber.info/inful/sitesync/internal/fingerprint"
	"git.home.luguber.info/inful/sitesync/internal/logfields"
	"git.home.luguber.info/inful/sitesync/internal/metrics"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

// DefaultParallelism bounds concurrent stage execution when Options does not
// say otherwise. Execution is I/O bound, so this mostly limits simultaneous
// external requests.
const DefaultParallelism = 4

// Options control one build pass.
type Options struct {
	Force       []string      // stage names to re-run regardless of staleness
	ForceAll    bool          // re-run everything
	Timeout     time.Duration // zero = no global timeout
	DryRun      bool          // compute the plan without executing
	Parallelism int           // bounded worker pool size
	BuildID     string        // assigned automatically when empty
}

func (o Options) forced(stage string) bool {
	if o.ForceAll {
		return true
	}
	for _, name := range o.Force {
		if name == stage {
			return true
		}
	}
	return false
}

// Scheduler executes builds against a content store and fetch cache.
type Scheduler struct {
	store    *store.Store
	cache    *cache.Cache
	fetcher  *cache.Fetcher
	bus      *events.Bus
	recorder metrics.Recorder
	now      func() time.Time
}

// New creates a scheduler with a private event bus and no-op metrics.
func New(st *store.Store, c *cache.Cache, f *cache.Fetcher) *Scheduler {
	return &Scheduler{
		store:    st,
		cache:    c,
		fetcher:  f,
		bus:      events.NewBus(),
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
	}
}

// WithBus sets the event bus.
func (sch *Scheduler) WithBus(b *events.Bus) *Scheduler {
	if b != nil {
		sch.bus = b
	}
	return sch
}

// WithRecorder sets the metrics recorder.
func (sch *Scheduler) WithRecorder(r metrics.Recorder) *Scheduler {
	if r != nil {
		sch.recorder = r
	}
	return sch
}

// Run executes the graph. Graph validation failures are fatal and returned as
// an error before any stage runs; stage failures are aggregated into the
// report instead. Callers decide the process exit status from Report.Success.
func (sch *Scheduler) Run(ctx context.Context, graph *pipeline.Graph, opts Options) (*Report, error) {
	if err := graph.Validate(); err != nil {
		return nil, err
	}
	if opts.BuildID == "" {
		opts.BuildID = uuid.NewString()
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	// With an already-canceled context there is nothing to compute: the
	// execution loop below finalizes every stage as blocked.
	var stale map[string]staleDecision
	if ctx.Err() == nil {
		var err error
		stale, err = sch.computeStaleness(ctx, graph, opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.DryRun {
		return sch.plan(graph, opts, stale), nil
	}

	startedAt := sch.now()
	sch.recorder.SetStageConcurrency(opts.Parallelism)
	_ = sch.bus.Publish(events.BuildStarted{BuildID: opts.BuildID, Stages: graph.Len(), At: startedAt})

	state := newRunState(ctx, sch, graph, opts, stale)
	state.runExecutionLoop()

	report := state.buildReport(startedAt)
	// Pruning and bookkeeping belong to finishing the build cleanly, so they
	// are not cut short by cancellation.
	sch.prune(context.WithoutCancel(ctx), graph, report)
	report.FinishedAt = sch.now()

	buildOutcome := "success"
	if report.Canceled {
		buildOutcome = "canceled"
	} else if !report.Success() {
		buildOutcome = "failed"
	}
	sch.recorder.ObserveBuildDuration(report.FinishedAt.Sub(startedAt))
	sch.recorder.IncBuildOutcome(buildOutcome)
	_ = sch.bus.Publish(events.BuildCompleted{
		BuildID:  opts.BuildID,
		Success:  report.Success(),
		Failed:   report.CountByOutcome(store.OutcomeFailed),
		Blocked:  report.CountByOutcome(store.OutcomeBlocked),
		Duration: report.FinishedAt.Sub(startedAt),
	})
	slog.Info("Build finished",
		logfields.BuildID(opts.BuildID),
		logfields.Outcome(buildOutcome),
		logfields.DurationMS(float64(report.FinishedAt.Sub(startedAt).Milliseconds())))

	return report, nil
}

type staleDecision struct {
	stale  bool
	reason string
}

// computeStaleness compares each stage against its last recorded run.
// A stage is stale when it never ran, its version changed, its previous run
// did not succeed, or it is explicitly forced. Upstream freshness propagation
// happens later, during the walk, because it depends on this build's
// outcomes.
func (sch *Scheduler) computeStaleness(ctx context.Context, graph *pipeline.Graph, opts Options) (map[string]staleDecision, error) {
	out := make(map[string]staleDecision, graph.Len())
	for _, name := range graph.TopologicalOrder() {
		stage, _ := graph.Stage(name)
		if opts.forced(name) {
			out[name] = staleDecision{stale: true, reason: "forced"}
			continue
		}
		last, err := sch.store.LatestRun(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read run history for %s: %w", name, err)
		}
		switch {
		case last == nil:
			out[name] = staleDecision{stale: true, reason: "never ran"}
		case last.Version != stage.Version():
			out[name] = staleDecision{stale: true, reason: fmt.Sprintf("version changed (%s -> %s)", last.Version, stage.Version())}
		case last.Outcome == store.OutcomeFailed:
			out[name] = staleDecision{stale: true, reason: "previous run failed"}
		case last.Outcome == store.OutcomeBlocked:
			out[name] = staleDecision{stale: true, reason: "previous run blocked"}
		default:
			out[name] = staleDecision{stale: false, reason: "inputs unchanged since last run"}
		}
	}
	return out, nil
}

// plan computes the dry-run report: which stages would run and why, with
// freshness propagated as if every stale stage succeeded.
func (sch *Scheduler) plan(graph *pipeline.Graph, opts Options, stale map[string]staleDecision) *Report {
	report := &Report{BuildID: opts.BuildID, DryRun: true, StartedAt: sch.now(), FinishedAt: sch.now()}
	wouldRun := make(map[string]bool, graph.Len())
	for _, name := range graph.TopologicalOrder() {
		stage, _ := graph.Stage(name)
		sr := StageReport{Stage: name}
		if d := stale[name]; d.stale {
			sr.WouldRun = true
			sr.Reason = d.reason
		} else {
			for _, dep := range stage.Dependencies() {
				if wouldRun[dep] {
					sr.WouldRun = true
					sr.Reason = fmt.Sprintf("upstream %s will run", dep)
					break
				}
			}
			if !sr.WouldRun {
				sr.Reason = d.reason
			}
		}
		wouldRun[name] = sr.WouldRun
		report.Stages = append(report.Stages, sr)
	}
	return report
}

// prune garbage-collects records that no stage re-affirmed in this build.
// Only variants whose owning stage succeeded are pruned: a skipped owner's
// records are preserved untouched, and a failed or blocked owner suppresses
// pruning so valid data is not deleted because of an unrelated failure.
func (sch *Scheduler) prune(ctx context.Context, graph *pipeline.Graph, report *Report) {
	if report.Pruned == nil {
		report.Pruned = make(map[store.Variant]int)
	}
	outcomes := make(map[string]store.Outcome, len(report.Stages))
	for _, s := range report.Stages {
		outcomes[s.Stage] = s.Outcome
	}
	for _, desc := range graph.Descriptors() {
		for _, variant := range desc.OwnedVariants {
			switch outcomes[desc.Name] {
			case store.OutcomeSuccess:
				n, err := sch.store.PruneUnseen(ctx, variant, report.BuildID)
				if err != nil {
					slog.Warn("Failed to prune unseen records", logfields.Variant(string(variant)), logfields.Error(err))
					continue
				}
				report.Pruned[variant] = n
				sch.recorder.AddRecordsPruned(string(variant), n)
			case store.OutcomeFailed, store.OutcomeBlocked:
				report.PruneSuppressed = append(report.PruneSuppressed, variant)
			}
			// Skipped owners keep their records untouched.
		}
	}
	sort.Slice(report.PruneSuppressed, func(i, j int) bool {
		return report.PruneSuppressed[i] < report.PruneSuppressed[j]
	})
}

type stageResult struct {
	stage    string
	outcome  store.Outcome
	reason   string
	err      error
	stats    pipeline.RunStats
	started  time.Time
	finished time.Time
}

type runState struct {
	sch      *Scheduler
	graph    *pipeline.Graph
	opts     Options
	ctx      context.Context
	stale    map[string]staleDecision
	inDegree map[string]int
	ready    []string
	active   int
	results  chan stageResult
	reports  map[string]*StageReport
	canceled bool
}

func newRunState(ctx context.Context, sch *Scheduler, graph *pipeline.Graph, opts Options, stale map[string]staleDecision) *runState {
	st := &runState{
		sch:      sch,
		graph:    graph,
		opts:     opts,
		ctx:      ctx,
		stale:    stale,
		inDegree: make(map[string]int, graph.Len()),
		results:  make(chan stageResult, opts.Parallelism),
		reports:  make(map[string]*StageReport, graph.Len()),
	}
	for _, desc := range graph.Descriptors() {
		st.inDegree[desc.Name] = len(desc.Dependencies)
		if len(desc.Dependencies) == 0 {
			st.ready = append(st.ready, desc.Name)
		}
	}
	return st
}

func (st *runState) done() bool {
	return len(st.reports) == st.graph.Len()
}

func (st *runState) runExecutionLoop() {
	for !st.done() {
		st.schedule()
		if st.done() {
			break
		}
		if st.active == 0 {
			// Canceled with nothing in flight: remaining stages are finalized below.
			break
		}
		select {
		case res := <-st.results:
			st.handleExecuted(res)
		case <-st.ctx.Done():
			st.cancel()
		}
	}
	st.finalizeUnfinished()
}

// cancel stops scheduling new stages and waits for in-flight stage runs to
// finish or fail cleanly, so no stage commit is interrupted midway.
func (st *runState) cancel() {
	st.canceled = true
	for st.active > 0 {
		res := <-st.results
		st.handleExecuted(res)
	}
}

// schedule drains the ready queue: blocked and skipped-cached stages are
// finalized synchronously, runnable stages are handed to workers up to the
// parallelism bound. The ready queue is kept name-sorted for determinism.
func (st *runState) schedule() {
	for len(st.ready) > 0 {
		if st.canceled || st.ctx.Err() != nil {
			return
		}
		sort.Strings(st.ready)
		name := st.ready[0]
		stage, _ := st.graph.Stage(name)

		if blocker := st.failedUpstream(stage); blocker != "" {
			st.ready = st.ready[1:]
			now := st.sch.now()
			st.complete(stageResult{
				stage:    name,
				outcome:  store.OutcomeBlocked,
				reason:   fmt.Sprintf("upstream %s did not succeed", blocker),
				started:  now,
				finished: now,
			})
			continue
		}

		mustRun, reason := st.mustRun(stage)
		if !mustRun {
			st.ready = st.ready[1:]
			now := st.sch.now()
			st.complete(stageResult{
				stage:    name,
				outcome:  store.OutcomeSkipped,
				reason:   reason,
				started:  now,
				finished: now,
			})
			continue
		}

		if st.active >= st.opts.Parallelism {
			return
		}
		st.ready = st.ready[1:]
		st.active++
		go st.execute(stage, reason)
	}
}

func (st *runState) failedUpstream(stage pipeline.Stage) string {
	for _, dep := range stage.Dependencies() {
		if rep, ok := st.reports[dep]; ok {
			if rep.Outcome == store.OutcomeFailed || rep.Outcome == store.OutcomeBlocked {
				return dep
			}
		}
	}
	return ""
}

// mustRun applies the staleness rules: stale against run history, or any
// upstream stage actually ran with success in this build (freshness
// propagates downward).
func (st *runState) mustRun(stage pipeline.Stage) (bool, string) {
	if d := st.stale[stage.Name()]; d.stale {
		return true, d.reason
	}
	for _, dep := range stage.Dependencies() {
		if rep, ok := st.reports[dep]; ok && rep.Outcome == store.OutcomeSuccess {
			return true, fmt.Sprintf("upstream %s refreshed", dep)
		}
	}
	return false, st.stale[stage.Name()].reason
}

// execute runs one stage in a worker goroutine. The stage's writes are
// buffered in its transaction and committed only when Run returns nil; a
// failed run or failed commit leaves the store untouched for that stage.
func (st *runState) execute(stage pipeline.Stage, reason string) {
	name := stage.Name()
	started := st.sch.now()
	_ = st.sch.bus.Publish(events.StageStarted{BuildID: st.opts.BuildID, Stage: name, At: started})
	slog.Info("Running stage", logfields.Stage(name), "reason", reason)

	tx := st.sch.store.BeginStage(st.opts.BuildID, name)
	env := &pipeline.Env{
		Fetcher: st.sch.fetcher,
		Cache:   st.sch.cache,
		Tx:      tx,
		Records: st.sch.store,
	}

	stats, err := stage.Run(st.ctx, env)
	outcome := store.OutcomeSuccess
	if err != nil {
		tx.Rollback()
		outcome = store.OutcomeFailed
	} else {
		// In-flight stages finish their commit even when the build was
		// canceled mid-run, so the store never sees a half-applied stage.
		if commitErr := tx.Commit(context.WithoutCancel(st.ctx)); commitErr != nil {
			outcome = store.OutcomeFailed
			err = fmt.Errorf("commit stage writes: %w", commitErr)
		}
	}

	st.results <- stageResult{
		stage:    name,
		outcome:  outcome,
		reason:   reason,
		err:      err,
		stats:    stats,
		started:  started,
		finished: st.sch.now(),
	}
}

func (st *runState) handleExecuted(res stageResult) {
	st.active--
	st.complete(res)
}

// complete finalizes a stage outcome: report entry, run history, metrics,
// events, and release of dependents into the ready queue.
func (st *runState) complete(res stageResult) {
	stage, _ := st.graph.Stage(res.stage)
	fp := fingerprint.New(stage.Version(), stage.Dependencies()...)

	rep := &StageReport{
		Stage:    res.stage,
		Outcome:  res.outcome,
		Reason:   res.reason,
		Duration: res.finished.Sub(res.started),
		Stats:    res.stats,
	}
	if res.err != nil {
		rep.Error = res.err.Error()
		slog.Error("Stage failed",
			logfields.Stage(res.stage),
			logfields.Fingerprint(fp.String()),
			logfields.Error(res.err))
	}
	st.reports[res.stage] = rep

	run := store.StageRun{
		BuildID:     st.opts.BuildID,
		Stage:       res.stage,
		Version:     stage.Version(),
		Outcome:     res.outcome,
		Error:       rep.Error,
		Fingerprint: fp.String(),
		StartedAt:   res.started,
		FinishedAt:  res.finished,
	}
	if err := st.sch.store.RecordRun(context.WithoutCancel(st.ctx), run); err != nil {
		slog.Warn("Failed to record stage run", logfields.Stage(res.stage), logfields.Error(err))
	}

	st.sch.recorder.ObserveStageDuration(res.stage, rep.Duration)
	st.sch.recorder.IncStageOutcome(res.stage, string(res.outcome))
	for i := 0; i < res.stats.CacheHits; i++ {
		st.sch.recorder.IncCacheHit(res.stage)
	}
	for i := 0; i < res.stats.Fetches-res.stats.CacheHits; i++ {
		st.sch.recorder.IncCacheMiss(res.stage)
	}
	_ = st.sch.bus.Publish(events.StageCompleted{
		BuildID:  st.opts.BuildID,
		Stage:    res.stage,
		Outcome:  string(res.outcome),
		Error:    rep.Error,
		Duration: rep.Duration,
	})

	for _, dep := range st.graph.Dependents(res.stage) {
		st.inDegree[dep]--
		if st.inDegree[dep] == 0 {
			st.ready = append(st.ready, dep)
		}
	}
}

// finalizeUnfinished marks stages that never got scheduled (cancellation) as
// blocked so the report covers the whole graph.
func (st *runState) finalizeUnfinished() {
	if !st.canceled && st.ctx.Err() == nil {
		return
	}
	st.canceled = true
	for _, name := range st.graph.TopologicalOrder() {
		if _, ok := st.reports[name]; ok {
			continue
		}
		st.reports[name] = &StageReport{
			Stage:   name,
			Outcome: store.OutcomeBlocked,
			Reason:  "build canceled",
			Error:   context.Cause(st.ctx).Error(),
		}
	}
}

func (st *runState) buildReport(startedAt time.Time) *Report {
	report := &Report{
		BuildID:   st.opts.BuildID,
		StartedAt: startedAt,
		Canceled:  st.canceled,
		Pruned:    make(map[store.Variant]int),
	}
	for _, name := range st.graph.TopologicalOrder() {
		if rep, ok := st.reports[name]; ok {
			report.Stages = append(report.Stages, *rep)
		}
	}
	return report
}
