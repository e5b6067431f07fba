package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/sitesync/internal/cache"
	"git.home.luguber.info/inful/sitesync/internal/metrics"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/retry"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

// testStage is a scriptable stage. Its run function receives the stage
// environment so tests can write records through the transaction.
type testStage struct {
	name     string
	version  string
	deps     []string
	variants []store.Variant
	run      func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error)
	runs     atomic.Int32
}

func (s *testStage) Name() string                   { return s.name }
func (s *testStage) Version() string                { return s.version }
func (s *testStage) Dependencies() []string         { return s.deps }
func (s *testStage) OwnedVariants() []store.Variant { return s.variants }

func (s *testStage) Run(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
	s.runs.Add(1)
	if s.run == nil {
		return pipeline.RunStats{}, nil
	}
	return s.run(ctx, env)
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	return New(st, c, cache.NewFetcher(c, nil, retry.DefaultPolicy())), st
}

func buildGraph(t *testing.T, stages ...*testStage) *pipeline.Graph {
	t.Helper()
	g := pipeline.NewGraph()
	for _, s := range stages {
		require.NoError(t, g.Register(s))
	}
	require.NoError(t, g.Validate())
	return g
}

func outcomesByStage(r *Report) map[string]store.Outcome {
	out := make(map[string]store.Outcome, len(r.Stages))
	for _, s := range r.Stages {
		out[s.Stage] = s.Outcome
	}
	return out
}

func writeRecord(variant store.Variant, key string) func(context.Context, *pipeline.Env) (pipeline.RunStats, error) {
	return func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
		env.Tx.Upsert(variant, key, map[string]any{"title": key})
		return pipeline.RunStats{Records: 1}, nil
	}
}

func TestSecondBuildSkipsEverything(t *testing.T) {
	sch, _ := newTestScheduler(t)
	feeds := &testStage{name: "fetch_feeds", version: "v1", variants: []store.Variant{store.VariantPosting}, run: writeRecord(store.VariantPosting, "job-1")}
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}
	publish := &testStage{name: "publish_site_data", version: "v1", deps: []string{"normalize_postings"}}

	first, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize, publish), Options{})
	require.NoError(t, err)
	require.True(t, first.Success())
	for _, s := range first.Stages {
		assert.Equal(t, store.OutcomeSuccess, s.Outcome, s.Stage)
	}

	second, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize, publish), Options{})
	require.NoError(t, err)
	require.True(t, second.Success())
	for _, s := range second.Stages {
		assert.Equal(t, store.OutcomeSkipped, s.Outcome, s.Stage)
	}
	assert.Equal(t, int32(1), feeds.runs.Load())
	assert.Equal(t, int32(1), normalize.runs.Load())
	assert.Equal(t, int32(1), publish.runs.Load())
}

func TestVersionBumpRerunsStageAndDependents(t *testing.T) {
	sch, _ := newTestScheduler(t)
	orgs := &testStage{name: "fetch_orgs", version: "v1"}
	feeds := &testStage{name: "fetch_feeds", version: "v1"}
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}

	_, err := sch.Run(t.Context(), buildGraph(t, orgs, feeds, normalize), Options{})
	require.NoError(t, err)

	feeds.version = "v2"
	report, err := sch.Run(t.Context(), buildGraph(t, orgs, feeds, normalize), Options{})
	require.NoError(t, err)

	got := outcomesByStage(report)
	assert.Equal(t, store.OutcomeSkipped, got["fetch_orgs"])
	assert.Equal(t, store.OutcomeSuccess, got["fetch_feeds"])
	// Downstream reruns because its upstream actually refreshed.
	assert.Equal(t, store.OutcomeSuccess, got["normalize_postings"])
}

func TestFailureBlocksDependentsAndSuppressesPrune(t *testing.T) {
	sch, st := newTestScheduler(t)
	feeds := &testStage{name: "fetch_feeds", version: "v1", variants: []store.Variant{store.VariantPosting}, run: writeRecord(store.VariantPosting, "job-1")}
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}

	_, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize), Options{})
	require.NoError(t, err)

	// Same stage now fails before re-affirming its records.
	feeds.run = func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
		return pipeline.RunStats{}, errors.New("feed endpoint returned 500")
	}
	report, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize), Options{ForceAll: true})
	require.NoError(t, err)
	require.False(t, report.Success())

	got := outcomesByStage(report)
	assert.Equal(t, store.OutcomeFailed, got["fetch_feeds"])
	assert.Equal(t, store.OutcomeBlocked, got["normalize_postings"])

	// Records from the earlier successful run survive: pruning is suppressed
	// for variants owned by the failed stage.
	assert.Contains(t, report.PruneSuppressed, store.VariantPosting)
	assert.Empty(t, report.Pruned)
	rec, err := st.Get(t.Context(), store.VariantPosting, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", rec.NaturalKey)
}

func TestFailedStageLeavesNoPartialWrites(t *testing.T) {
	sch, st := newTestScheduler(t)
	feeds := &testStage{
		name:     "fetch_feeds",
		version:  "v1",
		variants: []store.Variant{store.VariantPosting},
		run: func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
			env.Tx.Upsert(store.VariantPosting, "job-1", map[string]any{})
			env.Tx.Upsert(store.VariantPosting, "job-2", map[string]any{})
			return pipeline.RunStats{}, errors.New("parse error halfway through")
		},
	}
	report, err := sch.Run(t.Context(), buildGraph(t, feeds), Options{})
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeFailed, report.Stages[0].Outcome)

	n, err := st.Count(t.Context(), store.VariantPosting)
	require.NoError(t, err)
	assert.Zero(t, n, "buffered writes must be discarded when the stage fails")
}

func TestPruneRemovesUnseenRecords(t *testing.T) {
	sch, st := newTestScheduler(t)
	keys := []string{"job-1", "job-2"}
	feeds := &testStage{
		name:     "fetch_feeds",
		version:  "v1",
		variants: []store.Variant{store.VariantPosting},
		run: func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
			for _, k := range keys {
				env.Tx.Upsert(store.VariantPosting, k, map[string]any{})
			}
			return pipeline.RunStats{Records: len(keys)}, nil
		},
	}

	_, err := sch.Run(t.Context(), buildGraph(t, feeds), Options{})
	require.NoError(t, err)

	// The upstream source dropped job-2.
	keys = []string{"job-1"}
	report, err := sch.Run(t.Context(), buildGraph(t, feeds), Options{ForceAll: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pruned[store.VariantPosting])

	n, err := st.Count(t.Context(), store.VariantPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = st.Get(t.Context(), store.VariantPosting, "job-2")
	assert.True(t, store.IsNotFound(err))
}

func TestSkippedOwnerKeepsRecords(t *testing.T) {
	sch, st := newTestScheduler(t)
	feeds := &testStage{name: "fetch_feeds", version: "v1", variants: []store.Variant{store.VariantPosting}, run: writeRecord(store.VariantPosting, "job-1")}

	_, err := sch.Run(t.Context(), buildGraph(t, feeds), Options{})
	require.NoError(t, err)

	report, err := sch.Run(t.Context(), buildGraph(t, feeds), Options{})
	require.NoError(t, err)
	assert.Equal(t, store.OutcomeSkipped, report.Stages[0].Outcome)
	assert.Empty(t, report.Pruned)
	assert.Empty(t, report.PruneSuppressed)

	n, err := st.Count(t.Context(), store.VariantPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestForceSingleStage(t *testing.T) {
	sch, _ := newTestScheduler(t)
	orgs := &testStage{name: "fetch_orgs", version: "v1"}
	feeds := &testStage{name: "fetch_feeds", version: "v1"}

	_, err := sch.Run(t.Context(), buildGraph(t, orgs, feeds), Options{})
	require.NoError(t, err)

	report, err := sch.Run(t.Context(), buildGraph(t, orgs, feeds), Options{Force: []string{"fetch_feeds"}})
	require.NoError(t, err)

	got := outcomesByStage(report)
	assert.Equal(t, store.OutcomeSkipped, got["fetch_orgs"])
	assert.Equal(t, store.OutcomeSuccess, got["fetch_feeds"])
}

func TestDryRunWritesNothing(t *testing.T) {
	sch, st := newTestScheduler(t)
	feeds := &testStage{name: "fetch_feeds", version: "v1", variants: []store.Variant{store.VariantPosting}, run: writeRecord(store.VariantPosting, "job-1")}
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}

	report, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize), Options{DryRun: true})
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Len(t, report.Stages, 2)
	for _, s := range report.Stages {
		assert.True(t, s.WouldRun, s.Stage)
	}
	assert.Zero(t, feeds.runs.Load())

	n, err := st.Count(t.Context(), store.VariantPosting)
	require.NoError(t, err)
	assert.Zero(t, n)
	none, err := st.LatestRun(t.Context(), "fetch_feeds")
	require.NoError(t, err)
	assert.Nil(t, none, "dry run must not record run history")
}

func TestDryRunPropagatesUpstreamRuns(t *testing.T) {
	sch, _ := newTestScheduler(t)
	feeds := &testStage{name: "fetch_feeds", version: "v1"}
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}

	_, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize), Options{})
	require.NoError(t, err)

	feeds.version = "v2"
	report, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize), Options{DryRun: true})
	require.NoError(t, err)

	byName := make(map[string]StageReport)
	for _, s := range report.Stages {
		byName[s.Stage] = s
	}
	assert.True(t, byName["fetch_feeds"].WouldRun)
	assert.True(t, byName["normalize_postings"].WouldRun)
	assert.Contains(t, byName["normalize_postings"].Reason, "upstream fetch_feeds")
}

func TestCanceledContextBlocksUnscheduledStages(t *testing.T) {
	sch, _ := newTestScheduler(t)
	feeds := &testStage{name: "fetch_feeds", version: "v1"}
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	report, err := sch.Run(ctx, buildGraph(t, feeds, normalize), Options{})
	require.NoError(t, err)
	require.True(t, report.Canceled)
	require.Len(t, report.Stages, 2)
	for _, s := range report.Stages {
		assert.Equal(t, store.OutcomeBlocked, s.Outcome, s.Stage)
	}
	assert.Zero(t, feeds.runs.Load())
}

func TestCancelAllowsInFlightStageToFinish(t *testing.T) {
	sch, st := newTestScheduler(t)
	ctx, cancel := context.WithCancel(t.Context())

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	slow := &testStage{
		name:     "fetch_feeds",
		version:  "v1",
		variants: []store.Variant{store.VariantPosting},
		run: func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
			once.Do(func() { close(started) })
			<-release
			env.Tx.Upsert(store.VariantPosting, "job-1", map[string]any{})
			return pipeline.RunStats{Records: 1}, nil
		},
	}
	downstream := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}

	go func() {
		<-started
		cancel()
		close(release)
	}()

	report, err := sch.Run(ctx, buildGraph(t, slow, downstream), Options{Parallelism: 1})
	require.NoError(t, err)
	require.True(t, report.Canceled)

	got := outcomesByStage(report)
	assert.Equal(t, store.OutcomeSuccess, got["fetch_feeds"], "in-flight stage commits cleanly")
	assert.Equal(t, store.OutcomeBlocked, got["normalize_postings"])

	n, err := st.Count(t.Context(), store.VariantPosting)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTimeoutProducesCanceledReport(t *testing.T) {
	sch, _ := newTestScheduler(t)
	slow := &testStage{
		name:    "fetch_feeds",
		version: "v1",
		run: func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
			select {
			case <-ctx.Done():
				return pipeline.RunStats{}, ctx.Err()
			case <-time.After(5 * time.Second):
				return pipeline.RunStats{}, nil
			}
		},
	}
	report, err := sch.Run(t.Context(), buildGraph(t, slow), Options{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, report.Canceled)
	assert.Equal(t, store.OutcomeFailed, report.Stages[0].Outcome)
}

func TestRunHistoryRecordedForAllOutcomes(t *testing.T) {
	sch, st := newTestScheduler(t)
	feeds := &testStage{
		name:    "fetch_feeds",
		version: "v1",
		run: func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
			return pipeline.RunStats{}, errors.New("boom")
		},
	}
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}

	report, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize), Options{})
	require.NoError(t, err)

	runs, err := st.RunsForBuild(t.Context(), report.BuildID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	byStage := make(map[string]store.StageRun)
	for _, r := range runs {
		byStage[r.Stage] = r
	}
	assert.Equal(t, store.OutcomeFailed, byStage["fetch_feeds"].Outcome)
	assert.Contains(t, byStage["fetch_feeds"].Error, "boom")
	assert.Equal(t, store.OutcomeBlocked, byStage["normalize_postings"].Outcome)
	assert.NotEmpty(t, byStage["fetch_feeds"].Fingerprint)
}

func TestInvalidGraphIsFatal(t *testing.T) {
	sch, _ := newTestScheduler(t)
	g := pipeline.NewGraph()
	require.NoError(t, g.Register(&testStage{name: "a", version: "v1", deps: []string{"b"}}))
	require.NoError(t, g.Register(&testStage{name: "b", version: "v1", deps: []string{"a"}}))

	report, err := sch.Run(t.Context(), g, Options{})
	require.Error(t, err)
	assert.Nil(t, report)
	assert.True(t, pipeline.IsGraphError(err, pipeline.KindCycleDetected))
}

func TestParallelismBoundIsRespected(t *testing.T) {
	sch, _ := newTestScheduler(t)
	var inFlight, peak atomic.Int32
	mk := func(name string) *testStage {
		return &testStage{
			name:    name,
			version: "v1",
			run: func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return pipeline.RunStats{}, nil
			},
		}
	}
	g := buildGraph(t, mk("a"), mk("b"), mk("c"), mk("d"), mk("e"), mk("f"))
	report, err := sch.Run(t.Context(), g, Options{Parallelism: 2})
	require.NoError(t, err)
	require.True(t, report.Success())
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestReportSummaryMentionsEveryStage(t *testing.T) {
	sch, _ := newTestScheduler(t)
	feeds := &testStage{name: "fetch_feeds", version: "v1"}
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}

	report, err := sch.Run(t.Context(), buildGraph(t, feeds, normalize), Options{})
	require.NoError(t, err)
	summary := report.Summary()
	assert.Contains(t, summary, "fetch_feeds")
	assert.Contains(t, summary, "normalize_postings")
}

// captureRecorder records cache counter calls per stage.
type captureRecorder struct {
	metrics.NoopRecorder
	hits   map[string]int
	misses map[string]int
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{hits: map[string]int{}, misses: map[string]int{}}
}

func (r *captureRecorder) IncCacheHit(stage string)  { r.hits[stage]++ }
func (r *captureRecorder) IncCacheMiss(stage string) { r.misses[stage]++ }

func TestCacheCountersReachRecorder(t *testing.T) {
	sch, _ := newTestScheduler(t)
	rec := newCaptureRecorder()
	sch = sch.WithRecorder(rec)

	fetch := &testStage{name: "fetch_feeds", version: "v1", run: func(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
		return pipeline.RunStats{Records: 2, Fetches: 3, CacheHits: 1}, nil
	}}
	quiet := &testStage{name: "fetch_tips", version: "v1"}

	report, err := sch.Run(t.Context(), buildGraph(t, fetch, quiet), Options{})
	require.NoError(t, err)
	require.True(t, report.Success())

	assert.Equal(t, 1, rec.hits["fetch_feeds"])
	assert.Equal(t, 2, rec.misses["fetch_feeds"], "misses are fetches not served from the cache")
	assert.Zero(t, rec.hits["fetch_tips"])
	assert.Zero(t, rec.misses["fetch_tips"])
}
