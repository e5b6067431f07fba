package scheduler

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/sitesync/internal/cache"
	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/retry"
	"git.home.luguber.info/inful/sitesync/internal/sources/feeds"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

const twoPostingFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Jobs</title>
    <item>
      <guid>go-developer</guid>
      <title>Go Developer</title>
      <link>https://jobs.example.com/go-developer</link>
    </item>
    <item>
      <guid>backend-engineer</guid>
      <title>Backend Engineer</title>
      <link>https://jobs.example.com/backend-engineer</link>
    </item>
  </channel>
</rss>`

const onePostingFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Jobs</title>
    <item>
      <guid>go-developer</guid>
      <title>Go Developer</title>
      <link>https://jobs.example.com/go-developer</link>
    </item>
  </channel>
</rss>`

// Full pipeline walk with the real feed stage: cold first build, a no-op
// second build, then a forced refresh after one posting disappeared upstream.
func TestFeedPipelineEndToEnd(t *testing.T) {
	var mu sync.Mutex
	body := twoPostingFeed
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	sch := New(st, c, cache.NewFetcher(c, nil, retry.DefaultPolicy()))

	fetch := feeds.New(config.FeedsSource{URLs: []string{srv.URL}, Concurrency: 1}, time.Hour)
	normalize := &testStage{name: "normalize_postings", version: "v1", deps: []string{"fetch_feeds"}}
	publish := &testStage{name: "publish_site_data", version: "v1", deps: []string{"normalize_postings"}}
	graph := buildGraphStages(t, fetch, normalize, publish)

	// Cold cache: the full chain runs and two postings land in the store.
	first, err := sch.Run(t.Context(), graph, Options{})
	require.NoError(t, err)
	require.True(t, first.Success())
	assert.Equal(t, int32(1), hits.Load())
	count, err := st.Count(t.Context(), store.VariantPosting)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Identical feed, no force: everything is skipped and nothing touches
	// the network or the store.
	second, err := sch.Run(t.Context(), graph, Options{})
	require.NoError(t, err)
	for _, s := range second.Stages {
		assert.Equal(t, store.OutcomeSkipped, s.Outcome, s.Stage)
	}
	assert.Equal(t, int32(1), hits.Load())

	// One posting disappears upstream. The cache entry is still fresh, so we
	// drop it the way an expired TTL would, then force the fetch stage.
	mu.Lock()
	body = onePostingFeed
	mu.Unlock()
	_, err = c.Clear(t.Context())
	require.NoError(t, err)

	third, err := sch.Run(t.Context(), graph, Options{Force: []string{"fetch_feeds"}})
	require.NoError(t, err)
	require.True(t, third.Success())
	outcomes := outcomesByStage(third)
	assert.Equal(t, store.OutcomeSuccess, outcomes["fetch_feeds"])
	assert.Equal(t, store.OutcomeSuccess, outcomes["normalize_postings"], "downstream of a refreshed stage must run")
	assert.Equal(t, 1, third.Pruned[store.VariantPosting], "exactly the removed posting is pruned")

	_, err = st.Get(t.Context(), store.VariantPosting, "go-developer")
	require.NoError(t, err)
	_, err = st.Get(t.Context(), store.VariantPosting, "backend-engineer")
	assert.True(t, store.IsNotFound(err))
}

func buildGraphStages(t *testing.T, stages ...pipeline.Stage) *pipeline.Graph {
	t.Helper()
	g := pipeline.NewGraph()
	for _, s := range stages {
		require.NoError(t, g.Register(s))
	}
	require.NoError(t, g.Validate())
	return g
}
