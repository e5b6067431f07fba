package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

type ownerStage struct {
	name    string
	variant store.Variant
}

func (s *ownerStage) Name() string                   { return s.name }
func (s *ownerStage) Version() string                { return "v1" }
func (s *ownerStage) Dependencies() []string         { return nil }
func (s *ownerStage) OwnedVariants() []store.Variant { return []store.Variant{s.variant} }
func (s *ownerStage) Run(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
	return pipeline.RunStats{}, nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestWriteExportsOwnedVariants(t *testing.T) {
	st := newStore(t)
	tx := st.BeginStage("build-1", "fetch_feeds")
	tx.Upsert(store.VariantPosting, "job-1", map[string]any{"title": "Go Developer"})
	tx.Upsert(store.VariantPosting, "job-2", map[string]any{"title": "Backend Engineer"})
	require.NoError(t, tx.Commit(t.Context()))
	require.NoError(t, st.RecordRun(t.Context(), store.StageRun{
		BuildID: "build-1", Stage: "fetch_feeds", Version: "v1",
		Outcome: store.OutcomeSuccess, StartedAt: time.Now(), FinishedAt: time.Now(),
	}))

	g := pipeline.NewGraph()
	require.NoError(t, g.Register(&ownerStage{name: "fetch_feeds", variant: store.VariantPosting}))
	require.NoError(t, g.Validate())

	dir := t.TempDir()
	files, err := Write(t.Context(), st, g, dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 2, files[0].Records)
	assert.False(t, files[0].Partial)

	data, err := os.ReadFile(filepath.Join(dir, "posting.json"))
	require.NoError(t, err)
	var doc struct {
		Variant string         `json:"variant"`
		Partial bool           `json:"partial"`
		Records []store.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "posting", doc.Variant)
	require.Len(t, doc.Records, 2)
	assert.Equal(t, "job-1", doc.Records[0].NaturalKey)
}

func TestWriteFlagsPartialVariants(t *testing.T) {
	st := newStore(t)
	tx := st.BeginStage("build-1", "fetch_feeds")
	tx.Upsert(store.VariantPosting, "job-1", map[string]any{"title": "stale but kept"})
	require.NoError(t, tx.Commit(t.Context()))
	require.NoError(t, st.RecordRun(t.Context(), store.StageRun{
		BuildID: "build-2", Stage: "fetch_feeds", Version: "v1",
		Outcome: store.OutcomeFailed, Error: "feed down",
		StartedAt: time.Now(), FinishedAt: time.Now(),
	}))

	g := pipeline.NewGraph()
	require.NoError(t, g.Register(&ownerStage{name: "fetch_feeds", variant: store.VariantPosting}))
	require.NoError(t, g.Validate())

	files, err := Write(t.Context(), st, g, t.TempDir())
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Partial)
	assert.Equal(t, 1, files[0].Records, "last known good data still exported")
}

func TestWriteEmptyVariantProducesEmptyList(t *testing.T) {
	st := newStore(t)
	g := pipeline.NewGraph()
	require.NoError(t, g.Register(&ownerStage{name: "fetch_tips", variant: store.VariantTip}))
	require.NoError(t, g.Validate())

	dir := t.TempDir()
	files, err := Write(t.Context(), st, g, dir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(filepath.Join(dir, "tip.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"records": []`)
}
