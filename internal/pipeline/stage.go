// Package pipeline defines the stage contract and the dependency graph that
// orders stage execution. Stages are registered from a static list at process
// startup; the graph is validated once and is immutable afterwards.
package pipeline

import (
	"context"

	"git.home.luguber.info/inful/sitesync/internal/cache"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

// Stage is a named, versioned unit of pipeline work. The version tag must
// change whenever the stage's logic changes; it forces a re-run and rotates
// the stage's cache keys.
type Stage interface {
	// Name uniquely identifies the stage within a graph.
	Name() string
	// Version tags the stage's logic. Bumping it forces a re-run regardless
	// of cache state.
	Version() string
	// Dependencies lists upstream stage names. The stage only runs after all
	// of them completed in the current build.
	Dependencies() []string
	// OwnedVariants declares which record variants this stage writes. Each
	// variant has exactly one owner per graph; violations fail validation.
	OwnedVariants() []store.Variant
	// Run executes the stage against its collaborators. Writes go through
	// env.Tx and are committed by the scheduler after Run returns nil.
	Run(ctx context.Context, env *Env) (RunStats, error)
}

// Env carries the collaborators a stage runs against. The transaction is
// scoped to this stage; reads through Records see data committed by upstream
// stages earlier in the same build.
type Env struct {
	Fetcher *cache.Fetcher
	Cache   *cache.Cache
	Tx      *store.StageTx
	Records RecordReader
}

// RecordReader is the read-only store surface available to stages.
type RecordReader interface {
	Get(ctx context.Context, variant store.Variant, naturalKey string) (*store.Record, error)
	Query(ctx context.Context, variant store.Variant, predicate func(*store.Record) bool) ([]store.Record, error)
}

// RunStats summarizes what a stage run did.
type RunStats struct {
	Records   int // records upserted or re-affirmed
	Fetches   int // external fetches performed
	CacheHits int // fetches satisfied from the cache
}

// Add accumulates stats from a sub-operation.
func (s *RunStats) Add(other RunStats) {
	s.Records += other.Records
	s.Fetches += other.Fetches
	s.CacheHits += other.CacheHits
}

// Descriptor is the static metadata of a registered stage.
type Descriptor struct {
	Name          string
	Version       string
	Dependencies  []string
	OwnedVariants []store.Variant
}

// Describe extracts a stage's descriptor.
func Describe(s Stage) Descriptor {
	return Descriptor{
		Name:          s.Name(),
		Version:       s.Version(),
		Dependencies:  append([]string(nil), s.Dependencies()...),
		OwnedVariants: append([]store.Variant(nil), s.OwnedVariants()...),
	}
}
