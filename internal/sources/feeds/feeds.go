// Package feeds aggregates job postings from RSS and Atom feeds into the
// posting variant. Feeds are fetched concurrently through the cache, so an
// unchanged feed costs no network round trip.
package feeds

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/fingerprint"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/slug"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

const (
	stageName    = "fetch_feeds"
	stageVersion = "v1"
)

// Stage fetches and normalizes the configured feeds.
type Stage struct {
	cfg config.FeedsSource
	ttl time.Duration
}

func New(cfg config.FeedsSource, ttl time.Duration) *Stage {
	return &Stage{cfg: cfg, ttl: ttl}
}

func (s *Stage) Name() string                   { return stageName }
func (s *Stage) Version() string                { return stageVersion }
func (s *Stage) Dependencies() []string         { return nil }
func (s *Stage) OwnedVariants() []store.Variant { return []store.Variant{store.VariantPosting} }

type feedResult struct {
	url       string
	items     []Item
	fromCache bool
}

// Run fetches every configured feed and upserts one posting record per item.
// A single broken feed fails the whole stage: the previous build's postings
// stay in place rather than half of them disappearing.
func (s *Stage) Run(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
	var (
		mu      sync.Mutex
		results []feedResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, feedURL := range s.cfg.URLs {
		g.Go(func() error {
			key := fingerprint.New(stageVersion, "feed", feedURL)
			res, err := env.Fetcher.Get(gctx, key, feedURL, s.ttl)
			if err != nil {
				return fmt.Errorf("fetch feed %s: %w", feedURL, err)
			}
			items, err := Parse(res.Data)
			if err != nil {
				return fmt.Errorf("feed %s: %w", feedURL, err)
			}
			mu.Lock()
			results = append(results, feedResult{url: feedURL, items: items, fromCache: res.FromCache})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pipeline.RunStats{}, err
	}

	// Deterministic upsert order regardless of fetch completion order.
	sort.Slice(results, func(i, j int) bool { return results[i].url < results[j].url })

	var stats pipeline.RunStats
	for _, res := range results {
		stats.Fetches++
		if res.fromCache {
			stats.CacheHits++
		}
		for _, item := range res.items {
			key := slug.Make(item.GUID)
			if key == "" {
				continue
			}
			attrs := map[string]any{
				"title":       item.Title,
				"url":         item.Link,
				"description": item.Description,
				"source_feed": res.url,
			}
			if !item.Published.IsZero() {
				attrs["published_at"] = item.Published.Format(time.RFC3339)
			}
			env.Tx.Upsert(store.VariantPosting, key, attrs)
			stats.Records++
		}
	}
	return stats, nil
}
