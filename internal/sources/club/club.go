// Package club syncs community events from the chat platform's activity
// summary endpoint.
package club

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/fingerprint"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/slug"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

const (
	stageName    = "fetch_club"
	stageVersion = "v1"
)

// Stage fetches the activity summary.
type Stage struct {
	cfg config.ClubSource
	ttl time.Duration
}

func New(cfg config.ClubSource, ttl time.Duration) *Stage {
	return &Stage{cfg: cfg, ttl: ttl}
}

func (s *Stage) Name() string                   { return stageName }
func (s *Stage) Version() string                { return stageVersion }
func (s *Stage) Dependencies() []string         { return nil }
func (s *Stage) OwnedVariants() []store.Variant { return []store.Variant{store.VariantEvent} }

type activitySummary struct {
	Events []activityEvent `json:"events"`
}

type activityEvent struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	StartsAt  string `json:"starts_at"`
	URL       string `json:"url"`
	Attendees int    `json:"attendees"`
	Recording string `json:"recording_url"`
}

func (s *Stage) Run(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
	key := fingerprint.New(stageVersion, "club-activity", s.cfg.ActivityURL)
	res, err := env.Fetcher.Get(ctx, key, s.cfg.ActivityURL, s.ttl)
	if err != nil {
		return pipeline.RunStats{}, fmt.Errorf("fetch club activity: %w", err)
	}

	stats := pipeline.RunStats{Fetches: 1}
	if res.FromCache {
		stats.CacheHits = 1
	}

	var summary activitySummary
	if err := json.Unmarshal(res.Data, &summary); err != nil {
		return pipeline.RunStats{}, fmt.Errorf("parse club activity: %w", err)
	}

	for _, ev := range summary.Events {
		naturalKey := eventKey(ev)
		if naturalKey == "" {
			continue
		}
		attrs := map[string]any{
			"title":     strings.TrimSpace(ev.Title),
			"attendees": ev.Attendees,
		}
		if ev.StartsAt != "" {
			attrs["starts_at"] = ev.StartsAt
		}
		if ev.URL != "" {
			attrs["url"] = ev.URL
		}
		if ev.Recording != "" {
			attrs["recording_url"] = ev.Recording
		}
		env.Tx.Upsert(store.VariantEvent, naturalKey, attrs)
		stats.Records++
	}
	return stats, nil
}

// eventKey prefers the platform event ID; events announced before the
// platform assigned one fall back to a title slug.
func eventKey(ev activityEvent) string {
	if id := strings.TrimSpace(ev.ID); id != "" {
		return slug.Make(id)
	}
	return slug.Make(ev.Title)
}
