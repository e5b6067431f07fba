// Package members syncs community members from the payment provider's JSON
// API. Emails never land in the store as-is: the natural key is a truncated
// hash of the normalized address, and the stored attributes carry only
// non-identifying subscription facts plus the display name.
package members

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/fingerprint"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

const (
	stageName    = "fetch_members"
	stageVersion = "v1"
)

// Stage fetches the member listing.
type Stage struct {
	cfg config.MembersSource
	ttl time.Duration
}

func New(cfg config.MembersSource, ttl time.Duration) *Stage {
	return &Stage{cfg: cfg, ttl: ttl}
}

func (s *Stage) Name() string                   { return stageName }
func (s *Stage) Version() string                { return stageVersion }
func (s *Stage) Dependencies() []string         { return nil }
func (s *Stage) OwnedVariants() []store.Variant { return []store.Variant{store.VariantMember} }

type memberListing struct {
	Members []memberEntry `json:"members"`
}

type memberEntry struct {
	Email  string `json:"email"`
	Name   string `json:"name"`
	Plan   string `json:"plan"`
	Active bool   `json:"active"`
	Since  string `json:"since"`
}

func (s *Stage) Run(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
	key := fingerprint.New(stageVersion, "members", s.cfg.APIURL)
	var header http.Header
	if s.cfg.Token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + s.cfg.Token}}
	}
	res, err := env.Fetcher.GetWithHeader(ctx, key, s.cfg.APIURL, header, s.ttl)
	if err != nil {
		return pipeline.RunStats{}, fmt.Errorf("fetch members: %w", err)
	}

	stats := pipeline.RunStats{Fetches: 1}
	if res.FromCache {
		stats.CacheHits = 1
	}

	var listing memberListing
	if err := json.Unmarshal(res.Data, &listing); err != nil {
		return pipeline.RunStats{}, fmt.Errorf("parse member listing: %w", err)
	}

	for _, m := range listing.Members {
		emailKey := EmailKey(m.Email)
		if emailKey == "" {
			continue
		}
		attrs := map[string]any{
			"name":   strings.TrimSpace(m.Name),
			"active": m.Active,
		}
		if m.Plan != "" {
			attrs["plan"] = m.Plan
		}
		if m.Since != "" {
			attrs["since"] = m.Since
		}
		env.Tx.Upsert(store.VariantMember, emailKey, attrs)
		stats.Records++
	}
	return stats, nil
}

// EmailKey hashes a normalized email address into a stable natural key.
// Case and surrounding whitespace do not change the key.
func EmailKey(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:8])
}
