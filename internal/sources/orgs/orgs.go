// Package orgs loads partner organizations from a spreadsheet CSV export.
// The export is fetched through the cache and normalized into organization
// records keyed by a slug of the organization name.
package orgs

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"

	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/fingerprint"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/slug"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

const (
	stageName    = "fetch_orgs"
	stageVersion = "v1"
)

// Stage fetches and normalizes the organization spreadsheet.
type Stage struct {
	cfg config.OrgsSource
	ttl time.Duration
}

func New(cfg config.OrgsSource, ttl time.Duration) *Stage {
	return &Stage{cfg: cfg, ttl: ttl}
}

func (s *Stage) Name() string           { return stageName }
func (s *Stage) Version() string        { return stageVersion }
func (s *Stage) Dependencies() []string { return nil }
func (s *Stage) OwnedVariants() []store.Variant {
	return []store.Variant{store.VariantOrganization}
}

func (s *Stage) Run(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
	key := fingerprint.New(stageVersion, "orgs-csv", s.cfg.CSVURL)
	res, err := env.Fetcher.Get(ctx, key, s.cfg.CSVURL, s.ttl)
	if err != nil {
		return pipeline.RunStats{}, fmt.Errorf("fetch organizations csv: %w", err)
	}

	stats := pipeline.RunStats{Fetches: 1}
	if res.FromCache {
		stats.CacheHits = 1
	}

	rows, err := parseCSV(res.Data)
	if err != nil {
		return pipeline.RunStats{}, err
	}
	for _, row := range rows {
		name := strings.TrimSpace(row["name"])
		if name == "" {
			continue
		}
		attrs := map[string]any{"name": name}
		for _, col := range []string{"url", "logo", "tier", "note"} {
			if v := strings.TrimSpace(row[col]); v != "" {
				attrs[col] = v
			}
		}
		env.Tx.Upsert(store.VariantOrganization, slug.Make(name), attrs)
		stats.Records++
	}
	return stats, nil
}

// parseCSV reads a header-first CSV export into column-keyed rows. Header
// names are matched case-insensitively because spreadsheet exports are
// hand-edited.
func parseCSV(data []byte) ([]map[string]string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i, col := range header {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
