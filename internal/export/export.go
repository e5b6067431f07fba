// Package export writes per-variant JSON files for the static-site
// generator. Each file carries a partial flag so the generator can tell
// last-known-good data apart from freshly synced data.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

// File describes one written export file.
type File struct {
	Variant store.Variant
	Path    string
	Records int
	Partial bool
}

// document is the on-disk shape of one variant export.
type document struct {
	Variant     store.Variant  `json:"variant"`
	GeneratedAt time.Time      `json:"generated_at"`
	Partial     bool           `json:"partial"` // owner stage did not succeed in its last run
	Records     []store.Record `json:"records"`
}

// Write exports every variant owned by a stage in the graph. A variant is
// flagged partial when its owning stage's latest run failed or was blocked:
// the records are still the last known good data, just not fresh.
func Write(ctx context.Context, st *store.Store, graph *pipeline.Graph, dir string) ([]File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	var files []File
	for _, desc := range graph.Descriptors() {
		for _, variant := range desc.OwnedVariants {
			f, err := writeVariant(ctx, st, desc.Name, variant, dir)
			if err != nil {
				return files, err
			}
			files = append(files, *f)
		}
	}
	return files, nil
}

func writeVariant(ctx context.Context, st *store.Store, owner string, variant store.Variant, dir string) (*File, error) {
	records, err := st.Query(ctx, variant, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s records: %w", variant, err)
	}
	if records == nil {
		records = []store.Record{}
	}

	partial := false
	if run, err := st.LatestRun(ctx, owner); err != nil {
		return nil, fmt.Errorf("read run history for %s: %w", owner, err)
	} else if run != nil && (run.Outcome == store.OutcomeFailed || run.Outcome == store.OutcomeBlocked) {
		partial = true
	}

	doc := document{
		Variant:     variant,
		GeneratedAt: time.Now().UTC(),
		Partial:     partial,
		Records:     records,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal %s export: %w", variant, err)
	}

	path := filepath.Join(dir, string(variant)+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write %s export: %w", variant, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("finalize %s export: %w", variant, err)
	}

	return &File{Variant: variant, Path: path, Records: len(records), Partial: partial}, nil
}
