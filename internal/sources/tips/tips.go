// Package tips loads community tips from a local markdown directory. Each
// .md file becomes one tip record: the first heading is the title, the body
// renders to HTML.
package tips

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/slug"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

const (
	stageName    = "fetch_tips"
	stageVersion = "v1"
)

// Stage loads tips from disk; it performs no network fetches.
type Stage struct {
	cfg config.TipsSource
}

func New(cfg config.TipsSource) *Stage {
	return &Stage{cfg: cfg}
}

func (s *Stage) Name() string                   { return stageName }
func (s *Stage) Version() string                { return stageVersion }
func (s *Stage) Dependencies() []string         { return nil }
func (s *Stage) OwnedVariants() []store.Variant { return []store.Variant{store.VariantTip} }

func (s *Stage) Run(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return pipeline.RunStats{}, fmt.Errorf("read tips directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var stats pipeline.RunStats
	for _, name := range names {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		body, err := os.ReadFile(filepath.Join(s.cfg.Dir, name))
		if err != nil {
			return stats, fmt.Errorf("read tip %s: %w", name, err)
		}
		tip, err := parseTip(body)
		if err != nil {
			return stats, fmt.Errorf("tip %s: %w", name, err)
		}

		key := slug.Make(strings.TrimSuffix(name, ".md"))
		env.Tx.Upsert(store.VariantTip, key, map[string]any{
			"title":       tip.Title,
			"html":        tip.HTML,
			"source_file": name,
		})
		stats.Records++
	}
	return stats, nil
}

type tip struct {
	Title string
	HTML  string
}

// parseTip extracts the first heading as the title and renders the whole
// document to HTML.
func parseTip(body []byte) (*tip, error) {
	md := goldmark.New()

	root := md.Parser().Parse(text.NewReader(body))
	title := firstHeading(root, body)
	if title == "" {
		return nil, fmt.Errorf("no heading found")
	}

	var buf bytes.Buffer
	if err := md.Convert(body, &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return &tip{Title: title, HTML: buf.String()}, nil
}

func firstHeading(root gmast.Node, body []byte) string {
	var title string
	_ = gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		if h, ok := n.(*gmast.Heading); ok {
			var b strings.Builder
			for c := h.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*gmast.Text); ok {
					b.Write(t.Segment.Value(body))
				}
			}
			title = strings.TrimSpace(b.String())
			return gmast.WalkStop, nil
		}
		return gmast.WalkContinue, nil
	})
	return title
}
