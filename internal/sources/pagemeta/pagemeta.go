// Package pagemeta enriches postings with metadata scraped from their pages:
// Open Graph tags, the document title, a company name when advertised.
// Enrichment lands in the posting_meta variant keyed like the posting itself,
// so the feeds stage stays the sole writer of postings.
package pagemeta

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/net/html"

	"git.home.luguber.info/inful/sitesync/internal/config"
	"git.home.luguber.info/inful/sitesync/internal/fingerprint"
	"git.home.luguber.info/inful/sitesync/internal/logfields"
	"git.home.luguber.info/inful/sitesync/internal/pipeline"
	"git.home.luguber.info/inful/sitesync/internal/store"
)

const (
	stageName    = "fetch_pagemeta"
	stageVersion = "v1"
)

// Stage scrapes posting pages for metadata.
type Stage struct {
	cfg config.PageMetaSource
	ttl time.Duration
}

func New(cfg config.PageMetaSource, ttl time.Duration) *Stage {
	return &Stage{cfg: cfg, ttl: ttl}
}

func (s *Stage) Name() string           { return stageName }
func (s *Stage) Version() string        { return stageVersion }
func (s *Stage) Dependencies() []string { return []string{"fetch_feeds"} }
func (s *Stage) OwnedVariants() []store.Variant {
	return []store.Variant{store.VariantPostingMeta}
}

// Run walks the postings committed by the feeds stage in this build and
// scrapes each page. Individual page failures are logged and skipped; a job
// board that serves some broken pages should not block the whole site.
func (s *Stage) Run(ctx context.Context, env *pipeline.Env) (pipeline.RunStats, error) {
	postings, err := env.Records.Query(ctx, store.VariantPosting, nil)
	if err != nil {
		return pipeline.RunStats{}, err
	}

	var stats pipeline.RunStats
	for _, posting := range postings {
		if s.cfg.MaxPages > 0 && stats.Fetches >= s.cfg.MaxPages {
			break
		}
		pageURL, _ := posting.Attributes["url"].(string)
		if pageURL == "" {
			continue
		}

		key := fingerprint.New(stageVersion, "page", pageURL)
		res, err := env.Fetcher.Get(ctx, key, pageURL, s.ttl)
		if err != nil {
			slog.Warn("Failed to fetch posting page", logfields.URL(pageURL), logfields.Error(err))
			continue
		}
		stats.Fetches++
		if res.FromCache {
			stats.CacheHits++
		}

		meta := Extract(res.Data)
		if len(meta) == 0 {
			continue
		}
		env.Tx.Upsert(store.VariantPostingMeta, posting.NaturalKey, meta)
		stats.Records++
	}
	return stats, nil
}

// ogProperties are the Open Graph tags worth keeping, mapped to attribute
// names.
var ogProperties = map[string]string{
	"og:title":       "og_title",
	"og:description": "og_description",
	"og:image":       "image",
	"og:site_name":   "company",
}

// Extract pulls interesting metadata out of an HTML document. Returns an
// empty map for documents without any.
func Extract(data []byte) map[string]any {
	meta := map[string]any{}
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return meta
	}

	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					if title := strings.TrimSpace(n.FirstChild.Data); title != "" {
						meta["title"] = title
					}
				}
			case "meta":
				property, content := attr(n, "property"), attr(n, "content")
				if property == "" {
					property = attr(n, "name")
				}
				if key, ok := ogProperties[property]; ok && content != "" {
					meta[key] = content
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return meta
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return strings.TrimSpace(a.Val)
		}
	}
	return ""
}
