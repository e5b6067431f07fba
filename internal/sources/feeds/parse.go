package feeds

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
	"time"
)

// Item is one posting entry normalized out of an RSS or Atom feed.
type Item struct {
	GUID        string
	Title       string
	Link        string
	Description string
	Published   time.Time
}

type rssDocument struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	GUID        string `xml:"guid"`
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
}

type atomDocument struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID      string     `xml:"id"`
	Title   string     `xml:"title"`
	Links   []atomLink `xml:"link"`
	Summary string     `xml:"summary"`
	Content string     `xml:"content"`
	Updated string     `xml:"updated"`
}

type atomLink struct {
	Rel  string `xml:"rel,attr"`
	Href string `xml:"href,attr"`
}

// pubDate formats seen in the wild, most to least common.
var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02",
}

// Parse decodes an RSS 2.0 or Atom feed, sniffing the format from the root
// element.
func Parse(data []byte) ([]Item, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	switch root {
	case "rss":
		return parseRSS(data)
	case "feed":
		return parseAtom(data)
	default:
		return nil, fmt.Errorf("parse feed: unsupported root element <%s>", root)
	}
}

func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func parseRSS(data []byte) ([]Item, error) {
	var doc rssDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rss: %w", err)
	}
	items := make([]Item, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		guid := strings.TrimSpace(it.GUID)
		if guid == "" {
			guid = strings.TrimSpace(it.Link)
		}
		if guid == "" {
			continue
		}
		items = append(items, Item{
			GUID:        guid,
			Title:       strings.TrimSpace(it.Title),
			Link:        strings.TrimSpace(it.Link),
			Description: strings.TrimSpace(it.Description),
			Published:   parsePubDate(it.PubDate),
		})
	}
	return items, nil
}

func parseAtom(data []byte) ([]Item, error) {
	var doc atomDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse atom: %w", err)
	}
	items := make([]Item, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		id := strings.TrimSpace(e.ID)
		link := atomAlternateLink(e.Links)
		if id == "" {
			id = link
		}
		if id == "" {
			continue
		}
		desc := strings.TrimSpace(e.Summary)
		if desc == "" {
			desc = strings.TrimSpace(e.Content)
		}
		items = append(items, Item{
			GUID:        id,
			Title:       strings.TrimSpace(e.Title),
			Link:        link,
			Description: desc,
			Published:   parsePubDate(e.Updated),
		})
	}
	return items, nil
}

// atomAlternateLink prefers rel="alternate" (or no rel) over self/related
// links.
func atomAlternateLink(links []atomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	if len(links) > 0 {
		return strings.TrimSpace(links[0].Href)
	}
	return ""
}

// parsePubDate tries known layouts; unparseable dates come back zero rather
// than failing the whole feed.
func parsePubDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
