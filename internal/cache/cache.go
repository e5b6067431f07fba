// Package cache provides a content-addressed store of previously fetched
// external resources. Entries are keyed by request fingerprints (see
// internal/fingerprint), so a stage version bump changes the keys and stale
// entries are simply never read again.
//
// The cache is a cost optimization only: every read path degrades to a miss
// on storage trouble, and the content store must come out identical whether
// the cache was warm, cold, or broken.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.home.luguber.info/inful/sitesync/internal/fingerprint"
)

// Meta describes a cached payload. It is persisted as a JSON sidecar next to
// the payload file.
type Meta struct {
	FetchedAt   time.Time `json:"fetched_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"` // zero = never expires
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size"`
	SourceURL   string    `json:"source_url,omitempty"`
}

// Entry is a cached payload with its metadata.
type Entry struct {
	Key  fingerprint.Key
	Data []byte
	Meta Meta
}

// PutOptions control how an entry is stored.
type PutOptions struct {
	TTL         time.Duration // zero = never expires
	ContentType string
	SourceURL   string
}

// Stats summarizes cache contents.
type Stats struct {
	Entries int
	Bytes   int64
	Expired int
}

// Cache is a filesystem-backed implementation using a content-addressable
// layout:
//
//	<base>/
//	  objects/
//	    ab/
//	      cdef01... (first 2 chars = subdir, rest = filename)
//	      cdef01....meta.json
type Cache struct {
	basePath string
	mu       sync.RWMutex
	now      func() time.Time
}

// New creates a filesystem cache rooted at basePath.
func New(basePath string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(basePath, "objects"), 0o750); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	return &Cache{basePath: basePath, now: time.Now}, nil
}

// Get returns the entry for key, or ok=false on a miss. Expired entries are
// misses. Storage failures are logged and reported as misses, never as
// errors: a broken cache must degrade to cold-cache behavior.
func (c *Cache) Get(ctx context.Context, key fingerprint.Key) (*Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.entryPath(key)
	// #nosec G304 - path is internal, constructed from the hex fingerprint
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Cache read failed, treating as miss", "key", key, "error", err)
		}
		return nil, false
	}

	meta, err := c.readMeta(key)
	if err != nil {
		// Without metadata the expiry is unknown; safer to refetch.
		slog.Warn("Cache metadata unreadable, treating as miss", "key", key, "error", err)
		return nil, false
	}

	if !meta.ExpiresAt.IsZero() && c.now().After(meta.ExpiresAt) {
		return nil, false
	}

	return &Entry{Key: key, Data: data, Meta: meta}, true
}

// Put stores a payload under key. An existing entry is overwritten; the write
// is atomic per key (temp file + rename) so concurrent readers never observe
// a torn payload.
func (c *Cache) Put(ctx context.Context, key fingerprint.Key, data []byte, opts PutOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.entryPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create entry directory: %w", err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	meta := Meta{
		FetchedAt:   c.now(),
		ContentType: opts.ContentType,
		Size:        int64(len(data)),
		SourceURL:   opts.SourceURL,
	}
	if opts.TTL > 0 {
		meta.ExpiresAt = meta.FetchedAt.Add(opts.TTL)
	}
	if err := c.writeMeta(key, meta); err != nil {
		return fmt.Errorf("write entry metadata: %w", err)
	}
	return nil
}

// Invalidate removes an entry. Removing a missing entry is not an error.
func (c *Cache) Invalidate(ctx context.Context, key fingerprint.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.entryPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove entry: %w", err)
	}
	_ = os.Remove(c.metaPath(key)) // best effort
	_ = os.Remove(filepath.Dir(path))
	return nil
}

// GC removes expired entries and returns how many were removed.
func (c *Cache) GC(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	err := c.walkKeys(func(key fingerprint.Key) error {
		meta, err := c.readMeta(key)
		if err != nil {
			return nil // unreadable meta is handled as a miss at read time
		}
		if !meta.ExpiresAt.IsZero() && c.now().After(meta.ExpiresAt) {
			if err := os.Remove(c.entryPath(key)); err != nil && !os.IsNotExist(err) {
				return err
			}
			_ = os.Remove(c.metaPath(key))
			removed++
		}
		return nil
	})
	return removed, err
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	err := c.walkKeys(func(key fingerprint.Key) error {
		if err := os.Remove(c.entryPath(key)); err != nil && !os.IsNotExist(err) {
			return err
		}
		_ = os.Remove(c.metaPath(key))
		removed++
		return nil
	})
	return removed, err
}

// Stats reports entry count, total payload bytes and how many entries are
// already past their expiry.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var st Stats
	err := c.walkKeys(func(key fingerprint.Key) error {
		info, err := os.Stat(c.entryPath(key))
		if err != nil {
			return nil
		}
		st.Entries++
		st.Bytes += info.Size()
		if meta, err := c.readMeta(key); err == nil {
			if !meta.ExpiresAt.IsZero() && c.now().After(meta.ExpiresAt) {
				st.Expired++
			}
		}
		return nil
	})
	return st, err
}

func (c *Cache) walkKeys(fn func(fingerprint.Key) error) error {
	objectsDir := filepath.Join(c.basePath, "objects")
	return filepath.Walk(objectsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".meta.json") {
			return nil
		}
		rel, err := filepath.Rel(objectsDir, path)
		if err != nil {
			return nil
		}
		key := fingerprint.Key(strings.ReplaceAll(rel, string(filepath.Separator), ""))
		return fn(key)
	})
}

func (c *Cache) entryPath(key fingerprint.Key) string {
	k := string(key)
	if len(k) < 2 {
		return filepath.Join(c.basePath, "objects", k)
	}
	return filepath.Join(c.basePath, "objects", k[:2], k[2:])
}

func (c *Cache) metaPath(key fingerprint.Key) string {
	return c.entryPath(key) + ".meta.json"
}

func (c *Cache) readMeta(key fingerprint.Key) (Meta, error) {
	// #nosec G304 - path is internal, constructed from the hex fingerprint
	data, err := os.ReadFile(c.metaPath(key))
	if err != nil {
		return Meta{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return meta, nil
}

func (c *Cache) writeMeta(key fingerprint.Key, meta Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return writeFileAtomic(c.metaPath(key), data)
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
