package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/sitesync/internal/fingerprint"
	"git.home.luguber.info/inful/sitesync/internal/logfields"
	"git.home.luguber.info/inful/sitesync/internal/retry"
)

// Fetcher performs cached HTTP GETs. A cache hit returns the stored payload
// without touching the network; a miss performs the real fetch (retrying
// transient failures per policy) and populates the cache for the next build.
type Fetcher struct {
	cache  *Cache
	client *http.Client
	policy retry.Policy
}

// NewFetcher wires a Fetcher. A nil client falls back to a default with a
// 30s request timeout.
func NewFetcher(c *Cache, client *http.Client, policy retry.Policy) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{cache: c, client: client, policy: policy}
}

// FetchResult carries a fetched payload and whether it came from the cache.
type FetchResult struct {
	Data        []byte
	ContentType string
	FromCache   bool
}

// Get returns the payload for url under the given fingerprint key.
func (f *Fetcher) Get(ctx context.Context, key fingerprint.Key, url string, ttl time.Duration) (*FetchResult, error) {
	return f.GetWithHeader(ctx, key, url, nil, ttl)
}

// GetWithHeader is Get with extra request headers, for authenticated APIs.
// Headers are not part of the cache key; callers fold credentials-independent
// request identity into the fingerprint instead.
func (f *Fetcher) GetWithHeader(ctx context.Context, key fingerprint.Key, url string, header http.Header, ttl time.Duration) (*FetchResult, error) {
	if entry, ok := f.cache.Get(ctx, key); ok {
		return &FetchResult{Data: entry.Data, ContentType: entry.Meta.ContentType, FromCache: true}, nil
	}

	data, contentType, err := f.fetchWithRetry(ctx, url, header)
	if err != nil {
		return nil, err
	}

	if err := f.cache.Put(ctx, key, data, PutOptions{TTL: ttl, ContentType: contentType, SourceURL: url}); err != nil {
		// Cache population failure must not fail the fetch.
		slog.Warn("Failed to populate cache", logfields.URL(url), logfields.Fingerprint(key.String()), logfields.Error(err))
	}
	return &FetchResult{Data: data, ContentType: contentType}, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, url string, header http.Header) ([]byte, string, error) {
	var lastErr error
	for attempt := 0; attempt <= f.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := f.policy.Delay(attempt)
			slog.Debug("Retrying fetch", logfields.URL(url), "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, "", ctx.Err()
			}
		}

		data, contentType, transient, err := f.fetchOnce(ctx, url, header)
		if err == nil {
			return data, contentType, nil
		}
		lastErr = err
		if !transient || ctx.Err() != nil {
			break
		}
	}
	return nil, "", lastErr
}

// fetchOnce performs a single GET. transient reports whether the failure is
// worth retrying (network errors, 5xx, 429).
func (f *Fetcher) fetchOnce(ctx context.Context, url string, header http.Header) (data []byte, contentType string, transient bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", false, fmt.Errorf("build request: %w", err)
	}
	for name, values := range header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", true, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, "", transient, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", true, fmt.Errorf("read response body: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), false, nil
}
