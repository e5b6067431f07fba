package config

import (
	"fmt"
	"net/url"
	"time"
)

// validateConfig checks the loaded configuration before any command uses it.
// Defaults are applied first, so only user-provided values can fail here.
func validateConfig(cfg *Config) error {
	if err := validateBuild(&cfg.Build); err != nil {
		return err
	}
	if err := validateCache(&cfg.Cache); err != nil {
		return err
	}
	if err := validateSources(&cfg.Sources); err != nil {
		return err
	}
	if cfg.Daemon != nil {
		if _, err := time.ParseDuration(cfg.Daemon.StopTimeout); err != nil {
			return fmt.Errorf("invalid daemon stop_timeout: %s: %w", cfg.Daemon.StopTimeout, err)
		}
	}
	if cfg.Events != nil && cfg.Events.NATSURL == "" {
		return fmt.Errorf("events section present but nats_url is empty")
	}
	return nil
}

func validateBuild(b *BuildConfig) error {
	if b.Parallelism < 1 {
		return fmt.Errorf("invalid parallelism: %d (must be >= 1)", b.Parallelism)
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("invalid max_retries: %d (cannot be negative)", b.MaxRetries)
	}
	switch b.RetryBackoff {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("invalid retry_backoff: %s (allowed: fixed|linear|exponential)", b.RetryBackoff)
	}

	initial, err := time.ParseDuration(b.RetryInitialDelay)
	if err != nil {
		return fmt.Errorf("invalid retry_initial_delay: %s: %w", b.RetryInitialDelay, err)
	}
	maxDelay, err := time.ParseDuration(b.RetryMaxDelay)
	if err != nil {
		return fmt.Errorf("invalid retry_max_delay: %s: %w", b.RetryMaxDelay, err)
	}
	if maxDelay < initial {
		return fmt.Errorf("retry_max_delay (%s) must be >= retry_initial_delay (%s)", b.RetryMaxDelay, b.RetryInitialDelay)
	}

	if b.Timeout != "" {
		if _, err := time.ParseDuration(b.Timeout); err != nil {
			return fmt.Errorf("invalid build timeout: %s: %w", b.Timeout, err)
		}
	}
	return nil
}

func validateCache(c *CacheConfig) error {
	ttl, err := time.ParseDuration(c.TTL)
	if err != nil {
		return fmt.Errorf("invalid cache ttl: %s: %w", c.TTL, err)
	}
	if ttl <= 0 {
		return fmt.Errorf("invalid cache ttl: %s (must be positive)", c.TTL)
	}
	return nil
}

func validateSources(s *SourcesConfig) error {
	if err := validateURL("sources.orgs.csv_url", s.Orgs.CSVURL); err != nil {
		return err
	}
	for i, u := range s.Feeds.URLs {
		if err := validateURL(fmt.Sprintf("sources.feeds.urls[%d]", i), u); err != nil {
			return err
		}
	}
	if s.Feeds.Concurrency < 1 {
		return fmt.Errorf("invalid sources.feeds.concurrency: %d (must be >= 1)", s.Feeds.Concurrency)
	}
	if err := validateURL("sources.members.api_url", s.Members.APIURL); err != nil {
		return err
	}
	if err := validateURL("sources.club.activity_url", s.Club.ActivityURL); err != nil {
		return err
	}
	if s.PageMeta.Enabled && len(s.Feeds.URLs) == 0 {
		return fmt.Errorf("sources.pagemeta.enabled requires sources.feeds.urls")
	}
	if s.PageMeta.MaxPages < 0 {
		return fmt.Errorf("invalid sources.pagemeta.max_pages: %d (cannot be negative)", s.PageMeta.MaxPages)
	}
	return nil
}

// validateURL accepts empty strings so optional sources can stay unset.
func validateURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %s: %w", field, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s: %s (must be http or https)", field, raw)
	}
	return nil
}
