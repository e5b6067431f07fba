// Package config loads the sitesync configuration file. Environment
// variables referenced as ${VAR} in the YAML are expanded before unmarshal,
// and a .env file next to the working directory is loaded first so secrets
// stay out of the config file itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/sitesync/internal/retry"
)

// Config is the top-level configuration for all sitesync commands.
type Config struct {
	Store   StoreConfig   `yaml:"store"`
	Cache   CacheConfig   `yaml:"cache"`
	Build   BuildConfig   `yaml:"build,omitempty"`
	Daemon  *DaemonConfig `yaml:"daemon,omitempty"`
	Events  *EventsConfig `yaml:"events,omitempty"`
	Sources SourcesConfig `yaml:"sources"`
	Export  ExportConfig  `yaml:"export,omitempty"`
}

// StoreConfig locates the SQLite content store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig locates the fetch cache and sets its default entry lifetime.
type CacheConfig struct {
	Dir string `yaml:"dir"`
	TTL string `yaml:"ttl,omitempty"` // duration string (default 24h)
}

// TTLDuration returns the parsed TTL. Load validates the string, so parse
// errors here mean the config was mutated after loading.
func (c CacheConfig) TTLDuration() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// BuildConfig holds scheduler tuning knobs and fetch retry options.
type BuildConfig struct {
	Parallelism       int    `yaml:"parallelism,omitempty"`
	Timeout           string `yaml:"timeout,omitempty"` // duration string, empty = none
	MaxRetries        int    `yaml:"max_retries,omitempty"`
	RetryBackoff      string `yaml:"retry_backoff,omitempty"` // fixed|linear|exponential
	RetryInitialDelay string `yaml:"retry_initial_delay,omitempty"`
	RetryMaxDelay     string `yaml:"retry_max_delay,omitempty"`
}

// TimeoutDuration returns the parsed build timeout, zero when unset.
func (b BuildConfig) TimeoutDuration() time.Duration {
	if b.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(b.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// RetryPolicy maps the raw retry fields onto a typed policy. Invalid or
// missing fields fall back to the policy defaults.
func (b BuildConfig) RetryPolicy() retry.Policy {
	initial, _ := time.ParseDuration(b.RetryInitialDelay)
	maxDelay, _ := time.ParseDuration(b.RetryMaxDelay)
	mode := retry.BackoffMode(strings.ToLower(strings.TrimSpace(b.RetryBackoff)))
	return retry.NewPolicy(mode, initial, maxDelay, b.MaxRetries)
}

// DaemonConfig configures scheduled builds.
type DaemonConfig struct {
	Schedule    string `yaml:"schedule"`               // cron expression or @every duration
	MetricsAddr string `yaml:"metrics_addr,omitempty"` // empty disables the metrics endpoint
	StopTimeout string `yaml:"stop_timeout,omitempty"` // grace period for in-flight builds
}

// StopTimeoutDuration returns the parsed stop timeout (default 1m).
func (d DaemonConfig) StopTimeoutDuration() time.Duration {
	t, err := time.ParseDuration(d.StopTimeout)
	if err != nil || t <= 0 {
		return time.Minute
	}
	return t
}

// EventsConfig enables mirroring of lifecycle events to NATS.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject,omitempty"`
}

// SourcesConfig holds per-source settings. A source whose section is absent
// or empty is not registered as a stage.
type SourcesConfig struct {
	Orgs     OrgsSource     `yaml:"orgs,omitempty"`
	Feeds    FeedsSource    `yaml:"feeds,omitempty"`
	PageMeta PageMetaSource `yaml:"pagemeta,omitempty"`
	Members  MembersSource  `yaml:"members,omitempty"`
	Club     ClubSource     `yaml:"club,omitempty"`
	Tips     TipsSource     `yaml:"tips,omitempty"`
}

// OrgsSource points at a spreadsheet CSV export.
type OrgsSource struct {
	CSVURL string `yaml:"csv_url,omitempty"`
}

// FeedsSource lists the RSS/Atom feeds to aggregate.
type FeedsSource struct {
	URLs        []string `yaml:"urls,omitempty"`
	Concurrency int      `yaml:"concurrency,omitempty"`
}

// PageMetaSource enables posting page metadata enrichment.
type PageMetaSource struct {
	Enabled  bool `yaml:"enabled,omitempty"`
	MaxPages int  `yaml:"max_pages,omitempty"` // 0 = no limit
}

// MembersSource points at the payment provider's member listing API.
type MembersSource struct {
	APIURL string `yaml:"api_url,omitempty"`
	Token  string `yaml:"token,omitempty"` // usually ${...} expanded from env
}

// ClubSource points at the chat platform's activity summary endpoint.
type ClubSource struct {
	ActivityURL string `yaml:"activity_url,omitempty"`
}

// TipsSource points at a local markdown directory.
type TipsSource struct {
	Dir string `yaml:"dir,omitempty"`
}

// ExportConfig sets where per-variant JSON exports land.
type ExportConfig struct {
	Dir string `yaml:"dir,omitempty"`
}

// Load reads, expands and validates a configuration file.
func Load(configPath string) (*Config, error) {
	// Load .env if present; missing files are fine.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment variables from .env")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}
