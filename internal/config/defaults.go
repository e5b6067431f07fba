package config

// applyDefaults fills unset fields with working defaults so the rest of the
// program never has to re-check for zero values.
func applyDefaults(cfg *Config) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = "sitesync.db"
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = ".sitesync-cache"
	}
	if cfg.Cache.TTL == "" {
		cfg.Cache.TTL = "24h"
	}
	if cfg.Build.Parallelism == 0 {
		cfg.Build.Parallelism = 4
	}
	if cfg.Build.MaxRetries == 0 {
		cfg.Build.MaxRetries = 2
	}
	if cfg.Build.RetryBackoff == "" {
		cfg.Build.RetryBackoff = "linear"
	}
	if cfg.Build.RetryInitialDelay == "" {
		cfg.Build.RetryInitialDelay = "1s"
	}
	if cfg.Build.RetryMaxDelay == "" {
		cfg.Build.RetryMaxDelay = "30s"
	}
	if cfg.Sources.Feeds.Concurrency == 0 {
		cfg.Sources.Feeds.Concurrency = 4
	}
	if cfg.Export.Dir == "" {
		cfg.Export.Dir = "export"
	}
	if cfg.Daemon != nil {
		if cfg.Daemon.Schedule == "" {
			cfg.Daemon.Schedule = "0 */4 * * *"
		}
		if cfg.Daemon.StopTimeout == "" {
			cfg.Daemon.StopTimeout = "1m"
		}
	}
	if cfg.Events != nil && cfg.Events.Subject == "" {
		cfg.Events.Subject = "sitesync.builds"
	}
}
