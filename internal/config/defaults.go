package config

// Default storage layout used by the adapter framework.
const (
	DefaultBaseDir       = "/var/lib/csp-billing-adapter"
	DefaultCacheFile     = "cache.json"
	DefaultCSPConfigFile = "csp-config.json"
)

// ApplyDefaults sets sensible default values on the given Config.
// Values already set (non-zero) are not overwritten by YAML unmarshalling
// later, so these serve as the baseline configuration.
func ApplyDefaults(cfg *Config) {
	// --- Log ---
	if cfg.Local.Log.Level == "" {
		cfg.Local.Log.Level = "info"
	}
	if cfg.Local.Log.Format == "" {
		cfg.Local.Log.Format = "text"
	}

	// --- Storage ---
	if cfg.Local.Storage.BaseDir == "" {
		cfg.Local.Storage.BaseDir = DefaultBaseDir
	}
	if cfg.Local.Storage.CacheFile == "" {
		cfg.Local.Storage.CacheFile = DefaultCacheFile
	}
	if cfg.Local.Storage.CSPConfigFile == "" {
		cfg.Local.Storage.CSPConfigFile = DefaultCSPConfigFile
	}

	// --- Usage API ---
	// RetryDelayMillis and MaxRequestsPerSecond stay zero: no wait between
	// attempts and no pacing unless configured.
	if cfg.Local.Usage.TimeoutSeconds == 0 {
		cfg.Local.Usage.TimeoutSeconds = 30
	}
	if cfg.Local.Usage.BurstRequests == 0 {
		cfg.Local.Usage.BurstRequests = 1
	}
}
