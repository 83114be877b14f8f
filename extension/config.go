package extension

import "time"

// Config holds the Paywall extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.paywall" or "paywall" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// IntentTimeout is how long a pending payment may stay unresolved
	// before the sweeper fails it (default: 15m).
	IntentTimeout time.Duration `json:"intent_timeout" mapstructure:"intent_timeout" yaml:"intent_timeout"`

	// SweepInterval is how often stale intents are expired (default: 1m).
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// PollInterval is the provider status polling cadence used while
	// awaiting a payment (default: 2s).
	PollInterval time.Duration `json:"poll_interval" mapstructure:"poll_interval" yaml:"poll_interval"`

	// CacheTTL controls how long profile snapshots are cached before
	// access checks re-read the store (default: 30s).
	CacheTTL time.Duration `json:"cache_ttl" mapstructure:"cache_ttl" yaml:"cache_ttl"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		IntentTimeout: 15 * time.Minute,
		SweepInterval: time.Minute,
		PollInterval:  2 * time.Second,
		CacheTTL:      30 * time.Second,
	}
}
