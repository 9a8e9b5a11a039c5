// Package config implements the recognized configuration surface of
// spec §6: the full option set, defaulting, and the layered-override
// loader (built-in < system config < env < workspace config < runtime
// override).
//
// Grounded on the teacher's internal/config package: Config is a single
// yaml-tagged struct decoded through gopkg.in/yaml.v3 (config.go), with
// $include-resolving raw-map loading and JSON5 support (loader.go) and
// fsnotify-based hot-reload of the workspace file (adapted from
// internal/skills/manager.go's watch loop, the closest the teacher
// comes to watching a config-like document for changes).
package config

import "time"

// Config is the full recognized option set named by spec §6's
// "Configuration" subsection.
type Config struct {
	DataRoot                   string                         `yaml:"data_root"`
	GatewayBind                string                         `yaml:"gateway_bind"`
	GatewayProtocolMin         int                            `yaml:"gateway_protocol_min"`
	GatewayProtocolMax         int                            `yaml:"gateway_protocol_max"`
	DefaultLLMProvider         string                         `yaml:"default_llm_provider"`
	DefaultModel               string                         `yaml:"default_model"`
	ToolPolicyProfile          string                         `yaml:"tool_policy_profile"`
	SandboxEnabled             bool                           `yaml:"sandbox_enabled"`
	SandboxMemoryMB            int                            `yaml:"sandbox_memory_mb"`
	SandboxCPUPct              int                            `yaml:"sandbox_cpu_pct"`
	SandboxTimeoutS            int                            `yaml:"sandbox_timeout_s"`
	CompactionSoftTokenLimit   int                            `yaml:"compaction_soft_token_limit"`
	CompactionTailKeep         int                            `yaml:"compaction_tail_keep"`
	CredentialCooldowns        []int                          `yaml:"credential_cooldowns"`
	PolicyCacheMax             int                            `yaml:"policy_cache_max"`
	PolicyCacheTTLS            int                            `yaml:"policy_cache_ttl_s"`
	QuotaDefaultsPerTier       map[string]map[string]int64    `yaml:"quota_defaults_per_tier"`
	SchedulerPollIntervalMS    int                            `yaml:"scheduler_poll_interval_ms"`
	EventBusSubscriberQueueMax int                            `yaml:"event_bus_subscriber_queue_max"`
	Logging                    LoggingConfig                  `yaml:"logging"`
	Watch                      WatchConfig                    `yaml:"watch"`
}

// LoggingConfig controls the ambient slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
}

// WatchConfig controls hot-reload of the workspace config file.
type WatchConfig struct {
	Enabled     bool `yaml:"enabled"`
	DebounceMs int  `yaml:"debounce_ms"`
}

// Default returns the built-in defaults: the bottom layer of spec §6's
// "built-in < system config < env < workspace config < runtime
// override" chain.
func Default() Config {
	return Config{
		DataRoot:                   "./data",
		GatewayBind:                "0.0.0.0:7420",
		GatewayProtocolMin:         1,
		GatewayProtocolMax:         1,
		DefaultLLMProvider:         "anthropic",
		DefaultModel:               "claude-sonnet-4-5",
		ToolPolicyProfile:          "default",
		SandboxEnabled:             true,
		SandboxMemoryMB:            512,
		SandboxCPUPct:              50,
		SandboxTimeoutS:            30,
		CompactionSoftTokenLimit:   100_000,
		CompactionTailKeep:         20,
		CredentialCooldowns:        []int{60, 300, 1500, 3600},
		PolicyCacheMax:             10_000,
		PolicyCacheTTLS:            300,
		QuotaDefaultsPerTier:       nil,
		SchedulerPollIntervalMS:    1000,
		EventBusSubscriberQueueMax: 256,
		Logging:                    LoggingConfig{Level: "info", Format: "json"},
		Watch:                      WatchConfig{Enabled: false, DebounceMs: 250},
	}
}

// CredentialCooldownDurations converts CredentialCooldowns (seconds) to
// time.Durations, in ladder order.
func (c Config) CredentialCooldownDurations() []time.Duration {
	out := make([]time.Duration, len(c.CredentialCooldowns))
	for i, s := range c.CredentialCooldowns {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}
