package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// LoadOptions selects which layers to apply on top of the built-in
// defaults. Any path left empty skips that layer entirely. Layers are
// applied in spec §6 order: built-in < SystemConfigPath < environment
// variables < WorkspaceConfigPath < Overrides.
type LoadOptions struct {
	SystemConfigPath    string
	WorkspaceConfigPath string
	Overrides           map[string]any
}

// Load builds a Config by merging the layers LoadOptions names over the
// built-in defaults, in spec §6's override order.
func Load(opts LoadOptions) (Config, error) {
	merged := map[string]any{}

	if opts.SystemConfigPath != "" {
		raw, err := LoadRaw(opts.SystemConfigPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: load system config: %w", err)
		}
		merged = mergeMaps(merged, raw)
	}

	merged = mergeMaps(merged, envOverridesRaw())

	if opts.WorkspaceConfigPath != "" {
		raw, err := LoadRaw(opts.WorkspaceConfigPath)
		if err != nil {
			return Config{}, fmt.Errorf("config: load workspace config: %w", err)
		}
		merged = mergeMaps(merged, raw)
	}

	if opts.Overrides != nil {
		merged = mergeMaps(merged, opts.Overrides)
	}

	cfg := Default()
	if len(merged) > 0 {
		decoded, err := decodeRawConfig(merged, cfg)
		if err != nil {
			return Config{}, err
		}
		cfg = decoded
	}
	return cfg, nil
}

// LoadRaw reads a configuration document into a merged raw map,
// resolving $include directives. Grounded on the teacher's
// internal/config/loader.go LoadRaw, unchanged in shape.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	return loadRawRecursive(path, map[string]bool{})
}

func loadRawRecursive(path string, seen map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if seen[absPath] {
		return nil, fmt.Errorf("config: include cycle detected at %s", absPath)
	}
	seen[absPath] = true
	defer delete(seen, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))
	raw, err := parseRawBytes([]byte(expanded), absPath)
	if err != nil {
		return nil, err
	}

	includes, err := extractIncludes(raw)
	if err != nil {
		return nil, err
	}

	merged := map[string]any{}
	if len(includes) > 0 {
		baseDir := filepath.Dir(absPath)
		for _, inc := range includes {
			if strings.TrimSpace(inc) == "" {
				continue
			}
			incPath := inc
			if !filepath.IsAbs(incPath) {
				incPath = filepath.Join(baseDir, incPath)
			}
			incRaw, err := loadRawRecursive(incPath, seen)
			if err != nil {
				return nil, err
			}
			merged = mergeMaps(merged, incRaw)
		}
	}

	merged = mergeMaps(merged, raw)
	return merged, nil
}

func parseRawBytes(data []byte, pathHint string) (map[string]any, error) {
	format := strings.ToLower(filepath.Ext(pathHint))
	if format == ".json" || format == ".json5" {
		var raw map[string]any
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		if raw == nil {
			raw = map[string]any{}
		}
		return raw, nil
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	var raw map[string]any
	if err := decoder.Decode(&raw); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config: expected a single document")
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func extractIncludes(raw map[string]any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var includeVal any
	if val, ok := raw[includeKey]; ok {
		includeVal = val
		delete(raw, includeKey)
	} else if val, ok := raw["include"]; ok {
		includeVal = val
		delete(raw, "include")
	}
	if includeVal == nil {
		return nil, nil
	}

	switch typed := includeVal.(type) {
	case string:
		return []string{typed}, nil
	case []string:
		return typed, nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			value, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("config: include entries must be strings")
			}
			paths = append(paths, value)
		}
		return paths, nil
	default:
		return nil, fmt.Errorf("config: include must be a string or list of strings")
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for key, value := range src {
		if valueMap, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, valueMap)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig decodes merged on top of base by round-tripping it
// through YAML, the same re-marshal-then-strict-decode approach the
// teacher's decodeRawConfig uses so the raw map's nested structure
// lines up with Config's yaml tags without hand-written field copying.
func decodeRawConfig(merged map[string]any, base Config) (Config, error) {
	payload, err := yaml.Marshal(base)
	if err != nil {
		return Config{}, fmt.Errorf("config: serialize base: %w", err)
	}
	var baseRaw map[string]any
	if err := yaml.Unmarshal(payload, &baseRaw); err != nil {
		return Config{}, fmt.Errorf("config: re-decode base: %w", err)
	}
	merged = mergeMaps(baseRaw, merged)

	finalPayload, err := yaml.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("config: serialize merged: %w", err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(finalPayload))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return Config{}, fmt.Errorf("config: expected a single document")
	}
	return cfg, nil
}

// envOverridesRaw builds the environment-variable layer. Grounded on
// the teacher's applyEnvOverrides, generalized from a fixed list of
// if-statements into a table, and from NEXUS_* names to CONCLAVE_*.
func envOverridesRaw() map[string]any {
	raw := map[string]any{}
	setString := func(key, env string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			raw[key] = v
		}
	}
	setInt := func(key, env string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				raw[key] = parsed
			}
		}
	}
	setBool := func(key, env string) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			if parsed, err := strconv.ParseBool(v); err == nil {
				raw[key] = parsed
			}
		}
	}

	setString("data_root", "CONCLAVE_DATA_ROOT")
	setString("gateway_bind", "CONCLAVE_GATEWAY_BIND")
	setInt("gateway_protocol_min", "CONCLAVE_GATEWAY_PROTOCOL_MIN")
	setInt("gateway_protocol_max", "CONCLAVE_GATEWAY_PROTOCOL_MAX")
	setString("default_llm_provider", "CONCLAVE_DEFAULT_LLM_PROVIDER")
	setString("default_model", "CONCLAVE_DEFAULT_MODEL")
	setString("tool_policy_profile", "CONCLAVE_TOOL_POLICY_PROFILE")
	setBool("sandbox_enabled", "CONCLAVE_SANDBOX_ENABLED")
	setInt("sandbox_memory_mb", "CONCLAVE_SANDBOX_MEMORY_MB")
	setInt("sandbox_cpu_pct", "CONCLAVE_SANDBOX_CPU_PCT")
	setInt("sandbox_timeout_s", "CONCLAVE_SANDBOX_TIMEOUT_S")
	setInt("policy_cache_max", "CONCLAVE_POLICY_CACHE_MAX")
	setInt("policy_cache_ttl_s", "CONCLAVE_POLICY_CACHE_TTL_S")
	setInt("scheduler_poll_interval_ms", "CONCLAVE_SCHEDULER_POLL_INTERVAL_MS")
	setInt("event_bus_subscriber_queue_max", "CONCLAVE_EVENT_BUS_SUBSCRIBER_QUEUE_MAX")

	if raw["logging"] == nil {
		if lvl := strings.TrimSpace(os.Getenv("CONCLAVE_LOG_LEVEL")); lvl != "" {
			raw["logging"] = map[string]any{"level": lvl}
		}
	}
	return raw
}
