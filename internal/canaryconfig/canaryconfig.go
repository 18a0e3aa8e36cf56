// Package canaryconfig loads canary's configuration: a struct tagged for
// YAML, read through viper so CANARY_* environment variables can override
// file settings, with an optional .env seed via godotenv.
package canaryconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ResourceInventory is the typed resource catalog advertised by the pool:
// named types (cpus, gpus, nodes, ...) each with a slot count per node.
type ResourceInventory struct {
	CPUsPerNode int            `yaml:"cpus_per_node" mapstructure:"cpus_per_node"`
	GPUsPerNode int            `yaml:"gpus_per_node" mapstructure:"gpus_per_node"`
	Nodes       int            `yaml:"nodes" mapstructure:"nodes"`
	Extra       map[string]int `yaml:"extra,omitempty" mapstructure:"extra"`
}

// TimeoutConfig implements a cascading lookup: per-keyword CLI override
// (applied by the caller, not stored here), per-keyword config,
// timeout:all, timeout:default.
type TimeoutConfig struct {
	Default  float64            `yaml:"default" mapstructure:"default"`
	All      float64            `yaml:"all,omitempty" mapstructure:"all"`
	Keywords map[string]float64 `yaml:"keywords,omitempty" mapstructure:"keywords"`
}

// Resolve returns the effective timeout for a spec given its keywords and
// its own declared timeout, applying the cascade. cliOverrides takes
// precedence over everything; pass nil when there is none.
func (t TimeoutConfig) Resolve(keywords []string, declared float64, cliOverrides map[string]float64) float64 {
	for _, kw := range keywords {
		if v, ok := cliOverrides[kw]; ok {
			return v
		}
	}
	for _, kw := range keywords {
		if v, ok := t.Keywords[kw]; ok {
			return v
		}
	}
	if t.All > 0 {
		return t.All
	}
	if declared > 0 {
		return declared
	}
	if t.Default > 0 {
		return t.Default
	}
	return 0
}

// BatchConfig selects the scheduler's packing policy.
type BatchConfig struct {
	Scheme   string  `yaml:"scheme" mapstructure:"scheme"` // none|count|isolate|duration
	Count    int     `yaml:"count,omitempty" mapstructure:"count"`
	Duration float64 `yaml:"duration,omitempty" mapstructure:"duration"`
}

// Config is canary's immutable, fully-resolved configuration. It is
// constructed once per invocation and threaded through the pipeline
// explicitly — never stored in a package-level singleton.
type Config struct {
	Resources         ResourceInventory `yaml:"resources" mapstructure:"resources"`
	Timeouts          TimeoutConfig     `yaml:"timeouts" mapstructure:"timeouts"`
	Batch             BatchConfig       `yaml:"batch" mapstructure:"batch"`
	TimeoutMultiplier float64           `yaml:"timeout_multiplier" mapstructure:"timeout_multiplier"`
	DefaultRerun      string            `yaml:"default_rerun" mapstructure:"default_rerun"`
	CopyAllResources  bool              `yaml:"copy_all_resources" mapstructure:"copy_all_resources"`
	ColorWhen         string            `yaml:"color_when" mapstructure:"color_when"`
	HashByteLimit     int64             `yaml:"hash_byte_limit" mapstructure:"hash_byte_limit"`
	InclusiveCaseID   bool              `yaml:"inclusive_case_id" mapstructure:"inclusive_case_id"`
	SerialResolution  bool              `yaml:"serial_spec_resolution" mapstructure:"serial_spec_resolution"`
	UseRunpyLauncher  bool              `yaml:"use_runpy_launcher" mapstructure:"use_runpy_launcher"`

	// ExitCodes are the sentinel child-process exit codes the executor maps
	// into xdiff/skipped/timeout outcomes. Defaults mirror the
	// session-level DIFF=64/SKIP=63 codes so a case's own exit code and its
	// session's aggregate code share meaning.
	ExitCodes ExitCodeConfig `yaml:"exit_codes" mapstructure:"exit_codes"`
}

// ExitCodeConfig holds the configurable sentinel exit codes a launched
// case can use to signal diff/skip/timeout outcomes instead of plain
// pass/fail.
type ExitCodeConfig struct {
	Diff    int `yaml:"diff" mapstructure:"diff"`
	Skip    int `yaml:"skip" mapstructure:"skip"`
	Timeout int `yaml:"timeout" mapstructure:"timeout"`
}

// Default returns canary's built-in defaults, applied before any file or
// environment override is layered on.
func Default() Config {
	return Config{
		Resources:         ResourceInventory{CPUsPerNode: 1, GPUsPerNode: 0, Nodes: 1},
		Timeouts:          TimeoutConfig{Default: 60 * 5},
		Batch:             BatchConfig{Scheme: "none"},
		TimeoutMultiplier: 1.0,
		DefaultRerun:      "not_pass",
		ColorWhen:         "auto",
		HashByteLimit:     1 << 20,
		ExitCodes:         ExitCodeConfig{Diff: 64, Skip: 63, Timeout: 65},
	}
}

// Load reads the workspace configuration from configFile (if non-empty) or
// the default ".canary/config.yaml" search path, applying CANARY_*
// environment overrides on top (viper.AutomaticEnv), after optionally
// seeding process environment from a ".env" file.
func Load(configFile string, loadDotEnv bool) (Config, error) {
	if loadDotEnv {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("loading .env: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix("CANARY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.AddConfigPath(".canary")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	applyWellKnownEnv(&cfg)
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("resources.cpus_per_node", cfg.Resources.CPUsPerNode)
	v.SetDefault("resources.gpus_per_node", cfg.Resources.GPUsPerNode)
	v.SetDefault("resources.nodes", cfg.Resources.Nodes)
	v.SetDefault("timeouts.default", cfg.Timeouts.Default)
	v.SetDefault("batch.scheme", cfg.Batch.Scheme)
	v.SetDefault("timeout_multiplier", cfg.TimeoutMultiplier)
	v.SetDefault("default_rerun", cfg.DefaultRerun)
	v.SetDefault("color_when", cfg.ColorWhen)
	v.SetDefault("hash_byte_limit", cfg.HashByteLimit)
	v.SetDefault("exit_codes.diff", cfg.ExitCodes.Diff)
	v.SetDefault("exit_codes.skip", cfg.ExitCodes.Skip)
	v.SetDefault("exit_codes.timeout", cfg.ExitCodes.Timeout)
}

// applyWellKnownEnv reads a handful of legacy environment variable names
// that aren't naturally namespaced under CANARY_<FIELD> via viper's
// automatic binding, because their names don't map to a nested config key.
func applyWellKnownEnv(cfg *Config) {
	if v := os.Getenv("CANARY_INCLUSIVE_CASE_ID"); v != "" {
		cfg.InclusiveCaseID = truthy(v)
	}
	if v := os.Getenv("CANARY_HASH_BYTE_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.HashByteLimit = n
		}
	}
	if v := os.Getenv("CANARY_SERIAL_SPEC_RESOLUTION"); v != "" {
		cfg.SerialResolution = truthy(v)
	}
	if v := os.Getenv("CANARY_USE_RUNPY_LAUNCHER"); v != "" {
		cfg.UseRunpyLauncher = truthy(v)
	}
	if v := os.Getenv("COLOR_WHEN"); v != "" {
		cfg.ColorWhen = v
	}
}

func truthy(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
