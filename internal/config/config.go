// Package config loads the Denis control-plane configuration. Configuration
// is read from ~/.denis/config.yaml merged with DENIS_* environment variables;
// a missing file is created with defaults so a fresh install boots.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all control-plane configuration.
type Config struct {
	Registry  RegistryConfig  `mapstructure:"registry" yaml:"registry"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Router    RouterConfig    `mapstructure:"router" yaml:"router"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Trace     TraceConfig     `mapstructure:"trace" yaml:"trace"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// RegistryConfig locates and gates the engine catalog.
type RegistryConfig struct {
	// EnginesPath is the YAML engine descriptor.
	EnginesPath string `mapstructure:"engines_path" yaml:"engines_path"`

	// Strict makes an unknown provider family a load error
	// (DENIS_STRICT_ENGINE_REGISTRY).
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

// HealthConfig tunes the internet probe.
type HealthConfig struct {
	// TTLSeconds caches the probe result for this long.
	TTLSeconds int `mapstructure:"ttl_seconds" yaml:"ttl_seconds"`
}

// RouterConfig tunes the executor.
type RouterConfig struct {
	// MaxAttempts caps the legacy heuristic chain (DENIS_ROUTER_MAX_ATTEMPTS).
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// DefaultTimeoutSec is the per-attempt timeout when a plan carries none
	// (DENIS_ROUTER_DEFAULT_TIMEOUT_SEC).
	DefaultTimeoutSec int `mapstructure:"default_timeout_sec" yaml:"default_timeout_sec"`

	// MaxHop is the loop-guard maximum (DENIS_OPENAI_COMPAT_MAX_HOP).
	MaxHop int `mapstructure:"max_hop" yaml:"max_hop"`
}

// SchedulerConfig tunes plan assembly.
type SchedulerConfig struct {
	// AllowBoosters permits internet-required engines (DENIS_ALLOW_BOOSTERS).
	AllowBoosters bool `mapstructure:"allow_boosters" yaml:"allow_boosters"`

	// ParallelLimits caps in-flight plans per route type.
	ParallelLimits map[string]int `mapstructure:"parallel_limits" yaml:"parallel_limits"`
}

// GatewayConfig enables the task-profile layer.
type GatewayConfig struct {
	// Enabled turns the gateway on (DENIS_ENABLE_INFERENCE_GATEWAY).
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ShadowMode traces gateway agreement without affecting routing
	// (DENIS_GATEWAY_SHADOW_MODE).
	ShadowMode bool `mapstructure:"shadow_mode" yaml:"shadow_mode"`
}

// TraceConfig locates the decision-graph store.
type TraceConfig struct {
	// DataDir holds the SQLite decision graph.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error (DENIS_LOG_LEVEL).
	Level string `mapstructure:"level" yaml:"level"`

	// Pretty enables the console writer instead of JSON.
	Pretty bool `mapstructure:"pretty" yaml:"pretty"`
}

// Default returns the baked-in configuration.
func Default() *Config {
	return &Config{
		Registry: RegistryConfig{
			EnginesPath: "~/.denis/engines.yaml",
			Strict:      false,
		},
		Health: HealthConfig{TTLSeconds: 30},
		Router: RouterConfig{
			MaxAttempts:       3,
			DefaultTimeoutSec: 5,
			MaxHop:            0,
		},
		Scheduler: SchedulerConfig{
			AllowBoosters: true,
			ParallelLimits: map[string]int{
				"fast_talk": 1,
				"project":   4,
			},
		},
		Gateway: GatewayConfig{Enabled: false, ShadowMode: false},
		Trace:   TraceConfig{DataDir: "~/.denis/data"},
		Logging: LoggingConfig{Level: "info", Pretty: false},
	}
}

// Load reads configuration from ~/.denis/config.yaml merged with DENIS_*
// environment variables. A missing file is created with defaults.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".denis", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file, creating it with
// defaults when absent.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// DENIS_ROUTER_MAX_ATTEMPTS overrides router.max_attempts, and so on.
	v.SetEnvPrefix("DENIS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys whose documented env names do not follow the section_key scheme.
	v.BindEnv("registry.strict", "DENIS_STRICT_ENGINE_REGISTRY")
	v.BindEnv("scheduler.allow_boosters", "DENIS_ALLOW_BOOSTERS")
	v.BindEnv("gateway.enabled", "DENIS_ENABLE_INFERENCE_GATEWAY")
	v.BindEnv("router.max_hop", "DENIS_OPENAI_COMPAT_MAX_HOP")
	v.BindEnv("logging.level", "DENIS_LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Registry.EnginesPath = expandPath(cfg.Registry.EnginesPath)
	cfg.Trace.DataDir = expandPath(cfg.Trace.DataDir)

	return &cfg, nil
}

// writeConfigFile persists a config as YAML.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// expandPath resolves a leading tilde against the home directory.
func expandPath(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~"))
}
