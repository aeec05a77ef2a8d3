package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromPathCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr, "default config file should be created")

	assert.Equal(t, 30, cfg.Health.TTLSeconds)
	assert.Equal(t, 3, cfg.Router.MaxAttempts)
	assert.Equal(t, 5, cfg.Router.DefaultTimeoutSec)
	assert.Zero(t, cfg.Router.MaxHop)
	assert.True(t, cfg.Scheduler.AllowBoosters)
	assert.Equal(t, 1, cfg.Scheduler.ParallelLimits["fast_talk"])
	assert.Equal(t, 4, cfg.Scheduler.ParallelLimits["project"])
	assert.False(t, cfg.Gateway.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromPathReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
registry:
  engines_path: /etc/denis/engines.yaml
  strict: true
router:
  max_attempts: 7
gateway:
  enabled: true
  shadow_mode: true
`), 0o644))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/denis/engines.yaml", cfg.Registry.EnginesPath)
	assert.True(t, cfg.Registry.Strict)
	assert.Equal(t, 7, cfg.Router.MaxAttempts)
	assert.True(t, cfg.Gateway.Enabled)
	assert.True(t, cfg.Gateway.ShadowMode)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router:\n  max_attempts: 2\n"), 0o644))

	t.Setenv("DENIS_ROUTER_MAX_ATTEMPTS", "9")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Router.MaxAttempts)
}

func TestAliasedEnvNamesOverrideFile(t *testing.T) {
	// These knobs keep their historical env names rather than the derived
	// DENIS_<SECTION>_<KEY> scheme.
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
registry:
  strict: false
scheduler:
  allow_boosters: true
gateway:
  enabled: false
router:
  max_hop: 0
logging:
  level: info
`), 0o644))

	t.Setenv("DENIS_STRICT_ENGINE_REGISTRY", "1")
	t.Setenv("DENIS_ALLOW_BOOSTERS", "0")
	t.Setenv("DENIS_ENABLE_INFERENCE_GATEWAY", "1")
	t.Setenv("DENIS_OPENAI_COMPAT_MAX_HOP", "2")
	t.Setenv("DENIS_LOG_LEVEL", "debug")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.True(t, cfg.Registry.Strict)
	assert.False(t, cfg.Scheduler.AllowBoosters)
	assert.True(t, cfg.Gateway.Enabled)
	assert.Equal(t, 2, cfg.Router.MaxHop)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".denis", "data"), expandPath("~/.denis/data"))
	assert.Equal(t, "/var/lib/denis", expandPath("/var/lib/denis"))
}
