package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	v.Set("adguard.password", "secret")
	return v
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(newViper(t))
	require.NoError(t, err)
	assert.Equal(t, ProviderAdGuard, cfg.Provider)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5*time.Second, cfg.Sync.Debounce)
	assert.InDelta(t, 0.8, cfg.Sync.SafetyThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "/app/data/managed_rules.json", cfg.Store.Path)
	assert.Equal(t, 5, cfg.Store.MaxBackups)
	assert.Equal(t, 8080, cfg.Health.Port)
	assert.Equal(t, 5*time.Second, cfg.ShutdownGrace)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "60")
	t.Setenv("APP_CHANGE_WAIT_TIME", "2s")
	t.Setenv("ADGUARD_SAFETY_THRESHOLD", "0.5")
	t.Setenv("DB_MAX_BACKUPS", "10")
	t.Setenv("APP_HEALTH_SERVER_PORT", "9090")

	cfg, err := Load(newViper(t))
	require.NoError(t, err)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 2*time.Second, cfg.Sync.Debounce)
	assert.InDelta(t, 0.5, cfg.Sync.SafetyThreshold, 1e-9)
	assert.Equal(t, 10, cfg.Store.MaxBackups)
	assert.Equal(t, 9090, cfg.Health.Port)
}

func TestValidationRanges(t *testing.T) {
	cases := map[string]struct {
		key   string
		value any
	}{
		"interval too short":  {"sync.interval", "1s"},
		"interval too long":   {"sync.interval", "2h"},
		"debounce too long":   {"sync.debounce", "61s"},
		"threshold too low":   {"sync.safety_threshold", 0.05},
		"threshold too high":  {"sync.safety_threshold", 1.5},
		"retries zero":        {"retry.max_attempts", 0},
		"retries too many":    {"retry.max_attempts", 11},
		"backups zero":        {"store.max_backups", 0},
		"privileged port":     {"health.port", 80},
		"grace too long":      {"shutdown.grace", "31s"},
		"empty store path":    {"store.path", " "},
		"bad provider":        {"provider", "bind"},
		"bad log level":       {"log.level", "loud"},
		"bad duration":        {"retry.delay", "soon"},
		"verify without port": {"verify.server", "10.0.0.53"},
		"non numeric backups": {"store.max_backups", "many"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			v := newViper(t)
			v.Set(tc.key, tc.value)
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}

func TestProviderCredentialsRequired(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	_, err := Load(v)
	assert.ErrorContains(t, err, "ADGUARD_PASSWORD")

	v.Set("provider", "cloudflare")
	v.Set("cloudflare.token", "tok")
	_, err = Load(v)
	assert.ErrorContains(t, err, "CLOUDFLARE_ZONE")

	v.Set("cloudflare.zone", "example.com")
	_, err = Load(v)
	assert.NoError(t, err)
}

func TestArchiveRequiresEndpoint(t *testing.T) {
	v := newViper(t)
	v.Set("archive.enabled", true)
	_, err := Load(v)
	assert.Error(t, err)

	v.Set("archive.endpoint", "minio:9000")
	v.Set("archive.bucket", "backups")
	v.Set("archive.access_key", "ak")
	v.Set("archive.secret_key", "sk")
	_, err = Load(v)
	assert.NoError(t, err)
}

func TestReadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 2m\nstore:\n  max_backups: 7\n"), 0o644))

	v := newViper(t)
	require.NoError(t, ReadFile(v, path))
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 7, cfg.Store.MaxBackups)

	assert.Error(t, ReadFile(viper.New(), filepath.Join(dir, "missing.yaml")))
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = parseDuration("1.5")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = parseDuration("250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = parseDuration("")
	assert.Error(t, err)
}

func TestLoadStateIgnoresProviderSettings(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("provider", "cloudflare")

	_, err := Load(v)
	require.Error(t, err)

	cfg, err := LoadState(v)
	require.NoError(t, err)
	assert.Equal(t, "/app/data/managed_rules.json", cfg.Store.Path)

	v.Set("store.max_backups", 0)
	_, err = LoadState(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.max_backups")

	v.Set("store.max_backups", 5)
	v.Set("archive.enabled", true)
	_, err = LoadState(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive.endpoint")
}
