package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := LoadFromEnv()

	assert.Equal(t, 4, cfg.Sync.MaxSyncsPerDay)
	assert.Equal(t, 90, cfg.Sync.LookbackDays)
	assert.Equal(t, "EUR", cfg.Matching.ReferenceCurrency)
	assert.Equal(t, 0.95, cfg.Matching.AutoApproveThreshold)
	assert.Equal(t, 10, cfg.Matching.MaxSuggestions)
	assert.Equal(t, 5, cfg.Matching.MaxReviewSuggestions)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
sync:
  max_syncs_per_day: 2
  lookback_days: 30
matching:
  reference_currency: CHF
  auto_approve_threshold: 0.99
storage:
  database_path: /tmp/test.db
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Sync.MaxSyncsPerDay)
	assert.Equal(t, 30, cfg.Sync.LookbackDays)
	assert.Equal(t, "CHF", cfg.Matching.ReferenceCurrency)
	assert.Equal(t, 0.99, cfg.Matching.AutoApproveThreshold)
	assert.Equal(t, "/tmp/test.db", cfg.Storage.DatabasePath)

	// Untouched sections keep their defaults.
	assert.Equal(t, 10, cfg.Matching.MaxSuggestions)
	assert.Equal(t, 7, cfg.Sync.ConsentWarningDays)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TEST_GC_SECRET", "sk-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
providers:
  gocardless:
    enabled: true
    secret_key: ${TEST_GC_SECRET}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sk-123", cfg.Providers.GoCardless.SecretKey)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BANKSYNC_MAX_SYNCS_PER_DAY", "8")
	t.Setenv("BANKSYNC_DB_PATH", "other.db")

	cfg := LoadFromEnv()
	assert.Equal(t, 8, cfg.Sync.MaxSyncsPerDay)
	assert.Equal(t, "other.db", cfg.Storage.DatabasePath)
}
