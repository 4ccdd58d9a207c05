package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitializeDefaults(t *testing.T) {
	cfg, err := Initialize(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 120, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 60, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, 300, cfg.AuthCache.TTLSeconds)
	assert.Equal(t, int64(50000), cfg.LLM.BudgetDefaultCents)
	assert.Equal(t, 1000, cfg.LLM.BaseBackoffMs)
	assert.Equal(t, 2, cfg.Deliberation.Rounds)
	assert.Equal(t, 30000, cfg.Deliberation.AnalysisTimeoutMs)
	assert.True(t, cfg.WipeStrategyAllowed("immediate"))
	assert.False(t, cfg.WipeStrategyAllowed("shredder"))
}

func TestInitializeParsesYAMLWithEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_RL_MAX", "9")

	yaml := `
rate_limit:
  max_requests: ${TEST_RL_MAX}
  window_seconds: ${TEST_RL_WINDOW:-30}
cors:
  allowed_origins: ["https://one.example"]
deliberation:
  rounds: 4
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "swarmshield.yaml"), []byte(yaml), 0o600))

	cfg, err := Initialize(dir)
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.RateLimit.MaxRequests)
	assert.Equal(t, 30, cfg.RateLimit.WindowSeconds)
	assert.Equal(t, []string{"https://one.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 4, cfg.Deliberation.Rounds)
}

func TestInitializeRejectsBadStrategy(t *testing.T) {
	dir := t.TempDir()
	yaml := "ghost_protocol:\n  wipe_strategies: [\"instant\"]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "swarmshield.yaml"), []byte(yaml), 0o600))

	_, err := Initialize(dir)
	assert.Error(t, err)
}

func TestDecodeKeystoreKey(t *testing.T) {
	_, err := DecodeKeystoreKey("")
	assert.Error(t, err)

	_, err = DecodeKeystoreKey("not base64!!")
	assert.Error(t, err)

	key, err := DecodeKeystoreKey("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	require.NoError(t, err)
	assert.Len(t, key, 32)
}
