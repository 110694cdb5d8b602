package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, 5*time.Second, cfg.Timeout())
	assert.Zero(t, cfg.CallTimeout())
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("SANDBOX_WARM_COUNT", "0")
	t.Setenv("SANDBOX_MAX_POOL_SIZE", "8")
	t.Setenv("SANDBOX_MEMORY_LIMIT_MB", "32")
	t.Setenv("SANDBOX_EXECUTION_TIMEOUT_MS", "750")
	t.Setenv("SANDBOX_MAX_CAPABILITY_CALLS", "-1")
	t.Setenv("SANDBOX_CAPABILITY_TIMEOUT_MS", "200")
	t.Setenv("SANDBOX_NO_LOG_FALLBACK", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.WarmCount)
	assert.Equal(t, 8, cfg.MaxPoolSize)
	assert.Equal(t, 32, cfg.MemoryLimitMB)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeout())
	assert.Equal(t, -1, cfg.MaxCapabilityCalls)
	assert.Equal(t, 200*time.Millisecond, cfg.CallTimeout())
	assert.True(t, cfg.NoLogFallback)
}

func TestLoadConfig_Malformed(t *testing.T) {
	t.Setenv("SANDBOX_MAX_POOL_SIZE", "many")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")

	assert.Equal(t, DefaultConfig(), LoadConfigOrDefault())
}

func TestConfig_NormalizeClampsWarmCount(t *testing.T) {
	cfg := Config{WarmCount: 9, MaxPoolSize: 2}.Normalize()
	assert.Equal(t, 2, cfg.WarmCount)
	assert.Equal(t, 2, cfg.MaxPoolSize)
	assert.Equal(t, DefaultConfig().MemoryLimitMB, cfg.MemoryLimitMB)
}
