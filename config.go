package sandbox

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"

	"github.com/cryguy/sandbox/internal/core"
)

// Config holds the deployment configuration of an Engine. It is read from
// SANDBOX_* environment variables by LoadConfig.
type Config = core.EngineConfig

// envPrefix namespaces every configuration variable.
const envPrefix = "SANDBOX"

// LoadConfig reads the configuration from the environment, falling back to
// the defaults for unset variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg.Normalize(), nil
}

// LoadConfigOrDefault loads the configuration from the environment or
// returns the defaults if it is malformed.
func LoadConfigOrDefault() Config {
	cfg, err := LoadConfig()
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		WarmCount:          core.DefaultWarmCount,
		MaxPoolSize:        core.DefaultMaxPoolSize,
		MemoryLimitMB:      core.DefaultMemoryLimitMB,
		ExecutionTimeout:   core.DefaultExecutionTimeoutMS,
		MaxCapabilityCalls: core.DefaultMaxCapabilityCalls,
		MaxLogEntries:      core.MaxLogEntries,
		MaxLogMessageSize:  core.MaxLogMessageSize,
		MaxScriptSizeKB:    core.DefaultMaxScriptSizeKB,
	}
}
