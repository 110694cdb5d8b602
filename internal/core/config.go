package core

import "time"

// Defaults applied by EngineConfig.Normalize to zero-valued fields.
const (
	DefaultWarmCount          = 3
	DefaultMaxPoolSize        = 5
	DefaultMemoryLimitMB      = 128
	DefaultExecutionTimeoutMS = 5000
	DefaultMaxCapabilityCalls = 100
	DefaultMaxScriptSizeKB    = 256
)

// EngineConfig holds runtime configuration for the execution engine.
// Values are fixed per deployment; Request may narrow the time and memory
// budgets for a single run.
type EngineConfig struct {
	WarmCount          int  `envconfig:"WARM_COUNT" default:"3"`              // isolates created at startup
	MaxPoolSize        int  `envconfig:"MAX_POOL_SIZE" default:"5"`           // idle isolates kept for reuse
	MemoryLimitMB      int  `envconfig:"MEMORY_LIMIT_MB" default:"128"`       // per-isolate heap ceiling
	ExecutionTimeout   int  `envconfig:"EXECUTION_TIMEOUT_MS" default:"5000"` // milliseconds before a run is terminated
	MaxCapabilityCalls int  `envconfig:"MAX_CAPABILITY_CALLS" default:"100"`  // capability calls per run, <0 for unlimited
	CapabilityTimeout  int  `envconfig:"CAPABILITY_TIMEOUT_MS" default:"0"`   // per-call handler timeout, 0 uses the run budget
	MaxLogEntries      int  `envconfig:"MAX_LOG_ENTRIES" default:"1000"`
	MaxLogMessageSize  int  `envconfig:"MAX_LOG_MESSAGE_SIZE" default:"4096"`
	MaxScriptSizeKB    int  `envconfig:"MAX_SCRIPT_SIZE_KB" default:"256"`
	NoLogFallback      bool `envconfig:"NO_LOG_FALLBACK" default:"false"` // report an empty output instead of the last log line
}

// Normalize returns a copy of c with zero values replaced by defaults and
// WarmCount clamped to MaxPoolSize.
func (c EngineConfig) Normalize() EngineConfig {
	if c.MaxPoolSize <= 0 {
		c.MaxPoolSize = DefaultMaxPoolSize
	}
	if c.WarmCount < 0 {
		c.WarmCount = 0
	}
	if c.WarmCount > c.MaxPoolSize {
		c.WarmCount = c.MaxPoolSize
	}
	if c.MemoryLimitMB <= 0 {
		c.MemoryLimitMB = DefaultMemoryLimitMB
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeoutMS
	}
	if c.MaxCapabilityCalls == 0 {
		c.MaxCapabilityCalls = DefaultMaxCapabilityCalls
	}
	if c.CapabilityTimeout < 0 {
		c.CapabilityTimeout = 0
	}
	if c.MaxLogEntries <= 0 {
		c.MaxLogEntries = MaxLogEntries
	}
	if c.MaxLogMessageSize <= 0 {
		c.MaxLogMessageSize = MaxLogMessageSize
	}
	if c.MaxScriptSizeKB <= 0 {
		c.MaxScriptSizeKB = DefaultMaxScriptSizeKB
	}
	return c
}

// Timeout returns the execution budget as a duration.
func (c EngineConfig) Timeout() time.Duration {
	return time.Duration(c.ExecutionTimeout) * time.Millisecond
}

// CallTimeout returns the per-call handler timeout, or 0 when handlers are
// bounded only by the run budget.
func (c EngineConfig) CallTimeout() time.Duration {
	return time.Duration(c.CapabilityTimeout) * time.Millisecond
}
