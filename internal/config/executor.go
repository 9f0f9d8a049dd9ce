package config

// ExecutorConfig configures the inference executor.
type ExecutorConfig struct {
	// DefaultTimeout bounds one backend call, as a duration string.
	DefaultTimeout string `yaml:"default_timeout"`

	// MaxFallbackAttempts is how many times a timed-out request is
	// re-routed to the next eligible adapter before surfacing the error.
	MaxFallbackAttempts int `yaml:"max_fallback_attempts"`

	// MaxConcurrentCalls bounds simultaneous backend calls across all
	// sessions (matches provider concurrency limits).
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout:      "120s",
		MaxFallbackAttempts: 1,
		MaxConcurrentCalls:  5,
	}
}
