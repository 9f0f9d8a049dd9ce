package config

// RouterConfig configures the model router policy.
type RouterConfig struct {
	// PreferTier is the privacy tier preferred when both satisfy the
	// request: "local" or "remote". Local is the cost/latency/privacy
	// default.
	PreferTier string `yaml:"prefer_tier"`

	// DegradedRetryWindow is how long a degraded adapter stays eligible
	// for its one try per request window, as a duration string.
	DegradedRetryWindow string `yaml:"degraded_retry_window"`
}

// DefaultRouterConfig returns sensible defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		PreferTier:          "local",
		DegradedRetryWindow: "30s",
	}
}
