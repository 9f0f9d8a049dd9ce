package config

// GateConfig configures the action gate.
type GateConfig struct {
	// ApprovalWindow is how long a destructive action stays pending
	// before it expires, as a duration string. An offline user must never
	// leave an action pending forever.
	ApprovalWindow string `yaml:"approval_window"`

	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval string `yaml:"sweep_interval"`
}

// DefaultGateConfig returns sensible defaults.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		ApprovalWindow: "10m",
		SweepInterval:  "30s",
	}
}
