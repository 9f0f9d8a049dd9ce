package config

// RoleConfig is the per-identity behavior bundle: a system prompt plus the
// capability profile its route requests carry. Roles are data, not code;
// adding an agent identity means adding a role entry, not a subclass.
type RoleConfig struct {
	SystemPrompt     string `yaml:"system_prompt"`
	MinContextTokens int    `yaml:"min_context_tokens"`
	RequireStreaming bool   `yaml:"require_streaming"`
	// LocalOnly pins the role's requests to on-device backends.
	LocalOnly bool `yaml:"local_only"`
}

// RolesConfig maps agent identity names to their role configuration.
type RolesConfig struct {
	ChingaBava   RoleConfig `yaml:"chinga_bava"`
	TanganakaSan RoleConfig `yaml:"tanganaka_san"`
}

// DefaultRolesConfig returns the shipped agent roles.
func DefaultRolesConfig() RolesConfig {
	return RolesConfig{
		ChingaBava: RoleConfig{
			SystemPrompt: "You are Chinga Bava, the project manager. Break user " +
				"requests into tasks, assign them, and track progress. Emit task " +
				"directives in a fenced json block when proposing or assigning work.",
			MinContextTokens: 2048,
			RequireStreaming: false,
			LocalOnly:        false,
		},
		TanganakaSan: RoleConfig{
			SystemPrompt: "You are Tanganaka San, the developer. Execute assigned " +
				"tasks. Propose file edits and repository operations as action " +
				"directives in a fenced json block; never apply them yourself.",
			MinContextTokens: 8192,
			RequireStreaming: true,
			LocalOnly:        false,
		},
	}
}
