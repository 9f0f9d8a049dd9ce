package config

// BackendsConfig configures the inference backends available to the router.
type BackendsConfig struct {
	Ollama OllamaBackendConfig `yaml:"ollama"`
	GenAI  GenAIBackendConfig  `yaml:"genai"`
}

// OllamaBackendConfig configures the local Ollama runtime.
type OllamaBackendConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
	// EmbedModel is used for embedding requests.
	EmbedModel string `yaml:"embed_model"`
	// MaxContextTokens advertised in the adapter's capability profile.
	MaxContextTokens int `yaml:"max_context_tokens"`
}

// GenAIBackendConfig configures the remote Google GenAI backend.
type GenAIBackendConfig struct {
	Enabled          bool   `yaml:"enabled"`
	APIKey           string `yaml:"api_key"`
	Model            string `yaml:"model"`
	EmbedModel       string `yaml:"embed_model"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
	// CostPerMTok is the estimated cost per million tokens used for
	// router tie-breaks.
	CostPerMTok float64 `yaml:"cost_per_mtok"`
}

// DefaultBackendsConfig returns sensible defaults.
func DefaultBackendsConfig() BackendsConfig {
	return BackendsConfig{
		Ollama: OllamaBackendConfig{
			Enabled:          true,
			Endpoint:         "http://localhost:11434",
			Model:            "qwen2.5-coder",
			EmbedModel:       "embeddinggemma",
			MaxContextTokens: 8192,
		},
		GenAI: GenAIBackendConfig{
			Enabled:          false,
			Model:            "gemini-2.0-flash",
			EmbedModel:       "gemini-embedding-001",
			MaxContextTokens: 131072,
			CostPerMTok:      0.35,
		},
	}
}
