package config

// EmbeddingConfig configures the embedding cache.
type EmbeddingConfig struct {
	// MaxEntries bounds the cache by entry count.
	MaxEntries int `yaml:"max_entries"`

	// MaxBytes optionally bounds the cache by vector byte budget.
	// 0 disables the byte bound.
	MaxBytes int64 `yaml:"max_bytes"`
}

// DefaultEmbeddingConfig returns sensible defaults.
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		MaxEntries: 4096,
		MaxBytes:   0,
	}
}
