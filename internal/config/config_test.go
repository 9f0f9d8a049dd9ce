package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "inkforge", cfg.Name)
	assert.Equal(t, "local", cfg.Router.PreferTier)
	assert.Equal(t, "120s", cfg.Executor.DefaultTimeout)
	assert.Equal(t, "10m", cfg.Gate.ApprovalWindow)
	assert.Equal(t, 4096, cfg.Embedding.MaxEntries)
	assert.NotEmpty(t, cfg.Roles.ChingaBava.SystemPrompt)
	assert.NotEmpty(t, cfg.Roles.TanganakaSan.SystemPrompt)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.Router.PreferTier = "remote"
	cfg.Executor.MaxConcurrentCalls = 9
	cfg.Roles.TanganakaSan.MinContextTokens = 16384
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", loaded.Router.PreferTier)
	assert.Equal(t, 9, loaded.Executor.MaxConcurrentCalls)
	assert.Equal(t, 16384, loaded.Roles.TanganakaSan.MinContextTokens)
}

func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router:\n  prefer_tier: remote\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "remote", cfg.Router.PreferTier)
	// Untouched sections keep their defaults.
	assert.Equal(t, "120s", cfg.Executor.DefaultTimeout)
	assert.Equal(t, "http://localhost:11434", cfg.Backends.Ollama.Endpoint)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INKFORGE_GENAI_API_KEY", "test-key")
	t.Setenv("INKFORGE_OLLAMA_ENDPOINT", "http://gpu-box:11434")
	t.Setenv("INKFORGE_DB_PATH", ":memory:")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "test-key", cfg.Backends.GenAI.APIKey)
	assert.Equal(t, "http://gpu-box:11434", cfg.Backends.Ollama.Endpoint)
	assert.Equal(t, ":memory:", cfg.Store.DatabasePath)
}

func TestMalformedYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("router: [broken\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

// The logging section of the YAML config drives the logging package directly.
func TestLoggingSectionMapsToLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "logging:\n  debug_mode: true\n  level: warn\n  format: json\n  categories:\n    routing: false\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	lc := cfg.Logging.ToLogging()
	assert.True(t, lc.DebugMode)
	assert.Equal(t, "warn", lc.Level)
	assert.True(t, lc.JSONFormat)
	assert.Equal(t, map[string]bool{"routing": false}, lc.Categories)
}
