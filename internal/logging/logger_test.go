package logging

import (
	"os"
	"path/filepath"
	"testing"
)

// resetState clears the package globals between tests.
func resetState() {
	CloseAll()
	CloseAudit()
	Configure(Config{})
	logsDir = ""
	workspace = ""
	auditLogger = nil
}

// Debug mode creates per-category log files under .inkforge/logs.
func TestDebugModeWritesCategoryFiles(t *testing.T) {
	t.Cleanup(resetState)

	ws := t.TempDir()
	if err := Initialize(ws, Config{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("expected debug mode to be enabled")
	}

	Session("session test entry")
	Routing("routing test entry")

	entries, err := os.ReadDir(filepath.Join(ws, ".inkforge", "logs"))
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected log files in debug mode")
	}
}

// With debug mode off nothing is written, not even the logs directory.
func TestProductionModeWritesNothing(t *testing.T) {
	t.Cleanup(resetState)

	ws := t.TempDir()
	if err := Initialize(ws, Config{DebugMode: false, Level: "info"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	Session("should be dropped")

	if _, err := os.Stat(filepath.Join(ws, ".inkforge", "logs")); !os.IsNotExist(err) {
		t.Fatal("logs directory must not exist in production mode")
	}
}

// A category switched off in the config stays silent while the rest log.
func TestCategoryToggle(t *testing.T) {
	t.Cleanup(resetState)

	ws := t.TempDir()
	err := Initialize(ws, Config{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{"routing": false},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if IsCategoryEnabled(CategoryRouting) {
		t.Error("routing category should be disabled")
	}
	if !IsCategoryEnabled(CategoryGate) {
		t.Error("unlisted categories should default to enabled")
	}
}

// Configure can flip settings at runtime, as the config hot reload does.
func TestConfigureHotReload(t *testing.T) {
	t.Cleanup(resetState)

	ws := t.TempDir()
	if err := Initialize(ws, Config{DebugMode: true, Level: "error"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if logLevel != LevelError {
		t.Fatalf("expected error level, got %d", logLevel)
	}

	Configure(Config{DebugMode: true, Level: "debug"})
	if logLevel != LevelDebug {
		t.Fatalf("expected debug level after reload, got %d", logLevel)
	}

	Configure(Config{DebugMode: false})
	if IsDebugMode() {
		t.Fatal("reload must be able to turn debug mode off")
	}
}
