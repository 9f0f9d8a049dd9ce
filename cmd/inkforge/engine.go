package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"inkforge/internal/adapter"
	"inkforge/internal/config"
	"inkforge/internal/embedding"
	"inkforge/internal/executor"
	"inkforge/internal/gate"
	"inkforge/internal/logging"
	"inkforge/internal/orchestrator"
	"inkforge/internal/router"
	"inkforge/internal/session"
	"inkforge/internal/store"
)

// engine bundles the wired subsystems for one process.
type engine struct {
	cfg     *config.Config
	orch    *orchestrator.Orchestrator
	router  *router.Router
	gate    *gate.Gate
	store   *store.Store
	watcher *config.Watcher
}

// buildEngine wires the full stack from config: store, adapters, router,
// executor, gate, registry, orchestrator, plus the config hot-reload watcher.
func buildEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	dbPath := cfg.Store.DatabasePath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	r := router.New(cfg.Router)
	r.Register(adapter.NewOllamaAdapter(cfg.Backends.Ollama))
	if cfg.Backends.GenAI.APIKey != "" {
		remote, err := adapter.NewGenAIAdapter(cfg.Backends.GenAI)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("genai backend: %w", err)
		}
		r.Register(remote)
	}

	cache, err := embedding.NewCache(cfg.Embedding.MaxEntries, cfg.Embedding.MaxBytes)
	if err != nil {
		st.Close()
		return nil, err
	}
	exec := executor.New(cfg.Executor, r, cache)

	window, err := time.ParseDuration(cfg.Gate.ApprovalWindow)
	if err != nil || window <= 0 {
		window = 10 * time.Minute
	}
	sweep, err := time.ParseDuration(cfg.Gate.SweepInterval)
	if err != nil || sweep <= 0 {
		sweep = 30 * time.Second
	}
	g := gate.New(window, newWorkspaceExecutor(workspace))
	g.StartSweeper(ctx, sweep)

	orch := orchestrator.New(session.NewRegistry(st), r, exec, g, st, cfg.Roles)

	e := &engine{cfg: cfg, orch: orch, router: r, gate: g, store: st}

	watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
		logging.Configure(logConfig(updated))
		orch.SetRoles(updated.Roles)
	})
	if err == nil {
		if err := watcher.Start(ctx); err == nil {
			e.watcher = watcher
		}
	}
	return e, nil
}

func (e *engine) Close() {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	e.gate.Stop()
	if e.store != nil {
		e.store.Close()
	}
}
