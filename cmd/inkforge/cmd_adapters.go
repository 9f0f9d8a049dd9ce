package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inkforge/internal/adapter"
	"inkforge/internal/config"
	"inkforge/internal/router"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters",
	Short: "Inspect configured inference backends",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := configuredRouter()
		if err != nil {
			return err
		}
		for _, desc := range r.Snapshot() {
			fmt.Printf("%-24s tier=%-7s health=%-11s ctx=%-7d streaming=%v\n",
				desc.ID, desc.Tier, desc.Health,
				desc.Profile.MaxContextTokens, desc.Profile.Streaming)
		}
		return nil
	},
}

var adaptersProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Probe each backend with a small embedding request",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := configuredRouter()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)
		for _, desc := range r.Snapshot() {
			backend, ok := r.Adapter(desc.ID)
			if !ok {
				continue
			}
			id := desc.ID
			g.Go(func() error {
				start := time.Now()
				vec, err := backend.Embed(ctx, "probe")
				if err != nil {
					fmt.Printf("%-24s FAIL  %v\n", id, err)
					return nil // report, don't abort the other probes
				}
				fmt.Printf("%-24s OK    %d dims in %s\n", id, len(vec), time.Since(start).Round(time.Millisecond))
				return nil
			})
		}
		return g.Wait()
	},
}

func configuredRouter() (*router.Router, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	r := router.New(cfg.Router)
	r.Register(adapter.NewOllamaAdapter(cfg.Backends.Ollama))
	if cfg.Backends.GenAI.APIKey != "" {
		remote, err := adapter.NewGenAIAdapter(cfg.Backends.GenAI)
		if err != nil {
			return nil, err
		}
		r.Register(remote)
	}
	return r, nil
}

func init() {
	adaptersCmd.AddCommand(adaptersProbeCmd)
}
