package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"inkforge/internal/config"
	"inkforge/internal/logging"
	"inkforge/internal/types"
)

// GenAIAdapter serves inference from the Google GenAI API. Privacy tier is
// remote; requests that demand local-only routing never reach it.
type GenAIAdapter struct {
	client      *genai.Client
	model       string
	embedModel  string
	maxContext  int
	costPerMTok float64

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	health   types.AdapterHealth
	report   HealthReporter
}

// NewGenAIAdapter creates an adapter for the Google GenAI API.
func NewGenAIAdapter(cfg config.GenAIBackendConfig) (*GenAIAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = "gemini-embedding-001"
	}
	maxContext := cfg.MaxContextTokens
	if maxContext <= 0 {
		maxContext = 131072
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIAdapter{
		client:      client,
		model:       model,
		embedModel:  embedModel,
		maxContext:  maxContext,
		costPerMTok: cfg.CostPerMTok,
		inflight:    make(map[string]context.CancelFunc),
		health:      types.HealthHealthy,
	}, nil
}

// Descriptor returns the adapter's capability profile.
func (a *GenAIAdapter) Descriptor() types.AdapterDescriptor {
	a.mu.Lock()
	health := a.health
	a.mu.Unlock()
	return types.AdapterDescriptor{
		ID:   fmt.Sprintf("genai:%s", a.model),
		Tier: types.TierRemote,
		Profile: types.CapabilityProfile{
			MaxContextTokens: a.maxContext,
			TokensPerSecond:  120,
			Streaming:        true,
			CostPerMTok:      a.costPerMTok,
		},
		Health:     health,
		LastReport: time.Now(),
	}
}

// SetHealthReporter installs the health self-report callback.
func (a *GenAIAdapter) SetHealthReporter(fn HealthReporter) {
	a.mu.Lock()
	a.report = fn
	a.mu.Unlock()
}

func (a *GenAIAdapter) setHealth(h types.AdapterHealth) {
	a.mu.Lock()
	changed := a.health != h
	a.health = h
	report := a.report
	id := fmt.Sprintf("genai:%s", a.model)
	a.mu.Unlock()

	if changed && report != nil {
		go report(id, h)
	}
}

// Infer starts a streaming generation.
func (a *GenAIAdapter) Infer(ctx context.Context, requestID string, payload types.Payload) (<-chan StreamChunk, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.inflight[requestID] = cancel
	a.mu.Unlock()

	cfg := &genai.GenerateContentConfig{}
	if payload.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(payload.SystemPrompt, genai.RoleUser)
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer cancel()
		defer a.forget(requestID)

		send := func(c StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-reqCtx.Done():
				return false
			}
		}

		stream := a.client.Models.GenerateContentStream(reqCtx, a.model,
			genai.Text(payload.UserPrompt), cfg)

		for resp, err := range stream {
			if err != nil {
				if reqCtx.Err() != nil {
					return
				}
				a.setHealth(types.HealthDegraded)
				send(StreamChunk{Done: true, Err: fmt.Errorf("GenAI stream failed: %w", err)})
				return
			}
			if text := resp.Text(); text != "" {
				if !send(StreamChunk{Text: text}) {
					return
				}
			}
		}

		a.setHealth(types.HealthHealthy)
		send(StreamChunk{Done: true})
	}()

	return out, nil
}

// Cancel aborts an in-flight request.
func (a *GenAIAdapter) Cancel(requestID string) {
	a.mu.Lock()
	cancel, ok := a.inflight[requestID]
	a.mu.Unlock()
	if ok {
		logging.ExecutorDebug("genai: cancelling request %s", requestID)
		cancel()
	}
}

func (a *GenAIAdapter) forget(requestID string) {
	a.mu.Lock()
	delete(a.inflight, requestID)
	a.mu.Unlock()
}

// Embed generates an embedding via the GenAI embedding model.
func (a *GenAIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	result, err := a.client.Models.EmbedContent(ctx,
		a.embedModel,
		contents,
		&genai.EmbedContentConfig{
			TaskType: "SEMANTIC_SIMILARITY",
		},
	)
	if err != nil {
		a.setHealth(types.HealthDegraded)
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return result.Embeddings[0].Values, nil
}
