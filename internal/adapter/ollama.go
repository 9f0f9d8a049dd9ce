package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"inkforge/internal/config"
	"inkforge/internal/logging"
	"inkforge/internal/types"
)

// OllamaAdapter serves inference from a local Ollama runtime. Privacy tier is
// local; cost is reported as zero.
type OllamaAdapter struct {
	endpoint   string
	model      string
	embedModel string
	maxContext int
	client     *http.Client

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	health   types.AdapterHealth
	report   HealthReporter
}

// NewOllamaAdapter creates an adapter for a local Ollama server.
func NewOllamaAdapter(cfg config.OllamaBackendConfig) *OllamaAdapter {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = "qwen2.5-coder"
	}
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = "embeddinggemma"
	}
	maxContext := cfg.MaxContextTokens
	if maxContext <= 0 {
		maxContext = 8192
	}

	return &OllamaAdapter{
		endpoint:   endpoint,
		model:      model,
		embedModel: embedModel,
		maxContext: maxContext,
		client: &http.Client{
			// No overall timeout: streaming responses are bounded by the
			// executor's per-request deadline via ctx.
			Timeout: 0,
		},
		inflight: make(map[string]context.CancelFunc),
		health:   types.HealthHealthy,
	}
}

// Descriptor returns the adapter's capability profile.
func (a *OllamaAdapter) Descriptor() types.AdapterDescriptor {
	a.mu.Lock()
	health := a.health
	a.mu.Unlock()
	return types.AdapterDescriptor{
		ID:   fmt.Sprintf("ollama:%s", a.model),
		Tier: types.TierLocal,
		Profile: types.CapabilityProfile{
			MaxContextTokens: a.maxContext,
			TokensPerSecond:  40,
			Streaming:        true,
			CostPerMTok:      0,
		},
		Health:     health,
		LastReport: time.Now(),
	}
}

// SetHealthReporter installs the health self-report callback.
func (a *OllamaAdapter) SetHealthReporter(fn HealthReporter) {
	a.mu.Lock()
	a.report = fn
	a.mu.Unlock()
}

func (a *OllamaAdapter) setHealth(h types.AdapterHealth) {
	a.mu.Lock()
	changed := a.health != h
	a.health = h
	report := a.report
	id := fmt.Sprintf("ollama:%s", a.model)
	a.mu.Unlock()

	if changed && report != nil {
		// Self-report asynchronously; the router must never wait on us.
		go report(id, h)
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	System string `json:"system,omitempty"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Infer starts a streaming generation against /api/generate.
func (a *OllamaAdapter) Infer(ctx context.Context, requestID string, payload types.Payload) (<-chan StreamChunk, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.inflight[requestID] = cancel
	a.mu.Unlock()

	body, err := json.Marshal(ollamaGenerateRequest{
		Model:  a.model,
		Prompt: payload.UserPrompt,
		System: payload.SystemPrompt,
		Stream: true,
	})
	if err != nil {
		cancel()
		a.forget(requestID)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, "POST", a.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		a.forget(requestID)
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		cancel()
		a.forget(requestID)
		a.setHealth(types.HealthUnavailable)
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		a.forget(requestID)
		a.setHealth(types.HealthDegraded)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	a.setHealth(types.HealthHealthy)

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		defer cancel()
		defer a.forget(requestID)

		// Every send selects on reqCtx so an abandoned consumer never
		// strands this goroutine. A close without a Done chunk means the
		// stream was cancelled.
		send := func(c StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-reqCtx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var line ollamaGenerateResponse
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				continue // Skip malformed keep-alive lines
			}
			if line.Response != "" {
				if !send(StreamChunk{Text: line.Response}) {
					return
				}
			}
			if line.Done {
				send(StreamChunk{Done: true})
				return
			}
		}
		if err := scanner.Err(); err != nil && reqCtx.Err() == nil {
			send(StreamChunk{Done: true, Err: fmt.Errorf("ollama stream read failed: %w", err)})
			return
		}
	}()

	return out, nil
}

// Cancel aborts an in-flight request.
func (a *OllamaAdapter) Cancel(requestID string) {
	a.mu.Lock()
	cancel, ok := a.inflight[requestID]
	a.mu.Unlock()
	if ok {
		logging.ExecutorDebug("ollama: cancelling request %s", requestID)
		cancel()
	}
}

func (a *OllamaAdapter) forget(requestID string) {
	a.mu.Lock()
	delete(a.inflight, requestID)
	a.mu.Unlock()
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed generates an embedding via /api/embeddings.
func (a *OllamaAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: a.embedModel, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", a.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		a.setHealth(types.HealthUnavailable)
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Embedding, nil
}
