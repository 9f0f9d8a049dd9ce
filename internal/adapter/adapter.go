// Package adapter defines the uniform backend interface over one inference
// provider, plus the shipped implementations: a local Ollama runtime, the
// remote Google GenAI service, and a scripted in-memory backend for tests
// and demos.
package adapter

import (
	"context"

	"inkforge/internal/types"
)

// StreamChunk is one fragment of a streaming inference response. The final
// chunk has Done set; Err carries a terminal failure.
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// HealthReporter receives asynchronous health transitions from an adapter.
// The router installs one at registration; adapters call it from their own
// goroutines and must never block on it.
type HealthReporter func(adapterID string, health types.AdapterHealth)

// BackendAdapter is the uniform capability-described interface over one
// inference backend.
type BackendAdapter interface {
	// Descriptor returns the adapter's capability profile and identity.
	Descriptor() types.AdapterDescriptor

	// Infer starts a generation. The returned channel delivers chunks until
	// a Done chunk, then closes. Cancellation is via ctx or Cancel.
	Infer(ctx context.Context, requestID string, payload types.Payload) (<-chan StreamChunk, error)

	// Cancel issues a best-effort provider-side cancellation for an
	// in-flight request.
	Cancel(requestID string)

	// Embed computes an embedding vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// SetHealthReporter installs the callback for health self-reports.
	SetHealthReporter(fn HealthReporter)
}
