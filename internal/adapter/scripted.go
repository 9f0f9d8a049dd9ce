package adapter

import (
	"context"
	"strings"
	"sync"
	"time"

	"inkforge/internal/types"
)

// ScriptedAdapter is an in-memory backend that replays queued responses.
// Used by tests and the demo command; no network, deterministic timing.
type ScriptedAdapter struct {
	desc types.AdapterDescriptor

	mu        sync.Mutex
	responses []string
	// RespondFunc, when set, overrides the queue and derives the response
	// from the payload.
	RespondFunc func(payload types.Payload) (string, error)
	// ChunkDelay spaces out streamed words to simulate generation.
	ChunkDelay time.Duration
	// Stall, when set, makes Infer hang until ctx expires (timeout tests).
	Stall bool

	inflight map[string]context.CancelFunc
	report   HealthReporter

	inferCalls int
	embedCalls int
}

// NewScriptedAdapter creates a scripted backend with the given descriptor.
func NewScriptedAdapter(desc types.AdapterDescriptor) *ScriptedAdapter {
	if desc.Health == "" {
		desc.Health = types.HealthHealthy
	}
	return &ScriptedAdapter{
		desc:     desc,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Enqueue adds a canned response to the replay queue.
func (a *ScriptedAdapter) Enqueue(response string) {
	a.mu.Lock()
	a.responses = append(a.responses, response)
	a.mu.Unlock()
}

// InferCalls returns how many inferences were started.
func (a *ScriptedAdapter) InferCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inferCalls
}

// EmbedCalls returns how many embeddings were computed.
func (a *ScriptedAdapter) EmbedCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.embedCalls
}

// Descriptor returns the scripted capability profile.
func (a *ScriptedAdapter) Descriptor() types.AdapterDescriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.desc
	d.LastReport = time.Now()
	return d
}

// SetHealth updates the descriptor health and self-reports the transition.
func (a *ScriptedAdapter) SetHealth(h types.AdapterHealth) {
	a.mu.Lock()
	changed := a.desc.Health != h
	a.desc.Health = h
	report := a.report
	id := a.desc.ID
	a.mu.Unlock()

	if changed && report != nil {
		go report(id, h)
	}
}

// SetHealthReporter installs the health self-report callback.
func (a *ScriptedAdapter) SetHealthReporter(fn HealthReporter) {
	a.mu.Lock()
	a.report = fn
	a.mu.Unlock()
}

// Infer replays the next scripted response as a word-chunked stream.
func (a *ScriptedAdapter) Infer(ctx context.Context, requestID string, payload types.Payload) (<-chan StreamChunk, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.inferCalls++
	a.inflight[requestID] = cancel
	stall := a.Stall
	delay := a.ChunkDelay
	respond := a.RespondFunc

	var response string
	var respErr error
	if respond != nil {
		response, respErr = respond(payload)
	} else if len(a.responses) > 0 {
		response = a.responses[0]
		a.responses = a.responses[1:]
	} else {
		response = "ok"
	}
	a.mu.Unlock()

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

		if stall {
			<-reqCtx.Done()
			return
		}
		if respErr != nil {
			send(StreamChunk{Done: true, Err: respErr})
			return
		}

		words := strings.SplitAfter(response, " ")
		for _, w := range words {
			if w == "" {
				continue
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-reqCtx.Done():
					return
				}
			}
			if !send(StreamChunk{Text: w}) {
				return
			}
		}
		send(StreamChunk{Done: true})
	}()

	return out, nil
}

// Cancel aborts an in-flight request.
func (a *ScriptedAdapter) Cancel(requestID string) {
	a.mu.Lock()
	cancel, ok := a.inflight[requestID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *ScriptedAdapter) forget(requestID string) {
	a.mu.Lock()
	delete(a.inflight, requestID)
	a.mu.Unlock()
}

// Embed returns a deterministic vector derived from the text length.
func (a *ScriptedAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	a.mu.Lock()
	a.embedCalls++
	a.mu.Unlock()

	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r) / 1000
	}
	return vec, nil
}
