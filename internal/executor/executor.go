// Package executor runs inference calls against routed backends: it owns the
// per-call timeout, the bounded concurrency slots, streaming chunk delivery,
// and the single fallback re-route after a primary failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"inkforge/internal/adapter"
	"inkforge/internal/config"
	"inkforge/internal/embedding"
	"inkforge/internal/logging"
	"inkforge/internal/router"
	"inkforge/internal/types"
)

// ChunkSink receives streaming chunks as they arrive. The executor calls it
// from the request goroutine; implementations must not block for long.
type ChunkSink func(chunk types.Chunk)

// Result is the terminal outcome of one inference run.
type Result struct {
	RequestID string
	AdapterID string
	Text      string
	Chunks    int
	Duration  time.Duration
	FellBack  bool
}

// Executor drives inference calls through the router. Concurrency is bounded
// by a fixed slot pool; a request waits for a slot before its timeout clock
// starts.
type Executor struct {
	router *router.Router
	cache  *embedding.Cache

	slots chan struct{}

	timeout     time.Duration
	maxFallback int
}

// New creates an executor from config.
func New(cfg config.ExecutorConfig, r *router.Router, cache *embedding.Cache) *Executor {
	timeout, err := time.ParseDuration(cfg.DefaultTimeout)
	if err != nil || timeout <= 0 {
		timeout = 120 * time.Second
	}
	slots := cfg.MaxConcurrentCalls
	if slots <= 0 {
		slots = 5
	}
	maxFallback := cfg.MaxFallbackAttempts
	if maxFallback < 0 {
		maxFallback = 0
	}
	return &Executor{
		router:      r,
		cache:       cache,
		slots:       make(chan struct{}, slots),
		timeout:     timeout,
		maxFallback: maxFallback,
	}
}

// acquireSlot blocks until a concurrency slot is free or ctx is done.
func (e *Executor) acquireSlot(ctx context.Context) error {
	select {
	case e.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for inference slot: %w", ctx.Err())
	}
}

func (e *Executor) releaseSlot() {
	<-e.slots
}

// Run routes the request, executes it with the configured timeout, and
// retries once on a fresh route when the primary fails or times out. The
// failed adapter is excluded from the re-route.
func (e *Executor) Run(ctx context.Context, req types.RouteRequest, sink ChunkSink) (Result, error) {
	attempts := e.maxFallback + 1
	fellBack := false

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		desc, err := e.router.Select(req)
		if err != nil {
			if lastErr != nil {
				// The primary failure is the more useful error.
				return Result{}, fmt.Errorf("fallback routing after %v: %w", lastErr, err)
			}
			return Result{}, err
		}

		backend, ok := e.router.Adapter(desc.ID)
		if !ok {
			return Result{}, fmt.Errorf("adapter %s vanished after selection", desc.ID)
		}

		if attempt > 0 {
			fellBack = true
			logging.Executor("fallback attempt: session=%s %s (excluded %v)",
				req.SessionID, desc.ID, req.Exclude)
			logging.AuditWithSession(req.SessionID).Log(logging.AuditEvent{
				EventType: logging.AuditFallbackAttempt,
				Target:    desc.ID,
				Success:   true,
				Fields:    map[string]interface{}{"excluded": req.Exclude},
			})
		}

		result, err := e.runOnce(ctx, desc.ID, backend, req, sink)
		if err == nil {
			result.FellBack = fellBack
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// Caller cancellation is terminal, not a backend failure.
			return Result{}, err
		}

		logging.Executor("attempt failed: session=%s adapter=%s err=%v",
			req.SessionID, desc.ID, err)
		req.Exclude = append(req.Exclude, desc.ID)
	}
	return Result{}, lastErr
}

// runOnce executes one inference call against one adapter, enforcing the
// timeout and streaming chunks to the sink.
func (e *Executor) runOnce(ctx context.Context, adapterID string, backend adapter.BackendAdapter,
	req types.RouteRequest, sink ChunkSink) (Result, error) {

	if err := e.acquireSlot(ctx); err != nil {
		return Result{}, err
	}
	defer e.releaseSlot()

	requestID := uuid.NewString()
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	logging.ExecutorDebug("inference start: session=%s adapter=%s request=%s",
		req.SessionID, adapterID, requestID)
	logging.AuditWithSession(req.SessionID).Log(logging.AuditEvent{
		EventType: logging.AuditInferenceStart,
		Target:    adapterID,
		Success:   true,
		Fields:    map[string]interface{}{"request_id": requestID},
	})

	stream, err := backend.Infer(callCtx, requestID, req.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("adapter %s: %w", adapterID, err)
	}

	var sb strings.Builder
	index := 0
	for chunk := range stream {
		if chunk.Err != nil {
			e.auditOutcome(req.SessionID, adapterID, requestID, start, chunk.Err)
			return Result{}, fmt.Errorf("adapter %s stream: %w", adapterID, chunk.Err)
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
		}
		// The end marker is delivered even when it carries no text, so
		// subscribers always observe exactly one chunk with Final set.
		if chunk.Text != "" || chunk.Done {
			if sink != nil {
				sink(types.Chunk{
					RequestID: requestID,
					Index:     index,
					Text:      chunk.Text,
					Final:     chunk.Done,
				})
			}
			index++
		}
		if chunk.Done {
			result := Result{
				RequestID: requestID,
				AdapterID: adapterID,
				Text:      sb.String(),
				Chunks:    index,
				Duration:  time.Since(start),
			}
			e.auditOutcome(req.SessionID, adapterID, requestID, start, nil)
			return result, nil
		}
	}

	// Stream closed without a Done chunk: the call was cut off. Tell the
	// provider to stop and classify the failure.
	backend.Cancel(requestID)

	if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("adapter %s after %s: %w", adapterID, e.timeout, types.ErrInferenceTimeout)
	} else if ctx.Err() != nil {
		err = fmt.Errorf("adapter %s: %w", adapterID, ctx.Err())
	} else {
		err = fmt.Errorf("adapter %s: stream closed before completion", adapterID)
	}
	e.auditOutcome(req.SessionID, adapterID, requestID, start, err)
	return Result{}, err
}

func (e *Executor) auditOutcome(sessionID, adapterID, requestID string, start time.Time, err error) {
	outcome := logging.AuditInferenceDone
	if errors.Is(err, types.ErrInferenceTimeout) {
		outcome = logging.AuditInferenceTimeout
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	logging.AuditWithSession(sessionID).Log(logging.AuditEvent{
		EventType:  outcome,
		Target:     adapterID,
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      errMsg,
		Fields:     map[string]interface{}{"request_id": requestID},
	})
}

// Embed returns the embedding vector for text, served from the shared cache
// when possible. On a miss the compute routes through the same selection
// policy as generation.
func (e *Executor) Embed(ctx context.Context, req types.RouteRequest, text string) ([]float32, error) {
	hash := embedding.ContentHash(text)
	return e.cache.GetOrCompute(ctx, hash, func(ctx context.Context) ([]float32, error) {
		desc, err := e.router.Select(req)
		if err != nil {
			return nil, err
		}
		backend, ok := e.router.Adapter(desc.ID)
		if !ok {
			return nil, fmt.Errorf("adapter %s vanished after selection", desc.ID)
		}
		logging.EmbeddingDebug("computing embedding: session=%s adapter=%s hash=%s",
			req.SessionID, desc.ID, hash[:8])
		return backend.Embed(ctx, text)
	})
}
