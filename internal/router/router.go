// Package router selects a backend adapter for each route request. Selection
// is a pure function over the last-known adapter health snapshot and the
// request's capability profile: deterministic, unit-testable without live
// backends, and never blocked on a health probe.
package router

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"inkforge/internal/adapter"
	"inkforge/internal/config"
	"inkforge/internal/logging"
	"inkforge/internal/types"
)

// Router maintains the registry of backend adapters and their self-reported
// health, and applies the selection policy.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]adapter.BackendAdapter
	health   map[string]*healthRecord

	preferTier    types.PrivacyTier
	degradedRetry time.Duration

	now func() time.Time // injectable clock for tests
}

type healthRecord struct {
	health          types.AdapterHealth
	lastReport      time.Time
	lastDegradedTry time.Time
}

// New creates a router from config.
func New(cfg config.RouterConfig) *Router {
	prefer := types.TierLocal
	if cfg.PreferTier == string(types.TierRemote) {
		prefer = types.TierRemote
	}
	retry, err := time.ParseDuration(cfg.DegradedRetryWindow)
	if err != nil || retry <= 0 {
		retry = 30 * time.Second
	}
	return &Router{
		adapters:      make(map[string]adapter.BackendAdapter),
		health:        make(map[string]*healthRecord),
		preferTier:    prefer,
		degradedRetry: retry,
		now:           time.Now,
	}
}

// Register adds an adapter and installs the health self-report hook.
func (r *Router) Register(a adapter.BackendAdapter) {
	desc := a.Descriptor()

	r.mu.Lock()
	r.adapters[desc.ID] = a
	r.health[desc.ID] = &healthRecord{
		health:     desc.Health,
		lastReport: r.now(),
	}
	r.mu.Unlock()

	a.SetHealthReporter(r.UpdateHealth)
	logging.Routing("registered adapter %s (tier=%s, ctx=%d)",
		desc.ID, desc.Tier, desc.Profile.MaxContextTokens)
}

// UpdateHealth records an asynchronous health self-report. Selection uses
// last-known health; this never blocks a request.
func (r *Router) UpdateHealth(adapterID string, health types.AdapterHealth) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.health[adapterID]
	if !ok {
		return
	}
	if rec.health != health {
		logging.Routing("adapter %s health: %s -> %s", adapterID, rec.health, health)
	}
	rec.health = health
	rec.lastReport = r.now()
}

// Adapter returns the registered adapter for an id.
func (r *Router) Adapter(id string) (adapter.BackendAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// Snapshot returns descriptors for all registered adapters with last-known
// health merged in, sorted by id.
func (r *Router) Snapshot() []types.AdapterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.AdapterDescriptor, 0, len(r.adapters))
	for id, a := range r.adapters {
		desc := a.Descriptor()
		if rec, ok := r.health[id]; ok {
			desc.Health = rec.health
			desc.LastReport = rec.lastReport
		}
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Select picks the adapter for a route request, applying the policy in
// order: privacy exclusion, availability, tier preference, minimal context
// slack, then cost and id tie-breaks.
func (r *Router) Select(req types.RouteRequest) (types.AdapterDescriptor, error) {
	timer := logging.StartTimer(logging.CategoryRouting, "Select")
	defer timer.Stop()

	candidates := r.eligible(req)
	if len(candidates) == 0 {
		logging.Routing("no capable adapter: session=%s min_ctx=%d local_only=%v excluded=%d",
			req.SessionID, req.MinContextTokens, req.LocalOnly, len(req.Exclude))
		return types.AdapterDescriptor{}, fmt.Errorf("session %s (min_ctx=%d): %w",
			req.SessionID, req.MinContextTokens, types.ErrNoCapableAdapter)
	}

	// Prefer the configured tier when any candidate of that tier survives.
	preferred := candidates[:0:0]
	for _, c := range candidates {
		if c.Tier == r.preferTier {
			preferred = append(preferred, c)
		}
	}
	if len(preferred) > 0 {
		candidates = preferred
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		// Healthy beats degraded within a tier.
		if (a.Health == types.HealthHealthy) != (b.Health == types.HealthHealthy) {
			return a.Health == types.HealthHealthy
		}
		// Smallest context-window slack: avoid over-provisioning a large
		// model for a small request.
		slackA := a.Profile.MaxContextTokens - req.MinContextTokens
		slackB := b.Profile.MaxContextTokens - req.MinContextTokens
		if slackA != slackB {
			return slackA < slackB
		}
		if a.Profile.CostPerMTok != b.Profile.CostPerMTok {
			return a.Profile.CostPerMTok < b.Profile.CostPerMTok
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]

	// A degraded adapter gets one try per request window; stamp the try.
	if chosen.Health == types.HealthDegraded {
		r.mu.Lock()
		if rec, ok := r.health[chosen.ID]; ok {
			rec.lastDegradedTry = r.now()
		}
		r.mu.Unlock()
	}

	logging.RoutingDebug("selected %s for session=%s (tier=%s, slack=%d)",
		chosen.ID, req.SessionID, chosen.Tier,
		chosen.Profile.MaxContextTokens-req.MinContextTokens)
	logging.Audit().RouteSelected(req.SessionID, chosen.ID, req.MinContextTokens)
	return chosen, nil
}

// eligible applies the hard exclusion rules: privacy tier, exclusion list,
// availability, capability profile, and the degraded retry window.
func (r *Router) eligible(req types.RouteRequest) []types.AdapterDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []types.AdapterDescriptor
	for id, a := range r.adapters {
		if req.Excluded(id) {
			continue
		}
		desc := a.Descriptor()
		rec := r.health[id]
		if rec != nil {
			desc.Health = rec.health
			desc.LastReport = rec.lastReport
		}

		if req.LocalOnly && desc.Tier != types.TierLocal {
			continue
		}
		if desc.Health == types.HealthUnavailable {
			continue
		}
		if desc.Health == types.HealthDegraded && rec != nil {
			// Already tried within this request window: fall back.
			if !rec.lastDegradedTry.IsZero() && r.now().Sub(rec.lastDegradedTry) < r.degradedRetry {
				continue
			}
		}
		if desc.Profile.MaxContextTokens < req.MinContextTokens {
			continue
		}
		if req.RequireStreaming && !desc.Profile.Streaming {
			continue
		}
		out = append(out, desc)
	}
	return out
}
