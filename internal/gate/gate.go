// Package gate implements the approval workflow for state-changing agent
// actions. Destructive effects move through an explicit state machine
// (pending -> approved/rejected/expired) and only ever execute through an
// injected external executor after approval. The gate itself performs no
// I/O beyond state transitions and audit-record emission.
package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkforge/internal/logging"
	"inkforge/internal/types"
)

// ActionExecutor is the boundary to the external collaborators that carry
// out approved actions (Git manager, file system, secret store). The result
// string is recorded on the action and surfaced as a follow-up system turn.
type ActionExecutor interface {
	Execute(ctx context.Context, action types.ProposedAction) (string, error)
}

// NotifyFunc receives actions the gate resolves on its own (expiry). The
// orchestrator uses it to append the corresponding system turn.
type NotifyFunc func(action types.ProposedAction)

// Gate owns the ProposedAction state machines for one process.
type Gate struct {
	mu      sync.Mutex
	actions map[string]*types.ProposedAction

	window   time.Duration
	executor ActionExecutor
	notify   NotifyFunc

	stopCh  chan struct{}
	stopped sync.Once

	now func() time.Time
}

// New creates a gate with the given approval window and external executor.
func New(window time.Duration, executor ActionExecutor) *Gate {
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &Gate{
		actions:  make(map[string]*types.ProposedAction),
		window:   window,
		executor: executor,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// SetNotify installs the callback for gate-initiated resolutions.
func (g *Gate) SetNotify(fn NotifyFunc) {
	g.mu.Lock()
	g.notify = fn
	g.mu.Unlock()
}

// Classify applies the safety rule: pushes, merges, secret access, writes
// outside the sandbox, and diffs against tracked files are destructive;
// everything else is safe and auto-approved.
func Classify(kind types.ActionKind, payload types.ActionPayload) types.Classification {
	switch kind {
	case types.ActionRepoPush, types.ActionRepoMerge, types.ActionSecretAccess:
		return types.ClassDestructive
	case types.ActionFileWrite:
		if payload.InsideSandbox {
			return types.ClassSafe
		}
		return types.ClassDestructive
	case types.ActionApplyDiff:
		if payload.TrackedFile {
			return types.ClassDestructive
		}
		return types.ClassSafe
	}
	return types.ClassSafe
}

// Propose registers an effect an agent wants to perform. Safe actions are
// auto-approved and executed immediately; destructive ones enter pending
// and wait for a decision within the approval window.
func (g *Gate) Propose(ctx context.Context, sessionID string, kind types.ActionKind,
	payload types.ActionPayload, by types.Identity, turnSeq uint64) (types.ProposedAction, error) {

	if kind == types.ActionNone {
		return types.ProposedAction{}, fmt.Errorf("nothing to propose")
	}

	now := g.now()
	action := &types.ProposedAction{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		Kind:           kind,
		Payload:        payload,
		Classification: Classify(kind, payload),
		State:          types.ApprovalPending,
		ProposedBy:     by,
		TurnSeq:        turnSeq,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.window),
	}

	g.mu.Lock()
	g.actions[action.ID] = action
	g.mu.Unlock()

	logging.Gate("action proposed: id=%s kind=%s class=%s by=%s",
		action.ID, kind, action.Classification, by)
	logging.AuditWithSession(sessionID).ActionTransition(
		logging.AuditActionProposed, action.ID, string(kind), true, "")

	if action.Classification == types.ClassSafe {
		// Safe effects skip the approval round-trip.
		g.mu.Lock()
		action.State = types.ApprovalApproved
		action.DecidedAt = g.now()
		g.mu.Unlock()
		return g.execute(ctx, action.ID)
	}
	return *action, nil
}

// Decide resolves a pending action. Fails with ErrUnknownAction for an
// unknown id, ErrAlreadyResolved for a second decision, and ErrActionExpired
// when the approval window has already elapsed.
func (g *Gate) Decide(ctx context.Context, actionID string, approved bool) (types.ProposedAction, error) {
	g.mu.Lock()
	action, ok := g.actions[actionID]
	if !ok {
		g.mu.Unlock()
		return types.ProposedAction{}, fmt.Errorf("action %s: %w", actionID, types.ErrUnknownAction)
	}
	if action.State != types.ApprovalPending {
		state := action.State
		g.mu.Unlock()
		return types.ProposedAction{}, fmt.Errorf("action %s is %s: %w",
			actionID, state, types.ErrAlreadyResolved)
	}
	if g.now().After(action.ExpiresAt) {
		g.expireLocked(action)
		snapshot := *action
		g.mu.Unlock()
		return snapshot, fmt.Errorf("action %s: %w", actionID, types.ErrActionExpired)
	}

	// Transition under the lock so racing decisions see exactly one winner.
	if !approved {
		action.State = types.ApprovalRejected
		action.DecidedAt = g.now()
		snapshot := *action
		g.mu.Unlock()

		logging.Gate("action rejected: id=%s kind=%s", actionID, snapshot.Kind)
		logging.AuditWithSession(snapshot.SessionID).ActionTransition(
			logging.AuditActionRejected, actionID, string(snapshot.Kind), true, "")
		return snapshot, nil
	}

	action.State = types.ApprovalApproved
	action.DecidedAt = g.now()
	g.mu.Unlock()

	return g.execute(ctx, actionID)
}

// execute runs an approved action through the external executor and records
// the outcome. The action is already in the approved state.
func (g *Gate) execute(ctx context.Context, actionID string) (types.ProposedAction, error) {
	g.mu.Lock()
	snapshot := *g.actions[actionID]
	g.mu.Unlock()

	logging.Gate("action approved: id=%s kind=%s", actionID, snapshot.Kind)
	logging.AuditWithSession(snapshot.SessionID).ActionTransition(
		logging.AuditActionApproved, actionID, string(snapshot.Kind), true, "")

	start := g.now()
	result, err := g.executor.Execute(ctx, snapshot)
	durMs := g.now().Sub(start).Milliseconds()

	g.mu.Lock()
	action := g.actions[actionID]
	action.Executed = err == nil
	if err != nil {
		action.Result = fmt.Sprintf("execution failed: %v", err)
	} else {
		action.Result = result
	}
	snapshot = *action
	g.mu.Unlock()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	logging.AuditWithSession(snapshot.SessionID).ActionExecuted(
		actionID, string(snapshot.Kind), durMs, err == nil, errMsg)

	if err != nil {
		return snapshot, fmt.Errorf("action %s execution: %w", actionID, err)
	}
	return snapshot, nil
}

// expireLocked transitions a pending action to expired. Caller holds g.mu.
func (g *Gate) expireLocked(action *types.ProposedAction) {
	action.State = types.ApprovalExpired
	action.DecidedAt = g.now()
	logging.Gate("action expired: id=%s kind=%s", action.ID, action.Kind)
	logging.AuditWithSession(action.SessionID).ActionTransition(
		logging.AuditActionExpired, action.ID, string(action.Kind), true, "")
}

// Get returns a copy of an action.
func (g *Gate) Get(actionID string) (types.ProposedAction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	action, ok := g.actions[actionID]
	if !ok {
		return types.ProposedAction{}, false
	}
	return *action, true
}

// Pending returns all actions still awaiting a decision.
func (g *Gate) Pending() []types.ProposedAction {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []types.ProposedAction
	for _, action := range g.actions {
		if action.State == types.ApprovalPending {
			out = append(out, *action)
		}
	}
	return out
}

// Sweep expires pending actions past their window and notifies the
// orchestrator for each. Returns the number expired.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	var expired []types.ProposedAction
	now := g.now()
	for _, action := range g.actions {
		if action.State == types.ApprovalPending && now.After(action.ExpiresAt) {
			g.expireLocked(action)
			expired = append(expired, *action)
		}
	}
	notify := g.notify
	g.mu.Unlock()

	if notify != nil {
		for _, action := range expired {
			notify(action)
		}
	}
	return len(expired)
}

// StartSweeper runs Sweep on an interval until Stop or ctx cancellation.
// No decision path may leave an action pending forever.
func (g *Gate) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-g.stopCh:
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}

// Stop terminates the sweeper.
func (g *Gate) Stop() {
	g.stopped.Do(func() { close(g.stopCh) })
}
