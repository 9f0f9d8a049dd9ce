package types

import "errors"

// Error taxonomy for the orchestration engine. Callers classify failures with
// errors.Is; subsystems wrap these with %w and context.
var (
	// ErrSessionLocked means another append is in flight for the session.
	// Retryable: the caller should retry the append, not queue behind it.
	ErrSessionLocked = errors.New("session locked: append already in flight")

	// ErrNoCapableAdapter means no registered adapter satisfies the route
	// request. Surfaced as a routing failure; not retried.
	ErrNoCapableAdapter = errors.New("no capable adapter for request")

	// ErrInferenceTimeout means a backend call exceeded its deadline. The
	// executor makes one fallback attempt before surfacing this.
	ErrInferenceTimeout = errors.New("inference timeout")

	// ErrUnknownAction means a decision referenced no pending action.
	ErrUnknownAction = errors.New("unknown action")

	// ErrAlreadyResolved means a decision arrived for an action that has
	// already left the pending state.
	ErrAlreadyResolved = errors.New("action already resolved")

	// ErrActionExpired means the approval window elapsed before a decision.
	ErrActionExpired = errors.New("action expired")

	// ErrSessionArchived means the session was archived and accepts no
	// further turns.
	ErrSessionArchived = errors.New("session archived")
)
