// Package session manages conversation sessions: each bundles a conversation
// log, a task board, and the single-writer token the orchestrator must hold
// to mutate either.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"inkforge/internal/conversation"
	"inkforge/internal/logging"
	"inkforge/internal/store"
	"inkforge/internal/taskboard"
	"inkforge/internal/types"
)

// Policy is the per-session routing override. Zero value means "follow the
// role defaults".
type Policy struct {
	// LocalOnly pins every route request in this session to on-device
	// backends, regardless of role configuration.
	LocalOnly bool
}

// Session is one conversation's engine state.
type Session struct {
	ID        string
	Log       *conversation.Log
	Board     *taskboard.Board
	CreatedAt time.Time

	// writeTok is the session write token: held while the orchestrator
	// processes one interaction, so at most one writer mutates the log and
	// board at a time.
	writeTok chan struct{}

	policyMu sync.RWMutex
	policy   Policy

	archived atomic.Bool
}

// Policy returns the session's routing overrides.
func (s *Session) Policy() Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	return s.policy
}

// SetPolicy replaces the session's routing overrides.
func (s *Session) SetPolicy(p Policy) {
	s.policyMu.Lock()
	s.policy = p
	s.policyMu.Unlock()
	logging.Session("policy updated: session=%s local_only=%v", s.ID, p.LocalOnly)
}

func newSession(id string, createdAt time.Time) *Session {
	s := &Session{
		ID:        id,
		Log:       conversation.NewLog(id),
		Board:     taskboard.NewBoard(id),
		CreatedAt: createdAt,
		writeTok:  make(chan struct{}, 1),
	}
	s.writeTok <- struct{}{}
	return s
}

// AcquireWriter takes the session write token, blocking until it is free or
// ctx is done.
func (s *Session) AcquireWriter(ctx context.Context) error {
	if s.archived.Load() {
		return fmt.Errorf("session %s: %w", s.ID, types.ErrSessionArchived)
	}
	select {
	case <-s.writeTok:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for session %s writer: %w", s.ID, ctx.Err())
	}
}

// TryAcquireWriter takes the token without blocking.
func (s *Session) TryAcquireWriter() bool {
	if s.archived.Load() {
		return false
	}
	select {
	case <-s.writeTok:
		return true
	default:
		return false
	}
}

// ReleaseWriter returns the write token.
func (s *Session) ReleaseWriter() {
	select {
	case s.writeTok <- struct{}{}:
	default:
		// Double release is a programming error; swallow rather than block.
		logging.Session("double writer release: session=%s", s.ID)
	}
}

// Archived reports whether the session has been archived.
func (s *Session) Archived() bool {
	return s.archived.Load()
}

// Registry tracks live sessions, backed by the store when one is configured.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	store    *store.Store // nil = in-memory only

	now func() time.Time
}

// NewRegistry creates a registry. st may be nil for ephemeral operation.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		store:    st,
		now:      time.Now,
	}
}

// Open returns the session for id, creating it or hydrating it from the
// store on first access. Archived sessions cannot be reopened.
func (r *Registry) Open(id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		if s.Archived() {
			return nil, fmt.Errorf("session %s: %w", id, types.ErrSessionArchived)
		}
		return s, nil
	}

	now := r.now()
	s := newSession(id, now)

	if r.store != nil {
		exists, archived, err := r.store.SessionArchived(id)
		if err != nil {
			return nil, err
		}
		if archived {
			return nil, fmt.Errorf("session %s: %w", id, types.ErrSessionArchived)
		}
		if exists {
			if err := r.hydrate(s); err != nil {
				return nil, fmt.Errorf("hydrate session %s: %w", id, err)
			}
		} else if err := r.store.CreateSession(id, now); err != nil {
			return nil, err
		}
	}

	r.sessions[id] = s
	logging.Session("session open: id=%s turns=%d", id, s.Log.Len())
	logging.AuditWithSession(id).Log(logging.AuditEvent{
		EventType: logging.AuditSessionOpen,
		Success:   true,
	})
	return s, nil
}

// hydrate replays persisted state into a fresh session.
func (r *Registry) hydrate(s *Session) error {
	turns, err := r.store.LoadTurns(s.ID, 1, 0)
	if err != nil {
		return err
	}
	if err := s.Log.Restore(turns); err != nil {
		return err
	}

	tasks, err := r.store.LoadTasks(s.ID)
	if err != nil {
		return err
	}
	s.Board.Restore(tasks)
	return nil
}

// Get returns an already-open session.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Archive marks a session read-only. Further appends and opens fail with
// ErrSessionArchived; reads remain available on the live handle.
func (r *Registry) Archive(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("session %s not open", id)
	}
	if !s.archived.CompareAndSwap(false, true) {
		return fmt.Errorf("session %s: %w", id, types.ErrSessionArchived)
	}

	if r.store != nil {
		if err := r.store.ArchiveSession(id, r.now()); err != nil {
			logging.Session("persist archive failed: session=%s err=%v", id, err)
		}
	}

	logging.Session("session archived: id=%s", id)
	logging.AuditWithSession(id).Log(logging.AuditEvent{
		EventType: logging.AuditSessionArchive,
		Success:   true,
	})
	return nil
}

// List returns the ids of all open sessions.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
