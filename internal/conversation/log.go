// Package conversation implements the append-only conversation log: a
// totally ordered record of turns per session with gapless monotonic
// sequence numbers, single-writer append discipline, and many-reader range
// access.
package conversation

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"inkforge/internal/logging"
	"inkforge/internal/types"
)

// Event is one item delivered to a subscriber: either a fully appended turn
// or a streaming chunk tagged with its parent sequence number.
type Event struct {
	Turn  *types.Turn
	Chunk *types.Chunk
}

// Log is the append-only conversation record for one session. Appends are
// single-writer: a second append while one is in flight fails with
// ErrSessionLocked rather than queueing. Reads are safe for any number of
// concurrent readers.
type Log struct {
	sessionID string

	appending atomic.Bool

	mu    sync.RWMutex
	turns []types.Turn

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int

	now func() time.Time
}

// NewLog creates the conversation log for a session.
func NewLog(sessionID string) *Log {
	return &Log{
		sessionID: sessionID,
		subs:      make(map[int]chan Event),
		now:       time.Now,
	}
}

// SessionID returns the owning session id.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Append assigns the next sequence number and stores the turn. Fails with
// ErrSessionLocked if another append is in flight for this session; callers
// serialize via the session write token or retry. The append is atomic: a
// turn is either fully visible or absent, never partial.
func (l *Log) Append(draft types.TurnDraft) (types.Turn, error) {
	if !types.KnownIdentity(draft.Author) {
		return types.Turn{}, fmt.Errorf("unknown author %q", draft.Author)
	}

	if !l.appending.CompareAndSwap(false, true) {
		logging.ConversationDebug("append rejected, in flight: session=%s author=%s",
			l.sessionID, draft.Author)
		return types.Turn{}, fmt.Errorf("session %s: %w", l.sessionID, types.ErrSessionLocked)
	}
	defer l.appending.Store(false)

	l.mu.Lock()
	turn := types.Turn{
		SessionID:        l.sessionID,
		Seq:              uint64(len(l.turns)) + 1,
		Author:           draft.Author,
		Text:             draft.Text,
		Timestamp:        l.now(),
		InReplyTo:        draft.InReplyTo,
		ProposedActionID: draft.ProposedActionID,
	}
	l.turns = append(l.turns, turn)
	l.mu.Unlock()

	logging.ConversationDebug("appended turn: session=%s seq=%d author=%s len=%d",
		l.sessionID, turn.Seq, turn.Author, len(turn.Text))
	logging.AuditWithSession(l.sessionID).TurnAppended(l.sessionID, turn.Seq, string(turn.Author))

	l.publish(Event{Turn: &turn})
	return turn, nil
}

// Restore loads persisted turns into an empty log. The slice must be the
// complete gapless history starting at sequence 1.
func (l *Log) Restore(turns []types.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.turns) > 0 {
		return fmt.Errorf("session %s: restore into non-empty log", l.sessionID)
	}
	for i, turn := range turns {
		if turn.Seq != uint64(i)+1 {
			return fmt.Errorf("session %s: persisted history has gap at seq %d",
				l.sessionID, i+1)
		}
	}
	l.turns = append(l.turns, turns...)
	return nil
}

// ReadRange returns the turns with sequence numbers in [from, to],
// inclusive. from < 1 is clamped to 1; to == 0 means "through the end".
// The returned slice is a copy; turns are immutable.
func (l *Log) ReadRange(from, to uint64) []types.Turn {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := uint64(len(l.turns))
	if from < 1 {
		from = 1
	}
	if to == 0 || to > n {
		to = n
	}
	if from > to {
		return nil
	}

	out := make([]types.Turn, to-from+1)
	copy(out, l.turns[from-1:to])
	return out
}

// Len returns the highest assigned sequence number.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.turns))
}

// Subscribe registers a listener for appended turns and streaming chunks.
// The returned cancel function must be called to release the subscription.
// Delivery is best-effort: a subscriber that stops draining loses events
// rather than blocking the appender.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	l.subMu.Lock()
	id := l.nextID
	l.nextID++
	ch := make(chan Event, buffer)
	l.subs[id] = ch
	l.subMu.Unlock()

	cancel := func() {
		l.subMu.Lock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
		l.subMu.Unlock()
	}
	return ch, cancel
}

// PublishChunk fans a streaming chunk out to subscribers. Chunks are not
// part of the log; the final turn is appended separately once complete.
func (l *Log) PublishChunk(chunk types.Chunk) {
	l.publish(Event{Chunk: &chunk})
}

func (l *Log) publish(ev Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for id, ch := range l.subs {
		select {
		case ch <- ev:
		default:
			logging.Get(logging.CategoryConversation).Warn(
				"subscriber %d lagging, dropping event: session=%s", id, l.sessionID)
		}
	}
}
