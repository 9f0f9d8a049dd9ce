// Package store persists sessions, turns, tasks, and gated actions to
// SQLite. Turns are keyed by (session_id, seq) and written with INSERT OR
// IGNORE so a replayed append is idempotent. Action payloads carry opaque
// credential handles only; plaintext secrets never reach the database.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"inkforge/internal/logging"
	"inkforge/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    created_at  INTEGER NOT NULL,
    archived_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS turns (
    session_id TEXT    NOT NULL,
    seq        INTEGER NOT NULL,
    author     TEXT    NOT NULL,
    body       TEXT    NOT NULL,
    ts         INTEGER NOT NULL,
    in_reply_to INTEGER NOT NULL DEFAULT 0,
    action_id  TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    session_id  TEXT NOT NULL,
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    created_by  TEXT NOT NULL,
    assigned_to TEXT NOT NULL DEFAULT '',
    turn_refs   TEXT NOT NULL DEFAULT '[]',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);

CREATE TABLE IF NOT EXISTS actions (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    kind           TEXT NOT NULL,
    classification TEXT NOT NULL,
    state          TEXT NOT NULL,
    proposed_by    TEXT NOT NULL,
    turn_seq       INTEGER NOT NULL,
    payload        TEXT NOT NULL DEFAULT '{}',
    executed       INTEGER NOT NULL DEFAULT 0,
    result         TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL,
    expires_at     INTEGER NOT NULL,
    decided_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_actions_session ON actions(session_id);
`

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// modernc's driver is not safe for concurrent writers on one connection
	// pool without WAL; a single connection sidesteps SQLITE_BUSY entirely.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("opened database: %s", path)
	return &Store{db: db}, nil
}

// schemaVersion is bumped whenever the schema changes shape.
const schemaVersion = 1

func migrate(db *sql.DB) error {
	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this build (v%d)",
			current, schemaVersion)
	}

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if current != schemaVersion {
		if _, err := db.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("stamp schema version: %w", err)
		}
		logging.Store("schema migrated: v%d -> v%d", current, schemaVersion)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession records a new session.
func (s *Store) CreateSession(id string, createdAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)`,
		id, createdAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// ArchiveSession marks a session archived.
func (s *Store) ArchiveSession(id string, at time.Time) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET archived_at = ? WHERE id = ? AND archived_at = 0`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("archive session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("archive session %s: not found or already archived", id)
	}
	return nil
}

// SessionArchived reports whether the session exists and is archived.
func (s *Store) SessionArchived(id string) (exists, archived bool, err error) {
	var archivedAt int64
	err = s.db.QueryRow(`SELECT archived_at FROM sessions WHERE id = ?`, id).Scan(&archivedAt)
	if err == sql.ErrNoRows {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("query session %s: %w", id, err)
	}
	return true, archivedAt != 0, nil
}

// ListSessions returns all session ids, newest first.
func (s *Store) ListSessions() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// TURNS
// =============================================================================

// AppendTurn persists a turn. Re-persisting the same (session, seq) is a
// no-op, so crash-replay cannot duplicate log entries.
func (s *Store) AppendTurn(turn types.Turn) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO turns
		 (session_id, seq, author, body, ts, in_reply_to, action_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		turn.SessionID, turn.Seq, string(turn.Author), turn.Text,
		turn.Timestamp.UnixMilli(), turn.InReplyTo, turn.ProposedActionID)
	if err != nil {
		return fmt.Errorf("append turn %s/%d: %w", turn.SessionID, turn.Seq, err)
	}
	return nil
}

// LoadTurns returns the turns for a session with seq in [from, to]; to == 0
// means "through the end".
func (s *Store) LoadTurns(sessionID string, from, to uint64) ([]types.Turn, error) {
	if from < 1 {
		from = 1
	}
	query := `SELECT session_id, seq, author, body, ts, in_reply_to, action_id
	          FROM turns WHERE session_id = ? AND seq >= ?`
	args := []any{sessionID, from}
	if to > 0 {
		query += ` AND seq <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("load turns %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []types.Turn
	for rows.Next() {
		var t types.Turn
		var author string
		var ts int64
		if err := rows.Scan(&t.SessionID, &t.Seq, &author, &t.Text, &ts,
			&t.InReplyTo, &t.ProposedActionID); err != nil {
			return nil, err
		}
		t.Author = types.Identity(author)
		t.Timestamp = time.UnixMilli(ts)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// MaxSeq returns the highest persisted sequence number for a session.
func (s *Store) MaxSeq(sessionID string) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(seq) FROM turns WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq %s: %w", sessionID, err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// =============================================================================
// TASKS
// =============================================================================

// SaveTask inserts or replaces a task row.
func (s *Store) SaveTask(task types.Task) error {
	refs, err := json.Marshal(task.TurnRefs)
	if err != nil {
		return fmt.Errorf("marshal turn refs: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO tasks
		 (id, session_id, title, description, status, created_by, assigned_to,
		  turn_refs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.SessionID, task.Title, task.Description, string(task.Status),
		string(task.CreatedBy), string(task.AssignedTo), string(refs),
		task.CreatedAt.UnixMilli(), task.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// LoadTasks returns all tasks for a session in creation order.
func (s *Store) LoadTasks(sessionID string) ([]types.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, title, description, status, created_by,
		        assigned_to, turn_refs, created_at, updated_at
		 FROM tasks WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load tasks %s: %w", sessionID, err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		var task types.Task
		var status, createdBy, assignedTo, refs string
		var createdAt, updatedAt int64
		if err := rows.Scan(&task.ID, &task.SessionID, &task.Title,
			&task.Description, &status, &createdBy, &assignedTo, &refs,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		task.Status = types.TaskStatus(status)
		task.CreatedBy = types.Identity(createdBy)
		task.AssignedTo = types.Identity(assignedTo)
		task.CreatedAt = time.UnixMilli(createdAt)
		task.UpdatedAt = time.UnixMilli(updatedAt)
		if err := json.Unmarshal([]byte(refs), &task.TurnRefs); err != nil {
			return nil, fmt.Errorf("task %s turn refs: %w", task.ID, err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// =============================================================================
// ACTIONS
// =============================================================================

// SaveAction inserts or replaces a gated action row.
func (s *Store) SaveAction(action types.ProposedAction) error {
	payload, err := json.Marshal(action.Payload)
	if err != nil {
		return fmt.Errorf("marshal action payload: %w", err)
	}
	executed := 0
	if action.Executed {
		executed = 1
	}
	var decidedAt int64
	if !action.DecidedAt.IsZero() {
		decidedAt = action.DecidedAt.UnixMilli()
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO actions
		 (id, session_id, kind, classification, state, proposed_by, turn_seq,
		  payload, executed, result, created_at, expires_at, decided_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.SessionID, string(action.Kind),
		string(action.Classification), string(action.State),
		string(action.ProposedBy), action.TurnSeq, string(payload), executed,
		action.Result, action.CreatedAt.UnixMilli(),
		action.ExpiresAt.UnixMilli(), decidedAt)
	if err != nil {
		return fmt.Errorf("save action %s: %w", action.ID, err)
	}
	return nil
}

// LoadActions returns all gated actions for a session, oldest first.
func (s *Store) LoadActions(sessionID string) ([]types.ProposedAction, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, kind, classification, state, proposed_by,
		        turn_seq, payload, executed, result, created_at, expires_at,
		        decided_at
		 FROM actions WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load actions %s: %w", sessionID, err)
	}
	defer rows.Close()

	var actions []types.ProposedAction
	for rows.Next() {
		var a types.ProposedAction
		var kind, class, state, by, payload string
		var executed int
		var createdAt, expiresAt, decidedAt int64
		if err := rows.Scan(&a.ID, &a.SessionID, &kind, &class, &state, &by,
			&a.TurnSeq, &payload, &executed, &a.Result, &createdAt,
			&expiresAt, &decidedAt); err != nil {
			return nil, err
		}
		a.Kind = types.ActionKind(kind)
		a.Classification = types.Classification(class)
		a.State = types.ApprovalState(state)
		a.ProposedBy = types.Identity(by)
		a.Executed = executed != 0
		a.CreatedAt = time.UnixMilli(createdAt)
		a.ExpiresAt = time.UnixMilli(expiresAt)
		if decidedAt != 0 {
			a.DecidedAt = time.UnixMilli(decidedAt)
		}
		if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
			return nil, fmt.Errorf("action %s payload: %w", a.ID, err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
