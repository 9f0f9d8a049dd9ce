// Package logging: audit logging for gated actions and turn lifecycle.
// Audit events are structured JSONL records so external tooling can replay
// exactly which effects were proposed, decided, and executed.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Turn lifecycle
	AuditTurnAppended AuditEventType = "turn_appended"
	AuditSystemTurn   AuditEventType = "system_turn"

	// Routing and inference
	AuditRouteSelected    AuditEventType = "route_selected"
	AuditRouteFailed      AuditEventType = "route_failed"
	AuditInferenceStart   AuditEventType = "inference_start"
	AuditInferenceDone    AuditEventType = "inference_done"
	AuditInferenceTimeout AuditEventType = "inference_timeout"
	AuditFallbackAttempt  AuditEventType = "fallback_attempt"

	// Action gate transitions
	AuditActionProposed AuditEventType = "action_proposed"
	AuditActionApproved AuditEventType = "action_approved"
	AuditActionRejected AuditEventType = "action_rejected"
	AuditActionExpired  AuditEventType = "action_expired"
	AuditActionExecuted AuditEventType = "action_executed"

	// Session lifecycle
	AuditSessionOpen    AuditEventType = "session_open"
	AuditSessionArchive AuditEventType = "session_archive"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	SessionID  string                 `json:"session,omitempty"`
	ActionID   string                 `json:"action_id,omitempty"`
	TurnSeq    uint64                 `json:"turn_seq,omitempty"`
	Actor      string                 `json:"actor,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes structured audit events, optionally scoped to a session.
type AuditLogger struct {
	sessionID string
}

// InitAudit initializes the audit logging system.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession creates an audit logger scoped to a session.
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" && a.sessionID != "" {
		event.SessionID = a.sessionID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// ActionTransition records an action gate state change.
func (a *AuditLogger) ActionTransition(eventType AuditEventType, actionID, kind string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: eventType,
		ActionID:  actionID,
		Target:    kind,
		Success:   success,
		Error:     errMsg,
	})
}

// ActionExecuted records the outcome of delegating an approved action.
func (a *AuditLogger) ActionExecuted(actionID, kind string, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditActionExecuted,
		ActionID:   actionID,
		Target:     kind,
		DurationMs: durationMs,
		Success:    success,
		Error:      errMsg,
	})
}

// TurnAppended records a successful conversation log append.
func (a *AuditLogger) TurnAppended(sessionID string, seq uint64, author string) {
	a.Log(AuditEvent{
		EventType: AuditTurnAppended,
		SessionID: sessionID,
		TurnSeq:   seq,
		Actor:     author,
		Success:   true,
	})
}

// RouteSelected records an adapter selection.
func (a *AuditLogger) RouteSelected(sessionID, adapterID string, minContext int) {
	a.Log(AuditEvent{
		EventType: AuditRouteSelected,
		SessionID: sessionID,
		Target:    adapterID,
		Success:   true,
		Fields:    map[string]interface{}{"min_context": minContext},
	})
}
