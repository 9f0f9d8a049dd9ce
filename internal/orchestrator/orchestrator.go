// Package orchestrator coordinates one interaction end to end: append the
// user turn, pick the responding agent role, route and execute inference,
// interpret directives into task-board and action-gate effects, and append
// the agent turn. It is the only writer of session state; everything else
// reads.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"inkforge/internal/config"
	"inkforge/internal/conversation"
	"inkforge/internal/executor"
	"inkforge/internal/gate"
	"inkforge/internal/logging"
	"inkforge/internal/router"
	"inkforge/internal/session"
	"inkforge/internal/store"
	"inkforge/internal/taskboard"
	"inkforge/internal/types"
)

// Interaction is the outcome of one submitted user turn.
type Interaction struct {
	UserTurn  types.Turn
	AgentTurn types.Turn
	Responder types.Identity

	// Tasks and Actions are the board and gate effects this interaction
	// produced, in directive order.
	Tasks   []types.Task
	Actions []types.ProposedAction

	AdapterID string
	FellBack  bool
}

// Orchestrator drives sessions. One instance serves the whole process; the
// per-session write token serializes mutation.
type Orchestrator struct {
	registry *session.Registry
	router   *router.Router
	exec     *executor.Executor
	gate     *gate.Gate
	store    *store.Store // nil = in-memory only

	rolesMu sync.RWMutex
	roles   config.RolesConfig
}

// New wires an orchestrator. st may be nil.
func New(reg *session.Registry, r *router.Router, exec *executor.Executor,
	g *gate.Gate, st *store.Store, roles config.RolesConfig) *Orchestrator {

	o := &Orchestrator{
		registry: reg,
		router:   r,
		exec:     exec,
		gate:     g,
		store:    st,
		roles:    roles,
	}
	g.SetNotify(o.onActionExpired)
	return o
}

// SubmitTurn processes one user message: it appends the user turn, runs the
// responding agent, applies any directives, and appends the agent turn. The
// session write token is held for the whole interaction.
func (o *Orchestrator) SubmitTurn(ctx context.Context, sessionID, text string) (Interaction, error) {
	if strings.TrimSpace(text) == "" {
		return Interaction{}, fmt.Errorf("empty turn text")
	}

	s, err := o.registry.Open(sessionID)
	if err != nil {
		return Interaction{}, err
	}
	if err := s.AcquireWriter(ctx); err != nil {
		return Interaction{}, err
	}
	defer s.ReleaseWriter()

	userTurn, err := s.Log.Append(types.TurnDraft{Author: types.IdentityUser, Text: text})
	if err != nil {
		return Interaction{}, err
	}
	o.persistTurn(userTurn)

	responder := o.chooseResponder(s.Board, text)
	role := o.roleFor(responder)

	logging.Orchestrator("interaction start: session=%s seq=%d responder=%s",
		sessionID, userTurn.Seq, responder)

	req := types.RouteRequest{
		SessionID:        sessionID,
		MinContextTokens: role.MinContextTokens,
		RequireStreaming: role.RequireStreaming,
		LocalOnly:        role.LocalOnly || s.Policy().LocalOnly,
		Payload: types.Payload{
			SystemPrompt: role.SystemPrompt,
			UserPrompt:   o.buildPrompt(s.Log, s.Board, userTurn),
		},
	}

	result, err := o.exec.Run(ctx, req, func(c types.Chunk) {
		c.ParentSeq = userTurn.Seq
		s.Log.PublishChunk(c)
	})
	if err != nil {
		// Inference failures become system turns so the conversation records
		// what happened; the board is left untouched.
		sysTurn := o.appendSystemTurn(s.Log, userTurn.Seq, "",
			fmt.Sprintf("%s could not respond: %v", responder, err))
		o.persistTurn(sysTurn)
		return Interaction{
			UserTurn:  userTurn,
			AgentTurn: sysTurn,
			Responder: responder,
		}, err
	}

	directives := extractDirectives(result.Text)
	agentSeq := s.Log.Len() + 1 // seq the agent turn will take; we hold the writer

	tasks, actions, notes := o.applyDirectives(ctx, s.Board, sessionID, responder, agentSeq, directives)

	draft := types.TurnDraft{
		Author:    responder,
		Text:      result.Text,
		InReplyTo: userTurn.Seq,
	}
	for _, a := range actions {
		if a.State == types.ApprovalPending {
			draft.ProposedActionID = a.ID
			break
		}
	}

	agentTurn, err := s.Log.Append(draft)
	if err != nil {
		return Interaction{UserTurn: userTurn, Responder: responder}, err
	}
	o.persistTurn(agentTurn)
	for _, task := range tasks {
		o.persistTask(task)
	}
	for _, a := range actions {
		o.persistAction(a)
	}

	for _, note := range notes {
		sys := o.appendSystemTurn(s.Log, agentTurn.Seq, "", note)
		o.persistTurn(sys)
	}

	logging.Orchestrator("interaction done: session=%s user_seq=%d agent_seq=%d adapter=%s tasks=%d actions=%d",
		sessionID, userTurn.Seq, agentTurn.Seq, result.AdapterID, len(tasks), len(actions))

	return Interaction{
		UserTurn:  userTurn,
		AgentTurn: agentTurn,
		Responder: responder,
		Tasks:     tasks,
		Actions:   actions,
		AdapterID: result.AdapterID,
		FellBack:  result.FellBack,
	}, nil
}

// chooseResponder routes a user turn to an agent role. An explicit
// @tanganaka mention wins; otherwise open assigned work keeps the developer
// in the loop, and the project manager handles everything else.
func (o *Orchestrator) chooseResponder(board *taskboard.Board, text string) types.Identity {
	if strings.Contains(strings.ToLower(text), "@tanganaka") {
		return types.IdentityTanganaka
	}
	if _, ok := board.OpenAssignedTo(types.IdentityTanganaka); ok {
		return types.IdentityTanganaka
	}
	return types.IdentityChinga
}

func (o *Orchestrator) roleFor(id types.Identity) config.RoleConfig {
	o.rolesMu.RLock()
	defer o.rolesMu.RUnlock()
	if id == types.IdentityTanganaka {
		return o.roles.TanganakaSan
	}
	return o.roles.ChingaBava
}

// SetRoles swaps the agent role configuration, used by config hot reload.
// In-flight interactions keep the role they started with.
func (o *Orchestrator) SetRoles(roles config.RolesConfig) {
	o.rolesMu.Lock()
	o.roles = roles
	o.rolesMu.Unlock()
	logging.Orchestrator("role configuration reloaded")
}

// buildPrompt assembles the user prompt: recent history, the open board
// state, then the new message.
func (o *Orchestrator) buildPrompt(log *conversation.Log, board *taskboard.Board, userTurn types.Turn) string {
	var sb strings.Builder

	// Last turns before this one, oldest first.
	const historyWindow = 20
	from := uint64(1)
	if userTurn.Seq > historyWindow {
		from = userTurn.Seq - historyWindow
	}
	history := log.ReadRange(from, userTurn.Seq-1)
	if len(history) > 0 {
		sb.WriteString("Conversation so far:\n")
		for _, t := range history {
			fmt.Fprintf(&sb, "[%d] %s: %s\n", t.Seq, t.Author, stripDirectiveBlocks(t.Text))
		}
		sb.WriteString("\n")
	}

	open := board.List()
	if len(open) > 0 {
		sb.WriteString("Task board:\n")
		for _, task := range open {
			fmt.Fprintf(&sb, "- %s [%s] %s (assigned: %s)\n",
				task.ID, task.Status, task.Title, task.AssignedTo)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "user: %s", userTurn.Text)
	return sb.String()
}

// applyDirectives turns directive envelopes into board and gate effects.
// Invalid directives are skipped and reported as notes; a stale reference
// must not fail the interaction.
func (o *Orchestrator) applyDirectives(ctx context.Context, board *taskboard.Board,
	sessionID string, by types.Identity, turnSeq uint64,
	directives []Directive) (tasks []types.Task, actions []types.ProposedAction, notes []string) {

	for _, d := range directives {
		switch d.Type {
		case directiveProposeTask:
			task, err := board.Propose(d.Title, d.Description, by, turnSeq)
			if err != nil {
				notes = append(notes, fmt.Sprintf("task proposal dropped: %v", err))
				continue
			}
			if d.Assignee != "" {
				assigned, err := board.Assign(task.ID, types.Identity(d.Assignee), turnSeq)
				if err == nil {
					task = assigned
				} else {
					notes = append(notes, fmt.Sprintf("task %s assignment dropped: %v", task.ID, err))
				}
			}
			tasks = append(tasks, task)

		case directiveAssignTask:
			task, err := board.Assign(o.resolveTaskID(board, d.TaskID), types.Identity(d.Assignee), turnSeq)
			if err != nil {
				notes = append(notes, fmt.Sprintf("assignment dropped: %v", err))
				continue
			}
			tasks = append(tasks, task)

		case directiveUpdateTask:
			task, err := board.Transition(o.resolveTaskID(board, d.TaskID),
				types.TaskStatus(d.Status), turnSeq)
			if err != nil {
				notes = append(notes, fmt.Sprintf("status update dropped: %v", err))
				continue
			}
			tasks = append(tasks, task)

		case directiveProposeAction:
			action, err := o.gate.Propose(ctx, sessionID, types.ActionKind(d.Kind),
				d.Payload, by, turnSeq)
			if err != nil {
				notes = append(notes, fmt.Sprintf("action proposal failed: %v", err))
				continue
			}
			actions = append(actions, action)

		default:
			logging.OrchestratorDebug("ignoring unknown directive type %q", d.Type)
		}
	}
	return tasks, actions, notes
}

// resolveTaskID maps an empty task reference to the most recent task, the
// common shorthand in agent responses.
func (o *Orchestrator) resolveTaskID(board *taskboard.Board, id string) string {
	if id != "" {
		return id
	}
	if task, ok := board.Latest(); ok {
		return task.ID
	}
	return ""
}

// DecideAction resolves a pending gated action and records the outcome as a
// system turn.
func (o *Orchestrator) DecideAction(ctx context.Context, sessionID, actionID string, approved bool) (types.ProposedAction, error) {
	s, err := o.registry.Open(sessionID)
	if err != nil {
		return types.ProposedAction{}, err
	}
	if err := s.AcquireWriter(ctx); err != nil {
		return types.ProposedAction{}, err
	}
	defer s.ReleaseWriter()

	action, decideErr := o.gate.Decide(ctx, actionID, approved)
	if action.ID != "" {
		o.persistAction(action)

		var msg string
		switch {
		case decideErr != nil && action.State == types.ApprovalExpired:
			msg = fmt.Sprintf("action %s (%s) expired before a decision", action.ID, action.Kind)
		case decideErr != nil:
			msg = fmt.Sprintf("action %s (%s) approved but failed: %s", action.ID, action.Kind, action.Result)
		case action.State == types.ApprovalRejected:
			msg = fmt.Sprintf("action %s (%s) rejected", action.ID, action.Kind)
		default:
			msg = fmt.Sprintf("action %s (%s) approved and executed: %s", action.ID, action.Kind, action.Result)
		}
		sys := o.appendSystemTurn(s.Log, action.TurnSeq, action.ID, msg)
		o.persistTurn(sys)
	}
	return action, decideErr
}

// onActionExpired is the gate's sweep callback: it records the expiry as a
// system turn if the session is still live.
func (o *Orchestrator) onActionExpired(action types.ProposedAction) {
	s, ok := o.registry.Get(action.SessionID)
	if !ok {
		return
	}
	o.persistAction(action)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.AcquireWriter(ctx); err != nil {
		logging.Orchestrator("expiry note skipped, writer busy: session=%s action=%s",
			action.SessionID, action.ID)
		return
	}
	defer s.ReleaseWriter()

	sys := o.appendSystemTurn(s.Log, action.TurnSeq, action.ID,
		fmt.Sprintf("action %s (%s) expired without a decision", action.ID, action.Kind))
	o.persistTurn(sys)
}

// appendSystemTurn appends an engine-authored turn. Append failures here are
// logged, not propagated; a failed note must not mask the primary outcome.
func (o *Orchestrator) appendSystemTurn(log *conversation.Log, inReplyTo uint64, actionID, text string) types.Turn {
	turn, err := log.Append(types.TurnDraft{
		Author:           types.IdentitySystem,
		Text:             text,
		InReplyTo:        inReplyTo,
		ProposedActionID: actionID,
	})
	if err != nil {
		logging.Orchestrator("system turn append failed: %v", err)
		return types.Turn{}
	}
	logging.AuditWithSession(turn.SessionID).Log(logging.AuditEvent{
		EventType: logging.AuditSystemTurn,
		TurnSeq:   turn.Seq,
		Message:   text,
		Success:   true,
	})
	return turn
}

// Subscribe attaches a listener to a session's turn and chunk stream.
func (o *Orchestrator) Subscribe(sessionID string, buffer int) (<-chan conversation.Event, func(), error) {
	s, err := o.registry.Open(sessionID)
	if err != nil {
		return nil, nil, err
	}
	events, cancel := s.Log.Subscribe(buffer)
	return events, cancel, nil
}

// Session returns the live session handle for read access.
func (o *Orchestrator) Session(id string) (*session.Session, bool) {
	return o.registry.Get(id)
}

// OpenSession opens or resumes a session without submitting a turn, for
// callers that need to set policy up front.
func (o *Orchestrator) OpenSession(id string) (*session.Session, error) {
	return o.registry.Open(id)
}

// History returns the persisted turns of a session in [from, to].
func (o *Orchestrator) History(sessionID string, from, to uint64) ([]types.Turn, error) {
	s, err := o.registry.Open(sessionID)
	if err != nil {
		return nil, err
	}
	return s.Log.ReadRange(from, to), nil
}

// Embed exposes the shared embedding cache for content indexing.
func (o *Orchestrator) Embed(ctx context.Context, sessionID, text string) ([]float32, error) {
	return o.exec.Embed(ctx, types.RouteRequest{SessionID: sessionID}, text)
}

func (o *Orchestrator) persistTurn(turn types.Turn) {
	if o.store == nil || turn.Seq == 0 {
		return
	}
	if err := o.store.AppendTurn(turn); err != nil {
		logging.Orchestrator("persist turn failed: session=%s seq=%d err=%v",
			turn.SessionID, turn.Seq, err)
	}
}

func (o *Orchestrator) persistTask(task types.Task) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveTask(task); err != nil {
		logging.Orchestrator("persist task failed: id=%s err=%v", task.ID, err)
	}
}

func (o *Orchestrator) persistAction(action types.ProposedAction) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveAction(action); err != nil {
		logging.Orchestrator("persist action failed: id=%s err=%v", action.ID, err)
	}
}
