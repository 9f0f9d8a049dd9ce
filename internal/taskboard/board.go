// Package taskboard maintains the structured task records derived from
// agent turns. Mutations run under the session write token held by the
// orchestrator; reads are many-reader.
package taskboard

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"inkforge/internal/logging"
	"inkforge/internal/types"
)

// allowed maps each status to its legal successors.
var allowed = map[types.TaskStatus][]types.TaskStatus{
	types.TaskProposed:   {types.TaskAssigned, types.TaskRejected},
	types.TaskAssigned:   {types.TaskInProgress, types.TaskBlocked, types.TaskDone, types.TaskRejected},
	types.TaskInProgress: {types.TaskBlocked, types.TaskReview, types.TaskDone},
	types.TaskBlocked:    {types.TaskAssigned, types.TaskInProgress, types.TaskRejected},
	types.TaskReview:     {types.TaskDone, types.TaskInProgress, types.TaskRejected},
	types.TaskDone:       {},
	types.TaskRejected:   {},
}

// Board holds the tasks for one session.
type Board struct {
	sessionID string

	mu    sync.RWMutex
	tasks map[string]*types.Task
	order []string // creation order, for deterministic listing

	now func() time.Time
}

// NewBoard creates an empty task board for a session.
func NewBoard(sessionID string) *Board {
	return &Board{
		sessionID: sessionID,
		tasks:     make(map[string]*types.Task),
		now:       time.Now,
	}
}

// Restore loads persisted tasks into the board in the given order.
func (b *Board) Restore(tasks []types.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, task := range tasks {
		t := task
		if _, ok := b.tasks[t.ID]; ok {
			continue
		}
		b.tasks[t.ID] = &t
		b.order = append(b.order, t.ID)
	}
}

// Propose creates a task in the proposed state, linked to the originating
// turn.
func (b *Board) Propose(title, description string, by types.Identity, turnSeq uint64) (types.Task, error) {
	if title == "" {
		return types.Task{}, fmt.Errorf("task title required")
	}
	if !types.AgentIdentity(by) && by != types.IdentityUser {
		return types.Task{}, fmt.Errorf("identity %q cannot propose tasks", by)
	}

	task := &types.Task{
		ID:          uuid.NewString(),
		SessionID:   b.sessionID,
		Title:       title,
		Description: description,
		Status:      types.TaskProposed,
		CreatedBy:   by,
		TurnRefs:    []uint64{turnSeq},
		CreatedAt:   b.now(),
		UpdatedAt:   b.now(),
	}

	b.mu.Lock()
	b.tasks[task.ID] = task
	b.order = append(b.order, task.ID)
	b.mu.Unlock()

	logging.TaskBoard("task proposed: session=%s id=%s title=%q by=%s",
		b.sessionID, task.ID, title, by)
	return *task, nil
}

// Assign moves a task to assigned with the given assignee.
func (b *Board) Assign(taskID string, to types.Identity, turnSeq uint64) (types.Task, error) {
	if !types.AgentIdentity(to) {
		return types.Task{}, fmt.Errorf("cannot assign task to %q", to)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return types.Task{}, fmt.Errorf("task %s not found", taskID)
	}
	if err := b.checkTransition(task, types.TaskAssigned); err != nil {
		return types.Task{}, err
	}

	task.Status = types.TaskAssigned
	task.AssignedTo = to
	task.TurnRefs = append(task.TurnRefs, turnSeq)
	task.UpdatedAt = b.now()

	logging.TaskBoard("task assigned: session=%s id=%s to=%s", b.sessionID, taskID, to)
	return *task, nil
}

// Transition moves a task to a new status, linking the driving turn.
func (b *Board) Transition(taskID string, to types.TaskStatus, turnSeq uint64) (types.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return types.Task{}, fmt.Errorf("task %s not found", taskID)
	}
	if err := b.checkTransition(task, to); err != nil {
		return types.Task{}, err
	}

	from := task.Status
	task.Status = to
	task.TurnRefs = append(task.TurnRefs, turnSeq)
	task.UpdatedAt = b.now()

	logging.TaskBoard("task transition: session=%s id=%s %s -> %s", b.sessionID, taskID, from, to)
	return *task, nil
}

func (b *Board) checkTransition(task *types.Task, to types.TaskStatus) error {
	for _, s := range allowed[task.Status] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("task %s: illegal transition %s -> %s", task.ID, task.Status, to)
}

// Get returns a copy of the task.
func (b *Board) Get(taskID string) (types.Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	task, ok := b.tasks[taskID]
	if !ok {
		return types.Task{}, false
	}
	return *task, true
}

// List returns all tasks in creation order.
func (b *Board) List() []types.Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Task, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, *b.tasks[id])
	}
	return out
}

// open reports whether a status counts as open work.
func open(s types.TaskStatus) bool {
	switch s {
	case types.TaskAssigned, types.TaskInProgress, types.TaskBlocked, types.TaskReview:
		return true
	}
	return false
}

// OpenAssignedTo returns the oldest open task assigned to the identity.
func (b *Board) OpenAssignedTo(id types.Identity) (types.Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, taskID := range b.order {
		task := b.tasks[taskID]
		if task.AssignedTo == id && open(task.Status) {
			return *task, true
		}
	}
	return types.Task{}, false
}

// HasOpenTasks reports whether any task is in an open state.
func (b *Board) HasOpenTasks() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, task := range b.tasks {
		if open(task.Status) {
			return true
		}
	}
	return false
}

// Latest returns the most recently created task, used to resolve directives
// that omit an explicit task id.
func (b *Board) Latest() (types.Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.order) == 0 {
		return types.Task{}, false
	}
	return *b.tasks[b.order[len(b.order)-1]], true
}
