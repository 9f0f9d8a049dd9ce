package store

import (
	"testing"
	"time"

	"inkforge/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	if err := s.CreateSession("s1", now); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	exists, archived, err := s.SessionArchived("s1")
	if err != nil {
		t.Fatalf("query session failed: %v", err)
	}
	if !exists || archived {
		t.Errorf("expected live session, got exists=%v archived=%v", exists, archived)
	}

	if err := s.ArchiveSession("s1", now.Add(time.Hour)); err != nil {
		t.Fatalf("archive failed: %v", err)
	}
	_, archived, err = s.SessionArchived("s1")
	if err != nil {
		t.Fatalf("query session failed: %v", err)
	}
	if !archived {
		t.Error("expected archived session")
	}

	// Double archive fails.
	if err := s.ArchiveSession("s1", now.Add(2*time.Hour)); err == nil {
		t.Error("expected error on double archive")
	}

	exists, _, err = s.SessionArchived("missing")
	if err != nil {
		t.Fatalf("query missing session failed: %v", err)
	}
	if exists {
		t.Error("missing session reported as existing")
	}
}

func TestTurnPersistenceKeyedBySessionAndSeq(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateSession("s1", time.Now()); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	turn := types.Turn{
		SessionID: "s1",
		Seq:       1,
		Author:    types.IdentityUser,
		Text:      "build the login form",
		Timestamp: time.Now(),
	}
	if err := s.AppendTurn(turn); err != nil {
		t.Fatalf("append turn failed: %v", err)
	}

	// Replaying the same (session, seq) must not duplicate.
	turn.Text = "replayed"
	if err := s.AppendTurn(turn); err != nil {
		t.Fatalf("replay append failed: %v", err)
	}

	turns, err := s.LoadTurns("s1", 1, 0)
	if err != nil {
		t.Fatalf("load turns failed: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if turns[0].Text != "build the login form" {
		t.Errorf("replay overwrote original turn: %q", turns[0].Text)
	}
	if turns[0].Author != types.IdentityUser {
		t.Errorf("author round-trip failed: %q", turns[0].Author)
	}
}

func TestLoadTurnsRange(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateSession("s1", time.Now()); err != nil {
		t.Fatalf("create session failed: %v", err)
	}

	for seq := uint64(1); seq <= 5; seq++ {
		err := s.AppendTurn(types.Turn{
			SessionID: "s1", Seq: seq, Author: types.IdentityChinga,
			Text: "t", Timestamp: time.Now(),
		})
		if err != nil {
			t.Fatalf("append %d failed: %v", seq, err)
		}
	}

	turns, err := s.LoadTurns("s1", 2, 4)
	if err != nil {
		t.Fatalf("load range failed: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(turns))
	}
	if turns[0].Seq != 2 || turns[2].Seq != 4 {
		t.Errorf("wrong range: first=%d last=%d", turns[0].Seq, turns[2].Seq)
	}

	max, err := s.MaxSeq("s1")
	if err != nil {
		t.Fatalf("max seq failed: %v", err)
	}
	if max != 5 {
		t.Errorf("expected max seq 5, got %d", max)
	}

	max, err = s.MaxSeq("empty")
	if err != nil {
		t.Fatalf("max seq on empty session failed: %v", err)
	}
	if max != 0 {
		t.Errorf("expected max seq 0 for empty session, got %d", max)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)

	task := types.Task{
		ID:          "task-1",
		SessionID:   "s1",
		Title:       "wire login handler",
		Description: "POST /login",
		Status:      types.TaskInProgress,
		CreatedBy:   types.IdentityChinga,
		AssignedTo:  types.IdentityTanganaka,
		TurnRefs:    []uint64{2, 3, 5},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("save task failed: %v", err)
	}

	// Status updates replace the row.
	task.Status = types.TaskDone
	if err := s.SaveTask(task); err != nil {
		t.Fatalf("update task failed: %v", err)
	}

	tasks, err := s.LoadTasks("s1")
	if err != nil {
		t.Fatalf("load tasks failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.Status != types.TaskDone {
		t.Errorf("expected done, got %s", got.Status)
	}
	if got.AssignedTo != types.IdentityTanganaka {
		t.Errorf("assignee round-trip failed: %q", got.AssignedTo)
	}
	if len(got.TurnRefs) != 3 || got.TurnRefs[2] != 5 {
		t.Errorf("turn refs round-trip failed: %v", got.TurnRefs)
	}
}

func TestActionRoundTripKeepsHandleOpaque(t *testing.T) {
	s := openTestStore(t)

	action := types.ProposedAction{
		ID:             "act-1",
		SessionID:      "s1",
		Kind:           types.ActionSecretAccess,
		Payload:        types.ActionPayload{CredentialHandle: "vault:deploy-key"},
		Classification: types.ClassDestructive,
		State:          types.ApprovalApproved,
		ProposedBy:     types.IdentityTanganaka,
		TurnSeq:        7,
		Executed:       true,
		Result:         "token injected into env",
		CreatedAt:      time.Now(),
		ExpiresAt:      time.Now().Add(10 * time.Minute),
		DecidedAt:      time.Now().Add(time.Minute),
	}
	if err := s.SaveAction(action); err != nil {
		t.Fatalf("save action failed: %v", err)
	}

	actions, err := s.LoadActions("s1")
	if err != nil {
		t.Fatalf("load actions failed: %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("expected 1 action, got %d", len(actions))
	}
	got := actions[0]
	if got.State != types.ApprovalApproved || !got.Executed {
		t.Errorf("state round-trip failed: state=%s executed=%v", got.State, got.Executed)
	}
	if got.Payload.CredentialHandle != "vault:deploy-key" {
		t.Errorf("credential handle round-trip failed: %q", got.Payload.CredentialHandle)
	}
	if got.DecidedAt.IsZero() {
		t.Error("decided_at lost in round trip")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	if err := s.CreateSession("old", base.Add(-time.Hour)); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.CreateSession("new", base); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ids, err := s.ListSessions()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "new" || ids[1] != "old" {
		t.Errorf("wrong order: %v", ids)
	}
}
