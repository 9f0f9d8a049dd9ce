package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkforge/internal/types"
)

// recordingExecutor captures every execution the gate delegates.
type recordingExecutor struct {
	mu       sync.Mutex
	executed []types.ProposedAction
	result   string
	err      error
}

func (r *recordingExecutor) Execute(_ context.Context, action types.ProposedAction) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, action)
	if r.err != nil {
		return "", r.err
	}
	if r.result == "" {
		return "ok", nil
	}
	return r.result, nil
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name    string
		kind    types.ActionKind
		payload types.ActionPayload
		want    types.Classification
	}{
		{"push", types.ActionRepoPush, types.ActionPayload{Target: "origin/main"}, types.ClassDestructive},
		{"merge", types.ActionRepoMerge, types.ActionPayload{Target: "main"}, types.ClassDestructive},
		{"secret", types.ActionSecretAccess, types.ActionPayload{CredentialHandle: "vault:deploy-key"}, types.ClassDestructive},
		{"write outside sandbox", types.ActionFileWrite, types.ActionPayload{Path: "/etc/hosts"}, types.ClassDestructive},
		{"write inside sandbox", types.ActionFileWrite, types.ActionPayload{Path: "scratch/a.go", InsideSandbox: true}, types.ClassSafe},
		{"diff tracked", types.ActionApplyDiff, types.ActionPayload{Path: "main.go", TrackedFile: true}, types.ClassDestructive},
		{"diff untracked", types.ActionApplyDiff, types.ActionPayload{Path: "notes.txt"}, types.ClassSafe},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.kind, tc.payload))
		})
	}
}

func TestSafeActionAutoApprovedAndExecuted(t *testing.T) {
	exec := &recordingExecutor{result: "written"}
	g := New(time.Minute, exec)

	action, err := g.Propose(context.Background(), "s1", types.ActionFileWrite,
		types.ActionPayload{Path: "scratch/x.go", InsideSandbox: true}, types.IdentityTanganaka, 4)
	require.NoError(t, err)

	assert.Equal(t, types.ApprovalApproved, action.State)
	assert.True(t, action.Executed)
	assert.Equal(t, "written", action.Result)
	assert.Equal(t, 1, exec.count())
}

// A destructive proposal stays pending and must not reach the executor
// until an approval arrives.
func TestDestructiveWaitsForApproval(t *testing.T) {
	exec := &recordingExecutor{}
	g := New(time.Minute, exec)

	action, err := g.Propose(context.Background(), "s1", types.ActionRepoPush,
		types.ActionPayload{Target: "origin/main"}, types.IdentityTanganaka, 7)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, action.State)
	assert.Equal(t, 0, exec.count(), "pending action must never execute")

	decided, err := g.Decide(context.Background(), action.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, decided.State)
	assert.True(t, decided.Executed)
	assert.Equal(t, 1, exec.count())
	assert.Equal(t, action.ID, exec.executed[0].ID)
}

func TestRejectedActionNeverExecutes(t *testing.T) {
	exec := &recordingExecutor{}
	g := New(time.Minute, exec)

	action, err := g.Propose(context.Background(), "s1", types.ActionRepoMerge,
		types.ActionPayload{Target: "main"}, types.IdentityTanganaka, 2)
	require.NoError(t, err)

	decided, err := g.Decide(context.Background(), action.ID, false)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalRejected, decided.State)
	assert.False(t, decided.Executed)
	assert.Equal(t, 0, exec.count())
}

func TestDecideUnknownAction(t *testing.T) {
	g := New(time.Minute, &recordingExecutor{})

	_, err := g.Decide(context.Background(), "no-such-id", true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnknownAction))
}

func TestDecideTwiceFailsCleanly(t *testing.T) {
	exec := &recordingExecutor{}
	g := New(time.Minute, exec)

	action, err := g.Propose(context.Background(), "s1", types.ActionRepoPush,
		types.ActionPayload{Target: "origin/main"}, types.IdentityTanganaka, 1)
	require.NoError(t, err)

	_, err = g.Decide(context.Background(), action.ID, true)
	require.NoError(t, err)

	_, err = g.Decide(context.Background(), action.ID, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAlreadyResolved))
	assert.Equal(t, 1, exec.count(), "second decision must not re-execute")
}

// Concurrent approve/reject for the same action: exactly one decision wins,
// the other fails with AlreadyResolved, and execution happens at most once.
func TestConcurrentDecisionsOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		exec := &recordingExecutor{}
		g := New(time.Minute, exec)

		action, err := g.Propose(context.Background(), "s1", types.ActionRepoPush,
			types.ActionPayload{Target: "origin/main"}, types.IdentityTanganaka, 1)
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = g.Decide(context.Background(), action.ID, true)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = g.Decide(context.Background(), action.ID, false)
		}()
		wg.Wait()

		resolved := 0
		for _, err := range errs {
			if err == nil {
				resolved++
			} else {
				require.True(t, errors.Is(err, types.ErrAlreadyResolved), "got %v", err)
			}
		}
		assert.Equal(t, 1, resolved, "exactly one decision must win")
		assert.LessOrEqual(t, exec.count(), 1)
	}
}

func TestExpiryOnLateDecision(t *testing.T) {
	exec := &recordingExecutor{}
	g := New(time.Minute, exec)

	clock := time.Now()
	g.now = func() time.Time { return clock }

	action, err := g.Propose(context.Background(), "s1", types.ActionSecretAccess,
		types.ActionPayload{CredentialHandle: "vault:key"}, types.IdentityTanganaka, 3)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)

	expired, err := g.Decide(context.Background(), action.ID, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrActionExpired))
	assert.Equal(t, types.ApprovalExpired, expired.State)
	assert.Equal(t, 0, exec.count(), "expired action must never execute")
}

func TestSweepExpiresAndNotifies(t *testing.T) {
	exec := &recordingExecutor{}
	g := New(time.Minute, exec)

	clock := time.Now()
	g.now = func() time.Time { return clock }

	var mu sync.Mutex
	var notified []types.ProposedAction
	g.SetNotify(func(a types.ProposedAction) {
		mu.Lock()
		notified = append(notified, a)
		mu.Unlock()
	})

	stale, err := g.Propose(context.Background(), "s1", types.ActionRepoPush,
		types.ActionPayload{Target: "origin/main"}, types.IdentityTanganaka, 1)
	require.NoError(t, err)

	clock = clock.Add(30 * time.Second)
	fresh, err := g.Propose(context.Background(), "s1", types.ActionRepoMerge,
		types.ActionPayload{Target: "main"}, types.IdentityTanganaka, 2)
	require.NoError(t, err)

	clock = clock.Add(45 * time.Second) // stale past window, fresh inside

	assert.Equal(t, 1, g.Sweep())

	got, ok := g.Get(stale.ID)
	require.True(t, ok)
	assert.Equal(t, types.ApprovalExpired, got.State)

	got, ok = g.Get(fresh.ID)
	require.True(t, ok)
	assert.Equal(t, types.ApprovalPending, got.State)

	mu.Lock()
	require.Len(t, notified, 1)
	assert.Equal(t, stale.ID, notified[0].ID)
	mu.Unlock()

	assert.Equal(t, 0, exec.count())
}

func TestExecutionFailureRecordedOnAction(t *testing.T) {
	exec := &recordingExecutor{err: errors.New("remote rejected push")}
	g := New(time.Minute, exec)

	action, err := g.Propose(context.Background(), "s1", types.ActionRepoPush,
		types.ActionPayload{Target: "origin/main"}, types.IdentityTanganaka, 1)
	require.NoError(t, err)

	decided, err := g.Decide(context.Background(), action.ID, true)
	require.Error(t, err)
	assert.Equal(t, types.ApprovalApproved, decided.State)
	assert.False(t, decided.Executed)
	assert.Contains(t, decided.Result, "remote rejected push")
}

func TestPendingListing(t *testing.T) {
	g := New(time.Minute, &recordingExecutor{})

	_, err := g.Propose(context.Background(), "s1", types.ActionRepoPush,
		types.ActionPayload{Target: "origin/main"}, types.IdentityTanganaka, 1)
	require.NoError(t, err)
	_, err = g.Propose(context.Background(), "s1", types.ActionFileWrite,
		types.ActionPayload{Path: "scratch/y.go", InsideSandbox: true}, types.IdentityTanganaka, 2)
	require.NoError(t, err)

	pending := g.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, types.ActionRepoPush, pending[0].Kind)
}
