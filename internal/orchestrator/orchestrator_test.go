package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"inkforge/internal/adapter"
	"inkforge/internal/config"
	"inkforge/internal/embedding"
	"inkforge/internal/executor"
	"inkforge/internal/gate"
	"inkforge/internal/router"
	"inkforge/internal/session"
	"inkforge/internal/store"
	"inkforge/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

type recordingExecutor struct {
	mu       sync.Mutex
	executed []types.ProposedAction
}

func (r *recordingExecutor) Execute(_ context.Context, action types.ProposedAction) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executed = append(r.executed, action)
	return "done", nil
}

func (r *recordingExecutor) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

type engine struct {
	orch    *Orchestrator
	backend *adapter.ScriptedAdapter
	gate    *gate.Gate
	actions *recordingExecutor
}

func newTestEngine(t *testing.T, approvalWindow time.Duration) *engine {
	t.Helper()

	r := router.New(config.RouterConfig{PreferTier: "local", DegradedRetryWindow: "30s"})
	backend := adapter.NewScriptedAdapter(types.AdapterDescriptor{
		ID:   "scripted:local",
		Tier: types.TierLocal,
		Profile: types.CapabilityProfile{
			MaxContextTokens: 32768,
			Streaming:        true,
		},
	})
	r.Register(backend)

	cache, err := embedding.NewCache(64, 0)
	require.NoError(t, err)
	exec := executor.New(config.ExecutorConfig{
		DefaultTimeout: "2s", MaxFallbackAttempts: 1, MaxConcurrentCalls: 2,
	}, r, cache)

	actions := &recordingExecutor{}
	g := gate.New(approvalWindow, actions)
	t.Cleanup(g.Stop)

	orch := New(session.NewRegistry(nil), r, exec, g, nil, config.DefaultRolesConfig())
	return &engine{orch: orch, backend: backend, gate: g, actions: actions}
}

// A plain user turn goes to the project manager, whose task directives land
// on the board.
func TestSubmitTurnProposesAndAssignsTask(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		require.Contains(t, p.SystemPrompt, "Chinga Bava")
		return "I'll break this down.\n" +
			"```json\n" +
			`{"directives":[{"type":"propose_task","title":"build login page",` +
			`"description":"form plus handler","assignee":"tanganaka_san"}]}` +
			"\n```\n", nil
	}

	in, err := e.orch.SubmitTurn(context.Background(), "s1", "please build a login page")
	require.NoError(t, err)

	assert.Equal(t, types.IdentityChinga, in.Responder)
	assert.Equal(t, uint64(1), in.UserTurn.Seq)
	assert.Equal(t, uint64(2), in.AgentTurn.Seq)
	assert.Equal(t, in.UserTurn.Seq, in.AgentTurn.InReplyTo)

	require.Len(t, in.Tasks, 1)
	task := in.Tasks[0]
	assert.Equal(t, "build login page", task.Title)
	assert.Equal(t, types.TaskAssigned, task.Status)
	assert.Equal(t, types.IdentityTanganaka, task.AssignedTo)
	assert.Contains(t, task.TurnRefs, in.AgentTurn.Seq)
}

// With an open assigned task, the next user turn routes to the developer.
func TestResponderFollowsOpenWork(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		return "noted\n```json\n" +
			`{"directives":[{"type":"propose_task","title":"t","assignee":"tanganaka_san"}]}` +
			"\n```", nil
	}

	_, err := e.orch.SubmitTurn(context.Background(), "s1", "start the work")
	require.NoError(t, err)

	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		require.Contains(t, p.SystemPrompt, "Tanganaka San")
		require.Contains(t, p.UserPrompt, "Task board:")
		return "on it", nil
	}
	in, err := e.orch.SubmitTurn(context.Background(), "s1", "how is it going?")
	require.NoError(t, err)
	assert.Equal(t, types.IdentityTanganaka, in.Responder)
}

func TestExplicitMentionOverridesRouting(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		require.Contains(t, p.SystemPrompt, "Tanganaka San")
		return "here", nil
	}

	in, err := e.orch.SubmitTurn(context.Background(), "s1", "@tanganaka what broke?")
	require.NoError(t, err)
	assert.Equal(t, types.IdentityTanganaka, in.Responder)
}

// A destructive action directive must come back pending and unexecuted; the
// approval executes it exactly once.
func TestDestructiveActionGatedBehindApproval(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		return "ready to push\n```json\n" +
			`{"directives":[{"type":"propose_action","kind":"repo_push",` +
			`"payload":{"target":"origin/main"}}]}` +
			"\n```", nil
	}

	in, err := e.orch.SubmitTurn(context.Background(), "s1", "@tanganaka ship it")
	require.NoError(t, err)

	require.Len(t, in.Actions, 1)
	action := in.Actions[0]
	assert.Equal(t, types.ApprovalPending, action.State)
	assert.False(t, action.Executed)
	assert.Equal(t, action.ID, in.AgentTurn.ProposedActionID)
	assert.Equal(t, 0, e.actions.count(), "pending action must not execute")

	decided, err := e.orch.DecideAction(context.Background(), "s1", action.ID, true)
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalApproved, decided.State)
	assert.True(t, decided.Executed)
	assert.Equal(t, 1, e.actions.count())

	// The decision leaves a system turn behind.
	history, err := e.orch.History("s1", 1, 0)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, types.IdentitySystem, last.Author)
	assert.Contains(t, last.Text, "approved and executed")
}

func TestSafeActionAutoExecutes(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		return "writing scratch file\n```json\n" +
			`{"directives":[{"type":"propose_action","kind":"file_write",` +
			`"payload":{"path":"scratch/draft.go","inside_sandbox":true}}]}` +
			"\n```", nil
	}

	in, err := e.orch.SubmitTurn(context.Background(), "s1", "@tanganaka draft it")
	require.NoError(t, err)

	require.Len(t, in.Actions, 1)
	assert.Equal(t, types.ApprovalApproved, in.Actions[0].State)
	assert.True(t, in.Actions[0].Executed)
	assert.Equal(t, 1, e.actions.count())
	assert.Empty(t, in.AgentTurn.ProposedActionID, "auto-approved action is not pending")
}

func TestLateDecisionExpires(t *testing.T) {
	e := newTestEngine(t, 30*time.Millisecond)
	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		return "```json\n" +
			`{"directives":[{"type":"propose_action","kind":"repo_merge",` +
			`"payload":{"target":"main"}}]}` +
			"\n```", nil
	}

	in, err := e.orch.SubmitTurn(context.Background(), "s1", "@tanganaka merge it")
	require.NoError(t, err)
	require.Len(t, in.Actions, 1)

	time.Sleep(60 * time.Millisecond)

	_, err = e.orch.DecideAction(context.Background(), "s1", in.Actions[0].ID, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrActionExpired))
	assert.Equal(t, 0, e.actions.count())

	history, err := e.orch.History("s1", 1, 0)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, types.IdentitySystem, last.Author)
	assert.Contains(t, last.Text, "expired")
}

// Inference failure is recorded as a system turn, and the board stays clean.
func TestInferenceFailureBecomesSystemTurn(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		return "", fmt.Errorf("model crashed")
	}

	in, err := e.orch.SubmitTurn(context.Background(), "s1", "hello")
	require.Error(t, err)

	assert.Equal(t, types.IdentitySystem, in.AgentTurn.Author)
	assert.Contains(t, in.AgentTurn.Text, "could not respond")
	assert.Empty(t, in.Tasks)

	history, err := e.orch.History("s1", 1, 0)
	require.NoError(t, err)
	require.Len(t, history, 2) // user turn + system turn
}

// A failed interaction must persist its system turn too; otherwise the stored
// history gains a seq gap and the session can never be rehydrated.
func TestFailedInteractionPersistsGaplessly(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	r := router.New(config.RouterConfig{PreferTier: "local", DegradedRetryWindow: "30s"})
	backend := adapter.NewScriptedAdapter(types.AdapterDescriptor{
		ID:   "scripted:local",
		Tier: types.TierLocal,
		Profile: types.CapabilityProfile{
			MaxContextTokens: 32768,
			Streaming:        true,
		},
	})
	r.Register(backend)

	cache, err := embedding.NewCache(64, 0)
	require.NoError(t, err)
	exec := executor.New(config.ExecutorConfig{
		DefaultTimeout: "2s", MaxFallbackAttempts: 0, MaxConcurrentCalls: 2,
	}, r, cache)
	g := gate.New(time.Minute, &recordingExecutor{})
	t.Cleanup(g.Stop)
	orch := New(session.NewRegistry(st), r, exec, g, st, config.DefaultRolesConfig())

	fail := true
	backend.RespondFunc = func(p types.Payload) (string, error) {
		if fail {
			return "", fmt.Errorf("model crashed")
		}
		return "recovered", nil
	}

	_, err = orch.SubmitTurn(context.Background(), "s1", "first try")
	require.Error(t, err)

	fail = false
	in, err := orch.SubmitTurn(context.Background(), "s1", "second try")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), in.AgentTurn.Seq)

	// A fresh registry replays the stored turns; a missing seq 2 would make
	// the open fail outright.
	s, err := session.NewRegistry(st).Open("s1")
	require.NoError(t, err)
	require.Equal(t, uint64(4), s.Log.Len())

	turns := s.Log.ReadRange(1, 0)
	require.Len(t, turns, 4)
	assert.Equal(t, types.IdentitySystem, turns[1].Author)
	assert.Contains(t, turns[1].Text, "could not respond")
	assert.Equal(t, "recovered", turns[3].Text)
}

// Stale directive references are dropped with a note, never an error.
func TestStaleDirectiveDropped(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.RespondFunc = func(p types.Payload) (string, error) {
		return "```json\n" +
			`{"directives":[{"type":"update_task","task_id":"ghost","status":"done"}]}` +
			"\n```", nil
	}

	in, err := e.orch.SubmitTurn(context.Background(), "s1", "finish the ghost task")
	require.NoError(t, err)
	assert.Empty(t, in.Tasks)

	history, err := e.orch.History("s1", 1, 0)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, types.IdentitySystem, last.Author)
	assert.Contains(t, last.Text, "dropped")
}

func TestSubscribeSeesChunksThenTurn(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.ChunkDelay = time.Millisecond
	e.backend.Enqueue("streamed reply text")

	events, cancel, err := e.orch.Subscribe("s1", 64)
	require.NoError(t, err)
	defer cancel()

	in, err := e.orch.SubmitTurn(context.Background(), "s1", "stream me")
	require.NoError(t, err)

	var chunkText strings.Builder
	sawAgentTurn := false
	deadline := time.After(2 * time.Second)
	for !sawAgentTurn {
		select {
		case ev := <-events:
			if ev.Chunk != nil {
				assert.Equal(t, in.UserTurn.Seq, ev.Chunk.ParentSeq)
				chunkText.WriteString(ev.Chunk.Text)
			}
			if ev.Turn != nil && ev.Turn.Author == in.Responder {
				sawAgentTurn = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for agent turn event")
		}
	}
	assert.Equal(t, "streamed reply text", chunkText.String())
	assert.Equal(t, "streamed reply text", in.AgentTurn.Text)
}

func TestSubmitToArchivedSessionFails(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	e.backend.Enqueue("hi")

	_, err := e.orch.SubmitTurn(context.Background(), "s1", "open it")
	require.NoError(t, err)

	require.NoError(t, e.orch.registry.Archive("s1"))

	_, err = e.orch.SubmitTurn(context.Background(), "s1", "still there?")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSessionArchived))
}

func TestEmptyTurnRejected(t *testing.T) {
	e := newTestEngine(t, time.Minute)
	_, err := e.orch.SubmitTurn(context.Background(), "s1", "   ")
	require.Error(t, err)
}
