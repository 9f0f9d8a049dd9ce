package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkforge/internal/store"
	"inkforge/internal/types"
)

func TestWriteTokenIsExclusive(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Open("s1")
	require.NoError(t, err)

	require.NoError(t, s.AcquireWriter(context.Background()))
	assert.False(t, s.TryAcquireWriter(), "second writer must not acquire")

	s.ReleaseWriter()
	assert.True(t, s.TryAcquireWriter())
	s.ReleaseWriter()
}

func TestAcquireWriterRespectsContext(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Open("s1")
	require.NoError(t, err)

	require.NoError(t, s.AcquireWriter(context.Background()))
	defer s.ReleaseWriter()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = s.AcquireWriter(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestOpenReturnsSameSession(t *testing.T) {
	r := NewRegistry(nil)

	a, err := r.Open("s1")
	require.NoError(t, err)
	b, err := r.Open("s1")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestArchivedSessionRejectsWriters(t *testing.T) {
	r := NewRegistry(nil)
	s, err := r.Open("s1")
	require.NoError(t, err)

	require.NoError(t, r.Archive("s1"))

	err = s.AcquireWriter(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSessionArchived))

	_, err = r.Open("s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSessionArchived))

	// Reads stay available.
	assert.Equal(t, uint64(0), s.Log.Len())
}

func TestHydrateFromStore(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	// First lifetime: session with history.
	r1 := NewRegistry(st)
	s1, err := r1.Open("s1")
	require.NoError(t, err)

	turn, err := s1.Log.Append(types.TurnDraft{Author: types.IdentityUser, Text: "remember me"})
	require.NoError(t, err)
	require.NoError(t, st.AppendTurn(turn))

	task, err := s1.Board.Propose("persisted task", "", types.IdentityChinga, turn.Seq)
	require.NoError(t, err)
	require.NoError(t, st.SaveTask(task))

	// Second lifetime: fresh registry over the same store.
	r2 := NewRegistry(st)
	s2, err := r2.Open("s1")
	require.NoError(t, err)

	turns := s2.Log.ReadRange(1, 0)
	require.Len(t, turns, 1)
	assert.Equal(t, "remember me", turns[0].Text)

	// Appends continue from the persisted sequence.
	next, err := s2.Log.Append(types.TurnDraft{Author: types.IdentityUser, Text: "again"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), next.Seq)

	got, ok := s2.Board.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, "persisted task", got.Title)
}

func TestArchivePersistsAcrossRegistries(t *testing.T) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	defer st.Close()

	r1 := NewRegistry(st)
	_, err = r1.Open("s1")
	require.NoError(t, err)
	require.NoError(t, r1.Archive("s1"))

	r2 := NewRegistry(st)
	_, err = r2.Open("s1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrSessionArchived))
}
