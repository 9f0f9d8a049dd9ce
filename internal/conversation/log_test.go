package conversation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inkforge/internal/types"
)

func TestAppendAssignsGaplessSequence(t *testing.T) {
	log := NewLog("s1")

	for i := 0; i < 5; i++ {
		turn, err := log.Append(types.TurnDraft{Author: types.IdentityUser, Text: "hello"})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), turn.Seq)
	}
	assert.Equal(t, uint64(5), log.Len())
}

func TestAppendRejectsUnknownAuthor(t *testing.T) {
	log := NewLog("s1")
	_, err := log.Append(types.TurnDraft{Author: "intruder", Text: "hi"})
	require.Error(t, err)
}

func TestAppendRoundTrip(t *testing.T) {
	log := NewLog("s1")

	want, err := log.Append(types.TurnDraft{
		Author:    types.IdentityChinga,
		Text:      "task breakdown follows",
		InReplyTo: 0,
	})
	require.NoError(t, err)

	got := log.ReadRange(want.Seq, want.Seq)
	require.Len(t, got, 1)
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("turn mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRangeClamping(t *testing.T) {
	log := NewLog("s1")
	for i := 0; i < 3; i++ {
		_, err := log.Append(types.TurnDraft{Author: types.IdentityUser, Text: "x"})
		require.NoError(t, err)
	}

	assert.Len(t, log.ReadRange(0, 0), 3)  // clamp both ends
	assert.Len(t, log.ReadRange(2, 0), 2)  // open upper bound
	assert.Len(t, log.ReadRange(2, 99), 2) // clamp upper
	assert.Nil(t, log.ReadRange(5, 6))     // beyond end
}

// Concurrent appenders: the log must end up a total order with no gaps and
// no duplicate sequence numbers. Losers of the single-writer race retry.
func TestConcurrentAppendersTotalOrder(t *testing.T) {
	log := NewLog("s1")

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				for {
					_, err := log.Append(types.TurnDraft{Author: types.IdentityUser, Text: "t"})
					if err == nil {
						break
					}
					if !errors.Is(err, types.ErrSessionLocked) {
						t.Errorf("unexpected append error: %v", err)
						return
					}
					time.Sleep(time.Microsecond) // retry, do not queue
				}
			}
		}()
	}
	wg.Wait()

	turns := log.ReadRange(1, 0)
	require.Len(t, turns, writers*perWriter)

	seen := make(map[uint64]bool, len(turns))
	for i, turn := range turns {
		assert.Equal(t, uint64(i+1), turn.Seq, "sequence must be gapless")
		assert.False(t, seen[turn.Seq], "sequence %d duplicated", turn.Seq)
		seen[turn.Seq] = true
	}
}

func TestSubscribeReceivesTurnsAndChunks(t *testing.T) {
	log := NewLog("s1")

	events, cancel := log.Subscribe(8)
	defer cancel()

	turn, err := log.Append(types.TurnDraft{Author: types.IdentityUser, Text: "go"})
	require.NoError(t, err)

	log.PublishChunk(types.Chunk{RequestID: "r1", ParentSeq: turn.Seq, Index: 0, Text: "par"})

	ev := <-events
	require.NotNil(t, ev.Turn)
	assert.Equal(t, turn.Seq, ev.Turn.Seq)

	ev = <-events
	require.NotNil(t, ev.Chunk)
	assert.Equal(t, turn.Seq, ev.Chunk.ParentSeq)
	assert.Equal(t, "par", ev.Chunk.Text)
}

func TestCancelledSubscriberStopsReceiving(t *testing.T) {
	log := NewLog("s1")

	events, cancel := log.Subscribe(2)
	cancel()

	_, err := log.Append(types.TurnDraft{Author: types.IdentityUser, Text: "go"})
	require.NoError(t, err)

	_, open := <-events
	assert.False(t, open, "channel must be closed after cancel")
}

func TestLaggingSubscriberDoesNotBlockAppend(t *testing.T) {
	log := NewLog("s1")

	_, cancel := log.Subscribe(1) // never drained
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_, err := log.Append(types.TurnDraft{Author: types.IdentityUser, Text: "x"})
			require.NoError(t, err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("append blocked on a lagging subscriber")
	}
}
