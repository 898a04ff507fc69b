package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s := NewMemoryStore(nil, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testState(threadID string) *pipeline.State {
	st := pipeline.NewState(pipeline.Input{
		TicketID: "PROJ-1",
		ThreadID: threadID,
		Title:    "Add login",
		Action:   pipeline.ActionFullPipeline,
	})
	st.Requirements = &pipeline.RequirementSet{
		Functional: []pipeline.Requirement{{ID: "FR-001", Description: "login", AcceptanceCriteria: []string{"ok"}}},
	}
	return st
}

func TestMemoryStore_SaveAndLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := testState("t-1")
	require.NoError(t, s.Save(ctx, "t-1", st))

	st.Phase = pipeline.PhaseGenerationRunning
	require.NoError(t, s.Save(ctx, "t-1", st))

	got, err := s.Latest(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.PhaseGenerationRunning, got.Phase)
	assert.Equal(t, "t-1", got.ThreadID)
}

func TestMemoryStore_LatestNotFound(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Latest(context.Background(), "missing")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_HistoryOrdered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := testState("t-1")
	phases := []pipeline.Phase{
		pipeline.PhaseRequirementRunning,
		pipeline.PhaseRequirementDone,
		pipeline.PhaseCompleted,
	}
	for _, p := range phases {
		st.Phase = p
		require.NoError(t, s.Save(ctx, "t-1", st))
	}

	history, err := s.History(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, p := range phases {
		assert.Equal(t, p, history[i].Phase)
	}

	empty, err := s.History(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStore_SnapshotsAreImmutable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	st := testState("t-1")
	require.NoError(t, s.Save(ctx, "t-1", st))

	// mutate the caller's copy after save
	st.Requirements.Functional[0].Description = "mutated after save"
	st.AddError("late error")

	got, err := s.Latest(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "login", got.Requirements.Functional[0].Description)
	assert.Empty(t, got.Errors)

	// mutate a read copy
	got.Requirements.Functional[0].AcceptanceCriteria[0] = "mutated after read"
	again, err := s.Latest(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "ok", again.Requirements.Functional[0].AcceptanceCriteria[0])

	history, err := s.History(ctx, "t-1")
	require.NoError(t, err)
	history[0].Errors = append(history[0].Errors, "x")
	history, err = s.History(ctx, "t-1")
	require.NoError(t, err)
	assert.Empty(t, history[0].Errors)
}

func TestMemoryStore_LatestIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Save(ctx, "t-1", testState("t-1")))

	first, err := s.Latest(ctx, "t-1")
	require.NoError(t, err)
	second, err := s.Latest(ctx, "t-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotSame(t, first, second)
}

func TestMemoryStore_ThreadsIsolated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Save(ctx, "a", testState("a")))
	require.NoError(t, s.Save(ctx, "b", testState("b")))
	require.NoError(t, s.Save(ctx, "b", testState("b")))

	ha, _ := s.History(ctx, "a")
	hb, _ := s.History(ctx, "b")
	assert.Len(t, ha, 1)
	assert.Len(t, hb, 2)
}

func TestMemoryStore_ConcurrentSaves(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	const threads, saves = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		id := fmt.Sprintf("thread-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			st := testState(id)
			for j := 0; j < saves; j++ {
				st.AddError(fmt.Sprintf("e%d", j))
				assert.NoError(t, s.Save(ctx, id, st))
				latest, err := s.Latest(ctx, id)
				if assert.NoError(t, err) {
					assert.Len(t, latest.Errors, j+1)
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < threads; i++ {
		h, err := s.History(ctx, fmt.Sprintf("thread-%d", i))
		require.NoError(t, err)
		assert.Len(t, h, saves)
	}
}

func TestMemoryStore_MaxHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(&Config{MaxHistory: 2}, nil)

	st := testState("t-1")
	for _, p := range []pipeline.Phase{pipeline.PhaseRequirementRunning, pipeline.PhaseRequirementDone, pipeline.PhaseCompleted} {
		st.Phase = p
		require.NoError(t, s.Save(ctx, "t-1", st))
	}

	h, err := s.History(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, pipeline.PhaseRequirementDone, h[0].Phase)
	assert.Equal(t, pipeline.PhaseCompleted, h[1].Phase)

	// The pruned snapshot must not stay reachable through the backing array.
	ms := s.(*memoryStore)
	ms.mu.RLock()
	kept := ms.threads["t-1"]
	ms.mu.RUnlock()
	assert.Len(t, kept, 2)
	assert.Equal(t, 2, cap(kept))
}

func TestMemoryStore_UnboundedHistoryIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(DefaultConfig(), nil)

	st := testState("t-1")
	for i := 0; i < 20; i++ {
		st.Phase = pipeline.PhaseRequirementRunning
		if i == 0 {
			st.Phase = pipeline.PhaseNotStarted
		}
		require.NoError(t, s.Save(ctx, "t-1", st))
	}

	h, err := s.History(ctx, "t-1")
	require.NoError(t, err)
	require.Len(t, h, 20)
	assert.Equal(t, pipeline.PhaseNotStarted, h[0].Phase)
}

func TestMemoryStore_InvalidAndClosed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(nil, nil)

	assert.ErrorIs(t, s.Save(ctx, "", testState("x")), ErrInvalidThread)
	assert.ErrorIs(t, s.Save(ctx, "x", nil), ErrInvalidThread)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Save(ctx, "x", testState("x")), ErrClosed)
	_, err := s.Latest(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.History(ctx, "x")
	assert.ErrorIs(t, err, ErrClosed)
}
