package vectorstore

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
	"github.com/fyrsmithlabs/pipelined/internal/reranker"
)

// failingStore fails every call.
type failingStore struct{ err error }

func (f failingStore) AddDocuments(context.Context, []Document) ([]string, error) {
	return nil, f.err
}

func (f failingStore) Search(context.Context, string, int, map[string]string) ([]SearchResult, error) {
	return nil, f.err
}

func (f failingStore) Close() error { return nil }

func finishedRun() *pipeline.State {
	st := pipeline.NewState(pipeline.Input{
		TicketID:           "PROJ-42",
		Title:              "Add rate limiting to the public api",
		Description:        "Requests per client should be limited with a token bucket.",
		AcceptanceCriteria: "- 429 when over the limit",
		Action:             pipeline.ActionFullPipeline,
		Repository:         "acme/api",
	})
	st.Requirements = &pipeline.RequirementSet{Summary: "Token bucket rate limiting per client"}
	st.Artifact = &pipeline.Artifact{
		GeneratedFiles: []pipeline.GeneratedFile{
			{Filename: "limiter.py", Language: "python", Content: "class TokenBucket:\n    def take(self): ..."},
			{Filename: "empty.py", Language: "python", Content: "   "},
		},
	}
	return st
}

func TestKnowledge_RecordRunAndLookup(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	k := NewKnowledge(store, zaptest.NewLogger(t))

	require.NoError(t, k.RecordRun(ctx, finishedRun()))
	assert.Equal(t, 2, store.Count(), "ticket plus one non-empty file")

	tickets, err := k.SimilarTickets(ctx, "rate limiting for clients", 3)
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "PROJ-42", tickets[0].Source)
	assert.Equal(t, "ticket:PROJ-42", tickets[0].ID)
	assert.Contains(t, tickets[0].Content, "Acceptance Criteria:")
	assert.Contains(t, tickets[0].Content, "Summary: Token bucket")
	assert.Positive(t, tickets[0].Score)

	code, err := k.SimilarCode(ctx, "token bucket", 3)
	require.NoError(t, err)
	require.Len(t, code, 1)
	assert.Equal(t, "limiter.py", code[0].Source)
	assert.Contains(t, code[0].Content, "class TokenBucket")
}

func TestKnowledge_RecordRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	k := NewKnowledge(store, nil)

	require.NoError(t, k.RecordRun(ctx, finishedRun()))
	require.NoError(t, k.RecordRun(ctx, finishedRun()))
	assert.Equal(t, 2, store.Count())
}

func TestKnowledge_RecordRunSkipsEmpty(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	k := NewKnowledge(store, nil)

	require.NoError(t, k.RecordRun(ctx, nil))
	require.NoError(t, k.RecordRun(ctx, pipeline.NewState(pipeline.Input{TicketID: "PROJ-1"})))
	assert.Zero(t, store.Count())
}

func TestKnowledge_EmptyQuery(t *testing.T) {
	k := NewKnowledge(failingStore{err: errors.New("unreachable")}, nil)

	refs, err := k.SimilarTickets(context.Background(), "  ", 3)
	require.NoError(t, err)
	assert.Nil(t, refs)

	refs, err = k.SimilarCode(context.Background(), "query", 0)
	require.NoError(t, err)
	assert.Nil(t, refs)
}

func TestKnowledge_StoreErrors(t *testing.T) {
	boom := errors.New("store down")
	k := NewKnowledge(failingStore{err: boom}, nil)

	_, err := k.SimilarTickets(context.Background(), "query", 3)
	assert.ErrorIs(t, err, boom)

	err = k.RecordRun(context.Background(), finishedRun())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "index ticket PROJ-42")
	assert.Contains(t, err.Error(), "index artifact of PROJ-42")
}

func TestKnowledge_IndexTicketRequiresID(t *testing.T) {
	k := NewKnowledge(newMemoryStore(t), nil)
	err := k.IndexTicket(context.Background(), pipeline.Input{Title: "no id"}, nil)
	assert.ErrorIs(t, err, ErrEmptyDocuments)
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short"))
	long := strings.Repeat("é", maxIndexedChars+10)
	assert.Len(t, []rune(clip(long)), maxIndexedChars)
}

// fixedStore returns the same hits for every search and records k.
type fixedStore struct {
	results []SearchResult
	gotK    int
}

func (f *fixedStore) AddDocuments(context.Context, []Document) ([]string, error) { return nil, nil }

func (f *fixedStore) Search(_ context.Context, _ string, k int, _ map[string]string) ([]SearchResult, error) {
	f.gotK = k
	return f.results[:min(k, len(f.results))], nil
}

func (f *fixedStore) Close() error { return nil }

func TestKnowledge_Rerank(t *testing.T) {
	store := &fixedStore{results: []SearchResult{
		{ID: "code:T-1:theme.py", Content: "dark theme colors", Score: 0.9, Metadata: map[string]string{"filename": "theme.py"}},
		{ID: "code:T-2:limiter.py", Content: "class TokenBucket rate limiter", Score: 0.6, Metadata: map[string]string{"filename": "limiter.py"}},
		{ID: "code:T-3:login.py", Content: "login form", Score: 0.7, Metadata: map[string]string{"filename": "login.py"}},
	}}
	k := NewKnowledge(store, zaptest.NewLogger(t), WithReranker(reranker.NewLexical(0.5), 0))

	refs, err := k.SimilarCode(context.Background(), "token bucket rate limiter", 1)
	require.NoError(t, err)
	assert.Equal(t, DefaultOversample, store.gotK)
	require.Len(t, refs, 1)
	assert.Equal(t, "limiter.py", refs[0].Source)

	_, err = k.SimilarCode(context.Background(), "token bucket", 50)
	require.NoError(t, err)
	assert.Equal(t, maxResults, store.gotK, "oversampling is capped")
}

func TestKnowledge_NoRerankerFetchesN(t *testing.T) {
	store := &fixedStore{results: []SearchResult{{ID: "ticket:T-1", Content: "x", Score: 0.5}}}
	k := NewKnowledge(store, nil)

	refs, err := k.SimilarTickets(context.Background(), "anything", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, store.gotK)
	assert.Equal(t, "ticket:T-1", refs[0].Source, "falls back to the id without metadata")
}
