package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/pipelined/internal/bundle"
	"github.com/fyrsmithlabs/pipelined/internal/checkpoint"
	"github.com/fyrsmithlabs/pipelined/internal/events"
	api "github.com/fyrsmithlabs/pipelined/internal/http"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

type okStage struct{ stage pipeline.Stage }

func (s okStage) Stage() pipeline.Stage { return s.stage }
func (s okStage) Name() string          { return "Ok" + string(s.stage) }

func (s okStage) Precondition(*pipeline.State) error { return nil }

func (s okStage) Execute(_ context.Context, st *pipeline.State, _ pipeline.Mode) (*pipeline.State, pipeline.StageOutcome, error) {
	st = st.Clone()
	switch s.stage {
	case pipeline.StageRequirement:
		st.Requirements = &pipeline.RequirementSet{Summary: st.Title}
	case pipeline.StageGeneration:
		st.Artifact = &pipeline.Artifact{Summary: "generated"}
	case pipeline.StageVerification:
		st.Verification = &pipeline.VerificationSuite{Summary: "verified"}
	}
	return st, pipeline.StageOutcome{Success: true, Confidence: 0.8, ItemCount: 1}, nil
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := checkpoint.NewMemoryStore(nil, logger)
	t.Cleanup(func() { _ = store.Close() })

	o := orchestrator.New(store, orchestrator.WithLogger(logger))
	for _, stage := range pipeline.AllStages() {
		o.RegisterStage(okStage{stage: stage})
	}
	srv, err := api.NewServer(o, logger, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL + "/")
}

func TestClient_AnalyzeAndThread(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	b, err := c.Analyze(ctx, orchestrator.Request{TicketID: "T-1", ThreadID: "thread-1", Title: "Add login"})
	require.NoError(t, err)
	assert.Equal(t, bundle.StatusSuccess, b.Summary.FinalStatus)
	assert.Equal(t, "Add login", b.Requirements.Summary)

	st, err := c.GetState(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, st.Status)

	hist, err := c.GetHistory(ctx, "thread-1")
	require.NoError(t, err)
	assert.NotEmpty(t, hist)

	st, err = c.Resume(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "thread-1", st.ThreadID)
}

func TestClient_Errors(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetState(ctx, "missing")
	assert.ErrorIs(t, err, orchestrator.ErrThreadNotFound)
	_, err = c.GetHistory(ctx, "missing")
	assert.ErrorIs(t, err, orchestrator.ErrThreadNotFound)

	_, err = c.Analyze(ctx, orchestrator.Request{})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "ticket_id")

	_, err = c.Ticket(ctx, "owner/repo#1")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	_, err = c.Ticket(ctx, "PROJ-7")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)

	_, err = c.Ticket(ctx, "not-a-ref")
	assert.Error(t, err)
}

func TestClient_DiagramAgentsHealth(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	d, err := c.Diagram(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(d.Diagram, "graph TD"))

	agents, err := c.Agents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents.Agents, 3)

	h, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
}

func TestClient_Stream(t *testing.T) {
	c := newTestClient(t)

	var got []events.Type
	err := c.Stream(context.Background(), orchestrator.Request{TicketID: "T-2", ThreadID: "thread-2"}, func(e events.Event) error {
		assert.Equal(t, "thread-2", e.ThreadID)
		got = append(got, e.Type)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, events.WorkflowStart, got[0])
	assert.Equal(t, events.WorkflowComplete, got[len(got)-1])
}

func TestClient_StreamStopsEarly(t *testing.T) {
	c := newTestClient(t)

	calls := 0
	err := c.Stream(context.Background(), orchestrator.Request{TicketID: "T-3"}, func(events.Event) error {
		calls++
		return ErrStopStream
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestReadSSE(t *testing.T) {
	body := ": heartbeat\n\n" +
		"event: node_start\ndata: {\"a\":1}\n\n" +
		"event: multi\ndata: line1\ndata: line2\n\n" +
		"event: empty\n\n"

	type frame struct{ name, data string }
	var frames []frame
	err := readSSE(strings.NewReader(body), func(name string, data []byte) error {
		frames = append(frames, frame{name, string(data)})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []frame{
		{"node_start", `{"a":1}`},
		{"multi", "line1\nline2"},
	}, frames)
}
