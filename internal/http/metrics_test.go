package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/pipelined/internal/events"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return newMetrics(mp.Meter(instrumentationName), zaptest.NewLogger(t)), reader
}

// sums collects int64 sum data points keyed by metric name and the value of
// one attribute.
func sums(t *testing.T, reader *sdkmetric.ManualReader, key string) map[string]map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := map[string]map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			sum, ok := mm.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			byAttr := map[string]int64{}
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				byAttr[v.Emit()] += dp.Value
			}
			out[mm.Name] = byAttr
		}
	}
	return out
}

func TestMetrics_Middleware(t *testing.T) {
	m, reader := newTestMetrics(t)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/workflow/:thread_id/state", func(c echo.Context) error {
		return c.String(http.StatusOK, "state")
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})

	for _, path := range []string{"/api/v1/workflow/t-1/state", "/api/v1/workflow/t-2/state", "/boom", "/missing"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	routes := sums(t, reader, "route")["pipelined.http.requests_total"]
	assert.Equal(t, int64(2), routes["/api/v1/workflow/:thread_id/state"], "thread ids stay out of labels")
	assert.Equal(t, int64(1), routes["/boom"])

	statuses := sums(t, reader, "status")["pipelined.http.requests_total"]
	assert.Equal(t, int64(2), statuses["200"])
	assert.Equal(t, int64(1), statuses["503"])
	assert.Equal(t, int64(1), statuses["404"])

	var active int64
	for _, v := range sums(t, reader, "method")["pipelined.http.active_requests"] {
		active += v
	}
	assert.Zero(t, active)
}

func TestMetrics_StreamsAndLookups(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	closeRun := m.streamOpened(ctx, streamRun)
	m.streamOpened(ctx, streamRelay)
	m.eventStreamed(ctx, events.WorkflowStart)
	m.eventStreamed(ctx, events.NodeComplete)
	m.eventStreamed(ctx, events.NodeComplete)
	closeRun()
	m.ticketLookup(ctx, "found")

	streams := sums(t, reader, "kind")["pipelined.http.open_streams"]
	assert.Equal(t, int64(0), streams[streamRun])
	assert.Equal(t, int64(1), streams[streamRelay])

	streamed := sums(t, reader, "event")["pipelined.http.streamed_events_total"]
	assert.Equal(t, int64(2), streamed[string(events.NodeComplete)])

	assert.Equal(t, int64(1), sums(t, reader, "result")["pipelined.http.ticket_lookups_total"]["found"])
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.streamOpened(ctx, streamRun)()
	m.eventStreamed(ctx, events.WorkflowStart)
	m.ticketLookup(ctx, "found")

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "unmatched", routeLabel(""))
	assert.Equal(t, "/health", routeLabel("/health"))
}
