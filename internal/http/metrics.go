package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/events"
)

const instrumentationName = "github.com/fyrsmithlabs/pipelined/internal/http"

// Stream kinds reported on the open streams gauge.
const (
	streamRun   = "run"
	streamRelay = "relay"
)

// Metrics records request, stream and ticket lookup metrics. A nil *Metrics
// records nothing.
type Metrics struct {
	requests      metric.Int64Counter
	duration      metric.Float64Histogram
	inFlight      metric.Int64UpDownCounter
	streams       metric.Int64UpDownCounter
	streamed      metric.Int64Counter
	ticketLookups metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	var err error
	m.requests, err = meter.Int64Counter("pipelined.http.requests_total",
		metric.WithDescription("HTTP requests by method, route template and status"),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.duration, err = meter.Float64Histogram("pipelined.http.request_duration_seconds",
		metric.WithDescription("HTTP request duration; streaming routes last as long as the run"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60, 180, 600))
	warn("request_duration_seconds", err)

	m.inFlight, err = meter.Int64UpDownCounter("pipelined.http.active_requests",
		metric.WithDescription("HTTP requests being served"),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	m.streams, err = meter.Int64UpDownCounter("pipelined.http.open_streams",
		metric.WithDescription("Open server-sent event streams by kind (run, relay)"),
		metric.WithUnit("{stream}"))
	warn("open_streams", err)

	m.streamed, err = meter.Int64Counter("pipelined.http.streamed_events_total",
		metric.WithDescription("Pipeline events written to SSE clients by event type"),
		metric.WithUnit("{event}"))
	warn("streamed_events_total", err)

	m.ticketLookups, err = meter.Int64Counter("pipelined.http.ticket_lookups_total",
		metric.WithDescription("Ticket fetches made to enrich requests, by result"),
		metric.WithUnit("{lookup}"))
	warn("ticket_lookups_total", err)

	return m
}

// Middleware records the request counters. Routes are labelled by template
// so thread ids stay out of the label set.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				}
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.Int("status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// streamOpened counts an open stream and returns the func that closes it.
func (m *Metrics) streamOpened(ctx context.Context, kind string) func() {
	if m == nil || m.streams == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.streams.Add(ctx, 1, attrs)
	return func() { m.streams.Add(context.WithoutCancel(ctx), -1, attrs) }
}

func (m *Metrics) eventStreamed(ctx context.Context, typ events.Type) {
	if m == nil || m.streamed == nil {
		return
	}
	m.streamed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", string(typ))))
}

func (m *Metrics) ticketLookup(ctx context.Context, result string) {
	if m == nil || m.ticketLookups == nil {
		return
	}
	m.ticketLookups.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("result", result)))
}

func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
