package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/pipelined/internal/events"
)

// startSSE writes the event-stream headers and commits the response.
func startSSE(c echo.Context) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
}

// writeSSE writes one "event: <name>\ndata: <payload>\n\n" frame.
func writeSSE(c echo.Context, name string, data []byte) error {
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// streamEvents relays a run's events until the channel closes or the client
// goes away. The run itself is unaffected by a disconnect.
func (s *Server) streamEvents(c echo.Context, ch <-chan events.Event) error {
	startSSE(c)
	ctx := c.Request().Context()
	defer s.metrics.streamOpened(ctx, streamRun)()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("stream client disconnected")
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.logger.Warn("failed to marshal event", zap.String("event", string(e.Type)), zap.Error(err))
				continue
			}
			if err := writeSSE(c, string(e.Type), data); err != nil {
				s.logger.Debug("stream write failed", zap.Error(err))
				return nil
			}
			s.metrics.eventStreamed(ctx, e.Type)
		}
	}
}

// handleEvents relays the NATS events of one thread as server-sent events,
// with a comment heartbeat to keep proxies from closing an idle stream. The
// relay ends after a terminal event.
func (s *Server) handleEvents(c echo.Context) error {
	if s.nc == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event transport not configured")
	}
	threadID := c.Param("thread_id")

	msgs := make(chan *nats.Msg, 64)
	sub, err := s.nc.ChanSubscribe(events.ThreadSubject(threadID), msgs)
	if err != nil {
		return s.httpError(c, fmt.Errorf("subscribe: %w", err))
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := s.nc.Flush(); err != nil {
		return s.httpError(c, fmt.Errorf("flush subscription: %w", err))
	}

	startSSE(c)
	logger := s.logger.With(zap.String("thread_id", threadID))
	logger.Debug("event relay started")

	heartbeat := time.NewTicker(s.config.Heartbeat)
	defer heartbeat.Stop()
	ctx := c.Request().Context()
	defer s.metrics.streamOpened(ctx, streamRelay)()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("event relay client disconnected")
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(c.Response(), ": heartbeat\n\n"); err != nil {
				return nil
			}
			c.Response().Flush()
		case msg := <-msgs:
			typ := events.TypeFromSubject(msg.Subject)
			if err := writeSSE(c, string(typ), msg.Data); err != nil {
				return nil
			}
			s.metrics.eventStreamed(ctx, typ)
			if typ.Terminal() {
				logger.Debug("event relay finished", zap.String("event", string(typ)))
				return nil
			}
		}
	}
}
