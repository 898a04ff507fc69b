package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fyrsmithlabs/pipelined/internal/events"
	"github.com/fyrsmithlabs/pipelined/internal/orchestrator"
)

// ErrStopStream can be returned by an EventFunc to end a stream early
// without an error.
var ErrStopStream = errors.New("stop stream")

// EventFunc receives each event of a stream in order.
type EventFunc func(events.Event) error

// Stream starts req and calls fn for every event until the run ends.
func (c *Client) Stream(ctx context.Context, req orchestrator.Request, fn EventFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/v1/analyze/stream", req, fn)
}

// Events observes threadID over the server's NATS relay and calls fn for
// every event until a terminal one arrives.
func (c *Client) Events(ctx context.Context, threadID string, fn EventFunc) error {
	return c.stream(ctx, http.MethodGet, workflowPath(threadID, "events"), nil, fn)
}

func (c *Client) stream(ctx context.Context, method, path string, body any, fn EventFunc) error {
	// Streams outlive any per-request timeout.
	hc := *c.http
	hc.Timeout = 0

	resp, err := c.send(ctx, &hc, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	err = readSSE(resp.Body, func(name string, data []byte) error {
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode %s event: %w", name, err)
		}
		if err := fn(e); err != nil {
			return err
		}
		if e.Type.Terminal() {
			return ErrStopStream
		}
		return nil
	})
	if errors.Is(err, ErrStopStream) {
		return nil
	}
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readSSE parses a text/event-stream body and calls fn per dispatched
// event. Comment lines (heartbeats) are skipped.
func readSSE(r io.Reader, fn func(name string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 8<<20)

	var (
		name string
		data strings.Builder
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				if err := fn(name, []byte(data.String())); err != nil {
					return err
				}
			}
			name = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return nil
}
