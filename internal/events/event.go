package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/pipelined/internal/pipeline"
)

// Type names an event.
type Type string

const (
	WorkflowStart    Type = "workflow_start"
	NodeStart        Type = "node_start"
	NodeComplete     Type = "node_complete"
	NodeError        Type = "node_error"
	WorkflowComplete Type = "workflow_complete"
	WorkflowError    Type = "workflow_error"
)

// Terminal reports whether t ends a run's event sequence.
func (t Type) Terminal() bool {
	return t == WorkflowComplete || t == WorkflowError
}

// Event is one step of a run's progress.
type Event struct {
	Type      Type      `json:"event"`
	ThreadID  string    `json:"thread_id"`
	Timestamp time.Time `json:"timestamp"`

	// Set on workflow_start.
	Action   pipeline.Action `json:"action,omitempty"`
	TicketID string          `json:"ticket_id,omitempty"`

	// Set on node events.
	Node    pipeline.Stage         `json:"node,omitempty"`
	Agent   string                 `json:"agent,omitempty"`
	Attempt int                    `json:"attempt,omitempty"`
	Mode    pipeline.Mode          `json:"mode,omitempty"`
	Outcome *pipeline.StageOutcome `json:"outcome,omitempty"`

	Error string `json:"error,omitempty"`

	// Accumulated state, set on node_complete and workflow_complete.
	Data *pipeline.State `json:"data,omitempty"`
}

// Sink receives every event of every run.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Publish implements Sink.
func (f SinkFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }

// MultiSink publishes to every sink and joins their errors.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder is a Sink that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Sink.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// SubjectPrefix is the root of every event subject.
const SubjectPrefix = "pipeline"

// Subject returns the NATS subject of an event: pipeline.<thread>.<event>.
func Subject(threadID string, t Type) string {
	return SubjectPrefix + "." + subjectToken(threadID) + "." + string(t)
}

// ThreadSubject matches every event of one thread.
func ThreadSubject(threadID string) string {
	return SubjectPrefix + "." + subjectToken(threadID) + ".>"
}

// subjectToken percent-escapes the bytes NATS reserves in a subject token
// (separator, wildcards, whitespace) plus '%' itself, so distinct thread ids
// always map to distinct tokens.
func subjectToken(threadID string) string {
	if threadID == "" {
		return "%"
	}
	var b strings.Builder
	for i := 0; i < len(threadID); i++ {
		c := threadID[i]
		switch {
		case c == '%', c == '.', c == '*', c == '>', c <= ' ', c == 0x7f:
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// TypeFromSubject extracts the event type from a subject built by Subject.
func TypeFromSubject(subject string) Type {
	i := strings.LastIndexByte(subject, '.')
	if i < 0 {
		return ""
	}
	return Type(subject[i+1:])
}

// Count returns how many events match t and, when node is non-empty, node.
func Count(evs []Event, t Type, node pipeline.Stage) int {
	n := 0
	for _, e := range evs {
		if e.Type == t && (node == pipeline.StageNone || e.Node == node) {
			n++
		}
	}
	return n
}
