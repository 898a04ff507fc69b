package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrNoConnection is returned when a publisher has no NATS connection.
var ErrNoConnection = errors.New("nats connection not configured")

// NATSPublisher publishes events as JSON on pipeline.<thread_id>.<event>.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher over nc.
func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, logger: logger}
}

// Publish implements Sink.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	if p.nc == nil {
		return ErrNoConnection
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := Subject(e.ThreadID, e.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if e.Type.Terminal() {
		// Subscribers see the terminal event before the run returns.
		if err := p.nc.Flush(); err != nil {
			return fmt.Errorf("flush %s: %w", subject, err)
		}
	}
	return nil
}

// Connect dials NATS with reconnect handlers that log through logger.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("pipelined"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}
