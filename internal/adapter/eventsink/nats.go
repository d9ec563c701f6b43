// Package eventsink forwards runtime events from the in-process bus to
// external sinks: NATS subjects and a JSONL audit file.
package eventsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"plugbot/internal/domain"
)

// Connect opens a NATS connection with reconnect logging.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	logger = logger.With("component", "nats")
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(60),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	logger.Info("nats connected", "url", nc.ConnectedUrl())
	return nc, nil
}

// NATSSink publishes every bus event as JSON on <prefix>.<event type>,
// e.g. "plugbot.events.command.denied".
type NATSSink struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger

	mu          sync.Mutex
	unsubscribe func()
}

// NewNATSSink creates a sink. The sink does not own nc.
func NewNATSSink(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = "plugbot.events"
	}
	return &NATSSink{nc: nc, prefix: prefix, logger: logger.With("component", "eventsink")}
}

// Subject returns the subject an event type is published on.
func (s *NATSSink) Subject(t domain.EventType) string {
	return s.prefix + "." + string(t)
}

// Attach subscribes the sink to every event on bus. Attaching twice replaces
// the previous subscription.
func (s *NATSSink) Attach(bus domain.EventBus) {
	unsub := bus.SubscribeAll(s.forward)
	s.mu.Lock()
	prev := s.unsubscribe
	s.unsubscribe = unsub
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (s *NATSSink) forward(_ context.Context, event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("encode event failed", "type", event.Type, "error", err)
		return
	}
	subject := s.Subject(event.Type)
	if err := s.nc.Publish(subject, data); err != nil {
		s.logger.Warn("publish event failed", "subject", subject, "error", err)
		return
	}
	s.logger.Debug("event forwarded", "subject", subject, "dispatch_id", event.DispatchID)
}

// Flush waits until the server has processed every published event.
func (s *NATSSink) Flush(ctx context.Context) error {
	return s.nc.FlushWithContext(ctx)
}

// Close detaches from the bus and flushes pending publishes.
func (s *NATSSink) Close() error {
	s.mu.Lock()
	unsub := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if s.nc.IsClosed() {
		return nil
	}
	return s.nc.FlushTimeout(2 * time.Second)
}
