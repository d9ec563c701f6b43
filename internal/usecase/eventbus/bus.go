// Package eventbus is the in-process publish/subscribe bus for runtime events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"plugbot/internal/domain"
)

// anyType keys subscriptions that receive every event.
const anyType domain.EventType = ""

type subscription struct {
	eventType domain.EventType
	handler   domain.EventHandler
}

// Bus fans events out to subscribers, each delivery on its own goroutine.
// Handlers receive a context detached from the publisher's cancellation, so a
// dispatch finishing does not cut short an event sink still forwarding it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]subscription),
		logger: logger.With("component", "eventbus"),
	}
}

// Publish delivers event to typed and catch-all subscribers. Panicking
// handlers are recovered and logged. Publishing after Close is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]domain.EventHandler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == anyType || s.eventType == event.Type {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	detached := context.WithoutCancel(ctx)
	for _, h := range targets {
		b.deliver(detached, event, h)
	}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, h domain.EventHandler) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"panic", r,
				)
			}
		}()
		h(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler for every event and returns its
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(anyType, handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs[id] = subscription{eventType: eventType, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close stops new publishes and waits for in-flight handlers. It is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}
