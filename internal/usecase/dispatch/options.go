package dispatch

import (
	"context"
	"log/slog"
	"time"

	"plugbot/internal/domain"
)

// Defaults.
const (
	DefaultPrefix         = "."
	DefaultHandlerTimeout = 30 * time.Second
	DefaultFaultReply     = "Something went wrong while running that command."
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPrefix sets the command prefix. Empty keeps the default.
func WithPrefix(prefix string) Option {
	return func(d *Dispatcher) {
		if prefix != "" {
			d.prefix = prefix
		}
	}
}

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithUnknownCommandReply makes unknown commands answer with msg instead of
// staying silent.
func WithUnknownCommandReply(msg string) Option {
	return func(d *Dispatcher) { d.unknownReply = msg }
}

// WithFaultReply overrides the generic reply sent when a handler fails.
func WithFaultReply(msg string) Option {
	return func(d *Dispatcher) {
		if msg != "" {
			d.faultReply = msg
		}
	}
}

// WithEventBus publishes command.* events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithRateLimit enables a per-identity token bucket of perMinute commands
// with the given burst. perMinute <= 0 disables limiting.
func WithRateLimit(perMinute, burst int) Option {
	return func(d *Dispatcher) {
		if perMinute > 0 {
			d.limiter = newIdentityLimiter(perMinute, burst)
		}
	}
}

// WithReplyDelay pauses before the first reply of each dispatch for the
// duration returned by fn.
func WithReplyDelay(fn func(ctx context.Context) time.Duration) Option {
	return func(d *Dispatcher) { d.replyDelay = fn }
}

// WithStartTime sets the reference point for uptime.
func WithStartTime(t time.Time) Option {
	return func(d *Dispatcher) { d.started = t }
}
