// Package dispatch turns inbound chat messages into command invocations:
// parse, resolve, authorize, execute.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"plugbot/internal/domain"
	"plugbot/internal/infra/tracer"
	"plugbot/internal/store"
)

// terminalEvents maps final statuses to the event announcing them.
var terminalEvents = map[Status]domain.EventType{
	StatusExecuted:     domain.EventCommandDispatched,
	StatusDenied:       domain.EventCommandDenied,
	StatusRejected:     domain.EventCommandRejected,
	StatusHandlerError: domain.EventCommandFailed,
}

// Registry is the command table the dispatcher reads.
type Registry interface {
	Resolve(token string) (domain.CommandSpec, bool)
	Commands() []domain.CommandSpec
	Metadata() domain.LoadMetadata
	Reload(ctx context.Context) domain.LoadMetadata
}

// Authorizer evaluates command gates.
type Authorizer interface {
	Check(ctx context.Context, id domain.Identity, gates []domain.Gate, overrides map[domain.Gate]string) *domain.Denial
}

// Dispatcher handles inbound messages. It is safe for concurrent use; each
// message runs its steps in order on the calling goroutine, with only the
// handler itself moved to a child goroutine so the timeout can be enforced.
type Dispatcher struct {
	registry Registry
	gate     Authorizer
	stores   *store.Store
	bus      domain.EventBus
	logger   *slog.Logger

	prefix       string
	timeout      time.Duration
	unknownReply string
	faultReply   string
	limiter      *identityLimiter
	replyDelay   func(ctx context.Context) time.Duration
	started      time.Time
	now          func() time.Time
}

// New creates a dispatcher. stores is the store root; each plugin sees only
// its own scope.
func New(registry Registry, gate Authorizer, stores *store.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		gate:       gate,
		stores:     stores,
		logger:     slog.Default(),
		prefix:     DefaultPrefix,
		timeout:    DefaultHandlerTimeout,
		faultReply: DefaultFaultReply,
		started:    time.Now(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Prefix returns the configured command prefix.
func (d *Dispatcher) Prefix() string { return d.prefix }

// Parse extracts the command token and arguments from text. ok is false for
// text that does not start with the prefix or has an empty token.
func (d *Dispatcher) Parse(text string) (token string, args []string, argText string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, d.prefix) {
		return "", nil, "", false
	}
	rest := text[len(d.prefix):]
	if first, _ := utf8.DecodeRuneInString(rest); rest == "" || unicode.IsSpace(first) {
		return "", nil, "", false
	}
	word, tail := rest, ""
	if end := strings.IndexFunc(rest, unicode.IsSpace); end >= 0 {
		word, tail = rest[:end], rest[end:]
	}
	return strings.ToLower(word), strings.Fields(tail), strings.TrimSpace(tail), true
}

// Handle runs one message through the dispatch state machine. send delivers
// replies on the originating channel and may be nil.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.InboundMessage, send domain.SendFunc) Outcome {
	token, args, argText, ok := d.Parse(msg.Content)
	if !ok {
		return Outcome{Status: StatusIgnored}
	}

	start := d.now()
	out := Outcome{
		DispatchID: ulid.Make().String(),
		Command:    token,
		Identity:   domain.IdentityOf(msg),
	}
	ctx = domain.ContextWithDispatchID(ctx, out.DispatchID)
	ctx, span := tracer.StartSpan(ctx, "dispatch.handle",
		trace.WithAttributes(
			tracer.StringAttr("dispatch.id", out.DispatchID),
			tracer.StringAttr("dispatch.command", token),
			tracer.StringAttr("channel", msg.ChannelName),
		),
	)
	defer span.End()

	logger := d.logger.With("dispatch_id", out.DispatchID, "command", token, "channel", msg.ChannelName)
	d.publish(ctx, domain.EventMessageReceived, out, msg.ChannelName)

	d.run(ctx, &out, msg, args, argText, send, logger)

	out.Duration = d.now().Sub(start)
	if t, ok := terminalEvents[out.Status]; ok {
		d.publish(ctx, t, out, msg.ChannelName)
	}
	span.SetAttributes(
		tracer.StringAttr("dispatch.status", string(out.Status)),
		tracer.StringAttr("dispatch.plugin", out.Plugin),
	)
	if out.Status == StatusHandlerError {
		tracer.RecordError(span, out.Err)
	} else {
		tracer.SetOK(span)
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, out *Outcome, msg domain.InboundMessage, args []string, argText string, send domain.SendFunc, logger *slog.Logger) {
	if d.limiter != nil {
		key := out.Identity.String()
		if key == "" {
			key = "chat:" + msg.ChatID
		}
		if !d.limiter.allow(key) {
			out.Status = StatusThrottled
			out.Err = domain.ErrRateLimit
			logger.Debug("command throttled", "identity", out.Identity)
			return
		}
	}

	spec, found := d.registry.Resolve(out.Command)
	if !found {
		out.Status = StatusNotFound
		logger.Debug("unknown command")
		if d.unknownReply != "" {
			d.deliver(ctx, send, msg, d.unknownReply, false, logger)
		}
		return
	}
	out.Plugin = spec.Plugin
	logger = logger.With("plugin", spec.Plugin)

	gctx, cancelGate := context.WithTimeout(ctx, d.timeout)
	denial := d.gate.Check(gctx, out.Identity, spec.Gates, spec.Denials)
	cancelGate()
	if denial != nil {
		out.Status = StatusDenied
		out.Denial = denial
		out.Err = domain.ErrPermissionDenied
		logger.Debug("command denied", "gate", denial.Gate, "identity", out.Identity)
		d.deliver(ctx, send, msg, denial.Message, false, logger)
		return
	}

	err := d.execute(ctx, spec, msg, out.Identity, out.Command, args, argText, send, logger)

	var ve *domain.ValidationError
	switch {
	case err == nil:
		out.Status = StatusExecuted
		logger.Info("command executed", "identity", out.Identity)
	case errors.As(err, &ve):
		out.Status = StatusRejected
		out.Err = err
		logger.Info("command input rejected", "reason", ve.Message)
		d.deliver(ctx, send, msg, ve.Message, false, logger)
	default:
		out.Status = StatusHandlerError
		if !errors.Is(err, domain.ErrHandlerFault) {
			err = fmt.Errorf("%w: %w", domain.ErrHandlerFault, err)
		}
		out.Err = err
		logger.Error("command handler failed",
			"identity", out.Identity,
			"error", err,
			"error_code", domain.ErrorCodeOf(err),
		)
		d.deliver(ctx, send, msg, d.faultReply, true, logger)
	}
}

// execute runs the handler under the per-message timeout, converting panics
// into errors. Replies attempted after the deadline are dropped.
func (d *Dispatcher) execute(ctx context.Context, spec domain.CommandSpec, msg domain.InboundMessage, id domain.Identity,
	token string, args []string, argText string, send domain.SendFunc, logger *slog.Logger) error {

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var sealed atomic.Bool
	var replied atomic.Bool
	reply := func(rctx context.Context, text string) error {
		if sealed.Load() || hctx.Err() != nil {
			logger.Warn("reply dropped after handler deadline")
			return fmt.Errorf("reply: %w", domain.ErrTimeout)
		}
		if d.replyDelay != nil && replied.CompareAndSwap(false, true) {
			d.pause(hctx)
		}
		return d.send(rctx, send, domain.OutboundMessage{
			ChatID:    msg.ChatID,
			Content:   text,
			ReplyToID: msg.ID,
			ThreadID:  msg.ThreadID,
		})
	}

	cc := &domain.CommandContext{
		Message:      msg,
		Identity:     id,
		Command:      token,
		Args:         args,
		ArgText:      argText,
		Capabilities: domain.NewCapabilities(d.stores.Scope(spec.Plugin), runtimeInfo{d: d}, reply),
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: panic: %v", domain.ErrHandlerFault, r)
			}
		}()
		done <- spec.Handler(hctx, cc)
	}()

	select {
	case err := <-done:
		sealed.Store(true)
		return err
	case <-hctx.Done():
		sealed.Store(true)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", domain.ErrHandlerFault, ctx.Err())
		}
		return fmt.Errorf("%w: %w after %s", domain.ErrHandlerFault, domain.ErrTimeout, d.timeout)
	}
}

// pause waits for the configured reply delay, never longer than half of the
// time left before the handler deadline.
func (d *Dispatcher) pause(ctx context.Context) {
	wait := d.replyDelay(ctx)
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline)/2)
	}
	if wait <= 0 {
		return
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// deliver sends a dispatcher-originated reply and logs failures.
func (d *Dispatcher) deliver(ctx context.Context, send domain.SendFunc, msg domain.InboundMessage, text string, isError bool, logger *slog.Logger) {
	err := d.send(ctx, send, domain.OutboundMessage{
		ChatID:    msg.ChatID,
		Content:   text,
		ReplyToID: msg.ID,
		ThreadID:  msg.ThreadID,
		IsError:   isError,
	})
	if err != nil {
		logger.Warn("reply failed", "error", err, "error_code", domain.ErrorCodeOf(err))
	}
}

func (d *Dispatcher) send(ctx context.Context, send domain.SendFunc, out domain.OutboundMessage) error {
	if send == nil {
		return nil
	}
	if err := send(ctx, out); err != nil {
		if errors.Is(err, domain.ErrChannelSend) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrChannelSend, err)
	}
	return nil
}

func (d *Dispatcher) publish(ctx context.Context, t domain.EventType, out Outcome, channel string) {
	if d.bus == nil {
		return
	}
	p := eventPayload{
		Channel:  channel,
		Command:  out.Command,
		Plugin:   out.Plugin,
		Identity: out.Identity.String(),
		Status:   out.Status,
	}
	if out.Denial != nil {
		p.Gate = out.Denial.Gate
	}
	if out.Err != nil && out.Status == StatusHandlerError {
		p.Error = out.Err.Error()
		p.ErrorCode = domain.ErrorCodeOf(out.Err)
	}
	p.DurationMS = out.Duration.Milliseconds()
	d.bus.Publish(ctx, domain.NewEvent(t, out.DispatchID, p))
}

// Uptime returns the time since the dispatcher started.
func (d *Dispatcher) Uptime() time.Duration {
	up := d.now().Sub(d.started)
	if up < 0 {
		return 0
	}
	return up
}

// runtimeInfo is the Runtime capability handed to handlers.
type runtimeInfo struct{ d *Dispatcher }

func (r runtimeInfo) Uptime() time.Duration          { return r.d.Uptime() }
func (r runtimeInfo) Commands() []domain.CommandSpec { return r.d.registry.Commands() }
func (r runtimeInfo) Metadata() domain.LoadMetadata  { return r.d.registry.Metadata() }
func (r runtimeInfo) Reload(ctx context.Context) domain.LoadMetadata {
	return r.d.registry.Reload(ctx)
}
