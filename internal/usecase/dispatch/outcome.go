package dispatch

import (
	"time"

	"plugbot/internal/domain"
)

// Status is the terminal state of one dispatch.
type Status string

const (
	// StatusIgnored: the message carried no command.
	StatusIgnored Status = "ignored"
	// StatusThrottled: the caller exceeded the command rate limit.
	StatusThrottled Status = "throttled"
	// StatusNotFound: no command is bound to the token.
	StatusNotFound Status = "not_found"
	// StatusDenied: a gate refused the caller.
	StatusDenied Status = "denied"
	// StatusRejected: the handler refused the input with a ValidationError.
	StatusRejected Status = "rejected"
	// StatusHandlerError: the handler failed, panicked or timed out.
	StatusHandlerError Status = "handler_error"
	// StatusExecuted: the handler completed.
	StatusExecuted Status = "executed"
)

// Outcome describes what happened to one inbound message.
type Outcome struct {
	DispatchID string
	Status     Status
	Command    string
	Plugin     string
	Identity   domain.Identity
	Denial     *domain.Denial
	Err        error
	Duration   time.Duration
}

// eventPayload is the JSON body of command.* events.
type eventPayload struct {
	Channel    string           `json:"channel,omitempty"`
	Command    string           `json:"command,omitempty"`
	Plugin     string           `json:"plugin,omitempty"`
	Identity   string           `json:"identity,omitempty"`
	Status     Status           `json:"status,omitempty"`
	Gate       domain.Gate      `json:"gate,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorCode  domain.ErrorCode `json:"error_code,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
}
