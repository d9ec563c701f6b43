package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Wrap them with NewDomainError or WrapOp to add context.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrRateLimit        = fmt.Errorf("rate limit exceeded")
)

// Sentinel errors for the runtime.
var (
	ErrConfigLoad         = fmt.Errorf("failed to load configuration")
	ErrDecryption         = fmt.Errorf("decryption failed")
	ErrPluginLoad         = fmt.Errorf("plugin load failed")
	ErrHandlerFault       = fmt.Errorf("command handler failed")
	ErrSubscriptionLookup = fmt.Errorf("subscription lookup failed")
	ErrPathOutsideStore   = fmt.Errorf("path is outside the store root")
	ErrChannelSend        = fmt.Errorf("channel send failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Reload")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ValidationError is returned by command handlers when user input is rejected.
// The dispatcher replies with Message verbatim and performs no other side effect.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Unwrap lets errors.Is(err, ErrInvalidInput) match validation failures.
func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Invalid builds a ValidationError with a formatted message.
func Invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrorCode is a machine-parseable error category for logs and events.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodePermissionDenied   ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput       ErrorCode = "INVALID_INPUT"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeDecryption         ErrorCode = "DECRYPTION"
	CodePluginLoad         ErrorCode = "PLUGIN_LOAD"
	CodeHandlerFault       ErrorCode = "HANDLER_FAULT"
	CodeSubscriptionLookup ErrorCode = "SUBSCRIPTION_LOOKUP"
	CodePathOutsideStore   ErrorCode = "PATH_OUTSIDE_STORE"
	CodeChannelSend        ErrorCode = "CHANNEL_SEND"
)

// errorCodeMap maps sentinel errors to their codes. Specific sentinels are
// listed so that ErrorCodeOf prefers them over the categories they may wrap.
var errorCodeMap = map[error]ErrorCode{
	ErrConfigLoad:         CodeConfigLoad,
	ErrDecryption:         CodeDecryption,
	ErrPluginLoad:         CodePluginLoad,
	ErrHandlerFault:       CodeHandlerFault,
	ErrSubscriptionLookup: CodeSubscriptionLookup,
	ErrPathOutsideStore:   CodePathOutsideStore,
	ErrChannelSend:        CodeChannelSend,

	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrRateLimit:        CodeRateLimit,
}

// specificSentinels is checked before the category sentinels when walking an
// error chain, since a handler fault may wrap a timeout and we want the fault.
var specificSentinels = []error{
	ErrHandlerFault, ErrPluginLoad, ErrSubscriptionLookup, ErrPathOutsideStore,
	ErrConfigLoad, ErrDecryption, ErrChannelSend,
	ErrTimeout, ErrRateLimit, ErrPermissionDenied, ErrInvalidInput, ErrNotFound, ErrDuplicate,
}

// ErrorCodeOf returns the machine-parseable error code for err.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for _, sentinel := range specificSentinels {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
