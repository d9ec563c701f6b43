package domain

import (
	"context"
	"log/slog"
	"time"
)

// Gate is an authorization requirement a command may declare.
type Gate string

const (
	GateOwner     Gate = "ownerOnly"
	GateDeveloper Gate = "devOnly"
	GatePremium   Gate = "premiumOnly"
)

// GatePrecedence is the fixed evaluation order for declared gates.
var GatePrecedence = []Gate{GateOwner, GateDeveloper, GatePremium}

// Valid reports whether g is one of the known gates.
func (g Gate) Valid() bool {
	switch g {
	case GateOwner, GateDeveloper, GatePremium:
		return true
	}
	return false
}

// Denial is the result of a failed gate check.
type Denial struct {
	Gate    Gate
	Message string
}

// CommandHandler executes a resolved command.
// Returning a *ValidationError rejects the input; its message is shown to the user.
// Any other error is treated as a handler fault.
type CommandHandler func(ctx context.Context, c *CommandContext) error

// CommandSpec describes one command a plugin contributes.
// Specs are immutable once loaded; a reload replaces them wholesale.
type CommandSpec struct {
	Plugin      string
	Aliases     []string
	Category    string
	Description string
	Usage       string
	Gates       []Gate
	Denials     map[Gate]string // per-gate denial message overrides
	Handler     CommandHandler
}

// Name returns the primary alias.
func (s CommandSpec) Name() string {
	if len(s.Aliases) == 0 {
		return s.Plugin
	}
	return s.Aliases[0]
}

// DocumentStore is the persistence capability handed to handlers. It is
// implemented by the config store and scoped to one plugin's directory.
type DocumentStore interface {
	// Lock acquires the exclusive lock for path. It blocks until the lock
	// is free or ctx is done.
	Lock(ctx context.Context, path string) (unlock func(), err error)
	// Read returns the raw document bytes. A missing file is not an error
	// the caller needs to distinguish from corruption.
	Read(path string) ([]byte, error)
	// Write replaces the document atomically.
	Write(path string, data []byte) error
	Logger() *slog.Logger
}

// Runtime exposes process and registry information to handlers.
type Runtime interface {
	Uptime() time.Duration
	Commands() []CommandSpec
	Metadata() LoadMetadata
	Reload(ctx context.Context) LoadMetadata
}

// Capabilities is everything a handler may touch besides its input.
type Capabilities struct {
	Store   DocumentStore
	Runtime Runtime

	reply func(ctx context.Context, text string) error
}

// NewCapabilities builds a capability set around a reply function.
func NewCapabilities(store DocumentStore, runtime Runtime, reply func(ctx context.Context, text string) error) Capabilities {
	return Capabilities{Store: store, Runtime: runtime, reply: reply}
}

// Reply sends text back to the chat the command came from.
func (c Capabilities) Reply(ctx context.Context, text string) error {
	if c.reply == nil {
		return nil
	}
	return c.reply(ctx, text)
}

// CommandContext is the input of a handler invocation.
type CommandContext struct {
	Message  InboundMessage
	Identity Identity
	Command  string   // the alias the user typed, lower-cased
	Args     []string // whitespace-separated arguments
	ArgText  string   // raw text after the command word, trimmed

	Capabilities
}
