// Package auth evaluates the owner, developer and premium gates commands
// may declare.
package auth

import (
	"context"
	"log/slog"

	"plugbot/internal/domain"
)

// Default denial messages, used when a command declares no override.
const (
	DefaultOwnerDenial     = "This command is restricted to the bot owner."
	DefaultDeveloperDenial = "This command is restricted to developers."
	DefaultPremiumDenial   = "This command requires an active premium subscription."
	unknownGateDenial      = "This command is unavailable."
)

// DefaultDenial returns the stock denial message for a gate.
func DefaultDenial(g domain.Gate) string {
	switch g {
	case domain.GateOwner:
		return DefaultOwnerDenial
	case domain.GateDeveloper:
		return DefaultDeveloperDenial
	case domain.GatePremium:
		return DefaultPremiumDenial
	}
	return unknownGateDenial
}

// Gatekeeper decides whether an identity may run a command.
// It holds no mutable state of its own; the developer list and subscription
// lookup are read-only collaborators.
type Gatekeeper struct {
	owner         domain.Identity
	developers    DeveloperList
	subscriptions domain.SubscriptionLookup
	logger        *slog.Logger
}

// NewGatekeeper creates a gatekeeper. developers and subscriptions may be nil,
// in which case the corresponding gate never passes.
func NewGatekeeper(owner domain.Identity, developers DeveloperList, subscriptions domain.SubscriptionLookup, logger *slog.Logger) *Gatekeeper {
	return &Gatekeeper{
		owner:         owner,
		developers:    developers,
		subscriptions: subscriptions,
		logger:        logger.With("component", "auth"),
	}
}

// Owner returns the configured owner identity.
func (g *Gatekeeper) Owner() domain.Identity { return g.owner }

// Check evaluates the declared gates against id. Gates are evaluated in
// domain.GatePrecedence order regardless of declaration order and the first
// failing gate produces the denial. Returns nil when access is allowed.
func (g *Gatekeeper) Check(ctx context.Context, id domain.Identity, gates []domain.Gate, overrides map[domain.Gate]string) *domain.Denial {
	if len(gates) == 0 {
		return nil
	}

	declared := make(map[domain.Gate]bool, len(gates))
	for _, gate := range gates {
		if !gate.Valid() {
			// Unknown requirements fail closed.
			return g.deny(gate, id, overrides)
		}
		declared[gate] = true
	}

	for _, gate := range domain.GatePrecedence {
		if !declared[gate] {
			continue
		}
		if !g.passes(ctx, gate, id) {
			return g.deny(gate, id, overrides)
		}
	}
	return nil
}

func (g *Gatekeeper) passes(ctx context.Context, gate domain.Gate, id domain.Identity) bool {
	switch gate {
	case domain.GateOwner:
		return g.IsOwner(id)
	case domain.GateDeveloper:
		return g.IsDeveloper(id)
	case domain.GatePremium:
		return g.IsPremium(ctx, id)
	}
	return false
}

func (g *Gatekeeper) deny(gate domain.Gate, id domain.Identity, overrides map[domain.Gate]string) *domain.Denial {
	msg := overrides[gate]
	if msg == "" {
		msg = DefaultDenial(gate)
	}
	g.logger.Debug("gate denied", "gate", gate, "identity", id)
	return &domain.Denial{Gate: gate, Message: msg}
}

// IsOwner reports whether id is the configured owner.
func (g *Gatekeeper) IsOwner(id domain.Identity) bool {
	return !id.IsZero() && id == g.owner
}

// IsDeveloper reports whether id is on the developer allow-list.
func (g *Gatekeeper) IsDeveloper(id domain.Identity) bool {
	if id.IsZero() || g.developers == nil {
		return false
	}
	return g.developers.Contains(id)
}

// IsPremium reports whether id has an active subscription. Lookup failures
// are logged and treated as "not premium".
func (g *Gatekeeper) IsPremium(ctx context.Context, id domain.Identity) bool {
	if id.IsZero() || g.subscriptions == nil {
		return false
	}
	sub, err := g.subscriptions.GetSubscription(ctx, id)
	if err != nil {
		g.logger.Warn("subscription lookup failed",
			"identity", id,
			"error", err,
			"error_code", domain.ErrorCodeOf(err),
		)
		return false
	}
	if sub == nil {
		return false
	}
	return g.subscriptions.IsActive(sub)
}
