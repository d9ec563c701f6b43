package builtin

import (
	"context"
	"fmt"
	"time"

	"plugbot/internal/domain"
)

// Subscription reports the caller's premium status.
func Subscription(lookup domain.SubscriptionLookup) domain.CommandSpec {
	return domain.CommandSpec{
		Plugin:      PluginSubscription,
		Aliases:     []string{"sub", "subscription"},
		Category:    categoryPremium,
		Description: "Show your subscription status",
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			if c.Identity.IsZero() {
				return domain.Invalid("Could not identify your number.")
			}
			if lookup == nil {
				return c.Reply(ctx, "Subscriptions are not enabled.")
			}
			sub, err := lookup.GetSubscription(ctx, c.Identity)
			if err != nil {
				return err
			}
			return c.Reply(ctx, describeSubscription(sub, lookup.IsActive(sub)))
		},
	}
}

func describeSubscription(sub *domain.Subscription, active bool) string {
	if sub == nil {
		return "You have no subscription."
	}
	status := "inactive"
	switch {
	case active:
		status = "active"
	case sub.Revoked:
		status = "revoked"
	case !sub.ExpiresAt.IsZero() && !time.Now().Before(sub.ExpiresAt):
		status = "expired"
	}
	msg := fmt.Sprintf("Plan: %s (%s)", sub.Plan, status)
	if sub.ExpiresAt.IsZero() {
		return msg + "\nExpires: never"
	}
	return msg + "\nExpires: " + sub.ExpiresAt.UTC().Format(time.RFC3339)
}

// Perks is an example premium-only command.
func Perks() domain.CommandSpec {
	return domain.CommandSpec{
		Plugin:      PluginSubscription,
		Aliases:     []string{"perks"},
		Category:    categoryPremium,
		Description: "List premium perks",
		Gates:       []domain.Gate{domain.GatePremium},
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			return c.Reply(ctx, "Premium perks:\n- priority replies\n- declarative plugin commands marked premiumOnly")
		},
	}
}
