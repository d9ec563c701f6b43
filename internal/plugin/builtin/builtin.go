// Package builtin contains the commands compiled into the bot.
package builtin

import (
	"plugbot/internal/domain"
)

// Plugin names double as store scopes.
const (
	PluginDelay        = "delay"
	PluginOwner        = "owner"
	PluginGeneric      = "generic"
	PluginApproval     = "approval"
	PluginRuntime      = "runtime"
	PluginReload       = "reload"
	PluginHelp         = "help"
	PluginSubscription = "subscription"
)

const (
	categoryOwner     = "owner"
	categoryDeveloper = "developer"
	categoryInfo      = "info"
	categoryPremium   = "premium"
)

// Options carries the collaborators some built-ins need.
type Options struct {
	// Prefix is shown in usage strings. Defaults to ".".
	Prefix string
	// OwnerName is the owner display name used until one is set.
	OwnerName string
	// Subscriptions backs the sub and perks commands. May be nil.
	Subscriptions domain.SubscriptionLookup
}

// All returns every built-in command.
func All(opts Options) []domain.CommandSpec {
	if opts.Prefix == "" {
		opts.Prefix = "."
	}
	specs := []domain.CommandSpec{
		Delay(opts.Prefix),
		Owner(opts.Prefix, opts.OwnerName),
		Generic(opts.Prefix),
	}
	specs = append(specs, Approval(opts.Prefix)...)
	specs = append(specs,
		Runtime(),
		Reload(),
		Help(opts.Prefix),
		Subscription(opts.Subscriptions),
		Perks(),
	)
	return specs
}
