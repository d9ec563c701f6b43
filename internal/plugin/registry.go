// Package plugin loads command descriptors from plugin sources and serves
// them to the dispatcher.
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"plugbot/internal/domain"
)

// snapshot is one immutable generation of the command table.
type snapshot struct {
	aliases  map[string]*domain.CommandSpec
	commands []domain.CommandSpec
	meta     domain.LoadMetadata
}

// Registry holds the current set of commands. Lookups read an atomically
// published snapshot and never block; loads build a new snapshot off to the
// side and swap it in.
type Registry struct {
	source domain.PluginSource
	logger *slog.Logger
	bus    domain.EventBus

	mu   sync.Mutex // serializes loads
	snap atomic.Pointer[snapshot]
	now  func() time.Time
}

// NewRegistry creates an empty registry backed by source. bus may be nil.
func NewRegistry(source domain.PluginSource, logger *slog.Logger, bus domain.EventBus) *Registry {
	r := &Registry{
		source: source,
		logger: logger.With("component", "plugin_registry"),
		bus:    bus,
		now:    time.Now,
	}
	r.snap.Store(&snapshot{aliases: map[string]*domain.CommandSpec{}})
	return r
}

// Load performs the initial load. It is equivalent to Reload.
func (r *Registry) Load(ctx context.Context) domain.LoadMetadata {
	return r.Reload(ctx)
}

// Reload rebuilds the command table from the source and publishes it.
// Invalid descriptors and alias collisions are reported in the returned
// metadata; they never fail the reload. If ctx ends during discovery the
// current snapshot stays published and the returned metadata carries the
// interruption as an extra error.
func (r *Registry) Reload(ctx context.Context) domain.LoadMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.snap.Load()
	specs, discoverErrs := r.source.Discover(ctx)
	if err := ctx.Err(); err != nil {
		r.logger.Warn("plugin reload interrupted; keeping current commands",
			"generation", prev.meta.Generation,
			"error", err,
		)
		meta := cloneMeta(prev.meta)
		meta.Errors = append(meta.Errors, fmt.Sprintf("%s: reload interrupted: %v", domain.ErrPluginLoad, err))
		return meta
	}

	next := r.build(specs, discoverErrs, prev.meta)
	r.snap.Store(next)

	r.logger.Info("plugins loaded",
		"count", next.meta.Count,
		"generation", next.meta.Generation,
		"errors", len(next.meta.Errors),
	)
	for _, e := range next.meta.Errors {
		r.logger.Warn("plugin load error", "error", e)
	}
	if r.bus != nil {
		r.bus.Publish(ctx, domain.NewEvent(domain.EventPluginReloaded, "", next.meta))
	}
	return cloneMeta(next.meta)
}

func (r *Registry) build(specs []domain.CommandSpec, discoverErrs []error, prev domain.LoadMetadata) *snapshot {
	var loadErrs []string
	for _, err := range discoverErrs {
		if err != nil {
			loadErrs = append(loadErrs, err.Error())
		}
	}

	accepted := make([]domain.CommandSpec, 0, len(specs))
	owner := make(map[string]int)          // alias -> index into accepted
	claimants := make(map[string][]string) // alias -> plugins in registration order
	var collided []string

	for _, raw := range specs {
		spec, err := ValidateSpec(raw)
		if err != nil {
			loadErrs = append(loadErrs, err.Error())
			continue
		}
		idx := len(accepted)
		accepted = append(accepted, spec)
		for _, alias := range spec.Aliases {
			if _, taken := owner[alias]; taken && len(claimants[alias]) == 1 {
				collided = append(collided, alias)
			}
			owner[alias] = idx
			claimants[alias] = append(claimants[alias], spec.Plugin)
		}
	}

	for _, alias := range collided {
		plugins := claimants[alias]
		loadErrs = append(loadErrs, fmt.Sprintf("%s: alias %q registered by plugins %s; using %q",
			domain.ErrPluginLoad, alias, strings.Join(plugins, ", "), plugins[len(plugins)-1]))
	}

	// Keep only the aliases each spec still owns; specs that lost every
	// alias are unreachable and dropped.
	owned := make([][]string, len(accepted))
	for alias, idx := range owner {
		owned[idx] = append(owned[idx], alias)
	}
	commands := make([]domain.CommandSpec, 0, len(accepted))
	for idx, spec := range accepted {
		if len(owned[idx]) == 0 {
			continue
		}
		spec.Aliases = orderLike(spec.Aliases, owned[idx])
		commands = append(commands, spec)
	}
	sort.SliceStable(commands, func(i, j int) bool {
		if commands[i].Category != commands[j].Category {
			return commands[i].Category < commands[j].Category
		}
		return commands[i].Name() < commands[j].Name()
	})

	aliases := make(map[string]*domain.CommandSpec, len(owner))
	for i := range commands {
		for _, alias := range commands[i].Aliases {
			aliases[alias] = &commands[i]
		}
	}

	loadedAt := r.now()
	if !prev.LoadedAt.IsZero() && !loadedAt.After(prev.LoadedAt) {
		loadedAt = prev.LoadedAt.Add(time.Nanosecond)
	}

	return &snapshot{
		aliases:  aliases,
		commands: commands,
		meta: domain.LoadMetadata{
			Count:      len(commands),
			LoadedAt:   loadedAt,
			Generation: prev.Generation + 1,
			Errors:     loadErrs,
		},
	}
}

// Resolve returns the command bound to token in the current snapshot.
func (r *Registry) Resolve(token string) (domain.CommandSpec, bool) {
	spec, ok := r.snap.Load().aliases[token]
	if !ok {
		return domain.CommandSpec{}, false
	}
	return *spec, true
}

// Commands returns the distinct commands of the current snapshot sorted by
// category then name.
func (r *Registry) Commands() []domain.CommandSpec {
	cmds := r.snap.Load().commands
	out := make([]domain.CommandSpec, len(cmds))
	copy(out, cmds)
	return out
}

// Metadata returns the metadata of the last published load.
func (r *Registry) Metadata() domain.LoadMetadata {
	return cloneMeta(r.snap.Load().meta)
}

func cloneMeta(m domain.LoadMetadata) domain.LoadMetadata {
	if m.Errors != nil {
		m.Errors = append([]string(nil), m.Errors...)
	}
	return m
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// orderLike returns the members of keep in the order they appear in all.
func orderLike(all, keep []string) []string {
	out := make([]string, 0, len(keep))
	for _, a := range all {
		if contains(keep, a) {
			out = append(out, a)
		}
	}
	return out
}
