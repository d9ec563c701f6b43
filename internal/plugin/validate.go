package plugin

import (
	"fmt"
	"regexp"
	"strings"

	"plugbot/internal/domain"
)

const defaultCategory = "general"

var (
	aliasPattern      = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,31}$`)
	pluginNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// ValidAlias reports whether token is an acceptable command alias.
func ValidAlias(token string) bool { return aliasPattern.MatchString(token) }

// ValidateSpec checks a descriptor and returns a normalized copy: aliases
// lower-cased and de-duplicated, category defaulted, slices and maps copied
// so later mutation by the source cannot reach the registry.
func ValidateSpec(spec domain.CommandSpec) (domain.CommandSpec, error) {
	name := strings.ToLower(strings.TrimSpace(spec.Plugin))
	if name == "" {
		return domain.CommandSpec{}, fmt.Errorf("%w: descriptor without plugin name (aliases %v)", domain.ErrPluginLoad, spec.Aliases)
	}
	if !pluginNamePattern.MatchString(name) {
		return domain.CommandSpec{}, fmt.Errorf("%w: plugin %q: invalid plugin name", domain.ErrPluginLoad, spec.Plugin)
	}
	if spec.Handler == nil {
		return domain.CommandSpec{}, fmt.Errorf("%w: plugin %q: missing handler", domain.ErrPluginLoad, name)
	}

	aliases := make([]string, 0, len(spec.Aliases))
	seen := make(map[string]bool, len(spec.Aliases))
	for _, a := range spec.Aliases {
		a = strings.ToLower(strings.TrimSpace(a))
		if !ValidAlias(a) {
			return domain.CommandSpec{}, fmt.Errorf("%w: plugin %q: invalid alias %q", domain.ErrPluginLoad, name, a)
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		aliases = append(aliases, a)
	}
	if len(aliases) == 0 {
		return domain.CommandSpec{}, fmt.Errorf("%w: plugin %q: no aliases", domain.ErrPluginLoad, name)
	}

	var gates []domain.Gate
	declared := make(map[domain.Gate]bool, len(spec.Gates))
	for _, g := range spec.Gates {
		if !g.Valid() {
			return domain.CommandSpec{}, fmt.Errorf("%w: plugin %q: unknown gate %q", domain.ErrPluginLoad, name, g)
		}
		if !declared[g] {
			declared[g] = true
			gates = append(gates, g)
		}
	}

	var denials map[domain.Gate]string
	if len(spec.Denials) > 0 {
		denials = make(map[domain.Gate]string, len(spec.Denials))
		for g, msg := range spec.Denials {
			if !g.Valid() {
				return domain.CommandSpec{}, fmt.Errorf("%w: plugin %q: denial message for unknown gate %q", domain.ErrPluginLoad, name, g)
			}
			denials[g] = msg
		}
	}

	category := strings.TrimSpace(spec.Category)
	if category == "" {
		category = defaultCategory
	}

	return domain.CommandSpec{
		Plugin:      name,
		Aliases:     aliases,
		Category:    category,
		Description: strings.TrimSpace(spec.Description),
		Usage:       strings.TrimSpace(spec.Usage),
		Gates:       gates,
		Denials:     denials,
		Handler:     spec.Handler,
	}, nil
}
