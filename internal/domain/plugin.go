package domain

import (
	"context"
	"time"
)

// LoadMetadata summarizes a registry (re)load. Load errors never abort a load.
type LoadMetadata struct {
	Count      int       `json:"count"`
	LoadedAt   time.Time `json:"loaded_at"`
	Generation uint64    `json:"generation"`
	Errors     []string  `json:"errors,omitempty"`
}

// PluginSource enumerates command descriptors for the registry.
// Errors describe descriptors that could not be produced; they are reported
// in LoadMetadata and do not stop discovery of the rest.
type PluginSource interface {
	Discover(ctx context.Context) ([]CommandSpec, []error)
}

// PluginSourceFunc adapts a function to PluginSource.
type PluginSourceFunc func(ctx context.Context) ([]CommandSpec, []error)

// Discover implements PluginSource.
func (f PluginSourceFunc) Discover(ctx context.Context) ([]CommandSpec, []error) { return f(ctx) }
