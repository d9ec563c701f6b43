package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"plugbot/internal/domain"
)

// StaticSource serves a fixed set of compiled-in descriptors.
type StaticSource []domain.CommandSpec

// Discover implements domain.PluginSource.
func (s StaticSource) Discover(context.Context) ([]domain.CommandSpec, []error) {
	out := make([]domain.CommandSpec, len(s))
	copy(out, s)
	return out, nil
}

// CompositeSource concatenates several sources in order, so a later source
// wins alias collisions against an earlier one. A panicking source is
// reported as a load error and contributes nothing.
type CompositeSource struct {
	sources []domain.PluginSource
	logger  *slog.Logger
}

// NewCompositeSource creates a source that merges sources in order.
func NewCompositeSource(logger *slog.Logger, sources ...domain.PluginSource) *CompositeSource {
	return &CompositeSource{sources: sources, logger: logger}
}

// Discover implements domain.PluginSource.
func (c *CompositeSource) Discover(ctx context.Context) ([]domain.CommandSpec, []error) {
	var (
		specs []domain.CommandSpec
		errs  []error
	)
	for i, src := range c.sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%w: discovery interrupted: %w", domain.ErrPluginLoad, err))
			break
		}
		s, e := c.discoverOne(ctx, i, src)
		specs = append(specs, s...)
		errs = append(errs, e...)
	}
	return specs, errs
}

func (c *CompositeSource) discoverOne(ctx context.Context, i int, src domain.PluginSource) (specs []domain.CommandSpec, errs []error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("plugin source panicked", "source", i, "panic", r)
			specs = nil
			errs = []error{fmt.Errorf("%w: source %d panicked: %v", domain.ErrPluginLoad, i, r)}
		}
	}()
	return src.Discover(ctx)
}
