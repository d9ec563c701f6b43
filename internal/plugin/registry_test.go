package plugin

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugbot/internal/domain"
)

// recordingBus captures published events.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func() { return func() {} }
func (b *recordingBus) Close() {}

func (b *recordingBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func noop(context.Context, *domain.CommandContext) error { return nil }

func spec(plugin string, aliases ...string) domain.CommandSpec {
	return domain.CommandSpec{Plugin: plugin, Aliases: aliases, Category: "test", Handler: noop}
}

func TestRegistry_ResolveBeforeLoad(t *testing.T) {
	r := NewRegistry(StaticSource{spec("delay", "delay")}, slog.Default(), nil)
	_, ok := r.Resolve("delay")
	assert.False(t, ok)
	assert.Zero(t, r.Metadata().Count)
}

func TestRegistry_LoadAndResolve(t *testing.T) {
	bus := &recordingBus{}
	r := NewRegistry(StaticSource{
		spec("delay", "delay"),
		spec("reload", "rplugins", "RPLUG"),
	}, slog.Default(), bus)

	meta := r.Load(context.Background())
	assert.Equal(t, 2, meta.Count)
	assert.Empty(t, meta.Errors)
	assert.Equal(t, uint64(1), meta.Generation)
	assert.False(t, meta.LoadedAt.IsZero())

	s, ok := r.Resolve("rplug")
	require.True(t, ok)
	assert.Equal(t, "reload", s.Plugin)
	assert.Equal(t, []string{"rplugins", "rplug"}, s.Aliases)

	_, ok = r.Resolve("missing")
	assert.False(t, ok)
	assert.Equal(t, 1, bus.count(domain.EventPluginReloaded))
}

func TestRegistry_ReloadIdempotentWithIncreasingTimestamp(t *testing.T) {
	r := NewRegistry(StaticSource{spec("a", "a"), spec("b", "b", "bee")}, slog.Default(), nil)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	first := r.Load(context.Background())
	second := r.Reload(context.Background())

	assert.Equal(t, first.Count, second.Count)
	assert.Equal(t, first.Errors, second.Errors)
	assert.True(t, second.LoadedAt.After(first.LoadedAt), "LoadedAt must strictly increase")
	assert.Equal(t, first.Generation+1, second.Generation)

	for _, alias := range []string{"a", "b", "bee"} {
		_, ok := r.Resolve(alias)
		assert.True(t, ok, alias)
	}
}

func TestRegistry_AliasCollisionLastWins(t *testing.T) {
	r := NewRegistry(StaticSource{
		spec("first", "x", "first"),
		spec("second", "x"),
	}, slog.Default(), nil)

	meta := r.Load(context.Background())
	require.Len(t, meta.Errors, 1)
	assert.Contains(t, meta.Errors[0], `"x"`)
	assert.Contains(t, meta.Errors[0], "first, second")

	s, ok := r.Resolve("x")
	require.True(t, ok)
	assert.Equal(t, "second", s.Plugin)

	// The loser keeps its other alias.
	s, ok = r.Resolve("first")
	require.True(t, ok)
	assert.Equal(t, []string{"first"}, s.Aliases)
	assert.Equal(t, 2, meta.Count)
}

func TestRegistry_CollisionWithThreeClaimantsIsOneError(t *testing.T) {
	r := NewRegistry(StaticSource{spec("a", "x"), spec("b", "x"), spec("c", "x")}, slog.Default(), nil)

	meta := r.Load(context.Background())
	require.Len(t, meta.Errors, 1)
	assert.Equal(t, 1, meta.Count, "only the last claimant is reachable")

	s, _ := r.Resolve("x")
	assert.Equal(t, "c", s.Plugin)
}

func TestRegistry_InvalidDescriptorsSkipped(t *testing.T) {
	r := NewRegistry(StaticSource{
		spec("good", "good"),
		{Plugin: "nohandler", Aliases: []string{"nh"}},
		spec("", "anon"),
		spec("badalias", "bad alias"),
		spec("noalias"),
		{Plugin: "badgate", Aliases: []string{"bg"}, Gates: []domain.Gate{"adminOnly"}, Handler: noop},
	}, slog.Default(), nil)

	meta := r.Load(context.Background())
	assert.Equal(t, 1, meta.Count)
	assert.Len(t, meta.Errors, 5)
	for _, e := range meta.Errors {
		assert.Contains(t, e, domain.ErrPluginLoad.Error())
	}
}

func TestRegistry_SourceErrorsReported(t *testing.T) {
	src := domain.PluginSourceFunc(func(context.Context) ([]domain.CommandSpec, []error) {
		return []domain.CommandSpec{spec("ok", "ok")}, []error{assert.AnError}
	})
	r := NewRegistry(src, slog.Default(), nil)

	meta := r.Load(context.Background())
	assert.Equal(t, 1, meta.Count)
	assert.Equal(t, []string{assert.AnError.Error()}, meta.Errors)
}

func TestRegistry_ReloadReplacesSnapshot(t *testing.T) {
	var mu sync.Mutex
	current := []domain.CommandSpec{spec("old", "old")}
	src := domain.PluginSourceFunc(func(context.Context) ([]domain.CommandSpec, []error) {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.CommandSpec(nil), current...), nil
	})
	r := NewRegistry(src, slog.Default(), nil)
	r.Load(context.Background())

	mu.Lock()
	current = []domain.CommandSpec{spec("new", "new")}
	mu.Unlock()
	r.Reload(context.Background())

	_, ok := r.Resolve("old")
	assert.False(t, ok)
	_, ok = r.Resolve("new")
	assert.True(t, ok)
}

func TestRegistry_CommandsSortedByCategoryThenName(t *testing.T) {
	a := spec("zeta", "zeta")
	a.Category = "admin"
	b := spec("alpha", "alpha")
	b.Category = "tools"
	c := spec("beta", "beta")
	c.Category = "admin"
	r := NewRegistry(StaticSource{b, a, c}, slog.Default(), nil)
	r.Load(context.Background())

	var names []string
	for _, cmd := range r.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Equal(t, []string{"beta", "zeta", "alpha"}, names)
}

func TestRegistry_ConcurrentReloadAndResolve(t *testing.T) {
	r := NewRegistry(StaticSource{spec("a", "a"), spec("b", "b")}, slog.Default(), nil)
	r.Load(context.Background())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, ok := r.Resolve("a")
				assert.True(t, ok)
			}
		}()
	}

	var last time.Time
	for range 20 {
		meta := r.Reload(context.Background())
		assert.True(t, meta.LoadedAt.After(last))
		last = meta.LoadedAt
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(21), r.Metadata().Generation)
}

func TestRegistry_MetadataIsACopy(t *testing.T) {
	r := NewRegistry(StaticSource{spec("a", "x"), spec("b", "x")}, slog.Default(), nil)
	meta := r.Load(context.Background())
	meta.Errors[0] = "mutated"
	assert.False(t, strings.HasPrefix(r.Metadata().Errors[0], "mutated"))
}

// cancellingSource serves specs normally until cancel is set, then cancels the
// caller's context mid-discovery and returns only what it had seen so far.
type cancellingSource struct {
	specs  []domain.CommandSpec
	cancel context.CancelFunc
}

func (s *cancellingSource) Discover(ctx context.Context) ([]domain.CommandSpec, []error) {
	if s.cancel == nil {
		return s.specs, nil
	}
	s.cancel()
	return s.specs[:1], []error{ctx.Err()}
}

func TestRegistry_InterruptedReloadKeepsCurrentCommands(t *testing.T) {
	bus := &recordingBus{}
	src := &cancellingSource{specs: []domain.CommandSpec{
		spec("delay", "delay"),
		spec("reload", "rplugins", "rplug"),
		spec("owner", "owner"),
	}}
	r := NewRegistry(src, slog.Default(), bus)
	loaded := r.Load(context.Background())
	require.Equal(t, 3, loaded.Count)

	ctx, cancel := context.WithCancel(context.Background())
	src.cancel = cancel
	meta := r.Reload(ctx)

	assert.Equal(t, 3, meta.Count)
	assert.Equal(t, loaded.Generation, meta.Generation)
	assert.Equal(t, loaded.LoadedAt, meta.LoadedAt)
	require.Len(t, meta.Errors, 1)
	assert.Contains(t, meta.Errors[0], "reload interrupted")

	for _, alias := range []string{"delay", "rplugins", "owner"} {
		_, ok := r.Resolve(alias)
		assert.True(t, ok, alias)
	}
	assert.Empty(t, r.Metadata().Errors)
	assert.Equal(t, 1, bus.count(domain.EventPluginReloaded))

	src.cancel = nil
	after := r.Reload(context.Background())
	assert.Equal(t, 3, after.Count)
	assert.Equal(t, loaded.Generation+1, after.Generation)
}

func TestRegistry_ReloadWithCancelledContextBeforeDiscovery(t *testing.T) {
	r := NewRegistry(NewCompositeSource(slog.Default(), StaticSource{spec("delay", "delay")}), slog.Default(), nil)
	r.Load(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	meta := r.Reload(ctx)

	assert.Equal(t, 1, meta.Count)
	_, ok := r.Resolve("delay")
	assert.True(t, ok)
}
