// Package integration holds end-to-end tests that drive the full command
// runtime through the HTTP channel.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"plugbot/internal/adapter/channel"
	"plugbot/internal/adapter/subscription"
	"plugbot/internal/auth"
	"plugbot/internal/domain"
	"plugbot/internal/plugin"
	"plugbot/internal/plugin/builtin"
	"plugbot/internal/store"
	"plugbot/internal/usecase/dispatch"
	"plugbot/internal/usecase/eventbus"
)

// Config holds integration test configuration from the environment.
type Config struct {
	RedisURL    string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from the environment.
func LoadConfig() *Config {
	return &Config{
		RedisURL:    os.Getenv("PLUGBOT_TEST_REDIS_URL"),
		TestTimeout: 30 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfShort skips integration tests in short mode.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests.
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Harness is a running bot: builtins plus manifests from PluginDir, served
// over an HTTP channel.
type Harness struct {
	Owner         domain.Identity
	StoreDir      string
	PluginDir     string
	Subscriptions subscription.Store
	Registry      *plugin.Registry
	Bus           *eventbus.Bus
	BaseURL       string

	mu     sync.Mutex
	events []domain.Event
}

// HarnessOption customizes a Harness before it starts.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	developers    []string
	subscriptions subscription.Store
}

// WithDevelopers adds static developer identities.
func WithDevelopers(ids ...string) HarnessOption {
	return func(c *harnessConfig) { c.developers = append(c.developers, ids...) }
}

// WithSubscriptions replaces the in-memory subscription store.
func WithSubscriptions(s subscription.Store) HarnessOption {
	return func(c *harnessConfig) { c.subscriptions = s }
}

// NewHarness builds and starts a bot owned by owner.
func NewHarness(t *testing.T, owner string, opts ...HarnessOption) *Harness {
	t.Helper()
	hc := harnessConfig{}
	for _, o := range opts {
		o(&hc)
	}
	if hc.subscriptions == nil {
		hc.subscriptions = subscription.NewMemoryStore()
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &Harness{
		Owner:         domain.NormalizeIdentity(owner),
		StoreDir:      filepath.Join(t.TempDir(), "store"),
		PluginDir:     t.TempDir(),
		Subscriptions: hc.subscriptions,
	}

	root, err := store.New(h.StoreDir, log)
	require.NoError(t, err)

	h.Bus = eventbus.New(log)
	h.Bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	})

	gate := auth.NewGatekeeper(h.Owner, auth.NewStaticDevelopers(hc.developers), h.Subscriptions, log)
	source := plugin.NewCompositeSource(log,
		plugin.StaticSource(builtin.All(builtin.Options{Prefix: ".", Subscriptions: h.Subscriptions})),
		plugin.NewManifestSource([]string{h.PluginDir}, log),
	)
	h.Registry = plugin.NewRegistry(source, log, h.Bus)
	h.Registry.Load(context.Background())

	d := dispatch.New(h.Registry, gate, root,
		dispatch.WithEventBus(h.Bus),
		dispatch.WithLogger(log),
		dispatch.WithReplyDelay(builtin.ReplyDelay(root)),
		dispatch.WithHandlerTimeout(5*time.Second),
	)

	ch := channel.NewHTTPChannel("127.0.0.1:0", log)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, ch.Start(ctx, func(ctx context.Context, msg domain.InboundMessage, send domain.SendFunc) {
		d.Handle(ctx, msg, send)
	}))
	h.BaseURL = "http://" + ch.BoundAddr()

	t.Cleanup(func() {
		cancel()
		_ = ch.Stop(context.Background())
		h.Bus.Close()
	})
	return h
}

// Send posts content as sender and returns the reply texts.
func (h *Harness) Send(t *testing.T, sender, content string) []channel.ReplyRecord {
	t.Helper()
	body, err := json.Marshal(channel.MessageRequest{
		ChatID:  sender + "@s.whatsapp.net",
		Sender:  sender,
		Content: content,
	})
	require.NoError(t, err)

	resp, err := http.Post(h.BaseURL+"/api/v1/messages", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out channel.MessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Replies
}

// WriteManifest adds or replaces a declarative plugin.
func (h *Harness) WriteManifest(t *testing.T, name, content string) {
	t.Helper()
	dir := filepath.Join(h.PluginDir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, plugin.ManifestFile), []byte(content), 0o644))
}

// Events returns the events of type et seen so far.
func (h *Harness) Events(et domain.EventType) []domain.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.Event
	for _, ev := range h.events {
		if ev.Type == et {
			out = append(out, ev)
		}
	}
	return out
}
