package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugbot/internal/adapter/channel"
	"plugbot/internal/adapter/subscription"
	"plugbot/internal/domain"
)

const (
	owner    = "15551230000"
	stranger = "15550009999"
	dev      = "15557654321"
)

func contents(replies []channel.ReplyRecord) []string {
	out := make([]string, len(replies))
	for i, r := range replies {
		out[i] = r.Content
	}
	return out
}

// waitEvents waits for at least n events of type et; bus delivery is async.
func waitEvents(t *testing.T, h *Harness, et domain.EventType, n int) {
	t.Helper()
	assert.Eventually(t, func() bool { return len(h.Events(et)) >= n }, 2*time.Second, 10*time.Millisecond)
}

func TestE2E_OwnerGate(t *testing.T) {
	SkipIfShort(t)
	h := NewHarness(t, owner)

	got := contents(h.Send(t, stranger, ".owner Ada"))
	assert.Equal(t, []string{"This command is restricted to the bot owner."}, got)

	got = contents(h.Send(t, owner, ".owner Ada"))
	assert.Equal(t, []string{"Owner name updated to Ada."}, got)

	got = contents(h.Send(t, stranger, ".runtime"))
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "Runtime: "))

	waitEvents(t, h, domain.EventCommandDenied, 1)
}

func TestE2E_SettingsPersistAcrossRestart(t *testing.T) {
	SkipIfShort(t)
	h := NewHarness(t, owner)

	h.Send(t, owner, ".delay 0")
	h.Send(t, owner, ".generic weekly report")

	data, err := os.ReadFile(filepath.Join(h.StoreDir, "generic", "generic.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "weekly report")

	got := contents(h.Send(t, owner, ".generic"))
	assert.Equal(t, []string{"Generic label: weekly report"}, got)
}

func TestE2E_ValidationRejected(t *testing.T) {
	SkipIfShort(t)
	h := NewHarness(t, owner)

	replies := h.Send(t, owner, ".delay soon")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Content, "Usage:")

	waitEvents(t, h, domain.EventCommandRejected, 1)
}

func TestE2E_PremiumSubscription(t *testing.T) {
	SkipIfShort(t)
	subs, err := subscription.NewSQLiteStore(filepath.Join(t.TempDir(), "subs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { subs.Close() })

	h := NewHarness(t, owner, WithSubscriptions(subs))

	got := contents(h.Send(t, stranger, ".perks"))
	assert.Equal(t, []string{"This command requires an active premium subscription."}, got)

	ctx := NewTestContext(t, 5*time.Second)
	require.NoError(t, subs.Put(ctx, domain.Subscription{
		Identity:  stranger,
		Plan:      "gold",
		StartedAt: time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}))

	got = contents(h.Send(t, stranger, ".perks"))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Premium perks")

	got = contents(h.Send(t, stranger, ".sub"))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Plan: gold (active)")
}

func TestE2E_ManifestReload(t *testing.T) {
	SkipIfShort(t)
	h := NewHarness(t, owner, WithDevelopers(dev))

	assert.Empty(t, h.Send(t, owner, ".hello"))

	h.WriteManifest(t, "hello", `name: hello
aliases: [hello, hi]
reply: "Hello {{ default \"friend\" .ArgText }}!"
`)
	h.WriteManifest(t, "devtool", `name: devtool
aliases: [devtool]
gates: [devOnly]
denials:
  devOnly: Developers only, sorry.
reply: ok
`)

	got := contents(h.Send(t, owner, ".rplugins"))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Reloaded")
	assert.NotContains(t, got[0], "Errors")

	assert.Equal(t, []string{"Hello Ada!"}, contents(h.Send(t, stranger, ".HI Ada")))
	assert.Equal(t, []string{"Hello friend!"}, contents(h.Send(t, stranger, ".hello")))
	assert.Equal(t, []string{"Developers only, sorry."}, contents(h.Send(t, stranger, ".devtool")))
	assert.Equal(t, []string{"ok"}, contents(h.Send(t, dev, ".devtool")))

	waitEvents(t, h, domain.EventPluginReloaded, 1)
}

func TestE2E_BrokenManifestKeepsOthers(t *testing.T) {
	SkipIfShort(t)
	h := NewHarness(t, owner)

	h.WriteManifest(t, "broken", "name: broken\naliases: [runtime]\nreply: clash\n")
	h.WriteManifest(t, "bad", "name: bad\n")

	got := contents(h.Send(t, owner, ".rplug"))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Errors")

	got = contents(h.Send(t, owner, ".uptime"))
	require.Len(t, got, 1)
	assert.True(t, strings.HasPrefix(got[0], "Runtime: "))
}

func TestE2E_HelpListsCommands(t *testing.T) {
	SkipIfShort(t)
	h := NewHarness(t, owner)

	got := contents(h.Send(t, stranger, ".help"))
	require.Len(t, got, 1)
	for _, want := range []string{"runtime", "delay", "help", "perks"} {
		assert.Contains(t, got[0], want)
	}
}

func TestE2E_RedisSubscriptions(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	if cfg.RedisURL == "" {
		t.Skip("Skipping redis integration test: PLUGBOT_TEST_REDIS_URL not set")
	}

	ctx := NewTestContext(t, cfg.TestTimeout)
	subs, err := subscription.NewRedisStore(ctx, cfg.RedisURL, "plugbot:e2e:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = subs.Delete(context.Background(), stranger)
		subs.Close()
	})

	h := NewHarness(t, owner, WithSubscriptions(subs))
	require.NoError(t, subs.Put(ctx, domain.Subscription{Identity: stranger, Plan: "gold", StartedAt: time.Now()}))

	got := contents(h.Send(t, stranger, ".perks"))
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "Premium perks")
}
