package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugbot/internal/auth"
	"plugbot/internal/domain"
	"plugbot/internal/plugin"
	"plugbot/internal/plugin/builtin"
	"plugbot/internal/store"
)

const (
	ownerID    = "15551230000"
	devID      = "15550001111"
	strangerID = "19998887777"
)

// sink records outbound messages.
type sink struct {
	mu   sync.Mutex
	sent []domain.OutboundMessage
}

func (s *sink) send(_ context.Context, msg domain.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *sink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.Content
	}
	return out
}

// recordingBus is a hand-written EventBus double.
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

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.EventType
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	root     *store.Store
	registry *plugin.Registry
	gate     *auth.Gatekeeper
	bus      *recordingBus
	d        *Dispatcher
	sink     *sink
}

func newFixture(t *testing.T, extra []domain.CommandSpec, opts ...Option) *fixture {
	t.Helper()
	root, err := store.New(t.TempDir(), slog.Default())
	require.NoError(t, err)

	specs := append(builtin.All(builtin.Options{}), extra...)
	bus := &recordingBus{}
	registry := plugin.NewRegistry(plugin.StaticSource(specs), slog.Default(), bus)
	meta := registry.Load(context.Background())
	require.Empty(t, meta.Errors)

	gate := auth.NewGatekeeper(ownerID, auth.NewStaticDevelopers([]string{devID}), nil, slog.Default())
	opts = append([]Option{WithEventBus(bus)}, opts...)
	return &fixture{
		root:     root,
		registry: registry,
		gate:     gate,
		bus:      bus,
		d:        New(registry, gate, root, opts...),
		sink:     &sink{},
	}
}

func (f *fixture) handle(from, text string) Outcome {
	return f.d.Handle(context.Background(), domain.InboundMessage{
		ID:          "m1",
		ChannelName: "test",
		ChatID:      "chat-1",
		Sender:      from + "@s.whatsapp.net",
		Content:     text,
	}, f.sink.send)
}

func (f *fixture) readDoc(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root.Root(), rel))
	require.NoError(t, err)
	return string(data)
}

func TestParse(t *testing.T) {
	d := New(nil, nil, nil)
	tests := []struct {
		text    string
		token   string
		args    []string
		argText string
		ok      bool
	}{
		{".delay 5", "delay", []string{"5"}, "5", true},
		{"  .OWNER   Justice  Tech ", "owner", []string{"Justice", "Tech"}, "Justice  Tech", true},
		{".runtime", "runtime", []string{}, "", true},
		{"hello there", "", nil, "", false},
		{".", "", nil, "", false},
		{". delay", "", nil, "", false},
		{".\u00a0approve 15551234567", "", nil, "", false},
		{".\u2003delay 5", "", nil, "", false},
		{".approve\u00a015551234567", "approve", []string{"15551234567"}, "15551234567", true},
		{".revoke\u3000 15551234567  now", "revoke", []string{"15551234567", "now"}, "15551234567  now", true},
		{".Ünïcode arg", "ünïcode", []string{"arg"}, "arg", true},
		{"", "", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			token, args, argText, ok := d.Parse(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.token, token)
			if tt.ok {
				assert.Equal(t, tt.args, args)
				assert.Equal(t, tt.argText, argText)
			}
		})
	}
}

func TestParse_CustomPrefix(t *testing.T) {
	d := New(nil, nil, nil, WithPrefix("!"))
	token, _, _, ok := d.Parse("!help")
	assert.True(t, ok)
	assert.Equal(t, "help", token)
	_, _, _, ok = d.Parse(".help")
	assert.False(t, ok)
}

func TestHandle_IgnoresConversation(t *testing.T) {
	f := newFixture(t, nil)
	out := f.handle(strangerID, "good morning")
	assert.Equal(t, StatusIgnored, out.Status)
	assert.Empty(t, out.DispatchID)
	assert.Empty(t, f.sink.texts())
	assert.Empty(t, f.bus.types()[1:], "only the initial load event")
}

func TestHandle_UnknownCommandSilentByDefault(t *testing.T) {
	f := newFixture(t, nil)
	out := f.handle(ownerID, ".nosuchcommand")
	assert.Equal(t, StatusNotFound, out.Status)
	assert.Empty(t, f.sink.texts())
}

func TestHandle_UnknownCommandReply(t *testing.T) {
	f := newFixture(t, nil, WithUnknownCommandReply("Unknown command. Try .help"))
	out := f.handle(ownerID, ".nosuchcommand")
	assert.Equal(t, StatusNotFound, out.Status)
	assert.Equal(t, []string{"Unknown command. Try .help"}, f.sink.texts())
}

func TestHandle_OwnerSetsOwnerName(t *testing.T) {
	f := newFixture(t, nil)

	out := f.handle(ownerID, ".owner JusticeTech")
	require.Equal(t, StatusExecuted, out.Status, "err: %v", out.Err)
	assert.Equal(t, domain.Identity(ownerID), out.Identity)
	assert.Equal(t, "owner", out.Plugin)
	assert.Equal(t, []string{"Owner name updated to JusticeTech."}, f.sink.texts())
	assert.JSONEq(t, `{"name":"JusticeTech"}`, f.readDoc(t, "owner/owner.json"))
}

func TestHandle_NonOwnerDelayDenied(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, StatusExecuted, f.handle(ownerID, ".delay 3").Status)
	before := f.readDoc(t, "delay/delay.json")
	f.sink = &sink{}

	out := f.handle(strangerID, ".delay 5")
	assert.Equal(t, StatusDenied, out.Status)
	require.NotNil(t, out.Denial)
	assert.Equal(t, domain.GateOwner, out.Denial.Gate)
	assert.Equal(t, []string{auth.DefaultOwnerDenial}, f.sink.texts())
	assert.Equal(t, before, f.readDoc(t, "delay/delay.json"))
	assert.Contains(t, f.bus.types(), domain.EventCommandDenied)
}

func TestHandle_DevOnlyDeniedWithoutSideEffects(t *testing.T) {
	f := newFixture(t, nil)

	for _, id := range []string{strangerID, ownerID} {
		f.sink = &sink{}
		out := f.handle(id, ".approve 15552223333")
		assert.Equal(t, StatusDenied, out.Status, id)
		assert.Equal(t, []string{auth.DefaultDeveloperDenial}, f.sink.texts())
	}
	_, err := os.Stat(filepath.Join(f.root.Root(), "approval", "approvals.json"))
	assert.True(t, os.IsNotExist(err), "denied command must not touch the store")

	f.sink = &sink{}
	out := f.handle(devID, ".approve 15552223333")
	assert.Equal(t, StatusExecuted, out.Status)
}

func TestHandle_RuntimeOpenToAnyone(t *testing.T) {
	f := newFixture(t, nil, WithStartTime(time.Now().Add(-(time.Hour + 2*time.Minute + 3*time.Second))))
	pattern := regexp.MustCompile(`^Runtime: \d+h \d+m \d+s$`)

	for _, from := range []string{strangerID, "not-a-number"} {
		f.sink = &sink{}
		out := f.handle(from, ".runtime")
		require.Equal(t, StatusExecuted, out.Status)
		texts := f.sink.texts()
		require.Len(t, texts, 1)
		assert.Regexp(t, pattern, texts[0])
		assert.Contains(t, texts[0], "1h 2m")
	}
}

func TestHandle_DelayValidationRejected(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, StatusExecuted, f.handle(ownerID, ".delay 4").Status)
	f.sink = &sink{}

	out := f.handle(ownerID, ".delay -3")
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, []string{"Usage: .delay <seconds 0-30> | show"}, f.sink.texts())
	assert.JSONEq(t, `{"maxSeconds":4}`, f.readDoc(t, "delay/delay.json"))
	assert.Contains(t, f.bus.types(), domain.EventCommandRejected)
}

func TestHandle_DelayClamped(t *testing.T) {
	f := newFixture(t, nil)
	require.Equal(t, StatusExecuted, f.handle(ownerID, ".delay 99.5").Status)
	assert.JSONEq(t, `{"maxSeconds":30}`, f.readDoc(t, "delay/delay.json"))
}

func TestHandle_ReloadReportsMetadata(t *testing.T) {
	f := newFixture(t, nil)
	before := f.registry.Metadata()

	out := f.handle(ownerID, ".rplug")
	require.Equal(t, StatusExecuted, out.Status)
	after := f.registry.Metadata()
	assert.True(t, after.LoadedAt.After(before.LoadedAt))
	assert.Equal(t, before.Count, after.Count)
	assert.Contains(t, f.sink.texts()[0], "Reloaded")

	f.sink = &sink{}
	assert.Equal(t, StatusDenied, f.handle(strangerID, ".rplugins").Status)
}

func TestHandle_HandlerErrorIsolated(t *testing.T) {
	boom := domain.CommandSpec{
		Plugin:  "boom",
		Aliases: []string{"boom"},
		Handler: func(context.Context, *domain.CommandContext) error { return errors.New("disk on fire") },
	}
	f := newFixture(t, []domain.CommandSpec{boom})

	out := f.handle(strangerID, ".boom")
	assert.Equal(t, StatusHandlerError, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrHandlerFault)
	assert.Equal(t, []string{DefaultFaultReply}, f.sink.texts())
	assert.True(t, f.sink.sent[0].IsError)
	assert.Contains(t, f.bus.types(), domain.EventCommandFailed)

	// The next message is unaffected.
	f.sink = &sink{}
	assert.Equal(t, StatusExecuted, f.handle(strangerID, ".runtime").Status)
}

func TestHandle_PanicRecovered(t *testing.T) {
	panicky := domain.CommandSpec{
		Plugin:  "panicky",
		Aliases: []string{"panic"},
		Handler: func(context.Context, *domain.CommandContext) error { panic("nil map") },
	}
	f := newFixture(t, []domain.CommandSpec{panicky})

	out := f.handle(strangerID, ".panic")
	assert.Equal(t, StatusHandlerError, out.Status)
	assert.Contains(t, out.Err.Error(), "nil map")
	assert.Equal(t, []string{DefaultFaultReply}, f.sink.texts())
}

func TestHandle_TimeoutDropsLateReplies(t *testing.T) {
	release := make(chan struct{})
	replyErr := make(chan error, 1)
	slow := domain.CommandSpec{
		Plugin:  "slow",
		Aliases: []string{"slow"},
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			<-release
			replyErr <- c.Reply(context.Background(), "too late")
			return nil
		},
	}
	f := newFixture(t, []domain.CommandSpec{slow}, WithHandlerTimeout(30*time.Millisecond))

	out := f.handle(strangerID, ".slow")
	assert.Equal(t, StatusHandlerError, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrTimeout)

	close(release)
	select {
	case err := <-replyErr:
		assert.ErrorIs(t, err, domain.ErrTimeout)
	case <-time.After(time.Second):
		t.Fatal("handler did not finish")
	}
	assert.Equal(t, []string{DefaultFaultReply}, f.sink.texts())
}

func TestHandle_RateLimit(t *testing.T) {
	f := newFixture(t, nil, WithRateLimit(1, 2))

	assert.Equal(t, StatusExecuted, f.handle(strangerID, ".runtime").Status)
	assert.Equal(t, StatusExecuted, f.handle(strangerID, ".runtime").Status)
	out := f.handle(strangerID, ".runtime")
	assert.Equal(t, StatusThrottled, out.Status)
	assert.ErrorIs(t, out.Err, domain.ErrRateLimit)

	// Other callers have their own bucket.
	assert.Equal(t, StatusExecuted, f.handle(devID, ".runtime").Status)
	assert.Len(t, f.sink.texts(), 3)
}

func TestHandle_StoreScopedPerPlugin(t *testing.T) {
	peek := domain.CommandSpec{
		Plugin:  "peek",
		Aliases: []string{"peek"},
		Handler: func(ctx context.Context, c *domain.CommandContext) error {
			_, err := c.Store.Read("../owner/owner.json")
			if !errors.Is(err, domain.ErrPathOutsideStore) {
				return errors.New("escaped scope")
			}
			doc := store.NewDocument(c.Store, "peek.json", map[string]int{"n": 1})
			_, err = doc.Get(ctx)
			return err
		},
	}
	f := newFixture(t, []domain.CommandSpec{peek})

	require.Equal(t, StatusExecuted, f.handle(strangerID, ".peek").Status)
	_, err := os.Stat(filepath.Join(f.root.Root(), "peek", "peek.json"))
	assert.NoError(t, err)
}

func TestHandle_EventsCarryDispatchID(t *testing.T) {
	f := newFixture(t, nil)
	out := f.handle(strangerID, ".runtime")

	f.bus.mu.Lock()
	defer f.bus.mu.Unlock()
	var ids []string
	for _, e := range f.bus.events {
		if e.Type == domain.EventMessageReceived || e.Type == domain.EventCommandDispatched {
			ids = append(ids, e.DispatchID)
		}
	}
	assert.Equal(t, []string{out.DispatchID, out.DispatchID}, ids)
	assert.Len(t, out.DispatchID, 26)
}

func TestHandle_ConcurrentMessages(t *testing.T) {
	f := newFixture(t, nil)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				assert.Equal(t, StatusExecuted, f.handle(ownerID, ".generic label").Status)
			} else {
				assert.Equal(t, StatusExecuted, f.handle(strangerID, ".runtime").Status)
			}
		}()
	}
	wg.Wait()
	assert.JSONEq(t, `{"name":"label"}`, f.readDoc(t, "generic/generic.json"))
}

func TestHandle_NilSendIsAllowed(t *testing.T) {
	f := newFixture(t, nil)
	out := f.d.Handle(context.Background(), domain.InboundMessage{Sender: ownerID, Content: ".runtime"}, nil)
	assert.Equal(t, StatusExecuted, out.Status)
}

func TestHandle_ReplyDelay(t *testing.T) {
	f := newFixture(t, nil, WithReplyDelay(func(context.Context) time.Duration { return 20 * time.Millisecond }))
	out := f.handle(strangerID, ".runtime")
	assert.Equal(t, StatusExecuted, out.Status)
	assert.GreaterOrEqual(t, out.Duration, 20*time.Millisecond)
}

// stalledLookup never answers until the caller gives up.
type stalledLookup struct {
	deadline chan bool
}

func (s *stalledLookup) GetSubscription(ctx context.Context, _ domain.Identity) (*domain.Subscription, error) {
	_, ok := ctx.Deadline()
	s.deadline <- ok
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledLookup) IsActive(*domain.Subscription) bool { return true }

func TestHandle_GateCheckBoundedByTimeout(t *testing.T) {
	f := newFixture(t, nil)
	lookup := &stalledLookup{deadline: make(chan bool, 1)}
	gate := auth.NewGatekeeper(ownerID, auth.NewStaticDevelopers([]string{devID}), lookup, slog.Default())
	f.d = New(f.registry, gate, f.root, WithEventBus(f.bus), WithHandlerTimeout(30*time.Millisecond))

	done := make(chan Outcome, 1)
	go func() { done <- f.handle(strangerID, ".perks") }()

	select {
	case out := <-done:
		assert.Equal(t, StatusDenied, out.Status)
		require.NotNil(t, out.Denial)
		assert.Equal(t, domain.GatePremium, out.Denial.Gate)
		assert.Equal(t, []string{auth.DefaultDenial(domain.GatePremium)}, f.sink.texts())
	case <-time.After(5 * time.Second):
		t.Fatal("gate check did not honour the handler timeout")
	}
	assert.True(t, <-lookup.deadline, "lookup context carries a deadline")
}
