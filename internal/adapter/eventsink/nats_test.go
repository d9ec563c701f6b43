package eventsink

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugbot/internal/domain"
	"plugbot/internal/usecase/eventbus"
)

// startServer runs an in-process NATS server on a random port.
func startServer(t *testing.T) *natsserver.Server {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)

	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("nats server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}

func connect(t *testing.T, ns *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := Connect(ns.ClientURL(), "plugbot-test", slog.Default())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSSink_ForwardsEvents(t *testing.T) {
	ns := startServer(t)
	pub := connect(t, ns)
	sub := connect(t, ns)

	received := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("plugbot.events.>", received)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	bus := eventbus.New(slog.Default())
	defer bus.Close()
	sink := NewNATSSink(pub, "", slog.Default())
	sink.Attach(bus)
	defer sink.Close()

	bus.Publish(context.Background(), domain.NewEvent(domain.EventCommandDenied, "01HX", map[string]string{"command": "delay"}))

	select {
	case msg := <-received:
		assert.Equal(t, "plugbot.events.command.denied", msg.Subject)
		var ev domain.Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, domain.EventCommandDenied, ev.Type)
		assert.Equal(t, "01HX", ev.DispatchID)
		assert.JSONEq(t, `{"command":"delay"}`, string(ev.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("event not forwarded")
	}
}

func TestNATSSink_CloseDetaches(t *testing.T) {
	ns := startServer(t)
	pub := connect(t, ns)
	sub := connect(t, ns)

	received := make(chan *nats.Msg, 4)
	s, err := sub.ChanSubscribe("custom.>", received)
	require.NoError(t, err)
	defer s.Unsubscribe()
	require.NoError(t, sub.Flush())

	bus := eventbus.New(slog.Default())
	defer bus.Close()
	sink := NewNATSSink(pub, "custom", slog.Default())
	assert.Equal(t, "custom.plugin.reloaded", sink.Subject(domain.EventPluginReloaded))

	sink.Attach(bus)
	require.NoError(t, sink.Close())

	bus.Publish(context.Background(), domain.NewEvent(domain.EventPluginReloaded, "", nil))

	select {
	case msg := <-received:
		t.Fatalf("unexpected event after close: %s", msg.Subject)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNATSSink_ClosedConnection(t *testing.T) {
	ns := startServer(t)
	pub := connect(t, ns)
	sink := NewNATSSink(pub, "", slog.Default())
	pub.Close()

	// Publishing on a closed connection is logged, not fatal.
	sink.forward(context.Background(), domain.NewEvent(domain.EventCommandFailed, "x", nil))
	assert.NoError(t, sink.Close())
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect("nats://127.0.0.1:1", "plugbot-test", slog.Default())
	assert.Error(t, err)
}
