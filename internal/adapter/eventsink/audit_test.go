package eventsink

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugbot/internal/domain"
	"plugbot/internal/usecase/eventbus"
)

func readAudit(t *testing.T, path string) []domain.Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []domain.Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		out = append(out, ev)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestAuditSink_RecordsCommandEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	sink, err := NewAuditSink(path, AuditRetention{}, slog.Default())
	require.NoError(t, err)
	defer sink.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	bus := eventbus.New(slog.Default())
	sink.Attach(bus)

	bus.Publish(context.Background(), domain.NewEvent(domain.EventCommandDenied, "d1", map[string]string{"gate": "ownerOnly"}))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventMessageReceived, "d1", nil))
	bus.Publish(context.Background(), domain.NewEvent(domain.EventCommandDispatched, "d2", nil))
	bus.Close()

	events := readAudit(t, path)
	require.Len(t, events, 2)
	types := []domain.EventType{events[0].Type, events[1].Type}
	assert.ElementsMatch(t, []domain.EventType{domain.EventCommandDenied, domain.EventCommandDispatched}, types)
}

func TestAuditSink_CloseDetaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewAuditSink(path, AuditRetention{}, slog.Default())
	require.NoError(t, err)

	bus := eventbus.New(slog.Default())
	sink.Attach(bus)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())

	bus.Publish(context.Background(), domain.NewEvent(domain.EventCommandFailed, "x", nil))
	bus.Close()
	assert.Empty(t, readAudit(t, path))

	assert.Error(t, sink.Write(domain.NewEvent(domain.EventCommandFailed, "x", nil)))
}

func TestAuditSink_PruneByAge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewAuditSink(path, AuditRetention{MaxAge: time.Hour}, slog.Default())
	require.NoError(t, err)
	defer sink.Close()

	old := domain.NewEvent(domain.EventCommandDispatched, "old", nil)
	old.Timestamp = time.Now().Add(-2 * time.Hour)
	fresh := domain.NewEvent(domain.EventCommandDispatched, "fresh", nil)
	require.NoError(t, sink.Write(old))
	require.NoError(t, sink.Write(fresh))

	removed, err := sink.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	events := readAudit(t, path)
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].DispatchID)

	// Appends continue after the swap.
	require.NoError(t, sink.Write(domain.NewEvent(domain.EventCommandDenied, "after", nil)))
	assert.Len(t, readAudit(t, path), 2)
}

func TestAuditSink_PruneBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewAuditSink(path, AuditRetention{MaxSize: 300}, slog.Default())
	require.NoError(t, err)
	defer sink.Close()

	for i := range 10 {
		require.NoError(t, sink.Write(domain.NewEvent(domain.EventCommandDispatched, string(rune('a'+i)), nil)))
	}

	removed, err := sink.Prune(context.Background())
	require.NoError(t, err)
	assert.Positive(t, removed)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.LessOrEqual(t, info.Size(), int64(300))

	events := readAudit(t, path)
	require.NotEmpty(t, events)
	assert.Equal(t, "j", events[len(events)-1].DispatchID)
}

func TestAuditSink_PruneDisabled(t *testing.T) {
	sink, err := NewAuditSink(filepath.Join(t.TempDir(), "events.jsonl"), AuditRetention{}, slog.Default())
	require.NoError(t, err)
	defer sink.Close()

	removed, err := sink.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"512", 512, false},
		{"10B", 10, false},
		{"4kb", 4 << 10, false},
		{"100MB", 100 << 20, false},
		{" 1GB ", 1 << 30, false},
		{"lots", 0, true},
		{"-5MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
