package eventsink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"plugbot/internal/domain"
)

// AuditedEvents are the event types an AuditSink records. Inbound messages
// are left out; they carry user content and are high volume.
var AuditedEvents = []domain.EventType{
	domain.EventCommandDispatched,
	domain.EventCommandDenied,
	domain.EventCommandRejected,
	domain.EventCommandFailed,
	domain.EventPluginReloaded,
	domain.EventDevelopersRefresh,
}

// AuditRetention bounds the audit file. Zero fields disable that bound.
type AuditRetention struct {
	MaxAge  time.Duration
	MaxSize int64
}

// AuditSink appends bus events to a JSONL file.
type AuditSink struct {
	path      string
	retention AuditRetention
	logger    *slog.Logger

	mu     sync.Mutex
	file   *os.File
	detach []func()
}

// NewAuditSink opens (or creates, mode 0600) the audit file at path.
func NewAuditSink(path string, retention AuditRetention, logger *slog.Logger) (*AuditSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditSink{
		path:      path,
		retention: retention,
		logger:    logger.With("component", "audit", "path", path),
		file:      f,
	}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

// Attach subscribes the sink to AuditedEvents on bus.
func (a *AuditSink) Attach(bus domain.EventBus) {
	unsubs := make([]func(), 0, len(AuditedEvents))
	for _, t := range AuditedEvents {
		unsubs = append(unsubs, bus.Subscribe(t, a.record))
	}
	a.mu.Lock()
	prev := a.detach
	a.detach = unsubs
	a.mu.Unlock()
	for _, u := range prev {
		u()
	}
}

func (a *AuditSink) record(_ context.Context, event domain.Event) {
	if err := a.Write(event); err != nil {
		a.logger.Warn("audit write failed", "type", event.Type, "error", err)
	}
}

// Write appends one event as a single JSON line.
func (a *AuditSink) Write(event domain.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("AuditSink.Write", domain.ErrInvalidInput, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return domain.NewDomainError("AuditSink.Write", domain.ErrNotFound, "audit log is closed")
	}
	_, err = a.file.Write(append(data, '\n'))
	return err
}

// Prune rewrites the file without entries older than MaxAge, then drops the
// oldest entries until it fits MaxSize. Lines that do not decode are kept.
func (a *AuditSink) Prune(ctx context.Context) (removed int, err error) {
	if a.retention.MaxAge <= 0 && a.retention.MaxSize <= 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return 0, nil
	}

	var cutoff time.Time
	if a.retention.MaxAge > 0 {
		cutoff = time.Now().Add(-a.retention.MaxAge)
	}
	kept, size, removed, err := readKept(a.path, cutoff)
	if err != nil {
		return 0, err
	}
	if limit := a.retention.MaxSize; limit > 0 {
		for len(kept) > 0 && size > limit {
			size -= int64(len(kept[0])) + 1
			kept = kept[1:]
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := a.path + ".tmp"
	if err := writeLines(tmp, kept); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := a.file.Close(); err != nil {
		a.logger.Warn("close audit log before swap", "error", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		_ = os.Remove(tmp)
		a.file, _ = openAppend(a.path)
		return 0, fmt.Errorf("replace audit log: %w", err)
	}
	a.file, err = openAppend(a.path)
	if err != nil {
		return removed, fmt.Errorf("reopen audit log: %w", err)
	}
	a.logger.Info("audit log pruned", "removed", removed, "kept", len(kept))
	return removed, nil
}

func readKept(path string, cutoff time.Time) (kept [][]byte, size int64, removed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !cutoff.IsZero() {
			var entry struct {
				Timestamp time.Time `json:"timestamp"`
			}
			if json.Unmarshal(line, &entry) == nil && !entry.Timestamp.IsZero() && entry.Timestamp.Before(cutoff) {
				removed++
				continue
			}
		}
		kept = append(kept, append([]byte(nil), line...))
		size += int64(len(line)) + 1
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, 0, fmt.Errorf("scan audit log: %w", err)
	}
	return kept, size, removed, nil
}

func writeLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create temp audit log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write temp audit log: %w", err)
	}
	return f.Close()
}

// Close detaches from the bus and closes the file.
func (a *AuditSink) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.detach {
		u()
	}
	a.detach = nil
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// ParseSize parses a human-readable size such as "512KB", "100MB" or "1GB".
// A bare number is bytes and "" is zero.
func ParseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}
	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		mult   int64
	}{{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10}, {"B", 1}} {
		if rest, ok := strings.CutSuffix(s, u.suffix); ok {
			s, multiplier = rest, u.mult
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("parse size %q: invalid number", s)
	}
	return n * multiplier, nil
}
