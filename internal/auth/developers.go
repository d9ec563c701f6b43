package auth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"plugbot/internal/domain"
)

// DeveloperList is a set of developer identities.
type DeveloperList interface {
	Contains(id domain.Identity) bool
}

// StaticDevelopers is a fixed developer set, usually from configuration.
type StaticDevelopers map[domain.Identity]struct{}

// NewStaticDevelopers normalizes raw numbers into a set. Entries that do not
// normalize to a valid identity are skipped.
func NewStaticDevelopers(raw []string) StaticDevelopers {
	set := make(StaticDevelopers, len(raw))
	for _, r := range raw {
		if id := domain.NormalizeIdentity(r); !id.IsZero() {
			set[id] = struct{}{}
		}
	}
	return set
}

// Contains implements DeveloperList.
func (s StaticDevelopers) Contains(id domain.Identity) bool {
	_, ok := s[id]
	return ok
}

// MultiDevelopers is the union of several developer lists.
type MultiDevelopers []DeveloperList

// Contains implements DeveloperList.
func (m MultiDevelopers) Contains(id domain.Identity) bool {
	for _, l := range m {
		if l != nil && l.Contains(id) {
			return true
		}
	}
	return false
}

// FileDevelopers loads developer identities from a file and can be refreshed
// while the bot runs. Supported formats: a JSON array, a YAML sequence, or
// plain text with one number per line ("#" starts a comment).
type FileDevelopers struct {
	path   string
	logger *slog.Logger
	set    atomic.Pointer[StaticDevelopers]
}

// NewFileDevelopers creates a file-backed list. Call Refresh to load it.
func NewFileDevelopers(path string, logger *slog.Logger) *FileDevelopers {
	f := &FileDevelopers{
		path:   path,
		logger: logger.With("component", "developers", "path", path),
	}
	empty := StaticDevelopers{}
	f.set.Store(&empty)
	return f
}

// Contains implements DeveloperList.
func (f *FileDevelopers) Contains(id domain.Identity) bool {
	return f.set.Load().Contains(id)
}

// Len returns the number of loaded identities.
func (f *FileDevelopers) Len() int { return len(*f.set.Load()) }

// Refresh re-reads the file. On any failure the previously loaded set is
// kept and the error is returned.
func (f *FileDevelopers) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		f.logger.Warn("developer list refresh failed, keeping previous set", "error", err)
		return domain.WrapOp("developers.Refresh", err)
	}
	raw, err := parseDeveloperFile(f.path, data)
	if err != nil {
		f.logger.Warn("developer list refresh failed, keeping previous set", "error", err)
		return domain.NewDomainError("developers.Refresh", domain.ErrInvalidInput, err.Error())
	}

	set := NewStaticDevelopers(raw)
	if skipped := len(raw) - len(set); skipped > 0 {
		f.logger.Debug("developer entries skipped", "count", skipped)
	}
	f.set.Store(&set)
	f.logger.Info("developer list refreshed", "count", len(set))
	return nil
}

func parseDeveloperFile(path string, data []byte) ([]string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		var list []string
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return list, nil
	case ".yaml", ".yml":
		var list []string
		if err := yaml.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		return list, nil
	}

	var list []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if line = strings.TrimSpace(line); line != "" {
			list = append(list, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return list, nil
}
