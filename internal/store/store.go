// Package store persists small JSON settings documents on the local
// filesystem, one file per logical setting.
package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"plugbot/internal/domain"
)

const (
	dirPerm  = 0700
	filePerm = 0600
)

// Store is a directory of JSON documents. Scopes created from the same
// root share one lock table, so a path is never written by two goroutines
// at once regardless of which scope they go through.
type Store struct {
	root   string
	logger *slog.Logger
	locks  *pathLocker
}

var _ domain.DocumentStore = (*Store)(nil)

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string, logger *slog.Logger) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, domain.WrapOp("store.New", err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, domain.WrapOp("store.New", err)
	}
	return &Store{
		root:   abs,
		logger: logger.With("component", "store"),
		locks:  newPathLocker(),
	}, nil
}

// Scope returns a store rooted at a subdirectory named after a plugin.
// The directory is created lazily on the first write.
func (s *Store) Scope(name string) *Store {
	name = filepath.Base(filepath.Clean(string(filepath.Separator) + name))
	if name == string(filepath.Separator) || name == "." {
		name = "_"
	}
	return &Store{
		root:   filepath.Join(s.root, name),
		logger: s.logger.With("scope", name),
		locks:  s.locks,
	}
}

// Root returns the absolute directory backing the store.
func (s *Store) Root() string { return s.root }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Lock acquires the exclusive lock for a document path.
func (s *Store) Lock(ctx context.Context, path string) (func(), error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return s.locks.Lock(ctx, full)
}

// Read returns the document bytes at path.
func (s *Store) Read(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Write replaces the document at path via a temp file and rename, creating
// parent directories as needed. Callers are expected to hold the path lock.
func (s *Store) Write(path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return domain.WrapOp("store.Write", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return domain.WrapOp("store.Write", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.WrapOp("store.Write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return domain.WrapOp("store.Write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return domain.WrapOp("store.Write", err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)
		return domain.WrapOp("store.Write", err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return domain.WrapOp("store.Write", err)
	}
	return nil
}

// resolve maps a relative document path to an absolute file path inside
// the store root.
func (s *Store) resolve(path string) (string, error) {
	if path == "" || filepath.IsAbs(path) {
		return "", domain.NewDomainError("store.Resolve", domain.ErrPathOutsideStore, path)
	}
	full := filepath.Join(s.root, path)
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.NewDomainError("store.Resolve", domain.ErrPathOutsideStore, path)
	}
	return full, nil
}
