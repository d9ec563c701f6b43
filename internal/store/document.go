package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"

	"plugbot/internal/domain"
)

// Document is a typed JSON settings file with a declared default.
// Every access reads the whole file and every mutation rewrites it. A missing,
// unreadable or malformed file is replaced with the default.
type Document[T any] struct {
	store   domain.DocumentStore
	path    string
	initial []byte
}

// NewDocument binds a document at path (relative to the store) to its default.
// It panics if def cannot be encoded as JSON, which is a programming error.
func NewDocument[T any](s domain.DocumentStore, path string, def T) *Document[T] {
	initial, err := json.MarshalIndent(def, "", "  ")
	if err != nil {
		panic("store: default for " + path + " is not JSON encodable: " + err.Error())
	}
	return &Document[T]{store: s, path: path, initial: initial}
}

// Path returns the document path relative to its store.
func (d *Document[T]) Path() string { return d.path }

// Default returns a fresh copy of the declared default.
func (d *Document[T]) Default() T {
	var v T
	_ = json.Unmarshal(d.initial, &v)
	return v
}

// Get returns the current document, healing it first if necessary.
func (d *Document[T]) Get(ctx context.Context) (T, error) {
	unlock, err := d.store.Lock(ctx, d.path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer unlock()
	return d.load(), nil
}

// Set overwrites the document.
func (d *Document[T]) Set(ctx context.Context, v T) error {
	unlock, err := d.store.Lock(ctx, d.path)
	if err != nil {
		return err
	}
	defer unlock()
	return d.save(v)
}

// Update applies fn to the current document under the path lock and writes
// the result. Nothing is written when fn returns an error.
func (d *Document[T]) Update(ctx context.Context, fn func(T) (T, error)) (T, error) {
	unlock, err := d.store.Lock(ctx, d.path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer unlock()

	next, err := fn(d.load())
	if err != nil {
		var zero T
		return zero, err
	}
	if err := d.save(next); err != nil {
		var zero T
		return zero, err
	}
	return next, nil
}

// load reads and decodes the file. Callers hold the path lock.
func (d *Document[T]) load() T {
	data, err := d.store.Read(d.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.store.Logger().Warn("document unreadable, restoring default", "path", d.path, "error", err)
		}
		return d.heal()
	}

	trimmed := bytes.TrimSpace(data)
	var v T
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		d.store.Logger().Warn("document empty, restoring default", "path", d.path)
		return d.heal()
	}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		d.store.Logger().Warn("document corrupt, restoring default", "path", d.path, "error", err)
		return d.heal()
	}
	return v
}

// heal writes the default to disk and returns a copy of it. A failed write
// is logged; the default is still returned so callers keep working.
func (d *Document[T]) heal() T {
	if err := d.store.Write(d.path, d.initial); err != nil {
		d.store.Logger().Error("restore default document failed", "path", d.path, "error", err)
	}
	return d.Default()
}

func (d *Document[T]) save(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("document.marshal", err)
	}
	return d.store.Write(d.path, data)
}
