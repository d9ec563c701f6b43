package store

import (
	"context"
	"fmt"
	"sync"
)

// pathLocker hands out one exclusive lock per document path. Entries are
// reference counted and removed once nobody holds or waits for them.
type pathLocker struct {
	mu    sync.Mutex
	locks map[string]*pathMutex
}

type pathMutex struct {
	sem      chan struct{}
	refCount int
}

func newPathLocker() *pathLocker {
	return &pathLocker{locks: make(map[string]*pathMutex)}
}

// Lock blocks until the lock for path is held or ctx is done.
// The returned unlock function must be called exactly once.
func (l *pathLocker) Lock(ctx context.Context, path string) (unlock func(), err error) {
	l.mu.Lock()
	pm, ok := l.locks[path]
	if !ok {
		pm = &pathMutex{sem: make(chan struct{}, 1)}
		l.locks[path] = pm
	}
	pm.refCount++
	l.mu.Unlock()

	select {
	case pm.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-pm.sem
				l.release(path, pm)
			})
		}, nil
	case <-ctx.Done():
		l.release(path, pm)
		return nil, fmt.Errorf("path lock %s: %w", path, ctx.Err())
	}
}

func (l *pathLocker) release(path string, pm *pathMutex) {
	l.mu.Lock()
	pm.refCount--
	if pm.refCount == 0 {
		delete(l.locks, path)
	}
	l.mu.Unlock()
}

// activeCount returns the number of paths with held or pending locks.
func (l *pathLocker) activeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
