package subscription

import (
	"context"
	"slices"
	"strings"
	"sync"

	"plugbot/internal/domain"
)

// MemoryStore keeps subscriptions in a map. Useful for tests and for
// deployments that seed premium users from config.
type MemoryStore struct {
	clock
	mu   sync.RWMutex
	subs map[domain.Identity]domain.Subscription
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[domain.Identity]domain.Subscription)}
}

func (m *MemoryStore) GetSubscription(ctx context.Context, id domain.Identity) (*domain.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (m *MemoryStore) Put(_ context.Context, sub domain.Subscription) error {
	if err := validate(sub); err != nil {
		return err
	}
	m.mu.Lock()
	m.subs[sub.Identity] = sub
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id domain.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return domain.NewDomainError("MemoryStore.Delete", domain.ErrNotFound, string(id))
	}
	delete(m.subs, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]domain.Subscription, error) {
	m.mu.RLock()
	out := make([]domain.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Subscription) int {
		return strings.Compare(string(a.Identity), string(b.Identity))
	})
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
