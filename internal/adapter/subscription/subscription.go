// Package subscription provides premium subscription backends: in-memory,
// SQLite and Redis. Every backend satisfies domain.SubscriptionLookup for the
// authorization gate and Store for administration.
package subscription

import (
	"context"
	"time"

	"plugbot/internal/domain"
)

// Store is a writable subscription backend.
type Store interface {
	domain.SubscriptionLookup
	// Put inserts or replaces the record for sub.Identity.
	Put(ctx context.Context, sub domain.Subscription) error
	// Delete removes a record. Missing records return domain.ErrNotFound.
	Delete(ctx context.Context, id domain.Identity) error
	// List returns every record ordered by identity.
	List(ctx context.Context) ([]domain.Subscription, error)
	Close() error
}

// validate rejects records that could never be looked up.
func validate(sub domain.Subscription) error {
	if sub.Identity.IsZero() {
		return domain.NewDomainError("subscription.Put", domain.ErrInvalidInput, "identity is required")
	}
	if !sub.ExpiresAt.IsZero() && !sub.StartedAt.IsZero() && !sub.ExpiresAt.After(sub.StartedAt) {
		return domain.NewDomainError("subscription.Put", domain.ErrInvalidInput, "expiry must be after start")
	}
	return nil
}

// clock is embedded by backends so tests can pin IsActive to a fixed time.
type clock struct {
	now func() time.Time
}

func (c clock) IsActive(sub *domain.Subscription) bool {
	now := time.Now
	if c.now != nil {
		now = c.now
	}
	return sub.ActiveAt(now())
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend     string // "none", "memory", "sqlite" or "redis"
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
}

// Open builds the backend named by opts.Backend. "none" returns (nil, nil).
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		s, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := NewRedisStore(ctx, opts.RedisURL, opts.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, domain.NewDomainError("subscription.Open", domain.ErrInvalidInput, "unknown backend "+opts.Backend)
	}
}
