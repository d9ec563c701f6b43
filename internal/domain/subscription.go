package domain

import (
	"context"
	"time"
)

// Subscription is a premium subscription record.
// A zero ExpiresAt means the subscription does not expire.
type Subscription struct {
	Identity  Identity  `json:"identity"`
	Plan      string    `json:"plan"`
	StartedAt time.Time `json:"started_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Revoked   bool      `json:"revoked,omitempty"`
}

// ActiveAt reports whether the subscription window holds at t.
func (s *Subscription) ActiveAt(t time.Time) bool {
	if s == nil || s.Revoked {
		return false
	}
	if !s.StartedAt.IsZero() && t.Before(s.StartedAt) {
		return false
	}
	return s.ExpiresAt.IsZero() || t.Before(s.ExpiresAt)
}

// SubscriptionLookup resolves subscription records.
// GetSubscription returns (nil, nil) when the identity has no record.
type SubscriptionLookup interface {
	GetSubscription(ctx context.Context, id Identity) (*Subscription, error)
	IsActive(sub *Subscription) bool
}
