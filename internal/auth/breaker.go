package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"plugbot/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the subscription lookup circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// BreakerLookup wraps a SubscriptionLookup with a circuit breaker so a failing
// subscription backend fails fast instead of stalling every premium command.
// An open circuit surfaces as an error, which the gatekeeper treats as a denial.
type BreakerLookup struct {
	inner   domain.SubscriptionLookup
	breaker *gobreaker.CircuitBreaker[*domain.Subscription]
}

var _ domain.SubscriptionLookup = (*BreakerLookup)(nil)

// NewBreakerLookup wraps inner. Zero config fields take defaults.
func NewBreakerLookup(inner domain.SubscriptionLookup, cfg BreakerConfig, logger *slog.Logger) *BreakerLookup {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.Subscription](gobreaker.Settings{
		Name:        "subscriptions",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about backend health. A
			// deadline does: the lookup ran out the whole per-message budget.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &BreakerLookup{inner: inner, breaker: cb}
}

// GetSubscription implements domain.SubscriptionLookup.
func (b *BreakerLookup) GetSubscription(ctx context.Context, id domain.Identity) (*domain.Subscription, error) {
	sub, err := b.breaker.Execute(func() (*domain.Subscription, error) {
		return b.inner.GetSubscription(ctx, id)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: circuit open: %w", domain.ErrSubscriptionLookup, err)
		}
		return nil, err
	}
	return sub, nil
}

// IsActive implements domain.SubscriptionLookup.
func (b *BreakerLookup) IsActive(sub *domain.Subscription) bool {
	return b.inner.IsActive(sub)
}

// State returns the current breaker state name.
func (b *BreakerLookup) State() string { return b.breaker.State().String() }
