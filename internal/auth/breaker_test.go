package auth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugbot/internal/domain"
)

func TestBreakerLookup_PassesThrough(t *testing.T) {
	inner := activeLookup()
	b := NewBreakerLookup(inner, BreakerConfig{}, slog.Default())

	sub, err := b.GetSubscription(context.Background(), premiumID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.True(t, b.IsActive(sub))

	sub, err = b.GetSubscription(context.Background(), strangeID)
	require.NoError(t, err)
	assert.Nil(t, sub)
}

func TestBreakerLookup_OpensAfterFailures(t *testing.T) {
	inner := &fakeLookup{err: errors.New("connection refused")}
	b := NewBreakerLookup(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, slog.Default())

	for range 2 {
		_, err := b.GetSubscription(context.Background(), premiumID)
		require.Error(t, err)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.GetSubscription(context.Background(), premiumID)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSubscriptionLookup)
	assert.Equal(t, int32(2), inner.calls.Load(), "open circuit must not reach the backend")
}

func TestBreakerLookup_CancellationDoesNotTrip(t *testing.T) {
	inner := &fakeLookup{err: context.Canceled}
	b := NewBreakerLookup(inner, BreakerConfig{MaxFailures: 1}, slog.Default())

	for range 3 {
		_, err := b.GetSubscription(context.Background(), premiumID)
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerLookup_StalledBackendTrips(t *testing.T) {
	inner := &fakeLookup{err: context.DeadlineExceeded}
	b := NewBreakerLookup(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, slog.Default())

	for range 2 {
		_, err := b.GetSubscription(context.Background(), premiumID)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	assert.Equal(t, "open", b.State())
}

func TestGatekeeper_OpenBreakerDenies(t *testing.T) {
	inner := &fakeLookup{err: errors.New("timeout")}
	b := NewBreakerLookup(inner, BreakerConfig{MaxFailures: 1, Timeout: time.Minute}, slog.Default())
	g := NewGatekeeper(ownerID, nil, b, slog.Default())

	for range 3 {
		denial := g.Check(context.Background(), premiumID, []domain.Gate{domain.GatePremium}, nil)
		require.NotNil(t, denial)
		assert.Equal(t, DefaultPremiumDenial, denial.Message)
	}
}
