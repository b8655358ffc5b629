package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/pkg/clock"
	"github.com/digkill/GrammarBot/pkg/logger"
)

func TestEntitlementDefaultsToFalse(t *testing.T) {
	e := NewEntitlementState(1, nil, clock.NewFake(ledgerStart), logger.Discard())
	assert.False(t, e.IsPremiumUser())
	assert.NoError(t, e.Refresh(context.Background()))
	assert.False(t, e.IsPremiumUser())
}

func TestRefreshSetsPremium(t *testing.T) {
	source := newFakeProfileSource(true)
	e := NewEntitlementState(1, source, clock.NewFake(ledgerStart), logger.Discard())

	require.NoError(t, e.Refresh(context.Background()))
	assert.True(t, e.IsPremiumUser())
}

func TestRefreshFailureKeepsLastKnownValue(t *testing.T) {
	source := newFakeProfileSource(true)
	e := NewEntitlementState(1, source, clock.NewFake(ledgerStart), logger.Discard())
	require.NoError(t, e.Refresh(context.Background()))

	source.mu.Lock()
	source.err = errors.New("billing offline")
	source.profile = premiumProfile(false)
	source.mu.Unlock()

	err := e.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, e.IsPremiumUser(), "a failed refresh must not flip the cached value")
}

func TestApplyDropsOlderObservations(t *testing.T) {
	e := NewEntitlementState(1, nil, clock.NewFake(ledgerStart), logger.Discard())

	assert.True(t, e.Apply(premiumProfile(true), ledgerStart.Add(2*time.Second)))
	assert.False(t, e.Apply(premiumProfile(false), ledgerStart.Add(time.Second)))
	assert.True(t, e.IsPremiumUser())

	assert.True(t, e.Apply(premiumProfile(false), ledgerStart.Add(2*time.Second)), "equal timestamps take the later write")
	assert.False(t, e.IsPremiumUser())
}

func TestPushDuringRefreshWins(t *testing.T) {
	clk := clock.NewFake(ledgerStart)
	source := newFakeProfileSource(false)
	e := NewEntitlementState(1, source, clk, logger.Discard())
	e.Watch()
	defer e.Close()

	// The refresh reads a stale "not premium" while a purchase push lands.
	source.beforeReturn = func() {
		clk.Advance(time.Second)
		source.push(premiumProfile(true))
	}

	require.NoError(t, e.Refresh(context.Background()))
	assert.True(t, e.IsPremiumUser())
}

func TestWatchFollowsPushes(t *testing.T) {
	clk := clock.NewFake(ledgerStart)
	source := newFakeProfileSource(false)
	e := NewEntitlementState(1, source, clk, logger.Discard())

	e.Watch()
	e.Watch()
	assert.Equal(t, 1, source.subscriberCount(), "re-watching replaces the subscription")

	clk.Advance(time.Second)
	source.push(premiumProfile(true))
	assert.True(t, e.IsPremiumUser())

	clk.Advance(time.Second)
	source.push(premiumProfile(false))
	assert.False(t, e.IsPremiumUser())

	e.Close()
	assert.Equal(t, 0, source.subscriberCount())
}

func TestPremiumLapsesAtExpiry(t *testing.T) {
	clk := clock.NewFake(ledgerStart)
	e := NewEntitlementState(1, nil, clk, logger.Discard())
	until := ledgerStart.Add(time.Hour)

	e.Apply(ProfileForUser(&models.User{ID: 1, PremiumUntil: &until}, clk.Now()), clk.Now())
	assert.True(t, e.IsPremiumUser())

	clk.Advance(59 * time.Minute)
	assert.True(t, e.IsPremiumUser())

	clk.Advance(time.Minute)
	assert.False(t, e.IsPremiumUser(), "premium ends exactly at premium_until")

	renewed := ledgerStart.Add(48 * time.Hour)
	e.Apply(ProfileForUser(&models.User{ID: 1, PremiumUntil: &renewed}, clk.Now()), clk.Now())
	assert.True(t, e.IsPremiumUser())
}

func TestPremiumWithoutExpiryStays(t *testing.T) {
	clk := clock.NewFake(ledgerStart)
	e := NewEntitlementState(1, nil, clk, logger.Discard())

	e.Apply(premiumProfile(true), clk.Now())
	clk.Advance(365 * 24 * time.Hour)
	assert.True(t, e.IsPremiumUser())
}
