package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/pkg/clock"
)

// ProfileSource is the part of the billing collaborator the entitlement cell
// depends on: a one-shot profile read and a push channel of profile changes.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID int64) (models.Profile, error)
	SubscribeProfile(userID int64, fn func(models.Profile)) (unsubscribe func())
}

// EntitlementState caches whether a chat is premium for synchronous gating
// decisions. It has two producers, the push subscription and the bootstrap
// Refresh, feeding one last-write-wins cell: every update carries the time
// its data was observed and older observations are dropped.
type EntitlementState struct {
	userID int64
	source ProfileSource
	clock  clock.Clock
	log    *slog.Logger

	mu          sync.RWMutex
	premium     bool
	expiresAt   *time.Time
	observedAt  time.Time
	unsubscribe func()
}

func NewEntitlementState(userID int64, source ProfileSource, clk clock.Clock, log *slog.Logger) *EntitlementState {
	return &EntitlementState{
		userID: userID,
		source: source,
		clock:  clk,
		log:    log,
	}
}

// IsPremiumUser reports the cached premium flag. An access level whose
// expiry has passed counts as inactive even if no push announced it.
func (e *EntitlementState) IsPremiumUser() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.premium {
		return false
	}
	return e.expiresAt == nil || e.clock.Now().Before(*e.expiresAt)
}

// Apply stores the premium flag of profile if it was observed no earlier than
// the value currently held. It reports whether the update was taken.
func (e *EntitlementState) Apply(profile models.Profile, observedAt time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if observedAt.Before(e.observedAt) {
		return false
	}
	prev := e.premium
	e.premium = profile.IsPremium()
	e.expiresAt = nil
	if level, ok := profile.AccessLevels[models.PremiumAccessLevel]; ok && level.ExpiresAt != nil {
		expires := *level.ExpiresAt
		e.expiresAt = &expires
	}
	e.observedAt = observedAt
	if prev != e.premium {
		e.log.Info("entitlement changed", "user_id", e.userID, "premium", e.premium)
	}
	return true
}

// Refresh reads the current profile. On failure the cached value is kept
// as is, whatever it was.
func (e *EntitlementState) Refresh(ctx context.Context) error {
	if e.source == nil {
		return nil
	}
	requestedAt := e.clock.Now()
	profile, err := e.source.GetProfile(ctx, e.userID)
	if err != nil {
		e.log.Warn("entitlement refresh failed", "user_id", e.userID, "err", err)
		return fmt.Errorf("refresh entitlement: %w", err)
	}
	// Stamped with the request time so a push that arrived while the read
	// was in flight is not overwritten.
	e.Apply(profile, requestedAt)
	return nil
}

// Watch subscribes to profile pushes. Calling it twice replaces the earlier
// subscription.
func (e *EntitlementState) Watch() {
	if e.source == nil {
		return
	}
	unsubscribe := e.source.SubscribeProfile(e.userID, func(p models.Profile) {
		e.Apply(p, e.clock.Now())
	})
	e.mu.Lock()
	prev := e.unsubscribe
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (e *EntitlementState) Close() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
