package service

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/digkill/GrammarBot/internal/models"
)

const (
	// OfferWindow is how long a shown discount countdown keeps running.
	OfferWindow = 120 * time.Second
	// MinOfferCountdown keeps a resumed countdown usable.
	MinOfferCountdown = 20 * time.Second
	// UnsolicitedOfferInterval spaces out offers shown after the paywall is closed.
	UnsolicitedOfferInterval = 7 * 24 * time.Hour
)

type FlagReader interface {
	Flags() models.FeatureFlags
}

// UpsellDecision names the paywall screen to open. CountdownSeconds is set for
// the Offer screen only.
type UpsellDecision struct {
	Screen           models.Screen
	CountdownSeconds int
}

// Deadline is when an Offer decision made at now runs out.
func (d UpsellDecision) Deadline(now time.Time) time.Time {
	return now.Add(time.Duration(d.CountdownSeconds) * time.Second)
}

// OfferScheduler picks between the full-price paywall and the time-boxed
// discount. The discount is one continuous countdown tied to wall-clock time:
// re-entering within the window resumes it, it is never restarted early.
// Callers must not consult it for premium chats.
type OfferScheduler struct {
	store  KeyValueStore
	flags  FlagReader
	events EventSink
	log    *slog.Logger
}

func NewOfferScheduler(store KeyValueStore, flags FlagReader, events EventSink, log *slog.Logger) *OfferScheduler {
	if events == nil {
		events = NopSink{}
	}
	return &OfferScheduler{store: store, flags: flags, events: events, log: log}
}

func (s *OfferScheduler) DecideUpsellTarget(ctx context.Context, now time.Time) UpsellDecision {
	flags := s.flags.Flags()
	lastShown, shown := s.readTime(ctx, keyOfferShownAt)

	if !flags.ShowOffer || !shown || now.Sub(lastShown) > OfferWindow {
		if flags.ShowOffer {
			// The countdown starts now; the next upsell inside the window
			// lands on the Offer screen with the remaining time.
			s.writeTime(ctx, keyOfferShownAt, now)
		}
		s.events.LogEvent(ctx, EventSubscriptionShown)
		return UpsellDecision{Screen: models.ScreenSubscription}
	}

	s.events.LogEvent(ctx, EventOfferShown)
	return UpsellDecision{
		Screen:           models.ScreenOffer,
		CountdownSeconds: remainingCountdown(now.Sub(lastShown)),
	}
}

// OnSubscriptionDismissed is the re-engagement path: closing the paywall
// without buying shows the discount with a full countdown, at most once per
// UnsolicitedOfferInterval.
func (s *OfferScheduler) OnSubscriptionDismissed(ctx context.Context, now time.Time) (UpsellDecision, bool) {
	s.events.LogEvent(ctx, EventSubscriptionGoBack)
	if !s.flags.Flags().ShowOffer {
		return UpsellDecision{}, false
	}
	if viewedAt, ok := s.readTime(ctx, keyHasViewedOffer); ok && now.Sub(viewedAt) < UnsolicitedOfferInterval {
		return UpsellDecision{}, false
	}

	s.writeTime(ctx, keyHasViewedOffer, now)
	s.writeTime(ctx, keyOfferShownAt, now)
	s.events.LogEvent(ctx, EventOfferUnsolicited)
	return UpsellDecision{
		Screen:           models.ScreenOffer,
		CountdownSeconds: int(OfferWindow / time.Second),
	}, true
}

func remainingCountdown(elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}
	window := int(OfferWindow / time.Second)
	remaining := window - int(elapsed/time.Second)
	if floor := int(MinOfferCountdown / time.Second); remaining < floor {
		return floor
	}
	return remaining
}

// Timestamps are stored as unix milliseconds.
func (s *OfferScheduler) readTime(ctx context.Context, key string) (time.Time, bool) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.log.Warn("offer state read failed", "key", key, "err", err)
		return time.Time{}, false
	}
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (s *OfferScheduler) writeTime(ctx context.Context, key string, t time.Time) {
	if err := s.store.Set(ctx, key, strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		s.log.Warn("offer state write failed", "key", key, "err", err)
	}
}
