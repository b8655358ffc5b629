package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/pkg/clock"
)

// Billing is what a session needs from the billing collaborator.
type Billing interface {
	ProfileSource
	ProductByVendorID(ctx context.Context, vendorID string) (*models.Product, error)
	MakePurchase(ctx context.Context, bot Messenger, userID, chatID int64, product models.Product) error
	RestorePurchases(ctx context.Context, userID int64) (models.Profile, error)
}

type Analytics interface {
	ForUser(userID int64) EventSink
}

// StoreFactory returns the key-value namespace of one installation.
type StoreFactory func(userID int64) KeyValueStore

type SessionConfig struct {
	RetentionDays     int
	CorrectionTimeout time.Duration
	ReviewURL         string
	ReviewDelay       time.Duration
}

// Session is the application state of one installation. Each field has a
// single owner component; the bot reads through the methods below.
type Session struct {
	UserID      int64
	FirstLaunch bool

	Ledger      *UsageLedger
	Entitlement *EntitlementState
	Offers      *OfferScheduler
	Review      *ReviewGate
	Correction  *CorrectionService
	Events      EventSink

	flags   FlagReader
	billing Billing
	clock   clock.Clock
	log     *slog.Logger
}

type SessionStatus struct {
	Premium        bool
	DailyFreeTries int
	UsedToday      int
	TriesLeft      int
}

func (s *Session) Status(ctx context.Context) SessionStatus {
	quota := s.flags.Flags().DailyFreeTries
	used := s.Ledger.TodayCount(ctx)
	return SessionStatus{
		Premium:        s.Entitlement.IsPremiumUser(),
		DailyFreeTries: quota,
		UsedToday:      used,
		TriesLeft:      max(0, quota-used),
	}
}

// Upsell picks the paywall screen. Premium chats get no upsell.
func (s *Session) Upsell(ctx context.Context) (UpsellDecision, bool) {
	if s.Entitlement.IsPremiumUser() {
		return UpsellDecision{}, false
	}
	return s.Offers.DecideUpsellTarget(ctx, s.clock.Now()), true
}

// DismissSubscription handles closing the full-price paywall.
func (s *Session) DismissSubscription(ctx context.Context) (UpsellDecision, bool) {
	if s.Entitlement.IsPremiumUser() {
		return UpsellDecision{}, false
	}
	return s.Offers.OnSubscriptionDismissed(ctx, s.clock.Now())
}

// Purchase starts buying vendorID. An offer product is refused once
// offerDeadline has passed. A nil error never comes back: success is
// ErrPurchasePending.
func (s *Session) Purchase(ctx context.Context, bot Messenger, chatID int64, vendorID string, offerDeadline time.Time) error {
	LogProductEvent(ctx, s.Events, EventPurchaseStart, vendorID)
	if s.billing == nil {
		s.Events.LogEvent(ctx, EventBillingUnavailable)
		return ErrBillingUnavailable
	}

	product, err := s.billing.ProductByVendorID(ctx, vendorID)
	if err != nil {
		if errors.Is(err, ErrBillingUnavailable) {
			s.Events.LogEvent(ctx, EventBillingUnavailable)
		} else {
			s.Events.LogEvent(ctx, EventPurchaseNoProduct)
		}
		return err
	}
	if product.IsOffer {
		if offerDeadline.IsZero() || s.clock.Now().After(offerDeadline) {
			s.Events.LogEvent(ctx, EventOfferExpired)
			return ErrOfferExpired
		}
		s.Events.LogEvent(ctx, EventOfferPurchase)
	}

	s.Events.LogEvent(ctx, EventPurchaseMake)
	err = s.billing.MakePurchase(ctx, bot, s.UserID, chatID, *product)
	if err == nil || errors.Is(err, ErrPurchasePending) {
		return ErrPurchasePending
	}
	s.Events.LogEvent(ctx, EventPurchaseFail)
	s.log.Warn("purchase failed", "user_id", s.UserID, "product", vendorID, "err", err)
	return fmt.Errorf("purchase %s: %w", vendorID, err)
}

// CompletePurchase records a confirmed payment and refreshes entitlement.
func (s *Session) CompletePurchase(ctx context.Context, vendorID string) {
	LogProductEvent(ctx, s.Events, EventPurchaseSuccess, vendorID)
	_ = s.Entitlement.Refresh(ctx)
}

// Restore re-reads entitlement from billing. It reports whether the chat is
// premium afterwards.
func (s *Session) Restore(ctx context.Context) (bool, error) {
	s.Events.LogEvent(ctx, EventRestoreStart)
	if s.billing == nil {
		s.Events.LogEvent(ctx, EventRestoreFailed)
		return false, ErrBillingUnavailable
	}
	requestedAt := s.clock.Now()
	profile, err := s.billing.RestorePurchases(ctx, s.UserID)
	if err != nil {
		s.Events.LogEvent(ctx, EventRestoreFailed)
		return s.Entitlement.IsPremiumUser(), err
	}
	s.Entitlement.Apply(profile, requestedAt)
	if !profile.IsPremium() {
		s.Events.LogEvent(ctx, EventRestoreNoPurchases)
		return false, nil
	}
	s.Events.LogEvent(ctx, EventRestoreSuccess)
	return true, nil
}

func (s *Session) Close() {
	s.Entitlement.Close()
}

// SessionManager creates sessions lazily and keeps them for the process
// lifetime.
type SessionManager struct {
	stores    StoreFactory
	billing   Billing
	flags     FlagReader
	corrector Corrector
	analytics Analytics
	cfg       SessionConfig
	clock     clock.Clock
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session
}

func NewSessionManager(stores StoreFactory, billing Billing, flags FlagReader, corrector Corrector, analytics Analytics, cfg SessionConfig, clk clock.Clock, log *slog.Logger) *SessionManager {
	return &SessionManager{
		stores:    stores,
		billing:   billing,
		flags:     flags,
		corrector: corrector,
		analytics: analytics,
		cfg:       cfg,
		clock:     clk,
		log:       log,
		sessions:  make(map[int64]*Session),
	}
}

// Get returns the session of userID. A new session subscribes to profile
// pushes before its first refresh so no change is missed in between.
func (m *SessionManager) Get(ctx context.Context, userID int64) *Session {
	m.mu.Lock()
	if s, ok := m.sessions[userID]; ok {
		m.mu.Unlock()
		return s
	}
	s := m.build(userID)
	s.Entitlement.Watch()
	m.sessions[userID] = s
	m.mu.Unlock()

	s.FirstLaunch = m.markLaunched(ctx, s)
	if err := s.Entitlement.Refresh(ctx); err != nil {
		m.log.Info("entitlement bootstrap skipped", "user_id", userID, "err", err)
	}
	return s
}

func (m *SessionManager) build(userID int64) *Session {
	store := m.stores(userID)
	log := m.log.With("user_id", userID)

	var events EventSink = NopSink{}
	if m.analytics != nil {
		events = m.analytics.ForUser(userID)
	}
	var source ProfileSource
	if m.billing != nil {
		source = m.billing
	}

	entitlement := NewEntitlementState(userID, source, m.clock, log)
	ledger := NewUsageLedger(store, m.clock, log, m.cfg.RetentionDays)
	review := NewReviewGate(store, m.flags, events, m.cfg.ReviewURL, log)
	if m.cfg.ReviewDelay > 0 {
		review.SetDelay(m.cfg.ReviewDelay)
	}

	return &Session{
		UserID:      userID,
		Ledger:      ledger,
		Entitlement: entitlement,
		Offers:      NewOfferScheduler(store, m.flags, events, log),
		Review:      review,
		Correction:  NewCorrectionService(ledger, entitlement, m.flags, m.corrector, review, events, m.cfg.CorrectionTimeout, log),
		Events:      events,
		flags:       m.flags,
		billing:     m.billing,
		clock:       m.clock,
		log:         log,
	}
}

func (m *SessionManager) markLaunched(ctx context.Context, s *Session) bool {
	store := m.stores(s.UserID)
	_, ok, err := store.Get(ctx, keyAppLaunched)
	if err != nil {
		s.log.Warn("launch marker read failed", "err", err)
		return false
	}
	if ok {
		return false
	}
	if err := store.Set(ctx, keyAppLaunched, "true"); err != nil {
		s.log.Warn("launch marker write failed", "err", err)
	}
	s.Events.LogEvent(ctx, EventAppFirstLaunch)
	return true
}

func (m *SessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.Close()
		delete(m.sessions, id)
	}
}
