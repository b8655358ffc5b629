package models

import "time"

// Screen is the logical destination chosen by the gating core. Rendering is
// the transport's job.
type Screen string

const (
	ScreenHome         Screen = "Home"
	ScreenSubscription Screen = "Subscription"
	ScreenOffer        Screen = "Offer"
)

// PremiumAccessLevel is the access level id the billing side reports.
const PremiumAccessLevel = "premium"

type FeatureFlags struct {
	ShowOffer       bool `json:"show_offer"`
	DailyFreeTries  int  `json:"daily_free_tries"`
	ShowReviewPopup bool `json:"show_review_popup"`
	CloseDuration   int  `json:"close_duration"`
}

type AccessLevel struct {
	IsActive  bool       `json:"isActive"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type Profile struct {
	UserID       int64                  `json:"userId"`
	AccessLevels map[string]AccessLevel `json:"accessLevels"`
}

// IsPremium reads accessLevels.premium.isActive, treating a missing level as inactive.
func (p Profile) IsPremium() bool {
	level, ok := p.AccessLevels[PremiumAccessLevel]
	return ok && level.IsActive
}

type User struct {
	ID           int64
	TelegramID   int64
	Username     string
	FirstName    string
	LastName     string
	PremiumUntil *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Paywall struct {
	PlacementID string
	Locale      string
}

type Product struct {
	ID              int64
	VendorProductID string
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	DurationDays    int
	IsOffer         bool
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Payment struct {
	ID             int64
	UserID         int64
	ProductID      *int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type PromoCode struct {
	ID        int64
	Code      string
	MaxUses   int
	Uses      int
	CreatedAt time.Time
}

type AnalyticsEvent struct {
	ID        string
	UserID    int64
	Name      string
	CreatedAt time.Time
}
