package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/digkill/GrammarBot/internal/config"
	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/internal/repository"
	"github.com/digkill/GrammarBot/pkg/clock"
)

var (
	ErrBillingUnavailable = errors.New("billing is not available")
	// ErrPurchasePending is returned once the payment request reached the
	// user. The outcome arrives later through the profile subscription.
	ErrPurchasePending = errors.New("purchase pending")
	ErrOfferExpired    = errors.New("offer expired")
	ErrProductNotFound = errors.New("product not found")
)

const yooKassaPaymentsURL = "https://api.yookassa.ru/v3/payments"

// Messenger is the part of the Telegram API billing talks to.
type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// BillingService owns premium entitlement: it sells products through Telegram
// invoices or YooKassa, records payments, and pushes profile changes to
// subscribers.
type BillingService struct {
	cfg      config.Config
	payments *repository.PaymentRepository
	users    *repository.UserRepository
	products *ProductService
	clock    clock.Clock
	log      *slog.Logger
	client   *http.Client
	yooURL   string

	mu          sync.RWMutex
	active      bool
	nextSubID   int
	subscribers map[int64]map[int]func(models.Profile)
}

func NewBillingService(cfg config.Config, payments *repository.PaymentRepository, users *repository.UserRepository, products *ProductService, clk clock.Clock, log *slog.Logger) *BillingService {
	return &BillingService{
		cfg:      cfg,
		payments: payments,
		users:    users,
		products: products,
		clock:    clk,
		log:      log,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		yooURL:      yooKassaPaymentsURL,
		subscribers: make(map[int64]map[int]func(models.Profile)),
	}
}

// Activate enables billing. On failure billing stays disabled: profiles are
// unavailable and purchases fail with ErrBillingUnavailable.
func (s *BillingService) Activate(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("activate billing: %w: empty key", ErrBillingUnavailable)
	}
	switch s.provider() {
	case "telegram":
		if s.cfg.TelegramPaymentProviderToken == "" {
			return fmt.Errorf("activate billing: %w: telegram provider token is not configured", ErrBillingUnavailable)
		}
	case "yookassa":
		if s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
			return fmt.Errorf("activate billing: %w: yookassa credentials are not configured", ErrBillingUnavailable)
		}
	default:
		return fmt.Errorf("activate billing: %w: unsupported payment provider %q", ErrBillingUnavailable, s.cfg.PaymentProvider)
	}
	if s.products != nil {
		if err := s.products.EnsureDefaultProducts(ctx); err != nil {
			return fmt.Errorf("activate billing: %w", err)
		}
	}

	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	s.log.Info("billing activated", "provider", s.provider())
	return nil
}

func (s *BillingService) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *BillingService) provider() string {
	p := strings.ToLower(s.cfg.PaymentProvider)
	if p == "" {
		return "telegram"
	}
	return p
}

func (s *BillingService) GetProfile(ctx context.Context, userID int64) (models.Profile, error) {
	if !s.Active() {
		return models.Profile{}, ErrBillingUnavailable
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return models.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if user == nil {
		return models.Profile{}, fmt.Errorf("get profile: user %d not found", userID)
	}
	return ProfileForUser(user, s.clock.Now()), nil
}

// ProfileForUser derives the premium access level from premium_until.
func ProfileForUser(user *models.User, now time.Time) models.Profile {
	level := models.AccessLevel{}
	if user.PremiumUntil != nil {
		expires := *user.PremiumUntil
		level.ExpiresAt = &expires
		level.IsActive = expires.After(now)
	}
	return models.Profile{
		UserID:       user.ID,
		AccessLevels: map[string]models.AccessLevel{models.PremiumAccessLevel: level},
	}
}

func (s *BillingService) GetPaywall(_ context.Context, placementID, locale string) (models.Paywall, error) {
	if !s.Active() {
		return models.Paywall{}, ErrBillingUnavailable
	}
	return models.Paywall{PlacementID: placementID, Locale: locale}, nil
}

func (s *BillingService) GetPaywallProducts(ctx context.Context, paywall models.Paywall) ([]models.Product, error) {
	if !s.Active() {
		return nil, ErrBillingUnavailable
	}
	products, err := s.products.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("paywall %s products: %w", paywall.PlacementID, err)
	}
	return products, nil
}

func (s *BillingService) ProductByVendorID(ctx context.Context, vendorID string) (*models.Product, error) {
	if !s.Active() {
		return nil, ErrBillingUnavailable
	}
	product, err := s.products.GetByVendorID(ctx, vendorID)
	if err != nil {
		return nil, fmt.Errorf("product %s: %w", vendorID, err)
	}
	if product == nil || !product.IsActive {
		return nil, ErrProductNotFound
	}
	return product, nil
}

// MakePurchase sends the payment request for product to chatID. On success it
// returns ErrPurchasePending.
func (s *BillingService) MakePurchase(ctx context.Context, bot Messenger, userID, chatID int64, product models.Product) error {
	if !s.Active() {
		return ErrBillingUnavailable
	}
	switch s.provider() {
	case "yookassa":
		if err := s.sendYooKassaPayment(ctx, bot, userID, chatID, product); err != nil {
			return err
		}
	default:
		if err := s.sendTelegramInvoice(bot, userID, chatID, product); err != nil {
			return err
		}
	}
	return ErrPurchasePending
}

type invoicePayload struct {
	ProductID int64 `json:"product_id"`
	UserID    int64 `json:"user_id"`
}

func (s *BillingService) sendTelegramInvoice(bot Messenger, userID, chatID int64, product models.Product) error {
	prices := []tgbotapi.LabeledPrice{
		{
			Label:  product.Title,
			Amount: product.PriceMinorUnits,
		},
	}

	payload, _ := json.Marshal(invoicePayload{ProductID: product.ID, UserID: userID})

	description := product.Description
	if description == "" {
		description = "Premium access"
	}

	invoice := tgbotapi.NewInvoice(chatID,
		product.Title,
		description,
		string(payload),
		s.cfg.TelegramPaymentProviderToken,
		"premium",
		product.Currency,
		prices,
	)

	if _, err := bot.Send(invoice); err != nil {
		return fmt.Errorf("send invoice: %w", err)
	}
	return nil
}

func (s *BillingService) sendYooKassaPayment(ctx context.Context, bot Messenger, userID, chatID int64, product models.Product) error {
	payment, err := s.createYooKassaPayment(ctx, product)
	if err != nil {
		return err
	}

	productID := product.ID
	record := &models.Payment{
		UserID:         userID,
		ProductID:      &productID,
		Provider:       "yookassa",
		ProviderCharge: payment.ID,
		Currency:       product.Currency,
		Amount:         product.PriceMinorUnits,
		Status:         payment.Status,
		RawPayload:     string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return fmt.Errorf("record payment: %w", err)
	}

	text := fmt.Sprintf("Pay with YooKassa:\n%s\nAmount: %s\nPayment link: %s\nPremium is enabled automatically once the payment goes through.",
		product.Title, FormatPrice(product.PriceMinorUnits, product.Currency), payment.Confirmation.URL)

	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send payment link: %w", err)
	}
	return nil
}

// FormatPrice renders minor units as "69.99 USD".
func FormatPrice(minorUnits int, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(minorUnits)/100, currency)
}

func (s *BillingService) HandlePreCheckout(bot Messenger, query *tgbotapi.PreCheckoutQuery) error {
	response := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: query.ID,
		OK:                 true,
	}
	if !s.Active() {
		response.OK = false
		response.ErrorMessage = "Payments are temporarily unavailable"
	}
	if _, err := bot.Request(response); err != nil {
		return fmt.Errorf("answer pre-checkout: %w", err)
	}
	return nil
}

// HandleSuccessfulPayment grants premium for a paid Telegram invoice and
// publishes the new profile. A repeated delivery of the same charge grants
// nothing and returns a nil product.
func (s *BillingService) HandleSuccessfulPayment(ctx context.Context, userID int64, payment *tgbotapi.SuccessfulPayment) (*models.Product, error) {
	var payload invoicePayload
	if err := json.Unmarshal([]byte(payment.InvoicePayload), &payload); err != nil {
		return nil, fmt.Errorf("parse payment payload: %w", err)
	}

	existing, err := s.payments.FindByProviderCharge(ctx, "telegram", payment.ProviderPaymentChargeID)
	if err != nil {
		return nil, fmt.Errorf("find payment: %w", err)
	}
	if existing != nil {
		return nil, nil
	}

	product, err := s.products.GetByID(ctx, payload.ProductID)
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return nil, ErrProductNotFound
	}

	if err := s.users.ExtendPremium(ctx, userID, product.DurationDays, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("grant premium: %w", err)
	}

	productID := product.ID
	record := &models.Payment{
		UserID:         userID,
		ProductID:      &productID,
		Provider:       "telegram",
		ProviderCharge: payment.ProviderPaymentChargeID,
		Currency:       payment.Currency,
		Amount:         payment.TotalAmount,
		Status:         "paid",
		RawPayload:     string(jsonMustMarshal(payment)),
	}
	if err := s.payments.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("record payment: %w", err)
	}

	s.PublishCurrentProfile(ctx, userID)
	return product, nil
}

type yooPaymentResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

func (s *BillingService) createYooKassaPayment(ctx context.Context, product models.Product) (*yooPaymentResponse, error) {
	if s.cfg.YooKassaShopID == "" || s.cfg.YooKassaSecretKey == "" {
		return nil, fmt.Errorf("yookassa credentials are not configured")
	}

	value := fmt.Sprintf("%.2f", float64(product.PriceMinorUnits)/100)
	returnURL := s.cfg.YooKassaReturnURL
	if returnURL == "" {
		returnURL = "https://t.me"
	}

	payload := map[string]any{
		"amount": map[string]string{
			"value":    value,
			"currency": product.Currency,
		},
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": returnURL,
		},
		"capture":     true,
		"description": fmt.Sprintf("%s (%d days)", product.Title, product.DurationDays),
	}

	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.yooURL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("build yookassa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())
	req.SetBasicAuth(s.cfg.YooKassaShopID, s.cfg.YooKassaSecretKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("yookassa request: unexpected status %d", resp.StatusCode)
	}

	var parsed yooPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	if parsed.ID == "" || parsed.Confirmation.URL == "" {
		return nil, fmt.Errorf("invalid yookassa response (missing id or confirmation url)")
	}
	if parsed.Status == "" {
		parsed.Status = "pending"
	}
	return &parsed, nil
}

// HandleYooKassaWebhook processes payment status updates and grants premium
// on success.
func (s *BillingService) HandleYooKassaWebhook(ctx context.Context, payload []byte) error {
	var evt struct {
		Event  string `json:"event"`
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	}
	if err := json.Unmarshal(payload, &evt); err != nil {
		return fmt.Errorf("parse webhook: %w", err)
	}
	if evt.Object.ID == "" {
		return fmt.Errorf("webhook missing payment id")
	}

	pmt, err := s.payments.FindByProviderCharge(ctx, "yookassa", evt.Object.ID)
	if err != nil {
		return fmt.Errorf("find payment: %w", err)
	}
	if pmt == nil {
		return fmt.Errorf("payment not found for id=%s", evt.Object.ID)
	}
	if pmt.Status == "paid" {
		return nil
	}

	if evt.Object.Status != "succeeded" {
		if err := s.payments.UpdateStatus(ctx, pmt.ID, evt.Object.Status, string(payload)); err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		return nil
	}

	if pmt.ProductID == nil {
		return fmt.Errorf("payment missing product_id")
	}
	product, err := s.products.GetByID(ctx, *pmt.ProductID)
	if err != nil {
		return fmt.Errorf("get product: %w", err)
	}
	if product == nil {
		return ErrProductNotFound
	}
	if err := s.users.ExtendPremium(ctx, pmt.UserID, product.DurationDays, s.clock.Now()); err != nil {
		return fmt.Errorf("grant premium: %w", err)
	}
	if err := s.payments.UpdateStatus(ctx, pmt.ID, "paid", string(payload)); err != nil {
		return fmt.Errorf("update payment status: %w", err)
	}
	s.PublishCurrentProfile(ctx, pmt.UserID)
	return nil
}

// RestorePurchases re-reads the authoritative profile and pushes it to
// subscribers, so every open session picks it up.
func (s *BillingService) RestorePurchases(ctx context.Context, userID int64) (models.Profile, error) {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return models.Profile{}, fmt.Errorf("restore purchases: %w", err)
	}
	s.Publish(profile)
	return profile, nil
}

// SubscribeProfile registers fn for profile changes of userID. fn runs on the
// publishing goroutine.
func (s *BillingService) SubscribeProfile(userID int64, fn func(models.Profile)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	if s.subscribers[userID] == nil {
		s.subscribers[userID] = make(map[int]func(models.Profile))
	}
	s.subscribers[userID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subscribers[userID], id)
			if len(s.subscribers[userID]) == 0 {
				delete(s.subscribers, userID)
			}
		})
	}
}

func (s *BillingService) Publish(profile models.Profile) {
	s.mu.RLock()
	fns := make([]func(models.Profile), 0, len(s.subscribers[profile.UserID]))
	for _, fn := range s.subscribers[profile.UserID] {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(profile)
	}
}

// PublishCurrentProfile reads the profile of userID and publishes it. Failures
// are logged; subscribers catch up on their next refresh.
func (s *BillingService) PublishCurrentProfile(ctx context.Context, userID int64) {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		s.log.Warn("publish profile failed", "user_id", userID, "err", err)
		return
	}
	s.Publish(profile)
}

func jsonMustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
