package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/internal/repository"
	"github.com/digkill/GrammarBot/pkg/clock"
)

var (
	ErrPromoInvalid         = errors.New("promo code invalid")
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
	ErrPromoExhausted       = errors.New("promo code exhausted")
)

// ProfilePublisher pushes the current profile of a user to its subscribers.
type ProfilePublisher interface {
	PublishCurrentProfile(ctx context.Context, userID int64)
}

type PromoService struct {
	promos    *repository.PromoRepository
	publisher ProfilePublisher
	clock     clock.Clock
	days      int
}

func NewPromoService(promos *repository.PromoRepository, publisher ProfilePublisher, clk clock.Clock, premiumDays int) *PromoService {
	return &PromoService{promos: promos, publisher: publisher, clock: clk, days: premiumDays}
}

// Apply redeems code for userID and grants the configured premium days.
func (s *PromoService) Apply(ctx context.Context, userID int64, code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrPromoInvalid
	}
	promo, err := s.promos.GetByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("get promo: %w", err)
	}
	if promo == nil {
		return ErrPromoInvalid
	}

	tx, err := s.promos.DB().BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var uses, maxUses int
	row := tx.QueryRowContext(ctx, `SELECT uses, max_uses FROM promo_codes WHERE id = ? FOR UPDATE`, promo.ID)
	if err := row.Scan(&uses, &maxUses); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPromoInvalid
		}
		return fmt.Errorf("lock promo: %w", err)
	}
	if uses >= maxUses {
		return ErrPromoExhausted
	}

	row = tx.QueryRowContext(ctx, `SELECT 1 FROM promo_redemptions WHERE user_id = ? AND promo_code_id = ?`, userID, promo.ID)
	var dummy int
	if err := row.Scan(&dummy); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check redemption: %w", err)
		}
	} else {
		return ErrPromoAlreadyRedeemed
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO promo_redemptions (user_id, promo_code_id) VALUES (?, ?)`, userID, promo.ID); err != nil {
		return fmt.Errorf("insert redemption: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE promo_codes SET uses = uses + 1 WHERE id = ?`, promo.ID); err != nil {
		return fmt.Errorf("increment promo uses: %w", err)
	}

	if err := repository.ExtendPremiumTx(ctx, tx, userID, s.days, s.clock.Now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promo tx: %w", err)
	}

	if s.publisher != nil {
		s.publisher.PublishCurrentProfile(ctx, userID)
	}
	return nil
}

func (s *PromoService) List(ctx context.Context) ([]models.PromoCode, error) {
	return s.promos.List(ctx)
}

func (s *PromoService) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	return s.promos.GetByID(ctx, id)
}

func (s *PromoService) Create(ctx context.Context, code string, maxUses int) (*models.PromoCode, error) {
	code = strings.TrimSpace(code)
	if code == "" || maxUses <= 0 {
		return nil, fmt.Errorf("code and positive max uses are required")
	}
	return s.promos.Create(ctx, code, maxUses)
}

func (s *PromoService) Update(ctx context.Context, id int64, code string, maxUses, uses int) (*models.PromoCode, error) {
	return s.promos.Update(ctx, id, code, maxUses, uses)
}

func (s *PromoService) Delete(ctx context.Context, id int64) error {
	return s.promos.Delete(ctx, id)
}
