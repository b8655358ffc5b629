package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/GrammarBot/internal/models"
)

type PromoRepository struct {
	db *sql.DB
}

func NewPromoRepository(db *sql.DB) *PromoRepository {
	return &PromoRepository{db: db}
}

func (r *PromoRepository) DB() *sql.DB {
	return r.db
}

const promoColumns = `id, code, max_uses, uses, created_at`

func scanPromo(row rowScanner) (*models.PromoCode, error) {
	var promo models.PromoCode
	if err := row.Scan(&promo.ID, &promo.Code, &promo.MaxUses, &promo.Uses, &promo.CreatedAt); err != nil {
		return nil, err
	}
	return &promo, nil
}

func (r *PromoRepository) GetByCode(ctx context.Context, code string) (*models.PromoCode, error) {
	promo, err := scanPromo(r.db.QueryRowContext(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE code = ?`, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan promo: %w", err)
	}
	return promo, nil
}

func (r *PromoRepository) GetByID(ctx context.Context, id int64) (*models.PromoCode, error) {
	promo, err := scanPromo(r.db.QueryRowContext(ctx, `SELECT `+promoColumns+` FROM promo_codes WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get promo by id: %w", err)
	}
	return promo, nil
}

func (r *PromoRepository) List(ctx context.Context) ([]models.PromoCode, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+promoColumns+` FROM promo_codes ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list promos: %w", err)
	}
	defer rows.Close()

	var promos []models.PromoCode
	for rows.Next() {
		promo, err := scanPromo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan promo list: %w", err)
		}
		promos = append(promos, *promo)
	}
	return promos, rows.Err()
}

func (r *PromoRepository) Create(ctx context.Context, code string, maxUses int) (*models.PromoCode, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO promo_codes (code, max_uses, uses) VALUES (?, ?, 0)`, code, maxUses)
	if err != nil {
		return nil, fmt.Errorf("create promo: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("promo last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PromoRepository) Update(ctx context.Context, id int64, code string, maxUses, uses int) (*models.PromoCode, error) {
	if _, err := r.db.ExecContext(ctx, `UPDATE promo_codes SET code = ?, max_uses = ?, uses = ? WHERE id = ?`, code, maxUses, uses, id); err != nil {
		return nil, fmt.Errorf("update promo: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *PromoRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM promo_codes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete promo: %w", err)
	}
	return nil
}
