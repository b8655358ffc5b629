package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/GrammarBot/internal/models"
)

type ProductRepository struct {
	db *sql.DB
}

func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

const productColumns = `id, vendor_product_id, title, COALESCE(description, ''), currency, price_minor_units, duration_days, is_offer, is_active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*models.Product, error) {
	var p models.Product
	if err := row.Scan(&p.ID, &p.VendorProductID, &p.Title, &p.Description, &p.Currency, &p.PriceMinorUnits, &p.DurationDays, &p.IsOffer, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ProductRepository) List(ctx context.Context, activeOnly bool) ([]models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY id ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (r *ProductRepository) GetByVendorID(ctx context.Context, vendorID string) (*models.Product, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE vendor_product_id = ?`, vendorID)
	p, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get product by vendor id: %w", err)
	}
	return p, nil
}

func (r *ProductRepository) Create(ctx context.Context, p *models.Product) (*models.Product, error) {
	const query = `
INSERT INTO products (vendor_product_id, title, description, currency, price_minor_units, duration_days, is_offer, is_active)
VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, p.VendorProductID, p.Title, p.Description, p.Currency, p.PriceMinorUnits, p.DurationDays, p.IsOffer, p.IsActive)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("product last insert id: %w", err)
	}
	return r.GetByID(ctx, id)
}

func (r *ProductRepository) Update(ctx context.Context, p *models.Product) (*models.Product, error) {
	const query = `
UPDATE products
SET title = ?, description = NULLIF(?, ''), currency = ?, price_minor_units = ?, duration_days = ?, is_offer = ?, is_active = ?, updated_at = NOW()
WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, p.Title, p.Description, p.Currency, p.PriceMinorUnits, p.DurationDays, p.IsOffer, p.IsActive, p.ID); err != nil {
		return nil, fmt.Errorf("update product: %w", err)
	}
	return r.GetByID(ctx, p.ID)
}

func (r *ProductRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	return nil
}
