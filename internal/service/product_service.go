package service

import (
	"context"
	"fmt"

	"github.com/digkill/GrammarBot/internal/config"
	"github.com/digkill/GrammarBot/internal/models"
	"github.com/digkill/GrammarBot/internal/repository"
)

// Vendor ids of the products created on first start.
const (
	AnnualTrialProductID = "grammar.annual.premium.with_trial"
	AnnualOfferProductID = "grammar.annual.premium.with_offer"
)

type ProductService struct {
	cfg  config.Config
	repo *repository.ProductRepository
}

type CreateProductInput struct {
	VendorProductID string
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	DurationDays    int
	IsOffer         bool
	IsActive        *bool
}

type UpdateProductInput struct {
	Title           *string
	Description     *string
	Currency        *string
	PriceMinorUnits *int
	DurationDays    *int
	IsOffer         *bool
	IsActive        *bool
}

func NewProductService(cfg config.Config, repo *repository.ProductRepository) *ProductService {
	return &ProductService{cfg: cfg, repo: repo}
}

// EnsureDefaultProducts creates the full-price annual plan and its discounted
// offer variant unless they already exist.
func (s *ProductService) EnsureDefaultProducts(ctx context.Context) error {
	defaults := []models.Product{
		{
			VendorProductID: AnnualTrialProductID,
			Title:           "Premium, 1 year",
			Description:     "Unlimited grammar checks for a year",
			Currency:        s.cfg.PaymentCurrency,
			PriceMinorUnits: s.cfg.AnnualPriceMinorUnits,
			DurationDays:    s.cfg.PremiumDurationDays,
			IsActive:        true,
		},
		{
			VendorProductID: AnnualOfferProductID,
			Title:           "Premium, 1 year (limited offer)",
			Description:     "Unlimited grammar checks for a year at a discount",
			Currency:        s.cfg.PaymentCurrency,
			PriceMinorUnits: s.cfg.OfferPriceMinorUnits,
			DurationDays:    s.cfg.PremiumDurationDays,
			IsOffer:         true,
			IsActive:        true,
		},
	}
	for i := range defaults {
		existing, err := s.repo.GetByVendorID(ctx, defaults[i].VendorProductID)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if _, err := s.repo.Create(ctx, &defaults[i]); err != nil {
			return fmt.Errorf("create default product %s: %w", defaults[i].VendorProductID, err)
		}
	}
	return nil
}

func (s *ProductService) List(ctx context.Context, activeOnly bool) ([]models.Product, error) {
	return s.repo.List(ctx, activeOnly)
}

func (s *ProductService) Create(ctx context.Context, input CreateProductInput) (*models.Product, error) {
	if input.VendorProductID == "" {
		return nil, fmt.Errorf("vendor product id is required")
	}
	if input.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if input.Currency == "" {
		input.Currency = s.cfg.PaymentCurrency
	}
	if input.PriceMinorUnits <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	if input.DurationDays <= 0 {
		input.DurationDays = s.cfg.PremiumDurationDays
	}
	isActive := true
	if input.IsActive != nil {
		isActive = *input.IsActive
	}
	product := models.Product{
		VendorProductID: input.VendorProductID,
		Title:           input.Title,
		Description:     input.Description,
		Currency:        input.Currency,
		PriceMinorUnits: input.PriceMinorUnits,
		DurationDays:    input.DurationDays,
		IsOffer:         input.IsOffer,
		IsActive:        isActive,
	}
	return s.repo.Create(ctx, &product)
}

func (s *ProductService) Update(ctx context.Context, id int64, input UpdateProductInput) (*models.Product, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("product not found")
	}
	if input.Title != nil {
		existing.Title = *input.Title
	}
	if input.Description != nil {
		existing.Description = *input.Description
	}
	if input.Currency != nil && *input.Currency != "" {
		existing.Currency = *input.Currency
	}
	if input.PriceMinorUnits != nil && *input.PriceMinorUnits > 0 {
		existing.PriceMinorUnits = *input.PriceMinorUnits
	}
	if input.DurationDays != nil && *input.DurationDays > 0 {
		existing.DurationDays = *input.DurationDays
	}
	if input.IsOffer != nil {
		existing.IsOffer = *input.IsOffer
	}
	if input.IsActive != nil {
		existing.IsActive = *input.IsActive
	}
	return s.repo.Update(ctx, existing)
}

func (s *ProductService) Delete(ctx context.Context, id int64) error {
	return s.repo.Delete(ctx, id)
}

func (s *ProductService) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *ProductService) GetByVendorID(ctx context.Context, vendorID string) (*models.Product, error) {
	return s.repo.GetByVendorID(ctx, vendorID)
}
