package worker

import (
	"context"
	"fmt"
)

// ProfileReader abstracts repository operations for the service.
type ProfileReader interface {
	GetSummary(ctx context.Context, id int64) (Summary, error)
	Portfolio(ctx context.Context, workerID int64) ([]PortfolioItem, error)
	UpsertPortfolio(ctx context.Context, workerID, productID int64, price float64) error
}

// Service exposes business-level worker operations.
type Service struct {
	repo ProfileReader
}

// NewService builds a Service using the provided repository.
func NewService(repo ProfileReader) *Service {
	return &Service{repo: repo}
}

// GetSummary returns the worker's display data.
func (s *Service) GetSummary(ctx context.Context, id int64) (Summary, error) {
	return s.repo.GetSummary(ctx, id)
}

// Portfolio returns the products the worker quotes on.
func (s *Service) Portfolio(ctx context.Context, workerID int64) ([]PortfolioItem, error) {
	if _, err := s.repo.GetSummary(ctx, workerID); err != nil {
		return nil, err
	}
	return s.repo.Portfolio(ctx, workerID)
}

// AddToPortfolio records a quoted price for a product.
func (s *Service) AddToPortfolio(ctx context.Context, workerID, productID int64, price float64) error {
	if productID <= 0 || price < 0 {
		return fmt.Errorf("%w (product %d, price %.2f)", ErrInvalidItem, productID, price)
	}
	if _, err := s.repo.GetSummary(ctx, workerID); err != nil {
		return err
	}
	return s.repo.UpsertPortfolio(ctx, workerID, productID, price)
}
