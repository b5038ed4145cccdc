package products

import (
	"context"
	"errors"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) List(ctx context.Context, filters ListFilters) ([]Product, int, error) {
	return s.repo.List(ctx, filters)
}

func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, errors.New("invalid product ID")
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) GetBySKU(ctx context.Context, sku string) (Product, error) {
	if sku == "" {
		return Product{}, errors.New("SKU is required")
	}
	return s.repo.GetBySKU(ctx, sku)
}

func (s *Service) Create(ctx context.Context, product Product) (Product, error) {
	if err := s.validate(product); err != nil {
		return Product{}, err
	}
	return s.repo.Create(ctx, product)
}

func (s *Service) Update(ctx context.Context, id int64, product Product) error {
	if id <= 0 {
		return errors.New("invalid product ID")
	}
	if err := s.validate(product); err != nil {
		return err
	}
	return s.repo.Update(ctx, id, product)
}

// Delete removes a product. Products with ledger history are refused with
// ErrReferenced; deactivate them instead.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return errors.New("invalid product ID")
	}
	return s.repo.Delete(ctx, id)
}

// Exists reports whether an active product with the id exists. Posting
// services call this before writing movements.
func (s *Service) Exists(ctx context.Context, id int64) (bool, error) {
	if id <= 0 {
		return false, nil
	}
	return s.repo.Exists(ctx, id)
}
