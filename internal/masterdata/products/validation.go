package products

import (
	"errors"
	"strings"
)

func (s *Service) validate(p Product) error {
	if strings.TrimSpace(p.SKU) == "" {
		return errors.New("product SKU is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("product name is required")
	}
	if p.MinStock < 0 {
		return errors.New("minimum stock must not be negative")
	}
	return nil
}
