package suppliers

import (
	"errors"
	"strings"
)

func (s *Service) validate(sup Supplier) error {
	code := strings.TrimSpace(sup.Code)
	if code == "" {
		return errors.New("supplier code is required")
	}
	if len(code) > 32 {
		return errors.New("supplier code must be at most 32 characters")
	}
	if strings.TrimSpace(sup.Name) == "" {
		return errors.New("supplier name is required")
	}
	if sup.Email != "" && !strings.Contains(sup.Email, "@") {
		return errors.New("supplier email is malformed")
	}
	return nil
}
