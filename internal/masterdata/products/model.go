package products

import (
	"time"
)

// Product is a stocked item: raw material or finished piece.
type Product struct {
	ID        int64     `json:"id"`
	SKU       string    `json:"sku"`
	Name      string    `json:"name"`
	Unit      string    `json:"unit"`
	MinStock  float64   `json:"min_stock"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListFilters narrows product listings.
type ListFilters struct {
	Search   string
	IsActive *bool
	Page     int
	Limit    int
}
