package masterdata

import (
	"context"

	"github.com/atelier-erp/atelier-erp/internal/masterdata/products"
	"github.com/atelier-erp/atelier-erp/internal/masterdata/suppliers"
)

// Catalog bundles the master-data lookups that document-creating modules
// validate references against.
type Catalog struct {
	Products  *products.Service
	Suppliers *suppliers.Service
}

// ProductExists reports whether an active product with the id exists.
func (c Catalog) ProductExists(ctx context.Context, id int64) (bool, error) {
	return c.Products.Exists(ctx, id)
}

// SupplierExists reports whether an active supplier with the id exists.
func (c Catalog) SupplierExists(ctx context.Context, id int64) (bool, error) {
	return c.Suppliers.Exists(ctx, id)
}
