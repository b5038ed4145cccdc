package products

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates an unknown product id or SKU.
var ErrNotFound = errors.New("products: not found")

// ErrReferenced indicates the product has ledger history and must not be
// removed.
var ErrReferenced = errors.New("products: referenced by stock movements")

type Repository interface {
	List(ctx context.Context, filters ListFilters) ([]Product, int, error)
	Get(ctx context.Context, id int64) (Product, error)
	GetBySKU(ctx context.Context, sku string) (Product, error)
	Create(ctx context.Context, product Product) (Product, error)
	Update(ctx context.Context, id int64, product Product) error
	Delete(ctx context.Context, id int64) error
	Exists(ctx context.Context, id int64) (bool, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) List(ctx context.Context, filters ListFilters) ([]Product, int, error) {
	query := `SELECT id, sku, name, unit, min_stock, is_active, created_at, updated_at FROM products WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM products WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		cond := ` AND (name ILIKE $` + strconv.Itoa(argCount) + ` OR sku ILIKE $` + strconv.Itoa(argCount) + `)`
		query += cond
		countQuery += cond
		args = append(args, "%"+filters.Search+"%")
	}
	if filters.IsActive != nil {
		argCount++
		cond := ` AND is_active = $` + strconv.Itoa(argCount)
		query += cond
		countQuery += cond
		args = append(args, *filters.IsActive)
	}

	var total int
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += ` ORDER BY sku ASC`
	if filters.Limit > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filters.Limit)
		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filters.Page - 1) * filters.Limit
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.MinStock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, 0, err
		}
		products = append(products, p)
	}
	return products, total, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.db.QueryRow(ctx, `SELECT id, sku, name, unit, min_stock, is_active, created_at, updated_at FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.MinStock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

func (r *repository) GetBySKU(ctx context.Context, sku string) (Product, error) {
	var p Product
	err := r.db.QueryRow(ctx, `SELECT id, sku, name, unit, min_stock, is_active, created_at, updated_at FROM products WHERE sku = $1`, sku).
		Scan(&p.ID, &p.SKU, &p.Name, &p.Unit, &p.MinStock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	return p, err
}

func (r *repository) Create(ctx context.Context, product Product) (Product, error) {
	now := time.Now()
	err := r.db.QueryRow(ctx, `INSERT INTO products (sku, name, unit, min_stock, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`,
		product.SKU, product.Name, product.Unit, product.MinStock, product.IsActive, now).Scan(&product.ID)
	if err != nil {
		return Product{}, err
	}
	product.CreatedAt = now
	product.UpdatedAt = now
	return product, nil
}

func (r *repository) Update(ctx context.Context, id int64, product Product) error {
	tag, err := r.db.Exec(ctx, `UPDATE products SET sku = $1, name = $2, unit = $3, min_stock = $4, is_active = $5, updated_at = $6 WHERE id = $7`,
		product.SKU, product.Name, product.Unit, product.MinStock, product.IsActive, time.Now(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	var referenced bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stock_movements WHERE product_id = $1)`, id).Scan(&referenced)
	if err != nil {
		return err
	}
	if referenced {
		return ErrReferenced
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repository) Exists(ctx context.Context, id int64) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1 AND is_active)`, id).Scan(&ok)
	return ok, err
}
