package suppliers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates an unknown supplier id.
var ErrNotFound = errors.New("suppliers: not found")

type Repository interface {
	List(ctx context.Context, search string) ([]Supplier, error)
	Get(ctx context.Context, id int64) (Supplier, error)
	Create(ctx context.Context, supplier Supplier) (Supplier, error)
	Update(ctx context.Context, id int64, supplier Supplier) error
	Exists(ctx context.Context, id int64) (bool, error)
}

type repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &repository{db: db}
}

func (r *repository) List(ctx context.Context, search string) ([]Supplier, error) {
	query := `SELECT id, code, name, email, phone, is_active, created_at, updated_at FROM suppliers WHERE 1=1`
	args := []any{}
	if search != "" {
		query += ` AND (name ILIKE $` + strconv.Itoa(1) + ` OR code ILIKE $` + strconv.Itoa(1) + `)`
		args = append(args, "%"+search+"%")
	}
	query += ` ORDER BY name ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var suppliers []Supplier
	for rows.Next() {
		var s Supplier
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Email, &s.Phone, &s.IsActive, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, s)
	}
	return suppliers, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (Supplier, error) {
	var s Supplier
	err := r.db.QueryRow(ctx, `SELECT id, code, name, email, phone, is_active, created_at, updated_at FROM suppliers WHERE id = $1`, id).
		Scan(&s.ID, &s.Code, &s.Name, &s.Email, &s.Phone, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Supplier{}, ErrNotFound
	}
	return s, err
}

func (r *repository) Create(ctx context.Context, supplier Supplier) (Supplier, error) {
	now := time.Now()
	err := r.db.QueryRow(ctx, `INSERT INTO suppliers (code, name, email, phone, is_active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`,
		supplier.Code, supplier.Name, supplier.Email, supplier.Phone, supplier.IsActive, now).Scan(&supplier.ID)
	if err != nil {
		return Supplier{}, err
	}
	supplier.CreatedAt = now
	supplier.UpdatedAt = now
	return supplier, nil
}

func (r *repository) Update(ctx context.Context, id int64, supplier Supplier) error {
	tag, err := r.db.Exec(ctx, `UPDATE suppliers SET code = $1, name = $2, email = $3, phone = $4, is_active = $5, updated_at = $6 WHERE id = $7`,
		supplier.Code, supplier.Name, supplier.Email, supplier.Phone, supplier.IsActive, time.Now(), id)
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
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM suppliers WHERE id = $1 AND is_active)`, id).Scan(&ok)
	return ok, err
}
