package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
)

// Repository persists the movement ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the cost engine needs.
// Callers from other modules obtain one bound to their own transaction via
// NewTxRepository.
type TxRepository interface {
	LockBalance(ctx context.Context, productID int64) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	SumOnHand(ctx context.Context, productID int64) (float64, error)
	InsertMovement(ctx context.Context, movement Movement) (int64, error)
}

// ErrBalanceNotFound indicates no balance row exists for the product yet.
var ErrBalanceNotFound = errors.New("ledger: balance not found")

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds ledger operations to an existing transaction so a
// movement append commits or rolls back with the caller's other writes.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const signedQtyExpr = `CASE WHEN kind IN ('PURCHASE_RECEIPT','ADJUSTMENT_IN','WORKORDER_OUTPUT') THEN qty ELSE -qty END`

// OnHand returns the signed sum of movement quantities for a product.
func (r *Repository) OnHand(ctx context.Context, productID int64, asOf time.Time) (float64, error) {
	var qty float64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(`+signedQtyExpr+`), 0)
FROM stock_movements
WHERE product_id=$1 AND ($2::timestamptz IS NULL OR posted_at <= $2)`, productID, nullTime(asOf)).Scan(&qty)
	return qty, err
}

// GetCard lists movements with a running balance for a product.
func (r *Repository) GetCard(ctx context.Context, filter CardFilter) ([]CardEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT kind, posted_at,
	GREATEST(`+signedQtyExpr+`, 0) AS qty_in,
	GREATEST(-(`+signedQtyExpr+`), 0) AS qty_out,
	SUM(`+signedQtyExpr+`) OVER (ORDER BY posted_at, id) AS balance_qty,
	unit_cost, note, ref_module, COALESCE(ref_id, '')
FROM stock_movements
WHERE product_id=$1
  AND posted_at BETWEEN COALESCE($2, '-infinity') AND COALESCE($3, 'infinity')
ORDER BY posted_at ASC, id ASC
LIMIT $4`, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []CardEntry{}
	for rows.Next() {
		var e CardEntry
		if err := rows.Scan(&e.Kind, &e.PostedAt, &e.QtyIn, &e.QtyOut, &e.BalanceQty, &e.UnitCost, &e.Note, &e.RefModule, &e.RefID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// ListValuation reports current stock value per product.
func (r *Repository) ListValuation(ctx context.Context) ([]ValuationRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT p.id, p.sku, p.name, COALESCE(b.qty, 0), COALESCE(b.avg_cost, 0), COALESCE(b.qty, 0) * COALESCE(b.avg_cost, 0)
FROM products p
LEFT JOIN stock_balances b ON b.product_id = p.id
ORDER BY p.sku ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []ValuationRow{}
	for rows.Next() {
		var row ValuationRow
		if err := rows.Scan(&row.ProductID, &row.SKU, &row.Name, &row.Qty, &row.AvgCost, &row.Value); err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *txRepository) LockBalance(ctx context.Context, productID int64) (Balance, error) {
	var bal Balance
	err := r.tx.QueryRow(ctx, `SELECT product_id, qty, avg_cost, updated_at FROM stock_balances WHERE product_id=$1 FOR UPDATE`, productID).
		Scan(&bal.ProductID, &bal.Qty, &bal.AvgCost, &bal.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{ProductID: productID}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return bal, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (product_id, qty, avg_cost, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (product_id) DO UPDATE SET qty=EXCLUDED.qty, avg_cost=EXCLUDED.avg_cost, updated_at=NOW()`,
		balance.ProductID, balance.Qty, balance.AvgCost)
	return err
}

func (r *txRepository) SumOnHand(ctx context.Context, productID int64) (float64, error) {
	var qty float64
	err := r.tx.QueryRow(ctx, `SELECT COALESCE(SUM(`+signedQtyExpr+`), 0) FROM stock_movements WHERE product_id=$1`, productID).Scan(&qty)
	return qty, err
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO stock_movements (product_id, kind, qty, unit_cost, note, ref_module, ref_id, posted_at, created_by, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW()) RETURNING id`,
		m.ProductID, string(m.Kind), m.Qty, m.UnitCost, m.Note, m.RefModule, nullStr(m.RefID), m.PostedAt, nullInt(m.CreatedBy)).Scan(&id)
	return id, err
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullStr(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
