package workorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
)

// Repository persists work orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the service needs.
// Ledger() binds stock postings to the same transaction.
type TxRepository interface {
	InsertWorkOrder(ctx context.Context, wo WorkOrder) (int64, error)
	InsertMaterialLine(ctx context.Context, l MaterialLine) (int64, error)
	InsertPieceLine(ctx context.Context, l PieceLine) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (WorkOrder, error)
	UpdateStatus(ctx context.Context, id int64, status Status) error
	AddIssuedQty(ctx context.Context, lineID int64, qty float64) error
	AddCompletedQty(ctx context.Context, pieceID int64, qty float64) error
	NextCode(ctx context.Context) (string, error)

	Ledger() ledger.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("workorder repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get loads one work order with material and piece lines.
func (r *Repository) Get(ctx context.Context, id int64) (WorkOrder, error) {
	return scanWorkOrder(ctx, r.pool, id, false)
}

// List lists work orders, optionally filtered by status.
func (r *Repository) List(ctx context.Context, status Status) ([]WorkOrder, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, status, description, created_by, created_at, updated_at
FROM work_orders
WHERE ($1 = '' OR status = $1)
ORDER BY id DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []WorkOrder{}
	for rows.Next() {
		var wo WorkOrder
		if err := rows.Scan(&wo.ID, &wo.Code, &wo.Status, &wo.Description, &wo.CreatedBy, &wo.CreatedAt, &wo.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, wo)
	}
	return result, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanWorkOrder(ctx context.Context, q querier, id int64, forUpdate bool) (WorkOrder, error) {
	query := `SELECT id, code, status, description, created_by, created_at, updated_at
FROM work_orders WHERE id=$1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var wo WorkOrder
	err := q.QueryRow(ctx, query, id).
		Scan(&wo.ID, &wo.Code, &wo.Status, &wo.Description, &wo.CreatedBy, &wo.CreatedAt, &wo.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return WorkOrder{}, ErrNotFound
		}
		return WorkOrder{}, err
	}

	matQuery := `SELECT id, work_order_id, product_id, planned_qty, issued_qty
FROM work_order_materials WHERE work_order_id=$1 ORDER BY id`
	if forUpdate {
		matQuery += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, matQuery, id)
	if err != nil {
		return WorkOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l MaterialLine
		if err := rows.Scan(&l.ID, &l.WorkOrderID, &l.ProductID, &l.PlannedQty, &l.IssuedQty); err != nil {
			return WorkOrder{}, err
		}
		wo.Materials = append(wo.Materials, l)
	}
	if err := rows.Err(); err != nil {
		return WorkOrder{}, err
	}

	pieceQuery := `SELECT id, work_order_id, product_id, planned_qty, completed_qty
FROM work_order_pieces WHERE work_order_id=$1 ORDER BY id`
	if forUpdate {
		pieceQuery += " FOR UPDATE"
	}
	pieceRows, err := q.Query(ctx, pieceQuery, id)
	if err != nil {
		return WorkOrder{}, err
	}
	defer pieceRows.Close()
	for pieceRows.Next() {
		var l PieceLine
		if err := pieceRows.Scan(&l.ID, &l.WorkOrderID, &l.ProductID, &l.PlannedQty, &l.CompletedQty); err != nil {
			return WorkOrder{}, err
		}
		wo.Pieces = append(wo.Pieces, l)
	}
	return wo, pieceRows.Err()
}

func (r *txRepository) InsertWorkOrder(ctx context.Context, wo WorkOrder) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO work_orders (code, status, description, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING id`,
		wo.Code, string(wo.Status), wo.Description, wo.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepository) InsertMaterialLine(ctx context.Context, l MaterialLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO work_order_materials (work_order_id, product_id, planned_qty, issued_qty)
VALUES ($1, $2, $3, 0) RETURNING id`,
		l.WorkOrderID, l.ProductID, l.PlannedQty).Scan(&id)
	return id, err
}

func (r *txRepository) InsertPieceLine(ctx context.Context, l PieceLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO work_order_pieces (work_order_id, product_id, planned_qty, completed_qty)
VALUES ($1, $2, $3, 0) RETURNING id`,
		l.WorkOrderID, l.ProductID, l.PlannedQty).Scan(&id)
	return id, err
}

func (r *txRepository) GetForUpdate(ctx context.Context, id int64) (WorkOrder, error) {
	return scanWorkOrder(ctx, r.tx, id, true)
}

func (r *txRepository) UpdateStatus(ctx context.Context, id int64, status Status) error {
	tag, err := r.tx.Exec(ctx, `UPDATE work_orders SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepository) AddIssuedQty(ctx context.Context, lineID int64, qty float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE work_order_materials SET issued_qty = issued_qty + $2 WHERE id=$1`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

func (r *txRepository) AddCompletedQty(ctx context.Context, pieceID int64, qty float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE work_order_pieces SET completed_qty = completed_qty + $2 WHERE id=$1`, pieceID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPieceNotFound
	}
	return nil
}

// NextCode produces a sequential code such as WO-2026-00042.
func (r *txRepository) NextCode(ctx context.Context) (string, error) {
	year := time.Now().Year()
	var count int64
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM work_orders WHERE EXTRACT(YEAR FROM created_at) = $1`, year).Scan(&count)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("WO-%d-%05d", year, count+1), nil
}

func (r *txRepository) Ledger() ledger.TxRepository {
	return ledger.NewTxRepository(r.tx)
}
