package procurement

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

// Repository persists requisitions and purchase orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the transactional operations the service needs.
// Ledger() binds stock postings to the same transaction, so a receipt and
// its movements commit or roll back together.
type TxRepository interface {
	InsertRequisition(ctx context.Context, r Requisition) (int64, error)
	InsertRequisitionLine(ctx context.Context, l RequisitionLine) (int64, error)
	GetRequisitionForUpdate(ctx context.Context, id int64) (Requisition, error)
	UpdateRequisitionStatus(ctx context.Context, id int64, status RequisitionStatus, decidedBy int64) error

	InsertOrder(ctx context.Context, o Order) (int64, error)
	InsertOrderLine(ctx context.Context, l OrderLine) (int64, error)
	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error
	AddLineReceivedQty(ctx context.Context, lineID int64, qty float64) error

	NextNumber(ctx context.Context, prefix string) (string, error)

	Ledger() ledger.TxRepository
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes the callback inside a RepeatableRead transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("procurement repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// GetRequisition loads one requisition with its lines.
func (r *Repository) GetRequisition(ctx context.Context, id int64) (Requisition, error) {
	return scanRequisition(ctx, r.pool, id, false)
}

// ListRequisitions lists requisitions, optionally filtered by status.
func (r *Repository) ListRequisitions(ctx context.Context, status RequisitionStatus) ([]Requisition, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, number, status, notes, requested_by, COALESCE(decided_by, 0), COALESCE(decided_at, 'epoch'), created_at, updated_at
FROM purchase_requisitions
WHERE ($1 = '' OR status = $1)
ORDER BY id DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Requisition{}
	for rows.Next() {
		var req Requisition
		if err := rows.Scan(&req.ID, &req.Number, &req.Status, &req.Notes, &req.RequestedBy, &req.DecidedBy, &req.DecidedAt, &req.CreatedAt, &req.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

// GetOrder loads one purchase order with its lines.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	return scanOrder(ctx, r.pool, id, false)
}

// ListOrders lists purchase orders, optionally filtered by status.
func (r *Repository) ListOrders(ctx context.Context, status OrderStatus) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, number, supplier_id, status, COALESCE(requisition_id, 0), COALESCE(work_order_id, 0), notes, created_by, created_at, updated_at
FROM purchase_orders
WHERE ($1 = '' OR status = $1)
ORDER BY id DESC`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	result := []Order{}
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.Number, &o.SupplierID, &o.Status, &o.RequisitionID, &o.LinkedWorkOrderID, &o.Notes, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanRequisition(ctx context.Context, q querier, id int64, forUpdate bool) (Requisition, error) {
	query := `SELECT id, number, status, notes, requested_by, COALESCE(decided_by, 0), COALESCE(decided_at, 'epoch'), created_at, updated_at
FROM purchase_requisitions WHERE id=$1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var req Requisition
	err := q.QueryRow(ctx, query, id).
		Scan(&req.ID, &req.Number, &req.Status, &req.Notes, &req.RequestedBy, &req.DecidedBy, &req.DecidedAt, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Requisition{}, ErrRequisitionNotFound
		}
		return Requisition{}, err
	}
	rows, err := q.Query(ctx, `SELECT id, requisition_id, product_id, qty, est_price, note
FROM purchase_requisition_lines WHERE requisition_id=$1 ORDER BY id`, id)
	if err != nil {
		return Requisition{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l RequisitionLine
		if err := rows.Scan(&l.ID, &l.RequisitionID, &l.ProductID, &l.Qty, &l.EstPrice, &l.Note); err != nil {
			return Requisition{}, err
		}
		req.Lines = append(req.Lines, l)
	}
	return req, rows.Err()
}

func scanOrder(ctx context.Context, q querier, id int64, forUpdate bool) (Order, error) {
	query := `SELECT id, number, supplier_id, status, COALESCE(requisition_id, 0), COALESCE(work_order_id, 0), notes, created_by, created_at, updated_at
FROM purchase_orders WHERE id=$1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var o Order
	err := q.QueryRow(ctx, query, id).
		Scan(&o.ID, &o.Number, &o.SupplierID, &o.Status, &o.RequisitionID, &o.LinkedWorkOrderID, &o.Notes, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, err
	}
	lineQuery := `SELECT id, order_id, product_id, ordered_qty, unit_price, received_qty
FROM purchase_order_lines WHERE order_id=$1 ORDER BY id`
	if forUpdate {
		lineQuery += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, lineQuery, id)
	if err != nil {
		return Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.OrderedQty, &l.UnitPrice, &l.ReceivedQty); err != nil {
			return Order{}, err
		}
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}

func (r *txRepository) InsertRequisition(ctx context.Context, req Requisition) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_requisitions (number, status, notes, requested_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, NOW(), NOW()) RETURNING id`,
		req.Number, string(req.Status), req.Notes, req.RequestedBy).Scan(&id)
	return id, err
}

func (r *txRepository) InsertRequisitionLine(ctx context.Context, l RequisitionLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_requisition_lines (requisition_id, product_id, qty, est_price, note)
VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		l.RequisitionID, l.ProductID, l.Qty, l.EstPrice, l.Note).Scan(&id)
	return id, err
}

func (r *txRepository) GetRequisitionForUpdate(ctx context.Context, id int64) (Requisition, error) {
	return scanRequisition(ctx, r.tx, id, true)
}

func (r *txRepository) UpdateRequisitionStatus(ctx context.Context, id int64, status RequisitionStatus, decidedBy int64) error {
	decided := any(nil)
	decidedAt := any(nil)
	if decidedBy != 0 {
		decided = decidedBy
		decidedAt = time.Now()
	}
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_requisitions SET status=$2, decided_by=COALESCE($3, decided_by), decided_at=COALESCE($4, decided_at), updated_at=NOW() WHERE id=$1`,
		id, string(status), decided, decidedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRequisitionNotFound
	}
	return nil
}

func (r *txRepository) InsertOrder(ctx context.Context, o Order) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_orders (number, supplier_id, status, requisition_id, work_order_id, notes, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW()) RETURNING id`,
		o.Number, o.SupplierID, string(o.Status), nullInt64(o.RequisitionID), nullInt64(o.LinkedWorkOrderID), o.Notes, o.CreatedBy).Scan(&id)
	return id, err
}

func (r *txRepository) InsertOrderLine(ctx context.Context, l OrderLine) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchase_order_lines (order_id, product_id, ordered_qty, unit_price, received_qty)
VALUES ($1, $2, $3, $4, 0) RETURNING id`,
		l.OrderID, l.ProductID, l.OrderedQty, l.UnitPrice).Scan(&id)
	return id, err
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	return scanOrder(ctx, r.tx, id, true)
}

func (r *txRepository) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *txRepository) AddLineReceivedQty(ctx context.Context, lineID int64, qty float64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_order_lines SET received_qty = received_qty + $2 WHERE id=$1`, lineID, qty)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLineNotFound
	}
	return nil
}

// NextNumber produces a sequential document number such as PO-2026-00042.
func (r *txRepository) NextNumber(ctx context.Context, prefix string) (string, error) {
	year := time.Now().Year()
	table := "purchase_orders"
	if prefix == "PR" {
		table = "purchase_requisitions"
	}
	var count int64
	err := r.tx.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE EXTRACT(YEAR FROM created_at) = $1`, table), year).Scan(&count)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%d-%05d", prefix, year, count+1), nil
}

func (r *txRepository) Ledger() ledger.TxRepository {
	return ledger.NewTxRepository(r.tx)
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
