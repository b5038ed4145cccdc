package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CostRollupJob recomputes per-work-order material cost from the movement
// ledger. The receipt that triggered it is already committed; this job only
// refreshes derived numbers.
type CostRollupJob struct {
	Pool   *pgxpool.Pool
	Logger *slog.Logger
}

// NewCostRollupJob initialises the cost roll-up handler.
func NewCostRollupJob(pool *pgxpool.Pool, logger *slog.Logger) *CostRollupJob {
	return &CostRollupJob{Pool: pool, Logger: logger}
}

// Handle executes the roll-up.
func (j *CostRollupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil {
		return errors.New("cost rollup: handler not configured")
	}
	var payload CostRollupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.WorkOrderID == 0 {
		j.Logger.Debug("cost rollup skipped, receipt not linked to a work order",
			slog.Int64("order_id", payload.OrderID))
		return nil
	}

	// Issued material value = sum(qty * unit_cost) of the work order's
	// WORKORDER_ISSUE movements. The movement carries the average cost it
	// was priced at, so no recomputation is needed here.
	var materialCost float64
	err := j.Pool.QueryRow(ctx, `SELECT COALESCE(SUM(m.qty * m.unit_cost), 0)
FROM stock_movements m
JOIN work_orders w ON w.code = m.ref_id
WHERE w.id = $1 AND m.kind = 'WORKORDER_ISSUE' AND m.ref_module = 'WORKORDER'`, payload.WorkOrderID).Scan(&materialCost)
	if err != nil {
		return err
	}

	tag, err := j.Pool.Exec(ctx, `UPDATE work_orders SET material_cost = $2, updated_at = NOW() WHERE id = $1`,
		payload.WorkOrderID, materialCost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// the work order vanished; nothing left to roll up
		return asynq.SkipRetry
	}

	j.Logger.Info("work order material cost rolled up",
		slog.Int64("work_order_id", payload.WorkOrderID),
		slog.Int64("order_id", payload.OrderID),
		slog.Float64("material_cost", materialCost))
	return nil
}
