package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskCostRollup recomputes material cost aggregates after a goods
	// receipt commits.
	TaskCostRollup = "costrollup:recompute"
	// TaskHousekeeping prunes expired idempotency keys.
	TaskHousekeeping = "ledger:housekeeping"
)

// CostRollupPayload identifies the documents touched by a receipt.
type CostRollupPayload struct {
	OrderID     int64     `json:"order_id"`
	WorkOrderID int64     `json:"work_order_id,omitempty"`
	ProductIDs  []int64   `json:"product_ids"`
	ReceivedAt  time.Time `json:"received_at"`
}

// NewCostRollupTask constructs an Asynq task.
func NewCostRollupTask(payload CostRollupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCostRollup, data), nil
}

// HousekeepingPayload bounds the idempotency-key retention window.
type HousekeepingPayload struct {
	Retention time.Duration `json:"retention"`
}

// NewHousekeepingTask constructs an Asynq task.
func NewHousekeepingTask(payload HousekeepingPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskHousekeeping, data), nil
}
