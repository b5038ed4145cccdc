package procurement

import (
	"context"
	"time"
)

// ReceiptPostedEvent is published after a goods receipt commits and the
// order, linked to a work order, reaches RECEIVED. Consumers recompute cost
// roll-ups; the receipt itself never depends on them.
type ReceiptPostedEvent struct {
	OrderID     int64     `json:"order_id"`
	WorkOrderID int64     `json:"work_order_id,omitempty"`
	ProductIDs  []int64   `json:"product_ids"`
	ReceivedAt  time.Time `json:"received_at"`
}

// RollupNotifier delivers ReceiptPostedEvent to the background pipeline.
// Implementations must be fire-and-forget safe: the receipt is already
// committed when Notify runs, so failures are logged, not propagated.
type RollupNotifier interface {
	NotifyReceiptPosted(ctx context.Context, event ReceiptPostedEvent) error
}
