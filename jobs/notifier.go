package jobs

import (
	"context"
	"errors"

	"github.com/atelier-erp/atelier-erp/internal/procurement"
)

// CostRollupNotifier bridges the procurement module's post-commit event to
// the asynq queue.
type CostRollupNotifier struct {
	Client *Client
}

// NewCostRollupNotifier constructs the notifier.
func NewCostRollupNotifier(client *Client) *CostRollupNotifier {
	return &CostRollupNotifier{Client: client}
}

// NotifyReceiptPosted enqueues the roll-up for a committed receipt.
func (n *CostRollupNotifier) NotifyReceiptPosted(ctx context.Context, event procurement.ReceiptPostedEvent) error {
	if n == nil || n.Client == nil {
		return errors.New("cost rollup notifier not configured")
	}
	_, err := n.Client.EnqueueCostRollup(ctx, CostRollupPayload{
		OrderID:     event.OrderID,
		WorkOrderID: event.WorkOrderID,
		ProductIDs:  event.ProductIDs,
		ReceivedAt:  event.ReceivedAt,
	})
	return err
}
