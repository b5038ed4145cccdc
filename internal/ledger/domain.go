package ledger

import (
	"errors"
	"time"
)

// MovementKind enumerates supported stock movements. The quantity on a
// movement is always a positive magnitude; the kind implies the sign.
type MovementKind string

const (
	// KindPurchaseReceipt records goods arriving against a purchase order.
	KindPurchaseReceipt MovementKind = "PURCHASE_RECEIPT"
	// KindAdjustmentIn records a manual positive correction.
	KindAdjustmentIn MovementKind = "ADJUSTMENT_IN"
	// KindAdjustmentOut records a manual negative correction.
	KindAdjustmentOut MovementKind = "ADJUSTMENT_OUT"
	// KindWorkOrderIssue records material consumed by a work order.
	KindWorkOrderIssue MovementKind = "WORKORDER_ISSUE"
	// KindWorkOrderOutput records finished goods re-entering stock.
	KindWorkOrderOutput MovementKind = "WORKORDER_OUTPUT"
)

// Inbound reports whether the kind increases on-hand stock.
func (k MovementKind) Inbound() bool {
	switch k {
	case KindPurchaseReceipt, KindAdjustmentIn, KindWorkOrderOutput:
		return true
	}
	return false
}

// Valid reports whether the kind is one of the enumerated movements.
func (k MovementKind) Valid() bool {
	switch k {
	case KindPurchaseReceipt, KindAdjustmentIn, KindAdjustmentOut, KindWorkOrderIssue, KindWorkOrderOutput:
		return true
	}
	return false
}

// Movement is one ledger entry. Entries are append-only: nothing in this
// module updates or deletes a movement once inserted; corrections are new
// compensating ADJUSTMENT_IN/ADJUSTMENT_OUT entries.
type Movement struct {
	ID        int64
	ProductID int64
	Kind      MovementKind
	Qty       float64
	UnitCost  float64
	Note      string
	RefModule string
	RefID     string
	PostedAt  time.Time
	CreatedBy int64
}

// Balance is the per-product materialized stock row (quantity and running
// average cost). It is maintained in the same transaction as every movement
// append; the ledger sum stays the source of truth for on-hand quantity.
type Balance struct {
	ProductID int64
	Qty       float64
	AvgCost   float64
	UpdatedAt time.Time
}

// Posting summarises an applied movement for callers.
type Posting struct {
	MovementID    int64
	ProductID     int64
	Kind          MovementKind
	Qty           float64
	UnitCost      float64
	OnHand        float64
	AvgCost       float64
	NegativeStock bool
	PostedAt      time.Time
}

// CardEntry is one row of a product's movement history with running balance.
type CardEntry struct {
	Kind       MovementKind
	PostedAt   time.Time
	QtyIn      float64
	QtyOut     float64
	BalanceQty float64
	UnitCost   float64
	Note       string
	RefModule  string
	RefID      string
}

// CardFilter filters stock card entries.
type CardFilter struct {
	ProductID int64
	From      time.Time
	To        time.Time
	Limit     int
}

// ValuationRow reports current stock value for a product.
type ValuationRow struct {
	ProductID int64
	SKU       string
	Name      string
	Qty       float64
	AvgCost   float64
	Value     float64
}

// IncomingInput describes an inbound posting that goes through the cost
// engine (PURCHASE_RECEIPT, ADJUSTMENT_IN, WORKORDER_OUTPUT).
type IncomingInput struct {
	ProductID int64
	Kind      MovementKind
	Qty       float64
	UnitCost  float64
	Note      string
	ActorID   int64
	RefModule string
	RefID     string
}

// OutgoingInput describes an outbound posting at current average cost
// (ADJUSTMENT_OUT, WORKORDER_ISSUE). The average is read, never recomputed.
type OutgoingInput struct {
	ProductID int64
	Kind      MovementKind
	Qty       float64
	Note      string
	ActorID   int64
	RefModule string
	RefID     string
}

// AdjustmentInput is the manual correction form: signed quantity, positive
// meaning ADJUSTMENT_IN at the given unit cost.
type AdjustmentInput struct {
	ProductID int64
	Qty       float64
	UnitCost  float64
	Note      string
	ActorID   int64
}

var (
	// ErrInvalidQuantity indicates a zero or negative magnitude.
	ErrInvalidQuantity = errors.New("ledger: quantity must be positive")
	// ErrInvalidUnitCost indicates a negative unit cost.
	ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")
	// ErrInvalidKind indicates an unknown or misdirected movement kind.
	ErrInvalidKind = errors.New("ledger: invalid movement kind")
	// ErrProductRequired indicates a missing product reference.
	ErrProductRequired = errors.New("ledger: product required")
)
