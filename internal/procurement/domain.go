package procurement

import (
	"errors"
	"time"
)

// RequisitionStatus tracks the purchase requisition lifecycle.
type RequisitionStatus string

const (
	RequisitionDraft     RequisitionStatus = "DRAFT"
	RequisitionPending   RequisitionStatus = "PENDING"
	RequisitionApproved  RequisitionStatus = "APPROVED"
	RequisitionRejected  RequisitionStatus = "REJECTED"
	RequisitionCancelled RequisitionStatus = "CANCELLED"
)

// OrderStatus tracks the purchase order lifecycle. PARTIAL and RECEIVED are
// derived from line receipts, never set directly by callers.
type OrderStatus string

const (
	OrderDraft     OrderStatus = "DRAFT"
	OrderSent      OrderStatus = "SENT"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderPartial   OrderStatus = "PARTIAL"
	OrderReceived  OrderStatus = "RECEIVED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// receivable reports whether goods may be booked against the order.
func (s OrderStatus) receivable() bool {
	return s == OrderSent || s == OrderConfirmed || s == OrderPartial
}

// Requisition is a purchase requisition: a demand list awaiting approval.
type Requisition struct {
	ID          int64
	Number      string
	Status      RequisitionStatus
	Notes       string
	RequestedBy int64
	DecidedBy   int64
	DecidedAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Lines       []RequisitionLine
}

// RequisitionLine is one demanded product with an estimated price.
type RequisitionLine struct {
	ID            int64
	RequisitionID int64
	ProductID     int64
	Qty           float64
	EstPrice      float64
	Note          string
}

// Order is a purchase order placed with a supplier.
type Order struct {
	ID                int64
	Number            string
	SupplierID        int64
	Status            OrderStatus
	RequisitionID     int64
	LinkedWorkOrderID int64
	Notes             string
	CreatedBy         int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Lines             []OrderLine
}

// OrderLine carries the ordered quantity, the agreed unit price, and the
// cumulative received quantity.
type OrderLine struct {
	ID          int64
	OrderID     int64
	ProductID   int64
	OrderedQty  float64
	UnitPrice   float64
	ReceivedQty float64
}

// Pending is the quantity still outstanding on the line.
func (l OrderLine) Pending() float64 {
	p := l.OrderedQty - l.ReceivedQty
	if p < 0 {
		return 0
	}
	return p
}

// LineReceipt is the caller's requested quantity for one order line during a
// receipt. Zero-quantity entries are skipped.
type LineReceipt struct {
	LineID int64
	Qty    float64
}

// ReceiptInput describes one goods receipt against an order. When Lines is
// empty the full pending quantity of every line is received.
type ReceiptInput struct {
	OrderID        int64
	Lines          []LineReceipt
	Note           string
	ActorID        int64
	IdempotencyKey string
}

// ReceiptResult summarises one applied receipt.
type ReceiptResult struct {
	OrderID     int64
	OrderStatus OrderStatus
	Lines       []ReceiptLineResult
	ReceivedAt  time.Time
}

// ReceiptLineResult is the per-line outcome of a receipt.
type ReceiptLineResult struct {
	LineID     int64
	ProductID  int64
	Qty        float64
	UnitPrice  float64
	NewAvgCost float64
	NewOnHand  float64
	MovementID int64
}

// CreateRequisitionInput describes a new requisition.
type CreateRequisitionInput struct {
	Notes   string
	ActorID int64
	Lines   []CreateRequisitionLine
}

// CreateRequisitionLine is one demanded line on a new requisition.
type CreateRequisitionLine struct {
	ProductID int64
	Qty       float64
	EstPrice  float64
	Note      string
}

// CreateOrderInput describes a new purchase order.
type CreateOrderInput struct {
	SupplierID        int64
	RequisitionID     int64
	LinkedWorkOrderID int64
	Notes             string
	ActorID           int64
	Lines             []CreateOrderLine
}

// CreateOrderLine is one ordered line on a new purchase order.
type CreateOrderLine struct {
	ProductID int64
	Qty       float64
	UnitPrice float64
}

var (
	// ErrRequisitionNotFound indicates an unknown requisition id.
	ErrRequisitionNotFound = errors.New("procurement: requisition not found")
	// ErrOrderNotFound indicates an unknown purchase order id.
	ErrOrderNotFound = errors.New("procurement: purchase order not found")
	// ErrLineNotFound indicates a receipt references a line the order lacks.
	ErrLineNotFound = errors.New("procurement: order line not found")
	// ErrNoPendingQuantity indicates the receipt would book zero quantity.
	ErrNoPendingQuantity = errors.New("procurement: nothing left to receive")
	// ErrExceedsPending indicates a line receipt beyond the outstanding qty.
	ErrExceedsPending = errors.New("procurement: received quantity exceeds pending quantity")
	// ErrInvalidState indicates a lifecycle transition the state machine forbids.
	ErrInvalidState = errors.New("procurement: invalid state for operation")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("procurement: validation failed")
)
