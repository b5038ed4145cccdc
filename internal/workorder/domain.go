package workorder

import (
	"errors"
	"time"
)

// Status tracks the work order lifecycle. The OPEN→IN_PROGRESS transition
// happens implicitly on the first successful material issue.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusCancelled  Status = "CANCELLED"
)

// WorkOrder is a production job consuming materials and producing pieces.
type WorkOrder struct {
	ID          int64
	Code        string
	Status      Status
	Description string
	CreatedBy   int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Materials   []MaterialLine
	Pieces      []PieceLine
}

// MaterialLine is one planned material with cumulative issued quantity.
type MaterialLine struct {
	ID          int64
	WorkOrderID int64
	ProductID   int64
	PlannedQty  float64
	IssuedQty   float64
}

// Remaining is the quantity still issuable against the plan.
func (l MaterialLine) Remaining() float64 {
	r := l.PlannedQty - l.IssuedQty
	if r < 0 {
		return 0
	}
	return r
}

// PieceLine is one planned output product with cumulative completed
// quantity.
type PieceLine struct {
	ID           int64
	WorkOrderID  int64
	ProductID    int64
	PlannedQty   float64
	CompletedQty float64
}

// Remaining is the quantity still producible against the plan.
func (l PieceLine) Remaining() float64 {
	r := l.PlannedQty - l.CompletedQty
	if r < 0 {
		return 0
	}
	return r
}

// IssueItem is one requested material issue.
type IssueItem struct {
	LineID int64
	Qty    float64
}

// IssueInput describes one material issue against a work order.
type IssueInput struct {
	WorkOrderID    int64
	Items          []IssueItem
	Note           string
	ActorID        int64
	IdempotencyKey string
}

// IssueResult summarises one applied issue.
type IssueResult struct {
	WorkOrderID int64
	Status      Status
	Lines       []IssueLineResult
	IssuedAt    time.Time
}

// IssueLineResult is the per-line outcome of an issue: the quantity booked
// and the average cost it was priced at.
type IssueLineResult struct {
	LineID     int64
	ProductID  int64
	Qty        float64
	UnitCost   float64
	NewOnHand  float64
	MovementID int64
}

// OutputInput describes finished pieces re-entering stock.
type OutputInput struct {
	WorkOrderID    int64
	PieceID        int64
	Qty            float64
	UnitCost       float64
	Note           string
	ActorID        int64
	IdempotencyKey string
}

// OutputResult summarises one recorded output.
type OutputResult struct {
	WorkOrderID int64
	PieceID     int64
	ProductID   int64
	Qty         float64
	UnitCost    float64
	NewAvgCost  float64
	NewOnHand   float64
	MovementID  int64
	Status      Status
}

// Shortage is one material line whose plan cannot be covered by what was
// issued plus what is on hand.
type Shortage struct {
	LineID    int64
	ProductID int64
	Planned   float64
	Issued    float64
	OnHand    float64
	Shortfall float64
}

// CreateInput describes a new work order.
type CreateInput struct {
	Description string
	ActorID     int64
	Materials   []CreateMaterialLine
	Pieces      []CreatePieceLine
}

// CreateMaterialLine is one planned material on a new work order.
type CreateMaterialLine struct {
	ProductID int64
	Qty       float64
}

// CreatePieceLine is one planned output on a new work order.
type CreatePieceLine struct {
	ProductID int64
	Qty       float64
}

var (
	// ErrNotFound indicates an unknown work order id.
	ErrNotFound = errors.New("workorder: work order not found")
	// ErrLineNotFound indicates an issue references a line the order lacks.
	ErrLineNotFound = errors.New("workorder: material line not found")
	// ErrPieceNotFound indicates an output references an unknown piece line.
	ErrPieceNotFound = errors.New("workorder: piece line not found")
	// ErrExceedsPlanned indicates an issue beyond the remaining planned qty.
	ErrExceedsPlanned = errors.New("workorder: issued quantity exceeds planned quantity")
	// ErrExceedsOutput indicates output beyond the remaining planned pieces.
	ErrExceedsOutput = errors.New("workorder: completed quantity exceeds planned quantity")
	// ErrInvalidState indicates a lifecycle transition the state machine forbids.
	ErrInvalidState = errors.New("workorder: invalid state for operation")
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("workorder: validation failed")
)
