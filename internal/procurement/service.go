package procurement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetRequisition(ctx context.Context, id int64) (Requisition, error)
	ListRequisitions(ctx context.Context, status RequisitionStatus) ([]Requisition, error)
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListOrders(ctx context.Context, status OrderStatus) ([]Order, error)
}

// LedgerPort is the cost-engine entry point for in-transaction postings.
type LedgerPort interface {
	PostIncomingTx(ctx context.Context, tx ledger.TxRepository, input ledger.IncomingInput) (ledger.Posting, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against double-posting of resubmitted receipts.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// LockerPort serializes postings per product across processes.
type LockerPort interface {
	AcquireAll(ctx context.Context, productIDs []int64) (func(), error)
}

// CatalogPort validates master-data references on new documents. A nil
// catalog skips the checks and leaves them to the schema.
type CatalogPort interface {
	ProductExists(ctx context.Context, id int64) (bool, error)
	SupplierExists(ctx context.Context, id int64) (bool, error)
}

// Service owns the procurement lifecycle: requisition approval, purchase
// orders, and goods receipt into the stock ledger.
type Service struct {
	repo     RepositoryPort
	ledger   LedgerPort
	audit    AuditPort
	idem     IdempotencyPort
	locker   LockerPort
	catalog  CatalogPort
	notifier RollupNotifier
	authz    shared.Authorizer
	logger   *slog.Logger
}

// NewService builds the procurement service.
func NewService(repo RepositoryPort, ledgerSvc LedgerPort, audit AuditPort, idem IdempotencyPort, locker LockerPort, catalog CatalogPort, notifier RollupNotifier, authz shared.Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledgerSvc, audit: audit, idem: idem, locker: locker, catalog: catalog, notifier: notifier, authz: authz, logger: logger}
}

func (s *Service) checkProducts(ctx context.Context, ids []int64) error {
	if s.catalog == nil {
		return nil
	}
	for _, id := range ids {
		ok, err := s.catalog.ProductExists(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: unknown product %d", ErrValidation, id)
		}
	}
	return nil
}

// CreateRequisition records a new requisition in DRAFT.
func (s *Service) CreateRequisition(ctx context.Context, input CreateRequisitionInput) (Requisition, error) {
	if err := s.canWrite(ctx); err != nil {
		return Requisition{}, err
	}
	if len(input.Lines) == 0 {
		return Requisition{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	productIDs := make([]int64, 0, len(input.Lines))
	for _, l := range input.Lines {
		if l.ProductID == 0 || l.Qty <= 0 || l.EstPrice < 0 {
			return Requisition{}, fmt.Errorf("%w: line needs product, positive qty and non-negative price", ErrValidation)
		}
		productIDs = append(productIDs, l.ProductID)
	}
	if err := s.checkProducts(ctx, productIDs); err != nil {
		return Requisition{}, err
	}
	var created Requisition
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, "PR")
		if err != nil {
			return err
		}
		created = Requisition{
			Number:      number,
			Status:      RequisitionDraft,
			Notes:       input.Notes,
			RequestedBy: input.ActorID,
		}
		created.ID, err = tx.InsertRequisition(ctx, created)
		if err != nil {
			return err
		}
		for _, l := range input.Lines {
			line := RequisitionLine{
				RequisitionID: created.ID,
				ProductID:     l.ProductID,
				Qty:           l.Qty,
				EstPrice:      l.EstPrice,
				Note:          l.Note,
			}
			if line.ID, err = tx.InsertRequisitionLine(ctx, line); err != nil {
				return err
			}
			created.Lines = append(created.Lines, line)
		}
		return nil
	})
	if err != nil {
		return Requisition{}, err
	}
	s.recordAudit(ctx, input.ActorID, "procurement:requisition_created", "purchase_requisition", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

// SubmitRequisition moves a DRAFT requisition to PENDING.
func (s *Service) SubmitRequisition(ctx context.Context, id, actorID int64) error {
	return s.transitionRequisition(ctx, id, actorID, RequisitionPending, 0, "procurement:requisition_submitted", RequisitionDraft)
}

// ApproveRequisition moves a PENDING requisition to APPROVED.
func (s *Service) ApproveRequisition(ctx context.Context, id, actorID int64) error {
	return s.transitionRequisition(ctx, id, actorID, RequisitionApproved, actorID, "procurement:requisition_approved", RequisitionPending)
}

// RejectRequisition moves a PENDING requisition to REJECTED.
func (s *Service) RejectRequisition(ctx context.Context, id, actorID int64) error {
	return s.transitionRequisition(ctx, id, actorID, RequisitionRejected, actorID, "procurement:requisition_rejected", RequisitionPending)
}

// CancelRequisition cancels a requisition not yet decided.
func (s *Service) CancelRequisition(ctx context.Context, id, actorID int64) error {
	return s.transitionRequisition(ctx, id, actorID, RequisitionCancelled, actorID, "procurement:requisition_cancelled", RequisitionDraft, RequisitionPending)
}

func (s *Service) transitionRequisition(ctx context.Context, id, actorID int64, to RequisitionStatus, decidedBy int64, action string, from ...RequisitionStatus) error {
	if err := s.canWrite(ctx); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		req, err := tx.GetRequisitionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, st := range from {
			if req.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: requisition %s cannot move to %s", ErrInvalidState, req.Status, to)
		}
		return tx.UpdateRequisitionStatus(ctx, id, to, decidedBy)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, action, "purchase_requisition", id, nil)
	return nil
}

// GetRequisition loads a requisition with lines.
func (s *Service) GetRequisition(ctx context.Context, id int64) (Requisition, error) {
	return s.repo.GetRequisition(ctx, id)
}

// ListRequisitions lists requisitions, optionally filtered by status.
func (s *Service) ListRequisitions(ctx context.Context, status RequisitionStatus) ([]Requisition, error) {
	return s.repo.ListRequisitions(ctx, status)
}

// CreateOrder records a new purchase order in DRAFT.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (Order, error) {
	if err := s.canWrite(ctx); err != nil {
		return Order{}, err
	}
	if input.SupplierID == 0 {
		return Order{}, fmt.Errorf("%w: supplier required", ErrValidation)
	}
	if len(input.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line required", ErrValidation)
	}
	productIDs := make([]int64, 0, len(input.Lines))
	for _, l := range input.Lines {
		if l.ProductID == 0 || l.Qty <= 0 || l.UnitPrice < 0 {
			return Order{}, fmt.Errorf("%w: line needs product, positive qty and non-negative price", ErrValidation)
		}
		productIDs = append(productIDs, l.ProductID)
	}
	if s.catalog != nil {
		ok, err := s.catalog.SupplierExists(ctx, input.SupplierID)
		if err != nil {
			return Order{}, err
		}
		if !ok {
			return Order{}, fmt.Errorf("%w: unknown supplier %d", ErrValidation, input.SupplierID)
		}
	}
	if err := s.checkProducts(ctx, productIDs); err != nil {
		return Order{}, err
	}
	var created Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		number, err := tx.NextNumber(ctx, "PO")
		if err != nil {
			return err
		}
		created = Order{
			Number:            number,
			SupplierID:        input.SupplierID,
			Status:            OrderDraft,
			RequisitionID:     input.RequisitionID,
			LinkedWorkOrderID: input.LinkedWorkOrderID,
			Notes:             input.Notes,
			CreatedBy:         input.ActorID,
		}
		created.ID, err = tx.InsertOrder(ctx, created)
		if err != nil {
			return err
		}
		for _, l := range input.Lines {
			line := OrderLine{OrderID: created.ID, ProductID: l.ProductID, OrderedQty: l.Qty, UnitPrice: l.UnitPrice}
			if line.ID, err = tx.InsertOrderLine(ctx, line); err != nil {
				return err
			}
			created.Lines = append(created.Lines, line)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	s.recordAudit(ctx, input.ActorID, "procurement:order_created", "purchase_order", created.ID, map[string]any{"number": created.Number})
	return created, nil
}

// CreateOrderFromRequisition converts an APPROVED requisition into a DRAFT
// purchase order, carrying estimated prices over as line prices.
func (s *Service) CreateOrderFromRequisition(ctx context.Context, requisitionID, supplierID, actorID int64) (Order, error) {
	req, err := s.repo.GetRequisition(ctx, requisitionID)
	if err != nil {
		return Order{}, err
	}
	if req.Status != RequisitionApproved {
		return Order{}, fmt.Errorf("%w: requisition %s is not approved", ErrInvalidState, req.Number)
	}
	lines := make([]CreateOrderLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		lines = append(lines, CreateOrderLine{ProductID: l.ProductID, Qty: l.Qty, UnitPrice: l.EstPrice})
	}
	return s.CreateOrder(ctx, CreateOrderInput{
		SupplierID:    supplierID,
		RequisitionID: requisitionID,
		Notes:         fmt.Sprintf("from requisition %s", req.Number),
		ActorID:       actorID,
		Lines:         lines,
	})
}

// MarkOrderSent moves a DRAFT order to SENT.
func (s *Service) MarkOrderSent(ctx context.Context, id, actorID int64) error {
	return s.transitionOrder(ctx, id, actorID, OrderSent, "procurement:order_sent", OrderDraft)
}

// ConfirmOrder moves a SENT order to CONFIRMED.
func (s *Service) ConfirmOrder(ctx context.Context, id, actorID int64) error {
	return s.transitionOrder(ctx, id, actorID, OrderConfirmed, "procurement:order_confirmed", OrderSent)
}

// CancelOrder cancels an order from any non-terminal state. Already-booked
// receipts stay on the ledger; corrections go through adjustments.
func (s *Service) CancelOrder(ctx context.Context, id, actorID int64) error {
	return s.transitionOrder(ctx, id, actorID, OrderCancelled, "procurement:order_cancelled", OrderDraft, OrderSent, OrderConfirmed, OrderPartial)
}

func (s *Service) transitionOrder(ctx context.Context, id, actorID int64, to OrderStatus, action string, from ...OrderStatus) error {
	if err := s.canWrite(ctx); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, st := range from {
			if order.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: order %s cannot move to %s", ErrInvalidState, order.Status, to)
		}
		return tx.UpdateOrderStatus(ctx, id, to)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, action, "purchase_order", id, nil)
	return nil
}

// GetOrder loads an order with lines.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders lists orders, optionally filtered by status.
func (s *Service) ListOrders(ctx context.Context, status OrderStatus) ([]Order, error) {
	return s.repo.ListOrders(ctx, status)
}

// Receive books a goods receipt against an order. Every booked line becomes
// a PURCHASE_RECEIPT movement priced at the order line's unit price; the
// receipt, the movements and the cost updates commit in one transaction.
// An empty Lines slice means "receive everything still pending".
func (s *Service) Receive(ctx context.Context, input ReceiptInput) (ReceiptResult, error) {
	if err := s.canWrite(ctx); err != nil {
		return ReceiptResult{}, err
	}
	if input.OrderID == 0 {
		return ReceiptResult{}, fmt.Errorf("%w: order required", ErrValidation)
	}
	for _, l := range input.Lines {
		if l.Qty <= 0 {
			return ReceiptResult{}, fmt.Errorf("%w: received quantity must be positive", ErrValidation)
		}
	}
	if input.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, input.IdempotencyKey, "procurement"); err != nil {
			return ReceiptResult{}, err
		}
	}

	var (
		result      ReceiptResult
		productIDs  []int64
		workOrderID int64
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForUpdate(ctx, input.OrderID)
		if err != nil {
			return err
		}
		if !order.Status.receivable() {
			return fmt.Errorf("%w: order %s is %s", ErrInvalidState, order.Number, order.Status)
		}

		receipts, err := resolveReceipts(order, input.Lines)
		if err != nil {
			return err
		}

		ids := make([]int64, 0, len(receipts))
		for _, rc := range receipts {
			ids = append(ids, rc.line.ProductID)
		}
		release, err := s.acquireAll(ctx, ids)
		if err != nil {
			return err
		}
		defer release()

		now := time.Now().UTC()
		result = ReceiptResult{OrderID: order.ID, ReceivedAt: now}
		stock := tx.Ledger()
		for _, rc := range receipts {
			posting, err := s.ledger.PostIncomingTx(ctx, stock, ledger.IncomingInput{
				ProductID: rc.line.ProductID,
				Kind:      ledger.KindPurchaseReceipt,
				Qty:       rc.qty,
				UnitCost:  rc.line.UnitPrice,
				Note:      input.Note,
				ActorID:   input.ActorID,
				RefModule: "PROCUREMENT",
				RefID:     order.Number,
			})
			if err != nil {
				return err
			}
			if err := tx.AddLineReceivedQty(ctx, rc.line.ID, rc.qty); err != nil {
				return err
			}
			result.Lines = append(result.Lines, ReceiptLineResult{
				LineID:     rc.line.ID,
				ProductID:  rc.line.ProductID,
				Qty:        rc.qty,
				UnitPrice:  rc.line.UnitPrice,
				NewAvgCost: posting.AvgCost,
				NewOnHand:  posting.OnHand,
				MovementID: posting.MovementID,
			})
		}

		result.OrderStatus = deriveStatus(order, receipts)
		if result.OrderStatus != order.Status {
			if err := tx.UpdateOrderStatus(ctx, order.ID, result.OrderStatus); err != nil {
				return err
			}
		}
		productIDs = ids
		workOrderID = order.LinkedWorkOrderID
		return nil
	})
	if err != nil {
		if input.IdempotencyKey != "" && s.idem != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
			if delErr := s.idem.Delete(ctx, input.IdempotencyKey); delErr != nil {
				s.logger.Error("release idempotency key", slog.Any("error", delErr))
			}
		}
		return ReceiptResult{}, err
	}

	s.recordAudit(ctx, input.ActorID, "procurement:goods_received", "purchase_order", input.OrderID, map[string]any{
		"lines":  len(result.Lines),
		"status": string(result.OrderStatus),
	})
	if result.OrderStatus == OrderReceived && workOrderID != 0 {
		s.notifyReceipt(ctx, input.OrderID, workOrderID, productIDs, result.ReceivedAt)
	}
	return result, nil
}

type lineReceipt struct {
	line OrderLine
	qty  float64
}

// resolveReceipts validates the requested quantities against the order and
// expands the full-receipt shortcut. Validation happens before any posting
// so a bad line leaves no partial effect.
func resolveReceipts(order Order, requested []LineReceipt) ([]lineReceipt, error) {
	byID := make(map[int64]OrderLine, len(order.Lines))
	for _, l := range order.Lines {
		byID[l.ID] = l
	}

	receipts := []lineReceipt{}
	if len(requested) == 0 {
		for _, l := range order.Lines {
			if p := l.Pending(); p > 0 {
				receipts = append(receipts, lineReceipt{line: l, qty: p})
			}
		}
	} else {
		for _, r := range requested {
			if r.Qty <= 0 {
				return nil, fmt.Errorf("%w: line %d quantity must be positive", ErrValidation, r.LineID)
			}
			l, ok := byID[r.LineID]
			if !ok {
				return nil, fmt.Errorf("%w: line %d", ErrLineNotFound, r.LineID)
			}
			if r.Qty > l.Pending() {
				return nil, fmt.Errorf("%w: line %d pending %.3f, requested %.3f", ErrExceedsPending, r.LineID, l.Pending(), r.Qty)
			}
			receipts = append(receipts, lineReceipt{line: l, qty: r.Qty})
		}
	}
	if len(receipts) == 0 {
		return nil, ErrNoPendingQuantity
	}
	return receipts, nil
}

// deriveStatus computes the order status from cumulative received
// quantities after applying this receipt.
func deriveStatus(order Order, receipts []lineReceipt) OrderStatus {
	booked := make(map[int64]float64, len(receipts))
	for _, rc := range receipts {
		booked[rc.line.ID] += rc.qty
	}
	for _, l := range order.Lines {
		if l.ReceivedQty+booked[l.ID] < l.OrderedQty {
			return OrderPartial
		}
	}
	return OrderReceived
}

func (s *Service) canWrite(ctx context.Context) error {
	if s.authz == nil {
		return nil
	}
	return s.authz.CanWrite(ctx, shared.DomainProcurement)
}

func (s *Service) acquireAll(ctx context.Context, productIDs []int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.AcquireAll(ctx, productIDs)
}

func (s *Service) notifyReceipt(ctx context.Context, orderID, workOrderID int64, productIDs []int64, at time.Time) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.NotifyReceiptPosted(ctx, ReceiptPostedEvent{
		OrderID:     orderID,
		WorkOrderID: workOrderID,
		ProductIDs:  productIDs,
		ReceivedAt:  at,
	})
	if err != nil {
		s.logger.Error("notify receipt posted", slog.Int64("order_id", orderID), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action, entity string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
