package workorder

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
	Get(ctx context.Context, id int64) (WorkOrder, error)
	List(ctx context.Context, status Status) ([]WorkOrder, error)
}

// LedgerPort is the cost-engine entry point for in-transaction postings and
// on-hand reads.
type LedgerPort interface {
	PostIncomingTx(ctx context.Context, tx ledger.TxRepository, input ledger.IncomingInput) (ledger.Posting, error)
	PostOutgoingTx(ctx context.Context, tx ledger.TxRepository, input ledger.OutgoingInput) (ledger.Posting, error)
	OnHand(ctx context.Context, productID int64, asOf time.Time) (float64, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards against double-posting of resubmitted issues.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// LockerPort serializes postings per product across processes.
type LockerPort interface {
	AcquireAll(ctx context.Context, productIDs []int64) (func(), error)
}

// CatalogPort validates product references on new work orders. A nil
// catalog skips the checks and leaves them to the schema.
type CatalogPort interface {
	ProductExists(ctx context.Context, id int64) (bool, error)
}

// Service owns the work-order lifecycle: material issue at current average
// cost, output booking, and shortage derivation.
type Service struct {
	repo    RepositoryPort
	ledger  LedgerPort
	audit   AuditPort
	idem    IdempotencyPort
	locker  LockerPort
	catalog CatalogPort
	authz   shared.Authorizer
	logger  *slog.Logger
}

// NewService builds the work-order service.
func NewService(repo RepositoryPort, ledgerSvc LedgerPort, audit AuditPort, idem IdempotencyPort, locker LockerPort, catalog CatalogPort, authz shared.Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledgerSvc, audit: audit, idem: idem, locker: locker, catalog: catalog, authz: authz, logger: logger}
}

// Create records a new work order in DRAFT.
func (s *Service) Create(ctx context.Context, input CreateInput) (WorkOrder, error) {
	if err := s.canWrite(ctx); err != nil {
		return WorkOrder{}, err
	}
	if len(input.Materials) == 0 {
		return WorkOrder{}, fmt.Errorf("%w: at least one material line required", ErrValidation)
	}
	for _, l := range input.Materials {
		if l.ProductID == 0 || l.Qty <= 0 {
			return WorkOrder{}, fmt.Errorf("%w: material line needs product and positive qty", ErrValidation)
		}
	}
	for _, l := range input.Pieces {
		if l.ProductID == 0 || l.Qty <= 0 {
			return WorkOrder{}, fmt.Errorf("%w: piece line needs product and positive qty", ErrValidation)
		}
	}
	if s.catalog != nil {
		seen := make(map[int64]bool, len(input.Materials)+len(input.Pieces))
		for _, l := range input.Materials {
			seen[l.ProductID] = true
		}
		for _, l := range input.Pieces {
			seen[l.ProductID] = true
		}
		for id := range seen {
			ok, err := s.catalog.ProductExists(ctx, id)
			if err != nil {
				return WorkOrder{}, err
			}
			if !ok {
				return WorkOrder{}, fmt.Errorf("%w: unknown product %d", ErrValidation, id)
			}
		}
	}
	var created WorkOrder
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		code, err := tx.NextCode(ctx)
		if err != nil {
			return err
		}
		created = WorkOrder{Code: code, Status: StatusDraft, Description: input.Description, CreatedBy: input.ActorID}
		created.ID, err = tx.InsertWorkOrder(ctx, created)
		if err != nil {
			return err
		}
		for _, l := range input.Materials {
			line := MaterialLine{WorkOrderID: created.ID, ProductID: l.ProductID, PlannedQty: l.Qty}
			if line.ID, err = tx.InsertMaterialLine(ctx, line); err != nil {
				return err
			}
			created.Materials = append(created.Materials, line)
		}
		for _, l := range input.Pieces {
			line := PieceLine{WorkOrderID: created.ID, ProductID: l.ProductID, PlannedQty: l.Qty}
			if line.ID, err = tx.InsertPieceLine(ctx, line); err != nil {
				return err
			}
			created.Pieces = append(created.Pieces, line)
		}
		return nil
	})
	if err != nil {
		return WorkOrder{}, err
	}
	s.recordAudit(ctx, input.ActorID, "workorder:created", created.ID, map[string]any{"code": created.Code})
	return created, nil
}

// Release moves a DRAFT work order to OPEN.
func (s *Service) Release(ctx context.Context, id, actorID int64) error {
	return s.transition(ctx, id, actorID, StatusOpen, "workorder:released", StatusDraft)
}

// Complete moves an IN_PROGRESS work order to DONE.
func (s *Service) Complete(ctx context.Context, id, actorID int64) error {
	return s.transition(ctx, id, actorID, StatusDone, "workorder:completed", StatusInProgress)
}

// Cancel cancels a work order before any material has been issued.
func (s *Service) Cancel(ctx context.Context, id, actorID int64) error {
	return s.transition(ctx, id, actorID, StatusCancelled, "workorder:cancelled", StatusDraft, StatusOpen)
}

func (s *Service) transition(ctx context.Context, id, actorID int64, to Status, action string, from ...Status) error {
	if err := s.canWrite(ctx); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		wo, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		allowed := false
		for _, st := range from {
			if wo.Status == st {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: work order %s cannot move to %s", ErrInvalidState, wo.Status, to)
		}
		return tx.UpdateStatus(ctx, id, to)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, actorID, action, id, nil)
	return nil
}

// Get loads a work order with lines.
func (s *Service) Get(ctx context.Context, id int64) (WorkOrder, error) {
	return s.repo.Get(ctx, id)
}

// List lists work orders, optionally filtered by status.
func (s *Service) List(ctx context.Context, status Status) ([]WorkOrder, error) {
	return s.repo.List(ctx, status)
}

// Issue books materials against a work order. Each item becomes a
// WORKORDER_ISSUE movement priced at the product's current average cost;
// the first successful issue moves an OPEN order to IN_PROGRESS. All items
// are validated up front so a bad line leaves no partial effect.
func (s *Service) Issue(ctx context.Context, input IssueInput) (IssueResult, error) {
	if err := s.canWrite(ctx); err != nil {
		return IssueResult{}, err
	}
	if input.WorkOrderID == 0 {
		return IssueResult{}, fmt.Errorf("%w: work order required", ErrValidation)
	}
	if len(input.Items) == 0 {
		return IssueResult{}, fmt.Errorf("%w: at least one item required", ErrValidation)
	}
	for _, it := range input.Items {
		if it.Qty <= 0 {
			return IssueResult{}, fmt.Errorf("%w: issue quantity must be positive", ErrValidation)
		}
	}
	if input.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, input.IdempotencyKey, "workorder"); err != nil {
			return IssueResult{}, err
		}
	}

	var result IssueResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		wo, err := tx.GetForUpdate(ctx, input.WorkOrderID)
		if err != nil {
			return err
		}
		if wo.Status != StatusOpen && wo.Status != StatusInProgress {
			return fmt.Errorf("%w: work order %s is %s", ErrInvalidState, wo.Code, wo.Status)
		}

		byID := make(map[int64]MaterialLine, len(wo.Materials))
		for _, l := range wo.Materials {
			byID[l.ID] = l
		}
		// requested quantities accumulate per line within this call
		requested := make(map[int64]float64, len(input.Items))
		ids := make([]int64, 0, len(input.Items))
		for _, it := range input.Items {
			l, ok := byID[it.LineID]
			if !ok {
				return fmt.Errorf("%w: line %d", ErrLineNotFound, it.LineID)
			}
			requested[it.LineID] += it.Qty
			if requested[it.LineID] > l.Remaining() {
				return fmt.Errorf("%w: line %d remaining %.3f, requested %.3f", ErrExceedsPlanned, it.LineID, l.Remaining(), requested[it.LineID])
			}
			ids = append(ids, l.ProductID)
		}

		release, err := s.acquireAll(ctx, ids)
		if err != nil {
			return err
		}
		defer release()

		now := time.Now().UTC()
		result = IssueResult{WorkOrderID: wo.ID, IssuedAt: now}
		stock := tx.Ledger()
		for _, it := range input.Items {
			l := byID[it.LineID]
			posting, err := s.ledger.PostOutgoingTx(ctx, stock, ledger.OutgoingInput{
				ProductID: l.ProductID,
				Kind:      ledger.KindWorkOrderIssue,
				Qty:       it.Qty,
				Note:      input.Note,
				ActorID:   input.ActorID,
				RefModule: "WORKORDER",
				RefID:     wo.Code,
			})
			if err != nil {
				return err
			}
			if err := tx.AddIssuedQty(ctx, it.LineID, it.Qty); err != nil {
				return err
			}
			result.Lines = append(result.Lines, IssueLineResult{
				LineID:     it.LineID,
				ProductID:  l.ProductID,
				Qty:        it.Qty,
				UnitCost:   posting.UnitCost,
				NewOnHand:  posting.OnHand,
				MovementID: posting.MovementID,
			})
		}

		result.Status = wo.Status
		if wo.Status == StatusOpen {
			if err := tx.UpdateStatus(ctx, wo.ID, StatusInProgress); err != nil {
				return err
			}
			result.Status = StatusInProgress
		}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, input.IdempotencyKey, err)
		return IssueResult{}, err
	}

	s.recordAudit(ctx, input.ActorID, "workorder:materials_issued", input.WorkOrderID, map[string]any{"lines": len(result.Lines)})
	return result, nil
}

// RecordOutput books finished pieces back into stock. Only allowed while
// IN_PROGRESS; the unit cost is the caller's production cost estimate and
// flows through the cost engine like any inbound movement.
func (s *Service) RecordOutput(ctx context.Context, input OutputInput) (OutputResult, error) {
	if err := s.canWrite(ctx); err != nil {
		return OutputResult{}, err
	}
	if input.WorkOrderID == 0 || input.PieceID == 0 {
		return OutputResult{}, fmt.Errorf("%w: work order and piece required", ErrValidation)
	}
	if input.Qty <= 0 {
		return OutputResult{}, fmt.Errorf("%w: output quantity must be positive", ErrValidation)
	}
	if input.UnitCost < 0 {
		return OutputResult{}, fmt.Errorf("%w: unit cost must not be negative", ErrValidation)
	}
	if input.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, input.IdempotencyKey, "workorder"); err != nil {
			return OutputResult{}, err
		}
	}

	var result OutputResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		wo, err := tx.GetForUpdate(ctx, input.WorkOrderID)
		if err != nil {
			return err
		}
		if wo.Status != StatusInProgress {
			return fmt.Errorf("%w: work order %s is %s", ErrInvalidState, wo.Code, wo.Status)
		}
		var piece PieceLine
		found := false
		for _, p := range wo.Pieces {
			if p.ID == input.PieceID {
				piece = p
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: piece %d", ErrPieceNotFound, input.PieceID)
		}
		if input.Qty > piece.Remaining() {
			return fmt.Errorf("%w: piece %d remaining %.3f, requested %.3f", ErrExceedsOutput, piece.ID, piece.Remaining(), input.Qty)
		}

		release, err := s.acquireAll(ctx, []int64{piece.ProductID})
		if err != nil {
			return err
		}
		defer release()

		posting, err := s.ledger.PostIncomingTx(ctx, tx.Ledger(), ledger.IncomingInput{
			ProductID: piece.ProductID,
			Kind:      ledger.KindWorkOrderOutput,
			Qty:       input.Qty,
			UnitCost:  input.UnitCost,
			Note:      input.Note,
			ActorID:   input.ActorID,
			RefModule: "WORKORDER",
			RefID:     wo.Code,
		})
		if err != nil {
			return err
		}
		if err := tx.AddCompletedQty(ctx, piece.ID, input.Qty); err != nil {
			return err
		}
		result = OutputResult{
			WorkOrderID: wo.ID,
			PieceID:     piece.ID,
			ProductID:   piece.ProductID,
			Qty:         input.Qty,
			UnitCost:    input.UnitCost,
			NewAvgCost:  posting.AvgCost,
			NewOnHand:   posting.OnHand,
			MovementID:  posting.MovementID,
			Status:      wo.Status,
		}
		return nil
	})
	if err != nil {
		s.releaseKey(ctx, input.IdempotencyKey, err)
		return OutputResult{}, err
	}

	s.recordAudit(ctx, input.ActorID, "workorder:output_recorded", input.WorkOrderID, map[string]any{
		"piece_id": result.PieceID,
		"qty":      result.Qty,
	})
	return result, nil
}

// Shortages derives, per material line, the planned quantity not covered by
// what was already issued plus what is on hand. Lines without a shortfall
// are omitted.
func (s *Service) Shortages(ctx context.Context, workOrderID int64) ([]Shortage, error) {
	wo, err := s.repo.Get(ctx, workOrderID)
	if err != nil {
		return nil, err
	}
	shortages := []Shortage{}
	for _, l := range wo.Materials {
		onHand, err := s.ledger.OnHand(ctx, l.ProductID, time.Time{})
		if err != nil {
			return nil, err
		}
		shortfall := l.PlannedQty - l.IssuedQty - onHand
		if shortfall <= 0 {
			continue
		}
		shortages = append(shortages, Shortage{
			LineID:    l.ID,
			ProductID: l.ProductID,
			Planned:   l.PlannedQty,
			Issued:    l.IssuedQty,
			OnHand:    onHand,
			Shortfall: shortfall,
		})
	}
	return shortages, nil
}

func (s *Service) canWrite(ctx context.Context) error {
	if s.authz == nil {
		return nil
	}
	return s.authz.CanWrite(ctx, shared.DomainWorkOrders)
}

func (s *Service) acquireAll(ctx context.Context, productIDs []int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.AcquireAll(ctx, productIDs)
}

func (s *Service) releaseKey(ctx context.Context, key string, cause error) {
	if key == "" || s.idem == nil || errors.Is(cause, shared.ErrIdempotencyConflict) {
		return
	}
	if err := s.idem.Delete(ctx, key); err != nil {
		s.logger.Error("release idempotency key", slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, entityID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "work_order",
		EntityID: fmt.Sprintf("%d", entityID),
		Meta:     meta,
	})
}
