package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	OnHand(ctx context.Context, productID int64, asOf time.Time) (float64, error)
	GetCard(ctx context.Context, filter CardFilter) ([]CardEntry, error)
	ListValuation(ctx context.Context) ([]ValuationRow, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// LockerPort serializes postings per product across processes.
type LockerPort interface {
	AcquireAll(ctx context.Context, productIDs []int64) (func(), error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	// BatchChunk bounds how many adjustments share one transaction during
	// bulk posting. Each chunk is atomic on its own.
	BatchChunk int
}

// Service owns the movement ledger and the moving weighted-average cost
// engine. It is the only writer of movements; the purchase and work-order
// modules post through it inside their own transactions.
type Service struct {
	repo      RepositoryPort
	audit     AuditPort
	locker    LockerPort
	authz     shared.Authorizer
	logger    *slog.Logger
	chunkSize int
	valGroup  singleflight.Group
}

// NewService builds the ledger service.
func NewService(repo RepositoryPort, audit AuditPort, locker LockerPort, authz shared.Authorizer, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	chunk := cfg.BatchChunk
	if chunk <= 0 {
		chunk = 200
	}
	return &Service{repo: repo, audit: audit, locker: locker, authz: authz, logger: logger, chunkSize: chunk}
}

// PostIncoming posts an inbound movement through the cost engine in its own
// transaction.
func (s *Service) PostIncoming(ctx context.Context, input IncomingInput) (Posting, error) {
	if err := validateIncoming(input); err != nil {
		return Posting{}, err
	}
	release, err := s.acquire(ctx, input.ProductID)
	if err != nil {
		return Posting{}, err
	}
	defer release()

	var posting Posting
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posting, err = s.PostIncomingTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Posting{}, err
	}
	s.recordAudit(ctx, input.ActorID, posting)
	return posting, nil
}

// PostIncomingTx applies an inbound movement inside the caller's
// transaction. The new average cost is computed from the ledger-derived
// stock and persisted with the movement, so the next call observes a
// consistent pair.
func (s *Service) PostIncomingTx(ctx context.Context, tx TxRepository, input IncomingInput) (Posting, error) {
	if err := validateIncoming(input); err != nil {
		return Posting{}, err
	}
	balance, err := s.lockBalance(ctx, tx, input.ProductID)
	if err != nil {
		return Posting{}, err
	}
	stockBefore, err := tx.SumOnHand(ctx, input.ProductID)
	if err != nil {
		return Posting{}, err
	}
	costBefore := balance.AvgCost

	// Moving weighted average. Negative stockBefore is applied as-is: it is
	// a data-quality signal, not a posting error.
	denom := stockBefore + input.Qty
	newCost := input.UnitCost
	if denom > 0 {
		newCost = (stockBefore*costBefore + input.Qty*input.UnitCost) / denom
	}

	now := time.Now().UTC()
	movement := Movement{
		ProductID: input.ProductID,
		Kind:      input.Kind,
		Qty:       input.Qty,
		UnitCost:  input.UnitCost,
		Note:      input.Note,
		RefModule: input.RefModule,
		RefID:     input.RefID,
		PostedAt:  now,
		CreatedBy: input.ActorID,
	}
	id, err := tx.InsertMovement(ctx, movement)
	if err != nil {
		return Posting{}, err
	}

	balance.Qty = stockBefore + input.Qty
	balance.AvgCost = newCost
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return Posting{}, err
	}

	posting := Posting{
		MovementID:    id,
		ProductID:     input.ProductID,
		Kind:          input.Kind,
		Qty:           input.Qty,
		UnitCost:      input.UnitCost,
		OnHand:        balance.Qty,
		AvgCost:       newCost,
		NegativeStock: stockBefore < 0,
		PostedAt:      now,
	}
	if posting.NegativeStock {
		s.logger.Warn("negative on-hand stock observed during posting",
			slog.Int64("product_id", input.ProductID),
			slog.Float64("stock_before", stockBefore),
			slog.String("kind", string(input.Kind)))
	}
	return posting, nil
}

// PostOutgoing posts an outbound movement in its own transaction.
func (s *Service) PostOutgoing(ctx context.Context, input OutgoingInput) (Posting, error) {
	if err := validateOutgoing(input); err != nil {
		return Posting{}, err
	}
	release, err := s.acquire(ctx, input.ProductID)
	if err != nil {
		return Posting{}, err
	}
	defer release()

	var posting Posting
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		posting, err = s.PostOutgoingTx(ctx, tx, input)
		return err
	})
	if err != nil {
		return Posting{}, err
	}
	s.recordAudit(ctx, input.ActorID, posting)
	return posting, nil
}

// PostOutgoingTx applies an outbound movement inside the caller's
// transaction, priced at the current average cost. Consumption never
// changes the average.
func (s *Service) PostOutgoingTx(ctx context.Context, tx TxRepository, input OutgoingInput) (Posting, error) {
	if err := validateOutgoing(input); err != nil {
		return Posting{}, err
	}
	balance, err := s.lockBalance(ctx, tx, input.ProductID)
	if err != nil {
		return Posting{}, err
	}
	stockBefore, err := tx.SumOnHand(ctx, input.ProductID)
	if err != nil {
		return Posting{}, err
	}

	now := time.Now().UTC()
	movement := Movement{
		ProductID: input.ProductID,
		Kind:      input.Kind,
		Qty:       input.Qty,
		UnitCost:  balance.AvgCost,
		Note:      input.Note,
		RefModule: input.RefModule,
		RefID:     input.RefID,
		PostedAt:  now,
		CreatedBy: input.ActorID,
	}
	id, err := tx.InsertMovement(ctx, movement)
	if err != nil {
		return Posting{}, err
	}

	balance.Qty = stockBefore - input.Qty
	if err := tx.UpsertBalance(ctx, balance); err != nil {
		return Posting{}, err
	}

	posting := Posting{
		MovementID:    id,
		ProductID:     input.ProductID,
		Kind:          input.Kind,
		Qty:           input.Qty,
		UnitCost:      movement.UnitCost,
		OnHand:        balance.Qty,
		AvgCost:       balance.AvgCost,
		NegativeStock: balance.Qty < 0,
		PostedAt:      now,
	}
	if posting.NegativeStock {
		s.logger.Warn("negative on-hand stock observed during posting",
			slog.Int64("product_id", input.ProductID),
			slog.Float64("on_hand", balance.Qty),
			slog.String("kind", string(input.Kind)))
	}
	return posting, nil
}

// PostAdjustment posts a manual correction, signed quantity deciding the
// direction.
func (s *Service) PostAdjustment(ctx context.Context, input AdjustmentInput) (Posting, error) {
	if s.authz != nil {
		if err := s.authz.CanWrite(ctx, shared.DomainLedger); err != nil {
			return Posting{}, err
		}
	}
	if input.Qty > 0 {
		return s.PostIncoming(ctx, IncomingInput{
			ProductID: input.ProductID,
			Kind:      KindAdjustmentIn,
			Qty:       input.Qty,
			UnitCost:  input.UnitCost,
			Note:      input.Note,
			ActorID:   input.ActorID,
			RefModule: "LEDGER",
		})
	}
	return s.PostOutgoing(ctx, OutgoingInput{
		ProductID: input.ProductID,
		Kind:      KindAdjustmentOut,
		Qty:       -input.Qty,
		Note:      input.Note,
		ActorID:   input.ActorID,
		RefModule: "LEDGER",
	})
}

// BulkAdjust posts many corrections chunked into bounded sub-transactions.
// Each chunk is atomic; a failed chunk leaves earlier chunks committed and
// the failing chunk fully rolled back.
func (s *Service) BulkAdjust(ctx context.Context, inputs []AdjustmentInput) ([]Posting, error) {
	if s.authz != nil {
		if err := s.authz.CanWrite(ctx, shared.DomainLedger); err != nil {
			return nil, err
		}
	}
	if len(inputs) == 0 {
		return nil, ErrInvalidQuantity
	}
	for _, in := range inputs {
		if in.ProductID == 0 {
			return nil, ErrProductRequired
		}
		if in.Qty == 0 {
			return nil, ErrInvalidQuantity
		}
		if in.Qty > 0 && in.UnitCost < 0 {
			return nil, ErrInvalidUnitCost
		}
	}
	postings := make([]Posting, 0, len(inputs))
	for start := 0; start < len(inputs); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(inputs) {
			end = len(inputs)
		}
		chunk := inputs[start:end]
		ids := make([]int64, 0, len(chunk))
		for _, in := range chunk {
			ids = append(ids, in.ProductID)
		}
		release, err := s.acquireAll(ctx, ids)
		if err != nil {
			return postings, err
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			for _, in := range chunk {
				var p Posting
				var postErr error
				if in.Qty > 0 {
					p, postErr = s.PostIncomingTx(ctx, tx, IncomingInput{
						ProductID: in.ProductID, Kind: KindAdjustmentIn, Qty: in.Qty,
						UnitCost: in.UnitCost, Note: in.Note, ActorID: in.ActorID, RefModule: "LEDGER",
					})
				} else {
					p, postErr = s.PostOutgoingTx(ctx, tx, OutgoingInput{
						ProductID: in.ProductID, Kind: KindAdjustmentOut, Qty: -in.Qty,
						Note: in.Note, ActorID: in.ActorID, RefModule: "LEDGER",
					})
				}
				if postErr != nil {
					return postErr
				}
				postings = append(postings, p)
			}
			return nil
		})
		release()
		if err != nil {
			// drop postings from the failed chunk, they were rolled back
			return postings[:start], err
		}
	}
	return postings, nil
}

// OnHand returns the signed running sum of movements for a product,
// optionally bounded in time. This is the sole source of truth for stock.
func (s *Service) OnHand(ctx context.Context, productID int64, asOf time.Time) (float64, error) {
	if productID == 0 {
		return 0, ErrProductRequired
	}
	return s.repo.OnHand(ctx, productID, asOf)
}

// StockCard lists movement history for a product with running balance.
func (s *Service) StockCard(ctx context.Context, filter CardFilter) ([]CardEntry, error) {
	if filter.ProductID == 0 {
		return nil, ErrProductRequired
	}
	return s.repo.GetCard(ctx, filter)
}

// Valuation reports qty and value per product at current average cost.
// Concurrent callers share one underlying query.
func (s *Service) Valuation(ctx context.Context) ([]ValuationRow, error) {
	rows, err, _ := s.valGroup.Do("valuation", func() (any, error) {
		return s.repo.ListValuation(ctx)
	})
	if err != nil {
		return nil, err
	}
	return rows.([]ValuationRow), nil
}

func (s *Service) lockBalance(ctx context.Context, tx TxRepository, productID int64) (Balance, error) {
	balance, err := tx.LockBalance(ctx, productID)
	if err != nil {
		if errors.Is(err, ErrBalanceNotFound) {
			return Balance{ProductID: productID}, nil
		}
		return Balance{}, err
	}
	return balance, nil
}

func (s *Service) acquire(ctx context.Context, productID int64) (func(), error) {
	return s.acquireAll(ctx, []int64{productID})
}

func (s *Service) acquireAll(ctx context.Context, productIDs []int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	return s.locker.AcquireAll(ctx, productIDs)
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, posting Posting) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   fmt.Sprintf("ledger:%s", posting.Kind),
		Entity:   "stock_movement",
		EntityID: fmt.Sprintf("%d", posting.MovementID),
		Meta: map[string]any{
			"product_id": posting.ProductID,
			"qty":        posting.Qty,
			"unit_cost":  posting.UnitCost,
			"on_hand":    posting.OnHand,
		},
	})
}

func validateIncoming(input IncomingInput) error {
	if input.ProductID == 0 {
		return ErrProductRequired
	}
	if !input.Kind.Valid() || !input.Kind.Inbound() {
		return ErrInvalidKind
	}
	if input.Qty <= 0 {
		return ErrInvalidQuantity
	}
	if input.UnitCost < 0 {
		return ErrInvalidUnitCost
	}
	return nil
}

func validateOutgoing(input OutgoingInput) error {
	if input.ProductID == 0 {
		return ErrProductRequired
	}
	if !input.Kind.Valid() || input.Kind.Inbound() {
		return ErrInvalidKind
	}
	if input.Qty <= 0 {
		return ErrInvalidQuantity
	}
	return nil
}
