package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

type memoryRepo struct {
	movements []Movement
	balances  map[int64]Balance
	nextID    int64

	// failUpsertFor simulates a storage failure between the movement append
	// and the balance update for the given product.
	failUpsertFor int64
}

type memoryTx struct {
	repo      *memoryRepo
	movements []Movement
	balances  map[int64]Balance
	nextID    int64
}

var errInjected = errors.New("injected storage failure")

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{balances: make(map[int64]Balance)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{
		repo:      r,
		movements: append([]Movement(nil), r.movements...),
		balances:  make(map[int64]Balance, len(r.balances)),
		nextID:    r.nextID,
	}
	for k, v := range r.balances {
		tx.balances[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.movements = tx.movements
	r.balances = tx.balances
	r.nextID = tx.nextID
	return nil
}

func signedQty(m Movement) float64 {
	if m.Kind.Inbound() {
		return m.Qty
	}
	return -m.Qty
}

func (r *memoryRepo) OnHand(ctx context.Context, productID int64, asOf time.Time) (float64, error) {
	var sum float64
	for _, m := range r.movements {
		if m.ProductID != productID {
			continue
		}
		if !asOf.IsZero() && m.PostedAt.After(asOf) {
			continue
		}
		sum += signedQty(m)
	}
	return sum, nil
}

func (r *memoryRepo) GetCard(ctx context.Context, filter CardFilter) ([]CardEntry, error) {
	entries := []CardEntry{}
	var balance float64
	for _, m := range r.movements {
		if m.ProductID != filter.ProductID {
			continue
		}
		balance += signedQty(m)
		e := CardEntry{Kind: m.Kind, PostedAt: m.PostedAt, BalanceQty: balance, UnitCost: m.UnitCost, Note: m.Note}
		if m.Kind.Inbound() {
			e.QtyIn = m.Qty
		} else {
			e.QtyOut = m.Qty
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *memoryRepo) ListValuation(ctx context.Context) ([]ValuationRow, error) {
	rows := []ValuationRow{}
	for id, bal := range r.balances {
		rows = append(rows, ValuationRow{ProductID: id, Qty: bal.Qty, AvgCost: bal.AvgCost, Value: bal.Qty * bal.AvgCost})
	}
	return rows, nil
}

func (tx *memoryTx) LockBalance(ctx context.Context, productID int64) (Balance, error) {
	if bal, ok := tx.balances[productID]; ok {
		return bal, nil
	}
	return Balance{ProductID: productID}, ErrBalanceNotFound
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, balance Balance) error {
	if tx.repo.failUpsertFor != 0 && balance.ProductID == tx.repo.failUpsertFor {
		return errInjected
	}
	tx.balances[balance.ProductID] = balance
	return nil
}

func (tx *memoryTx) SumOnHand(ctx context.Context, productID int64) (float64, error) {
	var sum float64
	for _, m := range tx.movements {
		if m.ProductID == productID {
			sum += signedQty(m)
		}
	}
	return sum, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	tx.nextID++
	m.ID = tx.nextID
	tx.movements = append(tx.movements, m)
	return m.ID, nil
}

func newTestService(repo *memoryRepo) *Service {
	return NewService(repo, nil, nil, shared.AllowAll{}, nil, ServiceConfig{})
}

func receipt(productID int64, qty, cost float64) IncomingInput {
	return IncomingInput{ProductID: productID, Kind: KindPurchaseReceipt, Qty: qty, UnitCost: cost}
}

func TestMovingAverageFormula(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	p, err := svc.PostIncoming(ctx, receipt(1, 4, 100))
	require.NoError(t, err)
	require.InDelta(t, 4, p.OnHand, 1e-9)
	require.InDelta(t, 100, p.AvgCost, 1e-9)

	p, err = svc.PostIncoming(ctx, receipt(1, 6, 100))
	require.NoError(t, err)
	require.InDelta(t, 10, p.OnHand, 1e-9)
	require.InDelta(t, 100, p.AvgCost, 1e-9)

	p, err = svc.PostIncoming(ctx, receipt(1, 10, 150))
	require.NoError(t, err)
	require.InDelta(t, 20, p.OnHand, 1e-9)
	require.InDelta(t, 125, p.AvgCost, 1e-9)
}

func TestLedgerStockIdentity(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostIncoming(ctx, receipt(1, 12, 50))
	require.NoError(t, err)
	_, err = svc.PostOutgoing(ctx, OutgoingInput{ProductID: 1, Kind: KindWorkOrderIssue, Qty: 5})
	require.NoError(t, err)
	_, err = svc.PostIncoming(ctx, IncomingInput{ProductID: 1, Kind: KindWorkOrderOutput, Qty: 2, UnitCost: 70})
	require.NoError(t, err)
	_, err = svc.PostOutgoing(ctx, OutgoingInput{ProductID: 1, Kind: KindAdjustmentOut, Qty: 1})
	require.NoError(t, err)

	onHand, err := svc.OnHand(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.InDelta(t, 12-5+2-1, onHand, 1e-9)

	var manual float64
	for _, m := range repo.movements {
		manual += signedQty(m)
	}
	require.InDelta(t, manual, onHand, 1e-9)
	require.InDelta(t, onHand, repo.balances[1].Qty, 1e-9)
}

func TestOutgoingUsesAverageWithoutChangingIt(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostIncoming(ctx, receipt(1, 10, 100))
	require.NoError(t, err)
	_, err = svc.PostIncoming(ctx, receipt(1, 10, 150))
	require.NoError(t, err)

	p, err := svc.PostOutgoing(ctx, OutgoingInput{ProductID: 1, Kind: KindWorkOrderIssue, Qty: 8})
	require.NoError(t, err)
	require.InDelta(t, 125, p.UnitCost, 1e-9)
	require.InDelta(t, 125, p.AvgCost, 1e-9)
	require.InDelta(t, 12, p.OnHand, 1e-9)
}

func TestZeroDenominatorFallsBackToUnitPrice(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	// drift the product negative first
	p, err := svc.PostOutgoing(ctx, OutgoingInput{ProductID: 1, Kind: KindAdjustmentOut, Qty: 5})
	require.NoError(t, err)
	require.True(t, p.NegativeStock)
	require.InDelta(t, -5, p.OnHand, 1e-9)

	p, err = svc.PostIncoming(ctx, receipt(1, 5, 80))
	require.NoError(t, err)
	require.InDelta(t, 0, p.OnHand, 1e-9)
	require.InDelta(t, 80, p.AvgCost, 1e-9)
}

func TestNegativeStockIsAppliedNotClamped(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostOutgoing(ctx, OutgoingInput{ProductID: 1, Kind: KindWorkOrderIssue, Qty: 3})
	require.NoError(t, err)

	// stockBefore = -3, receiving 10 @ 200: denom 7, formula applied as-is
	p, err := svc.PostIncoming(ctx, receipt(1, 10, 200))
	require.NoError(t, err)
	require.True(t, p.NegativeStock)
	require.InDelta(t, 7, p.OnHand, 1e-9)
	require.InDelta(t, (-3*0+10*200)/7.0, p.AvgCost, 1e-9)
}

func TestFailedAppendRollsBackEverything(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostIncoming(ctx, receipt(1, 10, 100))
	require.NoError(t, err)

	repo.failUpsertFor = 1
	_, err = svc.PostIncoming(ctx, receipt(1, 5, 200))
	require.ErrorIs(t, err, errInjected)

	// neither the movement nor the balance update may be observable
	require.Len(t, repo.movements, 1)
	onHand, err := svc.OnHand(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.InDelta(t, 10, onHand, 1e-9)
	require.InDelta(t, 100, repo.balances[1].AvgCost, 1e-9)
}

func TestBulkAdjustChunksIndependently(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, shared.AllowAll{}, nil, ServiceConfig{BatchChunk: 2})
	ctx := context.Background()

	repo.failUpsertFor = 9
	postings, err := svc.BulkAdjust(ctx, []AdjustmentInput{
		{ProductID: 1, Qty: 5, UnitCost: 10},
		{ProductID: 2, Qty: 5, UnitCost: 10},
		{ProductID: 9, Qty: 5, UnitCost: 10},
	})
	require.ErrorIs(t, err, errInjected)
	require.Len(t, postings, 2)

	// the first chunk committed, the failing chunk left nothing behind
	require.Len(t, repo.movements, 2)
	_, ok := repo.balances[9]
	require.False(t, ok)
}

func TestReadOnlyDerivationsAreIdempotent(t *testing.T) {
	repo := newMemoryRepo()
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.PostIncoming(ctx, receipt(1, 4, 25))
	require.NoError(t, err)
	_, err = svc.PostOutgoing(ctx, OutgoingInput{ProductID: 1, Kind: KindAdjustmentOut, Qty: 1})
	require.NoError(t, err)

	first, err := svc.OnHand(ctx, 1, time.Time{})
	require.NoError(t, err)
	second, err := svc.OnHand(ctx, 1, time.Time{})
	require.NoError(t, err)
	require.Equal(t, first, second)

	card1, err := svc.StockCard(ctx, CardFilter{ProductID: 1})
	require.NoError(t, err)
	card2, err := svc.StockCard(ctx, CardFilter{ProductID: 1})
	require.NoError(t, err)
	require.Equal(t, card1, card2)
}

func TestPostingValidation(t *testing.T) {
	svc := newTestService(newMemoryRepo())
	ctx := context.Background()

	_, err := svc.PostIncoming(ctx, receipt(1, 0, 10))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = svc.PostIncoming(ctx, receipt(1, 5, -1))
	require.ErrorIs(t, err, ErrInvalidUnitCost)

	_, err = svc.PostIncoming(ctx, IncomingInput{ProductID: 1, Kind: KindWorkOrderIssue, Qty: 5, UnitCost: 1})
	require.ErrorIs(t, err, ErrInvalidKind)

	_, err = svc.PostOutgoing(ctx, OutgoingInput{ProductID: 1, Kind: KindPurchaseReceipt, Qty: 5})
	require.ErrorIs(t, err, ErrInvalidKind)

	_, err = svc.PostIncoming(ctx, receipt(0, 5, 10))
	require.ErrorIs(t, err, ErrProductRequired)
}

type denyAll struct{}

func (denyAll) CanRead(ctx context.Context, domain string) error  { return shared.Denied(domain) }
func (denyAll) CanWrite(ctx context.Context, domain string) error { return shared.Denied(domain) }

func TestAdjustmentRequiresWritePermission(t *testing.T) {
	svc := NewService(newMemoryRepo(), nil, nil, denyAll{}, nil, ServiceConfig{})
	_, err := svc.PostAdjustment(context.Background(), AdjustmentInput{ProductID: 1, Qty: 5, UnitCost: 10})
	require.ErrorIs(t, err, shared.ErrForbidden)
}
