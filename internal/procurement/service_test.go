package procurement

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

type memStore struct {
	requisitions map[int64]Requisition
	orders       map[int64]Order
	movements    []ledger.Movement
	balances     map[int64]ledger.Balance
	nextID       int64

	// failOnProduct injects a movement-insert failure for the product,
	// simulating a mid-receipt storage error.
	failOnProduct int64
}

var errInjected = errors.New("injected storage failure")

func newMemStore() *memStore {
	return &memStore{
		requisitions: make(map[int64]Requisition),
		orders:       make(map[int64]Order),
		balances:     make(map[int64]ledger.Balance),
	}
}

type memTx struct {
	store        *memStore
	requisitions map[int64]Requisition
	orders       map[int64]Order
	movements    []ledger.Movement
	balances     map[int64]ledger.Balance
	nextID       int64
}

func (s *memStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memTx{
		store:        s,
		requisitions: make(map[int64]Requisition, len(s.requisitions)),
		orders:       make(map[int64]Order, len(s.orders)),
		movements:    append([]ledger.Movement(nil), s.movements...),
		balances:     make(map[int64]ledger.Balance, len(s.balances)),
		nextID:       s.nextID,
	}
	for k, v := range s.requisitions {
		tx.requisitions[k] = cloneRequisition(v)
	}
	for k, v := range s.orders {
		tx.orders[k] = cloneOrder(v)
	}
	for k, v := range s.balances {
		tx.balances[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.requisitions = tx.requisitions
	s.orders = tx.orders
	s.movements = tx.movements
	s.balances = tx.balances
	s.nextID = tx.nextID
	return nil
}

func cloneRequisition(r Requisition) Requisition {
	r.Lines = append([]RequisitionLine(nil), r.Lines...)
	return r
}

func cloneOrder(o Order) Order {
	o.Lines = append([]OrderLine(nil), o.Lines...)
	return o
}

func (s *memStore) GetRequisition(ctx context.Context, id int64) (Requisition, error) {
	if r, ok := s.requisitions[id]; ok {
		return cloneRequisition(r), nil
	}
	return Requisition{}, ErrRequisitionNotFound
}

func (s *memStore) ListRequisitions(ctx context.Context, status RequisitionStatus) ([]Requisition, error) {
	out := []Requisition{}
	for _, r := range s.requisitions {
		if status == "" || r.Status == status {
			out = append(out, cloneRequisition(r))
		}
	}
	return out, nil
}

func (s *memStore) GetOrder(ctx context.Context, id int64) (Order, error) {
	if o, ok := s.orders[id]; ok {
		return cloneOrder(o), nil
	}
	return Order{}, ErrOrderNotFound
}

func (s *memStore) ListOrders(ctx context.Context, status OrderStatus) ([]Order, error) {
	out := []Order{}
	for _, o := range s.orders {
		if status == "" || o.Status == status {
			out = append(out, cloneOrder(o))
		}
	}
	return out, nil
}

func (t *memTx) InsertRequisition(ctx context.Context, r Requisition) (int64, error) {
	t.nextID++
	r.ID = t.nextID
	t.requisitions[r.ID] = r
	return r.ID, nil
}

func (t *memTx) InsertRequisitionLine(ctx context.Context, l RequisitionLine) (int64, error) {
	r, ok := t.requisitions[l.RequisitionID]
	if !ok {
		return 0, ErrRequisitionNotFound
	}
	t.nextID++
	l.ID = t.nextID
	r.Lines = append(r.Lines, l)
	t.requisitions[l.RequisitionID] = r
	return l.ID, nil
}

func (t *memTx) GetRequisitionForUpdate(ctx context.Context, id int64) (Requisition, error) {
	if r, ok := t.requisitions[id]; ok {
		return cloneRequisition(r), nil
	}
	return Requisition{}, ErrRequisitionNotFound
}

func (t *memTx) UpdateRequisitionStatus(ctx context.Context, id int64, status RequisitionStatus, decidedBy int64) error {
	r, ok := t.requisitions[id]
	if !ok {
		return ErrRequisitionNotFound
	}
	r.Status = status
	if decidedBy != 0 {
		r.DecidedBy = decidedBy
	}
	t.requisitions[id] = r
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o Order) (int64, error) {
	t.nextID++
	o.ID = t.nextID
	t.orders[o.ID] = o
	return o.ID, nil
}

func (t *memTx) InsertOrderLine(ctx context.Context, l OrderLine) (int64, error) {
	o, ok := t.orders[l.OrderID]
	if !ok {
		return 0, ErrOrderNotFound
	}
	t.nextID++
	l.ID = t.nextID
	o.Lines = append(o.Lines, l)
	t.orders[l.OrderID] = o
	return l.ID, nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	if o, ok := t.orders[id]; ok {
		return cloneOrder(o), nil
	}
	return Order{}, ErrOrderNotFound
}

func (t *memTx) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error {
	o, ok := t.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	t.orders[id] = o
	return nil
}

func (t *memTx) AddLineReceivedQty(ctx context.Context, lineID int64, qty float64) error {
	for id, o := range t.orders {
		for i := range o.Lines {
			if o.Lines[i].ID == lineID {
				o.Lines[i].ReceivedQty += qty
				t.orders[id] = o
				return nil
			}
		}
	}
	return ErrLineNotFound
}

func (t *memTx) NextNumber(ctx context.Context, prefix string) (string, error) {
	return fmt.Sprintf("%s-%d", prefix, t.nextID+1), nil
}

func (t *memTx) Ledger() ledger.TxRepository {
	return &memLedgerTx{tx: t}
}

type memLedgerTx struct {
	tx *memTx
}

func (l *memLedgerTx) LockBalance(ctx context.Context, productID int64) (ledger.Balance, error) {
	if b, ok := l.tx.balances[productID]; ok {
		return b, nil
	}
	return ledger.Balance{ProductID: productID}, ledger.ErrBalanceNotFound
}

func (l *memLedgerTx) UpsertBalance(ctx context.Context, balance ledger.Balance) error {
	l.tx.balances[balance.ProductID] = balance
	return nil
}

func (l *memLedgerTx) SumOnHand(ctx context.Context, productID int64) (float64, error) {
	var sum float64
	for _, m := range l.tx.movements {
		if m.ProductID != productID {
			continue
		}
		if m.Kind.Inbound() {
			sum += m.Qty
		} else {
			sum -= m.Qty
		}
	}
	return sum, nil
}

func (l *memLedgerTx) InsertMovement(ctx context.Context, m ledger.Movement) (int64, error) {
	if l.tx.store.failOnProduct != 0 && m.ProductID == l.tx.store.failOnProduct {
		return 0, errInjected
	}
	l.tx.nextID++
	m.ID = l.tx.nextID
	l.tx.movements = append(l.tx.movements, m)
	return m.ID, nil
}

type captureNotifier struct {
	events []ReceiptPostedEvent
}

func (n *captureNotifier) NotifyReceiptPosted(ctx context.Context, event ReceiptPostedEvent) error {
	n.events = append(n.events, event)
	return nil
}

type fakeIdem struct {
	seen    map[string]bool
	deleted []string
}

func newFakeIdem() *fakeIdem { return &fakeIdem{seen: make(map[string]bool)} }

func (f *fakeIdem) CheckAndInsert(ctx context.Context, key, module string) error {
	if f.seen[key] {
		return shared.ErrIdempotencyConflict
	}
	f.seen[key] = true
	return nil
}

func (f *fakeIdem) Delete(ctx context.Context, key string) error {
	delete(f.seen, key)
	f.deleted = append(f.deleted, key)
	return nil
}

// fakeCatalog knows a fixed set of products and suppliers.
type fakeCatalog struct {
	products  map[int64]bool
	suppliers map[int64]bool
}

func (f *fakeCatalog) ProductExists(ctx context.Context, id int64) (bool, error) {
	return f.products[id], nil
}

func (f *fakeCatalog) SupplierExists(ctx context.Context, id int64) (bool, error) {
	return f.suppliers[id], nil
}

func newTestService(store *memStore, notifier RollupNotifier, idem IdempotencyPort) *Service {
	costEngine := ledger.NewService(nil, nil, nil, shared.AllowAll{}, nil, ledger.ServiceConfig{})
	return NewService(store, costEngine, nil, idem, nil, nil, notifier, shared.AllowAll{}, nil)
}

func seedOrder(t *testing.T, svc *Service, qty, price float64) Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		SupplierID: 7,
		ActorID:    1,
		Lines:      []CreateOrderLine{{ProductID: 100, Qty: qty, UnitPrice: price}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkOrderSent(context.Background(), order.ID, 1))
	return order
}

func TestCreateRejectsUnknownCatalogReferences(t *testing.T) {
	store := newMemStore()
	costEngine := ledger.NewService(nil, nil, nil, shared.AllowAll{}, nil, ledger.ServiceConfig{})
	catalog := &fakeCatalog{products: map[int64]bool{100: true}, suppliers: map[int64]bool{7: true}}
	svc := NewService(store, costEngine, nil, nil, nil, catalog, nil, shared.AllowAll{}, nil)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 99,
		ActorID:    1,
		Lines:      []CreateOrderLine{{ProductID: 100, Qty: 1, UnitPrice: 10}},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 7,
		ActorID:    1,
		Lines:      []CreateOrderLine{{ProductID: 555, Qty: 1, UnitPrice: 10}},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateRequisition(ctx, CreateRequisitionInput{
		ActorID: 1,
		Lines:   []CreateRequisitionLine{{ProductID: 555, Qty: 1, EstPrice: 10}},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 7,
		ActorID:    1,
		Lines:      []CreateOrderLine{{ProductID: 100, Qty: 1, UnitPrice: 10}},
	})
	require.NoError(t, err)
}

func TestReceivePartialThenFull(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()
	order := seedOrder(t, svc, 10, 100)

	result, err := svc.Receive(ctx, ReceiptInput{
		OrderID: order.ID,
		Lines:   []LineReceipt{{LineID: order.Lines[0].ID, Qty: 4}},
		ActorID: 1,
	})
	require.NoError(t, err)
	require.Equal(t, OrderPartial, result.OrderStatus)
	require.Len(t, result.Lines, 1)
	require.InDelta(t, 4, result.Lines[0].Qty, 1e-9)
	require.InDelta(t, 100, result.Lines[0].NewAvgCost, 1e-9)
	require.InDelta(t, 4, result.Lines[0].NewOnHand, 1e-9)

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderPartial, got.Status)
	require.InDelta(t, 4, got.Lines[0].ReceivedQty, 1e-9)
	require.Len(t, store.movements, 1)
	require.Equal(t, ledger.KindPurchaseReceipt, store.movements[0].Kind)

	// empty Lines receives everything still pending
	result, err = svc.Receive(ctx, ReceiptInput{OrderID: order.ID, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, OrderReceived, result.OrderStatus)
	require.InDelta(t, 6, result.Lines[0].Qty, 1e-9)
	require.InDelta(t, 10, result.Lines[0].NewOnHand, 1e-9)

	got, err = svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderReceived, got.Status)
}

func TestOverReceiptRejected(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()
	order := seedOrder(t, svc, 10, 100)

	_, err := svc.Receive(ctx, ReceiptInput{
		OrderID: order.ID,
		Lines:   []LineReceipt{{LineID: order.Lines[0].ID, Qty: 11}},
		ActorID: 1,
	})
	require.ErrorIs(t, err, ErrExceedsPending)

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderSent, got.Status)
	require.InDelta(t, 0, got.Lines[0].ReceivedQty, 1e-9)
	require.Empty(t, store.movements)
}

func TestReceiveNothingRejected(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()
	order := seedOrder(t, svc, 5, 40)

	_, err := svc.Receive(ctx, ReceiptInput{OrderID: order.ID, ActorID: 1})
	require.NoError(t, err)

	// fully received: a second full receipt has nothing to book
	_, err = svc.Receive(ctx, ReceiptInput{OrderID: order.ID, ActorID: 1})
	require.ErrorIs(t, err, ErrInvalidState)

}

func TestReceiveRejectsZeroQuantityLine(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()
	order := seedOrder(t, svc, 10, 100)

	_, err := svc.Receive(ctx, ReceiptInput{
		OrderID: order.ID,
		Lines:   []LineReceipt{{LineID: order.Lines[0].ID, Qty: 0}},
		ActorID: 1,
	})
	require.ErrorIs(t, err, ErrValidation)

	// a zero-quantity line poisons the whole receipt, valid siblings or not
	_, err = svc.Receive(ctx, ReceiptInput{
		OrderID: order.ID,
		Lines: []LineReceipt{
			{LineID: order.Lines[0].ID, Qty: 0},
			{LineID: order.Lines[0].ID, Qty: 4},
		},
		ActorID: 1,
	})
	require.ErrorIs(t, err, ErrValidation)

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderSent, got.Status)
	require.InDelta(t, 0, got.Lines[0].ReceivedQty, 1e-9)
	require.Empty(t, store.movements)
}

func TestReceiveRequiresReceivableStatus(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, CreateOrderInput{
		SupplierID: 7,
		ActorID:    1,
		Lines:      []CreateOrderLine{{ProductID: 100, Qty: 5, UnitPrice: 10}},
	})
	require.NoError(t, err)

	_, err = svc.Receive(ctx, ReceiptInput{OrderID: order.ID, ActorID: 1})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestReceiptMovesAverageCost(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()

	first := seedOrder(t, svc, 10, 100)
	_, err := svc.Receive(ctx, ReceiptInput{OrderID: first.ID, ActorID: 1})
	require.NoError(t, err)

	second := seedOrder(t, svc, 10, 150)
	result, err := svc.Receive(ctx, ReceiptInput{OrderID: second.ID, ActorID: 1})
	require.NoError(t, err)
	require.InDelta(t, 125, result.Lines[0].NewAvgCost, 1e-9)
	require.InDelta(t, 20, result.Lines[0].NewOnHand, 1e-9)
}

func seedLinkedOrder(t *testing.T, svc *Service, workOrderID int64, qty, price float64) Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		SupplierID:        7,
		LinkedWorkOrderID: workOrderID,
		ActorID:           1,
		Lines:             []CreateOrderLine{{ProductID: 100, Qty: qty, UnitPrice: price}},
	})
	require.NoError(t, err)
	require.NoError(t, svc.MarkOrderSent(context.Background(), order.ID, 1))
	return order
}

func TestNotifierFiresOnlyWhenLinkedOrderFullyReceived(t *testing.T) {
	store := newMemStore()
	notifier := &captureNotifier{}
	svc := newTestService(store, notifier, nil)
	ctx := context.Background()
	order := seedLinkedOrder(t, svc, 42, 10, 100)

	// partial receipt: no roll-up yet
	_, err := svc.Receive(ctx, ReceiptInput{
		OrderID: order.ID,
		Lines:   []LineReceipt{{LineID: order.Lines[0].ID, Qty: 4}},
		ActorID: 1,
	})
	require.NoError(t, err)
	require.Empty(t, notifier.events)

	// remainder booked: exactly one roll-up carrying the linked work order
	_, err = svc.Receive(ctx, ReceiptInput{OrderID: order.ID, ActorID: 1})
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)
	require.Equal(t, order.ID, notifier.events[0].OrderID)
	require.Equal(t, int64(42), notifier.events[0].WorkOrderID)
	require.Equal(t, []int64{100}, notifier.events[0].ProductIDs)

	// orders without a linked work order never enqueue a roll-up
	plain := seedOrder(t, svc, 3, 50)
	_, err = svc.Receive(ctx, ReceiptInput{OrderID: plain.ID, ActorID: 1})
	require.NoError(t, err)
	require.Len(t, notifier.events, 1)
}

func TestNotifierSilentOnFailedReceipt(t *testing.T) {
	store := newMemStore()
	notifier := &captureNotifier{}
	svc := newTestService(store, notifier, nil)
	ctx := context.Background()
	order := seedLinkedOrder(t, svc, 42, 3, 50)

	store.failOnProduct = 100
	_, err := svc.Receive(ctx, ReceiptInput{OrderID: order.ID, ActorID: 1})
	require.ErrorIs(t, err, errInjected)
	require.Empty(t, notifier.events)
}

func TestFailedReceiptLeavesNoPartialState(t *testing.T) {
	store := newMemStore()
	idem := newFakeIdem()
	svc := newTestService(store, nil, idem)
	ctx := context.Background()
	order := seedOrder(t, svc, 10, 100)

	store.failOnProduct = 100
	_, err := svc.Receive(ctx, ReceiptInput{OrderID: order.ID, ActorID: 1, IdempotencyKey: "rcpt-1"})
	require.ErrorIs(t, err, errInjected)

	got, err := svc.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderSent, got.Status)
	require.InDelta(t, 0, got.Lines[0].ReceivedQty, 1e-9)
	require.Empty(t, store.movements)

	// the key is released so the caller may retry
	require.Equal(t, []string{"rcpt-1"}, idem.deleted)
	store.failOnProduct = 0
	_, err = svc.Receive(ctx, ReceiptInput{OrderID: order.ID, ActorID: 1, IdempotencyKey: "rcpt-1"})
	require.NoError(t, err)
}

func TestDuplicateReceiptKeyRejected(t *testing.T) {
	store := newMemStore()
	idem := newFakeIdem()
	svc := newTestService(store, nil, idem)
	ctx := context.Background()
	order := seedOrder(t, svc, 10, 100)

	_, err := svc.Receive(ctx, ReceiptInput{
		OrderID: order.ID,
		Lines:   []LineReceipt{{LineID: order.Lines[0].ID, Qty: 4}},
		ActorID: 1, IdempotencyKey: "rcpt-2",
	})
	require.NoError(t, err)

	_, err = svc.Receive(ctx, ReceiptInput{
		OrderID: order.ID,
		Lines:   []LineReceipt{{LineID: order.Lines[0].ID, Qty: 4}},
		ActorID: 1, IdempotencyKey: "rcpt-2",
	})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, store.movements, 1)
}

func TestRequisitionLifecycle(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()

	req, err := svc.CreateRequisition(ctx, CreateRequisitionInput{
		ActorID: 3,
		Lines:   []CreateRequisitionLine{{ProductID: 100, Qty: 8, EstPrice: 12.5}},
	})
	require.NoError(t, err)
	require.Equal(t, RequisitionDraft, req.Status)

	// cannot approve before submission
	require.ErrorIs(t, svc.ApproveRequisition(ctx, req.ID, 4), ErrInvalidState)

	require.NoError(t, svc.SubmitRequisition(ctx, req.ID, 3))
	require.NoError(t, svc.ApproveRequisition(ctx, req.ID, 4))

	got, err := svc.GetRequisition(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, RequisitionApproved, got.Status)
	require.Equal(t, int64(4), got.DecidedBy)

	order, err := svc.CreateOrderFromRequisition(ctx, req.ID, 7, 4)
	require.NoError(t, err)
	require.Equal(t, OrderDraft, order.Status)
	require.Equal(t, req.ID, order.RequisitionID)
	require.Len(t, order.Lines, 1)
	require.InDelta(t, 8, order.Lines[0].OrderedQty, 1e-9)
	require.InDelta(t, 12.5, order.Lines[0].UnitPrice, 1e-9)
}

func TestOrderFromUnapprovedRequisitionRejected(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store, nil, nil)
	ctx := context.Background()

	req, err := svc.CreateRequisition(ctx, CreateRequisitionInput{
		ActorID: 3,
		Lines:   []CreateRequisitionLine{{ProductID: 100, Qty: 8, EstPrice: 12.5}},
	})
	require.NoError(t, err)

	_, err = svc.CreateOrderFromRequisition(ctx, req.ID, 7, 4)
	require.ErrorIs(t, err, ErrInvalidState)
}
