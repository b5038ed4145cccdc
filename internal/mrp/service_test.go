package mrp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atelier-erp/atelier-erp/internal/procurement"
	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/workorder"
)

type fakeShortages struct {
	shortages []workorder.Shortage
	err       error
}

func (f *fakeShortages) Shortages(ctx context.Context, workOrderID int64) ([]workorder.Shortage, error) {
	return f.shortages, f.err
}

type fakeRequisitions struct {
	created *procurement.CreateRequisitionInput
}

func (f *fakeRequisitions) CreateRequisition(ctx context.Context, input procurement.CreateRequisitionInput) (procurement.Requisition, error) {
	f.created = &input
	req := procurement.Requisition{ID: 42, Number: "PR-1", Status: procurement.RequisitionDraft, Notes: input.Notes}
	for i, l := range input.Lines {
		req.Lines = append(req.Lines, procurement.RequisitionLine{
			ID: int64(i + 1), RequisitionID: 42, ProductID: l.ProductID, Qty: l.Qty, EstPrice: l.EstPrice,
		})
	}
	return req, nil
}

func TestSynthesizeGroupsByProduct(t *testing.T) {
	shortages := &fakeShortages{shortages: []workorder.Shortage{
		{LineID: 1, ProductID: 100, Shortfall: 3},
		{LineID: 2, ProductID: 200, Shortfall: 5},
		{LineID: 3, ProductID: 100, Shortfall: 2},
	}}
	reqs := &fakeRequisitions{}
	svc := NewService(shortages, reqs, shared.AllowAll{}, nil)

	created, err := svc.CreateRequisitionFromShortages(context.Background(), 9, map[int64]float64{100: 12.5}, 1)
	require.NoError(t, err)
	require.Equal(t, procurement.RequisitionDraft, created.Status)
	require.Len(t, created.Lines, 2)

	// shortfalls of the same product are summed, lines sorted by product
	require.Equal(t, int64(100), created.Lines[0].ProductID)
	require.InDelta(t, 5, created.Lines[0].Qty, 1e-9)
	require.InDelta(t, 12.5, created.Lines[0].EstPrice, 1e-9)
	require.Equal(t, int64(200), created.Lines[1].ProductID)
	require.InDelta(t, 5, created.Lines[1].Qty, 1e-9)
	require.InDelta(t, 0, created.Lines[1].EstPrice, 1e-9)
}

func TestSynthesizeNothingToConvert(t *testing.T) {
	svc := NewService(&fakeShortages{}, &fakeRequisitions{}, shared.AllowAll{}, nil)
	_, err := svc.CreateRequisitionFromShortages(context.Background(), 9, nil, 1)
	require.ErrorIs(t, err, ErrNoShortages)
}

func TestSynthesizeUnknownWorkOrder(t *testing.T) {
	svc := NewService(&fakeShortages{err: workorder.ErrNotFound}, &fakeRequisitions{}, shared.AllowAll{}, nil)
	_, err := svc.CreateRequisitionFromShortages(context.Background(), 9, nil, 1)
	require.ErrorIs(t, err, workorder.ErrNotFound)
}
