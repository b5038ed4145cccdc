package mrp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/atelier-erp/atelier-erp/internal/procurement"
	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/workorder"
)

// ErrNoShortages indicates a work order whose material plan is fully
// covered by issued quantities and on-hand stock.
var ErrNoShortages = errors.New("mrp: no shortages to convert")

// ShortagePort derives material shortfalls for a work order.
type ShortagePort interface {
	Shortages(ctx context.Context, workOrderID int64) ([]workorder.Shortage, error)
}

// RequisitionPort creates draft purchase requisitions.
type RequisitionPort interface {
	CreateRequisition(ctx context.Context, input procurement.CreateRequisitionInput) (procurement.Requisition, error)
}

// Service turns work-order shortages into draft purchase requisitions. It
// reads the ledger only through the shortage derivation and never writes
// stock itself.
type Service struct {
	shortages    ShortagePort
	requisitions RequisitionPort
	authz        shared.Authorizer
	logger       *slog.Logger
}

// NewService builds the MRP service.
func NewService(shortages ShortagePort, requisitions RequisitionPort, authz shared.Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{shortages: shortages, requisitions: requisitions, authz: authz, logger: logger}
}

// CreateRequisitionFromShortages derives the work order's shortfalls, groups
// them by product, and creates one DRAFT requisition covering them. Price
// estimates are caller-supplied per product; unknown products default to 0.
func (s *Service) CreateRequisitionFromShortages(ctx context.Context, workOrderID int64, estimates map[int64]float64, actorID int64) (procurement.Requisition, error) {
	if s.authz != nil {
		if err := s.authz.CanWrite(ctx, shared.DomainProcurement); err != nil {
			return procurement.Requisition{}, err
		}
	}
	shortages, err := s.shortages.Shortages(ctx, workOrderID)
	if err != nil {
		return procurement.Requisition{}, err
	}
	if len(shortages) == 0 {
		return procurement.Requisition{}, ErrNoShortages
	}

	byProduct := make(map[int64]float64, len(shortages))
	for _, sh := range shortages {
		byProduct[sh.ProductID] += sh.Shortfall
	}
	productIDs := make([]int64, 0, len(byProduct))
	for id := range byProduct {
		productIDs = append(productIDs, id)
	}
	sort.Slice(productIDs, func(i, j int) bool { return productIDs[i] < productIDs[j] })

	input := procurement.CreateRequisitionInput{
		Notes:   fmt.Sprintf("shortages of work order %d", workOrderID),
		ActorID: actorID,
	}
	for _, id := range productIDs {
		input.Lines = append(input.Lines, procurement.CreateRequisitionLine{
			ProductID: id,
			Qty:       byProduct[id],
			EstPrice:  estimates[id],
		})
	}

	req, err := s.requisitions.CreateRequisition(ctx, input)
	if err != nil {
		return procurement.Requisition{}, err
	}
	s.logger.Info("requisition synthesized from shortages",
		slog.Int64("work_order_id", workOrderID),
		slog.Int64("requisition_id", req.ID),
		slog.Int("lines", len(req.Lines)))
	return req, nil
}
