package procurement

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Handler wires HTTP endpoints for the procurement module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the procurement handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers procurement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/requisitions", func(r chi.Router) {
		r.Get("/", h.handleListRequisitions)
		r.Post("/", h.handleCreateRequisition)
		r.Get("/{id}", h.handleGetRequisition)
		r.Post("/{id}/submit", h.transitionRequisition(h.service.SubmitRequisition))
		r.Post("/{id}/approve", h.transitionRequisition(h.service.ApproveRequisition))
		r.Post("/{id}/reject", h.transitionRequisition(h.service.RejectRequisition))
		r.Post("/{id}/cancel", h.transitionRequisition(h.service.CancelRequisition))
	})
	r.Route("/orders", func(r chi.Router) {
		r.Get("/", h.handleListOrders)
		r.Post("/", h.handleCreateOrder)
		r.Post("/from-requisition", h.handleOrderFromRequisition)
		r.Get("/{id}", h.handleGetOrder)
		r.Post("/{id}/send", h.transitionOrder(h.service.MarkOrderSent))
		r.Post("/{id}/confirm", h.transitionOrder(h.service.ConfirmOrder))
		r.Post("/{id}/cancel", h.transitionOrder(h.service.CancelOrder))
		r.Post("/{id}/receipts", h.handleReceive)
	})
}

type requisitionLineRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Qty       float64 `json:"qty" validate:"required,gt=0"`
	EstPrice  float64 `json:"est_price" validate:"gte=0"`
	Note      string  `json:"note"`
}

type createRequisitionRequest struct {
	Notes string                   `json:"notes"`
	Lines []requisitionLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type orderLineRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Qty       float64 `json:"qty" validate:"required,gt=0"`
	UnitPrice float64 `json:"unit_price" validate:"gte=0"`
}

type createOrderRequest struct {
	SupplierID        int64              `json:"supplier_id" validate:"required"`
	RequisitionID     int64              `json:"requisition_id"`
	LinkedWorkOrderID int64              `json:"work_order_id"`
	Notes             string             `json:"notes"`
	Lines             []orderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type orderFromRequisitionRequest struct {
	RequisitionID int64 `json:"requisition_id" validate:"required"`
	SupplierID    int64 `json:"supplier_id" validate:"required"`
}

type receiptLineRequest struct {
	LineID int64   `json:"line_id" validate:"required"`
	Qty    float64 `json:"qty" validate:"gte=0"`
}

type receiveRequest struct {
	Lines []receiptLineRequest `json:"lines" validate:"dive"`
	Note  string               `json:"note"`
}

func (h *Handler) handleCreateRequisition(w http.ResponseWriter, r *http.Request) {
	var req createRequisitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateRequisitionInput{Notes: req.Notes, ActorID: shared.ActorFromContext(r.Context())}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, CreateRequisitionLine{ProductID: l.ProductID, Qty: l.Qty, EstPrice: l.EstPrice, Note: l.Note})
	}
	created, err := h.service.CreateRequisition(r.Context(), input)
	if err != nil {
		h.respondError(w, "create requisition", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListRequisitions(w http.ResponseWriter, r *http.Request) {
	status := RequisitionStatus(r.URL.Query().Get("status"))
	list, err := h.service.ListRequisitions(r.Context(), status)
	if err != nil {
		h.respondError(w, "list requisitions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"requisitions": list})
}

func (h *Handler) handleGetRequisition(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	req, err := h.service.GetRequisition(r.Context(), id)
	if err != nil {
		h.respondError(w, "get requisition", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) transitionRequisition(fn func(ctx context.Context, id, actorID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
			h.respondError(w, "requisition transition", err)
			return
		}
		httpx.JSON(w, http.StatusNoContent, nil)
	}
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateOrderInput{
		SupplierID:        req.SupplierID,
		RequisitionID:     req.RequisitionID,
		LinkedWorkOrderID: req.LinkedWorkOrderID,
		Notes:             req.Notes,
		ActorID:           shared.ActorFromContext(r.Context()),
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, CreateOrderLine{ProductID: l.ProductID, Qty: l.Qty, UnitPrice: l.UnitPrice})
	}
	created, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		h.respondError(w, "create order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleOrderFromRequisition(w http.ResponseWriter, r *http.Request) {
	var req orderFromRequisitionRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.service.CreateOrderFromRequisition(r.Context(), req.RequisitionID, req.SupplierID, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, "order from requisition", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	status := OrderStatus(r.URL.Query().Get("status"))
	list, err := h.service.ListOrders(r.Context(), status)
	if err != nil {
		h.respondError(w, "list orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"orders": list})
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, "get order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) transitionOrder(fn func(ctx context.Context, id, actorID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
			h.respondError(w, "order transition", err)
			return
		}
		httpx.JSON(w, http.StatusNoContent, nil)
	}
}

func (h *Handler) handleReceive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req receiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := ReceiptInput{
		OrderID:        id,
		Note:           req.Note,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	for _, l := range req.Lines {
		input.Lines = append(input.Lines, LineReceipt{LineID: l.LineID, Qty: l.Qty})
	}
	result, err := h.service.Receive(r.Context(), input)
	if err != nil {
		h.respondError(w, "receive goods", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid id")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, ledger.ErrInvalidUnitCost):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrRequisitionNotFound), errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrLineNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNoPendingQuantity), errors.Is(err, ErrExceedsPending), errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, db.ErrTxConflict), errors.Is(err, shared.ErrProductBusy):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
