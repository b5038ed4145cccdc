package mrp

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/procurement"
	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/workorder"
)

// Handler wires HTTP endpoints for the MRP module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the MRP handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers MRP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/work-orders/{id}/requisition", h.handleSynthesize)
}

type estimateRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	EstPrice  float64 `json:"est_price" validate:"gte=0"`
}

type synthesizeRequest struct {
	Estimates []estimateRequest `json:"estimates" validate:"dive"`
}

func (h *Handler) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid work order id")
		return
	}
	var req synthesizeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	estimates := make(map[int64]float64, len(req.Estimates))
	for _, e := range req.Estimates {
		estimates[e.ProductID] = e.EstPrice
	}
	created, err := h.service.CreateRequisitionFromShortages(r.Context(), id, estimates, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoShortages):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, workorder.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, procurement.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		h.logger.Error("synthesize requisition", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
