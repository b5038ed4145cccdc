package workorder

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Handler wires HTTP endpoints for the work-order module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the work-order handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers work-order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/shortages", h.handleShortages)
	r.Post("/{id}/release", h.transition(h.service.Release))
	r.Post("/{id}/complete", h.transition(h.service.Complete))
	r.Post("/{id}/cancel", h.transition(h.service.Cancel))
	r.Post("/{id}/issues", h.handleIssue)
	r.Post("/{id}/outputs", h.handleOutput)
}

type materialLineRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Qty       float64 `json:"qty" validate:"required,gt=0"`
}

type pieceLineRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Qty       float64 `json:"qty" validate:"required,gt=0"`
}

type createRequest struct {
	Description string                `json:"description"`
	Materials   []materialLineRequest `json:"materials" validate:"required,min=1,dive"`
	Pieces      []pieceLineRequest    `json:"pieces" validate:"dive"`
}

type issueItemRequest struct {
	LineID int64   `json:"line_id" validate:"required"`
	Qty    float64 `json:"qty" validate:"required,gt=0"`
}

type issueRequest struct {
	Items []issueItemRequest `json:"items" validate:"required,min=1,dive"`
	Note  string             `json:"note"`
}

type outputRequest struct {
	PieceID  int64   `json:"piece_id" validate:"required"`
	Qty      float64 `json:"qty" validate:"required,gt=0"`
	UnitCost float64 `json:"unit_cost" validate:"gte=0"`
	Note     string  `json:"note"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := CreateInput{Description: req.Description, ActorID: shared.ActorFromContext(r.Context())}
	for _, l := range req.Materials {
		input.Materials = append(input.Materials, CreateMaterialLine{ProductID: l.ProductID, Qty: l.Qty})
	}
	for _, l := range req.Pieces {
		input.Pieces = append(input.Pieces, CreatePieceLine{ProductID: l.ProductID, Qty: l.Qty})
	}
	created, err := h.service.Create(r.Context(), input)
	if err != nil {
		h.respondError(w, "create work order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	list, err := h.service.List(r.Context(), status)
	if err != nil {
		h.respondError(w, "list work orders", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"work_orders": list})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	wo, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get work order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, wo)
}

func (h *Handler) handleShortages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	shortages, err := h.service.Shortages(r.Context(), id)
	if err != nil {
		h.respondError(w, "work order shortages", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"shortages": shortages})
}

func (h *Handler) transition(fn func(ctx context.Context, id, actorID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.pathID(w, r)
		if !ok {
			return
		}
		if err := fn(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
			h.respondError(w, "work order transition", err)
			return
		}
		httpx.JSON(w, http.StatusNoContent, nil)
	}
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req issueRequest
	if !h.decode(w, r, &req) {
		return
	}
	input := IssueInput{
		WorkOrderID:    id,
		Note:           req.Note,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	for _, it := range req.Items {
		input.Items = append(input.Items, IssueItem{LineID: it.LineID, Qty: it.Qty})
	}
	result, err := h.service.Issue(r.Context(), input)
	if err != nil {
		h.respondError(w, "issue materials", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) handleOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req outputRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.RecordOutput(r.Context(), OutputInput{
		WorkOrderID:    id,
		PieceID:        req.PieceID,
		Qty:            req.Qty,
		UnitCost:       req.UnitCost,
		Note:           req.Note,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.respondError(w, "record output", err)
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
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrLineNotFound), errors.Is(err, ErrPieceNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrExceedsPlanned), errors.Is(err, ErrExceedsOutput), errors.Is(err, ErrInvalidState):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict), errors.Is(err, db.ErrTxConflict), errors.Is(err, shared.ErrProductBusy):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
