package products

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
)

type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Put("/{id}", h.handleUpdate)
	r.Delete("/{id}", h.handleDelete)
}

type productRequest struct {
	SKU      string  `json:"sku" validate:"required"`
	Name     string  `json:"name" validate:"required"`
	Unit     string  `json:"unit"`
	MinStock float64 `json:"min_stock" validate:"gte=0"`
	IsActive bool    `json:"is_active"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = 50
	}
	filters := ListFilters{Page: page, Limit: limit, Search: q.Get("search")}
	if q.Get("is_active") != "" {
		isActive := q.Get("is_active") == "true"
		filters.IsActive = &isActive
	}
	list, total, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.respondError(w, "list products", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"products": list, "total": total})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get product", err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req productRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.service.Create(r.Context(), Product{
		SKU: req.SKU, Name: req.Name, Unit: req.Unit, MinStock: req.MinStock, IsActive: req.IsActive,
	})
	if err != nil {
		h.respondError(w, "create product", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req productRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.Update(r.Context(), id, Product{
		SKU: req.SKU, Name: req.Name, Unit: req.Unit, MinStock: req.MinStock, IsActive: req.IsActive,
	})
	if err != nil {
		h.respondError(w, "update product", err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.respondError(w, "delete product", err)
		return
	}
	httpx.JSON(w, http.StatusNoContent, nil)
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
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrReferenced):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
