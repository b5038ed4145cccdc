package suppliers

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
}

type supplierRequest struct {
	Code     string `json:"code" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
	Phone    string `json:"phone"`
	IsActive bool   `json:"is_active"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context(), r.URL.Query().Get("search"))
	if err != nil {
		h.respondError(w, "list suppliers", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"suppliers": list})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	s, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get supplier", err)
		return
	}
	httpx.JSON(w, http.StatusOK, s)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req supplierRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.service.Create(r.Context(), Supplier{
		Code: req.Code, Name: req.Name, Email: req.Email, Phone: req.Phone, IsActive: req.IsActive,
	})
	if err != nil {
		h.respondError(w, "create supplier", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req supplierRequest
	if !h.decode(w, r, &req) {
		return
	}
	err := h.service.Update(r.Context(), id, Supplier{
		Code: req.Code, Name: req.Name, Email: req.Email, Phone: req.Phone, IsActive: req.IsActive,
	})
	if err != nil {
		h.respondError(w, "update supplier", err)
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
	if errors.Is(err, ErrNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	h.logger.Error(op, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
