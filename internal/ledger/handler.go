package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/platform/httpx"
	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// Handler wires HTTP endpoints for the ledger module.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	printer  *message.Printer
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		printer:  message.NewPrinter(language.English),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/on-hand/{productID}", h.handleOnHand)
	r.Get("/stock-card", h.handleStockCard)
	r.Get("/valuation", h.handleValuation)
	r.Post("/adjustments", h.handleAdjustment)
	r.Post("/adjustments/bulk", h.handleBulkAdjustment)
}

type adjustmentRequest struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Qty       float64 `json:"qty" validate:"required"`
	UnitCost  float64 `json:"unit_cost" validate:"gte=0"`
	Note      string  `json:"note"`
}

type bulkAdjustmentRequest struct {
	Items []adjustmentRequest `json:"items" validate:"required,min=1,dive"`
}

type postingResponse struct {
	MovementID    int64     `json:"movement_id"`
	ProductID     int64     `json:"product_id"`
	Kind          string    `json:"kind"`
	Qty           float64   `json:"qty"`
	UnitCost      float64   `json:"unit_cost"`
	OnHand        float64   `json:"on_hand"`
	AvgCost       float64   `json:"avg_cost"`
	NegativeStock bool      `json:"negative_stock"`
	PostedAt      time.Time `json:"posted_at"`
}

type valuationResponse struct {
	Rows         []valuationRowResponse `json:"rows"`
	TotalValue   float64                `json:"total_value"`
	TotalDisplay string                 `json:"total_display"`
}

type valuationRowResponse struct {
	ProductID    int64   `json:"product_id"`
	SKU          string  `json:"sku"`
	Name         string  `json:"name"`
	Qty          float64 `json:"qty"`
	AvgCost      float64 `json:"avg_cost"`
	Value        float64 `json:"value"`
	ValueDisplay string  `json:"value_display"`
}

func (h *Handler) handleOnHand(w http.ResponseWriter, r *http.Request) {
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil || productID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid product id")
		return
	}
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be RFC3339")
			return
		}
	}
	qty, err := h.service.OnHand(r.Context(), productID, asOf)
	if err != nil {
		h.respondError(w, "on-hand", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product_id": productID, "on_hand": qty})
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	productID, err := strconv.ParseInt(q.Get("product_id"), 10, 64)
	if err != nil || productID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "product_id required")
		return
	}
	filter := CardFilter{ProductID: productID}
	if raw := q.Get("from"); raw != "" {
		if filter.From, err = time.Parse("2006-01-02", raw); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		to, err := time.Parse("2006-01-02", raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
			return
		}
		filter.To = to.Add(24*time.Hour - time.Nanosecond)
	}
	if raw := q.Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}
	entries, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.respondError(w, "stock card", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleValuation(w http.ResponseWriter, r *http.Request) {
	rows, err := h.service.Valuation(r.Context())
	if err != nil {
		h.respondError(w, "valuation", err)
		return
	}
	resp := valuationResponse{Rows: make([]valuationRowResponse, 0, len(rows))}
	for _, row := range rows {
		resp.TotalValue += row.Value
		resp.Rows = append(resp.Rows, valuationRowResponse{
			ProductID:    row.ProductID,
			SKU:          row.SKU,
			Name:         row.Name,
			Qty:          row.Qty,
			AvgCost:      row.AvgCost,
			Value:        row.Value,
			ValueDisplay: h.printer.Sprintf("%.2f", row.Value),
		})
	}
	resp.TotalDisplay = h.printer.Sprintf("%.2f", resp.TotalValue)
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	posting, err := h.service.PostAdjustment(r.Context(), AdjustmentInput{
		ProductID: req.ProductID,
		Qty:       req.Qty,
		UnitCost:  req.UnitCost,
		Note:      req.Note,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, "post adjustment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPostingResponse(posting))
}

func (h *Handler) handleBulkAdjustment(w http.ResponseWriter, r *http.Request) {
	var req bulkAdjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	actor := shared.ActorFromContext(r.Context())
	inputs := make([]AdjustmentInput, 0, len(req.Items))
	for _, item := range req.Items {
		inputs = append(inputs, AdjustmentInput{
			ProductID: item.ProductID,
			Qty:       item.Qty,
			UnitCost:  item.UnitCost,
			Note:      item.Note,
			ActorID:   actor,
		})
	}
	postings, err := h.service.BulkAdjust(r.Context(), inputs)
	out := make([]postingResponse, 0, len(postings))
	for _, p := range postings {
		out = append(out, toPostingResponse(p))
	}
	if err != nil {
		// earlier chunks may have committed; the caller needs them to know
		// what not to resubmit
		status, title, detail := h.classifyError("bulk adjust", err)
		httpx.JSON(w, status, map[string]any{
			"title":    title,
			"status":   status,
			"detail":   detail,
			"postings": out,
		})
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"postings": out})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	status, title, detail := h.classifyError(op, err)
	httpx.Problem(w, status, title, detail)
}

func (h *Handler) classifyError(op string, err error) (int, string, string) {
	switch {
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost),
		errors.Is(err, ErrInvalidKind), errors.Is(err, ErrProductRequired):
		return http.StatusBadRequest, "Validation Failed", err.Error()
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden, "Forbidden", err.Error()
	case errors.Is(err, db.ErrTxConflict), errors.Is(err, shared.ErrProductBusy):
		return http.StatusConflict, "Conflict", err.Error()
	default:
		h.logger.Error(op, slog.Any("error", err))
		return http.StatusInternalServerError, "Internal Error", ""
	}
}

func toPostingResponse(p Posting) postingResponse {
	return postingResponse{
		MovementID:    p.MovementID,
		ProductID:     p.ProductID,
		Kind:          string(p.Kind),
		Qty:           p.Qty,
		UnitCost:      p.UnitCost,
		OnHand:        p.OnHand,
		AvgCost:       p.AvgCost,
		NegativeStock: p.NegativeStock,
		PostedAt:      p.PostedAt,
	}
}
