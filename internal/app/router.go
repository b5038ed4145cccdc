package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/masterdata/products"
	"github.com/atelier-erp/atelier-erp/internal/masterdata/suppliers"
	"github.com/atelier-erp/atelier-erp/internal/mrp"
	"github.com/atelier-erp/atelier-erp/internal/procurement"
	"github.com/atelier-erp/atelier-erp/internal/workorder"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	LedgerHandler      *ledger.Handler
	ProcurementHandler *procurement.Handler
	WorkOrderHandler   *workorder.Handler
	MRPHandler         *mrp.Handler
	ProductsHandler    *products.Handler
	SuppliersHandler   *suppliers.Handler
	Pool               *pgxpool.Pool
}

// NewRouter constructs the chi.Router with the default stack.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/ledger", params.LedgerHandler.MountRoutes)
	r.Route("/procurement", params.ProcurementHandler.MountRoutes)
	r.Route("/work-orders", params.WorkOrderHandler.MountRoutes)
	r.Route("/mrp", params.MRPHandler.MountRoutes)
	r.Route("/masterdata", func(r chi.Router) {
		r.Route("/products", params.ProductsHandler.MountRoutes)
		r.Route("/suppliers", params.SuppliersHandler.MountRoutes)
	})

	return r
}
