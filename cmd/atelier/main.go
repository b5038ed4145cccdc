package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/atelier-erp/atelier-erp/internal/app"
	"github.com/atelier-erp/atelier-erp/internal/ledger"
	"github.com/atelier-erp/atelier-erp/internal/masterdata"
	"github.com/atelier-erp/atelier-erp/internal/masterdata/products"
	"github.com/atelier-erp/atelier-erp/internal/masterdata/suppliers"
	"github.com/atelier-erp/atelier-erp/internal/mrp"
	"github.com/atelier-erp/atelier-erp/internal/platform/cache"
	"github.com/atelier-erp/atelier-erp/internal/platform/db"
	"github.com/atelier-erp/atelier-erp/internal/procurement"
	"github.com/atelier-erp/atelier-erp/internal/shared"
	"github.com/atelier-erp/atelier-erp/internal/workorder"
	"github.com/atelier-erp/atelier-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect job queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idemStore := shared.NewIdempotencyStore(pool)
	locker := shared.NewProductLocker(redisClient, cfg.ProductLockTTL)
	authz := shared.AllowAll{}

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, auditLogger, locker, authz, logger, ledger.ServiceConfig{
		BatchChunk: cfg.LedgerBatchChunk,
	})

	productsService := products.NewService(products.NewRepository(pool))
	suppliersService := suppliers.NewService(suppliers.NewRepository(pool))
	catalog := masterdata.Catalog{Products: productsService, Suppliers: suppliersService}

	procurementRepo := procurement.NewRepository(pool)
	procurementService := procurement.NewService(
		procurementRepo, ledgerService, auditLogger, idemStore, locker, catalog,
		jobs.NewCostRollupNotifier(jobClient), authz, logger,
	)

	workOrderRepo := workorder.NewRepository(pool)
	workOrderService := workorder.NewService(workOrderRepo, ledgerService, auditLogger, idemStore, locker, catalog, authz, logger)

	mrpService := mrp.NewService(workOrderService, procurementService, authz, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		LedgerHandler:      ledger.NewHandler(logger, ledgerService),
		ProcurementHandler: procurement.NewHandler(logger, procurementService),
		WorkOrderHandler:   workorder.NewHandler(logger, workOrderService),
		MRPHandler:         mrp.NewHandler(logger, mrpService),
		ProductsHandler:    products.NewHandler(logger, productsService),
		SuppliersHandler:   suppliers.NewHandler(logger, suppliersService),
		Pool:               pool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped")
}
