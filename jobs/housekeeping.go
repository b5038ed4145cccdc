package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/atelier-erp/atelier-erp/internal/shared"
)

// HousekeepingJob prunes idempotency keys past their retention window.
type HousekeepingJob struct {
	Store  *shared.IdempotencyStore
	Logger *slog.Logger
}

// NewHousekeepingJob initialises the housekeeping handler.
func NewHousekeepingJob(store *shared.IdempotencyStore, logger *slog.Logger) *HousekeepingJob {
	return &HousekeepingJob{Store: store, Logger: logger}
}

// Handle executes the cleanup.
func (j *HousekeepingJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Store == nil {
		return errors.New("housekeeping: handler not configured")
	}
	var payload HousekeepingPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		payload.Retention = 7 * 24 * time.Hour
	}
	if err := j.Store.Cleanup(ctx, payload.Retention); err != nil {
		return err
	}
	j.Logger.Info("idempotency keys pruned", slog.Duration("retention", payload.Retention))
	return nil
}
