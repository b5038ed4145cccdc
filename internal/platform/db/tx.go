package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTxConflict indicates the transaction lost a serialization or lock race.
// Nothing was applied; the caller may resubmit the same logical request.
var ErrTxConflict = errors.New("transaction conflict, retry the operation")

// WithTx executes a function within a RepeatableRead transaction.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return Classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// Classify folds retryable PostgreSQL failures into ErrTxConflict so callers
// can tell them apart from validation errors.
func Classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization failure, deadlock, lock timeout
			return fmt.Errorf("%w: sqlstate %s", ErrTxConflict, pgErr.Code)
		}
	}
	return err
}
