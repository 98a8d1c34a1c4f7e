package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// LockOrCreate returns the row selected by lock, creating it first when absent.
//
// lock must return pgx.ErrNoRows when the row does not exist. create runs inside a
// savepoint: when a concurrent transaction inserted the same key first, the unique
// violation only rolls back the savepoint and the row is locked again.
func LockOrCreate[T any](
	ctx context.Context,
	tx pgx.Tx,
	lock func(ctx context.Context, q Querier) (T, error),
	create func(ctx context.Context, q Querier) error,
) (T, error) {
	var zero T

	row, err := lock(ctx, tx)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return zero, err
	}

	savepoint, err := tx.Begin(ctx)
	if err != nil {
		return zero, fmt.Errorf("failed to open savepoint: %w", err)
	}

	if err := create(ctx, savepoint); err != nil {
		if rbErr := savepoint.Rollback(ctx); rbErr != nil {
			return zero, fmt.Errorf("failed to rollback savepoint: %w", rbErr)
		}
		if !IsUniqueViolation(err) {
			return zero, err
		}
	} else if err := savepoint.Commit(ctx); err != nil {
		return zero, fmt.Errorf("failed to release savepoint: %w", err)
	}

	row, err = lock(ctx, tx)
	if err != nil {
		return zero, fmt.Errorf("row missing after create: %w", err)
	}

	return row, nil
}
