// Package ledger records consumed event ids so at-least-once delivery is applied
// at most once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var ErrAlreadyHandled = errors.New("event already handled")

type Entry struct {
	EventID       string
	EventType     string
	AggregateType string
	AggregateID   string
}

type Ledger struct {
	logger *zap.Logger
	tracer trace.Tracer
}

func New(logger *zap.Logger) *Ledger {
	return &Ledger{
		logger: logger,
		tracer: otel.Tracer("ledger"),
	}
}

func (l *Ledger) Exists(ctx context.Context, q db.Querier, eventID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM event_handled WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check ledger: %w", err)
	}

	return exists, nil
}

// HandledIDs returns the subset of ids already present in the ledger.
func (l *Ledger) HandledIDs(ctx context.Context, q db.Querier, ids []string) (map[string]struct{}, error) {
	ctx, span := l.tracer.Start(ctx, "Ledger.HandledIDs")
	defer span.End()

	span.SetAttributes(attribute.Int("ledger.lookup_count", len(ids)))

	handled := make(map[string]struct{})
	if len(ids) == 0 {
		return handled, nil
	}

	rows, err := q.Query(ctx, `SELECT event_id FROM event_handled WHERE event_id = ANY($1)`, ids)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}

	found, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error scanning ledger ids: %w", err)
	}

	for _, id := range found {
		handled[id] = struct{}{}
	}

	span.SetAttributes(attribute.Int("ledger.handled_count", len(handled)))

	return handled, nil
}

// InsertBatch writes one row per entry. A concurrent consumer that already
// recorded one of the ids makes the statement fail with a unique violation,
// which aborts the caller's transaction.
func (l *Ledger) InsertBatch(ctx context.Context, q db.Querier, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ctx, span := l.tracer.Start(ctx, "Ledger.InsertBatch")
	defer span.End()

	ids := make([]string, len(entries))
	types := make([]string, len(entries))
	aggTypes := make([]string, len(entries))
	aggIDs := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.EventID
		types[i] = e.EventType
		aggTypes[i] = e.AggregateType
		aggIDs[i] = e.AggregateID
	}

	query := `
		INSERT INTO event_handled (event_id, event_type, aggregate_type, aggregate_id)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::text[])
	`

	if _, err := q.Exec(ctx, query, ids, types, aggTypes, aggIDs); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert ledger batch: %w", err)
	}

	return nil
}

// Insert records a single entry, returning ErrAlreadyHandled when the id exists.
func (l *Ledger) Insert(ctx context.Context, q db.Querier, e Entry) error {
	query := `
		INSERT INTO event_handled (event_id, event_type, aggregate_type, aggregate_id)
		VALUES ($1, $2, $3, $4)
	`

	_, err := q.Exec(ctx, query, e.EventID, e.EventType, e.AggregateType, e.AggregateID)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return ErrAlreadyHandled
		}
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return nil
}

func (l *Ledger) Count(ctx context.Context, q db.Querier) (int64, error) {
	var n int64
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM event_handled`).Scan(&n)
	return n, err
}

// ProcessOnce records the entry and runs action in the same transaction. The
// ledger row goes first, so a duplicate is detected before any side effect.
// It reports false when the event had already been handled. Serialization
// failures and deadlocks retry the whole transaction.
func (l *Ledger) ProcessOnce(
	ctx context.Context,
	pool db.Beginner,
	e Entry,
	action func(ctx context.Context, tx pgx.Tx) error,
) (bool, error) {
	span := trace.SpanFromContext(ctx)

	applied := false
	op := func() error {
		err := db.RunInTx(ctx, pool, l.logger, func(tx pgx.Tx) error {
			if err := l.Insert(ctx, tx, e); err != nil {
				return err
			}
			return action(ctx, tx)
		})

		switch {
		case err == nil:
			applied = true
			return nil
		case errors.Is(err, ErrAlreadyHandled):
			mylogger.Info(
				ctx,
				l.logger,
				"Event already processed, skipping",
				zap.String("event_id", e.EventID),
			)
			return nil
		case db.IsRetryable(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		span.RecordError(err)
		return false, err
	}

	return applied, nil
}
