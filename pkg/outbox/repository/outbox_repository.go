package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/outbox/domain"
	"github.com/sakashimaa/commerce-saga/pkg/outbox/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type outboxRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewOutboxRepository(pool *pgxpool.Pool, logger *zap.Logger) worker.OutboxRepository {
	return &outboxRepo{
		pool:   pool,
		tracer: otel.Tracer("outbox/repository"),
		logger: logger,
	}
}

func (r *outboxRepo) SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.SaveOutboxEvent")
	defer span.End()

	span.SetAttributes(
		attribute.String("aggregate_id", event.AggregateID),
		attribute.String("aggregate_type", event.AggregateType),
		attribute.String("event_type", event.EventType),
	)

	query := `
		INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`

	err := tx.QueryRow(
		ctx,
		query,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Payload,
		domain.StatusPending,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		span.RecordError(err)

		return fmt.Errorf("failed to save outbox event: %w", err)
	}

	event.Status = domain.StatusPending

	return nil
}

// GetPending lists PENDING rows in id order. Rows queued behind a FAILED row of
// the same aggregate are left out until that row is published.
func (r *outboxRepo) GetPending(ctx context.Context, limit int) ([]domain.PendingRef, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.GetPending")
	defer span.End()

	span.SetAttributes(attribute.Int("batch_size", limit))

	query := `
		SELECT o.id, o.aggregate_type, o.aggregate_id
		FROM outbox o
		WHERE o.status = $1
		  AND NOT EXISTS (
			SELECT 1
			FROM outbox prev
			WHERE prev.aggregate_type = o.aggregate_type
			  AND prev.aggregate_id = o.aggregate_id
			  AND prev.id < o.id
			  AND prev.status = $2
		  )
		ORDER BY o.id ASC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, domain.StatusPending, domain.StatusFailed, limit)
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}

	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PendingRef, error) {
		var ref domain.PendingRef
		err := row.Scan(&ref.ID, &ref.AggregateType, &ref.AggregateID)
		return ref, err
	})
	if err != nil {
		span.RecordError(err)

		return nil, fmt.Errorf("error scanning pending rows: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(refs)))

	return refs, nil
}

// LockPending returns nil when the row is gone, no longer PENDING, held by
// another publisher, or when an older row of the same aggregate is not yet
// PUBLISHED. The last rule keeps per-aggregate order across concurrent
// publishers and FAILED retries.
func (r *outboxRepo) LockPending(ctx context.Context, tx pgx.Tx, eventID int64) (*domain.OutboxEvent, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.LockPending")
	defer span.End()

	span.SetAttributes(attribute.Int64("event_id", eventID))

	query := `
		SELECT o.id, o.aggregate_type, o.aggregate_id, o.event_type, o.payload, o.status,
		       o.attempts, o.last_error, o.created_at, o.published_at, o.failed_at
		FROM outbox o
		WHERE o.id = $1 AND o.status = $2
		  AND NOT EXISTS (
			SELECT 1
			FROM outbox prev
			WHERE prev.aggregate_type = o.aggregate_type
			  AND prev.aggregate_id = o.aggregate_id
			  AND prev.id < o.id
			  AND prev.status <> $3
		  )
		FOR UPDATE OF o SKIP LOCKED
	`

	var e domain.OutboxEvent
	err := tx.QueryRow(ctx, query, eventID, domain.StatusPending, domain.StatusPublished).Scan(
		&e.ID,
		&e.AggregateType,
		&e.AggregateID,
		&e.EventType,
		&e.Payload,
		&e.Status,
		&e.Attempts,
		&e.LastError,
		&e.CreatedAt,
		&e.PublishedAt,
		&e.FailedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		span.RecordError(err)

		return nil, fmt.Errorf("failed to lock outbox event %d: %w", eventID, err)
	}

	return &e, nil
}

func (r *outboxRepo) MarkEventPublished(ctx context.Context, tx pgx.Tx, eventID int64) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkEventPublished")
	defer span.End()

	span.SetAttributes(attribute.Int64("event_id", eventID))

	query := `
		UPDATE outbox
		SET status = $1, published_at = NOW(), last_error = NULL
		WHERE id = $2
	`

	_, err := tx.Exec(ctx, query, domain.StatusPublished, eventID)
	if err != nil {
		span.RecordError(err)
	}

	return err
}

func (r *outboxRepo) MarkEventFailed(ctx context.Context, tx pgx.Tx, eventID int64, errMsg string) error {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.MarkEventFailed")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("event_id", eventID),
		attribute.String("outbox.error_message", errMsg),
	)

	query := `
		UPDATE outbox
		SET status = $1,
			last_error = $2,
			attempts = attempts + 1,
			failed_at = NOW()
		WHERE id = $3
	`

	_, err := tx.Exec(ctx, query, domain.StatusFailed, errMsg, eventID)
	if err != nil {
		span.RecordError(err)
	}

	return err
}

func (r *outboxRepo) RequeueFailed(ctx context.Context, cooldown time.Duration, maxAttempts int) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "OutboxRepository.RequeueFailed")
	defer span.End()

	query := `
		UPDATE outbox
		SET status = $1
		WHERE status = $2
		  AND attempts < $3
		  AND failed_at < NOW() - make_interval(secs => $4)
	`

	tag, err := r.pool.Exec(ctx, query, domain.StatusPending, domain.StatusFailed, maxAttempts, cooldown.Seconds())
	if err != nil {
		span.RecordError(err)

		return 0, fmt.Errorf("failed to requeue failed events: %w", err)
	}

	span.SetAttributes(attribute.Int64("requeued", tag.RowsAffected()))

	return tag.RowsAffected(), nil
}

func (r *outboxRepo) CountByStatus(ctx context.Context, status domain.Status) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = $1`, status).Scan(&n)
	return n, err
}
