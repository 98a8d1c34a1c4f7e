package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type PaymentRepository interface {
	Create(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error
	GetByKey(ctx context.Context, q db.Querier, paymentKey string) (*domain.Payment, error)
	GetByOrderID(ctx context.Context, q db.Querier, orderID int64) (*domain.Payment, error)
	LockByKey(ctx context.Context, tx pgx.Tx, paymentKey string) (*domain.Payment, error)
	LockByOrderID(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Payment, error)
	LockByTransactionKey(ctx context.Context, tx pgx.Tx, transactionKey string) (*domain.Payment, error)
	LockProcessing(ctx context.Context, tx pgx.Tx, paymentKey string) (*domain.Payment, error)
	FindReconcilable(ctx context.Context, checkInterval time.Duration, maxChecks, limit int) ([]string, error)
	Update(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error
	RecordStatusCheck(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error
}

type paymentRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewPaymentRepository(pool *pgxpool.Pool, logger *zap.Logger) PaymentRepository {
	return &paymentRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("payment_repository"),
	}
}

const paymentColumns = `
	id, payment_key, order_id, user_id, amount, status, method, card_type, card_no,
	transaction_key, status_check_count, last_status_check_at, failure_reason, created_at, updated_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID,
		&p.PaymentKey,
		&p.OrderID,
		&p.UserID,
		&p.Amount,
		&p.Status,
		&p.Method,
		&p.CardType,
		&p.CardNo,
		&p.TransactionKey,
		&p.StatusCheckCount,
		&p.LastStatusCheckAt,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}

	return &p, nil
}

func (r *paymentRepo) Create(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.Create")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment_key", p.PaymentKey),
		attribute.Int64("order_id", p.OrderID),
		attribute.String("method", string(p.Method)),
	)

	query := `
		INSERT INTO payments (payment_key, order_id, user_id, amount, status, method, card_type, card_no)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := tx.QueryRow(
		ctx,
		query,
		p.PaymentKey,
		p.OrderID,
		p.UserID,
		p.Amount,
		p.Status,
		p.Method,
		p.CardType,
		p.CardNo,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	return nil
}

func (r *paymentRepo) GetByKey(ctx context.Context, q db.Querier, paymentKey string) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByKey")
	defer span.End()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_key = $1`

	return scanPayment(q.QueryRow(ctx, query, paymentKey))
}

func (r *paymentRepo) GetByOrderID(ctx context.Context, q db.Querier, orderID int64) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.GetByOrderID")
	defer span.End()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1`

	return scanPayment(q.QueryRow(ctx, query, orderID))
}

func (r *paymentRepo) LockByKey(ctx context.Context, tx pgx.Tx, paymentKey string) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.LockByKey")
	defer span.End()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE payment_key = $1 FOR UPDATE`

	return scanPayment(tx.QueryRow(ctx, query, paymentKey))
}

func (r *paymentRepo) LockByOrderID(ctx context.Context, tx pgx.Tx, orderID int64) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.LockByOrderID")
	defer span.End()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_id = $1 FOR UPDATE`

	return scanPayment(tx.QueryRow(ctx, query, orderID))
}

func (r *paymentRepo) LockByTransactionKey(ctx context.Context, tx pgx.Tx, transactionKey string) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.LockByTransactionKey")
	defer span.End()

	span.SetAttributes(attribute.String("transaction_key", transactionKey))

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE transaction_key = $1 FOR UPDATE`

	return scanPayment(tx.QueryRow(ctx, query, transactionKey))
}

// LockProcessing returns nil when the payment left PROCESSING or another
// reconciler holds it.
func (r *paymentRepo) LockProcessing(ctx context.Context, tx pgx.Tx, paymentKey string) (*domain.Payment, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.LockProcessing")
	defer span.End()

	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE payment_key = $1 AND status = $2
		FOR UPDATE SKIP LOCKED`

	p, err := scanPayment(tx.QueryRow(ctx, query, paymentKey, domain.PaymentStatusProcessing))
	if errors.Is(err, ErrPaymentNotFound) {
		return nil, nil
	}

	return p, err
}

func (r *paymentRepo) FindReconcilable(ctx context.Context, checkInterval time.Duration, maxChecks, limit int) ([]string, error) {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.FindReconcilable")
	defer span.End()

	query := `
		SELECT payment_key
		FROM payments
		WHERE status = $1
		  AND status_check_count < $2
		  AND (last_status_check_at IS NULL
		       OR last_status_check_at < NOW() - make_interval(secs => $3))
		ORDER BY created_at
		LIMIT $4
	`

	rows, err := r.pool.Query(ctx, query, domain.PaymentStatusProcessing, maxChecks, checkInterval.Seconds(), limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query reconcilable payments: %w", err)
	}

	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error scanning payment keys: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(keys)))

	return keys, nil
}

func (r *paymentRepo) Update(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.Update")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment_key", p.PaymentKey),
		attribute.String("status", string(p.Status)),
	)

	query := `
		UPDATE payments
		SET status = $1, transaction_key = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`

	err := tx.QueryRow(ctx, query, p.Status, p.TransactionKey, p.FailureReason, p.ID).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentNotFound
		}
		span.RecordError(err)

		return fmt.Errorf("failed to update payment: %w", err)
	}

	return nil
}

func (r *paymentRepo) RecordStatusCheck(ctx context.Context, tx pgx.Tx, p *domain.Payment) error {
	ctx, span := r.tracer.Start(ctx, "PaymentRepository.RecordStatusCheck")
	defer span.End()

	query := `
		UPDATE payments
		SET status_check_count = status_check_count + 1, last_status_check_at = NOW()
		WHERE id = $1
		RETURNING status_check_count, last_status_check_at
	`

	err := tx.QueryRow(ctx, query, p.ID).Scan(&p.StatusCheckCount, &p.LastStatusCheckAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to record status check: %w", err)
	}

	return nil
}
