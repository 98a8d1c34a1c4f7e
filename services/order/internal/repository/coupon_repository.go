package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type CouponRepository interface {
	GetCoupon(ctx context.Context, q db.Querier, couponID int64) (*domain.Coupon, error)
	LockIssued(ctx context.Context, tx pgx.Tx, userID, couponID int64) (*domain.IssuedCoupon, error)
	LockIssuedByID(ctx context.Context, tx pgx.Tx, issuedCouponID int64) (*domain.IssuedCoupon, error)
	UpdateIssued(ctx context.Context, tx pgx.Tx, issued *domain.IssuedCoupon) error
}

type couponRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewCouponRepository(pool *pgxpool.Pool, logger *zap.Logger) CouponRepository {
	return &couponRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("coupon_repository"),
	}
}

func (r *couponRepo) GetCoupon(ctx context.Context, q db.Querier, couponID int64) (*domain.Coupon, error) {
	ctx, span := r.tracer.Start(ctx, "CouponRepository.GetCoupon")
	defer span.End()

	query := `
		SELECT id, name, discount_type, discount_value, valid_from, valid_to
		FROM coupons
		WHERE id = $1
	`

	var c domain.Coupon
	err := q.QueryRow(ctx, query, couponID).Scan(
		&c.ID,
		&c.Name,
		&c.DiscountType,
		&c.DiscountValue,
		&c.ValidFrom,
		&c.ValidTo,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		span.RecordError(err)

		return nil, fmt.Errorf("failed to load coupon %d: %w", couponID, err)
	}

	return &c, nil
}

func (r *couponRepo) LockIssued(ctx context.Context, tx pgx.Tx, userID, couponID int64) (*domain.IssuedCoupon, error) {
	query := `
		SELECT id, user_id, coupon_id, status, used_at
		FROM issued_coupons
		WHERE user_id = $1 AND coupon_id = $2
		FOR UPDATE
	`

	return r.scanIssued(tx.QueryRow(ctx, query, userID, couponID))
}

func (r *couponRepo) LockIssuedByID(ctx context.Context, tx pgx.Tx, issuedCouponID int64) (*domain.IssuedCoupon, error) {
	query := `
		SELECT id, user_id, coupon_id, status, used_at
		FROM issued_coupons
		WHERE id = $1
		FOR UPDATE
	`

	return r.scanIssued(tx.QueryRow(ctx, query, issuedCouponID))
}

func (r *couponRepo) scanIssued(row pgx.Row) (*domain.IssuedCoupon, error) {
	var ic domain.IssuedCoupon
	if err := row.Scan(&ic.ID, &ic.UserID, &ic.CouponID, &ic.Status, &ic.UsedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIssuedCouponNotFound
		}
		return nil, fmt.Errorf("failed to load issued coupon: %w", err)
	}

	return &ic, nil
}

func (r *couponRepo) UpdateIssued(ctx context.Context, tx pgx.Tx, ic *domain.IssuedCoupon) error {
	query := `
		UPDATE issued_coupons
		SET status = $1, used_at = $2
		WHERE id = $3
	`

	if _, err := tx.Exec(ctx, query, ic.Status, ic.UsedAt, ic.ID); err != nil {
		return fmt.Errorf("failed to update issued coupon %d: %w", ic.ID, err)
	}

	return nil
}
