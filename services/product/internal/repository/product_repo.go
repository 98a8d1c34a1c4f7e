package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/product/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ProductRepository interface {
	GetByID(ctx context.Context, q db.Querier, id int64) (*domain.Product, error)
	Exists(ctx context.Context, q db.Querier, id int64) (bool, error)
	AddLike(ctx context.Context, tx pgx.Tx, userID, productID int64) (bool, error)
	RemoveLike(ctx context.Context, tx pgx.Tx, userID, productID int64) (bool, error)
	AdjustLikeCount(ctx context.Context, tx pgx.Tx, productID int64, delta int) error
	SyncLikeCounts(ctx context.Context, tx pgx.Tx) ([]domain.LikeMismatch, error)
}

type productRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewProductRepository(pool *pgxpool.Pool, logger *zap.Logger) ProductRepository {
	return &productRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("product_repository"),
	}
}

func (r *productRepo) GetByID(ctx context.Context, q db.Querier, id int64) (*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.GetByID")
	defer span.End()

	span.SetAttributes(attribute.Int64("id", id))

	query := `
		SELECT p.id, p.name, p.price, p.stock, p.like_count, b.id, b.name, p.created_at, p.updated_at
		FROM products p
		JOIN brands b ON b.id = p.brand_id
		WHERE p.id = $1
	`

	var p domain.Product
	err := q.QueryRow(ctx, query, id).Scan(
		&p.ID,
		&p.Name,
		&p.Price,
		&p.Stock,
		&p.LikeCount,
		&p.Brand.ID,
		&p.Brand.Name,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		span.RecordError(err)

		mylogger.Warn(ctx, r.logger, "Failed to get product", zap.Int64("id", id), zap.Error(err))

		return nil, fmt.Errorf("failed to get product %d: %w", id, err)
	}

	return &p, nil
}

func (r *productRepo) Exists(ctx context.Context, q db.Querier, id int64) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check product %d: %w", id, err)
	}

	return exists, nil
}

// AddLike reports false when the user already liked the product.
func (r *productRepo) AddLike(ctx context.Context, tx pgx.Tx, userID, productID int64) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.AddLike")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("product_id", productID),
	)

	query := `
		INSERT INTO product_likes (user_id, product_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, product_id) DO NOTHING
	`

	tag, err := tx.Exec(ctx, query, userID, productID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to add like: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// RemoveLike reports false when there was no like to remove.
func (r *productRepo) RemoveLike(ctx context.Context, tx pgx.Tx, userID, productID int64) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.RemoveLike")
	defer span.End()

	tag, err := tx.Exec(ctx, `DELETE FROM product_likes WHERE user_id = $1 AND product_id = $2`, userID, productID)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("failed to remove like: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (r *productRepo) AdjustLikeCount(ctx context.Context, tx pgx.Tx, productID int64, delta int) error {
	query := `
		UPDATE products
		SET like_count = GREATEST(like_count + $1, 0), updated_at = NOW()
		WHERE id = $2
	`

	tag, err := tx.Exec(ctx, query, delta, productID)
	if err != nil {
		return fmt.Errorf("failed to adjust like count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}

	return nil
}

// SyncLikeCounts rewrites like_count from product_likes wherever they drifted
// apart and returns the corrected rows.
func (r *productRepo) SyncLikeCounts(ctx context.Context, tx pgx.Tx) ([]domain.LikeMismatch, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.SyncLikeCounts")
	defer span.End()

	query := `
		WITH drift AS (
			SELECT p.id, p.like_count AS stored, COUNT(l.id) AS actual
			FROM products p
			LEFT JOIN product_likes l ON l.product_id = p.id
			GROUP BY p.id
			HAVING p.like_count <> COUNT(l.id)
		)
		UPDATE products p
		SET like_count = d.actual, updated_at = NOW()
		FROM drift d
		WHERE p.id = d.id
		RETURNING p.id, d.stored, d.actual
	`

	rows, err := tx.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to sync like counts: %w", err)
	}

	fixed, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LikeMismatch, error) {
		var m domain.LikeMismatch
		err := row.Scan(&m.ProductID, &m.Stored, &m.Actual)
		return m, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error scanning like counts: %w", err)
	}

	span.SetAttributes(attribute.Int("fixed", len(fixed)))

	return fixed, nil
}
