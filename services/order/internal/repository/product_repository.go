package repository

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ProductRepository interface {
	LockForUpdate(ctx context.Context, tx pgx.Tx, productIDs []int64) (map[int64]*domain.Product, error)
	UpdateStock(ctx context.Context, tx pgx.Tx, product *domain.Product) error
	RestoreStock(ctx context.Context, tx pgx.Tx, items []domain.OrderItem) error
}

type productRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewProductRepository(pool *pgxpool.Pool, logger *zap.Logger) ProductRepository {
	return &productRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("product_repository"),
	}
}

// LockForUpdate locks the rows in ascending id order so concurrent orders over
// overlapping products cannot deadlock. A missing id yields ErrProductNotFound.
func (r *productRepo) LockForUpdate(ctx context.Context, tx pgx.Tx, productIDs []int64) (map[int64]*domain.Product, error) {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.LockForUpdate")
	defer span.End()

	span.SetAttributes(attribute.Int64Slice("product_ids", productIDs))

	query := `
		SELECT id, name, price, stock
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`

	rows, err := tx.Query(ctx, query, productIDs)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}
	defer rows.Close()

	products := make(map[int64]*domain.Product, len(productIDs))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("error scanning product: %w", err)
		}
		products[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range productIDs {
		if _, ok := products[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrProductNotFound, id)
		}
	}

	return products, nil
}

func (r *productRepo) UpdateStock(ctx context.Context, tx pgx.Tx, p *domain.Product) error {
	query := `
		UPDATE products
		SET stock = $1, updated_at = NOW()
		WHERE id = $2
	`

	tag, err := tx.Exec(ctx, query, p.Stock, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update stock of product %d: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrProductNotFound, p.ID)
	}

	return nil
}

// RestoreStock adds the item quantities back, in product id order.
func (r *productRepo) RestoreStock(ctx context.Context, tx pgx.Tx, items []domain.OrderItem) error {
	ctx, span := r.tracer.Start(ctx, "ProductRepository.RestoreStock")
	defer span.End()

	sorted := slices.Clone(items)
	slices.SortFunc(sorted, func(a, b domain.OrderItem) int {
		switch {
		case a.ProductID < b.ProductID:
			return -1
		case a.ProductID > b.ProductID:
			return 1
		default:
			return 0
		}
	})

	query := `
		UPDATE products
		SET stock = stock + $1, updated_at = NOW()
		WHERE id = $2
	`

	for _, item := range sorted {
		if _, err := tx.Exec(ctx, query, item.Quantity, item.ProductID); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to restore stock of product %d: %w", item.ProductID, err)
		}
	}

	return nil
}
