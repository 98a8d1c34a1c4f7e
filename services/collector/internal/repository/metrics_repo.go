package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type MetricsRepository interface {
	Apply(ctx context.Context, tx pgx.Tx, day time.Time, deltas domain.Deltas) error
	Get(ctx context.Context, q db.Querier, productID int64) (*domain.ProductMetrics, error)
	LockPendingDaily(ctx context.Context, tx pgx.Tx, day time.Time) ([]domain.DailyMetrics, error)
	MarkRanked(ctx context.Context, tx pgx.Tx, rows []domain.DailyMetrics) error
	DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type metricsRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
	logger *zap.Logger
}

func NewMetricsRepository(pool *pgxpool.Pool, logger *zap.Logger) MetricsRepository {
	return &metricsRepo{
		pool:   pool,
		tracer: otel.Tracer("metrics_repository"),
		logger: logger,
	}
}

// Apply adds deltas to the running counters and to the day's row, locking
// products in ascending id order. Counters are plain sums, so an unlike that
// arrives before its like leaves a transient negative count instead of being
// lost.
func (r *metricsRepo) Apply(ctx context.Context, tx pgx.Tx, day time.Time, deltas domain.Deltas) error {
	ctx, span := r.tracer.Start(ctx, "MetricsRepository.Apply")
	defer span.End()

	span.SetAttributes(attribute.Int("products", len(deltas)))

	day = domain.Truncate(day)

	for _, id := range deltas.ProductIDs() {
		d := deltas[id]

		if _, err := db.LockOrCreate(ctx, tx, r.lockMetrics(id), r.createMetrics(id)); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to lock metrics for product %d: %w", id, err)
		}

		_, err := tx.Exec(ctx, `
			UPDATE product_metrics
			SET like_count     = like_count + $2,
			    view_count     = view_count + $3,
			    order_count    = order_count + $4,
			    total_quantity = total_quantity + $5,
			    updated_at     = NOW()
			WHERE product_id = $1
		`, id, d.Like, d.View, d.Orders, d.Quantity)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to update metrics for product %d: %w", id, err)
		}

		dailyID, err := db.LockOrCreate(ctx, tx, r.lockDaily(id, day), r.createDaily(id, day))
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to lock daily metrics for product %d: %w", id, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE product_metrics_daily
			SET like_delta   = like_delta + $2,
			    view_delta   = view_delta + $3,
			    order_delta  = order_delta + $4,
			    is_processed = FALSE,
			    updated_at   = NOW()
			WHERE id = $1
		`, dailyID, d.Like, d.View, d.Quantity)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to update daily metrics for product %d: %w", id, err)
		}
	}

	return nil
}

func (r *metricsRepo) lockMetrics(productID int64) func(ctx context.Context, q db.Querier) (int64, error) {
	return func(ctx context.Context, q db.Querier) (int64, error) {
		var id int64
		err := q.QueryRow(ctx, `SELECT product_id FROM product_metrics WHERE product_id = $1 FOR UPDATE`, productID).Scan(&id)
		return id, err
	}
}

func (r *metricsRepo) createMetrics(productID int64) func(ctx context.Context, q db.Querier) error {
	return func(ctx context.Context, q db.Querier) error {
		_, err := q.Exec(ctx, `INSERT INTO product_metrics (product_id) VALUES ($1)`, productID)
		return err
	}
}

func (r *metricsRepo) lockDaily(productID int64, day time.Time) func(ctx context.Context, q db.Querier) (int64, error) {
	return func(ctx context.Context, q db.Querier) (int64, error) {
		var id int64
		err := q.QueryRow(ctx, `
			SELECT id FROM product_metrics_daily
			WHERE product_id = $1 AND metric_date = $2
			FOR UPDATE
		`, productID, day).Scan(&id)
		return id, err
	}
}

func (r *metricsRepo) createDaily(productID int64, day time.Time) func(ctx context.Context, q db.Querier) error {
	return func(ctx context.Context, q db.Querier) error {
		_, err := q.Exec(ctx, `INSERT INTO product_metrics_daily (product_id, metric_date) VALUES ($1, $2)`, productID, day)
		return err
	}
}

func (r *metricsRepo) Get(ctx context.Context, q db.Querier, productID int64) (*domain.ProductMetrics, error) {
	var m domain.ProductMetrics
	err := q.QueryRow(ctx, `
		SELECT product_id, like_count, view_count, order_count, total_quantity, updated_at
		FROM product_metrics
		WHERE product_id = $1
	`, productID).Scan(&m.ProductID, &m.LikeCount, &m.ViewCount, &m.OrderCount, &m.TotalQuantity, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	return &m, nil
}

// LockPendingDaily returns the day's rows with deltas not yet ranked. Rows held
// by a concurrent ranking run are skipped.
func (r *metricsRepo) LockPendingDaily(ctx context.Context, tx pgx.Tx, day time.Time) ([]domain.DailyMetrics, error) {
	ctx, span := r.tracer.Start(ctx, "MetricsRepository.LockPendingDaily")
	defer span.End()

	rows, err := tx.Query(ctx, `
		SELECT id, product_id, metric_date, like_delta, view_delta, order_delta,
		       like_ranked, view_ranked, order_ranked, is_processed
		FROM product_metrics_daily
		WHERE metric_date = $1 AND is_processed = FALSE
		ORDER BY product_id
		FOR UPDATE SKIP LOCKED
	`, domain.Truncate(day))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query pending daily metrics: %w", err)
	}

	pending, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.DailyMetrics, error) {
		var m domain.DailyMetrics
		err := row.Scan(
			&m.ID,
			&m.ProductID,
			&m.MetricDate,
			&m.LikeDelta,
			&m.ViewDelta,
			&m.OrderDelta,
			&m.LikeRanked,
			&m.ViewRanked,
			&m.OrderRanked,
			&m.IsProcessed,
		)
		return m, err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error scanning daily metrics: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(pending)))

	return pending, nil
}

func (r *metricsRepo) MarkRanked(ctx context.Context, tx pgx.Tx, rows []domain.DailyMetrics) error {
	if len(rows) == 0 {
		return nil
	}

	ids := make([]int64, len(rows))
	likes := make([]int64, len(rows))
	views := make([]int64, len(rows))
	orders := make([]int64, len(rows))
	for i, m := range rows {
		ids[i] = m.ID
		likes[i] = m.LikeDelta
		views[i] = m.ViewDelta
		orders[i] = m.OrderDelta
	}

	_, err := tx.Exec(ctx, `
		UPDATE product_metrics_daily d
		SET like_ranked  = v.like_ranked,
		    view_ranked  = v.view_ranked,
		    order_ranked = v.order_ranked,
		    is_processed = TRUE,
		    updated_at   = NOW()
		FROM unnest($1::bigint[], $2::bigint[], $3::bigint[], $4::bigint[])
		     AS v(id, like_ranked, view_ranked, order_ranked)
		WHERE d.id = v.id
	`, ids, likes, views, orders)
	if err != nil {
		return fmt.Errorf("failed to mark daily metrics ranked: %w", err)
	}

	return nil
}

func (r *metricsRepo) DeleteDailyBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM product_metrics_daily WHERE metric_date < $1`, domain.Truncate(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old daily metrics: %w", err)
	}

	return tag.RowsAffected(), nil
}
