package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Period string

const (
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

func (p Period) table() string {
	if p == PeriodMonthly {
		return "product_rank_monthly"
	}

	return "product_rank_weekly"
}

type RankRow struct {
	PeriodKey  string
	ProductID  int64
	Score      float64
	LikeCount  int64
	ViewCount  int64
	OrderCount int64
}

type RankRepository interface {
	Rollup(ctx context.Context, period Period, key string, from, to time.Time, w domain.Weights) (int64, error)
	Top(ctx context.Context, period Period, key string, limit int) ([]RankRow, error)
}

type rankRepo struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

func NewRankRepository(pool *pgxpool.Pool) RankRepository {
	return &rankRepo{
		pool:   pool,
		tracer: otel.Tracer("rank_repository"),
	}
}

// Rollup recomputes the period's scores from the daily table in one bulk upsert.
func (r *rankRepo) Rollup(ctx context.Context, period Period, key string, from, to time.Time, w domain.Weights) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "RankRepository.Rollup")
	defer span.End()

	span.SetAttributes(
		attribute.String("period", string(period)),
		attribute.String("period_key", key),
	)

	query := fmt.Sprintf(`
		INSERT INTO %s (period_key, product_id, score, like_count, view_count, order_count)
		SELECT $1, product_id,
		       (SUM(like_delta) * $4::float8 + SUM(view_delta) * $5::float8 + SUM(order_delta) * $6::float8)::numeric(18, 4),
		       SUM(like_delta), SUM(view_delta), SUM(order_delta)
		FROM product_metrics_daily
		WHERE metric_date BETWEEN $2::date AND $3::date
		GROUP BY product_id
		ON CONFLICT (period_key, product_id) DO UPDATE
		SET score       = EXCLUDED.score,
		    like_count  = EXCLUDED.like_count,
		    view_count  = EXCLUDED.view_count,
		    order_count = EXCLUDED.order_count,
		    updated_at  = NOW()
	`, period.table())

	tag, err := r.pool.Exec(ctx, query, key, domain.Truncate(from), domain.Truncate(to), w.Like, w.View, w.Order)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to roll up %s ranking %s: %w", period, key, err)
	}

	return tag.RowsAffected(), nil
}

func (r *rankRepo) Top(ctx context.Context, period Period, key string, limit int) ([]RankRow, error) {
	query := fmt.Sprintf(`
		SELECT period_key, product_id, score::float8, like_count, view_count, order_count
		FROM %s
		WHERE period_key = $1
		ORDER BY score DESC, product_id
		LIMIT $2
	`, period.table())

	rows, err := r.pool.Query(ctx, query, key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s ranking: %w", period, err)
	}
	defer rows.Close()

	var out []RankRow
	for rows.Next() {
		var row RankRow
		if err := rows.Scan(&row.PeriodKey, &row.ProductID, &row.Score, &row.LikeCount, &row.ViewCount, &row.OrderCount); err != nil {
			return nil, fmt.Errorf("error scanning ranking row: %w", err)
		}
		out = append(out, row)
	}

	return out, rows.Err()
}
