package service

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type RankedProduct struct {
	Rank      int
	ProductID int64
	Score     float64
}

// Ranking pushes daily metric deltas into Redis sorted sets and maintains the
// weekly and monthly tables.
type Ranking struct {
	pool    db.Beginner
	metrics repository.MetricsRepository
	ranks   repository.RankRepository
	redis   *redis.Client
	cfg     config.Ranking
	weights domain.Weights
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

func NewRanking(
	pool db.Beginner,
	metrics repository.MetricsRepository,
	ranks repository.RankRepository,
	rdb *redis.Client,
	cfg config.Ranking,
	logger *zap.Logger,
) *Ranking {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 48 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}

	return &Ranking{
		pool:    pool,
		metrics: metrics,
		ranks:   ranks,
		redis:   rdb,
		cfg:     cfg,
		weights: domain.Weights{Like: cfg.LikeWeight, View: cfg.ViewWeight, Order: cfg.OrderWeight},
		logger:  logger,
		tracer:  otel.Tracer("ranking"),
		now:     time.Now,
	}
}

// Start runs the ETL every Interval and the rollup plus retention once a day at
// RollupHour.
func (r *Ranking) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	daily := time.NewTimer(time.Until(NextRun(r.now(), r.cfg.RollupHour)))
	defer daily.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RefreshToday(ctx); err != nil {
				mylogger.Error(ctx, r.logger, "Ranking refresh failed", zap.Error(err))
			}
		case <-daily.C:
			r.runDaily(ctx)
			daily.Reset(time.Until(NextRun(r.now(), r.cfg.RollupHour)))
		}
	}
}

func (r *Ranking) runDaily(ctx context.Context) {
	if err := r.CloseDay(ctx, r.now().AddDate(0, 0, -1)); err != nil {
		mylogger.Error(ctx, r.logger, "Closing previous ranking day failed", zap.Error(err))
	}
	if _, err := r.Cleanup(ctx); err != nil {
		mylogger.Error(ctx, r.logger, "Daily metrics cleanup failed", zap.Error(err))
	}
}

// CloseDay pushes what the interval refresh missed before day ended, then
// rolls the day into its week and month.
func (r *Ranking) CloseDay(ctx context.Context, day time.Time) error {
	if _, err := r.Refresh(ctx, day); err != nil {
		return err
	}

	return r.Rollup(ctx, day)
}

// NextRun is the next occurrence of hour:00 strictly after now.
func NextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}

	return next
}

func (r *Ranking) RefreshToday(ctx context.Context) (int, error) {
	return r.Refresh(ctx, r.now())
}

// Refresh adds the not yet ranked part of the day's deltas to the day's sorted
// sets and records it as ranked. Redis is written before the commit, so a
// failed commit can count a delta twice.
func (r *Ranking) Refresh(ctx context.Context, day time.Time) (int, error) {
	ctx, span := r.tracer.Start(ctx, "Ranking.Refresh")
	defer span.End()

	n, err := db.InTx(ctx, r.pool, r.logger, func(tx pgx.Tx) (int, error) {
		rows, err := r.metrics.LockPendingDaily(ctx, tx, day)
		if err != nil {
			return 0, err
		}
		if len(rows) == 0 {
			return 0, nil
		}

		if err := r.push(ctx, day, rows); err != nil {
			return 0, err
		}

		return len(rows), r.metrics.MarkRanked(ctx, tx, rows)
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	span.SetAttributes(attribute.Int("ranking.rows", n))

	if n > 0 {
		mylogger.Info(ctx, r.logger, "Ranking refreshed", zap.Int("rows", n), zap.Time("day", day))
	}

	return n, nil
}

func (r *Ranking) push(ctx context.Context, day time.Time, rows []domain.DailyMetrics) error {
	keys := map[domain.RankingBoard]string{
		domain.BoardLike:  domain.RankingKey(domain.BoardLike, day),
		domain.BoardView:  domain.RankingKey(domain.BoardView, day),
		domain.BoardOrder: domain.RankingKey(domain.BoardOrder, day),
		domain.BoardAll:   domain.RankingKey(domain.BoardAll, day),
	}

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, m := range rows {
			member := strconv.FormatInt(m.ProductID, 10)
			like, view, order := m.Pending()

			if like != 0 {
				pipe.ZIncrBy(ctx, keys[domain.BoardLike], float64(like), member)
			}
			if view != 0 {
				pipe.ZIncrBy(ctx, keys[domain.BoardView], float64(view), member)
			}
			if order != 0 {
				pipe.ZIncrBy(ctx, keys[domain.BoardOrder], float64(order), member)
			}
			if score := r.weights.Score(like, view, order); score != 0 {
				pipe.ZIncrBy(ctx, keys[domain.BoardAll], score, member)
			}
		}

		for _, key := range keys {
			pipe.Expire(ctx, key, r.cfg.KeyTTL)
		}

		return nil
	})

	return err
}

// Top reads the composite board of a day, best first.
func (r *Ranking) Top(ctx context.Context, day time.Time, limit int) ([]RankedProduct, error) {
	entries, err := r.redis.ZRevRangeWithScores(ctx, domain.RankingKey(domain.BoardAll, day), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]RankedProduct, 0, len(entries))
	for i, z := range entries {
		member, _ := z.Member.(string)
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			mylogger.Warn(ctx, r.logger, "Skipping malformed ranking member", zap.String("member", member))
			continue
		}

		out = append(out, RankedProduct{Rank: i + 1, ProductID: id, Score: z.Score})
	}

	return out, nil
}

// Rollup recomputes the week and month that contain day.
func (r *Ranking) Rollup(ctx context.Context, day time.Time) error {
	weekKey, weekFrom, weekTo := domain.WeekPeriod(day)
	weekly, err := r.ranks.Rollup(ctx, repository.PeriodWeekly, weekKey, weekFrom, weekTo, r.weights)
	if err != nil {
		return err
	}

	monthKey, monthFrom, monthTo := domain.MonthPeriod(day)
	monthly, err := r.ranks.Rollup(ctx, repository.PeriodMonthly, monthKey, monthFrom, monthTo, r.weights)
	if err != nil {
		return err
	}

	mylogger.Info(
		ctx,
		r.logger,
		"Ranking rollup done",
		zap.String("week", weekKey),
		zap.Int64("weekly_rows", weekly),
		zap.String("month", monthKey),
		zap.Int64("monthly_rows", monthly),
	)

	return nil
}

func (r *Ranking) TopPeriod(ctx context.Context, period repository.Period, key string, limit int) ([]repository.RankRow, error) {
	return r.ranks.Top(ctx, period, key, limit)
}

// Cleanup deletes daily rows older than the retention window.
func (r *Ranking) Cleanup(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.cfg.Retention)

	n, err := r.metrics.DeleteDailyBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	mylogger.Info(ctx, r.logger, "Old daily metrics deleted", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))

	return n, nil
}
