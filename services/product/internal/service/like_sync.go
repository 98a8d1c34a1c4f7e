package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/product/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/product/internal/repository"
	"go.uber.org/zap"
)

type Invalidator interface {
	Invalidate(ctx context.Context, ids ...int64)
}

// LikeSync periodically repairs products.like_count from product_likes.
type LikeSync struct {
	repo        repository.ProductRepository
	pool        *pgxpool.Pool
	invalidator Invalidator
	cfg         config.LikeSync
	logger      *zap.Logger
}

func NewLikeSync(repo repository.ProductRepository, pool *pgxpool.Pool, invalidator Invalidator, cfg config.LikeSync, logger *zap.Logger) *LikeSync {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}

	return &LikeSync{
		repo:        repo,
		pool:        pool,
		invalidator: invalidator,
		cfg:         cfg,
		logger:      logger,
	}
}

func (l *LikeSync) Start(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(l.cfg.InitialDelay):
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := l.SyncOnce(ctx); err != nil {
			mylogger.Error(ctx, l.logger, "Like count sync failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *LikeSync) SyncOnce(ctx context.Context) ([]domain.LikeMismatch, error) {
	fixed, err := db.InTx(ctx, l.pool, l.logger, func(tx pgx.Tx) ([]domain.LikeMismatch, error) {
		return l.repo.SyncLikeCounts(ctx, tx)
	})
	if err != nil {
		return nil, err
	}

	if len(fixed) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(fixed))
	for i, m := range fixed {
		ids[i] = m.ProductID

		mylogger.Debug(
			ctx,
			l.logger,
			"Like count corrected",
			zap.Int64("product_id", m.ProductID),
			zap.Int64("stored", m.Stored),
			zap.Int64("actual", m.Actual),
		)
	}

	if l.invalidator != nil {
		l.invalidator.Invalidate(ctx, ids...)
	}

	mylogger.Info(ctx, l.logger, "Like counts synchronized", zap.Int("fixed", len(fixed)))

	return fixed, nil
}
