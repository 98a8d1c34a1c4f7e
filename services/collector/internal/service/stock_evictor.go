package service

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	shared "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/catalog"
	"go.uber.org/zap"
)

type ProductReader interface {
	GetProduct(ctx context.Context, id int64) (*catalog.Product, error)
}

// StockEvictor drops cached catalog entries for products that sold out or fell
// to the stock threshold, so buyers stop seeing a stale stock figure.
type StockEvictor struct {
	products  ProductReader
	redis     *redis.Client
	threshold int64
	logger    *zap.Logger
}

func NewStockEvictor(products ProductReader, rdb *redis.Client, threshold int64, logger *zap.Logger) *StockEvictor {
	return &StockEvictor{
		products:  products,
		redis:     rdb,
		threshold: threshold,
		logger:    logger,
	}
}

func (s *StockEvictor) BelowThreshold(stock int64) bool {
	return stock <= 0 || stock <= s.threshold
}

// Check never fails the caller; lookups and evictions are best effort and an
// entry left behind expires with its TTL.
func (s *StockEvictor) Check(ctx context.Context, productIDs []int64) {
	for _, id := range productIDs {
		p, err := s.products.GetProduct(ctx, id)
		if err != nil {
			if !errors.Is(err, catalog.ErrProductNotFound) {
				mylogger.Warn(ctx, s.logger, "Stock lookup failed", zap.Int64("product_id", id), zap.Error(err))
			}
			continue
		}

		if !s.BelowThreshold(p.Stock) {
			continue
		}

		deleted, err := s.redis.Del(ctx, shared.ProductCacheKey(id)).Result()
		if err != nil {
			mylogger.Error(ctx, s.logger, "Product cache eviction failed", zap.Int64("product_id", id), zap.Error(err))
			continue
		}

		mylogger.Info(
			ctx,
			s.logger,
			"Low stock, product cache evicted",
			zap.Int64("product_id", id),
			zap.Int64("stock", p.Stock),
			zap.Int64("threshold", s.threshold),
			zap.Bool("was_cached", deleted > 0),
		)
	}
}
