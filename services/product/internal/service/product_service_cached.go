package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/product/internal/domain"
	"go.uber.org/zap"
)

func CacheKey(id int64) string {
	return events.ProductCacheKey(id)
}

// CachedProductService serves FindByID from Redis and evicts on like changes.
// Redis failures degrade to the database path.
type CachedProductService struct {
	next        ProductService
	redisClient *redis.Client
	cacheTTL    time.Duration
	logger      *zap.Logger
}

func NewCachedProductService(next ProductService, redisClient *redis.Client, cacheTTL time.Duration, logger *zap.Logger) *CachedProductService {
	if cacheTTL <= 0 {
		cacheTTL = 10 * time.Minute
	}

	return &CachedProductService{
		next:        next,
		redisClient: redisClient,
		cacheTTL:    cacheTTL,
		logger:      logger,
	}
}

func (s *CachedProductService) FindByID(ctx context.Context, id int64) (*domain.Product, error) {
	key := CacheKey(id)

	val, err := s.redisClient.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var product domain.Product
		if err := json.Unmarshal(val, &product); err == nil {
			return &product, nil
		}
		mylogger.Warn(ctx, s.logger, "Corrupt product cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		mylogger.Warn(ctx, s.logger, "Product cache read failed", zap.String("key", key), zap.Error(err))
	}

	product, err := s.next.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(product); err == nil {
		if err := s.redisClient.Set(ctx, key, data, s.cacheTTL).Err(); err != nil {
			mylogger.Warn(ctx, s.logger, "Product cache write failed", zap.String("key", key), zap.Error(err))
		}
	}

	return product, nil
}

func (s *CachedProductService) AddLike(ctx context.Context, userID, productID int64) (bool, error) {
	changed, err := s.next.AddLike(ctx, userID, productID)
	if err != nil {
		return false, err
	}

	if changed {
		s.Invalidate(ctx, productID)
	}

	return changed, nil
}

func (s *CachedProductService) RemoveLike(ctx context.Context, userID, productID int64) (bool, error) {
	changed, err := s.next.RemoveLike(ctx, userID, productID)
	if err != nil {
		return false, err
	}

	if changed {
		s.Invalidate(ctx, productID)
	}

	return changed, nil
}

func (s *CachedProductService) RecordView(ctx context.Context, userID, productID int64) error {
	return s.next.RecordView(ctx, userID, productID)
}

func (s *CachedProductService) Invalidate(ctx context.Context, ids ...int64) {
	if len(ids) == 0 {
		return
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = CacheKey(id)
	}

	if err := s.redisClient.Del(ctx, keys...).Err(); err != nil {
		mylogger.Warn(ctx, s.logger, "Product cache eviction failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
