package tests

import (
	"context"
	"time"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/services/product/internal/service"
	"github.com/shopspring/decimal"
)

func (s *IntegrationTestSuite) TestFindByID_Success() {
	s.seedProduct(1, "A Great Chaos Vinyl", 5)

	product, err := s.CachedProductService.FindByID(s.Ctx, 1)
	s.Require().NoError(err)
	s.Require().Equal(int64(1), product.ID)
	s.Require().Equal("A Great Chaos Vinyl", product.Name)
	s.Require().True(decimal.RequireFromString("1500.50").Equal(product.Price))
	s.Require().Equal(int64(5), product.Stock)
	s.Require().Equal("Loopers", product.Brand.Name)

	val, err := s.Redis.Get(s.Ctx, service.CacheKey(1)).Result()
	s.Require().NoError(err)
	s.Require().Contains(val, "A Great Chaos Vinyl")
}

func (s *IntegrationTestSuite) TestFindByID_ServedFromCache() {
	s.seedProduct(1, "黒波・混沌 Edition", 1)

	_, err := s.CachedProductService.FindByID(s.Ctx, 1)
	s.Require().NoError(err)

	_, err = s.DbPool.Exec(s.Ctx, `UPDATE products SET name = 'renamed' WHERE id = 1`)
	s.Require().NoError(err)

	cached, err := s.CachedProductService.FindByID(s.Ctx, 1)
	s.Require().NoError(err)
	s.Require().Equal("黒波・混沌 Edition", cached.Name)

	s.CachedProductService.Invalidate(s.Ctx, 1)

	fresh, err := s.CachedProductService.FindByID(s.Ctx, 1)
	s.Require().NoError(err)
	s.Require().Equal("renamed", fresh.Name)
}

func (s *IntegrationTestSuite) TestFindByID_CorruptCacheEntryFallsBack() {
	s.seedProduct(1, "vinyl", 1)
	s.Require().NoError(s.Redis.Set(s.Ctx, service.CacheKey(1), "{not json", time.Minute).Err())

	product, err := s.CachedProductService.FindByID(s.Ctx, 1)
	s.Require().NoError(err)
	s.Require().Equal("vinyl", product.Name)
}

func (s *IntegrationTestSuite) TestFindByID_NotFound() {
	product, err := s.CachedProductService.FindByID(s.Ctx, 999)
	s.Require().Nil(product)
	s.Require().ErrorIs(err, apperr.ErrNotFound)

	exists, err := s.Redis.Exists(s.Ctx, service.CacheKey(999)).Result()
	s.Require().NoError(err)
	s.Require().Zero(exists)
}

func (s *IntegrationTestSuite) TestFindByID_ContextTimeout() {
	s.seedProduct(1, "timeout test product", 1)

	timeoutCtx, cancel := context.WithTimeout(s.Ctx, time.Microsecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	val, err := s.ProductService.FindByID(timeoutCtx, 1)
	s.Require().Error(err)
	s.Require().ErrorIs(err, context.DeadlineExceeded)
	s.Require().Nil(val)
}
