package tests

import (
	"context"
	"time"

	shared "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/catalog"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/service"
	"go.uber.org/zap"
)

type fakeCatalog map[int64]int64

func (f fakeCatalog) GetProduct(_ context.Context, id int64) (*catalog.Product, error) {
	stock, ok := f[id]
	if !ok {
		return nil, catalog.ErrProductNotFound
	}
	return &catalog.Product{ID: id, Stock: stock}, nil
}

func (s *IntegrationTestSuite) TestStockEvictorDropsLowStockEntries() {
	for _, id := range []int64{1, 2, 3, 4} {
		s.Require().NoError(s.Redis.Set(s.Ctx, shared.ProductCacheKey(id), "{}", time.Minute).Err())
	}

	evictor := service.NewStockEvictor(fakeCatalog{1: 0, 2: 10, 3: 11}, s.Redis, 10, zap.NewNop())
	evictor.Check(s.Ctx, []int64{1, 2, 3, 4})

	for id, want := range map[int64]int64{1: 0, 2: 0, 3: 1, 4: 1} {
		n, err := s.Redis.Exists(s.Ctx, shared.ProductCacheKey(id)).Result()
		s.Require().NoError(err)
		s.Require().Equal(want, n, "product %d", id)
	}
}
