package tests

import (
	"sync"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/services/product/internal/service"
)

func (s *IntegrationTestSuite) TestAddLike_IsIdempotent() {
	s.seedProduct(1, "vinyl", 3)

	changed, err := s.CachedProductService.AddLike(s.Ctx, 7, 1)
	s.Require().NoError(err)
	s.Require().True(changed)

	changed, err = s.CachedProductService.AddLike(s.Ctx, 7, 1)
	s.Require().NoError(err)
	s.Require().False(changed)

	s.Require().Equal(int64(1), s.likeCount(1))
	s.Require().Equal(1, s.countOutbox(events.EventLikeAdded))
	s.Require().Equal(1, s.countOutbox(events.EventUserActivity))
}

func (s *IntegrationTestSuite) TestLikeEvictsCachedProduct() {
	s.seedProduct(1, "vinyl", 3)

	before, err := s.CachedProductService.FindByID(s.Ctx, 1)
	s.Require().NoError(err)
	s.Require().Zero(before.LikeCount)

	_, err = s.CachedProductService.AddLike(s.Ctx, 7, 1)
	s.Require().NoError(err)

	after, err := s.CachedProductService.FindByID(s.Ctx, 1)
	s.Require().NoError(err)
	s.Require().Equal(int64(1), after.LikeCount)
}

func (s *IntegrationTestSuite) TestRemoveLike() {
	s.seedProduct(1, "vinyl", 3)

	changed, err := s.CachedProductService.RemoveLike(s.Ctx, 7, 1)
	s.Require().NoError(err)
	s.Require().False(changed)
	s.Require().Zero(s.countOutbox(events.EventLikeRemoved))

	_, err = s.CachedProductService.AddLike(s.Ctx, 7, 1)
	s.Require().NoError(err)

	changed, err = s.CachedProductService.RemoveLike(s.Ctx, 7, 1)
	s.Require().NoError(err)
	s.Require().True(changed)

	s.Require().Zero(s.likeCount(1))
	s.Require().Equal(1, s.countOutbox(events.EventLikeRemoved))
}

func (s *IntegrationTestSuite) TestConcurrentLikesFromManyUsers() {
	s.seedProduct(1, "vinyl", 3)

	const users = 20

	var wg sync.WaitGroup
	for u := int64(1); u <= users; u++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, err := s.ProductService.AddLike(s.Ctx, userID, 1)
			s.NoError(err)
		}(u)
	}
	wg.Wait()

	s.Require().Equal(int64(users), s.likeCount(1))
	s.Require().Equal(users, s.countOutbox(events.EventLikeAdded))
}

func (s *IntegrationTestSuite) TestLikeUnknownProduct() {
	_, err := s.ProductService.AddLike(s.Ctx, 7, 404)
	s.Require().ErrorIs(err, apperr.ErrNotFound)
	s.Require().Zero(s.countOutbox(events.EventUserActivity))
}

func (s *IntegrationTestSuite) TestRecordView() {
	s.seedProduct(1, "vinyl", 3)

	s.Require().NoError(s.ProductService.RecordView(s.Ctx, 0, 1))
	s.Require().NoError(s.ProductService.RecordView(s.Ctx, 7, 1))

	s.Require().Equal(2, s.countOutbox(events.EventViewIncreased))
	s.Require().Equal(1, s.countOutbox(events.EventUserActivity))

	var aggregate string
	s.Require().NoError(s.DbPool.QueryRow(
		s.Ctx,
		`SELECT aggregate_type FROM outbox WHERE event_type = $1 LIMIT 1`,
		events.EventViewIncreased,
	).Scan(&aggregate))
	s.Require().Equal("PRODUCT_VIEW", aggregate)
}

func (s *IntegrationTestSuite) TestLikeSync_RepairsDrift() {
	s.seedProduct(1, "vinyl", 3)
	s.seedProduct(2, "tape", 3)

	_, err := s.ProductService.AddLike(s.Ctx, 7, 1)
	s.Require().NoError(err)
	_, err = s.ProductService.AddLike(s.Ctx, 8, 1)
	s.Require().NoError(err)

	_, err = s.DbPool.Exec(s.Ctx, `UPDATE products SET like_count = CASE id WHEN 1 THEN 5 ELSE 9 END`)
	s.Require().NoError(err)

	_, err = s.CachedProductService.FindByID(s.Ctx, 1)
	s.Require().NoError(err)

	fixed, err := s.LikeSync.SyncOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Len(fixed, 2)

	s.Require().Equal(int64(2), s.likeCount(1))
	s.Require().Zero(s.likeCount(2))

	exists, err := s.Redis.Exists(s.Ctx, service.CacheKey(1)).Result()
	s.Require().NoError(err)
	s.Require().Zero(exists)

	fixed, err = s.LikeSync.SyncOnce(s.Ctx)
	s.Require().NoError(err)
	s.Require().Empty(fixed)
}
