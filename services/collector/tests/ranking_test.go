package tests

import (
	"time"

	"github.com/IBM/sarama"
	shared "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/repository"
)

func (s *IntegrationTestSuite) score(board domain.RankingBoard, productID string) float64 {
	v, err := s.Redis.ZScore(s.Ctx, domain.RankingKey(board, time.Now()), productID).Result()
	s.Require().NoError(err)
	return v
}

func (s *IntegrationTestSuite) TestRefreshPushesOnlyUnrankedDeltas() {
	_, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
		s.like("e1", 10),
		s.like("e2", 10),
		s.view("e3", 10),
		s.order("o1", shared.OrderItem{ProductID: 10, Quantity: 2}),
	})
	s.Require().NoError(err)

	n, err := s.Ranking.RefreshToday(s.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, n)

	s.Require().Equal(2.0, s.score(domain.BoardLike, "10"))
	s.Require().Equal(1.0, s.score(domain.BoardView, "10"))
	s.Require().Equal(2.0, s.score(domain.BoardOrder, "10"))
	s.Require().InDelta(2*0.2+1*0.1+2*0.6, s.score(domain.BoardAll, "10"), 1e-9)

	n, err = s.Ranking.RefreshToday(s.Ctx)
	s.Require().NoError(err)
	s.Require().Zero(n)

	_, err = s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{s.like("e4", 10)})
	s.Require().NoError(err)

	n, err = s.Ranking.RefreshToday(s.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(1, n)
	s.Require().Equal(3.0, s.score(domain.BoardLike, "10"))

	ttl, err := s.Redis.TTL(s.Ctx, domain.RankingKey(domain.BoardAll, time.Now())).Result()
	s.Require().NoError(err)
	s.Require().Greater(ttl, 47*time.Hour)
}

func (s *IntegrationTestSuite) TestTopOrdersByCompositeScore() {
	_, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
		s.view("v1", 1),
		s.like("l1", 2),
		s.order("o1", shared.OrderItem{ProductID: 3, Quantity: 1}),
	})
	s.Require().NoError(err)

	_, err = s.Ranking.RefreshToday(s.Ctx)
	s.Require().NoError(err)

	top, err := s.Ranking.Top(s.Ctx, time.Now(), 2)
	s.Require().NoError(err)
	s.Require().Len(top, 2)
	s.Require().Equal(int64(3), top[0].ProductID)
	s.Require().Equal(1, top[0].Rank)
	s.Require().Equal(int64(2), top[1].ProductID)
}

func (s *IntegrationTestSuite) TestRollupAndCleanup() {
	today := domain.Truncate(time.Now())
	old := today.AddDate(0, 0, -40)

	tx, err := s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.MetricsRepo.Apply(s.Ctx, tx, today, domain.Deltas{5: {Like: 2, View: 10, Quantity: 1, Orders: 1}}))
	s.Require().NoError(s.MetricsRepo.Apply(s.Ctx, tx, old, domain.Deltas{5: {Like: 1}}))
	s.Require().NoError(tx.Commit(s.Ctx))

	s.Require().NoError(s.Ranking.Rollup(s.Ctx, today))

	weekKey, _, _ := domain.WeekPeriod(today)
	weekly, err := s.Ranking.TopPeriod(s.Ctx, repository.PeriodWeekly, weekKey, 10)
	s.Require().NoError(err)
	s.Require().Len(weekly, 1)
	s.Require().Equal(int64(5), weekly[0].ProductID)
	s.Require().Equal(int64(2), weekly[0].LikeCount)
	s.Require().InDelta(2*0.2+10*0.1+1*0.6, weekly[0].Score, 1e-4)

	monthKey, _, _ := domain.MonthPeriod(today)
	monthly, err := s.Ranking.TopPeriod(s.Ctx, repository.PeriodMonthly, monthKey, 10)
	s.Require().NoError(err)
	s.Require().Len(monthly, 1)

	s.Require().NoError(s.Ranking.Rollup(s.Ctx, today))
	weekly, err = s.Ranking.TopPeriod(s.Ctx, repository.PeriodWeekly, weekKey, 10)
	s.Require().NoError(err)
	s.Require().Len(weekly, 1)

	deleted, err := s.Ranking.Cleanup(s.Ctx)
	s.Require().NoError(err)
	s.Require().Equal(int64(1), deleted)
}

func (s *IntegrationTestSuite) TestCloseDayPushesLateDeltas() {
	yesterday := domain.Truncate(time.Now()).AddDate(0, 0, -1)

	tx, err := s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.MetricsRepo.Apply(s.Ctx, tx, yesterday, domain.Deltas{7: {Like: 1}}))
	s.Require().NoError(tx.Commit(s.Ctx))

	_, err = s.Ranking.Refresh(s.Ctx, yesterday)
	s.Require().NoError(err)

	// written after the last interval refresh of the day
	tx, err = s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.MetricsRepo.Apply(s.Ctx, tx, yesterday, domain.Deltas{7: {Like: 2}, 8: {View: 4}}))
	s.Require().NoError(tx.Commit(s.Ctx))

	s.Require().NoError(s.Ranking.CloseDay(s.Ctx, yesterday))

	like, err := s.Redis.ZScore(s.Ctx, domain.RankingKey(domain.BoardLike, yesterday), "7").Result()
	s.Require().NoError(err)
	s.Require().Equal(3.0, like)

	view, err := s.Redis.ZScore(s.Ctx, domain.RankingKey(domain.BoardView, yesterday), "8").Result()
	s.Require().NoError(err)
	s.Require().Equal(4.0, view)

	pending, err := s.Ranking.Refresh(s.Ctx, yesterday)
	s.Require().NoError(err)
	s.Require().Zero(pending)

	weekKey, _, _ := domain.WeekPeriod(yesterday)
	weekly, err := s.Ranking.TopPeriod(s.Ctx, repository.PeriodWeekly, weekKey, 10)
	s.Require().NoError(err)
	s.Require().Len(weekly, 2)
}
