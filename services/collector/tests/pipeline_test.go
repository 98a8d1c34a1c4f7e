package tests

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	shared "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/domain"
)

func (s *IntegrationTestSuite) TestLikesAlreadyInLedgerAreSkipped() {
	s.markHandled("e1", "e2")

	batch := []*sarama.ConsumerMessage{
		s.like("e1", 10),
		s.like("e2", 10),
		s.like("e3", 10),
		s.like("e4", 10),
		s.like("e5", 10),
	}

	res, err := s.Pipeline.Process(s.Ctx, batch)
	s.Require().NoError(err)
	s.Require().Equal(3, res.Applied)
	s.Require().Equal(2, res.Duplicates)

	s.Require().Equal(int64(3), s.metrics(10).LikeCount)
	s.Require().Equal(int64(5), s.ledgerSize())
}

func (s *IntegrationTestSuite) TestRedeliveredBatchIsAppliedOnce() {
	batch := []*sarama.ConsumerMessage{s.like("e1", 10), s.view("e2", 10)}

	_, err := s.Pipeline.Process(s.Ctx, batch)
	s.Require().NoError(err)

	res, err := s.Pipeline.Process(s.Ctx, batch)
	s.Require().NoError(err)
	s.Require().Zero(res.Applied)

	m := s.metrics(10)
	s.Require().Equal(int64(1), m.LikeCount)
	s.Require().Equal(int64(1), m.ViewCount)
	s.Require().Equal(int64(2), s.ledgerSize())
}

func (s *IntegrationTestSuite) TestDuplicateIdsWithinBatch() {
	res, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
		s.like("e1", 10),
		s.like("e1", 10),
		s.like("e1", 10),
	})
	s.Require().NoError(err)
	s.Require().Equal(1, res.Applied)
	s.Require().Equal(2, res.Duplicates)

	s.Require().Equal(int64(1), s.metrics(10).LikeCount)
}

func (s *IntegrationTestSuite) TestIndividualEventsEqualPresummedDelta() {
	signs := []int{1, 1, 1, -1, 1, 1, -1, 1}

	var batch []*sarama.ConsumerMessage
	for i, sign := range signs {
		batch = append(batch, s.likeOrUnlike(fmt.Sprintf("batch-%d", i), 10, sign))
	}

	_, err := s.Pipeline.Process(s.Ctx, batch)
	s.Require().NoError(err)

	for i, sign := range signs {
		_, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
			s.likeOrUnlike(fmt.Sprintf("single-%d", i), 20, sign),
		})
		s.Require().NoError(err)
	}

	s.Require().Equal(int64(4), s.metrics(10).LikeCount)
	s.Require().Equal(s.metrics(10).LikeCount, s.metrics(20).LikeCount)
}

func (s *IntegrationTestSuite) TestUnlikeBeforeLikeMatchesNetDelta() {
	signs := []int{-1, 1, -1, -1, 1}

	var batch []*sarama.ConsumerMessage
	for i, sign := range signs {
		batch = append(batch, s.likeOrUnlike(fmt.Sprintf("net-%d", i), 30, sign))
	}

	_, err := s.Pipeline.Process(s.Ctx, batch)
	s.Require().NoError(err)

	for i, sign := range signs {
		_, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
			s.likeOrUnlike(fmt.Sprintf("step-%d", i), 40, sign),
		})
		s.Require().NoError(err)
	}

	s.Require().Equal(int64(-1), s.metrics(30).LikeCount)
	s.Require().Equal(s.metrics(30).LikeCount, s.metrics(40).LikeCount)

	// -1 then +1 one at a time
	_, err = s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{s.unlike("late-1", 50)})
	s.Require().NoError(err)
	s.Require().Equal(int64(-1), s.metrics(50).LikeCount)

	_, err = s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{s.like("late-2", 50)})
	s.Require().NoError(err)
	s.Require().Zero(s.metrics(50).LikeCount)
}

func (s *IntegrationTestSuite) likeOrUnlike(id string, productID int64, sign int) *sarama.ConsumerMessage {
	if sign < 0 {
		return s.unlike(id, productID)
	}
	return s.like(id, productID)
}

func (s *IntegrationTestSuite) TestOrderCreatedSumsQuantities() {
	res, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
		s.order("o1", shared.OrderItem{ProductID: 1, Quantity: 1}, shared.OrderItem{ProductID: 2, Quantity: 2}),
		s.order("o2", shared.OrderItem{ProductID: 2, Quantity: 3}),
		s.envelope(s.Topology.OrderTopic, "o3", shared.EventOrderCompleted, shared.OrderCompletedEvent{OrderID: 1}),
	})
	s.Require().NoError(err)
	s.Require().Equal(3, res.Applied)

	m := s.metrics(2)
	s.Require().Equal(int64(2), m.OrderCount)
	s.Require().Equal(int64(5), m.TotalQuantity)
	s.Require().Equal(int64(1), s.metrics(1).TotalQuantity)
	s.Require().Equal(int64(3), s.ledgerSize())

	s.Require().Equal([][]int64{{1, 2}}, s.Stock.calls)
}

func (s *IntegrationTestSuite) TestMalformedMessagesGoToDLQ() {
	broken := &sarama.ConsumerMessage{Topic: s.Topology.ProductLikeTopic, Value: []byte("{not json"), Offset: 99}

	res, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
		broken,
		s.like("e1", 10),
	})
	s.Require().NoError(err)
	s.Require().Equal(1, res.Malformed)
	s.Require().Equal(1, res.Applied)

	s.Require().Len(s.DLQ.raw, 1)
	s.Require().Equal(int64(99), s.DLQ.raw[0].Offset)
	s.Require().Equal(int64(1), s.metrics(10).LikeCount)
}

func (s *IntegrationTestSuite) TestFailingEventIsIsolated() {
	s.Metrics.poison[13] = true

	res, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
		s.like("e1", 10),
		s.like("e2", 13),
		s.view("e3", 10),
	})
	s.Require().NoError(err)
	s.Require().Equal(2, res.Applied)
	s.Require().Equal(1, res.DeadLetter)

	s.Require().Len(s.DLQ.events, 1)
	s.Require().Equal("e2", s.DLQ.events[0].EventID)

	m := s.metrics(10)
	s.Require().Equal(int64(1), m.LikeCount)
	s.Require().Equal(int64(1), m.ViewCount)

	exists, err := s.Ledger.Exists(s.Ctx, s.DbPool, "e2")
	s.Require().NoError(err)
	s.Require().False(exists)
}

func (s *IntegrationTestSuite) TestCancelledContextLeavesBatchUncommitted() {
	s.Metrics.poison[13] = true

	ctx, cancel := context.WithCancel(s.Ctx)
	cancel()

	err := s.Pipeline.Handle(ctx, []*sarama.ConsumerMessage{s.like("e1", 13)})
	s.Require().ErrorIs(err, context.Canceled)
	s.Require().Empty(s.DLQ.events)
}

func (s *IntegrationTestSuite) TestDailyRowTracksDeltas() {
	_, err := s.Pipeline.Process(s.Ctx, []*sarama.ConsumerMessage{
		s.like("e1", 10),
		s.view("e2", 10),
		s.view("e3", 10),
		s.order("o1", shared.OrderItem{ProductID: 10, Quantity: 4}),
	})
	s.Require().NoError(err)

	var like, view, order int64
	var processed bool
	s.Require().NoError(s.DbPool.QueryRow(s.Ctx, `
		SELECT like_delta, view_delta, order_delta, is_processed
		FROM product_metrics_daily
		WHERE product_id = 10 AND metric_date = $1
	`, domain.Truncate(time.Now())).Scan(&like, &view, &order, &processed))

	s.Require().Equal(int64(1), like)
	s.Require().Equal(int64(2), view)
	s.Require().Equal(int64(4), order)
	s.Require().False(processed)
}

func (s *IntegrationTestSuite) TestConcurrentMetricsRowCreation() {
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			tx, err := s.DbPool.Begin(s.Ctx)
			if err != nil {
				errs <- err
				return
			}
			defer func() { _ = tx.Rollback(s.Ctx) }()

			if err := s.Metrics.Apply(s.Ctx, tx, time.Now(), domain.Deltas{77: {Like: 1}}); err != nil {
				errs <- err
				return
			}
			errs <- tx.Commit(s.Ctx)
		}()
	}

	s.Require().NoError(<-errs)
	s.Require().NoError(<-errs)
	s.Require().Equal(int64(2), s.metrics(77).LikeCount)
}
