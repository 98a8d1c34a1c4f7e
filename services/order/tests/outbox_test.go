package tests

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/pkg/kafka"
	"github.com/sakashimaa/commerce-saga/pkg/outbox"
	outboxDomain "github.com/sakashimaa/commerce-saga/pkg/outbox/domain"
	"github.com/sakashimaa/commerce-saga/pkg/outbox/worker"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/service"
)

func (s *IntegrationTestSuite) TestOutbox_RollbackLeavesNoRow() {
	recorder := outbox.NewRecorder(s.OutboxRepo, s.logger)
	topology := config.DefaultTopology()

	tx, err := s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)
	s.Require().NoError(recorder.Record(s.Ctx, tx, topology.OrderAggregate, "1", events.EventOrderCreated, map[string]int{"orderId": 1}))
	s.Require().NoError(tx.Rollback(s.Ctx))

	s.Zero(s.countRows("outbox"))

	err = db.RunInTx(s.Ctx, s.DbPool, s.logger, func(tx pgx.Tx) error {
		return recorder.Record(s.Ctx, tx, topology.OrderAggregate, "1", events.EventOrderCreated, map[string]int{"orderId": 1})
	})
	s.Require().NoError(err)

	pending, err := s.OutboxRepo.CountByStatus(s.Ctx, outboxDomain.StatusPending)
	s.Require().NoError(err)
	s.Equal(int64(1), pending)
}

func (s *IntegrationTestSuite) TestOutbox_UnencodablePayloadIsDropped() {
	recorder := outbox.NewRecorder(s.OutboxRepo, s.logger)

	err := db.RunInTx(s.Ctx, s.DbPool, s.logger, func(tx pgx.Tx) error {
		return recorder.Record(s.Ctx, tx, "ORDER", "1", events.EventOrderCreated, map[string]any{"bad": make(chan int)})
	})
	s.Require().NoError(err)
	s.Zero(s.countRows("outbox"))
}

func (s *IntegrationTestSuite) TestOutbox_PublishesOrderEventsToKafka() {
	s.seedUser(1, "1000")
	s.seedProduct(1, "100", 10)

	_, err := s.Saga.CreateOrder(s.Ctx, service.CreateOrderCommand{
		UserID:      1,
		Items:       []service.OrderLine{{ProductID: 1, Quantity: 1}},
		PaymentType: domain.PaymentMethodPoint,
	})
	s.Require().NoError(err)

	// an aggregate type nothing routes
	err = db.RunInTx(s.Ctx, s.DbPool, s.logger, func(tx pgx.Tx) error {
		return outbox.NewRecorder(s.OutboxRepo, s.logger).Record(s.Ctx, tx, "SHIPMENT", "1", "Shipped", map[string]int{"id": 1})
	})
	s.Require().NoError(err)

	producer, err := kafka.NewProducer(config.Kafka{
		Brokers:    s.KafkaBrokers,
		AckTimeout: 10 * time.Second,
		RetryMax:   5,
	}, s.logger)
	s.Require().NoError(err)
	defer producer.Close()

	processor := worker.NewOutboxProcessor(s.DbPool, s.OutboxRepo, producer, config.DefaultTopology(), config.Outbox{
		BatchSize:     50,
		RetryCooldown: 0,
		MaxAttempts:   5,
	}, s.logger)

	res, err := processor.PublishPending(s.Ctx)
	s.Require().NoError(err)
	s.Equal(3, res.Published)
	s.Equal(1, res.Failed)

	published, err := s.OutboxRepo.CountByStatus(s.Ctx, outboxDomain.StatusPublished)
	s.Require().NoError(err)
	s.Equal(int64(3), published)

	var attempts int
	var lastError *string
	err = s.DbPool.QueryRow(s.Ctx, `SELECT attempts, last_error FROM outbox WHERE status = 'FAILED'`).Scan(&attempts, &lastError)
	s.Require().NoError(err)
	s.Equal(1, attempts)
	s.Require().NotNil(lastError)
	s.Contains(*lastError, "unknown aggregate type")

	requeued, err := processor.SweepFailed(s.Ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), requeued)

	res, err = processor.PublishPending(s.Ctx)
	s.Require().NoError(err)
	s.Zero(res.Published)
	s.Equal(1, res.Failed)
}

// failingOnceProducer rejects its first send and records later ones as
// "key:eventType".
type failingOnceProducer struct {
	calls int
	sent  []string
}

func (p *failingOnceProducer) ProduceMessage(_ context.Context, _ string, key string, value []byte) error {
	p.calls++
	if p.calls == 1 {
		return errors.New("leader not available")
	}

	var env events.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return err
	}
	p.sent = append(p.sent, key+":"+env.EventType)
	return nil
}

func (s *IntegrationTestSuite) recordLike(productID, eventType string) {
	topology := config.DefaultTopology()
	err := db.RunInTx(s.Ctx, s.DbPool, s.logger, func(tx pgx.Tx) error {
		return outbox.NewRecorder(s.OutboxRepo, s.logger).Record(s.Ctx, tx, topology.ProductLikeAggregate, productID, eventType, map[string]string{"productId": productID})
	})
	s.Require().NoError(err)
}

func (s *IntegrationTestSuite) TestOutbox_FailedRowHoldsBackItsAggregate() {
	s.recordLike("10", events.EventLikeAdded)
	s.recordLike("10", events.EventLikeRemoved)
	s.recordLike("11", events.EventLikeAdded)

	producer := &failingOnceProducer{}
	processor := worker.NewOutboxProcessor(s.DbPool, s.OutboxRepo, producer, config.DefaultTopology(), config.Outbox{
		BatchSize:     50,
		RetryCooldown: 0,
		MaxAttempts:   5,
	}, s.logger)

	res, err := processor.PublishPending(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, res.Failed)
	s.Equal(1, res.Published)
	s.Equal([]string{"11:" + events.EventLikeAdded}, producer.sent)

	res, err = processor.PublishPending(s.Ctx)
	s.Require().NoError(err)
	s.Zero(res.Published)

	requeued, err := processor.SweepFailed(s.Ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), requeued)

	res, err = processor.PublishPending(s.Ctx)
	s.Require().NoError(err)
	s.Equal(2, res.Published)
	s.Equal([]string{
		"11:" + events.EventLikeAdded,
		"10:" + events.EventLikeAdded,
		"10:" + events.EventLikeRemoved,
	}, producer.sent)
}

func (s *IntegrationTestSuite) TestOutbox_LockedRowHoldsBackLaterRowsOfAggregate() {
	s.recordLike("10", events.EventLikeAdded)
	s.recordLike("10", events.EventLikeRemoved)
	s.recordLike("11", events.EventLikeAdded)

	var first, second, other int64
	err := s.DbPool.QueryRow(s.Ctx, `
		SELECT
			MIN(id) FILTER (WHERE aggregate_id = '10'),
			MAX(id) FILTER (WHERE aggregate_id = '10'),
			MIN(id) FILTER (WHERE aggregate_id = '11')
		FROM outbox`).Scan(&first, &second, &other)
	s.Require().NoError(err)

	// another publisher holds the oldest row of product 10
	holder, err := s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)
	defer func() { _ = holder.Rollback(s.Ctx) }()

	locked, err := s.OutboxRepo.LockPending(s.Ctx, holder, first)
	s.Require().NoError(err)
	s.Require().NotNil(locked)

	err = db.RunInTx(s.Ctx, s.DbPool, s.logger, func(tx pgx.Tx) error {
		next, err := s.OutboxRepo.LockPending(s.Ctx, tx, second)
		s.Require().NoError(err)
		s.Nil(next)

		unrelated, err := s.OutboxRepo.LockPending(s.Ctx, tx, other)
		s.Require().NoError(err)
		s.NotNil(unrelated)
		return nil
	})
	s.Require().NoError(err)

	s.Require().NoError(s.OutboxRepo.MarkEventPublished(s.Ctx, holder, first))
	s.Require().NoError(holder.Commit(s.Ctx))

	err = db.RunInTx(s.Ctx, s.DbPool, s.logger, func(tx pgx.Tx) error {
		next, err := s.OutboxRepo.LockPending(s.Ctx, tx, second)
		s.Require().NoError(err)
		s.NotNil(next)
		return nil
	})
	s.Require().NoError(err)
}
