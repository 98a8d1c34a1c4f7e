// Package consumer applies metric events from the broker exactly once.
package consumer

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/ledger"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type MetricsApplier interface {
	Apply(ctx context.Context, tx pgx.Tx, day time.Time, deltas domain.Deltas) error
}

type DeadLetterSink interface {
	SendRaw(ctx context.Context, src domain.Source, value []byte, cause error)
	SendEvent(ctx context.Context, e *domain.Event, cause error)
}

// StockChecker is told which products were ordered once an order batch is
// committed.
type StockChecker interface {
	Check(ctx context.Context, productIDs []int64)
}

type BatchResult struct {
	Received   int
	Malformed  int
	Duplicates int
	Applied    int
	DeadLetter int
}

type Pipeline struct {
	pool     db.Beginner
	ledger   *ledger.Ledger
	metrics  MetricsApplier
	dlq      DeadLetterSink
	stock    StockChecker
	topology config.Topology
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	appliedCounter metric.Int64Counter
	dlqCounter     metric.Int64Counter
}

func NewPipeline(
	pool db.Beginner,
	l *ledger.Ledger,
	metrics MetricsApplier,
	dlq DeadLetterSink,
	stock StockChecker,
	topology config.Topology,
	logger *zap.Logger,
) *Pipeline {
	meter := otel.Meter("collector-consumer")
	applied, _ := meter.Int64Counter("collector_events_applied_total")
	dead, _ := meter.Int64Counter("collector_events_dead_lettered_total")

	return &Pipeline{
		pool:           pool,
		ledger:         l,
		metrics:        metrics,
		dlq:            dlq,
		stock:          stock,
		topology:       topology,
		logger:         logger,
		tracer:         otel.Tracer("collector-consumer"),
		now:            time.Now,
		appliedCounter: applied,
		dlqCounter:     dead,
	}
}

// Handle is the consumer group batch handler. Every batch is acknowledged;
// the only error returned is ctx's, which leaves offsets uncommitted.
func (p *Pipeline) Handle(ctx context.Context, msgs []*sarama.ConsumerMessage) error {
	_, err := p.Process(ctx, msgs)
	return err
}

func (p *Pipeline) Process(ctx context.Context, msgs []*sarama.ConsumerMessage) (BatchResult, error) {
	ctx, span := p.tracer.Start(ctx, "Pipeline.Process")
	defer span.End()

	res := BatchResult{Received: len(msgs)}

	events := make([]*domain.Event, 0, len(msgs))
	for _, msg := range msgs {
		e, err := domain.Parse(p.topology, msg)
		if err != nil {
			res.Malformed++
			p.deadLetterRaw(ctx, msg, err)
			continue
		}
		events = append(events, e)
	}

	unique := domain.Dedupe(events)
	res.Duplicates = len(events) - len(unique)

	if len(unique) == 0 {
		return res, nil
	}

	applied, err := p.applyBatch(ctx, unique)
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		mylogger.Warn(
			ctx,
			p.logger,
			"Batch transaction failed, retrying events one by one",
			zap.Int("events", len(unique)),
			zap.Error(err),
		)

		applied = p.applyEach(ctx, unique, &res)
	}

	res.Applied = len(applied)
	res.Duplicates += len(unique) - len(applied) - res.DeadLetter

	span.SetAttributes(
		attribute.Int("batch.received", res.Received),
		attribute.Int("batch.applied", res.Applied),
		attribute.Int("batch.dead_letter", res.DeadLetter+res.Malformed),
	)
	p.appliedCounter.Add(ctx, int64(res.Applied))

	p.checkStock(ctx, applied)

	mylogger.Info(
		ctx,
		p.logger,
		"Processed event batch",
		zap.Int("received", res.Received),
		zap.Int("applied", res.Applied),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("malformed", res.Malformed),
		zap.Int("dead_letter", res.DeadLetter),
	)

	return res, nil
}

// applyBatch filters handled ids, then applies the summed deltas and the
// ledger rows in one transaction.
func (p *Pipeline) applyBatch(ctx context.Context, events []*domain.Event) ([]*domain.Event, error) {
	return db.InTx(ctx, p.pool, p.logger, func(tx pgx.Tx) ([]*domain.Event, error) {
		ids := make([]string, len(events))
		for i, e := range events {
			ids[i] = e.EventID
		}

		handled, err := p.ledger.HandledIDs(ctx, tx, ids)
		if err != nil {
			return nil, err
		}

		fresh := make([]*domain.Event, 0, len(events))
		for _, e := range events {
			if _, ok := handled[e.EventID]; !ok {
				fresh = append(fresh, e)
			}
		}

		if len(fresh) == 0 {
			return nil, nil
		}

		if err := p.metrics.Apply(ctx, tx, p.now(), domain.Aggregate(fresh)); err != nil {
			return nil, err
		}

		entries := make([]ledger.Entry, len(fresh))
		for i, e := range fresh {
			entries[i] = entry(e)
		}

		if err := p.ledger.InsertBatch(ctx, tx, entries); err != nil {
			return nil, err
		}

		return fresh, nil
	})
}

func (p *Pipeline) applyEach(ctx context.Context, events []*domain.Event, res *BatchResult) []*domain.Event {
	var applied []*domain.Event

	for _, e := range events {
		ok, err := p.ledger.ProcessOnce(ctx, p.pool, entry(e), func(ctx context.Context, tx pgx.Tx) error {
			return p.metrics.Apply(ctx, tx, p.now(), e.Deltas)
		})
		if err != nil {
			res.DeadLetter++
			p.dlqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", e.Source.Topic)))
			p.dlq.SendEvent(ctx, e, err)
			continue
		}
		if ok {
			applied = append(applied, e)
		}
	}

	return applied
}

func (p *Pipeline) deadLetterRaw(ctx context.Context, msg *sarama.ConsumerMessage, cause error) {
	p.dlqCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", msg.Topic)))
	p.dlq.SendRaw(ctx, domain.Source{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
	}, msg.Value, cause)
}

func (p *Pipeline) checkStock(ctx context.Context, applied []*domain.Event) {
	if p.stock == nil {
		return
	}

	ordered := domain.Deltas{}
	for _, e := range applied {
		if e.Source.Topic != p.topology.OrderTopic {
			continue
		}
		for id, d := range e.Deltas {
			ordered.Add(id, d)
		}
	}

	if len(ordered) > 0 {
		p.stock.Check(ctx, ordered.ProductIDs())
	}
}

func entry(e *domain.Event) ledger.Entry {
	return ledger.Entry{
		EventID:       e.EventID,
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
	}
}
