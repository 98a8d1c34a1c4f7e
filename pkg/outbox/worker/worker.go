package worker

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/pkg/outbox/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type OutboxRepository interface {
	SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error
	GetPending(ctx context.Context, limit int) ([]domain.PendingRef, error)
	LockPending(ctx context.Context, tx pgx.Tx, eventID int64) (*domain.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, tx pgx.Tx, eventID int64) error
	MarkEventFailed(ctx context.Context, tx pgx.Tx, eventID int64, errMsg string) error
	RequeueFailed(ctx context.Context, cooldown time.Duration, maxAttempts int) (int64, error)
	CountByStatus(ctx context.Context, status domain.Status) (int64, error)
}

// Producer is satisfied by both the Kafka and the RabbitMQ publishers.
type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomePublished
	OutcomeFailed
)

type BatchResult struct {
	Published int
	Failed    int
	Skipped   int
}

type OutboxProcessor struct {
	pool     db.Beginner
	repo     OutboxRepository
	producer Producer
	topology config.Topology
	cfg      config.Outbox
	logger   *zap.Logger
	tracer   trace.Tracer

	publishedCounter metric.Int64Counter
	failedCounter    metric.Int64Counter
}

func NewOutboxProcessor(
	pool db.Beginner,
	repo OutboxRepository,
	producer Producer,
	topology config.Topology,
	cfg config.Outbox,
	logger *zap.Logger,
) *OutboxProcessor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}

	meter := otel.Meter("outbox-worker")
	published, _ := meter.Int64Counter("outbox_published_total")
	failed, _ := meter.Int64Counter("outbox_failed_total")

	return &OutboxProcessor{
		pool:             pool,
		repo:             repo,
		producer:         producer,
		topology:         topology,
		cfg:              cfg,
		logger:           logger,
		tracer:           otel.Tracer("outbox-worker"),
		publishedCounter: published,
		failedCounter:    failed,
	}
}

// Start runs the publish loop and, when configured, the FAILED row sweeper
// until ctx is cancelled.
func (p *OutboxProcessor) Start(ctx context.Context) {
	mylogger.Info(
		ctx,
		p.logger,
		"Starting outbox processor",
		zap.Duration("interval", p.cfg.Interval),
		zap.Int("batch_size", p.cfg.BatchSize),
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var sweep <-chan time.Time
	if p.cfg.SweepInterval > 0 {
		sweepTicker := time.NewTicker(p.cfg.SweepInterval)
		defer sweepTicker.Stop()
		sweep = sweepTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(
				ctx,
				p.logger,
				"Outbox processor stopping",
			)

			return
		case <-ticker.C:
			if _, err := p.PublishPending(ctx); err != nil {
				mylogger.Error(
					ctx,
					p.logger,
					"Error processing outbox batch",
					zap.Error(err),
				)
			}
		case <-sweep:
			if _, err := p.SweepFailed(ctx); err != nil {
				mylogger.Error(
					ctx,
					p.logger,
					"Error requeueing failed outbox events",
					zap.Error(err),
				)
			}
		}
	}
}

// PublishPending handles up to BatchSize PENDING rows in id order. Each row is
// published in its own transaction, so one bad row never holds back other
// aggregates. Once a row of an aggregate fails or cannot be locked, the rest of
// that aggregate waits for a later batch.
func (p *OutboxProcessor) PublishPending(ctx context.Context) (BatchResult, error) {
	ctx, span := p.tracer.Start(ctx, "OutboxProcessor.PublishPending")
	defer span.End()

	var res BatchResult

	refs, err := p.repo.GetPending(ctx, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	if len(refs) == 0 {
		return res, nil
	}

	blocked := make(map[string]struct{})
	for _, ref := range refs {
		key := ref.AggregateKey()
		if _, ok := blocked[key]; ok {
			res.Skipped++
			continue
		}

		outcome, err := p.publishOne(ctx, ref.ID)
		if err != nil {
			mylogger.Error(
				ctx,
				p.logger,
				"Outbox row transaction failed",
				zap.Int64("id", ref.ID),
				zap.Error(err),
			)
			blocked[key] = struct{}{}
			res.Skipped++
			continue
		}

		switch outcome {
		case OutcomePublished:
			res.Published++
		case OutcomeFailed:
			blocked[key] = struct{}{}
			res.Failed++
		default:
			blocked[key] = struct{}{}
			res.Skipped++
		}
	}

	span.SetAttributes(
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.failed", res.Failed),
	)

	mylogger.Info(
		ctx,
		p.logger,
		"Processed outbox batch",
		zap.Int("published", res.Published),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
	)

	return res, nil
}

func (p *OutboxProcessor) publishOne(ctx context.Context, id int64) (Outcome, error) {
	return db.InTx(ctx, p.pool, p.logger, func(tx pgx.Tx) (Outcome, error) {
		event, err := p.repo.LockPending(ctx, tx, id)
		if err != nil {
			return OutcomeSkipped, err
		}
		if event == nil {
			return OutcomeSkipped, nil
		}

		topic, err := p.topology.TopicFor(event.AggregateType)
		if err != nil {
			return p.fail(ctx, tx, event, err)
		}

		value, err := event.Envelope()
		if err != nil {
			return p.fail(ctx, tx, event, err)
		}

		if err := p.producer.ProduceMessage(ctx, topic, event.AggregateID, value); err != nil {
			return p.fail(ctx, tx, event, err)
		}

		if err := p.repo.MarkEventPublished(ctx, tx, event.ID); err != nil {
			return OutcomeSkipped, err
		}

		p.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))

		mylogger.Debug(
			ctx,
			p.logger,
			"Outbox event published",
			zap.Int64("id", event.ID),
			zap.String("topic", topic),
		)

		return OutcomePublished, nil
	})
}

func (p *OutboxProcessor) fail(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent, cause error) (Outcome, error) {
	mylogger.Error(
		ctx,
		p.logger,
		"Outbox event publish failed",
		zap.Int64("id", event.ID),
		zap.String("aggregate_type", event.AggregateType),
		zap.String("event_type", event.EventType),
		zap.Error(cause),
	)

	if err := p.repo.MarkEventFailed(ctx, tx, event.ID, cause.Error()); err != nil {
		return OutcomeSkipped, err
	}

	p.failedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("aggregate_type", event.AggregateType)))

	return OutcomeFailed, nil
}

// SweepFailed returns FAILED rows to PENDING once their cooldown elapsed,
// up to MaxAttempts publish attempts per row.
func (p *OutboxProcessor) SweepFailed(ctx context.Context) (int64, error) {
	n, err := p.repo.RequeueFailed(ctx, p.cfg.RetryCooldown, p.cfg.MaxAttempts)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		mylogger.Info(ctx, p.logger, "Requeued failed outbox events", zap.Int64("count", n))
	}

	return n, nil
}
