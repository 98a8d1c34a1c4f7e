package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BatchHandlerFunc processes one claim batch. Offsets are committed only when it
// returns nil; an error ends the session so the batch is redelivered.
type BatchHandlerFunc func(ctx context.Context, msgs []*sarama.ConsumerMessage) error

type BatchOptions struct {
	Size int
	Wait time.Duration
}

type ConsumerGroup struct {
	brokers []string
	groupID string
	topics  []string
	handler BatchHandlerFunc
	opts    BatchOptions
	logger  *zap.Logger
}

func NewConsumerGroup(
	brokers []string,
	groupID string,
	topics []string,
	handler BatchHandlerFunc,
	opts BatchOptions,
	logger *zap.Logger,
) *ConsumerGroup {
	if opts.Size <= 0 {
		opts.Size = 500
	}
	if opts.Wait <= 0 {
		opts.Wait = time.Second
	}

	return &ConsumerGroup{
		brokers: brokers,
		groupID: groupID,
		topics:  topics,
		handler: handler,
		opts:    opts,
		logger:  logger,
	}
}

// Run consumes until ctx is cancelled.
func (c *ConsumerGroup) Run(ctx context.Context) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_0_0_0
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	group, err := sarama.NewConsumerGroup(c.brokers, c.groupID, cfg)
	if err != nil {
		return fmt.Errorf("error creating consumer group %s: %w", c.groupID, err)
	}
	defer func() {
		if err := group.Close(); err != nil {
			mylogger.Error(ctx, c.logger, "Error closing consumer group", zap.Error(err))
		}
	}()

	go func() {
		for err := range group.Errors() {
			mylogger.Error(ctx, c.logger, "Consumer group error", zap.String("group", c.groupID), zap.Error(err))
		}
	}()

	handler := &batchHandler{
		handler: c.handler,
		opts:    c.opts,
		logger:  c.logger,
		tracer:  otel.Tracer("pkg/kafka/consumer"),
	}

	for {
		err := group.Consume(ctx, c.topics, handler)
		if err != nil && !errors.Is(err, sarama.ErrClosedConsumerGroup) {
			mylogger.Error(ctx, c.logger, "Error consuming in consumer loop", zap.Error(err))
		}

		if ctx.Err() != nil {
			mylogger.Info(ctx, c.logger, "Context cancelled, shutting down consumer", zap.String("group", c.groupID))
			return nil
		}
	}
}

type batchHandler struct {
	handler BatchHandlerFunc
	opts    BatchOptions
	logger  *zap.Logger
	tracer  trace.Tracer
}

func (h *batchHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *batchHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *batchHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	batch := make([]*sarama.ConsumerMessage, 0, h.opts.Size)

	timer := time.NewTimer(h.opts.Wait)
	timer.Stop()
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		if err := h.process(session, claim, batch); err != nil {
			return err
		}

		batch = batch[:0]
		return nil
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}

			batch = append(batch, msg)
			if len(batch) == 1 {
				timer.Reset(h.opts.Wait)
			}

			if len(batch) >= h.opts.Size {
				timer.Stop()
				if err := flush(); err != nil {
					return err
				}
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func (h *batchHandler) process(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim, batch []*sarama.ConsumerMessage) error {
	ctx := h.extractTracing(session.Context(), batch[0])
	ctx, span := h.tracer.Start(ctx, "kafka_process_batch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", claim.Topic()),
			attribute.Int("messaging.partition", int(claim.Partition())),
			attribute.Int("messaging.batch.size", len(batch)),
		),
	)
	defer span.End()

	if err := h.handler(ctx, batch); err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			h.logger,
			"Failed to process batch, offsets not committed",
			zap.String("topic", claim.Topic()),
			zap.Int32("partition", claim.Partition()),
			zap.Int64("first_offset", batch[0].Offset),
			zap.Int("size", len(batch)),
			zap.Error(err),
		)

		return err
	}

	for _, msg := range batch {
		session.MarkMessage(msg, "")
	}
	session.Commit()

	return nil
}

func (h *batchHandler) extractTracing(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	carrier := propagation.MapCarrier{}
	for _, header := range msg.Headers {
		if header == nil {
			continue
		}
		carrier[string(header.Key)] = string(header.Value)
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}
