package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Producer sends a pre-encoded message keyed for partitioning. ProduceMessage
// returns once the broker acknowledged the write or the ack wait elapsed.
type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

type producer struct {
	syncProducer sarama.SyncProducer
	ackTimeout   time.Duration
	logger       *zap.Logger
}

func NewProducer(cfg config.Kafka, logger *zap.Logger) (Producer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = cfg.RetryMax
	saramaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	if cfg.AckTimeout > 0 {
		saramaCfg.Producer.Timeout = cfg.AckTimeout
	}

	p, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating producer: %w", err)
	}

	return &producer{
		syncProducer: p,
		ackTimeout:   cfg.AckTimeout,
		logger:       logger,
	}, nil
}

func (p *producer) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make([]sarama.RecordHeader, 0, len(carrier))
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	}

	if p.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ackTimeout)
		defer cancel()
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}

	done := make(chan result, 1)
	go func() {
		partition, offset, err := p.syncProducer.SendMessage(msg)
		done <- result{partition: partition, offset: offset, err: err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("waiting for broker ack on %s: %w", topic, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("error sending message: %w", res.err)
		}

		mylogger.Debug(
			ctx,
			p.logger,
			"Message sent",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Int32("partition", res.partition),
			zap.Int64("offset", res.offset),
		)

		return nil
	}
}

func (p *producer) Close() error {
	return p.syncProducer.Close()
}
