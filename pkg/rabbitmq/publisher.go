// Package rabbitmq is the alternative outbox transport. Topics map to routing
// keys on a durable topic exchange; the aggregate id travels as a header so
// consumers can shard on it.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const partitionKeyHeader = "x-partition-key"

var ErrNotConfirmed = errors.New("publish not confirmed by broker")

type Publisher struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	ackTimeout time.Duration
	logger     *zap.Logger
}

func NewPublisher(ctx context.Context, cfg config.RabbitMQ, ackTimeout time.Duration, logger *zap.Logger) (*Publisher, error) {
	var conn *amqp.Connection

	// broker may still be starting next to us
	connect := func() error {
		var err error
		conn, err = amqp.Dial(cfg.URL)
		if err != nil {
			mylogger.Warn(ctx, logger, "Failed to connect to RabbitMQ, retrying", zap.Error(err))
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 10), ctx)
	if err := backoff.Retry(connect, policy); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to open a channel: %w", err), conn.Close())
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to declare exchange: %w", err), conn.Close())
	}

	if err := ch.Confirm(false); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to enable confirms: %w", err), conn.Close())
	}

	return &Publisher{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		ackTimeout: ackTimeout,
		logger:     logger,
	}, nil
}

func (p *Publisher) ProduceMessage(ctx context.Context, topic, key string, value []byte) error {
	if p.ackTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ackTimeout)
		defer cancel()
	}

	p.mu.Lock()
	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(ctx,
		p.exchange,
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{partitionKeyHeader: key},
			Body:         value,
		},
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("waiting for confirm on %s: %w", topic, err)
	}
	if !acked {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, topic)
	}

	return nil
}

func (p *Publisher) Close() error {
	return multierr.Combine(p.channel.Close(), p.conn.Close())
}
