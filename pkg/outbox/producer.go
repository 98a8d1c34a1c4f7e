package outbox

import (
	"context"
	"fmt"

	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/kafka"
	"github.com/sakashimaa/commerce-saga/pkg/rabbitmq"
	"go.uber.org/zap"
)

const (
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

// Producer is what the publisher sends through; Close releases the broker
// connection on shutdown.
type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// NewProducer connects the transport selected by cfg.Broker.Kind.
func NewProducer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Producer, error) {
	switch cfg.Broker.Kind {
	case BrokerKafka, "":
		return kafka.NewProducer(cfg.Kafka, logger)
	case BrokerRabbitMQ:
		return rabbitmq.NewPublisher(ctx, cfg.RabbitMQ, cfg.Kafka.AckTimeout, logger)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}
}
