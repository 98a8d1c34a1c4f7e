package config

import (
	"errors"
	"fmt"
)

// ErrUnknownAggregate is returned when no topic is routed for an aggregate type.
var ErrUnknownAggregate = errors.New("unknown aggregate type")

// Topology holds broker topic names and aggregate-type tags. It is loaded once and
// passed by value, so consumers cannot mutate the shared routing table.
type Topology struct {
	ProductLikeTopic  string `yaml:"product_like_topic" env-default:"product.like"`
	OrderTopic        string `yaml:"order_topic" env-default:"order"`
	CouponTopic       string `yaml:"coupon_topic" env-default:"coupon"`
	ProductTopic      string `yaml:"product_topic" env-default:"product"`
	UserActivityTopic string `yaml:"user_activity_topic" env-default:"user.activity"`
	DLQSuffix         string `yaml:"dlq_suffix" env-default:".dlq"`

	ProductLikeAggregate string `yaml:"product_like_aggregate" env-default:"PRODUCT_LIKE"`
	ProductViewAggregate string `yaml:"product_view_aggregate" env-default:"PRODUCT_VIEW"`
	OrderAggregate       string `yaml:"order_aggregate" env-default:"ORDER"`
	CouponAggregate      string `yaml:"coupon_aggregate" env-default:"COUPON"`
	ActivityAggregate    string `yaml:"activity_aggregate" env-default:"ACTIVITY"`
}

// DefaultTopology mirrors the env-default tags; used by tests and tools that run
// without a config file.
func DefaultTopology() Topology {
	return Topology{
		ProductLikeTopic:     "product.like",
		OrderTopic:           "order",
		CouponTopic:          "coupon",
		ProductTopic:         "product",
		UserActivityTopic:    "user.activity",
		DLQSuffix:            ".dlq",
		ProductLikeAggregate: "PRODUCT_LIKE",
		ProductViewAggregate: "PRODUCT_VIEW",
		OrderAggregate:       "ORDER",
		CouponAggregate:      "COUPON",
		ActivityAggregate:    "ACTIVITY",
	}
}

func (t Topology) TopicFor(aggregateType string) (string, error) {
	switch aggregateType {
	case t.ProductLikeAggregate:
		return t.ProductLikeTopic, nil
	case t.ProductViewAggregate:
		return t.ProductTopic, nil
	case t.OrderAggregate:
		return t.OrderTopic, nil
	case t.CouponAggregate:
		return t.CouponTopic, nil
	case t.ActivityAggregate:
		return t.UserActivityTopic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAggregate, aggregateType)
	}
}

func (t Topology) DeadLetterTopic(topic string) string {
	return topic + t.DLQSuffix
}

// CollectorTopics are the topics the metrics collector aggregates.
func (t Topology) CollectorTopics() []string {
	return []string{t.ProductLikeTopic, t.OrderTopic, t.ProductTopic}
}

func (t Topology) Validate() error {
	aggregates := []string{
		t.ProductLikeAggregate,
		t.ProductViewAggregate,
		t.OrderAggregate,
		t.CouponAggregate,
		t.ActivityAggregate,
	}

	seen := make(map[string]struct{}, len(aggregates))
	for _, a := range aggregates {
		if a == "" {
			return errors.New("topology: empty aggregate type")
		}
		if _, ok := seen[a]; ok {
			return fmt.Errorf("topology: duplicate aggregate type %q", a)
		}
		seen[a] = struct{}{}
	}

	for _, topic := range []string{t.ProductLikeTopic, t.OrderTopic, t.CouponTopic, t.ProductTopic, t.UserActivityTopic} {
		if topic == "" {
			return errors.New("topology: empty topic name")
		}
	}

	if t.DLQSuffix == "" {
		return errors.New("topology: empty dlq suffix")
	}

	return nil
}
