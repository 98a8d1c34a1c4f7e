package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	shared "github.com/sakashimaa/commerce-saga/pkg/domain"
)

// ErrMalformed marks messages that can never be processed; they are dead
// lettered as not retryable.
var ErrMalformed = errors.New("malformed event")

type Source struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
}

// Event is a decoded envelope together with the metric deltas it contributes.
type Event struct {
	shared.Envelope
	Source Source
	Deltas Deltas
}

// Parse decodes one broker message. Event types that carry no metric (for
// example OrderCompleted) parse into an event with empty deltas so they are
// still recorded as handled.
func Parse(topology config.Topology, msg *sarama.ConsumerMessage) (*Event, error) {
	var env shared.Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventId or eventType", ErrMalformed)
	}

	e := &Event{
		Envelope: env,
		Source: Source{
			Topic:     msg.Topic,
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Key:       string(msg.Key),
		},
		Deltas: Deltas{},
	}

	switch msg.Topic {
	case topology.ProductLikeTopic:
		return e, e.parseLike()
	case topology.ProductTopic:
		return e, e.parseView()
	case topology.OrderTopic:
		return e, e.parseOrder()
	}

	return e, nil
}

func (e *Event) parseLike() error {
	var sign int64
	switch e.EventType {
	case shared.EventLikeAdded:
		sign = 1
	case shared.EventLikeRemoved:
		sign = -1
	default:
		return nil
	}

	var p shared.LikeEvent
	if err := decodePayload(e.Payload, &p); err != nil {
		return err
	}
	if p.ProductID <= 0 {
		return fmt.Errorf("%w: like event without productId", ErrMalformed)
	}

	e.Deltas.Add(p.ProductID, Delta{Like: sign})
	return nil
}

func (e *Event) parseView() error {
	if e.EventType != shared.EventViewIncreased {
		return nil
	}

	var p shared.ViewEvent
	if err := decodePayload(e.Payload, &p); err != nil {
		return err
	}
	if p.ProductID <= 0 {
		return fmt.Errorf("%w: view event without productId", ErrMalformed)
	}

	e.Deltas.Add(p.ProductID, Delta{View: 1})
	return nil
}

func (e *Event) parseOrder() error {
	if e.EventType != shared.EventOrderCreated {
		return nil
	}

	var p shared.OrderCreatedEvent
	if err := decodePayload(e.Payload, &p); err != nil {
		return err
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("%w: order %d without items", ErrMalformed, p.OrderID)
	}

	for _, item := range p.Items {
		if item.ProductID <= 0 || item.Quantity <= 0 {
			return fmt.Errorf("%w: order %d has an invalid item", ErrMalformed, p.OrderID)
		}
		e.Deltas.Add(item.ProductID, Delta{Orders: 1, Quantity: int64(item.Quantity)})
	}

	return nil
}

func decodePayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return nil
}

// Dedupe keeps the first occurrence of every event id.
func Dedupe(events []*Event) []*Event {
	seen := make(map[string]struct{}, len(events))
	out := events[:0:0]
	for _, e := range events {
		if _, ok := seen[e.EventID]; ok {
			continue
		}
		seen[e.EventID] = struct{}{}
		out = append(out, e)
	}

	return out
}
