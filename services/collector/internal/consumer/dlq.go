package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sakashimaa/commerce-saga/pkg/config"
	shared "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/domain"
	"go.uber.org/zap"
)

const maxStackFrames = 10

type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// DeadLetters writes unprocessable messages to <topic>.dlq. Send failures are
// logged and swallowed so the batch can still be acknowledged.
type DeadLetters struct {
	producer Producer
	topology config.Topology
	logger   *zap.Logger
	now      func() time.Time
}

func NewDeadLetters(producer Producer, topology config.Topology, logger *zap.Logger) *DeadLetters {
	return &DeadLetters{
		producer: producer,
		topology: topology,
		logger:   logger,
		now:      time.Now,
	}
}

// SendRaw is used for messages that could not be decoded.
func (d *DeadLetters) SendRaw(ctx context.Context, src domain.Source, value []byte, cause error) {
	d.send(ctx, src.Topic, src.Key, d.letter(src, cause, func(l *shared.DeadLetter) {
		l.OriginalMessage = string(value)
		l.Key = src.Key
	}))
}

func (d *DeadLetters) SendEvent(ctx context.Context, e *domain.Event, cause error) {
	d.send(ctx, e.Source.Topic, e.EventID, d.letter(e.Source, cause, func(l *shared.DeadLetter) {
		l.EventID = e.EventID
		l.EventType = e.EventType
		l.AggregateType = e.AggregateType
		l.AggregateID = e.AggregateID
		l.Payload = e.Payload
	}))
}

func (d *DeadLetters) letter(src domain.Source, cause error, fill func(l *shared.DeadLetter)) shared.DeadLetter {
	l := shared.DeadLetter{
		Topic:        src.Topic,
		Partition:    src.Partition,
		Offset:       src.Offset,
		ErrorMessage: cause.Error(),
		ErrorType:    errorType(cause),
		StackTrace:   stackTrace(maxStackFrames),
		FailedAt:     d.now().UTC(),
		Retryable:    !errors.Is(cause, domain.ErrMalformed),
	}
	fill(&l)

	return l
}

func (d *DeadLetters) send(ctx context.Context, topic, key string, letter shared.DeadLetter) {
	dlqTopic := d.topology.DeadLetterTopic(topic)

	data, err := json.Marshal(letter)
	if err != nil {
		mylogger.Error(ctx, d.logger, "Failed to encode dead letter", zap.String("topic", dlqTopic), zap.Error(err))
		return
	}

	if err := d.producer.ProduceMessage(ctx, dlqTopic, key, data); err != nil {
		mylogger.Error(
			ctx,
			d.logger,
			"Failed to send dead letter",
			zap.String("topic", dlqTopic),
			zap.Int64("offset", letter.Offset),
			zap.Error(err),
		)
		return
	}

	mylogger.Warn(
		ctx,
		d.logger,
		"Message sent to DLQ",
		zap.String("topic", dlqTopic),
		zap.String("event_id", letter.EventID),
		zap.Int64("offset", letter.Offset),
		zap.String("error", letter.ErrorMessage),
	)
}

// errorType names the innermost error's type, e.g. *json.SyntaxError.
func errorType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

func stackTrace(limit int) string {
	pcs := make([]uintptr, limit)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var sb strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}

	return sb.String()
}
