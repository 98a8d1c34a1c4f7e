package outbox

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/pkg/outbox/domain"
	"go.uber.org/zap"
)

type Saver interface {
	SaveOutboxEvent(ctx context.Context, tx pgx.Tx, event *domain.OutboxEvent) error
}

// Recorder appends outbox rows inside the caller's transaction.
type Recorder struct {
	repo   Saver
	logger *zap.Logger
}

func NewRecorder(repo Saver, logger *zap.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger,
	}
}

// Record stores payload as a PENDING event. A payload that cannot be encoded is
// logged and dropped without failing the business operation; database errors are
// returned so the enclosing transaction rolls back.
func (r *Recorder) Record(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		mylogger.Warn(
			ctx,
			r.logger,
			"Failed to serialize outbox payload, event dropped",
			zap.String("aggregate_type", aggregateType),
			zap.String("aggregate_id", aggregateID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)

		return nil
	}

	return r.repo.SaveOutboxEvent(ctx, tx, &domain.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       data,
		Status:        domain.StatusPending,
	})
}
