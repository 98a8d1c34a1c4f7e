package domain

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	shared "github.com/sakashimaa/commerce-saga/pkg/domain"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

var ErrInvalidPayload = errors.New("outbox payload is not valid JSON")

type OutboxEvent struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       json.RawMessage
	Status        Status
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
	PublishedAt   *time.Time
	FailedAt      *time.Time
}

// PendingRef identifies a PENDING row and the aggregate it belongs to.
type PendingRef struct {
	ID            int64
	AggregateType string
	AggregateID   string
}

// AggregateKey groups rows whose relative order must survive publishing.
func (r PendingRef) AggregateKey() string {
	return r.AggregateType + "/" + r.AggregateID
}

// Envelope encodes the wire form consumers expect. The outbox id doubles as
// the event id, which is what consumers deduplicate on.
func (e *OutboxEvent) Envelope() ([]byte, error) {
	if !json.Valid(e.Payload) {
		return nil, ErrInvalidPayload
	}

	return json.Marshal(shared.Envelope{
		EventID:       strconv.FormatInt(e.ID, 10),
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
	})
}
