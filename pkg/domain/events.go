package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventLikeAdded      = "LikeAdded"
	EventLikeRemoved    = "LikeRemoved"
	EventViewIncreased  = "ViewIncreased"
	EventOrderCreated   = "OrderCreated"
	EventOrderCompleted = "OrderCompleted"
	EventOrderCancelled = "OrderCancelled"
	EventOrderFailed    = "OrderFailed"
	EventCouponUsed     = "CouponUsed"
	EventCouponExpired  = "CouponExpired"
	EventUserActivity   = "UserActivity"
)

// Envelope is the broker payload for every outbox event. The partition key is
// AggregateID.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
}

type LikeEvent struct {
	ProductID int64     `json:"productId"`
	UserID    int64     `json:"userId"`
	At        time.Time `json:"at"`
}

type ViewEvent struct {
	ProductID int64     `json:"productId"`
	UserID    int64     `json:"userId,omitempty"`
	At        time.Time `json:"at"`
}

type OrderItem struct {
	ProductID int64           `json:"productId"`
	Quantity  int32           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type OrderCreatedEvent struct {
	OrderID     int64           `json:"orderId"`
	UserID      int64           `json:"userId"`
	TotalPrice  decimal.Decimal `json:"totalPrice"`
	PaymentType string          `json:"paymentType"`
	Items       []OrderItem     `json:"items"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type OrderCompletedEvent struct {
	OrderID     int64           `json:"orderId"`
	UserID      int64           `json:"userId"`
	PaymentKey  string          `json:"paymentKey"`
	Amount      decimal.Decimal `json:"amount"`
	CompletedAt time.Time       `json:"completedAt"`
}

type OrderCancelledEvent struct {
	OrderID     int64       `json:"orderId"`
	UserID      int64       `json:"userId"`
	Items       []OrderItem `json:"items"`
	Reason      string      `json:"reason"`
	CancelledAt time.Time   `json:"cancelledAt"`
}

type OrderFailedEvent struct {
	OrderID    int64     `json:"orderId"`
	UserID     int64     `json:"userId"`
	PaymentKey string    `json:"paymentKey"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failedAt"`
}

type CouponUsedEvent struct {
	IssuedCouponID int64     `json:"issuedCouponId"`
	CouponID       int64     `json:"couponId"`
	UserID         int64     `json:"userId"`
	OrderID        int64     `json:"orderId"`
	UsedAt         time.Time `json:"usedAt"`
}

type UserActivityEvent struct {
	UserID     int64     `json:"userId"`
	Action     string    `json:"action"`
	TargetType string    `json:"targetType"`
	TargetID   string    `json:"targetId"`
	At         time.Time `json:"at"`
}

// DeadLetter is written to <topic>.dlq. Envelope fields are set for events that
// parsed; Original* fields are set when the raw message could not be decoded.
type DeadLetter struct {
	EventID       string          `json:"eventId,omitempty"`
	EventType     string          `json:"eventType,omitempty"`
	AggregateType string          `json:"aggregateType,omitempty"`
	AggregateID   string          `json:"aggregateId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	OriginalMessage string `json:"originalMessage,omitempty"`
	Key             string `json:"key,omitempty"`
	Topic           string `json:"topic"`
	Partition       int32  `json:"partition"`
	Offset          int64  `json:"offset"`

	ErrorMessage string    `json:"errorMessage"`
	ErrorType    string    `json:"errorType"`
	StackTrace   string    `json:"stackTrace"`
	FailedAt     time.Time `json:"failedAt"`
	Retryable    bool      `json:"retryable"`
}

// ProductCacheKey is the Redis key of a cached catalog product. The product
// service fills it and the collector evicts it on low stock.
func ProductCacheKey(productID int64) string {
	return fmt.Sprintf("product:%d", productID)
}
