package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSuccess    PaymentStatus = "SUCCESS"
	PaymentStatusFailed     PaymentStatus = "FAILED"
)

type PaymentMethod string

const (
	PaymentMethodPoint PaymentMethod = "POINT"
	PaymentMethodCard  PaymentMethod = "CARD"
)

type Payment struct {
	ID                int64
	PaymentKey        string
	OrderID           int64
	UserID            int64
	Amount            decimal.Decimal
	Status            PaymentStatus
	Method            PaymentMethod
	CardType          *string
	CardNo            *string
	TransactionKey    *string
	StatusCheckCount  int
	LastStatusCheckAt *time.Time
	FailureReason     *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewPointPayment(orderID, userID int64, amount decimal.Decimal, now time.Time) *Payment {
	return &Payment{
		PaymentKey: NewPaymentKey(PaymentMethodPoint, now),
		OrderID:    orderID,
		UserID:     userID,
		Amount:     amount,
		Status:     PaymentStatusPending,
		Method:     PaymentMethodPoint,
	}
}

func NewCardPayment(orderID, userID int64, amount decimal.Decimal, cardType, cardNo string, now time.Time) *Payment {
	return &Payment{
		PaymentKey: NewPaymentKey(PaymentMethodCard, now),
		OrderID:    orderID,
		UserID:     userID,
		Amount:     amount,
		Status:     PaymentStatusPending,
		Method:     PaymentMethodCard,
		CardType:   &cardType,
		CardNo:     &cardNo,
	}
}

// NewPaymentKey returns PO_ or PG_ followed by yyyyMMdd and 12 hex characters.
func NewPaymentKey(method PaymentMethod, now time.Time) string {
	prefix := "PG_"
	if method == PaymentMethodPoint {
		prefix = "PO_"
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]

	return prefix + now.Format("20060102") + suffix
}

func (p *Payment) illegal(to PaymentStatus) error {
	return &TransitionError{Entity: "payment", From: string(p.Status), To: string(to)}
}

// StartProcessing records the gateway transaction key of an accepted card payment.
func (p *Payment) StartProcessing(transactionKey string) error {
	if p.Status != PaymentStatusPending || p.Method != PaymentMethodCard {
		return p.illegal(PaymentStatusProcessing)
	}

	p.Status = PaymentStatusProcessing
	p.TransactionKey = &transactionKey

	return nil
}

// Succeed is legal from PROCESSING, and from PENDING for point payments which
// never reach the gateway.
func (p *Payment) Succeed() error {
	switch {
	case p.Status == PaymentStatusProcessing:
	case p.Status == PaymentStatusPending && p.Method == PaymentMethodPoint:
	default:
		return p.illegal(PaymentStatusSuccess)
	}

	p.Status = PaymentStatusSuccess
	p.FailureReason = nil

	return nil
}

func (p *Payment) Fail(reason string) error {
	if p.Status != PaymentStatusPending && p.Status != PaymentStatusProcessing {
		return p.illegal(PaymentStatusFailed)
	}

	p.Status = PaymentStatusFailed
	p.FailureReason = &reason

	return nil
}

// PointsCharged reports whether the payment actually took points from the user.
func (p *Payment) PointsCharged() bool {
	return p.Method == PaymentMethodPoint && p.Status == PaymentStatusSuccess
}
