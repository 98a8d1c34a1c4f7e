package domain

import (
	"time"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusInit            OrderStatus = "INIT"
	OrderStatusPaymentPending  OrderStatus = "PAYMENT_PENDING"
	OrderStatusPaymentComplete OrderStatus = "PAYMENT_COMPLETE"
	OrderStatusReceived        OrderStatus = "RECEIVED"
	OrderStatusCompleted       OrderStatus = "COMPLETED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusInit: {
		OrderStatusPaymentPending,
		OrderStatusReceived,
		OrderStatusCompleted,
		OrderStatusCanceled,
	},
	OrderStatusPaymentPending: {
		OrderStatusReceived,
		OrderStatusPaymentComplete,
		OrderStatusCompleted,
		OrderStatusCanceled,
	},
	OrderStatusReceived: {
		OrderStatusPaymentComplete,
		OrderStatusCompleted,
		OrderStatusCanceled,
	},
	OrderStatusPaymentComplete: {
		OrderStatusCompleted,
		OrderStatusCanceled,
	},
}

type Order struct {
	ID             int64
	UserID         int64
	TotalPrice     decimal.Decimal
	Status         OrderStatus
	Items          []OrderItem
	IssuedCouponID *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

type OrderItem struct {
	ID        int64
	OrderID   int64
	ProductID int64
	Quantity  int32
	Price     decimal.Decimal
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt32(i.Quantity))
}

// NewOrder fixes the total at creation: sum of price x quantity minus the
// coupon discount, never below zero.
func NewOrder(userID int64, items []OrderItem, coupon *Coupon, issued *IssuedCoupon) (*Order, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("order must contain at least one item")
	}

	total := decimal.Zero
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, apperr.Validation("quantity for product %d must be positive", item.ProductID)
		}
		total = total.Add(item.Subtotal())
	}

	order := &Order{
		UserID:     userID,
		TotalPrice: total,
		Status:     OrderStatusInit,
		Items:      items,
	}

	if coupon != nil {
		order.TotalPrice = total.Sub(coupon.Discount(total))
	}
	if issued != nil {
		id := issued.ID
		order.IssuedCouponID = &id
	}

	return order, nil
}

func (o *Order) transition(to OrderStatus) error {
	for _, allowed := range orderTransitions[o.Status] {
		if allowed == to {
			o.Status = to
			return nil
		}
	}

	return &TransitionError{Entity: "order", From: string(o.Status), To: string(to)}
}

func (o *Order) MarkPaymentPending() error {
	return o.transition(OrderStatusPaymentPending)
}

func (o *Order) MarkPaymentComplete() error {
	return o.transition(OrderStatusPaymentComplete)
}

func (o *Order) Receive() error {
	return o.transition(OrderStatusReceived)
}

func (o *Order) Complete() error {
	return o.transition(OrderStatusCompleted)
}

func (o *Order) Cancel() error {
	return o.transition(OrderStatusCanceled)
}

func (o *Order) IsCanceled() bool {
	return o.Status == OrderStatusCanceled
}

func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusCompleted || o.Status == OrderStatusCanceled
}
