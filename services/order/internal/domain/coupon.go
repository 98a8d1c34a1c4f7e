package domain

import (
	"time"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/shopspring/decimal"
)

type DiscountType string

const (
	DiscountTypeRate   DiscountType = "RATE"
	DiscountTypeAmount DiscountType = "AMOUNT"
)

type Coupon struct {
	ID            int64
	Name          string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	ValidFrom     time.Time
	ValidTo       time.Time
}

var hundred = decimal.NewFromInt(100)

func (c *Coupon) ValidAt(now time.Time) error {
	if now.Before(c.ValidFrom) || now.After(c.ValidTo) {
		return apperr.Validation("coupon %d is not valid at %s", c.ID, now.Format(time.RFC3339))
	}

	return nil
}

// Discount returns the amount taken off total. RATE is a percentage rounded
// half-up to cents; the result never exceeds total.
func (c *Coupon) Discount(total decimal.Decimal) decimal.Decimal {
	var discount decimal.Decimal
	switch c.DiscountType {
	case DiscountTypeRate:
		discount = total.Mul(c.DiscountValue).Div(hundred).Round(2)
	case DiscountTypeAmount:
		discount = c.DiscountValue
	default:
		return decimal.Zero
	}

	if discount.IsNegative() {
		return decimal.Zero
	}
	if discount.GreaterThan(total) {
		return total
	}

	return discount
}

type IssuedCouponStatus string

const (
	IssuedCouponUsable  IssuedCouponStatus = "USABLE"
	IssuedCouponUsed    IssuedCouponStatus = "USED"
	IssuedCouponExpired IssuedCouponStatus = "EXPIRED"
)

type IssuedCoupon struct {
	ID       int64
	UserID   int64
	CouponID int64
	Status   IssuedCouponStatus
	UsedAt   *time.Time
}

func (ic *IssuedCoupon) Use(now time.Time) error {
	if ic.Status != IssuedCouponUsable {
		return &TransitionError{Entity: "issued_coupon", From: string(ic.Status), To: string(IssuedCouponUsed)}
	}

	ic.Status = IssuedCouponUsed
	ic.UsedAt = &now

	return nil
}

func (ic *IssuedCoupon) Restore() error {
	if ic.Status != IssuedCouponUsed {
		return &TransitionError{Entity: "issued_coupon", From: string(ic.Status), To: string(IssuedCouponUsable)}
	}

	ic.Status = IssuedCouponUsable
	ic.UsedAt = nil

	return nil
}

func (ic *IssuedCoupon) Expire() error {
	if ic.Status != IssuedCouponUsable {
		return &TransitionError{Entity: "issued_coupon", From: string(ic.Status), To: string(IssuedCouponExpired)}
	}

	ic.Status = IssuedCouponExpired

	return nil
}
