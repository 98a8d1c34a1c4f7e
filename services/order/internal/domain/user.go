package domain

import (
	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/shopspring/decimal"
)

type User struct {
	ID           int64
	Login        string
	PointBalance decimal.Decimal
}

func (u *User) DeductPoints(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return apperr.Validation("point amount must not be negative")
	}
	if u.PointBalance.LessThan(amount) {
		return apperr.Validation("insufficient points: balance %s, required %s", u.PointBalance, amount)
	}

	u.PointBalance = u.PointBalance.Sub(amount)

	return nil
}

func (u *User) RefundPoints(amount decimal.Decimal) {
	if amount.IsPositive() {
		u.PointBalance = u.PointBalance.Add(amount)
	}
}
