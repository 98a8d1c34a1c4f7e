package repository

import "errors"

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrPaymentNotFound      = errors.New("payment not found")
	ErrProductNotFound      = errors.New("product not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrCouponNotFound       = errors.New("coupon not found")
	ErrIssuedCouponNotFound = errors.New("issued coupon not found")
)
