package tests

import (
	"errors"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/service"
	"github.com/shopspring/decimal"
)

func (s *IntegrationTestSuite) TestCreateOrder_PointPaymentWithRateCoupon() {
	s.seedUser(1, "1000")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)
	s.seedCoupon(1, 1, domain.DiscountTypeRate, "10")

	res, err := s.Saga.CreateOrder(s.Ctx, service.CreateOrderCommand{
		UserID:      1,
		Items:       []service.OrderLine{{ProductID: 2, Quantity: 2}, {ProductID: 1, Quantity: 1}},
		CouponID:    couponID(1),
		PaymentType: domain.PaymentMethodPoint,
	})
	s.Require().NoError(err)

	s.True(res.TotalPrice.Equal(decimal.NewFromInt(135)), "total %s", res.TotalPrice)
	s.Equal(domain.OrderStatusCompleted, res.Status)
	s.Regexp(`^PO_\d{8}[0-9a-f]{12}$`, res.PaymentKey)

	s.Equal(int64(9), s.stockOf(1))
	s.Equal(int64(8), s.stockOf(2))
	s.Equal("USED", s.issuedCouponStatus(1, 1))
	s.True(s.pointsOf(1).Equal(decimal.NewFromInt(865)))
	s.Equal("COMPLETED", s.orderStatus(res.OrderID))
	s.Equal(domain.PaymentStatusSuccess, s.paymentOf(res.OrderID).Status)

	s.Equal(1, s.countOutbox(events.EventOrderCreated))
	s.Equal(1, s.countOutbox(events.EventCouponUsed))
	s.Equal(1, s.countOutbox(events.EventOrderCompleted))
	s.Equal(1, s.countOutbox(events.EventUserActivity))
	s.Empty(s.Dispatcher.Signals())
}

func (s *IntegrationTestSuite) TestCreateOrder_InsufficientPointsLeavesNothingBehind() {
	s.seedUser(1, "10")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)
	s.seedCoupon(1, 1, domain.DiscountTypeAmount, "5")

	_, err := s.Saga.CreateOrder(s.Ctx, service.CreateOrderCommand{
		UserID:      1,
		Items:       []service.OrderLine{{ProductID: 1, Quantity: 1}},
		CouponID:    couponID(1),
		PaymentType: domain.PaymentMethodPoint,
	})
	s.Require().Error(err)
	s.True(errors.Is(err, apperr.ErrValidation))

	s.Equal(int64(10), s.stockOf(1))
	s.Equal("USABLE", s.issuedCouponStatus(1, 1))
	s.True(s.pointsOf(1).Equal(decimal.NewFromInt(10)))
	s.Zero(s.countRows("orders"))
	s.Zero(s.countRows("payments"))
	s.Zero(s.countRows("outbox"))
}

func (s *IntegrationTestSuite) TestCreateOrder_Rejections() {
	s.seedUser(1, "1000")
	s.seedProduct(1, "100", 1)

	cases := []struct {
		name string
		cmd  service.CreateOrderCommand
		kind error
	}{
		{
			name: "duplicate products",
			cmd: service.CreateOrderCommand{
				UserID:      1,
				Items:       []service.OrderLine{{ProductID: 1, Quantity: 1}, {ProductID: 1, Quantity: 1}},
				PaymentType: domain.PaymentMethodPoint,
			},
			kind: apperr.ErrValidation,
		},
		{
			name: "zero quantity",
			cmd: service.CreateOrderCommand{
				UserID:      1,
				Items:       []service.OrderLine{{ProductID: 1, Quantity: 0}},
				PaymentType: domain.PaymentMethodPoint,
			},
			kind: apperr.ErrValidation,
		},
		{
			name: "stock shortage",
			cmd: service.CreateOrderCommand{
				UserID:      1,
				Items:       []service.OrderLine{{ProductID: 1, Quantity: 2}},
				PaymentType: domain.PaymentMethodPoint,
			},
			kind: apperr.ErrValidation,
		},
		{
			name: "missing product",
			cmd: service.CreateOrderCommand{
				UserID:      1,
				Items:       []service.OrderLine{{ProductID: 42, Quantity: 1}},
				PaymentType: domain.PaymentMethodPoint,
			},
			kind: apperr.ErrNotFound,
		},
		{
			name: "missing user",
			cmd: service.CreateOrderCommand{
				UserID:      7,
				Items:       []service.OrderLine{{ProductID: 1, Quantity: 1}},
				PaymentType: domain.PaymentMethodPoint,
			},
			kind: apperr.ErrNotFound,
		},
		{
			name: "missing coupon",
			cmd: service.CreateOrderCommand{
				UserID:      1,
				Items:       []service.OrderLine{{ProductID: 1, Quantity: 1}},
				CouponID:    couponID(99),
				PaymentType: domain.PaymentMethodPoint,
			},
			kind: apperr.ErrNotFound,
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.Saga.CreateOrder(s.Ctx, tc.cmd)
			s.Require().Error(err)
			s.True(errors.Is(err, tc.kind), "got %v", err)
		})
	}

	s.Equal(int64(1), s.stockOf(1))
	s.Zero(s.countRows("orders"))
}

func (s *IntegrationTestSuite) TestCreateOrder_UsedCouponConflicts() {
	s.seedUser(1, "1000")
	s.seedProduct(1, "100", 10)
	s.seedCoupon(1, 1, domain.DiscountTypeAmount, "5")

	cmd := service.CreateOrderCommand{
		UserID:      1,
		Items:       []service.OrderLine{{ProductID: 1, Quantity: 1}},
		CouponID:    couponID(1),
		PaymentType: domain.PaymentMethodPoint,
	}

	_, err := s.Saga.CreateOrder(s.Ctx, cmd)
	s.Require().NoError(err)

	_, err = s.Saga.CreateOrder(s.Ctx, cmd)
	s.Require().Error(err)
	s.True(errors.Is(err, apperr.ErrConflict))
	s.Equal(int64(9), s.stockOf(1))
}

func (s *IntegrationTestSuite) TestGetOrder() {
	s.seedUser(1, "1000")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)

	res := s.cardOrder(1, nil)

	order, payment, err := s.Saga.GetOrder(s.Ctx, res.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPaymentPending, order.Status)
	s.Len(order.Items, 2)
	s.Equal(res.PaymentKey, payment.PaymentKey)
	s.Equal(domain.PaymentMethodCard, payment.Method)

	_, _, err = s.Saga.GetOrder(s.Ctx, 424242)
	s.True(errors.Is(err, apperr.ErrNotFound))
}
