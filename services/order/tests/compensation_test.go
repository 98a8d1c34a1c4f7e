package tests

import (
	"errors"
	"sync"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/service"
	"github.com/shopspring/decimal"
)

func (s *IntegrationTestSuite) TestCompensateOrder_ConcurrentRunsApplyOnce() {
	s.seedUser(1, "0")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)
	s.seedCoupon(1, 1, domain.DiscountTypeRate, "10")

	res := s.cardOrder(1, couponID(1))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
		errs    []error
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ok, err := s.Saga.CompensateOrder(s.Ctx, res.OrderID, "operator cancel")

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				applied++
			}
		}()
	}
	wg.Wait()

	s.Empty(errs)
	s.Equal(1, applied)
	s.Equal("CANCELED", s.orderStatus(res.OrderID))
	s.Equal(int64(10), s.stockOf(1))
	s.Equal(int64(10), s.stockOf(2))
	s.Equal("USABLE", s.issuedCouponStatus(1, 1))
	s.Equal(1, s.countOutbox(events.EventOrderCancelled))
}

func (s *IntegrationTestSuite) TestCompensateOrder_CompletedOrderConflicts() {
	s.seedUser(1, "1000")
	s.seedProduct(1, "100", 10)

	res, err := s.Saga.CreateOrder(s.Ctx, service.CreateOrderCommand{
		UserID:      1,
		Items:       []service.OrderLine{{ProductID: 1, Quantity: 1}},
		PaymentType: domain.PaymentMethodPoint,
	})
	s.Require().NoError(err)

	_, err = s.Saga.CompensateOrderWithPointRefund(s.Ctx, res.OrderID, "too late")
	s.True(errors.Is(err, apperr.ErrConflict))

	s.Equal("COMPLETED", s.orderStatus(res.OrderID))
	s.True(s.pointsOf(1).Equal(decimal.NewFromInt(900)))
	s.Equal(int64(9), s.stockOf(1))
}

func (s *IntegrationTestSuite) TestCompensateOrder_UnknownOrder() {
	_, err := s.Saga.CompensateOrder(s.Ctx, 4242, "missing")
	s.True(errors.Is(err, apperr.ErrNotFound))
}

func (s *IntegrationTestSuite) TestDeferredPointPayment() {
	s.Saga = s.newSaga(s.Gateway, service.Options{DeferPoints: true})

	s.seedUser(1, "500")
	s.seedProduct(1, "100", 10)

	res, err := s.Saga.CreateOrder(s.Ctx, service.CreateOrderCommand{
		UserID:      1,
		Items:       []service.OrderLine{{ProductID: 1, Quantity: 2}},
		PaymentType: domain.PaymentMethodPoint,
	})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPaymentPending, res.Status)
	s.True(s.pointsOf(1).Equal(decimal.NewFromInt(500)))

	s.drain()

	s.Equal("COMPLETED", s.orderStatus(res.OrderID))
	s.Equal(domain.PaymentStatusSuccess, s.paymentOf(res.OrderID).Status)
	s.True(s.pointsOf(1).Equal(decimal.NewFromInt(300)))
	s.Equal(1, s.countOutbox(events.EventOrderCompleted))
}

func (s *IntegrationTestSuite) TestDeferredPointPayment_InsufficientPointsCompensates() {
	s.Saga = s.newSaga(s.Gateway, service.Options{DeferPoints: true})

	s.seedUser(1, "50")
	s.seedProduct(1, "100", 10)
	s.seedCoupon(1, 1, domain.DiscountTypeAmount, "10")

	res, err := s.Saga.CreateOrder(s.Ctx, service.CreateOrderCommand{
		UserID:      1,
		Items:       []service.OrderLine{{ProductID: 1, Quantity: 1}},
		CouponID:    couponID(1),
		PaymentType: domain.PaymentMethodPoint,
	})
	s.Require().NoError(err)
	s.Equal(int64(9), s.stockOf(1))

	s.drain()

	s.Equal("CANCELED", s.orderStatus(res.OrderID))
	s.Equal(domain.PaymentStatusFailed, s.paymentOf(res.OrderID).Status)
	s.Equal(int64(10), s.stockOf(1))
	s.Equal("USABLE", s.issuedCouponStatus(1, 1))
	s.True(s.pointsOf(1).Equal(decimal.NewFromInt(50)))
	s.Equal(1, s.countOutbox(events.EventOrderFailed))
}
