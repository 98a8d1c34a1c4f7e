package tests

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/pkg/utils"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/gateway"
	"github.com/sakashimaa/commerce-saga/services/order/internal/service"
	"github.com/sony/gobreaker"
)

func (s *IntegrationTestSuite) TestCardPayment_AcceptedThenCallbackSuccess() {
	s.seedUser(1, "0")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)

	res := s.cardOrder(1, nil)
	s.Equal(domain.OrderStatusPaymentPending, res.Status)
	s.Regexp(`^PG_\d{8}[0-9a-f]{12}$`, res.PaymentKey)

	signals := s.Dispatcher.Signals()
	s.Require().Len(signals, 1)
	s.Equal(domain.CardPaymentProcessingStarted{PaymentKey: res.PaymentKey, OrderID: res.OrderID}, signals[0])

	s.drain()

	payment := s.paymentOf(res.OrderID)
	s.Equal(domain.PaymentStatusProcessing, payment.Status)
	s.Require().NotNil(payment.TransactionKey)
	s.Equal("TX-1", *payment.TransactionKey)
	s.Equal("RECEIVED", s.orderStatus(res.OrderID))

	callback := service.PaymentCallback{TransactionKey: "TX-1", Status: service.CallbackStatusSuccess}
	s.Require().NoError(s.Saga.HandlePaymentCallback(s.Ctx, callback))
	s.Require().NoError(s.Saga.HandlePaymentCallback(s.Ctx, callback))

	s.Equal(domain.PaymentStatusSuccess, s.paymentOf(res.OrderID).Status)
	s.Equal("COMPLETED", s.orderStatus(res.OrderID))
	s.Equal(1, s.countOutbox(events.EventOrderCompleted))
}

func (s *IntegrationTestSuite) TestCardPayment_CallbackFailedCompensates() {
	s.seedUser(1, "0")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)
	s.seedCoupon(1, 1, domain.DiscountTypeAmount, "20")

	res := s.cardOrder(1, couponID(1))
	s.drain()

	s.Equal(int64(9), s.stockOf(1))
	s.Equal("USED", s.issuedCouponStatus(1, 1))

	callback := service.PaymentCallback{TransactionKey: "TX-1", Status: service.CallbackStatusFailed, Reason: "limit exceeded"}
	s.Require().NoError(s.Saga.HandlePaymentCallback(s.Ctx, callback))
	s.Require().NoError(s.Saga.HandlePaymentCallback(s.Ctx, callback))

	payment := s.paymentOf(res.OrderID)
	s.Equal(domain.PaymentStatusFailed, payment.Status)
	s.Require().NotNil(payment.FailureReason)
	s.Equal("limit exceeded", *payment.FailureReason)

	s.Equal("CANCELED", s.orderStatus(res.OrderID))
	s.Equal(int64(10), s.stockOf(1))
	s.Equal(int64(10), s.stockOf(2))
	s.Equal("USABLE", s.issuedCouponStatus(1, 1))
	s.Equal(1, s.countOutbox(events.EventOrderFailed))
	s.Equal(1, s.countOutbox(events.EventOrderCancelled))
}

func (s *IntegrationTestSuite) TestCardPayment_Callback() {
	err := s.Saga.HandlePaymentCallback(s.Ctx, service.PaymentCallback{TransactionKey: "nope", Status: service.CallbackStatusSuccess})
	s.True(errors.Is(err, apperr.ErrNotFound))

	err = s.Saga.HandlePaymentCallback(s.Ctx, service.PaymentCallback{TransactionKey: "TX-1", Status: "MAYBE"})
	s.True(errors.Is(err, apperr.ErrValidation))
}

func (s *IntegrationTestSuite) TestCardPayment_DeclinedStaysPending() {
	s.seedUser(1, "0")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)

	s.Gateway.requestResp = &gateway.PaymentResponse{Result: gateway.ResultFail, Reason: "declined"}

	res := s.cardOrder(1, nil)
	s.drain()

	s.Equal(domain.PaymentStatusPending, s.paymentOf(res.OrderID).Status)
	s.Equal("PAYMENT_PENDING", s.orderStatus(res.OrderID))
	s.Equal(int64(9), s.stockOf(1))
	s.Zero(s.countOutbox(events.EventOrderCancelled))
}

func (s *IntegrationTestSuite) TestCardPayment_OpenCircuitStaysPending() {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	breaker := utils.NewBreaker("PaymentGateway", utils.BreakerSettings{
		Window:           time.Minute,
		MinCalls:         2,
		FailureRate:      0.5,
		HalfOpenRequests: 1,
		OpenWait:         time.Minute,
	}, s.logger)
	client := gateway.NewHTTPClient(config.Gateway{
		BaseURL:        srv.URL,
		UserID:         "commerce",
		ConnectTimeout: time.Second,
		ReadTimeout:    time.Second,
	})
	pg := gateway.NewResilient(client, breaker, utils.RetryPolicy{MaxRetries: 0, Wait: time.Millisecond}, s.logger)

	for range 2 {
		resp := pg.RequestPayment(s.Ctx, gateway.PaymentRequest{OrderID: "0"})
		s.Equal(gateway.ResultFail, resp.Result)
	}
	s.Require().Equal(gobreaker.StateOpen, pg.State())
	s.Require().Equal(int32(2), hits.Load())

	s.Saga = s.newSaga(pg, service.Options{})

	s.seedUser(1, "0")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)

	res := s.cardOrder(1, nil)
	s.drain()

	s.Equal(int32(2), hits.Load())
	s.Equal(domain.PaymentStatusPending, s.paymentOf(res.OrderID).Status)
	s.Equal("PAYMENT_PENDING", s.orderStatus(res.OrderID))
	s.Equal(int64(9), s.stockOf(1))
	s.Equal(int64(8), s.stockOf(2))
	s.Zero(s.countOutbox(events.EventOrderCancelled))
}
