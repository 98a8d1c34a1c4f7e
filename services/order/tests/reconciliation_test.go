package tests

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/db"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/gateway"
	"github.com/sakashimaa/commerce-saga/services/order/internal/service"
)

// processingOrder leaves a card order PROCESSING and old enough to be due.
func (s *IntegrationTestSuite) processingOrder() *service.CreateOrderResult {
	s.seedUser(1, "0")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)

	res := s.cardOrder(1, nil)
	s.drain()
	s.Require().Equal(domain.PaymentStatusProcessing, s.paymentOf(res.OrderID).Status)

	_, err := s.DbPool.Exec(s.Ctx, `UPDATE payments SET created_at = NOW() - INTERVAL '5 minutes'`)
	s.Require().NoError(err)

	return res
}

func (s *IntegrationTestSuite) reconciler(maxChecks int) *service.Reconciler {
	return service.NewReconciler(s.Saga, config.Reconciliation{
		Interval:      time.Minute,
		CheckInterval: time.Minute,
		MaxChecks:     maxChecks,
		BatchSize:     10,
	}, s.logger)
}

func (s *IntegrationTestSuite) TestReconcile_SuccessCompletesOrder() {
	res := s.processingOrder()
	s.Gateway.statusResp = &gateway.PaymentResponse{Result: gateway.ResultSuccess, TransactionKey: "TX-1", Status: "SUCCESS"}

	out, err := s.reconciler(10).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, out.Checked)
	s.Equal(1, out.Completed)

	payment := s.paymentOf(res.OrderID)
	s.Equal(domain.PaymentStatusSuccess, payment.Status)
	s.Equal(1, payment.StatusCheckCount)
	s.Equal("COMPLETED", s.orderStatus(res.OrderID))
	s.Equal(1, s.countOutbox(events.EventOrderCompleted))
}

func (s *IntegrationTestSuite) TestReconcile_FailedCompensates() {
	res := s.processingOrder()
	s.Gateway.statusResp = &gateway.PaymentResponse{Result: gateway.ResultSuccess, TransactionKey: "TX-1", Status: "FAILED", Reason: "expired card"}

	out, err := s.reconciler(10).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, out.Failed)

	s.Equal(domain.PaymentStatusFailed, s.paymentOf(res.OrderID).Status)
	s.Equal("CANCELED", s.orderStatus(res.OrderID))
	s.Equal(int64(10), s.stockOf(1))
	s.Equal(1, s.countOutbox(events.EventOrderFailed))
}

func (s *IntegrationTestSuite) TestReconcile_GatewayErrorStillCountsCheck() {
	res := s.processingOrder()
	s.Gateway.statusErr = apperr.External(errors.New("connection refused"), "payment status unavailable")

	out, err := s.reconciler(10).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, out.Checked)
	s.Equal(1, out.Errors)

	payment := s.paymentOf(res.OrderID)
	s.Equal(domain.PaymentStatusProcessing, payment.Status)
	s.Equal(1, payment.StatusCheckCount)

	// the check just happened, so the payment is not due again
	out, err = s.reconciler(10).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Zero(out.Checked)
}

func (s *IntegrationTestSuite) TestReconcile_CeilingAbandons() {
	res := s.processingOrder()
	s.Gateway.statusResp = &gateway.PaymentResponse{Result: gateway.ResultSuccess, TransactionKey: "TX-1", Status: "PENDING"}

	out, err := s.reconciler(1).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, out.Abandoned)

	_, err = s.DbPool.Exec(s.Ctx, `UPDATE payments SET last_status_check_at = NOW() - INTERVAL '5 minutes'`)
	s.Require().NoError(err)

	out, err = s.reconciler(1).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Zero(out.Checked)

	s.Equal(domain.PaymentStatusProcessing, s.paymentOf(res.OrderID).Status)
	s.Equal("RECEIVED", s.orderStatus(res.OrderID))
	s.Equal(1, s.Gateway.statusCalls)
}

func (s *IntegrationTestSuite) TestReconcile_NeverCheckedPaymentIsDueAtOnce() {
	s.seedUser(1, "0")
	s.seedProduct(1, "100", 10)
	s.seedProduct(2, "25", 10)

	res := s.cardOrder(1, nil)
	s.drain()
	s.Gateway.statusResp = &gateway.PaymentResponse{Result: gateway.ResultSuccess, TransactionKey: "TX-1", Status: "SUCCESS"}

	out, err := s.reconciler(10).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, out.Checked)
	s.Equal(domain.PaymentStatusSuccess, s.paymentOf(res.OrderID).Status)
}

func (s *IntegrationTestSuite) TestReconcile_GatewayQueriedWithoutRowLock() {
	res := s.processingOrder()
	s.Gateway.statusResp = &gateway.PaymentResponse{Result: gateway.ResultSuccess, TransactionKey: "TX-1", Status: "PENDING"}

	var lockErr error
	s.Gateway.onStatus = func() {
		lockErr = db.RunInTx(s.Ctx, s.DbPool, s.logger, func(tx pgx.Tx) error {
			var id int64
			return tx.QueryRow(s.Ctx, `SELECT id FROM payments WHERE order_id = $1 FOR UPDATE NOWAIT`, res.OrderID).Scan(&id)
		})
	}

	out, err := s.reconciler(10).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, out.Checked)
	s.Equal(1, s.Gateway.statusCalls)
	s.NoError(lockErr)
}

func (s *IntegrationTestSuite) TestReconcile_CheckCountedWhenApplyFails() {
	res := s.processingOrder()
	s.Gateway.statusResp = &gateway.PaymentResponse{Result: gateway.ResultSuccess, TransactionKey: "TX-1", Status: "SUCCESS"}

	// completing the order now violates a constraint, a storage error rather than a domain one
	_, err := s.DbPool.Exec(s.Ctx, `ALTER TABLE orders ADD CONSTRAINT orders_not_completed CHECK (status <> 'COMPLETED') NOT VALID`)
	s.Require().NoError(err)
	defer func() {
		_, err := s.DbPool.Exec(s.Ctx, `ALTER TABLE orders DROP CONSTRAINT orders_not_completed`)
		s.Require().NoError(err)
	}()

	out, err := s.reconciler(10).ReconcileOnce(s.Ctx)
	s.Require().NoError(err)
	s.Equal(1, out.Checked)
	s.Equal(1, out.Errors)
	s.Zero(out.Completed)

	payment := s.paymentOf(res.OrderID)
	s.Equal(domain.PaymentStatusProcessing, payment.Status)
	s.Equal(1, payment.StatusCheckCount)
	s.Equal("RECEIVED", s.orderStatus(res.OrderID))
}
