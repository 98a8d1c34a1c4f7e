package service

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// CompensateOrder cancels the order and gives back its stock and coupon.
// It reports false when the order was already canceled.
func (s *Saga) CompensateOrder(ctx context.Context, orderID int64, reason string) (bool, error) {
	return s.compensate(ctx, orderID, false, reason)
}

// CompensateOrderWithPointRefund also returns points to the user when the
// order's payment had charged them.
func (s *Saga) CompensateOrderWithPointRefund(ctx context.Context, orderID int64, reason string) (bool, error) {
	return s.compensate(ctx, orderID, true, reason)
}

func (s *Saga) compensate(ctx context.Context, orderID int64, refund bool, reason string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "OrderSaga.Compensate")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("order_id", orderID),
		attribute.Bool("refund_points", refund),
	)

	applied, err := db.InTx(ctx, s.pool, s.logger, func(tx pgx.Tx) (bool, error) {
		return s.compensateTx(ctx, tx, nil, orderID, refund, reason)
	})
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			s.logger,
			"Order compensation failed",
			zap.Int64("order_id", orderID),
			zap.Error(err),
		)

		return false, translate(err)
	}

	if applied {
		mylogger.Info(
			ctx,
			s.logger,
			"Order compensated",
			zap.Int64("order_id", orderID),
			zap.String("reason", reason),
		)
	}

	return applied, nil
}

// compensateTx runs inside the caller's transaction. When payment is nil it is
// locked here first, keeping payment before order in the lock order.
func (s *Saga) compensateTx(
	ctx context.Context,
	tx pgx.Tx,
	payment *domain.Payment,
	orderID int64,
	refund bool,
	reason string,
) (bool, error) {
	if payment == nil {
		p, err := s.repos.Payments.LockByOrderID(ctx, tx, orderID)
		if err != nil && !errors.Is(err, repository.ErrPaymentNotFound) {
			return false, err
		}
		payment = p
	}

	order, err := s.repos.Orders.LockByID(ctx, tx, orderID)
	if err != nil {
		return false, err
	}

	if order.IsCanceled() {
		mylogger.Debug(
			ctx,
			s.logger,
			"Order already canceled, compensation skipped",
			zap.Int64("order_id", orderID),
		)

		return false, nil
	}

	if err := order.Cancel(); err != nil {
		return false, err
	}

	if refund && payment != nil && payment.PointsCharged() {
		user, err := s.repos.Users.LockByID(ctx, tx, order.UserID)
		if err != nil {
			return false, err
		}

		user.RefundPoints(payment.Amount)
		if err := s.repos.Users.UpdatePoints(ctx, tx, user); err != nil {
			return false, err
		}
	}

	if order.IssuedCouponID != nil {
		issued, err := s.repos.Coupons.LockIssuedByID(ctx, tx, *order.IssuedCouponID)
		if err != nil {
			return false, err
		}

		if issued.Status == domain.IssuedCouponUsed {
			if err := issued.Restore(); err != nil {
				return false, err
			}
			if err := s.repos.Coupons.UpdateIssued(ctx, tx, issued); err != nil {
				return false, err
			}
		}
	}

	if err := s.repos.Products.RestoreStock(ctx, tx, order.Items); err != nil {
		return false, err
	}

	if err := s.repos.Orders.UpdateStatus(ctx, tx, order); err != nil {
		return false, err
	}

	items := make([]events.OrderItem, len(order.Items))
	for i, item := range order.Items {
		items[i] = events.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		}
	}

	err = s.recordOrderEvent(ctx, tx, order.ID, events.EventOrderCancelled, events.OrderCancelledEvent{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Items:       items,
		Reason:      reason,
		CancelledAt: s.now(),
	})
	if err != nil {
		return false, err
	}

	return true, nil
}
