package service

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	CallbackStatusSuccess = "SUCCESS"
	CallbackStatusFailed  = "FAILED"
)

type PaymentCallback struct {
	TransactionKey string
	Status         string
	Reason         string
}

// HandlePaymentCallback applies the gateway's final verdict. Repeated
// callbacks with the same verdict are no-ops.
func (s *Saga) HandlePaymentCallback(ctx context.Context, cb PaymentCallback) error {
	ctx, span := s.tracer.Start(ctx, "OrderSaga.HandlePaymentCallback")
	defer span.End()

	span.SetAttributes(
		attribute.String("transaction_key", cb.TransactionKey),
		attribute.String("status", cb.Status),
	)

	if cb.Status != CallbackStatusSuccess && cb.Status != CallbackStatusFailed {
		return apperr.Validation("unsupported callback status %q", cb.Status)
	}

	err := db.RunInTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		payment, err := s.repos.Payments.LockByTransactionKey(ctx, tx, cb.TransactionKey)
		if err != nil {
			return err
		}

		if cb.Status == CallbackStatusSuccess {
			if payment.Status == domain.PaymentStatusSuccess {
				return nil
			}

			return s.completePaymentTx(ctx, tx, payment)
		}

		if payment.Status == domain.PaymentStatusFailed {
			return nil
		}

		reason := cb.Reason
		if reason == "" {
			reason = "payment declined by gateway"
		}

		return s.failPaymentTx(ctx, tx, payment, reason)
	})
	if err != nil {
		span.RecordError(err)

		mylogger.Warn(
			ctx,
			s.logger,
			"Payment callback rejected",
			zap.String("transaction_key", cb.TransactionKey),
			zap.String("status", cb.Status),
			zap.Error(err),
		)

		return translate(err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Payment callback applied",
		zap.String("transaction_key", cb.TransactionKey),
		zap.String("status", cb.Status),
	)

	return nil
}
