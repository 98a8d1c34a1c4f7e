package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/gateway"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HandleSignal routes a post-commit signal to its worker.
func (s *Saga) HandleSignal(ctx context.Context, signal domain.Signal) error {
	switch sig := signal.(type) {
	case domain.CardPaymentProcessingStarted:
		return s.ProcessCardPayment(ctx, sig.PaymentKey)
	case domain.PointPaymentRequested:
		return s.ProcessPointPayment(ctx, sig.PaymentKey)
	default:
		return fmt.Errorf("unsupported signal %T", signal)
	}
}

// ProcessCardPayment asks the gateway to charge a PENDING card payment. A
// declined or unreachable gateway leaves the payment PENDING without
// compensation.
func (s *Saga) ProcessCardPayment(ctx context.Context, paymentKey string) error {
	ctx, span := s.tracer.Start(ctx, "OrderSaga.ProcessCardPayment")
	defer span.End()

	span.SetAttributes(attribute.String("payment_key", paymentKey))

	payment, err := s.repos.Payments.GetByKey(ctx, s.pool, paymentKey)
	if err != nil {
		span.RecordError(err)
		return translate(err)
	}

	if payment.Status != domain.PaymentStatusPending || payment.Method != domain.PaymentMethodCard {
		mylogger.Debug(
			ctx,
			s.logger,
			"Card payment not pending, skipping",
			zap.String("payment_key", paymentKey),
			zap.String("status", string(payment.Status)),
		)

		return nil
	}

	req := gateway.PaymentRequest{
		OrderID:     strconv.FormatInt(payment.OrderID, 10),
		Amount:      payment.Amount,
		CallbackURL: s.opts.CallbackURL,
	}
	if payment.CardType != nil {
		req.CardType = *payment.CardType
	}
	if payment.CardNo != nil {
		req.CardNo = *payment.CardNo
	}

	resp := s.gateway.RequestPayment(ctx, req)
	if resp.Result != gateway.ResultSuccess || resp.TransactionKey == "" {
		mylogger.Warn(
			ctx,
			s.logger,
			"Card payment not accepted, payment stays pending",
			zap.String("payment_key", paymentKey),
			zap.Int64("order_id", payment.OrderID),
			zap.String("result", resp.Result),
			zap.String("reason", resp.Reason),
		)

		return nil
	}

	err = db.RunInTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		locked, err := s.repos.Payments.LockByKey(ctx, tx, paymentKey)
		if err != nil {
			return err
		}
		if err := locked.StartProcessing(resp.TransactionKey); err != nil {
			return err
		}
		if err := s.repos.Payments.Update(ctx, tx, locked); err != nil {
			return err
		}

		order, err := s.repos.Orders.LockByID(ctx, tx, locked.OrderID)
		if err != nil {
			return err
		}
		if err := order.Receive(); err != nil {
			return err
		}

		return s.repos.Orders.UpdateStatus(ctx, tx, order)
	})
	if err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			s.logger,
			"Failed to record accepted card payment",
			zap.String("payment_key", paymentKey),
			zap.String("transaction_key", resp.TransactionKey),
			zap.Error(err),
		)

		return translate(err)
	}

	mylogger.Info(
		ctx,
		s.logger,
		"Card payment processing",
		zap.String("payment_key", paymentKey),
		zap.String("transaction_key", resp.TransactionKey),
	)

	return nil
}

// ProcessPointPayment charges a deferred point payment. When the charge is
// refused the payment fails and the order is compensated.
func (s *Saga) ProcessPointPayment(ctx context.Context, paymentKey string) error {
	ctx, span := s.tracer.Start(ctx, "OrderSaga.ProcessPointPayment")
	defer span.End()

	span.SetAttributes(attribute.String("payment_key", paymentKey))

	err := db.RunInTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		payment, err := s.repos.Payments.LockByKey(ctx, tx, paymentKey)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending || payment.Method != domain.PaymentMethodPoint {
			return nil
		}

		order, err := s.repos.Orders.LockByID(ctx, tx, payment.OrderID)
		if err != nil {
			return err
		}
		if order.IsTerminal() {
			return nil
		}

		user, err := s.repos.Users.LockByID(ctx, tx, payment.UserID)
		if err != nil {
			return err
		}
		if err := user.DeductPoints(payment.Amount); err != nil {
			return err
		}
		if err := s.repos.Users.UpdatePoints(ctx, tx, user); err != nil {
			return err
		}

		return s.completePaymentTx(ctx, tx, payment)
	})
	if err == nil {
		return nil
	}

	span.RecordError(err)

	if !isDomainError(err) {
		mylogger.Error(
			ctx,
			s.logger,
			"Point payment failed, payment stays pending",
			zap.String("payment_key", paymentKey),
			zap.Error(err),
		)

		return translate(err)
	}

	mylogger.Warn(
		ctx,
		s.logger,
		"Point payment refused, compensating order",
		zap.String("payment_key", paymentKey),
		zap.Error(err),
	)

	return s.failPayment(ctx, paymentKey, err.Error())
}

// failPayment fails a still-open payment and compensates its order in a new
// transaction.
func (s *Saga) failPayment(ctx context.Context, paymentKey, reason string) error {
	err := db.RunInTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		payment, err := s.repos.Payments.LockByKey(ctx, tx, paymentKey)
		if err != nil {
			return err
		}
		if payment.Status != domain.PaymentStatusPending && payment.Status != domain.PaymentStatusProcessing {
			return nil
		}

		return s.failPaymentTx(ctx, tx, payment, reason)
	})
	if err != nil {
		mylogger.Error(
			ctx,
			s.logger,
			"Failed to compensate order after payment failure",
			zap.String("payment_key", paymentKey),
			zap.Error(err),
		)

		return translate(err)
	}

	return nil
}

func isDomainError(err error) bool {
	return errors.Is(err, apperr.ErrValidation) || errors.Is(err, apperr.ErrConflict)
}
