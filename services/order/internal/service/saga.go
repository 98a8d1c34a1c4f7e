package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/gateway"
	"github.com/sakashimaa/commerce-saga/services/order/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// EventRecorder appends outbox rows inside the caller's transaction.
type EventRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error
}

type PaymentGateway interface {
	RequestPayment(ctx context.Context, req gateway.PaymentRequest) *gateway.PaymentResponse
	GetPayment(ctx context.Context, transactionKey string) (*gateway.PaymentResponse, error)
}

type SignalDispatcher interface {
	Dispatch(ctx context.Context, signals ...domain.Signal)
}

type Repositories struct {
	Orders   repository.OrderRepository
	Payments repository.PaymentRepository
	Products repository.ProductRepository
	Coupons  repository.CouponRepository
	Users    repository.UserRepository
}

type Options struct {
	// DeferPoints moves point charging out of the order transaction into a worker.
	DeferPoints bool
	CallbackURL string
}

// Saga owns order creation, payment execution and compensation. Every
// multi-row operation locks payment, order, user, issued coupon and products
// in that order.
type Saga struct {
	pool       *pgxpool.Pool
	repos      Repositories
	recorder   EventRecorder
	gateway    PaymentGateway
	dispatcher SignalDispatcher
	topology   config.Topology
	opts       Options
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewSaga(
	pool *pgxpool.Pool,
	repos Repositories,
	recorder EventRecorder,
	gw PaymentGateway,
	dispatcher SignalDispatcher,
	topology config.Topology,
	opts Options,
	logger *zap.Logger,
) *Saga {
	return &Saga{
		pool:       pool,
		repos:      repos,
		recorder:   recorder,
		gateway:    gw,
		dispatcher: dispatcher,
		topology:   topology,
		opts:       opts,
		logger:     logger,
		tracer:     otel.Tracer("order_saga"),
		now:        time.Now,
	}
}

func (s *Saga) recordOrderEvent(ctx context.Context, tx pgx.Tx, orderID int64, eventType string, payload any) error {
	return s.recorder.Record(ctx, tx, s.topology.OrderAggregate, strconv.FormatInt(orderID, 10), eventType, payload)
}

// completePaymentTx settles a payment and completes its order.
func (s *Saga) completePaymentTx(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
	if err := payment.Succeed(); err != nil {
		return err
	}
	if err := s.repos.Payments.Update(ctx, tx, payment); err != nil {
		return err
	}

	order, err := s.repos.Orders.LockByID(ctx, tx, payment.OrderID)
	if err != nil {
		return err
	}
	if err := order.Complete(); err != nil {
		return err
	}
	if err := s.repos.Orders.UpdateStatus(ctx, tx, order); err != nil {
		return err
	}

	return s.recordOrderEvent(ctx, tx, order.ID, events.EventOrderCompleted, events.OrderCompletedEvent{
		OrderID:     order.ID,
		UserID:      order.UserID,
		PaymentKey:  payment.PaymentKey,
		Amount:      payment.Amount,
		CompletedAt: s.now(),
	})
}

// failPaymentTx marks the payment failed and compensates its order.
func (s *Saga) failPaymentTx(ctx context.Context, tx pgx.Tx, payment *domain.Payment, reason string) error {
	if err := payment.Fail(reason); err != nil {
		return err
	}
	if err := s.repos.Payments.Update(ctx, tx, payment); err != nil {
		return err
	}

	if _, err := s.compensateTx(ctx, tx, payment, payment.OrderID, true, reason); err != nil {
		return err
	}

	return s.recordOrderEvent(ctx, tx, payment.OrderID, events.EventOrderFailed, events.OrderFailedEvent{
		OrderID:    payment.OrderID,
		UserID:     payment.UserID,
		PaymentKey: payment.PaymentKey,
		Reason:     reason,
		FailedAt:   s.now(),
	})
}

// translate maps repository sentinels onto the error taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrPaymentNotFound),
		errors.Is(err, repository.ErrProductNotFound),
		errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrCouponNotFound),
		errors.Is(err, repository.ErrIssuedCouponNotFound):
		return apperr.Wrap(apperr.KindNotFound, err, "")
	default:
		return err
	}
}
