package service

import (
	"context"
	"slices"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, *domain.Payment, error)
}

type OrderLine struct {
	ProductID int64
	Quantity  int32
}

type CreateOrderCommand struct {
	UserID      int64
	Items       []OrderLine
	CouponID    *int64
	PaymentType domain.PaymentMethod
	CardType    string
	CardNo      string
}

type CreateOrderResult struct {
	OrderID    int64
	Status     domain.OrderStatus
	TotalPrice decimal.Decimal
	PaymentKey string
}

type createOutcome struct {
	result  *CreateOrderResult
	signals []domain.Signal
}

func (cmd CreateOrderCommand) validate() error {
	if len(cmd.Items) == 0 {
		return apperr.Validation("order must contain at least one item")
	}

	seen := make(map[int64]struct{}, len(cmd.Items))
	for _, line := range cmd.Items {
		if line.Quantity <= 0 {
			return apperr.Validation("quantity for product %d must be positive", line.ProductID)
		}
		if _, ok := seen[line.ProductID]; ok {
			return apperr.Validation("duplicate product %d in order", line.ProductID)
		}
		seen[line.ProductID] = struct{}{}
	}

	switch cmd.PaymentType {
	case domain.PaymentMethodPoint:
	case domain.PaymentMethodCard:
		if cmd.CardType == "" || cmd.CardNo == "" {
			return apperr.Validation("card type and number are required for card payment")
		}
	default:
		return apperr.Validation("unsupported payment type %q", cmd.PaymentType)
	}

	return nil
}

// CreateOrder reserves stock and coupon, persists the order with its payment
// and writes the outbox rows in one transaction. Card payments and deferred
// point payments continue on the worker pool once the transaction committed.
func (s *Saga) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*CreateOrderResult, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.CreateOrder")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", cmd.UserID),
		attribute.Int("items_count", len(cmd.Items)),
		attribute.String("payment_type", string(cmd.PaymentType)),
	)

	if err := cmd.validate(); err != nil {
		return nil, err
	}

	out, err := db.InTx(ctx, s.pool, s.logger, func(tx pgx.Tx) (*createOutcome, error) {
		return s.createOrderTx(ctx, tx, cmd)
	})
	if err != nil {
		span.RecordError(err)

		mylogger.Warn(
			ctx,
			s.logger,
			"Failed to create order",
			zap.Int64("user_id", cmd.UserID),
			zap.Error(err),
		)

		return nil, translate(err)
	}

	s.dispatcher.Dispatch(ctx, out.signals...)

	mylogger.Info(
		ctx,
		s.logger,
		"Order created",
		zap.Int64("order_id", out.result.OrderID),
		zap.String("status", string(out.result.Status)),
		zap.String("payment_key", out.result.PaymentKey),
	)

	return out.result, nil
}

func (s *Saga) createOrderTx(ctx context.Context, tx pgx.Tx, cmd CreateOrderCommand) (*createOutcome, error) {
	now := s.now()

	user, err := s.repos.Users.LockByID(ctx, tx, cmd.UserID)
	if err != nil {
		return nil, err
	}

	var (
		coupon *domain.Coupon
		issued *domain.IssuedCoupon
	)
	if cmd.CouponID != nil {
		coupon, err = s.repos.Coupons.GetCoupon(ctx, tx, *cmd.CouponID)
		if err != nil {
			return nil, err
		}
		if err := coupon.ValidAt(now); err != nil {
			return nil, err
		}

		issued, err = s.repos.Coupons.LockIssued(ctx, tx, user.ID, coupon.ID)
		if err != nil {
			return nil, err
		}
		if issued.Status != domain.IssuedCouponUsable {
			return nil, apperr.Conflict("coupon %d is %s", coupon.ID, issued.Status)
		}
	}

	ids := make([]int64, 0, len(cmd.Items))
	for _, line := range cmd.Items {
		ids = append(ids, line.ProductID)
	}
	slices.Sort(ids)

	products, err := s.repos.Products.LockForUpdate(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	items := make([]domain.OrderItem, 0, len(cmd.Items))
	for _, line := range cmd.Items {
		product := products[line.ProductID]
		if err := product.EnsureStock(line.Quantity); err != nil {
			return nil, err
		}

		items = append(items, domain.OrderItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Price:     product.Price,
		})
	}

	order, err := domain.NewOrder(user.ID, items, coupon, issued)
	if err != nil {
		return nil, err
	}

	for _, line := range cmd.Items {
		product := products[line.ProductID]
		if err := product.DecreaseStock(line.Quantity); err != nil {
			return nil, err
		}
		if err := s.repos.Products.UpdateStock(ctx, tx, product); err != nil {
			return nil, err
		}
	}

	if err := s.repos.Orders.CreateOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	if err := s.recordOrderEvent(ctx, tx, order.ID, events.EventOrderCreated, orderCreatedEvent(order, cmd.PaymentType)); err != nil {
		return nil, err
	}

	payment, signals, err := s.executePayment(ctx, tx, cmd, order, user)
	if err != nil {
		return nil, err
	}

	if issued != nil {
		if err := issued.Use(now); err != nil {
			return nil, err
		}
		if err := s.repos.Coupons.UpdateIssued(ctx, tx, issued); err != nil {
			return nil, err
		}

		err := s.recorder.Record(ctx, tx, s.topology.CouponAggregate, strconv.FormatInt(issued.ID, 10), events.EventCouponUsed, events.CouponUsedEvent{
			IssuedCouponID: issued.ID,
			CouponID:       issued.CouponID,
			UserID:         user.ID,
			OrderID:        order.ID,
			UsedAt:         now,
		})
		if err != nil {
			return nil, err
		}
	}

	err = s.recorder.Record(ctx, tx, s.topology.ActivityAggregate, strconv.FormatInt(user.ID, 10), events.EventUserActivity, events.UserActivityEvent{
		UserID:     user.ID,
		Action:     "ORDER_PLACED",
		TargetType: s.topology.OrderAggregate,
		TargetID:   strconv.FormatInt(order.ID, 10),
		At:         now,
	})
	if err != nil {
		return nil, err
	}

	return &createOutcome{
		result: &CreateOrderResult{
			OrderID:    order.ID,
			Status:     order.Status,
			TotalPrice: order.TotalPrice,
			PaymentKey: payment.PaymentKey,
		},
		signals: signals,
	}, nil
}

// executePayment creates the order's payment. Inline point payments settle
// here; everything else leaves the order PAYMENT_PENDING and returns a signal.
func (s *Saga) executePayment(
	ctx context.Context,
	tx pgx.Tx,
	cmd CreateOrderCommand,
	order *domain.Order,
	user *domain.User,
) (*domain.Payment, []domain.Signal, error) {
	now := s.now()

	var payment *domain.Payment
	if cmd.PaymentType == domain.PaymentMethodCard {
		payment = domain.NewCardPayment(order.ID, user.ID, order.TotalPrice, cmd.CardType, cmd.CardNo, now)
	} else {
		payment = domain.NewPointPayment(order.ID, user.ID, order.TotalPrice, now)
	}

	if err := s.repos.Payments.Create(ctx, tx, payment); err != nil {
		return nil, nil, err
	}

	if cmd.PaymentType == domain.PaymentMethodPoint && !s.opts.DeferPoints {
		if err := user.DeductPoints(payment.Amount); err != nil {
			return nil, nil, err
		}
		if err := s.repos.Users.UpdatePoints(ctx, tx, user); err != nil {
			return nil, nil, err
		}

		if err := s.completePaymentTx(ctx, tx, payment); err != nil {
			return nil, nil, err
		}
		order.Status = domain.OrderStatusCompleted

		return payment, nil, nil
	}

	if err := order.MarkPaymentPending(); err != nil {
		return nil, nil, err
	}
	if err := s.repos.Orders.UpdateStatus(ctx, tx, order); err != nil {
		return nil, nil, err
	}

	var signal domain.Signal
	if payment.Method == domain.PaymentMethodCard {
		signal = domain.CardPaymentProcessingStarted{PaymentKey: payment.PaymentKey, OrderID: order.ID}
	} else {
		signal = domain.PointPaymentRequested{PaymentKey: payment.PaymentKey, OrderID: order.ID}
	}

	return payment, []domain.Signal{signal}, nil
}

func orderCreatedEvent(order *domain.Order, method domain.PaymentMethod) events.OrderCreatedEvent {
	items := make([]events.OrderItem, len(order.Items))
	for i, item := range order.Items {
		items[i] = events.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		}
	}

	return events.OrderCreatedEvent{
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalPrice:  order.TotalPrice,
		PaymentType: string(method),
		Items:       items,
		CreatedAt:   order.CreatedAt,
	}
}

func (s *Saga) GetOrder(ctx context.Context, orderID int64) (*domain.Order, *domain.Payment, error) {
	ctx, span := s.tracer.Start(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.repos.Orders.GetByID(ctx, s.pool, orderID)
	if err != nil {
		return nil, nil, translate(err)
	}

	payment, err := s.repos.Payments.GetByOrderID(ctx, s.pool, orderID)
	if err != nil {
		return nil, nil, translate(err)
	}

	return order, payment, nil
}
