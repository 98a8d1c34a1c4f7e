package handler

import (
	"context"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/pkg/utils"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/order/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type OrderService interface {
	CreateOrder(ctx context.Context, cmd service.CreateOrderCommand) (*service.CreateOrderResult, error)
	GetOrder(ctx context.Context, orderID int64) (*domain.Order, *domain.Payment, error)
}

type OrderHandler struct {
	svc       OrderService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewOrderHandler(svc OrderService, validate *validator.Validate, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		svc:       svc,
		validator: validate,
		logger:    logger,
	}
}

type orderItemRequest struct {
	ProductID int64 `json:"productId" validate:"required,gt=0"`
	Quantity  int32 `json:"quantity" validate:"required,gt=0"`
}

type createOrderRequest struct {
	UserID      int64              `json:"userId" validate:"required,gt=0"`
	Items       []orderItemRequest `json:"items" validate:"required,min=1,dive"`
	CouponID    *int64             `json:"couponId" validate:"omitempty,gt=0"`
	PaymentType string             `json:"paymentType" validate:"required,oneof=POINT CARD"`
	CardType    string             `json:"cardType" validate:"required_if=PaymentType CARD"`
	CardNo      string             `json:"cardNo" validate:"required_if=PaymentType CARD"`
}

type createOrderResponse struct {
	OrderID    int64           `json:"orderId"`
	Status     string          `json:"status"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	PaymentKey string          `json:"paymentKey"`
}

type orderItemResponse struct {
	ProductID int64           `json:"productId"`
	Quantity  int32           `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type paymentResponse struct {
	PaymentKey    string  `json:"paymentKey"`
	Status        string  `json:"status"`
	Method        string  `json:"method"`
	FailureReason *string `json:"failureReason,omitempty"`
}

type orderResponse struct {
	ID             int64               `json:"id"`
	UserID         int64               `json:"userId"`
	Status         string              `json:"status"`
	TotalPrice     decimal.Decimal     `json:"totalPrice"`
	IssuedCouponID *int64              `json:"issuedCouponId,omitempty"`
	Items          []orderItemResponse `json:"items"`
	Payment        paymentResponse     `json:"payment"`
	CreatedAt      time.Time           `json:"createdAt"`
}

func (h *OrderHandler) Create(c *fiber.Ctx) error {
	var input createOrderRequest

	if err := c.BodyParser(&input); err != nil {
		mylogger.Warn(
			c.UserContext(),
			h.logger,
			"failed to parse body in create order",
			zap.Error(err),
		)

		return fiber.NewError(fiber.StatusBadRequest, "error parsing body")
	}

	if err := h.validator.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":  "validation failed",
			"fields": utils.FormatValidationError(err),
		})
	}

	cmd := service.CreateOrderCommand{
		UserID:      input.UserID,
		CouponID:    input.CouponID,
		PaymentType: domain.PaymentMethod(input.PaymentType),
		CardType:    input.CardType,
		CardNo:      input.CardNo,
	}
	for _, item := range input.Items {
		cmd.Items = append(cmd.Items, service.OrderLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	res, err := h.svc.CreateOrder(c.UserContext(), cmd)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(createOrderResponse{
		OrderID:    res.OrderID,
		Status:     string(res.Status),
		TotalPrice: res.TotalPrice,
		PaymentKey: res.PaymentKey,
	})
}

func (h *OrderHandler) FindByID(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid order id")
	}

	order, payment, err := h.svc.GetOrder(c.UserContext(), id)
	if err != nil {
		return err
	}

	items := make([]orderItemResponse, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemResponse{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
		}
	}

	return c.JSON(orderResponse{
		ID:             order.ID,
		UserID:         order.UserID,
		Status:         string(order.Status),
		TotalPrice:     order.TotalPrice,
		IssuedCouponID: order.IssuedCouponID,
		Items:          items,
		Payment: paymentResponse{
			PaymentKey:    payment.PaymentKey,
			Status:        string(payment.Status),
			Method:        string(payment.Method),
			FailureReason: payment.FailureReason,
		},
		CreatedAt: order.CreatedAt,
	})
}
