package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/pkg/utils"
	"github.com/sakashimaa/commerce-saga/services/order/internal/service"
	"go.uber.org/zap"
)

type CallbackHandler interface {
	HandlePaymentCallback(ctx context.Context, cb service.PaymentCallback) error
}

type PaymentHandler struct {
	svc       CallbackHandler
	validator *validator.Validate
	logger    *zap.Logger
}

func NewPaymentHandler(svc CallbackHandler, validate *validator.Validate, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		svc:       svc,
		validator: validate,
		logger:    logger,
	}
}

type callbackRequest struct {
	TransactionKey string `json:"transactionKey" validate:"required"`
	Status         string `json:"status" validate:"required,oneof=SUCCESS FAILED"`
	Reason         string `json:"reason"`
}

func (h *PaymentHandler) Callback(c *fiber.Ctx) error {
	var input callbackRequest

	if err := c.BodyParser(&input); err != nil {
		mylogger.Warn(
			c.UserContext(),
			h.logger,
			"failed to parse payment callback",
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

	err := h.svc.HandlePaymentCallback(c.UserContext(), service.PaymentCallback{
		TransactionKey: input.TransactionKey,
		Status:         input.Status,
		Reason:         input.Reason,
	})
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{"status": "ok"})
}
