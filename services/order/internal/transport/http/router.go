package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/commerce-saga/services/order/internal/transport/http/handler"
)

type Handlers struct {
	Order   *handler.OrderHandler
	Payment *handler.PaymentHandler
}

func RegisterRoutes(app *fiber.App, h *Handlers) {
	api := app.Group("/api/v1")

	order := api.Group("/orders")
	order.Post("", h.Order.Create)
	order.Get("/:id", h.Order.FindByID)

	payment := api.Group("/payments")
	payment.Post("/callback", h.Payment.Callback)
}
