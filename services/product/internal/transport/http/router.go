package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/commerce-saga/services/product/internal/transport/http/handler"
)

func RegisterRoutes(app *fiber.App, h *handler.ProductHandler) {
	products := app.Group("/api/v1/products")

	products.Get("/:id", h.FindByID)
	products.Post("/:id/likes", h.Like)
	products.Delete("/:id/likes", h.Unlike)
	products.Post("/:id/views", h.View)
}
