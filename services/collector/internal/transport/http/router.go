package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/transport/http/handler"
)

func RegisterRoutes(app *fiber.App, h *handler.RankingHandler) {
	rankings := app.Group("/api/v1/rankings")

	rankings.Get("", h.Daily)
	rankings.Get("/:period", h.Period)
}
