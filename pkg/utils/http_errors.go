package utils

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"go.uber.org/zap"
)

func HTTPStatus(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders handler errors as {"error": msg}. Internal errors are
// logged and their details hidden from the caller.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
		}

		status := HTTPStatus(err)
		msg := err.Error()
		if status == http.StatusInternalServerError {
			mylogger.Error(
				c.UserContext(),
				logger,
				"Unhandled request error",
				zap.String("path", c.Path()),
				zap.Error(err),
			)
			msg = "internal server error"
		}

		return c.Status(status).JSON(fiber.Map{"error": msg})
	}
}
