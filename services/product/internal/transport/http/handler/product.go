package handler

import (
	"context"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/product/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const userIDHeader = "X-USER-ID"

type ProductService interface {
	FindByID(ctx context.Context, id int64) (*domain.Product, error)
	AddLike(ctx context.Context, userID, productID int64) (bool, error)
	RemoveLike(ctx context.Context, userID, productID int64) (bool, error)
	RecordView(ctx context.Context, userID, productID int64) error
}

type ProductHandler struct {
	svc    ProductService
	logger *zap.Logger
}

func NewProductHandler(svc ProductService, logger *zap.Logger) *ProductHandler {
	return &ProductHandler{
		svc:    svc,
		logger: logger,
	}
}

type brandResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type productResponse struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Stock     int64           `json:"stock"`
	Price     decimal.Decimal `json:"price"`
	LikeCount int64           `json:"likeCount"`
	Brand     brandResponse   `json:"brand"`
}

type likeResponse struct {
	ProductID int64 `json:"productId"`
	Changed   bool  `json:"changed"`
}

func (h *ProductHandler) FindByID(c *fiber.Ctx) error {
	id, err := productID(c)
	if err != nil {
		return err
	}

	p, err := h.svc.FindByID(c.UserContext(), id)
	if err != nil {
		return err
	}

	return c.JSON(productResponse{
		ID:        p.ID,
		Name:      p.Name,
		Stock:     p.Stock,
		Price:     p.Price,
		LikeCount: p.LikeCount,
		Brand: brandResponse{
			ID:   p.Brand.ID,
			Name: p.Brand.Name,
		},
	})
}

func (h *ProductHandler) Like(c *fiber.Ctx) error {
	return h.toggleLike(c, h.svc.AddLike)
}

func (h *ProductHandler) Unlike(c *fiber.Ctx) error {
	return h.toggleLike(c, h.svc.RemoveLike)
}

func (h *ProductHandler) toggleLike(c *fiber.Ctx, fn func(ctx context.Context, userID, productID int64) (bool, error)) error {
	id, err := productID(c)
	if err != nil {
		return err
	}

	userID, err := requiredUserID(c)
	if err != nil {
		return err
	}

	changed, err := fn(c.UserContext(), userID, id)
	if err != nil {
		return err
	}

	return c.JSON(likeResponse{ProductID: id, Changed: changed})
}

// View accepts anonymous callers; the user header is optional here.
func (h *ProductHandler) View(c *fiber.Ctx) error {
	id, err := productID(c)
	if err != nil {
		return err
	}

	var userID int64
	if raw := c.Get(userIDHeader); raw != "" {
		userID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || userID <= 0 {
			mylogger.Debug(c.UserContext(), h.logger, "Ignoring malformed user header", zap.String("value", raw))
			userID = 0
		}
	}

	if err := h.svc.RecordView(c.UserContext(), userID, id); err != nil {
		return err
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func productID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid product id")
	}

	return id, nil
}

func requiredUserID(c *fiber.Ctx) (int64, error) {
	userID, err := strconv.ParseInt(c.Get(userIDHeader), 10, 64)
	if err != nil || userID <= 0 {
		return 0, fiber.NewError(fiber.StatusUnauthorized, "missing or invalid "+userIDHeader+" header")
	}

	return userID, nil
}
