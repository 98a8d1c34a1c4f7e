package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/repository"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/service"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

type RankingService interface {
	Top(ctx context.Context, day time.Time, limit int) ([]service.RankedProduct, error)
	TopPeriod(ctx context.Context, period repository.Period, key string, limit int) ([]repository.RankRow, error)
}

type RankingHandler struct {
	svc RankingService
}

func NewRankingHandler(svc RankingService) *RankingHandler {
	return &RankingHandler{svc: svc}
}

type rankingEntry struct {
	Rank      int     `json:"rank"`
	ProductID int64   `json:"productId"`
	Score     float64 `json:"score"`
}

type rankingResponse struct {
	Period string         `json:"period"`
	Key    string         `json:"key"`
	Items  []rankingEntry `json:"items"`
}

// Daily serves GET /rankings?date=yyyyMMdd&limit=N from the day's sorted set.
func (h *RankingHandler) Daily(c *fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return err
	}

	day := time.Now()
	if raw := c.Query("date"); raw != "" {
		day, err = domain.ParseRankingDate(raw)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "date must be formatted as yyyyMMdd")
		}
	}

	top, err := h.svc.Top(c.UserContext(), day, limit)
	if err != nil {
		return err
	}

	items := make([]rankingEntry, len(top))
	for i, p := range top {
		items[i] = rankingEntry{Rank: p.Rank, ProductID: p.ProductID, Score: p.Score}
	}

	return c.JSON(rankingResponse{
		Period: "daily",
		Key:    day.Format("20060102"),
		Items:  items,
	})
}

// Period serves the weekly and monthly tables, keyed like 2026-W42 or 2026-10.
func (h *RankingHandler) Period(c *fiber.Ctx) error {
	limit, err := parseLimit(c)
	if err != nil {
		return err
	}

	period := repository.Period(c.Params("period"))
	if period != repository.PeriodWeekly && period != repository.PeriodMonthly {
		return fiber.NewError(fiber.StatusBadRequest, "period must be weekly or monthly")
	}

	key := c.Query("key")
	if key == "" {
		if period == repository.PeriodWeekly {
			key, _, _ = domain.WeekPeriod(time.Now())
		} else {
			key, _, _ = domain.MonthPeriod(time.Now())
		}
	}

	rows, err := h.svc.TopPeriod(c.UserContext(), period, key, limit)
	if err != nil {
		return err
	}

	items := make([]rankingEntry, len(rows))
	for i, r := range rows {
		items[i] = rankingEntry{Rank: i + 1, ProductID: r.ProductID, Score: r.Score}
	}

	return c.JSON(rankingResponse{
		Period: string(period),
		Key:    key,
		Items:  items,
	})
}

func parseLimit(c *fiber.Ctx) (int, error) {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 || limit > maxLimit {
		return 0, fiber.NewError(fiber.StatusBadRequest, "limit must be between 1 and 100")
	}

	return limit, nil
}
