package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Brand struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Product is the catalog view served by the API and cached in Redis.
type Product struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Stock     int64           `json:"stock"`
	LikeCount int64           `json:"likeCount"`
	Brand     Brand           `json:"brand"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// LikeMismatch is a product whose stored like_count disagreed with its likes.
type LikeMismatch struct {
	ProductID int64
	Stored    int64
	Actual    int64
}
