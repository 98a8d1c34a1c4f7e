package domain

import (
	"fmt"
	"slices"
	"time"
)

// Delta is the change a set of events makes to one product's counters.
// Orders counts orders that contained the product; Quantity sums the units.
type Delta struct {
	Like     int64
	View     int64
	Orders   int64
	Quantity int64
}

func (d Delta) Plus(o Delta) Delta {
	return Delta{
		Like:     d.Like + o.Like,
		View:     d.View + o.View,
		Orders:   d.Orders + o.Orders,
		Quantity: d.Quantity + o.Quantity,
	}
}

func (d Delta) IsZero() bool {
	return d == Delta{}
}

type Deltas map[int64]Delta

func (ds Deltas) Add(productID int64, d Delta) {
	ds[productID] = ds[productID].Plus(d)
}

// ProductIDs returns the keys in ascending order, the order rows are locked in.
func (ds Deltas) ProductIDs() []int64 {
	ids := make([]int64, 0, len(ds))
	for id := range ds {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

// Aggregate sums the deltas of all events per product, dropping products whose
// changes cancel out.
func Aggregate(events []*Event) Deltas {
	total := Deltas{}
	for _, e := range events {
		for id, d := range e.Deltas {
			total.Add(id, d)
		}
	}

	for id, d := range total {
		if d.IsZero() {
			delete(total, id)
		}
	}

	return total
}

type ProductMetrics struct {
	ProductID     int64
	LikeCount     int64
	ViewCount     int64
	OrderCount    int64
	TotalQuantity int64
	UpdatedAt     time.Time
}

// DailyMetrics holds one product's deltas for a day. The *Ranked fields are the
// part already pushed to the ranking sorted sets.
type DailyMetrics struct {
	ID          int64
	ProductID   int64
	MetricDate  time.Time
	LikeDelta   int64
	ViewDelta   int64
	OrderDelta  int64
	LikeRanked  int64
	ViewRanked  int64
	OrderRanked int64
	IsProcessed bool
}

// Pending is what the ranking job still has to add.
func (m DailyMetrics) Pending() (like, view, order int64) {
	return m.LikeDelta - m.LikeRanked, m.ViewDelta - m.ViewRanked, m.OrderDelta - m.OrderRanked
}

type Weights struct {
	Like  float64
	View  float64
	Order float64
}

func (w Weights) Score(like, view, order int64) float64 {
	return float64(like)*w.Like + float64(view)*w.View + float64(order)*w.Order
}

const dateLayout = "20060102"

type RankingBoard string

const (
	BoardLike  RankingBoard = "like"
	BoardView  RankingBoard = "view"
	BoardOrder RankingBoard = "order"
	BoardAll   RankingBoard = "all"
)

func RankingKey(board RankingBoard, day time.Time) string {
	return fmt.Sprintf("ranking:%s:%s", board, day.Format(dateLayout))
}

func ParseRankingDate(s string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, s, time.Local)
}

// WeekPeriod returns the ISO week key and its Monday..Sunday bounds.
func WeekPeriod(day time.Time) (key string, from, to time.Time) {
	year, week := day.ISOWeek()
	offset := (int(day.Weekday()) + 6) % 7

	from = Truncate(day).AddDate(0, 0, -offset)
	to = from.AddDate(0, 0, 6)

	return fmt.Sprintf("%d-W%02d", year, week), from, to
}

func MonthPeriod(day time.Time) (key string, from, to time.Time) {
	from = time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
	to = from.AddDate(0, 1, -1)

	return from.Format("2006-01"), from, to
}

func Truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
