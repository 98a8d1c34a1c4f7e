package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	events "github.com/sakashimaa/commerce-saga/pkg/domain"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/product/internal/domain"
	"github.com/sakashimaa/commerce-saga/services/product/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ProductService interface {
	FindByID(ctx context.Context, id int64) (*domain.Product, error)
	AddLike(ctx context.Context, userID, productID int64) (bool, error)
	RemoveLike(ctx context.Context, userID, productID int64) (bool, error)
	RecordView(ctx context.Context, userID, productID int64) error
}

type EventRecorder interface {
	Record(ctx context.Context, tx pgx.Tx, aggregateType, aggregateID, eventType string, payload any) error
}

type productService struct {
	productRepo repository.ProductRepository
	recorder    EventRecorder
	topology    config.Topology
	pool        *pgxpool.Pool
	logger      *zap.Logger
	tracer      trace.Tracer
}

func NewProductService(
	productRepo repository.ProductRepository,
	recorder EventRecorder,
	topology config.Topology,
	pool *pgxpool.Pool,
	logger *zap.Logger,
) ProductService {
	return &productService{
		productRepo: productRepo,
		recorder:    recorder,
		topology:    topology,
		pool:        pool,
		logger:      logger,
		tracer:      otel.Tracer("product_service"),
	}
}

func (s *productService) FindByID(ctx context.Context, id int64) (*domain.Product, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.FindByID")
	defer span.End()

	product, err := s.productRepo.GetByID(ctx, s.pool, id)
	if err != nil {
		span.RecordError(err)
		return nil, translate(err)
	}

	return product, nil
}

// AddLike is idempotent per user and product; a repeated like changes nothing
// and emits no event.
func (s *productService) AddLike(ctx context.Context, userID, productID int64) (bool, error) {
	return s.toggleLike(ctx, userID, productID, true)
}

func (s *productService) RemoveLike(ctx context.Context, userID, productID int64) (bool, error) {
	return s.toggleLike(ctx, userID, productID, false)
}

func (s *productService) toggleLike(ctx context.Context, userID, productID int64, like bool) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "ProductService.ToggleLike")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("product_id", productID),
		attribute.Bool("like", like),
	)

	changed, err := db.InTx(ctx, s.pool, s.logger, func(tx pgx.Tx) (bool, error) {
		if err := s.ensureProduct(ctx, tx, productID); err != nil {
			return false, err
		}

		var (
			changed   bool
			err       error
			delta     = 1
			eventType = events.EventLikeAdded
			action    = "PRODUCT_LIKED"
		)
		if like {
			changed, err = s.productRepo.AddLike(ctx, tx, userID, productID)
		} else {
			changed, err = s.productRepo.RemoveLike(ctx, tx, userID, productID)
			delta, eventType, action = -1, events.EventLikeRemoved, "PRODUCT_UNLIKED"
		}
		if err != nil || !changed {
			return false, err
		}

		if err := s.productRepo.AdjustLikeCount(ctx, tx, productID, delta); err != nil {
			return false, err
		}

		now := time.Now()
		err = s.recorder.Record(ctx, tx, s.topology.ProductLikeAggregate, strconv.FormatInt(productID, 10), eventType, events.LikeEvent{
			ProductID: productID,
			UserID:    userID,
			At:        now,
		})
		if err != nil {
			return false, err
		}

		return true, s.recordActivity(ctx, tx, userID, productID, action, now)
	})
	if err != nil {
		span.RecordError(err)

		mylogger.Warn(
			ctx,
			s.logger,
			"Failed to toggle like",
			zap.Int64("user_id", userID),
			zap.Int64("product_id", productID),
			zap.Error(err),
		)

		return false, translate(err)
	}

	return changed, nil
}

// RecordView emits a view event; userID 0 is an anonymous view and produces no
// activity record.
func (s *productService) RecordView(ctx context.Context, userID, productID int64) error {
	ctx, span := s.tracer.Start(ctx, "ProductService.RecordView")
	defer span.End()

	err := db.RunInTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		if err := s.ensureProduct(ctx, tx, productID); err != nil {
			return err
		}

		now := time.Now()
		err := s.recorder.Record(ctx, tx, s.topology.ProductViewAggregate, strconv.FormatInt(productID, 10), events.EventViewIncreased, events.ViewEvent{
			ProductID: productID,
			UserID:    userID,
			At:        now,
		})
		if err != nil {
			return err
		}

		if userID == 0 {
			return nil
		}

		return s.recordActivity(ctx, tx, userID, productID, "PRODUCT_VIEWED", now)
	})
	if err != nil {
		span.RecordError(err)
		return translate(err)
	}

	return nil
}

func (s *productService) ensureProduct(ctx context.Context, tx pgx.Tx, productID int64) error {
	exists, err := s.productRepo.Exists(ctx, tx, productID)
	if err != nil {
		return err
	}
	if !exists {
		return repository.ErrProductNotFound
	}

	return nil
}

func (s *productService) recordActivity(ctx context.Context, tx pgx.Tx, userID, productID int64, action string, at time.Time) error {
	return s.recorder.Record(ctx, tx, s.topology.ActivityAggregate, strconv.FormatInt(userID, 10), events.EventUserActivity, events.UserActivityEvent{
		UserID:     userID,
		Action:     action,
		TargetType: "PRODUCT",
		TargetID:   strconv.FormatInt(productID, 10),
		At:         at,
	})
}

func translate(err error) error {
	if errors.Is(err, repository.ErrProductNotFound) {
		return apperr.Wrap(apperr.KindNotFound, err, "")
	}

	return err
}
