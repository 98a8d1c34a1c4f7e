package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type UserRepository interface {
	GetByID(ctx context.Context, q db.Querier, userID int64) (*domain.User, error)
	LockByID(ctx context.Context, tx pgx.Tx, userID int64) (*domain.User, error)
	UpdatePoints(ctx context.Context, tx pgx.Tx, user *domain.User) error
}

type userRepo struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

func NewUserRepository(pool *pgxpool.Pool, logger *zap.Logger) UserRepository {
	return &userRepo{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("user_repository"),
	}
}

func (r *userRepo) GetByID(ctx context.Context, q db.Querier, userID int64) (*domain.User, error) {
	return r.load(ctx, q, userID, "")
}

func (r *userRepo) LockByID(ctx context.Context, tx pgx.Tx, userID int64) (*domain.User, error) {
	return r.load(ctx, tx, userID, "FOR UPDATE")
}

func (r *userRepo) load(ctx context.Context, q db.Querier, userID int64, lock string) (*domain.User, error) {
	ctx, span := r.tracer.Start(ctx, "UserRepository.Load")
	defer span.End()

	span.SetAttributes(attribute.Int64("user_id", userID))

	query := `SELECT id, login, point_balance FROM users WHERE id = $1 ` + lock

	var u domain.User
	if err := q.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Login, &u.PointBalance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		span.RecordError(err)

		return nil, fmt.Errorf("failed to load user %d: %w", userID, err)
	}

	return &u, nil
}

func (r *userRepo) UpdatePoints(ctx context.Context, tx pgx.Tx, u *domain.User) error {
	ctx, span := r.tracer.Start(ctx, "UserRepository.UpdatePoints")
	defer span.End()

	if _, err := tx.Exec(ctx, `UPDATE users SET point_balance = $1 WHERE id = $2`, u.PointBalance, u.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to update points of user %d: %w", u.ID, err)
	}

	return nil
}
