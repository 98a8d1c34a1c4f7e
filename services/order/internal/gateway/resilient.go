package gateway

import (
	"context"

	"github.com/sakashimaa/commerce-saga/pkg/apperr"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/pkg/utils"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Resilient guards a Client with retry around a circuit breaker. Requests that
// fail after retries, or are rejected by an open breaker, resolve to the
// fallback response instead of an error.
type Resilient struct {
	client  Client
	breaker *gobreaker.CircuitBreaker
	retry   utils.RetryPolicy
	logger  *zap.Logger
}

func NewResilient(client Client, breaker *gobreaker.CircuitBreaker, retry utils.RetryPolicy, logger *zap.Logger) *Resilient {
	return &Resilient{
		client:  client,
		breaker: breaker,
		retry:   retry,
		logger:  logger,
	}
}

func (r *Resilient) call(ctx context.Context, fn func(ctx context.Context) (*PaymentResponse, error)) (*PaymentResponse, error) {
	return utils.Retry(ctx, r.retry, func(ctx context.Context) (*PaymentResponse, error) {
		resp, err := utils.ExecuteWithBreaker(r.breaker, func() (*PaymentResponse, error) {
			return fn(ctx)
		})
		if err != nil && (utils.IsBreakerRejection(err) || isPermanent(err)) {
			return nil, utils.Permanent(err)
		}

		return resp, err
	})
}

func (r *Resilient) RequestPayment(ctx context.Context, req PaymentRequest) *PaymentResponse {
	resp, err := r.call(ctx, func(ctx context.Context) (*PaymentResponse, error) {
		return r.client.RequestPayment(ctx, req)
	})
	if err != nil {
		mylogger.Warn(
			ctx,
			r.logger,
			"Payment gateway unavailable, using fallback",
			zap.String("order_id", req.OrderID),
			zap.Bool("breaker_open", utils.IsBreakerRejection(err)),
			zap.Error(err),
		)

		return FallbackResponse()
	}

	return resp
}

// GetPayment returns an External error when the status could not be read, so
// the reconciler can count the attempt.
func (r *Resilient) GetPayment(ctx context.Context, transactionKey string) (*PaymentResponse, error) {
	resp, err := r.call(ctx, func(ctx context.Context) (*PaymentResponse, error) {
		return r.client.GetPayment(ctx, transactionKey)
	})
	if err != nil {
		return nil, apperr.External(err, "payment status for %s unavailable", transactionKey)
	}

	return resp, nil
}

func (r *Resilient) State() gobreaker.State {
	return r.breaker.State()
}
