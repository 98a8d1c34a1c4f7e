package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	gatewayStatusSuccess = "SUCCESS"
	gatewayStatusFailed  = "FAILED"
	gatewayStatusFail    = "FAIL"
)

type ReconcileResult struct {
	Checked   int
	Completed int
	Failed    int
	Errors    int
	Abandoned int
}

// Reconciler re-queries the gateway for payments stuck in PROCESSING.
type Reconciler struct {
	saga   *Saga
	cfg    config.Reconciliation
	logger *zap.Logger

	errorCounter     metric.Int64Counter
	abandonedCounter metric.Int64Counter
}

func NewReconciler(saga *Saga, cfg config.Reconciliation, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.MaxChecks <= 0 {
		cfg.MaxChecks = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	meter := otel.Meter("payment-reconciler")
	errs, _ := meter.Int64Counter("payment_reconciliation_errors_total")
	abandoned, _ := meter.Int64Counter("payment_reconciliation_abandoned_total")

	return &Reconciler{
		saga:             saga,
		cfg:              cfg,
		logger:           logger,
		errorCounter:     errs,
		abandonedCounter: abandoned,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	mylogger.Info(
		ctx,
		r.logger,
		"Starting payment reconciler",
		zap.Duration("interval", r.cfg.Interval),
		zap.Int("max_checks", r.cfg.MaxChecks),
	)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			mylogger.Info(ctx, r.logger, "Payment reconciler stopping")
			return
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				mylogger.Error(
					ctx,
					r.logger,
					"Payment reconciliation run failed",
					zap.Error(err),
				)
			}
		}
	}
}

// ReconcileOnce checks every due PROCESSING payment once. Per-payment failures
// are logged and counted; only the candidate query can fail the run.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (ReconcileResult, error) {
	ctx, span := r.saga.tracer.Start(ctx, "Reconciler.ReconcileOnce")
	defer span.End()

	var res ReconcileResult

	keys, err := r.saga.repos.Payments.FindReconcilable(ctx, r.cfg.CheckInterval, r.cfg.MaxChecks, r.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}

		if err := r.reconcileOne(ctx, key, &res); err != nil {
			res.Errors++

			mylogger.Error(
				ctx,
				r.logger,
				"Failed to reconcile payment",
				zap.String("payment_key", key),
				zap.Error(err),
			)
		}
	}

	span.SetAttributes(
		attribute.Int("reconcile.checked", res.Checked),
		attribute.Int("reconcile.completed", res.Completed),
		attribute.Int("reconcile.failed", res.Failed),
	)

	if res.Checked > 0 {
		mylogger.Info(
			ctx,
			r.logger,
			"Payment reconciliation finished",
			zap.Int("checked", res.Checked),
			zap.Int("completed", res.Completed),
			zap.Int("failed", res.Failed),
			zap.Int("errors", res.Errors),
			zap.Int("abandoned", res.Abandoned),
		)
	}

	return res, nil
}

// reconcileOne asks the gateway first, with no row locked, then commits the
// status check on its own and applies a terminal verdict in a second
// transaction. The check is counted even when the verdict cannot be applied.
func (r *Reconciler) reconcileOne(ctx context.Context, key string, res *ReconcileResult) error {
	s := r.saga

	current, err := s.repos.Payments.GetByKey(ctx, s.pool, key)
	if err != nil {
		return err
	}
	if current.Status != domain.PaymentStatusProcessing {
		return nil
	}

	var (
		resp  *gatewayVerdict
		gwErr error
	)
	if current.TransactionKey != nil {
		resp, gwErr = r.query(ctx, *current.TransactionKey)
	}

	payment, err := db.InTx(ctx, s.pool, s.logger, func(tx pgx.Tx) (*domain.Payment, error) {
		p, err := s.repos.Payments.LockProcessing(ctx, tx, key)
		if err != nil || p == nil {
			return nil, err
		}

		if err := s.repos.Payments.RecordStatusCheck(ctx, tx, p); err != nil {
			return nil, err
		}

		return p, nil
	})
	if err != nil {
		return err
	}
	if payment == nil {
		return nil
	}

	res.Checked++

	if gwErr != nil {
		res.Errors++
		r.errorCounter.Add(ctx, 1)

		mylogger.Warn(
			ctx,
			r.logger,
			"Gateway status check failed",
			zap.String("payment_key", key),
			zap.Int("status_check_count", payment.StatusCheckCount),
			zap.Error(gwErr),
		)
	}

	if resp != nil && resp.terminal() {
		return r.apply(ctx, key, resp, res)
	}

	if payment.StatusCheckCount >= r.cfg.MaxChecks {
		res.Abandoned++
		r.abandonedCounter.Add(ctx, 1)

		mylogger.Error(
			ctx,
			r.logger,
			"Payment reconciliation abandoned, manual resolution required",
			zap.String("payment_key", key),
			zap.Int64("order_id", payment.OrderID),
			zap.Int("status_check_count", payment.StatusCheckCount),
		)
	}

	return nil
}

func (r *Reconciler) apply(ctx context.Context, key string, resp *gatewayVerdict, res *ReconcileResult) error {
	s := r.saga

	var status domain.PaymentStatus
	err := db.RunInTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		payment, err := s.repos.Payments.LockProcessing(ctx, tx, key)
		if err != nil || payment == nil {
			return err
		}

		if resp.success {
			err = s.completePaymentTx(ctx, tx, payment)
		} else {
			err = s.failPaymentTx(ctx, tx, payment, resp.reason)
		}
		status = payment.Status

		return err
	})
	if err != nil {
		if !isDomainError(err) {
			return err
		}

		res.Errors++
		mylogger.Error(
			ctx,
			r.logger,
			"Reconciled payment could not be applied",
			zap.String("payment_key", key),
			zap.Error(err),
		)

		return nil
	}

	// resolved meanwhile by a callback
	if status == "" {
		return nil
	}

	if resp.success {
		res.Completed++
	} else {
		res.Failed++
	}

	mylogger.Info(
		ctx,
		r.logger,
		"Payment reconciled",
		zap.String("payment_key", key),
		zap.String("status", string(status)),
	)

	return nil
}

type gatewayVerdict struct {
	success bool
	failed  bool
	reason  string
}

func (v *gatewayVerdict) terminal() bool {
	return v.success || v.failed
}

func (r *Reconciler) query(ctx context.Context, transactionKey string) (*gatewayVerdict, error) {
	resp, err := r.saga.gateway.GetPayment(ctx, transactionKey)
	if err != nil {
		return nil, err
	}

	v := &gatewayVerdict{reason: resp.Reason}
	switch resp.Status {
	case gatewayStatusSuccess:
		v.success = true
	case gatewayStatusFailed, gatewayStatusFail:
		v.failed = true
		if v.reason == "" {
			v.reason = "payment failed at gateway"
		}
	}

	return v, nil
}
