package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/services/order/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type SignalHandler interface {
	HandleSignal(ctx context.Context, signal domain.Signal) error
}

type queuedSignal struct {
	signal domain.Signal
	link   trace.Link
}

// Dispatcher hands committed signals to a fixed pool of workers. The workers
// run on their own context so a finished HTTP request never cancels them.
type Dispatcher struct {
	queue    chan queuedSignal
	workers  int
	stopped  chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
	tracer   trace.Tracer
}

func NewDispatcher(cfg config.Workers, logger *zap.Logger) *Dispatcher {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	return &Dispatcher{
		queue:   make(chan queuedSignal, cfg.QueueSize),
		workers: cfg.Count,
		stopped: make(chan struct{}),
		logger:  logger,
		tracer:  otel.Tracer("signal_dispatcher"),
	}
}

// Dispatch blocks while the queue is full. Signals offered after the pool
// stopped are dropped with a warning.
func (d *Dispatcher) Dispatch(ctx context.Context, signals ...domain.Signal) {
	link := trace.LinkFromContext(ctx)

	for _, signal := range signals {
		select {
		case d.queue <- queuedSignal{signal: signal, link: link}:
		case <-d.stopped:
			mylogger.Warn(
				ctx,
				d.logger,
				"Dispatcher stopped, signal dropped",
				zap.String("signal", fmt.Sprintf("%T", signal)),
			)
		}
	}
}

// Run drains the queue with the configured number of workers until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context, handler SignalHandler) error {
	defer d.stopOnce.Do(func() { close(d.stopped) })

	g, gCtx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error {
			d.work(gCtx, handler)
			return nil
		})
	}

	err := g.Wait()

	if n := len(d.queue); n > 0 {
		mylogger.Warn(
			context.Background(),
			d.logger,
			"Dispatcher stopped with queued signals",
			zap.Int("queued", n),
		)
	}

	return err
}

func (d *Dispatcher) work(ctx context.Context, handler SignalHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-d.queue:
			d.handle(ctx, handler, item)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, handler SignalHandler, item queuedSignal) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.Handle", trace.WithLinks(item.link))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			mylogger.Error(
				ctx,
				d.logger,
				"Signal handler panicked",
				zap.String("signal", fmt.Sprintf("%T", item.signal)),
				zap.Any("panic", r),
			)
		}
	}()

	if err := handler.HandleSignal(ctx, item.signal); err != nil {
		span.RecordError(err)

		mylogger.Error(
			ctx,
			d.logger,
			"Signal handling failed",
			zap.String("signal", fmt.Sprintf("%T", item.signal)),
			zap.Error(err),
		)
	}
}
