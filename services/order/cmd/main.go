package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/joho/godotenv"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/pkg/outbox"
	outboxRepository "github.com/sakashimaa/commerce-saga/pkg/outbox/repository"
	"github.com/sakashimaa/commerce-saga/pkg/outbox/worker"
	"github.com/sakashimaa/commerce-saga/pkg/utils"
	"github.com/sakashimaa/commerce-saga/services/order/internal/gateway"
	"github.com/sakashimaa/commerce-saga/services/order/internal/repository"
	"github.com/sakashimaa/commerce-saga/services/order/internal/service"
	"github.com/sakashimaa/commerce-saga/services/order/internal/transport/http"
	"github.com/sakashimaa/commerce-saga/services/order/internal/transport/http/handler"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	migrate := flag.Bool("migrate", false, "apply database migrations before starting")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	cfg := config.MustLoad("order")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.LoggerSettings())
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, "order-service", cfg.Env, cfg.Tracing.Endpoint, cfg.Tracing.Enabled)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	if *migrate {
		if err := db.Migrate(cfg.Postgres.URL, cfg.Postgres.MigrationsPath); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	producer, err := outbox.NewProducer(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("error creating %s producer: %v", cfg.Broker.Kind, err)
	}

	outboxRepo := outboxRepository.NewOutboxRepository(pool, logger)
	outboxProcessor := worker.NewOutboxProcessor(pool, outboxRepo, producer, cfg.Topology, cfg.Outbox, logger)

	breaker := utils.NewBreaker("PaymentGateway", cfg.Breaker.Settings(), logger)
	pg := gateway.NewResilient(gateway.NewHTTPClient(cfg.Gateway), breaker, cfg.Gateway.RetryPolicy(), logger)

	dispatcher := service.NewDispatcher(cfg.Workers, logger)

	saga := service.NewSaga(
		pool,
		service.Repositories{
			Orders:   repository.NewOrderRepository(pool, logger),
			Payments: repository.NewPaymentRepository(pool, logger),
			Products: repository.NewProductRepository(pool, logger),
			Coupons:  repository.NewCouponRepository(pool, logger),
			Users:    repository.NewUserRepository(pool, logger),
		},
		outbox.NewRecorder(outboxRepo, logger),
		pg,
		dispatcher,
		cfg.Topology,
		service.Options{
			DeferPoints: cfg.Workers.DeferPoints,
			CallbackURL: cfg.Gateway.CallbackURL,
		},
		logger,
	)
	reconciler := service.NewReconciler(saga, cfg.Reconciliation, logger)

	app := fiber.New(fiber.Config{
		ErrorHandler: utils.ErrorHandler(logger),
		ReadTimeout:  cfg.HTTP.Timeout,
		WriteTimeout: cfg.HTTP.Timeout,
	})
	app.Use(otelfiber.Middleware())
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: time.Second,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests. Try again later.",
			})
		},
	}))

	utils.RegisterHealth(app, map[string]utils.Pinger{"postgres": pool})

	validate := validator.New()
	http.RegisterRoutes(app, &http.Handlers{
		Order:   handler.NewOrderHandler(saga, validate, logger),
		Payment: handler.NewPaymentHandler(saga, validate, logger),
	})

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		outboxProcessor.Start(gCtx)
		return nil
	})
	g.Go(func() error {
		reconciler.Start(gCtx)
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gCtx, saga)
	})
	g.Go(func() error {
		mylogger.Info(gCtx, logger, "HTTP server listening", zap.String("port", cfg.HTTP.Port))
		return app.Listen(cfg.HTTP.Port)
	})
	g.Go(func() error {
		<-gCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return app.ShutdownWithContext(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		mylogger.Error(ctx, logger, "Order service stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mylogger.Info(shutdownCtx, logger, "Shutting down order service")

	err = multierr.Combine(
		producer.Close(),
		tp.Shutdown(shutdownCtx),
	)
	pool.Close()

	if err != nil {
		mylogger.Warn(shutdownCtx, logger, "Shutdown finished with errors", zap.Error(err))
	}
}
