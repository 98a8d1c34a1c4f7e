package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/otelfiber"
	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sakashimaa/commerce-saga/pkg/config"
	"github.com/sakashimaa/commerce-saga/pkg/db"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/pkg/outbox"
	outboxRepository "github.com/sakashimaa/commerce-saga/pkg/outbox/repository"
	"github.com/sakashimaa/commerce-saga/pkg/outbox/worker"
	"github.com/sakashimaa/commerce-saga/pkg/utils"
	"github.com/sakashimaa/commerce-saga/services/product/internal/repository"
	"github.com/sakashimaa/commerce-saga/services/product/internal/service"
	"github.com/sakashimaa/commerce-saga/services/product/internal/transport/http"
	"github.com/sakashimaa/commerce-saga/services/product/internal/transport/http/handler"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not found: %v\n", err)
	}

	cfg := config.MustLoad("product")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.LoggerSettings())
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, "product-service", cfg.Env, cfg.Tracing.Endpoint, cfg.Tracing.Enabled)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}

	pool, err := db.NewPostgresDB(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	producer, err := outbox.NewProducer(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("error creating %s producer: %v", cfg.Broker.Kind, err)
	}

	productRepo := repository.NewProductRepository(pool, logger)
	outboxRepo := outboxRepository.NewOutboxRepository(pool, logger)

	productService := service.NewProductService(
		productRepo,
		outbox.NewRecorder(outboxRepo, logger),
		cfg.Topology,
		pool,
		logger,
	)
	cached := service.NewCachedProductService(productService, rdb, cfg.Catalog.CacheTTL, logger)
	likeSync := service.NewLikeSync(productRepo, pool, cached, cfg.LikeSync, logger)
	outboxProcessor := worker.NewOutboxProcessor(pool, outboxRepo, producer, cfg.Topology, cfg.Outbox, logger)

	app := fiber.New(fiber.Config{
		ErrorHandler: utils.ErrorHandler(logger),
		ReadTimeout:  cfg.HTTP.Timeout,
		WriteTimeout: cfg.HTTP.Timeout,
	})
	app.Use(otelfiber.Middleware())

	utils.RegisterHealth(app, map[string]utils.Pinger{
		"postgres": pool,
		"redis": utils.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}),
	})
	http.RegisterRoutes(app, handler.NewProductHandler(cached, logger))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		outboxProcessor.Start(gCtx)
		return nil
	})
	g.Go(func() error {
		likeSync.Start(gCtx)
		return nil
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
		mylogger.Error(ctx, logger, "Product service stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mylogger.Info(shutdownCtx, logger, "Shutting down product service")

	err = multierr.Combine(
		producer.Close(),
		rdb.Close(),
		tp.Shutdown(shutdownCtx),
	)
	pool.Close()

	if err != nil {
		mylogger.Warn(shutdownCtx, logger, "Shutdown finished with errors", zap.Error(err))
	}
}
