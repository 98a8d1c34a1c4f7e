package main

import (
	"context"
	"errors"
	"flag"
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
	"github.com/sakashimaa/commerce-saga/pkg/kafka"
	"github.com/sakashimaa/commerce-saga/pkg/ledger"
	"github.com/sakashimaa/commerce-saga/pkg/mylogger"
	"github.com/sakashimaa/commerce-saga/pkg/utils"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/catalog"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/consumer"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/repository"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/service"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/transport/http"
	"github.com/sakashimaa/commerce-saga/services/collector/internal/transport/http/handler"
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

	cfg := config.MustLoad("collector")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.LoggerSettings())
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	tp, err := utils.InitTracer(ctx, "collector-service", cfg.Env, cfg.Tracing.Endpoint, cfg.Tracing.Enabled)
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Dead letters always go to Kafka, next to the topics they came from.
	producer, err := kafka.NewProducer(cfg.Kafka, logger)
	if err != nil {
		log.Fatalf("error creating kafka producer: %v", err)
	}

	metricsRepo := repository.NewMetricsRepository(pool, logger)

	catalogClient := catalog.NewClient(
		cfg.Catalog,
		utils.NewBreaker("Catalog", cfg.Breaker.Settings(), logger),
		cfg.Catalog.RetryPolicy(),
	)
	evictor := service.NewStockEvictor(catalogClient, rdb, cfg.Stock.Threshold, logger)

	pipeline := consumer.NewPipeline(
		pool,
		ledger.New(logger),
		metricsRepo,
		consumer.NewDeadLetters(producer, cfg.Topology, logger),
		evictor,
		cfg.Topology,
		logger,
	)
	group := kafka.NewConsumerGroup(
		cfg.Kafka.Brokers,
		cfg.Consumer.GroupID,
		cfg.Topology.CollectorTopics(),
		pipeline.Handle,
		kafka.BatchOptions{Size: cfg.Consumer.BatchSize, Wait: cfg.Consumer.BatchWait},
		logger,
	)

	ranking := service.NewRanking(pool, metricsRepo, repository.NewRankRepository(pool), rdb, cfg.Ranking, logger)

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
	http.RegisterRoutes(app, handler.NewRankingHandler(ranking))

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return group.Run(gCtx)
	})
	g.Go(func() error {
		ranking.Start(gCtx)
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
		mylogger.Error(ctx, logger, "Collector stopped with error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mylogger.Info(shutdownCtx, logger, "Shutting down collector")

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
