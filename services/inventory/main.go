package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/broker/dtm"
	"github.com/matheusmosca/mxshop-fulfillment/internal/broker/kafka"
	"github.com/matheusmosca/mxshop-fulfillment/internal/config"
	"github.com/matheusmosca/mxshop-fulfillment/internal/discovery"
	"github.com/matheusmosca/mxshop-fulfillment/internal/lock"
	"github.com/matheusmosca/mxshop-fulfillment/internal/logging"
	"github.com/matheusmosca/mxshop-fulfillment/internal/rpc"
	"github.com/matheusmosca/mxshop-fulfillment/internal/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.Service.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("inventory service stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if cfg.OTel.Enabled {
		tp, err := telemetry.InitTracer(ctx, cfg.Service.Name, cfg.OTel.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer shutdown(logger, "tracer", tp.Shutdown)

		mp, err := telemetry.InitMetrics(ctx, cfg.Service.Name, cfg.OTel.Endpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		defer shutdown(logger, "meter", mp.Shutdown)
	}
	tracer := otel.Tracer("inventory-service")

	db, err := initDB(ctx, cfg.DB, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	mode := ConcurrencyMode(cfg.Lock.Concurrency)
	var locks *lock.Factory
	switch mode {
	case ModeLock:
		locks = lock.NewFactory(rdb, cfg.Lock.WaitTimeout,
			lock.WithExpire(cfg.Lock.Expire),
			lock.WithAutoRenewal(),
			lock.WithSignalExpire(cfg.Lock.SignalExpire),
			lock.WithLogger(logger),
		)
	case ModeOptimistic:
	default:
		return fmt.Errorf("unknown stock concurrency mode %q", cfg.Lock.Concurrency)
	}

	repository := NewRepository(db)
	useCase := NewStockUseCase(repository, locks, mode, logger, tracer)
	giveBack := NewGiveBackConsumer(useCase, logger)

	consumer, err := initConsumer(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()
	if err := consumer.Subscribe(TopicOrderReback, giveBack.Handle); err != nil {
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for grpc: %w", err)
	}
	grpcPort := lis.Addr().(*net.TCPAddr).Port

	grpcServer := grpc.NewServer()
	rpc.RegisterInventoryServer(grpcServer, NewInventoryServer(useCase, logger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	go func() {
		logger.Info("grpc server listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server failed", zap.Error(err))
		}
	}()

	handler := NewInventoryHandler(useCase, tracer, logger)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.Service.Name))
	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/api/inventory/:goodsId", handler.GetStock)
	router.PUT("/api/inventory/:goodsId", handler.SetStock)
	router.POST("/api/inventory/reback", dtm.BranchHandler(TopicOrderReback, giveBack.Handle))
	router.POST("/api/inventory/locks/reset", handler.ResetLocks)

	srv := &http.Server{
		Addr:         ":" + cfg.Service.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("port", cfg.Service.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	var registry *discovery.Client
	serviceID := fmt.Sprintf("%s-%s", cfg.Service.Name, uuid.NewString())
	if cfg.Consul.Enabled {
		registry = discovery.NewClient(cfg.Consul.Host, cfg.Consul.Port)
		if err := registry.Register(ctx, cfg.Service.Name, serviceID, cfg.Service.Tags, cfg.Service.Host, grpcPort, nil); err != nil {
			return fmt.Errorf("failed to register with consul: %w", err)
		}
		logger.Info("registered with consul", zap.String("id", serviceID))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if registry != nil {
		if err := registry.Deregister(shutdownCtx, serviceID); err != nil {
			logger.Warn("consul deregister failed", zap.Error(err))
		}
	}
	healthServer.Shutdown()
	grpcServer.GracefulStop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

// initConsumer picks the transport. Kafka redeliveries go through the
// producer's outbox, so the inventory database carries broker_messages too.
func initConsumer(ctx context.Context, cfg config.Config, db *pgxpool.Pool, logger *zap.Logger) (broker.Consumer, error) {
	switch cfg.Broker.Kind {
	case "kafka":
		client := kafka.NewClient(cfg.Kafka.Brokers)
		if !client.Enabled() {
			return nil, fmt.Errorf("BROKER_KIND=kafka needs KAFKA_BROKERS")
		}
		producer := kafka.NewProducer(client, db, kafka.WithLogger(logger))
		go producer.Run(ctx, cfg.Broker.RelayInterval, cfg.Broker.CheckInterval)
		return kafka.NewConsumer(client, GroupInventory, producer, cfg.Broker.MaxReconsumeTimes, logger), nil
	case "memory":
		return nil, fmt.Errorf("BROKER_KIND=memory cannot reach inventory: order_reback is published by the orders process")
	}
	return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
}

func initDB(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.BuildDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < 30; i++ {
		if err := pool.Ping(ctx); err == nil {
			logger.Info("connected to database", zap.String("database", cfg.Name))
			return pool, nil
		}
		logger.Info("waiting for database", zap.Int("attempt", i+1))
		time.Sleep(time.Second)
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after 30 attempts")
}

func shutdown(logger *zap.Logger, what string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn("shutdown failed", zap.String("component", what), zap.Error(err))
	}
}
