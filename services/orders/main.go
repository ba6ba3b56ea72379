package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/matheusmosca/mxshop-fulfillment/internal/broker"
	"github.com/matheusmosca/mxshop-fulfillment/internal/broker/dtm"
	"github.com/matheusmosca/mxshop-fulfillment/internal/broker/kafka"
	"github.com/matheusmosca/mxshop-fulfillment/internal/config"
	"github.com/matheusmosca/mxshop-fulfillment/internal/discovery"
	"github.com/matheusmosca/mxshop-fulfillment/internal/logging"
	"github.com/matheusmosca/mxshop-fulfillment/internal/retry"
	"github.com/matheusmosca/mxshop-fulfillment/internal/rpc"
	"github.com/matheusmosca/mxshop-fulfillment/internal/telemetry"
)

const (
	settleQueryPath  = "/api/orders/settle/check"
	settleBranchPath = "/api/orders/settle"
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
		logger.Fatal("orders service stopped", zap.Error(err))
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
	tracer := otel.Tracer("orders-service")

	db, err := initDB(ctx, cfg.DB, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	repository := NewOrderRepository(db)
	checker := NewSettleChecker(repository, logger)

	mq, err := initBroker(ctx, cfg, db, checker.Check, logger)
	if err != nil {
		return err
	}
	defer mq.close()

	var registry *discovery.Client
	if cfg.Consul.Enabled {
		registry = discovery.NewClient(cfg.Consul.Host, cfg.Consul.Port)
	}
	retrier, err := retry.New(
		retry.WithMaxRetries(cfg.RPC.MaxRetries),
		retry.WithBaseDelay(cfg.RPC.RetryBase),
		retry.WithJitter(cfg.RPC.RetryJitter),
	)
	if err != nil {
		return fmt.Errorf("invalid rpc retry settings: %w", err)
	}
	inventoryConn, err := dialService(ctx, registry, cfg.RPC.InventoryService, cfg.RPC.InventoryAddr, retrier, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to inventory: %w", err)
	}
	defer inventoryConn.Close()
	goodsConn, err := dialService(ctx, registry, cfg.RPC.GoodsService, cfg.RPC.GoodsAddr, retrier, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to goods: %w", err)
	}
	defer goodsConn.Close()
	inventory := rpc.NewInventoryClient(inventoryConn)

	coordinator, err := NewCoordinator(
		repository,
		inventory,
		rpc.NewGoodsClient(goodsConn),
		mq.producer,
		mq.txProducer,
		cfg.Saga,
		cfg.RPC,
		logger,
		tracer,
	)
	if err != nil {
		return err
	}
	go coordinator.Run(ctx)

	timeouts := NewTimeoutConsumer(repository, mq.producer, logger)
	settlements := NewSettlementConsumer(repository, mq.producer, logger)
	for group, subs := range map[string]map[string]broker.Handler{
		GroupOrder:       {TopicOrderTimeout: timeouts.Handle},
		GroupOrderSettle: {TopicOrderSettle: settlements.Handle},
	} {
		consumer := mq.newConsumer(group)
		defer consumer.Close()
		for topic, h := range subs {
			if err := consumer.Subscribe(topic, h); err != nil {
				return err
			}
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}

	useCase := NewOrderUseCase(repository, coordinator, inventory, mq.producer, logger, tracer)
	handler := NewOrderHandler(useCase, tracer, logger)

	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.Service.Name))
	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/api/orders", handler.CreateOrder)
	router.GET("/api/orders", handler.OrderList)
	router.GET("/api/orders/:id", handler.OrderDetail)
	router.PATCH("/api/orders/:orderSn/status", handler.UpdateOrderStatus)

	router.GET("/api/cart", handler.CartItemList)
	router.POST("/api/cart", handler.CreateCartItem)
	router.GET("/api/cart/availability", handler.CartAvailability)
	router.PATCH("/api/cart/:goodsId", handler.UpdateCartItem)
	router.DELETE("/api/cart/:goodsId", handler.DeleteCartItem)

	if mq.dtmProducer != nil {
		router.GET(settleQueryPath, mq.dtmProducer.QueryHandler())
	}
	router.POST(settleBranchPath, dtm.BranchHandler(TopicOrderSettle, settlements.Handle))

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

	serviceID := fmt.Sprintf("%s-%s", cfg.Service.Name, uuid.NewString())
	if registry != nil {
		port, err := strconv.Atoi(cfg.Service.HTTPPort)
		if err != nil {
			return fmt.Errorf("invalid http port %q: %w", cfg.Service.HTTPPort, err)
		}
		check := &discovery.Check{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", cfg.Service.Host, port),
			Timeout:                        "5s",
			Interval:                       "5s",
			DeregisterCriticalServiceAfter: "15s",
		}
		if err := registry.Register(ctx, cfg.Service.Name, serviceID, cfg.Service.Tags, cfg.Service.Host, port, check); err != nil {
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}

// messaging is the broker wiring of the service. newConsumer builds one
// consumer per group.
type messaging struct {
	producer    broker.Producer
	txProducer  broker.TransactionProducer
	newConsumer func(group string) broker.Consumer
	dtmProducer *dtm.Producer
	close       func()
}

var _ outboxProducer = (*kafka.Producer)(nil)

func initBroker(ctx context.Context, cfg config.Config, db *pgxpool.Pool, checker broker.Checker, logger *zap.Logger) (*messaging, error) {
	var m messaging

	switch cfg.Broker.Kind {
	case "kafka":
		client := kafka.NewClient(cfg.Kafka.Brokers)
		if !client.Enabled() {
			return nil, fmt.Errorf("BROKER_KIND=kafka needs KAFKA_BROKERS")
		}
		producer := kafka.NewProducer(client, db,
			kafka.WithChecker(checker),
			kafka.WithCheckGrace(cfg.Broker.CheckGrace),
			kafka.WithLogger(logger),
		)
		go producer.Run(ctx, cfg.Broker.RelayInterval, cfg.Broker.CheckInterval)
		m.producer = producer
		m.txProducer = producer
		m.newConsumer = func(group string) broker.Consumer {
			return kafka.NewConsumer(client, group, producer, cfg.Broker.MaxReconsumeTimes, logger)
		}
		m.close = func() { _ = producer.Close() }
	case "memory":
		mem := broker.NewMemory(
			broker.WithMaxReconsumeTimes(cfg.Broker.MaxReconsumeTimes),
			broker.WithCheckGrace(cfg.Broker.CheckGrace),
			broker.WithLogger(logger),
		)
		go mem.RunChecker(ctx, cfg.Broker.CheckInterval)
		logger.Warn("memory broker: order_reback never leaves this process, stock is not given back")
		m.producer = mem
		m.txProducer = mem.TransactionProducer(checker)
		m.newConsumer = func(group string) broker.Consumer { return mem.NewConsumer(group) }
		m.close = func() { _ = mem.Close() }
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Broker.Kind)
	}

	switch cfg.Broker.TxProducer {
	case "outbox":
	case "dtm":
		m.dtmProducer = dtm.NewProducer(
			cfg.DTM.Server,
			cfg.DTM.CallbackURL+settleQueryPath,
			map[string]string{TopicOrderSettle: cfg.DTM.CallbackURL + settleBranchPath},
			checker,
			logger,
		)
		m.txProducer = m.dtmProducer
	default:
		return nil, fmt.Errorf("unknown transaction producer %q", cfg.Broker.TxProducer)
	}

	logger.Info("broker ready", zap.String("kind", cfg.Broker.Kind), zap.String("tx_producer", cfg.Broker.TxProducer))
	return &m, nil
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
			logger.Info("connected to orders database", zap.String("database", cfg.Name))
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
