package config

import (
	"context"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// -----------------------------------------------------------------------------
// Bootstrap settings come from the environment. Values that only make sense
// per deployment (addresses, credentials) can also be overlaid by the remote
// JSON document when NACOS_ENABLED is set; see remote.go.
// -----------------------------------------------------------------------------

type Config struct {
	Service ServiceConfig
	DB      DBConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	Broker  BrokerConfig
	DTM     DTMConfig
	Consul  ConsulConfig
	Nacos   NacosConfig
	OTel    OTelConfig
	Log     LogConfig
	Lock    LockConfig
	Saga    SagaConfig
	RPC     RPCConfig
}

type ServiceConfig struct {
	Name     string   `envconfig:"SERVICE_NAME" required:"true"`
	Host     string   `envconfig:"SERVICE_HOST" default:"127.0.0.1"`
	HTTPPort string   `envconfig:"PORT" default:"8080"`
	GRPCPort int      `envconfig:"GRPC_PORT" default:"0"`
	Tags     []string `envconfig:"SERVICE_TAGS" default:"mxshop,go"`
}

type DBConfig struct {
	Host     string `envconfig:"DATABASE_HOST" default:"localhost"`
	Port     string `envconfig:"DATABASE_PORT" default:"5432"`
	User     string `envconfig:"DATABASE_USER" default:"root"`
	Password string `envconfig:"DATABASE_PASSWORD" default:"pass"`
	Name     string `envconfig:"DATABASE_NAME" required:"true"`
	SSLMode  string `envconfig:"DATABASE_SSL_MODE" default:"disable"`
	MaxConns int32  `envconfig:"DATABASE_MAX_CONNS" default:"10"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type KafkaConfig struct {
	Brokers string `envconfig:"KAFKA_BROKERS"`
}

type BrokerConfig struct {
	// Kind selects the transport: "kafka" or "memory". The memory broker
	// lives inside one process, so only the orders service accepts it.
	Kind string `envconfig:"BROKER_KIND" default:"kafka"`
	// TxProducer selects the half-message implementation: "outbox" or "dtm".
	TxProducer        string        `envconfig:"BROKER_TX_PRODUCER" default:"outbox"`
	RelayInterval     time.Duration `envconfig:"BROKER_RELAY_INTERVAL" default:"500ms"`
	CheckInterval     time.Duration `envconfig:"BROKER_CHECK_INTERVAL" default:"10s"`
	CheckGrace        time.Duration `envconfig:"BROKER_CHECK_GRACE" default:"30s"`
	MaxReconsumeTimes int           `envconfig:"BROKER_MAX_RECONSUME" default:"16"`
}

type DTMConfig struct {
	Server      string `envconfig:"DTM_SERVER" default:"http://dtm:36789/api/dtmsvr"`
	CallbackURL string `envconfig:"DTM_CALLBACK_URL" default:"http://orders-service:8080"`
}

type ConsulConfig struct {
	Enabled bool   `envconfig:"CONSUL_ENABLED" default:"false"`
	Host    string `envconfig:"CONSUL_HOST" default:"localhost"`
	Port    int    `envconfig:"CONSUL_PORT" default:"8500"`
}

type NacosConfig struct {
	Enabled   bool   `envconfig:"NACOS_ENABLED" default:"false"`
	Host      string `envconfig:"NACOS_HOST" default:"localhost"`
	Port      int    `envconfig:"NACOS_PORT" default:"8848"`
	Namespace string `envconfig:"NACOS_NAMESPACE"`
	DataID    string `envconfig:"NACOS_DATA_ID"`
	Group     string `envconfig:"NACOS_GROUP" default:"dev"`
	Username  string `envconfig:"NACOS_USERNAME"`
	Password  string `envconfig:"NACOS_PASSWORD"`
}

type OTelConfig struct {
	Enabled  bool   `envconfig:"OTEL_ENABLED" default:"false"`
	Endpoint string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4318"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Format string `envconfig:"LOG_FORMAT" default:"json"`
}

type LockConfig struct {
	Expire       time.Duration `envconfig:"LOCK_EXPIRE" default:"10s"`
	WaitTimeout  time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" default:"5s"`
	SignalExpire time.Duration `envconfig:"LOCK_SIGNAL_EXPIRE" default:"1s"`
	// Concurrency is "lock" (redis lock per goods) or "optimistic" (version CAS).
	Concurrency string `envconfig:"STOCK_CONCURRENCY" default:"lock"`
}

type SagaConfig struct {
	TimeoutDelayLevel int           `envconfig:"ORDER_TIMEOUT_DELAY_LEVEL" default:"16"`
	ResultWait        time.Duration `envconfig:"SAGA_RESULT_WAIT" default:"10s"`
	ResultTTL         time.Duration `envconfig:"SAGA_RESULT_TTL" default:"1m"`
	// Deadline bounds one order attempt independently of the caller.
	Deadline time.Duration `envconfig:"SAGA_DEADLINE" default:"30s"`
}

type RPCConfig struct {
	Timeout          time.Duration `envconfig:"RPC_TIMEOUT" default:"5s"`
	SellTimeout      time.Duration `envconfig:"SELL_TIMEOUT" default:"5s"`
	InventoryService string        `envconfig:"INVENTORY_SERVICE_NAME" default:"mxshop-inventory-srv"`
	GoodsService     string        `envconfig:"GOODS_SERVICE_NAME" default:"mxshop-goods-srv"`
	// Static addresses bypass discovery when set.
	InventoryAddr string        `envconfig:"INVENTORY_SERVICE_ADDR"`
	GoodsAddr     string        `envconfig:"GOODS_SERVICE_ADDR"`
	MaxRetries    int           `envconfig:"RPC_MAX_RETRIES" default:"3"`
	RetryBase     time.Duration `envconfig:"RPC_RETRY_BASE" default:"100ms"`
	RetryJitter   time.Duration `envconfig:"RPC_RETRY_JITTER" default:"20ms"`
}

func (c *DBConfig) BuildDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode,
	)
}

// Load reads the environment and, when enabled, overlays the remote
// configuration snapshot.
func Load(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process env config: %w", err)
	}

	if cfg.Nacos.Enabled {
		doc, err := NewNacosClient(cfg.Nacos).Fetch(ctx)
		if err != nil {
			return Config{}, fmt.Errorf("failed to fetch remote config: %w", err)
		}
		doc.Apply(&cfg)
	}

	return cfg, nil
}

// NewTestConfig returns a config with short timeouts for tests.
func NewTestConfig() Config {
	return Config{
		Service: ServiceConfig{Name: "test-srv", Host: "127.0.0.1", HTTPPort: "8889"},
		DB: DBConfig{
			Host:     "localhost",
			Port:     "15433",
			User:     "test",
			Password: "test",
			Name:     "test_db",
			SSLMode:  "disable",
			MaxConns: 5,
		},
		Broker: BrokerConfig{
			Kind:              "memory",
			TxProducer:        "outbox",
			RelayInterval:     50 * time.Millisecond,
			CheckInterval:     50 * time.Millisecond,
			CheckGrace:        100 * time.Millisecond,
			MaxReconsumeTimes: 3,
		},
		Log:  LogConfig{Level: "error", Format: "json"},
		Lock: LockConfig{Expire: 10 * time.Second, WaitTimeout: 2 * time.Second, SignalExpire: time.Second, Concurrency: "lock"},
		Saga: SagaConfig{TimeoutDelayLevel: 5, ResultWait: time.Second, ResultTTL: time.Minute, Deadline: 5 * time.Second},
		RPC: RPCConfig{
			Timeout:     time.Second,
			SellTimeout: time.Second,
			MaxRetries:  3,
			RetryBase:   10 * time.Millisecond,
			RetryJitter: 2 * time.Millisecond,
		},
	}
}
