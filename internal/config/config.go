package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig captures all tunable parameters for the API + gateway process.
// Values are loaded from environment variables with defaults so the binary
// can run locally without Postgres, Redis, Kafka or RabbitMQ.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	Environment    string   `envconfig:"APP_ENV" default:"development"`
	AllowedOrigins []string `envconfig:"WS_ALLOWED_ORIGINS"`
	NodeID         string   `envconfig:"NODE_ID"`

	SessionSecret string `envconfig:"SESSION_JWT_SECRET"`
	SessionCookie string `envconfig:"SESSION_COOKIE" default:"session"`

	TrackingSecret         string        `envconfig:"TRACKING_TOKEN_SECRET"`
	TrackingTokenTTL       time.Duration `envconfig:"TRACKING_TOKEN_TTL" default:"90m"`
	TrackingPersistEvery   time.Duration `envconfig:"TRACKING_PERSIST_INTERVAL" default:"8s"`
	WSEventsPerSecond      float64       `envconfig:"WS_EVENTS_PER_SECOND" default:"20"`
	WSEventBurst           int           `envconfig:"WS_EVENT_BURST" default:"40"`
	ChatPersistQueueLength int           `envconfig:"CHAT_PERSIST_QUEUE" default:"1024"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"workers_geo"`
	RedisRoomsKey string `envconfig:"REDIS_ROOMS_CHANNEL" default:"gateway:rooms"`

	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS"`
	KafkaWorkerTopic     string   `envconfig:"KAFKA_WORKER_TOPIC" default:"worker-locations"`
	KafkaTrackingTopic   string   `envconfig:"KAFKA_TRACKING_TOPIC" default:"booking-tracking"`
	RabbitURL            string   `envconfig:"RABBIT_URL"`
	NotificationExchange string   `envconfig:"NOTIFICATION_EXCHANGE" default:"notification.exchange"`

	FCMEndpoint string `envconfig:"FCM_ENDPOINT"`
	FCMKey      string `envconfig:"FCM_KEY"`

	PGDSN         string `envconfig:"PG_DSN"`
	RunMigrations bool   `envconfig:"MIGRATE"`

	PaymentProvider string `envconfig:"PAYMENT_PROVIDER" default:"demo"`
	StripeAPIKey    string `envconfig:"STRIPE_API_KEY"`
	Currency        string `envconfig:"CURRENCY" default:"usd"`

	CatalogPath string  `envconfig:"CATALOG_PATH"`
	TaxRate     float64 `envconfig:"TAX_RATE" default:"0"`

	OSRMEndpoint    string        `envconfig:"OSRM_ENDPOINT"`
	ETACacheTTL     time.Duration `envconfig:"ETA_CACHE_TTL" default:"2m"`
	DefaultSpeedMps float64       `envconfig:"MATCHER_DEFAULT_SPEED_MPS" default:"10"`
	MatcherTopN     int           `envconfig:"MATCHER_TOP_N" default:"8"`
	MatcherRadiusM  float64       `envconfig:"MATCHER_RADIUS_METERS" default:"15000"`

	RebookWindowDays    int           `envconfig:"REBOOK_WINDOW_DAYS" default:"365"`
	RebookMaxFutureDays int           `envconfig:"REBOOK_MAX_FUTURE_DAYS" default:"60"`
	RebookMinLead       time.Duration `envconfig:"REBOOK_MIN_LEAD" default:"60s"`
	DefaultStrictSame   bool          `envconfig:"REBOOK_DEFAULT_STRICT_SAME" default:"true"`

	AuditBufferSize int `envconfig:"AUDIT_BUFFER_SIZE" default:"1000"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Production reports whether loopback origins must be refused.
func (c ServerConfig) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return cfg, cfg.Validate()
}

// Validate reports every problem at once; missing secrets are fatal at boot.
func (c ServerConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SessionSecret) == "" {
		errs = append(errs, errors.New("SESSION_JWT_SECRET is required"))
	}
	if len(c.TrackingSecret) < 16 {
		errs = append(errs, errors.New("TRACKING_TOKEN_SECRET is required (min 16 bytes)"))
	}
	if c.TrackingTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("TRACKING_TOKEN_TTL must be > 0"))
	}
	if c.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if c.RebookMaxFutureDays <= 0 {
		errs = append(errs, fmt.Errorf("REBOOK_MAX_FUTURE_DAYS must be > 0"))
	}
	switch c.PaymentProvider {
	case "demo":
	case "stripe":
		if c.StripeAPIKey == "" {
			errs = append(errs, errors.New("STRIPE_API_KEY is required when PAYMENT_PROVIDER=stripe"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PAYMENT_PROVIDER %q", c.PaymentProvider))
	}
	if c.Production() && len(c.AllowedOrigins) == 0 {
		errs = append(errs, errors.New("WS_ALLOWED_ORIGINS must be set in production"))
	}
	return errors.Join(errs...)
}

// ConsumerConfig drives cmd/consumer.
type ConsumerConfig struct {
	MetricsAddr        string        `envconfig:"METRICS_ADDR" default:":2112"`
	KafkaBrokers       []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaGroup         string        `envconfig:"KAFKA_GROUP" default:"booking-engine-consumer"`
	KafkaWorkerTopic   string        `envconfig:"KAFKA_WORKER_TOPIC" default:"worker-locations"`
	KafkaTrackingTopic string        `envconfig:"KAFKA_TRACKING_TOPIC" default:"booking-tracking"`
	RedisAddr          string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword      string        `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey        string        `envconfig:"REDIS_GEO_KEY" default:"workers_geo"`
	TrackTTL           time.Duration `envconfig:"TRACK_TTL" default:"6h"`
	LogLevel           string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat          string        `envconfig:"LOG_FORMAT" default:"json"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, err
	}
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS must not be empty"))
	}
	if cfg.KafkaGroup == "" {
		errs = append(errs, errors.New("KAFKA_GROUP must not be empty"))
	}
	return cfg, errors.Join(errs...)
}
