package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config собирает настройки сервиса из окружения (префикс OFS_) и
// опционального yaml-файла. Все интервалы и лимиты имеют безопасные дефолты,
// поэтому сервис поднимается без конфигурации: in-memory хранилище,
// без Kafka и Redis.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Saga        SagaConfig        `mapstructure:"saga"`
	Gateway     GatewayConfig     `mapstructure:"gateway"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Inbox       InboxConfig       `mapstructure:"inbox"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	LogLevel    string            `mapstructure:"log_level"`
	InstanceID  string            `mapstructure:"instance_id"`
}

// HTTPConfig — параметры публичного HTTP API.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig — параметры служебного листенера (метрики, health).
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// PostgresConfig — подключение к PostgreSQL; пустой DSN включает in-memory хранилище.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// KafkaConfig — подключение к Kafka; пустой список брокеров отключает брокер.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
}

// RedisConfig — подключение к Redis для лизингов саг; пустой адрес включает
// in-process locker.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SagaConfig — параметры оркестратора.
type SagaConfig struct {
	// StepTimeout — дедлайн одного выполнения шага; превышение трактуется
	// как транзиентный сбой.
	StepTimeout time.Duration `mapstructure:"step_timeout"`
	// StepMaxAttempts — бюджет повторов шага до эскалации в терминальный сбой.
	StepMaxAttempts int `mapstructure:"step_max_attempts"`
	// RetryBaseDelay / RetryMaxDelay — параметры экспоненциального backoff.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	// LeaseTTL — срок лизинга саги; просроченный лизинг перехватывает resumer.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// ResumeInterval — период сканирования зависших саг.
	ResumeInterval time.Duration `mapstructure:"resume_interval"`
	// ResumeBatch — размер пачки возобновляемых саг.
	ResumeBatch int `mapstructure:"resume_batch"`
	// Deadline — общий дедлайн саги от размещения заказа.
	Deadline time.Duration `mapstructure:"deadline"`
}

// GatewayConfig — параметры адаптера платёжного провайдера.
type GatewayConfig struct {
	Provider       string        `mapstructure:"provider"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	// RetryMaxJitter — верхняя граница случайной добавки к backoff между повторами.
	RetryMaxJitter time.Duration `mapstructure:"retry_max_jitter"`
	// BreakerFailureRatio / BreakerMinRequests — порог открытия circuit breaker.
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests"`
	BreakerOpenTimeout  time.Duration `mapstructure:"breaker_open_timeout"`
	// MockFailureRate / MockTimeoutRate / MockLatency управляют встроенным
	// мок-провайдером (dev/демо окружение).
	MockFailureRate float64       `mapstructure:"mock_failure_rate"`
	MockTimeoutRate float64       `mapstructure:"mock_timeout_rate"`
	MockLatency     time.Duration `mapstructure:"mock_latency"`
}

// OutboxConfig — параметры relay-воркера outbox.
type OutboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

// InboxConfig — параметры потребителей и дедупликации.
type InboxConfig struct {
	// RetentionTTL — срок хранения записей об обработанных событиях.
	RetentionTTL time.Duration `mapstructure:"retention_ttl"`
}

// IdempotencyConfig — параметры хранения idempotency-записей HTTP API.
type IdempotencyConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	CleanupBatch    int           `mapstructure:"cleanup_batch"`
}

// Load читает конфигурацию: дефолты, затем yaml (опционально), затем окружение.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/ofs")

	// Файл конфигурации опционален.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Validate проверяет согласованность настроек и собирает все замечания разом.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, fmt.Errorf("http.addr is required"))
	}
	if c.Metrics.Addr == "" {
		errs = append(errs, fmt.Errorf("metrics.addr is required"))
	}
	if c.HTTP.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.read_timeout must be positive"))
	}
	if c.HTTP.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("http.write_timeout must be positive"))
	}
	if c.Saga.StepTimeout <= 0 {
		errs = append(errs, fmt.Errorf("saga.step_timeout must be positive"))
	}
	if c.Saga.StepMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("saga.step_max_attempts must be positive"))
	}
	if c.Saga.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("saga.lease_ttl must be positive"))
	}
	if c.Saga.LeaseTTL <= c.Saga.StepTimeout {
		errs = append(errs, fmt.Errorf("saga.lease_ttl must exceed saga.step_timeout"))
	}
	if c.Gateway.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("gateway.max_retries must be positive"))
	}
	if c.Gateway.BreakerFailureRatio <= 0 || c.Gateway.BreakerFailureRatio > 1 {
		errs = append(errs, fmt.Errorf("gateway.breaker_failure_ratio must be in (0, 1]"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("outbox.batch_size must be positive"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("outbox.max_attempts must be positive"))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, fmt.Errorf("idempotency.ttl must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.ConsumerGroup == "" {
		errs = append(errs, fmt.Errorf("kafka.consumer_group is required when brokers are set"))
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("postgres.dsn", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "ofs-fulfillment")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("saga.step_timeout", "5s")
	v.SetDefault("saga.step_max_attempts", 3)
	v.SetDefault("saga.retry_base_delay", "100ms")
	v.SetDefault("saga.retry_max_delay", "5s")
	v.SetDefault("saga.lease_ttl", "30s")
	v.SetDefault("saga.resume_interval", "10s")
	v.SetDefault("saga.resume_batch", 20)
	v.SetDefault("saga.deadline", "24h")

	v.SetDefault("gateway.provider", "mockpay")
	v.SetDefault("gateway.call_timeout", "3s")
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.retry_base_delay", "200ms")
	v.SetDefault("gateway.retry_max_delay", "3s")
	v.SetDefault("gateway.retry_max_jitter", "50ms")
	v.SetDefault("gateway.breaker_failure_ratio", 0.6)
	v.SetDefault("gateway.breaker_min_requests", 10)
	v.SetDefault("gateway.breaker_open_timeout", "30s")
	v.SetDefault("gateway.mock_failure_rate", 0.0)
	v.SetDefault("gateway.mock_timeout_rate", 0.0)
	v.SetDefault("gateway.mock_latency", "0s")

	v.SetDefault("outbox.poll_interval", "2s")
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 5)
	v.SetDefault("outbox.retry_base_delay", "200ms")

	v.SetDefault("inbox.retention_ttl", "168h")

	v.SetDefault("idempotency.ttl", "24h")
	v.SetDefault("idempotency.cleanup_interval", "5m")
	v.SetDefault("idempotency.cleanup_batch", 500)

	v.SetDefault("log_level", "info")
	v.SetDefault("instance_id", "")
}
