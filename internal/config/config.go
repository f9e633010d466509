package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// DriverPostgres selects the PostgreSQL store
	DriverPostgres = "postgres"
	// DriverBolt selects the embedded single-file store
	DriverBolt = "bolt"
)

// Environment variables that override secrets from the config file
const (
	EnvDatabasePassword = "DATABASE_PASSWORD"
	EnvRabbitMQPassword = "RABBITMQ_PASSWORD"
	EnvSigningSecret    = "BILLING_SIGNING_SECRET"
	EnvCollaboratorKey  = "COLLABORATOR_API_KEY"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Logging      LoggingConfig      `yaml:"logging"`
	App          AppConfig          `yaml:"app"`
	Worker       WorkerConfig       `yaml:"worker"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Billing      BillingConfig      `yaml:"billing"`
	Collaborator CollaboratorConfig `yaml:"collaborator"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store. Path is used by the bolt driver, the rest by postgres.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings. Deliveries are always acknowledged manually.
type ConsumerConfig struct {
	// PrefetchCount defaults to the worker concurrency
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	// ID names this worker in job records; a random one is generated when empty
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	MaxRetries        int           `yaml:"max_retries"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	RecoveryInterval  time.Duration `yaml:"recovery_interval"`
	RedispatchLimit   int           `yaml:"redispatch_limit"`
	// RetryDelay is the first backoff before a failed job is redelivered; it
	// doubles per attempt up to MaxRetryDelay
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	// Embedded runs the worker pool inside the API process on an in-memory queue
	Embedded bool `yaml:"embedded"`
}

// AdmissionConfig bounds batch fan-out and payload downloads
type AdmissionConfig struct {
	// Concurrency is the execution budget; the job cap is Concurrency * Multiplier
	Concurrency int `yaml:"concurrency"`
	Multiplier  int `yaml:"multiplier"`
	// MaxJobsPerBatch overrides the derived cap when positive
	MaxJobsPerBatch int           `yaml:"max_jobs_per_batch"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
}

// BillingConfig holds payment webhook and pricing settings
type BillingConfig struct {
	SigningSecret  string           `yaml:"signing_secret"`
	VariantCredits map[string]int64 `yaml:"variant_credits"`
	CreditsPerJob  int64            `yaml:"credits_per_job"`
}

// CollaboratorConfig holds the AI analysis endpoint settings
type CollaboratorConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Port serves /metrics from the worker service; the API service mounts it on its router
	Port int `yaml:"port"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnv()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Admission.Multiplier <= 0 {
		c.Admission.Multiplier = 200
	}
	if c.Admission.FetchTimeout <= 0 {
		c.Admission.FetchTimeout = 30 * time.Second
	}
	if c.Admission.MaxPayloadBytes <= 0 {
		c.Admission.MaxPayloadBytes = 10 << 20
	}
	if c.Billing.CreditsPerJob <= 0 {
		c.Billing.CreditsPerJob = 1
	}
	if c.Collaborator.Model == "" {
		c.Collaborator.Model = "gpt-4o-mini"
	}
	if c.Collaborator.Timeout <= 0 {
		c.Collaborator.Timeout = 60 * time.Second
	}
	if c.Worker.StaleAfter <= 0 {
		c.Worker.StaleAfter = 5 * time.Minute
	}
	if c.Worker.RecoveryInterval <= 0 {
		c.Worker.RecoveryInterval = time.Minute
	}
	if c.Worker.RedispatchLimit <= 0 {
		c.Worker.RedispatchLimit = 500
	}
	if c.Worker.RetryDelay <= 0 {
		c.Worker.RetryDelay = 2 * time.Second
	}
	if c.Worker.MaxRetryDelay <= 0 {
		c.Worker.MaxRetryDelay = time.Minute
	}
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.Database.Password, EnvDatabasePassword)
	override(&c.RabbitMQ.Password, EnvRabbitMQPassword)
	override(&c.Billing.SigningSecret, EnvSigningSecret)
	override(&c.Collaborator.APIKey, EnvCollaboratorKey)
}

// Validate checks settings shared by every service
func (c *Config) Validate() error {
	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}

	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DriverBolt:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for the bolt driver")
		}
		if !c.Worker.Embedded {
			return fmt.Errorf("the bolt driver requires worker.embedded")
		}
	default:
		return fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}

	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker max_retries must not be negative")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Admission.MaxJobsPerBatch <= 0 && c.Admission.Concurrency <= 0 {
		return fmt.Errorf("admission concurrency or max_jobs_per_batch must be greater than 0")
	}

	if c.Billing.SigningSecret == "" {
		return fmt.Errorf("billing signing_secret is required (or set %s)", EnvSigningSecret)
	}

	for variant, credits := range c.Billing.VariantCredits {
		if credits <= 0 {
			return fmt.Errorf("billing variant %q must grant a positive number of credits", variant)
		}
	}

	if c.Worker.Embedded {
		return c.ValidateWorkerConfig()
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker pool needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.StaleAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stale_after must be longer than heartbeat_interval")
	}

	if c.Worker.MaxRetryDelay < c.Worker.RetryDelay {
		return fmt.Errorf("worker max_retry_delay must not be shorter than retry_delay")
	}

	if c.Collaborator.BaseURL == "" {
		return fmt.Errorf("collaborator base_url is required")
	}

	if c.Collaborator.APIKey == "" {
		return fmt.Errorf("collaborator api_key is required (or set %s)", EnvCollaboratorKey)
	}

	if c.Metrics.Enabled && !c.Worker.Embedded && (c.Metrics.Port < MinPort || c.Metrics.Port > MaxPort) {
		return fmt.Errorf("invalid metrics port: %d (must be between %d and %d)", c.Metrics.Port, MinPort, MaxPort)
	}

	if c.Worker.Embedded {
		return nil
	}

	return c.validateRabbitMQ()
}
