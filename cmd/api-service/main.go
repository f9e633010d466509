package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cuongbtq/listing-pipeline/internal/admission"
	"github.com/cuongbtq/listing-pipeline/internal/api/handler"
	"github.com/cuongbtq/listing-pipeline/internal/api/router"
	"github.com/cuongbtq/listing-pipeline/internal/billing"
	"github.com/cuongbtq/listing-pipeline/internal/collaborator"
	"github.com/cuongbtq/listing-pipeline/internal/config"
	"github.com/cuongbtq/listing-pipeline/internal/ingest"
	"github.com/cuongbtq/listing-pipeline/internal/ledger"
	"github.com/cuongbtq/listing-pipeline/internal/metrics"
	"github.com/cuongbtq/listing-pipeline/internal/queue"
	"github.com/cuongbtq/listing-pipeline/internal/storage/boltstore"
	"github.com/cuongbtq/listing-pipeline/internal/storage/postgres"
	"github.com/cuongbtq/listing-pipeline/internal/worker"
	"github.com/cuongbtq/listing-pipeline/shared/logger"
	"github.com/cuongbtq/listing-pipeline/shared/postgresql"
	"github.com/cuongbtq/listing-pipeline/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// store is everything the API process needs from persistence. Both drivers satisfy it.
type store interface {
	handler.Store
	admission.Store
	ledger.Store
	billing.IdentityResolver
	billing.EventStore
	worker.Store
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("database_driver", cfg.Database.Driver),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
	)

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	st, closer, err := initStore(cfg, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	closers = append(closers, closer)

	appLogger.Info("Store ready")

	collector := metrics.NewCollector()
	creditLedger := ledger.New(st, appLogger.Logger, collector)

	jobCap := admission.Cap(cfg.Admission.Concurrency, cfg.Admission.Multiplier, cfg.Admission.MaxJobsPerBatch)

	// In embedded mode the in-memory queue feeds the local worker pool
	var publisher admission.Publisher
	var memQueue *queue.Memory
	if cfg.Worker.Embedded {
		memQueue = queue.NewMemory(max(jobCap, 1024))
		publisher = memQueue
	} else {
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		closers = append(closers, rabbitClient)
		publisher = queue.NewRabbitMQ(rabbitClient, 0)

		appLogger.Info("RabbitMQ connection established")
	}

	deps := &handler.Dependencies{
		Logger:      appLogger.Logger,
		ServiceName: cfg.App.Name,
		Store:       st,
		Admission: admission.NewController(&admission.Config{
			Logger:     appLogger.Logger,
			Store:      st,
			Publisher:  publisher,
			Metrics:    collector,
			MaxRetries: cfg.Worker.MaxRetries,
		}),
		Fetcher: ingest.NewFetcher(cfg.Admission.FetchTimeout, cfg.Admission.MaxPayloadBytes, appLogger.Logger),
		Ledger:  creditLedger,
		Granter: billing.NewGranter(&billing.Config{
			Logger:   appLogger.Logger,
			Ledger:   creditLedger,
			Identity: st,
			Events:   st,
			Variants: billing.VariantCredits(cfg.Billing.VariantCredits),
			Metrics:  collector,
		}),
		SigningSecret:   []byte(cfg.Billing.SigningSecret),
		JobCap:          jobCap,
		MaxPayloadBytes: cfg.Admission.MaxPayloadBytes,
	}
	if cfg.Metrics.Enabled {
		deps.MetricsHandler = collector.Handler()
	}

	// Worker context outlives the HTTP server so in-flight jobs can settle after shutdown begins
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()

	var embedded *worker.Worker
	if cfg.Worker.Embedded {
		embedded = worker.NewWorker(&worker.Config{
			Logger:    appLogger.Logger,
			Store:     st,
			Source:    memQueue,
			Publisher: memQueue,
			Analyzer: collaborator.NewClient(&collaborator.Config{
				BaseURL: cfg.Collaborator.BaseURL,
				APIKey:  cfg.Collaborator.APIKey,
				Model:   cfg.Collaborator.Model,
				Timeout: cfg.Collaborator.Timeout,
				Logger:  appLogger.Logger,
			}),
			Ledger:            creditLedger,
			Metrics:           collector,
			WorkerID:          workerID(cfg.Worker.ID),
			Concurrency:       cfg.Worker.Concurrency,
			JobTimeout:        cfg.Worker.JobTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			CreditsPerJob:     cfg.Billing.CreditsPerJob,
			StaleAfter:        cfg.Worker.StaleAfter,
			RecoveryInterval:  cfg.Worker.RecoveryInterval,
			RedispatchLimit:   cfg.Worker.RedispatchLimit,
			RetryDelay:        cfg.Worker.RetryDelay,
			MaxRetryDelay:     cfg.Worker.MaxRetryDelay,
		})

		go func() {
			if err := embedded.Start(workerCtx); err != nil {
				appLogger.Error("Embedded worker stopped", slog.Any("error", err))
			}
		}()
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, deps)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	if embedded != nil {
		stopWorker()
		stopWithTimeout(appLogger.Logger, embedded, cfg.Worker.ShutdownTimeout)
		memQueue.Close()
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// stopWithTimeout waits for the worker pool to drain, giving up after timeout
func stopWithTimeout(logger *slog.Logger, w *worker.Worker, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker stopped gracefully")
	case <-time.After(timeout):
		logger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}
}

func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.Config) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cfg.Logging.Output,
		EnableSource: cfg.Logging.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      cfg.App.Name,
	}

	return logger.New(loggerCfg)
}

// initStore opens the configured store and applies migrations when asked to
func initStore(cfg *config.Config, logger *slog.Logger) (store, io.Closer, error) {
	if cfg.Database.Driver == config.DriverBolt {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		st, err := boltstore.Open(cfg.Database.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}

	dbClient, err := initPostgreSQL(&cfg.Database, logger)
	if err != nil {
		return nil, nil, err
	}

	st := postgres.NewStore(dbClient, logger)
	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := st.Migrate(ctx); err != nil {
			dbClient.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return st, dbClient, nil
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
