package factory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kyc-service/internal/audit"
	"kyc-service/internal/bucketing"
	"kyc-service/internal/client"
	"kyc-service/internal/config"
	"kyc-service/internal/encryption"
	"kyc-service/internal/hashing"
	"kyc-service/internal/repository"
	"kyc-service/internal/repository/memory"
	redisstore "kyc-service/internal/repository/redis"
	"kyc-service/internal/repository/scylla"
	"kyc-service/internal/service"
	"kyc-service/internal/tls"
	"kyc-service/internal/util"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.TLSManager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient
	ocrClient        *client.TesseractClient
	smsSender        client.SMSSender

	// Managers
	hasher            *hashing.Hasher
	encryptionManager *encryption.EncryptionManager
	bucketingManager  *bucketing.BucketingManager

	// Session store and audit trail
	sessionStore repository.SessionStore
	sweepCancel  context.CancelFunc
	dispatcher   *audit.Dispatcher

	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration from the environment and initializes all
// application dependencies
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	return NewFactoryWithConfig(cfg)
}

// NewFactoryWithConfig initializes dependencies from an already validated config
func NewFactoryWithConfig(cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		factory.tlsManager = tls.NewTLSManager(cfg)
	}

	if err := factory.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	if err := factory.initializeManagers(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize managers: %w", err)
	}

	if err := factory.initializeSessionStore(); err != nil {
		factory.Close()
		return nil, fmt.Errorf("failed to initialize session store: %w", err)
	}

	factory.initializeAudit()

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.Bool("kms_enabled", cfg.KMS.Enabled),
		util.String("session_store", cfg.Session.Store),
		util.Bool("sms_configured", cfg.TwilioConfigured()),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks.
// Outside production a failing client is logged and left out.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Session.Store == "redis" {
		if c, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	}

	// ScyllaDB
	if f.config.Scylla.Enabled {
		if c, err := scylla.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = c
			if err := f.scyllaClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
		}
	}

	// Elasticsearch
	if f.config.Elasticsearch.Enabled {
		if c, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = c
			if err := f.esClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	// OCR and SMS
	f.ocrClient = client.NewTesseractClient(f.config.OCR)
	if err := f.ocrClient.HealthCheck(ctx); err != nil {
		initErrors = append(initErrors, fmt.Errorf("tesseract: %w", err))
	}
	f.smsSender = client.NewSMSSender(f.config)

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			f.closeClients()
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

// initializeManagers initializes hashing, encryption, and bucketing managers
func (f *Factory) initializeManagers() error {
	f.hasher = hashing.NewHasher(f.config.Hashing)
	f.bucketingManager = bucketing.NewBucketingManager(f.config.Bucketing)

	var kmsClient encryption.KMSAPI
	if f.config.KMS.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.config.KMS.Region))
		if err != nil {
			return fmt.Errorf("load AWS config: %w", err)
		}
		kmsClient = kms.NewFromConfig(awsCfg)
	}

	em, err := encryption.NewEncryptionManager(f.config.KMS, kmsClient)
	if err != nil {
		return err
	}
	f.encryptionManager = em

	if f.config.IsProduction() {
		f.hasher.StartPepperRotation()
	}

	util.Info("Managers initialized successfully",
		util.Bool("hashing_initialized", f.hasher != nil),
		util.Bool("encryption_initialized", f.encryptionManager != nil),
		util.Bool("bucketing_initialized", f.bucketingManager != nil),
	)
	return nil
}

// initializeSessionStore picks the configured backend. A redis store whose
// client failed to come up falls back to memory (non-production only).
func (f *Factory) initializeSessionStore() error {
	if f.config.Session.Store == "redis" {
		if f.redisClient != nil {
			f.sessionStore = redisstore.NewSessionStore(f.redisClient, f.encryptionManager)
			util.Info("Using Redis session store")
			return nil
		}
		if f.config.IsProduction() {
			return fmt.Errorf("redis session store requested but redis is unavailable")
		}
		util.Warn("Redis unavailable - falling back to in-memory session store")
	}

	store := memory.NewSessionStore(f.bucketingManager)
	ctx, cancel := context.WithCancel(context.Background())
	store.StartSweeper(ctx, f.config.Session.SweepInterval)
	f.sweepCancel = cancel
	f.sessionStore = store
	util.Info("Using in-memory session store", util.Duration("sweep_interval", f.config.Session.SweepInterval))
	return nil
}

// initializeAudit builds one sink per reachable backend. With none reachable
// events go to the structured log.
func (f *Factory) initializeAudit() {
	var sinks []audit.Sink

	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer))
	}
	if f.esClient != nil {
		sinks = append(sinks, audit.NewElasticsearchSink(f.esClient, f.config.Elasticsearch.Index))
	}
	if f.clickhouseClient != nil {
		chSink := audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.Table)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := chSink.EnsureTable(ctx)
		cancel()
		if err != nil {
			util.Warn("ClickHouse audit table unavailable - skipping sink", util.ErrorField(err))
		} else {
			sinks = append(sinks, chSink)
		}
	}
	if f.scyllaClient != nil {
		sinks = append(sinks, audit.NewScyllaSink(scylla.NewEventRepository(f.scyllaClient)))
	}
	if len(sinks) == 0 {
		sinks = append(sinks, audit.LogSink{})
	}

	f.dispatcher = audit.NewDispatcher(f.config.Audit, sinks...)

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	util.Info("Audit trail configured",
		util.Bool("enabled", f.dispatcher != nil),
		util.Strings("sinks", names))
}

// ==============================
// Service Factory
// ==============================
func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.sessionStore,
			f.hasher,
			f.bucketingManager,
			f.smsSender,
			f.ocrClient,
			f.dispatcher,
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck reports per-component failures. Disabled components are not listed.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.sessionStore != nil {
		if err := f.sessionStore.HealthCheck(ctx); err != nil {
			healthErrors["session_store"] = err
		}
	} else {
		healthErrors["session_store"] = fmt.Errorf("session store not initialized")
	}

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	}

	if f.scyllaClient != nil {
		if err := f.scyllaClient.HealthCheck(ctx); err != nil {
			healthErrors["scylla"] = err
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(ctx); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.hasher == nil {
		healthErrors["hasher"] = fmt.Errorf("hasher not initialized")
	}
	if f.encryptionManager == nil {
		healthErrors["encryption"] = fmt.Errorf("encryption manager not initialized")
	}
	if f.bucketingManager == nil {
		healthErrors["bucketing"] = fmt.Errorf("bucketing manager not initialized")
	}

	return healthErrors
}

// Ready folds HealthCheck into one error, ignoring Kafka which is best-effort.
func (f *Factory) Ready(ctx context.Context) error {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	if len(healthErrors) == 0 {
		return nil
	}

	names := make([]string, 0, len(healthErrors))
	for name := range healthErrors {
		names = append(names, name)
	}
	sort.Strings(names)

	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, healthErrors[name]))
	}
	return errors.Join(errs...)
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	return f.Ready(ctx) == nil
}

// ==============================
// Shutdown
// ==============================

// Close stops background work, flushes the audit trail and then closes clients.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			f.serviceFactory.Cleanup()
			util.Info("Service factory cleaned up")
		} else if f.hasher != nil {
			f.hasher.Stop()
		}

		if f.sweepCancel != nil {
			f.sweepCancel()
		}

		// sinks still need their clients while the dispatcher drains
		f.dispatcher.Close()

		f.closeClients()

		if f.encryptionManager != nil {
			f.encryptionManager.ClearCache()
			util.Info("Encryption manager cache cleared")
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})

	return nil
}

func (f *Factory) closeClients() {
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.Close(); err != nil {
			util.Error("Failed to close ClickHouse client", util.ErrorField(err))
		} else {
			util.Info("ClickHouse client closed")
		}
		f.clickhouseClient = nil
	}

	if f.esClient != nil {
		f.esClient.Close()
		f.esClient = nil
		util.Info("Elasticsearch client closed")
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		} else {
			util.Info("Kafka producer closed")
		}
		f.kafkaProducer = nil
	}

	if f.scyllaClient != nil {
		f.scyllaClient.Close()
		f.scyllaClient = nil
		util.Info("ScyllaDB client closed")
	}

	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			util.Error("Failed to close Redis client", util.ErrorField(err))
		} else {
			util.Info("Redis client closed")
		}
		f.redisClient = nil
	}
}

func (f *Factory) Config() *config.Config {
	return f.config
}

// TLSManager is nil unless ENABLE_TLS is set.
func (f *Factory) TLSManager() *tls.TLSManager {
	return f.tlsManager
}

func (f *Factory) SessionStore() repository.SessionStore {
	return f.sessionStore
}

func (f *Factory) AuditDispatcher() *audit.Dispatcher {
	return f.dispatcher
}

func (f *Factory) Hasher() *hashing.Hasher {
	return f.hasher
}

func (f *Factory) EncryptionManager() *encryption.EncryptionManager {
	return f.encryptionManager
}

func (f *Factory) BucketingManager() *bucketing.BucketingManager {
	return f.bucketingManager
}
