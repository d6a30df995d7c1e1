package factory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"waitlist-service/internal/client"
	"waitlist-service/internal/clock"
	"waitlist-service/internal/config"
	"waitlist-service/internal/hashing"
	"waitlist-service/internal/model"
	"waitlist-service/internal/repository/memory"
	"waitlist-service/internal/repository/postgres"
	redisrepo "waitlist-service/internal/repository/redis"
	"waitlist-service/internal/repository/scylla"
	"waitlist-service/internal/service"
	"waitlist-service/internal/tls"
	"waitlist-service/internal/util"
)

const initTimeout = 30 * time.Second

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	logger     *zap.Logger
	clock      clock.Clock
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *scylla.ScyllaClient
	pgPool           *pgxpool.Pool
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	hasher         *hashing.IdentityHasher
	repository     model.WaitlistRepository
	sink           model.SecurityEventSink
	serviceFactory *service.ServiceFactory

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory connects every configured dependency. In production any
// configured dependency that fails to come up is fatal; elsewhere it is
// logged and left out.
func NewFactory(cfg *config.Config) (*Factory, error) {
	factory := &Factory{
		config: cfg,
		logger: util.Get(),
		clock:  clock.NewSystemClock(),
		closed: make(chan struct{}),
	}

	if cfg.Server.EnableTLS {
		manager, err := tls.NewManager(cfg.Server, cfg.Environment, factory.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TLS: %w", err)
		}
		factory.tlsManager = manager
	}

	factory.hasher = hashing.NewIdentityHasher(cfg.Hashing, factory.logger)

	if err := factory.initializeClients(); err != nil {
		factory.closeClients()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("store_driver", cfg.Store.Driver),
		util.String("audit_sink", cfg.Audit.Sink),
		util.Bool("redis_enabled", factory.redisClient != nil),
		util.Bool("kafka_enabled", factory.kafkaProducer != nil),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)

	return factory, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.URL == "" {
		util.Warn("REDIS_URL not set - rate limiter follows its failure policy",
			util.Bool("fail_closed", f.config.IsProduction()))
	} else if rc, err := client.NewRedisClient(f.config, f.logger); err != nil {
		initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
	} else {
		f.redisClient = rc
		if err := rc.HealthCheck(ctx); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
		} else {
			util.Info("Redis client initialized and healthy")
		}
	}

	// Durable store. Required in every environment.
	if err := f.initializeStore(ctx); err != nil {
		return err
	}

	// Kafka
	if len(f.config.Kafka.Brokers) == 0 {
		util.Info("KAFKA_BROKERS not set - notifications are logged only")
	} else if producer, err := client.NewKafkaProducer(f.config, f.logger); err != nil {
		util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
	} else {
		f.kafkaProducer = producer
		util.Info("Kafka producer initialized")
	}

	// Security-event archive
	switch f.config.Audit.Sink {
	case config.AuditClickhouse:
		if ch, err := client.NewClickHouseClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			f.sink = ch
			util.Info("ClickHouse audit sink initialized")
		}
	case config.AuditElasticsearch:
		if es, err := client.NewElasticsearchClient(f.config, f.logger); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			f.sink = es
			if err := es.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch audit sink initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %w", errors.Join(initErrors...))
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	return nil
}

func (f *Factory) initializeStore(ctx context.Context) error {
	switch f.config.Store.Driver {
	case config.StoreScylla:
		sc, err := scylla.NewScyllaClient(f.config, f.logger)
		if err != nil {
			return fmt.Errorf("scylla: %w", err)
		}
		f.scyllaClient = sc
		f.repository = scylla.NewWaitlistRepository(sc, f.logger)
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, f.config, f.logger)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		f.pgPool = pool
		f.repository = postgres.NewWaitlistRepository(pool)
	case config.StoreMemory:
		util.Warn("Using the in-memory store - entries are lost on restart")
		f.repository = memory.NewWaitlistRepository()
	default:
		return fmt.Errorf("unknown store driver %q", f.config.Store.Driver)
	}

	if err := f.repository.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s health check: %w", f.config.Store.Driver, err)
	}
	util.Info("Waitlist store initialized and healthy", util.String("driver", f.config.Store.Driver))
	return nil
}

// ==============================
// Service Factory
// ==============================

func (f *Factory) ServiceFactory() *service.ServiceFactory {
	if f.serviceFactory == nil {
		var counters model.CounterStore
		var blocked model.BlockedRequestStore
		if f.redisClient != nil {
			counters = redisrepo.NewRateLimitCache(f.redisClient, f.clock, f.logger)
			blocked = redisrepo.NewBlockedRequestCache(f.redisClient, f.clock, f.logger)
		}

		var notifier model.Notifier
		if f.kafkaProducer != nil {
			notifier = service.NewKafkaNotifier(f.kafkaProducer, f.config.Kafka.NotificationTopic,
				f.config.Notifier.FromAddress, f.hasher, f.logger)
		} else {
			notifier = service.NewLogNotifier(f.hasher, f.logger)
		}

		f.serviceFactory = service.NewServiceFactory(
			f.config,
			f.repository,
			counters,
			blocked,
			f.sink,
			notifier,
			f.hasher,
			f.clock,
			f.logger,
		)
	}
	return f.serviceFactory
}

// ==============================
// Health Checks
// ==============================

// HealthCheck probes every initialized dependency concurrently and returns
// the failures by name.
func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	checks := map[string]healthChecker{}
	if f.redisClient != nil {
		checks["redis"] = f.redisClient
	}
	if f.repository != nil {
		checks["store"] = f.repository
	}
	if f.kafkaProducer != nil {
		checks["kafka"] = f.kafkaProducer
	}
	if f.clickhouseClient != nil {
		checks["clickhouse"] = f.clickhouseClient
	}
	if f.esClient != nil {
		checks["elasticsearch"] = f.esClient
	}

	var mu sync.Mutex
	healthErrors := make(map[string]error)
	g, gctx := errgroup.WithContext(ctx)
	for name, check := range checks {
		g.Go(func() error {
			if err := check.HealthCheck(gctx); err != nil {
				mu.Lock()
				healthErrors[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if f.repository == nil {
		healthErrors["store"] = errors.New("store not initialized")
	}
	if f.redisClient == nil && (f.config.Redis.URL != "" || f.config.IsProduction()) {
		// Production fails closed without Redis, so it is never ready.
		healthErrors["redis"] = errors.New("redis client not initialized")
	}
	return healthErrors
}

// Ready reports the dependencies a signup needs: the store and Redis
// (always in production, elsewhere only when configured). Kafka and the
// archive sink are best-effort.
func (f *Factory) Ready(ctx context.Context) error {
	healthErrors := f.HealthCheck(ctx)
	var errs []error
	for _, name := range []string{"store", "redis"} {
		if err, ok := healthErrors[name]; ok {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ==============================
// Shutdown
// ==============================

// Close drains the background queues, then closes clients in reverse order
// of construction. Safe to call more than once.
func (f *Factory) Close(ctx context.Context) error {
	var err error
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.serviceFactory != nil {
			if err = f.serviceFactory.Cleanup(ctx); err != nil {
				util.Error("Service factory cleanup incomplete", util.ErrorField(err))
			} else {
				util.Info("Service factory cleaned up")
			}
		}

		f.closeClients()

		util.Sync()
		util.Info("Factory shutdown completed")
	})
	return err
}

func (f *Factory) closeClients() {
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.Close(); err != nil {
			util.Error("Failed to close Kafka producer", util.ErrorField(err))
		} else {
			util.Info("Kafka producer closed")
		}
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.Close(); err != nil {
			util.Error("Failed to close ClickHouse client", util.ErrorField(err))
		} else {
			util.Info("ClickHouse client closed")
		}
	}

	if f.esClient != nil {
		f.esClient.Close()
		util.Info("Elasticsearch client closed")
	}

	if f.pgPool != nil {
		f.pgPool.Close()
		util.Info("Postgres pool closed")
	}

	if f.scyllaClient != nil {
		f.scyllaClient.Close()
		util.Info("ScyllaDB client closed")
	}

	if f.redisClient != nil {
		if err := f.redisClient.Close(); err != nil {
			util.Error("Failed to close Redis client", util.ErrorField(err))
		} else {
			util.Info("Redis client closed")
		}
	}
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Hasher() *hashing.IdentityHasher {
	return f.hasher
}
