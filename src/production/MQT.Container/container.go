package container

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.ApiService/health"
	broadcast "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Broadcast"
	config "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Config"
	ingestion "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestion"
	mqtingestor "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Ingestor"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	implementation "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
	subscription "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Subscription"
	"go.mongodb.org/mongo-driver/mongo"
)

// Container manages dependencies and their lifecycle
type Container struct {
	config *config.Config
	logger *logger.Logger
	db     *sqlx.DB
	mongo  *mongo.Client

	// Health components
	healthChecker   *health.HealthChecker
	databaseManager *health.DatabaseManager

	// Core services, built by Build
	memory      *implementation.MemoryStore
	deviceRepo  interfaces.DeviceRepository
	readingRepo interfaces.ReadingRepository
	registry    *subscription.Registry
	dispatcher  *broadcast.Dispatcher
	gateway     *ingestion.Gateway
	ingestor    *mqtingestor.Ingestor

	// Mutex for thread-safe access
	mu sync.RWMutex

	// Cleanup functions
	cleanupFuncs []func() error
}

// NewContainer loads configuration and creates a new dependency injection container
func NewContainer() (*Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return NewContainerWithConfig(cfg, logger.NewLogger(&cfg.Logging)), nil
}

// NewContainerWithConfig creates a container from an already loaded configuration.
func NewContainerWithConfig(cfg *config.Config, log *logger.Logger) *Container {
	return &Container{
		config: cfg,
		logger: log,
	}
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.config
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.logger
}

// GetDatabase returns the database connection, connecting on first use.
func (c *Container) GetDatabase() (*sqlx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		db, err := health.ConnectPostgresWithTimeout(c.config, c.config.Database.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		c.db = db
	}

	return c.db, nil
}

// GetMongo returns the MongoDB client, connecting on first use.
func (c *Container) GetMongo() (*mongo.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mongo == nil {
		client, err := health.ConnectMongoWithTimeout(c.config.Mongo, c.config.Database.ConnectTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		c.mongo = client
	}

	return c.mongo, nil
}

// GetDatabaseManager returns the database manager
func (c *Container) GetDatabaseManager() (*health.DatabaseManager, error) {
	c.mu.RLock()
	if c.databaseManager != nil {
		c.mu.RUnlock()
		return c.databaseManager, nil
	}
	c.mu.RUnlock()

	// Get database without holding the lock to avoid deadlock
	db, err := c.GetDatabase()
	if err != nil {
		return nil, fmt.Errorf("failed to get database for database manager: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.databaseManager == nil {
		c.databaseManager = health.NewDatabaseManager(db)
	}

	return c.databaseManager, nil
}

// InitializeDatabase connects the configured backends and prepares their schema.
func (c *Container) InitializeDatabase(ctx context.Context) error {
	if c.config.NeedsPostgres() {
		dbManager, err := c.GetDatabaseManager()
		if err != nil {
			return fmt.Errorf("failed to get database manager: %w", err)
		}
		if err := dbManager.CreateTables(ctx); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
		c.logger.Info("Database initialized successfully")
	}

	if c.config.Store.ReadingStore == config.BackendMongo {
		client, err := c.GetMongo()
		if err != nil {
			return err
		}
		repo := implementation.NewMongoReadingRepository(c.mongoCollection(client), c.config.Mongo.Timeout)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("failed to create mongo indexes: %w", err)
		}
		c.logger.Info("Mongo reading store initialized successfully")
	}

	return nil
}

func (c *Container) mongoCollection(client *mongo.Client) *mongo.Collection {
	return client.Database(c.config.Mongo.DBName).Collection(c.config.Mongo.Collection)
}

func (c *Container) memoryStore() *implementation.MemoryStore {
	if c.memory == nil {
		c.memory = implementation.NewMemoryStore(c.config.Store.MemoryHistorySize, c.config.Store.MemorySeedDevices...)
	}
	return c.memory
}

// Build wires the repositories, registry, dispatcher, gateway and, when
// enabled, the MQTT ingestor. Call InitializeDatabase first.
func (c *Container) Build() error {
	deviceRepo, err := c.buildDeviceRepository()
	if err != nil {
		return err
	}
	readingRepo, err := c.buildReadingRepository()
	if err != nil {
		return err
	}

	c.deviceRepo = deviceRepo
	c.readingRepo = readingRepo
	c.registry = subscription.NewRegistry()
	c.dispatcher = broadcast.NewDispatcher(c.registry,
		c.config.Broadcast.DeliveryTimeout, c.config.Broadcast.Parallelism, c.logger)
	c.gateway = ingestion.NewGateway(
		ingestion.NewValidator(deviceRepo, c.config.Ingest.MaxPayloadBytes),
		readingRepo, c.dispatcher, c.logger)

	if c.config.MQTT.Enabled {
		ingestor, err := mqtingestor.New(c.config.MQTT, c.config.GetMQTTBrokerURL(), c.gateway, c.logger)
		if err != nil {
			return fmt.Errorf("failed to create mqtt ingestor: %w", err)
		}
		c.ingestor = ingestor
	}

	var mqttStatus health.ConnectionStatus
	if c.ingestor != nil {
		mqttStatus = c.ingestor
	}
	c.healthChecker = health.NewHealthChecker(c.db, c.mongo, mqttStatus)

	c.logger.Logger.Info().
		Str("reading_store", c.config.Store.ReadingStore).
		Str("device_registry", c.config.Store.DeviceRegistry).
		Bool("mqtt", c.config.MQTT.Enabled).
		Msg("services wired")
	return nil
}

func (c *Container) buildDeviceRepository() (interfaces.DeviceRepository, error) {
	switch c.config.Store.DeviceRegistry {
	case config.BackendMemory:
		return c.memoryStore(), nil
	default:
		db, err := c.GetDatabase()
		if err != nil {
			return nil, err
		}
		return implementation.NewPostgresDeviceRepository(db), nil
	}
}

func (c *Container) buildReadingRepository() (interfaces.ReadingRepository, error) {
	var repo interfaces.ReadingRepository
	switch c.config.Store.ReadingStore {
	case config.BackendMemory:
		repo = c.memoryStore()
	case config.BackendMongo:
		client, err := c.GetMongo()
		if err != nil {
			return nil, err
		}
		repo = implementation.NewMongoReadingRepository(c.mongoCollection(client), c.config.Mongo.Timeout)
	default:
		db, err := c.GetDatabase()
		if err != nil {
			return nil, err
		}
		repo = implementation.NewPostgresReadingRepository(db)
	}

	if c.config.Store.BreakerMaxFailures > 0 {
		repo = implementation.NewBreakerReadingRepository(repo, c.config.Store.BreakerMaxFailures, c.config.Store.BreakerResetTimeout)
	}
	return repo, nil
}

func (c *Container) DeviceRepository() interfaces.DeviceRepository   { return c.deviceRepo }
func (c *Container) ReadingRepository() interfaces.ReadingRepository { return c.readingRepo }
func (c *Container) Registry() *subscription.Registry                { return c.registry }
func (c *Container) Gateway() *ingestion.Gateway                     { return c.gateway }

// Ingestor returns the MQTT ingestor, or nil when MQTT is disabled.
func (c *Container) Ingestor() *mqtingestor.Ingestor { return c.ingestor }

// HealthCheck performs a comprehensive health check
func (c *Container) HealthCheck(ctx context.Context) map[string]interface{} {
	if c.healthChecker == nil {
		return map[string]interface{}{
			"status": "error",
			"error":  "services not built",
		}
	}
	return c.healthChecker.GetHealthStatus(ctx)
}

// Shutdown gracefully shuts down the container and all its dependencies
func (c *Container) Shutdown(ctx context.Context) error {
	c.logger.Info("Shutting down container...")

	if c.ingestor != nil {
		c.ingestor.Stop()
	}

	// Execute cleanup functions in reverse order
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			c.logger.ErrorWithError(err, "Error during cleanup")
		}
	}

	if c.mongo != nil {
		if err := c.mongo.Disconnect(ctx); err != nil {
			c.logger.ErrorWithError(err, "Error disconnecting from mongo")
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.ErrorWithError(err, "Error closing database connection")
		}
	}

	c.logger.Info("Container shutdown complete")
	return nil
}

// AddCleanupFunc adds a cleanup function
func (c *Container) AddCleanupFunc(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
