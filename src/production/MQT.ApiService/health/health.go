package health

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	config "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// ConnectionStatus is implemented by long-lived clients such as the MQTT ingestor.
type ConnectionStatus interface {
	IsConnected() bool
}

// HealthChecker provides health check functionality. Dependencies that are
// not configured are left nil and skipped.
type HealthChecker struct {
	db    *sqlx.DB
	mongo *mongo.Client
	mqtt  ConnectionStatus
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(db *sqlx.DB, mongoClient *mongo.Client, mqtt ConnectionStatus) *HealthChecker {
	return &HealthChecker{db: db, mongo: mongoClient, mqtt: mqtt}
}

// PingPostgres checks if the PostgreSQL connection is healthy
func (h *HealthChecker) PingPostgres(ctx context.Context) error {
	if h.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return h.db.PingContext(ctx)
}

// CheckDatabaseHealth pings PostgreSQL and runs a trivial query.
func (h *HealthChecker) CheckDatabaseHealth(ctx context.Context) error {
	if err := h.PingPostgres(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := h.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("database query failed: %w", err)
	}
	return nil
}

// PingMongo checks the MongoDB primary.
func (h *HealthChecker) PingMongo(ctx context.Context) error {
	if h.mongo == nil {
		return fmt.Errorf("mongo client is nil")
	}
	return h.mongo.Ping(ctx, readpref.Primary())
}

// GetHealthStatus returns per-dependency checks and an overall status of
// "ok" or "degraded".
func (h *HealthChecker) GetHealthStatus(ctx context.Context) map[string]interface{} {
	checks := make(map[string]interface{})
	healthy := true

	record := func(name string, err error) {
		if err != nil {
			healthy = false
			checks[name] = map[string]interface{}{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]interface{}{"status": "ok"}
	}

	if h.db != nil {
		record("postgres", h.CheckDatabaseHealth(ctx))
	}
	if h.mongo != nil {
		record("mongo", h.PingMongo(ctx))
	}
	if h.mqtt != nil {
		var err error
		if !h.mqtt.IsConnected() {
			err = fmt.Errorf("not connected to broker")
		}
		record("mqtt", err)
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}
	return map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	}
}

// DatabaseManager handles database operations
type DatabaseManager struct {
	db *sqlx.DB
}

// NewDatabaseManager creates a new database manager
func NewDatabaseManager(db *sqlx.DB) *DatabaseManager {
	return &DatabaseManager{db: db}
}

// ConnectPostgresWithTimeout creates a PostgreSQL connection with a timeout context
func ConnectPostgresWithTimeout(cfg *config.Config, timeout time.Duration) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sqlx.Open("postgres", cfg.GetDatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("unable to open PostgreSQL connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// ConnectMongoWithTimeout connects and pings MongoDB. Atlas style
// mongodb+srv URIs get a TLS 1.2 floor.
func ConnectMongoWithTimeout(cfg config.MongoConfig, timeout time.Duration) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("MONGODB_URI is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.URI)
	if strings.HasPrefix(cfg.URI, "mongodb+srv://") {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetServerSelectionTimeout(timeout)
	clientOptions.SetConnectTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("unable to ping MongoDB: %w", err)
	}

	return client, nil
}

// CreateTables creates the device registry and reading tables if they don't exist.
func (dm *DatabaseManager) CreateTables(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	createDevicesTable := `
		CREATE TABLE IF NOT EXISTS devices (
			id          BIGSERIAL PRIMARY KEY,
			device_name TEXT NOT NULL,
			ip_address  TEXT NOT NULL UNIQUE,
			type        TEXT,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at  TIMESTAMPTZ
		);
	`

	// Measurements stay TEXT: devices report them as strings or numbers.
	createReadingsTable := `
		CREATE TABLE IF NOT EXISTS sensor_readings (
			id          BIGSERIAL PRIMARY KEY,
			device_id   BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			temperature TEXT,
			humidity    TEXT,
			pressure    TEXT,
			light       TEXT,
			motion      TEXT,
			distance    TEXT,
			custom_data JSONB,
			ts          TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`

	createIndexes := `
		CREATE INDEX IF NOT EXISTS idx_sensor_readings_device_ts_desc ON sensor_readings (device_id, ts DESC, id DESC);
	`

	queries := []string{
		createDevicesTable,
		createReadingsTable,
		createIndexes,
	}

	for _, query := range queries {
		if _, err := dm.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// Close closes the database connection
func (dm *DatabaseManager) Close() error {
	if dm.db != nil {
		return dm.db.Close()
	}
	return nil
}
