package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backend names accepted by READING_STORE and DEVICE_REGISTRY.
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Mongo     MongoConfig     `json:"mongo"`
	Store     StoreConfig     `json:"store"`
	Ingest    IngestConfig    `json:"ingest"`
	Stream    StreamConfig    `json:"stream"`
	Broadcast BroadcastConfig `json:"broadcast"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Relay     RelayConfig     `json:"relay"`
	Logging   LoggingConfig   `json:"logging"`
	CORS      CORSConfig      `json:"cors"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            string        `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConns       int           `json:"max_conns"`
	MinConns       int           `json:"min_conns"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// MongoConfig holds MongoDB configuration for the mongo reading store
type MongoConfig struct {
	URI        string        `json:"uri"`
	DBName     string        `json:"db_name"`
	Collection string        `json:"collection"`
	Timeout    time.Duration `json:"timeout"`
}

// StoreConfig selects the reading store and device registry backends.
type StoreConfig struct {
	ReadingStore        string        `json:"reading_store"`
	DeviceRegistry      string        `json:"device_registry"`
	BreakerMaxFailures  int           `json:"breaker_max_failures"`
	BreakerResetTimeout time.Duration `json:"breaker_reset_timeout"`
	MemorySeedDevices   []string      `json:"memory_seed_devices"`
	MemoryHistorySize   int           `json:"memory_history_size"`
}

// IngestConfig bounds what a producer may submit.
type IngestConfig struct {
	MaxPayloadBytes int64 `json:"max_payload_bytes"`
}

// StreamConfig holds WebSocket settings shared by observer and device streams
type StreamConfig struct {
	PingInterval                  time.Duration `json:"ping_interval"`
	PongWait                      time.Duration `json:"pong_wait"`
	WriteTimeout                  time.Duration `json:"write_timeout"`
	ReadLimit                     int64         `json:"read_limit"`
	SendBuffer                    int           `json:"send_buffer"`
	MaxConsecutiveStorageFailures int           `json:"max_consecutive_storage_failures"`
	AllowedOrigins                []string      `json:"allowed_origins"`
}

// BroadcastConfig holds fan-out settings
type BroadcastConfig struct {
	DeliveryTimeout time.Duration `json:"delivery_timeout"`
	Parallelism     int           `json:"parallelism"`
}

// MQTTConfig holds MQTT-related configuration
type MQTTConfig struct {
	Enabled     bool          `json:"enabled"`
	BrokerHost  string        `json:"broker_host"`
	BrokerPort  int           `json:"broker_port"`
	BrokerUser  string        `json:"broker_user"`
	BrokerPass  string        `json:"broker_pass"`
	UseTLS      bool          `json:"use_tls"`
	CACertPath  string        `json:"ca_cert_path"`
	Topic       string        `json:"topic"`
	ClientID    string        `json:"client_id"`
	SharedGroup string        `json:"shared_group"`
	KeepAlive   time.Duration `json:"keep_alive"`
	PingTimeout time.Duration `json:"ping_timeout"`
	QueueSize   int           `json:"queue_size"`
}

// RelayConfig configures the standalone MQTT relay that forwards readings to the API.
type RelayConfig struct {
	APIBaseURL     string        `json:"api_base_url"`
	RequestTimeout time.Duration `json:"request_timeout"`
	MaxRetries     int           `json:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"` // json or text
	Output       string `json:"output"` // stdout, stderr, or file path
	EnableCaller bool   `json:"enable_caller"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

// Load loads configuration from the environment, reading a .env file first when one exists.
func Load() (*Config, error) {
	// A missing .env is fine; variables may be set directly.
	_ = godotenv.Load()

	config := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8000"),
			ReadTimeout:     getDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDuration("WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getDuration("IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:           getEnv("POSTGRES_HOST", "localhost"),
			Port:           getInt("POSTGRES_PORT", 5432),
			User:           getEnv("POSTGRES_USER", ""),
			Password:       getEnv("POSTGRES_PASSWORD", ""),
			DBName:         getEnv("POSTGRES_DB", "iot"),
			SSLMode:        getEnv("POSTGRES_SSLMODE", "disable"),
			MaxConns:       getInt("POSTGRES_MAX_CONNS", 25),
			MinConns:       getInt("POSTGRES_MIN_CONNS", 5),
			ConnectTimeout: getDuration("POSTGRES_CONNECT_TIMEOUT", 20*time.Second),
		},
		Mongo: MongoConfig{
			URI:        getEnv("MONGODB_URI", ""),
			DBName:     getEnv("MONGODB_DB", "iot"),
			Collection: getEnv("MONGODB_COLLECTION", "readings"),
			Timeout:    getDuration("MONGODB_TIMEOUT", 3*time.Second),
		},
		Store: StoreConfig{
			ReadingStore:        strings.ToLower(getEnv("READING_STORE", BackendPostgres)),
			DeviceRegistry:      strings.ToLower(getEnv("DEVICE_REGISTRY", BackendPostgres)),
			BreakerMaxFailures:  getInt("STORE_BREAKER_MAX_FAILURES", 5),
			BreakerResetTimeout: getDuration("STORE_BREAKER_RESET_TIMEOUT", 30*time.Second),
			MemorySeedDevices:   getStringSlice("MEMORY_SEED_DEVICES", nil),
			MemoryHistorySize:   getInt("MEMORY_HISTORY_SIZE", 500),
		},
		Ingest: IngestConfig{
			MaxPayloadBytes: int64(getInt("INGEST_MAX_PAYLOAD_BYTES", 64*1024)),
		},
		Stream: StreamConfig{
			PingInterval:                  getDuration("STREAM_PING_INTERVAL", 30*time.Second),
			PongWait:                      getDuration("STREAM_PONG_WAIT", 75*time.Second),
			WriteTimeout:                  getDuration("STREAM_WRITE_TIMEOUT", 10*time.Second),
			ReadLimit:                     int64(getInt("STREAM_READ_LIMIT", 64*1024)),
			SendBuffer:                    getInt("STREAM_SEND_BUFFER", 64),
			MaxConsecutiveStorageFailures: getInt("STREAM_MAX_CONSECUTIVE_STORAGE_FAILURES", 5),
			AllowedOrigins:                getStringSlice("STREAM_ALLOWED_ORIGINS", []string{"*"}),
		},
		Broadcast: BroadcastConfig{
			DeliveryTimeout: getDuration("BROADCAST_DELIVERY_TIMEOUT", 5*time.Second),
			Parallelism:     getInt("BROADCAST_PARALLELISM", 32),
		},
		MQTT: MQTTConfig{
			Enabled:     getBool("MQTT_ENABLED", false),
			BrokerHost:  getEnv("BROKER_HOST", "localhost"),
			BrokerPort:  getInt("BROKER_PORT", 1883),
			BrokerUser:  getEnv("BROKER_USER", ""),
			BrokerPass:  getEnv("BROKER_PASS", ""),
			UseTLS:      getBool("BROKER_TLS", false),
			CACertPath:  getEnv("BROKER_CA_FILE", ""),
			Topic:       getEnv("MQTT_TOPIC", "sensors/+/readings"),
			ClientID:    getEnv("MQTT_CLIENT_ID", "live-telemetry"),
			SharedGroup: getEnv("MQTT_SHARED_GROUP", ""),
			KeepAlive:   getDuration("MQTT_KEEP_ALIVE", 30*time.Second),
			PingTimeout: getDuration("MQTT_PING_TIMEOUT", 10*time.Second),
			QueueSize:   getInt("MQTT_QUEUE_SIZE", 4096),
		},
		Relay: RelayConfig{
			APIBaseURL:     strings.TrimRight(getEnv("RELAY_API_URL", "http://localhost:8000"), "/"),
			RequestTimeout: getDuration("RELAY_REQUEST_TIMEOUT", 10*time.Second),
			MaxRetries:     getInt("RELAY_MAX_RETRIES", 3),
			RetryDelay:     getDuration("RELAY_RETRY_DELAY", time.Second),
		},
		Logging: LoggingConfig{
			Level:        getEnv("LOG_LEVEL", "info"),
			Format:       getEnv("LOG_FORMAT", "text"),
			Output:       getEnv("LOG_OUTPUT", "stdout"),
			EnableCaller: getBool("LOG_ENABLE_CALLER", false),
		},
		CORS: CORSConfig{
			AllowedOrigins:   getStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			AllowedMethods:   getStringSlice("CORS_ALLOWED_METHODS", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders:   getStringSlice("CORS_ALLOWED_HEADERS", []string{"Origin", "Content-Type", "Accept"}),
			ExposedHeaders:   getStringSlice("CORS_EXPOSED_HEADERS", []string{"Content-Length"}),
			AllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", true),
			MaxAge:           getInt("CORS_MAX_AGE", 43200), // 12 hours
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.ReadingStore {
	case BackendPostgres, BackendMongo, BackendMemory:
	default:
		return fmt.Errorf("READING_STORE must be one of postgres, mongo, memory (got %q)", c.Store.ReadingStore)
	}
	switch c.Store.DeviceRegistry {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("DEVICE_REGISTRY must be one of postgres, memory (got %q)", c.Store.DeviceRegistry)
	}
	if c.NeedsPostgres() {
		if c.Database.User == "" {
			return fmt.Errorf("POSTGRES_USER is required")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("POSTGRES_PASSWORD is required")
		}
	}
	if c.Store.ReadingStore == BackendMongo && c.Mongo.URI == "" {
		return fmt.Errorf("MONGODB_URI is required when READING_STORE=mongo")
	}
	if c.Store.ReadingStore == BackendMemory && c.Store.MemoryHistorySize < 1 {
		return fmt.Errorf("MEMORY_HISTORY_SIZE must be positive")
	}
	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("INGEST_MAX_PAYLOAD_BYTES must be positive")
	}
	if c.Stream.SendBuffer < 1 {
		return fmt.Errorf("STREAM_SEND_BUFFER must be at least 1")
	}
	if c.Stream.PingInterval <= 0 || c.Stream.PongWait <= c.Stream.PingInterval {
		return fmt.Errorf("STREAM_PONG_WAIT (%s) must exceed STREAM_PING_INTERVAL (%s)", c.Stream.PongWait, c.Stream.PingInterval)
	}
	if c.Stream.MaxConsecutiveStorageFailures < 0 {
		return fmt.Errorf("STREAM_MAX_CONSECUTIVE_STORAGE_FAILURES cannot be negative")
	}
	if c.Broadcast.DeliveryTimeout <= 0 {
		return fmt.Errorf("BROADCAST_DELIVERY_TIMEOUT must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.Topic == "" {
		return fmt.Errorf("MQTT_TOPIC is required when MQTT_ENABLED=true")
	}
	return nil
}

// NeedsPostgres reports whether any configured backend lives in PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.Store.ReadingStore == BackendPostgres || c.Store.DeviceRegistry == BackendPostgres
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User, c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *Config) GetMQTTBrokerURL() string {
	scheme := "tcp"
	if c.MQTT.UseTLS {
		scheme = "tcps"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTT.BrokerHost, c.MQTT.BrokerPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return intValue
}

func getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Fatalf("invalid %s: %q (expected true/false or 1/0)", key, value)
	}
	return parsed
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Fatalf("invalid %s: %v", key, err)
	}
	return duration
}

func getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
