package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MemoryBackendNeedsNoPostgres(t *testing.T) {
	t.Setenv("READING_STORE", "memory")
	t.Setenv("DEVICE_REGISTRY", "memory")
	t.Setenv("MEMORY_SEED_DEVICES", "1, 2 ,,3")
	t.Setenv("POSTGRES_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Store.ReadingStore)
	assert.Equal(t, []string{"1", "2", "3"}, cfg.Store.MemorySeedDevices)
	assert.False(t, cfg.NeedsPostgres())
	assert.Equal(t, 5, cfg.Stream.MaxConsecutiveStorageFailures)
	assert.Equal(t, 30*time.Second, cfg.Stream.PingInterval)
}

func TestLoad_RelayURLLosesTrailingSlash(t *testing.T) {
	t.Setenv("READING_STORE", "memory")
	t.Setenv("DEVICE_REGISTRY", "memory")
	t.Setenv("RELAY_API_URL", "http://api:8000/")
	t.Setenv("RELAY_MAX_RETRIES", "5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://api:8000", cfg.Relay.APIBaseURL)
	assert.Equal(t, 5, cfg.Relay.MaxRetries)
	assert.Equal(t, time.Second, cfg.Relay.RetryDelay)
}

func TestLoad_PostgresRequiresCredentials(t *testing.T) {
	t.Setenv("READING_STORE", "postgres")
	t.Setenv("DEVICE_REGISTRY", "postgres")
	t.Setenv("POSTGRES_USER", "")
	t.Setenv("POSTGRES_PASSWORD", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_USER")
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Store.ReadingStore = "cassandra"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READING_STORE")
}

func TestValidate_MongoNeedsURI(t *testing.T) {
	cfg := validConfig()
	cfg.Store.ReadingStore = BackendMongo
	cfg.Mongo.URI = ""

	assert.Error(t, cfg.Validate())

	cfg.Mongo.URI = "mongodb://localhost:27017"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_PongWaitMustExceedPingInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Stream.PongWait = cfg.Stream.PingInterval

	assert.Error(t, cfg.Validate())
}

func TestGetMQTTBrokerURL(t *testing.T) {
	cfg := validConfig()
	cfg.MQTT.BrokerHost = "broker"
	cfg.MQTT.BrokerPort = 8883

	assert.Equal(t, "tcp://broker:8883", cfg.GetMQTTBrokerURL())

	cfg.MQTT.UseTLS = true
	assert.Equal(t, "tcps://broker:8883", cfg.GetMQTTBrokerURL())
}

func validConfig() *Config {
	return &Config{
		Store: StoreConfig{
			ReadingStore:      BackendMemory,
			DeviceRegistry:    BackendMemory,
			MemoryHistorySize: 10,
		},
		Ingest: IngestConfig{MaxPayloadBytes: 1024},
		Stream: StreamConfig{
			PingInterval: time.Second,
			PongWait:     2 * time.Second,
			SendBuffer:   4,
		},
		Broadcast: BroadcastConfig{DeliveryTimeout: time.Second},
	}
}
