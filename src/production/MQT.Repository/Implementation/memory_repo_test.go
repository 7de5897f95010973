package implementation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

func strPtr(s string) *string { return &s }

func TestMemoryStore_SeededDevicesExist(t *testing.T) {
	store := NewMemoryStore(10, "1", "7")
	ctx := context.Background()

	ok, err := store.DeviceExists(ctx, "7")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.DeviceExists(ctx, "9999")
	require.NoError(t, err)
	assert.False(t, ok)

	created, err := store.CreateDevice(ctx, mqtmodels.Device{DeviceName: "esp32", IPAddress: "10.0.0.8"})
	require.NoError(t, err)
	assert.Equal(t, "8", created.ID, "ids continue after the highest seeded id")
}

func TestMemoryStore_CreateDeviceRejectsDuplicateAddress(t *testing.T) {
	store := NewMemoryStore(10)
	ctx := context.Background()

	_, err := store.CreateDevice(ctx, mqtmodels.Device{DeviceName: "a", IPAddress: "10.0.0.1"})
	require.NoError(t, err)

	_, err = store.CreateDevice(ctx, mqtmodels.Device{DeviceName: "b", IPAddress: "10.0.0.1"})
	assert.ErrorIs(t, err, interfaces.ErrDeviceConflict)
}

func TestMemoryStore_PersistAndListNewestFirst(t *testing.T) {
	store := NewMemoryStore(3, "1")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.PersistReading(ctx, mqtmodels.ValidatedReading{
			DeviceID:   "1",
			Reading:    mqtmodels.SensorReading{Temperature: strPtr("2" + string(rune('0'+i)))},
			ReceivedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, store.ReadingCount("1"), "history is bounded")

	readings, err := store.ListReadingsByDevice(ctx, "1", 2)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "5", readings[0].ID)
	assert.Equal(t, "4", readings[1].ID)
	assert.Equal(t, "24", *readings[0].Temperature)
	assert.Equal(t, base.Add(4*time.Second), readings[0].Timestamp)
}

func TestMemoryStore_PersistForMissingDevice(t *testing.T) {
	store := NewMemoryStore(3)

	_, err := store.PersistReading(context.Background(), mqtmodels.ValidatedReading{DeviceID: "9999", ReceivedAt: time.Now()})
	assert.ErrorIs(t, err, interfaces.ErrDeviceNotFound)
}

func TestMemoryStore_DeleteDeviceDropsReadings(t *testing.T) {
	store := NewMemoryStore(3, "1")
	ctx := context.Background()

	_, err := store.PersistReading(ctx, mqtmodels.ValidatedReading{DeviceID: "1", ReceivedAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, store.DeleteDevice(ctx, "1"))
	assert.Zero(t, store.ReadingCount("1"))
	assert.ErrorIs(t, store.DeleteDevice(ctx, "1"), interfaces.ErrDeviceNotFound)

	_, err = store.GetDevice(ctx, "1")
	assert.ErrorIs(t, err, interfaces.ErrDeviceNotFound)
}
