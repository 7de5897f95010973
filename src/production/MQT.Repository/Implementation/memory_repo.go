package implementation

import (
	"context"
	"strconv"
	"sync"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

// MemoryStore keeps devices and a bounded per-device reading history in
// process. It serves local runs without a database and end-to-end tests.
type MemoryStore struct {
	mu          sync.RWMutex
	maxReadings int
	nextDevice  int64
	nextReading int64
	devices     map[string]mqtmodels.Device
	readings    map[string][]mqtmodels.StoredReading
}

// NewMemoryStore creates a new in-memory store keeping at most maxReadings per device.
func NewMemoryStore(maxReadings int, seedDevices ...string) *MemoryStore {
	if maxReadings <= 0 {
		maxReadings = 500
	}
	store := &MemoryStore{
		maxReadings: maxReadings,
		devices:     make(map[string]mqtmodels.Device),
		readings:    make(map[string][]mqtmodels.StoredReading),
	}
	now := time.Now().UTC()
	for _, id := range seedDevices {
		store.devices[id] = mqtmodels.Device{ID: id, DeviceName: "device-" + id, CreatedAt: now}
		if n, err := strconv.ParseInt(id, 10, 64); err == nil && n > store.nextDevice {
			store.nextDevice = n
		}
	}
	return store
}

func (s *MemoryStore) DeviceExists(_ context.Context, deviceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.devices[deviceID]
	return ok, nil
}

func (s *MemoryStore) CreateDevice(_ context.Context, device mqtmodels.Device) (*mqtmodels.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.devices {
		if device.IPAddress != "" && existing.IPAddress == device.IPAddress {
			return nil, interfaces.ErrDeviceConflict
		}
	}

	s.nextDevice++
	device.ID = strconv.FormatInt(s.nextDevice, 10)
	device.CreatedAt = time.Now().UTC()
	device.UpdatedAt = nil
	s.devices[device.ID] = device
	return &device, nil
}

func (s *MemoryStore) GetDevice(_ context.Context, deviceID string) (*mqtmodels.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	device, ok := s.devices[deviceID]
	if !ok {
		return nil, interfaces.ErrDeviceNotFound
	}
	return &device, nil
}

func (s *MemoryStore) DeleteDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[deviceID]; !ok {
		return interfaces.ErrDeviceNotFound
	}
	delete(s.devices, deviceID)
	delete(s.readings, deviceID)
	return nil
}

func (s *MemoryStore) PersistReading(_ context.Context, reading mqtmodels.ValidatedReading) (mqtmodels.StoredReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.devices[reading.DeviceID]; !ok {
		return mqtmodels.StoredReading{}, interfaces.ErrDeviceNotFound
	}

	s.nextReading++
	stored := mqtmodels.StoredReading{
		ID:            strconv.FormatInt(s.nextReading, 10),
		DeviceID:      reading.DeviceID,
		SensorReading: reading.Reading,
		Timestamp:     reading.ReceivedAt.UTC(),
	}

	history := append(s.readings[reading.DeviceID], stored)
	if len(history) > s.maxReadings {
		history = append([]mqtmodels.StoredReading(nil), history[len(history)-s.maxReadings:]...)
	}
	s.readings[reading.DeviceID] = history
	return stored, nil
}

func (s *MemoryStore) ListReadingsByDevice(_ context.Context, deviceID string, limit int) ([]mqtmodels.StoredReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.readings[deviceID]
	limit = interfaces.ClampHistoryLimit(limit)
	if limit > len(history) {
		limit = len(history)
	}

	output := make([]mqtmodels.StoredReading, 0, limit)
	for i := len(history) - 1; i >= len(history)-limit; i-- {
		output = append(output, history[i])
	}
	return output, nil
}

func (s *MemoryStore) DeleteReadingsByDevice(_ context.Context, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readings, deviceID)
	return nil
}

// ReadingCount returns how many readings are held for a device.
func (s *MemoryStore) ReadingCount(deviceID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings[deviceID])
}
