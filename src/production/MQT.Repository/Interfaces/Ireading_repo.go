package interfaces

import (
	"context"
	"errors"

	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
)

// ErrStoreUnavailable is returned while the reading store is refusing writes.
var ErrStoreUnavailable = errors.New("reading store unavailable")

// History limits for ListReadingsByDevice.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

type ReadingRepository interface {
	// PersistReading durably records one reading and returns it with its
	// generated id. ErrDeviceNotFound means the owning device vanished.
	PersistReading(ctx context.Context, reading mqtmodels.ValidatedReading) (mqtmodels.StoredReading, error)

	// ListReadingsByDevice returns the newest readings first.
	ListReadingsByDevice(ctx context.Context, deviceID string, limit int) ([]mqtmodels.StoredReading, error)

	DeleteReadingsByDevice(ctx context.Context, deviceID string) error
}

// ClampHistoryLimit maps a requested limit into the supported range.
func ClampHistoryLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultHistoryLimit
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return limit
	}
}
