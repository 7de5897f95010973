package interfaces

import (
	"context"
	"errors"

	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
)

var (
	// ErrDeviceNotFound is returned when a device identity does not resolve.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrDeviceConflict is returned when a device with the same address already exists.
	ErrDeviceConflict = errors.New("device already exists")
)

// DeviceLookup answers whether a device identity is registered.
type DeviceLookup interface {
	DeviceExists(ctx context.Context, deviceID string) (bool, error)
}

type DeviceRepository interface {
	DeviceLookup

	CreateDevice(ctx context.Context, device mqtmodels.Device) (*mqtmodels.Device, error)
	GetDevice(ctx context.Context, deviceID string) (*mqtmodels.Device, error)

	// DeleteDevice removes the device; ErrDeviceNotFound if it was never there.
	DeleteDevice(ctx context.Context, deviceID string) error
}
