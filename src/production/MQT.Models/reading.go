package mqtmodels

import (
	"encoding/json"
	"time"
)

// SensorReading holds the optional measurement fields a device may report.
// Measurements are kept as their textual form; nil means not reported.
type SensorReading struct {
	Temperature *string         `json:"temperature" db:"temperature"`
	Humidity    *string         `json:"humidity" db:"humidity"`
	Pressure    *string         `json:"pressure" db:"pressure"`
	Light       *string         `json:"light" db:"light"`
	Motion      *string         `json:"motion" db:"motion"`
	Distance    *string         `json:"distance" db:"distance"`
	CustomData  json.RawMessage `json:"custom_data" db:"custom_data"`
}

// IsEmpty reports whether no field was reported at all.
func (r SensorReading) IsEmpty() bool {
	return r.Temperature == nil && r.Humidity == nil && r.Pressure == nil &&
		r.Light == nil && r.Motion == nil && r.Distance == nil && len(r.CustomData) == 0
}

// ValidatedReading is a decoded payload for a device known to exist.
type ValidatedReading struct {
	DeviceID   string
	Reading    SensorReading
	ReceivedAt time.Time
}

// StoredReading is a durably recorded reading.
type StoredReading struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id"`
	SensorReading
	Timestamp time.Time `json:"timestamp"`
}
