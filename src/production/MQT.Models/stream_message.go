package mqtmodels

import "time"

// Message types exchanged over the WebSocket streams.
const (
	MessageSensorUpdate = "sensor_update"
	MessagePing         = "ping"
	MessagePong         = "pong"
	MessageAck          = "ack"
	MessageError        = "error"
)

// StreamMessage is the envelope for every server-to-client WebSocket frame.
type StreamMessage struct {
	Type      string         `json:"type"`
	DeviceID  string         `json:"device_id,omitempty"`
	Data      *StoredReading `json:"data,omitempty"`
	ID        string         `json:"id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// NewSensorUpdate wraps a stored reading for observers.
func NewSensorUpdate(reading StoredReading) StreamMessage {
	return StreamMessage{Type: MessageSensorUpdate, DeviceID: reading.DeviceID, Data: &reading}
}

// NewAck acknowledges one accepted submission.
func NewAck(id, deviceID string, ts time.Time) StreamMessage {
	return StreamMessage{Type: MessageAck, ID: id, DeviceID: deviceID, Timestamp: &ts}
}

// NewRejection reports one refused submission inline.
func NewRejection(deviceID, reason, message string) StreamMessage {
	return StreamMessage{Type: MessageError, DeviceID: deviceID, Reason: reason, Error: message}
}

// Pong answers a client keepalive.
func Pong() StreamMessage {
	return StreamMessage{Type: MessagePong}
}
