package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

const (
	fieldTemperature = "temperature"
	fieldHumidity    = "humidity"
	fieldPressure    = "pressure"
	fieldLight       = "light"
	fieldMotion      = "motion"
	fieldDistance    = "distance"
	fieldCustomData  = "custom_data"
)

var allowedReadingKeys = map[string]struct{}{
	fieldTemperature: {},
	fieldHumidity:    {},
	fieldPressure:    {},
	fieldLight:       {},
	fieldMotion:      {},
	fieldDistance:    {},
	fieldCustomData:  {},
}

// Validator turns a raw payload into a ValidatedReading for an existing device.
type Validator struct {
	devices         interfaces.DeviceLookup
	maxPayloadBytes int64
	now             func() time.Time
}

// NewValidator creates a new validator that checks devices against the registry.
func NewValidator(devices interfaces.DeviceLookup, maxPayloadBytes int64) *Validator {
	return &Validator{devices: devices, maxPayloadBytes: maxPayloadBytes, now: time.Now}
}

// Validate decodes raw and checks that deviceID is registered. The payload is
// decoded first so a malformed submission never costs a lookup.
func (v *Validator) Validate(ctx context.Context, deviceID string, raw []byte) (mqtmodels.ValidatedReading, error) {
	if deviceID == "" {
		return mqtmodels.ValidatedReading{}, newDeviceNotFound(deviceID, nil)
	}
	if v.maxPayloadBytes > 0 && int64(len(raw)) > v.maxPayloadBytes {
		return mqtmodels.ValidatedReading{}, newMalformedPayload(deviceID,
			fmt.Sprintf("payload exceeds %d bytes", v.maxPayloadBytes), nil)
	}

	reading, err := DecodeReading(raw)
	if err != nil {
		return mqtmodels.ValidatedReading{}, newMalformedPayload(deviceID, "payload is not a valid reading", err)
	}

	exists, err := v.devices.DeviceExists(ctx, deviceID)
	if err != nil {
		return mqtmodels.ValidatedReading{}, newStorageFailure(deviceID, "device registry unavailable", err)
	}
	if !exists {
		return mqtmodels.ValidatedReading{}, newDeviceNotFound(deviceID, interfaces.ErrDeviceNotFound)
	}

	return mqtmodels.ValidatedReading{
		DeviceID:   deviceID,
		Reading:    reading,
		ReceivedAt: v.now().UTC(),
	}, nil
}

// DecodeReading parses one JSON object into a SensorReading. Every field is
// optional; measurements may be strings, numbers or booleans and are kept as
// text. custom_data must be an object or array, or a string holding one.
func DecodeReading(raw []byte) (mqtmodels.SensorReading, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return mqtmodels.SensorReading{}, errors.New("empty payload")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	var payload map[string]json.RawMessage
	if err := decoder.Decode(&payload); err != nil {
		return mqtmodels.SensorReading{}, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	if payload == nil {
		return mqtmodels.SensorReading{}, errors.New("payload must be a JSON object, got null")
	}
	if _, err := decoder.Token(); err != io.EOF {
		return mqtmodels.SensorReading{}, errors.New("unexpected data after payload object")
	}

	for key := range payload {
		if _, allowed := allowedReadingKeys[key]; !allowed {
			return mqtmodels.SensorReading{}, fmt.Errorf("unknown field: %s", key)
		}
	}

	var reading mqtmodels.SensorReading
	measurements := []struct {
		name   string
		target **string
	}{
		{fieldTemperature, &reading.Temperature},
		{fieldHumidity, &reading.Humidity},
		{fieldPressure, &reading.Pressure},
		{fieldLight, &reading.Light},
		{fieldMotion, &reading.Motion},
		{fieldDistance, &reading.Distance},
	}
	for _, m := range measurements {
		value, err := parseMeasurement(payload, m.name)
		if err != nil {
			return mqtmodels.SensorReading{}, err
		}
		*m.target = value
	}

	custom, err := parseCustomData(payload[fieldCustomData])
	if err != nil {
		return mqtmodels.SensorReading{}, err
	}
	reading.CustomData = custom

	return reading, nil
}

func parseMeasurement(payload map[string]json.RawMessage, name string) (*string, error) {
	raw, ok := payload[name]
	if !ok {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}

	var text string
	switch typed := value.(type) {
	case nil:
		return nil, nil
	case string:
		text = typed
	case json.Number:
		text = typed.String()
	case bool:
		text = strconv.FormatBool(typed)
	default:
		return nil, fmt.Errorf("field %s must be a string, number or boolean", name)
	}
	return &text, nil
}

func parseCustomData(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, fmt.Errorf("invalid custom_data: %w", err)
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			return nil, nil
		}
		trimmed = []byte(inner)
	}

	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, errors.New("custom_data must be a JSON object or array")
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, trimmed); err != nil {
		return nil, fmt.Errorf("custom_data is not well-formed JSON: %w", err)
	}
	return json.RawMessage(compacted.Bytes()), nil
}
