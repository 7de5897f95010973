package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockDeviceLookup struct {
	mock.Mock
}

func (m *MockDeviceLookup) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	args := m.Called(ctx, deviceID)
	return args.Bool(0), args.Error(1)
}

func TestDecodeReading_NormalizesMeasurements(t *testing.T) {
	reading, err := DecodeReading([]byte(`{"temperature":"21.5","humidity":40,"pressure":1013.25,"motion":true,"light":null}`))
	require.NoError(t, err)

	assert.Equal(t, "21.5", *reading.Temperature)
	assert.Equal(t, "40", *reading.Humidity)
	assert.Equal(t, "1013.25", *reading.Pressure)
	assert.Equal(t, "true", *reading.Motion)
	assert.Nil(t, reading.Light)
	assert.Nil(t, reading.Distance)
	assert.Nil(t, reading.CustomData)
}

func TestDecodeReading_EmptyObjectIsValid(t *testing.T) {
	reading, err := DecodeReading([]byte(`{}`))
	require.NoError(t, err)
	assert.True(t, reading.IsEmpty())
}

func TestDecodeReading_CustomData(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
		wantErr bool
	}{
		{name: "object", payload: `{"custom_data": {"rssi": -61, "fw": "1.2"}}`, want: `{"rssi":-61,"fw":"1.2"}`},
		{name: "array", payload: `{"custom_data": [1, 2, 3]}`, want: `[1,2,3]`},
		{name: "double encoded object", payload: `{"custom_data": "{\"rssi\": -61}"}`, want: `{"rssi":-61}`},
		{name: "null", payload: `{"custom_data": null}`, want: ""},
		{name: "empty string", payload: `{"custom_data": ""}`, want: ""},
		{name: "plain string", payload: `{"custom_data": "hello"}`, wantErr: true},
		{name: "broken inner json", payload: `{"custom_data": "{\"rssi\": "}`, wantErr: true},
		{name: "number", payload: `{"custom_data": 5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reading, err := DecodeReading([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(reading.CustomData))
		})
	}
}

func TestDecodeReading_RejectsMalformedStructure(t *testing.T) {
	payloads := map[string]string{
		"empty body":       ``,
		"not json":         `temperature=21`,
		"array":            `[{"temperature": 1}]`,
		"null":             `null`,
		"unknown field":    `{"temp": 21}`,
		"nested value":     `{"temperature": {"c": 21}}`,
		"trailing garbage": `{"temperature": 21} {"humidity": 3}`,
		"truncated":        `{"temperature": 21`,
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeReading([]byte(payload))
			assert.Error(t, err)
		})
	}
}

func TestValidate_UnknownDevice(t *testing.T) {
	devices := new(MockDeviceLookup)
	devices.On("DeviceExists", mock.Anything, "9999").Return(false, nil)

	_, err := NewValidator(devices, 1024).Validate(context.Background(), "9999", []byte(`{"temperature":"21.5"}`))

	assert.True(t, IsReason(err, ReasonDeviceNotFound))
	devices.AssertExpectations(t)
}

func TestValidate_MalformedSkipsLookup(t *testing.T) {
	devices := new(MockDeviceLookup)

	_, err := NewValidator(devices, 1024).Validate(context.Background(), "1", []byte(`{"custom_data": "nope"}`))

	assert.True(t, IsReason(err, ReasonMalformedPayload))
	devices.AssertNotCalled(t, "DeviceExists", mock.Anything, mock.Anything)
}

func TestValidate_OversizedPayload(t *testing.T) {
	devices := new(MockDeviceLookup)

	_, err := NewValidator(devices, 8).Validate(context.Background(), "1", []byte(`{"temperature":"21.5"}`))

	assert.True(t, IsReason(err, ReasonMalformedPayload))
}

func TestValidate_EmptyDeviceIdentity(t *testing.T) {
	devices := new(MockDeviceLookup)

	_, err := NewValidator(devices, 1024).Validate(context.Background(), "", []byte(`{}`))

	assert.True(t, IsReason(err, ReasonDeviceNotFound))
	devices.AssertNotCalled(t, "DeviceExists", mock.Anything, mock.Anything)
}

func TestValidate_LookupErrorIsStorageFailure(t *testing.T) {
	devices := new(MockDeviceLookup)
	lookupErr := errors.New("connection refused")
	devices.On("DeviceExists", mock.Anything, "1").Return(false, lookupErr)

	_, err := NewValidator(devices, 1024).Validate(context.Background(), "1", []byte(`{}`))

	assert.True(t, IsReason(err, ReasonStorageFailure))
	assert.ErrorIs(t, err, lookupErr)
}

func TestValidate_StampsAcceptanceTime(t *testing.T) {
	devices := new(MockDeviceLookup)
	devices.On("DeviceExists", mock.Anything, "1").Return(true, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	v := NewValidator(devices, 1024)
	v.now = func() time.Time { return fixed }

	validated, err := v.Validate(context.Background(), "1", []byte(`{"distance": 12}`))
	require.NoError(t, err)

	assert.Equal(t, "1", validated.DeviceID)
	assert.Equal(t, "12", *validated.Reading.Distance)
	assert.Equal(t, fixed.UTC(), validated.ReceivedAt)
}
