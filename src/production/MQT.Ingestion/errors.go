package ingestion

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is the stable rejection code a producer can branch on.
type Reason string

const (
	ReasonDeviceNotFound   Reason = "DEVICE_NOT_FOUND"
	ReasonMalformedPayload Reason = "MALFORMED_PAYLOAD"
	ReasonStorageFailure   Reason = "STORAGE_FAILURE"
)

// RejectionError reports why one submission was refused.
type RejectionError struct {
	Reason   Reason
	DeviceID string
	Message  string
	err      error
}

func (e *RejectionError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *RejectionError) Unwrap() error {
	return e.err
}

// HTTPStatus maps the reason onto the single-shot submit response code.
func (e *RejectionError) HTTPStatus() int {
	switch e.Reason {
	case ReasonDeviceNotFound:
		return http.StatusNotFound
	case ReasonMalformedPayload:
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

// NewRejection builds a rejection reported by another component, such as a
// remote API answering for the device.
func NewRejection(reason Reason, deviceID, message string) *RejectionError {
	return &RejectionError{Reason: reason, DeviceID: deviceID, Message: message}
}

func newDeviceNotFound(deviceID string, err error) *RejectionError {
	return &RejectionError{
		Reason:   ReasonDeviceNotFound,
		DeviceID: deviceID,
		Message:  fmt.Sprintf("device %q does not exist", deviceID),
		err:      err,
	}
}

func newMalformedPayload(deviceID, message string, err error) *RejectionError {
	return &RejectionError{Reason: ReasonMalformedPayload, DeviceID: deviceID, Message: message, err: err}
}

func newStorageFailure(deviceID, message string, err error) *RejectionError {
	return &RejectionError{Reason: ReasonStorageFailure, DeviceID: deviceID, Message: message, err: err}
}

// ReasonOf extracts the rejection reason from err, if it carries one.
func ReasonOf(err error) (Reason, bool) {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection.Reason, true
	}
	return "", false
}

// IsReason reports whether err is a rejection with the given reason.
func IsReason(err error, reason Reason) bool {
	r, ok := ReasonOf(err)
	return ok && r == reason
}
