// Package ingestion turns raw device payloads into stored readings and hands them to the broadcaster.
package ingestion

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	broadcast "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Broadcast"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

// ReadingValidator checks a raw submission for a device.
type ReadingValidator interface {
	Validate(ctx context.Context, deviceID string, raw []byte) (mqtmodels.ValidatedReading, error)
}

// ReadingPersister durably records a validated reading.
type ReadingPersister interface {
	PersistReading(ctx context.Context, reading mqtmodels.ValidatedReading) (mqtmodels.StoredReading, error)
}

// Broadcaster fans a stored reading out to the device's observers.
type Broadcaster interface {
	Broadcast(ctx context.Context, deviceID string, reading mqtmodels.StoredReading) broadcast.DeliveryReport
}

// Ack is returned to the producer once a reading is durable.
type Ack struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a point-in-time copy of the gateway counters.
type Stats struct {
	Received               uint64
	Accepted               uint64
	RejectedDeviceNotFound uint64
	RejectedMalformed      uint64
	RejectedStorage        uint64
	BroadcastAttempted     uint64
	BroadcastFailed        uint64
}

type gatewayCounters struct {
	received           atomic.Uint64
	accepted           atomic.Uint64
	deviceNotFound     atomic.Uint64
	malformed          atomic.Uint64
	storage            atomic.Uint64
	broadcastAttempted atomic.Uint64
	broadcastFailed    atomic.Uint64
}

// Gateway drives one submission through validate, persist and broadcast.
// Every producer path (HTTP, device stream, MQTT) goes through Ingest.
type Gateway struct {
	validator  ReadingValidator
	store      ReadingPersister
	dispatcher Broadcaster
	logger     *logger.Logger
	counters   gatewayCounters
}

// NewGateway creates a new ingestion gateway.
func NewGateway(validator ReadingValidator, store ReadingPersister, dispatcher Broadcaster, log *logger.Logger) *Gateway {
	return &Gateway{
		validator:  validator,
		store:      store,
		dispatcher: dispatcher,
		logger:     log.WithComponent("ingestion_gateway"),
	}
}

// Ingest accepts one raw payload for deviceID. It returns an Ack once the
// reading is stored; broadcast results never turn an accepted reading into
// a failure. Errors are always *RejectionError.
func (g *Gateway) Ingest(ctx context.Context, deviceID string, raw []byte) (Ack, error) {
	g.counters.received.Add(1)

	validated, err := g.validator.Validate(ctx, deviceID, raw)
	if err != nil {
		return Ack{}, g.reject(deviceID, err)
	}

	stored, err := g.store.PersistReading(ctx, validated)
	if err != nil {
		if errors.Is(err, interfaces.ErrDeviceNotFound) {
			return Ack{}, g.reject(deviceID, newDeviceNotFound(deviceID, err))
		}
		return Ack{}, g.reject(deviceID, newStorageFailure(deviceID, "reading could not be stored", err))
	}
	g.counters.accepted.Add(1)

	// The reading is durable; a producer hanging up now must not cut the fan-out short.
	report := g.dispatcher.Broadcast(context.WithoutCancel(ctx), deviceID, stored)
	g.counters.broadcastAttempted.Add(uint64(report.Attempted))
	g.counters.broadcastFailed.Add(uint64(report.Failed))

	g.logger.Logger.Debug().
		Str("device_id", deviceID).
		Str("reading_id", stored.ID).
		Int("observers", report.Attempted).
		Int("failed", report.Failed).
		Msg("reading accepted")

	return Ack{ID: stored.ID, DeviceID: stored.DeviceID, Timestamp: stored.Timestamp}, nil
}

func (g *Gateway) reject(deviceID string, err error) error {
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		rejection = newStorageFailure(deviceID, "ingestion failed", err)
	}

	switch rejection.Reason {
	case ReasonDeviceNotFound:
		g.counters.deviceNotFound.Add(1)
	case ReasonMalformedPayload:
		g.counters.malformed.Add(1)
	default:
		g.counters.storage.Add(1)
	}

	event := g.logger.Logger.Info()
	if rejection.Reason == ReasonStorageFailure {
		event = g.logger.Logger.Warn()
	}
	event.Err(rejection).Str("device_id", deviceID).Str("reason", string(rejection.Reason)).Msg("reading rejected")

	return rejection
}

// Stats returns the current counters.
func (g *Gateway) Stats() Stats {
	return Stats{
		Received:               g.counters.received.Load(),
		Accepted:               g.counters.accepted.Load(),
		RejectedDeviceNotFound: g.counters.deviceNotFound.Load(),
		RejectedMalformed:      g.counters.malformed.Load(),
		RejectedStorage:        g.counters.storage.Load(),
		BroadcastAttempted:     g.counters.broadcastAttempted.Load(),
		BroadcastFailed:        g.counters.broadcastFailed.Load(),
	}
}
