// Package broadcast fans accepted readings out to the observers watching their device.
package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	subscription "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Subscription"
	"golang.org/x/sync/errgroup"
)

// Membership is the part of the subscription registry the dispatcher uses.
type Membership interface {
	MembersOf(deviceID string) []subscription.Member
	Unsubscribe(deviceID string, member subscription.Member)
}

// DeliveryReport summarises one broadcast. It is informational only.
type DeliveryReport struct {
	DeviceID  string `json:"device_id"`
	Attempted int    `json:"attempted"`
	Failed    int    `json:"failed"`
}

// Dispatcher fans a stored reading out to a device's current members.
type Dispatcher struct {
	registry        Membership
	deliveryTimeout time.Duration
	parallelism     int
	logger          *logger.Logger
}

// NewDispatcher creates a new dispatcher over registry. parallelism <= 0 leaves deliveries unbounded.
func NewDispatcher(registry Membership, deliveryTimeout time.Duration, parallelism int, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		registry:        registry,
		deliveryTimeout: deliveryTimeout,
		parallelism:     parallelism,
		logger:          log.WithComponent("broadcast_dispatcher"),
	}
}

// Broadcast delivers reading to every member subscribed when the call starts.
// Members that fail are unsubscribed; failures never reach the caller.
func (d *Dispatcher) Broadcast(ctx context.Context, deviceID string, reading mqtmodels.StoredReading) DeliveryReport {
	members := d.registry.MembersOf(deviceID)
	report := DeliveryReport{DeviceID: deviceID, Attempted: len(members)}
	if len(members) == 0 {
		return report
	}

	var failed atomic.Int64
	var group errgroup.Group
	if d.parallelism > 0 {
		group.SetLimit(d.parallelism)
	}

	for _, member := range members {
		group.Go(func() error {
			if err := d.deliver(ctx, member, reading); err != nil {
				failed.Add(1)
				d.registry.Unsubscribe(deviceID, member)
				d.logger.Logger.Debug().
					Err(err).
					Str("device_id", deviceID).
					Str("conn_id", member.ID()).
					Msg("delivery failed, observer removed")
			}
			// never cancel sibling deliveries
			return nil
		})
	}
	_ = group.Wait()

	report.Failed = int(failed.Load())
	if report.Failed > 0 {
		d.logger.Logger.Info().
			Str("device_id", deviceID).
			Int("attempted", report.Attempted).
			Int("failed", report.Failed).
			Msg("broadcast completed with failures")
	}
	return report
}

func (d *Dispatcher) deliver(ctx context.Context, member subscription.Member, reading mqtmodels.StoredReading) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panicked: %v", r)
		}
	}()

	if d.deliveryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.deliveryTimeout)
		defer cancel()
	}
	return member.Deliver(ctx, reading)
}
