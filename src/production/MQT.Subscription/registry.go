// Package subscription tracks which observer connections are watching which device.
package subscription

import (
	"context"
	"errors"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
)

var (
	ErrEmptyDevice       = errors.New("device identity is empty")
	ErrAlreadySubscribed = errors.New("connection is already subscribed")
)

// Member is one live observer connection.
type Member interface {
	// ID is unique per connection for the lifetime of the process.
	ID() string
	Deliver(ctx context.Context, reading mqtmodels.StoredReading) error
}

type bucket struct {
	mu      sync.RWMutex
	members map[string]Member
}

// Registry maps device identities to their current members. Buckets are
// spread over concurrent-map shards and every mutation of a bucket happens
// inside its shard's lock, so a device key exists only while it has members.
type Registry struct {
	devices cmap.ConcurrentMap[string, *bucket]
	owners  cmap.ConcurrentMap[string, string] // member id -> device id
}

// NewRegistry creates a new empty subscription registry.
func NewRegistry() *Registry {
	return &Registry{
		devices: cmap.New[*bucket](),
		owners:  cmap.New[string](),
	}
}

// Subscribe adds member under deviceID. A member watches at most one device.
func (r *Registry) Subscribe(deviceID string, member Member) error {
	if deviceID == "" {
		return ErrEmptyDevice
	}
	if !r.owners.SetIfAbsent(member.ID(), deviceID) {
		return ErrAlreadySubscribed
	}

	r.devices.Upsert(deviceID, nil, func(exists bool, current *bucket, _ *bucket) *bucket {
		if !exists {
			current = &bucket{members: make(map[string]Member, 1)}
		}
		current.mu.Lock()
		current.members[member.ID()] = member
		current.mu.Unlock()
		return current
	})
	return nil
}

// Unsubscribe removes member from deviceID. Removing an absent member is a no-op.
func (r *Registry) Unsubscribe(deviceID string, member Member) {
	id := member.ID()
	removed := false

	r.devices.RemoveCb(deviceID, func(_ string, current *bucket, exists bool) bool {
		if !exists {
			return false
		}
		current.mu.Lock()
		defer current.mu.Unlock()
		if _, ok := current.members[id]; ok {
			delete(current.members, id)
			removed = true
		}
		return len(current.members) == 0
	})

	if removed {
		r.owners.RemoveCb(id, func(_ string, owner string, exists bool) bool {
			return exists && owner == deviceID
		})
	}
}

// MembersOf returns a snapshot of deviceID's members; empty for unknown devices.
func (r *Registry) MembersOf(deviceID string) []Member {
	current, ok := r.devices.Get(deviceID)
	if !ok {
		return nil
	}

	current.mu.RLock()
	defer current.mu.RUnlock()
	snapshot := make([]Member, 0, len(current.members))
	for _, member := range current.members {
		snapshot = append(snapshot, member)
	}
	return snapshot
}

// DeviceCount is the number of devices with at least one member.
func (r *Registry) DeviceCount() int {
	return r.devices.Count()
}

// MemberCount is the number of subscribed connections across all devices.
func (r *Registry) MemberCount() int {
	return r.owners.Count()
}
