package subscription

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
)

type fakeMember struct {
	id string
}

func (f *fakeMember) ID() string { return f.id }

func (f *fakeMember) Deliver(context.Context, mqtmodels.StoredReading) error { return nil }

func TestRegistry_MembersOfUnknownDeviceIsEmpty(t *testing.T) {
	r := NewRegistry()

	assert.Empty(t, r.MembersOf("9999"))
	assert.Zero(t, r.DeviceCount())
}

func TestRegistry_SubscribeAndSnapshot(t *testing.T) {
	r := NewRegistry()
	o1, o2 := &fakeMember{id: "o1"}, &fakeMember{id: "o2"}

	require.NoError(t, r.Subscribe("D1", o1))
	require.NoError(t, r.Subscribe("D1", o2))

	members := r.MembersOf("D1")
	assert.ElementsMatch(t, []Member{o1, o2}, members)
	assert.Equal(t, 1, r.DeviceCount())
	assert.Equal(t, 2, r.MemberCount())

	// snapshot is detached from later mutations
	r.Unsubscribe("D1", o1)
	assert.Len(t, members, 2)
	assert.Equal(t, []Member{o2}, r.MembersOf("D1"))
}

func TestRegistry_DoubleUnsubscribeRestoresPriorState(t *testing.T) {
	r := NewRegistry()
	existing := &fakeMember{id: "existing"}
	require.NoError(t, r.Subscribe("D1", existing))

	transient := &fakeMember{id: "transient"}
	require.NoError(t, r.Subscribe("D1", transient))
	r.Unsubscribe("D1", transient)
	r.Unsubscribe("D1", transient)

	assert.Equal(t, []Member{existing}, r.MembersOf("D1"))
	assert.Equal(t, 1, r.MemberCount())
}

func TestRegistry_EmptyDeviceKeyIsRemoved(t *testing.T) {
	r := NewRegistry()
	o := &fakeMember{id: "o"}

	require.NoError(t, r.Subscribe("D1", o))
	r.Unsubscribe("D1", o)

	assert.Zero(t, r.DeviceCount())
	assert.Zero(t, r.MemberCount())
	assert.Empty(t, r.MembersOf("D1"))
}

func TestRegistry_MemberWatchesOneDevice(t *testing.T) {
	r := NewRegistry()
	o := &fakeMember{id: "o"}

	require.NoError(t, r.Subscribe("D1", o))
	assert.ErrorIs(t, r.Subscribe("D2", o), ErrAlreadySubscribed)
	assert.Empty(t, r.MembersOf("D2"))

	// unsubscribing from the wrong device changes nothing
	r.Unsubscribe("D2", o)
	assert.Len(t, r.MembersOf("D1"), 1)

	r.Unsubscribe("D1", o)
	assert.NoError(t, r.Subscribe("D2", o), "member may move once released")
}

func TestRegistry_RejectsEmptyDevice(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Subscribe("", &fakeMember{id: "o"}), ErrEmptyDevice)
	assert.Zero(t, r.MemberCount())
}

func TestRegistry_ConcurrentChurnLeavesNoResidue(t *testing.T) {
	r := NewRegistry()
	const devices, perDevice = 8, 50

	var wg sync.WaitGroup
	for d := 0; d < devices; d++ {
		for i := 0; i < perDevice; i++ {
			wg.Add(1)
			go func(device string, member *fakeMember) {
				defer wg.Done()
				if err := r.Subscribe(device, member); err != nil {
					t.Errorf("subscribe: %v", err)
					return
				}
				_ = r.MembersOf(device)
				r.Unsubscribe(device, member)
				r.Unsubscribe(device, member)
			}(fmt.Sprintf("D%d", d), &fakeMember{id: fmt.Sprintf("D%d-o%d", d, i)})
		}
	}
	wg.Wait()

	assert.Zero(t, r.DeviceCount())
	assert.Zero(t, r.MemberCount())
}

func TestRegistry_ConcurrentSubscribesAreAllKept(t *testing.T) {
	r := NewRegistry()
	const n = 200

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Subscribe("D1", &fakeMember{id: fmt.Sprintf("o%d", i)})
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.MembersOf("D1"), n)
}
