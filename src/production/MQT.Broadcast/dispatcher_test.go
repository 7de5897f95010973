package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	subscription "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Subscription"
)

type MockMember struct {
	mock.Mock
	id string
}

func (m *MockMember) ID() string { return m.id }

func (m *MockMember) Deliver(ctx context.Context, reading mqtmodels.StoredReading) error {
	args := m.Called(ctx, reading)
	return args.Error(0)
}

// blockingMember waits for its context, like an observer whose queue is full.
type blockingMember struct{ id string }

func (b *blockingMember) ID() string { return b.id }

func (b *blockingMember) Deliver(ctx context.Context, _ mqtmodels.StoredReading) error {
	<-ctx.Done()
	return ctx.Err()
}

type panickingMember struct{ id string }

func (p *panickingMember) ID() string { return p.id }

func (p *panickingMember) Deliver(context.Context, mqtmodels.StoredReading) error {
	panic("write on closed connection")
}

func newDispatcher(registry Membership) *Dispatcher {
	return NewDispatcher(registry, 50*time.Millisecond, 4, logger.NewNopLogger())
}

func reading(id string) mqtmodels.StoredReading {
	temp := "21.5"
	return mqtmodels.StoredReading{
		ID:            id,
		DeviceID:      "D1",
		SensorReading: mqtmodels.SensorReading{Temperature: &temp},
		Timestamp:     time.Now().UTC(),
	}
}

func TestBroadcast_NoObserversIsTrivial(t *testing.T) {
	d := newDispatcher(subscription.NewRegistry())

	report := d.Broadcast(context.Background(), "D1", reading("1"))

	assert.Equal(t, DeliveryReport{DeviceID: "D1", Attempted: 0, Failed: 0}, report)
}

func TestBroadcast_DeliversToEveryMember(t *testing.T) {
	registry := subscription.NewRegistry()
	r := reading("1")

	o1 := &MockMember{id: "o1"}
	o2 := &MockMember{id: "o2"}
	o1.On("Deliver", mock.Anything, r).Return(nil).Once()
	o2.On("Deliver", mock.Anything, r).Return(nil).Once()
	require.NoError(t, registry.Subscribe("D1", o1))
	require.NoError(t, registry.Subscribe("D1", o2))

	report := newDispatcher(registry).Broadcast(context.Background(), "D1", r)

	assert.Equal(t, 2, report.Attempted)
	assert.Zero(t, report.Failed)
	o1.AssertExpectations(t)
	o2.AssertExpectations(t)
	assert.Len(t, registry.MembersOf("D1"), 2)
}

func TestBroadcast_FailedMemberIsRemovedOthersStillServed(t *testing.T) {
	registry := subscription.NewRegistry()
	r := reading("2")

	healthy := &MockMember{id: "healthy"}
	broken := &MockMember{id: "broken"}
	healthy.On("Deliver", mock.Anything, r).Return(nil).Once()
	broken.On("Deliver", mock.Anything, r).Return(errors.New("connection reset")).Once()
	require.NoError(t, registry.Subscribe("D1", healthy))
	require.NoError(t, registry.Subscribe("D1", broken))

	report := newDispatcher(registry).Broadcast(context.Background(), "D1", r)

	assert.Equal(t, DeliveryReport{DeviceID: "D1", Attempted: 2, Failed: 1}, report)
	healthy.AssertExpectations(t)
	assert.Equal(t, []subscription.Member{healthy}, registry.MembersOf("D1"))
}

func TestBroadcast_SlowAndPanickingMembersAreContained(t *testing.T) {
	registry := subscription.NewRegistry()
	r := reading("3")

	healthy := &MockMember{id: "healthy"}
	healthy.On("Deliver", mock.Anything, r).Return(nil).Once()
	require.NoError(t, registry.Subscribe("D1", healthy))
	require.NoError(t, registry.Subscribe("D1", &blockingMember{id: "slow"}))
	require.NoError(t, registry.Subscribe("D1", &panickingMember{id: "panics"}))

	var report DeliveryReport
	assert.NotPanics(t, func() {
		report = newDispatcher(registry).Broadcast(context.Background(), "D1", r)
	})

	assert.Equal(t, 3, report.Attempted)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, []subscription.Member{healthy}, registry.MembersOf("D1"))
}

func TestBroadcast_AllFailedLeavesNoDeviceEntry(t *testing.T) {
	registry := subscription.NewRegistry()
	r := reading("4")

	for _, id := range []string{"a", "b", "c"} {
		m := &MockMember{id: id}
		m.On("Deliver", mock.Anything, r).Return(errors.New("closed"))
		require.NoError(t, registry.Subscribe("D1", m))
	}

	report := newDispatcher(registry).Broadcast(context.Background(), "D1", r)

	assert.Equal(t, 3, report.Failed)
	assert.Zero(t, registry.DeviceCount())
}

func TestBroadcast_ConcurrentWithUnsubscribe(t *testing.T) {
	registry := subscription.NewRegistry()
	d := newDispatcher(registry)

	members := make([]*MockMember, 20)
	for i := range members {
		members[i] = &MockMember{id: string(rune('a' + i))}
		members[i].On("Deliver", mock.Anything, mock.Anything).Return(nil).Maybe()
		require.NoError(t, registry.Subscribe("D1", members[i]))
	}

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *MockMember) {
			defer wg.Done()
			registry.Unsubscribe("D1", m)
		}(m)
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report := d.Broadcast(context.Background(), "D1", reading("c"))
			assert.Zero(t, report.Failed)
		}(i)
	}
	wg.Wait()

	assert.Zero(t, registry.DeviceCount())
}
