package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	broadcast "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Broadcast"
	logger "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Logger"
	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	implementation "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Implementation"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
	subscription "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Subscription"
)

type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) PersistReading(ctx context.Context, reading mqtmodels.ValidatedReading) (mqtmodels.StoredReading, error) {
	args := m.Called(ctx, reading)
	return args.Get(0).(mqtmodels.StoredReading), args.Error(1)
}

type MockBroadcaster struct {
	mock.Mock
}

func (m *MockBroadcaster) Broadcast(ctx context.Context, deviceID string, reading mqtmodels.StoredReading) broadcast.DeliveryReport {
	args := m.Called(ctx, deviceID, reading)
	return args.Get(0).(broadcast.DeliveryReport)
}

// recordingObserver collects what a subscribed connection would receive.
type recordingObserver struct {
	id       string
	mu       sync.Mutex
	received []mqtmodels.StoredReading
}

func (r *recordingObserver) ID() string { return r.id }

func (r *recordingObserver) Deliver(_ context.Context, reading mqtmodels.StoredReading) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, reading)
	return nil
}

func (r *recordingObserver) Received() []mqtmodels.StoredReading {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mqtmodels.StoredReading(nil), r.received...)
}

func existingDevices(ids ...string) *MockDeviceLookup {
	devices := new(MockDeviceLookup)
	for _, id := range ids {
		devices.On("DeviceExists", mock.Anything, id).Return(true, nil)
	}
	devices.On("DeviceExists", mock.Anything, mock.Anything).Return(false, nil)
	return devices
}

func TestIngest_UnknownDeviceNeverPersists(t *testing.T) {
	store := new(MockPersister)
	dispatcher := new(MockBroadcaster)
	gateway := NewGateway(NewValidator(existingDevices("1"), 1024), store, dispatcher, logger.NewNopLogger())

	_, err := gateway.Ingest(context.Background(), "9999", []byte(`{"temperature":"21.5"}`))

	require.Error(t, err)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, ReasonDeviceNotFound, rejection.Reason)
	assert.Equal(t, 404, rejection.HTTPStatus())
	store.AssertNotCalled(t, "PersistReading", mock.Anything, mock.Anything)
	dispatcher.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, uint64(1), gateway.Stats().RejectedDeviceNotFound)
}

func TestIngest_MalformedPayloadNeverPersists(t *testing.T) {
	store := new(MockPersister)
	dispatcher := new(MockBroadcaster)
	gateway := NewGateway(NewValidator(existingDevices("1"), 1024), store, dispatcher, logger.NewNopLogger())

	_, err := gateway.Ingest(context.Background(), "1", []byte(`{"temperature":`))

	assert.True(t, IsReason(err, ReasonMalformedPayload))
	store.AssertNotCalled(t, "PersistReading", mock.Anything, mock.Anything)
	assert.Equal(t, uint64(1), gateway.Stats().RejectedMalformed)
}

func TestIngest_PersistFailureNeverBroadcasts(t *testing.T) {
	store := new(MockPersister)
	dispatcher := new(MockBroadcaster)
	store.On("PersistReading", mock.Anything, mock.Anything).
		Return(mqtmodels.StoredReading{}, errors.New("disk full"))
	gateway := NewGateway(NewValidator(existingDevices("1"), 1024), store, dispatcher, logger.NewNopLogger())

	_, err := gateway.Ingest(context.Background(), "1", []byte(`{"temperature":"21.5"}`))

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, ReasonStorageFailure, rejection.Reason)
	assert.Equal(t, 503, rejection.HTTPStatus())
	dispatcher.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, uint64(1), gateway.Stats().RejectedStorage)
	assert.Zero(t, gateway.Stats().Accepted)
}

func TestIngest_DeviceRemovedBeforePersistIsNotFound(t *testing.T) {
	store := new(MockPersister)
	dispatcher := new(MockBroadcaster)
	store.On("PersistReading", mock.Anything, mock.Anything).
		Return(mqtmodels.StoredReading{}, interfaces.ErrDeviceNotFound)
	gateway := NewGateway(NewValidator(existingDevices("1"), 1024), store, dispatcher, logger.NewNopLogger())

	_, err := gateway.Ingest(context.Background(), "1", []byte(`{}`))

	assert.True(t, IsReason(err, ReasonDeviceNotFound))
	dispatcher.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything, mock.Anything)
}

func TestIngest_AcceptedReadingIsAckedAndBroadcast(t *testing.T) {
	store := new(MockPersister)
	dispatcher := new(MockBroadcaster)
	stamp := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	stored := mqtmodels.StoredReading{ID: "42", DeviceID: "1", Timestamp: stamp}

	store.On("PersistReading", mock.Anything, mock.MatchedBy(func(r mqtmodels.ValidatedReading) bool {
		return r.DeviceID == "1" && r.Reading.IsEmpty()
	})).Return(stored, nil).Once()
	dispatcher.On("Broadcast", mock.Anything, "1", stored).
		Return(broadcast.DeliveryReport{DeviceID: "1", Attempted: 3, Failed: 1}).Once()

	gateway := NewGateway(NewValidator(existingDevices("1"), 1024), store, dispatcher, logger.NewNopLogger())

	ack, err := gateway.Ingest(context.Background(), "1", []byte(`{}`))

	require.NoError(t, err)
	assert.Equal(t, Ack{ID: "42", DeviceID: "1", Timestamp: stamp}, ack)
	store.AssertExpectations(t)
	dispatcher.AssertExpectations(t)

	stats := gateway.Stats()
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(3), stats.BroadcastAttempted)
	assert.Equal(t, uint64(1), stats.BroadcastFailed)
}

func TestIngest_BroadcastSurvivesProducerCancellation(t *testing.T) {
	store := new(MockPersister)
	dispatcher := new(MockBroadcaster)
	stored := mqtmodels.StoredReading{ID: "7", DeviceID: "1", Timestamp: time.Now().UTC()}
	store.On("PersistReading", mock.Anything, mock.Anything).Return(stored, nil)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.On("Broadcast", mock.MatchedBy(func(c context.Context) bool {
		return c.Err() == nil
	}), "1", stored).Return(broadcast.DeliveryReport{DeviceID: "1"}).Once()

	devices := new(MockDeviceLookup)
	devices.On("DeviceExists", mock.Anything, "1").Return(true, nil).Run(func(mock.Arguments) {
		// the producer goes away while its reading is in flight
		cancel()
	})

	gateway := NewGateway(NewValidator(devices, 1024), store, dispatcher, logger.NewNopLogger())
	_, err := gateway.Ingest(ctx, "1", []byte(`{"light":"300"}`))

	require.NoError(t, err)
	dispatcher.AssertExpectations(t)
}

func TestIngest_NonRejectionValidatorErrorIsStorageFailure(t *testing.T) {
	gateway := NewGateway(failingValidator{}, new(MockPersister), new(MockBroadcaster), logger.NewNopLogger())

	_, err := gateway.Ingest(context.Background(), "1", []byte(`{}`))

	assert.True(t, IsReason(err, ReasonStorageFailure))
}

type failingValidator struct{}

func (failingValidator) Validate(context.Context, string, []byte) (mqtmodels.ValidatedReading, error) {
	return mqtmodels.ValidatedReading{}, errors.New("lookup timed out")
}

// End to end through the real registry, dispatcher and in-memory store.
func newPipeline(devices ...string) (*Gateway, *subscription.Registry, *implementation.MemoryStore) {
	store := implementation.NewMemoryStore(100, devices...)
	registry := subscription.NewRegistry()
	dispatcher := broadcast.NewDispatcher(registry, time.Second, 8, logger.NewNopLogger())
	return NewGateway(NewValidator(store, 1024), store, dispatcher, logger.NewNopLogger()), registry, store
}

func TestPipeline_ObserversOfSameDeviceReceiveReading(t *testing.T) {
	gateway, registry, store := newPipeline("1", "2")
	o1 := &recordingObserver{id: "o1"}
	o2 := &recordingObserver{id: "o2"}
	other := &recordingObserver{id: "other"}
	require.NoError(t, registry.Subscribe("1", o1))
	require.NoError(t, registry.Subscribe("1", o2))
	require.NoError(t, registry.Subscribe("2", other))

	ack, err := gateway.Ingest(context.Background(), "1", []byte(`{"temperature":"21.5"}`))
	require.NoError(t, err)

	for _, o := range []*recordingObserver{o1, o2} {
		received := o.Received()
		require.Len(t, received, 1)
		assert.Equal(t, ack.ID, received[0].ID)
		assert.Equal(t, "21.5", *received[0].Temperature)
	}
	assert.Empty(t, other.Received())
	assert.Equal(t, 1, store.ReadingCount("1"))
}

func TestPipeline_UnknownDeviceLeavesNoTrace(t *testing.T) {
	gateway, registry, store := newPipeline("1")
	o := &recordingObserver{id: "o"}
	require.NoError(t, registry.Subscribe("1", o))

	_, err := gateway.Ingest(context.Background(), "9999", []byte(`{"temperature":"21.5"}`))

	assert.True(t, IsReason(err, ReasonDeviceNotFound))
	assert.Zero(t, store.ReadingCount("9999"))
	assert.Empty(t, o.Received())
}

func TestPipeline_ProducerOrderIsPreserved(t *testing.T) {
	gateway, registry, _ := newPipeline("1")
	o := &recordingObserver{id: "o"}
	require.NoError(t, registry.Subscribe("1", o))

	var acks []string
	for _, payload := range []string{`{"distance":1}`, `{"distance":2}`, `{"distance":3}`} {
		ack, err := gateway.Ingest(context.Background(), "1", []byte(payload))
		require.NoError(t, err)
		acks = append(acks, ack.ID)
	}

	received := o.Received()
	require.Len(t, received, 3)
	for i, r := range received {
		assert.Equal(t, acks[i], r.ID)
	}
}
