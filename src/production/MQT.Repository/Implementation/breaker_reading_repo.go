package implementation

import (
	"context"
	"errors"
	"sync"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Models"
	interfaces "gitlab.com/maplesense1/mpt.live_telemetry/src/production/MQT.Repository/Interfaces"
)

// BreakerState represents the state of the circuit breaker
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerReadingRepository stops calling a failing store for resetTimeout
// after maxFailures consecutive write errors, then lets a single trial write through.
// It never retries a write.
type BreakerReadingRepository struct {
	inner        interfaces.ReadingRepository
	maxFailures  int
	resetTimeout time.Duration
	now          func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	openedAt     time.Time
	inTrial      bool
}

// NewBreakerReadingRepository creates a new breaker around inner. maxFailures <= 0 disables it.
func NewBreakerReadingRepository(inner interfaces.ReadingRepository, maxFailures int, resetTimeout time.Duration) *BreakerReadingRepository {
	return &BreakerReadingRepository{
		inner:        inner,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// State returns the current breaker state.
func (b *BreakerReadingRepository) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *BreakerReadingRepository) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.inTrial = true
		return true
	case StateHalfOpen:
		if b.inTrial {
			return false
		}
		b.inTrial = true
		return true
	default:
		return true
	}
}

func (b *BreakerReadingRepository) record(ctx context.Context, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inTrial = false
	// the caller gave up; that says nothing about the store either
	if err != nil && ctx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return
	}
	// a vanished device says nothing about store health
	if err == nil || errors.Is(err, interfaces.ErrDeviceNotFound) {
		b.failureCount = 0
		b.state = StateClosed
		return
	}

	b.failureCount++
	if b.state == StateHalfOpen || b.failureCount >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

func (b *BreakerReadingRepository) PersistReading(ctx context.Context, reading mqtmodels.ValidatedReading) (mqtmodels.StoredReading, error) {
	if b.maxFailures <= 0 {
		return b.inner.PersistReading(ctx, reading)
	}
	if !b.allow() {
		return mqtmodels.StoredReading{}, interfaces.ErrStoreUnavailable
	}
	stored, err := b.inner.PersistReading(ctx, reading)
	b.record(ctx, err)
	return stored, err
}

func (b *BreakerReadingRepository) ListReadingsByDevice(ctx context.Context, deviceID string, limit int) ([]mqtmodels.StoredReading, error) {
	return b.inner.ListReadingsByDevice(ctx, deviceID, limit)
}

func (b *BreakerReadingRepository) DeleteReadingsByDevice(ctx context.Context, deviceID string) error {
	return b.inner.DeleteReadingsByDevice(ctx, deviceID)
}
