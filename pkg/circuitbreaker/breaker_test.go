package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProvider = errors.New("provider down")

func newTestBreaker(clock *time.Time) *CircuitBreaker {
	cb := NewCircuitBreaker("test", Config{
		MaxRequests:      1,
		Timeout:          10 * time.Second,
		FailureThreshold: 2,
		SuccessThreshold: 1,
	})
	cb.now = func() time.Time { return *clock }
	return cb
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := cb.Execute(ctx, func() error { return errProvider })
		require.ErrorIs(t, err, errProvider)
	}

	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errProvider })
	_ = cb.Execute(ctx, func() error { return errProvider })
	require.Equal(t, StateOpen, cb.State())

	clock = clock.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CancellationDoesNotTrip(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, func() error { return context.Canceled })
	}

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(5), cb.Counts().TotalSuccesses)
}

func TestCircuitBreaker_SkipsWhenContextDone(t *testing.T) {
	clock := time.Unix(1_700_000_000, 0)
	cb := newTestBreaker(&clock)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
