package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/labcell/internal/core"
)

// fakeClock lets tests step time without sleeping.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, recovery time.Duration, probes int) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b := New("test", Options{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		HalfOpenMaxCalls: probes,
	})
	b.now = clock.now
	return b, clock
}

var errBoom = errors.New("boom")

func fail(ctx context.Context) error { return errBoom }
func ok(ctx context.Context) error   { return nil }

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, b.Call(ctx, fail), errBoom)
		assert.Equal(t, Closed, b.State())
	}
	require.ErrorIs(t, b.Call(ctx, fail), errBoom)
	assert.Equal(t, Open, b.State())

	// Open rejects without invoking the function.
	called := false
	err := b.Call(ctx, func(ctx context.Context) error { called = true; return nil })
	assert.True(t, core.IsKind(err, core.KindBreakerOpen))
	assert.False(t, called)
}

func TestBreakerRecoveryWindow(t *testing.T) {
	b, clock := newTestBreaker(3, time.Second, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail)
	}
	require.Equal(t, Open, b.State())

	clock.advance(500 * time.Millisecond)
	err := b.Call(ctx, ok)
	assert.True(t, core.IsKind(err, core.KindBreakerOpen), "rejected before recovery timeout")

	clock.advance(600 * time.Millisecond) // 1.1s since last failure
	require.NoError(t, b.Call(ctx, ok))
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreakerHalfOpenClosesAfterProbes(t *testing.T) {
	b, clock := newTestBreaker(3, time.Second, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.advance(2 * time.Second)

	require.NoError(t, b.Call(ctx, ok))
	require.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Call(ctx, ok))
	require.Equal(t, HalfOpen, b.State())
	require.NoError(t, b.Call(ctx, ok))
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(3, time.Second, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, fail)
	}
	clock.advance(2 * time.Second)

	require.NoError(t, b.Call(ctx, ok))
	require.Equal(t, HalfOpen, b.State())
	require.ErrorIs(t, b.Call(ctx, fail), errBoom)
	assert.Equal(t, Open, b.State())
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second, 3)
	ctx := context.Background()

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	require.NoError(t, b.Call(ctx, ok))
	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	assert.Equal(t, Closed, b.State(), "streak reset by success")
	_ = b.Call(ctx, fail)
	assert.Equal(t, Open, b.State())
}

func TestBreakerForceOperationsIdempotent(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second, 3)

	b.ForceOpen()
	assert.Equal(t, Open, b.State())
	changes := b.Snapshot().StateChanges
	b.ForceOpen()
	assert.Equal(t, changes, b.Snapshot().StateChanges, "repeat force-open is a no-op")

	b.ForceClose()
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Snapshot().ConsecutiveFailures)
	changes = b.Snapshot().StateChanges
	b.ForceClose()
	assert.Equal(t, changes, b.Snapshot().StateChanges)
}

func TestBreakerFailureClassifier(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	b := New("classified", Options{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Second,
		HalfOpenMaxCalls: 1,
		IsFailure: func(err error) bool {
			return !core.IsKind(err, core.KindValidation)
		},
	})
	b.now = clock.now
	ctx := context.Background()

	// Validation errors pass through but never trip the breaker.
	vErr := core.NewValidationError("bad input")
	for i := 0; i < 5; i++ {
		require.Error(t, b.Call(ctx, func(ctx context.Context) error { return vErr }))
	}
	assert.Equal(t, Closed, b.State())

	_ = b.Call(ctx, fail)
	_ = b.Call(ctx, fail)
	assert.Equal(t, Open, b.State())
}

func TestBreakerStats(t *testing.T) {
	b, _ := newTestBreaker(5, time.Second, 3)
	ctx := context.Background()

	require.NoError(t, b.Call(ctx, ok))
	_ = b.Call(ctx, fail)

	stats := b.Snapshot()
	assert.Equal(t, int64(2), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessfulRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.Equal(t, 1, stats.ConsecutiveFailures)
	assert.InDelta(t, 50.0, stats.SuccessRate(), 0.01)
	require.NotNil(t, stats.LastFailureTime)
	require.NotNil(t, stats.LastSuccessTime)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a, _ := newTestBreaker(3, time.Second, 3)
	r.Register(a)

	b := New("second", Options{})
	r.Register(b)

	assert.Same(t, a, r.Get("test"))
	assert.Nil(t, r.Get("missing"))

	r.ForceOpenAll()
	assert.Equal(t, Open, a.State())
	assert.Equal(t, Open, b.State())

	r.ForceCloseAll()
	assert.Equal(t, Closed, a.State())

	status := r.AllStatus()
	assert.Len(t, status, 2)
	assert.Equal(t, "closed", status["test"]["state"])
}
