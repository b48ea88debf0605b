package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/labcell/internal/core"
)

func newTestManager() *Manager {
	return NewManager(time.Second, time.Minute)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, Request{ResourceID: "carousel", HolderID: "meca"})
	require.NoError(t, err)
	assert.Equal(t, "meca", m.Holder("carousel"))

	release()
	assert.Empty(t, m.Holder("carousel"))
	assert.Empty(t, m.AllLocks())

	// Double release is harmless.
	release()
	assert.Empty(t, m.AllLocks())
}

func TestExclusiveContention(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, Request{ResourceID: "carousel", HolderID: "meca"})
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(ctx, Request{
		ResourceID:  "carousel",
		HolderID:    "wiper",
		WaitTimeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindLockTimeout))

	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "meca", ce.Context["holder_id"], "timeout carries current holder")
}

func TestSameHolderReacquireIdempotent(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	r1, err := m.Acquire(ctx, Request{ResourceID: "carousel", HolderID: "meca"})
	require.NoError(t, err)
	r2, err := m.Acquire(ctx, Request{ResourceID: "carousel", HolderID: "meca", WaitTimeout: 10 * time.Millisecond})
	require.NoError(t, err, "nested reacquire by the same holder succeeds")
	r2()
	r1()
}

func TestWaiterWokenOnRelease(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, Request{ResourceID: "photogate", HolderID: "a"})
	require.NoError(t, err)

	got := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := m.Acquire(ctx, Request{ResourceID: "photogate", HolderID: "b", WaitTimeout: 2 * time.Second})
		if err == nil {
			defer r()
		}
		got <- err
	}()

	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()
	require.NoError(t, <-got)
}

func TestSharedCompatibility(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	r1, err := m.Acquire(ctx, Request{ResourceID: "tray", HolderID: "a", Mode: Shared})
	require.NoError(t, err)
	r2, err := m.Acquire(ctx, Request{ResourceID: "tray", HolderID: "b", Mode: Shared})
	require.NoError(t, err, "shared holders coexist")

	// Exclusive must wait for all shared holders.
	_, err = m.Acquire(ctx, Request{
		ResourceID: "tray", HolderID: "c", Mode: Exclusive, WaitTimeout: 50 * time.Millisecond,
	})
	assert.True(t, core.IsKind(err, core.KindLockTimeout))

	r1()
	r2()
	r3, err := m.Acquire(ctx, Request{ResourceID: "tray", HolderID: "c", Mode: Exclusive, WaitTimeout: time.Second})
	require.NoError(t, err)
	r3()
}

func TestSharedBlockedByExclusive(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	release, err := m.Acquire(ctx, Request{ResourceID: "tray", HolderID: "a"})
	require.NoError(t, err)
	defer release()

	_, err = m.Acquire(ctx, Request{
		ResourceID: "tray", HolderID: "b", Mode: Shared, WaitTimeout: 50 * time.Millisecond,
	})
	assert.True(t, core.IsKind(err, core.KindLockTimeout))
}

func TestLeaseExpiry(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{
		ResourceID:    "carousel",
		HolderID:      "meca",
		LeaseDuration: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	// A second holder gets the lock once the lease lapses, without any
	// explicit release.
	r, err := m.Acquire(ctx, Request{
		ResourceID:  "carousel",
		HolderID:    "wiper",
		WaitTimeout: time.Second,
	})
	require.NoError(t, err)
	r()
}

func TestSweeperRemovesExpired(t *testing.T) {
	m := NewManager(time.Second, time.Minute)
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{
		ResourceID:    "carousel",
		HolderID:      "meca",
		LeaseDuration: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.sweepOnce(time.Now())
	assert.Empty(t, m.AllLocks())
}

func TestForceRelease(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{ResourceID: "carousel", HolderID: "meca"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		r, err := m.Acquire(ctx, Request{ResourceID: "carousel", HolderID: "wiper", WaitTimeout: 2 * time.Second})
		if err == nil {
			r()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	m.ForceRelease("carousel")
	require.NoError(t, <-done, "waiter is granted after force release")
}

func TestValidation(t *testing.T) {
	m := newTestManager()
	ctx := context.Background()

	_, err := m.Acquire(ctx, Request{ResourceID: "", HolderID: "x"})
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, err = m.Acquire(ctx, Request{ResourceID: "r", HolderID: ""})
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, err = m.Acquire(ctx, Request{ResourceID: "r", HolderID: "x", WaitTimeout: -time.Second})
	assert.True(t, core.IsKind(err, core.KindValidation))
}
