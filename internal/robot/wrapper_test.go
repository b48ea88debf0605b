package robot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
)

// fakeDriver counts status reads and lets tests control latency.
type fakeDriver struct {
	statusCalls atomic.Int64
	connected   atomic.Bool
}

func (f *fakeDriver) Connect(ctx context.Context) error    { f.connected.Store(true); return nil }
func (f *fakeDriver) Disconnect(ctx context.Context) error { f.connected.Store(false); return nil }
func (f *fakeDriver) IsConnected() bool                    { return f.connected.Load() }
func (f *fakeDriver) Ping(ctx context.Context) (time.Duration, error) {
	return time.Millisecond, nil
}
func (f *fakeDriver) Status() core.RobotStatus {
	f.statusCalls.Add(1)
	return core.RobotStatus{Connected: f.connected.Load(), UpdatedAt: time.Now()}
}
func (f *fakeDriver) EmergencyStop(ctx context.Context) error { return nil }

func newTestWrapper(ttl time.Duration) (*Wrapper, *fakeDriver) {
	drv := &fakeDriver{}
	w := NewWrapper("meca", drv, config.WrapperConfig{
		StatusCacheTTL: ttl,
		BatchSize:      3,
		BatchTimeout:   50 * time.Millisecond,
		WorkerPoolSize: 2,
	})
	return w, drv
}

func TestStatusCaching(t *testing.T) {
	w, drv := newTestWrapper(time.Minute)
	ctx := context.Background()

	w.GetStatus(ctx, true)
	w.GetStatus(ctx, true)
	w.GetStatus(ctx, true)
	assert.Equal(t, int64(1), drv.statusCalls.Load(), "cache hit avoids driver reads")

	w.GetStatus(ctx, false)
	assert.Equal(t, int64(2), drv.statusCalls.Load(), "bypass refreshes")
}

func TestStatusCacheExpiry(t *testing.T) {
	w, drv := newTestWrapper(10 * time.Millisecond)
	ctx := context.Background()

	w.GetStatus(ctx, true)
	time.Sleep(20 * time.Millisecond)
	w.GetStatus(ctx, true)
	assert.Equal(t, int64(2), drv.statusCalls.Load())
}

func TestExecuteSerialisation(t *testing.T) {
	w, _ := newTestWrapper(time.Second)
	ctx := context.Background()

	var inFlight, maxInFlight int32
	op := Op{
		Name: "move",
		Run: func(ctx context.Context) (any, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				prev := atomic.LoadInt32(&maxInFlight)
				if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil, nil
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := w.Execute(ctx, op)
			assert.True(t, res.Success)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight), "ops to one robot never interleave")
}

func TestExecuteTimeoutBecomesHardwareError(t *testing.T) {
	w, _ := newTestWrapper(time.Second)
	ctx := context.Background()

	res := w.Execute(ctx, Op{
		Name:    "stuck",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	require.False(t, res.Success)
	assert.True(t, core.IsKind(res.Err, core.KindHardware))
}

func TestExecuteErrorRecorded(t *testing.T) {
	w, _ := newTestWrapper(time.Second)
	ctx := context.Background()

	boom := errors.New("gripper jam")
	res := w.Execute(ctx, Op{Name: "grip", Run: func(ctx context.Context) (any, error) { return nil, boom }})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, boom)

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.Executed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.PerOp["grip"].Failures)
}

func TestBatchFlushBySize(t *testing.T) {
	// Long flush timeout so only the size threshold can trigger.
	w := NewWrapper("meca", &fakeDriver{}, config.WrapperConfig{
		StatusCacheTTL: time.Second,
		BatchSize:      3,
		BatchTimeout:   time.Minute,
		WorkerPoolSize: 2,
	})
	w.Start()
	defer w.Stop()

	var executed atomic.Int32
	op := Op{Name: "batched", Run: func(ctx context.Context) (any, error) {
		executed.Add(1)
		return nil, nil
	}}
	w.AddToBatch(op)
	w.AddToBatch(op)
	assert.Equal(t, int32(0), executed.Load(), "below threshold, nothing flushed yet")
	w.AddToBatch(op) // reaches BatchSize=3

	select {
	case results := <-w.BatchResults():
		assert.Len(t, results, 3)
	case <-time.After(time.Second):
		t.Fatal("batch never flushed")
	}
	assert.Equal(t, int32(3), executed.Load())
}

func TestBatchFlushByTimeout(t *testing.T) {
	w, _ := newTestWrapper(time.Second)
	w.Start()
	defer w.Stop()

	var executed atomic.Int32
	w.AddToBatch(Op{Name: "lone", Run: func(ctx context.Context) (any, error) {
		executed.Add(1)
		return nil, nil
	}})

	select {
	case results := <-w.BatchResults():
		assert.Len(t, results, 1)
	case <-time.After(time.Second):
		t.Fatal("timeout flush did not happen")
	}
}

func TestBatchStopsOnFailure(t *testing.T) {
	w, _ := newTestWrapper(time.Second)
	ctx := context.Background()

	var third atomic.Bool
	results := w.ExecuteBatchNow(ctx, []Op{
		{Name: "a", Run: func(ctx context.Context) (any, error) { return nil, nil }},
		{Name: "b", Run: func(ctx context.Context) (any, error) { return nil, errors.New("fail") }},
		{Name: "c", Run: func(ctx context.Context) (any, error) { third.Store(true); return nil, nil }},
	})
	require.Len(t, results, 2, "batch aborts after first failure")
	assert.False(t, third.Load())
}

func TestProtocolLockSerialisesRuns(t *testing.T) {
	w, _ := newTestWrapper(time.Second)
	ctx := context.Background()

	order := make(chan int, 4)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		w.WithProtocolLock(ctx, func(ctx context.Context) error {
			order <- 1
			time.Sleep(30 * time.Millisecond)
			order <- 2
			return nil
		})
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		w.WithProtocolLock(ctx, func(ctx context.Context) error {
			order <- 3
			order <- 4
			return nil
		})
	}()
	wg.Wait()
	close(order)

	var got []int
	for v := range order {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4}, got, "second run waits for the first")
}

func TestStatsAveraging(t *testing.T) {
	w, _ := newTestWrapper(time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		w.Execute(ctx, Op{Name: "quick", Run: func(ctx context.Context) (any, error) { return nil, nil }})
	}
	stats := w.Stats()
	assert.Equal(t, int64(3), stats.Executed)
	assert.Equal(t, int64(3), stats.Succeeded)
	assert.Equal(t, int64(3), stats.PerOp["quick"].Count)
	assert.GreaterOrEqual(t, stats.AvgExecution, time.Duration(0))
}
