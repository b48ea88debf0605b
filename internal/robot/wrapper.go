// Package robot implements the per-robot async wrapper. It serialises all
// command traffic to one driver, caches status reads, offloads blocking
// driver calls to a bounded worker pool, and batches opted-in commands.
package robot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/driver"
)

// Op is one unit of driver work submitted through the wrapper.
type Op struct {
	Name    string
	Timeout time.Duration
	// Run performs the driver call. It is invoked with the robot's command
	// lock held, so ops against the same robot never interleave.
	Run func(ctx context.Context) (any, error)
}

// Result is the outcome of one executed op.
type Result struct {
	Success       bool          `json:"success"`
	Value         any           `json:"value,omitempty"`
	Err           error         `json:"-"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Stats aggregates wrapper execution statistics.
type Stats struct {
	Executed     int64                    `json:"executed"`
	Succeeded    int64                    `json:"succeeded"`
	Failed       int64                    `json:"failed"`
	AvgExecution time.Duration            `json:"avg_execution"`
	PerOp        map[string]OpStats       `json:"per_op"`
}

// OpStats is the per-op-name breakdown.
type OpStats struct {
	Count     int64         `json:"count"`
	Failures  int64         `json:"failures"`
	TotalTime time.Duration `json:"total_time"`
}

// Wrapper serialises access to one driver.
type Wrapper struct {
	robotID string
	drv     driver.Driver
	cfg     config.WrapperConfig

	cmdMu sync.Mutex // per-robot command lock: strict serialisation

	// protocolMu guarantees a single active protocol run (liquid handler).
	protocolMu sync.Mutex

	workers *semaphore.Weighted // bounds concurrent blocking driver calls

	statusMu     sync.Mutex
	cachedStatus core.RobotStatus
	cachedAt     time.Time

	batchMu      sync.Mutex
	batch        []Op
	batchResults chan []Result
	flushCancel  context.CancelFunc
	flushDone    chan struct{}

	statsMu sync.Mutex
	stats   Stats
	total   time.Duration
}

// NewWrapper creates a wrapper around drv.
func NewWrapper(robotID string, drv driver.Driver, cfg config.WrapperConfig) *Wrapper {
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 500 * time.Millisecond
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	return &Wrapper{
		robotID:      robotID,
		drv:          drv,
		cfg:          cfg,
		workers:      semaphore.NewWeighted(int64(cfg.WorkerPoolSize)),
		batchResults: make(chan []Result, 8),
		stats:        Stats{PerOp: make(map[string]OpStats)},
	}
}

// RobotID returns the wrapped robot's id.
func (w *Wrapper) RobotID() string { return w.robotID }

// Driver exposes the underlying driver for type-specific services.
func (w *Wrapper) Driver() driver.Driver { return w.drv }

// Start launches the batch flusher.
func (w *Wrapper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.flushCancel = cancel
	w.flushDone = make(chan struct{})
	go w.flushLoop(ctx)
}

// Stop flushes any pending batch and stops the flusher.
func (w *Wrapper) Stop() {
	if w.flushCancel == nil {
		return
	}
	w.flushCancel()
	<-w.flushDone
	w.flushCancel = nil
}

// GetStatus returns the driver status, from cache when it is younger than
// the TTL. A cache miss refreshes under the command lock so status reads
// never interleave with a command in flight.
func (w *Wrapper) GetStatus(ctx context.Context, useCache bool) core.RobotStatus {
	if useCache {
		w.statusMu.Lock()
		if time.Since(w.cachedAt) < w.cfg.StatusCacheTTL {
			st := w.cachedStatus
			w.statusMu.Unlock()
			return st
		}
		w.statusMu.Unlock()
	}

	w.cmdMu.Lock()
	st := w.drv.Status()
	w.cmdMu.Unlock()

	w.statusMu.Lock()
	w.cachedStatus = st
	w.cachedAt = time.Now()
	w.statusMu.Unlock()
	return st
}

// Execute runs one op under the robot's command lock, offloaded to the
// worker pool so a stuck driver call cannot wedge the caller past its
// timeout. Timeouts surface as HardwareError.
func (w *Wrapper) Execute(ctx context.Context, op Op) Result {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	return w.executeLocked(ctx, op)
}

// ExecuteBatchNow runs several ops under a single command-lock acquisition.
func (w *Wrapper) ExecuteBatchNow(ctx context.Context, ops []Op) []Result {
	w.cmdMu.Lock()
	defer w.cmdMu.Unlock()
	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		res := w.executeLocked(ctx, op)
		results = append(results, res)
		if !res.Success {
			break // a failed op invalidates the rest of the batch
		}
	}
	return results
}

func (w *Wrapper) executeLocked(ctx context.Context, op Op) Result {
	timeout := op.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if err := w.workers.Acquire(ctx, 1); err != nil {
		return w.record(op, Result{Err: core.NewHardwareError("worker pool unavailable", w.robotID, err)}, 0)
	}

	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, timeout)

	done := make(chan Result, 1)
	go func() {
		defer w.workers.Release(1)
		value, err := op.Run(opCtx)
		done <- Result{Value: value, Err: err}
	}()

	var res Result
	select {
	case res = <-done:
		if res.Err != nil && errors.Is(res.Err, context.DeadlineExceeded) {
			res.Err = core.NewHardwareError(
				fmt.Sprintf("op %q timed out after %s", op.Name, timeout), w.robotID, res.Err)
		}
	case <-opCtx.Done():
		// The goroutine is abandoned; the driver's own deadline reaps the
		// physical side. See the command service for the operator warning.
		res = Result{Err: core.NewHardwareError(
			fmt.Sprintf("op %q timed out after %s", op.Name, timeout), w.robotID, opCtx.Err())}
	}
	cancel()

	elapsed := time.Since(start)
	return w.record(op, res, elapsed)
}

func (w *Wrapper) record(op Op, res Result, elapsed time.Duration) Result {
	res.ExecutionTime = elapsed
	res.Success = res.Err == nil
	if res.Err != nil {
		res.Error = res.Err.Error()
	}

	w.statsMu.Lock()
	w.stats.Executed++
	w.total += elapsed
	if res.Success {
		w.stats.Succeeded++
	} else {
		w.stats.Failed++
	}
	w.stats.AvgExecution = w.total / time.Duration(w.stats.Executed)
	per := w.stats.PerOp[op.Name]
	per.Count++
	per.TotalTime += elapsed
	if !res.Success {
		per.Failures++
	}
	w.stats.PerOp[op.Name] = per
	w.statsMu.Unlock()

	if !res.Success {
		slog.Warn("op failed", "robot_id", w.robotID, "op", op.Name, "error", res.Error)
	}
	return res
}

// Stats returns a copy of the execution statistics.
func (w *Wrapper) Stats() Stats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	out := w.stats
	out.PerOp = make(map[string]OpStats, len(w.stats.PerOp))
	for k, v := range w.stats.PerOp {
		out.PerOp[k] = v
	}
	return out
}

// AddToBatch queues an op for deferred execution. The flusher drains the
// queue when it reaches the size threshold or on the timeout tick.
func (w *Wrapper) AddToBatch(op Op) {
	w.batchMu.Lock()
	w.batch = append(w.batch, op)
	size := len(w.batch)
	w.batchMu.Unlock()
	if size >= w.cfg.BatchSize {
		w.flushBatch(context.Background())
	}
}

// BatchResults exposes the results of flushed batches.
func (w *Wrapper) BatchResults() <-chan []Result { return w.batchResults }

func (w *Wrapper) flushLoop(ctx context.Context) {
	defer close(w.flushDone)
	ticker := time.NewTicker(w.cfg.BatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flushBatch(context.Background())
			return
		case <-ticker.C:
			w.flushBatch(ctx)
		}
	}
}

func (w *Wrapper) flushBatch(ctx context.Context) {
	w.batchMu.Lock()
	ops := w.batch
	w.batch = nil
	w.batchMu.Unlock()
	if len(ops) == 0 {
		return
	}
	results := w.ExecuteBatchNow(ctx, ops)
	select {
	case w.batchResults <- results:
	default:
		slog.Warn("batch results dropped, consumer lagging", "robot_id", w.robotID)
	}
}

// WithProtocolLock runs fn while holding the protocol execution lock,
// guaranteeing a single active run on the liquid handler. Other callers
// block until the running protocol returns; the order in which several
// waiting callers are admitted is not defined.
func (w *Wrapper) WithProtocolLock(ctx context.Context, fn func(ctx context.Context) error) error {
	w.protocolMu.Lock()
	defer w.protocolMu.Unlock()
	return fn(ctx)
}
