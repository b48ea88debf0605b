// Package breaker implements per-endpoint failure gating with automatic
// recovery probing.
package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/metrics"
)

// State is the circuit breaker state.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

func (s State) metricValue() float64 {
	switch s {
	case Open:
		return 1
	case HalfOpen:
		return 2
	}
	return 0
}

// Stats are the breaker's counters. All fields are owned by the breaker
// mutex; Snapshot returns a copy.
type Stats struct {
	TotalRequests       int64      `json:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastFailureTime     *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime     *time.Time `json:"last_success_time,omitempty"`
	StateChanges        int        `json:"state_changes"`
}

// SuccessRate returns the percentage of successful requests.
func (s Stats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests) * 100
}

// Options configures a breaker.
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
	// IsFailure classifies errors; nil counts every non-nil error.
	// Errors it rejects pass through without tripping the breaker.
	IsFailure func(error) bool
}

// Breaker gates calls to a single endpoint. Closed forwards everything;
// open rejects until the recovery timeout elapses; half-open admits a
// bounded number of probes and closes once all of them succeed.
type Breaker struct {
	name string
	opts Options

	mu             sync.Mutex
	state          State
	stats          Stats
	halfOpenProbes int

	now func() time.Time // injectable for tests
}

// New creates a breaker in the closed state.
func New(name string, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 30 * time.Second
	}
	if opts.HalfOpenMaxCalls <= 0 {
		opts.HalfOpenMaxCalls = 3
	}
	b := &Breaker{name: name, opts: opts, state: Closed, now: time.Now}
	metrics.BreakerState.WithLabelValues(name).Set(Closed.metricValue())
	return b
}

// Name returns the breaker's endpoint name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the counters.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Call gates fn. The admission decision and the outcome recording both run
// under the breaker mutex; fn itself runs outside it so slow calls do not
// serialise unrelated callers.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// admit decides whether a call may proceed and counts the attempt.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
	case Open:
		if b.stats.LastFailureTime == nil ||
			b.now().Sub(*b.stats.LastFailureTime) < b.opts.RecoveryTimeout {
			return core.NewBreakerOpenError(b.name).
				WithContext("consecutive_failures", b.stats.ConsecutiveFailures)
		}
		b.toHalfOpen()
	case HalfOpen:
		if b.halfOpenProbes >= b.opts.HalfOpenMaxCalls {
			return core.NewBreakerOpenError(b.name).WithContext("reason", "probe budget exhausted")
		}
	}
	b.stats.TotalRequests++
	return nil
}

// record applies the call outcome.
func (b *Breaker) record(err error) {
	if err != nil && b.opts.IsFailure != nil && !b.opts.IsFailure(err) {
		// Not a gating failure; count as success for breaker purposes.
		err = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if err == nil {
		b.stats.SuccessfulRequests++
		b.stats.ConsecutiveFailures = 0
		b.stats.LastSuccessTime = &now
		if b.state == HalfOpen {
			b.halfOpenProbes++
			if b.halfOpenProbes >= b.opts.HalfOpenMaxCalls {
				b.toClosed()
			}
		}
		return
	}

	b.stats.FailedRequests++
	b.stats.ConsecutiveFailures++
	b.stats.LastFailureTime = &now

	switch b.state {
	case Closed:
		if b.stats.ConsecutiveFailures >= b.opts.FailureThreshold {
			slog.Warn("breaker failure threshold reached",
				"breaker", b.name,
				"consecutive_failures", b.stats.ConsecutiveFailures,
				"threshold", b.opts.FailureThreshold)
			b.toOpen()
		}
	case HalfOpen:
		b.toOpen()
	}
}

// ForceOpen manually opens the breaker. Idempotent.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		return
	}
	now := b.now()
	b.stats.LastFailureTime = &now
	b.toOpen()
	slog.Warn("breaker manually forced open", "breaker", b.name)
}

// ForceClose manually closes the breaker and clears the failure streak.
// Idempotent.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return
	}
	b.stats.ConsecutiveFailures = 0
	b.toClosed()
	slog.Info("breaker manually forced closed", "breaker", b.name)
}

// Status returns a serialisable view for operator endpoints.
func (b *Breaker) Status() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"name":  b.name,
		"state": string(b.state),
		"config": map[string]any{
			"failure_threshold":   b.opts.FailureThreshold,
			"recovery_timeout":    b.opts.RecoveryTimeout.String(),
			"half_open_max_calls": b.opts.HalfOpenMaxCalls,
		},
		"stats": map[string]any{
			"total_requests":       b.stats.TotalRequests,
			"successful_requests":  b.stats.SuccessfulRequests,
			"failed_requests":      b.stats.FailedRequests,
			"consecutive_failures": b.stats.ConsecutiveFailures,
			"success_rate":         b.stats.SuccessRate(),
			"state_changes":        b.stats.StateChanges,
		},
	}
}

// The to* helpers assume the mutex is held.

func (b *Breaker) toOpen() {
	b.state = Open
	b.stats.StateChanges++
	metrics.BreakerState.WithLabelValues(b.name).Set(Open.metricValue())
	slog.Error("breaker opened", "breaker", b.name,
		"consecutive_failures", b.stats.ConsecutiveFailures,
		"recovery_timeout", b.opts.RecoveryTimeout)
}

func (b *Breaker) toHalfOpen() {
	b.state = HalfOpen
	b.halfOpenProbes = 0
	b.stats.StateChanges++
	metrics.BreakerState.WithLabelValues(b.name).Set(HalfOpen.metricValue())
	slog.Info("breaker half-open, probing recovery",
		"breaker", b.name, "max_probes", b.opts.HalfOpenMaxCalls)
}

func (b *Breaker) toClosed() {
	b.state = Closed
	b.halfOpenProbes = 0
	b.stats.StateChanges++
	metrics.BreakerState.WithLabelValues(b.name).Set(Closed.metricValue())
	slog.Info("breaker closed", "breaker", b.name, "success_rate", b.stats.SuccessRate())
}
