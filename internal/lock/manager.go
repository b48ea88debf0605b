// Package lock implements named resource locks with lease expiry.
//
// Sequences lock physical fixtures (carousel, photogate, spreader) so two
// robots never contend for the same piece of hardware. Locks are exclusive
// by default; shared mode exists for read-style resources. A holder may
// reacquire its own lock, which lets a sequence nest acquisitions.
package lock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/metrics"
)

// Mode selects exclusive or shared acquisition.
type Mode string

const (
	Exclusive Mode = "exclusive"
	Shared    Mode = "shared"
)

// Entry records one granted lock.
type Entry struct {
	ResourceID string         `json:"resource_id"`
	HolderID   string         `json:"holder_id"`
	Mode       Mode           `json:"mode"`
	AcquiredAt time.Time      `json:"acquired_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the lease has lapsed.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Manager coordinates all resource locks. One mutex guards both tables; a
// notification channel is closed and replaced whenever a lock is released
// or expires, waking every waiter to re-evaluate compatibility.
type Manager struct {
	defaultTimeout  time.Duration
	cleanupInterval time.Duration

	mu        sync.Mutex
	exclusive map[string]*Entry            // resource -> entry
	shared    map[string]map[string]*Entry // resource -> holder -> entry
	wake      chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager. Call Start to run the expiry sweeper.
func NewManager(defaultTimeout, cleanupInterval time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &Manager{
		defaultTimeout:  defaultTimeout,
		cleanupInterval: cleanupInterval,
		exclusive:       make(map[string]*Entry),
		shared:          make(map[string]map[string]*Entry),
		wake:            make(chan struct{}),
	}
}

// Start launches the background expiry sweeper.
func (m *Manager) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sweepLoop(ctx)
}

// Stop terminates the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

// Request carries the parameters of one acquisition.
type Request struct {
	ResourceID    string
	HolderID      string
	Mode          Mode
	WaitTimeout   time.Duration // 0 = manager default
	LeaseDuration time.Duration // 0 = no expiry
	Metadata      map[string]any
}

// Acquire blocks until the lock is granted or the wait timeout elapses.
// It returns a release function that must be called on every exit path;
// calling it more than once is harmless.
func (m *Manager) Acquire(ctx context.Context, req Request) (release func(), err error) {
	if req.ResourceID == "" {
		return nil, core.NewValidationError("resource_id must not be empty")
	}
	if req.HolderID == "" {
		return nil, core.NewValidationError("holder_id must not be empty")
	}
	if req.WaitTimeout < 0 {
		return nil, core.NewValidationError("wait_timeout must not be negative")
	}
	if req.Mode == "" {
		req.Mode = Exclusive
	}
	timeout := req.WaitTimeout
	if timeout == 0 {
		timeout = m.defaultTimeout
	}

	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.tryGrantLocked(req, time.Now()) {
			m.mu.Unlock()
			metrics.LockWaitSeconds.WithLabelValues(req.ResourceID).Observe(time.Since(start).Seconds())
			var once sync.Once
			return func() {
				once.Do(func() { m.Release(req.ResourceID, req.HolderID, req.Mode) })
			}, nil
		}
		holder := m.holderSnapshotLocked(req.ResourceID)
		wake := m.wake
		// A lapsing lease closes no wake channel, so also retry when one ends.
		var leaseEnd <-chan time.Time
		for _, e := range m.shared[req.ResourceID] {
			if e.ExpiresAt != nil && leaseEnd == nil {
				leaseEnd = time.After(time.Until(*e.ExpiresAt) + time.Millisecond)
			}
		}
		if e := m.exclusive[req.ResourceID]; e != nil && e.ExpiresAt != nil {
			leaseEnd = time.After(time.Until(*e.ExpiresAt) + time.Millisecond)
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, core.NewLockTimeoutError(req.ResourceID, holder)
		}
		select {
		case <-wake:
			// A release or expiry happened; re-evaluate.
		case <-leaseEnd:
			// A blocking lease lapsed; the retry drops it.
		case <-timer.C:
			return nil, core.NewLockTimeoutError(req.ResourceID, holder)
		case <-ctx.Done():
			return nil, core.NewLockTimeoutError(req.ResourceID, holder).
				WithContext("cause", ctx.Err().Error())
		}
	}
}

// tryGrantLocked grants the lock when compatible. Caller holds m.mu.
func (m *Manager) tryGrantLocked(req Request, now time.Time) bool {
	// Drop expired entries lazily so a dead lease never blocks a grant
	// until the sweeper's next pass.
	m.dropExpiredLocked(req.ResourceID, now)

	excl := m.exclusive[req.ResourceID]
	holders := m.shared[req.ResourceID]

	switch req.Mode {
	case Exclusive:
		if excl != nil && excl.HolderID != req.HolderID {
			return false
		}
		if excl != nil && excl.HolderID == req.HolderID {
			return true // idempotent reacquire
		}
		for h := range holders {
			if h != req.HolderID {
				return false
			}
		}
	case Shared:
		if excl != nil {
			return excl.HolderID == req.HolderID
		}
		if _, ok := holders[req.HolderID]; ok {
			return true
		}
	default:
		return false
	}

	entry := &Entry{
		ResourceID: req.ResourceID,
		HolderID:   req.HolderID,
		Mode:       req.Mode,
		AcquiredAt: now,
		Metadata:   req.Metadata,
	}
	if req.LeaseDuration > 0 {
		exp := now.Add(req.LeaseDuration)
		entry.ExpiresAt = &exp
	}
	if req.Mode == Exclusive {
		m.exclusive[req.ResourceID] = entry
	} else {
		if m.shared[req.ResourceID] == nil {
			m.shared[req.ResourceID] = make(map[string]*Entry)
		}
		m.shared[req.ResourceID][req.HolderID] = entry
	}
	metrics.LocksHeld.WithLabelValues(req.ResourceID, string(req.Mode)).Inc()
	return true
}

// Release frees the lock. Releasing a lock the caller does not hold is a
// no-op, which makes deferred releases safe after timeouts.
func (m *Manager) Release(resourceID, holderID string, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	released := false
	switch mode {
	case Shared:
		if holders, ok := m.shared[resourceID]; ok {
			if _, held := holders[holderID]; held {
				delete(holders, holderID)
				if len(holders) == 0 {
					delete(m.shared, resourceID)
				}
				released = true
			}
		}
	default:
		if e := m.exclusive[resourceID]; e != nil && e.HolderID == holderID {
			delete(m.exclusive, resourceID)
			released = true
		}
	}
	if released {
		metrics.LocksHeld.WithLabelValues(resourceID, string(mode)).Dec()
		m.wakeLocked()
	}
}

// ForceRelease removes every holder of the resource. Operator escape hatch.
func (m *Manager) ForceRelease(resourceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.exclusive[resourceID]; e != nil {
		delete(m.exclusive, resourceID)
		metrics.LocksHeld.WithLabelValues(resourceID, string(Exclusive)).Dec()
		slog.Warn("lock force-released", "resource", resourceID, "holder", e.HolderID, "mode", "exclusive")
	}
	if holders := m.shared[resourceID]; len(holders) > 0 {
		for h := range holders {
			metrics.LocksHeld.WithLabelValues(resourceID, string(Shared)).Dec()
			slog.Warn("lock force-released", "resource", resourceID, "holder", h, "mode", "shared")
		}
		delete(m.shared, resourceID)
	}
	m.wakeLocked()
}

// Holder returns the exclusive holder of a resource, or "".
func (m *Manager) Holder(resourceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holderSnapshotLocked(resourceID)
}

// AllLocks returns a snapshot of every held lock.
func (m *Manager) AllLocks() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.exclusive {
		out = append(out, *e)
	}
	for _, holders := range m.shared {
		for _, e := range holders {
			out = append(out, *e)
		}
	}
	return out
}

// Status returns a serialisable summary for operator endpoints.
func (m *Manager) Status() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	sharedHolders := 0
	for _, hs := range m.shared {
		sharedHolders += len(hs)
	}
	return map[string]any{
		"exclusive_locks": len(m.exclusive),
		"shared_holders":  sharedHolders,
		"default_timeout": m.defaultTimeout.String(),
	}
}

// holderSnapshotLocked picks a representative current holder for timeout
// diagnostics. Caller holds m.mu.
func (m *Manager) holderSnapshotLocked(resourceID string) string {
	if e := m.exclusive[resourceID]; e != nil {
		return e.HolderID
	}
	for h := range m.shared[resourceID] {
		return h
	}
	return ""
}

// wakeLocked wakes all waiters. Caller holds m.mu.
func (m *Manager) wakeLocked() {
	close(m.wake)
	m.wake = make(chan struct{})
}

// dropExpiredLocked removes expired entries for one resource. Caller holds
// m.mu. Returns true when something was removed.
func (m *Manager) dropExpiredLocked(resourceID string, now time.Time) bool {
	removed := false
	if e := m.exclusive[resourceID]; e != nil && e.Expired(now) {
		delete(m.exclusive, resourceID)
		metrics.LocksHeld.WithLabelValues(resourceID, string(Exclusive)).Dec()
		slog.Info("expired lock removed", "resource", resourceID, "holder", e.HolderID)
		removed = true
	}
	for h, e := range m.shared[resourceID] {
		if e.Expired(now) {
			delete(m.shared[resourceID], h)
			metrics.LocksHeld.WithLabelValues(resourceID, string(Shared)).Dec()
			slog.Info("expired lock removed", "resource", resourceID, "holder", h)
			removed = true
		}
	}
	if len(m.shared[resourceID]) == 0 {
		delete(m.shared, resourceID)
	}
	return removed
}

// sweepLoop periodically drops expired leases and wakes waiters.
func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepOnce(time.Now())
		}
	}
}

func (m *Manager) sweepOnce(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := false
	for id := range m.exclusive {
		removed = m.dropExpiredLocked(id, now) || removed
	}
	for id := range m.shared {
		removed = m.dropExpiredLocked(id, now) || removed
	}
	if removed {
		m.wakeLocked()
	}
}
