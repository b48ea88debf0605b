// Package state implements the atomic robot state manager.
//
// The manager is the only component that mutates robot lifecycle state.
// Every transition is validated against the allowed graph before it is
// applied; history is kept in a bounded ring; change callbacks run outside
// the manager lock so a slow subscriber can never wedge a transition.
package state

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/metrics"
)

// Transition records one applied state change.
type Transition struct {
	TransitionID string         `json:"transition_id"`
	RobotID      string         `json:"robot_id"`
	From         core.RobotState `json:"from"`
	To           core.RobotState `json:"to"`
	Reason       string         `json:"reason,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ChangeCallback receives applied transitions. Callbacks are invoked after
// the mutation is committed and the lock released, in registration order.
type ChangeCallback func(Transition)

type callbackEntry struct {
	fn     ChangeCallback
	robots map[string]struct{} // nil = all robots
}

// Manager owns robot descriptors, step state, and the system state.
type Manager struct {
	mu          sync.Mutex
	robots      map[string]*core.RobotDescriptor
	steps       map[string]*StepState
	history     []Transition
	maxHistory  int
	callbacks   []callbackEntry
	systemState core.SystemState

	now func() time.Time
}

// NewManager creates a manager with the given history cap.
func NewManager(maxHistory int) *Manager {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &Manager{
		robots:      make(map[string]*core.RobotDescriptor),
		steps:       make(map[string]*StepState),
		maxHistory:  maxHistory,
		systemState: core.SystemInitializing,
		now:         time.Now,
	}
}

// RegisterRobot adds a robot. Registering an existing id is a warning, not
// an error, and leaves the existing descriptor untouched.
func (m *Manager) RegisterRobot(robotID string, robotType core.RobotType, initial core.RobotState, metadata map[string]any) {
	if initial == "" {
		initial = core.StateDisconnected
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.robots[robotID]; exists {
		slog.Warn("robot already registered", "robot_id", robotID)
		return
	}
	now := m.now()
	desc := &core.RobotDescriptor{
		RobotID:          robotID,
		RobotType:        robotType,
		CurrentState:     initial,
		LastTransitionAt: now,
		Metadata:         metadata,
	}
	if initial.IsOperational() {
		desc.UptimeStart = &now
	}
	m.robots[robotID] = desc
	metrics.SetRobotState(robotID, "", string(initial))
	slog.Info("robot registered", "robot_id", robotID, "type", robotType, "state", initial)
}

// UpdateRobotState applies a validated transition. Returns false with a nil
// error when the robot is already in the requested state.
func (m *Manager) UpdateRobotState(robotID string, newState core.RobotState, reason string, metadata map[string]any) (bool, error) {
	m.mu.Lock()
	robot, ok := m.robots[robotID]
	if !ok {
		m.mu.Unlock()
		return false, core.NewValidationError("unknown robot " + robotID)
	}

	from := robot.CurrentState
	if from == newState {
		m.mu.Unlock()
		return false, nil
	}
	if !core.CanTransition(from, newState) {
		m.mu.Unlock()
		return false, core.NewStateTransitionError(robotID, from, newState)
	}

	now := m.now()
	robot.CurrentState = newState
	robot.LastTransitionAt = now

	switch {
	case newState == core.StateError:
		robot.ErrorCount++
	case newState.IsOperational():
		robot.ErrorCount = 0
	}
	if newState.IsOperational() {
		if robot.UptimeStart == nil {
			robot.UptimeStart = &now
		}
	} else {
		robot.UptimeStart = nil
	}

	tr := Transition{
		TransitionID: uuid.NewString(),
		RobotID:      robotID,
		From:         from,
		To:           newState,
		Reason:       reason,
		Timestamp:    now,
		Metadata:     metadata,
	}
	m.appendHistoryLocked(tr)
	cbs := m.matchingCallbacksLocked(robotID)
	m.mu.Unlock()

	metrics.SetRobotState(robotID, string(from), string(newState))
	metrics.StateTransitionsTotal.WithLabelValues(robotID, string(from), string(newState)).Inc()
	slog.Info("robot state changed", "robot_id", robotID, "from", from, "to", newState, "reason", reason)

	// Mutation is committed and the lock released before callbacks fire.
	for _, cb := range cbs {
		cb(tr)
	}
	return true, nil
}

// GetRobotState returns a copy of the robot descriptor.
func (m *Manager) GetRobotState(robotID string) (core.RobotDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	robot, ok := m.robots[robotID]
	if !ok {
		return core.RobotDescriptor{}, false
	}
	return *robot, true
}

// GetAllRobotStates returns copies of every descriptor, keyed by id.
func (m *Manager) GetAllRobotStates() map[string]core.RobotDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.RobotDescriptor, len(m.robots))
	for id, r := range m.robots {
		out[id] = *r
	}
	return out
}

// GetRobotsByState returns ids of robots currently in the given state,
// sorted for deterministic output.
func (m *Manager) GetRobotsByState(state core.RobotState) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, r := range m.robots {
		if r.CurrentState == state {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// History returns up to limit most recent transitions, newest first.
func (m *Manager) History(limit int) []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Transition, limit)
	for i := 0; i < limit; i++ {
		out[i] = m.history[n-1-i]
	}
	return out
}

// RegisterCallback subscribes to transitions. With no robot ids the
// callback receives every transition.
func (m *Manager) RegisterCallback(fn ChangeCallback, robotIDs ...string) {
	entry := callbackEntry{fn: fn}
	if len(robotIDs) > 0 {
		entry.robots = make(map[string]struct{}, len(robotIDs))
		for _, id := range robotIDs {
			entry.robots[id] = struct{}{}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, entry)
}

// SystemState returns the process-wide state.
func (m *Manager) SystemState() core.SystemState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemState
}

// SetSystemState updates the process-wide state.
func (m *Manager) SetSystemState(s core.SystemState, reason string) {
	m.mu.Lock()
	old := m.systemState
	m.systemState = s
	m.mu.Unlock()
	if old != s {
		slog.Info("system state changed", "from", old, "to", s, "reason", reason)
	}
}

// EmergencyStopAll forces every robot into emergency_stop and sets the
// system state to error. Robots already stopped are skipped. Returns the
// ids that were stopped by this call.
func (m *Manager) EmergencyStopAll(reason string) []string {
	var stopped []string
	for id, desc := range m.GetAllRobotStates() {
		if desc.CurrentState == core.StateEmergencyStop {
			continue
		}
		if _, err := m.UpdateRobotState(id, core.StateEmergencyStop, reason, nil); err != nil {
			slog.Error("failed to force emergency stop", "robot_id", id, "error", err)
			continue
		}
		stopped = append(stopped, id)
	}
	sort.Strings(stopped)
	m.SetSystemState(core.SystemError, reason)
	return stopped
}

// CleanupStaleRobots removes robots that have been disconnected longer than
// ttl. Returns the removed ids.
func (m *Manager) CleanupStaleRobots(ttl time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var removed []string
	for id, r := range m.robots {
		if r.CurrentState == core.StateDisconnected && now.Sub(r.LastTransitionAt) > ttl {
			delete(m.robots, id)
			delete(m.steps, id)
			removed = append(removed, id)
			slog.Info("stale robot removed", "robot_id", id, "disconnected_for", now.Sub(r.LastTransitionAt))
		}
	}
	sort.Strings(removed)
	return removed
}

// appendHistoryLocked appends with FIFO eviction. Caller holds m.mu.
func (m *Manager) appendHistoryLocked(tr Transition) {
	m.history = append(m.history, tr)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

// matchingCallbacksLocked snapshots the callbacks interested in robotID.
// Caller holds m.mu.
func (m *Manager) matchingCallbacksLocked(robotID string) []ChangeCallback {
	var out []ChangeCallback
	for _, e := range m.callbacks {
		if e.robots != nil {
			if _, ok := e.robots[robotID]; !ok {
				continue
			}
		}
		out = append(out, e.fn)
	}
	return out
}
