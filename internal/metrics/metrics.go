// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RobotState tracks the current state of each robot (one series per
	// state, 1 on the active state).
	RobotState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labcell_robot_state",
			Help: "Current robot state (1 = robot is in this state)",
		},
		[]string{"robot", "state"},
	)

	// StateTransitionsTotal counts validated state transitions.
	StateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcell_state_transitions_total",
			Help: "Total number of robot state transitions",
		},
		[]string{"robot", "from", "to"},
	)

	// CommandsTotal counts commands by robot, type, and final status.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcell_commands_total",
			Help: "Total number of commands processed",
		},
		[]string{"robot", "type", "status"},
	)

	// CommandDurationSeconds measures command execution latency.
	CommandDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labcell_command_duration_seconds",
			Help:    "Command execution latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		},
		[]string{"robot", "type"},
	)

	// CommandQueueDepth tracks pending commands per robot.
	CommandQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labcell_command_queue_depth",
			Help: "Number of commands waiting in the per-robot queue",
		},
		[]string{"robot"},
	)

	// BreakerState tracks circuit breaker state (0=closed, 1=open, 2=half_open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labcell_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"breaker"},
	)

	// LockWaitSeconds measures how long acquirers waited for a resource.
	LockWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labcell_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a resource lock",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10), // 100µs to ~26s
		},
		[]string{"resource"},
	)

	// LocksHeld tracks currently held locks.
	LocksHeld = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "labcell_locks_held",
			Help: "Number of currently held locks per resource",
		},
		[]string{"resource", "mode"},
	)

	// WafersProcessedTotal counts wafers by sequence type and outcome.
	WafersProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcell_wafers_processed_total",
			Help: "Total wafers processed by sequence type and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// SequenceDurationSeconds measures full sequence duration.
	SequenceDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "labcell_sequence_duration_seconds",
			Help:    "Wafer sequence duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
		[]string{"operation"},
	)

	// EmergencyStopsTotal counts emergency stop activations.
	EmergencyStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcell_emergency_stops_total",
			Help: "Total number of emergency stop activations",
		},
		[]string{"scope"}, // system | robot
	)

	// ProtocolStepsTotal counts protocol steps by status.
	ProtocolStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcell_protocol_steps_total",
			Help: "Total protocol steps executed by final status",
		},
		[]string{"status"},
	)

	// DriverReconnectsTotal counts driver reconnect attempts.
	DriverReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "labcell_driver_reconnects_total",
			Help: "Total driver reconnect attempts",
		},
		[]string{"robot", "result"},
	)
)

// SetRobotState clears the robot's previous state series and marks the new
// one. Called by the state manager after every validated transition.
func SetRobotState(robot, oldState, newState string) {
	if oldState != "" {
		RobotState.WithLabelValues(robot, oldState).Set(0)
	}
	RobotState.WithLabelValues(robot, newState).Set(1)
}
