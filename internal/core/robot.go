package core

import "time"

// RobotType identifies the hardware family a robot belongs to.
type RobotType string

const (
	RobotTypeArm           RobotType = "arm"
	RobotTypeLiquidHandler RobotType = "liquid_handler"
	RobotTypeWiper         RobotType = "wiper"
	RobotTypeArduino       RobotType = "arduino"
)

// RobotState is the lifecycle state of a single robot.
type RobotState string

const (
	StateDisconnected  RobotState = "disconnected"
	StateConnecting    RobotState = "connecting"
	StateIdle          RobotState = "idle"
	StateBusy          RobotState = "busy"
	StateError         RobotState = "error"
	StateMaintenance   RobotState = "maintenance"
	StateEmergencyStop RobotState = "emergency_stop"
)

// ValidTransitions is the allowed state graph. Any transition not listed
// here is rejected with a StateTransitionError; same-state updates are
// treated as no-ops, not transitions.
var ValidTransitions = map[RobotState][]RobotState{
	StateDisconnected:  {StateConnecting, StateMaintenance, StateEmergencyStop},
	StateConnecting:    {StateIdle, StateError, StateDisconnected, StateEmergencyStop},
	StateIdle:          {StateBusy, StateError, StateMaintenance, StateDisconnected, StateEmergencyStop},
	StateBusy:          {StateIdle, StateError, StateMaintenance, StateDisconnected, StateEmergencyStop},
	StateError:         {StateIdle, StateMaintenance, StateDisconnected, StateEmergencyStop},
	StateMaintenance:   {StateIdle, StateDisconnected, StateEmergencyStop},
	StateEmergencyStop: {StateMaintenance, StateDisconnected},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to RobotState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsOperational reports whether the state allows command dispatch.
func (s RobotState) IsOperational() bool {
	return s == StateIdle || s == StateBusy
}

// NeedsAttention reports whether the state should be surfaced to operators.
func (s RobotState) NeedsAttention() bool {
	return s == StateError || s == StateMaintenance || s == StateEmergencyStop
}

// SystemState is the single process-wide state.
type SystemState string

const (
	SystemInitializing SystemState = "initializing"
	SystemReady        SystemState = "ready"
	SystemRunning      SystemState = "running"
	SystemError        SystemState = "error"
	SystemMaintenance  SystemState = "maintenance"
	SystemShutdown     SystemState = "shutdown"
)

// Position is a 6-DOF pose: x, y, z in mm and alpha, beta, gamma in degrees.
type Position struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
	Gamma float64 `json:"gamma"`
}

// Coords returns the position as a flat coordinate list, the form the arm
// command stream and the configuration files use.
func (p Position) Coords() []float64 {
	return []float64{p.X, p.Y, p.Z, p.Alpha, p.Beta, p.Gamma}
}

// PositionFromCoords builds a Position from a 6-element coordinate list.
func PositionFromCoords(c []float64) Position {
	var p Position
	if len(c) > 0 {
		p.X = c[0]
	}
	if len(c) > 1 {
		p.Y = c[1]
	}
	if len(c) > 2 {
		p.Z = c[2]
	}
	if len(c) > 3 {
		p.Alpha = c[3]
	}
	if len(c) > 4 {
		p.Beta = c[4]
	}
	if len(c) > 5 {
		p.Gamma = c[5]
	}
	return p
}

// RobotStatus is the parsed hardware status snapshot a driver maintains from
// its monitor channel (or polling loop).
type RobotStatus struct {
	Connected   bool      `json:"connected"`
	Activated   bool      `json:"activated"`
	Homed       bool      `json:"homed"`
	InError     bool      `json:"in_error"`
	ErrorCode   int       `json:"error_code,omitempty"`
	Paused      bool      `json:"paused"`
	EndOfCycle  bool      `json:"end_of_cycle"`
	Position    *Position `json:"position,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	RawActivity string    `json:"raw_activity,omitempty"`
}

// RobotDescriptor is the state manager's record of a registered robot.
type RobotDescriptor struct {
	RobotID          string         `json:"robot_id"`
	RobotType        RobotType      `json:"robot_type"`
	CurrentState     RobotState     `json:"current_state"`
	LastTransitionAt time.Time      `json:"last_transition_at"`
	ErrorCount       int            `json:"error_count"`
	UptimeStart      *time.Time     `json:"uptime_start,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// UptimeSeconds returns seconds since the robot last became operational,
// zero when it is not.
func (r *RobotDescriptor) UptimeSeconds(now time.Time) float64 {
	if r.UptimeStart == nil {
		return 0
	}
	return now.Sub(*r.UptimeStart).Seconds()
}
