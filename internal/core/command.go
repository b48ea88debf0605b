package core

import (
	"fmt"
	"time"
)

// CommandType enumerates every operation the command service accepts.
type CommandType string

const (
	CommandMove          CommandType = "move"
	CommandPick          CommandType = "pick"
	CommandPlace         CommandType = "place"
	CommandHome          CommandType = "home"
	CommandStop          CommandType = "stop"
	CommandCalibrate     CommandType = "calibrate"
	CommandStatus        CommandType = "status"
	CommandConnect       CommandType = "connect"
	CommandDisconnect    CommandType = "disconnect"
	CommandEmergencyStop CommandType = "emergency_stop"
	CommandReset         CommandType = "reset"

	CommandPickupSequence    CommandType = "pickup_sequence"
	CommandDropSequence      CommandType = "drop_sequence"
	CommandCarouselSequence  CommandType = "carousel_sequence"
	CommandCarouselMove      CommandType = "carousel_move"
	CommandProtocolExecution CommandType = "protocol_execution"
)

// ParseCommandType resolves a wire-level command name to its typed value.
func ParseCommandType(s string) (CommandType, error) {
	switch CommandType(s) {
	case CommandMove, CommandPick, CommandPlace, CommandHome, CommandStop,
		CommandCalibrate, CommandStatus, CommandConnect, CommandDisconnect,
		CommandEmergencyStop, CommandReset, CommandPickupSequence,
		CommandDropSequence, CommandCarouselSequence, CommandCarouselMove,
		CommandProtocolExecution:
		return CommandType(s), nil
	}
	return "", NewValidationError(fmt.Sprintf("unknown command type %q", s))
}

// Priority orders commands within one robot's queue. Higher values are
// dequeued first; equal priorities preserve submission order.
type Priority int

const (
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 1
	PriorityHigh      Priority = 2
	PriorityCritical  Priority = 3
	PriorityEmergency Priority = 4
)

// ParsePriority resolves a wire-level priority name.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	case "emergency":
		return PriorityEmergency, nil
	}
	return PriorityNormal, NewValidationError(fmt.Sprintf("unknown priority %q", s))
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityEmergency:
		return "emergency"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Bump returns the next priority rung, saturating at emergency. Retries are
// re-enqueued one rung higher so they do not starve behind fresh work.
func (p Priority) Bump() Priority {
	if p >= PriorityEmergency {
		return PriorityEmergency
	}
	return p + 1
}

// CommandStatus is the lifecycle status of a submitted command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandTimeout   CommandStatus = "timeout"
	CommandCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s CommandStatus) Terminal() bool {
	switch s {
	case CommandCompleted, CommandFailed, CommandTimeout, CommandCancelled:
		return true
	}
	return false
}

// Command is the typed envelope owned by the command service from submission
// until it is moved to the history ring.
type Command struct {
	CommandID     string         `json:"command_id"`
	RobotID       string         `json:"robot_id"`
	Type          CommandType    `json:"command_type"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Priority      Priority       `json:"priority"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Status        CommandStatus  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Result        any            `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// ExecutionSeconds returns the wall time the command spent running.
func (c *Command) ExecutionSeconds() float64 {
	if c.StartedAt == nil || c.CompletedAt == nil {
		return 0
	}
	return c.CompletedAt.Sub(*c.StartedAt).Seconds()
}

// ServiceResult is the uniform envelope every service operation returns to
// the transport layer.
type ServiceResult struct {
	Success       bool           `json:"success"`
	Data          any            `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ExecutionTime float64        `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// OKResult builds a success envelope.
func OKResult(data any, elapsed time.Duration) ServiceResult {
	return ServiceResult{Success: true, Data: data, ExecutionTime: elapsed.Seconds()}
}

// FailResult builds a failure envelope, lifting the error code from a typed
// error when one is present.
func FailResult(err error, elapsed time.Duration) ServiceResult {
	res := ServiceResult{Success: false, ExecutionTime: elapsed.Seconds()}
	if err == nil {
		return res
	}
	res.Error = err.Error()
	if ce, ok := err.(*Error); ok {
		res.ErrorCode = string(ce.Kind)
	}
	return res
}
