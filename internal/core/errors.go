// Package core defines shared domain types with zero internal dependencies.
package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry and escalation decisions.
type ErrorKind string

const (
	KindConnection        ErrorKind = "connection_error"
	KindHardware          ErrorKind = "hardware_error"
	KindProtocolExecution ErrorKind = "protocol_execution_error"
	KindStateTransition   ErrorKind = "state_transition_error"
	KindLockTimeout       ErrorKind = "resource_lock_timeout"
	KindValidation        ErrorKind = "validation_error"
	KindBreakerOpen       ErrorKind = "circuit_breaker_open"
	KindConfiguration     ErrorKind = "configuration_error"
	KindEmergencyStop     ErrorKind = "emergency_stop_triggered"
)

// Severity ranks how urgently an error needs operator attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is the structured error carried across service boundaries.
// Kind drives retry policy; Context carries diagnostic key/values such as
// the current lock holder or the rejected transition.
type Error struct {
	Kind        ErrorKind
	Message     string
	RobotID     string
	Recoverable bool
	Severity    Severity
	Context     map[string]any
	Cause       error
}

func (e *Error) Error() string {
	if e.RobotID != "" {
		return fmt.Sprintf("%s: %s (robot=%s)", e.Kind, e.Message, e.RobotID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches two *Error values by Kind so callers can test for a category
// without comparing messages.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithRobot returns a copy tagged with the robot id.
func (e *Error) WithRobot(robotID string) *Error {
	dup := *e
	dup.RobotID = robotID
	return &dup
}

// WithContext returns a copy with the key/value added to Context.
func (e *Error) WithContext(key string, value any) *Error {
	dup := *e
	dup.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		dup.Context[k] = v
	}
	dup.Context[key] = value
	return &dup
}

// IsKind reports whether err is (or wraps) a labcell error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error kind is transient enough for the
// command service to re-enqueue the command.
func IsRetryable(err error) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Kind {
	case KindConnection, KindBreakerOpen, KindLockTimeout:
		return true
	}
	return false
}

func NewConnectionError(msg string, cause error) *Error {
	return &Error{Kind: KindConnection, Message: msg, Recoverable: true, Severity: SeverityHigh, Cause: cause}
}

func NewHardwareError(msg string, robotID string, cause error) *Error {
	return &Error{Kind: KindHardware, Message: msg, RobotID: robotID, Recoverable: false, Severity: SeverityCritical, Cause: cause}
}

func NewProtocolExecutionError(msg string, cause error) *Error {
	return &Error{Kind: KindProtocolExecution, Message: msg, Recoverable: false, Severity: SeverityHigh, Cause: cause}
}

func NewStateTransitionError(robotID string, from, to RobotState) *Error {
	return &Error{
		Kind:        KindStateTransition,
		Message:     fmt.Sprintf("invalid transition %s -> %s", from, to),
		RobotID:     robotID,
		Recoverable: true,
		Severity:    SeverityMedium,
		Context:     map[string]any{"from": string(from), "to": string(to)},
	}
}

func NewLockTimeoutError(resourceID string, holder string) *Error {
	return &Error{
		Kind:        KindLockTimeout,
		Message:     fmt.Sprintf("timed out waiting for resource %q", resourceID),
		Recoverable: true,
		Severity:    SeverityMedium,
		Context:     map[string]any{"resource_id": resourceID, "holder_id": holder},
	}
}

func NewValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Recoverable: true, Severity: SeverityLow}
}

func NewBreakerOpenError(name string) *Error {
	return &Error{
		Kind:        KindBreakerOpen,
		Message:     fmt.Sprintf("circuit breaker %q is open", name),
		Recoverable: true,
		Severity:    SeverityHigh,
		Context:     map[string]any{"breaker": name},
	}
}

func NewConfigurationError(msg string, cause error) *Error {
	return &Error{Kind: KindConfiguration, Message: msg, Recoverable: false, Severity: SeverityHigh, Cause: cause}
}

func NewEmergencyStopError(msg string, robotID string) *Error {
	return &Error{Kind: KindEmergencyStop, Message: msg, RobotID: robotID, Recoverable: false, Severity: SeverityCritical}
}
