// Package driver defines the hardware driver port the core talks through.
// Concrete drivers live in subpackages; the core never sees wire formats.
package driver

import (
	"context"
	"time"

	"icc.tech/labcell/internal/core"
)

// Driver is the uniform surface every robot driver exposes.
type Driver interface {
	// Connect establishes the transport. Implementations clean up every
	// partially opened channel on failure.
	Connect(ctx context.Context) error
	// Disconnect tears the transport down. Safe to call when already down.
	Disconnect(ctx context.Context) error
	IsConnected() bool
	// Ping round-trips a benign request and returns its latency.
	Ping(ctx context.Context) (time.Duration, error)
	// Status returns the latest parsed status snapshot.
	Status() core.RobotStatus
	// EmergencyStop halts the hardware as fast as the transport allows.
	// It must not depend on a healthy monitor channel.
	EmergencyStop(ctx context.Context) error
}

// StatusCallback receives parsed status snapshots from a driver's monitor
// channel.
type StatusCallback func(core.RobotStatus)

// ArmDriver is the 6-axis arm surface. Do executes one raw motion-stream
// command; the sequence executor drives wafer scripts through it. The named
// methods are the recovery primitives that must work even mid-fault.
type ArmDriver interface {
	Driver
	// Do sends one command from the motion vocabulary, e.g.
	// Do(ctx, "MovePose", 135, -17.6, 160, 123.3, 40.9, -101.3).
	Do(ctx context.Context, cmd string, args ...float64) error

	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
	Home(ctx context.Context) error
	WaitIdle(ctx context.Context, timeout time.Duration) error
	ClearMotion(ctx context.Context) error
	PauseMotion(ctx context.Context) error
	ResumeMotion(ctx context.Context) error
	ResetError(ctx context.Context) error
	SetRecoveryMode(ctx context.Context, on bool) error
	// ForceReconnect fully tears down both sockets, waits out the
	// controller's stale-session window, and reconnects.
	ForceReconnect(ctx context.Context) error
	AddStatusCallback(cb StatusCallback)
}

// RunState is the liquid handler's run lifecycle state.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunRunning   RunState = "running"
	RunPaused    RunState = "paused"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunStopped   RunState = "stopped"
)

// Terminal reports whether the run state is final.
func (s RunState) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunStopped:
		return true
	}
	return false
}

// RunStatus is the polled state of one protocol run.
type RunStatus struct {
	RunID           string     `json:"run_id"`
	ProtocolID      string     `json:"protocol_id,omitempty"`
	State           RunState   `json:"state"`
	CurrentCommand  string     `json:"current_command,omitempty"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	ProgressPercent float64    `json:"progress_percent"`
	Error           string     `json:"error,omitempty"`
}

// LiquidHandlerDriver is the OT-2 surface: protocol upload, run lifecycle,
// and polling.
type LiquidHandlerDriver interface {
	Driver
	UploadProtocol(ctx context.Context, filePath string) (protocolID string, err error)
	CreateRun(ctx context.Context, protocolID string) (runID string, err error)
	StartRun(ctx context.Context, runID string) error
	StopRun(ctx context.Context, runID string) error
	PauseRun(ctx context.Context, runID string) error
	ResumeRun(ctx context.Context, runID string) error
	PollRun(ctx context.Context, runID string) (RunStatus, error)
	Home(ctx context.Context) error
}
