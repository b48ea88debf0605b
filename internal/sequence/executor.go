package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"icc.tech/labcell/internal/broadcast"
	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/lock"
	"icc.tech/labcell/internal/metrics"
	"icc.tech/labcell/internal/state"
)

// ArmCommander issues one motion command. The daemon wires this to the
// robot wrapper so all sequence traffic shares the per-robot command lock.
type ArmCommander interface {
	Do(ctx context.Context, op string, args ...float64) error
}

// Result summarises one finished (or interrupted) sequence. Wafer numbers
// are 1-based, matching operator logs.
type Result struct {
	Status          string  `json:"status"` // completed | partial_success | emergency_stopped
	WafersProcessed int     `json:"wafers_processed"`
	WafersSucceeded []int   `json:"wafers_succeeded"`
	WafersFailed    []int   `json:"wafers_failed"`
	StartWafer      int     `json:"start_wafer"`
	EndWafer        int     `json:"end_wafer"`
	SuccessRate     float64 `json:"success_rate"`
	RetryMode       bool    `json:"retry_mode"`
}

// Executor runs multi-wafer sequences with per-command resume. One executor
// serves one arm.
type Executor struct {
	robotID string
	arm     ArmCommander
	calc    *Calculator
	builder *scriptBuilder
	states  *state.Manager
	locks   *lock.Manager
	bc      broadcast.Broadcaster

	// pausePoll is how often the executor re-checks a paused step.
	// Overridable in tests.
	pausePoll time.Duration
}

// NewExecutor wires the executor to its collaborators.
func NewExecutor(robotID string, arm ArmCommander, cfg config.MecaConfig, states *state.Manager, locks *lock.Manager, bc broadcast.Broadcaster) *Executor {
	calc := NewCalculator(cfg)
	return &Executor{
		robotID:   robotID,
		arm:       arm,
		calc:      calc,
		builder:   &scriptBuilder{calc: calc, mv: cfg.Movement},
		states:    states,
		locks:     locks,
		bc:        bc,
		pausePoll: time.Second,
	}
}

// Calculator exposes the position calculator for preview endpoints.
func (e *Executor) Calculator() *Calculator { return e.calc }

// ExecutePickupSequence moves wafers start..start+count-1 from the inert
// tray to the spreader. retryWafers, when non-empty, restricts execution to
// those 0-based indices (used by resume).
func (e *Executor) ExecutePickupSequence(ctx context.Context, start, count int, retryWafers []int) (Result, error) {
	return e.run(ctx, runSpec{
		operation:   OpPickup,
		stepName:    "wafer_pickup",
		resource:    "spreader",
		start:       start,
		count:       count,
		retryWafers: retryWafers,
		setup:       e.builder.pickupSetup(),
		buildWafer:  e.builder.pickupWafer,
		onWaferFail: e.pickupFailure,
	})
}

// ExecuteDropSequence moves wafers from the spreader to the baking tray.
func (e *Executor) ExecuteDropSequence(ctx context.Context, start, count int, retryWafers []int) (Result, error) {
	return e.run(ctx, runSpec{
		operation:   OpDrop,
		stepName:    "wafer_drop",
		resource:    "spreader",
		start:       start,
		count:       count,
		retryWafers: retryWafers,
		setup:       e.builder.dropSetup(),
		buildWafer:  e.builder.dropWafer,
		onWaferFail: e.dropFailure,
	})
}

// ExecuteCarouselSequence moves wafers from the baking tray into the
// carousel.
func (e *Executor) ExecuteCarouselSequence(ctx context.Context, start, count int) (Result, error) {
	return e.run(ctx, runSpec{
		operation:   OpCarousel,
		stepName:    "carousel_load",
		resource:    "carousel",
		start:       start,
		count:       count,
		setup:       e.builder.carouselSetup(),
		buildWafer:  e.builder.carouselWafer,
		onWaferFail: e.pickupFailure,
	})
}

// ExecuteEmptyCarouselSequence retrieves wafers from the carousel back to
// the baking tray.
func (e *Executor) ExecuteEmptyCarouselSequence(ctx context.Context, start, count int) (Result, error) {
	return e.run(ctx, runSpec{
		operation:   OpEmptyCarousel,
		stepName:    "carousel_unload",
		resource:    "carousel",
		start:       start,
		count:       count,
		setup:       e.builder.carouselSetup(),
		buildWafer:  e.builder.emptyCarouselWafer,
		onWaferFail: e.pickupFailure,
	})
}

// CarouselMove performs a single carousel pick or place at a slot.
func (e *Executor) CarouselMove(ctx context.Context, operation string, waferID, position int) error {
	if position < 0 || position > 23 {
		return core.NewValidationError(fmt.Sprintf("carousel position %d out of range [0,23]", position))
	}
	if operation != "pickup" && operation != "drop" {
		return core.NewValidationError(fmt.Sprintf("carousel operation %q must be pickup or drop", operation))
	}

	release, err := e.locks.Acquire(ctx, lock.Request{ResourceID: "carousel", HolderID: e.robotID})
	if err != nil {
		return err
	}
	defer release()

	script := []scriptCommand{
		cmd("SetJointVel", []float64{e.builder.mv.Speed}, "set_travel_speed"),
		cmd("MovePose", e.calc.CarouselSafe, "move_to_carousel_safe"),
		cmd("SetJointVel", []float64{e.builder.mv.EntrySpeed}, "set_entry_speed"),
		cmd("MovePose", e.calc.carousel, "move_to_carousel"),
		cmd("Delay", []float64{0.5}, "settle"),
	}
	if operation == "pickup" {
		script = append(script, cmd("GripperClose", nil, "grip_wafer"))
	} else {
		script = append(script, cmd("MoveGripper", []float64{2.9}, "release_wafer"))
	}
	script = append(script,
		cmd("Delay", []float64{0.5}, "settle_after"),
		cmd("MovePose", e.calc.CarouselSafe, "return_to_carousel_safe"),
	)

	slog.Info("carousel move", "robot_id", e.robotID, "operation", operation,
		"wafer_id", waferID, "position", position)
	for _, sc := range script {
		if err := e.arm.Do(ctx, sc.op, sc.args...); err != nil {
			return err
		}
	}
	return nil
}

// ResumeInterrupted re-enters the sequence recorded in the robot's step
// state, restricted to the wafers that had not finished. Driver-level
// recovery (error reset, motion queue flush) is the caller's concern; this
// method only restarts the script walk.
func (e *Executor) ResumeInterrupted(ctx context.Context) (Result, error) {
	step, ok := e.states.GetStepState(e.robotID)
	if !ok {
		return Result{}, core.NewValidationError("no interrupted sequence to resume for " + e.robotID)
	}
	start := intProgress(step.ProgressData, state.ProgressStart, 0)
	count := intProgress(step.ProgressData, state.ProgressCount, 0)
	current := intProgress(step.ProgressData, state.ProgressWaferIndex, start)
	if count <= 0 {
		return Result{}, core.NewValidationError("step state carries no wafer count")
	}

	remaining := make([]int, 0, start+count-current)
	for i := current; i < start+count; i++ {
		remaining = append(remaining, i)
	}
	slog.Info("resuming interrupted sequence",
		"robot_id", e.robotID, "operation", step.OperationType,
		"remaining_wafers", len(remaining),
		"resume_command_index", step.ProgressData[state.ProgressCommandIndex])

	e.bc.Broadcast(broadcast.EventWorkflowResumed, map[string]any{
		"robot_id":  e.robotID,
		"operation": step.OperationType,
		"remaining": len(remaining),
	})

	switch step.OperationType {
	case OpPickup:
		return e.ExecutePickupSequence(ctx, start, count, remaining)
	case OpDrop:
		return e.ExecuteDropSequence(ctx, start, count, remaining)
	case OpCarousel:
		return e.ExecuteCarouselSequence(ctx, start, count)
	case OpEmptyCarousel:
		return e.ExecuteEmptyCarouselSequence(ctx, start, count)
	}
	return Result{}, core.NewValidationError(
		fmt.Sprintf("step state carries unknown operation %q", step.OperationType))
}

// runSpec parameterises the shared sequence skeleton.
type runSpec struct {
	operation   string
	stepName    string
	resource    string
	start       int
	count       int
	retryWafers []int
	setup       []scriptCommand
	buildWafer  func(waferIndex int) ([]scriptCommand, error)
	// onWaferFail decides whether the sequence continues after a wafer
	// failure. A returned error aborts the whole sequence.
	onWaferFail func(ctx context.Context, waferIndex int, cause error) error
}

// run is the shared skeleton: resume detection, setup, per-wafer walk with
// pause polling and estop checks, completion bookkeeping.
func (e *Executor) run(ctx context.Context, spec runSpec) (Result, error) {
	if spec.count < 1 {
		return Result{}, core.NewValidationError("count must be >= 1")
	}
	if spec.start < 0 {
		return Result{}, core.NewValidationError("start must be >= 0")
	}

	release, err := e.locks.Acquire(ctx, lock.Request{ResourceID: spec.resource, HolderID: e.robotID})
	if err != nil {
		return Result{}, err
	}
	defer release()

	seqStart := time.Now()
	defer func() {
		metrics.SequenceDurationSeconds.WithLabelValues(spec.operation).Observe(time.Since(seqStart).Seconds())
	}()

	// Resume detection. was-paused MUST be captured before ResumeStep
	// clears the flag: the resume decision depends on the pre-clear value.
	resumeFromWafer, resumeFromCmd := spec.start, 0
	existing, hasStep := e.states.GetStepState(e.robotID)
	wasPaused := hasStep && existing.Paused && existing.OperationType == spec.operation
	if hasStep && existing.OperationType == spec.operation {
		resumeFromWafer = intProgress(existing.ProgressData, state.ProgressWaferIndex, spec.start)
		resumeFromCmd = intProgress(existing.ProgressData, state.ProgressCommandIndex, 0)
		e.states.ResumeStep(e.robotID)
		slog.Info("continuing existing step",
			"robot_id", e.robotID, "operation", spec.operation,
			"was_paused", wasPaused,
			"resume_wafer", resumeFromWafer, "resume_command", resumeFromCmd)
	} else {
		if err := e.states.StartStep(e.robotID, spec.stepName, spec.operation, map[string]any{
			state.ProgressStart:        spec.start,
			state.ProgressCount:        spec.count,
			state.ProgressWaferIndex:   spec.start,
			state.ProgressCommandIndex: 0,
		}); err != nil {
			return Result{}, err
		}
	}

	isResume := wasPaused || resumeFromWafer > spec.start || resumeFromCmd > 0

	// Setup runs only on a fresh start. On resume the arm may be holding a
	// wafer; gripper and torque re-initialisation are unsafe.
	if !isResume {
		for _, sc := range spec.setup {
			if err := e.arm.Do(ctx, sc.op, sc.args...); err != nil {
				e.states.CompleteStep(e.robotID)
				return Result{}, err
			}
		}
	}

	wafers := spec.retryWafers
	if len(wafers) == 0 {
		wafers = make([]int, 0, spec.count)
		for i := spec.start; i < spec.start+spec.count; i++ {
			wafers = append(wafers, i)
		}
	}

	var succeeded, failed []int
	if isResume {
		// Wafers finished before the interruption are part of this batch's
		// final accounting.
		for i := spec.start; i < resumeFromWafer && i < spec.start+spec.count; i++ {
			succeeded = append(succeeded, i+1)
		}
	}
	interrupted := false

waferLoop:
	for _, i := range wafers {
		// Hold here while the step is paused; progress is parked so an
		// external observer sees exactly where the sequence stopped.
		for e.states.IsStepPaused(e.robotID) {
			_ = e.states.UpdateStepProgress(e.robotID, map[string]any{
				state.ProgressWaferIndex: i,
				state.ProgressTotalWafers: spec.count,
			})
			select {
			case <-time.After(e.pausePoll):
			case <-ctx.Done():
				return e.interruptedResult(spec, succeeded, failed), nil
			}
		}

		if e.robotEstopped() {
			interrupted = true
			break waferLoop
		}

		waferNum := i + 1
		e.bc.Broadcast(broadcast.EventWaferProgress, map[string]any{
			"operation":    spec.operation,
			"wafer_number": waferNum,
			"wafer_index":  i,
			"start":        spec.start,
			"count":        spec.count,
		})
		slog.Info("processing wafer", "robot_id", e.robotID,
			"operation", spec.operation, "wafer", waferNum, "of", spec.start+spec.count)

		commands, err := spec.buildWafer(i)
		if err != nil {
			e.states.CompleteStep(e.robotID)
			return Result{}, err
		}

		cmdStart := 0
		if i == resumeFromWafer {
			cmdStart = resumeFromCmd
			if cmdStart >= len(commands) {
				cmdStart = 0
			}
		}

		waferErr := error(nil)
		for cmdIdx := cmdStart; cmdIdx < len(commands); cmdIdx++ {
			sc := commands[cmdIdx]
			// Progress is parked before dispatch so an emergency stop
			// between write and acknowledgement still resumes at this
			// exact command.
			_ = e.states.UpdateStepProgress(e.robotID, map[string]any{
				state.ProgressWaferIndex:    i,
				state.ProgressCommandIndex:  cmdIdx,
				state.ProgressLastCommand:   sc.name,
				state.ProgressTotalCommands: len(commands),
			})
			if err := e.arm.Do(ctx, sc.op, sc.args...); err != nil {
				waferErr = err
				break
			}
		}

		if waferErr != nil {
			// An estop or pause arriving mid-wafer fails the in-flight
			// command; the step state keeps the exact command index, so
			// stop here without marking the wafer failed.
			if e.robotEstopped() || e.states.IsStepPaused(e.robotID) {
				interrupted = true
				break waferLoop
			}
			metrics.WafersProcessedTotal.WithLabelValues(spec.operation, "failed").Inc()
			failed = append(failed, waferNum)
			slog.Error("wafer failed", "robot_id", e.robotID,
				"operation", spec.operation, "wafer", waferNum, "error", waferErr)
			if err := spec.onWaferFail(ctx, i, waferErr); err != nil {
				e.states.CompleteStep(e.robotID)
				return e.finishResult(spec, succeeded, failed, len(wafers)), err
			}
			continue
		}

		succeeded = append(succeeded, waferNum)
		metrics.WafersProcessedTotal.WithLabelValues(spec.operation, "succeeded").Inc()
		_ = e.states.UpdateStepProgress(e.robotID, map[string]any{
			state.ProgressWaferIndex:   i + 1,
			state.ProgressCommandIndex: 0,
			state.ProgressLastCommand:  nil,
		})
	}

	if interrupted {
		// Step state survives for quick recovery; no completion event.
		slog.Warn("sequence interrupted by emergency stop",
			"robot_id", e.robotID, "operation", spec.operation,
			"succeeded", len(succeeded), "failed", len(failed))
		return e.interruptedResult(spec, succeeded, failed), nil
	}

	e.states.CompleteStep(e.robotID)
	result := e.finishResult(spec, succeeded, failed, len(wafers))
	e.bc.Broadcast(broadcast.EventBatchCompletion, map[string]any{
		"operation":        spec.operation,
		"status":           result.Status,
		"wafers_succeeded": result.WafersSucceeded,
		"wafers_failed":    result.WafersFailed,
		"start":            spec.start,
		"count":            spec.count,
		"success_rate":     result.SuccessRate,
		"retry_mode":       result.RetryMode,
	})
	slog.Info("sequence completed", "robot_id", e.robotID,
		"operation", spec.operation, "status", result.Status,
		"succeeded", len(succeeded), "failed", len(failed))
	return result, nil
}

func (e *Executor) finishResult(spec runSpec, succeeded, failed []int, attempted int) Result {
	status := "completed"
	if len(failed) > 0 {
		status = "partial_success"
	}
	if total := len(succeeded) + len(failed); total > attempted {
		attempted = total
	}
	rate := 0.0
	if attempted > 0 {
		rate = float64(len(succeeded)) / float64(attempted) * 100
	}
	return Result{
		Status:          status,
		WafersProcessed: len(succeeded),
		WafersSucceeded: append([]int{}, succeeded...),
		WafersFailed:    append([]int{}, failed...),
		StartWafer:      spec.start + 1,
		EndWafer:        spec.start + spec.count,
		SuccessRate:     rate,
		RetryMode:       len(spec.retryWafers) > 0,
	}
}

func (e *Executor) interruptedResult(spec runSpec, succeeded, failed []int) Result {
	res := e.finishResult(spec, succeeded, failed, spec.count)
	res.Status = "emergency_stopped"
	return res
}

func (e *Executor) robotEstopped() bool {
	desc, ok := e.states.GetRobotState(e.robotID)
	return ok && desc.CurrentState == core.StateEmergencyStop
}

// pickupFailure logs and lets the sequence continue with the next wafer.
func (e *Executor) pickupFailure(ctx context.Context, waferIndex int, cause error) error {
	return nil
}

// dropFailure attempts local recovery: return to the safe point and open
// the gripper so a held wafer is never carried into the next slot. Only a
// failed recovery aborts the sequence.
func (e *Executor) dropFailure(ctx context.Context, waferIndex int, cause error) error {
	recovery := []scriptCommand{
		cmd("SetJointVel", []float64{e.builder.mv.Speed}, "recovery_speed"),
		cmd("MovePose", e.calc.SafePoint, "recovery_to_safe"),
		cmd("GripperOpen", nil, "recovery_release"),
	}
	for _, sc := range recovery {
		if err := e.arm.Do(ctx, sc.op, sc.args...); err != nil {
			return core.NewHardwareError(
				fmt.Sprintf("drop failed and recovery failed: %v", cause), e.robotID, err)
		}
	}
	return nil
}

func intProgress(data map[string]any, key string, def int) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}
