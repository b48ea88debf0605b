package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/labcell/internal/broadcast"
	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/lock"
	"icc.tech/labcell/internal/state"
)

// fakeArm records every dispatched command and can inject a failure at a
// chosen point, optionally flipping the robot into emergency stop the way
// a real estop mid-motion does.
type fakeArm struct {
	mu       sync.Mutex
	log      []string
	failAt   int // command ordinal (1-based) at which Do fails; 0 = never
	count    int
	onFail   func()
	failWith error
}

func (f *fakeArm) Do(ctx context.Context, op string, args ...float64) error {
	f.mu.Lock()
	f.count++
	n := f.count
	f.log = append(f.log, op)
	f.mu.Unlock()

	if f.failAt > 0 && n == f.failAt {
		if f.onFail != nil {
			f.onFail()
		}
		if f.failWith != nil {
			return f.failWith
		}
		return errors.New("motion rejected")
	}
	return nil
}

func (f *fakeArm) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.log))
	copy(out, f.log)
	return out
}

func testMecaConfig() config.MecaConfig {
	return config.MecaConfig{
		RobotID: "meca",
		Movement: config.MovementConfig{
			Force: 100, Accel: 50, Speed: 35, WaferSpeed: 35,
			AlignSpeed: 20, EntrySpeed: 15, EmptySpeed: 50,
			SpreadWait: 25, GapWafers: 2.7,
		},
	}
}

func newTestExecutor(t *testing.T, arm ArmCommander) (*Executor, *state.Manager, *broadcast.Recorder) {
	t.Helper()
	states := state.NewManager(100)
	states.RegisterRobot("meca", core.RobotTypeArm, core.StateIdle, nil)
	locks := lock.NewManager(time.Second, time.Minute)
	rec := &broadcast.Recorder{}
	e := NewExecutor("meca", arm, testMecaConfig(), states, locks, rec)
	e.pausePoll = 5 * time.Millisecond
	return e, states, rec
}

func TestPickupSequenceClean(t *testing.T) {
	arm := &fakeArm{}
	e, states, rec := newTestExecutor(t, arm)

	res, err := e.ExecutePickupSequence(context.Background(), 0, 3, nil)
	require.NoError(t, err)

	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, []int{1, 2, 3}, res.WafersSucceeded)
	assert.Empty(t, res.WafersFailed)
	assert.Equal(t, 1, res.StartWafer)
	assert.Equal(t, 3, res.EndWafer)
	assert.InDelta(t, 100.0, res.SuccessRate, 0.01)
	assert.False(t, res.RetryMode)

	// Step state destroyed on completion.
	_, ok := states.GetStepState("meca")
	assert.False(t, ok)

	// One progress event per wafer, then the completion event.
	progress := rec.ByType(broadcast.EventWaferProgress)
	require.Len(t, progress, 3)
	assert.Equal(t, 1, progress[0].Payload["wafer_number"])
	assert.Equal(t, 3, progress[2].Payload["wafer_number"])

	completion := rec.ByType(broadcast.EventBatchCompletion)
	require.Len(t, completion, 1)
	assert.Equal(t, "completed", completion[0].Payload["status"])
	assert.Equal(t, []int{1, 2, 3}, completion[0].Payload["wafers_succeeded"])

	// Setup ran once, then three wafer scripts of 22 commands each.
	cmds := arm.commands()
	assert.Equal(t, "SetGripperForce", cmds[0])
	assert.Len(t, cmds, 9+3*22)

	// The spreader lock was released on exit.
	assert.Empty(t, e.locks.AllLocks())
}

func TestPickupEstopMidWaferThenResume(t *testing.T) {
	// Emergency stop arrives during wafer 3 (index 2) at command index 7
	// of its script. Setup is 9 commands, a wafer script is 22.
	const setupLen = 9
	const waferLen = 22
	failOrdinal := setupLen + 2*waferLen + 8 // 8th command (index 7) of wafer index 2

	var states *state.Manager
	arm := &fakeArm{failAt: failOrdinal}
	arm.onFail = func() {
		// The orchestrator's estop path: pause the step, estop the robot.
		states.PauseStep("meca")
		states.EmergencyStopAll("operator button")
	}
	e, s, _ := newTestExecutor(t, arm)
	states = s

	res, err := e.ExecutePickupSequence(context.Background(), 0, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, "emergency_stopped", res.Status)
	assert.Equal(t, []int{1, 2}, res.WafersSucceeded)

	// The step survives, paused, pointing at the exact command.
	step, ok := states.GetStepState("meca")
	require.True(t, ok)
	assert.True(t, step.Paused)
	assert.Equal(t, 0, intProgress(step.ProgressData, state.ProgressStart, -1))
	assert.Equal(t, 5, intProgress(step.ProgressData, state.ProgressCount, -1))
	assert.Equal(t, 2, intProgress(step.ProgressData, state.ProgressWaferIndex, -1))
	assert.Equal(t, 7, intProgress(step.ProgressData, state.ProgressCommandIndex, -1))
	assert.Equal(t, "enable_blending", step.ProgressData[state.ProgressLastCommand])

	// Clear the estop the way the orchestrator does, then resume.
	for _, to := range []core.RobotState{core.StateMaintenance, core.StateIdle} {
		_, err := states.UpdateRobotState("meca", to, "estop reset", nil)
		require.NoError(t, err)
	}

	before := len(arm.commands())
	res, err = e.ResumeInterrupted(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, res.WafersSucceeded)
	assert.Empty(t, res.WafersFailed)

	resumed := arm.commands()[before:]
	// No setup block on resume: the first dispatched command is wafer 3's
	// command index 7, not SetGripperForce.
	assert.Equal(t, "SetBlending", resumed[0], "setup and commands 0..6 skipped on resume")
	// Wafer index 2 resumes at command 7 (15 commands remain), then two
	// full wafers.
	assert.Len(t, resumed, (waferLen-7)+2*waferLen)

	_, ok = states.GetStepState("meca")
	assert.False(t, ok, "step cleared after successful resume")
}

func TestPickupContinuesPastFailedWafer(t *testing.T) {
	// Fail one command inside wafer 2's script without an estop: the wafer
	// is recorded failed and the sequence moves on.
	arm := &fakeArm{failAt: 9 + 22 + 3}
	e, states, _ := newTestExecutor(t, arm)

	res, err := e.ExecutePickupSequence(context.Background(), 0, 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial_success", res.Status)
	assert.Equal(t, []int{1, 3}, res.WafersSucceeded)
	assert.Equal(t, []int{2}, res.WafersFailed)
	assert.InDelta(t, 66.7, res.SuccessRate, 0.1)

	_, ok := states.GetStepState("meca")
	assert.False(t, ok)
}

func TestDropFailureRunsLocalRecovery(t *testing.T) {
	// Drop setup is 6 commands, wafer script 23. Fail wafer 1 mid-script;
	// recovery (speed, safe point, gripper open) must run before wafer 2.
	arm := &fakeArm{failAt: 6 + 5}
	e, _, _ := newTestExecutor(t, arm)

	res, err := e.ExecuteDropSequence(context.Background(), 0, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "partial_success", res.Status)
	assert.Equal(t, []int{1}, res.WafersFailed)
	assert.Equal(t, []int{2}, res.WafersSucceeded)

	cmds := arm.commands()
	// Recovery triplet directly after the failed command.
	assert.Equal(t, []string{"SetJointVel", "MovePose", "GripperOpen"}, cmds[6+5:6+8])
}

func TestDropRecoveryFailureAborts(t *testing.T) {
	arm := &fakeArm{}
	e, _, _ := newTestExecutor(t, arm)

	// First failure at wafer command, then recovery's MovePose also fails.
	calls := 0
	failing := &scriptedArm{fn: func(op string) error {
		calls++
		if op == "GripperClose" {
			return errors.New("gripper jam")
		}
		if calls > 10 && op == "MovePose" {
			return errors.New("arm wedged")
		}
		return nil
	}}
	e.arm = failing
	_ = arm

	_, err := e.ExecuteDropSequence(context.Background(), 0, 2, nil)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindHardware))
}

type scriptedArm struct{ fn func(op string) error }

func (s *scriptedArm) Do(ctx context.Context, op string, args ...float64) error {
	return s.fn(op)
}

func TestPauseBlocksDispatchUntilResume(t *testing.T) {
	arm := &fakeArm{}
	e, states, _ := newTestExecutor(t, arm)

	require.NoError(t, states.StartStep("meca", "wafer_pickup", OpPickup, map[string]any{
		state.ProgressStart: 0, state.ProgressCount: 1,
		state.ProgressWaferIndex: 0, state.ProgressCommandIndex: 0,
	}))
	states.PauseStep("meca")

	done := make(chan Result, 1)
	go func() {
		res, _ := e.ExecutePickupSequence(context.Background(), 0, 1, nil)
		done <- res
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, arm.commands(), "no dispatch while paused")

	states.ResumeStep("meca")
	select {
	case res := <-done:
		assert.Equal(t, "completed", res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("sequence never resumed")
	}
}

func TestCarouselSequence(t *testing.T) {
	arm := &fakeArm{}
	e, _, rec := newTestExecutor(t, arm)

	res, err := e.ExecuteCarouselSequence(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Equal(t, []int{1, 2}, res.WafersSucceeded)

	cmds := arm.commands()
	// Carousel setup then first wafer begins with the indexing wait.
	assert.Equal(t, "SetConf", cmds[0])
	assert.Contains(t, cmds, "MoveGripper")
	require.NotEmpty(t, rec.ByType(broadcast.EventBatchCompletion))
}

func TestEmptyCarouselSequence(t *testing.T) {
	arm := &fakeArm{}
	e, _, _ := newTestExecutor(t, arm)

	res, err := e.ExecuteEmptyCarouselSequence(context.Background(), 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "completed", res.Status)
	assert.Contains(t, arm.commands(), "GripperClose")
}

func TestCarouselMoveValidation(t *testing.T) {
	arm := &fakeArm{}
	e, _, _ := newTestExecutor(t, arm)
	ctx := context.Background()

	err := e.CarouselMove(ctx, "pickup", 1, 24)
	assert.True(t, core.IsKind(err, core.KindValidation))

	err = e.CarouselMove(ctx, "shake", 1, 3)
	assert.True(t, core.IsKind(err, core.KindValidation))

	require.NoError(t, e.CarouselMove(ctx, "drop", 1, 3))
	assert.Contains(t, arm.commands(), "MoveGripper")
}

func TestSequenceValidation(t *testing.T) {
	arm := &fakeArm{}
	e, _, _ := newTestExecutor(t, arm)
	ctx := context.Background()

	_, err := e.ExecutePickupSequence(ctx, -1, 3, nil)
	assert.True(t, core.IsKind(err, core.KindValidation))

	_, err = e.ExecutePickupSequence(ctx, 0, 0, nil)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestResumeWithoutStepFails(t *testing.T) {
	arm := &fakeArm{}
	e, _, _ := newTestExecutor(t, arm)

	_, err := e.ResumeInterrupted(context.Background())
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestRetryWafersRestrictsExecution(t *testing.T) {
	arm := &fakeArm{}
	e, _, _ := newTestExecutor(t, arm)

	res, err := e.ExecutePickupSequence(context.Background(), 0, 5, []int{1, 3})
	require.NoError(t, err)
	assert.True(t, res.RetryMode)
	assert.Equal(t, []int{2, 4}, res.WafersSucceeded)
	// Setup plus exactly two wafer scripts.
	assert.Len(t, arm.commands(), 9+2*22)
}

func TestSequenceHoldsResourceLock(t *testing.T) {
	arm := &fakeArm{}
	e, _, _ := newTestExecutor(t, arm)
	ctx := context.Background()

	// A competing holder of the spreader blocks the sequence.
	release, err := e.locks.Acquire(ctx, lock.Request{ResourceID: "spreader", HolderID: "rival"})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.ExecutePickupSequence(ctx, 0, 1, nil)
		errCh <- err
	}()

	select {
	case err := <-errCh:
		t.Fatalf("sequence should be waiting on the lock, got %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	require.NoError(t, <-errCh)
}

func TestPositionCalculator(t *testing.T) {
	calc := NewCalculator(testMecaConfig())

	p0, err := calc.WaferPosition(0, TrayInert)
	require.NoError(t, err)
	p1, err := calc.WaferPosition(1, TrayInert)
	require.NoError(t, err)
	assert.InDelta(t, 2.7, p1[1]-p0[1], 0.0001, "inert slots step along Y by the gap")
	assert.Equal(t, p0[0], p1[0])

	b0, err := calc.WaferPosition(0, TrayBaking)
	require.NoError(t, err)
	b3, err := calc.WaferPosition(3, TrayBaking)
	require.NoError(t, err)
	assert.InDelta(t, 3*2.7, b3[0]-b0[0], 0.0001, "baking slots step along X")

	_, err = calc.WaferPosition(0, "freezer")
	assert.True(t, core.IsKind(err, core.KindValidation))

	// Spreader slots fill right to left and wrap after five wafers.
	for _, op := range []string{OpPickup, OpDrop} {
		w0, err := calc.IntermediatePositions(0, op)
		require.NoError(t, err)
		w5, err := calc.IntermediatePositions(5, op)
		require.NoError(t, err)
		assert.Equal(t, w0["spreader"], w5["spreader"], "slot reuse after wrap (%s)", op)
	}

	pos, err := calc.IntermediatePositions(2, OpCarousel)
	require.NoError(t, err)
	for _, name := range []string{"above_baking", "move1", "move2", "move3", "move4",
		"y_away1", "y_away2", "above_carousel1", "above_carousel2", "above_carousel3"} {
		require.Contains(t, pos, name, fmt.Sprintf("carousel waypoint %s", name))
		require.Len(t, pos[name], 6)
	}

	_, err = calc.IntermediatePositions(0, "teleport")
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestCalculatorOffsets(t *testing.T) {
	cfg := testMecaConfig()
	cfg.Offsets = map[string]map[string]float64{
		OpPickup: {"pickup_high_z": 12.5, "above_spreader_z": 3},
	}
	calc := NewCalculator(cfg)

	pos, err := calc.IntermediatePositions(0, OpPickup)
	require.NoError(t, err)
	base, _ := calc.WaferPosition(0, TrayInert)
	assert.InDelta(t, base[2]+12.5, pos["pickup_high"][2], 0.0001)
	assert.InDelta(t, pos["spreader"][2]+3, pos["above_spreader"][2], 0.0001)
}
