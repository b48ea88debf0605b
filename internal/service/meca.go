package service

import (
	"context"
	"log/slog"

	"icc.tech/labcell/internal/broadcast"
	"icc.tech/labcell/internal/breaker"
	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/driver"
	"icc.tech/labcell/internal/robot"
	"icc.tech/labcell/internal/sequence"
	"icc.tech/labcell/internal/state"
)

// MecaService runs the 6-axis arm: connection lifecycle, movement commands,
// wafer sequences, and post-estop recovery.
type MecaService struct {
	cfg      config.MecaConfig
	drv      driver.ArmDriver
	wrapper  *robot.Wrapper
	executor *sequence.Executor
	states   *state.Manager
	brk      *breaker.Breaker
	bc       broadcast.Broadcaster
}

var _ RobotService = (*MecaService)(nil)

// NewMecaService wires the arm service.
func NewMecaService(cfg config.MecaConfig, drv driver.ArmDriver, wrapper *robot.Wrapper,
	executor *sequence.Executor, states *state.Manager, brk *breaker.Breaker,
	bc broadcast.Broadcaster) *MecaService {
	return &MecaService{
		cfg: cfg, drv: drv, wrapper: wrapper, executor: executor,
		states: states, brk: brk, bc: bc,
	}
}

func (s *MecaService) RobotID() string           { return s.cfg.RobotID }
func (s *MecaService) RobotType() core.RobotType { return core.RobotTypeArm }

// Executor exposes the sequence executor for recovery orchestration.
func (s *MecaService) Executor() *sequence.Executor { return s.executor }

// Start connects and initialises the arm.
func (s *MecaService) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("arm disabled by configuration", "robot_id", s.cfg.RobotID)
		return nil
	}
	s.bc.Broadcast(broadcast.EventConnectionPending, map[string]any{"robot_id": s.cfg.RobotID})
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateConnecting, "service start", nil)

	err := s.brk.Call(ctx, func(ctx context.Context) error {
		return s.drv.Connect(ctx)
	})
	if err != nil {
		_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateError, "connect failed", nil)
		return err
	}

	if err := s.drv.Activate(ctx); err != nil {
		slog.Warn("arm activation failed, continuing disconnected-safe", "error", err)
	}
	if err := s.drv.Home(ctx); err != nil {
		slog.Warn("arm homing failed", "error", err)
	}

	s.wrapper.Start()
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateIdle, "connected", nil)
	s.bc.Broadcast(broadcast.EventConnectionComplete, map[string]any{"robot_id": s.cfg.RobotID})
	return nil
}

// Stop disconnects the arm.
func (s *MecaService) Stop(ctx context.Context) error {
	s.wrapper.Stop()
	if err := s.drv.Disconnect(ctx); err != nil {
		return err
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateDisconnected, "service stop", nil)
	s.bc.Broadcast(broadcast.EventDisconnected, map[string]any{"robot_id": s.cfg.RobotID})
	return nil
}

// EmergencyStop halts arm motion. Never routed through the breaker: a
// tripped breaker must not block a safety stop.
func (s *MecaService) EmergencyStop(ctx context.Context) error {
	return s.drv.EmergencyStop(ctx)
}

// HealthCheck reports connection and controller status.
func (s *MecaService) HealthCheck(ctx context.Context) map[string]any {
	st := s.wrapper.GetStatus(ctx, true)
	return map[string]any{
		"connected": s.drv.IsConnected(),
		"activated": st.Activated,
		"homed":     st.Homed,
		"in_error":  st.InError,
		"paused":    st.Paused,
		"breaker":   string(s.brk.State()),
	}
}

// PauseOperations pauses arm motion in place.
func (s *MecaService) PauseOperations(ctx context.Context) error {
	return s.drv.PauseMotion(ctx)
}

// ResumeOperations resumes paused motion.
func (s *MecaService) ResumeOperations(ctx context.Context) error {
	return s.drv.ResumeMotion(ctx)
}

// do routes one raw arm command through the wrapper so it shares the
// per-robot lock with sequence traffic, gated by the breaker.
func (s *MecaService) do(ctx context.Context, name string, op string, args ...float64) error {
	return s.brk.Call(ctx, func(ctx context.Context) error {
		res := s.wrapper.Execute(ctx, robot.Op{
			Name:    name,
			Timeout: s.cfg.CommandTimeout,
			Run: func(ctx context.Context) (any, error) {
				return nil, s.drv.Do(ctx, op, args...)
			},
		})
		return res.Err
	})
}

// MoveToPosition moves the arm to an absolute pose.
func (s *MecaService) MoveToPosition(ctx context.Context, pose []float64, speed float64) core.ServiceResult {
	return timed(func() (any, error) {
		if len(pose) != 6 {
			return nil, core.NewValidationError("position must have 6 coordinates")
		}
		if speed > 0 {
			if err := s.do(ctx, "set_speed", "SetJointVel", speed); err != nil {
				return nil, err
			}
		}
		if err := s.do(ctx, "move_pose", "MovePose", pose...); err != nil {
			return nil, err
		}
		return map[string]any{"position": pose}, nil
	})
}

// PickWafer grips a wafer at the given pose.
func (s *MecaService) PickWafer(ctx context.Context, pose []float64) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.do(ctx, "move_pose", "MovePose", pose...); err != nil {
			return nil, err
		}
		if err := s.do(ctx, "gripper_close", "GripperClose"); err != nil {
			return nil, err
		}
		return map[string]any{"picked": true}, nil
	})
}

// PlaceWafer releases a wafer at the given pose.
func (s *MecaService) PlaceWafer(ctx context.Context, pose []float64) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.do(ctx, "move_pose", "MovePose", pose...); err != nil {
			return nil, err
		}
		if err := s.do(ctx, "gripper_open", "GripperOpen"); err != nil {
			return nil, err
		}
		return map[string]any{"placed": true}, nil
	})
}

// HomeRobot re-homes the arm.
func (s *MecaService) HomeRobot(ctx context.Context) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.drv.Home(ctx); err != nil {
			return nil, err
		}
		if err := s.drv.WaitIdle(ctx, s.cfg.CommandTimeout); err != nil {
			return nil, err
		}
		return map[string]any{"homed": true}, nil
	})
}

// ResetRobot clears controller errors and re-activates.
func (s *MecaService) ResetRobot(ctx context.Context) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.drv.ResetError(ctx); err != nil {
			return nil, err
		}
		if err := s.drv.ClearMotion(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"reset": true}, nil
	})
}

// ResumeSequence re-enters the interrupted wafer sequence recorded in the
// robot's step state.
func (s *MecaService) ResumeSequence(ctx context.Context) (any, error) {
	return s.executor.ResumeInterrupted(ctx)
}

// QuickRecovery performs the driver-side recovery that must precede a
// sequence resume: clear errors, flush the motion queue, release the
// motion pause, and wait for the controller to settle.
func (s *MecaService) QuickRecovery(ctx context.Context) error {
	slog.Info("arm quick recovery", "robot_id", s.cfg.RobotID)
	if err := s.drv.ResetError(ctx); err != nil {
		return err
	}
	if err := s.drv.ClearMotion(ctx); err != nil {
		return err
	}
	if err := s.drv.ResumeMotion(ctx); err != nil {
		return err
	}
	return s.drv.WaitIdle(ctx, s.cfg.CommandTimeout)
}
