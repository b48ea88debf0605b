package service

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"icc.tech/labcell/internal/broadcast"
	"icc.tech/labcell/internal/breaker"
	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/driver"
	"icc.tech/labcell/internal/robot"
	"icc.tech/labcell/internal/state"
)

// OT2Service runs the liquid handler: protocol upload, run lifecycle, and
// run monitoring. The wrapper's protocol lock guarantees one active run.
type OT2Service struct {
	cfg     config.OT2Config
	drv     driver.LiquidHandlerDriver
	wrapper *robot.Wrapper
	states  *state.Manager
	brk     *breaker.Breaker
	bc      broadcast.Broadcaster
}

var _ RobotService = (*OT2Service)(nil)

// NewOT2Service wires the liquid handler service.
func NewOT2Service(cfg config.OT2Config, drv driver.LiquidHandlerDriver, wrapper *robot.Wrapper,
	states *state.Manager, brk *breaker.Breaker, bc broadcast.Broadcaster) *OT2Service {
	return &OT2Service{cfg: cfg, drv: drv, wrapper: wrapper, states: states, brk: brk, bc: bc}
}

func (s *OT2Service) RobotID() string           { return s.cfg.RobotID }
func (s *OT2Service) RobotType() core.RobotType { return core.RobotTypeLiquidHandler }

// Start probes the liquid handler.
func (s *OT2Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("liquid handler disabled by configuration", "robot_id", s.cfg.RobotID)
		return nil
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateConnecting, "service start", nil)
	err := s.brk.Call(ctx, func(ctx context.Context) error {
		return s.drv.Connect(ctx)
	})
	if err != nil {
		_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateError, "health probe failed", nil)
		return err
	}
	s.wrapper.Start()
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateIdle, "connected", nil)
	s.bc.Broadcast(broadcast.EventConnectionComplete, map[string]any{"robot_id": s.cfg.RobotID})
	return nil
}

// Stop marks the service down.
func (s *OT2Service) Stop(ctx context.Context) error {
	s.wrapper.Stop()
	if err := s.drv.Disconnect(ctx); err != nil {
		return err
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateDisconnected, "service stop", nil)
	s.bc.Broadcast(broadcast.EventDisconnected, map[string]any{"robot_id": s.cfg.RobotID})
	return nil
}

// EmergencyStop stops the active run.
func (s *OT2Service) EmergencyStop(ctx context.Context) error {
	return s.drv.EmergencyStop(ctx)
}

// HealthCheck probes the REST endpoint.
func (s *OT2Service) HealthCheck(ctx context.Context) map[string]any {
	latency, err := s.drv.Ping(ctx)
	out := map[string]any{
		"connected": err == nil,
		"breaker":   string(s.brk.State()),
	}
	if err == nil {
		out["latency_seconds"] = latency.Seconds()
	} else {
		out["error"] = err.Error()
	}
	return out
}

// PauseOperations pauses the active run, if any.
func (s *OT2Service) PauseOperations(ctx context.Context) error {
	if lh, ok := s.drv.(interface {
		LastRun() (driver.RunStatus, bool)
	}); ok {
		if run, active := lh.LastRun(); active && run.State == driver.RunRunning {
			return s.drv.PauseRun(ctx, run.RunID)
		}
	}
	return nil
}

// ResumeOperations resumes a paused run, if any.
func (s *OT2Service) ResumeOperations(ctx context.Context) error {
	if lh, ok := s.drv.(interface {
		LastRun() (driver.RunStatus, bool)
	}); ok {
		if run, active := lh.LastRun(); active && run.State == driver.RunPaused {
			return s.drv.ResumeRun(ctx, run.RunID)
		}
	}
	return nil
}

// ExecuteProtocol uploads the protocol file, creates and starts a run, and
// polls until it reaches a terminal state. The wrapper's protocol lock
// serialises concurrent callers.
func (s *OT2Service) ExecuteProtocol(ctx context.Context, protocolFile string) core.ServiceResult {
	return timed(func() (any, error) {
		var final driver.RunStatus
		err := s.wrapper.WithProtocolLock(ctx, func(ctx context.Context) error {
			path := protocolFile
			if path == "" {
				path = s.cfg.DefaultProtocol
			}
			if path == "" {
				return core.NewValidationError("no protocol file given and no default configured")
			}
			if !filepath.IsAbs(path) {
				path = filepath.Join(s.cfg.ProtocolDir, path)
			}

			protocolID, err := s.drv.UploadProtocol(ctx, path)
			if err != nil {
				return err
			}
			runID, err := s.drv.CreateRun(ctx, protocolID)
			if err != nil {
				return err
			}
			if err := s.drv.StartRun(ctx, runID); err != nil {
				return err
			}

			_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateBusy, "protocol run "+runID, nil)
			defer func() {
				_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateIdle, "run finished", nil)
			}()

			final, err = s.monitorRun(ctx, runID)
			if err != nil {
				return err
			}
			if final.State == driver.RunFailed {
				return core.NewProtocolExecutionError(
					fmt.Sprintf("run %s failed: %s", runID, final.Error), nil)
			}
			if final.State == driver.RunStopped {
				return core.NewEmergencyStopError("run stopped", s.cfg.RobotID)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		return final, nil
	})
}

// monitorRun polls until the run reaches a terminal state or the execution
// timeout lapses.
func (s *OT2Service) monitorRun(ctx context.Context, runID string) (driver.RunStatus, error) {
	interval := s.cfg.MonitoringInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(s.executionTimeout())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		st, err := s.drv.PollRun(ctx, runID)
		if err != nil {
			slog.Warn("run poll failed", "robot_id", s.cfg.RobotID, "run_id", runID, "error", err)
		} else {
			s.bc.Broadcast(broadcast.EventProtocolProgress, map[string]any{
				"robot_id":        s.cfg.RobotID,
				"run_id":          runID,
				"state":           string(st.State),
				"current_command": st.CurrentCommand,
			})
			if st.State.Terminal() {
				return st, nil
			}
		}
		if time.Now().After(deadline) {
			return driver.RunStatus{}, core.NewHardwareError(
				fmt.Sprintf("run %s exceeded execution timeout", runID), s.cfg.RobotID, nil)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return driver.RunStatus{}, core.NewConnectionError("run monitoring cancelled", ctx.Err()).
				WithRobot(s.cfg.RobotID)
		}
	}
}

func (s *OT2Service) executionTimeout() time.Duration {
	if s.cfg.ExecutionTimeout > 0 {
		return s.cfg.ExecutionTimeout
	}
	return time.Hour
}

// StopCurrentRun stops the active run, if any.
func (s *OT2Service) StopCurrentRun(ctx context.Context) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.drv.EmergencyStop(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"stopped": true}, nil
	})
}

// HomeRobot homes the gantry.
func (s *OT2Service) HomeRobot(ctx context.Context) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.drv.Home(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"homed": true}, nil
	})
}
