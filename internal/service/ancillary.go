package service

import (
	"context"
	"log/slog"

	"icc.tech/labcell/internal/breaker"
	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/driver/ancillary"
	"icc.tech/labcell/internal/state"
)

// WiperService runs the wiper station.
type WiperService struct {
	cfg    config.WiperConfig
	drv    *ancillary.Wiper
	states *state.Manager
	brk    *breaker.Breaker
}

var _ RobotService = (*WiperService)(nil)

func NewWiperService(cfg config.WiperConfig, drv *ancillary.Wiper, states *state.Manager, brk *breaker.Breaker) *WiperService {
	return &WiperService{cfg: cfg, drv: drv, states: states, brk: brk}
}

func (s *WiperService) RobotID() string           { return s.cfg.RobotID }
func (s *WiperService) RobotType() core.RobotType { return core.RobotTypeWiper }

func (s *WiperService) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("wiper disabled by configuration", "robot_id", s.cfg.RobotID)
		return nil
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateConnecting, "service start", nil)
	if err := s.brk.Call(ctx, s.drv.Connect); err != nil {
		_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateError, "connect failed", nil)
		return err
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateIdle, "connected", nil)
	return nil
}

func (s *WiperService) Stop(ctx context.Context) error {
	if err := s.drv.Disconnect(ctx); err != nil {
		return err
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateDisconnected, "service stop", nil)
	return nil
}

func (s *WiperService) EmergencyStop(ctx context.Context) error {
	return s.drv.EmergencyStop(ctx)
}

func (s *WiperService) HealthCheck(ctx context.Context) map[string]any {
	return map[string]any{
		"connected": s.drv.IsConnected(),
		"breaker":   string(s.brk.State()),
	}
}

// StartCleaningCycle runs the given number of wipe cycles.
func (s *WiperService) StartCleaningCycle(ctx context.Context, cycles int) core.ServiceResult {
	return timed(func() (any, error) {
		_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateBusy, "cleaning cycle", nil)
		defer func() {
			_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateIdle, "cleaning finished", nil)
		}()
		if err := s.brk.Call(ctx, func(ctx context.Context) error {
			return s.drv.Clean(ctx, cycles)
		}); err != nil {
			return nil, err
		}
		return map[string]any{"cycles": cycles}, nil
	})
}

// StartDryingCycle runs the drying cycle.
func (s *WiperService) StartDryingCycle(ctx context.Context, cycles int) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.brk.Call(ctx, func(ctx context.Context) error {
			return s.drv.Dry(ctx, cycles)
		}); err != nil {
			return nil, err
		}
		return map[string]any{"cycles": cycles}, nil
	})
}

// StopOperation aborts the running cycle.
func (s *WiperService) StopOperation(ctx context.Context) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.drv.StopOperation(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"stopped": true}, nil
	})
}

// ArduinoService runs the fixture controller.
type ArduinoService struct {
	cfg    config.ArduinoConfig
	drv    *ancillary.Arduino
	states *state.Manager
	brk    *breaker.Breaker
}

var _ RobotService = (*ArduinoService)(nil)

func NewArduinoService(cfg config.ArduinoConfig, drv *ancillary.Arduino, states *state.Manager, brk *breaker.Breaker) *ArduinoService {
	return &ArduinoService{cfg: cfg, drv: drv, states: states, brk: brk}
}

func (s *ArduinoService) RobotID() string           { return s.cfg.RobotID }
func (s *ArduinoService) RobotType() core.RobotType { return core.RobotTypeArduino }

func (s *ArduinoService) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		slog.Info("arduino disabled by configuration", "robot_id", s.cfg.RobotID)
		return nil
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateConnecting, "service start", nil)
	if err := s.brk.Call(ctx, s.drv.Connect); err != nil {
		_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateError, "connect failed", nil)
		return err
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateIdle, "connected", nil)
	return nil
}

func (s *ArduinoService) Stop(ctx context.Context) error {
	if err := s.drv.Disconnect(ctx); err != nil {
		return err
	}
	_, _ = s.states.UpdateRobotState(s.cfg.RobotID, core.StateDisconnected, "service stop", nil)
	return nil
}

func (s *ArduinoService) EmergencyStop(ctx context.Context) error {
	return s.drv.EmergencyStop(ctx)
}

func (s *ArduinoService) HealthCheck(ctx context.Context) map[string]any {
	return map[string]any{
		"connected": s.drv.IsConnected(),
		"breaker":   string(s.brk.State()),
	}
}

// SetDoor opens or closes the cell door.
func (s *ArduinoService) SetDoor(ctx context.Context, open bool) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.drv.SetDoor(ctx, open); err != nil {
			return nil, err
		}
		return map[string]any{"door_open": open}, nil
	})
}

// SetVacuum switches the vacuum chuck.
func (s *ArduinoService) SetVacuum(ctx context.Context, on bool) core.ServiceResult {
	return timed(func() (any, error) {
		if err := s.drv.SetVacuum(ctx, on); err != nil {
			return nil, err
		}
		return map[string]any{"vacuum_on": on}, nil
	})
}
