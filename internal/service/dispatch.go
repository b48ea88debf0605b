package service

import (
	"context"
	"fmt"

	"icc.tech/labcell/internal/command"
	"icc.tech/labcell/internal/core"
)

// Command processors: one explicit dispatch table per robot type. An
// unknown command type fails closed with a validation error rather than a
// silent no-op.

// poseFromParams converts the wire position map into a coordinate list.
func poseFromParams(params map[string]any) ([]float64, error) {
	raw, ok := params["position"]
	if !ok {
		return nil, core.NewValidationError("position parameter missing")
	}
	m, ok := raw.(map[string]any)
	if !ok {
		if mf, ok := raw.(map[string]float64); ok {
			m = make(map[string]any, len(mf))
			for k, v := range mf {
				m[k] = v
			}
		} else {
			return nil, core.NewValidationError("position must be a coordinate map")
		}
	}
	coord := func(name string) float64 {
		if v, ok := m[name]; ok {
			if f, ok := v.(float64); ok {
				return f
			}
			if i, ok := v.(int); ok {
				return float64(i)
			}
		}
		return 0
	}
	return []float64{
		coord("x"), coord("y"), coord("z"),
		coord("alpha"), coord("beta"), coord("gamma"),
	}, nil
}

func floatParam(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}

func intSliceParam(params map[string]any, key string) []int {
	switch v := params[key].(type) {
	case []int:
		return v
	case []any:
		out := make([]int, 0, len(v))
		for _, e := range v {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			}
		}
		return out
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// resultOrError unwraps a ServiceResult into the processor return contract,
// preserving the error kind so the retry policy still applies.
func resultOrError(res core.ServiceResult) (any, error) {
	if res.Success {
		return res.Data, nil
	}
	if res.ErrorCode != "" {
		return nil, &core.Error{Kind: core.ErrorKind(res.ErrorCode), Message: res.Error}
	}
	return nil, core.NewHardwareError(res.Error, "", nil)
}

// MecaProcessor builds the arm's command processor.
func MecaProcessor(svc *MecaService) command.Processor {
	return func(ctx context.Context, cmd *core.Command) (any, error) {
		switch cmd.Type {
		case core.CommandMove:
			pose, err := poseFromParams(cmd.Parameters)
			if err != nil {
				return nil, err
			}
			return resultOrError(svc.MoveToPosition(ctx, pose, floatParam(cmd.Parameters, "speed")))

		case core.CommandPick:
			pose, err := poseFromParams(cmd.Parameters)
			if err != nil {
				return nil, err
			}
			return resultOrError(svc.PickWafer(ctx, pose))

		case core.CommandPlace:
			pose, err := poseFromParams(cmd.Parameters)
			if err != nil {
				return nil, err
			}
			return resultOrError(svc.PlaceWafer(ctx, pose))

		case core.CommandHome:
			return resultOrError(svc.HomeRobot(ctx))

		case core.CommandStop:
			return nil, svc.drv.PauseMotion(ctx)

		case core.CommandCalibrate:
			return resultOrError(svc.HomeRobot(ctx)) // calibration re-homes against taught poses

		case core.CommandStatus:
			return svc.HealthCheck(ctx), nil

		case core.CommandConnect:
			return nil, svc.Start(ctx)

		case core.CommandDisconnect:
			return nil, svc.Stop(ctx)

		case core.CommandEmergencyStop:
			return nil, svc.EmergencyStop(ctx)

		case core.CommandReset:
			return resultOrError(svc.ResetRobot(ctx))

		case core.CommandPickupSequence:
			return svc.executor.ExecutePickupSequence(ctx,
				intParam(cmd.Parameters, "start", 0),
				intParam(cmd.Parameters, "count", 0),
				intSliceParam(cmd.Parameters, "retry_wafers"))

		case core.CommandDropSequence:
			return svc.executor.ExecuteDropSequence(ctx,
				intParam(cmd.Parameters, "start", 0),
				intParam(cmd.Parameters, "count", 0),
				intSliceParam(cmd.Parameters, "retry_wafers"))

		case core.CommandCarouselSequence:
			return svc.executor.ExecuteCarouselSequence(ctx,
				intParam(cmd.Parameters, "start", 0),
				intParam(cmd.Parameters, "count", 0))

		case core.CommandCarouselMove:
			return nil, svc.executor.CarouselMove(ctx,
				stringParam(cmd.Parameters, "operation"),
				intParam(cmd.Parameters, "wafer_id", 0),
				intParam(cmd.Parameters, "position", 0))
		}
		return nil, core.NewValidationError(
			fmt.Sprintf("command %s not supported for the arm", cmd.Type))
	}
}

// OT2Processor builds the liquid handler's command processor.
func OT2Processor(svc *OT2Service) command.Processor {
	return func(ctx context.Context, cmd *core.Command) (any, error) {
		switch cmd.Type {
		case core.CommandConnect:
			return nil, svc.Start(ctx)
		case core.CommandDisconnect:
			return nil, svc.Stop(ctx)
		case core.CommandHome:
			return resultOrError(svc.HomeRobot(ctx))
		case core.CommandStop:
			return resultOrError(svc.StopCurrentRun(ctx))
		case core.CommandStatus:
			return svc.HealthCheck(ctx), nil
		case core.CommandEmergencyStop:
			return nil, svc.EmergencyStop(ctx)
		case core.CommandReset:
			return resultOrError(svc.HomeRobot(ctx))
		case core.CommandProtocolExecution:
			return resultOrError(svc.ExecuteProtocol(ctx, stringParam(cmd.Parameters, "protocol_file")))
		}
		return nil, core.NewValidationError(
			fmt.Sprintf("command %s not supported for the liquid handler", cmd.Type))
	}
}

// WiperProcessor builds the wiper's command processor.
func WiperProcessor(svc *WiperService) command.Processor {
	return func(ctx context.Context, cmd *core.Command) (any, error) {
		switch cmd.Type {
		case core.CommandConnect:
			return nil, svc.Start(ctx)
		case core.CommandDisconnect:
			return nil, svc.Stop(ctx)
		case core.CommandStatus:
			return svc.HealthCheck(ctx), nil
		case core.CommandEmergencyStop:
			return nil, svc.EmergencyStop(ctx)
		case core.CommandStop:
			return resultOrError(svc.StopOperation(ctx))
		case core.CommandHome:
			return resultOrError(svc.StartDryingCycle(ctx, 1))
		}
		return nil, core.NewValidationError(
			fmt.Sprintf("command %s not supported for the wiper", cmd.Type))
	}
}

// ArduinoProcessor builds the fixture controller's command processor.
func ArduinoProcessor(svc *ArduinoService) command.Processor {
	return func(ctx context.Context, cmd *core.Command) (any, error) {
		switch cmd.Type {
		case core.CommandConnect:
			return nil, svc.Start(ctx)
		case core.CommandDisconnect:
			return nil, svc.Stop(ctx)
		case core.CommandStatus:
			return svc.HealthCheck(ctx), nil
		case core.CommandEmergencyStop:
			return nil, svc.EmergencyStop(ctx)
		}
		return nil, core.NewValidationError(
			fmt.Sprintf("command %s not supported for the arduino", cmd.Type))
	}
}
