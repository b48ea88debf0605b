package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"icc.tech/labcell/internal/breaker"
	"icc.tech/labcell/internal/command"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/lock"
	"icc.tech/labcell/internal/orchestrator"
	"icc.tech/labcell/internal/protocol"
	"icc.tech/labcell/internal/state"
)

// Handler dispatches control plane methods to the daemon's services.
type Handler struct {
	states    *state.Manager
	commands  *command.Service
	locks     *lock.Manager
	breakers  *breaker.Registry
	orch      *orchestrator.Orchestrator
	protocols *protocol.Service

	shutdownFunc func()
	startTime    time.Time
	version      string
}

// NewHandler wires the handler.
func NewHandler(states *state.Manager, commands *command.Service, locks *lock.Manager,
	breakers *breaker.Registry, orch *orchestrator.Orchestrator, protocols *protocol.Service,
	version string) *Handler {
	return &Handler{
		states:    states,
		commands:  commands,
		locks:     locks,
		breakers:  breakers,
		orch:      orch,
		protocols: protocols,
		startTime: time.Now(),
		version:   version,
	}
}

// SetShutdownFunc sets the callback invoked by daemon_shutdown.
func (h *Handler) SetShutdownFunc(fn func()) { h.shutdownFunc = fn }

// Handle processes one method call.
func (h *Handler) Handle(ctx context.Context, method string, params json.RawMessage) Response {
	slog.Debug("control method", "method", method)

	switch method {
	case "ping":
		return okResponse(map[string]any{"pong": true})

	case "daemon_status":
		return h.daemonStatus()

	case "daemon_shutdown":
		if h.shutdownFunc == nil {
			return errResponse(ErrCodeInternalError, "shutdown not wired")
		}
		go h.shutdownFunc()
		return okResponse(map[string]any{"shutting_down": true})

	case "robot_list":
		return okResponse(h.states.GetAllRobotStates())

	case "robot_status":
		var p struct {
			RobotID string `json:"robot_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.RobotID == "" {
			return errResponse(ErrCodeInvalidParams, "robot_id required")
		}
		desc, ok := h.states.GetRobotState(p.RobotID)
		if !ok {
			return errResponse(ErrCodeInvalidParams, fmt.Sprintf("unknown robot %q", p.RobotID))
		}
		out := map[string]any{"robot": desc}
		if step, ok := h.states.GetStepState(p.RobotID); ok {
			out["step"] = step
		}
		return okResponse(out)

	case "command_submit":
		return h.commandSubmit(params)

	case "command_cancel":
		var p struct {
			CommandID string `json:"command_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.CommandID == "" {
			return errResponse(ErrCodeInvalidParams, "command_id required")
		}
		if err := h.commands.Cancel(p.CommandID); err != nil {
			return errResponse(ErrCodeInvalidParams, err.Error())
		}
		return okResponse(map[string]any{"cancelled": p.CommandID})

	case "command_status":
		var p struct {
			CommandID string `json:"command_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.CommandID == "" {
			return errResponse(ErrCodeInvalidParams, "command_id required")
		}
		cmd, ok := h.commands.Get(p.CommandID)
		if !ok {
			return errResponse(ErrCodeInvalidParams, fmt.Sprintf("unknown command %q", p.CommandID))
		}
		return okResponse(cmd)

	case "command_list":
		var p struct {
			RobotID string `json:"robot_id"`
			Status  string `json:"status"`
			Limit   int    `json:"limit"`
		}
		_ = json.Unmarshal(params, &p)
		return okResponse(map[string]any{
			"active": h.commands.Active(p.RobotID),
			"history": h.commands.History(command.HistoryQuery{
				RobotID: p.RobotID,
				Status:  core.CommandStatus(p.Status),
				Limit:   p.Limit,
			}),
		})

	case "estop":
		var p struct {
			RobotID string `json:"robot_id"`
			Reason  string `json:"reason"`
		}
		_ = json.Unmarshal(params, &p)
		if p.Reason == "" {
			p.Reason = "operator request"
		}
		if p.RobotID != "" {
			if err := h.orch.EmergencyStopRobot(ctx, p.RobotID, p.Reason); err != nil {
				return errResponse(ErrCodeInternalError, err.Error())
			}
			return okResponse(map[string]any{"stopped": p.RobotID})
		}
		results := h.orch.EmergencyStopAll(ctx, p.Reason)
		return okResponse(map[string]any{"results": results})

	case "estop_reset":
		var p struct {
			RobotID string `json:"robot_id"`
		}
		_ = json.Unmarshal(params, &p)
		var err error
		if p.RobotID != "" {
			err = h.orch.ResetRobotEmergencyStop(p.RobotID)
		} else {
			err = h.orch.ResetEmergencyStop()
		}
		if err != nil {
			return errResponse(ErrCodeInvalidParams, err.Error())
		}
		return okResponse(map[string]any{"reset": true})

	case "quick_recovery":
		var p struct {
			RobotID string `json:"robot_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.RobotID == "" {
			return errResponse(ErrCodeInvalidParams, "robot_id required")
		}
		result, err := h.orch.QuickRecovery(ctx, p.RobotID)
		if err != nil {
			return errResponse(ErrCodeInternalError, err.Error())
		}
		return okResponse(map[string]any{"result": result})

	case "pause_all":
		return okResponse(h.orch.PauseAll(ctx, "operator pause"))

	case "resume_all":
		return okResponse(h.orch.ResumeAll(ctx))

	case "lock_list":
		return okResponse(map[string]any{
			"locks":  h.locks.AllLocks(),
			"status": h.locks.Status(),
		})

	case "lock_force_release":
		var p struct {
			ResourceID string `json:"resource_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ResourceID == "" {
			return errResponse(ErrCodeInvalidParams, "resource_id required")
		}
		h.locks.ForceRelease(p.ResourceID)
		return okResponse(map[string]any{"released": p.ResourceID})

	case "breaker_list":
		return okResponse(h.breakers.AllStatus())

	case "breaker_force":
		var p struct {
			Name   string `json:"name"`
			Action string `json:"action"` // open | close
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return errResponse(ErrCodeInvalidParams, "invalid params")
		}
		b := h.breakers.Get(p.Name)
		if b == nil {
			return errResponse(ErrCodeInvalidParams, fmt.Sprintf("unknown breaker %q", p.Name))
		}
		switch p.Action {
		case "open":
			b.ForceOpen()
		case "close":
			b.ForceClose()
		default:
			return errResponse(ErrCodeInvalidParams, "action must be open or close")
		}
		return okResponse(b.Status())

	case "protocol_execute":
		return h.protocolExecute(params)

	case "protocol_status":
		var p struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ExecutionID == "" {
			return errResponse(ErrCodeInvalidParams, "execution_id required")
		}
		ex, ok := h.protocols.Get(p.ExecutionID)
		if !ok {
			return errResponse(ErrCodeInvalidParams, fmt.Sprintf("unknown execution %q", p.ExecutionID))
		}
		return okResponse(ex)

	case "protocol_list":
		return okResponse(h.protocols.List())

	case "protocol_pause", "protocol_resume", "protocol_cancel":
		var p struct {
			ExecutionID string `json:"execution_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.ExecutionID == "" {
			return errResponse(ErrCodeInvalidParams, "execution_id required")
		}
		var err error
		switch method {
		case "protocol_pause":
			err = h.protocols.Pause(p.ExecutionID)
		case "protocol_resume":
			err = h.protocols.Resume(p.ExecutionID)
		default:
			err = h.protocols.Cancel(p.ExecutionID)
		}
		if err != nil {
			return errResponse(ErrCodeInvalidParams, err.Error())
		}
		return okResponse(map[string]any{"execution_id": p.ExecutionID})
	}

	return errResponse(ErrCodeMethodNotFound, fmt.Sprintf("unknown method %q", method))
}

func (h *Handler) daemonStatus() Response {
	robots := h.states.GetAllRobotStates()
	byState := make(map[string]int)
	for _, r := range robots {
		byState[string(r.CurrentState)]++
	}
	return okResponse(map[string]any{
		"version":        h.version,
		"uptime_seconds": time.Since(h.startTime).Seconds(),
		"system_state":   h.states.SystemState(),
		"estop_active":   h.orch.EmergencyStopActive(),
		"robots":         len(robots),
		"robots_by_state": byState,
	})
}

func (h *Handler) commandSubmit(params json.RawMessage) Response {
	var p struct {
		RobotID     string         `json:"robot_id"`
		CommandType string         `json:"command_type"`
		Parameters  map[string]any `json:"parameters"`
		Priority    string         `json:"priority"`
		TimeoutSecs float64        `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(ErrCodeInvalidParams, "invalid params")
	}
	id, err := h.commands.Submit(command.SubmitRequest{
		RobotID:     p.RobotID,
		CommandType: p.CommandType,
		Parameters:  p.Parameters,
		Priority:    p.Priority,
		Timeout:     time.Duration(p.TimeoutSecs * float64(time.Second)),
	})
	if err != nil {
		return errResponse(ErrCodeInvalidParams, err.Error())
	}
	return okResponse(map[string]any{"command_id": id})
}

func (h *Handler) protocolExecute(params json.RawMessage) Response {
	var p struct {
		Protocol protocol.Protocol `json:"protocol"`
		Strategy string            `json:"strategy"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return errResponse(ErrCodeInvalidParams, "invalid params")
	}
	strategy, err := protocol.ParseStrategy(p.Strategy)
	if err != nil {
		return errResponse(ErrCodeInvalidParams, err.Error())
	}
	id, err := h.orch.ExecuteWorkflow(p.Protocol, strategy)
	if err != nil {
		return errResponse(ErrCodeInvalidParams, err.Error())
	}
	return okResponse(map[string]any{"execution_id": id})
}
