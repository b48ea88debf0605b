// Package orchestrator coordinates every robot service: startup safety,
// emergency stop fan-out, pause/resume, multi-robot workflows, and the
// periodic health sweeps.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"icc.tech/labcell/internal/broadcast"
	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/metrics"
	"icc.tech/labcell/internal/protocol"
	"icc.tech/labcell/internal/service"
	"icc.tech/labcell/internal/state"
)

// Recoverer is implemented by services that support operator-initiated
// quick recovery after an emergency stop (currently the arm).
type Recoverer interface {
	QuickRecovery(ctx context.Context) error
}

// Orchestrator is the system-wide coordinator.
type Orchestrator struct {
	cfg    config.OrchestratorConfig
	states *state.Manager
	proto  *protocol.Service
	bc     broadcast.Broadcaster

	mu          sync.Mutex
	services    map[string]service.RobotService
	estopActive bool
	estopped    map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the orchestrator.
func New(cfg config.OrchestratorConfig, states *state.Manager, proto *protocol.Service, bc broadcast.Broadcaster) *Orchestrator {
	if cfg.EstopTaskTimeout <= 0 {
		cfg.EstopTaskTimeout = 2 * time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.StatusMonitorInterval <= 0 {
		cfg.StatusMonitorInterval = 10 * time.Second
	}
	return &Orchestrator{
		cfg:      cfg,
		states:   states,
		proto:    proto,
		bc:       bc,
		services: make(map[string]service.RobotService),
		estopped: make(map[string]struct{}),
	}
}

// RegisterService adds a robot service to the registry.
func (o *Orchestrator) RegisterService(svc service.RobotService) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.services[svc.RobotID()] = svc
}

// Service returns the registered service for a robot.
func (o *Orchestrator) Service(robotID string) (service.RobotService, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	svc, ok := o.services[robotID]
	return svc, ok
}

// Services returns the registry snapshot, sorted by robot id.
func (o *Orchestrator) Services() []service.RobotService {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]service.RobotService, 0, len(o.services))
	for _, svc := range o.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RobotID() < out[j].RobotID() })
	return out
}

// Start clears stale safety flags, starts every service, and launches the
// periodic sweeps. A paused step left over from a previous process must
// never auto-resume: a restart always requires an explicit operator run.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.estopActive = false
	o.estopped = make(map[string]struct{})
	o.mu.Unlock()

	if cleared := o.states.ClearAllPausedSteps(); len(cleared) > 0 {
		slog.Warn("stale paused steps cleared on startup", "robots", cleared)
	}

	for _, svc := range o.Services() {
		if err := svc.Start(ctx); err != nil {
			slog.Error("service start failed", "robot_id", svc.RobotID(), "error", err)
			// Other robots still come up; the failed one stays in error.
		}
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(2)
	go o.statusMonitorLoop(monitorCtx)
	go o.healthCheckLoop(monitorCtx)

	o.states.SetSystemState(core.SystemReady, "orchestrator started")
	return nil
}

// Stop cancels the sweeps and stops every service.
func (o *Orchestrator) Stop(ctx context.Context) {
	if o.cancel != nil {
		o.cancel()
		o.wg.Wait()
		o.cancel = nil
	}
	for _, svc := range o.Services() {
		if err := svc.Stop(ctx); err != nil {
			slog.Error("service stop failed", "robot_id", svc.RobotID(), "error", err)
		}
	}
	o.states.SetSystemState(core.SystemShutdown, "orchestrator stopped")
}

// EmergencyStopAll stops every robot in parallel. Deliberately lock-free on
// the hot path: the fan-out must not wait behind any slower operation.
// Each task gets a hard per-task timeout; a timeout counts as a failure
// but never propagates.
func (o *Orchestrator) EmergencyStopAll(ctx context.Context, reason string) map[string]bool {
	slog.Error("SYSTEM EMERGENCY STOP", "reason", reason)
	metrics.EmergencyStopsTotal.WithLabelValues("system").Inc()

	services := o.Services()
	results := make(map[string]bool, len(services))
	var resultsMu sync.Mutex

	// Pause active steps first so every sequence freezes its resume state
	// at the exact in-flight command.
	for _, svc := range services {
		o.states.PauseStep(svc.RobotID())
	}

	g := new(errgroup.Group)
	for _, svc := range services {
		svc := svc
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, o.cfg.EstopTaskTimeout)
			defer cancel()
			err := svc.EmergencyStop(taskCtx)
			resultsMu.Lock()
			results[svc.RobotID()] = err == nil
			resultsMu.Unlock()
			if err != nil {
				slog.Error("emergency stop task failed", "robot_id", svc.RobotID(), "error", err)
			}
			return nil // failures are recorded, never propagated
		})
	}
	_ = g.Wait()

	stopped := o.states.EmergencyStopAll(reason)

	o.mu.Lock()
	o.estopActive = true
	for _, id := range stopped {
		o.estopped[id] = struct{}{}
	}
	o.mu.Unlock()

	o.bc.Broadcast(broadcast.EventEmergencyStop, map[string]any{
		"scope":   "system",
		"reason":  reason,
		"results": results,
	})
	return results
}

// EmergencyStopRobot stops a single robot, pausing its active step first.
func (o *Orchestrator) EmergencyStopRobot(ctx context.Context, robotID, reason string) error {
	svc, ok := o.Service(robotID)
	if !ok {
		return core.NewValidationError(fmt.Sprintf("unknown robot %q", robotID))
	}
	slog.Error("robot emergency stop", "robot_id", robotID, "reason", reason)
	metrics.EmergencyStopsTotal.WithLabelValues("robot").Inc()

	o.states.PauseStep(robotID)

	taskCtx, cancel := context.WithTimeout(ctx, o.cfg.EstopTaskTimeout)
	defer cancel()
	stopErr := svc.EmergencyStop(taskCtx)

	if _, err := o.states.UpdateRobotState(robotID, core.StateEmergencyStop, reason, nil); err != nil {
		slog.Error("estop state transition failed", "robot_id", robotID, "error", err)
	}

	o.mu.Lock()
	o.estopActive = true
	o.estopped[robotID] = struct{}{}
	o.mu.Unlock()

	o.bc.Broadcast(broadcast.EventEmergencyStop, map[string]any{
		"scope": "robot", "robot_id": robotID, "reason": reason,
	})
	return stopErr
}

// EmergencyStopActive reports whether an estop is latched.
func (o *Orchestrator) EmergencyStopActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.estopActive
}

// EstoppedRobots lists robots stopped by the latched estop.
func (o *Orchestrator) EstoppedRobots() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.estopped))
	for id := range o.estopped {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// safeResetState reports whether an estop may be cleared from state s.
func safeResetState(s core.RobotState) bool {
	return s == core.StateDisconnected || s == core.StateIdle || s == core.StateMaintenance
}

// ResetEmergencyStop clears the system estop. It refuses while any stopped
// robot has not been brought to a safe state. Paused step states are
// deliberately preserved: they drive the next quick recovery.
func (o *Orchestrator) ResetEmergencyStop() error {
	o.mu.Lock()
	if !o.estopActive {
		o.mu.Unlock()
		return core.NewValidationError("no emergency stop is active")
	}
	pending := make([]string, 0, len(o.estopped))
	for id := range o.estopped {
		pending = append(pending, id)
	}
	o.mu.Unlock()

	for _, id := range pending {
		desc, ok := o.states.GetRobotState(id)
		if !ok {
			continue
		}
		if desc.CurrentState == core.StateEmergencyStop {
			// Walk the robot out through maintenance; refuse if blocked.
			if _, err := o.states.UpdateRobotState(id, core.StateMaintenance, "estop reset", nil); err != nil {
				return core.NewValidationError(
					fmt.Sprintf("robot %s cannot leave emergency stop: %v", id, err))
			}
			desc, _ = o.states.GetRobotState(id)
		}
		if !safeResetState(desc.CurrentState) {
			return core.NewValidationError(fmt.Sprintf(
				"robot %s is %s; reset requires disconnected, idle, or maintenance",
				id, desc.CurrentState))
		}
	}

	o.mu.Lock()
	o.estopActive = false
	o.estopped = make(map[string]struct{})
	o.mu.Unlock()

	o.states.SetSystemState(core.SystemReady, "emergency stop cleared")
	slog.Info("emergency stop cleared", "robots", pending)
	return nil
}

// ResetRobotEmergencyStop clears a single robot's estop latch. The system
// flag clears once no robot remains stopped.
func (o *Orchestrator) ResetRobotEmergencyStop(robotID string) error {
	desc, ok := o.states.GetRobotState(robotID)
	if !ok {
		return core.NewValidationError(fmt.Sprintf("unknown robot %q", robotID))
	}
	if desc.CurrentState == core.StateEmergencyStop {
		if _, err := o.states.UpdateRobotState(robotID, core.StateMaintenance, "estop reset", nil); err != nil {
			return core.NewValidationError(
				fmt.Sprintf("robot %s cannot leave emergency stop: %v", robotID, err))
		}
		desc, _ = o.states.GetRobotState(robotID)
	}
	if !safeResetState(desc.CurrentState) {
		return core.NewValidationError(fmt.Sprintf(
			"robot %s is %s; reset requires a safe state", robotID, desc.CurrentState))
	}

	o.mu.Lock()
	delete(o.estopped, robotID)
	remaining := len(o.estopped)
	if remaining == 0 {
		o.estopActive = false
	}
	o.mu.Unlock()

	if remaining == 0 {
		o.states.SetSystemState(core.SystemReady, "last emergency stop cleared")
	}
	return nil
}

// QuickRecovery resumes an interrupted sequence after the estop has been
// cleared: the robot must already be out of emergency_stop (reset is a
// precondition, never implicit). Driver recovery runs first, then the
// executor re-enters the sequence; on this path only the executor clears
// the step's paused flag (ResumeAll also clears it).
func (o *Orchestrator) QuickRecovery(ctx context.Context, robotID string) (any, error) {
	desc, ok := o.states.GetRobotState(robotID)
	if !ok {
		return nil, core.NewValidationError(fmt.Sprintf("unknown robot %q", robotID))
	}
	if desc.CurrentState == core.StateEmergencyStop {
		return nil, core.NewValidationError(
			fmt.Sprintf("robot %s is still in emergency stop; reset it first", robotID))
	}
	if _, hasStep := o.states.GetStepState(robotID); !hasStep {
		return nil, core.NewValidationError(fmt.Sprintf("robot %s has no interrupted sequence", robotID))
	}

	svc, ok := o.Service(robotID)
	if !ok {
		return nil, core.NewValidationError(fmt.Sprintf("no service for robot %q", robotID))
	}
	if rec, ok := svc.(Recoverer); ok {
		if err := rec.QuickRecovery(ctx); err != nil {
			return nil, err
		}
	}

	type resumable interface {
		ResumeSequence(ctx context.Context) (any, error)
	}
	res, ok := svc.(resumable)
	if !ok {
		return nil, core.NewValidationError(
			fmt.Sprintf("robot %s does not support sequence resume", robotID))
	}
	return res.ResumeSequence(ctx)
}

// PauseAll pauses every service. Services without native pause support are
// parked in maintenance instead.
func (o *Orchestrator) PauseAll(ctx context.Context, reason string) map[string]bool {
	results := make(map[string]bool)
	for _, svc := range o.Services() {
		id := svc.RobotID()
		o.states.PauseStep(id)
		if p, ok := svc.(service.Pauser); ok {
			err := p.PauseOperations(ctx)
			results[id] = err == nil
			if err != nil {
				slog.Warn("pause failed", "robot_id", id, "error", err)
			}
			continue
		}
		_, err := o.states.UpdateRobotState(id, core.StateMaintenance, reason, nil)
		results[id] = err == nil
	}
	return results
}

// ResumeAll resumes every paused service.
func (o *Orchestrator) ResumeAll(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	for _, svc := range o.Services() {
		id := svc.RobotID()
		o.states.ResumeStep(id)
		if p, ok := svc.(service.Pauser); ok {
			err := p.ResumeOperations(ctx)
			results[id] = err == nil
			continue
		}
		desc, ok := o.states.GetRobotState(id)
		if ok && desc.CurrentState == core.StateMaintenance {
			_, err := o.states.UpdateRobotState(id, core.StateIdle, "resume", nil)
			results[id] = err == nil
		} else {
			results[id] = true
		}
	}
	return results
}

// ExecuteWorkflow runs a multi-robot protocol via the protocol service.
func (o *Orchestrator) ExecuteWorkflow(p protocol.Protocol, strategy protocol.Strategy) (string, error) {
	for _, robotID := range p.RequiredRobots {
		if _, ok := o.Service(robotID); !ok {
			return "", core.NewValidationError(
				fmt.Sprintf("workflow requires unregistered robot %q", robotID))
		}
	}
	executionID, err := o.proto.Create(p, strategy)
	if err != nil {
		return "", err
	}
	return executionID, o.proto.StartExecution(executionID)
}

// statusMonitorLoop logs robots needing attention and restores the system
// state from error once every robot has recovered and no estop is latched.
// Disconnected robots alone never demote the system to error.
func (o *Orchestrator) statusMonitorLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.StatusMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var attention []string
		operational := true
		for id, desc := range o.states.GetAllRobotStates() {
			if desc.CurrentState.NeedsAttention() {
				attention = append(attention, fmt.Sprintf("%s=%s", id, desc.CurrentState))
			}
			if desc.CurrentState == core.StateError || desc.CurrentState == core.StateEmergencyStop {
				operational = false
			}
		}
		if len(attention) > 0 {
			sort.Strings(attention)
			slog.Warn("robots need attention", "robots", attention)
		}
		if operational && o.states.SystemState() == core.SystemError && !o.EmergencyStopActive() {
			o.states.SetSystemState(core.SystemReady, "robots recovered")
		}
	}
}

// healthCheckLoop runs each service's health check on the configured
// interval.
func (o *Orchestrator) healthCheckLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, svc := range o.Services() {
			checkCtx, cancel := context.WithTimeout(ctx, o.cfg.EstopTaskTimeout)
			health := svc.HealthCheck(checkCtx)
			cancel()
			if connected, ok := health["connected"].(bool); ok && !connected {
				slog.Debug("health check: robot not connected", "robot_id", svc.RobotID())
			}
		}
	}
}
