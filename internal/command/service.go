package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/metrics"
	"icc.tech/labcell/internal/state"
)

// Processor executes one command against a robot of its type. The canonical
// parameter map (after transforms) is in cmd.Parameters.
type Processor func(ctx context.Context, cmd *core.Command) (any, error)

// Service owns every command from submission to the history ring.
type Service struct {
	cfg    config.CommandConfig
	states *state.Manager
	sem    *semaphore.Weighted

	mu         sync.Mutex
	queues     map[string]*robotQueue
	active     map[string]*core.Command            // command_id -> in-flight or pending
	running    map[string]context.CancelFunc       // command_id -> cancel of running dispatch
	processors map[core.RobotType]Processor
	history    []*core.Command
	seq        uint64
	drainers   map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the service. Processors are registered per robot type
// before Start.
func NewService(cfg config.CommandConfig, states *state.Manager) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 1000
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 3
	}
	return &Service{
		cfg:        cfg,
		states:     states,
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		queues:     make(map[string]*robotQueue),
		active:     make(map[string]*core.Command),
		running:    make(map[string]context.CancelFunc),
		processors: make(map[core.RobotType]Processor),
		drainers:   make(map[string]struct{}),
	}
}

// RegisterProcessor installs the executor for one robot type. Submissions
// for types without a processor are rejected.
func (s *Service) RegisterProcessor(robotType core.RobotType, p Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processors[robotType] = p
}

// Start enables dispatch.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	// Existing queues (commands submitted before start) get drainers now.
	for robotID := range s.queues {
		s.startDrainerLocked(robotID)
	}
}

// Stop cancels every in-flight command and waits for the drainers.
func (s *Service) Stop() {
	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.drainers = make(map[string]struct{})
	s.mu.Unlock()
}

// SubmitRequest is the wire-level submission.
type SubmitRequest struct {
	RobotID       string
	CommandType   string
	Parameters    map[string]any
	Priority      string
	Timeout       time.Duration
	MaxRetries    *int
	CorrelationID string
}

// Submit validates the request and enqueues a typed command. It returns the
// assigned command id.
func (s *Service) Submit(req SubmitRequest) (string, error) {
	cmdType, err := core.ParseCommandType(req.CommandType)
	if err != nil {
		return "", err
	}
	priority, err := core.ParsePriority(req.Priority)
	if err != nil {
		return "", err
	}

	desc, ok := s.states.GetRobotState(req.RobotID)
	if !ok {
		return "", core.NewValidationError(fmt.Sprintf("unknown robot %q", req.RobotID))
	}
	if !commandAllowedInState(cmdType, desc.CurrentState) {
		return "", core.NewValidationError(fmt.Sprintf(
			"robot %s is %s; %s not accepted", req.RobotID, desc.CurrentState, cmdType))
	}

	typed, err := DecodeParams(cmdType, req.Parameters)
	if err != nil {
		return "", err
	}
	params := req.Parameters
	if transformed := TransformParams(cmdType, typed); transformed != nil {
		params = transformed
	}

	s.mu.Lock()
	if _, ok := s.processors[desc.RobotType]; !ok {
		s.mu.Unlock()
		return "", core.NewValidationError(fmt.Sprintf("no processor for robot type %q", desc.RobotType))
	}

	maxRetries := s.cfg.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}

	cmd := &core.Command{
		CommandID:     uuid.NewString(),
		RobotID:       req.RobotID,
		Type:          cmdType,
		Parameters:    params,
		Priority:      priority,
		Timeout:       timeout,
		MaxRetries:    maxRetries,
		Status:        core.CommandPending,
		CreatedAt:     time.Now(),
		CorrelationID: req.CorrelationID,
	}
	s.enqueueLocked(cmd)
	s.active[cmd.CommandID] = cmd
	s.mu.Unlock()

	slog.Info("command submitted", "command_id", cmd.CommandID,
		"robot_id", cmd.RobotID, "type", cmd.Type, "priority", cmd.Priority.String())
	return cmd.CommandID, nil
}

// commandAllowedInState gates submission on the robot's lifecycle state.
// Recovery-path commands must remain available outside idle/busy.
func commandAllowedInState(cmdType core.CommandType, st core.RobotState) bool {
	switch cmdType {
	case core.CommandConnect, core.CommandDisconnect, core.CommandEmergencyStop,
		core.CommandStatus, core.CommandReset, core.CommandStop:
		return true
	}
	return st.IsOperational()
}

// enqueueLocked pushes onto the robot's queue, creating it (and its
// drainer, when the service is running) on first use. Caller holds s.mu.
func (s *Service) enqueueLocked(cmd *core.Command) {
	rq, ok := s.queues[cmd.RobotID]
	if !ok {
		rq = newRobotQueue()
		s.queues[cmd.RobotID] = rq
	}
	s.seq++
	rq.push(&queueItem{cmd: cmd, enqueued: time.Now(), seq: s.seq})
	metrics.CommandQueueDepth.WithLabelValues(cmd.RobotID).Set(float64(rq.depth()))
	if s.ctx != nil {
		s.startDrainerLocked(cmd.RobotID)
	}
}

// startDrainerLocked launches the robot's queue drainer once. Caller holds
// s.mu.
func (s *Service) startDrainerLocked(robotID string) {
	if _, running := s.drainers[robotID]; running {
		return
	}
	s.drainers[robotID] = struct{}{}
	s.wg.Add(1)
	go s.drainLoop(s.ctx, robotID)
}

// drainLoop serialises one robot's commands: pop, gate, dispatch, repeat.
func (s *Service) drainLoop(ctx context.Context, robotID string) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		rq := s.queues[robotID]
		item := rq.pop()
		metrics.CommandQueueDepth.WithLabelValues(robotID).Set(float64(rq.depth()))
		s.mu.Unlock()

		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-rq.wake:
				continue
			}
		}

		// Dispatch is blocked while the robot's step is paused; the queue
		// holds the command rather than dropping it.
		for s.states.IsStepPaused(robotID) {
			select {
			case <-ctx.Done():
				s.finalise(item.cmd, core.CommandCancelled, nil,
					core.NewValidationError("service stopped"))
				return
			case <-time.After(200 * time.Millisecond):
			}
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.finalise(item.cmd, core.CommandCancelled, nil,
				core.NewValidationError("service stopped"))
			return
		}
		s.execute(ctx, item.cmd)
		s.sem.Release(1)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// execute runs one command through its processor with full lifecycle
// bookkeeping.
func (s *Service) execute(ctx context.Context, cmd *core.Command) {
	desc, ok := s.states.GetRobotState(cmd.RobotID)
	if !ok {
		s.finalise(cmd, core.CommandFailed, nil, core.NewValidationError("robot vanished"))
		return
	}

	s.mu.Lock()
	processor := s.processors[desc.RobotType]
	s.mu.Unlock()
	if processor == nil {
		s.finalise(cmd, core.CommandFailed, nil,
			core.NewValidationError(fmt.Sprintf("no processor for robot type %q", desc.RobotType)))
		return
	}

	now := time.Now()
	cmd.Status = core.CommandRunning
	cmd.StartedAt = &now

	// Every command marks the robot busy for its duration. The
	// transition is skipped (not failed) for robots outside idle, e.g. a
	// connect command on a disconnected robot.
	busySet, _ := s.states.UpdateRobotState(cmd.RobotID, core.StateBusy,
		fmt.Sprintf("executing %s", cmd.Type), nil)

	cmdCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		cmdCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
	} else {
		cmdCtx, cancel = context.WithCancel(ctx)
	}
	s.mu.Lock()
	s.running[cmd.CommandID] = cancel
	s.mu.Unlock()

	result, err := processor(cmdCtx, cmd)
	timedOut := cmdCtx.Err() == context.DeadlineExceeded
	cancel()

	s.mu.Lock()
	delete(s.running, cmd.CommandID)
	s.mu.Unlock()

	if busySet {
		if _, stateErr := s.states.UpdateRobotState(cmd.RobotID, core.StateIdle,
			fmt.Sprintf("finished %s", cmd.Type), nil); stateErr != nil {
			// idle was refused (e.g. estop arrived mid-command); try error
			// as the fallback landing state.
			if _, fallbackErr := s.states.UpdateRobotState(cmd.RobotID, core.StateError,
				"command completion state fallback", nil); fallbackErr != nil {
				slog.Error("robot state reset failed", "robot_id", cmd.RobotID, "error", fallbackErr)
			}
		}
	}

	switch {
	case err == nil && !timedOut:
		s.finalise(cmd, core.CommandCompleted, result, nil)
	case timedOut:
		slog.Warn("command timed out; hardware may still be moving, emergency stop if unsure",
			"command_id", cmd.CommandID, "robot_id", cmd.RobotID, "type", cmd.Type)
		s.retryOrFail(cmd, core.CommandTimeout,
			core.NewHardwareError("command timed out", cmd.RobotID, cmdCtx.Err()))
	default:
		s.retryOrFail(cmd, core.CommandFailed, err)
	}
}

// retryOrFail re-enqueues transient failures with a priority bump, up to
// the command's retry budget.
func (s *Service) retryOrFail(cmd *core.Command, finalStatus core.CommandStatus, err error) {
	retryable := finalStatus == core.CommandTimeout || core.IsRetryable(err)
	if retryable && cmd.RetryCount < cmd.MaxRetries {
		cmd.RetryCount++
		cmd.Priority = cmd.Priority.Bump()
		cmd.Status = core.CommandPending
		cmd.StartedAt = nil
		slog.Info("command requeued for retry", "command_id", cmd.CommandID,
			"retry", cmd.RetryCount, "of", cmd.MaxRetries, "priority", cmd.Priority.String())
		s.mu.Lock()
		s.enqueueLocked(cmd)
		s.mu.Unlock()
		return
	}
	s.finalise(cmd, finalStatus, nil, err)
}

// finalise records the terminal status and moves the command to history.
func (s *Service) finalise(cmd *core.Command, status core.CommandStatus, result any, err error) {
	now := time.Now()
	cmd.Status = status
	cmd.CompletedAt = &now
	cmd.Result = result
	if err != nil {
		cmd.Error = fmt.Sprintf("%v (after %d retries)", err, cmd.RetryCount)
	}

	metrics.CommandsTotal.WithLabelValues(cmd.RobotID, string(cmd.Type), string(status)).Inc()
	if cmd.StartedAt != nil {
		metrics.CommandDurationSeconds.WithLabelValues(cmd.RobotID, string(cmd.Type)).
			Observe(now.Sub(*cmd.StartedAt).Seconds())
	}

	s.mu.Lock()
	delete(s.active, cmd.CommandID)
	s.history = append(s.history, cmd)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.mu.Unlock()

	if status == core.CommandCompleted {
		slog.Info("command completed", "command_id", cmd.CommandID,
			"robot_id", cmd.RobotID, "type", cmd.Type)
	} else {
		slog.Warn("command finished", "command_id", cmd.CommandID,
			"robot_id", cmd.RobotID, "type", cmd.Type, "status", status, "error", cmd.Error)
	}
}

// Cancel cancels a pending command, or aborts a running one by cancelling
// its context.
func (s *Service) Cancel(commandID string) error {
	s.mu.Lock()
	cmd, ok := s.active[commandID]
	if !ok {
		s.mu.Unlock()
		return core.NewValidationError(fmt.Sprintf("unknown or finished command %q", commandID))
	}
	if cancel, running := s.running[commandID]; running {
		s.mu.Unlock()
		cancel()
		slog.Info("running command aborted", "command_id", commandID)
		return nil
	}
	// Pending: tombstone it in the queue.
	for _, item := range s.queues[cmd.RobotID].heap {
		if item.cmd.CommandID == commandID {
			item.cancelled = true
		}
	}
	delete(s.active, commandID)
	s.mu.Unlock()

	s.finalise(cmd, core.CommandCancelled, nil, nil)
	return nil
}

// Get returns the command by id, live or from history.
func (s *Service) Get(commandID string) (core.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd, ok := s.active[commandID]; ok {
		return *cmd, true
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].CommandID == commandID {
			return *s.history[i], true
		}
	}
	return core.Command{}, false
}

// HistoryQuery filters the history ring.
type HistoryQuery struct {
	RobotID string
	Status  core.CommandStatus
	Limit   int
}

// History returns matching finished commands, newest first.
func (s *Service) History(q HistoryQuery) []core.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Command
	for i := len(s.history) - 1; i >= 0; i-- {
		c := s.history[i]
		if q.RobotID != "" && c.RobotID != q.RobotID {
			continue
		}
		if q.Status != "" && c.Status != q.Status {
			continue
		}
		out = append(out, *c)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out
}

// Active lists live (pending or running) commands, optionally per robot.
func (s *Service) Active(robotID string) []core.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Command
	for _, c := range s.active {
		if robotID != "" && c.RobotID != robotID {
			continue
		}
		out = append(out, *c)
	}
	return out
}

// QueueDepth reports the robot's pending queue length.
func (s *Service) QueueDepth(robotID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rq, ok := s.queues[robotID]; ok {
		return rq.depth()
	}
	return 0
}
