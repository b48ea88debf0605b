package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/metrics"
)

// StepRunner dispatches one step to its robot and returns the step result.
// Wired by the daemon.
type StepRunner func(ctx context.Context, step Step) (any, error)

// Service owns protocol executions.
type Service struct {
	cfg    config.ProtocolConfig
	runner StepRunner
	store  *snapshotStore

	mu         sync.Mutex
	executions map[string]*Execution
	cancels    map[string]context.CancelFunc
	paused     map[string]chan struct{} // closed when resumed

	wg sync.WaitGroup
}

// NewService creates the service. The snapshot store lives under
// <directory>/active.
func NewService(cfg config.ProtocolConfig, runner StepRunner) (*Service, error) {
	store, err := newSnapshotStore(cfg.Directory)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:        cfg,
		runner:     runner,
		store:      store,
		executions: make(map[string]*Execution),
		cancels:    make(map[string]context.CancelFunc),
		paused:     make(map[string]chan struct{}),
	}, nil
}

// Start loads snapshots of executions that were live when the previous
// process died and parks them as paused: a restart never silently resumes
// robot motion.
func (s *Service) Start() error {
	recovered, err := s.store.loadAll()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range recovered {
		if ex.Status.Live() {
			ex.Status = ExecutionPaused
			s.executions[ex.ExecutionID] = ex
			if err := s.store.save(ex); err != nil {
				slog.Warn("failed to re-snapshot recovered execution",
					"execution_id", ex.ExecutionID, "error", err)
			}
			slog.Warn("recovered live execution as paused, operator resume required",
				"execution_id", ex.ExecutionID, "protocol", ex.Protocol.ProtocolID)
		}
	}
	return nil
}

// Stop cancels running executions and waits for their goroutines; every
// live execution gets a final snapshot.
func (s *Service) Stop() {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.executions {
		if ex.Status.Live() {
			if err := s.store.save(ex); err != nil {
				slog.Error("final snapshot failed", "execution_id", ex.ExecutionID, "error", err)
			}
		}
	}
}

// Create registers a new execution for the protocol.
func (s *Service) Create(p Protocol, strategy Strategy) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	ex := &Execution{
		ExecutionID:    uuid.NewString(),
		Protocol:       p,
		Strategy:       strategy,
		Status:         ExecutionPending,
		CompletedSteps: []string{},
		FailedSteps:    []string{},
		Results:        make(map[string]any),
		CreatedAt:      time.Now(),
	}
	s.mu.Lock()
	s.executions[ex.ExecutionID] = ex
	s.mu.Unlock()
	slog.Info("execution created", "execution_id", ex.ExecutionID,
		"protocol", p.ProtocolID, "strategy", strategy, "steps", len(p.Steps))
	return ex.ExecutionID, nil
}

// StartExecution launches the execution in the background.
func (s *Service) StartExecution(executionID string) error {
	s.mu.Lock()
	ex, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		return core.NewValidationError(fmt.Sprintf("unknown execution %q", executionID))
	}
	if ex.Status != ExecutionPending && ex.Status != ExecutionPaused {
		s.mu.Unlock()
		return core.NewValidationError(
			fmt.Sprintf("execution %s is %s, cannot start", executionID, ex.Status))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancels[executionID] = cancel
	now := time.Now()
	ex.Status = ExecutionRunning
	if ex.StartedAt == nil {
		ex.StartedAt = &now
	}
	_ = s.store.save(ex)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runExecution(ctx, ex)
	}()
	return nil
}

// Pause requests a pause; the engine parks between steps.
func (s *Service) Pause(executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return core.NewValidationError(fmt.Sprintf("unknown execution %q", executionID))
	}
	if ex.Status != ExecutionRunning {
		return core.NewValidationError(fmt.Sprintf("execution %s is %s, cannot pause", executionID, ex.Status))
	}
	if _, already := s.paused[executionID]; !already {
		s.paused[executionID] = make(chan struct{})
	}
	ex.Status = ExecutionPaused
	_ = s.store.save(ex)
	slog.Info("execution paused", "execution_id", executionID)
	return nil
}

// Resume releases a paused execution.
func (s *Service) Resume(executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return core.NewValidationError(fmt.Sprintf("unknown execution %q", executionID))
	}
	if ex.Status != ExecutionPaused {
		return core.NewValidationError(fmt.Sprintf("execution %s is %s, cannot resume", executionID, ex.Status))
	}
	if gate, ok := s.paused[executionID]; ok {
		ex.Status = ExecutionRunning
		close(gate)
		delete(s.paused, executionID)
		_ = s.store.save(ex)
		slog.Info("execution resumed", "execution_id", executionID)
		return nil
	}
	// Recovered-from-disk execution with no engine goroutine: relaunch.
	s.mu.Unlock()
	err := s.StartExecution(executionID)
	s.mu.Lock()
	if err == nil {
		slog.Info("execution resumed", "execution_id", executionID)
	}
	return err
}

// Cancel aborts the execution.
func (s *Service) Cancel(executionID string) error {
	s.mu.Lock()
	ex, ok := s.executions[executionID]
	if !ok {
		s.mu.Unlock()
		return core.NewValidationError(fmt.Sprintf("unknown execution %q", executionID))
	}
	cancel := s.cancels[executionID]
	if gate, paused := s.paused[executionID]; paused {
		close(gate)
		delete(s.paused, executionID)
	}
	ex.Status = ExecutionCancelled
	now := time.Now()
	ex.CompletedAt = &now
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.store.remove(executionID)
	slog.Info("execution cancelled", "execution_id", executionID)
	return nil
}

// Get returns a copy of the execution.
func (s *Service) Get(executionID string) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.executions[executionID]
	if !ok {
		return Execution{}, false
	}
	return s.snapshotLocked(ex), true
}

// List returns copies of every known execution.
func (s *Service) List() []Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, 0, len(s.executions))
	for _, ex := range s.executions {
		out = append(out, s.snapshotLocked(ex))
	}
	return out
}

func (s *Service) snapshotLocked(ex *Execution) Execution {
	dup := *ex
	dup.CompletedSteps = append([]string{}, ex.CompletedSteps...)
	dup.FailedSteps = append([]string{}, ex.FailedSteps...)
	dup.Results = make(map[string]any, len(ex.Results))
	for k, v := range ex.Results {
		dup.Results[k] = v
	}
	return dup
}

// runExecution walks the protocol with the chosen strategy.
func (s *Service) runExecution(ctx context.Context, ex *Execution) {
	var err error
	switch ex.Strategy {
	case StrategyParallel:
		err = s.runParallel(ctx, ex)
	case StrategyDependency:
		err = s.runDependency(ctx, ex)
	default:
		err = s.runSequential(ctx, ex)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, ex.ExecutionID)

	// Shutdown cancellation parks the execution instead of failing it, so
	// the snapshot survives for restart recovery.
	if errors.Is(err, context.Canceled) && ex.Status != ExecutionCancelled {
		ex.Status = ExecutionPaused
		_ = s.store.save(ex)
		slog.Warn("execution parked by shutdown", "execution_id", ex.ExecutionID)
		return
	}

	now := time.Now()
	ex.CompletedAt = &now
	ex.CurrentStep = ""

	switch {
	case ex.Status == ExecutionCancelled:
		// Cancel already finalised the record.
	case err != nil:
		ex.Status = ExecutionFailed
		ex.Error = err.Error()
		slog.Error("execution failed", "execution_id", ex.ExecutionID, "error", err)
	default:
		ex.Status = ExecutionCompleted
		slog.Info("execution completed", "execution_id", ex.ExecutionID,
			"steps", len(ex.CompletedSteps))
	}
	// Terminal executions need no snapshot; remove the live file.
	s.store.remove(ex.ExecutionID)
}

// waitIfPaused parks between steps while a pause is requested.
func (s *Service) waitIfPaused(ctx context.Context, executionID string) error {
	s.mu.Lock()
	gate, paused := s.paused[executionID]
	s.mu.Unlock()
	if !paused {
		return nil
	}
	slog.Info("execution parked on pause gate", "execution_id", executionID)
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) runSequential(ctx context.Context, ex *Execution) error {
	for _, step := range ex.Protocol.Steps {
		if err := s.waitIfPaused(ctx, ex.ExecutionID); err != nil {
			return err
		}
		if done := s.alreadyDone(ex, step.StepID); done {
			continue // recovered execution: completed steps are not re-run
		}
		if err := s.runStep(ctx, ex, step); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) runParallel(ctx context.Context, ex *Execution) error {
	// Every step runs; a failure is recorded but never cancels peers.
	// The whole execution fails afterwards if any step failed.
	g := new(errgroup.Group)
	var mu sync.Mutex
	var firstErr error
	for _, step := range ex.Protocol.Steps {
		step := step
		if s.alreadyDone(ex, step.StepID) {
			continue
		}
		g.Go(func() error {
			if err := s.runStep(ctx, ex, step); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return firstErr
}

func (s *Service) runDependency(ctx context.Context, ex *Execution) error {
	remaining := make(map[string]Step, len(ex.Protocol.Steps))
	for _, step := range ex.Protocol.Steps {
		if !s.alreadyDone(ex, step.StepID) {
			remaining[step.StepID] = step
		}
	}

	for len(remaining) > 0 {
		if err := s.waitIfPaused(ctx, ex.ExecutionID); err != nil {
			return err
		}

		s.mu.Lock()
		completed := make(map[string]bool, len(ex.CompletedSteps))
		for _, id := range ex.CompletedSteps {
			completed[id] = true
		}
		failedAny := len(ex.FailedSteps) > 0
		s.mu.Unlock()

		var round []Step
		for _, step := range remaining {
			ready := true
			for _, dep := range step.Dependencies {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if ready {
				round = append(round, step)
			}
		}
		if len(round) == 0 {
			if failedAny {
				return core.NewProtocolExecutionError(
					"deadlock: remaining steps blocked by failed dependencies", nil)
			}
			return core.NewProtocolExecutionError("deadlock: no runnable steps", nil)
		}

		// Steps within a round run concurrently; failures are recorded and
		// the next round decides whether progress is still possible.
		g := new(errgroup.Group)
		for _, step := range round {
			step := step
			delete(remaining, step.StepID)
			g.Go(func() error {
				_ = s.runStep(ctx, ex, step)
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	s.mu.Lock()
	failed := len(ex.FailedSteps)
	s.mu.Unlock()
	if failed > 0 {
		return core.NewProtocolExecutionError(fmt.Sprintf("%d step(s) failed", failed), nil)
	}
	return nil
}

func (s *Service) alreadyDone(ex *Execution, stepID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ex.CompletedSteps {
		if id == stepID {
			return true
		}
	}
	return false
}

// runStep executes one step with its retry budget.
func (s *Service) runStep(ctx context.Context, ex *Execution, step Step) error {
	s.mu.Lock()
	ex.CurrentStep = step.StepID
	_ = s.store.save(ex)
	s.mu.Unlock()

	maxRetries := step.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.MaxStepRetries
	}
	if maxRetries < 0 {
		maxRetries = 0 // explicit "no retries"
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.cfg.StepTimeout
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		stepCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		result, err := s.runner(stepCtx, step)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			s.mu.Lock()
			ex.CompletedSteps = append(ex.CompletedSteps, step.StepID)
			ex.Results[step.StepID] = result
			_ = s.store.save(ex)
			s.mu.Unlock()
			metrics.ProtocolStepsTotal.WithLabelValues("completed").Inc()
			slog.Info("step completed", "execution_id", ex.ExecutionID,
				"step", step.StepID, "robot_id", step.RobotID, "attempt", attempt)
			return nil
		}
		lastErr = err
		slog.Warn("step attempt failed", "execution_id", ex.ExecutionID,
			"step", step.StepID, "attempt", attempt, "of", maxRetries, "error", err)
	}

	s.mu.Lock()
	ex.FailedSteps = append(ex.FailedSteps, step.StepID)
	ex.Results[step.StepID] = map[string]any{"error": fmt.Sprint(lastErr)}
	_ = s.store.save(ex)
	s.mu.Unlock()
	metrics.ProtocolStepsTotal.WithLabelValues("failed").Inc()
	return core.NewProtocolExecutionError(
		fmt.Sprintf("step %s failed after %d attempt(s)", step.StepID, maxRetries+1), lastErr)
}
