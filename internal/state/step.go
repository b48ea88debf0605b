package state

import (
	"log/slog"
	"sort"
	"time"

	"icc.tech/labcell/internal/core"
)

// Progress data keys the sequence executor reads back on resume.
const (
	ProgressStart          = "start"
	ProgressCount          = "count"
	ProgressWaferIndex     = "current_wafer_index"
	ProgressCommandIndex   = "current_command_index"
	ProgressLastCommand    = "last_command"
	ProgressTotalWafers    = "total_wafers"
	ProgressTotalCommands  = "total_commands"
)

// StepState is the per-robot record of an in-progress sequence. At most one
// exists per robot; it is the resume oracle after an emergency stop.
type StepState struct {
	StepIndex     int            `json:"step_index"`
	StepName      string         `json:"step_name"`
	OperationType string         `json:"operation_type"`
	Paused        bool           `json:"paused"`
	ProgressData  map[string]any `json:"progress_data"`
	StartedAt     time.Time      `json:"started_at"`
}

func (s *StepState) clone() StepState {
	dup := *s
	dup.ProgressData = make(map[string]any, len(s.ProgressData))
	for k, v := range s.ProgressData {
		dup.ProgressData[k] = v
	}
	return dup
}

// StartStep creates the robot's active step, replacing any previous one.
func (m *Manager) StartStep(robotID, stepName, operationType string, progress map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.robots[robotID]; !ok {
		return core.NewValidationError("unknown robot " + robotID)
	}
	data := make(map[string]any, len(progress))
	for k, v := range progress {
		data[k] = v
	}
	m.steps[robotID] = &StepState{
		StepIndex:     len(m.steps),
		StepName:      stepName,
		OperationType: operationType,
		ProgressData:  data,
		StartedAt:     m.now(),
	}
	slog.Info("step started", "robot_id", robotID, "step", stepName, "operation", operationType)
	return nil
}

// UpdateStepProgress merges the given keys into the step's progress data.
func (m *Manager) UpdateStepProgress(robotID string, progress map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[robotID]
	if !ok {
		return core.NewValidationError("no active step for robot " + robotID)
	}
	for k, v := range progress {
		step.ProgressData[k] = v
	}
	return nil
}

// PauseStep sets the paused flag. Progress data is preserved for resume.
func (m *Manager) PauseStep(robotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[robotID]
	if !ok {
		return false
	}
	if !step.Paused {
		step.Paused = true
		slog.Info("step paused", "robot_id", robotID, "step", step.StepName,
			"progress", step.ProgressData)
	}
	return true
}

// ResumeStep clears the paused flag and reports whether the step had been
// paused. Callers that need the pre-clear value for resume decisions use
// the return value rather than re-reading the flag.
func (m *Manager) ResumeStep(robotID string) (wasPaused bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[robotID]
	if !ok {
		return false
	}
	wasPaused = step.Paused
	step.Paused = false
	if wasPaused {
		slog.Info("step resumed", "robot_id", robotID, "step", step.StepName)
	}
	return wasPaused
}

// CompleteStep destroys the robot's active step.
func (m *Manager) CompleteStep(robotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if step, ok := m.steps[robotID]; ok {
		slog.Info("step completed", "robot_id", robotID, "step", step.StepName)
		delete(m.steps, robotID)
	}
}

// IsStepPaused reports the paused flag of the robot's active step.
func (m *Manager) IsStepPaused(robotID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[robotID]
	return ok && step.Paused
}

// GetStepState returns a copy of the robot's active step.
func (m *Manager) GetStepState(robotID string) (StepState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	step, ok := m.steps[robotID]
	if !ok {
		return StepState{}, false
	}
	return step.clone(), true
}

// ClearAllPausedSteps removes every paused step. Called once on process
// start: a restart must never silently resume an e-stopped sequence.
func (m *Manager) ClearAllPausedSteps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared []string
	for id, step := range m.steps {
		if step.Paused {
			delete(m.steps, id)
			cleared = append(cleared, id)
		}
	}
	sort.Strings(cleared)
	if len(cleared) > 0 {
		slog.Warn("cleared paused steps on startup", "robots", cleared)
	}
	return cleared
}
