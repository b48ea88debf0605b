// Package protocol implements multi-step, multi-robot protocol execution
// with sequential, parallel, and dependency-ordered strategies, plus disk
// snapshots of live executions for crash recovery.
package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"icc.tech/labcell/internal/core"
)

// Step is one unit of a protocol, executed on one robot.
type Step struct {
	StepID        string         `json:"step_id" yaml:"step_id"`
	RobotID       string         `json:"robot_id" yaml:"robot_id"`
	OperationType string         `json:"operation_type" yaml:"operation_type"`
	Parameters    map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies  []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Timeout       time.Duration  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries    int            `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// Protocol is a user-level workflow definition.
type Protocol struct {
	ProtocolID         string         `json:"protocol_id" yaml:"protocol_id"`
	Name               string         `json:"name" yaml:"name"`
	Description        string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version            string         `json:"version,omitempty" yaml:"version,omitempty"`
	GlobalParameters   map[string]any `json:"global_parameters,omitempty" yaml:"global_parameters,omitempty"`
	RequiredRobots     []string       `json:"required_robots,omitempty" yaml:"required_robots,omitempty"`
	EstimatedDuration  time.Duration  `json:"estimated_duration,omitempty" yaml:"estimated_duration,omitempty"`
	SafetyRequirements []string       `json:"safety_requirements,omitempty" yaml:"safety_requirements,omitempty"`
	Steps              []Step         `json:"steps" yaml:"steps"`
}

// Validate checks structural soundness: unique step ids, known
// dependencies, no dependency cycles.
func (p *Protocol) Validate() error {
	if p.ProtocolID == "" {
		return core.NewValidationError("protocol_id must not be empty")
	}
	if len(p.Steps) == 0 {
		return core.NewValidationError("protocol has no steps")
	}

	ids := make(map[string]*Step, len(p.Steps))
	for i := range p.Steps {
		s := &p.Steps[i]
		if s.StepID == "" {
			return core.NewValidationError("step without step_id")
		}
		if s.RobotID == "" {
			return core.NewValidationError(fmt.Sprintf("step %s has no robot_id", s.StepID))
		}
		if _, dup := ids[s.StepID]; dup {
			return core.NewValidationError(fmt.Sprintf("duplicate step_id %q", s.StepID))
		}
		ids[s.StepID] = s
	}
	for _, s := range p.Steps {
		for _, dep := range s.Dependencies {
			if _, ok := ids[dep]; !ok {
				return core.NewValidationError(
					fmt.Sprintf("step %s depends on unknown step %q", s.StepID, dep))
			}
		}
	}

	// Cycle detection by repeated elimination of satisfiable steps.
	resolved := make(map[string]bool, len(p.Steps))
	for len(resolved) < len(p.Steps) {
		progressed := false
		for _, s := range p.Steps {
			if resolved[s.StepID] {
				continue
			}
			ready := true
			for _, dep := range s.Dependencies {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				resolved[s.StepID] = true
				progressed = true
			}
		}
		if !progressed {
			return core.NewValidationError("protocol dependency graph has a cycle")
		}
	}
	return nil
}

// Strategy selects how steps are scheduled.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyDependency Strategy = "dependency_based"
)

// ParseStrategy resolves a wire-level strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", string(StrategySequential):
		return StrategySequential, nil
	case string(StrategyParallel):
		return StrategyParallel, nil
	case string(StrategyDependency):
		return StrategyDependency, nil
	}
	return "", core.NewValidationError(fmt.Sprintf("unknown strategy %q", s))
}

// ExecutionStatus is the lifecycle state of one execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Live reports whether the execution still needs a disk snapshot.
func (s ExecutionStatus) Live() bool {
	return s == ExecutionRunning || s == ExecutionPaused
}

// Execution is one live or finished instance of a protocol.
type Execution struct {
	ExecutionID    string          `json:"execution_id"`
	Protocol       Protocol        `json:"protocol"`
	Strategy       Strategy        `json:"strategy"`
	Status         ExecutionStatus `json:"status"`
	CurrentStep    string          `json:"current_step,omitempty"`
	CompletedSteps []string        `json:"completed_steps"`
	FailedSteps    []string        `json:"failed_steps"`
	Results        map[string]any  `json:"results"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// LoadTemplate reads a protocol definition from a JSON or YAML file.
func LoadTemplate(path string) (*Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewValidationError(fmt.Sprintf("protocol template %q: %v", path, err))
	}
	var p Protocol
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, core.NewValidationError(fmt.Sprintf("invalid JSON template %q: %v", path, err))
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, core.NewValidationError(fmt.Sprintf("invalid YAML template %q: %v", path, err))
		}
	default:
		return nil, core.NewValidationError(fmt.Sprintf("unsupported template format %q", filepath.Ext(path)))
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadTemplateDir loads every template in a directory, skipping the
// active/ snapshot subdirectory.
func LoadTemplateDir(dir string) (map[string]*Protocol, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Protocol{}, nil
		}
		return nil, core.NewConfigurationError(fmt.Sprintf("protocol directory %q", dir), err)
	}
	out := make(map[string]*Protocol)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		p, err := LoadTemplate(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out[p.ProtocolID] = p
	}
	return out, nil
}
