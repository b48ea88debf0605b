// Package service binds drivers, wrappers, and the sequence executor into
// per-robot services with a uniform lifecycle the orchestrator manages.
package service

import (
	"context"
	"time"

	"icc.tech/labcell/internal/core"
)

// RobotService is the uniform surface the orchestrator coordinates.
type RobotService interface {
	RobotID() string
	RobotType() core.RobotType
	// Start brings the service up (connects hardware when enabled).
	Start(ctx context.Context) error
	// Stop tears the service down.
	Stop(ctx context.Context) error
	// EmergencyStop halts the hardware as fast as possible.
	EmergencyStop(ctx context.Context) error
	// HealthCheck reports liveness details for the periodic sweep.
	HealthCheck(ctx context.Context) map[string]any
}

// Pauser is implemented by services with native pause support.
type Pauser interface {
	PauseOperations(ctx context.Context) error
	ResumeOperations(ctx context.Context) error
}

// timed runs fn and returns a uniform ServiceResult envelope.
func timed(fn func() (any, error)) core.ServiceResult {
	start := time.Now()
	data, err := fn()
	if err != nil {
		return core.FailResult(err, time.Since(start))
	}
	return core.OKResult(data, time.Since(start))
}
