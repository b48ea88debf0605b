package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/labcell/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
labcell:
  robots:
    meca:
      enabled: true
      ip: 192.168.0.100
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/run/labcell.sock", cfg.Control.Socket)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)

	assert.Equal(t, "meca", cfg.Robots.Meca.RobotID)
	assert.Equal(t, 10000, cfg.Robots.Meca.ControlPort)
	assert.Equal(t, 10001, cfg.Robots.Meca.MonitorPort)
	assert.Equal(t, 30*time.Second, cfg.Robots.Meca.CommandTimeout)
	assert.InDelta(t, 2.7, cfg.Robots.Meca.Movement.GapWafers, 0.0001)
	assert.InDelta(t, 35.0, cfg.Robots.Meca.Movement.Speed, 0.0001)

	assert.Equal(t, 31950, cfg.Robots.OT2.Port)
	assert.Equal(t, "4", cfg.Robots.OT2.APIVersion)
	assert.Equal(t, 2*time.Second, cfg.Robots.OT2.MonitoringInterval)

	assert.Equal(t, 5, cfg.Breakers.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breakers.RecoveryTimeout)
	assert.Equal(t, 10, cfg.Commands.MaxConcurrent)
	assert.Equal(t, 1000, cfg.State.MaxHistory)
	assert.Equal(t, 2*time.Second, cfg.Orchestrator.EstopTaskTimeout)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
labcell:
  log:
    level: debug
    format: text
  robots:
    meca:
      enabled: true
      ip: 10.0.0.5
      bind_interface: eno2
      command_timeout: 45s
      movement:
        gap_wafers: 3.1
      positions:
        safe_point: [135, -17.6, 160, 123.3, 40.9, -101.3]
      offsets:
        pickup:
          pickup_high_z: 12.5
  commands:
    max_concurrent: 4
`))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "eno2", cfg.Robots.Meca.BindInterface)
	assert.Equal(t, 45*time.Second, cfg.Robots.Meca.CommandTimeout)
	assert.InDelta(t, 3.1, cfg.Robots.Meca.Movement.GapWafers, 0.0001)
	assert.Len(t, cfg.Robots.Meca.Positions.SafePoint, 6)
	assert.InDelta(t, 12.5, cfg.Robots.Meca.Offsets["pickup"]["pickup_high_z"], 0.0001)
	assert.Equal(t, 4, cfg.Commands.MaxConcurrent)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", `
labcell:
  log:
    level: loud
`},
		{"arm without ip", `
labcell:
  robots:
    meca:
      enabled: true
`},
		{"same ports", `
labcell:
  robots:
    meca:
      enabled: true
      ip: 10.0.0.5
      control_port: 10000
      monitor_port: 10000
`},
		{"bad pose length", `
labcell:
  robots:
    meca:
      enabled: true
      ip: 10.0.0.5
      positions:
        safe_point: [1, 2, 3]
`},
		{"ot2 without ip", `
labcell:
  robots:
    ot2:
      enabled: true
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.True(t, core.IsKind(err, core.KindConfiguration), "got %v", err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yml")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindConfiguration))
}
