package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/labcell/internal/breaker"
	"icc.tech/labcell/internal/broadcast"
	"icc.tech/labcell/internal/command"
	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/lock"
	"icc.tech/labcell/internal/orchestrator"
	"icc.tech/labcell/internal/protocol"
	"icc.tech/labcell/internal/state"
)

func newTestControl(t *testing.T) (*Client, *state.Manager) {
	t.Helper()

	states := state.NewManager(100)
	states.RegisterRobot("meca", core.RobotTypeArm, core.StateIdle, nil)

	commands := command.NewService(config.CommandConfig{
		MaxConcurrent: 2, DefaultTimeout: time.Second, HistorySize: 10,
	}, states)
	commands.RegisterProcessor(core.RobotTypeArm,
		func(ctx context.Context, cmd *core.Command) (any, error) { return "ok", nil })
	commands.Start()
	t.Cleanup(commands.Stop)

	locks := lock.NewManager(time.Second, time.Minute)
	registry := breaker.NewRegistry()
	registry.Register(breaker.New("meca_connection", breaker.Options{}))

	protocols, err := protocol.NewService(config.ProtocolConfig{Directory: t.TempDir()},
		func(ctx context.Context, st protocol.Step) (any, error) { return nil, nil })
	require.NoError(t, err)

	orch := orchestrator.New(config.OrchestratorConfig{}, states, protocols, broadcast.NullBroadcaster{})

	handler := NewHandler(states, commands, locks, registry, orch, protocols, "test")
	socket := filepath.Join(t.TempDir(), "labcell.sock")
	server := NewServer(socket, handler)
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(func() { server.Stop() })

	return NewClient(socket, 2*time.Second), states
}

func TestPingAndStatus(t *testing.T) {
	client, _ := newTestControl(t)
	ctx := context.Background()

	require.NoError(t, client.Ping(ctx))

	resp, err := client.Call(ctx, "daemon_status", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	status := resp.Result.(map[string]any)
	assert.Equal(t, "test", status["version"])
	assert.Equal(t, float64(1), status["robots"])
}

func TestCommandRoundTrip(t *testing.T) {
	client, _ := newTestControl(t)
	ctx := context.Background()

	resp, err := client.Call(ctx, "command_submit", map[string]any{
		"robot_id":     "meca",
		"command_type": "home",
		"parameters":   map[string]any{"axis": "all"},
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	id := resp.Result.(map[string]any)["command_id"].(string)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		resp, err := client.Call(ctx, "command_status", map[string]any{"command_id": id})
		if err != nil || resp.Error != nil {
			return false
		}
		cmd := resp.Result.(map[string]any)
		return cmd["status"] == "completed"
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubmitValidationSurfaced(t *testing.T) {
	client, _ := newTestControl(t)

	resp, err := client.Call(context.Background(), "command_submit", map[string]any{
		"robot_id":     "ghost",
		"command_type": "home",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "unknown robot")
}

func TestRobotListAndLocks(t *testing.T) {
	client, _ := newTestControl(t)
	ctx := context.Background()

	resp, err := client.Call(ctx, "robot_list", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	robots := resp.Result.(map[string]any)
	assert.Contains(t, robots, "meca")

	resp, err = client.Call(ctx, "lock_list", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
}

func TestBreakerMethods(t *testing.T) {
	client, _ := newTestControl(t)
	ctx := context.Background()

	resp, err := client.Call(ctx, "breaker_list", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Contains(t, resp.Result.(map[string]any), "meca_connection")

	resp, err = client.Call(ctx, "breaker_force", map[string]any{
		"name": "meca_connection", "action": "open",
	})
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, "open", resp.Result.(map[string]any)["state"])

	resp, err = client.Call(ctx, "breaker_force", map[string]any{
		"name": "missing", "action": "open",
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
}

func TestUnknownMethod(t *testing.T) {
	client, _ := newTestControl(t)
	resp, err := client.Call(context.Background(), "levitate", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestEstopOverControlChannel(t *testing.T) {
	client, states := newTestControl(t)
	ctx := context.Background()

	resp, err := client.Call(ctx, "estop", map[string]any{"reason": "test stop"})
	require.NoError(t, err)
	require.Nil(t, resp.Error)

	desc, _ := states.GetRobotState("meca")
	assert.Equal(t, core.StateEmergencyStop, desc.CurrentState)

	resp, err = client.Call(ctx, "estop_reset", nil)
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	assert.Equal(t, core.SystemReady, states.SystemState())
}
