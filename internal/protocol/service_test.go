package protocol

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
)

func testProtocol(steps ...Step) Protocol {
	return Protocol{
		ProtocolID: "wafer-batch",
		Name:       "Wafer batch",
		Steps:      steps,
	}
}

func step(id, robot string, deps ...string) Step {
	return Step{StepID: id, RobotID: robot, OperationType: "noop", Dependencies: deps}
}

// runLog records step execution order.
type runLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *runLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = append(l.ids, id)
}

func (l *runLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}

func newTestService(t *testing.T, runner StepRunner) *Service {
	t.Helper()
	s, err := NewService(config.ProtocolConfig{
		Directory:      t.TempDir(),
		StepTimeout:    time.Second,
		MaxStepRetries: 1,
	}, runner)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func waitExecution(t *testing.T, s *Service, id string, want ExecutionStatus) Execution {
	t.Helper()
	var got Execution
	require.Eventually(t, func() bool {
		ex, ok := s.Get(id)
		got = ex
		return ok && ex.Status == want
	}, 3*time.Second, 5*time.Millisecond, "execution never reached %s (last %+v)", want, got.Status)
	return got
}

func TestSequentialExecution(t *testing.T) {
	log := &runLog{}
	s := newTestService(t, func(ctx context.Context, st Step) (any, error) {
		log.add(st.StepID)
		return st.StepID + "-ok", nil
	})

	id, err := s.Create(testProtocol(step("a", "meca"), step("b", "ot2"), step("c", "meca")), StrategySequential)
	require.NoError(t, err)
	require.NoError(t, s.StartExecution(id))

	ex := waitExecution(t, s, id, ExecutionCompleted)
	assert.Equal(t, []string{"a", "b", "c"}, log.get())
	assert.Equal(t, []string{"a", "b", "c"}, ex.CompletedSteps)
	assert.Equal(t, "a-ok", ex.Results["a"])
	assert.Empty(t, ex.FailedSteps)
	assert.NotNil(t, ex.CompletedAt)
}

func TestSequentialStopsOnFailure(t *testing.T) {
	log := &runLog{}
	s := newTestService(t, func(ctx context.Context, st Step) (any, error) {
		log.add(st.StepID)
		if st.StepID == "b" {
			return nil, core.NewHardwareError("jam", st.RobotID, nil)
		}
		return nil, nil
	})

	id, err := s.Create(testProtocol(step("a", "meca"), step("b", "ot2"), step("c", "meca")), StrategySequential)
	require.NoError(t, err)
	require.NoError(t, s.StartExecution(id))

	ex := waitExecution(t, s, id, ExecutionFailed)
	assert.Equal(t, []string{"a"}, ex.CompletedSteps)
	assert.Equal(t, []string{"b"}, ex.FailedSteps)
	assert.NotContains(t, log.get(), "c", "later steps not dispatched")
	// "b" ran twice: one retry from MaxStepRetries=1.
	assert.Equal(t, []string{"a", "b", "b"}, log.get())
}

func TestParallelDoesNotCancelPeers(t *testing.T) {
	var slowDone sync.WaitGroup
	slowDone.Add(1)
	log := &runLog{}
	s := newTestService(t, func(ctx context.Context, st Step) (any, error) {
		if st.StepID == "fail" {
			return nil, core.NewHardwareError("boom", st.RobotID, nil)
		}
		time.Sleep(50 * time.Millisecond)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		log.add(st.StepID)
		if st.StepID == "slow" {
			slowDone.Done()
		}
		return nil, nil
	})

	id, err := s.Create(testProtocol(
		Step{StepID: "fail", RobotID: "meca", MaxRetries: -1},
		step("slow", "ot2"),
	), StrategyParallel)
	require.NoError(t, err)
	require.NoError(t, s.StartExecution(id))

	ex := waitExecution(t, s, id, ExecutionFailed)
	slowDone.Wait()
	assert.Contains(t, log.get(), "slow", "peer ran to completion despite failure")
	assert.Contains(t, ex.CompletedSteps, "slow")
	assert.Contains(t, ex.FailedSteps, "fail")
}

func TestDependencyOrdering(t *testing.T) {
	log := &runLog{}
	s := newTestService(t, func(ctx context.Context, st Step) (any, error) {
		log.add(st.StepID)
		return nil, nil
	})

	// d depends on b and c, which both depend on a.
	id, err := s.Create(testProtocol(
		step("d", "meca", "b", "c"),
		step("b", "ot2", "a"),
		step("c", "wiper", "a"),
		step("a", "meca"),
	), StrategyDependency)
	require.NoError(t, err)
	require.NoError(t, s.StartExecution(id))

	ex := waitExecution(t, s, id, ExecutionCompleted)
	order := log.get()
	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, ex.CompletedSteps)
}

func TestDependencyDeadlockOnFailedDeps(t *testing.T) {
	s := newTestService(t, func(ctx context.Context, st Step) (any, error) {
		if st.StepID == "a" {
			return nil, core.NewHardwareError("broken", st.RobotID, nil)
		}
		return nil, nil
	})

	id, err := s.Create(testProtocol(
		Step{StepID: "a", RobotID: "meca", MaxRetries: -1},
		step("b", "ot2", "a"),
	), StrategyDependency)
	require.NoError(t, err)
	require.NoError(t, s.StartExecution(id))

	ex := waitExecution(t, s, id, ExecutionFailed)
	assert.Contains(t, ex.Error, "deadlock")
	assert.Equal(t, []string{"a"}, ex.FailedSteps)
}

func TestStepRetrySucceedsOnSecondAttempt(t *testing.T) {
	var calls sync.Map
	s := newTestService(t, func(ctx context.Context, st Step) (any, error) {
		n, _ := calls.LoadOrStore(st.StepID, new(int))
		c := n.(*int)
		*c++
		if *c == 1 {
			return nil, errors.New("flaky")
		}
		return "ok", nil
	})

	id, err := s.Create(testProtocol(step("a", "meca")), StrategySequential)
	require.NoError(t, err)
	require.NoError(t, s.StartExecution(id))

	ex := waitExecution(t, s, id, ExecutionCompleted)
	assert.Equal(t, "ok", ex.Results["a"])
}

func TestPauseResume(t *testing.T) {
	log := &runLog{}
	s := newTestService(t, func(ctx context.Context, st Step) (any, error) {
		log.add(st.StepID)
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	})

	id, err := s.Create(testProtocol(step("a", "meca"), step("b", "ot2"), step("c", "meca")), StrategySequential)
	require.NoError(t, err)
	require.NoError(t, s.StartExecution(id))

	// Pause as soon as the first step is in flight.
	require.Eventually(t, func() bool { return len(log.get()) >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Pause(id))

	time.Sleep(100 * time.Millisecond)
	ranWhilePaused := len(log.get())
	assert.LessOrEqual(t, ranWhilePaused, 2, "engine parks between steps")

	require.NoError(t, s.Resume(id))
	waitExecution(t, s, id, ExecutionCompleted)
	assert.Len(t, log.get(), 3)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	s := newTestService(t, func(ctx context.Context, st Step) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := s.Create(testProtocol(step("a", "meca")), StrategySequential)
	require.NoError(t, err)
	require.NoError(t, s.StartExecution(id))
	<-started

	require.NoError(t, s.Cancel(id))
	ex, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, ExecutionCancelled, ex.Status)
}

func TestSnapshotRecovery(t *testing.T) {
	dir := t.TempDir()

	// A previous process left a running execution snapshot on disk.
	store, err := newSnapshotStore(dir)
	require.NoError(t, err)
	ex := &Execution{
		ExecutionID:    "exec-1",
		Protocol:       testProtocol(step("a", "meca"), step("b", "ot2")),
		Strategy:       StrategySequential,
		Status:         ExecutionRunning,
		CompletedSteps: []string{"a"},
		FailedSteps:    []string{},
		Results:        map[string]any{"a": "done"},
		CreatedAt:      time.Now(),
	}
	require.NoError(t, store.save(ex))

	log := &runLog{}
	s, err := NewService(config.ProtocolConfig{Directory: dir, StepTimeout: time.Second},
		func(ctx context.Context, st Step) (any, error) {
			log.add(st.StepID)
			return nil, nil
		})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	recovered, ok := s.Get("exec-1")
	require.True(t, ok)
	assert.Equal(t, ExecutionPaused, recovered.Status, "recovered executions park as paused")

	// Operator resume relaunches and skips the completed step.
	require.NoError(t, s.Resume("exec-1"))
	waitExecution(t, s, "exec-1", ExecutionCompleted)
	assert.Equal(t, []string{"b"}, log.get(), "completed steps not re-run")

	// Terminal execution leaves no snapshot behind.
	_, err = os.Stat(filepath.Join(dir, "active", "exec-1.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestProtocolValidation(t *testing.T) {
	tests := []struct {
		name string
		p    Protocol
	}{
		{"no steps", Protocol{ProtocolID: "x"}},
		{"no id", testProtocol(step("a", "m"))},
		{"duplicate step", testProtocol(step("a", "m"), step("a", "m"))},
		{"unknown dep", testProtocol(step("a", "m", "ghost"))},
		{"cycle", testProtocol(step("a", "m", "b"), step("b", "m", "a"))},
		{"missing robot", testProtocol(Step{StepID: "a"})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := tc.p
			if tc.name == "no id" {
				p.ProtocolID = ""
			}
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, core.IsKind(err, core.KindValidation))
		})
	}

	ok := testProtocol(step("a", "m"), step("b", "m", "a"))
	assert.NoError(t, ok.Validate())
}

func TestLoadTemplates(t *testing.T) {
	dir := t.TempDir()

	jsonTmpl := `{
	  "protocol_id": "transfer",
	  "name": "Transfer batch",
	  "required_robots": ["meca", "ot2"],
	  "steps": [
	    {"step_id": "pickup", "robot_id": "meca", "operation_type": "pickup_sequence",
	     "parameters": {"start": 0, "count": 5}},
	    {"step_id": "dispense", "robot_id": "ot2", "operation_type": "protocol_execution",
	     "dependencies": ["pickup"]}
	  ]
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "transfer.json"), []byte(jsonTmpl), 0o644))

	yamlTmpl := `protocol_id: bake
name: Bake cycle
steps:
  - step_id: drop
    robot_id: meca
    operation_type: drop_sequence
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bake.yaml"), []byte(yamlTmpl), 0o644))

	templates, err := LoadTemplateDir(dir)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "Transfer batch", templates["transfer"].Name)
	assert.Equal(t, []string{"pickup"}, templates["transfer"].Steps[1].Dependencies)
	assert.Equal(t, "drop_sequence", templates["bake"].Steps[0].OperationType)

	_, err = LoadTemplate(filepath.Join(dir, "missing.json"))
	assert.True(t, core.IsKind(err, core.KindValidation))
}
