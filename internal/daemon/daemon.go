// Package daemon is the composition root: it constructs every subsystem
// once at startup, injects dependencies explicitly, and manages the
// process lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"icc.tech/labcell/internal/breaker"
	"icc.tech/labcell/internal/broadcast"
	"icc.tech/labcell/internal/command"
	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/control"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/driver/ancillary"
	"icc.tech/labcell/internal/driver/meca"
	"icc.tech/labcell/internal/driver/ot2"
	logpkg "icc.tech/labcell/internal/log"
	"icc.tech/labcell/internal/lock"
	"icc.tech/labcell/internal/metrics"
	"icc.tech/labcell/internal/orchestrator"
	"icc.tech/labcell/internal/protocol"
	"icc.tech/labcell/internal/repository"
	"icc.tech/labcell/internal/robot"
	"icc.tech/labcell/internal/sequence"
	"icc.tech/labcell/internal/service"
	"icc.tech/labcell/internal/state"
)

// Version is the daemon version reported on the control channel.
const Version = "0.3.0"

// Daemon owns the full component graph.
type Daemon struct {
	cfg        *config.GlobalConfig
	configPath string

	states     *state.Manager
	locks      *lock.Manager
	breakers   *breaker.Registry
	hub        *broadcast.Hub
	store      *repository.Store
	commands   *command.Service
	protocols  *protocol.Service
	orch       *orchestrator.Orchestrator
	controlSrv *control.Server
	metricsSrv *metrics.Server

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
}

// New loads configuration and creates the daemon.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:          cfg,
		configPath:   configPath,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start builds and starts every component in dependency order.
func (d *Daemon) Start() error {
	if err := logpkg.Init(d.cfg.Log); err != nil {
		return fmt.Errorf("failed to initialise logging: %w", err)
	}
	slog.Info("starting labcell daemon", "version", Version, "config", d.configPath)

	if err := d.writePIDFile(); err != nil {
		return err
	}

	if d.cfg.Metrics.Enabled {
		d.metricsSrv = metrics.NewServer(d.cfg.Metrics.Listen, d.cfg.Metrics.Path)
		if err := d.metricsSrv.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	store, err := repository.Open(d.cfg.Repository.Path)
	if err != nil {
		return err
	}
	d.store = store

	d.hub = broadcast.NewHub(256)
	d.states = state.NewManager(d.cfg.State.MaxHistory)
	d.locks = lock.NewManager(d.cfg.Locks.DefaultTimeout, d.cfg.Locks.CleanupInterval)
	d.locks.Start()
	d.breakers = breaker.NewRegistry()

	d.commands = command.NewService(d.cfg.Commands, d.states)

	protocols, err := protocol.NewService(d.cfg.Protocols, d.protocolStepRunner())
	if err != nil {
		return err
	}
	d.protocols = protocols

	d.orch = orchestrator.New(d.cfg.Orchestrator, d.states, d.protocols, d.hub)

	if err := d.buildRobots(); err != nil {
		return err
	}

	if err := d.protocols.Start(); err != nil {
		return err
	}
	if err := d.orch.Start(d.ctx); err != nil {
		return err
	}
	d.commands.Start()

	handler := control.NewHandler(d.states, d.commands, d.locks, d.breakers,
		d.orch, d.protocols, Version)
	handler.SetShutdownFunc(d.TriggerShutdown)
	d.controlSrv = control.NewServer(d.cfg.Control.Socket, handler)
	if err := d.controlSrv.Start(d.ctx); err != nil {
		return err
	}

	go d.maintenanceLoop()
	go d.processLogLoop()

	slog.Info("labcell daemon started",
		"socket", d.cfg.Control.Socket,
		"robots", len(d.orch.Services()))
	return nil
}

// buildRobots constructs drivers, wrappers, services, and processors for
// every enabled robot.
func (d *Daemon) buildRobots() error {
	brkOpts := breaker.Options{
		FailureThreshold: d.cfg.Breakers.FailureThreshold,
		RecoveryTimeout:  d.cfg.Breakers.RecoveryTimeout,
		HalfOpenMaxCalls: d.cfg.Breakers.HalfOpenMaxCalls,
		// Validation failures are caller mistakes, not endpoint health.
		IsFailure: func(err error) bool { return !core.IsKind(err, core.KindValidation) },
	}

	if mc := d.cfg.Robots.Meca; mc.Enabled {
		drv, err := meca.New(mc)
		if err != nil {
			return err
		}
		drv.AddStatusCallback(func(st core.RobotStatus) {
			d.hub.Broadcast(broadcast.EventRobotStatus, map[string]any{
				"robot_id": mc.RobotID,
				"status":   st,
			})
		})
		d.states.RegisterRobot(mc.RobotID, core.RobotTypeArm, core.StateDisconnected, nil)
		wrapper := robot.NewWrapper(mc.RobotID, drv, d.cfg.Wrapper)
		arm := &wrapperArm{wrapper: wrapper, drv: drv, timeout: mc.CommandTimeout}
		executor := sequence.NewExecutor(mc.RobotID, arm, mc, d.states, d.locks, d.hub)
		brk := breaker.New(mc.RobotID+"_connection", brkOpts)
		d.breakers.Register(brk)
		svc := service.NewMecaService(mc, drv, wrapper, executor, d.states, brk, d.hub)
		d.orch.RegisterService(svc)
		d.commands.RegisterProcessor(core.RobotTypeArm, service.MecaProcessor(svc))
	}

	if oc := d.cfg.Robots.OT2; oc.Enabled {
		drv := ot2.New(oc)
		d.states.RegisterRobot(oc.RobotID, core.RobotTypeLiquidHandler, core.StateDisconnected, nil)
		wrapper := robot.NewWrapper(oc.RobotID, drv, d.cfg.Wrapper)
		brk := breaker.New(oc.RobotID+"_connection", brkOpts)
		d.breakers.Register(brk)
		svc := service.NewOT2Service(oc, drv, wrapper, d.states, brk, d.hub)
		d.orch.RegisterService(svc)
		d.commands.RegisterProcessor(core.RobotTypeLiquidHandler, service.OT2Processor(svc))
	}

	if wc := d.cfg.Robots.Wiper; wc.Enabled {
		drv := ancillary.NewWiper(wc.RobotID, wc.IP, wc.Port, wc.CommandTimeout, wc.CycleTime)
		d.states.RegisterRobot(wc.RobotID, core.RobotTypeWiper, core.StateDisconnected, nil)
		brk := breaker.New(wc.RobotID+"_connection", brkOpts)
		d.breakers.Register(brk)
		svc := service.NewWiperService(wc, drv, d.states, brk)
		d.orch.RegisterService(svc)
		d.commands.RegisterProcessor(core.RobotTypeWiper, service.WiperProcessor(svc))
	}

	if ac := d.cfg.Robots.Arduino; ac.Enabled {
		drv := ancillary.NewArduino(ac.RobotID, ac.IP, ac.Port, ac.CommandTimeout)
		d.states.RegisterRobot(ac.RobotID, core.RobotTypeArduino, core.StateDisconnected, nil)
		brk := breaker.New(ac.RobotID+"_connection", brkOpts)
		d.breakers.Register(brk)
		svc := service.NewArduinoService(ac, drv, d.states, brk)
		d.orch.RegisterService(svc)
		d.commands.RegisterProcessor(core.RobotTypeArduino, service.ArduinoProcessor(svc))
	}
	return nil
}

// protocolStepRunner routes protocol steps through the command service so
// every step passes the same validation and retry machinery as a direct
// submission.
func (d *Daemon) protocolStepRunner() protocol.StepRunner {
	return func(ctx context.Context, step protocol.Step) (any, error) {
		id, err := d.commands.Submit(command.SubmitRequest{
			RobotID:       step.RobotID,
			CommandType:   step.OperationType,
			Parameters:    step.Parameters,
			Priority:      "high",
			Timeout:       step.Timeout,
			CorrelationID: step.StepID,
		})
		if err != nil {
			return nil, err
		}

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			cmd, ok := d.commands.Get(id)
			if ok && cmd.Status.Terminal() {
				if cmd.Status == core.CommandCompleted {
					return cmd.Result, nil
				}
				return nil, core.NewProtocolExecutionError(
					fmt.Sprintf("step command %s: %s", cmd.Status, cmd.Error), nil)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				_ = d.commands.Cancel(id)
				return nil, ctx.Err()
			}
		}
	}
}

// maintenanceLoop runs the slow housekeeping: process-log archiving and
// stale robot cleanup.
func (d *Daemon) maintenanceLoop() {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := d.store.Cleanup(d.ctx, repository.CleanupOptions{
			RetentionDays: d.cfg.Repository.RetentionDays,
			MaxCount:      d.cfg.Repository.MaxCount,
			DeleteBatch:   d.cfg.Repository.DeleteBatch,
			ArchiveDir:    d.cfg.Repository.ArchiveDir,
		})
		if err != nil {
			slog.Error("process log cleanup failed", "error", err)
		} else if res.Archived > 0 {
			slog.Info("process log cleanup", "archived", res.Archived)
		}

		if removed := d.states.CleanupStaleRobots(d.cfg.State.StaleRobotTTL); len(removed) > 0 {
			slog.Info("stale robots removed", "robots", removed)
		}
	}
}

// processLogLoop records completed wafer batches into the process log so
// the archive carries the cell's processing history.
func (d *Daemon) processLogLoop() {
	events, cancel := d.hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != broadcast.EventBatchCompletion {
				continue
			}
			operation, _ := ev.Payload["operation"].(string)
			wafers, _ := ev.Payload["wafers_succeeded"].([]int)
			for cycle, waferNum := range wafers {
				rec := &repository.ProcessLogRecord{
					WaferID:     fmt.Sprintf("wafer-%02d", waferNum),
					RobotID:     d.cfg.Robots.Meca.RobotID,
					ProcessType: operation,
					CycleNumber: cycle,
				}
				if err := d.store.AddProcessLog(d.ctx, rec); err != nil {
					slog.Warn("failed to record process log", "wafer", waferNum, "error", err)
				}
			}
		}
	}
}

// Run blocks until a shutdown signal arrives, then stops the daemon.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		d.cleanupPIDFile()
		return err
	}

	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-d.sigChan:
		slog.Info("shutdown signal received", "signal", sig)
	case <-d.shutdownChan:
		slog.Info("shutdown requested via control channel")
	}

	d.Stop()
	return nil
}

// TriggerShutdown requests a graceful stop from inside the process.
func (d *Daemon) TriggerShutdown() {
	select {
	case <-d.shutdownChan:
	default:
		close(d.shutdownChan)
	}
}

// Stop tears components down in reverse dependency order.
func (d *Daemon) Stop() {
	slog.Info("stopping labcell daemon")

	if d.controlSrv != nil {
		_ = d.controlSrv.Stop()
	}
	if d.commands != nil {
		d.commands.Stop()
	}
	if d.orch != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		d.orch.Stop(stopCtx)
		cancel()
	}
	if d.protocols != nil {
		d.protocols.Stop()
	}
	if d.locks != nil {
		d.locks.Stop()
	}
	d.cancel()
	if d.metricsSrv != nil {
		_ = d.metricsSrv.Stop(context.Background())
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	d.cleanupPIDFile()
	slog.Info("labcell daemon stopped")
}

func (d *Daemon) writePIDFile() error {
	path := d.cfg.Control.PIDFile
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	return nil
}

func (d *Daemon) cleanupPIDFile() {
	if d.cfg.Control.PIDFile != "" {
		_ = os.Remove(d.cfg.Control.PIDFile)
	}
}

// wrapperArm routes sequence commands through the wrapper so sequence
// traffic and direct commands share the per-robot lock.
type wrapperArm struct {
	wrapper *robot.Wrapper
	drv     interface {
		Do(ctx context.Context, op string, args ...float64) error
	}
	timeout time.Duration
}

func (a *wrapperArm) Do(ctx context.Context, op string, args ...float64) error {
	res := a.wrapper.Execute(ctx, robot.Op{
		Name:    op,
		Timeout: a.timeout,
		Run: func(ctx context.Context) (any, error) {
			return nil, a.drv.Do(ctx, op, args...)
		},
	})
	return res.Err
}
