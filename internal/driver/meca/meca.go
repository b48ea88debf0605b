package meca

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/driver"
	"icc.tech/labcell/internal/metrics"
)

// Driver drives a Meca500 over its two TCP channels: a control socket that
// accepts one null-terminated ASCII command at a time, and a monitor socket
// that streams tagged status lines continuously.
type Driver struct {
	cfg      config.MecaConfig
	bindAddr *net.TCPAddr

	cmdMu   sync.Mutex // serialises control-socket writes
	control net.Conn
	reader  *bufio.Reader

	monitor       net.Conn
	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	statusMu  sync.Mutex
	status    core.RobotStatus
	callbacks []driver.StatusCallback

	connMu    sync.Mutex // guards connect/disconnect against each other
	connected bool
}

var _ driver.ArmDriver = (*Driver)(nil)

// New creates a disconnected driver. Binding configuration is resolved at
// construction so a bad NIC name fails fast.
func New(cfg config.MecaConfig) (*Driver, error) {
	bindAddr, err := resolveBindAddr(cfg.BindIP, cfg.BindInterface)
	if err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg, bindAddr: bindAddr}, nil
}

// Connect opens both sockets, sends the handshake, and starts the monitor
// loop. On any failure every opened socket is closed again.
func (d *Driver) Connect(ctx context.Context) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	if d.connected {
		return nil
	}

	control, err := dial(ctx, d.cfg.IP, d.cfg.ControlPort, d.bindAddr, d.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	monitor, err := dial(ctx, d.cfg.IP, d.cfg.MonitorPort, d.bindAddr, d.cfg.ConnectTimeout)
	if err != nil {
		control.Close()
		return err
	}

	d.cmdMu.Lock()
	d.control = control
	d.reader = bufio.NewReader(control)
	d.cmdMu.Unlock()
	d.monitor = monitor

	// Handshake: a benign configuration command forces the controller into
	// the expected response regime and flushes any greeting banner.
	if err := d.send(ctx, "SetEOB(1)", false); err != nil {
		control.Close()
		monitor.Close()
		d.control = nil
		d.monitor = nil
		return core.NewConnectionError("handshake failed", err)
	}

	monCtx, cancel := context.WithCancel(context.Background())
	d.monitorCancel = cancel
	d.monitorDone = make(chan struct{})
	go d.monitorLoop(monCtx, monitor)

	d.statusMu.Lock()
	d.status.Connected = true
	d.status.UpdatedAt = time.Now()
	d.statusMu.Unlock()
	d.connected = true

	slog.Info("arm connected",
		"robot_id", d.cfg.RobotID, "ip", d.cfg.IP,
		"control_port", d.cfg.ControlPort, "monitor_port", d.cfg.MonitorPort,
		"bind", d.bindAddr)
	return nil
}

// Disconnect closes both sockets and stops the monitor loop.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.teardownLocked()
}

func (d *Driver) teardownLocked() error {
	if !d.connected {
		return nil
	}
	if d.monitorCancel != nil {
		d.monitorCancel()
	}
	// Close before taking cmdMu so an in-flight send unblocks instead of
	// holding the command lock until its deadline.
	if d.control != nil {
		d.control.Close()
	}
	if d.monitor != nil {
		d.monitor.Close()
		d.monitor = nil
	}
	d.cmdMu.Lock()
	d.control = nil
	d.reader = nil
	d.cmdMu.Unlock()
	if d.monitorDone != nil {
		<-d.monitorDone
		d.monitorDone = nil
	}
	d.connected = false

	d.statusMu.Lock()
	d.status.Connected = false
	d.status.UpdatedAt = time.Now()
	d.statusMu.Unlock()

	slog.Info("arm disconnected", "robot_id", d.cfg.RobotID)
	return nil
}

// ForceReconnect tears everything down, waits out the controller's stale
// "another user connected" session window, then reconnects.
func (d *Driver) ForceReconnect(ctx context.Context) error {
	slog.Warn("arm force reconnect", "robot_id", d.cfg.RobotID)
	if err := d.Disconnect(ctx); err != nil {
		return err
	}
	delay := d.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return core.NewConnectionError("reconnect cancelled", ctx.Err())
	}
	err := d.Connect(ctx)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.DriverReconnectsTotal.WithLabelValues(d.cfg.RobotID, result).Inc()
	return err
}

// IsConnected reports transport health.
func (d *Driver) IsConnected() bool {
	d.connMu.Lock()
	defer d.connMu.Unlock()
	return d.connected
}

// Status returns the latest monitor snapshot.
func (d *Driver) Status() core.RobotStatus {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	return d.status
}

// AddStatusCallback registers a consumer of monitor snapshots.
func (d *Driver) AddStatusCallback(cb driver.StatusCallback) {
	d.statusMu.Lock()
	defer d.statusMu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

// Ping round-trips a status query on the control socket.
func (d *Driver) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := d.send(ctx, "GetStatusRobot", true); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Do sends one motion-vocabulary command, formatting float arguments the
// way the controller expects: Cmd(a1,a2,...).
func (d *Driver) Do(ctx context.Context, cmd string, args ...float64) error {
	return d.send(ctx, formatCommand(cmd, args), true)
}

func formatCommand(cmd string, args []float64) string {
	if len(args) == 0 {
		return cmd
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = strconv.FormatFloat(a, 'f', -1, 64)
	}
	return fmt.Sprintf("%s(%s)", cmd, strings.Join(parts, ","))
}

// send writes cmd + NUL on the control socket and optionally waits for the
// acknowledgement line. Writes are serialised by cmdMu.
func (d *Driver) send(ctx context.Context, cmd string, awaitAck bool) error {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	conn := d.control
	reader := d.reader
	if conn == nil {
		return core.NewConnectionError("control socket not connected", nil).WithRobot(d.cfg.RobotID)
	}

	timeout := d.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))

	if _, err := conn.Write(append([]byte(cmd), 0)); err != nil {
		return core.NewConnectionError(fmt.Sprintf("write %q failed", cmd), err).WithRobot(d.cfg.RobotID)
	}
	if !awaitAck {
		return nil
	}

	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	resp, err := reader.ReadString('\x00')
	if err != nil {
		return core.NewConnectionError(fmt.Sprintf("no response to %q", cmd), err).WithRobot(d.cfg.RobotID)
	}
	resp = strings.Trim(resp, "\x00\r\n ")
	if isErrorResponse(resp) {
		return core.NewHardwareError(
			fmt.Sprintf("controller rejected %q: %s", cmd, resp), d.cfg.RobotID, nil)
	}
	return nil
}

// isErrorResponse recognises controller error codes 1000-1999 in the reply
// prefix, e.g. "[1011][command failed]".
func isErrorResponse(resp string) bool {
	end := strings.Index(resp, "]")
	if !strings.HasPrefix(resp, "[") || end < 0 {
		return false
	}
	parts := splitTagged(resp[:end+1])
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	return code >= 1000 && code < 2000
}

// monitorLoop reads newline-split tagged messages until the socket dies or
// the context is cancelled, folding each one into the status snapshot.
func (d *Driver) monitorLoop(ctx context.Context, conn net.Conn) {
	defer close(d.monitorDone)
	scanner := bufio.NewScanner(conn)
	scanner.Split(bufio.ScanLines)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		for _, msg := range strings.FieldsFunc(line, func(r rune) bool { return r == '\x00' }) {
			d.applyMonitorMessage(msg)
		}
	}
	if ctx.Err() == nil {
		slog.Warn("arm monitor stream ended", "robot_id", d.cfg.RobotID, "error", scanner.Err())
		d.statusMu.Lock()
		d.status.Connected = false
		d.status.UpdatedAt = time.Now()
		d.statusMu.Unlock()
	}
}

func (d *Driver) applyMonitorMessage(msg string) {
	d.statusMu.Lock()
	changed := applyStatusMessage(&d.status, msg)
	if changed {
		d.status.UpdatedAt = time.Now()
	}
	snapshot := d.status
	cbs := d.callbacks
	d.statusMu.Unlock()

	if changed {
		for _, cb := range cbs {
			cb(snapshot)
		}
	}
}

// Recovery primitives. Each is a thin, named wrapper over the control
// vocabulary so callers never embed wire strings.

func (d *Driver) Activate(ctx context.Context) error   { return d.send(ctx, "ActivateRobot", true) }
func (d *Driver) Deactivate(ctx context.Context) error { return d.send(ctx, "DeactivateRobot", true) }
func (d *Driver) Home(ctx context.Context) error       { return d.send(ctx, "Home", true) }
func (d *Driver) ClearMotion(ctx context.Context) error  { return d.send(ctx, "ClearMotion", true) }
func (d *Driver) PauseMotion(ctx context.Context) error  { return d.send(ctx, "PauseMotion", true) }
func (d *Driver) ResumeMotion(ctx context.Context) error { return d.send(ctx, "ResumeMotion", true) }
func (d *Driver) ResetError(ctx context.Context) error   { return d.send(ctx, "ResetError", true) }

// SetRecoveryMode toggles the controller mode that permits slow motion with
// joint limits disabled, used to reposition the arm after an unsafe stop.
func (d *Driver) SetRecoveryMode(ctx context.Context, on bool) error {
	v := 0.0
	if on {
		v = 1
	}
	return d.Do(ctx, "SetRecoveryMode", v)
}

// WaitIdle polls the monitor snapshot until the arm reports end of cycle
// with no error, or the timeout elapses.
func (d *Driver) WaitIdle(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		st := d.Status()
		if st.InError {
			return core.NewHardwareError(
				fmt.Sprintf("arm in error (code %d) while waiting for idle", st.ErrorCode),
				d.cfg.RobotID, nil)
		}
		if st.EndOfCycle && !st.Paused {
			return nil
		}
		if time.Now().After(deadline) {
			return core.NewHardwareError("timed out waiting for idle", d.cfg.RobotID, nil)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return core.NewConnectionError("wait for idle cancelled", ctx.Err()).WithRobot(d.cfg.RobotID)
		}
	}
}

// EmergencyStop halts motion as fast as the control socket allows: pause
// first (immediate deceleration), then flush the motion queue. It never
// touches the monitor channel.
func (d *Driver) EmergencyStop(ctx context.Context) error {
	if err := d.send(ctx, "PauseMotion", false); err != nil {
		// Pause failed; try to flush the queue anyway before reporting.
		if clearErr := d.send(ctx, "ClearMotion", false); clearErr != nil {
			return err
		}
		return nil
	}
	return d.send(ctx, "ClearMotion", false)
}
