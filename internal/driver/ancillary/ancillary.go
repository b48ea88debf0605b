// Package ancillary implements the line-oriented TCP drivers for the
// cell's auxiliary devices: the wiper station and the Arduino fixture
// controller. Both speak a simple request/response protocol: one ASCII
// command per line, answered with "OK[ detail]" or "ERR <reason>".
package ancillary

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/driver"
)

// lineClient is the shared transport for both devices.
type lineClient struct {
	robotID string
	addr    string
	timeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	connected bool
	status    core.RobotStatus
}

func newLineClient(robotID, ip string, port int, timeout time.Duration) *lineClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &lineClient{
		robotID: robotID,
		addr:    fmt.Sprintf("%s:%d", ip, port),
		timeout: timeout,
	}
}

func (c *lineClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return core.NewConnectionError(fmt.Sprintf("dial %s failed", c.addr), err).WithRobot(c.robotID)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connected = true
	c.status.Connected = true
	c.status.UpdatedAt = time.Now()
	slog.Info("ancillary device connected", "robot_id", c.robotID, "addr", c.addr)
	return nil
}

func (c *lineClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.connected = false
	c.status.Connected = false
	c.status.UpdatedAt = time.Now()
	slog.Info("ancillary device disconnected", "robot_id", c.robotID)
	return nil
}

func (c *lineClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *lineClient) Status() core.RobotStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *lineClient) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.exchange(ctx, "STATUS"); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// exchange sends one command line and reads the response line.
func (c *lineClient) exchange(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", core.NewConnectionError("not connected", nil).WithRobot(c.robotID)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	_ = c.conn.SetDeadline(time.Now().Add(timeout))

	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return "", core.NewConnectionError(fmt.Sprintf("write %q failed", cmd), err).WithRobot(c.robotID)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", core.NewConnectionError(fmt.Sprintf("no response to %q", cmd), err).WithRobot(c.robotID)
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "ERR") {
		c.status.InError = true
		c.status.UpdatedAt = time.Now()
		return "", core.NewHardwareError(
			fmt.Sprintf("device rejected %q: %s", cmd, line), c.robotID, nil)
	}
	c.status.InError = false
	c.status.UpdatedAt = time.Now()
	return strings.TrimSpace(strings.TrimPrefix(line, "OK")), nil
}

// Wiper drives the wiper station.
type Wiper struct {
	*lineClient
	cycleTime time.Duration
}

var _ driver.Driver = (*Wiper)(nil)

// NewWiper creates a disconnected wiper driver.
func NewWiper(robotID, ip string, port int, timeout, cycleTime time.Duration) *Wiper {
	return &Wiper{lineClient: newLineClient(robotID, ip, port, timeout), cycleTime: cycleTime}
}

// Clean runs the given number of cleaning cycles.
func (w *Wiper) Clean(ctx context.Context, cycles int) error {
	if cycles < 1 {
		return core.NewValidationError("cycles must be >= 1")
	}
	_, err := w.exchange(ctx, fmt.Sprintf("CLEAN %d", cycles))
	return err
}

// Dry runs the given number of drying cycles.
func (w *Wiper) Dry(ctx context.Context, cycles int) error {
	if cycles < 1 {
		return core.NewValidationError("cycles must be >= 1")
	}
	_, err := w.exchange(ctx, fmt.Sprintf("DRY %d", cycles))
	return err
}

// StopOperation aborts the running cycle.
func (w *Wiper) StopOperation(ctx context.Context) error {
	_, err := w.exchange(ctx, "STOP")
	return err
}

// EmergencyStop halts the station immediately.
func (w *Wiper) EmergencyStop(ctx context.Context) error {
	_, err := w.exchange(ctx, "STOP")
	return err
}

// Arduino drives the fixture controller: cell door and vacuum chuck.
type Arduino struct {
	*lineClient
}

var _ driver.Driver = (*Arduino)(nil)

// NewArduino creates a disconnected Arduino driver.
func NewArduino(robotID, ip string, port int, timeout time.Duration) *Arduino {
	return &Arduino{lineClient: newLineClient(robotID, ip, port, timeout)}
}

// SetDoor opens or closes the cell door.
func (a *Arduino) SetDoor(ctx context.Context, open bool) error {
	cmd := "DOOR CLOSE"
	if open {
		cmd = "DOOR OPEN"
	}
	_, err := a.exchange(ctx, cmd)
	return err
}

// SetVacuum switches the vacuum chuck.
func (a *Arduino) SetVacuum(ctx context.Context, on bool) error {
	cmd := "VACUUM OFF"
	if on {
		cmd = "VACUUM ON"
	}
	_, err := a.exchange(ctx, cmd)
	return err
}

// Query returns the raw device status line.
func (a *Arduino) Query(ctx context.Context) (string, error) {
	return a.exchange(ctx, "STATUS")
}

// EmergencyStop drops the vacuum and halts outputs.
func (a *Arduino) EmergencyStop(ctx context.Context) error {
	_, err := a.exchange(ctx, "ALLSTOP")
	return err
}
