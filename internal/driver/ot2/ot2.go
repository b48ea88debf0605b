// Package ot2 implements the REST driver for the Opentrons OT-2 liquid
// handler (runs/protocols HTTP API).
package ot2

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"icc.tech/labcell/internal/config"
	"icc.tech/labcell/internal/core"
	"icc.tech/labcell/internal/driver"
)

// Driver is an HTTP client against one OT-2. Connection state is derived
// from the health endpoint; there is no persistent transport.
type Driver struct {
	cfg     config.OT2Config
	baseURL string
	client  *http.Client

	mu        sync.Mutex
	connected bool
	status    core.RobotStatus
	lastRun   *driver.RunStatus
}

var _ driver.LiquidHandlerDriver = (*Driver)(nil)

// New creates the driver. baseURL defaults to http://<ip>:<port>.
func New(cfg config.OT2Config) *Driver {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Driver{
		cfg:     cfg,
		baseURL: fmt.Sprintf("http://%s:%d", cfg.IP, cfg.Port),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
			},
		},
	}
}

// Connect probes the health endpoint and records connectivity.
func (d *Driver) Connect(ctx context.Context) error {
	if err := d.health(ctx); err != nil {
		d.setConnected(false)
		return err
	}
	d.setConnected(true)
	slog.Info("liquid handler connected", "robot_id", d.cfg.RobotID, "base_url", d.baseURL)
	return nil
}

// Disconnect marks the driver disconnected. Purely local: the OT-2 keeps
// no session.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.setConnected(false)
	slog.Info("liquid handler disconnected", "robot_id", d.cfg.RobotID)
	return nil
}

func (d *Driver) setConnected(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = v
	d.status.Connected = v
	d.status.UpdatedAt = time.Now()
}

// IsConnected reports the last known health probe outcome.
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Status returns the synthesized status snapshot.
func (d *Driver) Status() core.RobotStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.status
	if d.lastRun != nil {
		st.Paused = d.lastRun.State == driver.RunPaused
		st.EndOfCycle = d.lastRun.State.Terminal()
	}
	return st
}

// LastRun returns the most recently observed run status, if any.
func (d *Driver) LastRun() (driver.RunStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastRun == nil {
		return driver.RunStatus{}, false
	}
	return *d.lastRun, true
}

// Ping measures the health endpoint round trip.
func (d *Driver) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := d.health(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (d *Driver) health(ctx context.Context) error {
	var out map[string]any
	return d.request(ctx, http.MethodGet, "/health", nil, &out)
}

// UploadProtocol multipart-uploads a protocol file and returns the assigned
// protocol id.
func (d *Driver) UploadProtocol(ctx context.Context, filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", core.NewValidationError(fmt.Sprintf("protocol file %q: %v", filePath, err))
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("files", filepath.Base(filePath))
	if err != nil {
		return "", core.NewProtocolExecutionError("multipart assembly failed", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", core.NewProtocolExecutionError("reading protocol file failed", err)
	}
	if err := writer.Close(); err != nil {
		return "", core.NewProtocolExecutionError("multipart assembly failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/protocols", &body)
	if err != nil {
		return "", core.NewProtocolExecutionError("building upload request failed", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Opentrons-Version", d.apiVersion())

	resp, err := d.client.Do(req)
	if err != nil {
		return "", core.NewConnectionError("protocol upload failed", err).WithRobot(d.cfg.RobotID)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", d.httpError("protocol upload", resp)
	}

	var decoded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", core.NewProtocolExecutionError("decoding upload response failed", err)
	}
	if decoded.Data.ID == "" {
		return "", core.NewProtocolExecutionError("upload response carried no protocol id", nil)
	}
	slog.Info("protocol uploaded", "robot_id", d.cfg.RobotID, "protocol_id", decoded.Data.ID)
	return decoded.Data.ID, nil
}

// CreateRun creates a run for the uploaded protocol.
func (d *Driver) CreateRun(ctx context.Context, protocolID string) (string, error) {
	payload := map[string]any{
		"data": map[string]any{"protocolId": protocolID},
	}
	var decoded struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := d.request(ctx, http.MethodPost, "/runs", payload, &decoded); err != nil {
		return "", err
	}
	if decoded.Data.ID == "" {
		return "", core.NewProtocolExecutionError("run creation returned no id", nil)
	}
	d.mu.Lock()
	d.lastRun = &driver.RunStatus{RunID: decoded.Data.ID, ProtocolID: protocolID, State: driver.RunIdle}
	d.mu.Unlock()
	slog.Info("run created", "robot_id", d.cfg.RobotID, "run_id", decoded.Data.ID, "protocol_id", protocolID)
	return decoded.Data.ID, nil
}

func (d *Driver) StartRun(ctx context.Context, runID string) error {
	return d.runAction(ctx, runID, "play")
}

func (d *Driver) StopRun(ctx context.Context, runID string) error {
	return d.runAction(ctx, runID, "stop")
}

func (d *Driver) PauseRun(ctx context.Context, runID string) error {
	return d.runAction(ctx, runID, "pause")
}

// ResumeRun re-issues play; the OT-2 resumes a paused run on play.
func (d *Driver) ResumeRun(ctx context.Context, runID string) error {
	return d.runAction(ctx, runID, "play")
}

func (d *Driver) runAction(ctx context.Context, runID, action string) error {
	payload := map[string]any{
		"data": map[string]any{"actionType": action},
	}
	var out map[string]any
	err := d.request(ctx, http.MethodPost, "/runs/"+runID+"/actions", payload, &out)
	if err == nil {
		slog.Info("run action issued", "robot_id", d.cfg.RobotID, "run_id", runID, "action", action)
	}
	return err
}

// PollRun reads the run's current state and updates the cached snapshot.
func (d *Driver) PollRun(ctx context.Context, runID string) (driver.RunStatus, error) {
	var decoded struct {
		Data struct {
			ID             string `json:"id"`
			ProtocolID     string `json:"protocolId"`
			Status         string `json:"status"`
			CurrentCommand struct {
				CommandType string `json:"commandType"`
			} `json:"currentCommand"`
			Errors []struct {
				Detail string `json:"detail"`
			} `json:"errors"`
		} `json:"data"`
	}
	if err := d.request(ctx, http.MethodGet, "/runs/"+runID, nil, &decoded); err != nil {
		return driver.RunStatus{}, err
	}

	st := driver.RunStatus{
		RunID:          runID,
		ProtocolID:     decoded.Data.ProtocolID,
		State:          mapRunState(decoded.Data.Status),
		CurrentCommand: decoded.Data.CurrentCommand.CommandType,
	}
	if len(decoded.Data.Errors) > 0 {
		st.Error = decoded.Data.Errors[0].Detail
	}

	d.mu.Lock()
	if d.lastRun != nil && d.lastRun.RunID == runID {
		st.StartTime = d.lastRun.StartTime
		if st.State == driver.RunRunning && st.StartTime == nil {
			now := time.Now()
			st.StartTime = &now
		}
		if st.State.Terminal() && d.lastRun.EndTime == nil {
			now := time.Now()
			st.EndTime = &now
		} else {
			st.EndTime = d.lastRun.EndTime
		}
	}
	if st.State == driver.RunSucceeded {
		st.ProgressPercent = 100
	}
	d.lastRun = &st
	d.mu.Unlock()
	return st, nil
}

func mapRunState(s string) driver.RunState {
	switch s {
	case "idle":
		return driver.RunIdle
	case "running", "finishing":
		return driver.RunRunning
	case "paused", "pause-requested":
		return driver.RunPaused
	case "succeeded":
		return driver.RunSucceeded
	case "failed":
		return driver.RunFailed
	case "stopped", "stop-requested":
		return driver.RunStopped
	}
	return driver.RunIdle
}

// Home issues a gantry homing action.
func (d *Driver) Home(ctx context.Context) error {
	payload := map[string]any{"target": "robot"}
	var out map[string]any
	return d.request(ctx, http.MethodPost, "/robot/home", payload, &out)
}

// CalibrationOK probes pipette calibration and reports whether every
// attached instrument has a completed calibration.
func (d *Driver) CalibrationOK(ctx context.Context) (bool, error) {
	var decoded struct {
		Data []struct {
			CalibratedOffset struct {
				Last string `json:"last_modified"`
			} `json:"calibratedOffset"`
		} `json:"data"`
	}
	if err := d.request(ctx, http.MethodGet, "/instruments", nil, &decoded); err != nil {
		return false, err
	}
	for _, inst := range decoded.Data {
		if inst.CalibratedOffset.Last == "" {
			return false, nil
		}
	}
	return true, nil
}

// EmergencyStop stops the active run, if one is known. Stopping a run the
// robot already finished is harmless.
func (d *Driver) EmergencyStop(ctx context.Context) error {
	d.mu.Lock()
	run := d.lastRun
	d.mu.Unlock()

	if run == nil || run.State.Terminal() {
		return nil
	}
	return d.StopRun(ctx, run.RunID)
}

// request performs one JSON round trip.
func (d *Driver) request(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return core.NewProtocolExecutionError("encoding request failed", err)
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return core.NewProtocolExecutionError("building request failed", err)
	}
	req.Header.Set("Opentrons-Version", d.apiVersion())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return core.NewConnectionError(fmt.Sprintf("%s %s failed", method, path), err).WithRobot(d.cfg.RobotID)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return d.httpError(method+" "+path, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return core.NewProtocolExecutionError(fmt.Sprintf("decoding %s response failed", path), err)
		}
	}
	return nil
}

func (d *Driver) httpError(op string, resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return core.NewHardwareError(
		fmt.Sprintf("%s returned %d: %s", op, resp.StatusCode, string(detail)),
		d.cfg.RobotID, nil)
}

func (d *Driver) apiVersion() string {
	if d.cfg.APIVersion == "" {
		return "4"
	}
	return d.cfg.APIVersion
}
