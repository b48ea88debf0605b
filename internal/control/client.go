package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a JSON-RPC client over the daemon's Unix domain socket. Each
// call opens its own connection; the CLI is short-lived.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient creates a client.
func NewClient(socketPath string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{socketPath: socketPath, timeout: timeout}
}

// Call sends one method call and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (*Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		paramsJSON = data
	}

	reqID := fmt.Sprintf("req-%d", time.Now().UnixNano())
	if err := json.NewEncoder(conn).Encode(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  paramsJSON,
		ID:      reqID,
	}); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var resp JSONRPCResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != reqID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", reqID, got)
	}
	return &Response{Result: resp.Result, Error: resp.Error}, nil
}

// Ping checks that the daemon is alive.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Call(ctx, "ping", nil)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("ping failed: %s", resp.Error.Message)
	}
	return nil
}
