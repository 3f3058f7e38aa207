// Package client provides a Go client library for talking to the wptld
// daemon over its Unix domain socket, newline-framed JSON IPC protocol.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds client configuration.
type Config struct {
	SocketPath string
	Timeout    time.Duration
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		SocketPath: "/tmp/wptld.sock",
		Timeout:    10 * time.Second,
	}
}

// Client is a connection to the wptld daemon's IPC dispatcher. It is safe
// for concurrent use: requests on the same connection are pipelined and
// matched back to their caller by ID.
type Client struct {
	conn    net.Conn
	timeout time.Duration
	nextID  uint64

	mu      sync.Mutex
	pending map[string]chan rawResponse

	readErr error
	closed  chan struct{}
}

type rawResponse struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody mirrors the dispatcher's error envelope.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ErrorBody) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

// Dial connects to the daemon's socket and starts its reader goroutine.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultConfig().SocketPath
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.SocketPath, err)
	}

	c := &Client{
		conn:    conn,
		timeout: cfg.Timeout,
		pending: make(map[string]chan rawResponse),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close ends the connection, failing any in-flight requests.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return err
}

func (c *Client) readLoop() {
	defer close(c.closed)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var resp rawResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
	c.readErr = scanner.Err()
}

// call sends a request and blocks until its matching response arrives, the
// context is canceled, or the connection closes.
func (c *Client) call(ctx context.Context, reqType string, payload, result interface{}) error {
	id := fmt.Sprintf("%d", atomic.AddUint64(&c.nextID, 1))

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		raw = b
	}

	ch := make(chan rawResponse, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := struct {
		ID      string          `json:"id"`
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}{ID: id, Type: reqType, Payload: raw}

	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.conn.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("connection closed before response for request %s", id)
		}
		if !resp.OK {
			if resp.Error != nil {
				return resp.Error
			}
			return fmt.Errorf("request %s failed with no error body", id)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	case <-callCtx.Done():
		return callCtx.Err()
	case <-c.closed:
		return fmt.Errorf("connection closed")
	}
}

// Ping checks daemon reachability and returns its reported version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	var result struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "Ping", nil, &result); err != nil {
		return "", err
	}
	return result.Version, nil
}

// WorkspaceCreate creates a workspace, optionally seeded from a template.
func (c *Client) WorkspaceCreate(ctx context.Context, name, template string) (Workspace, error) {
	var w Workspace
	err := c.call(ctx, "WorkspaceCreate", map[string]string{"name": name, "template": template}, &w)
	return w, err
}

// WorkspaceDelete deletes a workspace.
func (c *Client) WorkspaceDelete(ctx context.Context, name string) error {
	return c.call(ctx, "WorkspaceDelete", map[string]string{"name": name}, nil)
}

// WorkspaceList lists all workspaces.
func (c *Client) WorkspaceList(ctx context.Context) ([]Workspace, error) {
	var ws []Workspace
	err := c.call(ctx, "WorkspaceList", nil, &ws)
	return ws, err
}

// WorkspaceSwitch sets the session-local current workspace.
func (c *Client) WorkspaceSwitch(ctx context.Context, name string) error {
	return c.call(ctx, "WorkspaceSwitch", map[string]string{"name": name}, nil)
}

// ProcessSpawn spawns a process inside a workspace.
func (c *Client) ProcessSpawn(ctx context.Context, workspace string, spec ProcessSpec) (ProcessRecord, error) {
	var rec ProcessRecord
	req := struct {
		Workspace string      `json:"workspace"`
		Spec      ProcessSpec `json:"spec"`
	}{Workspace: workspace, Spec: spec}
	err := c.call(ctx, "ProcessSpawn", req, &rec)
	return rec, err
}

// ProcessKill terminates a running process.
func (c *Client) ProcessKill(ctx context.Context, id string) error {
	return c.call(ctx, "ProcessKill", map[string]string{"id": id}, nil)
}

// ProcessRestart restarts a process in place.
func (c *Client) ProcessRestart(ctx context.Context, id string) error {
	return c.call(ctx, "ProcessRestart", map[string]string{"id": id}, nil)
}

// ProcessList lists processes, optionally filtered to one workspace.
func (c *Client) ProcessList(ctx context.Context, workspace string) ([]ProcessRecord, error) {
	var recs []ProcessRecord
	err := c.call(ctx, "ProcessList", map[string]string{"workspace": workspace}, &recs)
	return recs, err
}

// ProcessInfo fetches one process's current record.
func (c *Client) ProcessInfo(ctx context.Context, id string) (ProcessRecord, error) {
	var rec ProcessRecord
	err := c.call(ctx, "ProcessInfo", map[string]string{"id": id}, &rec)
	return rec, err
}

// TaskSubmit submits a new task.
func (c *Client) TaskSubmit(ctx context.Context, key string, priority int, payload json.RawMessage) (Task, error) {
	var t Task
	req := struct {
		Key      string          `json:"key"`
		Priority int             `json:"priority"`
		Payload  json.RawMessage `json:"payload"`
	}{Key: key, Priority: priority, Payload: payload}
	err := c.call(ctx, "TaskSubmit", req, &t)
	return t, err
}

// TaskCancel cancels a pending or running task.
func (c *Client) TaskCancel(ctx context.Context, id string) error {
	return c.call(ctx, "TaskCancel", map[string]string{"id": id}, nil)
}

// TaskList lists all tasks.
func (c *Client) TaskList(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := c.call(ctx, "TaskList", nil, &tasks)
	return tasks, err
}
