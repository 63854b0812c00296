package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"codeward/internal/logging"
)

// stdioTransport talks to a subprocess over newline-delimited JSON-RPC on
// its standard input/output. Responses are matched to requests by ID in a
// dedicated reader goroutine.
type stdioTransport struct {
	mu sync.Mutex

	name    string
	command string
	args    []string
	env     []string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	connected bool
	closed    bool

	pendingReqs map[int]chan *rpcResponse
	nextID      int

	wg sync.WaitGroup
}

// newStdioTransport builds a transport that will spawn cfg.Command.
func newStdioTransport(cfg ServerConfig) *stdioTransport {
	return &stdioTransport{
		name:        cfg.Name,
		command:     cfg.Command,
		args:        cfg.Args,
		env:         cfg.Env,
		pendingReqs: make(map[int]chan *rpcResponse),
		nextID:      1,
	}
}

// Connect spawns the subprocess, starts the reader loops, and performs the
// initialize handshake.
func (t *stdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	if t.command == "" {
		t.mu.Unlock()
		return fmt.Errorf("mcp %s: empty command for stdio transport", t.name)
	}

	t.cmd = exec.Command(t.command, t.args...)
	t.cmd.Env = append(os.Environ(), t.env...)

	var err error
	if t.stdin, err = t.cmd.StdinPipe(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("mcp %s: stdin pipe: %w", t.name, err)
	}
	if t.stdout, err = t.cmd.StdoutPipe(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("mcp %s: stdout pipe: %w", t.name, err)
	}
	if t.stderr, err = t.cmd.StderrPipe(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("mcp %s: stderr pipe: %w", t.name, err)
	}

	if err := t.cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("mcp %s: start %s: %w", t.name, t.command, err)
	}
	t.connected = true

	t.wg.Add(2)
	go t.readStderr()
	go t.readStdout()
	t.mu.Unlock()

	logging.MCPDebug("Server %s: spawned %s (pid %d)", t.name, t.command, t.cmd.Process.Pid)

	if _, err := t.call(ctx, "initialize", initializeParams()); err != nil {
		t.Close()
		return fmt.Errorf("mcp %s: initialize: %w", t.name, err)
	}
	t.notify("notifications/initialized", nil)
	return nil
}

// Close kills the subprocess and drains the reader goroutines.
func (t *stdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false

	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	for id, ch := range t.pendingReqs {
		close(ch)
		delete(t.pendingReqs, id)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		if t.cmd != nil {
			t.cmd.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		logging.MCPWarn("Server %s: reader goroutines did not exit in time", t.name)
	}

	logging.MCPDebug("Server %s: stdio transport closed", t.name)
	return nil
}

func (t *stdioTransport) readStderr() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		logging.MCPDebug("Server %s stderr: %s", t.name, scanner.Text())
	}
}

// readStdout dispatches responses to their waiting callers by request ID.
func (t *stdioTransport) readStdout() {
	defer t.wg.Done()
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			logging.MCPWarn("Server %s: unparseable frame: %v", t.name, err)
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification; nothing waits on it.
			logging.MCPDebug("Server %s: notification frame", t.name)
			continue
		}

		t.mu.Lock()
		ch, exists := t.pendingReqs[resp.ID]
		if exists {
			delete(t.pendingReqs, resp.ID)
		}
		t.mu.Unlock()
		if exists {
			ch <- &resp
		} else {
			logging.MCPWarn("Server %s: response for unknown id %d", t.name, resp.ID)
		}
	}
}

// call sends a request and waits for the matching response or ctx.
func (t *stdioTransport) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, fmt.Errorf("mcp %s: %w", t.name, ErrConnectionUnavailable)
	}

	id := t.nextID
	t.nextID++
	ch := make(chan *rpcResponse, 1)
	t.pendingReqs[id] = ch

	data, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, err
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, fmt.Errorf("mcp %s: write: %w", t.name, err)
	}
	t.mu.Unlock()

	select {
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, fmt.Errorf("mcp %s: %w", t.name, ErrConnectionUnavailable)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp %s: %w", t.name, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pendingReqs, id)
		t.mu.Unlock()
		return nil, ctx.Err()
	}
}

// notify writes a fire-and-forget notification frame.
func (t *stdioTransport) notify(method string, params any) {
	data, err := json.Marshal(rpcNotification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return
	}
	t.mu.Lock()
	if t.stdin != nil {
		t.stdin.Write(append(data, '\n'))
	}
	t.mu.Unlock()
}

func (t *stdioTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	resp, err := t.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result toolListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("mcp %s: parse tools/list: %w", t.name, err)
	}
	return result.Tools, nil
}

func (t *stdioTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	resp, err := t.call(ctx, "tools/call", callToolParams(name, args))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (t *stdioTransport) Ping(ctx context.Context) error {
	_, err := t.call(ctx, "ping", nil)
	return err
}

var _ Transport = (*stdioTransport)(nil)
