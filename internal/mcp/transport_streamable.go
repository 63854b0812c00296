package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"codeward/internal/logging"
)

const sessionHeader = "Mcp-Session-Id"

// streamableTransport is the streamable HTTP variant: each POST may answer
// with a plain JSON body or with an SSE stream carrying the response frame.
// The session ID issued during initialize is echoed on every later request.
type streamableTransport struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client

	nextID atomic.Int64

	mu        sync.Mutex
	sessionID string
	connected bool
}

func newStreamableTransport(cfg ServerConfig) *streamableTransport {
	return &streamableTransport{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{},
	}
}

// Connect performs the initialize handshake and captures the session ID.
func (t *streamableTransport) Connect(ctx context.Context) error {
	if t.url == "" {
		return fmt.Errorf("mcp %s: empty url for streamable-http transport", t.name)
	}
	if _, err := t.call(ctx, "initialize", initializeParams()); err != nil {
		return fmt.Errorf("mcp %s: initialize: %w", t.name, err)
	}
	t.notify(ctx, "notifications/initialized", nil)

	t.mu.Lock()
	t.connected = true
	session := t.sessionID
	t.mu.Unlock()
	logging.MCPDebug("Server %s: streamable-http connected to %s (session=%q)", t.name, t.url, session)
	return nil
}

func (t *streamableTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	session := t.sessionID
	t.mu.Unlock()

	// Best-effort session teardown with a DELETE to the endpoint.
	if session != "" {
		if req, err := http.NewRequest(http.MethodDelete, t.url, nil); err == nil {
			req.Header.Set(sessionHeader, session)
			if resp, err := t.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}
	t.client.CloseIdleConnections()
	return nil
}

func (t *streamableTransport) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	id := int(t.nextID.Add(1))
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	httpResp, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if session := httpResp.Header.Get(sessionHeader); session != "" {
		t.mu.Lock()
		t.sessionID = session
		t.mu.Unlock()
	}

	if httpResp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("mcp %s: status %d: %s", t.name, httpResp.StatusCode, payload)
	}

	var resp *rpcResponse
	contentType := httpResp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/event-stream") {
		resp, err = readSSEResponse(httpResp.Body, id)
	} else {
		resp = &rpcResponse{}
		err = json.NewDecoder(httpResp.Body).Decode(resp)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp %s: decode response: %w", t.name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp %s: %w", t.name, resp.Error)
	}
	return resp, nil
}

// notify posts a fire-and-forget notification frame.
func (t *streamableTransport) notify(ctx context.Context, method string, params any) {
	body, err := json.Marshal(rpcNotification{JSONRPC: jsonrpcVersion, Method: method, Params: params})
	if err != nil {
		return
	}
	if resp, err := t.post(ctx, body); err == nil {
		resp.Body.Close()
	}
}

func (t *streamableTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", t.name, err)
	}
	return resp, nil
}

// readSSEResponse scans an event stream until it finds the response frame
// matching the request ID. Unrelated frames (notifications, progress) are
// skipped.
func readSSEResponse(r io.Reader, wantID int) (*rpcResponse, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "":
			if data.Len() == 0 {
				continue
			}
			payload := data.String()
			data.Reset()

			var resp rpcResponse
			if err := json.Unmarshal([]byte(payload), &resp); err != nil {
				continue
			}
			if resp.ID == wantID {
				return &resp, nil
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("stream ended without response for id %d", wantID)
}

func (t *streamableTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
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

func (t *streamableTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	resp, err := t.call(ctx, "tools/call", callToolParams(name, args))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (t *streamableTransport) Ping(ctx context.Context) error {
	_, err := t.call(ctx, "ping", nil)
	return err
}

var _ Transport = (*streamableTransport)(nil)
