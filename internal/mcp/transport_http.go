package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"codeward/internal/logging"
)

// httpTransport does plain JSON-RPC request/response POSTs against a single
// endpoint. Each request is independent; there is no persistent stream.
type httpTransport struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client

	nextID    atomic.Int64
	mu        sync.Mutex
	connected bool
}

func newHTTPTransport(cfg ServerConfig) *httpTransport {
	return &httpTransport{
		name:    cfg.Name,
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  &http.Client{},
	}
}

// Connect verifies the endpoint with an initialize handshake.
func (t *httpTransport) Connect(ctx context.Context) error {
	if t.url == "" {
		return fmt.Errorf("mcp %s: empty url for http transport", t.name)
	}
	if _, err := t.call(ctx, "initialize", initializeParams()); err != nil {
		return fmt.Errorf("mcp %s: initialize: %w", t.name, err)
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	logging.MCPDebug("Server %s: http transport connected to %s", t.name, t.url)
	return nil
}

func (t *httpTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.client.CloseIdleConnections()
	return nil
}

func (t *httpTransport) call(ctx context.Context, method string, params any) (*rpcResponse, error) {
	id := int(t.nextID.Add(1))
	body, err := json.Marshal(rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	httpResp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp %s: %w", t.name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("mcp %s: status %d: %s", t.name, httpResp.StatusCode, payload)
	}

	var resp rpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("mcp %s: decode response: %w", t.name, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp %s: %w", t.name, resp.Error)
	}
	return &resp, nil
}

func (t *httpTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
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

func (t *httpTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	resp, err := t.call(ctx, "tools/call", callToolParams(name, args))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

func (t *httpTransport) Ping(ctx context.Context) error {
	_, err := t.call(ctx, "ping", nil)
	return err
}

var _ Transport = (*httpTransport)(nil)
