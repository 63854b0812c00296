// Package mcp multiplexes tool calls across independent MCP server
// connections. The multiplexer owns every connection exclusively; tools are
// exposed under qualified {server}_{tool} names and one misbehaving server
// never blocks the others.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of one server connection.
type State string

const (
	// StateStarting covers the transport handshake and tool discovery.
	StateStarting State = "starting"

	// StateReady means tools are fetched, namespaced, and callable.
	StateReady State = "ready"

	// StateDegraded means a transport error mid-session; calls are rejected
	// immediately until the session is re-initialized.
	StateDegraded State = "degraded"

	// StateClosed means the handshake failed or the connection was shut
	// down.
	StateClosed State = "closed"
)

// TransportKind selects the wire mechanism for a server.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportHTTP           TransportKind = "http"
	TransportStreamableHTTP TransportKind = "streamable-http"
)

// Sentinel errors surfaced to the executor's result taxonomy.
var (
	// ErrConnectionUnavailable is returned for calls against a server that
	// is degraded, closed, or never became ready.
	ErrConnectionUnavailable = errors.New("mcp server unavailable")

	// ErrToolNameCollision is a startup configuration error: two servers
	// produced the same qualified tool name.
	ErrToolNameCollision = errors.New("mcp tool name collision")

	// ErrUnknownServer is returned when a qualified name references no
	// configured server.
	ErrUnknownServer = errors.New("unknown mcp server")
)

// ServerConfig describes one MCP server connection.
type ServerConfig struct {
	Name      string            `json:"name"`
	Transport TransportKind     `json:"transport"`
	URL       string            `json:"url,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       []string          `json:"env,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`

	// StartupTimeout bounds the handshake plus tool discovery.
	StartupTimeout time.Duration `json:"startup_timeout,omitempty"`

	// ToolTimeout bounds each individual tool call.
	ToolTimeout time.Duration `json:"tool_timeout,omitempty"`
}

// ToolSchema is the raw tool description a server advertises.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Transport is the wire mechanism behind one connection. Implementations
// are not safe for use before Connect returns.
type Transport interface {
	// Connect performs the MCP initialize handshake.
	Connect(ctx context.Context) error

	// ListTools retrieves the server's advertised tools.
	ListTools(ctx context.Context) ([]ToolSchema, error)

	// CallTool invokes a tool by its server-local name.
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)

	// Ping checks liveness.
	Ping(ctx context.Context) error

	// Close tears down the connection.
	Close() error
}

// jsonrpc framing shared by every transport.

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
	clientName      = "codeward"
	clientVersion   = "1.0.0"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error response. It means the server is alive and
// answered; the connection it came over stays healthy.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// initializeParams builds the standard initialize request payload.
func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}

// toolListResult is the tools/list response shape.
type toolListResult struct {
	Tools []ToolSchema `json:"tools"`
}

// callToolParams is the tools/call request shape.
func callToolParams(name string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"name":      name,
		"arguments": args,
	}
}
