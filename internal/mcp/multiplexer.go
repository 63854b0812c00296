package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"codeward/internal/logging"
	"codeward/internal/tools"
)

const (
	defaultStartupTimeout = 30 * time.Second
	defaultToolTimeout    = 60 * time.Second
)

// connection is one server owned by the multiplexer.
type connection struct {
	cfg       ServerConfig
	transport Transport

	mu      sync.RWMutex
	state   State
	lastErr error
	tools   []ToolSchema
}

func (c *connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *connection) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	if err != nil {
		c.lastErr = err
	}
	c.mu.Unlock()
}

// LastError returns the error that closed or degraded the connection.
func (c *connection) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// route maps a qualified tool name back to its connection and local name.
type route struct {
	conn  *connection
	local string
}

// Multiplexer owns N independent MCP server connections and exposes a
// single call surface keyed by qualified tool name. Connections are never
// handed out; a failing server degrades alone.
type Multiplexer struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	routes map[string]route

	// newTransport is a seam for tests; production uses transportFor.
	newTransport func(ServerConfig) (Transport, error)
}

// NewMultiplexer validates the descriptor list. Duplicate server names are
// a configuration error.
func NewMultiplexer(configs []ServerConfig) (*Multiplexer, error) {
	m := &Multiplexer{
		conns:        make(map[string]*connection),
		routes:       make(map[string]route),
		newTransport: transportFor,
	}
	for _, cfg := range configs {
		if cfg.Name == "" {
			return nil, fmt.Errorf("mcp: server with empty name")
		}
		if _, dup := m.conns[cfg.Name]; dup {
			return nil, fmt.Errorf("mcp: duplicate server name %q", cfg.Name)
		}
		m.conns[cfg.Name] = &connection{cfg: cfg, state: StateStarting}
	}
	return m, nil
}

// transportFor builds the wire mechanism for a server descriptor.
func transportFor(cfg ServerConfig) (Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		return newStdioTransport(cfg), nil
	case TransportHTTP:
		return newHTTPTransport(cfg), nil
	case TransportStreamableHTTP:
		return newStreamableTransport(cfg), nil
	default:
		return nil, fmt.Errorf("mcp %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// Start connects every server in parallel, fetches and namespaces their
// tools, and registers the qualified names. A server that fails its
// handshake or startup deadline transitions to Closed and is skipped — it
// never aborts the others. A qualified-name collision is a configuration
// error and fails startup as a whole.
func (m *Multiplexer) Start(ctx context.Context, registry *tools.Registry) error {
	timer := logging.StartTimer(logging.CategoryMCP, "MCP multiplexer startup")
	defer timer.Stop()

	var g errgroup.Group
	for _, conn := range m.conns {
		conn := conn
		g.Go(func() error {
			m.startConnection(ctx, conn)
			return nil
		})
	}
	g.Wait()

	// Deterministic registration order so collision reports are stable.
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, serverName := range names {
		conn := m.conns[serverName]
		if conn.State() != StateReady {
			continue
		}
		for _, schema := range conn.tools {
			qualified := tools.QualifiedMCPName(serverName, schema.Name)
			if err := registry.RegisterMCP(serverName, m.descriptorFor(conn, schema)); err != nil {
				if errors.Is(err, tools.ErrToolAlreadyRegistered) {
					return fmt.Errorf("%w: %s", ErrToolNameCollision, qualified)
				}
				return fmt.Errorf("mcp %s: tool %q: %w", serverName, schema.Name, err)
			}
			m.mu.Lock()
			m.routes[qualified] = route{conn: conn, local: schema.Name}
			m.mu.Unlock()
		}
		logging.MCP("Server %s ready with %d tools", serverName, len(conn.tools))
	}
	return nil
}

// startConnection runs handshake plus discovery under the startup deadline.
func (m *Multiplexer) startConnection(ctx context.Context, conn *connection) {
	timeout := conn.cfg.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := m.newTransport(conn.cfg)
	if err != nil {
		conn.setState(StateClosed, err)
		logging.MCPWarn("Server %s unavailable: %v", conn.cfg.Name, err)
		return
	}
	conn.transport = transport

	if err := transport.Connect(startCtx); err != nil {
		conn.setState(StateClosed, err)
		logging.MCPWarn("Server %s handshake failed: %v", conn.cfg.Name, err)
		return
	}
	schemas, err := transport.ListTools(startCtx)
	if err != nil {
		transport.Close()
		conn.setState(StateClosed, err)
		logging.MCPWarn("Server %s tool discovery failed: %v", conn.cfg.Name, err)
		return
	}

	conn.mu.Lock()
	conn.tools = schemas
	conn.state = StateReady
	conn.mu.Unlock()
}

// descriptorFor builds the registry descriptor whose handler routes through
// the multiplexer.
func (m *Multiplexer) descriptorFor(conn *connection, schema ToolSchema) *tools.Descriptor {
	local := schema.Name
	return &tools.Descriptor{
		Name:        local,
		Description: schema.Description,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return m.callConnection(ctx, conn, local, args)
		},
	}
}

// Call invokes a qualified tool name. Calls against servers that are not
// Ready fail immediately with ErrConnectionUnavailable — nothing queues.
func (m *Multiplexer) Call(ctx context.Context, qualifiedName string, args map[string]any) (string, error) {
	m.mu.RLock()
	rt, ok := m.routes[qualifiedName]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: no server provides %s", ErrUnknownServer, qualifiedName)
	}
	return m.callConnection(ctx, rt.conn, rt.local, args)
}

func (m *Multiplexer) callConnection(ctx context.Context, conn *connection, local string, args map[string]any) (string, error) {
	if state := conn.State(); state != StateReady {
		return "", fmt.Errorf("mcp %s is %s: %w", conn.cfg.Name, state, ErrConnectionUnavailable)
	}

	timeout := conn.cfg.ToolTimeout
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := conn.transport.CallTool(callCtx, local, args)
	if err != nil {
		// A JSON-RPC error or caller cancellation leaves the connection
		// healthy; a transport fault degrades it and every queued call
		// fails fast from here on. No auto-retry either way.
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) || ctx.Err() != nil || callCtx.Err() != nil {
			return "", err
		}
		conn.setState(StateDegraded, err)
		logging.MCPWarn("Server %s degraded: %v", conn.cfg.Name, err)
		return "", fmt.Errorf("mcp %s degraded (%v): %w", conn.cfg.Name, err, ErrConnectionUnavailable)
	}
	return renderResult(raw)
}

// renderResult flattens a tools/call payload into text. A result flagged
// isError becomes an ordinary tool error, not a connection fault.
func renderResult(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var payload struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		// Servers occasionally return bare values; pass them through.
		return string(raw), nil
	}

	var parts []string
	for _, c := range payload.Content {
		if c.Type == "" || c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if payload.IsError {
		return "", fmt.Errorf("tool failed: %s", text)
	}
	return text, nil
}

// States reports every server's lifecycle state, for status surfaces.
func (m *Multiplexer) States() map[string]State {
	out := make(map[string]State, len(m.conns))
	for name, conn := range m.conns {
		out[name] = conn.State()
	}
	return out
}

// Ping checks liveness of every Ready server; an unresponsive server is
// marked Degraded. Returns per-server errors.
func (m *Multiplexer) Ping(ctx context.Context) map[string]error {
	out := make(map[string]error, len(m.conns))
	for name, conn := range m.conns {
		if conn.State() != StateReady {
			out[name] = fmt.Errorf("%s: %w", conn.State(), ErrConnectionUnavailable)
			continue
		}
		if err := conn.transport.Ping(ctx); err != nil {
			conn.setState(StateDegraded, err)
			out[name] = err
			continue
		}
		out[name] = nil
	}
	return out
}

// Close shuts down every connection.
func (m *Multiplexer) Close() {
	for name, conn := range m.conns {
		if conn.transport != nil {
			conn.transport.Close()
		}
		conn.setState(StateClosed, nil)
		logging.MCPDebug("Server %s closed", name)
	}
}
