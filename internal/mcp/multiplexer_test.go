package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"codeward/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeTransport scripts one server's behavior.
type fakeTransport struct {
	connectErr error
	listErr    error
	tools      []ToolSchema

	callResult json.RawMessage
	callErr    error
	callDelay  time.Duration
	calls      int

	pingErr error
	closed  bool
}

func (f *fakeTransport) Connect(ctx context.Context) error { return f.connectErr }

func (f *fakeTransport) ListTools(ctx context.Context) ([]ToolSchema, error) {
	return f.tools, f.listErr
}

func (f *fakeTransport) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.calls++
	if f.callDelay > 0 {
		select {
		case <-time.After(f.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.callResult, f.callErr
}

func (f *fakeTransport) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func textResult(text string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"content":[{"type":"text","text":%q}]}`, text))
}

func newTestMux(t *testing.T, transports map[string]*fakeTransport) (*Multiplexer, *tools.Registry) {
	t.Helper()
	configs := make([]ServerConfig, 0, len(transports))
	for name := range transports {
		configs = append(configs, ServerConfig{Name: name, Transport: TransportStdio})
	}
	mux, err := NewMultiplexer(configs)
	require.NoError(t, err)
	mux.newTransport = func(cfg ServerConfig) (Transport, error) {
		return transports[cfg.Name], nil
	}
	return mux, tools.NewRegistry()
}

func TestStartRegistersQualifiedNames(t *testing.T) {
	mux, registry := newTestMux(t, map[string]*fakeTransport{
		"notes": {
			tools:      []ToolSchema{{Name: "search"}, {Name: "create"}},
			callResult: textResult("ok"),
		},
	})
	defer mux.Close()

	require.NoError(t, mux.Start(context.Background(), registry))

	assert.True(t, registry.Has("notes_search"))
	assert.True(t, registry.Has("notes_create"))
	assert.Equal(t, StateReady, mux.States()["notes"])

	out, err := mux.Call(context.Background(), "notes_search", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestStartIsolatesFailedServer(t *testing.T) {
	mux, registry := newTestMux(t, map[string]*fakeTransport{
		"good": {tools: []ToolSchema{{Name: "ping"}}},
		"bad":  {connectErr: errors.New("connection refused")},
	})
	defer mux.Close()

	require.NoError(t, mux.Start(context.Background(), registry))

	assert.Equal(t, StateReady, mux.States()["good"])
	assert.Equal(t, StateClosed, mux.States()["bad"])
	assert.True(t, registry.Has("good_ping"))
}

func TestStartFailsOnToolNameCollision(t *testing.T) {
	mux, registry := newTestMux(t, map[string]*fakeTransport{
		"notes": {tools: []ToolSchema{{Name: "search"}}},
	})
	defer mux.Close()

	// Pre-register the qualified name a server is about to claim.
	require.NoError(t, registry.Register(&tools.Descriptor{
		Name:    "notes_search",
		Origin:  tools.OriginBuiltin,
		Handler: func(ctx context.Context, args map[string]any) (string, error) { return "", nil },
	}))

	err := mux.Start(context.Background(), registry)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNameCollision)
}

// A server advertising an invalid tool is a registration failure in its own
// right, not a name collision.
func TestStartSurfacesInvalidToolAsItself(t *testing.T) {
	mux, registry := newTestMux(t, map[string]*fakeTransport{
		"notes": {tools: []ToolSchema{{Name: ""}}},
	})
	defer mux.Close()

	err := mux.Start(context.Background(), registry)
	require.Error(t, err)
	assert.ErrorIs(t, err, tools.ErrToolNameEmpty)
	assert.NotErrorIs(t, err, ErrToolNameCollision)
}

func TestCallRejectsNonReadyServer(t *testing.T) {
	ft := &fakeTransport{
		tools:   []ToolSchema{{Name: "search"}},
		callErr: errors.New("broken pipe"),
	}
	mux, registry := newTestMux(t, map[string]*fakeTransport{"notes": ft})
	defer mux.Close()
	require.NoError(t, mux.Start(context.Background(), registry))

	// First call hits the transport fault and degrades the connection.
	_, err := mux.Call(context.Background(), "notes_search", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.Equal(t, StateDegraded, mux.States()["notes"])

	// Subsequent calls fail fast without touching the transport.
	before := ft.calls
	_, err = mux.Call(context.Background(), "notes_search", nil)
	assert.ErrorIs(t, err, ErrConnectionUnavailable)
	assert.Equal(t, before, ft.calls)
}

func TestCallRPCErrorLeavesConnectionHealthy(t *testing.T) {
	ft := &fakeTransport{
		tools:   []ToolSchema{{Name: "search"}},
		callErr: fmt.Errorf("mcp notes: %w", &RPCError{Code: -32602, Message: "invalid params"}),
	}
	mux, registry := newTestMux(t, map[string]*fakeTransport{"notes": ft})
	defer mux.Close()
	require.NoError(t, mux.Start(context.Background(), registry))

	_, err := mux.Call(context.Background(), "notes_search", nil)
	require.Error(t, err)
	var rpcErr *RPCError
	assert.ErrorAs(t, err, &rpcErr)
	assert.NotErrorIs(t, err, ErrConnectionUnavailable)
	assert.Equal(t, StateReady, mux.States()["notes"])
}

func TestCallHonorsPerCallDeadline(t *testing.T) {
	ft := &fakeTransport{
		tools:     []ToolSchema{{Name: "slow"}},
		callDelay: time.Second,
	}
	mux, registry := newTestMux(t, map[string]*fakeTransport{"notes": ft})
	defer mux.Close()

	mux.conns["notes"].cfg.ToolTimeout = 20 * time.Millisecond
	require.NoError(t, mux.Start(context.Background(), registry))

	_, err := mux.Call(context.Background(), "notes_slow", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	// A deadline is on the caller, not the wire; the server stays Ready.
	assert.Equal(t, StateReady, mux.States()["notes"])
}

func TestCallUnknownToolName(t *testing.T) {
	mux, registry := newTestMux(t, map[string]*fakeTransport{})
	defer mux.Close()
	require.NoError(t, mux.Start(context.Background(), registry))

	_, err := mux.Call(context.Background(), "ghost_tool", nil)
	assert.ErrorIs(t, err, ErrUnknownServer)
}

func TestPingDegradesUnresponsiveServer(t *testing.T) {
	ft := &fakeTransport{
		tools:   []ToolSchema{{Name: "search"}},
		pingErr: errors.New("timeout"),
	}
	mux, registry := newTestMux(t, map[string]*fakeTransport{"notes": ft})
	defer mux.Close()
	require.NoError(t, mux.Start(context.Background(), registry))

	results := mux.Ping(context.Background())
	require.Error(t, results["notes"])
	assert.Equal(t, StateDegraded, mux.States()["notes"])
}

func TestNewMultiplexerRejectsDuplicateServers(t *testing.T) {
	_, err := NewMultiplexer([]ServerConfig{
		{Name: "notes", Transport: TransportStdio},
		{Name: "notes", Transport: TransportHTTP},
	})
	assert.Error(t, err)
}

func TestRenderResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "single text block", raw: `{"content":[{"type":"text","text":"hello"}]}`, want: "hello"},
		{name: "multiple blocks joined", raw: `{"content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}`, want: "a\nb"},
		{name: "isError becomes tool error", raw: `{"content":[{"type":"text","text":"boom"}],"isError":true}`, wantErr: true},
		{name: "non-text blocks skipped", raw: `{"content":[{"type":"image","text":""},{"type":"text","text":"x"}]}`, want: "x"},
		{name: "empty payload", raw: ``, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := renderResult(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
