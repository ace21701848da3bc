// Package mcpmgrtest provides in-process MCP backends for tests.
package mcpmgrtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
)

// Backend is an MCP server reachable through in-memory transports.
type Backend struct {
	Server *mcp.Server

	dials atomic.Int32

	mu       sync.Mutex
	sessions []*mcp.ServerSession
}

func NewBackend(name string) *Backend {
	return &Backend{
		Server: mcp.NewServer(&mcp.Implementation{Name: name, Version: "v0.0.1"}, nil),
	}
}

// AddTool registers a tool with an empty object input schema.
func (b *Backend) AddTool(name string, handler mcp.ToolHandler) *Backend {
	b.Server.AddTool(&mcp.Tool{
		Name:        name,
		Description: "test tool " + name,
		InputSchema: map[string]any{"type": "object"},
	}, handler)
	return b
}

// Dials reports how many channels were opened to the backend.
func (b *Backend) Dials() int { return int(b.dials.Load()) }

// Disconnect closes every server-side session, which ends the client
// connections from the backend's side.
func (b *Backend) Disconnect() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = nil
	b.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
}

func (b *Backend) connect(ctx context.Context) (mcpmgr.Channel, error) {
	b.dials.Add(1)
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := b.Server.Connect(ctx, serverTransport, nil)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.sessions = append(b.sessions, ss)
	b.mu.Unlock()

	client := mcp.NewClient(&mcp.Implementation{Name: "mcpgate-test", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		_ = ss.Close()
		return nil, err
	}
	return mcpmgr.NewSessionChannel(cs), nil
}

// Dialer connects to the named backends. Any other server id fails to dial,
// which stands in for a backend that cannot be started.
func Dialer(backends map[string]*Backend) mcpmgr.Dialer {
	return mcpmgr.DialerFunc(func(ctx context.Context, serverID string, _ mcpmgr.ServerConfig) (mcpmgr.Channel, error) {
		b, ok := backends[serverID]
		if !ok {
			return nil, fmt.Errorf("mcpmgrtest: spawn %q: executable not found", serverID)
		}
		return b.connect(ctx)
	})
}

// Configs returns placeholder stdio configs for the given ids so a Manager
// knows about them. The Dialer decides what each id actually reaches.
func Configs(ids ...string) map[string]mcpmgr.ServerConfig {
	out := make(map[string]mcpmgr.ServerConfig, len(ids))
	for _, id := range ids {
		out[id] = &mcpmgr.StdioServerConfig{Command: id}
	}
	return out
}

// Text returns a tool result holding a single text block.
func Text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

// Echo answers with "<label>:<raw arguments>".
func Echo(label string) mcp.ToolHandler {
	return func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return Text(fmt.Sprintf("%s:%s", label, string(req.Params.Arguments))), nil
	}
}

// Fail answers with a tool-level error result.
func Fail(msg string) mcp.ToolHandler {
	return func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res := Text(msg)
		res.IsError = true
		return res, nil
	}
}

// Block waits until the call is cancelled or release is closed.
func Block(release <-chan struct{}) mcp.ToolHandler {
	return func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return Text("released"), nil
		}
	}
}

// FirstText returns the text of the first content block, or "".
func FirstText(res *mcp.CallToolResult) string {
	if res == nil || len(res.Content) == 0 {
		return ""
	}
	if tc, ok := res.Content[0].(*mcp.TextContent); ok {
		return tc.Text
	}
	return ""
}
