package mcpmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Channel is one live connection to a backend tool-server.
type Channel interface {
	// ListTools returns every tool the backend advertises, following
	// pagination cursors.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	// Wait blocks until the connection ends.
	Wait() error
	Close() error
}

// Dialer opens a Channel for a configured backend.
type Dialer interface {
	Dial(ctx context.Context, serverID string, cfg ServerConfig) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, serverID string, cfg ServerConfig) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, serverID string, cfg ServerConfig) (Channel, error) {
	return f(ctx, serverID, cfg)
}

type sessionChannel struct {
	session *mcp.ClientSession
}

// NewSessionChannel wraps a connected go-sdk client session.
func NewSessionChannel(session *mcp.ClientSession) Channel {
	return &sessionChannel{session: session}
}

func (c *sessionChannel) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var (
		tools  []*mcp.Tool
		cursor string
	)
	for {
		res, err := c.session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return nil, nil
			}
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" || res.NextCursor == cursor {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

func (c *sessionChannel) CallTool(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	params := &mcp.CallToolParams{Name: name}
	if len(args) > 0 && string(args) != "null" {
		params.Arguments = args
	} else {
		params.Arguments = map[string]any{}
	}
	return c.session.CallTool(ctx, params)
}

func (c *sessionChannel) Ping(ctx context.Context) error { return c.session.Ping(ctx, nil) }

func (c *sessionChannel) Wait() error { return c.session.Wait() }

func (c *sessionChannel) Close() error { return c.session.Close() }

// sdkDialer builds go-sdk transports from ServerConfig values.
type sdkDialer struct {
	options ManagerOptions
}

func (d *sdkDialer) Dial(ctx context.Context, serverID string, cfg ServerConfig) (Channel, error) {
	base := cfg.base()
	impl := &mcp.Implementation{
		Name:    d.clientName(serverID),
		Version: d.clientVersion(base),
	}
	clientOpts := d.options.DefaultClientOptions
	mergeClientOptions(&clientOpts, &base.ClientOptions)
	logger := d.resolveLogger(base)

	attempt := func(ctx context.Context, transport mcp.Transport) (Channel, error) {
		client := mcp.NewClient(impl, &clientOpts)
		if logger != nil {
			transport = &loggingTransport{serverID: serverID, delegate: transport, logger: logger}
		}
		session, err := client.Connect(ctx, transport, nil)
		if err != nil {
			return nil, err
		}
		return NewSessionChannel(session), nil
	}

	switch c := cfg.(type) {
	case *StdioServerConfig:
		transport, err := buildStdioTransport(serverID, c)
		if err != nil {
			return nil, err
		}
		return attempt(ctx, transport)
	case *HTTPServerConfig:
		return d.dialHTTP(ctx, serverID, c, attempt)
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported config for %q", serverID)
	}
}

func (d *sdkDialer) dialHTTP(
	ctx context.Context,
	serverID string,
	cfg *HTTPServerConfig,
	attempt func(context.Context, mcp.Transport) (Channel, error),
) (Channel, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mcpmgr: endpoint missing for %q", serverID)
	}
	client := decorateHTTPClient(cfg.HTTPClient, cfg.Headers)

	var streamErr error
	if !shouldPreferSSE(cfg) {
		ch, err := attempt(ctx, &mcp.StreamableClientTransport{
			Endpoint:   cfg.Endpoint,
			HTTPClient: client,
			MaxRetries: cfg.MaxRetries,
		})
		if err == nil {
			return ch, nil
		}
		streamErr = err
	}
	ch, err := attempt(ctx, &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: client})
	if err != nil {
		if streamErr != nil {
			return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
		}
		return nil, err
	}
	return ch, nil
}

func buildStdioTransport(serverID string, cfg *StdioServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcpmgr: command missing for %q", serverID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func (d *sdkDialer) clientName(serverID string) string {
	if d.options.DefaultClientName != "" {
		return d.options.DefaultClientName
	}
	return serverID
}

func (d *sdkDialer) clientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	return d.options.DefaultClientVersion
}

func (d *sdkDialer) resolveLogger(base *BaseServerConfig) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if d.options.RPCLogger != nil {
		return d.options.RPCLogger
	}
	if base.LogJSONRPC || d.options.DefaultLogJSONRPC {
		logger := d.options.Logger
		return func(event RPCLogEvent) {
			logger.Debug("jsonrpc",
				"server", event.ServerID,
				"direction", string(event.Direction),
				"message", string(event.Message))
		}
	}
	return nil
}

func mergeClientOptions(dst, src *mcp.ClientOptions) {
	if src == nil {
		return
	}
	if src.KeepAlive != 0 {
		dst.KeepAlive = src.KeepAlive
	}
	if src.LoggingMessageHandler != nil {
		dst.LoggingMessageHandler = src.LoggingMessageHandler
	}
	if src.ProgressNotificationHandler != nil {
		dst.ProgressNotificationHandler = src.ProgressNotificationHandler
	}
	if src.ToolListChangedHandler != nil {
		dst.ToolListChangedHandler = src.ToolListChangedHandler
	}
}

func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	return strings.Contains(lower, strings.ToLower(method)) || strings.Contains(lower, "method not found")
}
