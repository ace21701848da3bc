package mcpmgr

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic exchanged with a backend.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	ClientOptions mcp.ClientOptions
	// Timeout bounds the connect handshake and every tool invocation on the
	// backend. Zero falls back to ManagerOptions.DefaultTimeout.
	Timeout    time.Duration
	Version    string
	OnError    func(error)
	LogJSONRPC bool
	RPCLogger  RPCLogger
}

// StdioServerConfig describes a backend launched as a subprocess speaking
// MCP over stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes a backend reachable over streamable HTTP, with
// legacy SSE as a fallback.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint   string
	Headers    http.Header
	HTTPClient *http.Client
	MaxRetries int
	// PreferSSE skips the streamable attempt. When nil it is inferred from an
	// endpoint ending in /sse.
	PreferSSE *bool
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// DefaultClientName is advertised during initialization. When empty, the
	// server ID is used.
	DefaultClientName    string
	DefaultClientVersion string
	// DefaultTimeout applies whenever a server configuration omits one.
	DefaultTimeout       time.Duration
	DefaultClientOptions mcp.ClientOptions
	// DefaultLogJSONRPC logs JSON-RPC traffic for every backend at debug level.
	DefaultLogJSONRPC bool
	// RPCLogger takes precedence over DefaultLogJSONRPC.
	RPCLogger RPCLogger
	// Dialer opens backend channels. Nil uses the go-sdk transports.
	Dialer Dialer
	Logger *slog.Logger
}

func (o *ManagerOptions) normalized() ManagerOptions {
	var out ManagerOptions
	if o != nil {
		out = *o
	}
	if out.DefaultClientVersion == "" {
		out.DefaultClientVersion = "1.0.0"
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = 30 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}
