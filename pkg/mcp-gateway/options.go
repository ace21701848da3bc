package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler. Stateless mode is not supported since
	// billing is keyed by session.
	Streamable mcp.StreamableHTTPOptions
	// ResourceMetadataURL is advertised in the WWW-Authenticate header of 401
	// responses when set.
	ResourceMetadataURL string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds the graceful HTTP shutdown in ListenAndServe.
	ShutdownTimeout time.Duration

	// Currency labels balances in platform tool output.
	Currency string
	// AllowSelfCredit enables the platform.add_credits tool.
	AllowSelfCredit bool
	// AdminToken guards the /api endpoints. Empty leaves them open.
	AdminToken string
	// CORSOrigins lists the browser origins allowed to call /api. "*" allows
	// any origin.
	CORSOrigins []string
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcpgate",
			Title:   "MCP Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	if opts.Currency == "" {
		opts.Currency = "credits"
	}
	opts.Streamable.Stateless = false
	return opts
}
