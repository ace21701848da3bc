package mcpmgr

import "strings"

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio ConfigTransport = "stdio"
	TransportHTTP  ConfigTransport = "http"
	TransportSSE   ConfigTransport = "sse"
)

// TransportOf returns the transport kind for a ServerConfig, or "" for nil or
// unknown implementations.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *HTTPServerConfig:
		if shouldPreferSSE(c) {
			return TransportSSE
		}
		return TransportHTTP
	default:
		return ""
	}
}

// AsStdio narrows cfg to *StdioServerConfig.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsHTTP narrows cfg to *HTTPServerConfig.
func AsHTTP(cfg ServerConfig) (*HTTPServerConfig, bool) {
	c, ok := cfg.(*HTTPServerConfig)
	return c, ok
}

// Target renders where a backend lives: the command line for stdio backends
// and the endpoint for HTTP ones. Environment values and headers are never
// included since they routinely carry secrets.
func Target(cfg ServerConfig) string {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
	case *HTTPServerConfig:
		return c.Endpoint
	default:
		return ""
	}
}

func shouldPreferSSE(cfg *HTTPServerConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}
