package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
	"github.com/vikashloomba/mcpgate/pkg/registry"
	"github.com/vikashloomba/mcpgate/pkg/session"
)

// Dispatcher runs one billed tool call for a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, name string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Deps are the components a Gateway fronts. All of them are required.
type Deps struct {
	Manager       *mcpmgr.Manager
	Registry      *registry.Registry
	Dispatcher    Dispatcher
	Binder        *session.Binder
	Ledger        ledger.Store
	Authenticator auth.Authenticator
}

func (d Deps) validate() error {
	var errs []error
	if d.Manager == nil {
		errs = append(errs, errors.New("mcpgateway: manager is required"))
	}
	if d.Registry == nil {
		errs = append(errs, errors.New("mcpgateway: registry is required"))
	}
	if d.Dispatcher == nil {
		errs = append(errs, errors.New("mcpgateway: dispatcher is required"))
	}
	if d.Binder == nil {
		errs = append(errs, errors.New("mcpgateway: binder is required"))
	}
	if d.Ledger == nil {
		errs = append(errs, errors.New("mcpgateway: ledger is required"))
	}
	if d.Authenticator == nil {
		errs = append(errs, errors.New("mcpgateway: authenticator is required"))
	}
	return errors.Join(errs...)
}

// Gateway exposes a Streamable MCP server that fronts every backend managed by
// mcpmgr under a single authenticated HTTP endpoint.
type Gateway struct {
	deps    Deps
	opts    Options
	started time.Time

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway registers every namespaced tool in deps.Registry plus the
// platform tools and resources, and mounts the HTTP routes.
func NewGateway(deps Deps, opts *Options) (*Gateway, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	options := opts.withDefaults()
	g := &Gateway{
		deps:    deps,
		opts:    options,
		started: time.Now(),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
	})
	for _, entry := range deps.Registry.List() {
		g.server.AddTool(entry.Tool, g.makeToolHandler(entry))
	}
	g.registerPlatform()

	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.mux = g.mountHandler()
	g.httpHandler = otelhttp.NewHandler(g.mux, "mcpgate")

	options.Logger.Info("gateway ready",
		"tools", deps.Registry.Len(),
		"backends", len(deps.Manager.ActiveServers()),
		"path", options.Path)
	return g, nil
}

// Handler exposes the instrumented HTTP handler serving every route.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux exposes the underlying mux so callers can add routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Server exposes the MCP server, mainly for in-process transports.
func (g *Gateway) Server() *mcp.Server {
	return g.server
}

// Options returns the effective options after defaults.
func (g *Gateway) Options() Options {
	return g.opts
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{
		Addr:              g.opts.Addr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

func (g *Gateway) makeToolHandler(entry registry.Entry) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args json.RawMessage
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return g.deps.Dispatcher.Dispatch(ctx, sessionID(req.Session), entry.Name, args)
	}
}

// watchSession drops the binding for id once the transport closes the
// session, whether or not the handshake ever completed.
func (g *Gateway) watchSession(id string) {
	for ss := range g.server.Sessions() {
		if ss.ID() != id {
			continue
		}
		go func() {
			_ = ss.Wait()
			g.deps.Binder.Unbind(id)
			g.opts.Logger.Debug("session closed", "session", id)
		}()
		return
	}
	// The session closed before the response went out.
	g.deps.Binder.Unbind(id)
}

func (g *Gateway) mountHandler() *http.ServeMux {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mcpHandler := g.authMiddleware(g.streamHandler)
	mux.Handle(path, mcpHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", mcpHandler)
	}
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("/api/", g.adminHandler())
	return mux
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}

func sessionID(ss *mcp.ServerSession) string {
	if ss == nil {
		return ""
	}
	return ss.ID()
}
