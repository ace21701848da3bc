package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	mcpauth "github.com/modelcontextprotocol/go-sdk/auth"

	"github.com/vikashloomba/mcpgate/pkg/auth"
)

const sessionHeader = "Mcp-Session-Id"

// tokenLifetime is the expiration reported for a verified token. Tokens are
// verified again on every request.
const tokenLifetime = time.Hour

type identityKey struct{}

// identitySlot carries the verified identity from the token verifier, which
// cannot change the request, to the handler behind the bearer middleware.
type identitySlot struct {
	id auth.Identity
	ok bool
}

// IdentityFromContext returns the identity authenticated for the current
// HTTP request.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	slot, _ := ctx.Value(identityKey{}).(*identitySlot)
	if slot == nil || !slot.ok {
		return auth.Identity{}, false
	}
	return slot.id, true
}

// authMiddleware authenticates every MCP request and ties each transport
// session to the identity that opened it.
func (g *Gateway) authMiddleware(next http.Handler) http.Handler {
	bearer := mcpauth.RequireBearerToken(g.verifyToken, &mcpauth.RequireBearerTokenOptions{
		ResourceMetadataURL: g.opts.ResourceMetadataURL,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.bindSession(w, r, next)
	}))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), identityKey{}, &identitySlot{})
		bearer.ServeHTTP(&challengeWriter{ResponseWriter: w}, r.WithContext(ctx))
	})
}

func (g *Gateway) verifyToken(ctx context.Context, token string, req *http.Request) (*mcpauth.TokenInfo, error) {
	id, err := g.deps.Authenticator.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			return nil, fmt.Errorf("%w: %v", mcpauth.ErrInvalidToken, err)
		}
		g.logError("authenticate", err)
		return nil, err
	}
	if slot, _ := req.Context().Value(identityKey{}).(*identitySlot); slot != nil {
		slot.id, slot.ok = id, true
	}
	return &mcpauth.TokenInfo{Expiration: time.Now().Add(tokenLifetime)}, nil
}

func (g *Gateway) bindSession(w http.ResponseWriter, r *http.Request, next http.Handler) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	sid := r.Header.Get(sessionHeader)
	if sid == "" {
		// A new session: bind whatever id the transport assigns before the
		// response reaches the client.
		next.ServeHTTP(&bindingWriter{ResponseWriter: w, bind: func(newID string) {
			if err := g.deps.Binder.Bind(newID, id); err != nil {
				g.logError("bind session", err, "session", newID)
				return
			}
			g.watchSession(newID)
			g.opts.Logger.Info("session bound", "session", newID, "account", id.AccountID, "method", id.Method)
		}}, r)
		return
	}

	bound, err := g.deps.Binder.IdentityFor(sid)
	if err == nil && bound.AccountID != id.AccountID {
		g.opts.Logger.Warn("session identity mismatch",
			"session", sid,
			"bound_account", bound.AccountID,
			"token_account", id.AccountID)
		http.Error(w, "session belongs to another identity", http.StatusForbidden)
		return
	}
	if r.Method == http.MethodDelete && err == nil {
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status >= http.StatusOK && sw.status < http.StatusMultipleChoices {
			g.deps.Binder.Unbind(sid)
			g.opts.Logger.Debug("session deleted", "session", sid)
		}
		return
	}
	// Unknown sessions fall through so the transport can answer 404.
	next.ServeHTTP(w, r)
}

// statusWriter records the status code of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// bindingWriter captures the session id the streamable transport assigns on
// initialize.
type bindingWriter struct {
	http.ResponseWriter
	bind        func(sessionID string)
	wroteHeader bool
}

func (w *bindingWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if sid := w.Header().Get(sessionHeader); sid != "" && code < http.StatusBadRequest {
			w.bind(sid)
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *bindingWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *bindingWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *bindingWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// challengeWriter adds a bearer challenge to 401 responses that lack one.
type challengeWriter struct {
	http.ResponseWriter
}

func (w *challengeWriter) WriteHeader(code int) {
	if code == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgate"`)
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *challengeWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *challengeWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
