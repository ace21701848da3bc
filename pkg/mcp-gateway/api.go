package mcpgateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/cors"
)

type healthResponse struct {
	Status   string `json:"status"`
	Servers  int    `json:"servers"`
	Tools    int    `json:"tools"`
	Sessions int    `json:"sessions"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Servers:  len(g.deps.Manager.ActiveServers()),
		Tools:    g.deps.Registry.Len(),
		Sessions: g.deps.Binder.Len(),
	})
}

// adminHandler serves the operator JSON API under /api/.
func (g *Gateway) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", g.apiStatus)
	mux.HandleFunc("GET /api/usage", g.apiUsage)
	mux.HandleFunc("GET /api/billing", g.apiBilling)
	mux.HandleFunc("GET /api/stats", g.apiStats)

	origins := g.opts.CORSOrigins
	c := cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			return slices.Contains(origins, "*") || slices.Contains(origins, origin)
		},
		AllowedMethods: []string{http.MethodGet},
		AllowedHeaders: []string{"Authorization"},
		MaxAge:         300,
	})
	return c.Handler(g.requireAdmin(mux))
}

func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	token := g.opts.AdminToken
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mcpgate-admin"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "admin token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) apiStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      g.opts.Implementation.Name,
		"uptime_ms": time.Since(g.started).Milliseconds(),
		"servers":   g.deps.Manager.GetServerSummaries(),
		"tools":     g.deps.Registry.Len(),
		"sessions":  g.deps.Binder.Sessions(),
	})
}

// apiUsage lists accounts with their call counts, or one account's recent
// calls when ?account= is given.
func (g *Gateway) apiUsage(w http.ResponseWriter, r *http.Request) {
	if account := r.URL.Query().Get("account"); account != "" {
		recs, err := g.deps.Ledger.RecentUsage(r.Context(), account, auditLogLimit)
		if err != nil {
			g.apiError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(recs))
		return
	}
	accounts, err := g.deps.Ledger.ListAccounts(r.Context())
	if err != nil {
		g.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(accounts))
}

func (g *Gateway) apiBilling(w http.ResponseWriter, r *http.Request) {
	accounts, err := g.deps.Ledger.ListAccounts(r.Context())
	if err != nil {
		g.apiError(w, err)
		return
	}
	out := make([]BillingStatus, 0, len(accounts))
	for _, a := range accounts {
		status, err := g.billing(r.Context(), a.ID)
		if err != nil {
			g.apiError(w, err)
			return
		}
		out = append(out, status)
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) apiStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.deps.Ledger.Stats(r.Context())
	if err != nil {
		g.apiError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) apiError(w http.ResponseWriter, err error) {
	g.logError("admin api", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
