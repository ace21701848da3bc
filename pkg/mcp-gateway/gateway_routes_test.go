package mcpgateway

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

// Verifies that consumers can add custom routes via ServeMux, before or after
// the handler is mounted.
func TestGatewayServeMuxAllowsCustomRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	f.gateway.ServeMux().HandleFunc("/late", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ready"))
	})

	res, err := http.Get(f.server.URL + "/late")
	if err != nil {
		t.Fatalf("GET /late: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /late status = %d, want 200", res.StatusCode)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "ready" {
		t.Fatalf("GET /late body = %q, want \"ready\"", string(body))
	}
}

func TestGatewayHealth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	res, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer res.Body.Close()
	var got healthResponse
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if got.Status != "ok" || got.Servers != 2 || got.Tools != 3 {
		t.Fatalf("health = %+v", got)
	}
}

func adminGet(t *testing.T, url, token, origin string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestGatewayAdminAPI(t *testing.T) {
	t.Parallel()
	f := newFixture(t, &Options{
		AdminToken:  "admin-secret",
		CORSOrigins: []string{"https://ops.example.com"},
	})

	if res := adminGet(t, f.server.URL+"/api/stats", "", ""); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no admin token: status %d, want 401", res.StatusCode)
	}
	if res := adminGet(t, f.server.URL+"/api/stats", "tok-u1", ""); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("account token on admin api: status %d, want 401", res.StatusCode)
	}

	res := adminGet(t, f.server.URL+"/api/usage", "admin-secret", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/usage status = %d", res.StatusCode)
	}
	var accounts []map[string]any
	if err := json.NewDecoder(res.Body).Decode(&accounts); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("usage accounts = %v", accounts)
	}

	res = adminGet(t, f.server.URL+"/api/billing", "admin-secret", "")
	var billing []BillingStatus
	if err := json.NewDecoder(res.Body).Decode(&billing); err != nil {
		t.Fatalf("decode billing: %v", err)
	}
	if len(billing) != 2 || billing[0].Currency != "credits" {
		t.Fatalf("billing = %+v", billing)
	}

	t.Run("cors", func(t *testing.T) {
		res := adminGet(t, f.server.URL+"/api/status", "admin-secret", "https://ops.example.com")
		if got := res.Header.Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
			t.Fatalf("allowed origin header = %q", got)
		}
		res = adminGet(t, f.server.URL+"/api/status", "admin-secret", "https://evil.example.com")
		if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("unlisted origin got Access-Control-Allow-Origin %q", got)
		}
	})
}
