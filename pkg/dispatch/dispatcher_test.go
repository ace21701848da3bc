package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/dispatch"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr/mcpmgrtest"
	"github.com/vikashloomba/mcpgate/pkg/ratelimit"
	"github.com/vikashloomba/mcpgate/pkg/registry"
	"github.com/vikashloomba/mcpgate/pkg/session"
)

type harness struct {
	d       *dispatch.Dispatcher
	store   *ledger.MemoryStore
	binder  *session.Binder
	manager *mcpmgr.Manager
	limits  map[string]int
	release chan struct{}
}

var prices = dispatch.PriceTable{
	"alpha": {"search": ledger.FromCredits(0.05), dispatch.DefaultPriceKey: ledger.FromCredits(0.01)},
	"beta":  {dispatch.DefaultPriceKey: ledger.FromCredits(0.01)},
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	release := make(chan struct{})
	fleet := map[string]*mcpmgrtest.Backend{
		"alpha": mcpmgrtest.NewBackend("alpha").
			AddTool("search", mcpmgrtest.Echo("alpha.search")).
			AddTool("fetch", mcpmgrtest.Echo("alpha.fetch")).
			AddTool("broken", mcpmgrtest.Fail("index unavailable")),
		"beta": mcpmgrtest.NewBackend("beta").
			AddTool("search", mcpmgrtest.Echo("beta.search")).
			AddTool("slow", mcpmgrtest.Block(release)),
	}
	configs := mcpmgrtest.Configs("alpha")
	configs["beta"] = &mcpmgr.StdioServerConfig{
		BaseServerConfig: mcpmgr.BaseServerConfig{Timeout: 100 * time.Millisecond},
		Command:          "beta",
	}
	manager := mcpmgr.NewManager(configs, &mcpmgr.ManagerOptions{Dialer: mcpmgrtest.Dialer(fleet)})
	for _, out := range manager.ConnectAll(context.Background()) {
		require.NoError(t, out.Err)
	}

	h := &harness{
		store:   ledger.NewMemoryStore(),
		binder:  session.NewBinder(),
		manager: manager,
		limits:  map[string]int{},
		release: release,
	}
	// limits is only written before the first dispatch.
	limiter := ratelimit.NewWindowLimiter(h.store, func(key string) int {
		if n, ok := h.limits[key]; ok {
			return n
		}
		return 1000
	})

	d, err := dispatch.New(dispatch.Deps{
		Tools:    registry.Build(manager),
		Sessions: h.binder,
		Backends: manager,
		Ledger:   h.store,
		Limiter:  limiter,
		Pricing:  prices,
	})
	require.NoError(t, err)
	h.d = d

	t.Cleanup(func() {
		close(release)
		manager.Shutdown(context.Background())
	})
	return h
}

// account creates an account with the given balance and binds it to a fresh
// session.
func (h *harness) account(t *testing.T, name string, credits float64) (ledger.Account, string) {
	t.Helper()
	acct, err := h.store.CreateAccount(context.Background(), name, ledger.FromCredits(credits))
	require.NoError(t, err)
	sessionID := "sess-" + name
	require.NoError(t, h.binder.Bind(sessionID, auth.Identity{AccountID: acct.ID, Name: name, Method: auth.MethodAPIKey}))
	return acct, sessionID
}

func (h *harness) balance(t *testing.T, accountID string) ledger.Balance {
	t.Helper()
	bal, err := h.store.Balance(context.Background(), accountID)
	require.NoError(t, err)
	return bal
}

func (h *harness) usage(t *testing.T, accountID string) []ledger.UsageRecord {
	t.Helper()
	recs, err := h.store.RecentUsage(context.Background(), accountID, 100)
	require.NoError(t, err)
	return recs
}

func errorCode(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.True(t, res.IsError, "expected an error result, got %q", mcpmgrtest.FirstText(res))
	sc, ok := res.StructuredContent.(map[string]any)
	require.True(t, ok, "structured content = %T", res.StructuredContent)
	code, _ := sc["code"].(string)
	return code
}

func TestDispatchChargesUntilBalanceRunsOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u1, sess := h.account(t, "u1", 0.10)
	ctx := context.Background()
	args := json.RawMessage(`{"q":"x"}`)

	for i := range 2 {
		res, err := h.d.Dispatch(ctx, sess, "alpha.search", args)
		require.NoError(t, err)
		require.False(t, res.IsError, "call %d: %s", i, mcpmgrtest.FirstText(res))
		assert.Equal(t, `alpha.search:{"q":"x"}`, mcpmgrtest.FirstText(res))
	}

	res, err := h.d.Dispatch(ctx, sess, "alpha.search", args)
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeInsufficientBalance, errorCode(t, res))

	bal := h.balance(t, u1.ID)
	assert.Equal(t, ledger.Amount(0), bal.Balance)
	assert.Equal(t, ledger.Amount(0), bal.Reserved)
	assert.Equal(t, ledger.FromCredits(0.10), bal.TotalSpent)

	recs := h.usage(t, u1.ID)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.True(t, rec.Success)
		assert.Equal(t, "alpha", rec.Backend)
		assert.Equal(t, "alpha.search", rec.Tool)
		assert.Equal(t, len(args), rec.InputSize)
		assert.Positive(t, rec.OutputSize)
		assert.Equal(t, ledger.FromCredits(0.05), rec.Cost)
	}
}

func TestDispatchUsesDefaultPrice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u, sess := h.account(t, "u", 1)

	res, err := h.d.Dispatch(context.Background(), sess, "alpha.fetch", nil)
	require.NoError(t, err)
	require.False(t, res.IsError)

	assert.Equal(t, ledger.FromCredits(0.99), h.balance(t, u.ID).Balance)
}

func TestDispatchRateLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u2, sess := h.account(t, "u2", 10)
	h.limits[u2.ID] = 3
	ctx := context.Background()

	for i := range 3 {
		res, err := h.d.Dispatch(ctx, sess, "beta.search", nil)
		require.NoError(t, err)
		require.False(t, res.IsError, "call %d", i)
	}
	res, err := h.d.Dispatch(ctx, sess, "beta.search", nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeRateLimited, errorCode(t, res))

	assert.Len(t, h.usage(t, u2.ID), 3, "rejected call must not be recorded")
	assert.Equal(t, ledger.FromCredits(10-0.03), h.balance(t, u2.ID).Balance)
}

func TestDispatchAttributesConcurrentSessions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	a, sessA := h.account(t, "a", 10)
	b, sessB := h.account(t, "b", 10)

	const perSession = 10
	var wg sync.WaitGroup
	errs := make(chan error, 2*perSession)
	for i := range perSession {
		for _, s := range []struct{ sess, who string }{{sessA, "a"}, {sessB, "b"}} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				args := json.RawMessage(fmt.Sprintf(`{"who":%q,"n":%d}`, s.who, i))
				res, err := h.d.Dispatch(context.Background(), s.sess, "beta.search", args)
				if err != nil {
					errs <- err
					return
				}
				if res.IsError || !strings.Contains(mcpmgrtest.FirstText(res), `"who":"`+s.who+`"`) {
					errs <- fmt.Errorf("%s got %q", s.who, mcpmgrtest.FirstText(res))
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, acct := range []ledger.Account{a, b} {
		recs := h.usage(t, acct.ID)
		assert.Len(t, recs, perSession, acct.Name)
		for _, rec := range recs {
			assert.Equal(t, acct.ID, rec.AccountID)
		}
		assert.Equal(t, ledger.FromCredits(10-0.01*perSession), h.balance(t, acct.ID).Balance, acct.Name)
	}
}

func TestDispatchBackendErrorIsNotCharged(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u, sess := h.account(t, "u", 1)

	res, err := h.d.Dispatch(context.Background(), sess, "alpha.broken", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeInvocationFailure, errorCode(t, res))
	assert.Contains(t, mcpmgrtest.FirstText(res), "index unavailable")

	bal := h.balance(t, u.ID)
	assert.Equal(t, ledger.FromCredits(1), bal.Balance)
	assert.Equal(t, ledger.Amount(0), bal.Reserved)

	recs := h.usage(t, u.ID)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.Equal(t, 0, recs[0].OutputSize)
	assert.Equal(t, ledger.Amount(0), recs[0].Cost)
	assert.Contains(t, recs[0].Error, "index unavailable")
}

func TestDispatchTimeoutIsFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u, sess := h.account(t, "u", 1)

	res, err := h.d.Dispatch(context.Background(), sess, "beta.slow", nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeInvocationFailure, errorCode(t, res))

	assert.Equal(t, ledger.FromCredits(1), h.balance(t, u.ID).Balance)
	recs := h.usage(t, u.ID)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
	assert.GreaterOrEqual(t, recs[0].DurationMs, int64(90))
}

func TestDispatchAdmissionFailuresHaveNoSideEffects(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u, sess := h.account(t, "u", 1)

	tests := []struct {
		name    string
		session string
		tool    string
		code    string
	}{
		{"unknown tool", sess, "alpha.nope", dispatch.CodeToolNotFound},
		{"unknown backend", sess, "gamma.search", dispatch.CodeToolNotFound},
		{"no namespace", sess, "search", dispatch.CodeToolNotFound},
		{"unbound session", "sess-ghost", "alpha.search", dispatch.CodeSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.d.Dispatch(context.Background(), tt.session, tt.tool, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.code, errorCode(t, res))
		})
	}

	assert.Empty(t, h.usage(t, u.ID))
	assert.Equal(t, ledger.FromCredits(1), h.balance(t, u.ID).Balance)
}

func TestDispatchDroppedBackend(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u, sess := h.account(t, "u", 1)

	require.NoError(t, h.manager.DisconnectServer(context.Background(), "alpha"))

	res, err := h.d.Dispatch(context.Background(), sess, "alpha.search", nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeBackendNotFound, errorCode(t, res))

	// The call never reached a backend: no record, and the hold is gone.
	assert.Empty(t, h.usage(t, u.ID))
	bal := h.balance(t, u.ID)
	assert.Equal(t, ledger.FromCredits(1), bal.Balance)
	assert.Equal(t, ledger.Amount(0), bal.Reserved)
}

// failingCommit is a ledger whose Commit always fails.
type failingCommit struct {
	*ledger.MemoryStore
}

func (failingCommit) Commit(context.Context, string, ledger.Amount) error {
	return errors.New("disk full")
}

func TestDispatchCommitFailureIsInternalResult(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u, sess := h.account(t, "u", 1)

	d, err := dispatch.New(dispatch.Deps{
		Tools:    registry.Build(h.manager),
		Sessions: h.binder,
		Backends: h.manager,
		Ledger:   failingCommit{h.store},
		Pricing:  prices,
	})
	require.NoError(t, err)

	res, err := d.Dispatch(context.Background(), sess, "alpha.search", nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeInternal, errorCode(t, res))
	assert.Contains(t, mcpmgrtest.FirstText(res), "disk full")

	recs := h.usage(t, u.ID)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Success)
}

// gatedInvoker blocks every call until proceed is closed.
type gatedInvoker struct {
	started chan struct{}
	proceed chan struct{}
}

func (g gatedInvoker) Invoke(ctx context.Context, _, _ string, _ json.RawMessage) (*mcp.CallToolResult, error) {
	g.started <- struct{}{}
	select {
	case <-g.proceed:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
}

func TestDrainWaitsForCallsInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	u, sess := h.account(t, "u", 1)

	gate := gatedInvoker{started: make(chan struct{}), proceed: make(chan struct{})}
	d, err := dispatch.New(dispatch.Deps{
		Tools:    registry.Build(h.manager),
		Sessions: h.binder,
		Backends: gate,
		Ledger:   h.store,
		Pricing:  prices,
	})
	require.NoError(t, err)

	done := make(chan *mcp.CallToolResult, 1)
	go func() {
		res, _ := d.Dispatch(context.Background(), sess, "alpha.search", nil)
		done <- res
	}()
	<-gate.started

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, d.Drain(short), context.DeadlineExceeded)
	assert.Equal(t, ledger.FromCredits(0.05), h.balance(t, u.ID).Reserved)

	res, err := d.Dispatch(context.Background(), sess, "alpha.search", nil)
	require.NoError(t, err)
	assert.Equal(t, dispatch.CodeShuttingDown, errorCode(t, res))

	close(gate.proceed)
	require.NoError(t, d.Drain(context.Background()))
	assert.False(t, (<-done).IsError)

	bal := h.balance(t, u.ID)
	assert.Equal(t, ledger.FromCredits(0.95), bal.Balance)
	assert.Equal(t, ledger.Amount(0), bal.Reserved)
	assert.Len(t, h.usage(t, u.ID), 1)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := dispatch.New(dispatch.Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool resolver")
	assert.Contains(t, err.Error(), "ledger")
}
