package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/dispatch"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
)

// Platform tool and resource names. The prefix is reserved, so no backend
// can shadow them.
const (
	ToolUsageSummary  = "platform.usage_summary"
	ToolUsageByTool   = "platform.usage_by_tool"
	ToolBillingStatus = "platform.billing_status"
	ToolAddCredits    = "platform.add_credits"
	ToolListServers   = "platform.list_servers"

	ResourceStatus   = "platform://status"
	ResourceAccount  = "platform://account"
	ResourceAuditLog = "platform://audit-log"

	auditLogLimit = 50
)

// ErrSelfCreditDisabled is returned by platform.add_credits unless the
// gateway allows self-service credits.
var ErrSelfCreditDisabled = errors.New("mcpgateway: self-service credits are disabled")

// BillingStatus is an account balance in decimal credits.
type BillingStatus struct {
	AccountID  string  `json:"account_id"`
	Balance    float64 `json:"balance"`
	Reserved   float64 `json:"reserved"`
	TotalSpent float64 `json:"total_spent"`
	Currency   string  `json:"currency"`
}

type UsageSummary struct {
	Usage   []ledger.ServerToolUsage `json:"usage"`
	Billing BillingStatus            `json:"billing"`
}

type ToolStats struct {
	Tools []ledger.ToolUsage `json:"tools"`
}

type AddCreditsInput struct {
	Amount float64 `json:"amount" jsonschema:"credits to add; must be positive"`
}

type AddCreditsResult struct {
	Added   float64       `json:"added"`
	Billing BillingStatus `json:"billing"`
}

// BackendTools is one backend in the platform.list_servers output.
type BackendTools struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Tools  []string `json:"tools"`
}

type ServerList struct {
	Servers []BackendTools `json:"servers"`
}

func (g *Gateway) registerPlatform() {
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolUsageSummary,
		Description: "Calls and time spent per backend tool for your account, with your balance.",
	}, g.usageSummary)
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolUsageByTool,
		Description: "Per-tool call counts, durations, payload sizes, and errors for your account.",
	}, g.usageByTool)
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolBillingStatus,
		Description: "Your current balance, reserved credits, and total spend.",
	}, g.billingStatus)
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolAddCredits,
		Description: "Add credits to your own account.",
	}, g.addCredits)
	mcp.AddTool(g.server, &mcp.Tool{
		Name:        ToolListServers,
		Description: "Connected backends and the namespaced tools each one provides.",
	}, g.listServers)

	g.server.AddResource(&mcp.Resource{
		Name:        "status",
		URI:         ResourceStatus,
		Description: "Gateway name, uptime, active backends, and tool count.",
		MIMEType:    "application/json",
	}, g.readStatus)
	g.server.AddResource(&mcp.Resource{
		Name:        "account",
		URI:         ResourceAccount,
		Description: "The account bound to this session.",
		MIMEType:    "application/json",
	}, g.readAccount)
	g.server.AddResource(&mcp.Resource{
		Name:        "audit-log",
		URI:         ResourceAuditLog,
		Description: "The most recent tool calls billed to this session's account.",
		MIMEType:    "application/json",
	}, g.readAuditLog)
}

func (g *Gateway) caller(ss *mcp.ServerSession) (auth.Identity, error) {
	return g.deps.Binder.IdentityFor(sessionID(ss))
}

func (g *Gateway) billing(ctx context.Context, accountID string) (BillingStatus, error) {
	bal, err := g.deps.Ledger.Balance(ctx, accountID)
	if err != nil {
		return BillingStatus{}, err
	}
	return BillingStatus{
		AccountID:  accountID,
		Balance:    bal.Balance.Credits(),
		Reserved:   bal.Reserved.Credits(),
		TotalSpent: bal.TotalSpent.Credits(),
		Currency:   g.opts.Currency,
	}, nil
}

func (g *Gateway) usageSummary(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, UsageSummary, error) {
	id, err := g.caller(req.Session)
	if err != nil {
		return dispatch.ErrorResult(err), UsageSummary{}, nil
	}
	usage, err := g.deps.Ledger.UsageSummary(ctx, id.AccountID)
	if err != nil {
		return nil, UsageSummary{}, err
	}
	status, err := g.billing(ctx, id.AccountID)
	if err != nil {
		return nil, UsageSummary{}, err
	}
	return nil, UsageSummary{Usage: nonNil(usage), Billing: status}, nil
}

func (g *Gateway) usageByTool(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, ToolStats, error) {
	id, err := g.caller(req.Session)
	if err != nil {
		return dispatch.ErrorResult(err), ToolStats{}, nil
	}
	tools, err := g.deps.Ledger.UsageByTool(ctx, id.AccountID)
	if err != nil {
		return nil, ToolStats{}, err
	}
	return nil, ToolStats{Tools: nonNil(tools)}, nil
}

func (g *Gateway) billingStatus(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, BillingStatus, error) {
	id, err := g.caller(req.Session)
	if err != nil {
		return dispatch.ErrorResult(err), BillingStatus{}, nil
	}
	status, err := g.billing(ctx, id.AccountID)
	if err != nil {
		return nil, BillingStatus{}, err
	}
	return nil, status, nil
}

func (g *Gateway) addCredits(ctx context.Context, req *mcp.CallToolRequest, in AddCreditsInput) (*mcp.CallToolResult, AddCreditsResult, error) {
	if !g.opts.AllowSelfCredit {
		return dispatch.ErrorResult(ErrSelfCreditDisabled), AddCreditsResult{}, nil
	}
	id, err := g.caller(req.Session)
	if err != nil {
		return dispatch.ErrorResult(err), AddCreditsResult{}, nil
	}
	amt := ledger.FromCredits(in.Amount)
	if amt <= 0 {
		return dispatch.ErrorResult(fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidAmount)), AddCreditsResult{}, nil
	}
	if _, err := g.deps.Ledger.Credit(ctx, id.AccountID, amt); err != nil {
		return nil, AddCreditsResult{}, err
	}
	status, err := g.billing(ctx, id.AccountID)
	if err != nil {
		return nil, AddCreditsResult{}, err
	}
	g.opts.Logger.Info("credits added", "account", id.AccountID, "amount", amt)
	return nil, AddCreditsResult{Added: amt.Credits(), Billing: status}, nil
}

func (g *Gateway) listServers(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, ServerList, error) {
	byBackend := g.deps.Registry.ByBackend()
	out := ServerList{Servers: []BackendTools{}}
	for _, id := range g.deps.Manager.ListServers() {
		entries := byBackend[id]
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name)
		}
		out.Servers = append(out.Servers, BackendTools{
			ID:     id,
			Status: string(g.deps.Manager.Status(id)),
			Tools:  names,
		})
	}
	return nil, out, nil
}

func (g *Gateway) readStatus(_ context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	return jsonResource(req.Params.URI, map[string]any{
		"name":        g.opts.Implementation.Name,
		"uptime_ms":   time.Since(g.started).Milliseconds(),
		"servers":     nonNil(g.deps.Manager.ActiveServers()),
		"total_tools": g.deps.Registry.Len(),
	})
}

func (g *Gateway) readAccount(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	id, err := g.caller(req.Session)
	if err != nil {
		return nil, err
	}
	acct, err := g.deps.Ledger.GetAccount(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}
	status, err := g.billing(ctx, id.AccountID)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, map[string]any{
		"account":     acct,
		"auth_method": id.Method,
		"billing":     status,
	})
}

func (g *Gateway) readAuditLog(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	id, err := g.caller(req.Session)
	if err != nil {
		return nil, err
	}
	recs, err := g.deps.Ledger.RecentUsage(ctx, id.AccountID, auditLogLimit)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, nonNil(recs))
}

func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcpgateway: encode %s: %w", uri, err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: uri, MIMEType: "application/json", Text: string(data)}},
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
