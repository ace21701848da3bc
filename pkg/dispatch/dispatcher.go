// Package dispatch runs a namespaced tool call for one session: it resolves
// the tool, attributes the call to the session's identity, applies the rate
// limit and balance check, forwards the call to the owning backend and
// records the outcome in the ledger.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vikashloomba/mcpgate/pkg/auth"
	"github.com/vikashloomba/mcpgate/pkg/ledger"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
	"github.com/vikashloomba/mcpgate/pkg/ratelimit"
	"github.com/vikashloomba/mcpgate/pkg/registry"
	"github.com/vikashloomba/mcpgate/pkg/telemetry"
)

// Resolver maps a namespaced tool name to its owning backend.
type Resolver interface {
	Resolve(name string) (registry.Entry, error)
}

// Identities returns the identity bound to a session.
type Identities interface {
	IdentityFor(sessionID string) (auth.Identity, error)
}

// Invoker forwards a call to a backend by native tool name.
type Invoker interface {
	Invoke(ctx context.Context, backend, tool string, args json.RawMessage) (*mcp.CallToolResult, error)
}

// Ledger is the subset of ledger.Store the dispatcher writes to.
type Ledger interface {
	Reserve(ctx context.Context, accountID string, amt ledger.Amount) error
	Commit(ctx context.Context, accountID string, amt ledger.Amount) error
	Release(ctx context.Context, accountID string, amt ledger.Amount) error
	RecordUsage(ctx context.Context, rec ledger.UsageRecord) error
}

// Deps are the collaborators of a Dispatcher. Limiter defaults to
// ratelimit.NoopLimiter and Pricing to Free.
type Deps struct {
	Tools    Resolver
	Sessions Identities
	Backends Invoker
	Ledger   Ledger
	Limiter  ratelimit.Limiter
	Pricing  Pricing
	Logger   *slog.Logger
}

// Dispatcher is safe for concurrent use; all per-call state lives on the
// stack of Dispatch.
type Dispatcher struct {
	mu       sync.Mutex
	active   int
	draining bool
	idle     chan struct{}

	tools    Resolver
	sessions Identities
	backends Invoker
	ledger   Ledger
	limiter  ratelimit.Limiter
	pricing  Pricing
	logger   *slog.Logger
	nowFn    func() time.Time

	tracer   trace.Tracer
	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

func New(deps Deps) (*Dispatcher, error) {
	var missing []error
	if deps.Tools == nil {
		missing = append(missing, errors.New("dispatch: tool resolver is required"))
	}
	if deps.Sessions == nil {
		missing = append(missing, errors.New("dispatch: session identities are required"))
	}
	if deps.Backends == nil {
		missing = append(missing, errors.New("dispatch: backend invoker is required"))
	}
	if deps.Ledger == nil {
		missing = append(missing, errors.New("dispatch: ledger is required"))
	}
	if err := errors.Join(missing...); err != nil {
		return nil, err
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NoopLimiter{}
	}
	if deps.Pricing == nil {
		deps.Pricing = Free{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	meter := telemetry.Meter("mcpgate/dispatch")
	calls, _ := meter.Int64Counter("mcpgate.dispatch.calls",
		metric.WithDescription("Tool calls handled by the dispatcher"),
	)
	duration, _ := meter.Float64Histogram("mcpgate.dispatch.duration",
		metric.WithDescription("Backend invocation time (ms)"),
		metric.WithUnit("ms"),
	)

	return &Dispatcher{
		tools:    deps.Tools,
		sessions: deps.Sessions,
		backends: deps.Backends,
		ledger:   deps.Ledger,
		limiter:  deps.Limiter,
		pricing:  deps.Pricing,
		logger:   deps.Logger,
		nowFn:    time.Now,
		tracer:   telemetry.Tracer("mcpgate/dispatch"),
		calls:    calls,
		duration: duration,
	}, nil
}

// Dispatch runs one call of the namespaced tool name on behalf of the
// session. Every outcome comes back as a result, with failures flagged
// IsError and described by {"code","message"} structured content; the error
// return is always nil and exists to match the SDK tool handler signature.
// A ledger write that fails after the backend was invoked yields an internal
// error result.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch "+name,
		trace.WithAttributes(attribute.String("mcpgate.tool", name)),
	)
	defer span.End()

	if !d.enter() {
		return d.reject(ctx, span, "", name, ErrDraining), nil
	}
	defer d.leave()

	entry, err := d.tools.Resolve(name)
	if err != nil {
		return d.reject(ctx, span, "", name, err), nil
	}
	span.SetAttributes(attribute.String("mcpgate.backend", entry.Backend))

	id, err := d.sessions.IdentityFor(sessionID)
	if err != nil {
		return d.reject(ctx, span, entry.Backend, name, err), nil
	}
	span.SetAttributes(attribute.String("mcpgate.account_id", id.AccountID))

	cost := d.pricing.Cost(entry.Backend, entry.NativeName)

	release, err := d.limiter.Allow(ctx, id.AccountID)
	if err != nil {
		return d.reject(ctx, span, entry.Backend, name, err), nil
	}
	defer release()

	if cost > 0 {
		if err := d.ledger.Reserve(ctx, id.AccountID, cost); err != nil {
			if errors.Is(err, ledger.ErrInsufficientBalance) {
				err = fmt.Errorf("%w: %s costs %s", err, name, cost)
			}
			return d.reject(ctx, span, entry.Backend, name, err), nil
		}
	}

	// The caller may have gone away; the bookkeeping for a call that ran
	// still has to land.
	bookCtx := context.WithoutCancel(ctx)

	start := d.nowFn()
	result, callErr := d.backends.Invoke(ctx, entry.Backend, entry.NativeName, args)
	elapsed := d.nowFn().Sub(start)
	if errors.Is(callErr, mcpmgr.ErrBackendNotFound) {
		// The backend left the active set; the call never reached it.
		if cost > 0 {
			if err := d.ledger.Release(bookCtx, id.AccountID, cost); err != nil {
				return d.ledgerFailure(span, id.AccountID, name, fmt.Errorf("dispatch: release: %w", err)), nil
			}
		}
		return d.reject(ctx, span, entry.Backend, name, callErr), nil
	}
	if callErr == nil && result == nil {
		callErr = errors.New("backend returned no result")
	}
	if callErr == nil && result.IsError {
		callErr = errors.New(errorText(result))
	}

	rec := ledger.UsageRecord{
		AccountID:  id.AccountID,
		Tool:       name,
		Backend:    entry.Backend,
		Timestamp:  start.UTC(),
		DurationMs: elapsed.Milliseconds(),
		InputSize:  len(args),
	}
	if callErr != nil {
		invErr := &InvocationError{Backend: entry.Backend, Tool: entry.NativeName, Err: callErr}
		rec.Error = callErr.Error()
		var errs []error
		if err := d.ledger.RecordUsage(bookCtx, rec); err != nil {
			errs = append(errs, fmt.Errorf("dispatch: record usage: %w", err))
		}
		if cost > 0 {
			if err := d.ledger.Release(bookCtx, id.AccountID, cost); err != nil {
				errs = append(errs, fmt.Errorf("dispatch: release: %w", err))
			}
		}
		d.observe(ctx, entry.Backend, name, Code(invErr), elapsed)
		span.RecordError(invErr)
		span.SetStatus(codes.Error, Code(invErr))
		d.logger.Warn("tool call failed",
			"account", id.AccountID,
			"backend", entry.Backend,
			"tool", entry.NativeName,
			"duration_ms", rec.DurationMs,
			"error", callErr)
		if err := errors.Join(errs...); err != nil {
			return d.ledgerFailure(span, id.AccountID, name, err), nil
		}
		return ErrorResult(invErr), nil
	}

	if encoded, err := json.Marshal(result); err == nil {
		rec.OutputSize = len(encoded)
	}
	rec.Success = true
	rec.Cost = cost
	recordErr := d.ledger.RecordUsage(bookCtx, rec)
	if recordErr != nil {
		d.logger.Error("record usage failed", "account", id.AccountID, "tool", name, "error", recordErr)
	}
	if cost > 0 {
		if err := d.ledger.Commit(bookCtx, id.AccountID, cost); err != nil {
			return d.ledgerFailure(span, id.AccountID, name, fmt.Errorf("dispatch: commit %s: %w", cost, err)), nil
		}
	}
	d.observe(ctx, entry.Backend, name, "ok", elapsed)
	d.logger.Debug("tool call",
		"account", id.AccountID,
		"backend", entry.Backend,
		"tool", entry.NativeName,
		"duration_ms", rec.DurationMs,
		"cost", cost)
	return result, nil
}

// ledgerFailure reports a call whose billing outcome is unknown because a
// ledger write failed after the backend ran.
func (d *Dispatcher) ledgerFailure(span trace.Span, accountID, name string, err error) *mcp.CallToolResult {
	d.logger.Error("ledger write failed", "account", accountID, "tool", name, "error", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, CodeInternal)
	return ErrorResult(fmt.Errorf("%w: %w", ErrLedgerWrite, err))
}

func (d *Dispatcher) enter() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.active++
	return true
}

func (d *Dispatcher) leave() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active--
	if d.active == 0 && d.idle != nil {
		close(d.idle)
		d.idle = nil
	}
}

// Drain stops admitting calls and waits until every call in flight has
// finished its ledger writes, or ctx is done. Calls arriving after Drain are
// rejected with ErrDraining.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	if d.active == 0 {
		d.mu.Unlock()
		return nil
	}
	if d.idle == nil {
		d.idle = make(chan struct{})
	}
	idle := d.idle
	d.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) reject(ctx context.Context, span trace.Span, backend, name string, err error) *mcp.CallToolResult {
	code := Code(err)
	span.SetAttributes(attribute.String("mcpgate.outcome", code))
	if code == CodeInternal {
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		d.logger.Error("dispatch admission failed", "tool", name, "error", err)
	}
	d.observe(ctx, backend, name, code, 0)
	return ErrorResult(err)
}

func (d *Dispatcher) observe(ctx context.Context, backend, name, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("tool", name),
		attribute.String("outcome", outcome),
	)
	d.calls.Add(ctx, 1, attrs)
	if elapsed > 0 {
		d.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}

// ErrorResult renders err as an error tool result.
func ErrorResult(err error) *mcp.CallToolResult {
	code := Code(err)
	msg := err.Error()
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		StructuredContent: map[string]any{
			"code":    code,
			"message": msg,
		},
	}
}

func errorText(result *mcp.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if t, ok := c.(*mcp.TextContent); ok && t.Text != "" {
			parts = append(parts, t.Text)
		}
	}
	if len(parts) == 0 {
		return "backend reported an error"
	}
	return strings.Join(parts, "; ")
}
