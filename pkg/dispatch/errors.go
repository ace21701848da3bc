package dispatch

import (
	"errors"
	"fmt"

	"github.com/vikashloomba/mcpgate/pkg/ledger"
	"github.com/vikashloomba/mcpgate/pkg/mcpmgr"
	"github.com/vikashloomba/mcpgate/pkg/ratelimit"
	"github.com/vikashloomba/mcpgate/pkg/registry"
	"github.com/vikashloomba/mcpgate/pkg/session"
)

var (
	// ErrBackendInvocation matches every *InvocationError.
	ErrBackendInvocation = errors.New("dispatch: backend invocation failed")
	ErrDraining          = errors.New("dispatch: gateway is shutting down")
	// ErrLedgerWrite marks a call whose charge is unknown because the ledger
	// could not be updated after the backend ran.
	ErrLedgerWrite = errors.New("dispatch: ledger write failed")
)

// Stable error codes carried in the structured content of error results.
const (
	CodeToolNotFound        = "tool_not_found"
	CodeSessionNotFound     = "session_not_found"
	CodeRateLimited         = "rate_limited"
	CodeInsufficientBalance = "insufficient_balance"
	CodeBackendNotFound     = "backend_not_found"
	CodeInvocationFailure   = "backend_invocation_failure"
	CodeShuttingDown        = "shutting_down"
	CodeInternal            = "internal"
)

// InvocationError reports a call that reached the invocation step and failed:
// a transport error, a timeout, or an error result from the backend.
type InvocationError struct {
	Backend string
	Tool    string
	Err     error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("dispatch: %s/%s: %v", e.Backend, e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func (e *InvocationError) Is(target error) bool { return target == ErrBackendInvocation }

// Code maps err to one of the stable error codes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLedgerWrite):
		return CodeInternal
	case errors.Is(err, registry.ErrToolNotFound):
		return CodeToolNotFound
	case errors.Is(err, session.ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ratelimit.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, mcpmgr.ErrBackendNotFound):
		return CodeBackendNotFound
	case errors.Is(err, ErrBackendInvocation):
		return CodeInvocationFailure
	case errors.Is(err, ErrDraining):
		return CodeShuttingDown
	default:
		return CodeInternal
	}
}
