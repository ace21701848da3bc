// Package ledger persists accounts, API keys, balances, and the append-only
// usage log that the gateway bills against.
//
// Balances move through a reservation protocol: Reserve holds funds before a
// call is forwarded, Commit converts the hold into a deduction after a
// successful call, and Release drops the hold after a failed one. Reserve is a
// single conditional update, so concurrent calls from one account can never
// drive the balance below zero.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("ledger: not found")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrNoReservation       = errors.New("ledger: amount exceeds reservation")
	ErrKeyExists           = errors.New("ledger: api key already exists")
)

// Account is a billed identity.
type Account struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is the billing state of one account.
type Balance struct {
	AccountID  string `json:"account_id"`
	Balance    Amount `json:"balance"`
	Reserved   Amount `json:"reserved"`
	TotalSpent Amount `json:"total_spent"`
}

// Available is the balance not held by in-flight reservations.
func (b Balance) Available() Amount { return b.Balance - b.Reserved }

// AccountSummary joins an account with its balance and call count.
type AccountSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	Balance    Amount    `json:"balance"`
	TotalSpent Amount    `json:"total_spent"`
	TotalCalls int       `json:"total_calls"`
}

// APIKey is a stored credential. Only the argon2id hash of the key is kept;
// Prefix is the leading part of the plaintext and is used for lookup.
type APIKey struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Prefix     string    `json:"prefix"`
	Hash       string    `json:"-"`
	Label      string    `json:"label,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at,omitzero"`
	Active     bool      `json:"active"`
}

// UsageRecord is one completed invocation attempt.
type UsageRecord struct {
	ID         int64     `json:"id"`
	AccountID  string    `json:"account_id"`
	Tool       string    `json:"tool"`
	Backend    string    `json:"backend"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms"`
	InputSize  int       `json:"input_size"`
	OutputSize int       `json:"output_size"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Cost       Amount    `json:"cost"`
}

// ServerToolUsage aggregates calls per backend and tool.
type ServerToolUsage struct {
	Backend         string `json:"backend"`
	Tool            string `json:"tool"`
	Calls           int    `json:"calls"`
	TotalDurationMs int64  `json:"total_duration_ms"`
}

// ToolUsage aggregates calls per tool.
type ToolUsage struct {
	Tool            string `json:"tool"`
	Calls           int    `json:"calls"`
	TotalDurationMs int64  `json:"total_duration_ms"`
	TotalInput      int64  `json:"total_input"`
	TotalOutput     int64  `json:"total_output"`
	Errors          int    `json:"errors"`
}

// Stats are platform-wide totals.
type Stats struct {
	TotalCalls      int            `json:"total_calls"`
	TotalSpent      Amount         `json:"total_spent"`
	CallsPerBackend map[string]int `json:"calls_per_backend"`
	AvgDurationMs   float64        `json:"avg_duration_ms"`
}

// Store is the durable ledger.
type Store interface {
	CreateAccount(ctx context.Context, name string, initial Amount) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	ListAccounts(ctx context.Context) ([]AccountSummary, error)
	CountAccounts(ctx context.Context) (int, error)

	CreateAPIKey(ctx context.Context, key APIKey) error
	FindAPIKeys(ctx context.Context, prefix string) ([]APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error

	Balance(ctx context.Context, accountID string) (Balance, error)
	Reserve(ctx context.Context, accountID string, amt Amount) error
	Commit(ctx context.Context, accountID string, amt Amount) error
	Release(ctx context.Context, accountID string, amt Amount) error
	Credit(ctx context.Context, accountID string, amt Amount) (Balance, error)
	// ReleaseAllHolds drops every outstanding reservation and reports how many
	// accounts held one. Only call it while no dispatcher is using the store.
	ReleaseAllHolds(ctx context.Context) (int, error)

	RecordUsage(ctx context.Context, rec UsageRecord) error
	CountRecentCalls(ctx context.Context, accountID string, since time.Time) (int, error)
	UsageSummary(ctx context.Context, accountID string) ([]ServerToolUsage, error)
	UsageByTool(ctx context.Context, accountID string) ([]ToolUsage, error)
	RecentUsage(ctx context.Context, accountID string, limit int) ([]UsageRecord, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

const defaultRecentLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultRecentLimit
	}
	return limit
}
