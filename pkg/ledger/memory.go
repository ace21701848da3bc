package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryOption func(*MemoryStore)

func WithNowFunc(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// MemoryStore is a process-local Store. It is used by tests and by the
// "memory" storage driver for throwaway gateways.
type MemoryStore struct {
	mu       sync.Mutex
	nowFn    func() time.Time
	accounts map[string]*memAccount
	order    []string
	keys     []APIKey
	usage    []UsageRecord
	nextID   int64
}

type memAccount struct {
	account Account
	balance Balance
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		nowFn:    time.Now,
		accounts: make(map[string]*memAccount),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateAccount(_ context.Context, name string, initial Amount) (Account, error) {
	if name == "" {
		return Account{}, fmt.Errorf("ledger: account name is required")
	}
	if initial < 0 {
		return Account{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct := Account{ID: uuid.NewString(), Name: name, CreatedAt: s.nowFn().UTC()}
	s.accounts[acct.ID] = &memAccount{
		account: acct,
		balance: Balance{AccountID: acct.ID, Balance: initial},
	}
	s.order = append(s.order, acct.ID)
	return acct, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a.account, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]AccountSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make(map[string]int)
	for _, rec := range s.usage {
		calls[rec.AccountID]++
	}
	out := make([]AccountSummary, 0, len(s.order))
	for _, id := range s.order {
		a := s.accounts[id]
		out = append(out, AccountSummary{
			ID:         a.account.ID,
			Name:       a.account.Name,
			CreatedAt:  a.account.CreatedAt,
			Balance:    a.balance.Balance,
			TotalSpent: a.balance.TotalSpent,
			TotalCalls: calls[id],
		})
	}
	return out, nil
}

func (s *MemoryStore) CountAccounts(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts), nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[key.AccountID]; !ok {
		return ErrNotFound
	}
	for _, k := range s.keys {
		if k.ID == key.ID || k.Hash == key.Hash {
			return ErrKeyExists
		}
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.nowFn().UTC()
	}
	key.Active = true
	s.keys = append(s.keys, key)
	return nil
}

func (s *MemoryStore) FindAPIKeys(_ context.Context, prefix string) ([]APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []APIKey
	for _, k := range s.keys {
		if k.Active && k.Prefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *MemoryStore) TouchAPIKey(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keys {
		if s.keys[i].ID == id {
			s.keys[i].LastUsedAt = at.UTC()
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Balance(_ context.Context, accountID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	return a.balance, nil
}

func (s *MemoryStore) Reserve(_ context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if a.balance.Available() < amt {
		return ErrInsufficientBalance
	}
	a.balance.Reserved += amt
	return nil
}

func (s *MemoryStore) Commit(_ context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if a.balance.Reserved < amt {
		return ErrNoReservation
	}
	a.balance.Reserved -= amt
	a.balance.Balance -= amt
	a.balance.TotalSpent += amt
	return nil
}

func (s *MemoryStore) Release(_ context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	if a.balance.Reserved < amt {
		return ErrNoReservation
	}
	a.balance.Reserved -= amt
	return nil
}

func (s *MemoryStore) Credit(_ context.Context, accountID string, amt Amount) (Balance, error) {
	if amt <= 0 {
		return Balance{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return Balance{}, ErrNotFound
	}
	a.balance.Balance += amt
	return a.balance, nil
}

func (s *MemoryStore) ReleaseAllHolds(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.accounts {
		if a.balance.Reserved != 0 {
			a.balance.Reserved = 0
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, rec UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	rec.ID = s.nextID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.nowFn()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	s.usage = append(s.usage, rec)
	return nil
}

func (s *MemoryStore) CountRecentCalls(_ context.Context, accountID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.usage {
		if rec.AccountID == accountID && rec.Timestamp.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UsageSummary(_ context.Context, accountID string) ([]ServerToolUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type key struct{ backend, tool string }
	agg := make(map[key]*ServerToolUsage)
	for _, rec := range s.usage {
		if rec.AccountID != accountID {
			continue
		}
		k := key{rec.Backend, rec.Tool}
		u, ok := agg[k]
		if !ok {
			u = &ServerToolUsage{Backend: rec.Backend, Tool: rec.Tool}
			agg[k] = u
		}
		u.Calls++
		u.TotalDurationMs += rec.DurationMs
	}
	out := make([]ServerToolUsage, 0, len(agg))
	for _, u := range agg {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Backend != out[j].Backend {
			return out[i].Backend < out[j].Backend
		}
		return out[i].Tool < out[j].Tool
	})
	return out, nil
}

func (s *MemoryStore) UsageByTool(_ context.Context, accountID string) ([]ToolUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agg := make(map[string]*ToolUsage)
	for _, rec := range s.usage {
		if rec.AccountID != accountID {
			continue
		}
		u, ok := agg[rec.Tool]
		if !ok {
			u = &ToolUsage{Tool: rec.Tool}
			agg[rec.Tool] = u
		}
		u.Calls++
		u.TotalDurationMs += rec.DurationMs
		u.TotalInput += int64(rec.InputSize)
		u.TotalOutput += int64(rec.OutputSize)
		if !rec.Success {
			u.Errors++
		}
	}
	out := make([]ToolUsage, 0, len(agg))
	for _, u := range agg {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out, nil
}

func (s *MemoryStore) RecentUsage(_ context.Context, accountID string, limit int) ([]UsageRecord, error) {
	limit = normalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []UsageRecord
	for i := len(s.usage) - 1; i >= 0 && len(out) < limit; i-- {
		rec := s.usage[i]
		if accountID != "" && rec.AccountID != accountID {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{CallsPerBackend: make(map[string]int)}
	var totalDuration int64
	for _, rec := range s.usage {
		st.TotalCalls++
		st.CallsPerBackend[rec.Backend]++
		totalDuration += rec.DurationMs
	}
	for _, a := range s.accounts {
		st.TotalSpent += a.balance.TotalSpent
	}
	if st.TotalCalls > 0 {
		st.AvgDurationMs = float64(totalDuration) / float64(st.TotalCalls)
	}
	return st, nil
}
