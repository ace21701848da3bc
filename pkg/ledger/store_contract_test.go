package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	new  func(t *testing.T, now *time.Time) Store
}

func contractStoreFactories() []storeFactory {
	out := []storeFactory{
		{
			name: "memory",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				return NewMemoryStore(WithNowFunc(func() time.Time { return now.UTC() }))
			},
		},
		{
			name: "sqlite",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				dbPath := filepath.Join(t.TempDir(), "mcpgate.db")
				s, err := NewSQLiteStore(dbPath, WithSQLiteNowFunc(func() time.Time { return now.UTC() }))
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}

	dsn := strings.TrimSpace(os.Getenv("MCPGATE_TEST_POSTGRES_DSN"))
	if dsn != "" {
		out = append(out, storeFactory{
			name: "postgres",
			new: func(t *testing.T, now *time.Time) Store {
				t.Helper()
				s, err := NewPostgresStore(context.Background(), dsn,
					WithPostgresNowFunc(func() time.Time { return now.UTC() }))
				require.NoError(t, err)
				_, err = s.pool.Exec(context.Background(),
					`TRUNCATE usage_log, api_keys, billing, accounts RESTART IDENTITY CASCADE`)
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		})
	}
	return out
}

func TestStoreContract_AccountsAndBalance(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			n, err := store.CountAccounts(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			acct, err := store.CreateAccount(ctx, "alice", FromCredits(1.5))
			require.NoError(t, err)
			assert.NotEmpty(t, acct.ID)
			assert.Equal(t, "alice", acct.Name)

			got, err := store.GetAccount(ctx, acct.ID)
			require.NoError(t, err)
			assert.Equal(t, acct.Name, got.Name)
			assert.True(t, got.CreatedAt.Equal(now))

			bal, err := store.Balance(ctx, acct.ID)
			require.NoError(t, err)
			assert.Equal(t, FromCredits(1.5), bal.Balance)
			assert.Equal(t, Amount(0), bal.Reserved)

			_, err = store.GetAccount(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = store.Balance(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = store.CreateAccount(ctx, "bob", -1)
			assert.ErrorIs(t, err, ErrInvalidAmount)

			list, err := store.ListAccounts(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, FromCredits(1.5), list[0].Balance)
		})
	}
}

func TestStoreContract_ReserveCommitRelease(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			acct, err := store.CreateAccount(ctx, "alice", FromCredits(0.10))
			require.NoError(t, err)

			price := FromCredits(0.05)
			require.NoError(t, store.Reserve(ctx, acct.ID, price))
			require.NoError(t, store.Reserve(ctx, acct.ID, price))
			assert.ErrorIs(t, store.Reserve(ctx, acct.ID, price), ErrInsufficientBalance)

			bal, err := store.Balance(ctx, acct.ID)
			require.NoError(t, err)
			assert.Equal(t, FromCredits(0.10), bal.Reserved)
			assert.Equal(t, Amount(0), bal.Available())

			require.NoError(t, store.Commit(ctx, acct.ID, price))
			require.NoError(t, store.Release(ctx, acct.ID, price))

			bal, err = store.Balance(ctx, acct.ID)
			require.NoError(t, err)
			assert.Equal(t, FromCredits(0.05), bal.Balance)
			assert.Equal(t, Amount(0), bal.Reserved)
			assert.Equal(t, FromCredits(0.05), bal.TotalSpent)

			assert.ErrorIs(t, store.Commit(ctx, acct.ID, price), ErrNoReservation)
			assert.ErrorIs(t, store.Release(ctx, acct.ID, price), ErrNoReservation)
			assert.ErrorIs(t, store.Reserve(ctx, "missing", price), ErrNotFound)

			bal, err = store.Credit(ctx, acct.ID, FromCredits(1))
			require.NoError(t, err)
			assert.Equal(t, FromCredits(1.05), bal.Balance)

			_, err = store.Credit(ctx, acct.ID, 0)
			assert.ErrorIs(t, err, ErrInvalidAmount)
			_, err = store.Credit(ctx, "missing", FromCredits(1))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreContract_ReleaseAllHolds(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			alice, err := store.CreateAccount(ctx, "alice", FromCredits(0.10))
			require.NoError(t, err)
			bob, err := store.CreateAccount(ctx, "bob", FromCredits(1))
			require.NoError(t, err)
			require.NoError(t, store.Reserve(ctx, alice.ID, FromCredits(0.10)))
			assert.ErrorIs(t, store.Reserve(ctx, alice.ID, FromCredits(0.05)), ErrInsufficientBalance)

			n, err := store.ReleaseAllHolds(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			bal, err := store.Balance(ctx, alice.ID)
			require.NoError(t, err)
			assert.Equal(t, FromCredits(0.10), bal.Balance)
			assert.Equal(t, Amount(0), bal.Reserved)
			require.NoError(t, store.Reserve(ctx, alice.ID, FromCredits(0.05)))

			bal, err = store.Balance(ctx, bob.ID)
			require.NoError(t, err)
			assert.Equal(t, FromCredits(1), bal.Balance)
		})
	}
}

func TestSQLiteStoreHoldSurvivesReopenUntilReleased(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "mcpgate.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	acct, err := store.CreateAccount(ctx, "alice", FromCredits(0.10))
	require.NoError(t, err)
	require.NoError(t, store.Reserve(ctx, acct.ID, FromCredits(0.10)))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()
	assert.ErrorIs(t, store.Reserve(ctx, acct.ID, FromCredits(0.05)), ErrInsufficientBalance)

	n, err := store.ReleaseAllHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, store.Reserve(ctx, acct.ID, FromCredits(0.05)))
}

func TestStoreContract_ConcurrentReserveNeverOverdraws(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			acct, err := store.CreateAccount(ctx, "alice", FromCredits(0.25))
			require.NoError(t, err)

			price := FromCredits(0.05)
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				admitted int
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := store.Reserve(ctx, acct.ID, price); err != nil {
						return
					}
					if err := store.Commit(ctx, acct.ID, price); err != nil {
						t.Errorf("commit: %v", err)
						return
					}
					mu.Lock()
					admitted++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 5, admitted)
			bal, err := store.Balance(ctx, acct.ID)
			require.NoError(t, err)
			assert.Equal(t, Amount(0), bal.Balance)
			assert.Equal(t, Amount(0), bal.Reserved)
			assert.Equal(t, FromCredits(0.25), bal.TotalSpent)
		})
	}
}

func TestStoreContract_APIKeys(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			acct, err := store.CreateAccount(ctx, "alice", 0)
			require.NoError(t, err)

			key := APIKey{ID: "key_1", AccountID: acct.ID, Prefix: "mcpg_0123456", Hash: "salt$hash", Label: "ci"}
			require.NoError(t, store.CreateAPIKey(ctx, key))
			assert.ErrorIs(t, store.CreateAPIKey(ctx, APIKey{ID: "key_2", AccountID: acct.ID, Prefix: "mcpg_0123456", Hash: "salt$hash"}), ErrKeyExists)
			assert.ErrorIs(t, store.CreateAPIKey(ctx, APIKey{ID: "key_3", AccountID: "missing", Prefix: "x", Hash: "y"}), ErrNotFound)

			found, err := store.FindAPIKeys(ctx, "mcpg_0123456")
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.Equal(t, acct.ID, found[0].AccountID)
			assert.Equal(t, "salt$hash", found[0].Hash)
			assert.True(t, found[0].Active)
			assert.True(t, found[0].LastUsedAt.IsZero())

			used := now.Add(time.Minute)
			require.NoError(t, store.TouchAPIKey(ctx, "key_1", used))
			found, err = store.FindAPIKeys(ctx, "mcpg_0123456")
			require.NoError(t, err)
			require.Len(t, found, 1)
			assert.True(t, found[0].LastUsedAt.Equal(used))

			assert.ErrorIs(t, store.TouchAPIKey(ctx, "missing", used), ErrNotFound)

			none, err := store.FindAPIKeys(ctx, "mcpg_fffffff")
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestStoreContract_UsageAggregates(t *testing.T) {
	for _, factory := range contractStoreFactories() {
		t.Run(factory.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
			store := factory.new(t, &now)

			alice, err := store.CreateAccount(ctx, "alice", FromCredits(1))
			require.NoError(t, err)
			bob, err := store.CreateAccount(ctx, "bob", FromCredits(1))
			require.NoError(t, err)

			records := []UsageRecord{
				{AccountID: alice.ID, Tool: "alpha.search", Backend: "alpha", Timestamp: now.Add(-2 * time.Minute), DurationMs: 10, InputSize: 5, OutputSize: 50, Success: true, Cost: FromCredits(0.05)},
				{AccountID: alice.ID, Tool: "alpha.search", Backend: "alpha", Timestamp: now.Add(-30 * time.Second), DurationMs: 20, InputSize: 7, OutputSize: 70, Success: true, Cost: FromCredits(0.05)},
				{AccountID: alice.ID, Tool: "beta.fetch", Backend: "beta", Timestamp: now.Add(-10 * time.Second), DurationMs: 30, InputSize: 3, Success: false, Error: "boom"},
				{AccountID: bob.ID, Tool: "beta.fetch", Backend: "beta", Timestamp: now.Add(-5 * time.Second), DurationMs: 40, InputSize: 1, OutputSize: 9, Success: true},
			}
			for _, rec := range records {
				require.NoError(t, store.RecordUsage(ctx, rec))
			}

			recent, err := store.CountRecentCalls(ctx, alice.ID, now.Add(-time.Minute))
			require.NoError(t, err)
			assert.Equal(t, 2, recent)

			summary, err := store.UsageSummary(ctx, alice.ID)
			require.NoError(t, err)
			require.Len(t, summary, 2)
			assert.Equal(t, ServerToolUsage{Backend: "alpha", Tool: "alpha.search", Calls: 2, TotalDurationMs: 30}, summary[0])
			assert.Equal(t, ServerToolUsage{Backend: "beta", Tool: "beta.fetch", Calls: 1, TotalDurationMs: 30}, summary[1])

			byTool, err := store.UsageByTool(ctx, alice.ID)
			require.NoError(t, err)
			require.Len(t, byTool, 2)
			assert.Equal(t, ToolUsage{Tool: "alpha.search", Calls: 2, TotalDurationMs: 30, TotalInput: 12, TotalOutput: 120}, byTool[0])
			assert.Equal(t, 1, byTool[1].Errors)

			log, err := store.RecentUsage(ctx, alice.ID, 2)
			require.NoError(t, err)
			require.Len(t, log, 2)
			assert.Equal(t, "beta.fetch", log[0].Tool)
			assert.Equal(t, "boom", log[0].Error)
			assert.False(t, log[0].Success)
			assert.Equal(t, "alpha.search", log[1].Tool)

			all, err := store.RecentUsage(ctx, "", 0)
			require.NoError(t, err)
			assert.Len(t, all, 4)
			assert.Equal(t, bob.ID, all[0].AccountID)

			stats, err := store.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, 4, stats.TotalCalls)
			assert.Equal(t, map[string]int{"alpha": 2, "beta": 2}, stats.CallsPerBackend)
			assert.InDelta(t, 25.0, stats.AvgDurationMs, 0.001)

			list, err := store.ListAccounts(ctx)
			require.NoError(t, err)
			calls := map[string]int{}
			for _, a := range list {
				calls[a.Name] = a.TotalCalls
			}
			assert.Equal(t, map[string]int{"alice": 3, "bob": 1}, calls)
		})
	}
}
