package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchemaV1 = `
CREATE TABLE IF NOT EXISTS accounts (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
  id           TEXT PRIMARY KEY,
  account_id   TEXT NOT NULL REFERENCES accounts(id),
  prefix       TEXT NOT NULL,
  key_hash     TEXT NOT NULL UNIQUE,
  label        TEXT NOT NULL DEFAULT '',
  created_at   TIMESTAMPTZ NOT NULL,
  last_used_at TIMESTAMPTZ,
  active       BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix
  ON api_keys(prefix, active);

CREATE TABLE IF NOT EXISTS billing (
  account_id  TEXT PRIMARY KEY REFERENCES accounts(id),
  balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
  reserved    BIGINT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
  total_spent BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_log (
  id          BIGSERIAL PRIMARY KEY,
  account_id  TEXT NOT NULL,
  tool        TEXT NOT NULL,
  backend     TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL,
  duration_ms BIGINT NOT NULL,
  input_size  INTEGER NOT NULL,
  output_size INTEGER NOT NULL,
  success     BOOLEAN NOT NULL,
  error       TEXT,
  cost        BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_account_time
  ON usage_log(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_time
  ON usage_log(created_at DESC, id DESC);
`

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// PostgresStore is a Store backed by a pgx connection pool. Conditional
// balance updates rely on row-level locking of the billing row.
type PostgresStore struct {
	pool  *pgxpool.Pool
	nowFn func() time.Time
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("ledger: empty postgres dsn")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	s := &PostgresStore{pool: pool, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := pool.Exec(ctx, postgresSchemaV1); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) now() time.Time { return s.nowFn().UTC() }

func (s *PostgresStore) CreateAccount(ctx context.Context, name string, initial Amount) (Account, error) {
	if name == "" {
		return Account{}, fmt.Errorf("ledger: account name is required")
	}
	if initial < 0 {
		return Account{}, ErrInvalidAmount
	}
	acct := Account{ID: uuid.NewString(), Name: name, CreatedAt: s.now().Truncate(time.Microsecond)}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO accounts (id, name, created_at) VALUES ($1, $2, $3)`,
		acct.ID, acct.Name, acct.CreatedAt,
	); err != nil {
		return Account{}, fmt.Errorf("postgres: insert account: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO billing (account_id, balance, reserved, total_spent) VALUES ($1, $2, 0, 0)`,
		acct.ID, int64(initial),
	); err != nil {
		return Account{}, fmt.Errorf("postgres: insert billing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Account{}, err
	}
	return acct, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var acct Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = $1`, id,
	).Scan(&acct.ID, &acct.Name, &acct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	acct.CreatedAt = acct.CreatedAt.UTC()
	return acct, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	rows, err := s.pool.Query(ctx, `
SELECT a.id, a.name, a.created_at, COALESCE(b.balance, 0), COALESCE(b.total_spent, 0),
       (SELECT COUNT(*) FROM usage_log u WHERE u.account_id = a.id)
FROM accounts a LEFT JOIN billing b ON b.account_id = a.id
ORDER BY a.created_at, a.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AccountSummary
	for rows.Next() {
		var (
			sum            AccountSummary
			balance, spent int64
			calls          int64
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &sum.CreatedAt, &balance, &spent, &calls); err != nil {
			return nil, err
		}
		sum.CreatedAt = sum.CreatedAt.UTC()
		sum.Balance = Amount(balance)
		sum.TotalSpent = Amount(spent)
		sum.TotalCalls = int(calls)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountAccounts(ctx context.Context) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return int(n), err
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now()
	}
	if _, err := s.GetAccount(ctx, key.AccountID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO api_keys (id, account_id, prefix, key_hash, label, created_at, active)
VALUES ($1, $2, $3, $4, $5, $6, TRUE)`,
		key.ID, key.AccountID, key.Prefix, key.Hash, key.Label, key.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrKeyExists
	}
	return err
}

func (s *PostgresStore) FindAPIKeys(ctx context.Context, prefix string) ([]APIKey, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, account_id, prefix, key_hash, label, created_at, last_used_at, active
FROM api_keys WHERE prefix = $1 AND active`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var (
			k        APIKey
			lastUsed *time.Time
		)
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Prefix, &k.Hash, &k.Label, &k.CreatedAt, &lastUsed, &k.Active); err != nil {
			return nil, err
		}
		k.CreatedAt = k.CreatedAt.UTC()
		if lastUsed != nil {
			k.LastUsedAt = lastUsed.UTC()
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, at.UTC(), id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, accountID string) (Balance, error) {
	var balance, reserved, spent int64
	err := s.pool.QueryRow(ctx,
		`SELECT balance, reserved, total_spent FROM billing WHERE account_id = $1`, accountID,
	).Scan(&balance, &reserved, &spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrNotFound
	}
	if err != nil {
		return Balance{}, err
	}
	return Balance{AccountID: accountID, Balance: Amount(balance), Reserved: Amount(reserved), TotalSpent: Amount(spent)}, nil
}

func (s *PostgresStore) Reserve(ctx context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE billing SET reserved = reserved + $1
WHERE account_id = $2 AND balance - reserved >= $1`,
		int64(amt), accountID,
	)
	if err != nil {
		return fmt.Errorf("postgres: reserve: %w", err)
	}
	return s.explainMiss(ctx, tag, accountID, ErrInsufficientBalance)
}

func (s *PostgresStore) Commit(ctx context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE billing
SET balance = balance - $1, reserved = reserved - $1, total_spent = total_spent + $1
WHERE account_id = $2 AND reserved >= $1`,
		int64(amt), accountID,
	)
	if err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return s.explainMiss(ctx, tag, accountID, ErrNoReservation)
}

func (s *PostgresStore) Release(ctx context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE billing SET reserved = reserved - $1
WHERE account_id = $2 AND reserved >= $1`,
		int64(amt), accountID,
	)
	if err != nil {
		return fmt.Errorf("postgres: release: %w", err)
	}
	return s.explainMiss(ctx, tag, accountID, ErrNoReservation)
}

func (s *PostgresStore) Credit(ctx context.Context, accountID string, amt Amount) (Balance, error) {
	if amt <= 0 {
		return Balance{}, ErrInvalidAmount
	}
	var balance, reserved, spent int64
	err := s.pool.QueryRow(ctx, `
UPDATE billing SET balance = balance + $1 WHERE account_id = $2
RETURNING balance, reserved, total_spent`,
		int64(amt), accountID,
	).Scan(&balance, &reserved, &spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return Balance{}, ErrNotFound
	}
	if err != nil {
		return Balance{}, fmt.Errorf("postgres: credit: %w", err)
	}
	return Balance{AccountID: accountID, Balance: Amount(balance), Reserved: Amount(reserved), TotalSpent: Amount(spent)}, nil
}

func (s *PostgresStore) ReleaseAllHolds(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE billing SET reserved = 0 WHERE reserved <> 0`)
	if err != nil {
		return 0, fmt.Errorf("postgres: release holds: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) explainMiss(ctx context.Context, tag pgconn.CommandTag, accountID string, condErr error) error {
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.Balance(ctx, accountID); err != nil {
		return err
	}
	return condErr
}

func (s *PostgresStore) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO usage_log (account_id, tool, backend, created_at, duration_ms, input_size, output_size, success, error, cost)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.AccountID, rec.Tool, rec.Backend, rec.Timestamp.UTC(), rec.DurationMs,
		int32(rec.InputSize), int32(rec.OutputSize), rec.Success, errText, int64(rec.Cost),
	)
	if err != nil {
		return fmt.Errorf("postgres: record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountRecentCalls(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM usage_log WHERE account_id = $1 AND created_at > $2`,
		accountID, since.UTC(),
	).Scan(&n)
	return int(n), err
}

func (s *PostgresStore) UsageSummary(ctx context.Context, accountID string) ([]ServerToolUsage, error) {
	rows, err := s.pool.Query(ctx, `
SELECT backend, tool, COUNT(*), COALESCE(SUM(duration_ms), 0)::BIGINT
FROM usage_log WHERE account_id = $1
GROUP BY backend, tool ORDER BY backend, tool`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ServerToolUsage{}
	for rows.Next() {
		var (
			u     ServerToolUsage
			calls int64
		)
		if err := rows.Scan(&u.Backend, &u.Tool, &calls, &u.TotalDurationMs); err != nil {
			return nil, err
		}
		u.Calls = int(calls)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UsageByTool(ctx context.Context, accountID string) ([]ToolUsage, error) {
	rows, err := s.pool.Query(ctx, `
SELECT tool, COUNT(*), COALESCE(SUM(duration_ms), 0)::BIGINT, COALESCE(SUM(input_size), 0)::BIGINT,
       COALESCE(SUM(output_size), 0)::BIGINT, COUNT(*) FILTER (WHERE NOT success)
FROM usage_log WHERE account_id = $1
GROUP BY tool ORDER BY tool`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ToolUsage{}
	for rows.Next() {
		var (
			u             ToolUsage
			calls, errCnt int64
		)
		if err := rows.Scan(&u.Tool, &calls, &u.TotalDurationMs, &u.TotalInput, &u.TotalOutput, &errCnt); err != nil {
			return nil, err
		}
		u.Calls = int(calls)
		u.Errors = int(errCnt)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecentUsage(ctx context.Context, accountID string, limit int) ([]UsageRecord, error) {
	limit = normalizeLimit(limit)
	query := `
SELECT id, account_id, tool, backend, created_at, duration_ms, input_size, output_size, success, error, cost
FROM usage_log`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
		args = append(args, accountID, limit)
	} else {
		query += ` ORDER BY created_at DESC, id DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []UsageRecord{}
	for rows.Next() {
		var (
			rec         UsageRecord
			errText     *string
			cost        int64
			input, outp int32
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Tool, &rec.Backend, &rec.Timestamp, &rec.DurationMs,
			&input, &outp, &rec.Success, &errText, &cost); err != nil {
			return nil, err
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.InputSize = int(input)
		rec.OutputSize = int(outp)
		if errText != nil {
			rec.Error = *errText
		}
		rec.Cost = Amount(cost)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{CallsPerBackend: make(map[string]int)}
	var (
		calls int64
		spent int64
	)
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(duration_ms), 0)::FLOAT8 FROM usage_log`,
	).Scan(&calls, &st.AvgDurationMs); err != nil {
		return Stats{}, err
	}
	st.TotalCalls = int(calls)
	if err := s.pool.QueryRow(ctx, `SELECT COALESCE(SUM(total_spent), 0)::BIGINT FROM billing`).Scan(&spent); err != nil {
		return Stats{}, err
	}
	st.TotalSpent = Amount(spent)

	rows, err := s.pool.Query(ctx, `SELECT backend, COUNT(*) FROM usage_log GROUP BY backend`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			backend string
			n       int64
		)
		if err := rows.Scan(&backend, &n); err != nil {
			return Stats{}, err
		}
		st.CallsPerBackend[backend] = int(n)
	}
	return st, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}
