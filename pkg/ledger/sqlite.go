package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	sqlite3 "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS accounts (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL,
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
  id           TEXT PRIMARY KEY,
  account_id   TEXT NOT NULL REFERENCES accounts(id),
  prefix       TEXT NOT NULL,
  key_hash     TEXT NOT NULL UNIQUE,
  label        TEXT NOT NULL DEFAULT '',
  created_at   INTEGER NOT NULL,
  last_used_at INTEGER,
  active       INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix
  ON api_keys(prefix, active);

CREATE TABLE IF NOT EXISTS billing (
  account_id  TEXT PRIMARY KEY REFERENCES accounts(id),
  balance     INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
  reserved    INTEGER NOT NULL DEFAULT 0 CHECK (reserved >= 0),
  total_spent INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS usage_log (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  account_id  TEXT NOT NULL,
  tool        TEXT NOT NULL,
  backend     TEXT NOT NULL,
  created_at  INTEGER NOT NULL,
  duration_ms INTEGER NOT NULL,
  input_size  INTEGER NOT NULL,
  output_size INTEGER NOT NULL,
  success     INTEGER NOT NULL,
  error       TEXT,
  cost        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_account_time
  ON usage_log(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_time
  ON usage_log(created_at DESC, id DESC);
`

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// SQLiteStore is the default Store. All access goes through a single
// connection, which serialises the conditional balance updates.
type SQLiteStore struct {
	db    *sql.DB
	nowFn func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("ledger: empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, nowFn: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		return fmt.Errorf("sqlite: enable foreign_keys: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(ctx, "ROLLBACK;")
	}()

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("sqlite: init migrations table: %w", err)
	}

	var current int
	err = conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&current)
	hasVersion := true
	if errors.Is(err, sql.ErrNoRows) {
		hasVersion = false
		current = 0
	} else if err != nil {
		return fmt.Errorf("sqlite: read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
	}

	for v := current + 1; v <= schemaVersion; v++ {
		switch v {
		case 1:
			if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
				return fmt.Errorf("sqlite: migrate v1: %w", err)
			}
		default:
			return fmt.Errorf("sqlite: unknown migration %d", v)
		}
	}

	if !hasVersion {
		if _, err := conn.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?);`, schemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema version: %w", err)
		}
	} else if current != schemaVersion {
		if _, err := conn.ExecContext(ctx, `UPDATE schema_migrations SET version = ?;`, schemaVersion); err != nil {
			return fmt.Errorf("sqlite: write schema version: %w", err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLiteStore) now() time.Time { return s.nowFn().UTC() }

func (s *SQLiteStore) CreateAccount(ctx context.Context, name string, initial Amount) (Account, error) {
	if name == "" {
		return Account{}, fmt.Errorf("ledger: account name is required")
	}
	if initial < 0 {
		return Account{}, ErrInvalidAmount
	}
	acct := Account{ID: uuid.NewString(), Name: name, CreatedAt: s.now()}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO accounts (id, name, created_at) VALUES (?, ?, ?)`,
		acct.ID, acct.Name, acct.CreatedAt.UnixMilli(),
	); err != nil {
		return Account{}, fmt.Errorf("sqlite: insert account: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO billing (account_id, balance, reserved, total_spent) VALUES (?, ?, 0, 0)`,
		acct.ID, int64(initial),
	); err != nil {
		return Account{}, fmt.Errorf("sqlite: insert billing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Account{}, err
	}
	acct.CreatedAt = time.UnixMilli(acct.CreatedAt.UnixMilli()).UTC()
	return acct, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (Account, error) {
	var (
		acct    Account
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM accounts WHERE id = ?`, id,
	).Scan(&acct.ID, &acct.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, err
	}
	acct.CreatedAt = time.UnixMilli(created).UTC()
	return acct, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
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
			created        int64
			balance, spent int64
		)
		if err := rows.Scan(&sum.ID, &sum.Name, &created, &balance, &spent, &sum.TotalCalls); err != nil {
			return nil, err
		}
		sum.CreatedAt = time.UnixMilli(created).UTC()
		sum.Balance = Amount(balance)
		sum.TotalSpent = Amount(spent)
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountAccounts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now()
	}
	if _, err := s.GetAccount(ctx, key.AccountID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_keys (id, account_id, prefix, key_hash, label, created_at, active)
VALUES (?, ?, ?, ?, ?, ?, 1)`,
		key.ID, key.AccountID, key.Prefix, key.Hash, key.Label, key.CreatedAt.UnixMilli(),
	)
	if isSQLiteConstraintError(err) {
		return ErrKeyExists
	}
	return err
}

func (s *SQLiteStore) FindAPIKeys(ctx context.Context, prefix string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, account_id, prefix, key_hash, label, created_at, last_used_at, active
FROM api_keys WHERE prefix = ? AND active = 1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []APIKey
	for rows.Next() {
		var (
			k        APIKey
			created  int64
			lastUsed sql.NullInt64
		)
		if err := rows.Scan(&k.ID, &k.AccountID, &k.Prefix, &k.Hash, &k.Label, &created, &lastUsed, &k.Active); err != nil {
			return nil, err
		}
		k.CreatedAt = time.UnixMilli(created).UTC()
		if lastUsed.Valid {
			k.LastUsedAt = time.UnixMilli(lastUsed.Int64).UTC()
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, at.UTC().UnixMilli(), id)
	if err != nil {
		return err
	}
	return expectOneRow(res, ErrNotFound)
}

func (s *SQLiteStore) Balance(ctx context.Context, accountID string) (Balance, error) {
	var balance, reserved, spent int64
	err := s.db.QueryRowContext(ctx,
		`SELECT balance, reserved, total_spent FROM billing WHERE account_id = ?`, accountID,
	).Scan(&balance, &reserved, &spent)
	if errors.Is(err, sql.ErrNoRows) {
		return Balance{}, ErrNotFound
	}
	if err != nil {
		return Balance{}, err
	}
	return Balance{AccountID: accountID, Balance: Amount(balance), Reserved: Amount(reserved), TotalSpent: Amount(spent)}, nil
}

func (s *SQLiteStore) Reserve(ctx context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE billing SET reserved = reserved + ?
WHERE account_id = ? AND balance - reserved >= ?`,
		int64(amt), accountID, int64(amt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: reserve: %w", err)
	}
	return s.explainMiss(ctx, res, accountID, ErrInsufficientBalance)
}

func (s *SQLiteStore) Commit(ctx context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE billing
SET balance = balance - ?, reserved = reserved - ?, total_spent = total_spent + ?
WHERE account_id = ? AND reserved >= ?`,
		int64(amt), int64(amt), int64(amt), accountID, int64(amt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return s.explainMiss(ctx, res, accountID, ErrNoReservation)
}

func (s *SQLiteStore) Release(ctx context.Context, accountID string, amt Amount) error {
	if amt < 0 {
		return ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE billing SET reserved = reserved - ?
WHERE account_id = ? AND reserved >= ?`,
		int64(amt), accountID, int64(amt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: release: %w", err)
	}
	return s.explainMiss(ctx, res, accountID, ErrNoReservation)
}

func (s *SQLiteStore) Credit(ctx context.Context, accountID string, amt Amount) (Balance, error) {
	if amt <= 0 {
		return Balance{}, ErrInvalidAmount
	}
	res, err := s.db.ExecContext(ctx, `UPDATE billing SET balance = balance + ? WHERE account_id = ?`, int64(amt), accountID)
	if err != nil {
		return Balance{}, fmt.Errorf("sqlite: credit: %w", err)
	}
	if err := expectOneRow(res, ErrNotFound); err != nil {
		return Balance{}, err
	}
	return s.Balance(ctx, accountID)
}

func (s *SQLiteStore) ReleaseAllHolds(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE billing SET reserved = 0 WHERE reserved <> 0`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: release holds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// explainMiss distinguishes an unknown account from a failed condition when a
// conditional update touched no rows.
func (s *SQLiteStore) explainMiss(ctx context.Context, res sql.Result, accountID string, condErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Balance(ctx, accountID); err != nil {
		return err
	}
	return condErr
}

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec UsageRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now()
	}
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_log (account_id, tool, backend, created_at, duration_ms, input_size, output_size, success, error, cost)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AccountID, rec.Tool, rec.Backend, rec.Timestamp.UTC().UnixMilli(), rec.DurationMs,
		rec.InputSize, rec.OutputSize, rec.Success, errText, int64(rec.Cost),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountRecentCalls(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_log WHERE account_id = ? AND created_at > ?`,
		accountID, since.UTC().UnixMilli(),
	).Scan(&n)
	return n, err
}

func (s *SQLiteStore) UsageSummary(ctx context.Context, accountID string) ([]ServerToolUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT backend, tool, COUNT(*), COALESCE(SUM(duration_ms), 0)
FROM usage_log WHERE account_id = ?
GROUP BY backend, tool ORDER BY backend, tool`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ServerToolUsage{}
	for rows.Next() {
		var u ServerToolUsage
		if err := rows.Scan(&u.Backend, &u.Tool, &u.Calls, &u.TotalDurationMs); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UsageByTool(ctx context.Context, accountID string) ([]ToolUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT tool, COUNT(*), COALESCE(SUM(duration_ms), 0), COALESCE(SUM(input_size), 0),
       COALESCE(SUM(output_size), 0), COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
FROM usage_log WHERE account_id = ?
GROUP BY tool ORDER BY tool`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ToolUsage{}
	for rows.Next() {
		var u ToolUsage
		if err := rows.Scan(&u.Tool, &u.Calls, &u.TotalDurationMs, &u.TotalInput, &u.TotalOutput, &u.Errors); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecentUsage(ctx context.Context, accountID string, limit int) ([]UsageRecord, error) {
	limit = normalizeLimit(limit)
	query := `
SELECT id, account_id, tool, backend, created_at, duration_ms, input_size, output_size, success, error, cost
FROM usage_log`
	args := []any{}
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []UsageRecord{}
	for rows.Next() {
		var (
			rec     UsageRecord
			created int64
			errText sql.NullString
			cost    int64
		)
		if err := rows.Scan(&rec.ID, &rec.AccountID, &rec.Tool, &rec.Backend, &created, &rec.DurationMs,
			&rec.InputSize, &rec.OutputSize, &rec.Success, &errText, &cost); err != nil {
			return nil, err
		}
		rec.Timestamp = time.UnixMilli(created).UTC()
		rec.Error = errText.String
		rec.Cost = Amount(cost)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{CallsPerBackend: make(map[string]int)}
	var spent int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(duration_ms), 0) FROM usage_log`,
	).Scan(&st.TotalCalls, &st.AvgDurationMs); err != nil {
		return Stats{}, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(total_spent), 0) FROM billing`).Scan(&spent); err != nil {
		return Stats{}, err
	}
	st.TotalSpent = Amount(spent)

	rows, err := s.db.QueryContext(ctx, `SELECT backend, COUNT(*) FROM usage_log GROUP BY backend`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			backend string
			n       int
		)
		if err := rows.Scan(&backend, &n); err != nil {
			return Stats{}, err
		}
		st.CallsPerBackend[backend] = n
	}
	return st, rows.Err()
}

func expectOneRow(res sql.Result, missErr error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missErr
	}
	return nil
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	// Extended result codes carry the base code in the low byte.
	const sqliteConstraintBase = 19
	return sqliteErr.Code()&0xff == sqliteConstraintBase
}
