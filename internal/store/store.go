package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an account id is unknown.
var ErrNotFound = errors.New("account not found")

const accountColumns = `id, email, kind, host, port, smtp_host, smtp_port, tls_mode,
	username, password, access_token, refresh_token, expires_at, sync_cursor,
	last_polled_at, active_rules, tier, created_at, updated_at`

// SQLStore persists accounts and their sync cursors.
type SQLStore struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to the account database. driver is "sqlite3" or "postgres".
func Open(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s db: %w", driver, err)
	}

	if driver == "sqlite3" {
		// Every connection to ":memory:" is a separate database.
		if dsn == ":memory:" {
			db.SetMaxOpenConns(1)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	s := &SQLStore{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) runMigrations() error {
	current := 0
	// schema_version is absent on a fresh database.
	if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
		current = 0
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

// GetAccount loads one account.
func (s *SQLStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	q := s.db.Rebind("SELECT " + accountColumns + " FROM accounts WHERE id = ?")
	if err := s.db.GetContext(ctx, &a, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading account %s: %w", id, err)
	}
	return &a, nil
}

// ListEligible returns accounts of the given kinds that are eligible for
// synchronization at minTier.
func (s *SQLStore) ListEligible(ctx context.Context, kinds []Kind, minTier int) ([]Account, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	q, args, err := sqlx.In(
		"SELECT "+accountColumns+" FROM accounts WHERE kind IN (?) AND active_rules > 0 AND tier >= ? ORDER BY id",
		names, minTier,
	)
	if err != nil {
		return nil, fmt.Errorf("building eligible query: %w", err)
	}

	var rows []Account
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("listing eligible accounts: %w", err)
	}

	eligible := rows[:0]
	for _, a := range rows {
		if a.HasCredentials() {
			eligible = append(eligible, a)
		}
	}
	return eligible, nil
}

// UpdateSyncState stores the new cursor and the last-polled timestamp in a
// single statement so they are never observed apart.
func (s *SQLStore) UpdateSyncState(ctx context.Context, id, cursor string, polledAt time.Time) error {
	q := s.db.Rebind("UPDATE accounts SET sync_cursor = ?, last_polled_at = ?, updated_at = ? WHERE id = ?")
	res, err := s.db.ExecContext(ctx, q, cursor, polledAt.UTC(), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating sync state for %s: %w", id, err)
	}
	return expectOne(res, id)
}

// ResetCursor clears the cursor so the next sync re-baselines.
func (s *SQLStore) ResetCursor(ctx context.Context, id string) error {
	q := s.db.Rebind("UPDATE accounts SET sync_cursor = '', updated_at = ? WHERE id = ?")
	res, err := s.db.ExecContext(ctx, q, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("resetting cursor for %s: %w", id, err)
	}
	return expectOne(res, id)
}

// UpdateTokens stores a refreshed credential.
func (s *SQLStore) UpdateTokens(ctx context.Context, id string, t Tokens) error {
	var expires *time.Time
	if !t.ExpiresAt.IsZero() {
		e := t.ExpiresAt.UTC()
		expires = &e
	}
	q := s.db.Rebind(`UPDATE accounts SET
		access_token = ?,
		refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
		expires_at = ?,
		updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, t.AccessToken, t.RefreshToken, t.RefreshToken, expires, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating tokens for %s: %w", id, err)
	}
	return expectOne(res, id)
}

// UpsertAccount inserts or replaces account configuration. The sync cursor
// and last-polled timestamp of an existing row are preserved.
func (s *SQLStore) UpsertAccount(ctx context.Context, a Account) error {
	now := s.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.TLSMode == "" {
		a.TLSMode = "tls"
	}

	q := s.db.Rebind(`INSERT INTO accounts (` + accountColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			kind = excluded.kind,
			host = excluded.host,
			port = excluded.port,
			smtp_host = excluded.smtp_host,
			smtp_port = excluded.smtp_port,
			tls_mode = excluded.tls_mode,
			username = excluded.username,
			password = excluded.password,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at,
			active_rules = excluded.active_rules,
			tier = excluded.tier,
			updated_at = excluded.updated_at`)

	_, err := s.db.ExecContext(ctx, q,
		a.ID, a.Email, string(a.Kind), a.Host, a.Port, a.SMTPHost, a.SMTPPort, a.TLSMode,
		a.Username, a.Password, a.AccessToken, a.RefreshToken, a.ExpiresAt, a.SyncCursor,
		a.LastPolledAt, a.ActiveRules, a.Tier, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting account %s: %w", a.ID, err)
	}
	return nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
