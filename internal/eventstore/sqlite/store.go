package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store is the processed-message ledger and its outbox
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// EmailReceived is one ledger row
type EmailReceived struct {
	EventID    string
	TS         int64
	MsgDate    int64
	Transport  string
	AccountID  string
	MessageID  string
	ThreadID   string
	Folder     string
	Subject    string
	Sender     string
	ToAddrs    string
	CcAddrs    string
	Snippet    string
	LabelsJSON string
}

// OutboxEntry is an event waiting to be published
type OutboxEntry struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
	Retries int
}

// Open opens or creates the event database
func Open(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dbPath == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{DB: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.DB.Close()
}

// AppendEmailReceivedTx records a processed message and queues its event.
// It reports false, and queues nothing, when the message was already
// recorded for the account.
func (s *Store) AppendEmailReceivedTx(ctx context.Context, tx *sql.Tx, ev EmailReceived, out OutboxEntry) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO email_received_events
		(event_id, ts, msg_date, transport, account_id, message_id, thread_id, folder,
		 subject, sender, to_addrs, cc_addrs, snippet, labels_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.EventID, ev.TS, ev.MsgDate, ev.Transport, ev.AccountID, ev.MessageID, ev.ThreadID, ev.Folder,
		ev.Subject, ev.Sender, ev.ToAddrs, ev.CcAddrs, ev.Snippet, ev.LabelsJSON)
	if err != nil {
		return false, fmt.Errorf("failed to insert email event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check email event insert: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	now := s.now().Unix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, out.Subject, out.EventType, out.Payload, out.MsgID, now)
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	return true, nil
}

// DequeueOutbox fetches unpublished messages that are due
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []OutboxMessage
	for rows.Next() {
		var msg OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}

	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox SET published_at = ? WHERE id = ?
	`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PendingCount returns the number of unpublished outbox messages
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox: %w", err)
	}
	return n, nil
}

// Processed reports whether a message was already recorded for an account
func (s *Store) Processed(ctx context.Context, accountID, messageID string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_received_events WHERE account_id = ? AND message_id = ?
	`, accountID, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up email event: %w", err)
	}
	return n > 0, nil
}
