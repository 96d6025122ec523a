package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"message-ingest/internal/domain"
)

const archiveTableName = "archived_messages"

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresArchive is the archive tier: an append-only table keyed by provider
// message id.
type PostgresArchive struct {
	dsn     string
	timeout time.Duration
	openDB  sqlOpenFunc

	mu     sync.Mutex
	ready  bool
	db     sqlExecer
	closer func() error
}

// NewPostgresArchive returns an archive backed by the Postgres database at dsn.
// The connection and schema are created on first use.
func NewPostgresArchive(dsn string, timeout time.Duration) (*PostgresArchive, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("repository: archive dsn must not be empty")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &PostgresArchive{dsn: dsn, timeout: timeout, openDB: sql.Open}, nil
}

// UpsertMessage inserts rec unless a record with the same message id exists.
func (a *PostgresArchive) UpsertMessage(ctx context.Context, rec domain.MessageRecord) error {
	if rec.MessageID == "" || rec.Sender == "" {
		return errors.New("repository: archive UpsertMessage: message id and sender are required")
	}
	if err := a.ensureReady(ctx); err != nil {
		return fmt.Errorf("repository: archive UpsertMessage: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (message_id, sender, body, sent_at, received_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id) DO NOTHING`, archiveTableName)
	if _, err := a.db.ExecContext(ctx, query, rec.MessageID, rec.Sender, rec.Text, rec.Timestamp, rec.ReceivedAt.UTC()); err != nil {
		return fmt.Errorf("repository: archive UpsertMessage: %w", err)
	}
	return nil
}

func (a *PostgresArchive) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer()
}

// ensureReady opens the database and creates the schema. A failed attempt is
// retried on the next call.
func (a *PostgresArchive) ensureReady(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ready {
		return nil
	}
	if a.db == nil {
		db, err := a.openDB("postgres", a.dsn)
		if err != nil {
			return err
		}
		a.db = db
		a.closer = db.Close
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			message_id TEXT PRIMARY KEY,
			sender TEXT NOT NULL,
			body TEXT NOT NULL,
			sent_at BIGINT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, archiveTableName)
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	indexQuery := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_sender_idx ON %s (sender, sent_at)`, archiveTableName, archiveTableName)
	if _, err := a.db.ExecContext(ctx, indexQuery); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	a.ready = true
	return nil
}
