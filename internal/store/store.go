// Package store persists conversation turns to a SQL database.
//
// Supported drivers are postgres (lib/pq), sqlite (modernc.org/sqlite) and
// clickhouse (clickhouse-go). All share one table, chat_messages.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Open.
const (
	DriverNone       = "none"
	DriverPostgres   = "postgres"
	DriverSQLite     = "sqlite"
	DriverClickHouse = "clickhouse"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("store: unknown driver")

// Message is one persisted conversation turn.
type Message struct {
	ID        uuid.UUID
	UserID    string
	Role      string
	Content   string
	Model     string
	CreatedAt time.Time
}

// Store is a durable sink for messages.
type Store interface {
	Insert(ctx context.Context, m Message) error
	InsertBatch(ctx context.Context, msgs []Message) error
	Ping(ctx context.Context) error
	Close() error
}

// SQLStore is a Store backed by database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to dsn with the named driver and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}

	d.configurePool(db)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// Driver returns the driver name the store was opened with.
func (s *SQLStore) Driver() string { return s.dialect.name }

// Migrate creates the chat_messages table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate %s: %w", s.dialect.name, err)
		}
	}
	return nil
}

// Insert writes m. A zero ID or CreatedAt is filled in.
func (s *SQLStore) Insert(ctx context.Context, m Message) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.insert, insertArgs(m)...); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// InsertBatch writes msgs in one transaction through a single prepared
// statement. ClickHouse sends the whole transaction as one block. Either
// every message is stored or none is.
func (s *SQLStore) InsertBatch(ctx context.Context, msgs []Message) (err error) {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.dialect.insert)
	if err != nil {
		return fmt.Errorf("store: prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err = stmt.ExecContext(ctx, insertArgs(m)...); err != nil {
			return fmt.Errorf("store: insert batch of %d: %w", len(msgs), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

func insertArgs(m Message) []any {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	return []any{m.ID.String(), m.UserID, m.Role, m.Content, m.Model, m.CreatedAt}
}

// CountByUser returns how many messages are stored for userID.
func (s *SQLStore) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.countByUser, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

// Ping checks the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
