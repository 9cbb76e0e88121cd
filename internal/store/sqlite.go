// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides identity state, code binding, and delivery persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: SQLite has a single writer, and bind transactions must not
	// interleave. Also keeps ":memory:" databases on one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identity_states (
			identity   TEXT PRIMARY KEY,
			state      TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (state IN ('uninitiated', 'waiting_for_code', 'code_validated'))
		);

		-- Both columns are unique: one identity per code, one code per identity.
		CREATE TABLE IF NOT EXISTS code_bindings (
			code       TEXT PRIMARY KEY,
			identity   TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS deliveries (
			delivery_id TEXT PRIMARY KEY,
			code        TEXT NOT NULL,
			identity    TEXT NOT NULL,
			status      TEXT NOT NULL,
			error       TEXT,
			created_at  TEXT NOT NULL,

			CHECK (status IN ('delivered', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_deliveries_code ON deliveries(code, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations brings databases created by older releases up to the current schema.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "deliveries",
			column: "error",
			apply:  `ALTER TABLE deliveries ADD COLUMN error TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks that the database connection is usable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// GetState returns the stored state for identity, or StateUninitiated if none.
func (s *SQLiteStore) GetState(ctx context.Context, identity Identity) (ConversationState, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM identity_states WHERE identity = ?`, string(identity),
	).Scan(&state)

	if err == sql.ErrNoRows {
		return StateUninitiated, nil
	}
	if err != nil {
		return "", fmt.Errorf("querying identity state: %w", err)
	}

	return ConversationState(state), nil
}

// SetState upserts the state for identity.
func (s *SQLiteStore) SetState(ctx context.Context, identity Identity, state ConversationState) error {
	if err := setStateTx(ctx, s.db, identity, state); err != nil {
		return err
	}

	s.logger.Debug("saved identity state", "identity", identity, "state", state)
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setStateTx(ctx context.Context, ex execer, identity Identity, state ConversationState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid conversation state %q", state)
	}

	query := `
		INSERT INTO identity_states (identity, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`

	_, err := ex.ExecContext(ctx, query,
		string(identity),
		string(state),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving identity state: %w", err)
	}
	return nil
}

// Bind assigns code to identity inside a single transaction.
// The identity's previous code, if any, is released in the same transaction.
func (s *SQLiteStore) Bind(ctx context.Context, code string, identity Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning bind transaction: %w", err)
	}
	defer tx.Rollback()

	released, err := bindTx(ctx, tx, code, identity)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing bind transaction: %w", err)
	}

	if released {
		s.logger.Debug("released previous code", "identity", identity)
	}
	s.logger.Debug("bound code", "identity", identity)
	return nil
}

// Link binds code to identity and marks the identity code_validated in one
// transaction, so a failure leaves neither change behind.
func (s *SQLiteStore) Link(ctx context.Context, code string, identity Identity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning link transaction: %w", err)
	}
	defer tx.Rollback()

	released, err := bindTx(ctx, tx, code, identity)
	if err != nil {
		return err
	}

	if err := setStateTx(ctx, tx, identity, StateCodeValidated); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing link transaction: %w", err)
	}

	if released {
		s.logger.Debug("released previous code", "identity", identity)
	}
	s.logger.Debug("linked code", "identity", identity)
	return nil
}

// bindTx reports whether a previous code was released. Binding a code the
// identity already holds changes nothing.
func bindTx(ctx context.Context, tx *sql.Tx, code string, identity Identity) (bool, error) {
	var owner string
	err := tx.QueryRowContext(ctx,
		`SELECT identity FROM code_bindings WHERE code = ?`, code,
	).Scan(&owner)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return false, fmt.Errorf("querying code owner: %w", err)
	case Identity(owner) == identity:
		return false, nil
	default:
		return false, ErrCodeTaken
	}

	released, err := tx.ExecContext(ctx, `DELETE FROM code_bindings WHERE identity = ?`, string(identity))
	if err != nil {
		return false, fmt.Errorf("releasing previous code: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO code_bindings (code, identity, created_at) VALUES (?, ?, ?)`,
		code,
		string(identity),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return false, ErrCodeTaken
		}
		return false, fmt.Errorf("inserting code binding: %w", err)
	}

	n, _ := released.RowsAffected()
	return n > 0, nil
}

// Resolve returns the identity bound to code.
// Returns ErrNotFound if the code is not bound.
func (s *SQLiteStore) Resolve(ctx context.Context, code string) (Identity, error) {
	var identity string
	err := s.db.QueryRowContext(ctx,
		`SELECT identity FROM code_bindings WHERE code = ?`, code,
	).Scan(&identity)

	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolving code: %w", err)
	}

	return Identity(identity), nil
}

// CodeFor returns the code held by identity.
// Returns ErrNotFound if the identity holds no code.
func (s *SQLiteStore) CodeFor(ctx context.Context, identity Identity) (string, error) {
	var code string
	err := s.db.QueryRowContext(ctx,
		`SELECT code FROM code_bindings WHERE identity = ?`, string(identity),
	).Scan(&code)

	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying code for identity: %w", err)
	}

	return code, nil
}

// ListBindings returns all active code bindings.
func (s *SQLiteStore) ListBindings(ctx context.Context) ([]*Binding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, identity, created_at
		FROM code_bindings
		ORDER BY code
	`)
	if err != nil {
		return nil, fmt.Errorf("querying bindings: %w", err)
	}
	defer rows.Close()

	var bindings []*Binding
	for rows.Next() {
		var b Binding
		var identity, createdAtStr string

		if err := rows.Scan(&b.Code, &identity, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning binding: %w", err)
		}

		b.Identity = Identity(identity)
		b.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		bindings = append(bindings, &b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating binding rows: %w", err)
	}
	return bindings, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
