// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers file creation, persistence across reopen, schema constraints, and migrations

package store

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "relay.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := first.SetState(ctx, "42", StateCodeValidated); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if err := first.Bind(ctx, "123456", "42"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()

	state, err := second.GetState(ctx, "42")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state != StateCodeValidated {
		t.Errorf("state = %q, want %q", state, StateCodeValidated)
	}

	id, err := second.Resolve(ctx, "123456")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if id != "42" {
		t.Errorf("Resolve = %q, want %q", id, "42")
	}
}

func TestSQLiteStore_UniqueIdentityConstraint(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Bind(ctx, "123456", "42"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	// Bypass Bind to confirm the schema itself refuses a second code per identity
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO code_bindings (code, identity, created_at) VALUES (?, ?, ?)`,
		"654321", "42", time.Now().UTC().Format(time.RFC3339),
	)
	if err == nil {
		t.Fatal("expected constraint violation inserting second code for identity")
	}
	if !isConstraintViolation(err) {
		t.Errorf("expected constraint violation, got %v", err)
	}
}

func TestSQLiteStore_RejectsInvalidStateRow(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.db.Exec(
		`INSERT INTO identity_states (identity, state, updated_at) VALUES ('42', 'bogus', '2024-01-01T00:00:00Z')`,
	)
	if err == nil {
		t.Error("expected CHECK constraint to reject unknown state")
	}
}

func TestSQLiteStore_MigrationsIdempotent(t *testing.T) {
	store := setupTestStore(t)

	if err := store.runMigrations(); err != nil {
		t.Fatalf("second migration run failed: %v", err)
	}

	var count int
	err := store.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('deliveries') WHERE name = 'error'`).Scan(&count)
	if err != nil {
		t.Fatalf("querying table info: %v", err)
	}
	if count != 1 {
		t.Errorf("error column count = %d, want 1", count)
	}
}

func TestSQLiteStore_FreshSchemaNeedsNoMigration(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	defer db.Close()

	var logs bytes.Buffer
	store := &SQLiteStore{db: db, logger: slog.New(slog.NewTextHandler(&logs, nil))}

	if err := store.createSchema(); err != nil {
		t.Fatalf("createSchema failed: %v", err)
	}
	if err := store.runMigrations(); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	if strings.Contains(logs.String(), "applied migration") {
		t.Errorf("fresh database ran a migration: %s", logs.String())
	}
}

func TestSQLiteStore_LinkRollsBackOnStateFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Make the state write fail inside the link transaction
	_, err := store.db.Exec(`
		CREATE TRIGGER fail_state BEFORE INSERT ON identity_states
		BEGIN SELECT RAISE(ABORT, 'state write refused'); END`)
	if err != nil {
		t.Fatalf("creating trigger: %v", err)
	}

	if err := store.Link(ctx, "123456", "42"); err == nil {
		t.Fatal("expected Link to fail")
	}

	if _, err := store.Resolve(ctx, "123456"); err != ErrNotFound {
		t.Errorf("binding survived failed link: err = %v", err)
	}
}

func TestSQLiteStore_MigratesLegacyDeliveriesTable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// Lay down a deliveries table from before the error column existed
	legacy, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if _, err := legacy.db.Exec(`DROP TABLE deliveries`); err != nil {
		t.Fatalf("drop failed: %v", err)
	}
	if _, err := legacy.db.Exec(`
		CREATE TABLE deliveries (
			delivery_id TEXT PRIMARY KEY,
			code        TEXT NOT NULL,
			identity    TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  TEXT NOT NULL
		)`); err != nil {
		t.Fatalf("create legacy table failed: %v", err)
	}
	legacy.Close()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	err = store.RecordDelivery(ctx, &Delivery{
		ID:        "d1",
		Code:      "123456",
		Identity:  "42",
		Status:    DeliveryStatusFailed,
		Error:     "blocked by user",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordDelivery after migration failed: %v", err)
	}

	list, err := store.ListDeliveries(ctx, "123456", 0)
	if err != nil {
		t.Fatalf("ListDeliveries failed: %v", err)
	}
	if len(list) != 1 || list[0].Error != "blocked by user" {
		t.Errorf("unexpected deliveries: %+v", list)
	}
}

func TestSQLiteStore_ContextCanceled(t *testing.T) {
	store := setupTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Bind(ctx, "123456", "42"); err == nil {
		t.Error("expected error binding with canceled context")
	}
}
