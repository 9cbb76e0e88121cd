// Package store provides persistent storage for the relay using SQLite.
//
// # Architecture
//
// The store package splits persistence into narrow interfaces:
//
//   - IdentityStore: conversation state per identity
//   - CodeRegistry: one-to-one bindings between link codes and identities
//   - DeliveryLog: append-only record of notification dispatches
//
// Store combines all three. SQLiteStore and MemoryStore both implement it;
// Open picks one from a database path.
//
// # Binding Rules
//
// A code maps to at most one identity and an identity holds at most one code.
// Bind releases the identity's previous code in the same atomic step, so
// re-linking silently supersedes the old code. A code already held by another
// identity is rejected with ErrCodeTaken (first writer wins). Resolve never
// mutates anything.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Both columns of code_bindings carry UNIQUE constraints, so the invariants
// hold even if another process writes the same file.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: code or identity has no binding
//   - ErrCodeTaken: code belongs to another identity
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMemoryStore() for unit tests, or NewSQLiteStore with a path under
// t.TempDir() for integration tests with real SQLite.
package store
