// ABOUTME: Store interfaces and data types for link-relay persistence
// ABOUTME: Defines identity state, code bindings, and the delivery log contracts

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrCodeTaken is returned by Bind when the code already belongs to another identity.
// The first identity to claim a code keeps it until it links a different one.
var ErrCodeTaken = errors.New("code already bound to another identity")

// Identity is an opaque conversational identity supplied by a frontend
// (for example "telegram:42").
type Identity string

// ConversationState is the linking state of a single identity.
type ConversationState string

const (
	StateUninitiated    ConversationState = "uninitiated"
	StateWaitingForCode ConversationState = "waiting_for_code"
	StateCodeValidated  ConversationState = "code_validated"
)

// Valid reports whether s is one of the known states.
func (s ConversationState) Valid() bool {
	switch s {
	case StateUninitiated, StateWaitingForCode, StateCodeValidated:
		return true
	}
	return false
}

// Binding is the live association between a link code and an identity.
type Binding struct {
	Code      string
	Identity  Identity
	CreatedAt time.Time
}

// DeliveryStatus records the outcome of a notification dispatch.
type DeliveryStatus string

const (
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Delivery is one notification dispatch attempt.
type Delivery struct {
	ID        string
	Code      string
	Identity  Identity
	Status    DeliveryStatus
	Error     string // set when Status is failed
	CreatedAt time.Time
}

// IdentityStore persists the conversation state of each identity.
type IdentityStore interface {
	// GetState returns StateUninitiated for identities never recorded.
	GetState(ctx context.Context, identity Identity) (ConversationState, error)

	// SetState overwrites the identity's state unconditionally.
	SetState(ctx context.Context, identity Identity, state ConversationState) error
}

// CodeRegistry persists the one-to-one mapping between codes and identities.
type CodeRegistry interface {
	// Bind records code -> identity, releasing any other code the identity held.
	// Binding a code the identity already holds is a no-op.
	// Returns ErrCodeTaken if the code belongs to a different identity.
	Bind(ctx context.Context, code string, identity Identity) error

	// Resolve returns the identity bound to code, or ErrNotFound.
	Resolve(ctx context.Context, code string) (Identity, error)

	// CodeFor returns the code currently held by identity, or ErrNotFound.
	CodeFor(ctx context.Context, identity Identity) (string, error)

	// ListBindings returns every active binding ordered by code.
	ListBindings(ctx context.Context) ([]*Binding, error)
}

// Linker completes linking for an identity.
type Linker interface {
	// Link applies Bind and sets the identity to StateCodeValidated atomically.
	// On ErrCodeTaken or any other error neither change is made.
	Link(ctx context.Context, code string, identity Identity) error
}

// DeliveryLog is an append-only record of notification dispatches.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, d *Delivery) error

	// ListDeliveries returns the most recent deliveries for code, newest first.
	// An empty code lists deliveries for every code.
	ListDeliveries(ctx context.Context, code string, limit int) ([]*Delivery, error)
}

// Store combines every persistence contract the relay needs.
type Store interface {
	IdentityStore
	CodeRegistry
	Linker
	DeliveryLog

	// Ping reports whether the backing storage is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}

// Open returns the store for path. ":memory:" selects the in-process MemoryStore;
// anything else is a SQLite database file.
func Open(path string) (Store, error) {
	if path == ":memory:" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(path)
}

// normalizeLimit clamps list limits the same way for every backend.
func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
