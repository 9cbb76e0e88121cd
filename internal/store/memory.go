// ABOUTME: In-memory Store implementation for tests and ephemeral runs
// ABOUTME: Selected with database.path ":memory:"; state is lost on restart

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation. A single RWMutex makes
// Bind atomic with respect to Resolve and every other operation.
type MemoryStore struct {
	mu         sync.RWMutex
	states     map[Identity]ConversationState
	byCode     map[string]*Binding // keyed by code
	byIdentity map[Identity]string // identity -> code
	deliveries []*Delivery         // append order; listed by CreatedAt
	closed     bool
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:     make(map[Identity]ConversationState),
		byCode:     make(map[string]*Binding),
		byIdentity: make(map[Identity]string),
	}
}

// GetState retrieves the state for identity.
func (m *MemoryStore) GetState(ctx context.Context, identity Identity) (ConversationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return "", err
	}

	state, ok := m.states[identity]
	if !ok {
		return StateUninitiated, nil
	}
	return state, nil
}

// SetState stores the state for identity.
func (m *MemoryStore) SetState(ctx context.Context, identity Identity, state ConversationState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid conversation state %q", state)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}

	m.states[identity] = state
	return nil
}

// Bind assigns code to identity, releasing the identity's previous code.
func (m *MemoryStore) Bind(ctx context.Context, code string, identity Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.bindLocked(code, identity)
}

// Link binds code and marks identity validated under one lock.
func (m *MemoryStore) Link(ctx context.Context, code string, identity Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.bindLocked(code, identity); err != nil {
		return err
	}
	m.states[identity] = StateCodeValidated
	return nil
}

// bindLocked must be called with mu held.
func (m *MemoryStore) bindLocked(code string, identity Identity) error {
	if existing, ok := m.byCode[code]; ok {
		if existing.Identity == identity {
			return nil
		}
		return ErrCodeTaken
	}

	if previous, ok := m.byIdentity[identity]; ok {
		delete(m.byCode, previous)
	}

	m.byCode[code] = &Binding{
		Code:      code,
		Identity:  identity,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	m.byIdentity[identity] = code
	return nil
}

// Resolve returns the identity bound to code.
func (m *MemoryStore) Resolve(ctx context.Context, code string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return "", err
	}

	b, ok := m.byCode[code]
	if !ok {
		return "", ErrNotFound
	}
	return b.Identity, nil
}

// CodeFor returns the code held by identity.
func (m *MemoryStore) CodeFor(ctx context.Context, identity Identity) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return "", err
	}

	code, ok := m.byIdentity[identity]
	if !ok {
		return "", ErrNotFound
	}
	return code, nil
}

// ListBindings returns copies of all bindings ordered by code.
func (m *MemoryStore) ListBindings(ctx context.Context) ([]*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	result := make([]*Binding, 0, len(m.byCode))
	for _, b := range m.byCode {
		cp := *b
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Code < result[j].Code
	})
	return result, nil
}

// RecordDelivery appends a copy of d to the log.
func (m *MemoryStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}

	cp := *d
	m.deliveries = append(m.deliveries, &cp)
	return nil
}

// ListDeliveries returns copies of the newest deliveries for code.
func (m *MemoryStore) ListDeliveries(ctx context.Context, code string, limit int) ([]*Delivery, error) {
	limit = normalizeLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	// Newest append first, then a stable sort by time, matching the SQLite
	// ordering of created_at with rowid as the tiebreak.
	var result []*Delivery
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		d := m.deliveries[i]
		if code != "" && d.Code != code {
			continue
		}
		cp := *d
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Ping reports an error once the store is closed.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkOpen()
}

// Close marks the store closed; later calls fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// checkOpen must be called with mu held.
func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
