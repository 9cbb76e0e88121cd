// ABOUTME: Unit tests for MemoryStore edge cases not covered by the shared contract tests
// ABOUTME: Focuses on copy semantics and closed-store behavior

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_ListBindingsReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Bind(ctx, "123456", "42"))

	bindings, err := store.ListBindings(ctx)
	require.NoError(t, err)
	require.Len(t, bindings, 1)

	// Mutating the returned value must not leak into the store
	bindings[0].Identity = "intruder"

	id, err := store.Resolve(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, Identity("42"), id)
}

func TestMemoryStore_RecordDeliveryCopiesInput(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	d := &Delivery{ID: "d1", Code: "123456", Identity: "42", Status: DeliveryStatusDelivered, CreatedAt: time.Now()}
	require.NoError(t, store.RecordDelivery(ctx, d))
	d.Status = DeliveryStatusFailed

	list, err := store.ListDeliveries(ctx, "123456", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, DeliveryStatusDelivered, list[0].Status)
}

func TestMemoryStore_Closed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Close())

	_, err := store.GetState(ctx, "42")
	assert.Error(t, err)
	assert.Error(t, store.Bind(ctx, "123456", "42"))
	assert.Error(t, store.Ping(ctx))

	_, err = store.Resolve(ctx, "123456")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound, "closed store must not look like a missing code")
}

func TestNormalizeLimit(t *testing.T) {
	assert.Equal(t, 100, normalizeLimit(0))
	assert.Equal(t, 100, normalizeLimit(-5))
	assert.Equal(t, 7, normalizeLimit(7))
	assert.Equal(t, 1000, normalizeLimit(5000))
}
