// ABOUTME: Tests for the dedupe cache used by the chat frontends
// ABOUTME: Validates TTL expiry, capacity eviction, release on failure, and atomic check-and-mark

package dedupe

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl time.Duration, capacity int) (*Cache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(ttl, capacity)
	c.now = clock.now
	return c, clock
}

func TestKey(t *testing.T) {
	assert.Equal(t, "telegram:1001", Key("telegram", "1001"))
	assert.NotEqual(t, Key("telegram", "1"), Key("matrix", "1"))
}

// seen reports membership without marking.
func seen(c *Cache, key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenLocked(key)
}

func TestCache_CheckAndMark(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.CheckAndMark("telegram:1"), "first delivery is new")
	assert.True(t, c.CheckAndMark("telegram:1"), "second delivery is a duplicate")
	assert.False(t, c.CheckAndMark("telegram:2"))
}

func TestCache_Expires(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.CheckAndMark("k")
	clock.advance(59 * time.Second)
	assert.True(t, seen(c, "k"))

	clock.advance(time.Second)
	assert.False(t, seen(c, "k"))
	assert.False(t, c.CheckAndMark("k"), "expired key is new again")
	assert.Equal(t, 1, c.Len())
}

func TestCache_CapacityEvictsOldest(t *testing.T) {
	c, clock := newTestCache(time.Hour, 3)

	for i := 1; i <= 3; i++ {
		c.CheckAndMark(fmt.Sprintf("k%d", i))
		clock.advance(time.Second)
	}
	c.CheckAndMark("k4")

	assert.Equal(t, 3, c.Len())
	assert.False(t, seen(c, "k1"))
	assert.True(t, seen(c, "k2"))
	assert.True(t, seen(c, "k3"))
	assert.True(t, seen(c, "k4"))
}

func TestCache_ForgetReleasesKey(t *testing.T) {
	c, _ := newTestCache(time.Minute, 10)

	assert.False(t, c.CheckAndMark("k"))
	c.Forget("k")
	c.Forget("never-marked")

	assert.Equal(t, 0, c.Len())
	assert.False(t, c.CheckAndMark("k"), "forgotten key is handled again")
}

func TestCache_Sweep(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.CheckAndMark("old-1")
	c.CheckAndMark("old-2")
	clock.advance(30 * time.Second)
	c.CheckAndMark("fresh")
	clock.advance(45 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, seen(c, "fresh"))
	assert.Equal(t, 0, c.Sweep())
}

func TestCache_RunStopsOnCancel(t *testing.T) {
	c := New(time.Millisecond, 10)
	c.CheckAndMark("k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCache_ZeroCapacity(t *testing.T) {
	c, _ := newTestCache(time.Minute, 0)

	c.CheckAndMark("a")
	c.CheckAndMark("b")
	assert.Equal(t, 1, c.Len())
	assert.True(t, seen(c, "b"))
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	c := New(time.Minute, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	newCount := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("telegram:1") {
				mu.Lock()
				newCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, newCount, "exactly one concurrent delivery is handled")
}

func TestCache_Concurrent(t *testing.T) {
	c := New(time.Minute, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", i, j)
				c.CheckAndMark(key)
				if j%3 == 0 {
					c.Forget(key)
				}
				if j%10 == 0 {
					c.Sweep()
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 1000)
}
