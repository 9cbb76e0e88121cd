// ABOUTME: Tests for the linking controller state machine
// ABOUTME: Covers the happy path, re-linking, malformed codes, collisions, and reply failures

package linking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/link-relay/internal/store"
)

type sentMessage struct {
	identity store.Identity
	text     string
}

// recordingSender captures replies and can be told to fail.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Send(ctx context.Context, identity store.Identity, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{identity: identity, text: text})
	return nil
}

func (s *recordingSender) last(t *testing.T) sentMessage {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.sent, "no message sent")
	return s.sent[len(s.sent)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

// brokenStore fails every call.
type brokenStore struct{}

func (brokenStore) GetState(context.Context, store.Identity) (store.ConversationState, error) {
	return "", errors.New("disk on fire")
}

func (brokenStore) SetState(context.Context, store.Identity, store.ConversationState) error {
	return errors.New("disk on fire")
}

func (brokenStore) Link(context.Context, string, store.Identity) error {
	return errors.New("disk on fire")
}

// linkFailStore fails only Link, after the identity is already waiting.
type linkFailStore struct {
	*store.MemoryStore
}

func (linkFailStore) Link(context.Context, string, store.Identity) error {
	return errors.New("disk on fire")
}

// blockingSender holds the first reply until release is closed.
type blockingSender struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSender) Send(ctx context.Context, identity store.Identity, text string) error {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return nil
}

func newTestController(t *testing.T) (*Controller, *store.MemoryStore, *recordingSender) {
	t.Helper()
	st := store.NewMemoryStore()
	sender := &recordingSender{}
	return New(st, sender, Config{}, nil), st, sender
}

func TestController_ScenarioLinkWithRetry(t *testing.T) {
	c, st, sender := newTestController(t)
	ctx := context.Background()
	msgs := DefaultMessages()

	res, err := c.HandleMessage(ctx, "42", "/start")
	require.NoError(t, err)
	assert.Equal(t, store.StateUninitiated, res.Previous)
	assert.Equal(t, store.StateWaitingForCode, res.Next)
	assert.Equal(t, msgs.Prompt, sender.last(t).text)

	res, err = c.HandleMessage(ctx, "42", "12ab56")
	require.NoError(t, err)
	assert.Equal(t, ReplyFormatError, res.Reply)
	assert.Equal(t, store.StateWaitingForCode, res.Next)
	assert.Equal(t, msgs.FormatError, sender.last(t).text)

	res, err = c.HandleMessage(ctx, "42", "123456")
	require.NoError(t, err)
	assert.Equal(t, ReplyConfirmed, res.Reply)
	assert.Equal(t, store.StateCodeValidated, res.Next)
	assert.Equal(t, "123456", res.Code)
	assert.Equal(t, msgs.Confirmed, sender.last(t).text)
	assert.Equal(t, store.Identity("42"), sender.last(t).identity)

	id, err := st.Resolve(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, store.Identity("42"), id)

	state, err := st.GetState(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, store.StateCodeValidated, state)
}

func TestController_ScenarioRelink(t *testing.T) {
	c, st, _ := newTestController(t)
	ctx := context.Background()

	for _, text := range []string{"/start", "123456", "/start", "654321"} {
		_, err := c.HandleMessage(ctx, "42", text)
		require.NoError(t, err)
	}

	_, err := st.Resolve(ctx, "123456")
	assert.ErrorIs(t, err, store.ErrNotFound)

	id, err := st.Resolve(ctx, "654321")
	require.NoError(t, err)
	assert.Equal(t, store.Identity("42"), id)
}

func TestController_ValidatedIgnoresCodes(t *testing.T) {
	c, st, sender := newTestController(t)
	ctx := context.Background()

	for _, text := range []string{"/start", "123456"} {
		_, err := c.HandleMessage(ctx, "42", text)
		require.NoError(t, err)
	}
	before, err := st.ListBindings(ctx)
	require.NoError(t, err)

	// Re-sending the same code after validation changes nothing
	res, err := c.HandleMessage(ctx, "42", "123456")
	require.NoError(t, err)
	assert.Equal(t, ReplyBeginFirst, res.Reply)
	assert.Equal(t, store.StateCodeValidated, res.Next)

	// A different code without /start is not a re-link
	res, err = c.HandleMessage(ctx, "42", "999999")
	require.NoError(t, err)
	assert.Equal(t, ReplyBeginFirst, res.Reply)
	assert.Equal(t, DefaultMessages().BeginFirst, sender.last(t).text)

	after, err := st.ListBindings(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestController_UninitiatedNeedsStart(t *testing.T) {
	c, st, sender := newTestController(t)
	ctx := context.Background()

	res, err := c.HandleMessage(ctx, "42", "123456")
	require.NoError(t, err)
	assert.Equal(t, ReplyBeginFirst, res.Reply)
	assert.Equal(t, store.StateUninitiated, res.Next)
	assert.Equal(t, 1, sender.count())

	_, err = st.Resolve(ctx, "123456")
	assert.ErrorIs(t, err, store.ErrNotFound, "code must not bind without /start")
}

func TestController_CodeInUse(t *testing.T) {
	c, st, sender := newTestController(t)
	ctx := context.Background()

	for _, text := range []string{"/start", "123456"} {
		_, err := c.HandleMessage(ctx, "42", text)
		require.NoError(t, err)
	}

	_, err := c.HandleMessage(ctx, "43", "/start")
	require.NoError(t, err)

	res, err := c.HandleMessage(ctx, "43", "123456")
	require.NoError(t, err)
	assert.Equal(t, ReplyCodeInUse, res.Reply)
	assert.Equal(t, store.StateWaitingForCode, res.Next)
	assert.Equal(t, DefaultMessages().CodeInUse, sender.last(t).text)

	id, err := st.Resolve(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, store.Identity("42"), id, "first writer keeps the code")

	// The loser can still link a fresh code
	res, err = c.HandleMessage(ctx, "43", "222222")
	require.NoError(t, err)
	assert.Equal(t, ReplyConfirmed, res.Reply)
}

func TestController_BeginLinkingFromAnyState(t *testing.T) {
	c, _, sender := newTestController(t)
	ctx := context.Background()

	res, err := c.BeginLinking(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, store.StateUninitiated, res.Previous)
	assert.Equal(t, store.StateWaitingForCode, res.Next)

	_, err = c.HandleMessage(ctx, "42", "123456")
	require.NoError(t, err)

	res, err = c.BeginLinking(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, store.StateCodeValidated, res.Previous)
	assert.Equal(t, store.StateWaitingForCode, res.Next)
	assert.Equal(t, DefaultMessages().Prompt, sender.last(t).text)

	// Still waiting: begin again stays in waiting_for_code
	res, err = c.BeginLinking(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, store.StateWaitingForCode, res.Previous)
	assert.Equal(t, store.StateWaitingForCode, res.Next)
}

func TestController_StartCommandVariants(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	tests := []struct {
		text  string
		start bool
	}{
		{"/start", true},
		{"  /start  ", true},
		{"/start@LinkRelayBot", true},
		{"/start deep-link-payload", true},
		{"/started", false},
		{"start", false},
		{"", false},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.text), func(t *testing.T) {
			identity := store.Identity(fmt.Sprintf("id-%d", i))
			res, err := c.HandleMessage(ctx, identity, tt.text)
			require.NoError(t, err)
			if tt.start {
				assert.Equal(t, ReplyPrompt, res.Reply)
			} else {
				assert.Equal(t, ReplyBeginFirst, res.Reply)
			}
		})
	}
}

func TestController_CustomConfig(t *testing.T) {
	st := store.NewMemoryStore()
	sender := &recordingSender{}
	c := New(st, sender, Config{
		StartCommand: "/link",
		Messages:     Messages{Prompt: "Code?"},
	}, nil)
	ctx := context.Background()

	assert.Equal(t, "/link", c.StartCommand())

	res, err := c.HandleMessage(ctx, "42", "/start")
	require.NoError(t, err)
	assert.Equal(t, ReplyBeginFirst, res.Reply)
	assert.Equal(t, DefaultMessages().BeginFirst, sender.last(t).text, "unset messages fall back to defaults")

	res, err = c.HandleMessage(ctx, "42", "/link")
	require.NoError(t, err)
	assert.Equal(t, ReplyPrompt, res.Reply)
	assert.Equal(t, "Code?", sender.last(t).text)
}

func TestController_ReplyFailureKeepsTransition(t *testing.T) {
	st := store.NewMemoryStore()
	sender := &recordingSender{err: errors.New("telegram down")}
	c := New(st, sender, Config{}, nil)
	ctx := context.Background()

	res, err := c.HandleMessage(ctx, "42", "/start")
	require.NoError(t, err)
	assert.Error(t, res.ReplyErr)

	res, err = c.HandleMessage(ctx, "42", "123456")
	require.NoError(t, err)
	assert.Equal(t, store.StateCodeValidated, res.Next)
	assert.Error(t, res.ReplyErr)

	id, err := st.Resolve(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, store.Identity("42"), id)
}

func TestController_StoreFailurePropagates(t *testing.T) {
	sender := &recordingSender{}
	c := New(brokenStore{}, sender, Config{}, nil)
	ctx := context.Background()

	_, err := c.HandleMessage(ctx, "42", "hello")
	assert.Error(t, err)

	_, err = c.BeginLinking(ctx, "42")
	assert.Error(t, err)

	assert.Equal(t, 0, sender.count(), "no reply when the store fails")
}

func TestController_ReplySentWithoutIdentityLock(t *testing.T) {
	st := store.NewMemoryStore()
	sender := &blockingSender{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(st, sender, Config{}, nil)
	ctx := context.Background()

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, err := c.HandleMessage(ctx, "42", "/start")
		assert.NoError(t, err)
	}()
	<-sender.entered

	// The prompt is still being delivered; the next message must not wait for it.
	second := make(chan *Result, 1)
	go func() {
		res, err := c.HandleMessage(ctx, "42", "123456")
		assert.NoError(t, err)
		second <- res
	}()

	select {
	case res := <-second:
		require.NotNil(t, res)
		assert.Equal(t, ReplyConfirmed, res.Reply)
	case <-time.After(2 * time.Second):
		t.Fatal("second message blocked behind an in-flight reply")
	}

	close(sender.release)
	<-first
}

func TestController_LinkFailureLeavesIdentityWaiting(t *testing.T) {
	mem := store.NewMemoryStore()
	sender := &recordingSender{}
	c := New(linkFailStore{mem}, sender, Config{}, nil)
	ctx := context.Background()

	_, err := c.HandleMessage(ctx, "42", "/start")
	require.NoError(t, err)

	_, err = c.HandleMessage(ctx, "42", "123456")
	assert.Error(t, err)

	state, err := mem.GetState(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, store.StateWaitingForCode, state)

	_, err = mem.Resolve(ctx, "123456")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, sender.count(), "only the prompt was replied")
}

func TestController_ConcurrentSameIdentity(t *testing.T) {
	c, st, _ := newTestController(t)
	ctx := context.Background()

	_, err := c.HandleMessage(ctx, "42", "/start")
	require.NoError(t, err)

	// Many codes race for one waiting identity: exactly one binds
	var wg sync.WaitGroup
	results := make([]*Result, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.HandleMessage(ctx, "42", fmt.Sprintf("%06d", 100000+i))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	confirmed := 0
	for _, res := range results {
		if res != nil && res.Reply == ReplyConfirmed {
			confirmed++
		}
	}
	assert.Equal(t, 1, confirmed)

	bindings, err := st.ListBindings(ctx)
	require.NoError(t, err)
	assert.Len(t, bindings, 1)
	assert.Equal(t, 0, c.locks.size(), "locks released after use")
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"123456", "123456", true},
		{" 123456\n", "123456", true},
		{"１２３４５６", "123456", true},
		{"000000", "000000", true},
		{"12345", "", false},
		{"1234567", "", false},
		{"12ab56", "", false},
		{"12 456", "", false},
		{"-12345", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := NormalizeCode(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizeCode(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
