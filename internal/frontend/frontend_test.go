// ABOUTME: Tests for identity helpers and the frontend router
// ABOUTME: Uses a recording frontend to check routing by prefix

package frontend

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/link-relay/internal/store"
)

type call struct {
	kind     string
	nativeID string
	text     string
}

type stubFrontend struct {
	name  string
	calls []call
	err   error
}

func (s *stubFrontend) Name() string { return s.name }

func (s *stubFrontend) Send(ctx context.Context, nativeID, text string) error {
	s.calls = append(s.calls, call{"send", nativeID, text})
	return s.err
}

func (s *stubFrontend) Notify(ctx context.Context, nativeID, text string) error {
	s.calls = append(s.calls, call{"notify", nativeID, text})
	return s.err
}

func TestSplitIdentity(t *testing.T) {
	tests := []struct {
		identity store.Identity
		frontend string
		native   string
		wantErr  bool
	}{
		{"telegram:42", "telegram", "42", false},
		{"telegram:-100123", "telegram", "-100123", false},
		{"matrix:!abc:example.org", "matrix", "!abc:example.org", false},
		{"42", "", "", true},
		{":42", "", "", true},
		{"telegram:", "", "", true},
	}

	for _, tt := range tests {
		frontend, native, err := SplitIdentity(tt.identity)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrMalformedIdentity, "identity %q", tt.identity)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.frontend, frontend)
		assert.Equal(t, tt.native, native)
		assert.Equal(t, tt.identity, MakeIdentity(frontend, native))
	}
}

func TestRouter_RoutesByPrefix(t *testing.T) {
	tg := &stubFrontend{name: "telegram"}
	mx := &stubFrontend{name: "matrix"}

	r := NewRouter()
	r.Register(tg)
	r.Register(mx)
	ctx := context.Background()

	require.NoError(t, r.Send(ctx, "telegram:42", "hi"))
	require.NoError(t, r.Notify(ctx, "matrix:!room:example.org", "ping"))

	assert.Equal(t, []call{{"send", "42", "hi"}}, tg.calls)
	assert.Equal(t, []call{{"notify", "!room:example.org", "ping"}}, mx.calls)
	assert.Equal(t, []string{"matrix", "telegram"}, r.Names())
}

func TestRouter_Errors(t *testing.T) {
	r := NewRouter()
	boom := errors.New("boom")
	r.Register(&stubFrontend{name: "telegram", err: boom})
	ctx := context.Background()

	assert.ErrorIs(t, r.Send(ctx, "slack:C1", "hi"), ErrUnknownFrontend)
	assert.ErrorIs(t, r.Notify(ctx, "no-prefix", "hi"), ErrMalformedIdentity)
	assert.ErrorIs(t, r.Notify(ctx, "telegram:42", "hi"), boom)
}

func TestMessageHandlerFunc(t *testing.T) {
	var got store.Identity
	h := MessageHandlerFunc(func(ctx context.Context, identity store.Identity, text string) error {
		got = identity
		return nil
	})

	require.NoError(t, h.HandleInbound(context.Background(), "telegram:1", "x"))
	assert.Equal(t, store.Identity("telegram:1"), got)
}
