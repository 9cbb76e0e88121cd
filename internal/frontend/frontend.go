// ABOUTME: Frontend abstraction and router that maps namespaced identities to chat transports
// ABOUTME: Identities look like "telegram:42"; the prefix picks the frontend, the rest is its native ID

package frontend

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/2389/link-relay/internal/store"
)

var (
	// ErrUnknownFrontend is returned when no frontend is registered for an identity's prefix.
	ErrUnknownFrontend = errors.New("unknown frontend")

	// ErrMalformedIdentity is returned when an identity lacks a "<frontend>:<id>" shape.
	ErrMalformedIdentity = errors.New("malformed identity")
)

// Frontend is a chat transport addressed by its own native chat IDs.
type Frontend interface {
	// Name is the identity prefix, e.g. "telegram".
	Name() string

	// Send delivers a conversational reply.
	Send(ctx context.Context, nativeID, text string) error

	// Notify delivers a notification pushed by the external application.
	Notify(ctx context.Context, nativeID, text string) error
}

// MessageHandler receives inbound chat text. linking.Controller satisfies it
// through an adapter in the server package.
type MessageHandler interface {
	HandleInbound(ctx context.Context, identity store.Identity, text string) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, identity store.Identity, text string) error

// HandleInbound calls f.
func (f MessageHandlerFunc) HandleInbound(ctx context.Context, identity store.Identity, text string) error {
	return f(ctx, identity, text)
}

// MakeIdentity joins a frontend name and native ID.
func MakeIdentity(frontend, nativeID string) store.Identity {
	return store.Identity(frontend + ":" + nativeID)
}

// SplitIdentity is the inverse of MakeIdentity. Native IDs may contain colons
// (Matrix room IDs do); only the first one separates the prefix.
func SplitIdentity(identity store.Identity) (frontend, nativeID string, err error) {
	name, native, ok := strings.Cut(string(identity), ":")
	if !ok || name == "" || native == "" {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedIdentity, identity)
	}
	return name, native, nil
}

// Router delivers to whichever frontend owns an identity's prefix.
type Router struct {
	mu        sync.RWMutex
	frontends map[string]Frontend
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{frontends: make(map[string]Frontend)}
}

// Register adds f under f.Name(), replacing any frontend with the same name.
func (r *Router) Register(f Frontend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frontends[f.Name()] = f
}

// Names returns the registered frontend names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.frontends))
	for name := range r.frontends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send routes a conversational reply.
func (r *Router) Send(ctx context.Context, identity store.Identity, text string) error {
	f, native, err := r.lookup(identity)
	if err != nil {
		return err
	}
	return f.Send(ctx, native, text)
}

// Notify routes a notification.
func (r *Router) Notify(ctx context.Context, identity store.Identity, text string) error {
	f, native, err := r.lookup(identity)
	if err != nil {
		return err
	}
	return f.Notify(ctx, native, text)
}

func (r *Router) lookup(identity store.Identity) (Frontend, string, error) {
	name, native, err := SplitIdentity(identity)
	if err != nil {
		return nil, "", err
	}

	r.mu.RLock()
	f, ok := r.frontends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownFrontend, name)
	}
	return f, native, nil
}
