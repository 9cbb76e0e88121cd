// ABOUTME: Request context helpers for the authenticated caller
// ABOUTME: Set by RequireBearer, read by handlers for logging

package auth

import "context"

// Caller identifies the application that made an authenticated request.
type Caller struct {
	Subject string
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying c.
func WithCaller(ctx context.Context, c *Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx, or nil.
func CallerFrom(ctx context.Context) *Caller {
	c, _ := ctx.Value(callerKey{}).(*Caller)
	return c
}
