// ABOUTME: Inbound chat message handling shared by every frontend
// ABOUTME: Feeds the linking controller and logs the resulting transition

package server

import (
	"context"
	"fmt"

	"github.com/2389/link-relay/internal/store"
)

// handleInbound applies one chat message to the identity's linking state.
// A returned error tells the frontend the message was not processed, so it
// stays eligible for redelivery.
func (s *Server) handleInbound(ctx context.Context, identity store.Identity, text string) error {
	result, err := s.controller.HandleMessage(ctx, identity, text)
	if err != nil {
		return fmt.Errorf("handling message from %s: %w", identity, err)
	}

	s.logger.Debug("processed inbound message",
		"identity", identity,
		"previous", result.Previous,
		"next", result.Next,
		"reply", result.Reply,
	)
	return nil
}
