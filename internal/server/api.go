// ABOUTME: HTTP handlers for notification delivery and health checks
// ABOUTME: Maps dispatcher outcomes to status codes and JSON bodies

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/link-relay/internal/auth"
	"github.com/2389/link-relay/internal/linking"
	"github.com/2389/link-relay/internal/notify"
)

// maxNotificationBytes bounds a notification request body.
const maxNotificationBytes = 64 << 10

var tracer = otel.Tracer("github.com/2389/link-relay/internal/server")

// SendNotificationRequest is the body accepted on the notification endpoint.
type SendNotificationRequest struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SendNotificationResponse is returned when the notification was delivered.
type SendNotificationResponse struct {
	Status     string `json:"status"`
	DeliveryID string `json:"delivery_id"`
}

// handleSendNotification delivers a message to the chat linked with the code.
func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "http.send_notification", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req SendNotificationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNotificationBytes))
	if err := dec.Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	code := req.Code
	if normalized, ok := linking.NormalizeCode(code); ok {
		code = normalized
	}

	logger := s.logger.With("trace_id", span.SpanContext().TraceID().String())
	if caller := auth.CallerFrom(ctx); caller != nil {
		logger = logger.With("subject", caller.Subject)
		span.SetAttributes(attribute.String("auth.subject", caller.Subject))
	}

	delivery, err := s.dispatcher.Dispatch(ctx, code, req.Message)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int("http.status_code", http.StatusOK))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(SendNotificationResponse{
			Status:     string(delivery.Status),
			DeliveryID: delivery.ID,
		})
	case errors.Is(err, notify.ErrMissingCode), errors.Is(err, notify.ErrMissingMessage):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, notify.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, notify.ErrDeliveryFailed):
		logger.Warn("notification not delivered", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, notify.ErrDeliveryFailed.Error())
	default:
		logger.Error("notification dispatch failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSONError writes {"error": message} with status.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the store is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
