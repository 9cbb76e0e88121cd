// ABOUTME: Notification dispatcher resolving a link code to its identity and delivering the message
// ABOUTME: Read-only against the registry; every delivery attempt is appended to the delivery log

package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/2389/link-relay/internal/store"
)

var (
	// ErrMissingCode is returned when the request carries no code.
	ErrMissingCode = errors.New("code is required")

	// ErrMissingMessage is returned when the request carries no message text.
	ErrMissingMessage = errors.New("message is required")

	// ErrNotFound is returned when no identity holds the code.
	ErrNotFound = errors.New("code not found")

	// ErrDeliveryFailed wraps the transport error when the message could not be delivered.
	ErrDeliveryFailed = errors.New("delivery failed")
)

var tracer = otel.Tracer("github.com/2389/link-relay/internal/notify")

// Registry resolves codes to identities.
type Registry interface {
	Resolve(ctx context.Context, code string) (store.Identity, error)
}

// Log records delivery attempts.
type Log interface {
	RecordDelivery(ctx context.Context, d *store.Delivery) error
}

// Sender delivers notification text to an identity.
type Sender interface {
	Notify(ctx context.Context, identity store.Identity, text string) error
}

// Dispatcher delivers notifications addressed by link code.
type Dispatcher struct {
	registry Registry
	log      Log
	sender   Sender
	logger   *slog.Logger
}

// New creates a Dispatcher. log may be nil to skip the delivery log.
func New(registry Registry, log Log, sender Sender, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		log:      log,
		sender:   sender,
		logger:   logger.With("component", "notify"),
	}
}

// Dispatch resolves code and sends message to the bound identity.
// It never changes any binding or conversation state.
func (d *Dispatcher) Dispatch(ctx context.Context, code, message string) (*store.Delivery, error) {
	ctx, span := tracer.Start(ctx, "notify.Dispatch")
	defer span.End()

	if code == "" {
		return nil, ErrMissingCode
	}
	if message == "" {
		return nil, ErrMissingMessage
	}

	identity, err := d.registry.Resolve(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Debug("notification for unknown code")
		span.SetAttributes(attribute.Bool("notify.found", false))
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		return nil, fmt.Errorf("resolving code: %w", err)
	}
	span.SetAttributes(
		attribute.Bool("notify.found", true),
		attribute.String("notify.identity", string(identity)),
	)

	delivery := &store.Delivery{
		ID:        uuid.New().String(),
		Code:      code,
		Identity:  identity,
		Status:    store.DeliveryStatusDelivered,
		CreatedAt: time.Now().UTC(),
	}

	sendErr := d.sender.Notify(ctx, identity, message)
	if sendErr != nil {
		delivery.Status = store.DeliveryStatusFailed
		delivery.Error = sendErr.Error()
	}

	d.record(ctx, delivery)

	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "delivery failed")
		d.logger.Error("notification delivery failed",
			"delivery_id", delivery.ID,
			"identity", identity,
			"error", sendErr)
		return nil, fmt.Errorf("%w: %w", ErrDeliveryFailed, sendErr)
	}

	d.logger.Info("notification delivered",
		"delivery_id", delivery.ID,
		"identity", identity)
	return delivery, nil
}

// record appends to the delivery log. A log failure never changes the dispatch outcome.
func (d *Dispatcher) record(ctx context.Context, delivery *store.Delivery) {
	if d.log == nil {
		return
	}
	if err := d.log.RecordDelivery(ctx, delivery); err != nil {
		d.logger.Warn("failed to record delivery",
			"delivery_id", delivery.ID,
			"error", err)
	}
}
