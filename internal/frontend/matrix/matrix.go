// ABOUTME: Matrix frontend: long-poll sync listener and room message sender
// ABOUTME: Identities are "matrix:<room id>"; notifications carry goldmark-rendered HTML

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/link-relay/internal/dedupe"
	"github.com/2389/link-relay/internal/frontend"
)

// Name is the identity prefix for Matrix rooms.
const Name = "matrix"

// sendTimeout bounds a single Matrix send.
const sendTimeout = 30 * time.Second

// Config configures the Matrix frontend.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// AllowedRooms limits which rooms are listened to; empty allows all.
	AllowedRooms []string

	// RenderMarkdown sends notifications with an HTML formatted body.
	RenderMarkdown bool
}

// matrixClient is the subset of *mautrix.Client used for sending.
type matrixClient interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
}

// Frontend listens to Matrix rooms and sends replies and notifications to them.
type Frontend struct {
	cfg     Config
	client  matrixClient
	full    *mautrix.Client // nil in tests; required by Run
	handler frontend.MessageHandler
	seen    *dedupe.Cache
	logger  *slog.Logger
	allowed map[string]bool

	// events older than this are backlog replayed by the first sync
	notBefore time.Time
}

// New creates a Matrix frontend. seen may be nil to disable duplicate suppression.
func New(cfg Config, handler frontend.MessageHandler, seen *dedupe.Cache, logger *slog.Logger) (*Frontend, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, errors.New("matrix homeserver, user_id and access_token are required")
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	f := newWithClient(cfg, client, handler, seen, logger)
	f.full = client
	return f, nil
}

func newWithClient(cfg Config, client matrixClient, handler frontend.MessageHandler, seen *dedupe.Cache, logger *slog.Logger) *Frontend {
	if logger == nil {
		logger = slog.Default()
	}

	allowed := make(map[string]bool, len(cfg.AllowedRooms))
	for _, room := range cfg.AllowedRooms {
		allowed[room] = true
	}

	return &Frontend{
		cfg:     cfg,
		client:  client,
		handler: handler,
		seen:    seen,
		logger:  logger.With("component", "matrix"),
		allowed: allowed,
	}
}

// Name implements frontend.Frontend.
func (f *Frontend) Name() string { return Name }

// Run syncs with the homeserver until ctx is cancelled.
func (f *Frontend) Run(ctx context.Context) error {
	if f.full == nil {
		return errors.New("matrix client not initialized")
	}

	f.logger.Info("starting matrix sync",
		"homeserver", f.cfg.Homeserver,
		"user_id", f.cfg.UserID,
	)

	syncer, ok := f.full.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", f.full.Syncer)
	}
	f.notBefore = time.Now()
	syncer.OnEventType(event.EventMessage, f.handleMessageEvent)

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- f.full.SyncWithContext(ctx)
	}()

	select {
	case <-ctx.Done():
		f.logger.Info("stopping matrix sync")
		return nil
	case err := <-syncErr:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent runs on the sync goroutine, so each room is handled in order.
func (f *Frontend) handleMessageEvent(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(f.cfg.UserID) {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	if !f.notBefore.IsZero() && time.UnixMilli(evt.Timestamp).Before(f.notBefore) {
		return
	}

	roomID := evt.RoomID.String()
	if len(f.allowed) > 0 && !f.allowed[roomID] {
		f.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	text := strings.TrimSpace(content.Body)
	if text == "" {
		return
	}

	key := dedupe.Key(Name, evt.ID.String())
	if f.seen != nil && f.seen.CheckAndMark(key) {
		f.logger.Debug("dropping duplicate event", "event_id", evt.ID)
		return
	}

	identity := frontend.MakeIdentity(Name, roomID)
	if err := f.handler.HandleInbound(ctx, identity, text); err != nil {
		f.logger.Error("failed to handle message", "room", roomID, "event_id", evt.ID, "error", err)
		if f.seen != nil {
			f.seen.Forget(key)
		}
		return
	}
}

// Send delivers a plain-text reply to a room.
func (f *Frontend) Send(ctx context.Context, nativeID, text string) error {
	return f.send(ctx, nativeID, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	})
}

// Notify delivers a notification to a room, rendering Markdown when enabled.
// m.text rather than m.notice: default push rules silence notices.
func (f *Frontend) Notify(ctx context.Context, nativeID, text string) error {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}

	if f.cfg.RenderMarkdown {
		html, err := RenderHTML(text)
		if err != nil {
			f.logger.Warn("markdown rendering failed, sending plain text", "error", err)
		} else {
			content.Format = event.FormatHTML
			content.FormattedBody = html
		}
	}

	return f.send(ctx, nativeID, content)
}

func (f *Frontend) send(ctx context.Context, nativeID string, content *event.MessageEventContent) error {
	if !strings.HasPrefix(nativeID, "!") {
		return fmt.Errorf("invalid matrix room id %q", nativeID)
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if _, err := f.client.SendMessageEvent(ctx, id.RoomID(nativeID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	return nil
}

var _ frontend.Frontend = (*Frontend)(nil)
