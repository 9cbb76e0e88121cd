// ABOUTME: Telegram frontend: webhook receiver for inbound chat messages and bot API sender
// ABOUTME: Identities are "telegram:<chat id>"; duplicate updates are dropped by update_id

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/2389/link-relay/internal/dedupe"
	"github.com/2389/link-relay/internal/frontend"
)

// Name is the identity prefix for Telegram chats.
const Name = "telegram"

// maxUpdateBytes bounds a single webhook body.
const maxUpdateBytes = 1 << 20

// Config configures the Telegram frontend.
type Config struct {
	Token string

	// PublicURL is the externally reachable base URL, e.g. https://relay.example.com.
	// Empty skips webhook registration (useful behind a manually configured webhook).
	PublicURL string

	// WebhookPath defaults to "/bot<token>", which keeps the path secret.
	WebhookPath string

	// WebhookRefresh re-registers the webhook periodically; zero registers once.
	WebhookRefresh time.Duration

	// APIEndpoint overrides the Bot API URL format, e.g. for a local Bot API server.
	APIEndpoint string

	// NotifyParseMode is applied to notifications only ("", "HTML", "MarkdownV2").
	NotifyParseMode string
}

// Frontend receives Telegram updates over a webhook and sends messages via the Bot API.
type Frontend struct {
	bot     *tgbotapi.BotAPI
	cfg     Config
	handler frontend.MessageHandler
	seen    *dedupe.Cache
	logger  *slog.Logger
}

// New connects to the Bot API (validating the token with getMe) and returns the frontend.
// seen may be nil to disable duplicate suppression.
func New(cfg Config, handler frontend.MessageHandler, seen *dedupe.Cache, logger *slog.Logger) (*Frontend, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("connecting to telegram bot api: %w", err)
	}

	if cfg.WebhookPath == "" {
		cfg.WebhookPath = DefaultWebhookPath(cfg.Token)
	}

	f := &Frontend{
		bot:     bot,
		cfg:     cfg,
		handler: handler,
		seen:    seen,
		logger:  logger.With("component", "telegram"),
	}
	f.logger.Info("connected to telegram", "bot", bot.Self.UserName)
	return f, nil
}

// DefaultWebhookPath returns the webhook path used when none is configured.
func DefaultWebhookPath(token string) string {
	return "/bot" + token
}

// Name implements frontend.Frontend.
func (f *Frontend) Name() string { return Name }

// BotUsername returns the bot's @username without the @.
func (f *Frontend) BotUsername() string { return f.bot.Self.UserName }

// WebhookPath is where ServeHTTP must be mounted.
func (f *Frontend) WebhookPath() string { return f.cfg.WebhookPath }

// WebhookURL is the URL registered with Telegram, or "" without a public URL.
func (f *Frontend) WebhookURL() string {
	if f.cfg.PublicURL == "" {
		return ""
	}
	return strings.TrimRight(f.cfg.PublicURL, "/") + f.cfg.WebhookPath
}

// Send delivers a conversational reply to a chat.
func (f *Frontend) Send(ctx context.Context, nativeID, text string) error {
	return f.send(ctx, nativeID, text, "")
}

// Notify delivers a notification to a chat.
func (f *Frontend) Notify(ctx context.Context, nativeID, text string) error {
	return f.send(ctx, nativeID, text, f.cfg.NotifyParseMode)
}

func (f *Frontend) send(ctx context.Context, nativeID, text, parseMode string) error {
	chatID, err := strconv.ParseInt(nativeID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", nativeID, err)
	}
	// The Bot API client has no context support; honor cancellation before the call.
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = parseMode
	if _, err := f.bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}

// ServeHTTP handles a webhook delivery from Telegram.
// A non-2xx response makes Telegram retry the update, so handler failures return 500.
func (f *Frontend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		f.logger.Warn("malformed telegram update", "error", err)
		http.Error(w, "invalid update", http.StatusBadRequest)
		return
	}

	if err := f.HandleUpdate(r.Context(), update); err != nil {
		f.logger.Error("failed to handle update", "update_id", update.UpdateID, "error", err)
		http.Error(w, "failed to handle update", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// HandleUpdate passes a text message to the handler, skipping updates already
// handled or still in flight.
// Non-text updates are acknowledged and ignored.
func (f *Frontend) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.Text == "" {
		f.logger.Debug("ignoring non-text update", "update_id", update.UpdateID)
		return nil
	}

	key := dedupe.Key(Name, strconv.Itoa(update.UpdateID))
	if f.seen != nil && f.seen.CheckAndMark(key) {
		f.logger.Debug("dropping duplicate update", "update_id", update.UpdateID)
		return nil
	}

	identity := frontend.MakeIdentity(Name, strconv.FormatInt(msg.Chat.ID, 10))
	if err := f.handler.HandleInbound(ctx, identity, msg.Text); err != nil {
		// Release the key so Telegram's retry of this update is handled.
		if f.seen != nil {
			f.seen.Forget(key)
		}
		return err
	}
	return nil
}

// RegisterWebhook points Telegram at WebhookURL.
func (f *Frontend) RegisterWebhook(ctx context.Context) error {
	link := f.WebhookURL()
	if link == "" {
		return errors.New("public url not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wh, err := tgbotapi.NewWebhook(link)
	if err != nil {
		return fmt.Errorf("building webhook config: %w", err)
	}
	wh.AllowedUpdates = []string{"message"}
	if _, err := f.bot.Request(wh); err != nil {
		return fmt.Errorf("registering webhook: %w", err)
	}

	f.logger.Info("webhook registered", "path", f.cfg.WebhookPath)
	return nil
}

// RunWebhookRefresher registers the webhook now and then every WebhookRefresh
// until ctx is done. Failures are logged and retried on the next tick.
func (f *Frontend) RunWebhookRefresher(ctx context.Context) {
	if f.WebhookURL() == "" {
		f.logger.Info("no public url configured, skipping webhook registration")
		return
	}

	if err := f.RegisterWebhook(ctx); err != nil {
		f.logger.Error("webhook registration failed", "error", err)
	}

	if f.cfg.WebhookRefresh <= 0 {
		return
	}

	ticker := time.NewTicker(f.cfg.WebhookRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.RegisterWebhook(ctx); err != nil {
				f.logger.Error("webhook refresh failed", "error", err)
			}
		}
	}
}

var _ frontend.Frontend = (*Frontend)(nil)
