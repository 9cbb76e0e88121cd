// ABOUTME: Conversation controller that walks an identity from the start command to a bound code
// ABOUTME: Reads and writes state through the store, then replies through the frontend sender

package linking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/text/width"

	"github.com/2389/link-relay/internal/store"
)

// CodeLength is the number of digits in a link code.
const CodeLength = 6

// DefaultStartCommand begins (or restarts) linking.
const DefaultStartCommand = "/start"

var tracer = otel.Tracer("github.com/2389/link-relay/internal/linking")

// Store is what the controller needs from persistence.
type Store interface {
	GetState(ctx context.Context, identity store.Identity) (store.ConversationState, error)
	SetState(ctx context.Context, identity store.Identity, state store.ConversationState) error

	// Link binds code to identity and marks it code_validated atomically.
	Link(ctx context.Context, code string, identity store.Identity) error
}

// Sender delivers a reply to an identity's chat.
type Sender interface {
	Send(ctx context.Context, identity store.Identity, text string) error
}

// Messages holds the reply texts sent at each step.
type Messages struct {
	Prompt      string
	Confirmed   string
	FormatError string
	CodeInUse   string
	BeginFirst  string
}

// DefaultMessages returns the built-in reply texts.
func DefaultMessages() Messages {
	return Messages{
		Prompt:      "Please enter the 6-digit code generated by the application.",
		Confirmed:   "Code validated! You will now receive notifications.",
		FormatError: "That is not a valid code. Please enter the 6-digit code generated by the application.",
		CodeInUse:   "That code is already linked to another chat. Generate a new code in the application and try again.",
		BeginFirst:  "Send /start to link this chat with the application.",
	}
}

// Config controls the controller.
type Config struct {
	StartCommand string
	Messages     Messages
}

// ReplyKind identifies which reply a transition produced.
type ReplyKind string

const (
	ReplyPrompt      ReplyKind = "prompt"
	ReplyConfirmed   ReplyKind = "confirmed"
	ReplyFormatError ReplyKind = "format_error"
	ReplyCodeInUse   ReplyKind = "code_in_use"
	ReplyBeginFirst  ReplyKind = "begin_first"
)

// Result describes one handled message.
type Result struct {
	Previous store.ConversationState
	Next     store.ConversationState
	Reply    ReplyKind
	Code     string // normalized code, set when a binding was made
	ReplyErr error  // delivery failure of the reply; the transition still stands
}

// Controller runs the linking state machine for every identity.
type Controller struct {
	store    Store
	sender   Sender
	startCmd string
	messages Messages
	locks    *keyedMutex
	logger   *slog.Logger
}

// New creates a Controller. Empty fields in cfg fall back to the defaults.
func New(st Store, sender Sender, cfg Config, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	startCmd := strings.TrimSpace(cfg.StartCommand)
	if startCmd == "" {
		startCmd = DefaultStartCommand
	}

	return &Controller{
		store:    st,
		sender:   sender,
		startCmd: startCmd,
		messages: withDefaults(cfg.Messages),
		locks:    newKeyedMutex(),
		logger:   logger.With("component", "linking"),
	}
}

func withDefaults(m Messages) Messages {
	d := DefaultMessages()
	if m.Prompt == "" {
		m.Prompt = d.Prompt
	}
	if m.Confirmed == "" {
		m.Confirmed = d.Confirmed
	}
	if m.FormatError == "" {
		m.FormatError = d.FormatError
	}
	if m.CodeInUse == "" {
		m.CodeInUse = d.CodeInUse
	}
	if m.BeginFirst == "" {
		m.BeginFirst = d.BeginFirst
	}
	return m
}

// StartCommand returns the command text that begins linking.
func (c *Controller) StartCommand() string {
	return c.startCmd
}

// BeginLinking moves identity to waiting_for_code from any state and prompts for a code.
func (c *Controller) BeginLinking(ctx context.Context, identity store.Identity) (*Result, error) {
	ctx, span := tracer.Start(ctx, "linking.BeginLinking")
	defer span.End()
	span.SetAttributes(attribute.String("link.identity", string(identity)))

	result, err := c.locked(identity, func() (*Result, error) {
		return c.begin(ctx, identity)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c.reply(ctx, identity, result)
	span.SetAttributes(attribute.String("link.reply", string(result.Reply)))
	return result, nil
}

// HandleMessage applies one inbound text from identity to its state machine.
// An error means the store failed and nothing was replied.
func (c *Controller) HandleMessage(ctx context.Context, identity store.Identity, text string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "linking.HandleMessage")
	defer span.End()
	span.SetAttributes(attribute.String("link.identity", string(identity)))

	result, err := c.locked(identity, func() (*Result, error) {
		if c.isStartCommand(text) {
			return c.begin(ctx, identity)
		}
		return c.transition(ctx, identity, text)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// The store writes are durable; the reply goes out without the identity's lock.
	c.reply(ctx, identity, result)
	span.SetAttributes(
		attribute.String("link.state.previous", string(result.Previous)),
		attribute.String("link.state.next", string(result.Next)),
		attribute.String("link.reply", string(result.Reply)),
	)
	return result, nil
}

// locked runs fn holding identity's lock.
func (c *Controller) locked(identity store.Identity, fn func() (*Result, error)) (*Result, error) {
	unlock := c.locks.Lock(string(identity))
	defer unlock()
	return fn()
}

// begin must be called with the identity's lock held.
func (c *Controller) begin(ctx context.Context, identity store.Identity) (*Result, error) {
	prev, err := c.store.GetState(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	if err := c.store.SetState(ctx, identity, store.StateWaitingForCode); err != nil {
		return nil, fmt.Errorf("saving state: %w", err)
	}

	c.logger.Info("linking started", "identity", identity, "previous", prev)
	return &Result{Previous: prev, Next: store.StateWaitingForCode, Reply: ReplyPrompt}, nil
}

// transition must be called with the identity's lock held.
func (c *Controller) transition(ctx context.Context, identity store.Identity, text string) (*Result, error) {
	state, err := c.store.GetState(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	result := &Result{Previous: state, Next: state}

	if state != store.StateWaitingForCode {
		result.Reply = ReplyBeginFirst
		return result, nil
	}

	code, ok := NormalizeCode(text)
	if !ok {
		c.logger.Debug("rejected malformed code", "identity", identity)
		result.Reply = ReplyFormatError
		return result, nil
	}

	if err := c.store.Link(ctx, code, identity); err != nil {
		if errors.Is(err, store.ErrCodeTaken) {
			c.logger.Warn("code already bound to another identity", "identity", identity)
			result.Reply = ReplyCodeInUse
			return result, nil
		}
		return nil, fmt.Errorf("linking code: %w", err)
	}

	c.logger.Info("code linked", "identity", identity)
	result.Next = store.StateCodeValidated
	result.Reply = ReplyConfirmed
	result.Code = code
	return result, nil
}

// reply sends the text for result.Reply. Failures are logged and recorded on result.
func (c *Controller) reply(ctx context.Context, identity store.Identity, result *Result) {
	if c.sender == nil {
		return
	}
	if err := c.sender.Send(ctx, identity, c.textFor(result.Reply)); err != nil {
		result.ReplyErr = err
		c.logger.Error("failed to send reply",
			"identity", identity,
			"reply", result.Reply,
			"error", err)
	}
}

func (c *Controller) textFor(kind ReplyKind) string {
	switch kind {
	case ReplyPrompt:
		return c.messages.Prompt
	case ReplyConfirmed:
		return c.messages.Confirmed
	case ReplyFormatError:
		return c.messages.FormatError
	case ReplyCodeInUse:
		return c.messages.CodeInUse
	default:
		return c.messages.BeginFirst
	}
}

// isStartCommand matches "/start", "/start@SomeBot", and "/start payload".
func (c *Controller) isStartCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd := fields[0]
	if cmd == c.startCmd {
		return true
	}
	return strings.HasPrefix(cmd, c.startCmd+"@")
}

// NormalizeCode trims text and folds full-width digits to ASCII. It reports
// whether the result is exactly CodeLength decimal digits.
func NormalizeCode(text string) (string, bool) {
	code := width.Fold.String(strings.TrimSpace(text))
	if len(code) != CodeLength {
		return "", false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return "", false
		}
	}
	return code, true
}
