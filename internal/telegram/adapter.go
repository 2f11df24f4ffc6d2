package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/user/cua/internal/delivery"
	"github.com/user/cua/internal/gateway"
	"github.com/user/cua/internal/runtime"
	"github.com/user/cua/internal/types"
)

const maxTelegramMessage = 4096

const defaultAckTimeout = 5 * time.Minute

// botAPI is the part of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Controller exposes the live computer sessions to chat commands.
type Controller interface {
	Reset(id types.SessionID) error
	Screenshot(ctx context.Context, id types.SessionID) (string, error)
	Status(ctx context.Context, id types.SessionID) runtime.SessionStatus
}

// Options tune the adapter.
type Options struct {
	// AllowedUsers restricts the bot to these Telegram user IDs. Empty
	// allows everyone.
	AllowedUsers []int64
	// AckTimeout bounds how long a safety check waits for a decision.
	AckTimeout time.Duration
	Logger     *zap.Logger
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot        botAPI
	gateway    *gateway.Gateway
	events     types.EventStore
	sessions   types.SessionStore
	controller Controller
	allowed    map[int64]bool
	ackTimeout time.Duration
	logger     *zap.Logger

	mu      sync.Mutex
	pending map[string]chan bool
}

// New creates a Telegram adapter.
func New(token string, gw *gateway.Gateway, events types.EventStore, sessions types.SessionStore, ctl Controller, opts Options) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, gw, events, sessions, ctl, opts), nil
}

func newAdapter(bot botAPI, gw *gateway.Gateway, events types.EventStore, sessions types.SessionStore, ctl Controller, opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultAckTimeout
	}
	allowed := make(map[int64]bool, len(opts.AllowedUsers))
	for _, id := range opts.AllowedUsers {
		allowed[id] = true
	}
	return &Adapter{
		bot:        bot,
		gateway:    gw,
		events:     events,
		sessions:   sessions,
		controller: ctl,
		allowed:    allowed,
		ackTimeout: opts.AckTimeout,
		logger:     opts.Logger.Named("telegram"),
		pending:    make(map[string]chan bool),
	}
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			switch {
			case update.CallbackQuery != nil:
				a.handleCallback(update.CallbackQuery)
			case update.Message != nil && update.Message.Text != "":
				a.handleMessage(ctx, update.Message)
			}
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) authorized(user *tgbotapi.User) bool {
	if len(a.allowed) == 0 {
		return true
	}
	return user != nil && a.allowed[user.ID]
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if !a.authorized(msg.From) {
		a.logger.Warn("ignoring unauthorized user", zap.Int64("chat_id", msg.Chat.ID))
		return
	}
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	chatID := msg.Chat.ID
	event := &types.InboundEvent{
		Source:     "telegram",
		SessionKey: buildSessionKey(msg.From.ID, msg.Chat.ID),
		UserID:     strconv.FormatInt(msg.From.ID, 10),
		Text:       msg.Text,
	}

	err := a.gateway.HandleInbound(ctx, event,
		gateway.WithOnComplete(func(response string) {
			if strings.TrimSpace(response) == "" {
				response = "Done."
			}
			a.sendResponse(chatID, response)
		}),
		gateway.WithOnScreenshot(func(image string) {
			a.sendPhoto(chatID, image)
		}),
		gateway.WithAcknowledge(a.acknowledger(chatID)),
	)
	if err != nil {
		a.logger.Error("handle inbound", zap.Int64("chat_id", chatID), zap.Error(err))
		a.sendResponse(chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) resolve(ctx context.Context, msg *tgbotapi.Message) (types.SessionID, error) {
	return a.sessions.ResolveOrCreate(ctx, buildSessionKey(msg.From.ID, msg.Chat.ID), a.gateway.Model)
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.sendResponse(chatID, "Hello! I operate a computer for you. Tell me what to do and I will reply with what I did and a screenshot.")

	case "new":
		sid, err := a.resolve(ctx, msg)
		if err != nil {
			a.sendResponse(chatID, "Error starting a new session.")
			return
		}
		if err := a.controller.Reset(sid); err != nil {
			a.logger.Warn("reset session", zap.String("session_id", string(sid)), zap.Error(err))
		}
		if err := a.events.Delete(ctx, sid); err != nil {
			a.logger.Warn("delete events", zap.String("session_id", string(sid)), zap.Error(err))
		}
		if err := a.sessions.Delete(ctx, sid); err != nil {
			a.sendResponse(chatID, "Error starting a new session.")
			return
		}
		a.sendResponse(chatID, "Starting a new session. The computer has been closed and the conversation cleared.")

	case "status":
		sid, err := a.resolve(ctx, msg)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		count, err := a.events.Count(ctx, sid)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status.")
			return
		}
		a.sendResponse(chatID, formatStatus(sid, count, a.controller.Status(ctx, sid)))

	case "screenshot":
		sid, err := a.resolve(ctx, msg)
		if err != nil {
			a.sendResponse(chatID, "Error taking a screenshot.")
			return
		}
		image, err := a.controller.Screenshot(ctx, sid)
		if errors.Is(err, runtime.ErrNoSession) {
			a.sendResponse(chatID, "No computer is open yet. Send me a task first.")
			return
		}
		if err != nil {
			a.logger.Warn("screenshot", zap.Error(err))
			a.sendResponse(chatID, "Error taking a screenshot.")
			return
		}
		a.sendPhoto(chatID, image)

	default:
		a.sendResponse(chatID, "Unknown command. Available: /start, /new, /status, /screenshot")
	}
}

func formatStatus(sid types.SessionID, events int64, st runtime.SessionStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nEvents: %d", sid, events)
	if !st.Live {
		b.WriteString("\nComputer: not open")
		return b.String()
	}
	fmt.Fprintf(&b, "\nComputer: %s %s", st.Environment, st.Dimensions)
	if st.URL != "" {
		fmt.Fprintf(&b, "\nURL: %s", st.URL)
	}
	fmt.Fprintf(&b, "\nTurns: %d\nItems: %d", st.Turns, st.Items)
	if st.Tokens > 0 {
		fmt.Fprintf(&b, " (~%d tokens)", st.Tokens)
	}
	fmt.Fprintf(&b, "\nUsage: %d in / %d out", st.Usage.InputTokens, st.Usage.OutputTokens)
	return b.String()
}

// acknowledger asks the chat to approve a safety check with inline buttons.
// No answer within the timeout counts as a denial.
func (a *Adapter) acknowledger(chatID int64) func(ctx context.Context, message string) bool {
	return func(ctx context.Context, message string) bool {
		id := uuid.NewString()[:8]
		decision := make(chan bool, 1)
		a.mu.Lock()
		a.pending[id] = decision
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			delete(a.pending, id)
			a.mu.Unlock()
		}()

		msg := tgbotapi.NewMessage(chatID, "Safety check: "+message+"\n\nAllow this action?")
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "ack:"+id+":y"),
			tgbotapi.NewInlineKeyboardButtonData("Deny", "ack:"+id+":n"),
		))
		if _, err := a.bot.Send(msg); err != nil {
			a.logger.Warn("send safety check", zap.Error(err))
			return false
		}

		timer := time.NewTimer(a.ackTimeout)
		defer timer.Stop()
		select {
		case ok := <-decision:
			return ok
		case <-timer.C:
			a.sendResponse(chatID, "No answer to the safety check; the action was denied.")
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (a *Adapter) handleCallback(cb *tgbotapi.CallbackQuery) {
	parts := strings.Split(cb.Data, ":")
	if len(parts) != 3 || parts[0] != "ack" {
		return
	}
	if !a.authorized(cb.From) {
		return
	}
	approved := parts[2] == "y"

	a.mu.Lock()
	decision, ok := a.pending[parts[1]]
	delete(a.pending, parts[1])
	a.mu.Unlock()

	answer := "This request has expired."
	if ok {
		decision <- approved
		answer = "Denied"
		if approved {
			answer = "Approved"
		}
	}
	if _, err := a.bot.Request(tgbotapi.NewCallback(cb.ID, answer)); err != nil {
		a.logger.Debug("answer callback", zap.Error(err))
	}
	if ok && cb.Message != nil && cb.Message.Chat != nil {
		edit := tgbotapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID, cb.Message.Text+"\n\n"+answer)
		if _, err := a.bot.Send(edit); err != nil {
			a.logger.Debug("edit safety check", zap.Error(err))
		}
	}
}

func (a *Adapter) sendPhoto(chatID int64, image string) {
	data, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		a.logger.Warn("decode screenshot", zap.Error(err))
		return
	}
	photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "screenshot.png", Bytes: data})
	if _, err := a.bot.Send(photo); err != nil {
		a.logger.Warn("send photo", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.bot.Send(msg); err != nil {
				a.logger.Warn("send message", zap.Int64("chat_id", chatID), zap.Error(err))
			}
		}
	}
}

// splitMessage cuts text into chunks of at most maxTelegramMessage bytes.
// Cuts never split a rune and prefer a line break in the second half of a
// chunk.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := maxTelegramMessage
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		if end == 0 {
			end = maxTelegramMessage
		}
		if nl := strings.LastIndexByte(text[:end], '\n'); nl >= end/2 {
			end = nl + 1
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// Deliver sends a scheduled task's result to the chat named in sessionKey,
// which has the form telegram:<user>:<chat>.
func (a *Adapter) Deliver(sessionKey string, msg delivery.Message) error {
	chatID, err := chatFromSessionKey(sessionKey)
	if err != nil {
		return err
	}
	if msg.Text != "" {
		a.sendResponse(chatID, msg.Text)
	}
	if msg.Image != "" {
		a.sendPhoto(chatID, msg.Image)
	}
	return nil
}

func chatFromSessionKey(key string) (int64, error) {
	k := types.SessionKey(key)
	parts := k.Parts()
	if k.Source() != "telegram" || len(parts) != 2 {
		return 0, fmt.Errorf("not a telegram session key: %q", key)
	}
	chatID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad chat id in session key %q: %w", key, err)
	}
	return chatID, nil
}

func buildSessionKey(userID, chatID int64) types.SessionKey {
	return types.NewSessionKey("telegram",
		strconv.FormatInt(userID, 10),
		strconv.FormatInt(chatID, 10),
	)
}
