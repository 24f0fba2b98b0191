// Package telegram adapts the Telegram Bot API to the transport-neutral chat
// and messaging surfaces.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/sirupsen/logrus"

	"tg_member_bot/internal/chat"
	"tg_member_bot/internal/config"
	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/logging"
	"tg_member_bot/internal/messaging"
)

type botAPI interface {
	Start(ctx context.Context)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	CopyMessage(ctx context.Context, params *bot.CopyMessageParams) (*models.MessageID, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
	GetChatMember(ctx context.Context, params *bot.GetChatMemberParams) (*models.ChatMember, error)
}

// EventHandler consumes converted chat events.
type EventHandler interface {
	Handle(ctx context.Context, ev chat.Event)
}

var (
	defaultAllowedUpdates = bot.AllowedUpdates{
		"message",
		"callback_query",
	}

	createBot = func(token string, options ...bot.Option) (botAPI, error) {
		return bot.New(token, options...)
	}
)

var (
	_ messaging.Messenger         = (*Client)(nil)
	_ messaging.MembershipChecker = (*Client)(nil)
)

// Client wraps the Telegram bot instance. It receives updates via long polling
// and implements the outbound messaging surface.
type Client struct {
	bot     botAPI
	logger  *logrus.Entry
	timeout time.Duration

	mu      sync.RWMutex
	handler EventHandler
}

// NewClient initializes the Telegram bot with long polling and the default
// update handler. Updates are dropped until a handler is attached.
func NewClient(cfg config.Config, logger *logrus.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		return nil, errors.New("telegram token is required")
	}
	if logger == nil {
		logger = logging.Logger()
	}

	timeout := cfg.TransportTimeout
	if timeout <= 0 {
		timeout = config.DefaultTransportTimeout
	}

	c := &Client{logger: logger, timeout: timeout}

	tgBot, err := createBot(cfg.TelegramToken,
		bot.WithAllowedUpdates(defaultAllowedUpdates),
		bot.WithDefaultHandler(c.defaultHandler),
		bot.WithErrorsHandler(errorHandler(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot client: %w", err)
	}
	c.bot = tgBot

	return c, nil
}

// Attach sets the handler that receives converted updates.
func (c *Client) Attach(h EventHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Start begins receiving updates via long polling until the context is canceled.
func (c *Client) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	c.logger.WithFields(logging.Fields{
		"event":           "telegram_listen",
		"allowed_updates": defaultAllowedUpdates,
	}).Info("starting telegram long polling")

	c.bot.Start(ctx)

	c.logger.WithField("event", "telegram_stopped").Info("telegram polling stopped")
}

func (c *Client) defaultHandler(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil {
		return
	}

	ev, ok := toEvent(update)
	if !ok {
		c.logger.WithField("event", "telegram_update").Debug("ignoring unsupported update")
		return
	}

	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	if h == nil {
		c.logger.WithFields(logging.Fields{
			"event":   "telegram_update",
			"chat_id": ev.ChatID,
		}).Warn("no handler attached; dropping update")
		return
	}

	h.Handle(ctx, ev)
}

// Send posts an HTML message, optionally with an inline keyboard.
func (c *Client) Send(ctx context.Context, chatID int64, text string, kb messaging.Keyboard) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if markup := inlineMarkup(kb); markup != nil {
		params.ReplyMarkup = markup
	}

	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send message to %d: %w: %w", chatID, domain.ErrTransport, err)
	}
	return nil
}

// Copy re-posts an existing message into another chat without a forward header.
func (c *Client) Copy(ctx context.Context, toChatID, fromChatID int64, messageID int) error {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	_, err := c.bot.CopyMessage(ctx, &bot.CopyMessageParams{
		ChatID:     toChatID,
		FromChatID: fromChatID,
		MessageID:  messageID,
	})
	if err != nil {
		return fmt.Errorf("copy message %d to %d: %w: %w", messageID, toChatID, domain.ErrTransport, err)
	}
	return nil
}

// AnswerCallback acknowledges a button press. An empty text just stops the
// client-side spinner.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if callbackID == "" {
		return nil
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	_, err := c.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("answer callback: %w: %w", domain.ErrTransport, err)
	}
	return nil
}

// IsMember reports whether userID currently belongs to groupID.
func (c *Client) IsMember(ctx context.Context, groupID, userID int64) (bool, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	member, err := c.bot.GetChatMember(ctx, &bot.GetChatMemberParams{
		ChatID: groupID,
		UserID: userID,
	})
	if err != nil {
		return false, fmt.Errorf("get chat member %d in %d: %w: %w", userID, groupID, domain.ErrTransport, err)
	}
	return isActiveMember(member), nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}

func isActiveMember(member *models.ChatMember) bool {
	if member == nil {
		return false
	}
	switch member.Type {
	case models.ChatMemberTypeOwner, models.ChatMemberTypeAdministrator, models.ChatMemberTypeMember:
		return true
	case models.ChatMemberTypeRestricted:
		return member.Restricted != nil && member.Restricted.IsMember
	default:
		return false
	}
}

func inlineMarkup(kb messaging.Keyboard) *models.InlineKeyboardMarkup {
	if len(kb) == 0 {
		return nil
	}

	rows := make([][]models.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, models.InlineKeyboardButton{
				Text:         b.Text,
				CallbackData: b.Data,
				URL:          b.URL,
			})
		}
		if len(buttons) > 0 {
			rows = append(rows, buttons)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

// toEvent converts an update into a chat event. ok is false for updates the
// bot does not act on, such as group service messages.
func toEvent(update *models.Update) (chat.Event, bool) {
	switch {
	case update.Message != nil:
		return messageEvent(update.Message)
	case update.CallbackQuery != nil:
		return callbackEvent(update.CallbackQuery)
	default:
		return chat.Event{}, false
	}
}

func messageEvent(msg *models.Message) (chat.Event, bool) {
	if msg.From == nil || msg.From.IsBot {
		return chat.Event{}, false
	}
	if len(msg.NewChatMembers) > 0 || msg.LeftChatMember != nil {
		return chat.Event{}, false
	}

	ev := chat.Event{
		Scope:      scopeOf(msg.Chat.Type),
		ChatID:     chatID(&msg.Chat),
		SenderID:   userID(msg.From),
		SenderName: displayName(msg.From),
		MessageID:  msg.ID,
	}

	switch {
	case len(msg.Photo) > 0:
		ev.Kind = chat.KindPhoto
		ev.File = chat.File{ID: msg.Photo[len(msg.Photo)-1].FileID}
		ev.Text = strings.TrimSpace(msg.Caption)
	case msg.Document != nil:
		ev.Kind = chat.KindDocument
		ev.File = chat.File{ID: msg.Document.FileID, Name: msg.Document.FileName}
		ev.Text = strings.TrimSpace(msg.Caption)
	default:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return chat.Event{}, false
		}
		ev.Text = text
		if cmd, args, ok := chat.ParseCommand(text); ok {
			ev.Kind = chat.KindCommand
			ev.Command = cmd
			ev.Args = args
		} else {
			ev.Kind = chat.KindText
		}
	}

	return ev, true
}

func callbackEvent(q *models.CallbackQuery) (chat.Event, bool) {
	ev := chat.Event{
		Scope:        chat.ScopePrivate,
		Kind:         chat.KindCallback,
		ChatID:       messageChatID(q.Message),
		SenderID:     userID(&q.From),
		SenderName:   displayName(&q.From),
		CallbackID:   q.ID,
		CallbackData: strings.TrimSpace(q.Data),
	}
	if q.Message.Type == models.MaybeInaccessibleMessageTypeMessage && q.Message.Message != nil {
		ev.Scope = scopeOf(q.Message.Message.Chat.Type)
		ev.MessageID = q.Message.Message.ID
	}
	if ev.ChatID == 0 {
		// Inaccessible message: reply to the user directly.
		ev.ChatID = ev.SenderID
	}
	return ev, true
}

func scopeOf(t models.ChatType) chat.Scope {
	if t == models.ChatTypePrivate {
		return chat.ScopePrivate
	}
	return chat.ScopeGroup
}

func displayName(user *models.User) string {
	if user == nil {
		return ""
	}
	if name := strings.TrimSpace(user.FirstName); name != "" {
		return name
	}
	return user.Username
}

func errorHandler(logger *logrus.Entry) bot.ErrorsHandler {
	if logger == nil {
		logger = logging.Logger()
	}

	return func(err error) {
		if err == nil {
			return
		}

		logger.WithField("event", "telegram_error").WithError(err).Error("telegram polling error")
	}
}

func userID(user *models.User) int64 {
	if user == nil {
		return 0
	}

	return user.ID
}

func chatID(c *models.Chat) int64 {
	if c == nil {
		return 0
	}

	return c.ID
}

func messageChatID(msg models.MaybeInaccessibleMessage) int64 {
	switch msg.Type {
	case models.MaybeInaccessibleMessageTypeMessage:
		if msg.Message == nil {
			return 0
		}
		return chatID(&msg.Message.Chat)
	case models.MaybeInaccessibleMessageTypeInaccessibleMessage:
		if msg.InaccessibleMessage == nil {
			return 0
		}
		return chatID(&msg.InaccessibleMessage.Chat)
	default:
		return 0
	}
}
