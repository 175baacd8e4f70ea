// Package telegram is the chat channel: it long-polls the bot API for
// inbound messages that feed Telegram triggers, and executes the engine's
// telegram effects, including editing and deleting previously sent
// messages through the persisted message-id map.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/homerules/internal/engine"
)

// Inbound is one received chat message, fed into trigger matching.
type Inbound struct {
	Message string
	Chat    int64
}

// MessageStore persists the (action, chat) → message-id map across runs.
type MessageStore interface {
	Message(actionUUID string, chat int64) (int64, bool)
	SetMessage(actionUUID string, chat, messageID int64)
	RemoveMessage(actionUUID string, chat int64)
	Schedule(durable bool)
}

// Config holds the bot settings.
type Config struct {
	Token string
	Chat  int64 // default chat for actions without an explicit chat list
	// Timeout is the long-poll timeout in seconds.
	Timeout int
}

// Bot wraps the Telegram bot API. A bot without a token is inert: Start
// returns immediately and Send drops effects silently.
type Bot struct {
	cfg     Config
	store   MessageStore
	logger  *slog.Logger
	api     *tgbotapi.BotAPI
	inbound chan Inbound
}

func New(cfg Config, store MessageStore, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60
	}
	return &Bot{
		cfg:     cfg,
		store:   store,
		logger:  logger,
		inbound: make(chan Inbound, 16),
	}
}

// Inbound is the received message stream.
func (b *Bot) Inbound() <-chan Inbound {
	return b.inbound
}

// Start connects and polls for updates until ctx is cancelled, reconnecting
// with exponential backoff. Chat filtering happens at trigger matching, not
// here.
func (b *Bot) Start(ctx context.Context) error {
	if b.cfg.Token == "" || b.cfg.Chat == 0 {
		b.logger.Info("telegram disabled, no token or default chat configured")
		return nil
	}

	api, err := tgbotapi.NewBotAPI(b.cfg.Token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	b.api = api
	b.logger.Info("telegram bot started", "user", api.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = b.cfg.Timeout
		updates := api.GetUpdatesChan(u)

		pollErr := b.poll(ctx, updates)
		api.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		b.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (b *Bot) poll(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			switch {
			case update.Message != nil:
				b.deliver(update.Message.Text, update.Message.Chat.ID)

			case update.CallbackQuery != nil:
				// Keyboard buttons echo their label as a message, so
				// button presses hit the same triggers as typed text.
				callback := tgbotapi.NewCallback(update.CallbackQuery.ID, "")
				if _, err := b.api.Request(callback); err != nil {
					b.logger.Warn("telegram callback ack failed", "error", err)
				}
				if update.CallbackQuery.Message != nil {
					b.deliver(update.CallbackQuery.Data, update.CallbackQuery.Message.Chat.ID)
				}
			}
		}
	}
}

func (b *Bot) deliver(message string, chat int64) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}

	select {
	case b.inbound <- Inbound{Message: message, Chat: chat}:
	default:
		b.logger.Warn("telegram inbound buffer full, dropping message")
	}
}

// Send applies one telegram effect. Failures are logged and non-fatal;
// stale message-id entries are pruned so the next attempt sends fresh.
func (b *Bot) Send(effect engine.TelegramEffect) {
	if b.api == nil {
		return
	}

	chats := effect.Chats
	if len(chats) == 0 {
		chats = []int64{b.cfg.Chat}
	}

	for _, chat := range chats {
		b.sendOne(effect, chat)
	}
}

func (b *Bot) sendOne(effect engine.TelegramEffect, chat int64) {
	if effect.Remove {
		if messageID, ok := b.store.Message(effect.ActionUUID, chat); ok {
			deletion := tgbotapi.NewDeleteMessage(chat, int(messageID))
			if _, err := b.api.Request(deletion); err != nil {
				b.logger.Warn("telegram delete failed", "chat", chat, "error", err)
			}
			b.store.RemoveMessage(effect.ActionUUID, chat)
			b.store.Schedule(true)
		}
	}

	if effect.Update && effect.Message != "" {
		if messageID, ok := b.store.Message(effect.ActionUUID, chat); ok {
			edit := tgbotapi.NewEditMessageText(chat, int(messageID), effect.Message)
			edit.ParseMode = tgbotapi.ModeMarkdown
			if markup, ok := keyboardMarkup(effect.Keyboard); ok {
				edit.ReplyMarkup = &markup
			}
			if _, err := b.api.Request(edit); err == nil {
				return
			}
			// The recorded message is gone; prune and send fresh.
			b.store.RemoveMessage(effect.ActionUUID, chat)
			b.store.Schedule(true)
		}
	}

	if effect.Message == "" && effect.File == "" {
		return
	}

	messageID, err := b.dispatch(effect, chat)
	if err != nil {
		b.logger.Warn("telegram send failed", "chat", chat, "error", err)
		return
	}

	if messageID != 0 {
		b.store.SetMessage(effect.ActionUUID, chat, messageID)
		b.store.Schedule(true)
	}
}

// dispatch sends a photo, a document or a plain message, returning the new
// message id.
func (b *Bot) dispatch(effect engine.TelegramEffect, chat int64) (int64, error) {
	if effect.File != "" {
		file := tgbotapi.FilePath(effect.File)
		var config tgbotapi.Chattable

		if isImage(effect.File) {
			photo := tgbotapi.NewPhoto(chat, file)
			photo.Caption = effect.Message
			photo.ParseMode = tgbotapi.ModeMarkdown
			photo.DisableNotification = effect.Silent
			config = photo
		} else {
			doc := tgbotapi.NewDocument(chat, file)
			doc.Caption = effect.Message
			doc.ParseMode = tgbotapi.ModeMarkdown
			doc.DisableNotification = effect.Silent
			config = doc
		}

		sent, err := b.api.Send(config)
		if err != nil {
			return 0, err
		}
		return int64(sent.MessageID), nil
	}

	// Plain messages go through a raw request so the thread id reaches the
	// API regardless of client library version.
	params := tgbotapi.Params{
		"chat_id":    strconv.FormatInt(chat, 10),
		"text":       effect.Message,
		"parse_mode": tgbotapi.ModeMarkdown,
	}
	if effect.Silent {
		params["disable_notification"] = "true"
	}
	if effect.Thread != 0 {
		params["message_thread_id"] = strconv.FormatInt(effect.Thread, 10)
	}
	if markup, ok := keyboardMarkup(effect.Keyboard); ok {
		data, err := json.Marshal(markup)
		if err == nil {
			params["reply_markup"] = string(data)
		}
	}

	response, err := b.api.MakeRequest("sendMessage", params)
	if err != nil {
		return 0, err
	}

	var sent tgbotapi.Message
	if err := json.Unmarshal(response.Result, &sent); err != nil {
		return 0, err
	}
	return int64(sent.MessageID), nil
}

// keyboardMarkup parses the action's keyboard spec into an inline keyboard:
// rows separated by ';', buttons by ','. Button labels double as callback
// data.
func keyboardMarkup(keyboard string) (tgbotapi.InlineKeyboardMarkup, bool) {
	keyboard = strings.TrimSpace(keyboard)
	if keyboard == "" {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, rowSpec := range strings.Split(keyboard, ";") {
		var row []tgbotapi.InlineKeyboardButton
		for _, label := range strings.Split(rowSpec, ",") {
			label = strings.TrimSpace(label)
			if label == "" {
				continue
			}
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(label, label))
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}

	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

func isImage(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}
