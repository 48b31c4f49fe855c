package bot

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/mellowbot/bingchat/pkg/constants"
	"github.com/sirupsen/logrus"
)

// TelegramBot implements Adapter for Telegram using long polling
type TelegramBot struct {
	mu      sync.RWMutex
	token   string
	bot     *tgbotapi.BotAPI
	handler func(Message)
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewTelegramBot creates a new Telegram bot instance
func NewTelegramBot(token string) *TelegramBot {
	return &TelegramBot{token: token}
}

// Start establishes long polling to Telegram and begins listening for messages
func (t *TelegramBot) Start(handler func(Message)) error {
	t.setHandler(handler)
	t.ctx, t.cancel = context.WithCancel(context.Background())

	logger.WithField("token", maskSecret(t.token)).Info("starting-telegram-bot-with-long-polling")

	api, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		logger.WithField("error", err).Error("failed-to-initialize-telegram-bot")
		return fmt.Errorf("failed to initialize Telegram bot: %w", err)
	}

	t.mu.Lock()
	t.bot = api
	t.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"bot_username": api.Self.UserName,
		"bot_id":       api.Self.ID,
	}).Info("telegram-bot-initialized")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(constants.DefaultPollTimeout.Seconds())

	updates := api.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-t.ctx.Done():
				logger.Info("telegram-long-polling-stopped")
				return
			case update, ok := <-updates:
				if !ok {
					logger.Info("telegram-updates-channel-closed")
					return
				}
				if update.Message != nil {
					t.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// handleMessage normalizes an incoming Telegram message
func (t *TelegramBot) handleMessage(message *tgbotapi.Message) {
	if message == nil || message.From == nil || message.Text == "" {
		return
	}

	displayName := message.From.UserName
	if displayName == "" {
		displayName = message.From.FirstName
	}

	msg := Message{
		Platform:    "telegram",
		UserID:      message.From.ID,
		DisplayName: displayName,
		Content:     message.Text,
		MessageID:   strconv.Itoa(message.MessageID),
		Timestamp:   time.Unix(int64(message.Date), 0),
	}

	if message.Chat != nil {
		msg.Channel = strconv.FormatInt(message.Chat.ID, 10)
		msg.Direct = message.Chat.IsPrivate()
		if !msg.Direct {
			msg.GroupID = message.Chat.ID
		}
	}

	if message.ReplyToMessage != nil {
		msg.ReplyToID = strconv.Itoa(message.ReplyToMessage.MessageID)
	}

	logger.WithFields(logrus.Fields{
		"platform":   "telegram",
		"user_id":    msg.UserID,
		"chat_id":    msg.Channel,
		"message_id": msg.MessageID,
		"reply_to":   msg.ReplyToID,
	}).Debug("received-telegram-message")

	if handler := t.getHandler(); handler != nil {
		handler(msg)
	}
}

// Send delivers outbound content to a Telegram chat
func (t *TelegramBot) Send(out Outbound) (string, error) {
	t.mu.RLock()
	api := t.bot
	t.mu.RUnlock()

	if api == nil {
		return "", fmt.Errorf("telegram bot not initialized")
	}
	if out.Channel == "" {
		return "", fmt.Errorf("chat ID is required for Telegram")
	}

	chatID, err := strconv.ParseInt(out.Channel, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat ID format: %w", err)
	}

	var replyTo int
	if out.ReplyTo != "" {
		replyTo, _ = strconv.Atoi(out.ReplyTo)
	}

	// Telegram has no native forward-node display; photos carry the image case
	if len(out.Image) > 0 {
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: "answer.png", Bytes: out.Image})
		photo.ReplyToMessageID = replyTo
		sent, err := api.Send(photo)
		if err != nil {
			return "", fmt.Errorf("failed to send photo to chat %s: %w", out.Channel, err)
		}
		return strconv.Itoa(sent.MessageID), nil
	}

	text := out.Text
	if len(out.Forward) > 0 {
		text = flattenForward(out.Forward)
	}
	if len(text) > constants.MaxTelegramMessageLength {
		logger.WithFields(logrus.Fields{
			"original_length": len(text),
			"max_length":      constants.MaxTelegramMessageLength,
		}).Info("truncating-message-for-telegram-limit")
		text = truncate(text, constants.MaxTelegramMessageLength)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo

	sent, err := api.Send(msg)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": out.Channel,
			"error":   err,
		}).Error("failed-to-send-message-to-telegram")
		return "", fmt.Errorf("failed to send message to chat %s: %w", out.Channel, err)
	}

	return strconv.Itoa(sent.MessageID), nil
}

// Delete removes a previously sent message
func (t *TelegramBot) Delete(channel, messageID string) error {
	t.mu.RLock()
	api := t.bot
	t.mu.RUnlock()

	if api == nil {
		return fmt.Errorf("telegram bot not initialized")
	}

	chatID, err := strconv.ParseInt(channel, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID format: %w", err)
	}
	msgID, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message ID format: %w", err)
	}

	if _, err := api.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return fmt.Errorf("failed to delete telegram message %s: %w", messageID, err)
	}
	return nil
}

// Stop closes the Telegram long polling connection
func (t *TelegramBot) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	api := t.bot
	t.bot = nil
	t.mu.Unlock()

	if api != nil {
		api.StopReceivingUpdates()
	}

	logger.Info("telegram-bot-stopped")
	return nil
}

func (t *TelegramBot) setHandler(handler func(Message)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

func (t *TelegramBot) getHandler() func(Message) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}
