package bot

import (
	"bytes"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/mellowbot/bingchat/pkg/constants"
	"github.com/sirupsen/logrus"
)

// discordSession is the slice of discordgo.Session this adapter needs,
// kept as an interface so tests can substitute a fake
type discordSession interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
}

// DiscordBot implements Adapter for Discord
type DiscordBot struct {
	mu        sync.RWMutex
	token     string
	channelID string
	session   discordSession
	handler   func(Message)
}

// NewDiscordBot creates a new Discord bot instance
func NewDiscordBot(token, channelID string) *DiscordBot {
	return &DiscordBot{
		token:     token,
		channelID: channelID,
	}
}

// Start establishes the Discord gateway connection
func (d *DiscordBot) Start(handler func(Message)) error {
	d.mu.Lock()
	d.handler = handler
	d.mu.Unlock()

	logger.WithFields(logrus.Fields{
		"token":   maskSecret(d.token),
		"channel": d.channelID,
	}).Info("starting-discord-bot")

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("failed to create discord session: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author.Bot {
			return
		}
		d.handleMessage(m)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("failed to open discord connection: %w", err)
	}

	return nil
}

// handleMessage normalizes an incoming Discord message
func (d *DiscordBot) handleMessage(m *discordgo.MessageCreate) {
	// snowflakes are numeric; an unparsable author id is dropped rather
	// than mapped to a bogus identity
	userID, err := strconv.ParseInt(m.Author.ID, 10, 64)
	if err != nil {
		logger.WithField("author_id", m.Author.ID).Warn("discord-author-id-not-numeric")
		return
	}

	msg := Message{
		Platform:    "discord",
		UserID:      userID,
		DisplayName: m.Author.Username,
		Channel:     m.ChannelID,
		Content:     m.Content,
		MessageID:   m.ID,
		Direct:      m.GuildID == "",
		Timestamp:   time.Now(),
	}
	if gid, err := strconv.ParseInt(m.GuildID, 10, 64); err == nil {
		msg.GroupID = gid
	}
	if m.ReferencedMessage != nil {
		msg.ReplyToID = m.ReferencedMessage.ID
	}

	logger.WithFields(logrus.Fields{
		"platform":   "discord",
		"user_id":    msg.UserID,
		"channel":    msg.Channel,
		"message_id": msg.MessageID,
	}).Debug("received-discord-message")

	d.mu.RLock()
	handler := d.handler
	d.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// Send delivers outbound content to a Discord channel
func (d *DiscordBot) Send(out Outbound) (string, error) {
	d.mu.RLock()
	session := d.session
	defaultChannel := d.channelID
	d.mu.RUnlock()

	if session == nil {
		return "", fmt.Errorf("discord session not initialized")
	}

	channel := out.Channel
	if channel == "" {
		channel = defaultChannel
	}

	data := &discordgo.MessageSend{}
	if out.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{
			MessageID: out.ReplyTo,
			ChannelID: channel,
		}
	}

	if len(out.Image) > 0 {
		data.Files = []*discordgo.File{{
			Name:        "answer.png",
			ContentType: "image/png",
			Reader:      bytes.NewReader(out.Image),
		}}
	} else {
		text := out.Text
		if len(out.Forward) > 0 {
			text = flattenForward(out.Forward)
		}
		if len(text) > constants.MaxDiscordMessageLength {
			logger.WithFields(logrus.Fields{
				"original_length": len(text),
				"max_length":      constants.MaxDiscordMessageLength,
			}).Info("truncating-message-for-discord-limit")
			text = truncate(text, constants.MaxDiscordMessageLength)
		}
		data.Content = text
	}

	sent, err := session.ChannelMessageSendComplex(channel, data)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"channel": channel,
			"error":   err,
		}).Error("failed-to-send-message-to-discord")
		return "", fmt.Errorf("failed to send message to channel %s: %w", channel, err)
	}

	return sent.ID, nil
}

// Delete removes a previously sent message
func (d *DiscordBot) Delete(channel, messageID string) error {
	d.mu.RLock()
	session := d.session
	d.mu.RUnlock()

	if session == nil {
		return fmt.Errorf("discord session not initialized")
	}
	if err := session.ChannelMessageDelete(channel, messageID); err != nil {
		return fmt.Errorf("failed to delete discord message %s: %w", messageID, err)
	}
	return nil
}

// Stop closes the Discord connection
func (d *DiscordBot) Stop() error {
	d.mu.Lock()
	session := d.session
	d.session = nil
	d.mu.Unlock()

	if session == nil {
		return nil
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}
