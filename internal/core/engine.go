package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mellowbot/bingchat/internal/backend"
	"github.com/mellowbot/bingchat/internal/bot"
	"github.com/mellowbot/bingchat/internal/credential"
	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/mellowbot/bingchat/internal/response"
	"github.com/mellowbot/bingchat/internal/session"
	"github.com/mellowbot/bingchat/pkg/constants"
	"github.com/sirupsen/logrus"
)

// User-visible messages
const (
	HelpMessage = "BingChat commands:\n" +
		"  chat <prompt>     talk to Bing\n" +
		"  chat-new [prompt] start a fresh conversation\n" +
		"  chat-history      show this conversation so far\n" +
		"Replying to one of the bot's answers continues that conversation."

	msgPermissionDenied = "You do not have permission to chat here."
	msgSwitching        = "Credentials are being switched, please retry shortly."
	msgAlreadyWaiting   = "A reply for your conversation is still pending, please wait for it first."
	msgAsking           = "Asking Bing, please wait..."
	msgDialFailed       = "Unable to create a chat session, please try again."
	msgAskFailed        = "The request failed, please retry. If this keeps happening, refresh the conversation."
	msgUnknownReply     = "Bing returned something unexpected, the administrator has been notified."
	msgTryRefresh       = "The conversation is no longer usable, try starting a new one with chat-new."
	msgContactAdmin     = "The account reached its daily limit, please contact the administrator."
	msgRotating         = "Account limit reached, switching credentials. All conversations will be cleared."
	msgNoUsableCookies  = "No usable credentials left, please contact the administrator."
	msgRotated          = "Credentials switched, please resend your prompt."
	msgAutoRefreshing   = "Conversation limit reached, refreshing the conversation automatically."
	msgSessionExpired   = "The conversation expired, refreshing it automatically."
	msgOffensive        = "Bing judged the prompt offensive and refused to answer."
	msgCleared          = "Conversation refreshed."
	msgNoHistory        = "No conversation history yet."
)

// commandKind is the family an inbound command belongs to
type commandKind int

const (
	commandNone commandKind = iota
	commandChat
	commandNewChat
	commandHistoryChat
)

// Engine routes inbound platform messages through the session store, the
// backend and the classifier, and renders results back to the platform.
type Engine struct {
	config       *Config
	store        *session.Store
	pool         *credential.Pool
	dialer       backend.Dialer
	style        backend.Style
	displayTypes []DisplayContentType
	renderer     Renderer
	chatLog      *ChatLog
	bots         map[string]bot.Adapter
	messageChan  chan bot.Message
	ctx          context.Context
	cancel       context.CancelFunc
}

// NewEngine creates an engine from a validated config, a loaded credential
// pool and a backend dialer.
func NewEngine(config *Config, pool *credential.Pool, dialer backend.Dialer) (*Engine, error) {
	style, err := backend.ParseStyle(config.Backend.ConversationStyle)
	if err != nil {
		return nil, err
	}
	displayTypes, err := ParseDisplayContentTypes(config.Display.ContentTypes)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:       config,
		store:        session.NewStore(session.WithMaxHistory(config.Conversation.MaxHistory)),
		pool:         pool,
		dialer:       dialer,
		style:        style,
		displayTypes: displayTypes,
		bots:         make(map[string]bot.Adapter),
		messageChan:  make(chan bot.Message, constants.MessageChannelBufferSize),
		ctx:          ctx,
		cancel:       cancel,
	}

	if config.Display.RenderURL != "" {
		e.renderer = NewHTTPRenderer(config.Display.RenderURL, config.BackendTimeout())
	}
	if *config.ChatLog.Enabled {
		e.chatLog = NewChatLog(config.Credentials.Directory, config.ChatLog.RetentionDays)
	}

	return e, nil
}

// RegisterBot registers a platform adapter
func (e *Engine) RegisterBot(platform string, adapter bot.Adapter) {
	e.bots[platform] = adapter
}

// Run starts the adapters and processes messages until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	logger.Info("starting-bingchat-engine")

	if e.chatLog != nil {
		e.chatLog.StartSweeper(e.ctx)
	}

	for platform, adapter := range e.bots {
		logger.WithField("platform", platform).Info("starting-bot-adapter")
		go func(p string, a bot.Adapter) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(logrus.Fields{
						"platform": p,
						"panic":    r,
					}).Error("bot-start-panic-recovered")
				}
			}()
			if err := a.Start(e.EnqueueMessage); err != nil {
				logger.WithFields(logrus.Fields{
					"platform": p,
					"error":    err,
				}).Error("failed-to-start-bot")
			}
		}(platform, adapter)
	}

	logger.Info("engine-event-loop-started")
	for {
		select {
		case <-ctx.Done():
			logger.Info("event-loop-shutting-down")
			return nil
		case <-e.ctx.Done():
			return nil
		case msg := <-e.messageChan:
			// each turn runs in its own goroutine; the session store's
			// single-flight gate serializes turns per user
			go e.HandleMessage(msg)
		}
	}
}

// Stop shuts the engine and its adapters down
func (e *Engine) Stop() error {
	e.cancel()
	for platform, adapter := range e.bots {
		if err := adapter.Stop(); err != nil {
			logger.WithFields(logrus.Fields{
				"platform": platform,
				"error":    err,
			}).Warn("failed-to-stop-bot-adapter")
		}
	}
	return nil
}

// EnqueueMessage is the callback adapters deliver inbound messages to
func (e *Engine) EnqueueMessage(msg bot.Message) {
	e.messageChan <- msg
}

// HandleMessage routes one inbound message
func (e *Engine) HandleMessage(msg bot.Message) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return
	}

	kind, arg := e.matchCommand(content)
	switch kind {
	case commandChat:
		e.handleChat(msg, arg)
	case commandNewChat:
		e.handleNewChat(msg, arg)
	case commandHistoryChat:
		e.handleHistory(msg)
	case commandNone:
		// a reply to one of our answers continues that conversation
		// without any prefix
		if msg.ReplyToID == "" {
			return
		}
		owner, ok := e.store.LookupReply(msg.Platform, msg.ReplyToID)
		if !ok || owner != e.identityOf(msg) {
			return
		}
		e.handleChat(msg, content)
	}
}

// matchCommand resolves the command family and its argument. Aliases are
// matched on a word boundary so "chat-new" never collides with "chat".
func (e *Engine) matchCommand(content string) (commandKind, string) {
	prefix := e.config.Commands.Prefix
	if !strings.HasPrefix(content, prefix) {
		return commandNone, ""
	}
	rest := content[len(prefix):]

	kinds := []struct {
		kind    commandKind
		aliases []string
	}{
		{commandNewChat, e.config.Commands.NewChat},
		{commandHistoryChat, e.config.Commands.HistoryChat},
		{commandChat, e.config.Commands.Chat},
	}

	best := commandNone
	bestLen := -1
	bestArg := ""
	for _, k := range kinds {
		for _, alias := range k.aliases {
			if rest == alias {
				if len(alias) > bestLen {
					best, bestLen, bestArg = k.kind, len(alias), ""
				}
			} else if strings.HasPrefix(rest, alias+" ") {
				if len(alias) > bestLen {
					best, bestLen, bestArg = k.kind, len(alias), strings.TrimSpace(rest[len(alias)+1:])
				}
			}
		}
	}
	return best, bestArg
}

func (e *Engine) identityOf(msg bot.Message) session.Identity {
	return session.Identity{Platform: msg.Platform, UserID: msg.UserID}
}

// reply sends text back to the chat the message came from
func (e *Engine) reply(msg bot.Message, text string) string {
	id, err := e.send(msg.Platform, bot.Outbound{
		Channel: msg.Channel,
		ReplyTo: msg.MessageID,
		Text:    text,
	})
	if err != nil {
		logger.WithFields(logrus.Fields{
			"platform": msg.Platform,
			"channel":  msg.Channel,
			"error":    err,
		}).Error("failed-to-send-reply")
	}
	return id
}

func (e *Engine) send(platform string, out bot.Outbound) (string, error) {
	adapter, ok := e.bots[platform]
	if !ok {
		return "", fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return adapter.Send(out)
}

// handleChat runs one conversation turn
func (e *Engine) handleChat(msg bot.Message, prompt string) {
	if prompt == "" {
		e.reply(msg, HelpMessage)
		return
	}

	if err := e.checkPermission(msg); err != nil {
		e.reply(msg, msgPermissionDenied)
		return
	}

	if e.pool.Switching() {
		e.reply(msg, msgSwitching)
		return
	}

	sess := e.store.GetOrCreate(e.identityOf(msg), msg.DisplayName)
	if err := e.store.BeginTurn(sess); err != nil {
		if errors.Is(err, session.ErrAlreadyWaiting) {
			e.reply(msg, msgAlreadyWaiting)
			return
		}
		e.reply(msg, msgAskFailed)
		return
	}
	defer e.store.EndTurn(sess)

	var waitingID string
	if *e.config.Display.ShowWaiting {
		waitingID = e.reply(msg, msgAsking)
	}
	defer func() {
		if waitingID == "" {
			return
		}
		adapter, ok := e.bots[msg.Platform]
		if !ok {
			return
		}
		if err := adapter.Delete(msg.Channel, waitingID); err != nil {
			logger.WithField("error", err).Debug("failed-to-delete-waiting-message")
		}
	}()

	for attempt := 1; attempt <= constants.MaxTurnAttempts; attempt++ {
		retry, done := e.runTurn(msg, sess, prompt, attempt)
		if done || !retry {
			return
		}
	}
}

// runTurn performs a single ask/classify/dispatch cycle. It reports
// whether the caller should retry with a fresh conversation and whether
// the turn is finished.
func (e *Engine) runTurn(msg bot.Message, sess *session.Session, prompt string, attempt int) (retry, done bool) {
	handle := e.store.Handle(sess)
	if handle == nil {
		var err error
		handle, err = e.dialer(e.pool.Active().Path)
		if err != nil {
			logger.WithField("error", err).Error("failed-to-dial-backend-conversation")
			e.reply(msg, msgDialFailed)
			return false, true
		}
		e.store.SetHandle(sess, handle)
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.config.BackendTimeout())
	raw, err := handle.Ask(ctx, prompt, e.style)
	cancel()
	if err != nil {
		logger.WithFields(logrus.Fields{
			"platform": msg.Platform,
			"user":     msg.UserID,
			"error":    err,
		}).Error("backend-ask-failed")
		e.reply(msg, msgAskFailed)
		return false, true
	}

	if e.chatLog != nil {
		e.chatLog.Write(raw)
	}

	resp := response.Classify(raw)
	switch resp.Outcome {
	case response.OutcomeSuccess:
		e.finishTurn(msg, sess, prompt, resp)
		return false, true

	case response.OutcomeThrottled:
		e.handleThrottled(msg)
		return false, true

	case response.OutcomeConversationLimit, response.OutcomeInvalidSession:
		if *e.config.Conversation.AutoRefresh && attempt < constants.MaxTurnAttempts {
			if resp.Outcome == response.OutcomeConversationLimit {
				e.reply(msg, msgAutoRefreshing)
			} else {
				e.reply(msg, msgSessionExpired)
			}
			e.closeHandle(e.store.Clear(sess, msg.DisplayName))
			return true, false
		}
		e.reply(msg, msgTryRefresh)
		return false, true

	case response.OutcomeOffensive:
		e.reply(msg, msgOffensive)
		return false, true

	case response.OutcomeHiddenSensitive:
		e.reply(msg, "Bing hid the answer as sensitive:\n"+resp.HiddenText)
		return false, true

	default:
		e.reply(msg, msgUnknownReply)
		return false, true
	}
}

// finishTurn records the conversation and renders the configured displays
func (e *Engine) finishTurn(msg bot.Message, sess *session.Session, prompt string, resp *response.Response) {
	e.store.Record(sess, prompt, resp)

	outs, err := e.renderDisplays(e.ctx, sessionLabel{name: sess.DisplayName}, resp)
	if err != nil {
		// a Success outcome with a missing display field is a contract
		// violation, not a user mistake
		logger.WithFields(logrus.Fields{
			"platform": msg.Platform,
			"user":     msg.UserID,
			"error":    err,
		}).Error("malformed-success-response")
		e.reply(msg, msgUnknownReply)
		return
	}

	for _, out := range outs {
		out.Channel = msg.Channel
		out.ReplyTo = msg.MessageID
		sentID, err := e.send(msg.Platform, out)
		if err != nil {
			logger.WithField("error", err).Error("failed-to-send-answer")
			continue
		}
		e.store.BindReply(msg.Platform, sentID, sess.Identity)
	}
}

// handleThrottled reacts to an exhausted account
func (e *Engine) handleThrottled(msg bot.Message) {
	if !e.config.Credentials.AutoSwitch {
		e.reply(msg, msgContactAdmin)
		return
	}

	e.reply(msg, msgRotating)
	found := e.pool.Rotate(e.ctx)

	// handles are bound to the previous credential's authentication
	// context, so every session resets regardless of the outcome
	e.store.ClearAll(func(id session.Identity, handle backend.Conversation) {
		e.closeHandle(handle)
	})

	if !found {
		e.reply(msg, msgNoUsableCookies)
		return
	}
	e.reply(msg, msgRotated)
}

// handleNewChat resets the sender's conversation
func (e *Engine) handleNewChat(msg bot.Message, arg string) {
	if err := e.checkPermission(msg); err != nil {
		e.reply(msg, msgPermissionDenied)
		return
	}

	sess := e.store.GetOrCreate(e.identityOf(msg), msg.DisplayName)
	if err := e.store.BeginTurn(sess); err != nil {
		e.reply(msg, msgAlreadyWaiting)
		return
	}
	e.closeHandle(e.store.Clear(sess, msg.DisplayName))
	e.store.EndTurn(sess)

	if arg != "" {
		e.handleChat(msg, arg)
		return
	}
	e.reply(msg, msgCleared)
}

// handleHistory renders the conversation so far as forward nodes
func (e *Engine) handleHistory(msg bot.Message) {
	if err := e.checkPermission(msg); err != nil {
		e.reply(msg, msgPermissionDenied)
		return
	}

	sess := e.store.GetOrCreate(e.identityOf(msg), msg.DisplayName)
	history := e.store.Snapshot(sess)
	if len(history) == 0 {
		e.reply(msg, msgNoHistory)
		return
	}

	nodes := make([]bot.ForwardNode, 0, len(history)*2)
	for _, conv := range history {
		nodes = append(nodes, bot.ForwardNode{Name: sess.DisplayName, Content: conv.Prompt})

		answer, err := conv.Response.Answer()
		if err != nil {
			answer = msgUnknownReply
		}
		nodes = append(nodes, bot.ForwardNode{Name: "BingChat", Content: answer})
	}

	if _, err := e.send(msg.Platform, bot.Outbound{
		Channel: msg.Channel,
		Forward: nodes,
	}); err != nil {
		logger.WithField("error", err).Error("failed-to-send-history")
	}
}

// closeHandle closes a detached backend conversation off the hot path
func (e *Engine) closeHandle(handle backend.Conversation) {
	if handle == nil {
		return
	}
	go func() {
		if err := handle.Close(); err != nil {
			logger.WithField("error", err).Debug("failed-to-close-backend-conversation")
		}
	}()
}

// NewProber returns a credential.Prober that asks a minimal question
// through a fresh conversation and classifies the reply. A throttled
// classification or any error marks the credential unusable.
func NewProber(dialer backend.Dialer, style backend.Style) credential.Prober {
	return func(ctx context.Context, cred credential.Credential) bool {
		ctx, cancel := context.WithTimeout(ctx, constants.DefaultProbeTimeout)
		defer cancel()

		handle, err := dialer(cred.Path)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"path":  cred.Path,
				"error": err,
			}).Error("credential-probe-dial-failed")
			return false
		}
		defer func() {
			if err := handle.Close(); err != nil {
				logger.WithField("error", err).Debug("credential-probe-close-failed")
			}
		}()

		raw, err := handle.Ask(ctx, "Hello", style)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"path":  cred.Path,
				"error": err,
			}).Error("credential-probe-ask-failed")
			return false
		}

		switch response.Classify(raw).Outcome {
		case response.OutcomeThrottled, response.OutcomeUnknown, response.OutcomeInvalidSession:
			return false
		default:
			return true
		}
	}
}
