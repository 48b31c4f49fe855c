package bot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/mellowbot/bingchat/pkg/constants"
	"github.com/sirupsen/logrus"
)

// replyCQPattern extracts the replied-to message id from a CQ code
var replyCQPattern = regexp.MustCompile(`\[CQ:reply,id=(-?\d+)]`)

// OneBotBot implements Adapter for QQ through a OneBot v11 WebSocket endpoint
type OneBotBot struct {
	mu          sync.RWMutex
	writeMu     sync.Mutex
	url         string
	accessToken string
	conn        *websocket.Conn
	handler     func(Message)
	ctx         context.Context
	cancel      context.CancelFunc

	echoMu      sync.Mutex
	echoCounter int64
	waiters     map[string]chan oneBotAPIResponse
}

// NewOneBotBot creates a new OneBot v11 adapter connecting to the given
// WebSocket endpoint
func NewOneBotBot(url, accessToken string) *OneBotBot {
	return &OneBotBot{
		url:         url,
		accessToken: accessToken,
		waiters:     make(map[string]chan oneBotAPIResponse),
	}
}

type oneBotEvent struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	SubType     string          `json:"sub_type"`
	MessageID   int64           `json:"message_id"`
	UserID      int64           `json:"user_id"`
	GroupID     int64           `json:"group_id"`
	RawMessage  string          `json:"raw_message"`
	Message     json.RawMessage `json:"message"`
	Time        int64           `json:"time"`
	Echo        string          `json:"echo"`
	Sender      struct {
		Nickname string `json:"nickname"`
		Card     string `json:"card"`
	} `json:"sender"`
}

type oneBotAPIRequest struct {
	Action string      `json:"action"`
	Params interface{} `json:"params"`
	Echo   string      `json:"echo"`
}

type oneBotAPIResponse struct {
	Status  string `json:"status"`
	RetCode int    `json:"retcode"`
	Data    struct {
		MessageID int64 `json:"message_id"`
	} `json:"data"`
	Echo string `json:"echo"`
}

type oneBotSegment struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Start connects to the OneBot endpoint and begins the read loop
func (o *OneBotBot) Start(handler func(Message)) error {
	o.mu.Lock()
	o.handler = handler
	o.mu.Unlock()
	o.ctx, o.cancel = context.WithCancel(context.Background())

	logger.WithFields(logrus.Fields{
		"url":   o.url,
		"token": maskSecret(o.accessToken),
	}).Info("connecting-to-onebot-endpoint")

	header := http.Header{}
	if o.accessToken != "" {
		header.Set("Authorization", "Bearer "+o.accessToken)
	}

	conn, _, err := websocket.DefaultDialer.Dial(o.url, header)
	if err != nil {
		return fmt.Errorf("failed to connect to OneBot endpoint: %w", err)
	}

	o.mu.Lock()
	o.conn = conn
	o.mu.Unlock()

	go o.readLoop(conn)

	logger.Info("onebot-connection-established")
	return nil
}

// readLoop dispatches inbound events and echo-correlated API responses
func (o *OneBotBot) readLoop(conn *websocket.Conn) {
	for {
		select {
		case <-o.ctx.Done():
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			logger.WithField("error", err).Error("onebot-read-failed")
			return
		}

		var event oneBotEvent
		if err := json.Unmarshal(data, &event); err != nil {
			logger.WithField("error", err).Warn("onebot-event-unmarshal-failed")
			continue
		}

		// API responses carry an echo, events carry a post_type
		if event.Echo != "" {
			var resp oneBotAPIResponse
			if err := json.Unmarshal(data, &resp); err == nil {
				o.deliverEcho(resp)
			}
			continue
		}

		if event.PostType == "message" {
			o.handleMessage(event)
		}
	}
}

// handleMessage normalizes a OneBot message event
func (o *OneBotBot) handleMessage(event oneBotEvent) {
	text, replyTo := parseOneBotMessage(event)
	if text == "" {
		return
	}

	displayName := event.Sender.Card
	if displayName == "" {
		displayName = event.Sender.Nickname
	}

	msg := Message{
		Platform:    "onebot",
		UserID:      event.UserID,
		DisplayName: displayName,
		Content:     text,
		MessageID:   strconv.FormatInt(event.MessageID, 10),
		ReplyToID:   replyTo,
		Direct:      event.MessageType == "private",
		Timestamp:   time.Unix(event.Time, 0),
	}
	if event.MessageType == "group" {
		msg.GroupID = event.GroupID
		msg.Channel = "group:" + strconv.FormatInt(event.GroupID, 10)
	} else {
		msg.Channel = "private:" + strconv.FormatInt(event.UserID, 10)
	}

	logger.WithFields(logrus.Fields{
		"platform":   "onebot",
		"user_id":    msg.UserID,
		"channel":    msg.Channel,
		"message_id": msg.MessageID,
		"reply_to":   msg.ReplyToID,
	}).Debug("received-onebot-message")

	o.mu.RLock()
	handler := o.handler
	o.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// parseOneBotMessage extracts plain text and the replied-to id from either
// the array or the CQ-string message format
func parseOneBotMessage(event oneBotEvent) (text, replyTo string) {
	var segments []oneBotSegment
	if err := json.Unmarshal(event.Message, &segments); err == nil {
		for _, seg := range segments {
			switch seg.Type {
			case "text":
				if s, ok := seg.Data["text"].(string); ok {
					text += s
				}
			case "reply":
				if id, ok := seg.Data["id"].(string); ok {
					replyTo = id
				} else if id, ok := seg.Data["id"].(float64); ok {
					replyTo = strconv.FormatInt(int64(id), 10)
				}
			}
		}
		return text, replyTo
	}

	text = event.RawMessage
	if m := replyCQPattern.FindStringSubmatch(text); m != nil {
		replyTo = m[1]
		text = replyCQPattern.ReplaceAllString(text, "")
	}
	return text, replyTo
}

// Send delivers outbound content through the OneBot API
func (o *OneBotBot) Send(out Outbound) (string, error) {
	messageType, targetID, err := splitOneBotChannel(out.Channel)
	if err != nil {
		return "", err
	}

	if len(out.Forward) > 0 {
		return o.sendForward(messageType, targetID, out.Forward)
	}

	var segments []oneBotSegment
	if len(out.Image) > 0 {
		segments = append(segments, oneBotSegment{
			Type: "image",
			Data: map[string]interface{}{
				"file": "base64://" + base64.StdEncoding.EncodeToString(out.Image),
			},
		})
	} else {
		text := out.Text
		if len(text) > constants.MaxOneBotMessageLength {
			text = truncate(text, constants.MaxOneBotMessageLength)
		}
		if out.ReplyTo != "" {
			segments = append(segments, oneBotSegment{
				Type: "reply",
				Data: map[string]interface{}{"id": out.ReplyTo},
			})
		}
		segments = append(segments, oneBotSegment{
			Type: "text",
			Data: map[string]interface{}{"text": text},
		})
	}

	params := map[string]interface{}{
		"message_type": messageType,
		"message":      segments,
	}
	if messageType == "group" {
		params["group_id"] = targetID
	} else {
		params["user_id"] = targetID
	}

	resp, err := o.call("send_msg", params)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.Data.MessageID, 10), nil
}

// sendForward sends a multi-part display as custom forward nodes
func (o *OneBotBot) sendForward(messageType string, targetID int64, nodes []ForwardNode) (string, error) {
	var segments []oneBotSegment
	for _, node := range nodes {
		segments = append(segments, oneBotSegment{
			Type: "node",
			Data: map[string]interface{}{
				"name":    node.Name,
				"uin":     strconv.FormatInt(targetID, 10),
				"content": []oneBotSegment{{Type: "text", Data: map[string]interface{}{"text": node.Content}}},
			},
		})
	}

	action := "send_private_forward_msg"
	params := map[string]interface{}{"messages": segments}
	if messageType == "group" {
		action = "send_group_forward_msg"
		params["group_id"] = targetID
	} else {
		params["user_id"] = targetID
	}

	resp, err := o.call(action, params)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(resp.Data.MessageID, 10), nil
}

// Delete recalls a previously sent message
func (o *OneBotBot) Delete(channel, messageID string) error {
	id, err := strconv.ParseInt(messageID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid message ID format: %w", err)
	}
	_, err = o.call("delete_msg", map[string]interface{}{"message_id": id})
	return err
}

// call issues an echo-correlated OneBot API request and waits for its response
func (o *OneBotBot) call(action string, params interface{}) (oneBotAPIResponse, error) {
	o.mu.RLock()
	conn := o.conn
	o.mu.RUnlock()
	if conn == nil {
		return oneBotAPIResponse{}, fmt.Errorf("onebot connection not established")
	}

	o.echoMu.Lock()
	o.echoCounter++
	echo := "bingchat-" + strconv.FormatInt(o.echoCounter, 10)
	ch := make(chan oneBotAPIResponse, 1)
	o.waiters[echo] = ch
	o.echoMu.Unlock()

	defer func() {
		o.echoMu.Lock()
		delete(o.waiters, echo)
		o.echoMu.Unlock()
	}()

	o.writeMu.Lock()
	err := conn.WriteJSON(oneBotAPIRequest{Action: action, Params: params, Echo: echo})
	o.writeMu.Unlock()
	if err != nil {
		return oneBotAPIResponse{}, fmt.Errorf("onebot %s write failed: %w", action, err)
	}

	select {
	case resp := <-ch:
		if resp.Status == "failed" {
			return resp, fmt.Errorf("onebot %s failed with retcode %d", action, resp.RetCode)
		}
		return resp, nil
	case <-time.After(constants.OneBotAPITimeout):
		return oneBotAPIResponse{}, fmt.Errorf("onebot %s timed out", action)
	}
}

// deliverEcho routes an API response to its waiting caller
func (o *OneBotBot) deliverEcho(resp oneBotAPIResponse) {
	o.echoMu.Lock()
	ch, ok := o.waiters[resp.Echo]
	o.echoMu.Unlock()
	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// splitOneBotChannel parses the "group:123" / "private:456" channel form
func splitOneBotChannel(channel string) (messageType string, targetID int64, err error) {
	var idPart string
	switch {
	case len(channel) > 6 && channel[:6] == "group:":
		messageType, idPart = "group", channel[6:]
	case len(channel) > 8 && channel[:8] == "private:":
		messageType, idPart = "private", channel[8:]
	default:
		return "", 0, fmt.Errorf("invalid onebot channel: %q", channel)
	}

	targetID, err = strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid onebot channel id: %q", channel)
	}
	return messageType, targetID, nil
}

// Stop closes the OneBot connection
func (o *OneBotBot) Stop() error {
	if o.cancel != nil {
		o.cancel()
	}

	o.mu.Lock()
	conn := o.conn
	o.conn = nil
	o.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("failed to close onebot connection: %w", err)
		}
	}

	logger.Info("onebot-adapter-stopped")
	return nil
}
