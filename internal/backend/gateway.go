package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mellowbot/bingchat/internal/logger"
	"github.com/mellowbot/bingchat/pkg/constants"
	"github.com/sirupsen/logrus"
)

// GatewayConfig configures the HTTP chat gateway client
type GatewayConfig struct {
	// URL is the base URL of the EdgeGPT-compatible gateway service
	URL string
	// Proxy is an optional proxy URL for outbound requests
	Proxy string
	// Timeout bounds a single ask; zero means constants.DefaultBackendTimeout
	Timeout time.Duration
}

// gatewayConversation drives one conversation through an HTTP gateway that
// speaks the chat protocol on our behalf. The conversation identifier the
// gateway hands back stays opaque to us.
type gatewayConversation struct {
	client         *resty.Client
	cookies        json.RawMessage
	conversationID string
}

type askRequest struct {
	ConversationID string          `json:"conversationId,omitempty"`
	Prompt         string          `json:"prompt"`
	Style          string          `json:"style"`
	Cookies        json.RawMessage `json:"cookies"`
}

type askReply struct {
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload"`
}

// NewGatewayDialer returns a Dialer that opens conversations through the
// configured gateway. The credential file's cookies are loaded once per
// conversation so a rotation never mutates handles already in flight.
func NewGatewayDialer(cfg GatewayConfig) Dialer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = constants.DefaultBackendTimeout
	}

	return func(credentialPath string) (Conversation, error) {
		cookies, err := os.ReadFile(credentialPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read credential file: %w", err)
		}

		client := resty.New().
			SetBaseURL(cfg.URL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json")
		if cfg.Proxy != "" {
			client.SetProxy(cfg.Proxy)
		}

		return &gatewayConversation{
			client:  client,
			cookies: cookies,
		}, nil
	}
}

// Ask sends the prompt through the gateway and returns the raw reply payload
func (c *gatewayConversation) Ask(ctx context.Context, prompt string, style Style) ([]byte, error) {
	var reply askReply
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(askRequest{
			ConversationID: c.conversationID,
			Prompt:         prompt,
			Style:          string(style),
			Cookies:        c.cookies,
		}).
		SetResult(&reply).
		Post("/conversation/ask")
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	if resp.IsError() {
		logger.WithFields(logrus.Fields{
			"status": resp.StatusCode(),
			"body":   resp.String(),
		}).Error("gateway-returned-error-status")
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode())
	}

	// the gateway allocates the conversation on first ask
	if reply.ConversationID != "" {
		c.conversationID = reply.ConversationID
	}

	return reply.Payload, nil
}

// Close releases the gateway-side conversation. Best effort: the gateway
// expires idle conversations on its own.
func (c *gatewayConversation) Close() error {
	if c.conversationID == "" {
		return nil
	}

	resp, err := c.client.R().
		SetBody(map[string]string{"conversationId": c.conversationID}).
		Post("/conversation/close")
	if err != nil {
		return fmt.Errorf("gateway close failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("gateway close returned status %d", resp.StatusCode())
	}

	c.conversationID = ""
	return nil
}
