// Package bot provides bot adapters for the supported chat platforms.
//
// Each adapter owns the platform-specific connection (Telegram long
// polling, OneBot v11 WebSocket, Discord gateway), normalizes inbound
// events into Message values and renders Outbound content the best the
// platform allows. Adapters are thread-safe; the message handler callback
// may be invoked from the adapter's own goroutines.
package bot

import "time"

// Adapter is the interface every platform adapter implements
type Adapter interface {
	// Start establishes the platform connection and begins delivering
	// inbound messages to the handler
	Start(handler func(Message)) error

	// Send delivers outbound content and returns the platform message id
	// of the sent message (empty when the platform does not report one).
	// The adapter truncates or degrades content to platform limits.
	Send(out Outbound) (messageID string, err error)

	// Delete removes a previously sent message. Platforms that cannot
	// delete return an error the caller may ignore.
	Delete(channel, messageID string) error

	// Stop closes the connection and releases resources
	Stop() error
}

// Message is a normalized inbound platform message
type Message struct {
	Platform    string // telegram/onebot/discord
	UserID      int64  // numeric sender id, stable per platform
	DisplayName string // sender's visible name
	Channel     string // chat/channel id the message arrived in
	GroupID     int64  // group id, 0 for direct messages
	Direct      bool   // true for private/direct messages
	Content     string // plain text content
	MessageID   string // platform id of this message
	ReplyToID   string // platform id of the message this one replies to
	Timestamp   time.Time
}

// ForwardNode is one named part of a multi-part display, e.g. one turn of
// a conversation history
type ForwardNode struct {
	Name    string
	Content string
}

// Outbound is content handed back from the core for rendering. Exactly one
// of Text, Forward or Image is set.
type Outbound struct {
	Channel string        // destination chat/channel id
	ReplyTo string        // message id to quote-reply, optional
	Text    string        // plain text
	Forward []ForwardNode // multi-part display
	Image   []byte        // rendered markdown as PNG bytes
}
