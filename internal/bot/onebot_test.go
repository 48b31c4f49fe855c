package bot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOneBotBot_AdapterInterface(t *testing.T) {
	var _ Adapter = (*OneBotBot)(nil)
}

func TestParseOneBotMessage_SegmentArray(t *testing.T) {
	event := oneBotEvent{
		Message: json.RawMessage(`[
			{"type": "reply", "data": {"id": "12345"}},
			{"type": "text", "data": {"text": "hello "}},
			{"type": "text", "data": {"text": "world"}}
		]`),
	}

	text, replyTo := parseOneBotMessage(event)
	assert.Equal(t, "hello world", text)
	assert.Equal(t, "12345", replyTo)
}

func TestParseOneBotMessage_NumericReplyID(t *testing.T) {
	event := oneBotEvent{
		Message: json.RawMessage(`[
			{"type": "reply", "data": {"id": 678}},
			{"type": "text", "data": {"text": "hi"}}
		]`),
	}

	text, replyTo := parseOneBotMessage(event)
	assert.Equal(t, "hi", text)
	assert.Equal(t, "678", replyTo)
}

func TestParseOneBotMessage_CQString(t *testing.T) {
	event := oneBotEvent{
		Message:    json.RawMessage(`"[CQ:reply,id=99]continue please"`),
		RawMessage: "[CQ:reply,id=99]continue please",
	}

	text, replyTo := parseOneBotMessage(event)
	assert.Equal(t, "continue please", text)
	assert.Equal(t, "99", replyTo)
}

func TestParseOneBotMessage_PlainString(t *testing.T) {
	event := oneBotEvent{
		Message:    json.RawMessage(`"/chat hi"`),
		RawMessage: "/chat hi",
	}

	text, replyTo := parseOneBotMessage(event)
	assert.Equal(t, "/chat hi", text)
	assert.Empty(t, replyTo)
}

func TestSplitOneBotChannel(t *testing.T) {
	tests := []struct {
		channel  string
		wantType string
		wantID   int64
		wantErr  bool
	}{
		{"group:12345", "group", 12345, false},
		{"private:67890", "private", 67890, false},
		{"group:", "", 0, true},
		{"group:abc", "", 0, true},
		{"channel-7", "", 0, true},
		{"", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			messageType, id, err := splitOneBotChannel(tt.channel)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, messageType)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

func TestOneBotBot_SendWithoutConnection(t *testing.T) {
	o := NewOneBotBot("ws://127.0.0.1:6700", "")
	_, err := o.Send(Outbound{Channel: "group:1", Text: "hi"})
	assert.Error(t, err)
}

func TestOneBotBot_HandleMessageNormalization(t *testing.T) {
	o := NewOneBotBot("ws://127.0.0.1:6700", "")

	var got Message
	o.handler = func(m Message) { got = m }

	event := oneBotEvent{
		PostType:    "message",
		MessageType: "group",
		MessageID:   5550001,
		UserID:      10001,
		GroupID:     20002,
		RawMessage:  "/chat hi",
		Message:     json.RawMessage(`"/chat hi"`),
		Time:        1700000000,
	}
	event.Sender.Nickname = "alice"
	event.Sender.Card = "group-alice"

	o.handleMessage(event)

	assert.Equal(t, "onebot", got.Platform)
	assert.Equal(t, int64(10001), got.UserID)
	assert.Equal(t, "group-alice", got.DisplayName, "group card wins over nickname")
	assert.Equal(t, "group:20002", got.Channel)
	assert.Equal(t, int64(20002), got.GroupID)
	assert.False(t, got.Direct)
	assert.Equal(t, "5550001", got.MessageID)
	assert.Equal(t, "/chat hi", got.Content)
}

func TestOneBotBot_PrivateChannelForm(t *testing.T) {
	o := NewOneBotBot("ws://127.0.0.1:6700", "")

	var got Message
	o.handler = func(m Message) { got = m }

	event := oneBotEvent{
		PostType:    "message",
		MessageType: "private",
		MessageID:   1,
		UserID:      42,
		RawMessage:  "hello",
		Message:     json.RawMessage(`"hello"`),
	}
	event.Sender.Nickname = "bob"

	o.handleMessage(event)

	assert.Equal(t, "private:42", got.Channel)
	assert.True(t, got.Direct)
	assert.Equal(t, int64(0), got.GroupID)
	assert.Equal(t, "bob", got.DisplayName)
}
