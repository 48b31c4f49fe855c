package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mellowbot/bingchat/internal/backend"
	"github.com/mellowbot/bingchat/internal/bot"
	"github.com/mellowbot/bingchat/internal/credential"
	"github.com/mellowbot/bingchat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	throttledPayload = `{"item": {"result": {"value": "Throttled"}}}`

	limitPayload = `{
		"item": {
			"result": {"value": "Success"},
			"throttling": {
				"numUserMessagesInConversation": 21,
				"maxNumUserMessagesInConversation": 20
			},
			"messages": [{"text": "q"}, {"text": "ignored"}]
		}
	}`
)

func successPayload(answer string) []byte {
	return []byte(fmt.Sprintf(`{
		"item": {
			"result": {"value": "Success"},
			"throttling": {
				"numUserMessagesInConversation": 1,
				"maxNumUserMessagesInConversation": 20
			},
			"messages": [
				{"text": "q"},
				{"text": %q, "sourceAttributions": [], "suggestedResponses": []}
			]
		}
	}`, answer))
}

// fakeAdapter records everything the engine sends through it
type fakeAdapter struct {
	mu      sync.Mutex
	sent    []bot.Outbound
	deleted []string
	nextID  int
}

func (f *fakeAdapter) Start(handler func(bot.Message)) error { return nil }

func (f *fakeAdapter) Send(out bot.Outbound) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, out)
	return fmt.Sprintf("m%d", f.nextID), nil
}

func (f *fakeAdapter) Delete(channel, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAdapter) Stop() error { return nil }

func (f *fakeAdapter) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.sent))
	for i, out := range f.sent {
		texts[i] = out.Text
	}
	return texts
}

// scriptedConversation replays canned payloads and records the prompts
type scriptedConversation struct {
	mu      sync.Mutex
	replies [][]byte
	prompts []string
	closed  bool
}

func (c *scriptedConversation) Ask(ctx context.Context, prompt string, style backend.Style) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if len(c.replies) == 0 {
		return nil, fmt.Errorf("no scripted reply left")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

func (c *scriptedConversation) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptedConversation) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *scriptedConversation) promptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.prompts)
}

// scriptedDialer hands out conversations in order, one per dial
func scriptedDialer(convs ...*scriptedConversation) backend.Dialer {
	var mu sync.Mutex
	next := 0
	return func(credentialPath string) (backend.Conversation, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(convs) {
			return nil, fmt.Errorf("dialed more conversations than scripted")
		}
		conv := convs[next]
		next++
		return conv, nil
	}
}

func credentialDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range names {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(`[{"name": "_U", "value": "x"}]`), 0644))
	}
	return dir
}

func engineTestConfig(credDir string) *Config {
	return &Config{
		Commands: CommandsConfig{
			Prefix:      "/",
			Chat:        []string{"chat"},
			NewChat:     []string{"chat-new"},
			HistoryChat: []string{"chat-history"},
		},
		Security:     SecurityConfig{GroupFilterMode: "blacklist"},
		Backend:      BackendConfig{GatewayURL: "http://127.0.0.1:8800", Timeout: "5s"},
		Credentials:  CredentialsConfig{Directory: credDir, AutoSwitch: true},
		Conversation: ConversationConfig{AutoRefresh: boolPtr(true), MaxHistory: 64},
		Display: DisplayConfig{
			ContentTypes: []string{"text.answer"},
			ShowWaiting:  boolPtr(false),
		},
		ChatLog: ChatLogConfig{Enabled: boolPtr(false)},
		Bots:    map[string]BotConfig{"test": {Enabled: true}},
	}
}

func newTestEngine(t *testing.T, config *Config, pool *credential.Pool, dialer backend.Dialer) (*Engine, *fakeAdapter) {
	t.Helper()
	e, err := NewEngine(config, pool, dialer)
	require.NoError(t, err)
	adapter := &fakeAdapter{}
	e.RegisterBot("test", adapter)
	return e, adapter
}

func loadTestPool(t *testing.T, dir string, probe credential.Prober) *credential.Pool {
	t.Helper()
	if probe == nil {
		probe = func(ctx context.Context, cred credential.Credential) bool { return true }
	}
	pool, err := credential.LoadPool(dir, probe)
	require.NoError(t, err)
	return pool
}

func inbound(content string) bot.Message {
	return bot.Message{
		Platform:    "test",
		UserID:      7,
		DisplayName: "alice",
		Channel:     "c1",
		Direct:      true,
		Content:     content,
		MessageID:   "u1",
	}
}

func TestHandleMessage_SuccessTurn(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{replies: [][]byte{successPayload("the answer")}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat hello bing"))

	require.Equal(t, []string{"hello bing"}, conv.prompts)
	require.Equal(t, []string{"the answer"}, adapter.texts())
	assert.Equal(t, "c1", adapter.sent[0].Channel)
	assert.Equal(t, "u1", adapter.sent[0].ReplyTo)

	sess := e.store.GetOrCreate(session.Identity{Platform: "test", UserID: 7}, "alice")
	assert.Equal(t, 1, e.store.HistoryLen(sess))
	assert.False(t, sess.Waiting)

	// the sent answer is bound so a platform reply continues the conversation
	owner, ok := e.store.LookupReply("test", "m1")
	require.True(t, ok)
	assert.Equal(t, session.Identity{Platform: "test", UserID: 7}, owner)
}

func TestHandleMessage_EmptyPromptShowsHelp(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer())

	e.HandleMessage(inbound("/chat"))

	require.Equal(t, []string{HelpMessage}, adapter.texts())
}

func TestHandleMessage_SecondTurnBlockedWhileWaiting(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(conv))

	sess := e.store.GetOrCreate(session.Identity{Platform: "test", UserID: 7}, "alice")
	require.NoError(t, e.store.BeginTurn(sess))
	defer e.store.EndTurn(sess)

	e.HandleMessage(inbound("/chat second prompt"))

	assert.Equal(t, []string{msgAlreadyWaiting}, adapter.texts())
	assert.Zero(t, conv.promptCount(), "the backend must not be asked while a turn is in flight")
}

func TestHandleMessage_ConversationLimitAutoRefresh(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	exhausted := &scriptedConversation{replies: [][]byte{[]byte(limitPayload)}}
	fresh := &scriptedConversation{replies: [][]byte{successPayload("fresh answer")}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(exhausted, fresh))

	e.HandleMessage(inbound("/chat over the limit"))

	require.Equal(t, []string{msgAutoRefreshing, "fresh answer"}, adapter.texts())
	assert.Equal(t, []string{"over the limit"}, exhausted.prompts)
	assert.Equal(t, []string{"over the limit"}, fresh.prompts)

	sess := e.store.GetOrCreate(session.Identity{Platform: "test", UserID: 7}, "alice")
	assert.Equal(t, 1, e.store.HistoryLen(sess), "only the successful turn is recorded")

	require.Eventually(t, exhausted.isClosed, time.Second, 10*time.Millisecond,
		"the exhausted conversation should be closed after the refresh")
	assert.False(t, fresh.isClosed())
}

func TestHandleMessage_AutoRefreshDisabled(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{replies: [][]byte{[]byte(limitPayload)}}
	config := engineTestConfig(dir)
	config.Conversation.AutoRefresh = boolPtr(false)
	e, adapter := newTestEngine(t, config, loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat over the limit"))

	assert.Equal(t, []string{msgTryRefresh}, adapter.texts())
	assert.Equal(t, 1, conv.promptCount())
}

func TestHandleMessage_ThrottledRotatesAndClearsAll(t *testing.T) {
	dir := credentialDir(t, "a.json", "b.json", "c.json")
	probe := func(ctx context.Context, cred credential.Credential) bool {
		return strings.HasSuffix(cred.Path, "b.json")
	}
	conv := &scriptedConversation{replies: [][]byte{[]byte(throttledPayload)}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, probe), scriptedDialer(conv))

	// a second user's session must be reset by the rotation too
	otherHandle := &scriptedConversation{}
	other := e.store.GetOrCreate(session.Identity{Platform: "test", UserID: 99}, "bob")
	e.store.SetHandle(other, otherHandle)

	e.HandleMessage(inbound("/chat exhaust me"))

	assert.Equal(t, []string{msgRotating, msgRotated}, adapter.texts())
	assert.True(t, strings.HasSuffix(e.pool.Active().Path, "b.json"))
	assert.False(t, e.pool.Switching())

	assert.Nil(t, e.store.Handle(other))
	require.Eventually(t, otherHandle.isClosed, time.Second, 10*time.Millisecond)
}

func TestHandleMessage_ThrottledWithoutAutoSwitch(t *testing.T) {
	dir := credentialDir(t, "a.json", "b.json")
	conv := &scriptedConversation{replies: [][]byte{[]byte(throttledPayload)}}
	config := engineTestConfig(dir)
	config.Credentials.AutoSwitch = false
	e, adapter := newTestEngine(t, config, loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat exhaust me"))

	assert.Equal(t, []string{msgContactAdmin}, adapter.texts())
	assert.True(t, strings.HasSuffix(e.pool.Active().Path, "a.json"), "active credential must not move")
}

func TestHandleMessage_RotationFindsNoUsableCredential(t *testing.T) {
	dir := credentialDir(t, "a.json", "b.json")
	probe := func(ctx context.Context, cred credential.Credential) bool { return false }
	conv := &scriptedConversation{replies: [][]byte{[]byte(throttledPayload)}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, probe), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat exhaust me"))

	assert.Equal(t, []string{msgRotating, msgNoUsableCookies}, adapter.texts())
	assert.False(t, e.pool.Switching())
}

func TestHandleMessage_NewChatResets(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{replies: [][]byte{successPayload("first answer")}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat hello"))
	e.HandleMessage(inbound("/chat-new"))

	assert.Equal(t, []string{"first answer", msgCleared}, adapter.texts())

	sess := e.store.GetOrCreate(session.Identity{Platform: "test", UserID: 7}, "alice")
	assert.Zero(t, e.store.HistoryLen(sess))
	assert.Nil(t, e.store.Handle(sess))
	require.Eventually(t, conv.isClosed, time.Second, 10*time.Millisecond)
}

func TestHandleMessage_NewChatWithPromptStartsTurn(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{replies: [][]byte{successPayload("clean slate")}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat-new start over"))

	assert.Equal(t, []string{"clean slate"}, adapter.texts())
	assert.Equal(t, []string{"start over"}, conv.prompts)
}

func TestHandleMessage_History(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{replies: [][]byte{successPayload("the answer")}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat-history"))
	e.HandleMessage(inbound("/chat hello"))
	e.HandleMessage(inbound("/chat-history"))

	require.Len(t, adapter.sent, 3)
	assert.Equal(t, msgNoHistory, adapter.sent[0].Text)

	forward := adapter.sent[2].Forward
	require.Len(t, forward, 2)
	assert.Equal(t, bot.ForwardNode{Name: "alice", Content: "hello"}, forward[0])
	assert.Equal(t, bot.ForwardNode{Name: "BingChat", Content: "the answer"}, forward[1])
}

func TestHandleMessage_ReplyContinuesConversation(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{replies: [][]byte{
		successPayload("first"),
		successPayload("second"),
	}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat hello"))

	followUp := inbound("and another thing")
	followUp.ReplyToID = "m1"
	e.HandleMessage(followUp)

	assert.Equal(t, []string{"hello", "and another thing"}, conv.prompts)
	assert.Equal(t, []string{"first", "second"}, adapter.texts())
}

func TestHandleMessage_ReplyFromAnotherUserIgnored(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{replies: [][]byte{successPayload("first")}}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat hello"))

	intruder := inbound("hijack attempt")
	intruder.UserID = 99
	intruder.ReplyToID = "m1"
	e.HandleMessage(intruder)

	assert.Equal(t, []string{"hello"}, conv.prompts)
	assert.Len(t, adapter.sent, 1)
}

func TestHandleMessage_UnprefixedWithoutReplyIgnored(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("just chatting in the group"))

	assert.Empty(t, adapter.sent)
	assert.Zero(t, conv.promptCount())
}

func TestHandleMessage_WaitingIndicator(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	conv := &scriptedConversation{replies: [][]byte{successPayload("the answer")}}
	config := engineTestConfig(dir)
	config.Display.ShowWaiting = boolPtr(true)
	e, adapter := newTestEngine(t, config, loadTestPool(t, dir, nil), scriptedDialer(conv))

	e.HandleMessage(inbound("/chat hello"))

	require.Equal(t, []string{msgAsking, "the answer"}, adapter.texts())
	assert.Equal(t, []string{"m1"}, adapter.deleted, "the waiting indicator is deleted once the turn ends")
}

func TestHandleMessage_GroupPermissionDenied(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	config := engineTestConfig(dir)
	config.Security.GroupBlacklist = []int64{666}
	e, adapter := newTestEngine(t, config, loadTestPool(t, dir, nil), scriptedDialer())

	msg := inbound("/chat hello")
	msg.Direct = false
	msg.GroupID = 666
	e.HandleMessage(msg)

	assert.Equal(t, []string{msgPermissionDenied}, adapter.texts())
}

func TestHandleMessage_RejectedWhileSwitching(t *testing.T) {
	dir := credentialDir(t, "a.json", "b.json")
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	var once sync.Once
	probe := func(ctx context.Context, cred credential.Credential) bool {
		once.Do(func() { close(probeStarted) })
		<-probeRelease
		return true
	}
	e, adapter := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, probe), scriptedDialer())

	go e.pool.Rotate(context.Background())
	<-probeStarted

	e.HandleMessage(inbound("/chat hello"))
	close(probeRelease)

	assert.Equal(t, []string{msgSwitching}, adapter.texts())
}

func TestMatchCommand(t *testing.T) {
	dir := credentialDir(t, "cookies.json")
	e, _ := newTestEngine(t, engineTestConfig(dir), loadTestPool(t, dir, nil), scriptedDialer())

	tests := []struct {
		content string
		kind    commandKind
		arg     string
	}{
		{"/chat hello there", commandChat, "hello there"},
		{"/chat", commandChat, ""},
		{"/chat-new", commandNewChat, ""},
		{"/chat-new fresh start", commandNewChat, "fresh start"},
		{"/chat-history", commandHistoryChat, ""},
		{"/chat-newish", commandNone, ""},
		{"chat hello", commandNone, ""},
		{"/unknown", commandNone, ""},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			kind, arg := e.matchCommand(tt.content)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestNewProber(t *testing.T) {
	cred := credential.Credential{Path: "cookies.json"}

	t.Run("usable on success", func(t *testing.T) {
		conv := &scriptedConversation{replies: [][]byte{successPayload("hi")}}
		probe := NewProber(scriptedDialer(conv), backend.StyleBalanced)
		assert.True(t, probe(context.Background(), cred))
		assert.Equal(t, []string{"Hello"}, conv.prompts)
		assert.True(t, conv.isClosed())
	})

	t.Run("unusable on throttled", func(t *testing.T) {
		conv := &scriptedConversation{replies: [][]byte{[]byte(throttledPayload)}}
		probe := NewProber(scriptedDialer(conv), backend.StyleBalanced)
		assert.False(t, probe(context.Background(), cred))
	})

	t.Run("unusable on dial error", func(t *testing.T) {
		probe := NewProber(scriptedDialer(), backend.StyleBalanced)
		assert.False(t, probe(context.Background(), cred))
	})

	t.Run("unusable on ask error", func(t *testing.T) {
		conv := &scriptedConversation{}
		probe := NewProber(scriptedDialer(conv), backend.StyleBalanced)
		assert.False(t, probe(context.Background(), cred))
	})
}
