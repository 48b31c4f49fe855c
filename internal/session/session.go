// Package session owns per-user conversation state.
//
// The Store is the single authority for session lookup, creation, the
// single-flight waiting gate, and teardown. It is an in-process store by
// design: conversations are ephemeral and do not survive a restart.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/mellowbot/bingchat/internal/backend"
	"github.com/mellowbot/bingchat/internal/response"
	"github.com/mellowbot/bingchat/pkg/constants"
)

// ErrAlreadyWaiting reports that a turn is already in flight for a session
var ErrAlreadyWaiting = errors.New("a reply for this conversation is still pending")

// Identity names a user across platforms. Comparable, used as a map key.
type Identity struct {
	Platform string
	UserID   int64
}

// Conversation is one completed turn: the prompt and its classified reply.
// Never mutated after append.
type Conversation struct {
	Prompt   string
	Response *response.Response
}

// Session is a user's single ongoing conversation. All mutation goes
// through Store methods; the Handle is an opaque backend conversation that
// the engine dials lazily and closes on reset.
type Session struct {
	Identity    Identity
	DisplayName string
	Handle      backend.Conversation
	Waiting     bool
	LastActive  time.Time
	History     []Conversation
}

// replyKey identifies one outbound bot message
type replyKey struct {
	platform  string
	messageID string
}

// Store holds every session plus the reply index that maps outbound bot
// message ids back to the conversation they belong to.
type Store struct {
	mu       sync.RWMutex
	sessions map[Identity]*Session

	// maxHistory caps History length; <0 means unbounded
	maxHistory int

	replyIndex map[replyKey]Identity
	replyOrder []replyKey
	replyCap   int

	now func() time.Time
}

// Option customizes a Store
type Option func(*Store)

// WithMaxHistory sets the per-session history cap. Zero keeps the default;
// a negative value disables eviction.
func WithMaxHistory(n int) Option {
	return func(s *Store) {
		if n != 0 {
			s.maxHistory = n
		}
	}
}

// WithClock injects a time source for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty session store
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:   make(map[Identity]*Session),
		maxHistory: constants.DefaultMaxHistory,
		replyIndex: make(map[replyKey]Identity),
		replyCap:   constants.ReplyIndexCapacity,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreate returns the session for the identity, inserting a fresh one
// on first use. Idempotent.
func (s *Store) GetOrCreate(id Identity, displayName string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess
	}

	sess := &Session{
		Identity:    id,
		DisplayName: displayName,
		LastActive:  s.now(),
	}
	s.sessions[id] = sess
	return sess
}

// BeginTurn admits a new turn for the session. The check and the set happen
// under one lock so two concurrent turns can never both pass the gate.
func (s *Store) BeginTurn(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.Waiting {
		return ErrAlreadyWaiting
	}
	sess.Waiting = true
	sess.LastActive = s.now()
	return nil
}

// EndTurn releases the gate unconditionally. Callers run it in a deferred
// path so a failed turn can never lock a user out.
func (s *Store) EndTurn(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.Waiting = false
}

// Record appends one completed conversation, evicting the oldest entries
// beyond the history cap.
func (s *Store) Record(sess *Session, prompt string, resp *response.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.History = append(sess.History, Conversation{Prompt: prompt, Response: resp})
	if s.maxHistory >= 0 && len(sess.History) > s.maxHistory {
		drop := len(sess.History) - s.maxHistory
		sess.History = append(sess.History[:0:0], sess.History[drop:]...)
	}
	sess.LastActive = s.now()
}

// Clear resets the session: the backend handle is detached (closing it is
// the caller's job), history is emptied and the display name updated.
// The detached handle is returned so the caller can close it.
func (s *Store) Clear(sess *Session, displayName string) backend.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := sess.Handle
	sess.Handle = nil
	sess.History = nil
	if displayName != "" {
		sess.DisplayName = displayName
	}
	sess.LastActive = s.now()
	return handle
}

// ClearAll resets every session, invoking fn with each detached handle.
// Used for the forced reset after a credential rotation.
func (s *Store) ClearAll(fn func(Identity, backend.Conversation)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		handle := sess.Handle
		sess.Handle = nil
		sess.History = nil
		sess.LastActive = s.now()
		if fn != nil && handle != nil {
			fn(id, handle)
		}
	}
}

// SetHandle attaches a backend conversation to the session
func (s *Store) SetHandle(sess *Session, handle backend.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.Handle = handle
}

// Handle reads the session's backend conversation
func (s *Store) Handle(sess *Session) backend.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sess.Handle
}

// HistoryLen reports the number of recorded conversations
func (s *Store) HistoryLen(sess *Session) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(sess.History)
}

// Snapshot copies the session history for rendering
func (s *Store) Snapshot(sess *Session) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation(nil), sess.History...)
}

// Len reports the number of sessions in the store
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// BindReply remembers which conversation an outbound bot message belongs
// to, so a platform reply to that message continues the conversation
// without the command prefix. The index is a bounded FIFO.
func (s *Store) BindReply(platform, messageID string, id Identity) {
	if messageID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := replyKey{platform: platform, messageID: messageID}
	if _, ok := s.replyIndex[key]; !ok {
		s.replyOrder = append(s.replyOrder, key)
	}
	s.replyIndex[key] = id

	for len(s.replyOrder) > s.replyCap {
		oldest := s.replyOrder[0]
		s.replyOrder = s.replyOrder[1:]
		delete(s.replyIndex, oldest)
	}
}

// LookupReply resolves an outbound message id back to its conversation owner
func (s *Store) LookupReply(platform, messageID string) (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.replyIndex[replyKey{platform: platform, messageID: messageID}]
	return id, ok
}
