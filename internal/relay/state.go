package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// StateKind enumerates the per-chat conversation cursor positions.
type StateKind int

const (
	// StateIdle is the initial and terminal position.
	StateIdle StateKind = iota
	// StateAwaitingMessage waits for the sender's anonymous text after they
	// opened someone's link.
	StateAwaitingMessage
	// StateAwaitingReply waits for the recipient's reply to a relayed
	// exchange.
	StateAwaitingReply
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateAwaitingMessage:
		return "awaiting_message"
	case StateAwaitingReply:
		return "awaiting_reply"
	}
	return "unknown"
}

// State is the conversation cursor of one chat. Token is set only in
// StateAwaitingMessage, ExchangeID only in StateAwaitingReply.
type State struct {
	Kind       StateKind
	Token      string
	ExchangeID uuid.UUID
	Since      time.Time
}

// Idle reports whether the cursor is at rest.
func (s State) Idle() bool { return s.Kind == StateIdle }

// StateManager keeps per-chat cursors in memory. Cursors are derived data:
// after a restart every chat starts over at Idle, which only costs an
// abandoned prompt.
type StateManager struct {
	mu        sync.Mutex
	chats     map[int64]State
	idleAfter time.Duration
}

// NewStateManager builds a manager that lazily expires cursors older than
// idleAfter on next access.
func NewStateManager(idleAfter time.Duration) *StateManager {
	return &StateManager{
		chats:     make(map[int64]State),
		idleAfter: idleAfter,
	}
}

// Get returns the chat's cursor, applying lazy expiry. expired is true
// exactly once per abandoned flow: the cursor is reset before returning.
func (m *StateManager) Get(chatID int64, now time.Time) (s State, expired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.chats[chatID]
	if !ok || s.Kind == StateIdle {
		return State{Kind: StateIdle}, false
	}
	if m.idleAfter > 0 && now.Sub(s.Since) > m.idleAfter {
		delete(m.chats, chatID)
		return State{Kind: StateIdle}, true
	}
	return s, false
}

// Put overwrites the chat's cursor. Idle cursors are dropped from the map so
// the namespace stays bounded by chats mid-flow.
func (m *StateManager) Put(chatID int64, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Kind == StateIdle {
		delete(m.chats, chatID)
		return
	}
	m.chats[chatID] = s
}

// Reset clears the chat's cursor.
func (m *StateManager) Reset(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, chatID)
}

// InProgress reports whether the chat holds a non-idle cursor. Expired
// cursors still count: routing them into the flow lets expiry surface its
// notice instead of falling through to command guidance.
func (m *StateManager) InProgress(chatID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.chats[chatID]
	return ok && s.Kind != StateIdle
}
