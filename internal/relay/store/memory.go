package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store with the same atomicity guarantees as the
// Postgres implementation. Used by tests and local runs without a database.
type Memory struct {
	mu        sync.Mutex
	users     map[int64]User
	tokens    map[string]LinkToken
	exchanges map[uuid.UUID]Exchange
	now       func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		users:     make(map[int64]User),
		tokens:    make(map[string]LinkToken),
		exchanges: make(map[uuid.UUID]Exchange),
		now:       time.Now,
	}
}

// SetClock overrides the time source, for expiry tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) UpsertUser(_ context.Context, id int64, username string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.now()
	u, ok := m.users[id]
	if !ok {
		u = User{ID: id, AnswerTip: true, FirstActivity: ts}
	}
	if username != "" {
		u.Username = sql.NullString{String: username, Valid: true}
	}
	u.LastActivity = ts
	m.users[id] = u
	return u, nil
}

func (m *Memory) ActiveToken(_ context.Context, userID int64) (LinkToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.UserID == userID && !t.Revoked {
			return t, nil
		}
	}
	return LinkToken{}, ErrNotFound
}

func (m *Memory) CreateToken(_ context.Context, userID int64, token string) (LinkToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tokens[token]; exists {
		return LinkToken{}, ErrConflict
	}
	for _, t := range m.tokens {
		if t.UserID == userID && !t.Revoked {
			return LinkToken{}, ErrConflict
		}
	}
	t := LinkToken{Token: token, UserID: userID, CreatedAt: m.now()}
	m.tokens[token] = t
	return t, nil
}

func (m *Memory) RevokeTokens(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, t := range m.tokens {
		if t.UserID == userID && !t.Revoked {
			t.Revoked = true
			m.tokens[k] = t
		}
	}
	return nil
}

func (m *Memory) ResolveToken(_ context.Context, token string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok || t.Revoked {
		return User{}, ErrNotFound
	}
	u, ok := m.users[t.UserID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) OpenExchange(_ context.Context, ex Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.exchanges {
		if e.Status == ExchangeOpen && e.SenderID == ex.SenderID && e.RecipientID == ex.RecipientID {
			return ErrConflict
		}
	}
	ex.Status = ExchangeOpen
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = m.now()
	}
	m.exchanges[ex.ID] = ex
	return nil
}

func (m *Memory) Exchange(_ context.Context, id uuid.UUID) (Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.exchanges[id]
	if !ok {
		return Exchange{}, ErrNotFound
	}
	return ex, nil
}

func (m *Memory) CloseExchange(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.exchanges[id]
	if !ok {
		return ErrNotFound
	}
	if ex.Status != ExchangeOpen {
		return ErrConflict
	}
	ex.Status = ExchangeAnswered
	ex.AnsweredAt = sql.NullTime{Time: m.now(), Valid: true}
	m.exchanges[id] = ex
	return nil
}

func (m *Memory) SetRecipientMsg(_ context.Context, id uuid.UUID, msgID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.exchanges[id]
	if !ok {
		return ErrNotFound
	}
	ex.RecipientMsgID = sql.NullInt64{Int64: int64(msgID), Valid: true}
	m.exchanges[id] = ex
	return nil
}

func (m *Memory) FindExchangeByRecipientMsg(_ context.Context, recipientID int64, msgID int) (Exchange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.exchanges {
		if ex.Status == ExchangeOpen && ex.RecipientID == recipientID &&
			ex.RecipientMsgID.Valid && ex.RecipientMsgID.Int64 == int64(msgID) {
			return ex, nil
		}
	}
	return Exchange{}, ErrNotFound
}

func (m *Memory) SetAnswerTip(_ context.Context, userID int64, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.AnswerTip = on
	m.users[userID] = u
	return nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	s.Users = int64(len(m.users))
	for _, t := range m.tokens {
		if !t.Revoked {
			s.ActiveTokens++
		}
	}
	for _, ex := range m.exchanges {
		switch ex.Status {
		case ExchangeOpen:
			s.OpenExchanges++
		case ExchangeAnswered:
			s.AnsweredExchanges++
		}
	}
	return s, nil
}

func (m *Memory) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, ex := range m.exchanges {
		if ex.Status == ExchangeOpen && ex.CreatedAt.Before(before) {
			delete(m.exchanges, id)
			n++
		}
	}
	return n, nil
}

var _ Store = (*Memory)(nil)
