package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors shared by all store implementations. Callers translate
// them into the relay taxonomy; anything else is treated as transient.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// User is a participant keyed by the platform id. Rows are never deleted.
type User struct {
	ID            int64          `db:"id"`
	Username      sql.NullString `db:"username"`
	AnswerTip     bool           `db:"answer_tip"`
	FirstActivity time.Time      `db:"first_activity"`
	LastActivity  time.Time      `db:"last_activity"`
}

// LinkToken binds an opaque token to its owner. Revocation flips the flag,
// rows are kept for history.
type LinkToken struct {
	Token     string    `db:"token"`
	UserID    int64     `db:"user_id"`
	Revoked   bool      `db:"revoked"`
	CreatedAt time.Time `db:"created_at"`
}

// Exchange statuses.
const (
	ExchangeOpen     = "open"
	ExchangeAnswered = "answered"
)

// Exchange correlates a relayed anonymous message with its hidden sender so
// one reply can be routed back. SenderID never leaves the server side.
type Exchange struct {
	ID             uuid.UUID     `db:"id"`
	SenderID       int64         `db:"sender_id"`
	RecipientID    int64         `db:"recipient_id"`
	Content        string        `db:"content"`
	RecipientMsgID sql.NullInt64 `db:"recipient_msg_id"`
	Status         string        `db:"status"`
	CreatedAt      time.Time     `db:"created_at"`
	AnsweredAt     sql.NullTime  `db:"answered_at"`
}

// Stats aggregates counters for the admin surface.
type Stats struct {
	Users             int64 `db:"users"`
	ActiveTokens      int64 `db:"active_tokens"`
	OpenExchanges     int64 `db:"open_exchanges"`
	AnsweredExchanges int64 `db:"answered_exchanges"`
}

// Store is the durable mapping of users, link tokens and pending exchanges.
// All writes are atomic with respect to concurrent dispatcher invocations.
type Store interface {
	// UpsertUser creates the user on first contact or refreshes the handle
	// and last-activity timestamp. Idempotent.
	UpsertUser(ctx context.Context, id int64, username string) (User, error)

	// ActiveToken returns the user's current non-revoked token or ErrNotFound.
	ActiveToken(ctx context.Context, userID int64) (LinkToken, error)
	// CreateToken inserts a fresh token for the user. ErrConflict when the
	// token value collides or the user already holds an active token.
	CreateToken(ctx context.Context, userID int64, token string) (LinkToken, error)
	// RevokeTokens revokes every active token of the user.
	RevokeTokens(ctx context.Context, userID int64) error
	// ResolveToken maps a token to its owner. Revoked and unknown tokens are
	// both ErrNotFound so callers cannot enumerate revoked values.
	ResolveToken(ctx context.Context, token string) (User, error)

	// OpenExchange inserts an open exchange. ErrConflict when the
	// (sender, recipient) pair already has one open.
	OpenExchange(ctx context.Context, ex Exchange) error
	// Exchange loads by id, any status.
	Exchange(ctx context.Context, id uuid.UUID) (Exchange, error)
	// CloseExchange flips open -> answered. ErrConflict when already
	// answered, ErrNotFound when the id is unknown.
	CloseExchange(ctx context.Context, id uuid.UUID) error
	// SetRecipientMsg records the delivered message id used for
	// native-reply correlation.
	SetRecipientMsg(ctx context.Context, id uuid.UUID, msgID int) error
	// FindExchangeByRecipientMsg locates the open exchange behind a message
	// delivered to recipientID, or ErrNotFound.
	FindExchangeByRecipientMsg(ctx context.Context, recipientID int64, msgID int) (Exchange, error)

	// SetAnswerTip toggles the reply-tip footer preference.
	SetAnswerTip(ctx context.Context, userID int64, on bool) error
	// Stats returns aggregate counters.
	Stats(ctx context.Context) (Stats, error)
	// DeleteExpired removes open exchanges created before the cutoff and
	// returns how many were dropped.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}
