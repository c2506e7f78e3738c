package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

// Postgres implements Store on top of sqlx.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres wraps an established connection pool.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

func (p *Postgres) UpsertUser(ctx context.Context, id int64, username string) (User, error) {
	var u User
	err := p.db.GetContext(ctx, &u, `
		INSERT INTO users (id, username)
		VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (id) DO UPDATE
		SET username      = COALESCE(NULLIF($2, ''), users.username),
		    last_activity = now()
		RETURNING id, username, answer_tip, first_activity, last_activity`,
		id, username,
	)
	return u, err
}

func (p *Postgres) ActiveToken(ctx context.Context, userID int64) (LinkToken, error) {
	var t LinkToken
	err := p.db.GetContext(ctx, &t, `
		SELECT token, user_id, revoked, created_at
		FROM link_tokens
		WHERE user_id = $1 AND NOT revoked`,
		userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return LinkToken{}, ErrNotFound
	}
	return t, err
}

func (p *Postgres) CreateToken(ctx context.Context, userID int64, token string) (LinkToken, error) {
	var t LinkToken
	err := p.db.GetContext(ctx, &t, `
		INSERT INTO link_tokens (token, user_id)
		VALUES ($1, $2)
		RETURNING token, user_id, revoked, created_at`,
		token, userID,
	)
	if isUniqueViolation(err) {
		return LinkToken{}, ErrConflict
	}
	return t, err
}

func (p *Postgres) RevokeTokens(ctx context.Context, userID int64) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE link_tokens SET revoked = true WHERE user_id = $1 AND NOT revoked`,
		userID)
	return err
}

func (p *Postgres) ResolveToken(ctx context.Context, token string) (User, error) {
	var u User
	err := p.db.GetContext(ctx, &u, `
		SELECT u.id, u.username, u.answer_tip, u.first_activity, u.last_activity
		FROM link_tokens t
		JOIN users u ON u.id = t.user_id
		WHERE t.token = $1 AND NOT t.revoked`,
		token,
	)
	if errors.Is(err, sql.ErrNoRows) {
		// Revoked and never-existed collapse into the same outcome.
		return User{}, ErrNotFound
	}
	return u, err
}

func (p *Postgres) OpenExchange(ctx context.Context, ex Exchange) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_exchanges (id, sender_id, recipient_id, content)
		VALUES ($1, $2, $3, $4)`,
		ex.ID, ex.SenderID, ex.RecipientID, ex.Content,
	)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func (p *Postgres) Exchange(ctx context.Context, id uuid.UUID) (Exchange, error) {
	var ex Exchange
	err := p.db.GetContext(ctx, &ex, `
		SELECT id, sender_id, recipient_id, content, recipient_msg_id,
		       status, created_at, answered_at
		FROM pending_exchanges
		WHERE id = $1`,
		id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Exchange{}, ErrNotFound
	}
	return ex, err
}

func (p *Postgres) CloseExchange(ctx context.Context, id uuid.UUID) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pending_exchanges
		SET status = 'answered', answered_at = now()
		WHERE id = $1 AND status = 'open'`,
		id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// Zero rows: either the exchange is gone or it was already answered.
	var status string
	err = p.db.GetContext(ctx, &status,
		`SELECT status FROM pending_exchanges WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (p *Postgres) SetRecipientMsg(ctx context.Context, id uuid.UUID, msgID int) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE pending_exchanges SET recipient_msg_id = $2 WHERE id = $1`,
		id, msgID)
	return err
}

func (p *Postgres) FindExchangeByRecipientMsg(ctx context.Context, recipientID int64, msgID int) (Exchange, error) {
	var ex Exchange
	err := p.db.GetContext(ctx, &ex, `
		SELECT id, sender_id, recipient_id, content, recipient_msg_id,
		       status, created_at, answered_at
		FROM pending_exchanges
		WHERE recipient_id = $1 AND recipient_msg_id = $2 AND status = 'open'`,
		recipientID, msgID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Exchange{}, ErrNotFound
	}
	return ex, err
}

func (p *Postgres) SetAnswerTip(ctx context.Context, userID int64, on bool) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE users SET answer_tip = $2 WHERE id = $1`, userID, on)
	return err
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := p.db.GetContext(ctx, &s, `
		SELECT
			(SELECT count(*) FROM users)                                        AS users,
			(SELECT count(*) FROM link_tokens WHERE NOT revoked)                AS active_tokens,
			(SELECT count(*) FROM pending_exchanges WHERE status = 'open')      AS open_exchanges,
			(SELECT count(*) FROM pending_exchanges WHERE status = 'answered')  AS answered_exchanges`,
	)
	return s, err
}

func (p *Postgres) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM pending_exchanges
		WHERE status = 'open' AND created_at < $1`,
		before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ Store = (*Postgres)(nil)
