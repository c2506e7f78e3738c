package relay

import (
	"context"
	"errors"
	"time"

	"anonbot/internal/relay/store"

	"github.com/google/uuid"
)

// Causes carried inside taxonomy errors, for user-facing branching.
var (
	ErrTokenInvalid    = errors.New("token unknown or revoked")
	ErrExchangeExpired = errors.New("exchange expired")
	ErrAlreadyAnswered = errors.New("exchange already answered")
	ErrNoOpenExchange  = errors.New("no open exchange for message")
	ErrPairBusy        = errors.New("open exchange already exists for pair")
)

// Anonymizer maps durable identity to the opaque values either party sees.
// Stateless beyond what it reads and writes through the store.
type Anonymizer struct {
	store       store.Store
	tokenLength int
	exchangeTTL time.Duration
	now         func() time.Time
}

// NewAnonymizer builds the mapping layer. exchangeTTL bounds how long an
// open exchange stays answerable.
func NewAnonymizer(st store.Store, tokenLength int, exchangeTTL time.Duration) *Anonymizer {
	return &Anonymizer{
		store:       st,
		tokenLength: tokenLength,
		exchangeTTL: exchangeTTL,
		now:         time.Now,
	}
}

// SetClock overrides the time source, for expiry tests.
func (a *Anonymizer) SetClock(now func() time.Time) { a.now = now }

// classify translates store sentinels into the relay taxonomy. Anything the
// store did not classify is assumed to be infrastructure trouble.
func classify(op string, err error, notFoundCause, conflictCause error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return E(KindInvalidInput, op, notFoundCause)
	case errors.Is(err, store.ErrConflict):
		return E(KindConflict, op, conflictCause)
	default:
		return E(KindTransient, op, err)
	}
}

// MintLink returns the user's active token, creating one when absent. The
// returned value is safe to publish inside a deep link.
func (a *Anonymizer) MintLink(ctx context.Context, userID int64) (string, error) {
	const op = "anonymizer.mint_link"

	t, err := a.store.ActiveToken(ctx, userID)
	if err == nil {
		return t.Token, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", E(KindTransient, op, err)
	}

	// Token collisions are astronomically unlikely but cheap to absorb; a
	// concurrent mint for the same user resolves via the re-read.
	for attempt := 0; attempt < 3; attempt++ {
		value, err := MintToken(a.tokenLength)
		if err != nil {
			return "", E(KindTransient, op, err)
		}
		created, err := a.store.CreateToken(ctx, userID, value)
		if err == nil {
			return created.Token, nil
		}
		if errors.Is(err, store.ErrConflict) {
			if t, rerr := a.store.ActiveToken(ctx, userID); rerr == nil {
				return t.Token, nil
			}
			continue
		}
		return "", E(KindTransient, op, err)
	}
	return "", Errorf(KindCorruption, op, "token minting kept colliding")
}

// Revoke invalidates the user's current token and mints a replacement.
func (a *Anonymizer) Revoke(ctx context.Context, userID int64) (string, error) {
	const op = "anonymizer.revoke"
	if err := a.store.RevokeTokens(ctx, userID); err != nil {
		return "", E(KindTransient, op, err)
	}
	return a.MintLink(ctx, userID)
}

// AddressOf resolves a token to its delivery target. Revoked and unknown
// tokens yield the same invalid-input outcome.
func (a *Anonymizer) AddressOf(ctx context.Context, token string) (store.User, error) {
	const op = "anonymizer.address_of"
	u, err := a.store.ResolveToken(ctx, token)
	if err != nil {
		return store.User{}, classify(op, err, ErrTokenInvalid, ErrTokenInvalid)
	}
	if u.ID == 0 {
		return store.User{}, Errorf(KindCorruption, op, "token %q resolves to no owner", token)
	}
	return u, nil
}

// BeginAnonymousSend validates the token and opens the exchange used to
// route a reply back. The returned record is server-side only.
func (a *Anonymizer) BeginAnonymousSend(ctx context.Context, senderID int64, token, content string) (store.Exchange, error) {
	const op = "anonymizer.begin_send"

	recipient, err := a.AddressOf(ctx, token)
	if err != nil {
		return store.Exchange{}, err
	}

	ex := store.Exchange{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipient.ID,
		Content:     content,
		Status:      store.ExchangeOpen,
		CreatedAt:   a.now(),
	}
	if err := a.store.OpenExchange(ctx, ex); err != nil {
		return store.Exchange{}, classify(op, err, ErrTokenInvalid, ErrPairBusy)
	}
	return ex, nil
}

// PeekReplyTarget validates that an exchange is still answerable by
// recipientID without consuming it. A mismatched recipient is reported the
// same way as an unknown exchange so a forged callback payload learns
// nothing.
func (a *Anonymizer) PeekReplyTarget(ctx context.Context, id uuid.UUID, recipientID int64) (store.Exchange, error) {
	const op = "anonymizer.peek_reply"

	ex, err := a.store.Exchange(ctx, id)
	if err != nil {
		return store.Exchange{}, classify(op, err, ErrNoOpenExchange, ErrNoOpenExchange)
	}
	if ex.RecipientID != recipientID {
		return store.Exchange{}, E(KindInvalidInput, op, ErrNoOpenExchange)
	}
	if ex.Status == store.ExchangeAnswered {
		return store.Exchange{}, E(KindConflict, op, ErrAlreadyAnswered)
	}
	if a.expired(ex) {
		return store.Exchange{}, E(KindInvalidInput, op, ErrExchangeExpired)
	}
	if ex.SenderID == 0 || ex.RecipientID == 0 {
		return store.Exchange{}, Errorf(KindCorruption, op, "exchange %s missing participant", id)
	}
	return ex, nil
}

// ResolveReplyTarget consumes the exchange: at most one reply ever passes
// through it. A second resolution fails with the already-answered conflict.
func (a *Anonymizer) ResolveReplyTarget(ctx context.Context, id uuid.UUID, recipientID int64) (store.Exchange, error) {
	const op = "anonymizer.resolve_reply"

	ex, err := a.PeekReplyTarget(ctx, id, recipientID)
	if err != nil {
		return store.Exchange{}, err
	}
	if err := a.store.CloseExchange(ctx, ex.ID); err != nil {
		return store.Exchange{}, classify(op, err, ErrNoOpenExchange, ErrAlreadyAnswered)
	}
	return ex, nil
}

// CollectExpired lazily drops open exchanges past the retention window and
// returns how many were removed.
func (a *Anonymizer) CollectExpired(ctx context.Context) (int64, error) {
	if a.exchangeTTL <= 0 {
		return 0, nil
	}
	n, err := a.store.DeleteExpired(ctx, a.now().Add(-a.exchangeTTL))
	if err != nil {
		return 0, E(KindTransient, "anonymizer.collect_expired", err)
	}
	return n, nil
}

func (a *Anonymizer) expired(ex store.Exchange) bool {
	return a.exchangeTTL > 0 && a.now().Sub(ex.CreatedAt) > a.exchangeTTL
}
