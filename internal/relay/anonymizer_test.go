package relay

import (
	"context"
	"testing"
	"time"

	"anonbot/internal/relay/store"

	"github.com/stretchr/testify/require"
)

func newTestAnonymizer(t *testing.T) (*Anonymizer, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return NewAnonymizer(mem, DefaultTokenLength, 72*time.Hour), mem
}

func TestMintLinkStableUntilRevoked(t *testing.T) {
	ctx := context.Background()
	anon, mem := newTestAnonymizer(t)
	_, err := mem.UpsertUser(ctx, 100, "alice")
	require.NoError(t, err)

	first, err := anon.MintLink(ctx, 100)
	require.NoError(t, err)
	require.Len(t, first, DefaultTokenLength)

	again, err := anon.MintLink(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, first, again, "mint must be stable while the token lives")

	owner, err := anon.AddressOf(ctx, first)
	require.NoError(t, err)
	require.EqualValues(t, 100, owner.ID)

	fresh, err := anon.Revoke(ctx, 100)
	require.NoError(t, err)
	require.NotEqual(t, first, fresh)

	_, err = anon.AddressOf(ctx, first)
	require.True(t, IsInvalidInput(err), "revoked token must fail like an unknown one, got %v", err)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAddressOfUnknownToken(t *testing.T) {
	ctx := context.Background()
	anon, _ := newTestAnonymizer(t)

	_, err := anon.AddressOf(ctx, "neverminted")
	require.True(t, IsInvalidInput(err))
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestBeginAnonymousSendSinglePair(t *testing.T) {
	ctx := context.Background()
	anon, mem := newTestAnonymizer(t)
	_, err := mem.UpsertUser(ctx, 100, "alice")
	require.NoError(t, err)

	token, err := anon.MintLink(ctx, 100)
	require.NoError(t, err)

	ex, err := anon.BeginAnonymousSend(ctx, 200, token, "hello")
	require.NoError(t, err)
	require.EqualValues(t, 200, ex.SenderID)
	require.EqualValues(t, 100, ex.RecipientID)

	_, err = anon.BeginAnonymousSend(ctx, 200, token, "again")
	require.True(t, IsConflict(err), "second open for the pair must conflict, got %v", err)
	require.ErrorIs(t, err, ErrPairBusy)
}

func TestResolveReplyTargetSingleUse(t *testing.T) {
	ctx := context.Background()
	anon, mem := newTestAnonymizer(t)
	_, err := mem.UpsertUser(ctx, 100, "alice")
	require.NoError(t, err)

	token, err := anon.MintLink(ctx, 100)
	require.NoError(t, err)
	ex, err := anon.BeginAnonymousSend(ctx, 200, token, "hello")
	require.NoError(t, err)

	resolved, err := anon.ResolveReplyTarget(ctx, ex.ID, 100)
	require.NoError(t, err)
	require.EqualValues(t, 200, resolved.SenderID)

	_, err = anon.ResolveReplyTarget(ctx, ex.ID, 100)
	require.True(t, IsConflict(err))
	require.ErrorIs(t, err, ErrAlreadyAnswered)
}

func TestResolveReplyTargetRecipientOnly(t *testing.T) {
	ctx := context.Background()
	anon, mem := newTestAnonymizer(t)
	_, err := mem.UpsertUser(ctx, 100, "alice")
	require.NoError(t, err)

	token, err := anon.MintLink(ctx, 100)
	require.NoError(t, err)
	ex, err := anon.BeginAnonymousSend(ctx, 200, token, "hello")
	require.NoError(t, err)

	// Anyone but the recipient gets the unknown-exchange outcome, and the
	// exchange stays answerable.
	_, err = anon.ResolveReplyTarget(ctx, ex.ID, 300)
	require.True(t, IsInvalidInput(err))
	require.ErrorIs(t, err, ErrNoOpenExchange)

	_, err = anon.PeekReplyTarget(ctx, ex.ID, 200)
	require.True(t, IsInvalidInput(err), "the hidden sender must not pass the recipient check")

	resolved, err := anon.ResolveReplyTarget(ctx, ex.ID, 100)
	require.NoError(t, err)
	require.EqualValues(t, 200, resolved.SenderID)
}

func TestResolveReplyTargetExpired(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	anon := NewAnonymizer(mem, DefaultTokenLength, time.Hour)

	now := time.Now()
	anon.SetClock(func() time.Time { return now })
	mem.SetClock(func() time.Time { return now })

	_, err := mem.UpsertUser(ctx, 100, "alice")
	require.NoError(t, err)
	token, err := anon.MintLink(ctx, 100)
	require.NoError(t, err)
	ex, err := anon.BeginAnonymousSend(ctx, 200, token, "hello")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = anon.ResolveReplyTarget(ctx, ex.ID, 100)
	require.True(t, IsInvalidInput(err))
	require.ErrorIs(t, err, ErrExchangeExpired)

	dropped, err := anon.CollectExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, dropped)
}

func TestErrorTaxonomyCodes(t *testing.T) {
	err := Errorf(KindConflict, "op", "boom")
	var re *Error
	require.ErrorAs(t, err, &re)
	require.Equal(t, "CONFLICT", re.Code())
	require.Equal(t, KindConflict, KindOf(err))
	require.Equal(t, Kind(0), KindOf(context.Canceled))
}
