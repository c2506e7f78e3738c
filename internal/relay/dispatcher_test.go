package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"anonbot/internal/relay/store"

	"github.com/stretchr/testify/require"
)

const testLinkBase = "https://t.me/testbot?start="

type recordingSink struct {
	mu     sync.Mutex
	events []error
}

func (r *recordingSink) CaptureError(_ context.Context, err error, _ map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, err)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Memory, *recordingSink) {
	t.Helper()
	mem := store.NewMemory()
	sink := &recordingSink{}
	anon := NewAnonymizer(mem, DefaultTokenLength, 72*time.Hour)
	states := NewStateManager(30 * time.Minute)
	d := NewDispatcher(mem, anon, states, sink, DispatcherConfig{
		LinkBase:      testLinkBase,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})
	return d, mem, sink
}

func textOf(t *testing.T, outs []Outbound, i int) string {
	t.Helper()
	require.Greater(t, len(outs), i)
	return outs[i].Text
}

func TestScenarioFullRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, mem, _ := newTestDispatcher(t)

	const (
		recipientID = int64(100)
		senderID    = int64(200)
	)

	// Recipient mints their link.
	outs, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: recipientID, UserID: recipientID, Username: "alice"})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Contains(t, textOf(t, outs, 0), testLinkBase)

	token, err := mem.ActiveToken(ctx, recipientID)
	require.NoError(t, err)

	// Sender opens the link.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundStartToken, ChatID: senderID, UserID: senderID, Username: "bob", Token: token.Token})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, MarkupCancel, outs[0].Markup)
	require.True(t, d.States().InProgress(senderID))

	// Sender submits the anonymous message.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundMessage, ChatID: senderID, UserID: senderID, Text: "hello"})
	require.NoError(t, err)
	require.Len(t, outs, 3)

	relayed := outs[0]
	require.Equal(t, recipientID, relayed.ChatID)
	require.Equal(t, MarkupReply, relayed.Markup)
	require.True(t, relayed.Track)
	require.Contains(t, relayed.Text, "hello")
	assertNoSenderIdentity(t, relayed, senderID, "bob")

	tip := outs[1]
	require.Equal(t, recipientID, tip.ChatID)
	assertNoSenderIdentity(t, tip, senderID, "bob")

	confirm := outs[2]
	require.Equal(t, senderID, confirm.ChatID)
	require.False(t, d.States().InProgress(senderID))

	// Recipient arms the reply via the button.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundReplyCallback, ChatID: recipientID, UserID: recipientID, ExchangeID: relayed.ExchangeID})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Equal(t, MarkupCancel, outs[0].Markup)

	// Recipient replies.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundMessage, ChatID: recipientID, UserID: recipientID, Text: "hi"})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	require.Equal(t, senderID, outs[0].ChatID)
	require.Contains(t, outs[0].Text, "hi")
	require.Equal(t, recipientID, outs[1].ChatID)

	ex, err := mem.Exchange(ctx, relayed.ExchangeID)
	require.NoError(t, err)
	require.Equal(t, store.ExchangeAnswered, ex.Status)

	// Second reply attempt on the same exchange is rejected.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundReplyCallback, ChatID: recipientID, UserID: recipientID, ExchangeID: relayed.ExchangeID})
	require.True(t, IsConflict(err))
	require.Equal(t, msgAnswered, textOf(t, outs, 0))
	require.False(t, d.States().InProgress(recipientID))
}

// assertNoSenderIdentity checks the non-leakage guarantee on a
// recipient-bound command.
func assertNoSenderIdentity(t *testing.T, out Outbound, senderID int64, senderName string) {
	t.Helper()
	require.NotContains(t, out.Text, fmt.Sprint(senderID))
	require.NotContains(t, out.Text, senderName)
	require.NotEqual(t, senderID, out.ChatID)
	require.NotEqual(t, senderID, out.SourceChatID, "copies must come from the update context only")
}

func TestNativeReplyRoundTrip(t *testing.T) {
	ctx := context.Background()
	d, mem, _ := newTestDispatcher(t)

	_, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: 100, UserID: 100, Username: "alice"})
	require.NoError(t, err)
	token, err := mem.ActiveToken(ctx, 100)
	require.NoError(t, err)
	_, err = d.HandleUpdate(ctx, Inbound{Kind: InboundStartToken, ChatID: 200, UserID: 200, Token: token.Token})
	require.NoError(t, err)
	outs, err := d.HandleUpdate(ctx, Inbound{Kind: InboundMessage, ChatID: 200, UserID: 200, Text: "hello"})
	require.NoError(t, err)
	relayed := outs[0]

	// The delivery gateway records the message id the recipient sees.
	require.NoError(t, mem.SetRecipientMsg(ctx, relayed.ExchangeID, 555))

	// A plain Telegram reply to that message routes back without the button.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundNativeReply, ChatID: 100, UserID: 100, Text: "hi back", ReplyToMsgID: 555})
	require.NoError(t, err)
	require.Len(t, outs, 2)
	require.EqualValues(t, 200, outs[0].ChatID)
	require.Contains(t, outs[0].Text, "hi back")
	require.EqualValues(t, 100, outs[1].ChatID)

	ex, err := mem.Exchange(ctx, relayed.ExchangeID)
	require.NoError(t, err)
	require.Equal(t, store.ExchangeAnswered, ex.Status)

	// Replying to a message that tracks no open exchange degrades to guidance.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundNativeReply, ChatID: 100, UserID: 100, Text: "again", ReplyToMsgID: 555})
	require.True(t, IsInvalidInput(err))
	require.Contains(t, textOf(t, outs, 0), "/start")
	require.False(t, d.States().InProgress(100))
}

func TestMediaRelayEmitsCopy(t *testing.T) {
	ctx := context.Background()
	d, mem, _ := newTestDispatcher(t)

	const (
		recipientID = int64(100)
		senderID    = int64(200)
	)

	_, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: recipientID, UserID: recipientID})
	require.NoError(t, err)
	token, err := mem.ActiveToken(ctx, recipientID)
	require.NoError(t, err)
	_, err = d.HandleUpdate(ctx, Inbound{Kind: InboundStartToken, ChatID: senderID, UserID: senderID, Token: token.Token})
	require.NoError(t, err)

	outs, err := d.HandleUpdate(ctx, Inbound{Kind: InboundMessage, ChatID: senderID, UserID: senderID, MessageID: 42, HasMedia: true})
	require.NoError(t, err)
	require.Len(t, outs, 3)

	relayed := outs[0]
	require.Equal(t, OutboundCopy, relayed.Kind)
	require.Equal(t, recipientID, relayed.ChatID)
	require.Equal(t, MarkupReply, relayed.Markup)
	require.True(t, relayed.Track)
	require.Empty(t, relayed.Text)
	require.Equal(t, senderID, relayed.SourceChatID, "the copy source is the sender's own chat")
	require.Equal(t, 42, relayed.SourceMsgID)

	// Only the copy command references the source chat.
	for _, out := range outs[1:] {
		require.Zero(t, out.SourceChatID)
	}

	ex, err := mem.Exchange(ctx, relayed.ExchangeID)
	require.NoError(t, err)
	require.Equal(t, mediaPlaceholder, ex.Content)
}

func TestReplyCallbackFromNonRecipientRejected(t *testing.T) {
	ctx := context.Background()
	d, mem, _ := newTestDispatcher(t)

	_, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: 100, UserID: 100})
	require.NoError(t, err)
	token, err := mem.ActiveToken(ctx, 100)
	require.NoError(t, err)
	_, err = d.HandleUpdate(ctx, Inbound{Kind: InboundStartToken, ChatID: 200, UserID: 200, Token: token.Token})
	require.NoError(t, err)
	outs, err := d.HandleUpdate(ctx, Inbound{Kind: InboundMessage, ChatID: 200, UserID: 200, Text: "hello"})
	require.NoError(t, err)
	exchangeID := outs[0].ExchangeID

	// A forged callback payload from a third party is rejected.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundReplyCallback, ChatID: 300, UserID: 300, ExchangeID: exchangeID})
	require.True(t, IsInvalidInput(err))
	require.Equal(t, msgExpired, textOf(t, outs, 0))
	require.False(t, d.States().InProgress(300))

	// The exchange stays open and answerable by the real recipient.
	ex, err := mem.Exchange(ctx, exchangeID)
	require.NoError(t, err)
	require.Equal(t, store.ExchangeOpen, ex.Status)
	_, err = d.HandleUpdate(ctx, Inbound{Kind: InboundReplyCallback, ChatID: 100, UserID: 100, ExchangeID: exchangeID})
	require.NoError(t, err)
}

func TestExpiredExchangesSweptDuringUpdates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	anon := NewAnonymizer(mem, DefaultTokenLength, time.Hour)
	d := NewDispatcher(mem, anon, NewStateManager(30*time.Minute), nil, DispatcherConfig{
		LinkBase:     testLinkBase,
		RetryBackoff: time.Millisecond,
	})
	d.sweepEvery = 1

	now := time.Now()
	anon.SetClock(func() time.Time { return now })
	d.SetClock(func() time.Time { return now })

	_, err := mem.UpsertUser(ctx, 100, "alice")
	require.NoError(t, err)
	token, err := anon.MintLink(ctx, 100)
	require.NoError(t, err)
	_, err = anon.BeginAnonymousSend(ctx, 200, token, "x")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)

	// Any ordinary update past the retention window triggers the sweep.
	_, err = d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: 300, UserID: 300})
	require.NoError(t, err)

	stats, err := mem.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.OpenExchanges)
}

func TestRevokedTokenRejectedWithoutExchange(t *testing.T) {
	ctx := context.Background()
	d, mem, _ := newTestDispatcher(t)

	_, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: 100, UserID: 100})
	require.NoError(t, err)
	token, err := mem.ActiveToken(ctx, 100)
	require.NoError(t, err)

	outs, err := d.RevokeLink(ctx, 100, 100)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	fresh, err := mem.ActiveToken(ctx, 100)
	require.NoError(t, err)
	require.NotEqual(t, token.Token, fresh.Token)

	// Opening the revoked link fails and degrades to idle.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundStartToken, ChatID: 200, UserID: 200, Token: token.Token})
	require.True(t, IsInvalidInput(err))
	require.Contains(t, textOf(t, outs, 0), "invalid")
	require.False(t, d.States().InProgress(200))

	stats, err := mem.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.OpenExchanges, "no exchange may be created for a revoked token")
}

func TestSingleOpenExchangeUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	anon := NewAnonymizer(mem, DefaultTokenLength, 72*time.Hour)

	_, err := mem.UpsertUser(ctx, 100, "alice")
	require.NoError(t, err)
	token, err := anon.MintLink(ctx, 100)
	require.NoError(t, err)

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := anon.BeginAnonymousSend(ctx, 200, token, "race")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case IsConflict(err):
				conflicts++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, n-1, conflicts)

	stats, err := mem.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.OpenExchanges)
}

func TestConversationExpiryNoticeOnce(t *testing.T) {
	ctx := context.Background()
	d, mem, _ := newTestDispatcher(t)

	now := time.Now()
	d.SetClock(func() time.Time { return now })

	_, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: 100, UserID: 100})
	require.NoError(t, err)
	token, err := mem.ActiveToken(ctx, 100)
	require.NoError(t, err)

	_, err = d.HandleUpdate(ctx, Inbound{Kind: InboundStartToken, ChatID: 200, UserID: 200, Token: token.Token})
	require.NoError(t, err)
	require.True(t, d.States().InProgress(200))

	now = now.Add(31 * time.Minute)

	outs, err := d.HandleUpdate(ctx, Inbound{Kind: InboundMessage, ChatID: 200, UserID: 200, Text: "too late"})
	require.NoError(t, err)
	require.Equal(t, msgFlowExpired, textOf(t, outs, 0))
	require.False(t, d.States().InProgress(200))

	stats, err := mem.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.OpenExchanges, "abandoned flows must not leak exchanges")

	// Next message gets plain guidance, not a second notice.
	outs, err = d.HandleUpdate(ctx, Inbound{Kind: InboundMessage, ChatID: 200, UserID: 200, Text: "hello?"})
	require.NoError(t, err)
	for _, out := range outs {
		require.NotEqual(t, msgFlowExpired, out.Text)
	}
}

func TestAnswerTipFooterToggle(t *testing.T) {
	ctx := context.Background()
	d, mem, _ := newTestDispatcher(t)

	_, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: 100, UserID: 100})
	require.NoError(t, err)
	token, err := mem.ActiveToken(ctx, 100)
	require.NoError(t, err)

	send := func(text string) []Outbound {
		_, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStartToken, ChatID: 200, UserID: 200, Token: token.Token})
		require.NoError(t, err)
		outs, err := d.HandleUpdate(ctx, Inbound{Kind: InboundMessage, ChatID: 200, UserID: 200, Text: text})
		require.NoError(t, err)
		return outs
	}

	outs := send("first")
	require.Len(t, outs, 3, "tip footer expected while answer_tip is on")
	require.Equal(t, msgReplyTip, outs[1].Text)

	// Answer the exchange so the pair is free again.
	require.NoError(t, mem.CloseExchange(ctx, outs[0].ExchangeID))

	toggled, err := d.ToggleTip(ctx, 100, 100)
	require.NoError(t, err)
	require.Equal(t, msgTipOff, textOf(t, toggled, 0))

	outs = send("second")
	require.Len(t, outs, 2, "no tip footer once answer_tip is off")
	for _, out := range outs {
		require.NotEqual(t, msgReplyTip, out.Text)
	}
}

// flakyStore fails the first N calls of every method with a plain error so
// the dispatcher's transient retry path is exercised.
type flakyStore struct {
	store.Store
	mu        sync.Mutex
	remaining int
}

func (f *flakyStore) trip() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining > 0 {
		f.remaining--
		return errors.New("store temporarily unavailable")
	}
	return nil
}

func (f *flakyStore) UpsertUser(ctx context.Context, id int64, username string) (store.User, error) {
	if err := f.trip(); err != nil {
		return store.User{}, err
	}
	return f.Store.UpsertUser(ctx, id, username)
}

func TestTransientRetrySucceedsWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, remaining: 1}
	sink := &recordingSink{}
	anon := NewAnonymizer(flaky, DefaultTokenLength, 72*time.Hour)
	d := NewDispatcher(flaky, anon, NewStateManager(30*time.Minute), sink, DispatcherConfig{
		LinkBase:      testLinkBase,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
	})

	outs, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: 100, UserID: 100})
	require.NoError(t, err)
	require.Len(t, outs, 1, "a retried update must not emit duplicate commands")
	require.Zero(t, sink.count())
}

func TestTransientExhaustionSurfacesTryLater(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	flaky := &flakyStore{Store: mem, remaining: 10}
	sink := &recordingSink{}
	anon := NewAnonymizer(flaky, DefaultTokenLength, 72*time.Hour)
	d := NewDispatcher(flaky, anon, NewStateManager(30*time.Minute), sink, DispatcherConfig{
		LinkBase:      testLinkBase,
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	})

	outs, err := d.HandleUpdate(ctx, Inbound{Kind: InboundStart, ChatID: 100, UserID: 100})
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.Equal(t, msgTryLater, textOf(t, outs, 0))
	require.Equal(t, 1, sink.count(), "store unavailability must reach the telemetry sink")
}

func TestOwnLinkAndStats(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newTestDispatcher(t)

	outs, err := d.OwnLink(ctx, 100, 100)
	require.NoError(t, err)
	require.Contains(t, textOf(t, outs, 0), testLinkBase)

	outs, err = d.StatsReport(ctx, 1)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(textOf(t, outs, 0), "Users: 1"))
}
