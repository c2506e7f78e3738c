package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"anonbot/core/logger"
	"anonbot/internal/relay/store"
	"log/slog"

	"github.com/google/uuid"
)

// Telemetry receives structured error events at the telemetry boundary.
// The dispatcher reports; formatting and shipping live behind this interface.
type Telemetry interface {
	CaptureError(ctx context.Context, err error, tags map[string]string)
}

// NopTelemetry drops every event.
type NopTelemetry struct{}

func (NopTelemetry) CaptureError(context.Context, error, map[string]string) {}

// DispatcherConfig carries the relay policy values.
type DispatcherConfig struct {
	// LinkBase prefixes minted tokens to form the shareable deep link,
	// e.g. "https://t.me/examplebot?start=".
	LinkBase string
	// RetryAttempts bounds transient-error retries per update.
	RetryAttempts int
	// RetryBackoff is the base delay between attempts, scaled linearly.
	RetryBackoff time.Duration
}

// Dispatcher interprets inbound updates against per-chat conversation state
// and produces outbound commands. It never performs sends itself, so the
// delivery gateway's retry and rate limiting stay out of this layer.
type Dispatcher struct {
	store  store.Store
	anon   *Anonymizer
	states *StateManager
	sink   Telemetry
	cfg    DispatcherConfig
	now    func() time.Time

	// Expired exchanges are swept every sweepEvery-th update so storage
	// stays bounded without a dedicated timer.
	updates    atomic.Uint64
	sweepEvery uint64
}

// NewDispatcher wires the relay engine. A nil sink disables telemetry.
func NewDispatcher(st store.Store, anon *Anonymizer, states *StateManager, sink Telemetry, cfg DispatcherConfig) *Dispatcher {
	if sink == nil {
		sink = NopTelemetry{}
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	return &Dispatcher{
		store:      st,
		anon:       anon,
		states:     states,
		sink:       sink,
		cfg:        cfg,
		now:        time.Now,
		sweepEvery: 256,
	}
}

// SetClock overrides the time source, for expiry tests.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// SetLinkBase installs the deep-link prefix once the bot identity is known.
func (d *Dispatcher) SetLinkBase(base string) { d.cfg.LinkBase = base }

// States exposes the conversation manager for transport routing.
func (d *Dispatcher) States() *StateManager { return d.states }

// HandleUpdate runs one update through the state machine. The returned
// commands are ready for the delivery gateway; on a non-nil error they still
// describe what the user should see. State is committed only after the
// action's store effects succeeded, so a failed transition leaves the
// previous cursor in place for transient errors and degrades to Idle for
// user-level ones.
func (d *Dispatcher) HandleUpdate(ctx context.Context, in Inbound) ([]Outbound, error) {
	now := d.now()

	if d.updates.Add(1)%d.sweepEvery == 0 {
		d.collectExpired(ctx)
	}

	if err := d.withRetry(ctx, func() error {
		_, err := d.store.UpsertUser(ctx, in.UserID, in.Username)
		return E(KindTransient, "dispatcher.upsert_user", err)
	}); err != nil {
		d.report(ctx, err, "upsert_user")
		return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, err
	}

	var out []Outbound

	state, wasExpired := d.states.Get(in.ChatID, now)
	if wasExpired {
		out = append(out, textTo(in.ChatID, msgFlowExpired, MarkupRemove))
		logger.Relay.Info("conversation expired",
			slog.String("event", "relay.conversation.expired"),
			slog.Int64("chat_id", in.ChatID),
		)
	}

	next, action := Transition(state, in, now)

	acts, commit, err := d.execute(ctx, in, next, action)
	out = append(out, acts...)
	if err != nil {
		switch KindOf(err) {
		case KindTransient:
			// Cursor untouched: the user can simply resend.
			d.report(ctx, err, action.logName())
			return out, err
		case KindCorruption:
			d.report(ctx, err, action.logName())
			d.states.Put(in.ChatID, State{Kind: StateIdle})
			return out, err
		default:
			// Invalid input and conflicts already produced guidance; they
			// are still telemetry-worthy (token probing, reply reuse).
			d.report(ctx, err, action.logName())
			d.states.Put(in.ChatID, commit)
			return out, err
		}
	}

	d.states.Put(in.ChatID, commit)
	return out, nil
}

// OwnLink re-sends the user's current shareable link.
func (d *Dispatcher) OwnLink(ctx context.Context, chatID, userID int64) ([]Outbound, error) {
	link, err := d.ensureUserLink(ctx, userID)
	if err != nil {
		d.report(ctx, err, "own_link")
		return []Outbound{textTo(chatID, msgTryLater, MarkupNone)}, err
	}
	return []Outbound{textTo(chatID, formatYourLink(link), MarkupNone)}, nil
}

// RevokeLink invalidates the user's current token and announces the new one.
func (d *Dispatcher) RevokeLink(ctx context.Context, chatID, userID int64) ([]Outbound, error) {
	var link string
	err := d.withRetry(ctx, func() error {
		if _, e := d.store.UpsertUser(ctx, userID, ""); e != nil {
			return E(KindTransient, "dispatcher.revoke", e)
		}
		var e error
		link, e = d.anon.Revoke(ctx, userID)
		return e
	})
	if err != nil {
		d.report(ctx, err, "revoke")
		return []Outbound{textTo(chatID, msgTryLater, MarkupNone)}, err
	}
	return []Outbound{textTo(chatID, formatRevoked(deepLink(d.cfg.LinkBase, link)), MarkupNone)}, nil
}

// ToggleTip flips the reply-hint footer preference.
func (d *Dispatcher) ToggleTip(ctx context.Context, chatID, userID int64) ([]Outbound, error) {
	var enabled bool
	err := d.withRetry(ctx, func() error {
		u, e := d.store.UpsertUser(ctx, userID, "")
		if e != nil {
			return E(KindTransient, "dispatcher.toggle_tip", e)
		}
		enabled = !u.AnswerTip
		if e := d.store.SetAnswerTip(ctx, userID, enabled); e != nil {
			return E(KindTransient, "dispatcher.toggle_tip", e)
		}
		return nil
	})
	if err != nil {
		d.report(ctx, err, "toggle_tip")
		return []Outbound{textTo(chatID, msgTryLater, MarkupNone)}, err
	}
	text := msgTipOff
	if enabled {
		text = msgTipOn
	}
	return []Outbound{textTo(chatID, text, MarkupNone)}, nil
}

// StatsReport renders aggregate counters for the admin surface. It also
// piggybacks the lazy GC of expired exchanges.
func (d *Dispatcher) StatsReport(ctx context.Context, chatID int64) ([]Outbound, error) {
	d.collectExpired(ctx)
	var s store.Stats
	err := d.withRetry(ctx, func() error {
		var e error
		s, e = d.store.Stats(ctx)
		return E(KindTransient, "dispatcher.stats", e)
	})
	if err != nil {
		d.report(ctx, err, "stats")
		return []Outbound{textTo(chatID, msgTryLater, MarkupNone)}, err
	}
	text := fmt.Sprintf(msgStats, s.Users, s.ActiveTokens, s.OpenExchanges, s.AnsweredExchanges)
	return []Outbound{textTo(chatID, text, MarkupNone)}, nil
}

// execute performs the action's store effects and builds outbound commands.
// commit is the cursor to store on success or user-level failure.
func (d *Dispatcher) execute(ctx context.Context, in Inbound, next State, act Action) (out []Outbound, commit State, err error) {
	idle := State{Kind: StateIdle}

	switch act.Kind {
	case ActionGuidance:
		link, err := d.mintLink(ctx, in.UserID)
		if err != nil {
			return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, err
		}
		return []Outbound{textTo(in.ChatID, formatGuidance(link), MarkupRemove)}, idle, nil

	case ActionSendLink:
		link, err := d.mintLink(ctx, in.UserID)
		if err != nil {
			return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, err
		}
		return []Outbound{textTo(in.ChatID, formatWelcome(link), MarkupRemove)}, idle, nil

	case ActionEnterAwaitMessage:
		var rErr error
		err := d.withRetry(ctx, func() error {
			_, rErr = d.anon.AddressOf(ctx, act.Token)
			return rErr
		})
		if err != nil {
			if IsTransient(err) {
				return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, err
			}
			link, lerr := d.mintLink(ctx, in.UserID)
			if lerr != nil {
				return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, lerr
			}
			return []Outbound{textTo(in.ChatID, formatBadToken(link), MarkupRemove)}, idle, err
		}
		logger.Tokens.Debug("link opened",
			slog.String("event", "relay.link.opened"),
			slog.Int64("chat_id", in.ChatID),
		)
		return []Outbound{textTo(in.ChatID, msgPrompt, MarkupCancel)}, next, nil

	case ActionRelay:
		return d.executeRelay(ctx, in, act.Token)

	case ActionEnterAwaitReply:
		err := d.withRetry(ctx, func() error {
			_, e := d.anon.PeekReplyTarget(ctx, act.ExchangeID, in.UserID)
			return e
		})
		if err != nil {
			return d.replyFailure(in.ChatID, err), idle, err
		}
		return []Outbound{textTo(in.ChatID, msgReplyPrompt, MarkupCancel)}, next, nil

	case ActionDeliverReply:
		return d.executeReply(ctx, in, act.ExchangeID)

	case ActionResolveNativeReply:
		var ex store.Exchange
		err := d.withRetry(ctx, func() error {
			var e error
			ex, e = d.store.FindExchangeByRecipientMsg(ctx, in.UserID, in.ReplyToMsgID)
			if e != nil {
				return classify("dispatcher.native_reply", e, ErrNoOpenExchange, ErrNoOpenExchange)
			}
			return nil
		})
		if err != nil {
			if IsTransient(err) {
				return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, err
			}
			link, lerr := d.mintLink(ctx, in.UserID)
			if lerr != nil {
				return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, lerr
			}
			return []Outbound{textTo(in.ChatID, formatGuidance(link), MarkupNone)}, idle, err
		}
		return d.executeReply(ctx, in, ex.ID)

	case ActionCancel:
		return []Outbound{textTo(in.ChatID, msgCancelled, MarkupRemove)}, idle, nil
	}

	return nil, idle, Errorf(KindCorruption, "dispatcher.execute", "unhandled action %d", act.Kind)
}

// executeRelay opens the exchange and emits the anonymous delivery. Nothing
// in the recipient-bound commands identifies the sender: the copy primitive
// strips the author and the only correlation value is the exchange id.
func (d *Dispatcher) executeRelay(ctx context.Context, in Inbound, token string) ([]Outbound, State, error) {
	idle := State{Kind: StateIdle}

	content := in.Text
	if in.HasMedia && content == "" {
		content = mediaPlaceholder
	}

	var (
		recipient store.User
		ex        store.Exchange
	)
	err := d.withRetry(ctx, func() error {
		var e error
		recipient, e = d.anon.AddressOf(ctx, token)
		if e != nil {
			return e
		}
		ex, e = d.anon.BeginAnonymousSend(ctx, in.UserID, token, content)
		return e
	})
	if err != nil {
		switch KindOf(err) {
		case KindTransient:
			return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, err
		case KindConflict:
			return []Outbound{textTo(in.ChatID, msgPairBusy, MarkupRemove)}, idle, err
		default:
			link, lerr := d.mintLink(ctx, in.UserID)
			if lerr != nil {
				return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, lerr
			}
			return []Outbound{textTo(in.ChatID, formatBadToken(link), MarkupRemove)}, idle, err
		}
	}

	var out []Outbound
	if in.HasMedia {
		out = append(out, Outbound{
			Kind:         OutboundCopy,
			ChatID:       recipient.ID,
			Markup:       MarkupReply,
			ExchangeID:   ex.ID,
			Track:        true,
			SourceChatID: in.ChatID,
			SourceMsgID:  in.MessageID,
		})
	} else {
		body := msgRelayHeader + "\n\n" + content
		out = append(out, Outbound{
			Kind:       OutboundText,
			ChatID:     recipient.ID,
			Text:       body,
			Markup:     MarkupReply,
			ExchangeID: ex.ID,
			Track:      true,
		})
	}
	if recipient.AnswerTip {
		out = append(out, textTo(recipient.ID, msgReplyTip, MarkupNone))
	}

	link, lerr := d.mintLink(ctx, in.UserID)
	if lerr != nil {
		// Delivery commands stand; the confirmation degrades gracefully.
		out = append(out, textTo(in.ChatID, msgSentPlain, MarkupRemove))
	} else {
		out = append(out, textTo(in.ChatID, formatSent(link), MarkupRemove))
	}

	logger.Exchanges.Info("exchange opened",
		slog.String("event", "relay.exchange.opened"),
		slog.String("exchange_id", ex.ID.String()),
		slog.String("exchange_status", store.ExchangeOpen),
	)
	return out, idle, nil
}

// executeReply consumes the exchange and routes the reply to the hidden
// sender.
func (d *Dispatcher) executeReply(ctx context.Context, in Inbound, exchangeID uuid.UUID) ([]Outbound, State, error) {
	idle := State{Kind: StateIdle}

	var ex store.Exchange
	err := d.withRetry(ctx, func() error {
		var e error
		ex, e = d.anon.ResolveReplyTarget(ctx, exchangeID, in.UserID)
		return e
	})
	if err != nil {
		if IsTransient(err) {
			return []Outbound{textTo(in.ChatID, msgTryLater, MarkupNone)}, idle, err
		}
		return d.replyFailure(in.ChatID, err), idle, err
	}

	var out []Outbound
	if in.HasMedia {
		out = append(out, Outbound{
			Kind:         OutboundCopy,
			ChatID:       ex.SenderID,
			Markup:       MarkupNone,
			SourceChatID: in.ChatID,
			SourceMsgID:  in.MessageID,
		})
	} else {
		out = append(out, textTo(ex.SenderID, formatReply(in.Text), MarkupNone))
	}
	out = append(out, textTo(in.ChatID, msgReplySent, MarkupRemove))

	logger.Exchanges.Info("exchange answered",
		slog.String("event", "relay.exchange.answered"),
		slog.String("exchange_id", ex.ID.String()),
		slog.String("exchange_status", store.ExchangeAnswered),
	)
	return out, idle, nil
}

func (d *Dispatcher) replyFailure(chatID int64, err error) []Outbound {
	switch {
	case IsConflict(err):
		return []Outbound{textTo(chatID, msgAnswered, MarkupRemove)}
	case IsInvalidInput(err):
		return []Outbound{textTo(chatID, msgExpired, MarkupRemove)}
	default:
		return []Outbound{textTo(chatID, msgTryLater, MarkupNone)}
	}
}

// ensureUserLink upserts the user before minting, for entry points that may
// be a user's very first interaction.
func (d *Dispatcher) ensureUserLink(ctx context.Context, userID int64) (string, error) {
	if err := d.withRetry(ctx, func() error {
		_, e := d.store.UpsertUser(ctx, userID, "")
		return E(KindTransient, "dispatcher.ensure_user", e)
	}); err != nil {
		return "", err
	}
	return d.mintLink(ctx, userID)
}

func (d *Dispatcher) mintLink(ctx context.Context, userID int64) (string, error) {
	var link string
	err := d.withRetry(ctx, func() error {
		var e error
		link, e = d.anon.MintLink(ctx, userID)
		return e
	})
	if err != nil {
		return "", err
	}
	return deepLink(d.cfg.LinkBase, link), nil
}

func (d *Dispatcher) collectExpired(ctx context.Context) {
	if n, err := d.anon.CollectExpired(ctx); err == nil && n > 0 {
		logger.Exchanges.Info("expired exchanges collected",
			slog.String("event", "relay.exchange.gc"),
			slog.Int64("dropped", n),
		)
	}
}

// withRetry re-runs fn on transient errors up to the configured bound.
// Non-transient errors propagate immediately.
func (d *Dispatcher) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= d.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return E(KindTransient, "dispatcher.retry", ctx.Err())
			case <-time.After(d.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
		lastErr = fn()
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		logger.Relay.Debug("transient retry",
			slog.String("event", "relay.retry"),
			slog.Int("attempt", attempt+1),
			slog.String("err", logger.SanitizeLimit(lastErr.Error(), 256)),
		)
	}
	return lastErr
}

func (d *Dispatcher) report(ctx context.Context, err error, op string) {
	kind := KindOf(err)
	logger.Relay.Error("relay failure",
		slog.String("event", "relay.failed"),
		slog.String("op", op),
		slog.String("err_kind", kind.String()),
		slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
	)
	d.sink.CaptureError(ctx, err, map[string]string{
		"component": "relay",
		"op":        op,
		"kind":      kind.String(),
	})
}

func textTo(chatID int64, text string, markup Markup) Outbound {
	return Outbound{Kind: OutboundText, ChatID: chatID, Text: text, Markup: markup}
}

func (a Action) logName() string {
	switch a.Kind {
	case ActionGuidance:
		return "guidance"
	case ActionSendLink:
		return "send_link"
	case ActionEnterAwaitMessage:
		return "enter_await_message"
	case ActionRelay:
		return "relay"
	case ActionEnterAwaitReply:
		return "enter_await_reply"
	case ActionDeliverReply:
		return "deliver_reply"
	case ActionResolveNativeReply:
		return "native_reply"
	case ActionCancel:
		return "cancel"
	}
	return "unknown"
}
