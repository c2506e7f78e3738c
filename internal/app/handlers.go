package app

import (
	"context"
	"strings"

	coretelegram "anonbot/core/telegram"
	"anonbot/core/telegram/callbacks"
	"anonbot/core/telegram/commands"
	tghelpers "anonbot/core/telegram/helpers"
	"anonbot/core/telegram/keyboard"
	"anonbot/internal/relay"

	tele "gopkg.in/telebot.v4"
)

const replyButtonText = "💬 Reply"

type handlers struct {
	app *App
}

func (h *handlers) register(reg *coretelegram.Registry) {
	reg.RegisterCommand("/start", commands.Command{
		Handler:     h.onStart,
		Description: "Get your anonymous link",
	})
	reg.RegisterCommand("/link", commands.Command{
		Handler:     h.onLink,
		Description: "Show your anonymous link",
	})
	reg.RegisterCommand("/revoke", commands.Command{
		Handler:     h.onRevoke,
		Description: "Revoke your link and mint a new one",
	})
	reg.RegisterCommand("/tip", commands.Command{
		Handler:     h.onTip,
		Description: "Toggle the reply hint under received messages",
	})
	reg.RegisterCommand("/cancel", commands.Command{
		Handler:     h.onCancel,
		Description: "Cancel the current action",
		Hidden:      true,
	})
	reg.RegisterCommand("/stats", commands.Command{
		Handler:     h.onStats,
		Description: "Service statistics",
		AdminOnly:   true,
		Hidden:      true,
	})
	_ = reg.RegisterCallback("reply", h.onReplyCallback)
	reg.SetTextFallback(h.onFlowMessage)
}

// InProgress and ManagerHandler satisfy router.Conversation.
func (h *handlers) InProgress(userID int64) bool {
	return h.app.disp.States().InProgress(userID)
}

func (h *handlers) ManagerHandler(c tele.Context) error {
	return h.onFlowMessage(c)
}

func (h *handlers) onStart(c tele.Context) error {
	in := h.messageInbound(c)
	payload := ""
	if m := c.Message(); m != nil {
		payload = strings.TrimSpace(m.Payload)
	}
	if payload != "" {
		in.Kind = relay.InboundStartToken
		in.Token = payload
	} else {
		in.Kind = relay.InboundStart
	}
	return h.dispatch(c, in)
}

func (h *handlers) onCancel(c tele.Context) error {
	in := h.messageInbound(c)
	in.Kind = relay.InboundCancel
	return h.dispatch(c, in)
}

// onFlowMessage handles every non-command message: flow input, the cancel
// button, and Telegram-native replies to relayed messages.
func (h *handlers) onFlowMessage(c tele.Context) error {
	in := h.messageInbound(c)
	m := c.Message()
	bot := h.app.bot.Load()

	switch {
	case m != nil && m.Text == relay.CancelLabel:
		in.Kind = relay.InboundCancel
	case m != nil && m.ReplyTo != nil && m.ReplyTo.Sender != nil &&
		bot != nil && m.ReplyTo.Sender.ID == bot.Me.ID:
		in.Kind = relay.InboundNativeReply
		in.ReplyToMsgID = m.ReplyTo.ID
	default:
		in.Kind = relay.InboundMessage
	}
	return h.dispatch(c, in)
}

func (h *handlers) onReplyCallback(c tele.Context) error {
	id, err := callbacks.PayloadUUID(c)
	if err != nil {
		return tghelpers.SendText(c, "This button is no longer valid.")
	}
	in := h.userInbound(c)
	in.Kind = relay.InboundReplyCallback
	in.ExchangeID = id
	return h.dispatch(c, in)
}

func (h *handlers) onLink(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	outs, err := h.app.disp.OwnLink(ctx, c.Chat().ID, c.Sender().ID)
	return h.finish(c, ctx, outs, err)
}

func (h *handlers) onRevoke(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	outs, err := h.app.disp.RevokeLink(ctx, c.Chat().ID, c.Sender().ID)
	return h.finish(c, ctx, outs, err)
}

func (h *handlers) onTip(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	outs, err := h.app.disp.ToggleTip(ctx, c.Chat().ID, c.Sender().ID)
	return h.finish(c, ctx, outs, err)
}

func (h *handlers) onStats(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	outs, err := h.app.disp.StatsReport(ctx, c.Chat().ID)
	return h.finish(c, ctx, outs, err)
}

func (h *handlers) dispatch(c tele.Context, in relay.Inbound) error {
	ctx := tghelpers.BuildContext(c)
	outs, err := h.app.disp.HandleUpdate(ctx, in)
	return h.finish(c, ctx, outs, err)
}

// finish delivers outbound commands even when the dispatcher errored: on
// failure they carry the user-visible outcome.
func (h *handlers) finish(c tele.Context, ctx context.Context, outs []relay.Outbound, err error) error {
	if derr := h.deliver(c, ctx, outs); derr != nil && err == nil {
		err = derr
	}
	return err
}

func (h *handlers) deliver(c tele.Context, ctx context.Context, outs []relay.Outbound) error {
	bot := h.app.bot.Load()
	var chatID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}

	var firstErr error
	for _, out := range outs {
		markup := buildMarkup(out)
		var err error
		switch out.Kind {
		case relay.OutboundCopy:
			err = tghelpers.CopyTo(c, bot, out.ChatID, markup, h.trackFunc(ctx, out))
		default:
			switch {
			case out.Track:
				err = tghelpers.SendToTracked(c, bot, out.ChatID, out.Text, markup, h.trackFunc(ctx, out))
			case out.ChatID == chatID:
				if markup != nil {
					err = tghelpers.SendText(c, out.Text, &tele.SendOptions{ReplyMarkup: markup})
				} else {
					err = tghelpers.SendText(c, out.Text)
				}
			default:
				if markup != nil {
					err = tghelpers.SendTo(c, bot, out.ChatID, out.Text, markup)
				} else {
					err = tghelpers.SendTo(c, bot, out.ChatID, out.Text)
				}
			}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// trackFunc records the delivered message id on the exchange so the
// recipient can answer with a plain Telegram reply.
func (h *handlers) trackFunc(ctx context.Context, out relay.Outbound) func(*tele.Message) error {
	if !out.Track {
		return nil
	}
	exchangeID := out.ExchangeID
	st := h.app.store
	return func(sent *tele.Message) error {
		return st.SetRecipientMsg(ctx, exchangeID, sent.ID)
	}
}

// userInbound captures only the participant identity, for callback updates.
func (h *handlers) userInbound(c tele.Context) relay.Inbound {
	var in relay.Inbound
	if chat := c.Chat(); chat != nil {
		in.ChatID = chat.ID
	}
	if user := c.Sender(); user != nil {
		in.UserID = user.ID
		in.Username = user.Username
	}
	return in
}

// messageInbound additionally captures the message payload.
func (h *handlers) messageInbound(c tele.Context) relay.Inbound {
	in := h.userInbound(c)
	if m := c.Message(); m != nil {
		in.MessageID = m.ID
		in.Text = m.Text
		if in.Text == "" {
			in.Text = m.Caption
		}
		in.HasMedia = hasMedia(m)
	}
	return in
}

func hasMedia(m *tele.Message) bool {
	return m.Photo != nil || m.Video != nil || m.Voice != nil ||
		m.Audio != nil || m.Document != nil || m.Sticker != nil ||
		m.Animation != nil || m.VideoNote != nil
}

func buildMarkup(out relay.Outbound) *tele.ReplyMarkup {
	switch out.Markup {
	case relay.MarkupCancel:
		return keyboard.CancelReplyMarkup(relay.CancelLabel)
	case relay.MarkupRemove:
		return keyboard.RemoveKeyboard()
	case relay.MarkupReply:
		return keyboard.InlineButtons([]keyboard.InlineBtn{{
			Text:   replyButtonText,
			Unique: "reply",
			Data:   out.ExchangeID.String(),
		}})
	}
	return nil
}
