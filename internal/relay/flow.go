package relay

import (
	"time"

	"github.com/google/uuid"
)

// InboundKind is the closed set of update shapes the flow understands.
type InboundKind int

const (
	// InboundStart is /start without a payload.
	InboundStart InboundKind = iota + 1
	// InboundStartToken is /start <token> via a deep link.
	InboundStartToken
	// InboundMessage is a plain relayable message (text or media).
	InboundMessage
	// InboundCancel is the cancel button or /cancel.
	InboundCancel
	// InboundReplyCallback is a tap on the "Reply" button of a relayed
	// message; ExchangeID carries the payload.
	InboundReplyCallback
	// InboundNativeReply is a Telegram reply to a message the bot delivered;
	// ReplyToMsgID carries the replied-to message id.
	InboundNativeReply
)

// Inbound is one normalized update from the transport boundary.
type Inbound struct {
	Kind     InboundKind
	ChatID   int64
	UserID   int64
	Username string

	Token      string    // InboundStartToken
	ExchangeID uuid.UUID // InboundReplyCallback

	Text         string // text payload, empty for pure media
	MessageID    int
	ReplyToMsgID int  // InboundNativeReply
	HasMedia     bool // non-text content that must be copied, not re-sent
}

// ActionKind tells the dispatcher what the transition decided.
type ActionKind int

const (
	// ActionGuidance sends usage guidance with the user's own link.
	ActionGuidance ActionKind = iota + 1
	// ActionSendLink (re)sends the user's shareable link.
	ActionSendLink
	// ActionEnterAwaitMessage validated nothing yet; the dispatcher must
	// resolve Token and prompt for the anonymous message.
	ActionEnterAwaitMessage
	// ActionRelay submits the pending message for the token held in state.
	ActionRelay
	// ActionEnterAwaitReply arms the reply flow for ExchangeID.
	ActionEnterAwaitReply
	// ActionDeliverReply routes the reply for ExchangeID back to the
	// hidden sender.
	ActionDeliverReply
	// ActionResolveNativeReply must first map ReplyToMsgID to an exchange,
	// then behaves like ActionDeliverReply.
	ActionResolveNativeReply
	// ActionCancel aborts the current flow.
	ActionCancel
)

// Action is the effect a transition requests from the dispatcher.
type Action struct {
	Kind       ActionKind
	Token      string
	ExchangeID uuid.UUID
}

// Transition is the total per-chat step function. It never errors: input
// that does not match the current cursor degrades to guidance, and the
// returned state only becomes current after the dispatcher commits the
// action's store effects.
func Transition(s State, in Inbound, now time.Time) (State, Action) {
	idle := State{Kind: StateIdle}

	switch in.Kind {
	case InboundStart:
		// Restarting always abandons whatever was in flight.
		return idle, Action{Kind: ActionSendLink}

	case InboundStartToken:
		next := State{Kind: StateAwaitingMessage, Token: in.Token, Since: now}
		return next, Action{Kind: ActionEnterAwaitMessage, Token: in.Token}

	case InboundCancel:
		if s.Kind == StateIdle {
			return idle, Action{Kind: ActionGuidance}
		}
		return idle, Action{Kind: ActionCancel}

	case InboundReplyCallback:
		next := State{Kind: StateAwaitingReply, ExchangeID: in.ExchangeID, Since: now}
		return next, Action{Kind: ActionEnterAwaitReply, ExchangeID: in.ExchangeID}

	case InboundNativeReply:
		if s.Kind == StateAwaitingMessage {
			// Mid-send a reply gesture is still the pending message.
			return idle, Action{Kind: ActionRelay, Token: s.Token}
		}
		return idle, Action{Kind: ActionResolveNativeReply}

	case InboundMessage:
		switch s.Kind {
		case StateAwaitingMessage:
			return idle, Action{Kind: ActionRelay, Token: s.Token}
		case StateAwaitingReply:
			return idle, Action{Kind: ActionDeliverReply, ExchangeID: s.ExchangeID}
		default:
			return idle, Action{Kind: ActionGuidance}
		}
	}

	return idle, Action{Kind: ActionGuidance}
}
