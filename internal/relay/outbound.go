package relay

import "github.com/google/uuid"

// OutboundKind selects the delivery primitive.
type OutboundKind int

const (
	// OutboundText sends Text to ChatID.
	OutboundText OutboundKind = iota + 1
	// OutboundCopy re-delivers the inbound message (SourceChatID,
	// SourceMsgID) into ChatID without a forward header.
	OutboundCopy
)

// Markup selects the keyboard attached to an outbound message.
type Markup int

const (
	MarkupNone Markup = iota
	// MarkupCancel shows the one-button cancel reply keyboard.
	MarkupCancel
	// MarkupRemove hides any reply keyboard.
	MarkupRemove
	// MarkupReply attaches the inline "Reply" button carrying ExchangeID.
	MarkupReply
)

// Outbound is one send command for the delivery gateway. Commands aimed at a
// recipient's chat never carry sender-identifying fields: the only
// correlation handle is the opaque ExchangeID.
type Outbound struct {
	Kind   OutboundKind
	ChatID int64
	Text   string
	Markup Markup

	// ExchangeID is the reply-button payload (MarkupReply) and, with Track
	// set, the exchange whose delivered message id must be recorded.
	ExchangeID uuid.UUID
	Track      bool

	SourceChatID int64
	SourceMsgID  int
}
