package relay

import "fmt"

// CancelLabel is the literal cancel button text; a message matching it
// aborts the current flow.
const CancelLabel = "❌ Cancel"

// mediaPlaceholder is stored as the content snapshot for non-text payloads.
const mediaPlaceholder = "[media]"

const (
	msgWelcome = "Hi! Share this link and receive anonymous messages:\n\n%s\n\n" +
		"Anyone who opens it can write to you without revealing who they are."
	msgYourLink = "Your anonymous link:\n\n%s"
	msgPrompt = "You are writing an anonymous message. " +
		"Send any text or media and I will pass it on without your name."
	msgSent        = "✅ Delivered anonymously. Want your own link? Here it is:\n\n%s"
	msgSentPlain   = "✅ Delivered anonymously."
	msgRelayHeader = "📨 You received an anonymous message."
	msgReplyTip    = "Tap Reply under the message to answer anonymously. /tip turns this hint off."
	msgReplyPrompt = "Send your reply. The author will not learn who you are."
	msgReplyBody   = "📬 Reply to your anonymous message:\n\n%s"
	msgReplySent   = "✅ Reply delivered."

	msgCancelled   = "Cancelled."
	msgFlowExpired = "That conversation timed out. Please start again."
	msgBadToken    = "This link is invalid or was revoked. You can get your own link:\n\n%s"
	msgPairBusy    = "You already sent this person a message that is awaiting a reply. " +
		"Please wait until they answer."
	msgAnswered = "This message was already answered. Each anonymous message takes a single reply."
	msgExpired  = "This message expired and can no longer be answered. Ask for a new one."
	msgGuidance = "Send /start for your anonymous link, or open someone else's link to write to them.\n\nYour link:\n\n%s"
	msgTryLater = "Something went wrong on our side. Please try again in a moment."
	msgRevoked  = "Old link revoked. Your new anonymous link:\n\n%s"
	msgTipOn    = "Reply hints are now ON."
	msgTipOff   = "Reply hints are now OFF."
	msgStats    = "Users: %d\nActive links: %d\nOpen exchanges: %d\nAnswered exchanges: %d"
)

func deepLink(base, token string) string {
	return base + token
}

func formatWelcome(link string) string  { return fmt.Sprintf(msgWelcome, link) }
func formatYourLink(link string) string { return fmt.Sprintf(msgYourLink, link) }
func formatSent(link string) string     { return fmt.Sprintf(msgSent, link) }
func formatBadToken(link string) string { return fmt.Sprintf(msgBadToken, link) }
func formatGuidance(link string) string { return fmt.Sprintf(msgGuidance, link) }
func formatRevoked(link string) string  { return fmt.Sprintf(msgRevoked, link) }
func formatReply(body string) string    { return fmt.Sprintf(msgReplyBody, body) }
