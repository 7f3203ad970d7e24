// Package message defines the wire-level data model shared by every
// channel adapter and the turn engine: inbound deliveries, the
// three-valued "mentioned" flag, and outgoing actions.
package message

// ChatID, MessageID and PersonID are opaque, channel-scoped identifiers.
// They are distinct string types so a ChatID can never be compared
// against a MessageID by accident.
type ChatID string
type MessageID string
type PersonID string
type FactID string
type EpisodeID string
type LessonID string

// Channel tags which transport delivered a message.
type Channel string

const (
	ChannelSignal   Channel = "signal"
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
	ChannelCLI      Channel = "cli"
)

// Mentioned is a three-valued flag: the source channel may not be able to
// tell us whether the bot was @-mentioned in a group at all.
type Mentioned int

const (
	MentionedUnknown Mentioned = iota
	MentionedFalse
	MentionedTrue
)

// Or combines two observations of "mentioned" across a coalesced batch.
// True dominates False dominates Unknown.
func (m Mentioned) Or(other Mentioned) Mentioned {
	if m == MentionedTrue || other == MentionedTrue {
		return MentionedTrue
	}
	if m == MentionedFalse || other == MentionedFalse {
		return MentionedFalse
	}
	return MentionedUnknown
}

// AttachmentKind categorizes an inbound attachment.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentDocument AttachmentKind = "document"
	AttachmentOther    AttachmentKind = "other"
)

// Attachment describes one piece of inbound media. Fetch is nil when the
// channel adapter has no byte-fetcher wired up (e.g. metadata-only probes).
type Attachment struct {
	ID        string
	Kind      AttachmentKind
	Mime      string
	SizeBytes int64
	Fetch     func() ([]byte, error)
}

// IncomingMessage is the ephemeral, per-delivery view of a chat message.
// It never outlives the turn that consumes it.
type IncomingMessage struct {
	Channel           Channel
	ChatID            ChatID
	MessageID         MessageID
	AuthorID          PersonID
	AuthorDisplayName string

	Text        string
	Attachments []Attachment

	IsGroup    bool
	IsOperator bool
	Mentioned  Mentioned

	// TimestampMs is the channel-reported send time; the canonical
	// ordering key for everything downstream.
	TimestampMs int64
}

// ActionKind tags an OutgoingAction's variant.
type ActionKind string

const (
	ActionSend    ActionKind = "send_text"
	ActionReact   ActionKind = "react"
	ActionSilence ActionKind = "silence"
)

// OutgoingAction is the sum type the turn engine hands back to a channel
// adapter: either send text (with optional media/TTS hint), react with a
// single emoji, or stay silent with a machine-readable reason.
type OutgoingAction struct {
	Kind ActionKind

	// ActionSend
	Text    string
	Media   []MediaRef
	TTSHint string

	// ActionReact
	Emoji            string
	TargetAuthorID   PersonID
	TargetTimestampMs int64

	// ActionSilence
	Reason string
}

// MediaRef is an outgoing media attachment (generated or forwarded).
type MediaRef struct {
	URL         string
	ContentType string
	Caption     string
}

func Silence(reason string) OutgoingAction {
	return OutgoingAction{Kind: ActionSilence, Reason: reason}
}

func SendText(text string, media ...MediaRef) OutgoingAction {
	return OutgoingAction{Kind: ActionSend, Text: text, Media: media}
}

func React(emoji string, targetAuthor PersonID, targetTs int64) OutgoingAction {
	return OutgoingAction{Kind: ActionReact, Emoji: emoji, TargetAuthorID: targetAuthor, TargetTimestampMs: targetTs}
}
