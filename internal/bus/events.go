// Package bus defines the inbound event types exchanged between the
// Discord adapter, the heartbeat scheduler, and the queue manager.
package bus

import "time"

// EventKind discriminates the InboundEvent union.
type EventKind string

const (
	KindChatMessage EventKind = "chat_message"
	KindHeartbeat   EventKind = "heartbeat"
	KindMemberJoin  EventKind = "member_join"
)

// Classification tags how a chat message addresses the bot.
type Classification string

const (
	ClassDirect  Classification = "direct"  // DM to the bot
	ClassMention Classification = "mention" // @bot in a channel
	ClassReply   Classification = "reply"   // reply to an earlier message
	ClassGeneric Classification = "generic" // plain channel message
)

// Attachment references one file attached to a chat message.
type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// ReplyRef points at the message a chat message replies to.
type ReplyRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// ChatMessage is one human message received from a channel.
type ChatMessage struct {
	ChannelID   string         `json:"channel_id"`
	ChannelName string         `json:"channel_name,omitempty"`
	SenderID    string         `json:"sender_id"`
	SenderName  string         `json:"sender_name"`
	Content     string         `json:"content"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	ReplyTo     *ReplyRef      `json:"reply_to,omitempty"`
	Class       Classification `json:"class"`
}

// Heartbeat is a system-generated prompt with no channel affinity.
type Heartbeat struct {
	Reason string `json:"reason"`
}

// MemberJoin records a new member joining a guild. No channel affinity.
type MemberJoin struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	GuildID   string    `json:"guild_id"`
	GuildName string    `json:"guild_name,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// InboundEvent is the tagged union handed to the queue manager.
// Exactly one of the payload pointers is set, matching Kind.
// Events are immutable once created and consumed exactly once.
type InboundEvent struct {
	Kind      EventKind   `json:"kind"`
	Message   *ChatMessage `json:"message,omitempty"`
	Heartbeat *Heartbeat   `json:"heartbeat,omitempty"`
	Join      *MemberJoin  `json:"join,omitempty"`
}

// NewChatEvent wraps a chat message as an inbound event.
func NewChatEvent(msg *ChatMessage) InboundEvent {
	return InboundEvent{Kind: KindChatMessage, Message: msg}
}

// NewHeartbeatEvent wraps a heartbeat trigger as an inbound event.
func NewHeartbeatEvent(reason string) InboundEvent {
	return InboundEvent{Kind: KindHeartbeat, Heartbeat: &Heartbeat{Reason: reason}}
}

// NewMemberJoinEvent wraps a guild join as an inbound event.
func NewMemberJoinEvent(join *MemberJoin) InboundEvent {
	return InboundEvent{Kind: KindMemberJoin, Join: join}
}
