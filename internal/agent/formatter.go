package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/LordLuceus/letta-bot/internal/bus"
)

// replyExcerptWidth caps the quoted excerpt of a replied-to message.
const replyExcerptWidth = 100

// Describer produces human-readable descriptions for attachments and
// links. Failures degrade to an empty description, never a hard error.
type Describer interface {
	DescribeAttachments(ctx context.Context, atts []bus.Attachment) (string, error)
	DescribeLinks(ctx context.Context, text string) (string, error)
}

// ReplyFetcher looks up the message a reply points at. Failure degrades
// to omitting the quoted excerpt.
type ReplyFetcher interface {
	FetchOriginal(ctx context.Context, ref bus.ReplyRef) (sender, text string, err error)
}

// Formatter turns one inbound event plus its fetched context into the
// text payload sent to the agent.
type Formatter struct {
	describer Describer
	replies   ReplyFetcher
}

func NewFormatter(describer Describer, replies ReplyFetcher) *Formatter {
	return &Formatter{describer: describer, replies: replies}
}

// Format renders ev. It never fails: collaborator errors degrade to a
// payload missing only that enrichment.
func (f *Formatter) Format(ctx context.Context, ev bus.InboundEvent) string {
	switch ev.Kind {
	case bus.KindChatMessage:
		return f.formatChat(ctx, ev.Message)
	case bus.KindHeartbeat:
		return formatHeartbeat(ev.Heartbeat)
	case bus.KindMemberJoin:
		return formatMemberJoin(ev.Join)
	default:
		slog.Warn("formatter: unknown event kind", "kind", string(ev.Kind))
		return ""
	}
}

func (f *Formatter) formatChat(ctx context.Context, msg *bus.ChatMessage) string {
	sender := fmt.Sprintf("%s (ID %s)", msg.SenderName, msg.SenderID)

	var prefix string
	switch msg.Class {
	case bus.ClassDirect:
		prefix = fmt.Sprintf("[Direct message from %s]", sender)
	case bus.ClassMention:
		prefix = fmt.Sprintf("[Mention from %s in #%s]", sender, msg.ChannelName)
	case bus.ClassReply:
		prefix = f.replyPrefix(ctx, msg, sender)
	default:
		prefix = fmt.Sprintf("[Message from %s in #%s]", sender, msg.ChannelName)
	}

	var b strings.Builder
	b.WriteString(prefix)
	if msg.Content != "" {
		b.WriteString(" ")
		b.WriteString(msg.Content)
	}

	if len(msg.Attachments) > 0 && f.describer != nil {
		desc, err := f.describer.DescribeAttachments(ctx, msg.Attachments)
		if err != nil {
			slog.Warn("formatter: attachment description failed", "error", err)
			desc = fmt.Sprintf("%d attachment(s), description unavailable", len(msg.Attachments))
		}
		if desc != "" {
			b.WriteString("\n[Attachments: ")
			b.WriteString(desc)
			b.WriteString("]")
		}
	}

	if f.describer != nil {
		desc, err := f.describer.DescribeLinks(ctx, msg.Content)
		if err != nil {
			slog.Warn("formatter: link description failed", "error", err)
		} else if desc != "" {
			b.WriteString("\n[Links: ")
			b.WriteString(desc)
			b.WriteString("]")
		}
	}

	return b.String()
}

func (f *Formatter) replyPrefix(ctx context.Context, msg *bus.ChatMessage, sender string) string {
	if msg.ReplyTo != nil && f.replies != nil {
		origSender, origText, err := f.replies.FetchOriginal(ctx, *msg.ReplyTo)
		if err == nil {
			excerpt := runewidth.Truncate(strings.ReplaceAll(origText, "\n", " "), replyExcerptWidth, "…")
			return fmt.Sprintf("[Reply from %s in #%s to %s: %q]",
				sender, msg.ChannelName, origSender, excerpt)
		}
		slog.Warn("formatter: reply lookup failed",
			"channel", msg.ReplyTo.ChannelID, "message", msg.ReplyTo.MessageID, "error", err)
	}
	return fmt.Sprintf("[Reply from %s in #%s]", sender, msg.ChannelName)
}

func formatHeartbeat(hb *bus.Heartbeat) string {
	if hb == nil || hb.Reason == "" {
		return ""
	}
	return fmt.Sprintf(
		"[EVENT] Heartbeat (%s). No user input; decide whether anything needs your attention, "+
			"and stay silent otherwise.", hb.Reason)
}

func formatMemberJoin(join *bus.MemberJoin) string {
	if join == nil {
		return ""
	}
	guild := join.GuildName
	if guild == "" {
		guild = join.GuildID
	}
	return fmt.Sprintf("[EVENT] %s (ID %s) joined %s at %s.",
		join.UserName, join.UserID, guild, join.JoinedAt.UTC().Format(time.RFC1123))
}
