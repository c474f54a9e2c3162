// Package discord connects the bridge to Discord via the gateway API.
// It translates platform events into inbound queue events and delivers
// settled replies back to their channels.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/LordLuceus/letta-bot/internal/bus"
	"github.com/LordLuceus/letta-bot/internal/config"
	"github.com/LordLuceus/letta-bot/internal/queue"
)

// typingLifetime is how long one TYPING_START is considered active.
// Discord does not send typing-stop events; the indicator expires
// after roughly ten seconds unless refreshed.
const typingLifetime = 10 * time.Second

// maxMessageLen is Discord's hard message size limit.
const maxMessageLen = 2000

// Bot owns the Discord session and the event handlers feeding the
// queue manager.
type Bot struct {
	session   *discordgo.Session
	mgr       *queue.Manager
	cfg       config.DiscordConfig
	limiter   *rate.Limiter
	botUserID string

	runCtx       context.Context
	typingTimers sync.Map // channelID+":"+userID → *time.Timer
}

// New creates the bot from config. The session is not opened yet.
func New(cfg config.DiscordConfig, mgr *queue.Manager) (*Bot, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageTyping |
		discordgo.IntentsDirectMessageTyping |
		discordgo.IntentsGuildMembers

	perSecond := cfg.SendRatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.SendBurst
	if burst <= 0 {
		burst = 3
	}

	return &Bot{
		session: session,
		mgr:     mgr,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (b *Bot) Start(ctx context.Context) error {
	slog.Info("starting discord bot")
	b.runCtx = ctx

	b.session.AddHandler(b.handleMessage)
	b.session.AddHandler(b.handleTypingStart)
	b.session.AddHandler(b.handleMemberAdd)

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := b.session.User("@me")
	if err != nil {
		b.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	b.botUserID = user.ID

	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (b *Bot) Stop() error {
	slog.Info("stopping discord bot")
	return b.session.Close()
}

// handleMessage classifies an incoming message and enqueues it. The
// settled reply, if any, is sent back to the same channel.
func (b *Bot) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == b.botUserID || m.Author.Bot {
		return
	}

	// Sending a message ends the sender's typing burst.
	b.stopTyping(m.ChannelID, m.Author.ID)

	msg := &bus.ChatMessage{
		ChannelID:   m.ChannelID,
		ChannelName: b.channelName(m.ChannelID),
		SenderID:    m.Author.ID,
		SenderName:  displayName(m),
		Content:     m.Content,
		Class:       b.classify(m),
	}
	for _, att := range m.Attachments {
		msg.Attachments = append(msg.Attachments, bus.Attachment{
			URL:         att.URL,
			Filename:    att.Filename,
			ContentType: att.ContentType,
		})
	}
	if ref := m.MessageReference; ref != nil && ref.MessageID != "" {
		msg.ReplyTo = &bus.ReplyRef{ChannelID: ref.ChannelID, MessageID: ref.MessageID}
	}

	slog.Debug("discord message received",
		"sender_id", msg.SenderID,
		"channel_id", msg.ChannelID,
		"class", string(msg.Class),
	)

	promise, err := b.mgr.EnqueueMessage(msg)
	if err != nil {
		slog.Warn("discord: enqueue failed", "channel_id", msg.ChannelID, "error", err)
		return
	}

	go b.deliver(msg.ChannelID, promise)
}

// deliver waits for a settled reply and sends it. Backend failures are
// dropped silently; the queue already logged them.
func (b *Bot) deliver(channelID string, promise *queue.Promise) {
	text, err := promise.Wait(b.runCtx)
	if err != nil {
		slog.Warn("discord: request failed, dropping reply", "channel_id", channelID, "error", err)
		return
	}
	if text == "" {
		// Superseded batch member or deliberate silence.
		return
	}
	if err := b.SendTo(b.runCtx, channelID, text); err != nil {
		slog.Warn("discord: send failed", "channel_id", channelID, "error", err)
	}
}

// classify tags how the message addresses the bot.
func (b *Bot) classify(m *discordgo.MessageCreate) bus.Classification {
	if m.GuildID == "" {
		return bus.ClassDirect
	}
	if m.MessageReference != nil && m.MessageReference.MessageID != "" {
		return bus.ClassReply
	}
	for _, u := range m.Mentions {
		if u.ID == b.botUserID {
			return bus.ClassMention
		}
	}
	return bus.ClassGeneric
}

// handleTypingStart feeds the typing state and schedules the synthetic
// stop Discord never sends.
func (b *Bot) handleTypingStart(_ *discordgo.Session, t *discordgo.TypingStart) {
	if t.UserID == b.botUserID {
		return
	}
	b.mgr.TypingStart(t.ChannelID, t.UserID)

	key := t.ChannelID + ":" + t.UserID
	timer := time.AfterFunc(typingLifetime, func() {
		b.typingTimers.Delete(key)
		b.mgr.TypingStop(t.ChannelID, t.UserID)
	})
	if prev, loaded := b.typingTimers.Swap(key, timer); loaded {
		prev.(*time.Timer).Stop()
	}
}

func (b *Bot) stopTyping(channelID, userID string) {
	key := channelID + ":" + userID
	if prev, loaded := b.typingTimers.LoadAndDelete(key); loaded {
		prev.(*time.Timer).Stop()
	}
	b.mgr.TypingStop(channelID, userID)
}

// handleMemberAdd enqueues a membership event; the greeting, if the
// agent produces one, goes to the configured greeting channel.
func (b *Bot) handleMemberAdd(_ *discordgo.Session, g *discordgo.GuildMemberAdd) {
	if g.User == nil || g.User.Bot {
		return
	}

	join := &bus.MemberJoin{
		UserID:    g.User.ID,
		UserName:  g.User.Username,
		GuildID:   g.GuildID,
		GuildName: b.guildName(g.GuildID),
		JoinedAt:  g.JoinedAt,
	}

	promise, err := b.mgr.EnqueueMemberJoin(join)
	if err != nil {
		slog.Warn("discord: member join enqueue failed", "guild_id", g.GuildID, "error", err)
		return
	}
	if b.cfg.GreetingChannelID == "" {
		// Nowhere to deliver; the agent still sees the event.
		go func() { promise.Wait(b.runCtx) }()
		return
	}
	go b.deliver(b.cfg.GreetingChannelID, promise)
}

// SendTo delivers text to a channel, paced by the outbound limiter and
// chunked at Discord's message size limit.
func (b *Bot) SendTo(ctx context.Context, channelID, content string) error {
	for _, chunk := range splitMessage(content) {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := b.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// splitMessage cuts content into chunks that fit Discord's size limit,
// preferring to break at a newline in the back half of a chunk. Cuts
// never land inside a multibyte rune.
func splitMessage(content string) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxMessageLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxMessageLen
		if idx := strings.LastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
			cutAt = idx + 1
		} else {
			for cutAt > 0 && !utf8.RuneStart(content[cutAt]) {
				cutAt--
			}
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}

// FetchOriginal implements the formatter's reply lookup.
func (b *Bot) FetchOriginal(ctx context.Context, ref bus.ReplyRef) (string, string, error) {
	msg, err := b.session.ChannelMessage(ref.ChannelID, ref.MessageID, discordgo.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("fetch original message: %w", err)
	}
	sender := ""
	if msg.Author != nil {
		sender = msg.Author.Username
		if msg.Author.GlobalName != "" {
			sender = msg.Author.GlobalName
		}
	}
	return sender, msg.Content, nil
}

// SetPresence updates the bot's custom status. Fire-and-forget.
func (b *Bot) SetPresence(_ context.Context, status string) {
	if err := b.session.UpdateCustomStatus(status); err != nil {
		slog.Warn("discord: presence update failed", "error", err)
	}
}

func (b *Bot) channelName(channelID string) string {
	if ch, err := b.session.State.Channel(channelID); err == nil {
		return ch.Name
	}
	if ch, err := b.session.Channel(channelID); err == nil {
		return ch.Name
	}
	return ""
}

func (b *Bot) guildName(guildID string) string {
	if g, err := b.session.State.Guild(guildID); err == nil {
		return g.Name
	}
	if g, err := b.session.Guild(guildID); err == nil {
		return g.Name
	}
	return ""
}

// displayName prefers server nickname, then global display name, then
// username.
func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
