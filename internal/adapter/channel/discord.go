//go:build discord

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"plugbot/internal/domain"
)

// DiscordOption configures the Discord channel.
type DiscordOption func(*DiscordChannel)

// WithDiscordGuild limits the bot to a specific guild.
func WithDiscordGuild(guildID string) DiscordOption {
	return func(d *DiscordChannel) { d.guildID = guildID }
}

// WithDiscordIdentities maps Discord user IDs to phone identities.
func WithDiscordIdentities(m IdentityMap) DiscordOption {
	return func(d *DiscordChannel) { d.identities = m }
}

// DiscordChannel implements domain.Channel for Discord via discordgo.
type DiscordChannel struct {
	token      string
	guildID    string
	identities IdentityMap
	logger     *slog.Logger

	session   *discordgo.Session
	handler   domain.MessageHandler
	botUserID string
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewDiscordChannel creates a Discord bot channel.
func NewDiscordChannel(token string, logger *slog.Logger, opts ...DiscordOption) *DiscordChannel {
	d := &DiscordChannel{token: token, logger: logger.With("channel", "discord")}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	dg.AddHandler(d.onMessageCreate)
	if err := dg.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	d.session = dg
	d.botUserID = dg.State.User.ID
	d.logger.Info("discord channel started", "user_id", d.botUserID)
	return nil
}

func (d *DiscordChannel) Stop(_ context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

func (d *DiscordChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	channelID := msg.ChatID
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}
	send := &discordgo.MessageSend{Content: msg.Content}
	if msg.ReplyToID != "" {
		send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyToID, ChannelID: channelID}
	}
	if _, err := d.session.ChannelMessageSendComplex(channelID, send); err != nil {
		return domain.NewDomainError("DiscordChannel.Send", domain.ErrChannelSend, err.Error())
	}
	return nil
}

func (d *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == d.botUserID || m.Author.Bot {
		return
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}

	content := strings.TrimSpace(m.Content)
	content = strings.TrimSpace(strings.TrimPrefix(content, "<@"+d.botUserID+">"))
	if content == "" {
		return
	}

	msg := domain.InboundMessage{
		ID:          m.ID,
		ChannelName: "discord",
		ChatID:      m.ChannelID,
		Sender:      d.identities.Resolve(m.Author.ID),
		SenderName:  m.Author.Username,
		Content:     content,
		Timestamp:   m.Timestamp,
		Metadata:    map[string]string{"user_id": m.Author.ID, "guild_id": m.GuildID},
	}
	d.handler(d.ctx, msg, d.Send)
}
