// Package discord adapts the Discord gateway API (via discordgo) to the
// turn engine's IncomingMessage/OutgoingAction contract. Kept as the
// optional fourth channel alongside Telegram, Signal and the operator CLI.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/friendcore/friend/internal/channels"
	"github.com/friendcore/friend/internal/message"
)

// Config is Discord's corner of internal/config.Config.
type Config struct {
	Token          string
	RequireMention bool
	Policy         channels.Policy
}

const discordMaxMessageLen = 2000

// Channel connects to Discord via the gateway.
type Channel struct {
	session   *discordgo.Session
	cfg       Config
	engine    channels.Engine
	botUserID string
}

// New creates a Discord channel bound to engine.
func New(cfg Config, engine channels.Engine) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Channel{session: session, cfg: cfg, engine: engine}, nil
}

func (c *Channel) Name() message.Channel { return message.ChannelDiscord }

func (c *Channel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot || m.Content == "" {
		return
	}
	isGroup := m.GuildID != ""
	isOperator := c.cfg.Policy.IsOperator(m.Author.ID)

	if !c.cfg.Policy.Accept(isGroup, m.Author.ID) {
		return
	}

	mentioned := message.MentionedUnknown
	if isGroup {
		mentioned = message.MentionedFalse
		if c.mentionsBot(m.Message) || !c.cfg.RequireMention {
			mentioned = message.MentionedTrue
		}
	}

	in := message.IncomingMessage{
		Channel:           message.ChannelDiscord,
		ChatID:            message.ChatID(m.ChannelID),
		MessageID:         message.MessageID(m.ID),
		AuthorID:          message.PersonID(m.Author.ID),
		AuthorDisplayName: resolveDisplayName(m),
		Text:              m.Content,
		IsGroup:           isGroup,
		IsOperator:        isOperator,
		Mentioned:         mentioned,
		TimestampMs:       m.Timestamp.UnixMilli(),
	}

	action := c.engine.HandleIncomingMessage(context.Background(), in)
	if err := channels.Dispatch(context.Background(), c, in.ChatID, action); err != nil {
		slog.Warn("discord dispatch failed", "error", err, "chat_id", in.ChatID)
	}
}

func (c *Channel) mentionsBot(m *discordgo.Message) bool {
	for _, u := range m.Mentions {
		if u.ID == c.botUserID {
			return true
		}
	}
	return false
}

func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	return m.Author.Username
}

// SendText implements channels.Sender, chunking at Discord's 2000-char limit.
func (c *Channel) SendText(_ context.Context, chatID message.ChatID, text string) error {
	for len(text) > 0 {
		chunk := text
		if len(chunk) > discordMaxMessageLen {
			cutAt := discordMaxMessageLen
			if idx := strings.LastIndexByte(text[:discordMaxMessageLen], '\n'); idx > discordMaxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if _, err := c.session.ChannelMessageSend(string(chatID), chunk); err != nil {
			return err
		}
	}
	return nil
}

// SendReaction implements channels.Sender.
func (c *Channel) SendReaction(_ context.Context, chatID message.ChatID, _ int64, emoji string) error {
	return c.SendText(context.Background(), chatID, emoji)
}
