// Package telegram adapts the Telegram Bot API (long polling, via telego)
// to the turn engine's IncomingMessage/OutgoingAction contract.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/friendcore/friend/internal/channels"
	"github.com/friendcore/friend/internal/message"
)

// Config is the Telegram channel's own corner of internal/config.Config.
type Config struct {
	Token          string
	RequireMention bool
	Policy         channels.Policy
}

// Channel connects to Telegram via the Bot API using long polling.
type Channel struct {
	bot         *telego.Bot
	cfg         Config
	engine      channels.Engine
	botUsername string
	pollCancel  context.CancelFunc
	pollDone    chan struct{}
}

// New creates a Telegram channel bound to engine.
func New(cfg Config, engine channels.Engine) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{bot: bot, cfg: cfg, engine: engine}, nil
}

func (c *Channel) Name() message.Channel { return message.ChannelTelegram }

// Start begins long polling for Telegram updates.
func (c *Channel) Start(ctx context.Context) error {
	me, err := c.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	c.botUsername = me.Username

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "username", me.Username)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					c.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout")
		}
	}
	return nil
}

func (c *Channel) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.Text == "" || msg.From == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	isOperator := c.cfg.Policy.IsOperator(senderID)

	if !c.cfg.Policy.Accept(isGroup, senderID) {
		return
	}

	mentioned := message.MentionedUnknown
	if isGroup {
		mentioned = message.MentionedFalse
		if c.mentionsBot(msg) {
			mentioned = message.MentionedTrue
		}
		if !c.cfg.RequireMention {
			mentioned = message.MentionedTrue
		}
	}

	in := message.IncomingMessage{
		Channel:           message.ChannelTelegram,
		ChatID:            message.ChatID(strconv.FormatInt(msg.Chat.ID, 10)),
		MessageID:         message.MessageID(strconv.Itoa(msg.MessageID)),
		AuthorID:          message.PersonID(senderID),
		AuthorDisplayName: displayName(msg.From),
		Text:              msg.Text,
		IsGroup:           isGroup,
		IsOperator:        isOperator,
		Mentioned:         mentioned,
		TimestampMs:       int64(msg.Date) * 1000,
	}

	action := c.engine.HandleIncomingMessage(ctx, in)
	if err := channels.Dispatch(ctx, c, in.ChatID, action); err != nil {
		slog.Warn("telegram dispatch failed", "error", err, "chat_id", in.ChatID)
	}
}

func (c *Channel) mentionsBot(msg *telego.Message) bool {
	if c.botUsername == "" {
		return false
	}
	for _, e := range msg.Entities {
		if e.Type != "mention" || e.Offset+e.Length > len(msg.Text) {
			continue
		}
		handle := strings.TrimPrefix(msg.Text[e.Offset:e.Offset+e.Length], "@")
		if strings.EqualFold(handle, c.botUsername) {
			return true
		}
	}
	return strings.Contains(strings.ToLower(msg.Text), "@"+strings.ToLower(c.botUsername))
}

func displayName(u *telego.User) string {
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.Username
	}
	return name
}

// SendText implements channels.Sender.
func (c *Channel) SendText(ctx context.Context, chatID message.ChatID, text string) error {
	id, err := strconv.ParseInt(string(chatID), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	_, err = c.bot.SendMessage(ctx, tu.Message(tu.ID(id), text))
	return err
}

// SendReaction implements channels.Sender. Telegram message reactions are
// keyed by message ID, which this spec's OutgoingAction does not carry for
// a proactive or synthesized context, so it always sends the emoji as a
// plain text message.
func (c *Channel) SendReaction(ctx context.Context, chatID message.ChatID, _ int64, emoji string) error {
	return c.SendText(ctx, chatID, emoji)
}
