// Package cliadapter is the operator's own channel: an interactive REPL
// over stdin/stdout, always treated as an operator DM. Grounded on the
// teacher's standalone interactive chat loop (cmd/agent_chat_standalone.go),
// trimmed to a single fixed chat with no session-switching commands.
package cliadapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/friendcore/friend/internal/channels"
	"github.com/friendcore/friend/internal/message"
)

const operatorChatID = message.ChatID("operator-cli")

// Channel runs a blocking REPL against stdin/stdout until ctx is canceled
// or stdin is closed.
type Channel struct {
	engine channels.Engine
	in     io.Reader
	out    io.Writer
	done   chan struct{}
}

// New creates the CLI operator channel reading from in and writing to out.
func New(engine channels.Engine, in io.Reader, out io.Writer) *Channel {
	return &Channel{engine: engine, in: in, out: out}
}

func (c *Channel) Name() message.Channel { return message.ChannelCLI }

func (c *Channel) Start(ctx context.Context) error {
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	if c.done != nil {
		<-c.done
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	fmt.Fprintln(c.out, "operator console — type a message, Ctrl+D to quit")
	scanner := bufio.NewScanner(c.in)
	seq := 0
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		text := scanner.Text()
		if text == "" {
			continue
		}
		seq++
		in := message.IncomingMessage{
			Channel:           message.ChannelCLI,
			ChatID:            operatorChatID,
			MessageID:         message.MessageID(fmt.Sprintf("cli-%d", seq)),
			AuthorID:          "operator",
			AuthorDisplayName: "operator",
			Text:              text,
			IsGroup:           false,
			IsOperator:        true,
			Mentioned:         message.MentionedTrue,
			TimestampMs:       time.Now().UnixMilli(),
		}
		action := c.engine.HandleIncomingMessage(ctx, in)
		channels.Dispatch(ctx, c, operatorChatID, action)
	}
}

// SendText implements channels.Sender.
func (c *Channel) SendText(_ context.Context, _ message.ChatID, text string) error {
	_, err := fmt.Fprintln(c.out, text)
	return err
}

// SendReaction implements channels.Sender; a terminal has no reaction
// surface, so it prints the emoji inline.
func (c *Channel) SendReaction(_ context.Context, _ message.ChatID, _ int64, emoji string) error {
	_, err := fmt.Fprintf(c.out, "[%s]\n", emoji)
	return err
}
