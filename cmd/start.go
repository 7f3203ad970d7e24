package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendcore/friend/internal/channels"
	"github.com/friendcore/friend/internal/channels/cliadapter"
	"github.com/friendcore/friend/internal/channels/discord"
	"github.com/friendcore/friend/internal/channels/signalcli"
	"github.com/friendcore/friend/internal/channels/telegram"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/proactive"
)

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the gateway: channel adapters, turn engine, proactive scheduler",
		Run: func(cmd *cobra.Command, args []string) {
			runStart()
		},
	}
}

// senderRegistry lets the proactive dispatcher find the channels.Sender
// that owns a given Event.Channel without the scheduler needing to know
// about concrete adapter types.
type senderRegistry struct {
	senders map[message.Channel]channels.Sender
}

func (r *senderRegistry) dispatch(ctx context.Context, chatID message.ChatID, ch message.Channel, action message.OutgoingAction) {
	sender, ok := r.senders[ch]
	if !ok {
		slog.Warn("proactive: no sender registered for channel", "channel", ch)
		return
	}
	if err := channels.Dispatch(ctx, sender, chatID, action); err != nil {
		slog.Warn("proactive: dispatch failed", "channel", ch, "chat_id", chatID, "error", err)
	}
}

func runStart() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig()
	shutdownTelemetry := setupTelemetry(ctx, cfg.Telemetry)
	defer shutdownTelemetry(context.Background())

	app, err := openApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "friend: %s\n", err)
		os.Exit(1)
	}
	defer app.Close()

	registry := newChatRegistry()
	engine := &trackingEngine{inner: app.Engine, reg: registry}

	var adapters []channels.Adapter
	senders := &senderRegistry{senders: make(map[message.Channel]channels.Sender)}

	if tg := cfg.Channels.Telegram; tg != nil && tg.Token != "" {
		ch, err := telegram.New(tg.ToChannelConfig(), engine)
		if err != nil {
			fmt.Fprintf(os.Stderr, "friend: telegram: %s\n", err)
			os.Exit(1)
		}
		adapters = append(adapters, ch)
		senders.senders[message.ChannelTelegram] = ch
	}
	if dc := cfg.Channels.Discord; dc != nil && dc.Token != "" {
		ch, err := discord.New(dc.ToChannelConfig(), engine)
		if err != nil {
			fmt.Fprintf(os.Stderr, "friend: discord: %s\n", err)
			os.Exit(1)
		}
		adapters = append(adapters, ch)
		senders.senders[message.ChannelDiscord] = ch
	}
	if sig := cfg.Channels.Signal; sig != nil && sig.WSURL != "" {
		ch := signalcli.New(sig.ToChannelConfig(), engine)
		adapters = append(adapters, ch)
		senders.senders[message.ChannelSignal] = ch
	}
	if cli := cfg.Channels.CLI; cli != nil && cli.Enabled {
		ch := cliadapter.New(engine, os.Stdin, os.Stdout)
		adapters = append(adapters, ch)
		senders.senders[message.ChannelCLI] = ch
	}
	if len(adapters) == 0 {
		fmt.Fprintln(os.Stderr, "friend: no channel is configured and enabled; nothing to start")
		os.Exit(1)
	}

	for _, a := range adapters {
		if err := a.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "friend: start %s: %s\n", a.Name(), err)
			os.Exit(1)
		}
		slog.Info("channel started", "channel", a.Name())
	}

	handler := app.newProactiveHandler(registry)
	sched := proactive.NewScheduler(handler, registry, slog.Default(), time.Minute)
	sched.OnAction = senders.dispatch
	// A bare heartbeat check-in every 6 hours is the only schedule
	// registered; no command registers reminder/birthday schedules.
	sched.Add(proactive.Schedule{
		Expr: "0 */6 * * *",
		Build: func(now time.Time) proactive.Event {
			return proactive.Event{Kind: proactive.EventHeatbeat, CreatedAt: now}
		},
	})
	go sched.Run(ctx)

	slog.Info("friend gateway running", "channels", len(adapters))
	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, a := range adapters {
		if err := a.Stop(stopCtx); err != nil {
			slog.Warn("channel stop failed", "channel", a.Name(), "error", err)
		}
	}
}
