package proactive

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/friendcore/friend/internal/message"
)

// Schedule is one recurring proactive source: a cron expression plus the
// Event template to fire when it's due. Grounded on the teacher's cron
// lane (cmd/gateway_cron.go's makeCronJobHandler schedules a stored
// store.CronJob through scheduler.Schedule); here the scheduler itself
// owns the due-check instead of deferring to a DB-backed cron store,
// since proactive events are built by each Schedule's in-memory Build
// func rather than loaded from persisted job rows.
type Schedule struct {
	Expr  string // standard 5-field cron expression
	Build func(now time.Time) Event
}

// Scheduler polls a set of cron Schedules at a fixed tick and dispatches
// due ones to a Handler, one at a time per tick (the Handler's own
// per-chat lock provides the concurrency control the teacher's scheduler
// lane otherwise gives a cron job).
type Scheduler struct {
	gron      gronx.Gronx
	tick      time.Duration
	schedules []Schedule
	handler   *Handler
	router    Router
	logger    *slog.Logger

	// OnAction, if set, receives every fired event's action (including
	// silences) after Handle returns — the caller's hook for actually
	// delivering a send/react onto the originating channel, since
	// Scheduler itself has no notion of a channels.Sender.
	OnAction func(ctx context.Context, chatID message.ChatID, channel message.Channel, action message.OutgoingAction)
}

func NewScheduler(handler *Handler, router Router, logger *slog.Logger, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{gron: gronx.Gronx{}, tick: tick, handler: handler, router: router, logger: logger}
}

// Add registers a recurring schedule. Not safe to call concurrently with
// Run.
func (s *Scheduler) Add(sch Schedule) {
	s.schedules = append(s.schedules, sch)
}

// Run blocks, firing due schedules until ctx is canceled. Each due
// schedule's handler call runs synchronously on the tick goroutine;
// Handler.Handle's own locking keeps a slow proactive turn from
// blocking other chats indefinitely since chatlock is per-key, but a
// single tick can still be held up by one long draft — acceptable at
// proactive's cadence (minutes, not seconds).
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	for _, sch := range s.schedules {
		due, err := s.gron.IsDue(sch.Expr, now)
		if err != nil {
			s.logger.Warn("proactive: bad cron expression", "expr", sch.Expr, "err", err)
			continue
		}
		if !due {
			continue
		}
		ev := sch.Build(now)
		action := s.handler.Handle(ctx, ev)
		s.logger.Info("proactive: event fired", "kind", ev.Kind, "chat_id", ev.ChatID, "action", action.Kind, "reason", action.Reason)

		if s.OnAction == nil {
			continue
		}
		if recipient, ok := s.router.Resolve(ctx, ev.ChatID); ok {
			s.OnAction(ctx, recipient.ChatID, recipient.Channel, action)
		}
	}
}
