package cmd

import (
	"context"
	"sync"

	"github.com/friendcore/friend/internal/channels"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/proactive"
)

// chatRegistry remembers the routing details of every chat a message has
// arrived from, so a later proactive.Event naming only a ChatID can be
// resolved back to its channel/person without a separate persisted
// mapping. Grounded on the teacher's in-memory session registry idea
// (internal/gateway kept a live client table); trimmed to the one lookup
// proactive.Router needs.
type chatRegistry struct {
	mu sync.RWMutex
	m  map[message.ChatID]proactive.Recipient
}

func newChatRegistry() *chatRegistry {
	return &chatRegistry{m: make(map[message.ChatID]proactive.Recipient)}
}

func (r *chatRegistry) track(msg message.IncomingMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[msg.ChatID] = proactive.Recipient{
		ChatID:        msg.ChatID,
		Channel:       msg.Channel,
		ChannelUserID: string(msg.AuthorID),
		IsGroup:       msg.IsGroup,
		IsOperator:    msg.IsOperator,
	}
}

// Resolve implements proactive.Router.
func (r *chatRegistry) Resolve(_ context.Context, chatID message.ChatID) (proactive.Recipient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.m[chatID]
	return rec, ok
}

// trackingEngine wraps a channels.Engine, recording every inbound
// message's routing details into a chatRegistry before delegating, so
// the proactive scheduler can address a chat that has spoken at least
// once without a dedicated persistence layer.
type trackingEngine struct {
	inner channels.Engine
	reg   *chatRegistry
}

func (e *trackingEngine) HandleIncomingMessage(ctx context.Context, msg message.IncomingMessage) message.OutgoingAction {
	e.reg.track(msg)
	return e.inner.HandleIncomingMessage(ctx, msg)
}
