// Package channels adapts external transports (Telegram, Signal, Discord,
// the operator CLI) to the turn engine's IncomingMessage/OutgoingAction
// contract. Each adapter owns its own transport loop and hands every
// inbound delivery straight to an Engine; it never makes gating decisions
// of its own beyond the DM/group allowlist policy below.
package channels

import (
	"context"
	"strings"

	"github.com/friendcore/friend/internal/message"
)

// Engine is the turn engine's inbound-handling contract, as implemented by
// *turnengine.Engine. Adapters depend on this narrow interface rather than
// the concrete type so they can be tested against a stub.
type Engine interface {
	HandleIncomingMessage(ctx context.Context, msg message.IncomingMessage) message.OutgoingAction
}

// Adapter is the lifecycle every channel transport implements.
type Adapter interface {
	Name() message.Channel
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// DMPolicy controls how direct messages from unrecognized senders are handled.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Policy bundles a channel's DM/group acceptance rules and its allowlist.
// Grounded on the teacher's BaseChannel.CheckPolicy/IsAllowed, trimmed to
// the three policy values this spec actually needs.
type Policy struct {
	DM        DMPolicy
	Group     GroupPolicy
	Operators []string // sender IDs treated as the trusted operator
	AllowList []string
}

// IsOperator reports whether senderID is configured as an operator.
func (p Policy) IsOperator(senderID string) bool {
	for _, id := range p.Operators {
		if id == senderID {
			return true
		}
	}
	return false
}

func (p Policy) isAllowed(senderID string) bool {
	if len(p.AllowList) == 0 {
		return true
	}
	for _, allowed := range p.AllowList {
		if strings.TrimPrefix(allowed, "@") == senderID {
			return true
		}
	}
	return false
}

// Accept reports whether a message from senderID in a DM or group should
// be handed to the engine at all. Operators always pass.
func (p Policy) Accept(isGroup bool, senderID string) bool {
	if p.IsOperator(senderID) {
		return true
	}
	policy := string(p.DM)
	if isGroup {
		policy = string(p.Group)
	}
	// DM and group policies share the same string values.
	switch policy {
	case string(DMPolicyDisabled):
		return false
	case string(DMPolicyAllowlist):
		return p.isAllowed(senderID)
	default:
		return true
	}
}

// Sender is the outbound half of an adapter: deliver an action's effect
// back onto the transport.
type Sender interface {
	SendText(ctx context.Context, chatID message.ChatID, text string) error
	SendReaction(ctx context.Context, chatID message.ChatID, targetTimestampMs int64, emoji string) error
}

// Dispatch applies action via sender, ignoring ActionSilence (nothing to do).
func Dispatch(ctx context.Context, sender Sender, chatID message.ChatID, action message.OutgoingAction) error {
	switch action.Kind {
	case message.ActionSend:
		return sender.SendText(ctx, chatID, action.Text)
	case message.ActionReact:
		return sender.SendReaction(ctx, chatID, action.TargetTimestampMs, action.Emoji)
	default:
		return nil
	}
}
