// Package channels implements the Channel Ports (spec §4.X): a uniform
// Inbound/Outbound transport interface that lets each external platform
// plug into the Gateway without the Gateway knowing anything about
// platform wire formats.
//
// Grounded on the teacher's internal/channels/channel.go: the adapter
// capability interfaces (lifecycle / inbound / outbound / health) and
// the Registry that tracks them are kept almost verbatim in shape, but
// re-typed against this repo's own domain model (core.Session's
// session-key addressing, not the teacher's pkg/models.Message) and
// extended with the allowlist/mention gate and retry-backed outbound
// delivery the spec requires that the teacher's version didn't need.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Kind names a supported external platform.
type Kind string

const (
	KindDiscord  Kind = "discord"
	KindTelegram Kind = "telegram"
	KindSlack    Kind = "slack"
	KindWhatsApp Kind = "whatsapp"
)

// Addressing carries the fields needed to compute a session_key (spec
// §6) for an inbound platform message: the agent it's addressed to and
// the channel/group/dm/topic tuple identifying the conversation.
type Addressing struct {
	AgentID   string
	GroupID   string
	PartnerID string
	TopicID   string
}

// SessionKey builds the canonical session_key for this addressing tuple
// under the given channel kind, following the syntax in spec §6:
//
//	agent:{agent_id}:main
//	agent:{agent_id}:group:{channel}:{group_id}
//	agent:{agent_id}:dm:{channel}:{partner_id}
//	agent:{agent_id}:topic:{channel}:{group_id}:{topic_id}
func (a Addressing) SessionKey(kind Kind) string {
	agent := escapeSegment(a.AgentID)
	channel := escapeSegment(string(kind))
	switch {
	case a.TopicID != "":
		return fmt.Sprintf("agent:%s:topic:%s:%s:%s", agent, channel, escapeSegment(a.GroupID), escapeSegment(a.TopicID))
	case a.GroupID != "":
		return fmt.Sprintf("agent:%s:group:%s:%s", agent, channel, escapeSegment(a.GroupID))
	case a.PartnerID != "":
		return fmt.Sprintf("agent:%s:dm:%s:%s", agent, channel, escapeSegment(a.PartnerID))
	default:
		return fmt.Sprintf("agent:%s:main", agent)
	}
}

// escapeSegment enforces the spec's "colons inside segments are
// forbidden and must be escaped by the transport" rule.
func escapeSegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// InboundMessage is a platform-native message translated into the
// shape the Gateway's sessions.post_message method needs.
type InboundMessage struct {
	Channel         Kind
	Addressing      Addressing
	SenderPrincipal string
	SenderRoles     []string
	TenantID        string
	Text            string
	Mentioned       bool
	ReceivedAt      time.Time
}

// PostMessageResult is what posting an InboundMessage returns.
type PostMessageResult struct {
	SessionKey string
	MessageSeq int64
}

// RequestSink is how an InboundTransport hands a translated message to
// the rest of the system. In production this is backed by the same
// method handler the Gateway's sessions.post_message RPC calls, so a
// platform message and a websocket client request go through identical
// session-resolution, policy, and agent-runtime logic.
type RequestSink interface {
	PostMessage(ctx context.Context, msg InboundMessage) (PostMessageResult, error)
}

// OutboundMessage is a session.message event translated back toward a
// platform.
type OutboundMessage struct {
	Channel    Kind
	Addressing Addressing
	Text       string
	SessionKey string
}

// InboundTransport delivers platform-native messages into the system
// via a RequestSink, after applying its allowlist and mention gate.
type InboundTransport interface {
	Kind() Kind
	Start(ctx context.Context, sink RequestSink) error
	Stop(ctx context.Context) error
}

// OutboundTransport posts session.message events back to a platform,
// retrying transient failures (rate limits, transient network errors)
// with backoff.
type OutboundTransport interface {
	Kind() Kind
	Send(ctx context.Context, msg OutboundMessage) error
}

// HealthReporter is implemented by transports that can report their own
// connection health, mirrored from the teacher's HealthAdapter.
type HealthReporter interface {
	Health(ctx context.Context) Health
}

// Health is one transport's health snapshot.
type Health struct {
	Healthy   bool
	Degraded  bool
	Message   string
	Latency   time.Duration
	CheckedAt time.Time
}

// Transport aggregates every capability a platform adapter may offer.
// An adapter need only implement the capabilities it has; the Registry
// tracks each independently via type assertion, same as the teacher's
// FullAdapter/Registry split.
type Transport interface {
	Kind() Kind
}

func newAdapterLogger(base *slog.Logger, kind Kind) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("adapter", string(kind))
}
