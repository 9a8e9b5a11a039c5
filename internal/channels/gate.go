package channels

import (
	"strings"
	"sync"
)

// Gate enforces spec §4.X's "transports MUST apply platform-specific
// allowlists and mention-gating before handing off inbound." It is
// shared across adapters rather than reimplemented per platform, since
// the policy (who may talk to an agent, and whether a group message
// must @-mention the bot to count) is the same shape everywhere.
type Gate struct {
	mu sync.RWMutex
	// allow maps a channel kind to the set of principals permitted to
	// reach it. An empty set for a kind means "no allowlist configured,
	// allow everyone" -- the gate is opt-in per channel.
	allow map[Kind]map[string]struct{}
	// requireMention lists channel kinds where a group/topic message
	// must mention the bot to be accepted; DM traffic is never gated
	// on mention since there is no group to address.
	requireMention map[Kind]bool
}

// NewGate constructs an empty Gate; configure it with Allow and
// RequireMention before wiring it into adapters.
func NewGate() *Gate {
	return &Gate{
		allow:          make(map[Kind]map[string]struct{}),
		requireMention: make(map[Kind]bool),
	}
}

// Allow adds principals to a channel's allowlist. Principals are
// compared case-insensitively against InboundMessage.SenderPrincipal.
func (g *Gate) Allow(kind Kind, principals ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.allow[kind]
	if !ok {
		set = make(map[string]struct{})
		g.allow[kind] = set
	}
	for _, p := range principals {
		set[strings.ToLower(p)] = struct{}{}
	}
}

// RequireMention toggles whether group/topic messages on kind must
// mention the bot to pass the gate.
func (g *Gate) RequireMention(kind Kind, required bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requireMention[kind] = required
}

// Admit reports whether msg may be handed to the RequestSink.
func (g *Gate) Admit(msg InboundMessage) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if set, ok := g.allow[msg.Channel]; ok && len(set) > 0 {
		if _, allowed := set[strings.ToLower(msg.SenderPrincipal)]; !allowed {
			return false
		}
	}

	isGroupLike := msg.Addressing.GroupID != "" || msg.Addressing.TopicID != ""
	if isGroupLike && g.requireMention[msg.Channel] && !msg.Mentioned {
		return false
	}

	return true
}
