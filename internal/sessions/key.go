package sessions

import (
	"fmt"
	"strings"
)

// Key parses and builds the session-key syntax of spec §6:
//
//	agent:{agent_id}:main
//	agent:{agent_id}:group:{channel}:{group_id}
//	agent:{agent_id}:dm:{channel}:{partner_id}
//	agent:{agent_id}:topic:{channel}:{group_id}:{topic_id}
//	agent:{agent_id}:subagent:{subagent_id}
//
// Grounded on the teacher's HierarchicalKey (internal/sessions/hierarchy.go):
// the same "agent:<id>:<rest>" prefix convention, generalized from a single
// fixed shape (channel+channelID+scope) to the five session-kind shapes
// spec §6 defines.
type Key struct {
	AgentID   string
	Kind      string // "main", "group", "dm", "topic", "subagent"
	Channel   string
	GroupID   string
	PartnerID string
	TopicID   string
	SubagentID string
}

// String renders the key back to its canonical wire form.
func (k Key) String() string {
	switch k.Kind {
	case "main":
		return fmt.Sprintf("agent:%s:main", k.AgentID)
	case "group":
		return fmt.Sprintf("agent:%s:group:%s:%s", k.AgentID, k.Channel, k.GroupID)
	case "dm":
		return fmt.Sprintf("agent:%s:dm:%s:%s", k.AgentID, k.Channel, k.PartnerID)
	case "topic":
		return fmt.Sprintf("agent:%s:topic:%s:%s:%s", k.AgentID, k.Channel, k.GroupID, k.TopicID)
	case "subagent":
		return fmt.Sprintf("agent:%s:subagent:%s", k.AgentID, k.SubagentID)
	default:
		return ""
	}
}

// ParseKey parses a session-key string into its structured form.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || parts[0] != "agent" {
		return Key{}, fmt.Errorf("sessions: invalid session key %q", s)
	}
	agentID := parts[1]
	kind := parts[2]

	switch kind {
	case "main":
		return Key{AgentID: agentID, Kind: "main"}, nil
	case "group":
		if len(parts) != 5 {
			return Key{}, fmt.Errorf("sessions: invalid group session key %q", s)
		}
		return Key{AgentID: agentID, Kind: "group", Channel: parts[3], GroupID: parts[4]}, nil
	case "dm":
		if len(parts) != 5 {
			return Key{}, fmt.Errorf("sessions: invalid dm session key %q", s)
		}
		return Key{AgentID: agentID, Kind: "dm", Channel: parts[3], PartnerID: parts[4]}, nil
	case "topic":
		if len(parts) != 6 {
			return Key{}, fmt.Errorf("sessions: invalid topic session key %q", s)
		}
		return Key{AgentID: agentID, Kind: "topic", Channel: parts[3], GroupID: parts[4], TopicID: parts[5]}, nil
	case "subagent":
		if len(parts) != 4 {
			return Key{}, fmt.Errorf("sessions: invalid subagent session key %q", s)
		}
		return Key{AgentID: agentID, Kind: "subagent", SubagentID: parts[3]}, nil
	default:
		return Key{}, fmt.Errorf("sessions: unknown session kind %q in key %q", kind, s)
	}
}
