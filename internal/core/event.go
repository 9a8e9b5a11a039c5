package core

import "time"

// EventType names a typed event published on the Event Bus.
type EventType string

const (
	EventSessionMessage    EventType = "session.message"
	EventSessionToolCall   EventType = "session.tool_call"
	EventSessionToolResult EventType = "session.tool_result"
	EventSessionStreamTok  EventType = "session.stream_token"
	EventSessionCompacted  EventType = "session.compacted"
	EventAgentCompleted    EventType = "agent.completed"
	EventJobRunStarted     EventType = "job.run_started"
	EventJobRunFinished    EventType = "job.run_finished"
	EventPolicyDecision    EventType = "policy.decision"
	EventQuotaExceeded     EventType = "quota.exceeded"
	EventBusDropped        EventType = "bus.dropped"
)

// Event is a typed, named, filterable notification published on the
// in-process Event Bus. Payload is event-type specific.
type Event struct {
	Type       EventType
	SessionKey string
	Time       time.Time
	Payload    any
}

// Droppable reports whether the event type may be dropped under subscriber
// backpressure rather than delivered. Only high-frequency streaming events
// are droppable; lifecycle events are never dropped.
func (e EventType) Droppable() bool {
	return e == EventSessionStreamTok
}
