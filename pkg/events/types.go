// Package events provides the in-process pub/sub bus that carries events
// between stores, engines, and connected clients.
//
// Subscriptions are pattern based: a pattern matches an event type if it is
// equal, if it is "*", or if it ends with '*' and the prefix matches. The bus
// keeps a bounded ring of recent events for late-subscriber catchup, and a
// bounded outbound queue per subscriber. The bus never blocks an emitter: a
// slow subscriber loses its oldest pending events and receives a single
// EVENTS_DROPPED marker in their place.
package events

import (
	"encoding/json"
	"time"
)

// Bus event types.
const (
	TypeAccountHealth         = "ACCOUNT_HEALTH"
	TypeMessageReceived       = "MESSAGE_RECEIVED"
	TypeSLAAction             = "SLA_ACTION"
	TypeAgentStreamChunk      = "AGENT_STREAM_CHUNK"
	TypeCouncilStageStart     = "COUNCIL_STAGE_START"
	TypeCouncilMemberResponse = "COUNCIL_MEMBER_RESPONSE"
	TypeCouncilStageComplete  = "COUNCIL_STAGE_COMPLETE"
	TypeCouncilSessionEnd     = "COUNCIL_SESSION_END"
	TypeTaskVerified          = "TASK_VERIFIED"

	// TypeEventsDropped marks a gap in a subscriber's stream after queue
	// overflow. Emitted per subscriber, never stored in the ring.
	TypeEventsDropped = "EVENTS_DROPPED"
)

// Event is one record on the bus. Fields are flattened alongside the
// envelope keys when encoded to JSON.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      string
	Fields    map[string]any
}

// MarshalJSON flattens Fields into the envelope object.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+3)
	for k, v := range e.Fields {
		m[k] = v
	}
	m["id"] = e.ID
	m["timestamp"] = e.Timestamp.Format(time.RFC3339Nano)
	m["type"] = e.Type
	return json.Marshal(m)
}

// MatchesPattern reports whether an event type matches a subscription pattern.
func MatchesPattern(eventType, pattern string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if n := len(pattern); n > 0 && pattern[n-1] == '*' {
		prefix := pattern[:n-1]
		return len(eventType) >= len(prefix) && eventType[:len(prefix)] == prefix
	}
	return false
}
