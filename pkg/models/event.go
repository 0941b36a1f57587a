package models

import (
	"encoding/json"
	"time"
)

// EventType identifies an event on the bus. The strings are wire-stable:
// payload fields are additive only and consumers ignore unknown fields.
type EventType string

// Agent lifecycle events.
const (
	EventTypeAgentSpawning  EventType = "agent_spawning"
	EventTypeAgentReady     EventType = "agent_ready"
	EventTypeAgentRunning   EventType = "agent_running"
	EventTypeAgentPaused    EventType = "agent_paused"
	EventTypeAgentResumed   EventType = "agent_resumed"
	EventTypeAgentCompleted EventType = "agent_completed"
	EventTypeAgentFailed    EventType = "agent_failed"
	EventTypeAgentKilled    EventType = "agent_killed"
	EventTypeAgentRetrying  EventType = "agent_retrying"
)

// Team lifecycle events.
const (
	EventTypeTeamCreated   EventType = "team_created"
	EventTypeTeamRunning   EventType = "team_running"
	EventTypeTeamPaused    EventType = "team_paused"
	EventTypeTeamResumed   EventType = "team_resumed"
	EventTypeTeamCompleted EventType = "team_completed"
	EventTypeTeamFailed    EventType = "team_failed"
	EventTypeTeamDegraded  EventType = "team_degraded"
	EventTypeTeamScaled    EventType = "team_scaled"
)

// Budget ladder events.
const (
	EventTypeBudgetWarning   EventType = "budget_warning"
	EventTypeBudgetThrottle  EventType = "budget_throttle"
	EventTypeBudgetExhausted EventType = "budget_exhausted"
)

// Gateway connection events.
const (
	EventTypeGatewayConnected    EventType = "gateway_connected"
	EventTypeGatewayDisconnected EventType = "gateway_disconnected"
	EventTypeGatewayReconnecting EventType = "gateway_reconnecting"
	EventTypeGatewayResyncGap    EventType = "gateway_resync_gap"
)

// Bus self-reporting events.
const (
	EventTypeSubscriberError EventType = "subscriber_error"
	EventTypeLagWarning      EventType = "lag_warning"
	EventTypeMirrorFailed    EventType = "mirror_failed"
)

// Housekeeping events.
const (
	EventTypeAutoImprovementCycle EventType = "auto_improvement_cycle"
	EventTypeOrphanSession        EventType = "orphan_session"
)

// Event is the unit carried by the bus and persisted to the store tail.
// Seq is assigned by the bus, monotonically per process; for a given agent
// the event stream is totally ordered by Seq.
type Event struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Type      EventType       `json:"type"`
	Source    string          `json:"source"` // component name
	AgentID   string          `json:"agent_id,omitempty"`
	TeamID    string          `json:"team_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the payload into the typed struct for the event's
// type. Unknown fields are ignored for forward compatibility.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// EventFilter selects events from the replay buffer or the store tail.
// Zero fields match everything.
type EventFilter struct {
	Types    []EventType `json:"types,omitempty"`
	AgentID  string      `json:"agent_id,omitempty"`
	TeamID   string      `json:"team_id,omitempty"`
	AfterSeq uint64      `json:"after_seq,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

// Matches reports whether e passes all set filters.
func (f EventFilter) Matches(e *Event) bool {
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.TeamID != "" && e.TeamID != f.TeamID {
		return false
	}
	if f.AfterSeq > 0 && e.Seq <= f.AfterSeq {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if e.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
