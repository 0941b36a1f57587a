package models

// Typed payloads for the wire-stable event types. Fields are additive only;
// decoders tolerate unknown fields.

// AgentLifecyclePayload is the payload for all agent_* events.
type AgentLifecyclePayload struct {
	AgentID    string     `json:"agent_id"`
	TeamID     string     `json:"team_id,omitempty"`
	State      AgentState `json:"state"`
	PrevState  AgentState `json:"prev_state,omitempty"`
	RetryCount int        `json:"retry_count,omitempty"` // attempt number for agent_retrying
	Error      string     `json:"error,omitempty"`       // last error for agent_failed / agent_retrying
	SessionKey string     `json:"session_key,omitempty"`
	Timestamp  string     `json:"timestamp"` // RFC3339Nano
}

// TeamLifecyclePayload is the payload for team_created/running/paused/
// resumed/completed/failed events.
type TeamLifecyclePayload struct {
	TeamID    string     `json:"team_id"`
	Name      string     `json:"name,omitempty"`
	Status    TeamStatus `json:"status"`
	Strategy  Strategy   `json:"strategy,omitempty"`
	Size      int        `json:"size,omitempty"`
	Consumed  float64    `json:"budget_consumed,omitempty"`
	Allocated float64    `json:"budget_allocated,omitempty"`
	Error     string     `json:"error,omitempty"` // failure reason
	Timestamp string     `json:"timestamp"`       // RFC3339Nano
}

// TeamDegradedPayload is the payload for team_degraded events.
type TeamDegradedPayload struct {
	TeamID       string  `json:"team_id"`
	FailedAgents int     `json:"failed_agents"`
	DesiredSize  int     `json:"desired_size"`
	BudgetCount  int     `json:"failure_budget_count,omitempty"`
	BudgetFrac   float64 `json:"failure_budget_fraction,omitempty"`
	Timestamp    string  `json:"timestamp"` // RFC3339Nano
}

// TeamScaledPayload is the payload for team_scaled events. EffectiveDelta
// reflects clamping to [min_size, max_size]: a requested change outside the
// envelope is reported with the delta actually applied.
type TeamScaledPayload struct {
	TeamID         string `json:"team_id"`
	RequestedDelta int    `json:"requested_delta"`
	EffectiveDelta int    `json:"effective_delta"`
	NewSize        int    `json:"new_size"`
	Reason         string `json:"reason,omitempty"` // "operator" or "autoscale"
	Timestamp      string `json:"timestamp"`        // RFC3339Nano
}

// BudgetPayload is the payload for budget_warning/throttle/exhausted events.
type BudgetPayload struct {
	ScopeType string  `json:"scope_type"` // agent, team, project, global
	ScopeID   string  `json:"scope_id,omitempty"`
	Window    string  `json:"window"` // day, lifetime
	Consumed  float64 `json:"consumed_usd"`
	Limit     float64 `json:"limit_usd"`
	Percent   float64 `json:"percent"`
	Timestamp string  `json:"timestamp"` // RFC3339Nano
}

// GatewayPayload is the payload for gateway_connected/disconnected/
// reconnecting events.
type GatewayPayload struct {
	ConnectionID    string `json:"connection_id,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Attempt         int    `json:"attempt,omitempty"` // reconnect attempt number
	Reason          string `json:"reason,omitempty"`  // disconnect cause
	Timestamp       string `json:"timestamp"`         // RFC3339Nano
}

// ResyncGapPayload is the payload for gateway_resync_gap events, carrying
// the server event range missed across a reconnect that could not resume.
type ResyncGapPayload struct {
	FromSeq   uint64 `json:"from_seq"` // last seq seen before the gap
	ToSeq     uint64 `json:"to_seq"`   // first seq after resubscribe
	Timestamp string `json:"timestamp"`
}

// SubscriberErrorPayload is the payload for subscriber_error events.
type SubscriberErrorPayload struct {
	Subscription string `json:"subscription"`
	EventType    string `json:"event_type"`
	EventSeq     uint64 `json:"event_seq"`
	Error        string `json:"error"`
	Timestamp    string `json:"timestamp"`
}

// LagWarningPayload is the payload for lag_warning events, emitted when an
// async subscription queue overflows and drops its oldest undelivered event.
type LagWarningPayload struct {
	Subscription string `json:"subscription"`
	DroppedSeq   uint64 `json:"dropped_seq"`
	Dropped      int    `json:"dropped_total"`
	Timestamp    string `json:"timestamp"`
}

// MirrorFailedPayload is the payload for mirror_failed events.
type MirrorFailedPayload struct {
	Mirror    string `json:"mirror"` // mirror name, e.g. "pgnotify", "redis"
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// ImprovementCyclePayload is the payload for auto_improvement_cycle events,
// one per cycle regardless of outcome.
type ImprovementCyclePayload struct {
	Cycle         int      `json:"cycle"`
	ChecksRun     int      `json:"checks_run"`
	ChecksFailed  []string `json:"checks_failed,omitempty"`
	TeamsCreated  []string `json:"teams_created,omitempty"`
	BudgetClipped bool     `json:"budget_clipped,omitempty"`
	DurationMS    int64    `json:"duration_ms"`
	Timestamp     string   `json:"timestamp"`
}

// OrphanSessionPayload is the payload for orphan_session events, emitted
// when the kill reaper gives up confirming a remote session's termination.
type OrphanSessionPayload struct {
	AgentID    string `json:"agent_id"`
	SessionKey string `json:"session_key"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	Timestamp  string `json:"timestamp"`
}
