package models

import (
	"time"
)

// AgentState is the lifecycle state of an agent. Exactly one state is held
// at any time; transitions are validated against the table in fsm.go.
type AgentState string

const (
	AgentStateSpawning  AgentState = "spawning"
	AgentStateIdle      AgentState = "idle"
	AgentStateRunning   AgentState = "running"
	AgentStatePaused    AgentState = "paused"
	AgentStateCompleted AgentState = "completed"
	AgentStateFailed    AgentState = "failed"
	AgentStateKilled    AgentState = "killed"
)

// AgentStateValidator reports whether s is a known agent state.
func AgentStateValidator(s AgentState) error {
	switch s {
	case AgentStateSpawning, AgentStateIdle, AgentStateRunning, AgentStatePaused,
		AgentStateCompleted, AgentStateFailed, AgentStateKilled:
		return nil
	}
	return NewValidationError("state", "unknown agent state '"+string(s)+"'")
}

// IsTerminal reports whether the state admits no further transitions.
// Terminal records are immutable except for event log references.
func (s AgentState) IsTerminal() bool {
	return s == AgentStateCompleted || s == AgentStateFailed || s == AgentStateKilled
}

// IsLive reports whether the agent counts against the concurrency cap.
func (s AgentState) IsLive() bool {
	return !s.IsTerminal()
}

// TaskSpec is the optional structured description of an agent's task.
type TaskSpec struct {
	TargetPath      string   `json:"target_path,omitempty"`
	Scope           []string `json:"scope,omitempty"` // path globs the agent may touch
	Objective       string   `json:"objective,omitempty"`
	Constraints     string   `json:"constraints,omitempty"`
	SuccessCriteria string   `json:"success_criteria,omitempty"`
	MaxFiles        int      `json:"max_files,omitempty"`
	MaxDuration     Duration `json:"max_duration,omitempty"`
	MaxCost         float64  `json:"max_cost,omitempty"`
}

// SafetyBoundaries scopes what an agent is permitted to do. The zero value
// is the most restrictive: no writable paths, sandbox on.
type SafetyBoundaries struct {
	AllowedPaths []string `json:"allowed_paths,omitempty"` // file globs; empty denies writes
	DeniedTools  []string `json:"denied_tools,omitempty"`
	SandboxMode  string   `json:"sandbox_mode,omitempty"` // "enforced" (default) or "relaxed"
}

// Sandboxed reports whether the sandbox is active. Relaxation is an
// explicit opt-in.
func (b SafetyBoundaries) Sandboxed() bool {
	return b.SandboxMode != "relaxed"
}

// Agent is a unit of work execution owned by the lifecycle manager, which is
// the only component that writes its state.
type Agent struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	Task     string    `json:"task"`
	TaskSpec *TaskSpec `json:"task_spec,omitempty"`

	State AgentState `json:"state"`

	TeamID   string   `json:"team_id,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`
	ChildIDs []string `json:"child_ids,omitempty"`

	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`

	BudgetLimit      float64          `json:"budget_limit"` // USD ceiling for this agent
	SafetyBoundaries SafetyBoundaries `json:"safety_boundaries"`

	SpawnedAt   time.Time  `json:"spawned_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	RuntimeMS   int64      `json:"runtime_ms"`

	// SessionKey is the runtime provider's handle; empty while a retry is
	// pending (a live agent holds a session or a queued retry, never both).
	SessionKey string `json:"session_key,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Critical reports whether budget enforcement must spare this agent.
func (a *Agent) Critical() bool {
	return a.Metadata["critical"] == "true"
}

// NoSubteams reports whether the agent is barred from spawning children.
func (a *Agent) NoSubteams() bool {
	return a.Metadata["no_subteams"] == "true"
}

// Clone returns a deep copy so callers can hand agents across goroutines
// without sharing mutable slices and maps.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	cp := *a
	if a.TaskSpec != nil {
		ts := *a.TaskSpec
		ts.Scope = append([]string(nil), a.TaskSpec.Scope...)
		cp.TaskSpec = &ts
	}
	cp.ChildIDs = append([]string(nil), a.ChildIDs...)
	cp.SafetyBoundaries.AllowedPaths = append([]string(nil), a.SafetyBoundaries.AllowedPaths...)
	cp.SafetyBoundaries.DeniedTools = append([]string(nil), a.SafetyBoundaries.DeniedTools...)
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	if a.PausedAt != nil {
		t := *a.PausedAt
		cp.PausedAt = &t
	}
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// SpawnRequest contains fields for spawning a new agent.
type SpawnRequest struct {
	Label            string            `json:"label,omitempty"`
	Model            string            `json:"model,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	Task             string            `json:"task"`
	TaskSpec         *TaskSpec         `json:"task_spec,omitempty"`
	TeamID           string            `json:"team_id,omitempty"`
	ParentID         string            `json:"parent_id,omitempty"`
	MaxRetries       int               `json:"max_retries,omitempty"`
	BudgetLimit      float64           `json:"budget_limit,omitempty"`
	SafetyBoundaries SafetyBoundaries  `json:"safety_boundaries,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// AgentFilters contains filtering options for listing agents.
type AgentFilters struct {
	TeamID   string       `json:"team_id,omitempty"`
	ParentID string       `json:"parent_id,omitempty"`
	States   []AgentState `json:"states,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	Offset   int          `json:"offset,omitempty"`
}

// Matches reports whether a passes all set filters.
func (f AgentFilters) Matches(a *Agent) bool {
	if f.TeamID != "" && a.TeamID != f.TeamID {
		return false
	}
	if f.ParentID != "" && a.ParentID != f.ParentID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if a.State == s {
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
