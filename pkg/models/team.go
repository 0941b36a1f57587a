package models

import (
	"time"
)

// TeamStatus is the lifecycle state of a team.
type TeamStatus string

const (
	TeamStatusPending   TeamStatus = "pending"
	TeamStatusRunning   TeamStatus = "running"
	TeamStatusPaused    TeamStatus = "paused"
	TeamStatusCompleted TeamStatus = "completed"
	TeamStatusFailed    TeamStatus = "failed"
)

// IsTerminal reports whether the team admits no further transitions.
func (s TeamStatus) IsTerminal() bool {
	return s == TeamStatusCompleted || s == TeamStatusFailed
}

// Strategy selects the dispatch and aggregation pattern for a team.
type Strategy string

const (
	// StrategyParallel dispatches identical or partitioned sub-tasks; the
	// team completes when all members are terminal.
	StrategyParallel Strategy = "parallel"
	// StrategyPipeline dispatches agents sequentially, feeding each the
	// previous agent's result; the first fatal failure fails the team.
	StrategyPipeline Strategy = "pipeline"
	// StrategyMapReduce runs N mappers then one reducer fed the mapper
	// outputs; the team completes when the reducer is terminal.
	StrategyMapReduce Strategy = "map_reduce"
	// StrategyTree lets a coordinator agent spawn sub-agents; completion is
	// recursive over the coordinator's subtree.
	StrategyTree Strategy = "tree"
)

// StrategyValidator reports whether s is a known strategy.
func StrategyValidator(s Strategy) error {
	switch s {
	case StrategyParallel, StrategyPipeline, StrategyMapReduce, StrategyTree:
		return nil
	}
	return NewValidationError("strategy", "unknown strategy '"+string(s)+"'")
}

// FailureBudget bounds how many member failures a team tolerates before it
// is degraded. Count takes precedence when both are set; zero values mean
// any failure degrades the team only when all members failed.
type FailureBudget struct {
	Count    int     `json:"count,omitempty"`    // absolute failed-agent ceiling
	Fraction float64 `json:"fraction,omitempty"` // failed / desired_size ceiling
}

// Exceeded reports whether failures crosses the budget for a team of size.
func (b FailureBudget) Exceeded(failures, size int) bool {
	if failures == 0 {
		return false
	}
	if b.Count > 0 {
		return failures >= b.Count
	}
	if b.Fraction > 0 && size > 0 {
		return float64(failures)/float64(size) >= b.Fraction
	}
	return failures >= size
}

// AutoScaleConfig tunes the parallel-strategy autoscaler.
type AutoScaleConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// ScaleUpThreshold is the projected completion time above which one
	// agent is added, budget permitting.
	ScaleUpThreshold time.Duration `json:"scale_up_threshold,omitempty"`
	// LowWatermark is the utilization below which the team shrinks after
	// SustainedWindow.
	LowWatermark    float64       `json:"low_watermark,omitempty"`
	SustainedWindow time.Duration `json:"sustained_window,omitempty"`
	// MinInterval throttles consecutive scale changes.
	MinInterval time.Duration `json:"min_interval,omitempty"`
}

// TeamConfig is the persisted team configuration.
type TeamConfig struct {
	DesiredSize   int             `json:"desired_size"`
	MinSize       int             `json:"min_size"`
	MaxSize       int             `json:"max_size"`
	Strategy      Strategy        `json:"strategy"`
	FailureBudget FailureBudget   `json:"failure_budget,omitempty"`
	AutoScale     AutoScaleConfig `json:"auto_scale,omitempty"`
	MaxTreeDepth  int             `json:"max_tree_depth,omitempty"` // tree strategy only

	// Items is the work backlog for parallel teams. When set, DesiredSize
	// is the concurrency target and one agent is spawned per item; when
	// empty, every member runs the team task once.
	Items []string `json:"items,omitempty"`

	// DisallowSubTeam bars members from spawning child agents.
	DisallowSubTeam bool `json:"disallow_subteams,omitempty"`

	// TaskSpec, when set, rides on every member spawn as the structured
	// task bounds (path scope, file, duration, and cost ceilings).
	TaskSpec *TaskSpec `json:"task_spec,omitempty"`

	// SafetyBoundaries applies to every member. The zero value keeps the
	// most restrictive defaults.
	SafetyBoundaries SafetyBoundaries `json:"safety_boundaries,omitempty"`

	SharedContext map[string]string `json:"shared_context,omitempty"`
	Model         string            `json:"model,omitempty"`
	Provider      string            `json:"provider,omitempty"`
}

// Team is a named group of agents pursuing a shared objective under a shared
// budget. "Swarm" is accepted as an alias at the API and CLI boundaries.
type Team struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Task      string     `json:"task"`
	Status    TeamStatus `json:"status"`
	ProjectID string     `json:"project_id,omitempty"`

	Config TeamConfig `json:"config"`

	// AgentIDs is ordered by spawn; pipeline position and map/reduce roles
	// derive from it.
	AgentIDs []string `json:"agent_ids"`

	BudgetAllocated float64 `json:"budget_allocated"`
	BudgetConsumed  float64 `json:"budget_consumed"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Metrics TeamMetrics `json:"metrics"`
}

// TeamMetrics aggregates member state for status reads.
type TeamMetrics struct {
	CountsByState   map[AgentState]int `json:"counts_by_state,omitempty"`
	BudgetRemaining float64            `json:"budget_remaining"`
	ScaleEvents     int                `json:"scale_events,omitempty"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	cp := *t
	cp.AgentIDs = append([]string(nil), t.AgentIDs...)
	cp.Config.Items = append([]string(nil), t.Config.Items...)
	if t.Config.TaskSpec != nil {
		ts := *t.Config.TaskSpec
		ts.Scope = append([]string(nil), t.Config.TaskSpec.Scope...)
		cp.Config.TaskSpec = &ts
	}
	cp.Config.SafetyBoundaries.AllowedPaths = append([]string(nil), t.Config.SafetyBoundaries.AllowedPaths...)
	cp.Config.SafetyBoundaries.DeniedTools = append([]string(nil), t.Config.SafetyBoundaries.DeniedTools...)
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.Config.SharedContext != nil {
		cp.Config.SharedContext = make(map[string]string, len(t.Config.SharedContext))
		for k, v := range t.Config.SharedContext {
			cp.Config.SharedContext[k] = v
		}
	}
	if t.Metrics.CountsByState != nil {
		cp.Metrics.CountsByState = make(map[AgentState]int, len(t.Metrics.CountsByState))
		for k, v := range t.Metrics.CountsByState {
			cp.Metrics.CountsByState[k] = v
		}
	}
	return &cp
}

// TeamSpec contains fields for creating a new team.
type TeamSpec struct {
	Name             string            `json:"name"`
	Task             string            `json:"task"`
	Size             int               `json:"size"`
	MinSize          int               `json:"min_size,omitempty"`
	MaxSize          int               `json:"max_size,omitempty"`
	Budget           float64           `json:"budget"`
	Strategy         Strategy          `json:"strategy"`
	Items            []string          `json:"items,omitempty"` // parallel work backlog
	FailureBudget    FailureBudget     `json:"failure_budget,omitempty"`
	AutoScale        AutoScaleConfig   `json:"auto_scale,omitempty"`
	MaxTreeDepth     int               `json:"max_tree_depth,omitempty"`
	TaskSpec         *TaskSpec         `json:"task_spec,omitempty"`
	SafetyBoundaries SafetyBoundaries  `json:"safety_boundaries,omitempty"`
	SharedContext    map[string]string `json:"shared_context,omitempty"`
	Model            string            `json:"model,omitempty"`
	Provider         string            `json:"provider,omitempty"`
	ProjectID        string            `json:"project_id,omitempty"`
	DisallowSubTeam  bool              `json:"disallow_subteams,omitempty"`
}

// ScaleRequest asks for a size change. Exactly one of Delta or Target is
// set; Target takes precedence when both are.
type ScaleRequest struct {
	Delta  int  `json:"delta,omitempty"`
	Target *int `json:"target,omitempty"`
}

// TeamFilters contains filtering options for listing teams.
type TeamFilters struct {
	Statuses []TeamStatus `json:"statuses,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	Offset   int          `json:"offset,omitempty"`
}

// Matches reports whether t passes all set filters.
func (f TeamFilters) Matches(t *Team) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}
