// Package store defines the durable persistence boundary for agents, teams,
// the event tail, and budget counters. The core depends only on the
// Repository interface; backends live in the memory, sqlite and postgres
// subpackages.
package store

import (
	"context"

	"github.com/flocklab/flock/pkg/models"
)

// DebitRequest is one atomic usage debit against a set of scopes. Every
// scope is debited in both the day and lifetime windows. HardPct scales each
// scope's cost limit to the effective hard ceiling; zero means 1.0.
type DebitRequest struct {
	Scopes  []models.Scope
	Usage   models.Usage
	CostUSD float64
	HardPct float64
}

// DebitOutcome is the result of a TryDebit attempt. When Denied is set no
// counter was changed and DeniedScope/DeniedWindow name the row that would
// have been breached. Records carries the post-commit rows for every touched
// scope so the budget controller can evaluate its policy ladder without
// re-reading.
type DebitOutcome struct {
	Denied       bool
	DeniedScope  *models.Scope
	DeniedWindow models.Window
	Records      []*models.BudgetRecord
}

// CostEpsilon absorbs float64 accumulation error in cost-limit comparisons.
// It is three orders of magnitude below the smallest real debit (one token
// of the cheapest priced model).
const CostEpsilon = 1e-9

// Repository is the storage contract for the orchestrator core.
//
// Transactionality requirements:
//   - CreateAgent and Transition write the agent row and the supplied event
//     in one transaction: after a crash either both exist or neither does.
//   - TryDebit applies the usage to every scope row atomically; if any scope
//     would exceed its hard limit, nothing is written.
type Repository interface {
	// Agents.
	CreateAgent(ctx context.Context, agent *models.Agent, evt *models.Event) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, filters models.AgentFilters) ([]*models.Agent, error)
	// Transition loads the agent, applies the mutation, and persists the
	// updated row together with evt in one transaction. The apply function
	// must be pure mutation; it may be retried by implementations.
	Transition(ctx context.Context, agentID string, apply func(*models.Agent) error, evt *models.Event) (*models.Agent, error)

	// Teams.
	CreateTeam(ctx context.Context, team *models.Team) error
	GetTeam(ctx context.Context, id string) (*models.Team, error)
	UpdateTeam(ctx context.Context, teamID string, apply func(*models.Team) error) (*models.Team, error)
	ListTeams(ctx context.Context, filters models.TeamFilters) ([]*models.Team, error)

	// Event tail (authoritative audit log; the bus ring buffer is the
	// fast path).
	AppendEvent(ctx context.Context, evt *models.Event) error
	ListEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error)
	MaxEventSeq(ctx context.Context) (uint64, error)

	// Budget counters.
	GetBudget(ctx context.Context, scope models.Scope, window models.Window) (*models.BudgetRecord, error)
	SetBudgetLimit(ctx context.Context, scope models.Scope, window models.Window, limitCost *float64, limitTokens *int64) error
	TryDebit(ctx context.Context, req DebitRequest) (*DebitOutcome, error)
	MarkExhausted(ctx context.Context, scope models.Scope, window models.Window, exhausted bool) error
	ResetBudget(ctx context.Context, scope models.Scope, window models.Window) error
	// ResetWindow zeroes every counter in the given window (scheduled daily
	// rollover).
	ResetWindow(ctx context.Context, window models.Window) error

	Ping(ctx context.Context) error
	Close() error
}
