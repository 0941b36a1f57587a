package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

func newAgent(id string) *models.Agent {
	return &models.Agent{
		ID:        id,
		Task:      "investigate flaky test",
		State:     models.AgentStateSpawning,
		SpawnedAt: time.Now().UTC(),
	}
}

func newEvent(seq uint64, typ models.EventType, agentID string) *models.Event {
	return &models.Event{
		ID:        uuid.New().String(),
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Type:      typ,
		Source:    "test",
		AgentID:   agentID,
		Payload:   json.RawMessage(`{"agent_id":"` + agentID + `"}`),
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	s := New()
	ctx := context.Background()

	agent := newAgent("a-1")
	require.NoError(t, s.CreateAgent(ctx, agent, newEvent(1, models.EventTypeAgentSpawning, "a-1")))

	got, err := s.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateSpawning, got.State)
	assert.Equal(t, "investigate flaky test", got.Task)

	// The spawn event was appended in the same operation.
	events, err := s.ListEvents(ctx, models.EventFilter{AgentID: "a-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeAgentSpawning, events[0].Type)

	_, err = s.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCreateAgentDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, newAgent("a-1"), nil))
	err := s.CreateAgent(ctx, newAgent("a-1"), nil)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestGetAgentReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a-1"), nil))

	got, err := s.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	got.State = models.AgentStateKilled

	again, err := s.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateSpawning, again.State, "mutating a returned agent must not leak into the store")
}

func TestTransitionPersistsRowAndEventTogether(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a-1"), nil))

	updated, err := s.Transition(ctx, "a-1", func(a *models.Agent) error {
		a.State = models.AgentStateIdle
		a.SessionKey = "s#1"
		return nil
	}, newEvent(2, models.EventTypeAgentReady, "a-1"))
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateIdle, updated.State)

	events, err := s.ListEvents(ctx, models.EventFilter{AgentID: "a-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeAgentReady, events[0].Type)
}

func TestTransitionApplyErrorWritesNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateAgent(ctx, newAgent("a-1"), nil))

	boom := errors.New("rejected")
	_, err := s.Transition(ctx, "a-1", func(a *models.Agent) error {
		a.State = models.AgentStateKilled
		return boom
	}, newEvent(2, models.EventTypeAgentKilled, "a-1"))
	assert.ErrorIs(t, err, boom)

	got, err := s.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateSpawning, got.State, "failed apply must leave the row untouched")

	events, err := s.ListEvents(ctx, models.EventFilter{AgentID: "a-1"})
	require.NoError(t, err)
	assert.Empty(t, events, "failed apply must not append the event")
}

func TestListAgentsFilters(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a := newAgent(fmt.Sprintf("a-%d", i))
		a.SpawnedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			a.TeamID = "t-1"
		}
		if i == 4 {
			a.State = models.AgentStateRunning
		}
		require.NoError(t, s.CreateAgent(ctx, a, nil))
	}

	byTeam, err := s.ListAgents(ctx, models.AgentFilters{TeamID: "t-1"})
	require.NoError(t, err)
	assert.Len(t, byTeam, 3)

	running, err := s.ListAgents(ctx, models.AgentFilters{States: []models.AgentState{models.AgentStateRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "a-4", running[0].ID)

	all, err := s.ListAgents(ctx, models.AgentFilters{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a-4", all[0].ID, "newest first")

	limited, err := s.ListAgents(ctx, models.AgentFilters{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "a-3", limited[0].ID)
}

func TestTeamLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	team := &models.Team{
		ID:              "t-1",
		Name:            "demo",
		Status:          models.TeamStatusPending,
		BudgetAllocated: 1.0,
		CreatedAt:       time.Now().UTC(),
		Config:          models.TeamConfig{DesiredSize: 3, Strategy: models.StrategyParallel},
	}
	require.NoError(t, s.CreateTeam(ctx, team))

	updated, err := s.UpdateTeam(ctx, "t-1", func(tm *models.Team) error {
		tm.Status = models.TeamStatusRunning
		tm.AgentIDs = []string{"a-1", "a-2", "a-3"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusRunning, updated.Status)

	got, err := s.GetTeam(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "a-2", "a-3"}, got.AgentIDs)

	_, err = s.GetTeam(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	listed, err := s.ListTeams(ctx, models.TeamFilters{Statuses: []models.TeamStatus{models.TeamStatusRunning}})
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestEventTailAndMaxSeq(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := uint64(1); i <= 10; i++ {
		require.NoError(t, s.AppendEvent(ctx, newEvent(i, models.EventTypeAgentRunning, "a-1")))
	}

	max, err := s.MaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), max)

	after, err := s.ListEvents(ctx, models.EventFilter{AfterSeq: 7})
	require.NoError(t, err)
	require.Len(t, after, 3)
	assert.Equal(t, uint64(8), after[0].Seq)

	limited, err := s.ListEvents(ctx, models.EventFilter{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, limited, 4)
}

func TestTryDebitDeniesAtHardLimit(t *testing.T) {
	s := New()
	ctx := context.Background()

	limit := 0.01
	scope := models.Scope{Type: models.ScopeTeam, ID: "t-1"}
	require.NoError(t, s.SetBudgetLimit(ctx, scope, models.WindowLifetime, &limit, nil))

	// Three debits of $0.003 fit under $0.01.
	for i := 0; i < 3; i++ {
		out, err := s.TryDebit(ctx, store.DebitRequest{
			Scopes:  []models.Scope{scope},
			Usage:   models.Usage{TokensIn: 10, TokensOut: 20},
			CostUSD: 0.003,
		})
		require.NoError(t, err)
		assert.False(t, out.Denied)
	}

	// The fourth would exceed the hard limit and must not change anything.
	out, err := s.TryDebit(ctx, store.DebitRequest{
		Scopes:  []models.Scope{scope},
		CostUSD: 0.003,
	})
	require.NoError(t, err)
	assert.True(t, out.Denied)
	require.NotNil(t, out.DeniedScope)
	assert.Equal(t, scope, *out.DeniedScope)

	rec, err := s.GetBudget(ctx, scope, models.WindowLifetime)
	require.NoError(t, err)
	assert.InDelta(t, 0.009, rec.CostUSD, 1e-9)
	assert.LessOrEqual(t, rec.CostUSD, limit)
}

func TestTryDebitAppliesToAllScopesOrNone(t *testing.T) {
	s := New()
	ctx := context.Background()

	agentScope := models.Scope{Type: models.ScopeAgent, ID: "a-1"}
	teamScope := models.Scope{Type: models.ScopeTeam, ID: "t-1"}
	tight := 0.001
	require.NoError(t, s.SetBudgetLimit(ctx, teamScope, models.WindowDay, &tight, nil))

	out, err := s.TryDebit(ctx, store.DebitRequest{
		Scopes:  []models.Scope{agentScope, teamScope, models.GlobalScope},
		CostUSD: 0.002,
	})
	require.NoError(t, err)
	assert.True(t, out.Denied)
	assert.Equal(t, teamScope, *out.DeniedScope)

	// The agent scope, checked before the denying team scope, must be untouched.
	rec, err := s.GetBudget(ctx, agentScope, models.WindowLifetime)
	require.NoError(t, err)
	assert.Zero(t, rec.CostUSD)
}

func TestTryDebitConcurrent(t *testing.T) {
	s := New()
	ctx := context.Background()

	limit := 0.010
	scope := models.Scope{Type: models.ScopeTeam, ID: "t-1"}
	require.NoError(t, s.SetBudgetLimit(ctx, scope, models.WindowLifetime, &limit, nil))

	var wg sync.WaitGroup
	denied := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := s.TryDebit(ctx, store.DebitRequest{
				Scopes:  []models.Scope{scope},
				CostUSD: 0.001,
			})
			require.NoError(t, err)
			denied[n] = out.Denied
		}(i)
	}
	wg.Wait()

	rec, err := s.GetBudget(ctx, scope, models.WindowLifetime)
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.CostUSD, limit+1e-9, "serialized debits never exceed the limit")

	deniedCount := 0
	for _, d := range denied {
		if d {
			deniedCount++
		}
	}
	assert.Equal(t, 10, deniedCount, "exactly the overflow debits are denied")
}

func TestBudgetResetAndExhausted(t *testing.T) {
	s := New()
	ctx := context.Background()
	scope := models.Scope{Type: models.ScopeProject, ID: "improve"}

	_, err := s.TryDebit(ctx, store.DebitRequest{Scopes: []models.Scope{scope}, CostUSD: 0.5})
	require.NoError(t, err)
	require.NoError(t, s.MarkExhausted(ctx, scope, models.WindowDay, true))

	rec, err := s.GetBudget(ctx, scope, models.WindowDay)
	require.NoError(t, err)
	assert.True(t, rec.Exhausted)
	assert.InDelta(t, 0.5, rec.CostUSD, 1e-9)

	require.NoError(t, s.ResetWindow(ctx, models.WindowDay))

	rec, err = s.GetBudget(ctx, scope, models.WindowDay)
	require.NoError(t, err)
	assert.False(t, rec.Exhausted)
	assert.Zero(t, rec.CostUSD)

	// Lifetime window is unaffected by the daily reset.
	life, err := s.GetBudget(ctx, scope, models.WindowLifetime)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, life.CostUSD, 1e-9)
}
