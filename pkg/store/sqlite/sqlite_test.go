package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "flock.db"))
	require.NoError(t, err, "opening a fresh database applies migrations")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

func TestAgentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	spawned := time.Now().UTC().Truncate(time.Millisecond)
	agent := &models.Agent{
		ID:    "a-1",
		Task:  "summarize incident channel",
		State: models.AgentStateSpawning,
		TaskSpec: &models.TaskSpec{
			TargetPath: "/repo",
			Scope:      []string{"src/**"},
			Objective:  "fix the flake",
			MaxCost:    0.25,
		},
		SafetyBoundaries: models.SafetyBoundaries{AllowedPaths: []string{"src/**"}, DeniedTools: []string{"bash"}},
		TeamID:           "t-1",
		BudgetLimit:      0.25,
		SpawnedAt:        spawned,
		Metadata:         map[string]string{"critical": "true"},
	}
	evt := &models.Event{
		ID:        uuid.New().String(),
		Seq:       1,
		Timestamp: spawned,
		Type:      models.EventTypeAgentSpawning,
		Source:    "lifecycle",
		AgentID:   "a-1",
		TeamID:    "t-1",
		Payload:   json.RawMessage(`{"agent_id":"a-1","to":"spawning"}`),
	}
	require.NoError(t, s.CreateAgent(ctx, agent, evt))

	got, err := s.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, agent.Task, got.Task)
	assert.Equal(t, agent.TaskSpec, got.TaskSpec)
	assert.Equal(t, agent.SafetyBoundaries, got.SafetyBoundaries)
	assert.Equal(t, agent.Metadata, got.Metadata)
	assert.True(t, got.Critical())
	assert.True(t, got.SafetyBoundaries.Sandboxed())
	assert.WithinDuration(t, spawned, got.SpawnedAt, time.Millisecond)

	events, err := s.ListEvents(ctx, models.EventFilter{AgentID: "a-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventTypeAgentSpawning, events[0].Type)
	assert.JSONEq(t, string(evt.Payload), string(events[0].Payload))

	_, err = s.GetAgent(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTransitionIsAtomic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	agent := &models.Agent{ID: "a-1", Task: "x", State: models.AgentStateSpawning, SpawnedAt: time.Now().UTC()}
	require.NoError(t, s.CreateAgent(ctx, agent, nil))

	_, err := s.Transition(ctx, "a-1", func(a *models.Agent) error {
		a.State = models.AgentStateIdle
		return models.NewValidationError("state", "rejected")
	}, &models.Event{ID: uuid.New().String(), Seq: 2, Timestamp: time.Now().UTC(), Type: models.EventTypeAgentReady, AgentID: "a-1"})
	require.Error(t, err)

	got, err := s.GetAgent(ctx, "a-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateSpawning, got.State, "rolled back apply leaves the row unchanged")

	events, err := s.ListEvents(ctx, models.EventFilter{AgentID: "a-1"})
	require.NoError(t, err)
	assert.Empty(t, events, "rolled back apply appends no event")

	updated, err := s.Transition(ctx, "a-1", func(a *models.Agent) error {
		a.State = models.AgentStateIdle
		a.SessionKey = "s#1"
		return nil
	}, &models.Event{ID: uuid.New().String(), Seq: 3, Timestamp: time.Now().UTC(), Type: models.EventTypeAgentReady, AgentID: "a-1"})
	require.NoError(t, err)
	assert.Equal(t, models.AgentStateIdle, updated.State)

	events, err = s.ListEvents(ctx, models.EventFilter{AgentID: "a-1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestListAgentsOrderingAndFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"a-1", "a-2", "a-3"} {
		a := &models.Agent{ID: id, Task: "t", State: models.AgentStateIdle, SpawnedAt: base.Add(time.Duration(i) * time.Second)}
		if id == "a-2" {
			a.TeamID = "t-9"
			a.State = models.AgentStateRunning
		}
		require.NoError(t, s.CreateAgent(ctx, a, nil))
	}

	all, err := s.ListAgents(ctx, models.AgentFilters{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a-3", all[0].ID, "newest spawned first")

	team, err := s.ListAgents(ctx, models.AgentFilters{TeamID: "t-9", States: []models.AgentState{models.AgentStateRunning}})
	require.NoError(t, err)
	require.Len(t, team, 1)
	assert.Equal(t, "a-2", team[0].ID)
}

func TestTeamRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	team := &models.Team{
		ID:              "t-1",
		Name:            "review-crew",
		Status:          models.TeamStatusPending,
		BudgetAllocated: 2.5,
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
		Config: models.TeamConfig{
			DesiredSize: 4,
			Strategy:    models.StrategyMapReduce,
			FailureBudget: models.FailureBudget{
				Fraction: 0.5,
			},
		},
	}
	require.NoError(t, s.CreateTeam(ctx, team))

	_, err := s.UpdateTeam(ctx, "t-1", func(tm *models.Team) error {
		tm.Status = models.TeamStatusRunning
		tm.AgentIDs = append(tm.AgentIDs, "a-1")
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetTeam(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusRunning, got.Status)
	assert.Equal(t, []string{"a-1"}, got.AgentIDs)
	assert.Equal(t, models.StrategyMapReduce, got.Config.Strategy)
	assert.InDelta(t, 0.5, got.Config.FailureBudget.Fraction, 1e-9)
}

func TestEventSeqSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flock.db")

	ctx := context.Background()
	s, err := Open(ctx, path)
	require.NoError(t, err)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &models.Event{
			ID: uuid.New().String(), Seq: i, Timestamp: time.Now().UTC(),
			Type: models.EventTypeAgentRunning, AgentID: "a-1",
		}))
	}
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	max, err := s.MaxEventSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), max, "sequence high-water mark survives restart")

	tail, err := s.ListEvents(ctx, models.EventFilter{AfterSeq: 3})
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestTryDebitDenialWritesNothing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	limit := 0.005
	scope := models.Scope{Type: models.ScopeAgent, ID: "a-1"}
	require.NoError(t, s.SetBudgetLimit(ctx, scope, models.WindowLifetime, &limit, nil))

	out, err := s.TryDebit(ctx, store.DebitRequest{Scopes: []models.Scope{scope}, CostUSD: 0.004})
	require.NoError(t, err)
	require.False(t, out.Denied)
	require.Len(t, out.Records, 2, "day and lifetime rows for the one scope")

	out, err = s.TryDebit(ctx, store.DebitRequest{Scopes: []models.Scope{scope}, CostUSD: 0.004})
	require.NoError(t, err)
	assert.True(t, out.Denied)

	rec, err := s.GetBudget(ctx, scope, models.WindowLifetime)
	require.NoError(t, err)
	assert.InDelta(t, 0.004, rec.CostUSD, 1e-9, "denied debit leaves usage unchanged")
}

func TestTryDebitHardPctScalesLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	limit := 0.010
	scope := models.Scope{Type: models.ScopeTeam, ID: "t-1"}
	require.NoError(t, s.SetBudgetLimit(ctx, scope, models.WindowDay, &limit, nil))

	// With the hard threshold at 50%, $0.006 exceeds the effective $0.005.
	out, err := s.TryDebit(ctx, store.DebitRequest{
		Scopes:  []models.Scope{scope},
		CostUSD: 0.006,
		HardPct: 0.5,
	})
	require.NoError(t, err)
	assert.True(t, out.Denied)

	out, err = s.TryDebit(ctx, store.DebitRequest{
		Scopes:  []models.Scope{scope},
		CostUSD: 0.004,
		HardPct: 0.5,
	})
	require.NoError(t, err)
	assert.False(t, out.Denied)
}

func TestConcurrentDebitsSerialize(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	limit := 0.010
	scope := models.GlobalScope
	require.NoError(t, s.SetBudgetLimit(ctx, scope, models.WindowDay, &limit, nil))

	var wg sync.WaitGroup
	results := make([]bool, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := s.TryDebit(ctx, store.DebitRequest{Scopes: []models.Scope{scope}, CostUSD: 0.001})
			require.NoError(t, err)
			results[n] = out.Denied
		}(i)
	}
	wg.Wait()

	rec, err := s.GetBudget(ctx, scope, models.WindowDay)
	require.NoError(t, err)
	assert.LessOrEqual(t, rec.CostUSD, limit+1e-9)

	denied := 0
	for _, d := range results {
		if d {
			denied++
		}
	}
	assert.Equal(t, 20, denied)
}
