package team

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/budget"
	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/lifecycle"
	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/runtime"
	"github.com/flocklab/flock/pkg/store/memory"
)

type harness struct {
	t        *testing.T
	cfg      *config.Config
	repo     *memory.Store
	bus      *bus.Bus
	budget   *budget.Controller
	provider *runtime.StubProvider
	agents   *lifecycle.Manager
	o        *Orchestrator
}

// buildHarness wires an orchestrator over the in-memory store without
// starting it, so tests can seed state first.
func buildHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Bus:          config.DefaultBusConfig(),
		Budget:       config.DefaultBudgetConfig(),
		Lifecycle:    config.DefaultLifecycleConfig(),
		Orchestrator: config.DefaultOrchestratorConfig(),
	}
	cfg.Lifecycle.RetryBaseDelay = 5 * time.Millisecond
	cfg.Lifecycle.RetryMaxDelay = 25 * time.Millisecond
	cfg.Lifecycle.SpawnTimeout = time.Second
	cfg.Lifecycle.ReaperInterval = 10 * time.Millisecond
	cfg.Lifecycle.ShutdownGrace = 250 * time.Millisecond
	cfg.Orchestrator.AutoScaleInterval = 10 * time.Millisecond
	cfg.Orchestrator.ScaleMinInterval = 10 * time.Millisecond
	if tweak != nil {
		tweak(cfg)
	}

	repo := memory.New()
	eventBus := bus.New(cfg.Bus)
	ctl := budget.New(cfg.Budget, repo, eventBus)
	provider := runtime.NewStubProvider()
	agents := lifecycle.New(cfg, repo, eventBus, ctl, provider)
	o := New(cfg, repo, eventBus, ctl, agents)
	o.memberPoll = 2 * time.Millisecond

	h := &harness{t: t, cfg: cfg, repo: repo, bus: eventBus, budget: ctl, provider: provider, agents: agents, o: o}
	t.Cleanup(func() {
		require.NoError(t, o.Stop(context.Background()))
		require.NoError(t, agents.Stop(context.Background()))
		require.NoError(t, eventBus.Close())
	})
	return h
}

func newHarness(t *testing.T, tweak func(*config.Config)) *harness {
	t.Helper()
	h := buildHarness(t, tweak)
	require.NoError(t, h.agents.Start(context.Background()))
	require.NoError(t, h.o.Start(context.Background()))
	return h
}

func (h *harness) createTeam(spec models.TeamSpec) string {
	h.t.Helper()
	id, err := h.o.CreateTeam(context.Background(), spec)
	require.NoError(h.t, err)
	return id
}

func (h *harness) waitTeamStatus(id string, want models.TeamStatus) *models.Team {
	h.t.Helper()
	var got *models.Team
	require.Eventually(h.t, func() bool {
		tm, err := h.o.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = tm
		return tm.Status == want
	}, 2*time.Second, 5*time.Millisecond, "team %s never reached %s", id, want)
	return got
}

func (h *harness) waitAgentState(id string, want models.AgentState) *models.Agent {
	h.t.Helper()
	var got *models.Agent
	require.Eventually(h.t, func() bool {
		a, err := h.agents.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = a
		return a.State == want
	}, 2*time.Second, 5*time.Millisecond, "agent %s never reached %s", id, want)
	return got
}

func (h *harness) members(teamID string) []*models.Agent {
	h.t.Helper()
	agents, err := h.repo.ListAgents(context.Background(), models.AgentFilters{TeamID: teamID})
	require.NoError(h.t, err)
	return agents
}

func (h *harness) memberCounts(teamID string) map[models.AgentState]int {
	h.t.Helper()
	counts := make(map[models.AgentState]int)
	for _, a := range h.members(teamID) {
		counts[a.State]++
	}
	return counts
}

func (h *harness) teamEvents(teamID string, types ...models.EventType) []*models.Event {
	return h.bus.GetEvents(models.EventFilter{TeamID: teamID, Types: types})
}

func (h *harness) globalSpend() float64 {
	h.t.Helper()
	rec, err := h.repo.GetBudget(context.Background(), models.GlobalScope, models.WindowLifetime)
	require.NoError(h.t, err)
	return rec.CostUSD
}

func TestCreateTeamValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		spec models.TeamSpec
	}{
		{"empty task", models.TeamSpec{Size: 2}},
		{"zero size", models.TeamSpec{Task: "t"}},
		{"negative budget", models.TeamSpec{Task: "t", Size: 1, Budget: -1}},
		{"unknown strategy", models.TeamSpec{Task: "t", Size: 2, Strategy: "zigzag"}},
		{"map_reduce too small", models.TeamSpec{Task: "t", Size: 1, Strategy: models.StrategyMapReduce}},
		{"tree multi root", models.TeamSpec{Task: "t", Size: 2, Strategy: models.StrategyTree}},
		{"items off parallel", models.TeamSpec{Task: "t", Size: 2, Strategy: models.StrategyPipeline, Items: []string{"a"}}},
		{"min above max", models.TeamSpec{Task: "t", Size: 3, MinSize: 3, MaxSize: 2}},
		{"size below min", models.TeamSpec{Task: "t", Size: 1, MinSize: 2, MaxSize: 4}},
		{"bad failure fraction", models.TeamSpec{Task: "t", Size: 2, FailureBudget: models.FailureBudget{Fraction: 1.5}}},
		{"negative failure count", models.TeamSpec{Task: "t", Size: 2, FailureBudget: models.FailureBudget{Count: -1}}},
		{"autoscale off parallel", models.TeamSpec{Task: "t", Size: 2, Strategy: models.StrategyPipeline, AutoScale: models.AutoScaleConfig{Enabled: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.o.CreateTeam(ctx, tc.spec)
			require.ErrorIs(t, err, models.ErrInvalidInput)
		})
	}

	_, err := h.o.CreateTeam(ctx, models.TeamSpec{
		Task: "t", Size: 2, MaxSize: h.cfg.Orchestrator.MaxTeamSize + 1,
	})
	require.ErrorIs(t, err, models.ErrCapacityExceeded)
}

func TestOpsRequireStartedOrchestrator(t *testing.T) {
	h := buildHarness(t, nil)
	ctx := context.Background()

	_, err := h.o.CreateTeam(ctx, models.TeamSpec{Task: "t", Size: 1})
	require.ErrorIs(t, err, models.ErrInvalidState)
	_, err = h.o.Scale(ctx, "t1", models.ScaleRequest{Delta: 1})
	require.ErrorIs(t, err, models.ErrInvalidState)
	require.ErrorIs(t, h.o.Pause(ctx, "t1"), models.ErrInvalidState)
	require.ErrorIs(t, h.o.Resume(ctx, "t1"), models.ErrInvalidState)
	require.ErrorIs(t, h.o.Destroy(ctx, "t1"), models.ErrInvalidState)
}

func TestStartStopLifecycle(t *testing.T) {
	h := buildHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.agents.Start(ctx))
	require.NoError(t, h.o.Start(ctx))
	require.ErrorIs(t, h.o.Start(ctx), models.ErrInvalidState)

	require.NoError(t, h.o.Stop(ctx))
	require.NoError(t, h.o.Stop(ctx))
}

func TestCreateTeamReserveDenied(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	limit := 0.5
	require.NoError(t, h.budget.SetLimit(ctx, models.GlobalScope, models.WindowLifetime, &limit, nil))

	_, err := h.o.CreateTeam(ctx, models.TeamSpec{Name: "greedy", Task: "t", Size: 1, Budget: 1.0})
	require.ErrorIs(t, err, models.ErrBudgetDenied)

	// The denied reservation left no trace on the global counters and the
	// row records the aborted creation.
	assert.InDelta(t, 0, h.globalSpend(), 1e-9)
	teams, err := h.o.List(ctx, models.TeamFilters{Statuses: []models.TeamStatus{models.TeamStatusFailed}})
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Zero(t, teams[0].BudgetAllocated)
}

func TestCreateTeamSpawnFailureUnwinds(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Lifecycle.MaxConcurrentAgents = 2
	})
	ctx := context.Background()

	_, err := h.o.CreateTeam(ctx, models.TeamSpec{Name: "big", Task: "t", Size: 3, Budget: 1.0})
	require.ErrorIs(t, err, models.ErrCapacityExceeded)

	teams, err := h.o.List(ctx, models.TeamFilters{Statuses: []models.TeamStatus{models.TeamStatusFailed}})
	require.NoError(t, err)
	require.Len(t, teams, 1)

	// Both partial members are dead and the full reservation came back.
	require.Eventually(t, func() bool {
		live, lerr := h.repo.ListAgents(ctx, models.AgentFilters{TeamID: teams[0].ID, States: liveStates()})
		return lerr == nil && len(live) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0, h.globalSpend(), 1e-6)
}

func TestDestroyKillsMembers(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	h.provider.OnSend = func(_, _ string) (*runtime.SendResult, error) {
		<-release
		return &runtime.SendResult{Result: "ok"}, nil
	}
	defer close(release)

	id := h.createTeam(models.TeamSpec{Name: "doomed", Task: "t", Size: 2, Budget: 1.0})
	for _, a := range h.members(id) {
		h.waitAgentState(a.ID, models.AgentStateRunning)
	}

	require.NoError(t, h.o.Destroy(ctx, id))

	team := h.waitTeamStatus(id, models.TeamStatusFailed)
	assert.NotNil(t, team.CompletedAt)
	counts := h.memberCounts(id)
	assert.Equal(t, 2, counts[models.AgentStateKilled])

	// Nothing was consumed, so the whole reservation is returned.
	assert.InDelta(t, 0, h.globalSpend(), 1e-6)

	evts := h.teamEvents(id, models.EventTypeTeamFailed)
	require.Len(t, evts, 1)
	var p models.TeamLifecyclePayload
	require.NoError(t, json.Unmarshal(evts[0].Payload, &p))
	assert.Equal(t, "destroyed by operator", p.Error)

	// Destroying a terminal team is a no-op.
	require.NoError(t, h.o.Destroy(ctx, id))
}

func TestBudgetExhaustionFailsTeam(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	h.provider.OnSend = func(_, _ string) (*runtime.SendResult, error) {
		<-release
		return &runtime.SendResult{Result: "ok", CostUSD: 0.003}, nil
	}
	defer close(release)

	id := h.createTeam(models.TeamSpec{Name: "spendy", Task: "t", Size: 5})
	limit := 0.01
	scope := models.Scope{Type: models.ScopeTeam, ID: id}
	require.NoError(t, h.budget.SetLimit(ctx, scope, models.WindowLifetime, &limit, nil))

	// Settle the sends one at a time so each debit lands before the next
	// starts. The first three commit $0.009; the fourth is denied.
	for i := 1; i <= 4; i++ {
		release <- struct{}{}
		require.Eventually(t, func() bool {
			return h.memberCounts(id)[models.AgentStateCompleted] >= i
		}, 2*time.Second, 5*time.Millisecond, "member %d never completed", i)
	}

	// The denied run still completed; the team does not.
	team := h.waitTeamStatus(id, models.TeamStatusFailed)
	assert.NotNil(t, team.CompletedAt)
	assert.InDelta(t, 0.009, team.BudgetConsumed, 1e-6)

	counts := h.memberCounts(id)
	assert.Equal(t, 4, counts[models.AgentStateCompleted])
	assert.Equal(t, 1, counts[models.AgentStateKilled])

	evts := h.teamEvents(id, models.EventTypeTeamFailed)
	require.Len(t, evts, 1)
	var p models.TeamLifecyclePayload
	require.NoError(t, json.Unmarshal(evts[0].Payload, &p))
	assert.Equal(t, "budget exhausted", p.Error)

	for _, typ := range []models.EventType{
		models.EventTypeBudgetWarning,
		models.EventTypeBudgetThrottle,
		models.EventTypeBudgetExhausted,
	} {
		assert.Len(t, h.teamEvents(id, typ), 1, typ)
	}
}

func TestGlobalExhaustionFailsRunningTeams(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	h.provider.OnSend = func(_, _ string) (*runtime.SendResult, error) {
		<-release
		return &runtime.SendResult{Result: "ok"}, nil
	}
	defer close(release)

	id := h.createTeam(models.TeamSpec{Name: "bystander", Task: "t", Size: 2})

	limit := 0.01
	require.NoError(t, h.budget.SetLimit(ctx, models.GlobalScope, models.WindowLifetime, &limit, nil))
	err := h.budget.Debit(ctx, models.Usage{CostUSD: 0.02}, models.GlobalScope)
	require.ErrorIs(t, err, models.ErrBudgetDenied)

	// Member debits stop at the team scope, so the released send settles
	// fine; its terminal event is what carries the team into evaluation.
	release <- struct{}{}

	h.waitTeamStatus(id, models.TeamStatusFailed)
	evts := h.teamEvents(id, models.EventTypeTeamFailed)
	require.Len(t, evts, 1)
	var p models.TeamLifecyclePayload
	require.NoError(t, json.Unmarshal(evts[0].Payload, &p))
	assert.Equal(t, "budget exhausted", p.Error)
}

func TestPauseResumePropagates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	var calls atomic.Int32
	h.provider.OnSend = func(_, _ string) (*runtime.SendResult, error) {
		if calls.Add(1) <= 2 {
			<-release
		}
		return &runtime.SendResult{Result: "ok", CostUSD: 0.001}, nil
	}

	id := h.createTeam(models.TeamSpec{Name: "held", Task: "t", Size: 2, Budget: 1.0})
	for _, a := range h.members(id) {
		h.waitAgentState(a.ID, models.AgentStateRunning)
	}

	require.NoError(t, h.o.Pause(ctx, id))
	team, err := h.o.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusPaused, team.Status)
	for _, a := range h.members(id) {
		h.waitAgentState(a.ID, models.AgentStatePaused)
	}

	// Pausing a paused team is refused, as is resuming a running one later.
	require.ErrorIs(t, h.o.Pause(ctx, id), models.ErrInvalidState)

	// The parked results are discarded; resumed members are re-dispatched
	// and the second round completes the team.
	close(release)
	require.NoError(t, h.o.Resume(ctx, id))
	h.waitTeamStatus(id, models.TeamStatusCompleted)

	assert.GreaterOrEqual(t, int(calls.Load()), 4)
	evts := h.teamEvents(id,
		models.EventTypeTeamPaused, models.EventTypeTeamResumed, models.EventTypeTeamCompleted)
	require.Len(t, evts, 3)
}

func TestScaleUpAndDown(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	h.provider.OnSend = func(_, _ string) (*runtime.SendResult, error) {
		<-release
		return &runtime.SendResult{Result: "ok"}, nil
	}

	id := h.createTeam(models.TeamSpec{Name: "elastic", Task: "t", Size: 2, MinSize: 1, MaxSize: 4, Budget: 1.0})
	for _, a := range h.members(id) {
		h.waitAgentState(a.ID, models.AgentStateRunning)
	}

	// Grow by two.
	size, err := h.o.Scale(ctx, id, models.ScaleRequest{Delta: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, size)
	team, err := h.o.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, team.AgentIDs, 4)

	// A target past max_size clamps silently; the event carries the truth.
	ten := 10
	size, err = h.o.Scale(ctx, id, models.ScaleRequest{Target: &ten})
	require.NoError(t, err)
	assert.Equal(t, 4, size)

	// Shrink to one: the extra members are killed, not failed.
	size, err = h.o.Scale(ctx, id, models.ScaleRequest{Delta: -3})
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	close(release)
	team = h.waitTeamStatus(id, models.TeamStatusCompleted)
	assert.Equal(t, 3, team.Metrics.ScaleEvents)
	assert.Equal(t, 3, team.Metrics.CountsByState[models.AgentStateKilled])
	assert.Equal(t, 1, team.Metrics.CountsByState[models.AgentStateCompleted])

	evts := h.teamEvents(id, models.EventTypeTeamScaled)
	require.Len(t, evts, 3)
	var scaled []models.TeamScaledPayload
	for _, e := range evts {
		var p models.TeamScaledPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		scaled = append(scaled, p)
	}
	assert.Equal(t, 2, scaled[0].EffectiveDelta)
	assert.Equal(t, 4, scaled[0].NewSize)
	assert.Equal(t, 6, scaled[1].RequestedDelta)
	assert.Equal(t, 0, scaled[1].EffectiveDelta)
	assert.Equal(t, -3, scaled[2].EffectiveDelta)
	assert.Equal(t, 1, scaled[2].NewSize)
	for _, p := range scaled {
		assert.Equal(t, "operator", p.Reason)
	}
}

func TestScaleValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	h.provider.OnSend = func(_, _ string) (*runtime.SendResult, error) {
		<-release
		return &runtime.SendResult{Result: "ok"}, nil
	}
	defer close(release)

	id := h.createTeam(models.TeamSpec{Name: "fixed", Task: "t", Size: 1, Budget: 0.5})

	_, err := h.o.Scale(ctx, id, models.ScaleRequest{})
	require.ErrorIs(t, err, models.ErrInvalidInput)
	neg := -1
	_, err = h.o.Scale(ctx, id, models.ScaleRequest{Target: &neg})
	require.ErrorIs(t, err, models.ErrInvalidInput)
	_, err = h.o.Scale(ctx, "nope", models.ScaleRequest{Delta: 1})
	require.ErrorIs(t, err, models.ErrNotFound)

	pipe := h.createTeam(models.TeamSpec{Name: "chain", Task: "t", Size: 2, Strategy: models.StrategyPipeline, Budget: 0.5})
	_, err = h.o.Scale(ctx, pipe, models.ScaleRequest{Delta: 1})
	require.ErrorIs(t, err, models.ErrInvalidInput)

	require.NoError(t, h.o.Pause(ctx, id))
	_, err = h.o.Scale(ctx, id, models.ScaleRequest{Delta: 1})
	require.ErrorIs(t, err, models.ErrInvalidState)
}

func TestScaleAndDestroyConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	h.provider.OnSend = func(_, _ string) (*runtime.SendResult, error) {
		<-release
		return &runtime.SendResult{Result: "ok"}, nil
	}
	defer close(release)

	id := h.createTeam(models.TeamSpec{Name: "contended", Task: "t", Size: 2, MaxSize: 4, Budget: 1.0})
	for _, a := range h.members(id) {
		h.waitAgentState(a.ID, models.AgentStateRunning)
	}

	done := make(chan struct{}, 2)
	go func() {
		// Either order is fine: the scale wins and its spawns are killed
		// by the destroy, or the destroy wins and the scale is refused.
		_, _ = h.o.Scale(ctx, id, models.ScaleRequest{Delta: 1})
		done <- struct{}{}
	}()
	go func() {
		_ = h.o.Destroy(ctx, id)
		done <- struct{}{}
	}()
	<-done
	<-done

	h.waitTeamStatus(id, models.TeamStatusFailed)
	require.Eventually(t, func() bool {
		live, err := h.repo.ListAgents(ctx, models.AgentFilters{TeamID: id, States: liveStates()})
		return err == nil && len(live) == 0
	}, 2*time.Second, 5*time.Millisecond, "a live member survived the destroy")
}

func TestTeamStatusSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id := h.createTeam(models.TeamSpec{Name: "watched", Task: "t", Size: 2, Budget: 1.0})
	h.waitTeamStatus(id, models.TeamStatusCompleted)

	st, err := h.o.TeamStatus(ctx, id)
	require.NoError(t, err)
	assert.Len(t, st.Members, 2)
	assert.Len(t, st.Results, 2)
	for _, r := range st.Results {
		assert.Equal(t, -1, r.Item)
		assert.Equal(t, "ok", r.Result)
		assert.Empty(t, r.Err)
	}
	assert.Equal(t, 2, st.Team.Metrics.CountsByState[models.AgentStateCompleted])
	assert.InDelta(t, 0.002, st.Team.BudgetConsumed, 1e-6)
	assert.InDelta(t, 0.998, st.Team.Metrics.BudgetRemaining, 1e-6)

	_, err = h.o.TeamStatus(ctx, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestListTeamsFilters(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	release := make(chan struct{})
	var calls atomic.Int32
	h.provider.OnSend = func(_, _ string) (*runtime.SendResult, error) {
		if calls.Add(1) > 1 {
			<-release
		}
		return &runtime.SendResult{Result: "ok"}, nil
	}
	defer close(release)

	first := h.createTeam(models.TeamSpec{Name: "fast", Task: "t", Size: 1, Budget: 0.5})
	h.waitTeamStatus(first, models.TeamStatusCompleted)
	second := h.createTeam(models.TeamSpec{Name: "slow", Task: "t", Size: 1, Budget: 0.5})

	running, err := h.o.List(ctx, models.TeamFilters{Statuses: []models.TeamStatus{models.TeamStatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, second, running[0].ID)

	all, err := h.o.List(ctx, models.TeamFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second, all[0].ID, "newest first")
}

func TestRecoveryReconcilesPersistedTeams(t *testing.T) {
	h := buildHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.agents.Start(ctx))

	now := time.Now().UTC()
	seed := func(id string, status models.TeamStatus, cfg models.TeamConfig) {
		require.NoError(t, h.repo.CreateTeam(ctx, &models.Team{
			ID: id, Name: id, Task: "t", Status: status, Config: cfg, CreatedAt: now,
		}))
	}
	seed("t-pending", models.TeamStatusPending,
		models.TeamConfig{Strategy: models.StrategyParallel, DesiredSize: 1, MinSize: 1, MaxSize: 1})
	seed("t-queue", models.TeamStatusRunning,
		models.TeamConfig{Strategy: models.StrategyParallel, DesiredSize: 1, MinSize: 1, MaxSize: 1, Items: []string{"x"}})
	seed("t-pipe", models.TeamStatusRunning,
		models.TeamConfig{Strategy: models.StrategyPipeline, DesiredSize: 2, MinSize: 1, MaxSize: 2})
	seed("t-par", models.TeamStatusRunning,
		models.TeamConfig{Strategy: models.StrategyParallel, DesiredSize: 1, MinSize: 1, MaxSize: 1})

	require.NoError(t, h.o.Start(ctx))

	wantFailed := map[string]string{
		"t-pending": "creation interrupted by restart",
		"t-queue":   "work backlog lost in restart",
		"t-pipe":    "stage progress lost in restart",
	}
	for id, reason := range wantFailed {
		team, err := h.o.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.TeamStatusFailed, team.Status, id)

		evts := h.teamEvents(id, models.EventTypeTeamFailed)
		require.Len(t, evts, 1, id)
		var p models.TeamLifecyclePayload
		require.NoError(t, json.Unmarshal(evts[0].Payload, &p))
		assert.Equal(t, reason, p.Error, id)
	}

	// Parallel member-task teams ride out the restart.
	team, err := h.o.Get(ctx, "t-par")
	require.NoError(t, err)
	assert.Equal(t, models.TeamStatusRunning, team.Status)
}
