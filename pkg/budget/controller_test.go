package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store/memory"
)

func newTestController(t *testing.T, mutate ...func(*config.BudgetConfig)) (*Controller, *memory.Store, *bus.Bus) {
	t.Helper()
	cfg := config.DefaultBudgetConfig()
	for _, m := range mutate {
		m(cfg)
	}
	repo := memory.New()
	eventBus := bus.New(config.DefaultBusConfig())
	t.Cleanup(func() { _ = eventBus.Close() })
	return New(cfg, repo, eventBus), repo, eventBus
}

func eventTypes(events []*models.Event) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestCost(t *testing.T) {
	c, _, _ := newTestController(t, func(cfg *config.BudgetConfig) {
		cfg.DefaultModel = "gpt-4o-mini"
		cfg.Pricing = map[string]models.ModelPricing{
			"house-model": {InputPerMillion: 1.00, OutputPerMillion: 2.00},
		}
	})

	tests := []struct {
		name  string
		usage models.Usage
		want  float64
	}{
		{
			name:  "provider reported cost wins",
			usage: models.Usage{TokensIn: 1000, TokensOut: 1000, Model: "gpt-4o", CostUSD: 0.42},
			want:  0.42,
		},
		{
			name:  "priced by model table",
			usage: models.Usage{TokensIn: 1_000_000, TokensOut: 500_000, Model: "gpt-4o"},
			want:  2.50 + 5.00,
		},
		{
			name:  "config override extends the table",
			usage: models.Usage{TokensIn: 1_000_000, TokensOut: 1_000_000, Model: "house-model"},
			want:  3.00,
		},
		{
			name:  "missing model falls back to the default model",
			usage: models.Usage{TokensIn: 1_000_000, TokensOut: 1_000_000},
			want:  0.15 + 0.60,
		},
		{
			name:  "unknown model costs zero",
			usage: models.Usage{TokensIn: 1_000_000, TokensOut: 1_000_000, Model: "mystery-9000"},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, c.Cost(tt.usage), 1e-9)
		})
	}
}

func TestScopesFor(t *testing.T) {
	tests := []struct {
		name    string
		agentID string
		teamID  string
		project string
		want    []models.Scope
	}{
		{
			name:    "team member stops at the team scope",
			agentID: "a-1", teamID: "t-1",
			want: []models.Scope{
				{Type: models.ScopeAgent, ID: "a-1"},
				{Type: models.ScopeTeam, ID: "t-1"},
			},
		},
		{
			name:    "standalone agent reaches global",
			agentID: "a-1",
			want: []models.Scope{
				{Type: models.ScopeAgent, ID: "a-1"},
				models.GlobalScope,
			},
		},
		{
			name:    "project scope sits between agent and global",
			agentID: "a-1", project: "improve",
			want: []models.Scope{
				{Type: models.ScopeAgent, ID: "a-1"},
				{Type: models.ScopeProject, ID: "improve"},
				models.GlobalScope,
			},
		},
		{
			name:    "reservation chain has no agent",
			project: "improve",
			want: []models.Scope{
				{Type: models.ScopeProject, ID: "improve"},
				models.GlobalScope,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScopesFor(tt.agentID, tt.teamID, tt.project))
		})
	}
}

func TestDebitLadderProgression(t *testing.T) {
	c, repo, eventBus := newTestController(t)
	ctx := context.Background()

	teamScope := models.Scope{Type: models.ScopeTeam, ID: "t-1"}
	limit := 0.010
	require.NoError(t, c.SetLimit(ctx, teamScope, models.WindowLifetime, &limit, nil))

	usage := models.Usage{TokensIn: 10, TokensOut: 20, CostUSD: 0.003}

	// 30% and 60%: below every rung.
	require.NoError(t, c.TryDebit(ctx, "a-1", "t-1", usage))
	require.NoError(t, c.TryDebit(ctx, "a-2", "t-1", usage))
	assert.Empty(t, eventBus.GetEvents(models.EventFilter{
		Types: []models.EventType{models.EventTypeBudgetWarning, models.EventTypeBudgetThrottle, models.EventTypeBudgetExhausted},
	}))

	// 90%: one debit crosses warn and throttle; both are announced in order.
	require.NoError(t, c.TryDebit(ctx, "a-3", "t-1", usage))
	got := eventBus.GetEvents(models.EventFilter{
		Types: []models.EventType{models.EventTypeBudgetWarning, models.EventTypeBudgetThrottle, models.EventTypeBudgetExhausted},
	})
	assert.Equal(t, []models.EventType{models.EventTypeBudgetWarning, models.EventTypeBudgetThrottle}, eventTypes(got))

	var payload models.BudgetPayload
	require.NoError(t, got[1].DecodePayload(&payload))
	assert.Equal(t, "team", payload.ScopeType)
	assert.Equal(t, "t-1", payload.ScopeID)
	assert.Equal(t, "lifetime", payload.Window)
	assert.InDelta(t, 0.009, payload.Consumed, 1e-9)
	assert.Equal(t, "t-1", got[1].TeamID)

	// The fourth debit would exceed the limit: denied, nothing written,
	// exhausted announced exactly once.
	err := c.TryDebit(ctx, "a-4", "t-1", usage)
	require.ErrorIs(t, err, models.ErrBudgetDenied)

	rec, err := repo.GetBudget(ctx, teamScope, models.WindowLifetime)
	require.NoError(t, err)
	assert.InDelta(t, 0.009, rec.CostUSD, 1e-9)
	assert.False(t, rec.Exhausted, "a denied debit changes no store state")

	err = c.TryDebit(ctx, "a-5", "t-1", usage)
	require.ErrorIs(t, err, models.ErrBudgetDenied)

	exhausted := eventBus.GetEvents(models.EventFilter{Types: []models.EventType{models.EventTypeBudgetExhausted}})
	assert.Len(t, exhausted, 1, "repeated denials announce exhaustion once")

	// Ladder events land on the persisted tail too.
	persisted, err := repo.ListEvents(ctx, models.EventFilter{Types: []models.EventType{models.EventTypeBudgetThrottle}})
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestCommitAtLimitMarksExhausted(t *testing.T) {
	c, repo, eventBus := newTestController(t)
	ctx := context.Background()

	scope := models.Scope{Type: models.ScopeTeam, ID: "t-1"}
	limit := 0.010
	require.NoError(t, c.SetLimit(ctx, scope, models.WindowLifetime, &limit, nil))

	// Landing exactly on the limit commits, crosses every rung, and sets the
	// exhausted flag.
	require.NoError(t, c.Debit(ctx, models.Usage{CostUSD: 0.010}, scope))

	got := eventBus.GetEvents(models.EventFilter{
		Types: []models.EventType{models.EventTypeBudgetWarning, models.EventTypeBudgetThrottle, models.EventTypeBudgetExhausted},
	})
	assert.Equal(t, []models.EventType{
		models.EventTypeBudgetWarning,
		models.EventTypeBudgetThrottle,
		models.EventTypeBudgetExhausted,
	}, eventTypes(got))

	rec, err := repo.GetBudget(ctx, scope, models.WindowLifetime)
	require.NoError(t, err)
	assert.True(t, rec.Exhausted)

	err = c.AuthorizeSpawn(ctx, 0.001, scope)
	require.ErrorIs(t, err, models.ErrBudgetDenied)
}

func TestDebitTouchesEveryScopeInChain(t *testing.T) {
	c, repo, _ := newTestController(t)
	ctx := context.Background()

	usage := models.Usage{TokensIn: 100, TokensOut: 200, CostUSD: 0.05}
	require.NoError(t, c.Debit(ctx, usage, ScopesFor("a-1", "", "improve")...))

	for _, scope := range []models.Scope{
		{Type: models.ScopeAgent, ID: "a-1"},
		{Type: models.ScopeProject, ID: "improve"},
		models.GlobalScope,
	} {
		for _, window := range []models.Window{models.WindowDay, models.WindowLifetime} {
			rec, err := repo.GetBudget(ctx, scope, window)
			require.NoError(t, err)
			assert.InDelta(t, 0.05, rec.CostUSD, 1e-9, "%s/%s", scope, window)
			assert.Equal(t, int64(100), rec.TokensIn)
			assert.Equal(t, int64(200), rec.TokensOut)
		}
	}
}

func TestReserveHoldsAllocationAgainstGlobalCap(t *testing.T) {
	c, repo, _ := newTestController(t, func(cfg *config.BudgetConfig) {
		cfg.GlobalDailyCostCap = 1.00
	})
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	require.NoError(t, c.Reserve(ctx, 0.60, ScopesFor("", "", "")...))

	err := c.Reserve(ctx, 0.60, ScopesFor("", "", "")...)
	require.ErrorIs(t, err, models.ErrBudgetDenied)

	rec, err := repo.GetBudget(ctx, models.GlobalScope, models.WindowDay)
	require.NoError(t, err)
	assert.InDelta(t, 0.60, rec.CostUSD, 1e-9, "denied reservation wrote nothing")

	// Zero reservations are a no-op.
	require.NoError(t, c.Reserve(ctx, 0, ScopesFor("", "", "")...))
	assert.Error(t, c.Reserve(ctx, -1, models.GlobalScope))
}

func TestAuthorizeSpawn(t *testing.T) {
	c, repo, _ := newTestController(t)
	ctx := context.Background()

	teamScope := models.Scope{Type: models.ScopeTeam, ID: "t-1"}
	limit := 1.00
	require.NoError(t, c.SetLimit(ctx, teamScope, models.WindowLifetime, &limit, nil))
	require.NoError(t, c.Debit(ctx, models.Usage{CostUSD: 0.80}, teamScope))

	assert.NoError(t, c.AuthorizeSpawn(ctx, 0.10, teamScope))

	err := c.AuthorizeSpawn(ctx, 0.30, teamScope)
	require.ErrorIs(t, err, models.ErrBudgetDenied)

	// Unlimited scopes never deny on remainder.
	assert.NoError(t, c.AuthorizeSpawn(ctx, 100.0, models.Scope{Type: models.ScopeTeam, ID: "t-2"}))

	// Exhausted flag denies regardless of remainder.
	require.NoError(t, repo.MarkExhausted(ctx, teamScope, models.WindowDay, true))
	err = c.AuthorizeSpawn(ctx, 0.01, teamScope)
	require.ErrorIs(t, err, models.ErrBudgetDenied)
}

func TestResetRestartsLadder(t *testing.T) {
	c, repo, eventBus := newTestController(t)
	ctx := context.Background()

	scope := models.Scope{Type: models.ScopeTeam, ID: "t-1"}
	limit := 0.010
	require.NoError(t, c.SetLimit(ctx, scope, models.WindowLifetime, &limit, nil))

	require.ErrorIs(t, c.Debit(ctx, models.Usage{CostUSD: 0.02}, scope), models.ErrBudgetDenied)
	require.NoError(t, c.Reset(ctx, scope, models.WindowLifetime))

	rec, err := repo.GetBudget(ctx, scope, models.WindowLifetime)
	require.NoError(t, err)
	assert.Zero(t, rec.CostUSD)
	assert.False(t, rec.Exhausted)

	// After the reset the same denial announces again.
	require.ErrorIs(t, c.Debit(ctx, models.Usage{CostUSD: 0.02}, scope), models.ErrBudgetDenied)
	exhausted := eventBus.GetEvents(models.EventFilter{Types: []models.EventType{models.EventTypeBudgetExhausted}})
	assert.Len(t, exhausted, 2)
}

func TestResetDailyWindows(t *testing.T) {
	c, repo, _ := newTestController(t)
	ctx := context.Background()

	scope := models.Scope{Type: models.ScopeAgent, ID: "a-1"}
	require.NoError(t, c.Debit(ctx, models.Usage{CostUSD: 0.25}, scope))

	c.resetDailyWindows(ctx)

	day, err := repo.GetBudget(ctx, scope, models.WindowDay)
	require.NoError(t, err)
	assert.Zero(t, day.CostUSD)

	lifetime, err := repo.GetBudget(ctx, scope, models.WindowLifetime)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, lifetime.CostUSD, 1e-9, "lifetime windows survive the daily reset")
}

func TestNextResetAfter(t *testing.T) {
	base := time.Date(2025, 6, 10, 7, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{
			name: "later today",
			now:  base,
			hour: 9,
			want: time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "already passed rolls to tomorrow",
			now:  base,
			hour: 3,
			want: time.Date(2025, 6, 11, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at the hour rolls to tomorrow",
			now:  time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC),
			hour: 9,
			want: time.Date(2025, 6, 11, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextResetAfter(tt.now, tt.hour))
		})
	}
}

func TestSetLimitValidation(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	negCost := -1.0
	err := c.SetLimit(ctx, models.GlobalScope, models.WindowDay, &negCost, nil)
	require.ErrorIs(t, err, models.ErrInvalidInput)

	negTokens := int64(-1)
	err = c.SetLimit(ctx, models.GlobalScope, models.WindowDay, nil, &negTokens)
	require.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestStatusReportsBothWindows(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	scope := models.Scope{Type: models.ScopeProject, ID: "demo"}
	status, err := c.Status(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, status.Day.CostUSD)
	assert.Zero(t, status.Lifetime.CostUSD)

	require.NoError(t, c.Debit(ctx, models.Usage{CostUSD: 0.10}, scope))
	status, err = c.Status(ctx, scope)
	require.NoError(t, err)
	assert.InDelta(t, 0.10, status.Day.CostUSD, 1e-9)
	assert.InDelta(t, 0.10, status.Lifetime.CostUSD, 1e-9)
}
