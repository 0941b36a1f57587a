// Package budget quantifies and enforces resource limits. The Controller
// prices raw token usage, debits every governing scope atomically through
// the store, and evaluates the policy ladder (warn / throttle / exhausted)
// on each committed debit. Enforcement actions are decoupled: the controller
// only publishes ladder events; the lifecycle enforcer reacts to them.
package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

// ladderEpsilon absorbs float error when comparing a consumption fraction
// against a ladder threshold.
const ladderEpsilon = 1e-9

type ladderRung int

const (
	rungNone ladderRung = iota
	rungWarn
	rungThrottle
	rungExhausted
)

type rungKey struct {
	scope  models.Scope
	window models.Window
}

// Controller is the budget/safety controller.
type Controller struct {
	cfg     *config.BudgetConfig
	repo    store.Repository
	bus     *bus.Bus
	pricing map[string]models.ModelPricing

	// mu guards rungs, unknown, and denials. rungs tracks the highest ladder
	// rung already announced per scope+window so each crossing emits once.
	mu      sync.Mutex
	rungs   map[rungKey]ladderRung
	unknown map[string]struct{}
	denials uint64

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a controller over the given store and bus. Call Start to apply
// the global daily cap and begin the scheduled window resets.
func New(cfg *config.BudgetConfig, repo store.Repository, eventBus *bus.Bus) *Controller {
	return &Controller{
		cfg:     cfg,
		repo:    repo,
		bus:     eventBus,
		pricing: MergePricing(cfg.Pricing),
		rungs:   make(map[rungKey]ladderRung),
		unknown: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start applies the configured global daily cap and launches the daily reset
// scheduler.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if c.cfg.GlobalDailyCostCap > 0 {
		capUSD := c.cfg.GlobalDailyCostCap
		if err := c.repo.SetBudgetLimit(ctx, models.GlobalScope, models.WindowDay, &capUSD, nil); err != nil {
			return fmt.Errorf("failed to apply global daily cost cap: %w", err)
		}
		slog.Info("Global daily cost cap applied", "cap_usd", capUSD)
	}

	c.wg.Add(1)
	go c.resetLoop()
	return nil
}

// Stop halts the reset scheduler. Safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Cost computes the USD cost of one usage report. A provider-reported cost
// wins; otherwise the pricing table keyed by model (falling back to the
// configured default model) is applied to the token counts. Unknown models
// cost zero, matching the table semantics.
func (c *Controller) Cost(usage models.Usage) float64 {
	if usage.CostUSD > 0 {
		return usage.CostUSD
	}
	model := usage.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	pricing, ok := c.pricing[model]
	if !ok {
		c.warnUnknownModel(model)
		return 0
	}
	return pricing.Cost(usage.TokensIn, usage.TokensOut)
}

// warnUnknownModel logs once per model name so unpriced traffic is visible
// without flooding the log.
func (c *Controller) warnUnknownModel(model string) {
	if model == "" {
		return
	}
	c.mu.Lock()
	_, seen := c.unknown[model]
	if !seen {
		c.unknown[model] = struct{}{}
	}
	c.mu.Unlock()
	if !seen {
		slog.Warn("No pricing for model, debits cost $0", "model", model)
	}
}

// ScopesFor expands the debit chain for an agent. A team member's chain
// stops at the team scope: the team's allocation was already debited from
// the upper scopes when it was reserved at creation. Standalone agents
// debit straight up to the project (when set) and global scopes.
func ScopesFor(agentID, teamID, projectID string) []models.Scope {
	var scopes []models.Scope
	if agentID != "" {
		scopes = append(scopes, models.Scope{Type: models.ScopeAgent, ID: agentID})
	}
	if teamID != "" {
		return append(scopes, models.Scope{Type: models.ScopeTeam, ID: teamID})
	}
	if projectID != "" {
		scopes = append(scopes, models.Scope{Type: models.ScopeProject, ID: projectID})
	}
	return append(scopes, models.GlobalScope)
}

// TryDebit prices the usage and debits the agent's scope chain atomically.
// Denial returns ErrBudgetDenied with no state change.
func (c *Controller) TryDebit(ctx context.Context, agentID, teamID string, usage models.Usage) error {
	return c.Debit(ctx, usage, ScopesFor(agentID, teamID, "")...)
}

// Debit applies one priced usage report to every given scope in both
// windows, all-or-nothing, then evaluates the policy ladder on the committed
// counters.
func (c *Controller) Debit(ctx context.Context, usage models.Usage, scopes ...models.Scope) error {
	if len(scopes) == 0 {
		return models.NewValidationError("scopes", "at least one scope is required")
	}
	cost := c.Cost(usage)

	outcome, err := c.repo.TryDebit(ctx, store.DebitRequest{
		Scopes:  scopes,
		Usage:   usage,
		CostUSD: cost,
		HardPct: c.cfg.HardPct,
	})
	if err != nil {
		return fmt.Errorf("failed to debit budget: %w", err)
	}
	if outcome.Denied {
		c.noteDenial()
		c.handleDenial(ctx, outcome)
		return fmt.Errorf("debit of $%.6f would exceed the %s %s limit: %w",
			cost, outcome.DeniedScope.String(), outcome.DeniedWindow, models.ErrBudgetDenied)
	}
	c.evaluate(ctx, outcome.Records)
	return nil
}

// Reserve debits a flat USD amount, used to hold a team's allocation against
// its parent scopes before any member spawns.
func (c *Controller) Reserve(ctx context.Context, amount float64, scopes ...models.Scope) error {
	if amount < 0 {
		return models.NewValidationError("amount", "must be non-negative")
	}
	if amount == 0 {
		return nil
	}
	return c.Debit(ctx, models.Usage{CostUSD: amount}, scopes...)
}

// Release credits an unspent reservation back to the given scopes. A credit
// cannot be denied and never advances the policy ladder.
func (c *Controller) Release(ctx context.Context, amount float64, scopes ...models.Scope) error {
	if amount < 0 {
		return models.NewValidationError("amount", "must be non-negative")
	}
	if amount == 0 {
		return nil
	}
	return c.Debit(ctx, models.Usage{CostUSD: -amount}, scopes...)
}

// AuthorizeSpawn reports whether a spawn requesting budgetLimit may proceed
// under the given scopes. Exhausted scopes and insufficient remainder deny.
func (c *Controller) AuthorizeSpawn(ctx context.Context, budgetLimit float64, scopes ...models.Scope) error {
	for _, scope := range scopes {
		for _, window := range []models.Window{models.WindowDay, models.WindowLifetime} {
			rec, err := c.repo.GetBudget(ctx, scope, window)
			if err != nil {
				return fmt.Errorf("failed to read budget %s/%s: %w", scope.String(), window, err)
			}
			if rec.Exhausted {
				c.noteDenial()
				return fmt.Errorf("scope %s is exhausted for the %s window: %w",
					scope.String(), window, models.ErrBudgetDenied)
			}
			if budgetLimit > rec.Remaining()+store.CostEpsilon {
				c.noteDenial()
				return fmt.Errorf("requested limit $%.6f exceeds the %s %s remainder $%.6f: %w",
					budgetLimit, scope.String(), window, rec.Remaining(), models.ErrBudgetDenied)
			}
		}
	}
	return nil
}

// Denials returns the cumulative count of denied debits and refused spawn
// authorizations for this process.
func (c *Controller) Denials() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.denials
}

func (c *Controller) noteDenial() {
	c.mu.Lock()
	c.denials++
	c.mu.Unlock()
}

// SetLimit sets or clears a scope's cost/token limits. Changing a limit
// restarts the ladder for that scope so the next debit re-announces the
// current rung.
func (c *Controller) SetLimit(ctx context.Context, scope models.Scope, window models.Window, limitCost *float64, limitTokens *int64) error {
	if limitCost != nil && *limitCost < 0 {
		return models.NewValidationError("limit_cost", "must be non-negative")
	}
	if limitTokens != nil && *limitTokens < 0 {
		return models.NewValidationError("limit_tokens", "must be non-negative")
	}
	if err := c.repo.SetBudgetLimit(ctx, scope, window, limitCost, limitTokens); err != nil {
		return fmt.Errorf("failed to set budget limit: %w", err)
	}
	c.clearRung(scope, window)
	return nil
}

// Status is a point-in-time view of one scope's counters in both windows.
type Status struct {
	Scope    models.Scope         `json:"scope"`
	Day      *models.BudgetRecord `json:"day"`
	Lifetime *models.BudgetRecord `json:"lifetime"`
}

// Status reads both windows of a scope. Untouched scopes report zero
// counters.
func (c *Controller) Status(ctx context.Context, scope models.Scope) (*Status, error) {
	day, err := c.repo.GetBudget(ctx, scope, models.WindowDay)
	if err != nil {
		return nil, fmt.Errorf("failed to read budget %s/day: %w", scope.String(), err)
	}
	lifetime, err := c.repo.GetBudget(ctx, scope, models.WindowLifetime)
	if err != nil {
		return nil, fmt.Errorf("failed to read budget %s/lifetime: %w", scope.String(), err)
	}
	return &Status{Scope: scope, Day: day, Lifetime: lifetime}, nil
}

// Reset zeroes one scope window and clears its exhaustion flag and ladder
// state.
func (c *Controller) Reset(ctx context.Context, scope models.Scope, window models.Window) error {
	if err := c.repo.ResetBudget(ctx, scope, window); err != nil {
		return fmt.Errorf("failed to reset budget: %w", err)
	}
	c.clearRung(scope, window)
	return nil
}

// handleDenial announces an exhausted scope once. A denied debit changes no
// store state (the exhausted flag is only set when committed consumption
// reaches hard_pct); the event alone drives enforcement.
func (c *Controller) handleDenial(ctx context.Context, outcome *store.DebitOutcome) {
	scope := *outcome.DeniedScope
	window := outcome.DeniedWindow

	key := rungKey{scope: scope, window: window}
	c.mu.Lock()
	announced := c.rungs[key] >= rungExhausted
	if !announced {
		c.rungs[key] = rungExhausted
	}
	c.mu.Unlock()
	if announced {
		return
	}

	rec, err := c.repo.GetBudget(ctx, scope, window)
	if err != nil {
		slog.Error("Failed to read denied budget",
			"scope", scope.String(), "window", window, "error", err)
		rec = &models.BudgetRecord{Scope: scope, Window: window}
	}
	c.emitLadder(ctx, models.EventTypeBudgetExhausted, rec)
}

// evaluate runs the policy ladder over the committed rows. Each rung is
// announced once per scope+window; a single debit that jumps rungs emits
// every crossed rung in order.
func (c *Controller) evaluate(ctx context.Context, records []*models.BudgetRecord) {
	for _, rec := range records {
		if rec.LimitCost == nil || *rec.LimitCost <= 0 {
			continue
		}
		target := c.rungFor(rec.PercentUsed())
		if target == rungNone {
			continue
		}

		key := rungKey{scope: rec.Scope, window: rec.Window}
		c.mu.Lock()
		current := c.rungs[key]
		if target <= current {
			c.mu.Unlock()
			continue
		}
		c.rungs[key] = target
		c.mu.Unlock()

		for r := current + 1; r <= target; r++ {
			switch r {
			case rungWarn:
				c.emitLadder(ctx, models.EventTypeBudgetWarning, rec)
			case rungThrottle:
				c.emitLadder(ctx, models.EventTypeBudgetThrottle, rec)
			case rungExhausted:
				if err := c.repo.MarkExhausted(ctx, rec.Scope, rec.Window, true); err != nil {
					slog.Error("Failed to mark scope exhausted",
						"scope", rec.Scope.String(), "window", rec.Window, "error", err)
				}
				c.emitLadder(ctx, models.EventTypeBudgetExhausted, rec)
			}
		}
	}
}

func (c *Controller) rungFor(pct float64) ladderRung {
	switch {
	case pct+ladderEpsilon >= c.cfg.HardPct:
		return rungExhausted
	case pct+ladderEpsilon >= c.cfg.ThrottlePct:
		return rungThrottle
	case pct+ladderEpsilon >= c.cfg.WarnPct:
		return rungWarn
	default:
		return rungNone
	}
}

// emitLadder persists and publishes one ladder event.
func (c *Controller) emitLadder(ctx context.Context, typ models.EventType, rec *models.BudgetRecord) {
	limit := 0.0
	if rec.LimitCost != nil {
		limit = *rec.LimitCost
	}
	payload, _ := json.Marshal(models.BudgetPayload{
		ScopeType: string(rec.Scope.Type),
		ScopeID:   rec.Scope.ID,
		Window:    string(rec.Window),
		Consumed:  rec.CostUSD,
		Limit:     limit,
		Percent:   rec.PercentUsed(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	evt := &models.Event{Type: typ, Source: "budget", Payload: payload}
	switch rec.Scope.Type {
	case models.ScopeAgent:
		evt.AgentID = rec.Scope.ID
	case models.ScopeTeam:
		evt.TeamID = rec.Scope.ID
	}

	_, err := c.bus.PublishPersisted(ctx, evt, func(e *models.Event) error {
		return c.repo.AppendEvent(ctx, e)
	})
	if err != nil {
		slog.Error("Failed to publish budget event",
			"type", typ, "scope", rec.Scope.String(), "window", rec.Window, "error", err)
	} else {
		slog.Info("Budget ladder crossed",
			"type", typ, "scope", rec.Scope.String(), "window", rec.Window,
			"consumed_usd", rec.CostUSD, "limit_usd", limit)
	}
}

func (c *Controller) clearRung(scope models.Scope, window models.Window) {
	c.mu.Lock()
	delete(c.rungs, rungKey{scope: scope, window: window})
	c.mu.Unlock()
}

// resetLoop fires at the configured wall-clock hour every day and zeroes
// the day windows.
func (c *Controller) resetLoop() {
	defer c.wg.Done()
	for {
		next := nextResetAfter(time.Now().UTC(), c.cfg.DailyResetHourUTC)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			c.resetDailyWindows(ctx)
			cancel()
		}
	}
}

// resetDailyWindows zeroes every day-window counter and restarts their
// ladders.
func (c *Controller) resetDailyWindows(ctx context.Context) {
	if err := c.repo.ResetWindow(ctx, models.WindowDay); err != nil {
		slog.Error("Daily budget window reset failed", "error", err)
		return
	}

	c.mu.Lock()
	for key := range c.rungs {
		if key.window == models.WindowDay {
			delete(c.rungs, key)
		}
	}
	c.mu.Unlock()

	slog.Info("Daily budget windows reset", "hour_utc", c.cfg.DailyResetHourUTC)
}

// nextResetAfter returns the next occurrence of the reset hour strictly
// after now.
func nextResetAfter(now time.Time, hourUTC int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
