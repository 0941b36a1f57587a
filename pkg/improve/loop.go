// Package improve runs the auto-improvement loop. On a fixed cadence it
// sweeps a small set of fast health checks and turns each breached check into
// one tightly bounded corrective team. The loop spends from its own project
// scope under a dedicated daily ceiling, so improvement work competes with
// itself, never with operator teams.
package improve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flocklab/flock/pkg/budget"
	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

// ProjectID is the budget project scope all improvement teams spend from.
const ProjectID = "improve"

// cycleTimeout bounds one full cycle, checks and submissions included.
const cycleTimeout = 30 * time.Second

// maxFilesPerTask caps how many files one improvement task may touch.
const maxFilesPerTask = 16

// Health check names. They are wire-stable: they appear in cycle events and
// in the names of the teams the loop creates.
const (
	CheckFailedFraction = "failed_fraction"
	CheckBusDropRate    = "bus_drop_rate"
	CheckBudgetBurnRate = "budget_burn_rate"
)

// Submitter is the slice of the team orchestrator the loop needs.
type Submitter interface {
	CreateTeam(ctx context.Context, spec models.TeamSpec) (string, error)
}

// Check is the outcome of one health probe. A zero threshold disables the
// probe; it still runs and reports its value.
type Check struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Breached  bool    `json:"breached"`
}

// Loop is the auto-improvement controller.
type Loop struct {
	cfg    *config.ImproveConfig
	repo   store.Repository
	bus    *bus.Bus
	budget *budget.Controller
	teams  Submitter

	// mu guards the cycle counter and the bus counter snapshot taken at the
	// end of the previous cycle; drop rates are computed over the delta.
	mu            sync.Mutex
	started       bool
	cycle         int
	prevPublished uint64
	prevDropped   uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates the loop. Call Start to apply the daily ceiling and begin the
// scheduled cycles.
func New(cfg *config.ImproveConfig, repo store.Repository, eventBus *bus.Bus, budgetCtl *budget.Controller, teams Submitter) *Loop {
	return &Loop{
		cfg:    cfg,
		repo:   repo,
		bus:    eventBus,
		budget: budgetCtl,
		teams:  teams,
		stopCh: make(chan struct{}),
	}
}

// Scope returns the loop's own budget scope.
func Scope() models.Scope {
	return models.Scope{Type: models.ScopeProject, ID: ProjectID}
}

// Start applies the loop's daily cost ceiling and launches the cycle ticker.
// A disabled loop starts as a no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	if !l.cfg.Enabled {
		slog.Info("Auto-improvement loop disabled")
		return nil
	}

	capUSD := l.cfg.DailyCostCap
	if err := l.budget.SetLimit(ctx, Scope(), models.WindowDay, &capUSD, nil); err != nil {
		return fmt.Errorf("failed to apply improvement daily ceiling: %w", err)
	}

	// Baseline the bus counters so the first cycle measures its own interval
	// rather than everything since process start.
	published, dropped := l.bus.Stats()
	l.mu.Lock()
	l.prevPublished, l.prevDropped = published, dropped
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run()
	slog.Info("Auto-improvement loop started",
		"interval", l.cfg.Interval,
		"cycle_cost_cap_usd", l.cfg.CycleCostCap,
		"daily_cost_cap_usd", l.cfg.DailyCostCap)
	return nil
}

// Stop halts the scheduler and waits for an in-flight cycle to finish. Safe
// to call more than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
			if _, err := l.RunCycle(ctx); err != nil {
				slog.Error("Improvement cycle failed", "error", err)
			}
			cancel()
		}
	}
}

// RunCycle executes one cycle immediately: probe, submit corrective teams,
// summarize. Every completed cycle publishes exactly one
// auto_improvement_cycle event, healthy or not.
func (l *Loop) RunCycle(ctx context.Context) (*models.ImprovementCyclePayload, error) {
	start := time.Now()

	l.mu.Lock()
	l.cycle++
	cycle := l.cycle
	l.mu.Unlock()

	checks, err := l.runChecks(ctx)
	if err != nil {
		return nil, err
	}

	var breached []Check
	var failed []string
	for _, chk := range checks {
		if chk.Breached {
			breached = append(breached, chk)
			failed = append(failed, chk.Name)
		}
	}

	created, clipped := l.submit(ctx, breached)

	payload := &models.ImprovementCyclePayload{
		Cycle:         cycle,
		ChecksRun:     len(checks),
		ChecksFailed:  failed,
		TeamsCreated:  created,
		BudgetClipped: clipped,
		DurationMS:    time.Since(start).Milliseconds(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	l.publishSummary(ctx, payload)

	slog.Info("Improvement cycle finished",
		"cycle", cycle, "checks_failed", len(failed), "teams_created", len(created))
	return payload, nil
}

// runChecks probes in a fixed order. Probes only read counters; the whole
// sweep finishes in seconds.
func (l *Loop) runChecks(ctx context.Context) ([]Check, error) {
	failedFrac, err := l.failedFraction(ctx)
	if err != nil {
		return nil, err
	}
	drop := l.dropRate()
	burn, err := l.burnRate(ctx)
	if err != nil {
		return nil, err
	}
	return []Check{failedFrac, drop, burn}, nil
}

// failedFraction measures the share of agents spawned inside the lookback
// window that ended up failed.
func (l *Loop) failedFraction(ctx context.Context) (Check, error) {
	chk := Check{Name: CheckFailedFraction, Threshold: l.cfg.FailedFractionThreshold}
	agents, err := l.repo.ListAgents(ctx, models.AgentFilters{})
	if err != nil {
		return chk, fmt.Errorf("failed to list agents: %w", err)
	}

	cutoff := time.Now().Add(-l.window())
	total, failedCount := 0, 0
	for _, a := range agents {
		if a.SpawnedAt.Before(cutoff) {
			continue
		}
		total++
		if a.State == models.AgentStateFailed {
			failedCount++
		}
	}
	if total > 0 {
		chk.Value = float64(failedCount) / float64(total)
	}
	chk.Breached = breachedCheck(chk.Value, chk.Threshold)
	return chk, nil
}

// dropRate measures async queue drops as a share of events published since
// the previous cycle.
func (l *Loop) dropRate() Check {
	chk := Check{Name: CheckBusDropRate, Threshold: l.cfg.DropRateThreshold}
	published, dropped := l.bus.Stats()

	l.mu.Lock()
	dPub := published - l.prevPublished
	dDrop := dropped - l.prevDropped
	l.prevPublished, l.prevDropped = published, dropped
	l.mu.Unlock()

	if dPub > 0 {
		chk.Value = float64(dDrop) / float64(dPub)
	}
	chk.Breached = breachedCheck(chk.Value, chk.Threshold)
	return chk
}

// burnRate measures global day-window consumption against its limit. An
// uncapped global scope reads zero.
func (l *Loop) burnRate(ctx context.Context) (Check, error) {
	chk := Check{Name: CheckBudgetBurnRate, Threshold: l.cfg.BurnRateThreshold}
	st, err := l.budget.Status(ctx, models.GlobalScope)
	if err != nil {
		return chk, err
	}
	chk.Value = st.Day.PercentUsed()
	chk.Breached = breachedCheck(chk.Value, chk.Threshold)
	return chk, nil
}

func breachedCheck(value, threshold float64) bool {
	return threshold > 0 && value >= threshold
}

// submit turns breached checks into corrective teams. The cycle cap bounds
// the cycle's total allocation, so multiple breaches split it evenly. A
// denied submission (typically the daily ceiling) skips that team; the rest
// of the cycle proceeds.
func (l *Loop) submit(ctx context.Context, breached []Check) (created []string, clipped bool) {
	if len(breached) == 0 {
		return nil, false
	}

	share := l.cfg.CycleCostCap
	if len(breached) > 1 {
		share = l.cfg.CycleCostCap / float64(len(breached))
		clipped = true
	}

	for _, chk := range breached {
		id, err := l.teams.CreateTeam(ctx, l.teamSpec(chk, share))
		if err != nil {
			slog.Warn("Improvement team rejected",
				"check", chk.Name, "budget_usd", share, "error", err)
			continue
		}
		slog.Info("Improvement team created",
			"check", chk.Name, "team_id", id, "budget_usd", share)
		created = append(created, id)
	}
	return created, clipped
}

// teamSpec builds the bounded corrective team for one breached check. Every
// bound the safety policy names is explicit: path scope, file count,
// duration, and cost. Members may not spawn sub-teams.
func (l *Loop) teamSpec(chk Check, budgetUSD float64) models.TeamSpec {
	return models.TeamSpec{
		Name:     "improve-" + strings.ReplaceAll(chk.Name, "_", "-"),
		Task:     taskFor(chk),
		Size:     1,
		Budget:   budgetUSD,
		Strategy: models.StrategyParallel,
		TaskSpec: &models.TaskSpec{
			Scope:       append([]string(nil), l.cfg.AllowedPaths...),
			Objective:   objectiveFor(chk),
			MaxFiles:    maxFilesPerTask,
			MaxDuration: models.Duration(l.window()),
			MaxCost:     budgetUSD,
		},
		SafetyBoundaries: models.SafetyBoundaries{
			AllowedPaths: append([]string(nil), l.cfg.AllowedPaths...),
		},
		SharedContext:   map[string]string{"origin": "auto-improvement", "check": chk.Name},
		ProjectID:       ProjectID,
		DisallowSubTeam: true,
	}
}

func taskFor(chk Check) string {
	switch chk.Name {
	case CheckFailedFraction:
		return fmt.Sprintf(
			"%.0f%% of recently spawned agents failed (threshold %.0f%%). "+
				"Review recent agent_failed events, identify the dominant cause, and prepare a fix.",
			chk.Value*100, chk.Threshold*100)
	case CheckBusDropRate:
		return fmt.Sprintf(
			"%.2f%% of events published since the last cycle were dropped from "+
				"async subscriber queues (threshold %.2f%%). Find the lagging "+
				"subscribers and relieve the backlog.",
			chk.Value*100, chk.Threshold*100)
	case CheckBudgetBurnRate:
		return fmt.Sprintf(
			"The global day budget is %.0f%% consumed (threshold %.0f%%). "+
				"Rank the heaviest consumers and flag runaway teams.",
			chk.Value*100, chk.Threshold*100)
	}
	return fmt.Sprintf("Health check %s breached: %.4f over threshold %.4f.",
		chk.Name, chk.Value, chk.Threshold)
}

func objectiveFor(chk Check) string {
	switch chk.Name {
	case CheckFailedFraction:
		return "reduce the agent failure rate"
	case CheckBusDropRate:
		return "eliminate event bus subscriber lag"
	case CheckBudgetBurnRate:
		return "slow the global budget burn"
	}
	return "restore the breached health check"
}

// publishSummary persists and publishes the cycle's single summary event.
func (l *Loop) publishSummary(ctx context.Context, p *models.ImprovementCyclePayload) {
	data, _ := json.Marshal(p)
	evt := &models.Event{Type: models.EventTypeAutoImprovementCycle, Source: "improve", Payload: data}
	_, err := l.bus.PublishPersisted(ctx, evt, func(e *models.Event) error {
		return l.repo.AppendEvent(ctx, e)
	})
	if err != nil {
		slog.Error("Failed to publish improvement cycle summary", "cycle", p.Cycle, "error", err)
	}
}

// window is the lookback for rate checks, one cycle interval.
func (l *Loop) window() time.Duration {
	if l.cfg.Interval > 0 {
		return l.cfg.Interval
	}
	return 15 * time.Minute
}
