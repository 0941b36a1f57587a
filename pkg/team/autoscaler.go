package team

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/flocklab/flock/pkg/models"
)

// autoscaleLoop periodically reviews every running parallel team that
// opted in. Each pass adds at most one agent per team when the backlog
// projects past the scale-up threshold, and removes one after sustained
// low utilization.
func (o *Orchestrator) autoscaleLoop() {
	defer o.wg.Done()
	interval := o.cfg.AutoScaleInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.runCtx.Done():
			return
		case <-ticker.C:
			o.autoscaleOnce(o.runCtx)
		}
	}
}

func (o *Orchestrator) autoscaleOnce(ctx context.Context) {
	teams, err := o.repo.ListTeams(ctx, models.TeamFilters{
		Statuses: []models.TeamStatus{models.TeamStatusRunning},
	})
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("Failed to list teams for autoscaling", "error", err)
		}
		return
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	for _, t := range teams {
		if t.Config.Strategy != models.StrategyParallel || !t.Config.AutoScale.Enabled {
			continue
		}
		o.autoscaleTeam(ctx, t)
	}
}

func (o *Orchestrator) autoscaleTeam(ctx context.Context, team *models.Team) {
	as := team.Config.AutoScale
	run := o.run(team.ID)

	run.mu.Lock()
	if !run.lastScale.IsZero() && time.Since(run.lastScale) < as.MinInterval {
		run.mu.Unlock()
		return
	}
	pending := len(run.queue)
	busy := len(run.inflight)
	throughput := throughputOf(run.completions)
	run.mu.Unlock()

	queueMode := len(team.Config.Items) > 0

	if queueMode && pending > 0 && throughput > 0 && team.Config.DesiredSize < team.Config.MaxSize {
		projected := time.Duration(float64(pending) / throughput * float64(time.Second))
		if projected > as.ScaleUpThreshold && o.scaleBudgetOK(ctx, team) {
			o.applyAutoscale(ctx, team.ID, 1)
			return
		}
	}

	utilization, ok := o.utilizationOf(ctx, team, busy)
	if !ok {
		return
	}

	if utilization < as.LowWatermark && team.Config.DesiredSize > team.Config.MinSize {
		run.mu.Lock()
		if run.lowSince.IsZero() {
			run.lowSince = time.Now()
			run.mu.Unlock()
			return
		}
		sustained := time.Since(run.lowSince) >= as.SustainedWindow
		if sustained {
			run.lowSince = time.Time{}
		}
		run.mu.Unlock()
		if sustained {
			o.applyAutoscale(ctx, team.ID, -1)
		}
		return
	}

	run.mu.Lock()
	run.lowSince = time.Time{}
	run.mu.Unlock()
}

// utilizationOf measures how much of the desired concurrency is doing
// work: in-flight items for queue teams, running members otherwise.
func (o *Orchestrator) utilizationOf(ctx context.Context, team *models.Team, busy int) (float64, bool) {
	if team.Config.DesiredSize <= 0 {
		return 0, false
	}
	if len(team.Config.Items) > 0 {
		return float64(busy) / float64(team.Config.DesiredSize), true
	}
	members, err := o.repo.ListAgents(ctx, models.AgentFilters{
		TeamID: team.ID,
		States: []models.AgentState{models.AgentStateRunning},
	})
	if err != nil {
		slog.Warn("Failed to measure team utilization", "team_id", team.ID, "error", err)
		return 0, false
	}
	return float64(len(members)) / float64(team.Config.DesiredSize), true
}

// scaleBudgetOK reports whether the unspent allocation covers one more
// member share. Unbudgeted teams always pass.
func (o *Orchestrator) scaleBudgetOK(ctx context.Context, team *models.Team) bool {
	if team.BudgetAllocated <= 0 {
		return true
	}
	remaining := team.BudgetAllocated - o.teamConsumption(ctx, team.ID)
	return o.memberShare(team, team.Config.DesiredSize+1) <= remaining
}

func (o *Orchestrator) applyAutoscale(ctx context.Context, teamID string, delta int) {
	newSize, err := o.scale(ctx, teamID, models.ScaleRequest{Delta: delta}, "autoscale")
	if err != nil {
		if !errors.Is(err, models.ErrInvalidState) && ctx.Err() == nil {
			slog.Warn("Autoscale change failed", "team_id", teamID, "delta", delta, "error", err)
		}
		return
	}
	slog.Info("Autoscaled team", "team_id", teamID, "delta", delta, "new_size", newSize)
}

// throughputOf estimates completions per second over the sample window.
func throughputOf(samples []time.Time) float64 {
	if len(samples) < 2 {
		return 0
	}
	span := time.Since(samples[0]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(len(samples)) / span
}
