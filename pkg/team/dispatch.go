package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flocklab/flock/pkg/models"
)

// completionWindow caps the success samples kept for throughput estimation.
const completionWindow = 32

// startDrivers launches the dispatch machinery for a freshly created team.
// Work-queue teams get a pump that spawns one agent per backlog item up to
// the concurrency target; the other strategies drive the fixed roster.
func (o *Orchestrator) startDrivers(team *models.Team) {
	if len(team.Config.Items) > 0 {
		o.seedQueue(team)
		o.goTracked(func() { o.pumpQueue(team.ID) })
		return
	}
	switch team.Config.Strategy {
	case models.StrategyParallel:
		for _, id := range team.AgentIDs {
			o.startMemberDriver(team.ID, id, team.Task)
		}
	case models.StrategyPipeline:
		o.goTracked(func() { o.runPipeline(team) })
	case models.StrategyMapReduce:
		o.goTracked(func() { o.runMapReduce(team) })
	case models.StrategyTree:
		if len(team.AgentIDs) > 0 {
			o.startMemberDriver(team.ID, team.AgentIDs[0], team.Task)
		}
	}
}

// startMemberDriver dispatches one member once. The dispatched set keeps
// reconcile passes from doubling up on a member that already has a driver.
func (o *Orchestrator) startMemberDriver(teamID, agentID, task string) {
	o.goTracked(func() {
		run := o.run(teamID)
		run.mu.Lock()
		if run.dispatched[agentID] {
			run.mu.Unlock()
			return
		}
		run.dispatched[agentID] = true
		run.mu.Unlock()
		defer func() {
			run.mu.Lock()
			delete(run.dispatched, agentID)
			run.mu.Unlock()
		}()

		result, err := o.dispatchMember(teamID, agentID, task)
		if o.runCtx.Err() != nil {
			return
		}
		if err == nil {
			o.recordResult(teamID, MemberResult{AgentID: agentID, Item: -1, Result: result})
		} else if !errors.Is(err, models.ErrInvalidState) {
			o.recordResult(teamID, MemberResult{AgentID: agentID, Item: -1, Err: err.Error()})
		}
		o.evaluate(o.runCtx, teamID)
	})
}

// dispatchMember blocks until the member accepts the input and returns its
// result. A pause observed mid-dispatch parks the send and retries once the
// team and member come back; a terminal team or member ends the dispatch
// with ErrInvalidState.
func (o *Orchestrator) dispatchMember(teamID, agentID, input string) (string, error) {
	for {
		if err := o.awaitTeamRunning(teamID); err != nil {
			return "", err
		}
		if err := o.awaitIdle(agentID); err != nil {
			return "", err
		}
		res, err := o.agents.Send(o.runCtx, agentID, input, nil)
		switch {
		case err == nil:
			return res.Result, nil
		case o.runCtx.Err() != nil:
			return "", o.runCtx.Err()
		case errors.Is(err, models.ErrInvalidState):
			// Paused or killed mid-flight; the next await settles which.
			continue
		default:
			return "", err
		}
	}
}

// awaitTeamRunning polls until the team is running. Paused holds the
// dispatch; a terminal team aborts it.
func (o *Orchestrator) awaitTeamRunning(teamID string) error {
	for {
		team, err := o.repo.GetTeam(o.runCtx, teamID)
		if err != nil {
			return err
		}
		switch {
		case team.Status == models.TeamStatusRunning:
			return nil
		case team.Status.IsTerminal():
			return fmt.Errorf("team %s is %s: %w", teamID, team.Status, models.ErrInvalidState)
		}
		select {
		case <-o.runCtx.Done():
			return o.runCtx.Err()
		case <-time.After(o.memberPoll):
		}
	}
}

// awaitIdle polls until the member can accept a send.
func (o *Orchestrator) awaitIdle(agentID string) error {
	for {
		a, err := o.agents.Get(o.runCtx, agentID)
		if err != nil {
			return err
		}
		switch {
		case a.State == models.AgentStateIdle:
			return nil
		case a.State.IsTerminal():
			return fmt.Errorf("agent %s is %s: %w", agentID, a.State, models.ErrInvalidState)
		}
		select {
		case <-o.runCtx.Done():
			return o.runCtx.Err()
		case <-time.After(o.memberPoll):
		}
	}
}

// recordResult appends to the team's live result cache.
func (o *Orchestrator) recordResult(teamID string, r MemberResult) {
	run := o.run(teamID)
	run.mu.Lock()
	defer run.mu.Unlock()
	run.results = append(run.results, r)
	if r.Err == "" {
		run.markCompletion()
	}
}

// markCompletion appends a success sample. Caller holds run.mu.
func (run *teamRun) markCompletion() {
	run.completions = append(run.completions, time.Now())
	if len(run.completions) > completionWindow {
		run.completions = run.completions[len(run.completions)-completionWindow:]
	}
}

// runPipeline feeds each stage the previous stage's result, starting from
// the team task. The first stage error stops the chain; evaluate fails the
// team off the stage's terminal state.
func (o *Orchestrator) runPipeline(team *models.Team) {
	input := team.Task
	for _, agentID := range team.AgentIDs {
		result, err := o.dispatchMember(team.ID, agentID, input)
		if o.runCtx.Err() != nil {
			return
		}
		if err != nil {
			o.evaluate(o.runCtx, team.ID)
			return
		}
		o.recordResult(team.ID, MemberResult{AgentID: agentID, Item: -1, Result: result})
		input = result
	}
	o.evaluate(o.runCtx, team.ID)
}

// runMapReduce dispatches every mapper on the team task, then feeds the
// successful outputs to the reducer joined in spawn order. All mappers
// failing destroys the team; partial failure reduces what succeeded.
func (o *Orchestrator) runMapReduce(team *models.Team) {
	n := len(team.AgentIDs)
	if n < 2 {
		return
	}
	mappers := team.AgentIDs[:n-1]
	reducerID := team.AgentIDs[n-1]

	results := make([]string, len(mappers))
	errs := make([]error, len(mappers))
	var wg sync.WaitGroup
	for i, id := range mappers {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = o.dispatchMember(team.ID, id, team.Task)
			if errs[i] == nil {
				o.recordResult(team.ID, MemberResult{AgentID: id, Item: -1, Result: results[i]})
			}
		}(i, id)
	}
	wg.Wait()
	if o.runCtx.Err() != nil {
		return
	}

	parts := make([]string, 0, len(results))
	for i, res := range results {
		if errs[i] == nil {
			parts = append(parts, res)
		}
	}
	if len(parts) == 0 {
		if err := o.destroyTeam(o.runCtx, team.ID, "every mapper failed"); err != nil {
			slog.Error("Failed to fail map_reduce team", "team_id", team.ID, "error", err)
		}
		return
	}

	result, err := o.dispatchMember(team.ID, reducerID, strings.Join(parts, "\n"))
	if o.runCtx.Err() != nil {
		return
	}
	if err == nil {
		o.recordResult(team.ID, MemberResult{AgentID: reducerID, Item: -1, Result: result})
	}
	o.evaluate(o.runCtx, team.ID)
}

// seedQueue loads the backlog once. queueTotal doubling as the seeded flag
// keeps a second call from re-queueing items.
func (o *Orchestrator) seedQueue(team *models.Team) {
	run := o.run(team.ID)
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.queueTotal > 0 {
		return
	}
	for i, input := range team.Config.Items {
		run.queue = append(run.queue, workItem{idx: i, input: input})
	}
	run.queueTotal = len(team.Config.Items)
}

// pumpQueue tops the team up with item agents until the backlog drains or
// the team goes terminal.
func (o *Orchestrator) pumpQueue(teamID string) {
	if o.pumpOnce(teamID) {
		return
	}
	ticker := time.NewTicker(o.memberPoll)
	defer ticker.Stop()
	for {
		select {
		case <-o.runCtx.Done():
			return
		case <-ticker.C:
			if o.pumpOnce(teamID) {
				return
			}
		}
	}
}

// pumpOnce spawns item agents into the free concurrency slots. It reports
// whether the pump is finished with this team.
func (o *Orchestrator) pumpOnce(teamID string) bool {
	ctx := o.runCtx
	team, err := o.repo.GetTeam(ctx, teamID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || ctx.Err() != nil {
			return true
		}
		slog.Warn("Failed to read team in queue pump", "team_id", teamID, "error", err)
		return false
	}
	if team.Status.IsTerminal() {
		return true
	}
	if team.Status != models.TeamStatusRunning {
		return false
	}

	run := o.run(teamID)
	run.mu.Lock()
	pending := len(run.queue)
	busy := len(run.inflight)
	run.mu.Unlock()

	if pending == 0 {
		if busy == 0 {
			// Terminal settlement happens in evaluate; the next tick
			// observes the committed status and stops the pump.
			o.evaluate(ctx, teamID)
		}
		return false
	}

	slots := team.Config.DesiredSize - busy
	for i := 0; i < slots; i++ {
		run.mu.Lock()
		if len(run.queue) == 0 {
			run.mu.Unlock()
			return false
		}
		item := run.queue[0]
		run.queue = run.queue[1:]
		run.mu.Unlock()

		agentID, err := o.spawnItemAgent(ctx, team, item)
		if err != nil {
			run.mu.Lock()
			run.queue = append([]workItem{item}, run.queue...)
			run.mu.Unlock()
			if errors.Is(err, models.ErrBudgetDenied) {
				if derr := o.destroyTeam(ctx, teamID, "insufficient budget for remaining work"); derr != nil {
					slog.Error("Failed to fail starved queue team", "team_id", teamID, "error", derr)
				}
				return true
			}
			if !errors.Is(err, models.ErrCapacityExceeded) {
				slog.Warn("Failed to spawn item agent", "team_id", teamID, "item", item.idx, "error", err)
			}
			return false
		}

		run.mu.Lock()
		run.inflight[agentID] = item
		run.mu.Unlock()
		o.startItemDriver(teamID, agentID, item)
	}
	return false
}

func (o *Orchestrator) spawnItemAgent(ctx context.Context, team *models.Team, item workItem) (string, error) {
	return o.agents.Spawn(ctx, models.SpawnRequest{
		Label:            fmt.Sprintf("%s-item-%d", teamBase(team), item.idx+1),
		Model:            team.Config.Model,
		Provider:         team.Config.Provider,
		Task:             item.input,
		TaskSpec:         team.Config.TaskSpec,
		TeamID:           team.ID,
		BudgetLimit:      o.memberShare(team, len(team.Config.Items)),
		SafetyBoundaries: team.Config.SafetyBoundaries,
		Metadata:         memberMetadata(team, 0),
	})
}

func (o *Orchestrator) startItemDriver(teamID, agentID string, item workItem) {
	o.goTracked(func() {
		result, err := o.dispatchMember(teamID, agentID, item.input)
		if o.runCtx.Err() != nil {
			return
		}
		o.settleItem(o.runCtx, teamID, agentID, item, result, err)
	})
}

// settleItem routes one item dispatch outcome: success records the result,
// a scale-down kill requeues the item without burning an attempt, a failure
// retries on a fresh agent until the attempt cap abandons the item.
func (o *Orchestrator) settleItem(ctx context.Context, teamID, agentID string, item workItem, result string, dispatchErr error) {
	agentKilled := false
	if dispatchErr != nil {
		if a, err := o.repo.GetAgent(ctx, agentID); err == nil && a.State == models.AgentStateKilled {
			agentKilled = true
		}
	}

	run := o.run(teamID)
	run.mu.Lock()
	delete(run.inflight, agentID)
	switch {
	case dispatchErr == nil:
		run.results = append(run.results, MemberResult{AgentID: agentID, Item: item.idx, Result: result})
		run.markCompletion()
	case agentKilled:
		run.queue = append(run.queue, item)
	case item.attempts+1 < itemMaxAttempts:
		item.attempts++
		run.queue = append(run.queue, item)
	default:
		run.failedItems++
		run.results = append(run.results, MemberResult{AgentID: agentID, Item: item.idx, Err: dispatchErr.Error()})
	}
	run.mu.Unlock()

	o.evaluate(ctx, teamID)
}
