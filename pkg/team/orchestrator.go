// Package team converts a team specification into a running cohort of
// agents and drives it to a terminal outcome. The Orchestrator owns the
// team rows the way the lifecycle manager owns agent rows: every status
// change happens under the per-team lock, and the aggregate state is
// recomputed from member terminal events rather than tracked incrementally.
// Dispatch itself is delegated to per-strategy drivers that call back into
// the lifecycle manager, so the orchestrator never holds a team lock across
// a blocking member operation.
package team

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flocklab/flock/pkg/budget"
	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/lifecycle"
	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

// source tags every event this package publishes.
const source = "team"

// defaultMemberPoll is the cadence drivers use to observe member and team
// state while waiting to dispatch.
const defaultMemberPoll = 50 * time.Millisecond

// itemMaxAttempts bounds how many agents one work item may burn before it
// is abandoned.
const itemMaxAttempts = 2

// lockRegistry hands out the per-team mutex. Entries are never removed; the
// map is bounded by the process-lifetime team count.
type lockRegistry struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{locks: make(map[string]*sync.Mutex)}
}

func (r *lockRegistry) get(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// MemberResult is the live-cache record of one settled dispatch. Item is
// the backlog index for work-queue teams and -1 for member-task teams.
type MemberResult struct {
	AgentID string `json:"agent_id"`
	Item    int    `json:"item"`
	Result  string `json:"result,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Status composes the persisted team row with live member states and the
// in-memory result cache.
type Status struct {
	Team         *models.Team    `json:"team"`
	Members      []*models.Agent `json:"members"`
	Results      []MemberResult  `json:"results,omitempty"`
	PendingItems int             `json:"pending_items,omitempty"`
}

// workItem is one backlog entry of a work-queue team.
type workItem struct {
	idx      int
	input    string
	attempts int
}

// teamRun is the in-memory half of a team: the backlog, the result cache,
// and the autoscaler samples. It does not survive a restart; recovery
// decides per strategy what that costs.
type teamRun struct {
	mu          sync.Mutex
	queue       []workItem
	queueTotal  int
	failedItems int
	inflight    map[string]workItem
	dispatched  map[string]bool
	results     []MemberResult
	completions []time.Time
	budgetDead  bool

	degradedAt       time.Time
	degradedFailures int
	lowSince         time.Time
	lastScale        time.Time
}

// Orchestrator drives teams of agents. All team status writes happen under
// the per-team lock; member operations go through the lifecycle manager and
// are never called with that lock held, except kills during teardown.
type Orchestrator struct {
	cfg    *config.OrchestratorConfig
	repo   store.Repository
	bus    *bus.Bus
	budget *budget.Controller
	agents *lifecycle.Manager

	locks *lockRegistry

	// memberPoll is overridable so tests can tighten the driver cadence.
	memberPoll time.Duration

	mu       sync.Mutex
	started  bool
	stopping bool
	runs     map[string]*teamRun
	runCtx   context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	sub       *bus.Subscription
	budgetSub *bus.Subscription
}

// New wires an orchestrator. Call Start before use.
func New(cfg *config.Config, repo store.Repository, eventBus *bus.Bus, budgetCtl *budget.Controller, agents *lifecycle.Manager) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg.Orchestrator,
		repo:       repo,
		bus:        eventBus,
		budget:     budgetCtl,
		agents:     agents,
		locks:      newLockRegistry(),
		memberPoll: defaultMemberPoll,
		runs:       make(map[string]*teamRun),
	}
}

// Start subscribes to member terminal events, reconciles teams persisted by
// a previous process, and launches the autoscaler. The lifecycle manager
// must already be running: recovery relies on it having settled the agents
// whose dispatch was lost.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started: %w", models.ErrInvalidState)
	}
	o.runCtx, o.cancel = context.WithCancel(context.Background())
	o.started = true
	o.mu.Unlock()

	sub, err := o.bus.Subscribe("team-orchestrator", models.EventFilter{
		Types: []models.EventType{
			models.EventTypeAgentCompleted,
			models.EventTypeAgentFailed,
			models.EventTypeAgentKilled,
		},
	}, bus.ModeAsync, o.onMemberTerminal)
	if err != nil {
		o.abortStart()
		return fmt.Errorf("failed to subscribe to member events: %w", err)
	}
	o.sub = sub

	budgetSub, err := o.bus.Subscribe("team-budget-sentinel", models.EventFilter{
		Types: []models.EventType{models.EventTypeBudgetExhausted},
	}, bus.ModeSync, o.onBudgetExhausted)
	if err != nil {
		o.bus.Unsubscribe(sub)
		o.abortStart()
		return fmt.Errorf("failed to subscribe to budget events: %w", err)
	}
	o.budgetSub = budgetSub

	if err := o.recoverTeams(ctx); err != nil {
		o.bus.Unsubscribe(sub)
		o.bus.Unsubscribe(budgetSub)
		o.abortStart()
		return err
	}

	o.wg.Add(1)
	go o.autoscaleLoop()

	slog.Info("Team orchestrator started")
	return nil
}

func (o *Orchestrator) abortStart() {
	o.mu.Lock()
	o.started = false
	o.mu.Unlock()
	o.cancel()
}

// Stop detaches from the bus and waits for the drivers to park. Teams are
// left as persisted; the next Start reconciles them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started || o.stopping {
		o.mu.Unlock()
		return nil
	}
	o.stopping = true
	o.mu.Unlock()

	o.bus.Unsubscribe(o.sub)
	o.bus.Unsubscribe(o.budgetSub)
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Team orchestrator stopped with drivers still draining")
		return ctx.Err()
	}
	slog.Info("Team orchestrator stopped")
	return nil
}

// recoverTeams reconciles persisted teams after a restart. Pending rows are
// creations that never finished; queue, pipeline and map_reduce teams carry
// in-memory progress that is gone, so they fail; parallel and tree teams
// are re-evaluated, which restarts their member drivers.
func (o *Orchestrator) recoverTeams(ctx context.Context) error {
	teams, err := o.repo.ListTeams(ctx, models.TeamFilters{
		Statuses: []models.TeamStatus{
			models.TeamStatusPending,
			models.TeamStatusRunning,
			models.TeamStatusPaused,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to list teams for recovery: %w", err)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })

	for _, t := range teams {
		var reason string
		switch {
		case t.Status == models.TeamStatusPending:
			reason = "creation interrupted by restart"
		case len(t.Config.Items) > 0:
			reason = "work backlog lost in restart"
		case t.Config.Strategy == models.StrategyPipeline || t.Config.Strategy == models.StrategyMapReduce:
			reason = "stage progress lost in restart"
		default:
			o.evaluate(ctx, t.ID)
			continue
		}
		if err := o.destroyTeam(ctx, t.ID, reason); err != nil {
			slog.Warn("Failed to fail team during recovery", "team_id", t.ID, "error", err)
		}
	}
	return nil
}

// CreateTeam persists the team, reserves its allocation from the project
// and global scopes, spawns the strategy's starting roster, and flips the
// row to running. A failure anywhere unwinds: spawned members are killed,
// the reservation is released, and the row is marked failed.
func (o *Orchestrator) CreateTeam(ctx context.Context, spec models.TeamSpec) (string, error) {
	if err := o.requireActive(); err != nil {
		return "", err
	}
	cfg, err := o.teamConfig(&spec)
	if err != nil {
		return "", err
	}

	team := &models.Team{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Task:      spec.Task,
		Status:    models.TeamStatusPending,
		ProjectID: spec.ProjectID,
		Config:    *cfg,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.repo.CreateTeam(ctx, team); err != nil {
		return "", fmt.Errorf("failed to persist team: %w", err)
	}

	if err := o.budget.Reserve(ctx, spec.Budget, budget.ScopesFor("", "", spec.ProjectID)...); err != nil {
		o.unwindCreation(ctx, team.ID, err)
		return "", err
	}
	// BudgetAllocated doubles as the release marker: it is persisted only
	// once the reservation actually went through.
	team, err = o.repo.UpdateTeam(ctx, team.ID, func(t *models.Team) error {
		t.BudgetAllocated = spec.Budget
		return nil
	})
	if err != nil {
		o.unwindCreation(ctx, team.ID, err)
		return "", fmt.Errorf("failed to record team allocation: %w", err)
	}
	if spec.Budget > 0 {
		limit := spec.Budget
		scope := models.Scope{Type: models.ScopeTeam, ID: team.ID}
		if err := o.budget.SetLimit(ctx, scope, models.WindowLifetime, &limit, nil); err != nil {
			o.unwindCreation(ctx, team.ID, err)
			return "", err
		}
	}

	ids, err := o.spawnInitialMembers(ctx, team)
	if err != nil {
		o.unwindCreation(ctx, team.ID, err)
		return "", err
	}

	activated, err := o.repo.UpdateTeam(ctx, team.ID, func(t *models.Team) error {
		if t.Status != models.TeamStatusPending {
			return fmt.Errorf("team %s is %s: %w", t.ID, t.Status, models.ErrInvalidState)
		}
		t.AgentIDs = ids
		t.Status = models.TeamStatusRunning
		return nil
	})
	if err != nil {
		o.unwindCreation(ctx, team.ID, err)
		return "", fmt.Errorf("failed to activate team: %w", err)
	}

	o.publish(ctx, models.EventTypeTeamCreated, activated.ID, teamPayload(activated, ""))
	o.publish(ctx, models.EventTypeTeamRunning, activated.ID, teamPayload(activated, ""))

	o.startDrivers(activated)
	o.evaluate(ctx, activated.ID)

	slog.Info("Team created",
		"team_id", activated.ID, "strategy", cfg.Strategy,
		"size", cfg.DesiredSize, "budget", spec.Budget)
	return activated.ID, nil
}

func (o *Orchestrator) unwindCreation(ctx context.Context, teamID string, cause error) {
	if err := o.destroyTeam(ctx, teamID, cause.Error()); err != nil {
		slog.Error("Failed to unwind team creation", "team_id", teamID, "error", err)
	}
}

// teamConfig validates the spec and fills strategy defaults.
func (o *Orchestrator) teamConfig(spec *models.TeamSpec) (*models.TeamConfig, error) {
	if spec.Task == "" {
		return nil, models.NewValidationError("task", "must not be empty")
	}
	if spec.Budget < 0 {
		return nil, models.NewValidationError("budget", "must not be negative")
	}
	if spec.Strategy == "" {
		spec.Strategy = models.StrategyParallel
	}
	if err := models.StrategyValidator(spec.Strategy); err != nil {
		return nil, err
	}
	if spec.Size < 1 {
		return nil, models.NewValidationError("size", "must be at least 1")
	}
	switch spec.Strategy {
	case models.StrategyMapReduce:
		if spec.Size < 2 {
			return nil, models.NewValidationError("size", "map_reduce needs at least one mapper plus the reducer")
		}
	case models.StrategyTree:
		if spec.Size != 1 {
			return nil, models.NewValidationError("size", "tree teams start from a single coordinator")
		}
	}
	if len(spec.Items) > 0 && spec.Strategy != models.StrategyParallel {
		return nil, models.NewValidationError("items", "work items require the parallel strategy")
	}

	min := spec.MinSize
	if min < 1 {
		min = 1
	}
	max := spec.MaxSize
	if max < 1 {
		max = spec.Size
	}
	if max > o.cfg.MaxTeamSize {
		return nil, fmt.Errorf("max_size %d exceeds the configured team cap %d: %w",
			max, o.cfg.MaxTeamSize, models.ErrCapacityExceeded)
	}
	if min > max || spec.Size < min || spec.Size > max {
		return nil, models.NewValidationError("size",
			fmt.Sprintf("size %d outside [%d, %d]", spec.Size, min, max))
	}

	fb := spec.FailureBudget
	if fb.Count < 0 {
		return nil, models.NewValidationError("failure_budget.count", "must not be negative")
	}
	if fb.Fraction < 0 || fb.Fraction > 1 {
		return nil, models.NewValidationError("failure_budget.fraction", "must be in [0, 1]")
	}

	as := spec.AutoScale
	if as.Enabled {
		if spec.Strategy != models.StrategyParallel {
			return nil, models.NewValidationError("auto_scale", "autoscaling requires the parallel strategy")
		}
		if as.MinInterval <= 0 {
			as.MinInterval = o.cfg.ScaleMinInterval
		}
		if as.SustainedWindow <= 0 {
			as.SustainedWindow = 2 * o.cfg.AutoScaleInterval
		}
		if as.LowWatermark <= 0 {
			as.LowWatermark = 0.25
		}
		if as.ScaleUpThreshold <= 0 {
			as.ScaleUpThreshold = time.Minute
		}
	}

	maxDepth := spec.MaxTreeDepth
	if maxDepth <= 0 {
		maxDepth = o.cfg.MaxTreeDepth
	}

	return &models.TeamConfig{
		DesiredSize:      spec.Size,
		MinSize:          min,
		MaxSize:          max,
		Strategy:         spec.Strategy,
		FailureBudget:    fb,
		AutoScale:        as,
		MaxTreeDepth:     maxDepth,
		Items:            spec.Items,
		DisallowSubTeam:  spec.DisallowSubTeam,
		TaskSpec:         spec.TaskSpec,
		SafetyBoundaries: spec.SafetyBoundaries,
		SharedContext:    spec.SharedContext,
		Model:            spec.Model,
		Provider:         spec.Provider,
	}, nil
}

// spawnInitialMembers brings up the starting roster. Work-queue teams spawn
// nothing here; their pump creates one agent per backlog item as slots
// free up.
func (o *Orchestrator) spawnInitialMembers(ctx context.Context, team *models.Team) ([]string, error) {
	if len(team.Config.Items) > 0 {
		return nil, nil
	}
	size := team.Config.DesiredSize
	ids := make([]string, 0, size)
	for i := 0; i < size; i++ {
		req := models.SpawnRequest{
			Label:            memberLabel(team, i),
			Model:            team.Config.Model,
			Provider:         team.Config.Provider,
			Task:             team.Task,
			TaskSpec:         team.Config.TaskSpec,
			TeamID:           team.ID,
			BudgetLimit:      o.memberShare(team, size),
			SafetyBoundaries: team.Config.SafetyBoundaries,
			Metadata:         memberMetadata(team, i),
		}
		if team.Config.Strategy == models.StrategyMapReduce {
			if i == size-1 {
				req.BudgetLimit = o.reducerShare(team)
			} else {
				req.BudgetLimit = o.memberShare(team, size-1)
			}
		}
		id, err := o.agents.Spawn(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("failed to spawn member %d of %d: %w", i+1, size, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// memberShare splits the allocation net of the coordination holdback across
// n members. Zero allocation means uncapped members.
func (o *Orchestrator) memberShare(team *models.Team, n int) float64 {
	if team.BudgetAllocated <= 0 || n < 1 {
		return 0
	}
	pool := team.BudgetAllocated * (1 - o.cfg.CoordinatorOverheadPct)
	return pool / float64(n)
}

// reducerShare is the coordination holdback, spent on the reduce step.
func (o *Orchestrator) reducerShare(team *models.Team) float64 {
	if team.BudgetAllocated <= 0 {
		return 0
	}
	return team.BudgetAllocated * o.cfg.CoordinatorOverheadPct
}

func teamBase(team *models.Team) string {
	if team.Name != "" {
		return team.Name
	}
	if len(team.ID) >= 8 {
		return team.ID[:8]
	}
	return team.ID
}

func memberLabel(team *models.Team, i int) string {
	base := teamBase(team)
	switch team.Config.Strategy {
	case models.StrategyPipeline:
		return fmt.Sprintf("%s-stage-%d", base, i+1)
	case models.StrategyMapReduce:
		if i == team.Config.DesiredSize-1 {
			return base + "-reducer"
		}
		return fmt.Sprintf("%s-mapper-%d", base, i+1)
	case models.StrategyTree:
		return base + "-coordinator"
	default:
		return fmt.Sprintf("%s-worker-%d", base, i+1)
	}
}

// memberMetadata seeds the agent's metadata from the team's shared context,
// then layers the role and spawn restrictions on top.
func memberMetadata(team *models.Team, i int) map[string]string {
	role := "worker"
	switch team.Config.Strategy {
	case models.StrategyPipeline:
		role = "stage"
	case models.StrategyMapReduce:
		role = "mapper"
		if i == team.Config.DesiredSize-1 {
			role = "reducer"
		}
	case models.StrategyTree:
		role = "coordinator"
	}
	md := make(map[string]string, len(team.Config.SharedContext)+2)
	for k, v := range team.Config.SharedContext {
		md[k] = v
	}
	md["team_role"] = role
	if team.Config.DisallowSubTeam {
		md["no_subteams"] = "true"
	}
	return md
}

// Scale resizes a running parallel team on operator request. The target is
// clamped to [min_size, max_size] silently; the emitted team_scaled event
// reports the delta actually applied.
func (o *Orchestrator) Scale(ctx context.Context, teamID string, req models.ScaleRequest) (int, error) {
	if err := o.requireActive(); err != nil {
		return 0, err
	}
	return o.scale(ctx, teamID, req, "operator")
}

func (o *Orchestrator) scale(ctx context.Context, teamID string, req models.ScaleRequest, reason string) (int, error) {
	if req.Target == nil && req.Delta == 0 {
		return 0, models.NewValidationError("scale", "either delta or target is required")
	}
	if req.Target != nil && *req.Target < 0 {
		return 0, models.NewValidationError("target", "must not be negative")
	}

	lock := o.locks.get(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := o.repo.GetTeam(ctx, teamID)
	if err != nil {
		return 0, err
	}
	if team.Config.Strategy != models.StrategyParallel {
		return 0, fmt.Errorf("scaling requires the parallel strategy, team %s is %s: %w",
			teamID, team.Config.Strategy, models.ErrInvalidInput)
	}
	if team.Status != models.TeamStatusRunning {
		return 0, fmt.Errorf("team %s is %s: %w", teamID, team.Status, models.ErrInvalidState)
	}

	live, err := o.liveMembers(ctx, teamID)
	if err != nil {
		return 0, err
	}

	// DesiredSize is the size of record in both modes. Members are killed
	// only when more are live than the new size allows; queue teams leave
	// growth to the pump.
	current := team.Config.DesiredSize
	target := current + req.Delta
	if req.Target != nil {
		target = *req.Target
	}
	clamped := clampSize(target, team.Config.MinSize, team.Config.MaxSize)
	requested := target - current

	var spawned []string
	var spawnErr error
	newSize := clamped

	if clamped > current && len(team.Config.Items) == 0 {
		spawned, spawnErr = o.growTeam(ctx, team, clamped-current, clamped)
		newSize = current + len(spawned)
	} else if excess := len(live) - clamped; excess > 0 {
		o.killVictims(ctx, teamID, pickVictims(live, excess))
	}

	updated, err := o.repo.UpdateTeam(ctx, teamID, func(t *models.Team) error {
		t.Config.DesiredSize = newSize
		t.AgentIDs = append(t.AgentIDs, spawned...)
		t.Metrics.ScaleEvents++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to persist scale: %w", err)
	}

	o.markScaled(teamID)
	o.publish(ctx, models.EventTypeTeamScaled, teamID, models.TeamScaledPayload{
		TeamID:         teamID,
		RequestedDelta: requested,
		EffectiveDelta: newSize - current,
		NewSize:        newSize,
		Reason:         reason,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	})
	slog.Info("Team scaled",
		"team_id", teamID, "requested", requested,
		"effective", newSize-current, "new_size", newSize, "reason", reason)

	for _, id := range spawned {
		o.startMemberDriver(updated.ID, id, updated.Task)
	}
	return newSize, spawnErr
}

// growTeam spawns n additional workers, each capped at an equal share of
// the pool at the new size. A spawn failure stops the growth; whatever came
// up stays up.
func (o *Orchestrator) growTeam(ctx context.Context, team *models.Team, n, newSize int) ([]string, error) {
	share := o.memberShare(team, newSize)
	spawned := make([]string, 0, n)
	next := len(team.AgentIDs)
	for len(spawned) < n {
		next++
		id, err := o.agents.Spawn(ctx, models.SpawnRequest{
			Label:            fmt.Sprintf("%s-worker-%d", teamBase(team), next),
			Model:            team.Config.Model,
			Provider:         team.Config.Provider,
			Task:             team.Task,
			TaskSpec:         team.Config.TaskSpec,
			TeamID:           team.ID,
			BudgetLimit:      share,
			SafetyBoundaries: team.Config.SafetyBoundaries,
			Metadata:         memberMetadata(team, 0),
		})
		if err != nil {
			return spawned, fmt.Errorf("failed to spawn worker: %w", err)
		}
		spawned = append(spawned, id)
	}
	return spawned, nil
}

func clampSize(target, min, max int) int {
	if target < min {
		return min
	}
	if target > max {
		return max
	}
	return target
}

// pickVictims orders live members by how little is lost killing them:
// spawning, then idle, then paused, then running by least accumulated
// runtime.
func pickVictims(live []*models.Agent, n int) []*models.Agent {
	rank := func(a *models.Agent) int {
		switch a.State {
		case models.AgentStateSpawning:
			return 0
		case models.AgentStateIdle:
			return 1
		case models.AgentStatePaused:
			return 2
		default:
			return 3
		}
	}
	sorted := append([]*models.Agent(nil), live...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := rank(sorted[i]), rank(sorted[j])
		if ri != rj {
			return ri < rj
		}
		if sorted[i].RuntimeMS != sorted[j].RuntimeMS {
			return sorted[i].RuntimeMS < sorted[j].RuntimeMS
		}
		return sorted[i].ID < sorted[j].ID
	})
	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

func (o *Orchestrator) killVictims(ctx context.Context, teamID string, victims []*models.Agent) {
	for _, a := range victims {
		if err := o.agents.Kill(ctx, a.ID); err != nil &&
			!errors.Is(err, models.ErrInvalidState) && !errors.Is(err, models.ErrNotFound) {
			slog.Warn("Failed to kill scale victim", "team_id", teamID, "agent_id", a.ID, "error", err)
		}
	}
}

// Pause holds a running team: the row flips first so drivers stop
// dispatching, then running members are paused, discarding their in-flight
// results.
func (o *Orchestrator) Pause(ctx context.Context, teamID string) error {
	if err := o.requireActive(); err != nil {
		return err
	}
	lock := o.locks.get(teamID)
	lock.Lock()
	defer lock.Unlock()

	updated, err := o.repo.UpdateTeam(ctx, teamID, func(t *models.Team) error {
		if t.Status != models.TeamStatusRunning {
			return fmt.Errorf("team %s is %s: %w", t.ID, t.Status, models.ErrInvalidState)
		}
		t.Status = models.TeamStatusPaused
		return nil
	})
	if err != nil {
		return err
	}

	members, err := o.liveMembers(ctx, teamID)
	if err != nil {
		return err
	}
	o.pauseMembers(ctx, members)

	o.publish(ctx, models.EventTypeTeamPaused, teamID, teamPayload(updated, ""))
	slog.Info("Team paused", "team_id", teamID)
	return nil
}

// Resume releases a paused team. Paused members return to idle and the
// reconcile pass in evaluate restarts any drivers that ended while the team
// was held.
func (o *Orchestrator) Resume(ctx context.Context, teamID string) error {
	if err := o.requireActive(); err != nil {
		return err
	}
	lock := o.locks.get(teamID)
	lock.Lock()

	updated, err := o.repo.UpdateTeam(ctx, teamID, func(t *models.Team) error {
		if t.Status != models.TeamStatusPaused {
			return fmt.Errorf("team %s is %s: %w", t.ID, t.Status, models.ErrInvalidState)
		}
		t.Status = models.TeamStatusRunning
		return nil
	})
	if err != nil {
		lock.Unlock()
		return err
	}

	members, err := o.liveMembers(ctx, teamID)
	if err != nil {
		lock.Unlock()
		return err
	}
	for _, a := range members {
		if a.State != models.AgentStatePaused {
			continue
		}
		if err := o.agents.Resume(ctx, a.ID); err != nil &&
			!errors.Is(err, models.ErrInvalidState) && !errors.Is(err, models.ErrNotFound) {
			slog.Warn("Failed to resume member", "agent_id", a.ID, "error", err)
		}
	}

	if run := o.peekRun(teamID); run != nil {
		run.mu.Lock()
		run.degradedAt = time.Time{}
		run.mu.Unlock()
	}

	o.publish(ctx, models.EventTypeTeamResumed, teamID, teamPayload(updated, ""))
	slog.Info("Team resumed", "team_id", teamID)
	lock.Unlock()

	o.evaluate(ctx, teamID)
	return nil
}

// Destroy kills every live member and fails the team. Destroying a terminal
// team is a no-op.
func (o *Orchestrator) Destroy(ctx context.Context, teamID string) error {
	if err := o.requireActive(); err != nil {
		return err
	}
	return o.destroyTeam(ctx, teamID, "destroyed by operator")
}

func (o *Orchestrator) destroyTeam(ctx context.Context, teamID, reason string) error {
	lock := o.locks.get(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := o.repo.GetTeam(ctx, teamID)
	if err != nil {
		return err
	}
	if team.Status.IsTerminal() {
		return nil
	}
	return o.finishLocked(ctx, team, true, reason)
}

// finishLocked commits a terminal status under the already-held team lock.
// Failed teams have their live members killed in parallel first; either way
// the unspent reservation is returned to the scopes it came from.
func (o *Orchestrator) finishLocked(ctx context.Context, team *models.Team, failed bool, reason string) error {
	if failed {
		if run := o.peekRun(team.ID); run != nil {
			run.mu.Lock()
			run.queue = nil
			run.mu.Unlock()
		}
		members, err := o.liveMembers(ctx, team.ID)
		if err != nil {
			return fmt.Errorf("failed to list members: %w", err)
		}
		var wg sync.WaitGroup
		for _, a := range members {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if err := o.agents.Kill(ctx, id); err != nil &&
					!errors.Is(err, models.ErrInvalidState) && !errors.Is(err, models.ErrNotFound) {
					slog.Warn("Failed to kill team member", "team_id", team.ID, "agent_id", id, "error", err)
				}
			}(a.ID)
		}
		wg.Wait()
	}

	members, err := o.repo.ListAgents(ctx, models.AgentFilters{TeamID: team.ID})
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	consumed := o.teamConsumption(ctx, team.ID)

	status := models.TeamStatusCompleted
	typ := models.EventTypeTeamCompleted
	if failed {
		status = models.TeamStatusFailed
		typ = models.EventTypeTeamFailed
	}
	updated, err := o.repo.UpdateTeam(ctx, team.ID, func(t *models.Team) error {
		if t.Status.IsTerminal() {
			return fmt.Errorf("team %s is %s: %w", t.ID, t.Status, models.ErrInvalidState)
		}
		t.Status = status
		now := time.Now().UTC()
		t.CompletedAt = &now
		t.BudgetConsumed = consumed
		t.Metrics.CountsByState = countStates(members)
		if t.BudgetAllocated > 0 {
			t.Metrics.BudgetRemaining = t.BudgetAllocated - consumed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			return nil
		}
		return fmt.Errorf("failed to finish team: %w", err)
	}

	o.releaseRemainder(ctx, updated)
	o.publish(ctx, typ, team.ID, teamPayload(updated, reason))
	slog.Info("Team finished", "team_id", team.ID, "status", status, "reason", reason, "consumed", consumed)
	return nil
}

// releaseRemainder returns the unspent slice of a finished team's
// reservation. Member debits stop at the team scope, so the project and
// global scopes settle to actual consumption once this credit lands.
func (o *Orchestrator) releaseRemainder(ctx context.Context, t *models.Team) {
	if t.BudgetAllocated <= 0 {
		return
	}
	remainder := t.BudgetAllocated - t.BudgetConsumed
	if remainder <= store.CostEpsilon {
		return
	}
	if err := o.budget.Release(ctx, remainder, budget.ScopesFor("", "", t.ProjectID)...); err != nil {
		slog.Error("Failed to release team reservation remainder", "team_id", t.ID, "error", err)
	}
}

// Get returns the persisted team row.
func (o *Orchestrator) Get(ctx context.Context, teamID string) (*models.Team, error) {
	return o.repo.GetTeam(ctx, teamID)
}

// List returns persisted teams matching the filters.
func (o *Orchestrator) List(ctx context.Context, filters models.TeamFilters) ([]*models.Team, error) {
	return o.repo.ListTeams(ctx, filters)
}

// TeamStatus composes the persisted row, live member states, and the result
// cache. It takes no team lock and never blocks on member operations.
func (o *Orchestrator) TeamStatus(ctx context.Context, teamID string) (*Status, error) {
	team, err := o.repo.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	members, err := o.repo.ListAgents(ctx, models.AgentFilters{TeamID: teamID})
	if err != nil {
		return nil, err
	}
	team.Metrics.CountsByState = countStates(members)
	if !team.Status.IsTerminal() {
		team.BudgetConsumed = o.teamConsumption(ctx, teamID)
	}
	if team.BudgetAllocated > 0 {
		team.Metrics.BudgetRemaining = team.BudgetAllocated - team.BudgetConsumed
	}

	st := &Status{Team: team, Members: members}
	if run := o.peekRun(teamID); run != nil {
		run.mu.Lock()
		st.Results = append([]MemberResult(nil), run.results...)
		st.PendingItems = len(run.queue)
		run.mu.Unlock()
	}
	return st, nil
}

// onMemberTerminal re-derives the aggregate state of the member's team.
func (o *Orchestrator) onMemberTerminal(ctx context.Context, evt *models.Event) error {
	if evt.TeamID == "" {
		return nil
	}
	o.evaluate(ctx, evt.TeamID)
	return nil
}

// onBudgetExhausted marks teams whose spend scope ran out. The subscription
// is synchronous so the marker is set before the denied debit returns to the
// member that tripped it; that member's own terminal event then carries the
// team into evaluate. The handler runs inside the publish and must not
// publish or touch the store itself.
func (o *Orchestrator) onBudgetExhausted(ctx context.Context, evt *models.Event) error {
	var p models.BudgetPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode budget payload: %w", err)
	}
	switch models.ScopeType(p.ScopeType) {
	case models.ScopeTeam:
		o.markBudgetDead(p.ScopeID)
	case models.ScopeGlobal:
		o.mu.Lock()
		ids := make([]string, 0, len(o.runs))
		for id := range o.runs {
			ids = append(ids, id)
		}
		o.mu.Unlock()
		for _, id := range ids {
			o.markBudgetDead(id)
		}
	}
	return nil
}

func (o *Orchestrator) markBudgetDead(teamID string) {
	run := o.run(teamID)
	run.mu.Lock()
	run.budgetDead = true
	run.mu.Unlock()
}

func (o *Orchestrator) budgetDead(teamID string) bool {
	run := o.peekRun(teamID)
	if run == nil {
		return false
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.budgetDead
}

// evaluate recomputes one team's aggregate state under its lock: reconcile
// missing drivers, check the failure budget, and commit a terminal outcome
// when the strategy says the team is done. It is idempotent.
func (o *Orchestrator) evaluate(ctx context.Context, teamID string) {
	lock := o.locks.get(teamID)
	lock.Lock()
	defer lock.Unlock()

	team, err := o.repo.GetTeam(ctx, teamID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			slog.Error("Failed to load team for evaluation", "team_id", teamID, "error", err)
		}
		return
	}
	if team.Status.IsTerminal() || team.Status == models.TeamStatusPending {
		return
	}

	if o.budgetDead(teamID) {
		if err := o.finishLocked(ctx, team, true, "budget exhausted"); err != nil {
			slog.Error("Failed to fail budget-exhausted team", "team_id", teamID, "error", err)
		}
		return
	}

	members, err := o.repo.ListAgents(ctx, models.AgentFilters{TeamID: teamID})
	if err != nil {
		slog.Error("Failed to list team members", "team_id", teamID, "error", err)
		return
	}
	counts := countStates(members)

	if team.Status == models.TeamStatusRunning {
		if o.degradeIfBreached(ctx, team, members, counts) {
			return
		}
		o.reconcileDrivers(team, members)
	}

	done, failed := o.strategyOutcome(ctx, team, members, counts)
	if !done {
		return
	}
	reason := ""
	if failed {
		reason = "failure budget exceeded"
	}
	if err := o.finishLocked(ctx, team, failed, reason); err != nil {
		slog.Error("Failed to commit team outcome", "team_id", teamID, "error", err)
	}
}

// degradeIfBreached pauses the team when member failures cross the failure
// budget and live members remain to pause. The failure watermark keeps a
// resumed team from re-degrading on the same breach; only new failures
// trigger again. Pipelines are exempt: their first failure fails the team.
func (o *Orchestrator) degradeIfBreached(ctx context.Context, team *models.Team, members []*models.Agent, counts map[models.AgentState]int) bool {
	if team.Config.Strategy == models.StrategyPipeline {
		return false
	}

	run := o.run(team.ID)
	failures := counts[models.AgentStateFailed]
	size := team.Config.DesiredSize
	if len(team.Config.Items) > 0 {
		run.mu.Lock()
		failures = run.failedItems
		size = run.queueTotal
		run.mu.Unlock()
	}
	live := 0
	for _, a := range members {
		if a.State.IsLive() {
			live++
		}
	}
	if live == 0 || !team.Config.FailureBudget.Exceeded(failures, size) {
		return false
	}

	run.mu.Lock()
	if failures <= run.degradedFailures {
		run.mu.Unlock()
		return false
	}
	run.degradedFailures = failures
	degradedAt := time.Now()
	run.degradedAt = degradedAt
	run.mu.Unlock()

	updated, err := o.repo.UpdateTeam(ctx, team.ID, func(t *models.Team) error {
		if t.Status != models.TeamStatusRunning {
			return fmt.Errorf("team %s is %s: %w", t.ID, t.Status, models.ErrInvalidState)
		}
		t.Status = models.TeamStatusPaused
		return nil
	})
	if err != nil {
		slog.Error("Failed to pause degraded team", "team_id", team.ID, "error", err)
		return false
	}
	o.pauseMembers(ctx, members)

	o.publish(ctx, models.EventTypeTeamDegraded, team.ID, models.TeamDegradedPayload{
		TeamID:       team.ID,
		FailedAgents: failures,
		DesiredSize:  size,
		BudgetCount:  team.Config.FailureBudget.Count,
		BudgetFrac:   team.Config.FailureBudget.Fraction,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	})
	slog.Warn("Team degraded",
		"team_id", team.ID, "failures", failures, "size", size, "status", updated.Status)

	if o.cfg.DegradedAbortAfter > 0 {
		o.goTracked(func() { o.degradedAbort(team.ID, degradedAt) })
	}
	return true
}

// degradedAbort destroys the team if it still sits in the same degradation
// when the configured timer fires.
func (o *Orchestrator) degradedAbort(teamID string, at time.Time) {
	select {
	case <-o.runCtx.Done():
		return
	case <-time.After(o.cfg.DegradedAbortAfter):
	}
	run := o.run(teamID)
	run.mu.Lock()
	still := run.degradedAt.Equal(at)
	run.mu.Unlock()
	if !still {
		return
	}
	if err := o.destroyTeam(o.runCtx, teamID, "degraded auto-abort"); err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Error("Failed to auto-abort degraded team", "team_id", teamID, "error", err)
	}
}

// reconcileDrivers restarts member drivers that are missing, covering both
// restart recovery and operator retries of failed members. Only parallel
// and tree dispatch is re-derivable from persisted state.
func (o *Orchestrator) reconcileDrivers(team *models.Team, members []*models.Agent) {
	if len(team.Config.Items) > 0 {
		return
	}
	switch team.Config.Strategy {
	case models.StrategyParallel:
		for _, a := range members {
			if a.State == models.AgentStateSpawning || a.State == models.AgentStateIdle {
				o.startMemberDriver(team.ID, a.ID, team.Task)
			}
		}
	case models.StrategyTree:
		if len(team.AgentIDs) == 0 {
			return
		}
		rootID := team.AgentIDs[0]
		for _, a := range members {
			if a.ID == rootID && a.State.IsLive() {
				o.startMemberDriver(team.ID, rootID, team.Task)
			}
		}
	}
}

// strategyOutcome reports whether the team reached a terminal aggregate
// state, and whether that state is a failure.
func (o *Orchestrator) strategyOutcome(ctx context.Context, team *models.Team, members []*models.Agent, counts map[models.AgentState]int) (bool, bool) {
	live := 0
	byID := make(map[string]*models.Agent, len(members))
	for _, a := range members {
		byID[a.ID] = a
		if a.State.IsLive() {
			live++
		}
	}

	if len(team.Config.Items) > 0 {
		run := o.peekRun(team.ID)
		if run == nil {
			return false, false
		}
		run.mu.Lock()
		pending, busy, failedItems, total := len(run.queue), len(run.inflight), run.failedItems, run.queueTotal
		run.mu.Unlock()
		if pending > 0 || busy > 0 || live > 0 {
			return false, false
		}
		return true, team.Config.FailureBudget.Exceeded(failedItems, total)
	}

	switch team.Config.Strategy {
	case models.StrategyParallel:
		if live > 0 || len(members) == 0 {
			return false, false
		}
		return true, team.Config.FailureBudget.Exceeded(counts[models.AgentStateFailed], team.Config.DesiredSize)

	case models.StrategyPipeline:
		if counts[models.AgentStateFailed] > 0 || counts[models.AgentStateKilled] > 0 {
			return true, true
		}
		if live == 0 {
			return true, false
		}
		return false, false

	case models.StrategyMapReduce:
		if len(team.AgentIDs) == 0 {
			return false, false
		}
		reducer := byID[team.AgentIDs[len(team.AgentIDs)-1]]
		if reducer == nil || !reducer.State.IsTerminal() {
			return false, false
		}
		return true, reducer.State != models.AgentStateCompleted

	case models.StrategyTree:
		if len(team.AgentIDs) == 0 {
			return false, false
		}
		root := byID[team.AgentIDs[0]]
		if root == nil || !o.subtreeTerminal(ctx, root) {
			return false, false
		}
		return true, root.State != models.AgentStateCompleted
	}
	return false, false
}

// subtreeTerminal walks the coordinator's children depth-first.
func (o *Orchestrator) subtreeTerminal(ctx context.Context, a *models.Agent) bool {
	if !a.State.IsTerminal() {
		return false
	}
	for _, childID := range a.ChildIDs {
		child, err := o.repo.GetAgent(ctx, childID)
		if err != nil {
			slog.Warn("Failed to read subtree member", "agent_id", childID, "error", err)
			return false
		}
		if !o.subtreeTerminal(ctx, child) {
			return false
		}
	}
	return true
}

func (o *Orchestrator) pauseMembers(ctx context.Context, members []*models.Agent) {
	for _, a := range members {
		if a.State != models.AgentStateRunning {
			continue
		}
		if err := o.agents.Pause(ctx, a.ID); err != nil &&
			!errors.Is(err, models.ErrInvalidState) && !errors.Is(err, models.ErrNotFound) {
			slog.Warn("Failed to pause member", "agent_id", a.ID, "error", err)
		}
	}
}

func (o *Orchestrator) liveMembers(ctx context.Context, teamID string) ([]*models.Agent, error) {
	return o.repo.ListAgents(ctx, models.AgentFilters{TeamID: teamID, States: liveStates()})
}

func liveStates() []models.AgentState {
	return []models.AgentState{
		models.AgentStateSpawning,
		models.AgentStateIdle,
		models.AgentStateRunning,
		models.AgentStatePaused,
	}
}

func countStates(members []*models.Agent) map[models.AgentState]int {
	counts := make(map[models.AgentState]int, len(members))
	for _, a := range members {
		counts[a.State]++
	}
	return counts
}

// teamConsumption reads the team scope's lifetime cost.
func (o *Orchestrator) teamConsumption(ctx context.Context, teamID string) float64 {
	rec, err := o.repo.GetBudget(ctx, models.Scope{Type: models.ScopeTeam, ID: teamID}, models.WindowLifetime)
	if err != nil {
		slog.Warn("Failed to read team consumption", "team_id", teamID, "error", err)
		return 0
	}
	return rec.CostUSD
}

func teamPayload(t *models.Team, errMsg string) models.TeamLifecyclePayload {
	return models.TeamLifecyclePayload{
		TeamID:    t.ID,
		Name:      t.Name,
		Status:    t.Status,
		Strategy:  t.Config.Strategy,
		Size:      t.Config.DesiredSize,
		Consumed:  t.BudgetConsumed,
		Allocated: t.BudgetAllocated,
		Error:     errMsg,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// publish appends and publishes one team event.
func (o *Orchestrator) publish(ctx context.Context, typ models.EventType, teamID string, payload any) {
	body, _ := json.Marshal(payload)
	evt := &models.Event{Type: typ, Source: source, TeamID: teamID, Payload: body}
	if _, err := o.bus.PublishPersisted(ctx, evt, func(e *models.Event) error {
		return o.repo.AppendEvent(ctx, e)
	}); err != nil {
		slog.Error("Failed to publish team event", "team_id", teamID, "type", typ, "error", err)
	}
}

func (o *Orchestrator) requireActive() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.stopping {
		return fmt.Errorf("orchestrator is not accepting requests: %w", models.ErrInvalidState)
	}
	return nil
}

// run returns the live cache for a team, creating it on first touch.
func (o *Orchestrator) run(teamID string) *teamRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[teamID]
	if !ok {
		r = &teamRun{
			inflight:   make(map[string]workItem),
			dispatched: make(map[string]bool),
		}
		o.runs[teamID] = r
	}
	return r
}

func (o *Orchestrator) peekRun(teamID string) *teamRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[teamID]
}

func (o *Orchestrator) markScaled(teamID string) {
	run := o.run(teamID)
	run.mu.Lock()
	run.lastScale = time.Now()
	run.mu.Unlock()
}

// goTracked launches a goroutine tied to the orchestrator's lifetime.
// Nothing starts once Stop has begun waiting.
func (o *Orchestrator) goTracked(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.stopping {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}
