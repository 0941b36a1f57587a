// Package lifecycle owns the agent state machine. The Manager is the only
// writer of agent state: every transition is validated against the table in
// models, persisted together with its lifecycle event in one store
// transaction, and only then published on the bus. Session execution is
// delegated to a runtime.Provider; failures come back classified as
// retryable or fatal and the manager spends the agent's retry budget
// accordingly.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/flocklab/flock/pkg/budget"
	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/config"
	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/runtime"
	"github.com/flocklab/flock/pkg/store"
)

// source tags every event this package publishes.
const source = "lifecycle"

// liveStates are the states that count against the concurrency cap.
func liveStates() []models.AgentState {
	return []models.AgentState{
		models.AgentStateSpawning,
		models.AgentStateIdle,
		models.AgentStateRunning,
		models.AgentStatePaused,
	}
}

// lockRegistry hands out the per-agent mutex. Entries are never removed; the
// map is bounded by the process-lifetime agent count.
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

// runTrack ties an in-flight dispatch to its agent. The token guards against
// a stale run settling a newer dispatch after a pause/resume cycle.
type runTrack struct {
	token string
	since time.Time
}

// Manager owns the agent state machine. All writers funnel through the
// per-agent locks and the transition helper, which commits the row and its
// event atomically before the event becomes visible to subscribers.
type Manager struct {
	cfg          *config.LifecycleConfig
	maxTreeDepth int

	repo     store.Repository
	bus      *bus.Bus
	budget   *budget.Controller
	provider runtime.Provider

	locks *lockRegistry

	// spawnMu serializes the live-count capacity check against concurrent
	// spawns and retries.
	spawnMu sync.Mutex

	// mu guards the state flags, in-flight run claims, and the reaper's
	// pending kills.
	mu           sync.Mutex
	started      bool
	stopping     bool
	runs         map[string]runTrack
	pendingKills map[string]*killTask

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a lifecycle manager over the given store, bus, budget
// controller, and runtime provider. cfg is the full loaded configuration;
// the manager reads the lifecycle section plus the orchestrator tree depth
// cap. Call Start before use.
func New(cfg *config.Config, repo store.Repository, eventBus *bus.Bus, budgetCtl *budget.Controller, provider runtime.Provider) *Manager {
	return &Manager{
		cfg:          cfg.Lifecycle,
		maxTreeDepth: cfg.Orchestrator.MaxTreeDepth,
		repo:         repo,
		bus:          eventBus,
		budget:       budgetCtl,
		provider:     provider,
		locks:        newLockRegistry(),
		runs:         make(map[string]runTrack),
		pendingKills: make(map[string]*killTask),
	}
}

// Start recovers agents interrupted by a previous run and launches the kill
// reaper. Safe to call more than once.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	m.started = true
	m.mu.Unlock()

	if err := m.recoverInterrupted(ctx); err != nil {
		m.cancel()
		m.mu.Lock()
		m.started = false
		m.mu.Unlock()
		return fmt.Errorf("failed to recover interrupted agents: %w", err)
	}

	m.wg.Add(1)
	go m.reapLoop()

	slog.Info("Lifecycle manager started",
		"provider", m.provider.Name(),
		"max_concurrent_agents", m.cfg.MaxConcurrentAgents)
	return nil
}

// Stop drains the manager: new spawns, sends, and retries are refused,
// running agents get the shutdown grace to finish, and whatever is still
// live afterwards is force-killed in ascending id order.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	m.mu.Unlock()

	slog.Info("Lifecycle manager draining", "shutdown_grace", m.cfg.ShutdownGrace)
	deadline := time.NewTimer(m.cfg.ShutdownGrace)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
drain:
	for {
		running, err := m.repo.ListAgents(ctx, models.AgentFilters{
			States: []models.AgentState{models.AgentStateRunning},
		})
		if err != nil || len(running) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-deadline.C:
			break drain
		case <-tick.C:
		}
	}

	live, err := m.repo.ListAgents(ctx, models.AgentFilters{States: liveStates()})
	if err != nil {
		slog.Error("Failed to list live agents for shutdown kill", "error", err)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	for _, a := range live {
		if err := m.Kill(ctx, a.ID); err != nil {
			slog.Warn("Forced kill failed during shutdown", "agent_id", a.ID, "error", err)
		}
	}

	m.cancel()
	m.wg.Wait()
	slog.Info("Lifecycle manager stopped")
	return nil
}

// recoverInterrupted adopts non-terminal agents left behind by a previous
// process: interrupted spawns get a fresh driver, while running agents lost
// their dispatcher with the process and are failed outright.
func (m *Manager) recoverInterrupted(ctx context.Context) error {
	agents, err := m.repo.ListAgents(ctx, models.AgentFilters{
		States: []models.AgentState{models.AgentStateSpawning, models.AgentStateRunning},
	})
	if err != nil {
		return err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	for _, a := range agents {
		switch a.State {
		case models.AgentStateSpawning:
			slog.Info("Resuming interrupted spawn", "agent_id", a.ID, "retry_count", a.RetryCount)
			m.startSpawnDriver(a.ID, false)
		case models.AgentStateRunning:
			slog.Warn("Failing agent orphaned by restart", "agent_id", a.ID, "session_key", a.SessionKey)
			key := a.SessionKey
			lock := m.locks.get(a.ID)
			lock.Lock()
			_, terr := m.transition(ctx, a.ID, models.AgentStateFailed, func(a *models.Agent) {
				a.LastError = "dispatch lost in restart"
				now := time.Now().UTC()
				a.CompletedAt = &now
			})
			lock.Unlock()
			if terr != nil {
				return terr
			}
			m.killSession(ctx, a.ID, key)
		}
	}
	return nil
}

// Spawn validates the request, writes the spawning record and its event in
// one transaction, and submits the session spawn to the provider in the
// background. It returns before the session is ready.
func (m *Manager) Spawn(ctx context.Context, req models.SpawnRequest) (string, error) {
	if err := m.requireActive(); err != nil {
		return "", err
	}
	if req.Task == "" {
		return "", models.NewValidationError("task", "must not be empty")
	}
	if req.MaxRetries < 0 {
		return "", models.NewValidationError("max_retries", "must not be negative")
	}
	if req.BudgetLimit < 0 {
		return "", models.NewValidationError("budget_limit", "must not be negative")
	}

	var parent *models.Agent
	if req.ParentID != "" {
		var err error
		parent, err = m.checkAncestry(ctx, req.ParentID)
		if err != nil {
			return "", err
		}
		if req.TeamID == "" {
			req.TeamID = parent.TeamID
		}
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	live, err := m.liveCount(ctx)
	if err != nil {
		return "", err
	}
	if live >= m.cfg.MaxConcurrentAgents {
		return "", fmt.Errorf("%d live agents at the configured cap %d: %w",
			live, m.cfg.MaxConcurrentAgents, models.ErrCapacityExceeded)
	}

	scopes := budget.ScopesFor("", req.TeamID, "")
	if parent != nil {
		scopes = append([]models.Scope{{Type: models.ScopeAgent, ID: parent.ID}}, scopes...)
	}
	if err := m.budget.AuthorizeSpawn(ctx, req.BudgetLimit, scopes...); err != nil {
		return "", err
	}

	agent := &models.Agent{
		ID:               uuid.NewString(),
		Label:            req.Label,
		Model:            req.Model,
		Provider:         req.Provider,
		Task:             req.Task,
		TaskSpec:         req.TaskSpec,
		State:            models.AgentStateSpawning,
		TeamID:           req.TeamID,
		ParentID:         req.ParentID,
		MaxRetries:       req.MaxRetries,
		BudgetLimit:      req.BudgetLimit,
		SafetyBoundaries: req.SafetyBoundaries,
		SpawnedAt:        time.Now().UTC(),
		Metadata:         req.Metadata,
	}
	if agent.MaxRetries == 0 {
		agent.MaxRetries = m.cfg.DefaultMaxRetries
	}
	if agent.Provider == "" {
		agent.Provider = m.provider.Name()
	}

	if agent.BudgetLimit > 0 {
		limit := agent.BudgetLimit
		scope := models.Scope{Type: models.ScopeAgent, ID: agent.ID}
		if err := m.budget.SetLimit(ctx, scope, models.WindowLifetime, &limit, nil); err != nil {
			return "", err
		}
	}

	evt := &models.Event{
		Type:    models.EventTypeAgentSpawning,
		Source:  source,
		AgentID: agent.ID,
		TeamID:  agent.TeamID,
	}
	if _, err := m.bus.PublishPersisted(ctx, evt, func(stamped *models.Event) error {
		stamped.Payload = lifecyclePayload(agent, "", stamped.Timestamp)
		return m.repo.CreateAgent(ctx, agent, stamped)
	}); err != nil {
		return "", fmt.Errorf("failed to create agent: %w", err)
	}

	if parent != nil {
		if _, err := m.repo.Transition(ctx, parent.ID, func(p *models.Agent) error {
			p.ChildIDs = append(p.ChildIDs, agent.ID)
			return nil
		}, nil); err != nil {
			slog.Warn("Failed to record child on parent",
				"parent_id", parent.ID, "agent_id", agent.ID, "error", err)
		}
	}

	m.startSpawnDriver(agent.ID, false)
	slog.Info("Agent spawn accepted",
		"agent_id", agent.ID, "team_id", agent.TeamID, "label", agent.Label)
	return agent.ID, nil
}

// checkAncestry verifies the parent exists and is live, and that adding a
// child would neither exceed the tree depth cap nor close a cycle.
func (m *Manager) checkAncestry(ctx context.Context, parentID string) (*models.Agent, error) {
	var parent *models.Agent
	seen := make(map[string]struct{})
	depth := 0
	for id := parentID; id != ""; {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("agent ancestry contains a cycle at %s: %w", id, models.ErrInvalidInput)
		}
		seen[id] = struct{}{}
		a, err := m.repo.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			if a.State.IsTerminal() {
				return nil, fmt.Errorf("parent agent %s is %s: %w", id, a.State, models.ErrInvalidState)
			}
			if a.NoSubteams() {
				return nil, fmt.Errorf("parent agent %s is flagged no_subteams: %w", id, models.ErrInvalidState)
			}
			parent = a
		}
		depth++
		id = a.ParentID
	}
	if m.maxTreeDepth > 0 && depth+1 > m.maxTreeDepth {
		return nil, fmt.Errorf("agent tree depth %d exceeds the cap %d: %w",
			depth+1, m.maxTreeDepth, models.ErrCapacityExceeded)
	}
	return parent, nil
}

// Send dispatches one message to an idle agent and blocks until the run
// completes, returning the provider's result. Retryable failures
// re-establish the session and re-dispatch the same message while retries
// remain, backing off exponentially between attempts.
func (m *Manager) Send(ctx context.Context, agentID, message string, attachments []runtime.Attachment) (*runtime.SendResult, error) {
	if err := m.requireActive(); err != nil {
		return nil, err
	}
	if message == "" {
		return nil, models.NewValidationError("message", "must not be empty")
	}

	for {
		sessionKey, token, err := m.dispatch(ctx, agentID)
		if err != nil {
			return nil, err
		}

		res, sendErr := m.provider.Send(ctx, sessionKey, message, attachments)

		outcome, settleErr := m.settleRun(agentID, token, sessionKey, res, sendErr)
		if outcome != runRetry {
			if settleErr != nil {
				return nil, settleErr
			}
			return res, nil
		}

		if err := m.driveSpawn(ctx, agentID, true); err != nil {
			if ctx.Err() != nil {
				// The caller is gone; re-establish the session in the
				// background so the agent does not stall in spawning.
				m.startSpawnDriver(agentID, true)
			}
			return nil, err
		}
	}
}

// dispatch moves an idle agent to running and stakes the caller's claim on
// the run.
func (m *Manager) dispatch(ctx context.Context, agentID string) (string, string, error) {
	lock := m.locks.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repo.GetAgent(ctx, agentID)
	if err != nil {
		return "", "", err
	}
	if a.State != models.AgentStateIdle {
		return "", "", fmt.Errorf("agent %s is %s, dispatch requires idle: %w",
			agentID, a.State, models.ErrInvalidState)
	}
	if a.SessionKey == "" {
		return "", "", fmt.Errorf("agent %s holds no session: %w", agentID, models.ErrInvalidState)
	}
	if _, err := m.transition(ctx, agentID, models.AgentStateRunning, nil, models.AgentStateIdle); err != nil {
		return "", "", err
	}
	token := uuid.NewString()
	m.trackRun(agentID, token)
	return a.SessionKey, token, nil
}

type runOutcome int

const (
	runDone runOutcome = iota
	runRetry
	runFailed
	runStale
)

// settleRun records the outcome of one dispatched run. Results that arrive
// after the agent left running (paused, killed, or re-dispatched) are
// discarded.
func (m *Manager) settleRun(agentID, token, sessionKey string, res *runtime.SendResult, sendErr error) (runOutcome, error) {
	lock := m.locks.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repo.GetAgent(m.runCtx, agentID)
	if err != nil {
		return runFailed, err
	}
	if a.State != models.AgentStateRunning || !m.ownsRun(agentID, token) {
		if sendErr == nil {
			slog.Info("Discarding run result, agent no longer running",
				"agent_id", agentID, "state", a.State)
		}
		return runStale, fmt.Errorf("agent %s is %s: %w", agentID, a.State, models.ErrInvalidState)
	}
	started := m.runStartedAt(agentID)

	if sendErr == nil {
		m.debitUsage(a, res)
		_, terr := m.transition(m.runCtx, agentID, models.AgentStateCompleted, func(a *models.Agent) {
			now := time.Now().UTC()
			a.CompletedAt = &now
			a.LastError = ""
			if !started.IsZero() {
				a.RuntimeMS += time.Since(started).Milliseconds()
			}
		}, models.AgentStateRunning)
		m.clearRun(agentID, token)
		if terr != nil {
			return runFailed, m.failInternal(agentID, terr)
		}
		slog.Info("Agent run completed", "agent_id", agentID, "run_id", res.RunID,
			"tokens_in", res.TokensIn, "tokens_out", res.TokensOut)
		return runDone, nil
	}

	if models.IsRetryable(sendErr) && a.RetryCount < a.MaxRetries {
		_, terr := m.transition(m.runCtx, agentID, models.AgentStateSpawning, func(a *models.Agent) {
			a.RetryCount++
			a.LastError = sendErr.Error()
			a.SessionKey = ""
			if !started.IsZero() {
				a.RuntimeMS += time.Since(started).Milliseconds()
			}
		}, models.AgentStateRunning)
		m.clearRun(agentID, token)
		if terr != nil {
			return runFailed, m.failInternal(agentID, terr)
		}
		m.killSession(m.runCtx, agentID, sessionKey)
		slog.Info("Agent run failed, retrying",
			"agent_id", agentID, "attempt", a.RetryCount+1, "error", sendErr)
		return runRetry, nil
	}

	_, terr := m.transition(m.runCtx, agentID, models.AgentStateFailed, func(a *models.Agent) {
		now := time.Now().UTC()
		a.CompletedAt = &now
		a.LastError = sendErr.Error()
		if !started.IsZero() {
			a.RuntimeMS += time.Since(started).Milliseconds()
		}
	}, models.AgentStateRunning)
	m.clearRun(agentID, token)
	if terr != nil {
		return runFailed, m.failInternal(agentID, terr)
	}
	slog.Warn("Agent run failed terminally", "agent_id", agentID, "error", sendErr)
	return runFailed, sendErr
}

// debitUsage charges a completed run to the agent's scope chain. A denied
// debit is logged but does not undo the run; the exhaustion event it raises
// drives enforcement instead.
func (m *Manager) debitUsage(a *models.Agent, res *runtime.SendResult) {
	usage := models.Usage{
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		Model:     res.Model,
		CostUSD:   res.CostUSD,
	}
	if usage.Model == "" {
		usage.Model = a.Model
	}
	if err := m.budget.TryDebit(m.runCtx, a.ID, a.TeamID, usage); err != nil {
		slog.Warn("Run usage debit denied", "agent_id", a.ID, "error", err)
	}
}

// Pause suspends a running agent. The in-flight run keeps executing on the
// provider; its result is discarded when it lands.
func (m *Manager) Pause(ctx context.Context, agentID string) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	lock := m.locks.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	started := m.runStartedAt(agentID)
	_, err := m.transition(ctx, agentID, models.AgentStatePaused, func(a *models.Agent) {
		now := time.Now().UTC()
		a.PausedAt = &now
		if !started.IsZero() {
			a.RuntimeMS += time.Since(started).Milliseconds()
		}
	}, models.AgentStateRunning)
	if err != nil {
		return err
	}
	m.clearRun(agentID, "")
	slog.Info("Agent paused", "agent_id", agentID)
	return nil
}

// Resume returns a paused agent to idle, ready for a new dispatch. The
// retry budget is untouched.
func (m *Manager) Resume(ctx context.Context, agentID string) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	lock := m.locks.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	_, err := m.transition(ctx, agentID, models.AgentStateIdle, func(a *models.Agent) {
		a.PausedAt = nil
	}, models.AgentStatePaused)
	if err != nil {
		return err
	}
	slog.Info("Agent resumed", "agent_id", agentID)
	return nil
}

// Kill terminates an agent. The killed state is persisted and published
// first; the provider kill is best-effort, with failures handed to the
// reaper. Killing an already killed agent succeeds without side effects.
func (m *Manager) Kill(ctx context.Context, agentID string) error {
	if err := m.requireStarted(); err != nil {
		return err
	}
	lock := m.locks.get(agentID)
	lock.Lock()
	a, err := m.repo.GetAgent(ctx, agentID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if a.State == models.AgentStateKilled {
		lock.Unlock()
		return nil
	}
	wasRunning := a.State == models.AgentStateRunning
	sessionKey := a.SessionKey
	started := m.runStartedAt(agentID)
	_, err = m.transition(ctx, agentID, models.AgentStateKilled, func(a *models.Agent) {
		now := time.Now().UTC()
		a.CompletedAt = &now
		if wasRunning && !started.IsZero() {
			a.RuntimeMS += time.Since(started).Milliseconds()
		}
	})
	lock.Unlock()
	if err != nil {
		return err
	}
	m.clearRun(agentID, "")
	m.killSession(ctx, agentID, sessionKey)
	slog.Info("Agent killed", "agent_id", agentID, "session_key", sessionKey)
	return nil
}

// Retry re-enters spawning from failed. It is permitted only while the
// retry budget has room, and counts against the concurrency cap like any
// other live agent.
func (m *Manager) Retry(ctx context.Context, agentID string) error {
	if err := m.requireActive(); err != nil {
		return err
	}

	m.spawnMu.Lock()
	defer m.spawnMu.Unlock()

	live, err := m.liveCount(ctx)
	if err != nil {
		return err
	}
	if live >= m.cfg.MaxConcurrentAgents {
		return fmt.Errorf("%d live agents at the configured cap %d: %w",
			live, m.cfg.MaxConcurrentAgents, models.ErrCapacityExceeded)
	}

	lock := m.locks.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repo.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a.State != models.AgentStateFailed {
		return fmt.Errorf("agent %s is %s, retry applies to failed agents: %w",
			agentID, a.State, models.ErrInvalidState)
	}
	if a.RetryCount >= a.MaxRetries {
		return fmt.Errorf("agent %s exhausted its %d retries: %w",
			agentID, a.MaxRetries, models.ErrInvalidState)
	}
	if _, err := m.transition(ctx, agentID, models.AgentStateSpawning, func(a *models.Agent) {
		a.RetryCount++
		a.CompletedAt = nil
		a.SessionKey = ""
	}, models.AgentStateFailed); err != nil {
		return err
	}
	m.startSpawnDriver(agentID, false)
	slog.Info("Agent retry requested", "agent_id", agentID, "attempt", a.RetryCount+1)
	return nil
}

// Get returns one agent by id.
func (m *Manager) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	return m.repo.GetAgent(ctx, agentID)
}

// List returns agents passing the filters, newest first.
func (m *Manager) List(ctx context.Context, filters models.AgentFilters) ([]*models.Agent, error) {
	return m.repo.ListAgents(ctx, filters)
}

// startSpawnDriver launches the background goroutine that re-establishes a
// session for an agent in spawning. No-op once the manager is stopping.
func (m *Manager) startSpawnDriver(agentID string, backoffFirst bool) {
	m.mu.Lock()
	if !m.started || m.stopping {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		if err := m.driveSpawn(m.runCtx, agentID, backoffFirst); err != nil && m.runCtx.Err() == nil {
			slog.Debug("Spawn driver finished", "agent_id", agentID, "error", err)
		}
	}()
}

// driveSpawn establishes a session for an agent in spawning, consuming the
// retry budget on failures. It returns once the agent reaches idle or a
// terminal state, or when ctx ends. backoffFirst delays the first attempt,
// used when the caller has just recorded a retry.
func (m *Manager) driveSpawn(ctx context.Context, agentID string, backoffFirst bool) error {
	wait := backoffFirst
	for {
		a, err := m.repo.GetAgent(m.runCtx, agentID)
		if err != nil {
			return err
		}
		switch a.State {
		case models.AgentStateSpawning:
		case models.AgentStateIdle:
			return nil
		default:
			return fmt.Errorf("agent %s is %s: %w", agentID, a.State, models.ErrInvalidState)
		}

		if wait {
			delay := m.retryDelay(a.RetryCount)
			select {
			case <-ctx.Done():
				return models.Transient(ctx.Err())
			case <-m.runCtx.Done():
				return fmt.Errorf("lifecycle manager stopped: %w", models.ErrInvalidState)
			case <-time.After(delay):
			}
			wait = false
			continue // re-check the state; a kill may have landed during the wait
		}

		sctx, cancel := context.WithTimeout(ctx, m.cfg.SpawnTimeout)
		handle, err := m.provider.Spawn(sctx, spawnSpecFor(a))
		cancel()
		if err == nil {
			return m.sessionReady(agentID, handle)
		}
		if m.runCtx.Err() != nil {
			return fmt.Errorf("lifecycle manager stopped: %w", models.ErrInvalidState)
		}
		retry, rerr := m.recordSpawnFailure(agentID, err)
		if !retry {
			return rerr
		}
		wait = true
	}
}

// sessionReady moves a spawning agent to idle with its fresh session. A kill
// that landed during the spawn attempt wins; the unclaimed session is
// terminated.
func (m *Manager) sessionReady(agentID string, handle *runtime.Handle) error {
	lock := m.locks.get(agentID)
	lock.Lock()
	_, err := m.transition(m.runCtx, agentID, models.AgentStateIdle, func(a *models.Agent) {
		a.SessionKey = handle.SessionKey
	}, models.AgentStateSpawning)
	lock.Unlock()
	if err != nil {
		m.killSession(m.runCtx, agentID, handle.SessionKey)
		if errors.Is(err, models.ErrInvalidState) || errors.Is(err, models.ErrNotFound) {
			return err
		}
		return m.failInternal(agentID, err)
	}
	slog.Info("Agent session ready", "agent_id", agentID, "session_key", handle.SessionKey)
	return nil
}

// recordSpawnFailure spends one retry on a failed spawn attempt, or fails
// the agent when the error is fatal or the budget is exhausted. Returns
// whether the caller should attempt again.
func (m *Manager) recordSpawnFailure(agentID string, cause error) (bool, error) {
	lock := m.locks.get(agentID)
	lock.Lock()
	defer lock.Unlock()

	a, err := m.repo.GetAgent(m.runCtx, agentID)
	if err != nil {
		return false, err
	}
	if a.State != models.AgentStateSpawning {
		return false, fmt.Errorf("agent %s is %s: %w", agentID, a.State, models.ErrInvalidState)
	}

	if models.IsRetryable(cause) && a.RetryCount < a.MaxRetries {
		_, terr := m.transition(m.runCtx, agentID, models.AgentStateSpawning, func(a *models.Agent) {
			a.RetryCount++
			a.LastError = cause.Error()
		}, models.AgentStateSpawning)
		if terr != nil {
			return false, m.failInternal(agentID, terr)
		}
		slog.Info("Agent spawn failed, retrying",
			"agent_id", agentID, "attempt", a.RetryCount+1, "error", cause)
		return true, nil
	}

	_, terr := m.transition(m.runCtx, agentID, models.AgentStateFailed, func(a *models.Agent) {
		now := time.Now().UTC()
		a.CompletedAt = &now
		a.LastError = cause.Error()
	}, models.AgentStateSpawning)
	if terr != nil {
		return false, m.failInternal(agentID, terr)
	}
	slog.Warn("Agent spawn failed terminally",
		"agent_id", agentID, "retry_count", a.RetryCount, "error", cause)
	return false, cause
}

// retryDelay computes the backoff before the given attempt: the base delay
// doubled per prior attempt, capped at the configured maximum, with ±25%
// jitter.
func (m *Manager) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryBaseDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = m.cfg.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt && d < m.cfg.RetryMaxDelay; i++ {
		d = b.NextBackOff()
	}
	return d
}

// killSession best-effort terminates a session, handing failures to the
// reaper.
func (m *Manager) killSession(ctx context.Context, agentID, sessionKey string) {
	if sessionKey == "" {
		return
	}
	if err := m.provider.Kill(ctx, sessionKey); err != nil {
		slog.Warn("Session kill failed, queued for reaper",
			"agent_id", agentID, "session_key", sessionKey, "error", err)
		m.enqueueKill(agentID, sessionKey, err)
	}
}

// transition applies one validated state change. The agent row and its
// lifecycle event commit in a single store transaction under the bus publish
// lock, so a subscriber never observes an event for a state that crash
// recovery would contradict. An empty from list admits any FSM-legal source
// state.
func (m *Manager) transition(ctx context.Context, agentID string, to models.AgentState, mutate func(*models.Agent), from ...models.AgentState) (*models.Agent, error) {
	var updated *models.Agent
	evt := &models.Event{Source: source, AgentID: agentID}
	_, err := m.bus.PublishPersisted(ctx, evt, func(stamped *models.Event) error {
		a, err := m.repo.Transition(ctx, agentID, func(a *models.Agent) error {
			if len(from) > 0 && !slices.Contains(from, a.State) {
				return fmt.Errorf("agent %s is %s: %w", agentID, a.State, models.ErrInvalidState)
			}
			if !models.CanTransition(a.State, to) {
				return fmt.Errorf("agent %s cannot transition %s to %s: %w",
					agentID, a.State, to, models.ErrInvalidState)
			}
			prev := a.State
			a.State = to
			if mutate != nil {
				mutate(a)
			}
			stamped.Type = models.TransitionEventType(prev, to)
			stamped.TeamID = a.TeamID
			stamped.Payload = lifecyclePayload(a, prev, stamped.Timestamp)
			return nil
		}, stamped)
		if err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// failInternal handles a persistence fault inside the manager: log critical
// with a correlation id, best-effort force the agent to failed, and hand the
// caller an opaque internal error carrying the same id.
func (m *Manager) failInternal(agentID string, cause error) error {
	correlation := uuid.NewString()[:8]
	slog.Error("CRITICAL: agent state persistence failed",
		"agent_id", agentID, "correlation_id", correlation, "error", cause)
	if _, err := m.transition(m.runCtx, agentID, models.AgentStateFailed, func(a *models.Agent) {
		a.LastError = "internal"
		now := time.Now().UTC()
		a.CompletedAt = &now
	}); err != nil {
		slog.Error("CRITICAL: could not force agent to failed",
			"agent_id", agentID, "correlation_id", correlation, "error", err)
	}
	return fmt.Errorf("agent %s state not persisted (correlation %s): %w",
		agentID, correlation, models.ErrInternal)
}

func (m *Manager) requireActive() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return fmt.Errorf("lifecycle manager not started: %w", models.ErrInvalidState)
	}
	if m.stopping {
		return fmt.Errorf("lifecycle manager shutting down: %w", models.ErrInvalidState)
	}
	return nil
}

func (m *Manager) requireStarted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return fmt.Errorf("lifecycle manager not started: %w", models.ErrInvalidState)
	}
	return nil
}

func (m *Manager) liveCount(ctx context.Context) (int, error) {
	agents, err := m.repo.ListAgents(ctx, models.AgentFilters{States: liveStates()})
	if err != nil {
		return 0, err
	}
	return len(agents), nil
}

func (m *Manager) trackRun(agentID, token string) {
	m.mu.Lock()
	m.runs[agentID] = runTrack{token: token, since: time.Now()}
	m.mu.Unlock()
}

func (m *Manager) ownsRun(agentID, token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[agentID]
	return ok && r.token == token
}

func (m *Manager) runStartedAt(agentID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[agentID].since
}

// clearRun drops the run claim. An empty token clears unconditionally.
func (m *Manager) clearRun(agentID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[agentID]; ok && (token == "" || r.token == token) {
		delete(m.runs, agentID)
	}
}

func spawnSpecFor(a *models.Agent) runtime.SpawnSpec {
	return runtime.SpawnSpec{
		AgentID:    a.ID,
		TeamID:     a.TeamID,
		Label:      a.Label,
		Task:       a.Task,
		Model:      a.Model,
		Boundaries: a.SafetyBoundaries,
		Metadata:   a.Metadata,
	}
}

// lifecyclePayload builds the agent_* event payload after a transition.
func lifecyclePayload(a *models.Agent, prev models.AgentState, ts time.Time) json.RawMessage {
	data, _ := json.Marshal(models.AgentLifecyclePayload{
		AgentID:    a.ID,
		TeamID:     a.TeamID,
		State:      a.State,
		PrevState:  prev,
		RetryCount: a.RetryCount,
		Error:      a.LastError,
		SessionKey: a.SessionKey,
		Timestamp:  ts.UTC().Format(time.RFC3339Nano),
	})
	return data
}
