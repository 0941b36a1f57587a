package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/models"
)

// Enforcer turns budget ladder events into lifecycle actions: a throttled
// scope has its running agents paused, an exhausted scope has its live
// agents killed. Agents marked critical in metadata are spared both.
type Enforcer struct {
	manager *Manager
	bus     *bus.Bus
	sub     *bus.Subscription
}

// NewEnforcer creates an enforcer. Call Start to begin acting on events.
func NewEnforcer(manager *Manager, eventBus *bus.Bus) *Enforcer {
	return &Enforcer{manager: manager, bus: eventBus}
}

// Start subscribes to the budget ladder. The subscription is async so
// enforcement never runs on a publisher's goroutine.
func (e *Enforcer) Start() error {
	sub, err := e.bus.Subscribe("budget-enforcer", models.EventFilter{
		Types: []models.EventType{models.EventTypeBudgetThrottle, models.EventTypeBudgetExhausted},
	}, bus.ModeAsync, e.handle)
	if err != nil {
		return err
	}
	e.sub = sub
	return nil
}

// Stop detaches the enforcer from the bus.
func (e *Enforcer) Stop() {
	e.bus.Unsubscribe(e.sub)
}

func (e *Enforcer) handle(ctx context.Context, evt *models.Event) error {
	var p models.BudgetPayload
	if err := evt.DecodePayload(&p); err != nil {
		return fmt.Errorf("failed to decode budget payload: %w", err)
	}

	targets, err := e.targets(ctx, p, evt.Type)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return nil
	}

	acted := 0
	for _, a := range targets {
		var actErr error
		switch evt.Type {
		case models.EventTypeBudgetThrottle:
			actErr = e.manager.Pause(ctx, a.ID)
		case models.EventTypeBudgetExhausted:
			actErr = e.manager.Kill(ctx, a.ID)
		}
		if actErr != nil {
			// The agent moved on since the listing; nothing to enforce.
			if errors.Is(actErr, models.ErrInvalidState) || errors.Is(actErr, models.ErrNotFound) {
				continue
			}
			return actErr
		}
		acted++
	}
	slog.Warn("Budget enforcement applied",
		"event", evt.Type, "scope_type", p.ScopeType, "scope_id", p.ScopeID, "agents", acted)
	return nil
}

// targets resolves the live, non-critical agents governed by the scope.
// Throttling applies to running agents only, since pause is defined from
// running; exhaustion covers every live state.
func (e *Enforcer) targets(ctx context.Context, p models.BudgetPayload, typ models.EventType) ([]*models.Agent, error) {
	filters := models.AgentFilters{States: liveStates()}
	if typ == models.EventTypeBudgetThrottle {
		filters.States = []models.AgentState{models.AgentStateRunning}
	}

	switch models.ScopeType(p.ScopeType) {
	case models.ScopeAgent:
		a, err := e.manager.Get(ctx, p.ScopeID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		if a.Critical() || !filters.Matches(a) {
			return nil, nil
		}
		return []*models.Agent{a}, nil
	case models.ScopeTeam:
		filters.TeamID = p.ScopeID
	case models.ScopeGlobal:
	case models.ScopeProject:
		// Agents carry no project membership; the ladder event is the
		// operator's signal here.
		slog.Warn("Project scope has no agent membership, enforcement skipped", "scope_id", p.ScopeID)
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown budget scope type '%s': %w", p.ScopeType, models.ErrInvalidInput)
	}

	agents, err := e.manager.List(ctx, filters)
	if err != nil {
		return nil, err
	}
	var out []*models.Agent
	for _, a := range agents {
		if !a.Critical() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
