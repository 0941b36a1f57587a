// Package memory implements store.Repository with mutex-guarded maps. It is
// the default for tests and carries the same transactional semantics as the
// durable backends: mutations under a single lock are all-or-nothing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

// Store is an in-memory Repository.
type Store struct {
	mu      sync.RWMutex
	agents  map[string]*models.Agent
	teams   map[string]*models.Team
	events  []*models.Event
	budgets map[budgetKey]*models.BudgetRecord
	closed  bool
}

var _ store.Repository = (*Store)(nil)

type budgetKey struct {
	scopeType models.ScopeType
	scopeID   string
	window    models.Window
}

func key(scope models.Scope, window models.Window) budgetKey {
	return budgetKey{scopeType: scope.Type, scopeID: scope.ID, window: window}
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		agents:  make(map[string]*models.Agent),
		teams:   make(map[string]*models.Team),
		budgets: make(map[budgetKey]*models.BudgetRecord),
	}
}

func (s *Store) CreateAgent(_ context.Context, agent *models.Agent, evt *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("store closed: %w", models.ErrInternal)
	}
	if agent.ID == "" {
		return models.NewValidationError("id", "agent id is required")
	}
	if _, ok := s.agents[agent.ID]; ok {
		return fmt.Errorf("agent %s: %w", agent.ID, models.ErrInvalidState)
	}
	s.agents[agent.ID] = agent.Clone()
	if evt != nil {
		s.events = append(s.events, cloneEvent(evt))
	}
	return nil
}

func (s *Store) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	return agent.Clone(), nil
}

func (s *Store) ListAgents(_ context.Context, filters models.AgentFilters) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Agent
	for _, a := range s.agents {
		if filters.Matches(a) {
			out = append(out, a.Clone())
		}
	}
	// Newest first, matching the indexed read order of the SQL backends.
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpawnedAt.Equal(out[j].SpawnedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SpawnedAt.After(out[j].SpawnedAt)
	})
	out = paginate(out, filters.Offset, filters.Limit)
	return out, nil
}

func (s *Store) Transition(_ context.Context, agentID string, apply func(*models.Agent) error, evt *models.Event) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, models.ErrNotFound)
	}
	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	s.agents[agentID] = next
	if evt != nil {
		s.events = append(s.events, cloneEvent(evt))
	}
	return next.Clone(), nil
}

func (s *Store) CreateTeam(_ context.Context, team *models.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if team.ID == "" {
		return models.NewValidationError("id", "team id is required")
	}
	if _, ok := s.teams[team.ID]; ok {
		return fmt.Errorf("team %s: %w", team.ID, models.ErrInvalidState)
	}
	s.teams[team.ID] = team.Clone()
	return nil
}

func (s *Store) GetTeam(_ context.Context, id string) (*models.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	team, ok := s.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", id, models.ErrNotFound)
	}
	return team.Clone(), nil
}

func (s *Store) UpdateTeam(_ context.Context, teamID string, apply func(*models.Team) error) (*models.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.teams[teamID]
	if !ok {
		return nil, fmt.Errorf("team %s: %w", teamID, models.ErrNotFound)
	}
	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	s.teams[teamID] = next
	return next.Clone(), nil
}

func (s *Store) ListTeams(_ context.Context, filters models.TeamFilters) ([]*models.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Team
	for _, t := range s.teams {
		if filters.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	out = paginate(out, filters.Offset, filters.Limit)
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, evt *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, cloneEvent(evt))
	return nil
}

func (s *Store) ListEvents(_ context.Context, filter models.EventFilter) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if filter.Matches(e) {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) MaxEventSeq(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	for _, e := range s.events {
		if e.Seq > max {
			max = e.Seq
		}
	}
	return max, nil
}

func (s *Store) GetBudget(_ context.Context, scope models.Scope, window models.Window) (*models.BudgetRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.budgets[key(scope, window)]; ok {
		cp := *rec
		return &cp, nil
	}
	return &models.BudgetRecord{Scope: scope, Window: window}, nil
}

func (s *Store) SetBudgetLimit(_ context.Context, scope models.Scope, window models.Window, limitCost *float64, limitTokens *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.budget(scope, window)
	rec.LimitCost = limitCost
	rec.LimitTokens = limitTokens
	rec.LastUpdated = time.Now().UTC()
	return nil
}

func (s *Store) TryDebit(_ context.Context, req store.DebitRequest) (*store.DebitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hardPct := req.HardPct
	if hardPct <= 0 {
		hardPct = 1.0
	}

	// Check every window of every scope before any write.
	windows := []models.Window{models.WindowDay, models.WindowLifetime}
	for _, scope := range req.Scopes {
		for _, w := range windows {
			rec := s.budget(scope, w)
			if rec.LimitCost != nil && rec.CostUSD+req.CostUSD > *rec.LimitCost*hardPct+store.CostEpsilon {
				deniedScope := scope
				return &store.DebitOutcome{Denied: true, DeniedScope: &deniedScope, DeniedWindow: w}, nil
			}
			if rec.LimitTokens != nil && rec.TokensIn+rec.TokensOut+req.Usage.TokensIn+req.Usage.TokensOut > *rec.LimitTokens {
				deniedScope := scope
				return &store.DebitOutcome{Denied: true, DeniedScope: &deniedScope, DeniedWindow: w}, nil
			}
		}
	}

	now := time.Now().UTC()
	outcome := &store.DebitOutcome{}
	for _, scope := range req.Scopes {
		for _, w := range windows {
			rec := s.budget(scope, w)
			rec.TokensIn += req.Usage.TokensIn
			rec.TokensOut += req.Usage.TokensOut
			rec.CostUSD += req.CostUSD
			rec.LastUpdated = now
			cp := *rec
			outcome.Records = append(outcome.Records, &cp)
		}
	}
	return outcome, nil
}

func (s *Store) MarkExhausted(_ context.Context, scope models.Scope, window models.Window, exhausted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.budget(scope, window)
	rec.Exhausted = exhausted
	rec.LastUpdated = time.Now().UTC()
	return nil
}

func (s *Store) ResetBudget(_ context.Context, scope models.Scope, window models.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.budget(scope, window)
	resetRecord(rec)
	return nil
}

func (s *Store) ResetWindow(_ context.Context, window models.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.budgets {
		if k.window == window {
			resetRecord(rec)
		}
	}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// budget returns the live record for the key, creating it when absent.
// Callers must hold the write lock.
func (s *Store) budget(scope models.Scope, window models.Window) *models.BudgetRecord {
	k := key(scope, window)
	rec, ok := s.budgets[k]
	if !ok {
		rec = &models.BudgetRecord{Scope: scope, Window: window}
		s.budgets[k] = rec
	}
	return rec
}

func resetRecord(rec *models.BudgetRecord) {
	rec.TokensIn = 0
	rec.TokensOut = 0
	rec.CostUSD = 0
	rec.Exhausted = false
	rec.LastUpdated = time.Now().UTC()
}

func cloneEvent(e *models.Event) *models.Event {
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	return &cp
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
