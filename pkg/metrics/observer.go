package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flocklab/flock/pkg/budget"
	"github.com/flocklab/flock/pkg/bus"
	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/store"
)

// defaultSampleInterval is the gauge sampling cadence when none is given.
const defaultSampleInterval = 15 * time.Second

// sampleTimeout bounds one sampling pass.
const sampleTimeout = 5 * time.Second

// liveAgentStates are the gauge's label values. Every pass sets all of them
// so a state that empties out reads zero instead of holding its last value.
var liveAgentStates = []models.AgentState{
	models.AgentStateSpawning,
	models.AgentStateIdle,
	models.AgentStateRunning,
	models.AgentStatePaused,
}

// Observer feeds the instruments. Counters over bus traffic update on every
// event through an async subscription; gauges and component counters are
// sampled on the interval.
type Observer struct {
	m      *Metrics
	repo   store.Repository
	bus    *bus.Bus
	budget *budget.Controller

	interval time.Duration
	sub      *bus.Subscription

	// Previous cumulative counts, so sampled counters grow by deltas. Only
	// the sample loop touches them.
	prevDropped uint64
	prevDenials uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewObserver creates an observer over the given sources. A zero interval
// uses the default.
func NewObserver(m *Metrics, repo store.Repository, eventBus *bus.Bus, budgetCtl *budget.Controller, interval time.Duration) *Observer {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	return &Observer{
		m:        m,
		repo:     repo,
		bus:      eventBus,
		budget:   budgetCtl,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start subscribes to the bus and launches the sample loop.
func (o *Observer) Start() error {
	sub, err := o.bus.Subscribe("metrics", models.EventFilter{}, bus.ModeAsync, o.onEvent)
	if err != nil {
		return err
	}
	o.sub = sub
	o.wg.Add(1)
	go o.sampleLoop()
	return nil
}

// Stop halts the sample loop and detaches from the bus. Safe to call more
// than once.
func (o *Observer) Stop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
	o.wg.Wait()
	o.bus.Unsubscribe(o.sub)
}

func (o *Observer) onEvent(_ context.Context, evt *models.Event) error {
	o.m.EventsPublished.WithLabelValues(string(evt.Type)).Inc()
	if evt.Type == models.EventTypeGatewayReconnecting {
		o.m.GatewayReconnects.Inc()
	}
	return nil
}

func (o *Observer) sampleLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
			o.sample(ctx)
			cancel()
		}
	}
}

// sample refreshes the level-shaped instruments from the store and advances
// the sampled counters by their deltas.
func (o *Observer) sample(ctx context.Context) {
	agents, err := o.repo.ListAgents(ctx, models.AgentFilters{})
	if err != nil {
		slog.Warn("Metrics agent sample failed", "error", err)
	} else {
		counts := make(map[models.AgentState]int, len(liveAgentStates))
		for _, a := range agents {
			if a.State.IsLive() {
				counts[a.State]++
			}
		}
		for _, s := range liveAgentStates {
			o.m.AgentsLive.WithLabelValues(string(s)).Set(float64(counts[s]))
		}
	}

	teams, err := o.repo.ListTeams(ctx, models.TeamFilters{
		Statuses: []models.TeamStatus{models.TeamStatusRunning},
	})
	if err != nil {
		slog.Warn("Metrics team sample failed", "error", err)
	} else {
		o.m.TeamsRunning.Set(float64(len(teams)))
	}

	_, dropped := o.bus.Stats()
	o.m.EventsDropped.Add(float64(dropped - o.prevDropped))
	o.prevDropped = dropped

	denials := o.budget.Denials()
	o.m.BudgetDenials.Add(float64(denials - o.prevDenials))
	o.prevDenials = denials
}
