package e2e

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/runtime"
)

// TestSpawnRetriesTransientFailures scripts two transient provider failures
// before a successful spawn and verifies the agent lands idle on the third
// attempt, with the retry events and the backoff floor to match.
func TestSpawnRetriesTransientFailures(t *testing.T) {
	app := NewTestApp(t)

	var attempts atomic.Int32
	app.Provider.OnSpawn = func(spec runtime.SpawnSpec) (*runtime.Handle, error) {
		if attempts.Add(1) <= 2 {
			return nil, models.Transient(fmt.Errorf("gateway flaking"))
		}
		return &runtime.Handle{SessionKey: "s-retry", SessionID: "s-retry"}, nil
	}

	start := time.Now()
	agentID := spawnAgent(t, app, models.SpawnRequest{
		Task:       "build the index",
		MaxRetries: 2,
	})

	agent := waitForAgentState(t, app, agentID, models.AgentStateIdle)
	elapsed := time.Since(start)

	assert.Equal(t, 2, agent.RetryCount)
	assert.Equal(t, "s-retry", agent.SessionKey)
	assert.EqualValues(t, 3, attempts.Load())

	// Two backoff sleeps happened before success: base and 2x base, each
	// jittered downward by at most 25%.
	base := app.Config.Lifecycle.RetryBaseDelay
	floor := time.Duration(float64(3*base) * 0.75)
	assert.GreaterOrEqual(t, elapsed, floor)

	assert.Equal(t, 2, countEvents(app, models.EventFilter{
		AgentID: agentID,
		Types:   []models.EventType{models.EventTypeAgentRetrying},
	}))
	assert.Equal(t, 1, countEvents(app, models.EventFilter{
		AgentID: agentID,
		Types:   []models.EventType{models.EventTypeAgentReady},
	}))
	assert.Zero(t, countEvents(app, models.EventFilter{
		AgentID: agentID,
		Types:   []models.EventType{models.EventTypeAgentFailed},
	}))

	// The retry counter survives the read path too.
	got := app.getJSON(t, "/api/v1/agents/"+agentID, http.StatusOK)
	assert.EqualValues(t, 2, got["retry_count"])
	assert.Equal(t, string(models.AgentStateIdle), got["state"])
}
