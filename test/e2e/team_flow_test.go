package e2e

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/models"
)

// TestParallelTeamCompletes drives the happy path end to end: a three-member
// parallel team created over the API, every send answered by the stub at its
// default $0.001, the team settling to completed with the summed spend.
func TestParallelTeamCompletes(t *testing.T) {
	app := NewTestApp(t)

	teamID := createTeam(t, app, models.TeamSpec{
		Name:     "demo",
		Task:     "echo hello",
		Size:     3,
		Budget:   1.00,
		Strategy: models.StrategyParallel,
	})

	team := waitForTeamStatus(t, app, teamID, models.TeamStatusCompleted)
	require.NotNil(t, team.CompletedAt)
	assert.InDelta(t, 0.003, team.BudgetConsumed, 1e-9)
	assert.InDelta(t, 1.00, team.BudgetAllocated, 1e-9)

	// Every member walked the full lifecycle, in order.
	members := teamMembers(t, app, teamID)
	require.Len(t, members, 3)
	for _, m := range members {
		assert.Equal(t, models.AgentStateCompleted, m.State)
		assert.NotNil(t, m.CompletedAt)

		var path []models.EventType
		for _, e := range eventsOf(app, models.EventFilter{AgentID: m.ID}) {
			path = append(path, e.Type)
		}
		assert.Equal(t, []models.EventType{
			models.EventTypeAgentSpawning,
			models.EventTypeAgentReady,
			models.EventTypeAgentRunning,
			models.EventTypeAgentCompleted,
		}, path, "member %s", m.ID)
	}

	assert.Equal(t, 1, countEvents(app, models.EventFilter{
		TeamID: teamID,
		Types:  []models.EventType{models.EventTypeTeamRunning},
	}))
	assert.Equal(t, 3, countEvents(app, models.EventFilter{
		TeamID: teamID,
		Types:  []models.EventType{models.EventTypeAgentCompleted},
	}))
	assert.Equal(t, 1, countEvents(app, models.EventFilter{
		TeamID: teamID,
		Types:  []models.EventType{models.EventTypeTeamCompleted},
	}))

	// The stub saw one session and one task message per member.
	assert.Len(t, app.Provider.Spawns(), 3)
	assert.Len(t, app.Provider.Sends(), 3)

	// The API composite view agrees with the store.
	view := app.getJSON(t, "/api/v1/teams/"+teamID, http.StatusOK)
	teamObj, ok := view["team"].(map[string]any)
	require.True(t, ok, "team status view carries no team object: %v", view)
	assert.Equal(t, string(models.TeamStatusCompleted), teamObj["status"])
	assert.Len(t, view["members"], 3)
}
