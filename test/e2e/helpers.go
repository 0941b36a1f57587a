package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/models"
)

// Polling windows for the Eventually helpers.
const (
	waitTimeout  = 30 * time.Second
	pollInterval = 25 * time.Millisecond
)

// ─────────────────────────── HTTP helpers ───────────────────────────

// doJSON issues one JSON request against the app, asserts the status code,
// and decodes the response body into a generic map. A nil body sends no
// payload; an empty response body returns nil.
func (app *TestApp) doJSON(t *testing.T, method, path string, body any, expectedStatus int) map[string]any {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode,
		"%s %s returned %d, want %d: %s", method, path, resp.StatusCode, expectedStatus, string(data))

	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), "response is not a JSON object: %s", string(data))
	return out
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodPost, path, body, expectedStatus)
}

func (app *TestApp) putJSON(t *testing.T, path string, body any, expectedStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodPut, path, body, expectedStatus)
}

func (app *TestApp) getJSON(t *testing.T, path string, expectedStatus int) map[string]any {
	t.Helper()
	return app.doJSON(t, http.MethodGet, path, nil, expectedStatus)
}

// getJSONList issues a GET whose response body is a JSON array.
func (app *TestApp) getJSONList(t *testing.T, path string, expectedStatus int) []map[string]any {
	t.Helper()

	resp, err := http.Get(app.BaseURL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "GET %s: %s", path, string(data))

	var out []map[string]any
	require.NoError(t, json.Unmarshal(data, &out), "response is not a JSON array: %s", string(data))
	return out
}

// rawJSON issues a request and returns the status code and body without
// asserting, for calls that may legitimately race to different outcomes.
// Safe to call off the test goroutine.
func (app *TestApp) rawJSON(method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, app.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

// ─────────────────────────── Domain wrappers ───────────────────────────

// createTeam posts the spec and returns the new team's id.
func createTeam(t *testing.T, app *TestApp, spec models.TeamSpec) string {
	t.Helper()
	resp := app.postJSON(t, "/api/v1/teams", spec, http.StatusCreated)
	id, _ := resp["id"].(string)
	require.NotEmpty(t, id, "create team response carries no id: %v", resp)
	return id
}

// spawnAgent posts the request and returns the new agent's id.
func spawnAgent(t *testing.T, app *TestApp, req models.SpawnRequest) string {
	t.Helper()
	resp := app.postJSON(t, "/api/v1/agents", req, http.StatusCreated)
	id, _ := resp["agent_id"].(string)
	require.NotEmpty(t, id, "spawn response carries no agent_id: %v", resp)
	return id
}

// setBudget puts a cost limit on the scope through the budgets API.
func setBudget(t *testing.T, app *TestApp, scope models.Scope, window models.Window, limitCost float64) {
	t.Helper()
	path := "/api/v1/budgets/global"
	if scope.Type != models.ScopeGlobal {
		path = fmt.Sprintf("/api/v1/budgets/%s/%s", scope.Type, scope.ID)
	}
	app.putJSON(t, path, map[string]any{
		"window":     string(window),
		"limit_cost": limitCost,
	}, http.StatusOK)
}

// ─────────────────────────── State polling ───────────────────────────

// waitForAgentState polls the store until the agent reaches the wanted state.
func waitForAgentState(t *testing.T, app *TestApp, agentID string, want models.AgentState) *models.Agent {
	t.Helper()
	var got *models.Agent
	require.Eventually(t, func() bool {
		a, err := app.Repo.GetAgent(context.Background(), agentID)
		if err != nil {
			return false
		}
		got = a
		return a.State == want
	}, waitTimeout, pollInterval, "agent %s never reached %s", agentID, want)
	return got
}

// waitForTeamStatus polls the store until the team reaches the wanted status.
func waitForTeamStatus(t *testing.T, app *TestApp, teamID string, want models.TeamStatus) *models.Team {
	t.Helper()
	var got *models.Team
	require.Eventually(t, func() bool {
		tm, err := app.Repo.GetTeam(context.Background(), teamID)
		if err != nil {
			return false
		}
		got = tm
		return tm.Status == want
	}, waitTimeout, pollInterval, "team %s never reached %s", teamID, want)
	return got
}

// waitForMembers polls until at least n members of the team are in the state.
func waitForMembers(t *testing.T, app *TestApp, teamID string, state models.AgentState, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		agents, err := app.Repo.ListAgents(context.Background(), models.AgentFilters{
			TeamID: teamID,
			States: []models.AgentState{state},
		})
		return err == nil && len(agents) >= n
	}, waitTimeout, pollInterval, "team %s never had %d members in %s", teamID, n, state)
}

// teamMembers returns every agent belonging to the team.
func teamMembers(t *testing.T, app *TestApp, teamID string) []*models.Agent {
	t.Helper()
	agents, err := app.Repo.ListAgents(context.Background(), models.AgentFilters{TeamID: teamID})
	require.NoError(t, err)
	return agents
}

// membersInState returns the team's agents currently in the given state.
func membersInState(t *testing.T, app *TestApp, teamID string, state models.AgentState) []*models.Agent {
	t.Helper()
	agents, err := app.Repo.ListAgents(context.Background(), models.AgentFilters{
		TeamID: teamID,
		States: []models.AgentState{state},
	})
	require.NoError(t, err)
	return agents
}

// ─────────────────────────── Event stream ───────────────────────────

// eventsOf returns the replay buffer entries passing the filter, in seq order.
func eventsOf(app *TestApp, filter models.EventFilter) []*models.Event {
	return app.Bus.GetEvents(filter)
}

// countEvents counts replay buffer entries passing the filter.
func countEvents(app *TestApp, filter models.EventFilter) int {
	return len(app.Bus.GetEvents(filter))
}

// waitForEvent blocks until an event passing the filter shows up and returns
// the first match.
func waitForEvent(t *testing.T, app *TestApp, filter models.EventFilter) *models.Event {
	t.Helper()
	var evt *models.Event
	require.Eventually(t, func() bool {
		evts := app.Bus.GetEvents(filter)
		if len(evts) == 0 {
			return false
		}
		evt = evts[0]
		return true
	}, waitTimeout, pollInterval, "no event matched %+v", filter)
	return evt
}
