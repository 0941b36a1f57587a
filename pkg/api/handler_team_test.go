package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/team"
)

func TestCreateTeamReturnsLiveTeam(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/teams", models.TeamSpec{
		Name:     "review",
		Task:     "review the diff",
		Size:     3,
		Budget:   1.5,
		Strategy: models.StrategyParallel,
	}, map[string]string{"X-Forwarded-User": "alice"})

	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[models.Team](t, rec)
	assert.Equal(t, "team-1", created.ID)
	assert.Equal(t, models.TeamStatusRunning, created.Status)

	require.Len(t, h.teams.created, 1)
	spec := h.teams.created[0]
	assert.Equal(t, "review the diff", spec.Task)
	assert.Equal(t, "alice", spec.SharedContext["author"])
}

func TestCreateTeamDefaultsAuthor(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/teams", models.TeamSpec{
		Task: "t", Size: 1, Budget: 0.1, Strategy: models.StrategyParallel,
	}, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "api-client", h.teams.created[0].SharedContext["author"])
}

func TestCreateTeamRequiresTask(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/teams", models.TeamSpec{Size: 2}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "task")
	assert.Empty(t, h.teams.created)
}

func TestCreateTeamMapsDomainRefusals(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"budget denied", fmt.Errorf("reserve: %w", models.ErrBudgetDenied), http.StatusPaymentRequired},
		{"capacity exceeded", fmt.Errorf("spawn: %w", models.ErrCapacityExceeded), http.StatusTooManyRequests},
		{"validation", models.NewValidationError("strategy", "unknown strategy 'x'"), http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServerHarness(t)
			h.teams.createErr = tt.err

			rec := h.do(http.MethodPost, "/api/v1/teams", models.TeamSpec{
				Task: "t", Size: 1, Budget: 0.1, Strategy: models.StrategyParallel,
			}, nil)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestSwarmAliasRoutesToTeams(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(http.MethodPost, "/api/v1/swarms", models.TeamSpec{
		Task: "t", Size: 1, Budget: 0.1, Strategy: models.StrategyParallel,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/swarms/team-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodDelete, "/api/v1/swarms/team-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, h.teams.actions, "destroy:team-1")
}

func TestListTeamsValidatesStatus(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/teams?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid status: bogus")

	rec = h.do(http.MethodGet, "/api/v1/teams?status=running,failed", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetTeamReturnsComposedStatus(t *testing.T) {
	h := newServerHarness(t)
	h.teams.teams["team-7"] = &models.Team{ID: "team-7", Task: "t", Status: models.TeamStatusRunning}
	h.teams.members = []*models.Agent{
		{ID: "a-1", State: models.AgentStateRunning},
		{ID: "a-2", State: models.AgentStateIdle},
	}

	rec := h.do(http.MethodGet, "/api/v1/teams/team-7", nil, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[team.Status](t, rec)
	assert.Equal(t, "team-7", status.Team.ID)
	assert.Len(t, status.Members, 2)
}

func TestGetTeamNotFound(t *testing.T) {
	h := newServerHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/teams/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScaleTeamRequiresDeltaOrTarget(t *testing.T) {
	h := newServerHarness(t)
	h.teams.teams["team-1"] = &models.Team{ID: "team-1", Status: models.TeamStatusRunning}

	rec := h.do(http.MethodPost, "/api/v1/teams/team-1/scale", models.ScaleRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.teams.scaleReqs)
}

func TestScaleTeamReturnsNewSize(t *testing.T) {
	h := newServerHarness(t)
	h.teams.scaleSize = 5

	rec := h.do(http.MethodPost, "/api/v1/teams/team-1/scale", models.ScaleRequest{Delta: 2}, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ScaleResponse](t, rec)
	assert.Equal(t, "team-1", resp.TeamID)
	assert.Equal(t, 5, resp.Size)
	require.Len(t, h.teams.scaleReqs, 1)
	assert.Equal(t, 2, h.teams.scaleReqs[0].Delta)
}

func TestTeamPauseResumeDestroy(t *testing.T) {
	h := newServerHarness(t)

	for _, tt := range []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/v1/teams/team-1/pause", "pause:team-1"},
		{http.MethodPost, "/api/v1/teams/team-1/resume", "resume:team-1"},
		{http.MethodDelete, "/api/v1/teams/team-1", "destroy:team-1"},
	} {
		rec := h.do(tt.method, tt.path, nil, nil)
		require.Equal(t, http.StatusOK, rec.Code, tt.path)
		assert.Contains(t, h.teams.actions, tt.want)
	}
}

func TestTeamPauseInvalidStateMapsToConflict(t *testing.T) {
	h := newServerHarness(t)
	h.teams.actionErr = fmt.Errorf("team team-1 is completed: %w", models.ErrInvalidState)

	rec := h.do(http.MethodPost, "/api/v1/teams/team-1/pause", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
