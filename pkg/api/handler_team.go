package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/flocklab/flock/pkg/models"
)

// createTeamHandler handles POST /api/v1/teams.
// Spawns the initial roster before returning, so a 201 means the team is
// live; budget and capacity refusals surface as 402/429.
func (s *Server) createTeamHandler(c *echo.Context) error {
	var spec models.TeamSpec
	if err := c.Bind(&spec); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if spec.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task field is required")
	}

	if spec.SharedContext == nil {
		spec.SharedContext = make(map[string]string)
	}
	if _, ok := spec.SharedContext["author"]; !ok {
		spec.SharedContext["author"] = extractAuthor(c)
	}

	teamID, err := s.teams.CreateTeam(c.Request().Context(), spec)
	if err != nil {
		return mapDomainError(err)
	}

	created, err := s.teams.Get(c.Request().Context(), teamID)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusCreated, created)
}

// listTeamsHandler handles GET /api/v1/teams.
func (s *Server) listTeamsHandler(c *echo.Context) error {
	var filters models.TeamFilters

	if v := c.QueryParam("status"); v != "" {
		for _, st := range strings.Split(v, ",") {
			status := models.TeamStatus(st)
			switch status {
			case models.TeamStatusPending, models.TeamStatusRunning, models.TeamStatusPaused,
				models.TeamStatusCompleted, models.TeamStatusFailed:
				filters.Statuses = append(filters.Statuses, status)
			default:
				return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+st)
			}
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filters.Offset = n
		}
	}

	teams, err := s.teams.List(c.Request().Context(), filters)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, teams)
}

// getTeamHandler handles GET /api/v1/teams/:id. Returns the persisted team
// composed with live member states and cached member results.
func (s *Server) getTeamHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}

	status, err := s.teams.TeamStatus(c.Request().Context(), teamID)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// scaleTeamHandler handles POST /api/v1/teams/:id/scale.
func (s *Server) scaleTeamHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}

	var req models.ScaleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Delta == 0 && req.Target == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "one of delta or target is required")
	}

	size, err := s.teams.Scale(c.Request().Context(), teamID, req)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &ScaleResponse{TeamID: teamID, Size: size})
}

// pauseTeamHandler handles POST /api/v1/teams/:id/pause.
func (s *Server) pauseTeamHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}
	if err := s.teams.Pause(c.Request().Context(), teamID); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &ActionResponse{ID: teamID, Status: "paused"})
}

// resumeTeamHandler handles POST /api/v1/teams/:id/resume.
func (s *Server) resumeTeamHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}
	if err := s.teams.Resume(c.Request().Context(), teamID); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &ActionResponse{ID: teamID, Status: "running"})
}

// destroyTeamHandler handles DELETE /api/v1/teams/:id.
func (s *Server) destroyTeamHandler(c *echo.Context) error {
	teamID := c.Param("id")
	if teamID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team id is required")
	}
	if err := s.teams.Destroy(c.Request().Context(), teamID); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &ActionResponse{ID: teamID, Status: "destroyed"})
}
