package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/flocklab/flock/pkg/models"
	"github.com/flocklab/flock/pkg/runtime"
)

// spawnAgentHandler handles POST /api/v1/agents.
// Returns as soon as the agent row exists; session establishment proceeds in
// the background and is observable as agent_ready / agent_failed events.
func (s *Server) spawnAgentHandler(c *echo.Context) error {
	var req models.SpawnRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Task == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task field is required")
	}

	if req.Metadata == nil {
		req.Metadata = make(map[string]string)
	}
	if _, ok := req.Metadata["author"]; !ok {
		req.Metadata["author"] = extractAuthor(c)
	}

	agentID, err := s.agents.Spawn(c.Request().Context(), req)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusCreated, &SpawnResponse{AgentID: agentID, Status: "spawning"})
}

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *echo.Context) error {
	filters := models.AgentFilters{
		TeamID:   c.QueryParam("team_id"),
		ParentID: c.QueryParam("parent_id"),
	}

	if v := c.QueryParam("state"); v != "" {
		for _, st := range strings.Split(v, ",") {
			state := models.AgentState(st)
			if err := models.AgentStateValidator(state); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid state: "+st)
			}
			filters.States = append(filters.States, state)
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

	agents, err := s.agents.List(c.Request().Context(), filters)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, agents)
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	agent, err := s.agents.Get(c.Request().Context(), agentID)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, agent)
}

// sendMessageHandler handles POST /api/v1/agents/:id/send.
// Blocks until the run settles, so the response carries the result and the
// usage that was debited. Client disconnects cancel the run's context.
func (s *Server) sendMessageHandler(c *echo.Context) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}

	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	attachments := make([]runtime.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		attachments = append(attachments, runtime.Attachment{
			Name:      a.Name,
			MediaType: a.MediaType,
			Data:      a.Data,
		})
	}

	res, err := s.agents.Send(c.Request().Context(), agentID, req.Message, attachments)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &SendResponse{
		AgentID:   agentID,
		RunID:     res.RunID,
		Result:    res.Result,
		TokensIn:  res.TokensIn,
		TokensOut: res.TokensOut,
		Model:     res.Model,
		CostUSD:   res.CostUSD,
	})
}

// pauseAgentHandler handles POST /api/v1/agents/:id/pause.
func (s *Server) pauseAgentHandler(c *echo.Context) error {
	return s.agentAction(c, s.agents.Pause, "paused")
}

// resumeAgentHandler handles POST /api/v1/agents/:id/resume.
func (s *Server) resumeAgentHandler(c *echo.Context) error {
	return s.agentAction(c, s.agents.Resume, "resumed")
}

// killAgentHandler handles POST /api/v1/agents/:id/kill.
func (s *Server) killAgentHandler(c *echo.Context) error {
	return s.agentAction(c, s.agents.Kill, "killed")
}

// retryAgentHandler handles POST /api/v1/agents/:id/retry.
func (s *Server) retryAgentHandler(c *echo.Context) error {
	return s.agentAction(c, s.agents.Retry, "retrying")
}

func (s *Server) agentAction(c *echo.Context, op func(ctx context.Context, agentID string) error, status string) error {
	agentID := c.Param("id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	if err := op(c.Request().Context(), agentID); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &ActionResponse{ID: agentID, Status: status})
}
