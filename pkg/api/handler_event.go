package api

import (
	"net/http"
	"strconv"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/flocklab/flock/pkg/models"
)

// listEventsHandler handles GET /api/v1/events.
//
// Query modes:
//   - recent=n         last n events from the replay buffer, newest window
//   - persisted=true   read the durable store tail instead of the buffer
//   - type, agent_id, team_id, after_seq, limit filter either source
func (s *Server) listEventsHandler(c *echo.Context) error {
	if v := c.QueryParam("recent"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "recent must be a positive integer")
		}
		return c.JSON(http.StatusOK, s.eventBus.GetRecent(n))
	}

	var filter models.EventFilter
	filter.AgentID = c.QueryParam("agent_id")
	filter.TeamID = c.QueryParam("team_id")
	if v := c.QueryParam("type"); v != "" {
		for _, t := range strings.Split(v, ",") {
			filter.Types = append(filter.Types, models.EventType(t))
		}
	}
	if v := c.QueryParam("after_seq"); v != "" {
		seq, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "after_seq must be a non-negative integer")
		}
		filter.AfterSeq = seq
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		filter.Limit = n
	}

	// The persisted tail outlives the in-memory buffer; replay tooling reads
	// it to reach events the ring has already evicted.
	if v := c.QueryParam("persisted"); v == "true" || v == "1" {
		events, err := s.repo.ListEvents(c.Request().Context(), filter)
		if err != nil {
			return mapDomainError(err)
		}
		return c.JSON(http.StatusOK, events)
	}

	return c.JSON(http.StatusOK, s.eventBus.GetEvents(filter))
}
