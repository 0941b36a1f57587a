package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/flocklab/flock/pkg/models"
)

// scopeFromPath resolves the budget scope addressed by the request path.
// The global scope is routed as /budgets/global; everything else as
// /budgets/:scopeType/:scopeID.
func scopeFromPath(c *echo.Context) (models.Scope, error) {
	scopeType := c.Param("scopeType")
	if scopeType == "" {
		return models.GlobalScope, nil
	}

	scopeID := c.Param("scopeID")
	switch models.ScopeType(scopeType) {
	case models.ScopeAgent, models.ScopeTeam, models.ScopeProject:
		if scopeID == "" {
			return models.Scope{}, echo.NewHTTPError(http.StatusBadRequest, "scope id is required")
		}
		return models.Scope{Type: models.ScopeType(scopeType), ID: scopeID}, nil
	case models.ScopeGlobal:
		return models.Scope{}, echo.NewHTTPError(http.StatusBadRequest, "the global scope is addressed as /budgets/global")
	default:
		return models.Scope{}, echo.NewHTTPError(http.StatusBadRequest, "invalid scope type: "+scopeType)
	}
}

func windowFromString(v string) (models.Window, error) {
	switch v {
	case "", string(models.WindowDay):
		return models.WindowDay, nil
	case string(models.WindowLifetime):
		return models.WindowLifetime, nil
	default:
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid window: must be day or lifetime")
	}
}

// getBudgetHandler handles GET /api/v1/budgets/{global|:scopeType/:scopeID}.
// Untouched scopes report zero counters rather than 404.
func (s *Server) getBudgetHandler(c *echo.Context) error {
	scope, err := scopeFromPath(c)
	if err != nil {
		return err
	}

	status, err := s.budgets.Status(c.Request().Context(), scope)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// putBudgetHandler handles PUT /api/v1/budgets/{global|:scopeType/:scopeID}.
func (s *Server) putBudgetHandler(c *echo.Context) error {
	scope, err := scopeFromPath(c)
	if err != nil {
		return err
	}

	var req PutBudgetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	window, err := windowFromString(req.Window)
	if err != nil {
		return err
	}

	if err := s.budgets.SetLimit(c.Request().Context(), scope, window, req.LimitCost, req.LimitTokens); err != nil {
		return mapDomainError(err)
	}

	status, err := s.budgets.Status(c.Request().Context(), scope)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, status)
}

// resetBudgetHandler handles DELETE /api/v1/budgets/{global|:scopeType/:scopeID}.
// The window query parameter selects the window to reset, defaulting to day.
func (s *Server) resetBudgetHandler(c *echo.Context) error {
	scope, err := scopeFromPath(c)
	if err != nil {
		return err
	}
	window, err := windowFromString(c.QueryParam("window"))
	if err != nil {
		return err
	}

	if err := s.budgets.Reset(c.Request().Context(), scope, window); err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, &ActionResponse{ID: scope.String(), Status: "reset"})
}
