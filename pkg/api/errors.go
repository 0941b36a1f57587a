package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/flocklab/flock/pkg/models"
)

// mapDomainError maps domain error kinds to HTTP error responses.
func mapDomainError(err error) *echo.HTTPError {
	var validErr *models.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrCapacityExceeded):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	case errors.Is(err, models.ErrBudgetDenied):
		return echo.NewHTTPError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, models.ErrTransient):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}

	// Internal errors never surface verbatim; the correlation id links the
	// response to the log line.
	ref := uuid.NewString()[:8]
	slog.Error("Unexpected domain error", "ref", ref, "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError,
		fmt.Sprintf("internal server error (ref %s)", ref))
}
