package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Check probes one dependency.
type Check func(ctx context.Context) error

// HealthHandler reports whether the service and its dependencies respond.
type HealthHandler struct {
	Checks map[string]Check
}

// Health is used by load balancers and monitoring.  It answers 200 with
// {"status":"ok"} when every check passes and 503 naming the failing ones
// otherwise.
func (h *HealthHandler) Health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	failed := echo.Map{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "degraded", "failed": failed})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}
