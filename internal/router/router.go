package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-booking/internal/handler"
)

// RegisterRoutes registers routes that sit outside the booking API.  Currently
// it exposes only the health check used by load balancers.
func RegisterRoutes(e *echo.Echo, health *handler.HealthHandler) {
	e.GET("/healthz", health.Health)
}
