package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/showtime-booking/internal/handler"
)

// RegisterBookings registers the booking API under /bookings.  limiter wraps
// every route that changes state; reads are not limited.  Literal segments
// are registered before /:id so they are never taken for an id.
func RegisterBookings(e *echo.Echo, h *handler.BookingHandler, limiter echo.MiddlewareFunc) {
	g := e.Group("/bookings")

	g.POST("", h.Create, limiter)
	g.GET("", h.List)
	g.GET("/availability", h.Availability)

	// hold and confirm
	g.POST("/holds", h.CreateHold, limiter)
	g.POST("/reservations", h.ConfirmHold, limiter)
	g.GET("/reservations/:id", h.Get)
	g.POST("/reservations/:id/cancel", h.Cancel, limiter)
	g.POST("/reservations/:id/refund", h.Refund, limiter)

	g.GET("/user/:user_id/active", h.ActiveForUser)
	g.GET("/showtime/:showtime_id", h.ByShowtime)
	g.GET("/cinema/:cinema_id", h.ByCinema)

	// admin
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.UpdateStatus, limiter)
	g.DELETE("/:id", h.Delete, limiter)
}
