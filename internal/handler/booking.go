package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/repository"
	"github.com/iliyamo/showtime-booking/internal/service"
)

// BookingHandler exposes the booking engine over HTTP.  Handlers only bind
// input, call the engine and translate its typed errors; every business rule
// lives in the service.
type BookingHandler struct {
	Bookings *service.BookingService
	Log      *zap.Logger
}

// NewBookingHandler constructs a BookingHandler.  The service must be non-nil.
func NewBookingHandler(svc *service.BookingService, log *zap.Logger) *BookingHandler {
	if svc == nil {
		panic("nil booking service passed to NewBookingHandler")
	}
	return &BookingHandler{Bookings: svc, Log: log.Named("http")}
}

// CreateHold handles POST /bookings/holds.  It returns 201 with the HOLD
// booking, including its hold_deadline, or 409 naming the seats that are
// already taken.
func (h *BookingHandler) CreateHold(c echo.Context) error {
	var req service.CreateBookingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	b, err := h.Bookings.CreateHold(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// Create handles POST /bookings: a booking entered directly as CONFIRMED.
func (h *BookingHandler) Create(c echo.Context) error {
	var req service.CreateBookingRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	b, err := h.Bookings.CreateConfirmed(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, b)
}

// ConfirmHold handles POST /bookings/reservations with {"hold_id": "..."}.
func (h *BookingHandler) ConfirmHold(c echo.Context) error {
	var body struct {
		HoldID string `json:"hold_id"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	if strings.TrimSpace(body.HoldID) == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error":  "validation failed",
			"fields": []service.FieldError{{Field: "hold_id", Reason: "is required"}},
		})
	}
	b, err := h.Bookings.Confirm(c.Request().Context(), body.HoldID)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Cancel handles POST /bookings/reservations/:id/cancel.
func (h *BookingHandler) Cancel(c echo.Context) error {
	b, err := h.Bookings.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Refund handles POST /bookings/reservations/:id/refund.
func (h *BookingHandler) Refund(c echo.Context) error {
	b, err := h.Bookings.Refund(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// UpdateStatus handles PUT /bookings/:id with {"status": "CONFIRMED" |
// "CANCELLED" | "REFUNDED"}.  The status is reached through the matching
// lifecycle event, never written directly.
func (h *BookingHandler) UpdateStatus(c echo.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid request body"})
	}
	target := model.Status(strings.ToUpper(strings.TrimSpace(body.Status)))
	b, err := h.Bookings.ApplyStatus(c.Request().Context(), c.Param("id"), target)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Get handles GET /bookings/:id and GET /bookings/reservations/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.Bookings.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Delete handles DELETE /bookings/:id, the administrative escape hatch.
func (h *BookingHandler) Delete(c echo.Context) error {
	if err := h.Bookings.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// List handles GET /bookings.  Optional query parameters user_id,
// showtime_id, cinema_id, sala_id and status (comma separated) narrow the
// result.
func (h *BookingHandler) List(c echo.Context) error {
	f := repository.BookingFilter{
		UserID:     strings.TrimSpace(c.QueryParam("user_id")),
		ShowtimeID: strings.TrimSpace(c.QueryParam("showtime_id")),
		CinemaID:   strings.TrimSpace(c.QueryParam("cinema_id")),
		SalaID:     strings.TrimSpace(c.QueryParam("sala_id")),
	}
	if raw := c.QueryParam("status"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			st := model.Status(strings.ToUpper(strings.TrimSpace(p)))
			if !st.Valid() {
				return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid status filter: " + p})
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	return h.list(c, f)
}

// ActiveForUser handles GET /bookings/user/:user_id/active.
func (h *BookingHandler) ActiveForUser(c echo.Context) error {
	list, err := h.Bookings.ActiveForUser(c.Request().Context(), c.Param("user_id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": list, "count": len(list)})
}

// ByShowtime handles GET /bookings/showtime/:showtime_id.
func (h *BookingHandler) ByShowtime(c echo.Context) error {
	return h.list(c, repository.BookingFilter{ShowtimeID: strings.TrimSpace(c.Param("showtime_id"))})
}

// ByCinema handles GET /bookings/cinema/:cinema_id.
func (h *BookingHandler) ByCinema(c echo.Context) error {
	return h.list(c, repository.BookingFilter{CinemaID: strings.TrimSpace(c.Param("cinema_id"))})
}

// Availability handles GET /bookings/availability?showtime_id=&cinema_id=&sala_id=
// and returns the occupied seats of that scope.
func (h *BookingHandler) Availability(c echo.Context) error {
	scope := model.Scope{
		ShowtimeID: c.QueryParam("showtime_id"),
		CinemaID:   c.QueryParam("cinema_id"),
		SalaID:     c.QueryParam("sala_id"),
	}
	occ, err := h.Bookings.Availability(c.Request().Context(), scope)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"scope": scope.Normalized(), "occupied": occ, "count": len(occ)})
}

func (h *BookingHandler) list(c echo.Context, f repository.BookingFilter) error {
	list, err := h.Bookings.List(c.Request().Context(), f)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"bookings": list, "count": len(list)})
}

// writeError maps engine errors onto status codes.  Messages identify the
// offending field or seats but never expose storage details.
func (h *BookingHandler) writeError(c echo.Context, err error) error {
	var (
		ve *service.ValidationError
		sc *service.SeatConflictError
		te *service.TransitionError
	)
	switch {
	case errors.As(err, &ve):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": service.ErrValidation.Error(), "fields": ve.Fields})
	case errors.As(err, &sc):
		return c.JSON(http.StatusConflict, echo.Map{"error": service.ErrSeatConflict.Error(), "seats": sc.Labels()})
	case errors.As(err, &te):
		return c.JSON(http.StatusConflict, echo.Map{"error": te.Error(), "status": te.From})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": service.ErrNotFound.Error()})
	case errors.Is(err, service.ErrTransientStorage):
		h.Log.Error("storage failure", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "temporary storage failure, retry the request"})
	}
	h.Log.Error("unexpected error", zap.String("path", c.Path()), zap.Error(err))
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
}
