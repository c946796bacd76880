// Package queue defines the booking lifecycle events exchanged over the
// message broker and the consumer that records them.
package queue

import (
	"time"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// Event types, one per lifecycle step.
const (
	EventHeld      = "booking.held"
	EventConfirmed = "booking.confirmed"
	EventCancelled = "booking.cancelled"
	EventRefunded  = "booking.refunded"
	EventExpired   = "booking.expired"
	EventDeleted   = "booking.deleted"
)

// BookingEvent is published after a booking step has been committed.  It
// carries enough of the booking for downstream consumers to log, notify, or
// feed analytics without querying the primary database.
type BookingEvent struct {
	Type          string     `json:"type"`
	BookingID     string     `json:"booking_id"`
	Status        string     `json:"status"`
	ShowtimeID    string     `json:"showtime_id"`
	MovieID       string     `json:"movie_id"`
	CinemaID      string     `json:"cinema_id"`
	SalaID        string     `json:"sala_id"`
	SalaNumber    int        `json:"sala_number"`
	UserID        string     `json:"user_id"`
	Seats         []string   `json:"seats"`
	PaymentMethod string     `json:"payment_method"`
	Source        string     `json:"source"`
	PriceTotal    float64    `json:"price_total"`
	Currency      string     `json:"currency"`
	HoldDeadline  *time.Time `json:"hold_deadline,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// NewBookingEvent builds the event of the given type from a booking snapshot.
func NewBookingEvent(typ string, b *model.Booking, at time.Time) BookingEvent {
	return BookingEvent{
		Type:          typ,
		BookingID:     b.ID,
		Status:        string(b.Status),
		ShowtimeID:    b.ShowtimeID,
		MovieID:       b.MovieID,
		CinemaID:      b.CinemaID,
		SalaID:        b.SalaID,
		SalaNumber:    b.SalaNumber,
		UserID:        b.User.ID,
		Seats:         b.SeatLabels(),
		PaymentMethod: b.PaymentMethod,
		Source:        b.Source,
		PriceTotal:    b.PriceTotal,
		Currency:      b.Currency,
		HoldDeadline:  b.HoldDeadline,
		OccurredAt:    at.UTC(),
	}
}

// EventTypeFor returns the event type announcing that a booking reached s.
func EventTypeFor(s model.Status) string {
	switch s {
	case model.StatusHold:
		return EventHeld
	case model.StatusConfirmed:
		return EventConfirmed
	case model.StatusCancelled:
		return EventCancelled
	case model.StatusRefunded:
		return EventRefunded
	case model.StatusExpired:
		return EventExpired
	}
	return "booking." + string(s)
}
