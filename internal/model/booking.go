package model

import "time"

// Status is the lifecycle state of a booking.
type Status string

const (
	StatusHold      Status = "HOLD"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
	StatusExpired   Status = "EXPIRED"
)

// OccupyingStatuses lists the statuses that count against seat availability.
var OccupyingStatuses = []Status{StatusHold, StatusConfirmed}

// Valid reports whether s is one of the five known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusHold, StatusConfirmed, StatusCancelled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// Occupying reports whether a booking in this status holds its seats.
func (s Status) Occupying() bool {
	return s == StatusHold || s == StatusConfirmed
}

// Terminal reports whether no lifecycle event can leave this status.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusRefunded || s == StatusExpired
}

// PaymentMethods and Sources are the fixed vocabularies accepted at creation.
var (
	PaymentMethods = []string{"card", "cash", "yape", "plin", "stripe"}
	Sources        = []string{"web", "mobile", "kiosk", "partner"}
)

// UserRef is the requesting party.  The engine never interprets it; it is
// stored and returned as given.
type UserRef struct {
	ID    string `json:"id" validate:"required,max=64"`
	Name  string `json:"name,omitempty" validate:"max=255"`
	Email string `json:"email,omitempty" validate:"max=255"`
	Phone string `json:"phone,omitempty" validate:"max=64"`
}

// Booking is the aggregate root of the engine.  Everything except Status and
// HoldDeadline is fixed at creation; Status moves only through lifecycle
// events and HoldDeadline is set only while Status is HOLD.
//
// Fields:
//
//	ID            – opaque identifier, assigned at creation.
//	ShowtimeID    – screening the seats belong to.
//	MovieID       – movie shown, carried for listings.
//	CinemaID      – cinema hosting the screening.
//	SalaID        – room inside the cinema.
//	SalaNumber    – printed room number.
//	Seats         – non-empty, duplicate-free, ordered seat list.
//	User          – requesting party.
//	PaymentMethod – one of PaymentMethods.
//	Source        – one of Sources.
//	PriceTotal    – monetary snapshot at creation.
//	Currency      – ISO 4217 code of PriceTotal.
//	Status        – lifecycle state.
//	CreatedAt     – creation timestamp (UTC).
//	HoldDeadline  – when an unconfirmed hold lapses; nil unless HOLD.
type Booking struct {
	ID            string     `json:"id"`
	ShowtimeID    string     `json:"showtime_id"`
	MovieID       string     `json:"movie_id"`
	CinemaID      string     `json:"cinema_id"`
	SalaID        string     `json:"sala_id"`
	SalaNumber    int        `json:"sala_number"`
	Seats         []Seat     `json:"seats"`
	User          UserRef    `json:"user"`
	PaymentMethod string     `json:"payment_method"`
	Source        string     `json:"source"`
	PriceTotal    float64    `json:"price_total"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	HoldDeadline  *time.Time `json:"hold_deadline,omitempty"`
}

// Scope returns the conflict scope of the booking.
func (b *Booking) Scope() Scope {
	return Scope{ShowtimeID: b.ShowtimeID, CinemaID: b.CinemaID, SalaID: b.SalaID}
}

// SeatLabels returns the display labels of the booked seats in order.
func (b *Booking) SeatLabels() []string {
	out := make([]string, 0, len(b.Seats))
	for _, s := range b.Seats {
		out = append(out, s.Label())
	}
	return out
}

// Clone returns a deep copy so callers can hand bookings across goroutines
// without sharing the seat slice or the deadline pointer.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	c.Seats = append([]Seat(nil), b.Seats...)
	if b.HoldDeadline != nil {
		d := *b.HoldDeadline
		c.HoldDeadline = &d
	}
	return &c
}
