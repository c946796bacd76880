package model

import (
	"strconv"
	"strings"
)

// Seat identifies one seat inside a screening room.  Seats have no life of
// their own; they only exist as members of a booking's seat set.
//
// Fields:
//
//	Row    – row label, e.g. "A" or "AA".  Compared case-insensitively.
//	Number – seat number within the row, zero or greater.
type Seat struct {
	Row    string `json:"seat_row"`
	Number int    `json:"seat_number"`
}

// Scope is the (showtime, cinema, sala) triple inside which seat identity and
// conflict checks are evaluated.  Two different scopes never contend.
type Scope struct {
	ShowtimeID string `json:"showtime_id"`
	CinemaID   string `json:"cinema_id"`
	SalaID     string `json:"sala_id"`
}

// NormalizeRowLabel trims surrounding whitespace and upper-cases the label so
// "a", " A" and "A" name the same row.
func NormalizeRowLabel(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Normalized returns the seat with its row label normalized.
func (s Seat) Normalized() Seat {
	return Seat{Row: NormalizeRowLabel(s.Row), Number: s.Number}
}

// Label renders the seat the way it is printed on a ticket ("A10").  It is
// for display only and must never be used as a map key: "A1"+"0" and "A"+"10"
// render the same.
func (s Seat) Label() string {
	return NormalizeRowLabel(s.Row) + strconv.Itoa(s.Number)
}

// Key returns the canonical key of the seat inside its scope.  Every part is
// length-prefixed, so the key stays unambiguous whatever characters the row
// label contains.
func (s Seat) Key() string {
	var b strings.Builder
	writePart(&b, NormalizeRowLabel(s.Row))
	b.WriteString(strconv.Itoa(s.Number))
	return b.String()
}

// Normalized returns the scope with surrounding whitespace removed from
// every identifier.
func (sc Scope) Normalized() Scope {
	return Scope{
		ShowtimeID: strings.TrimSpace(sc.ShowtimeID),
		CinemaID:   strings.TrimSpace(sc.CinemaID),
		SalaID:     strings.TrimSpace(sc.SalaID),
	}
}

// Key returns the canonical, length-prefixed key of the scope.
func (sc Scope) Key() string {
	n := sc.Normalized()
	var b strings.Builder
	writePart(&b, n.ShowtimeID)
	writePart(&b, n.CinemaID)
	writePart(&b, n.SalaID)
	return b.String()
}

func (sc Scope) String() string {
	n := sc.Normalized()
	return n.ShowtimeID + "/" + n.CinemaID + "/" + n.SalaID
}

// SeatKey returns the canonical key for one seat in one scope.  Two seats are
// the same seat exactly when their keys are equal.
func SeatKey(scope Scope, seat Seat) string {
	return scope.Key() + seat.Key()
}

func writePart(b *strings.Builder, v string) {
	b.WriteString(strconv.Itoa(len(v)))
	b.WriteByte(':')
	b.WriteString(v)
}
