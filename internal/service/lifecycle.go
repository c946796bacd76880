package service

import "github.com/iliyamo/showtime-booking/internal/model"

// Event is a lifecycle event applied to an existing booking.
type Event string

const (
	EventConfirm Event = "confirm"
	EventCancel  Event = "cancel"
	EventRefund  Event = "refund"
	EventExpire  Event = "expire"
)

// transition is one edge of the booking state graph.  release marks the
// edges that hand the seats back to the availability index.
type transition struct {
	from    model.Status
	event   Event
	to      model.Status
	release bool
}

// transitions is the complete edge list.  Anything not listed is rejected;
// terminal statuses have no outgoing edges.
var transitions = []transition{
	{from: model.StatusHold, event: EventConfirm, to: model.StatusConfirmed},
	{from: model.StatusHold, event: EventExpire, to: model.StatusExpired, release: true},
	{from: model.StatusHold, event: EventCancel, to: model.StatusCancelled, release: true},
	{from: model.StatusConfirmed, event: EventCancel, to: model.StatusCancelled, release: true},
	{from: model.StatusConfirmed, event: EventRefund, to: model.StatusRefunded, release: true},
}

func nextStatus(from model.Status, ev Event) (transition, bool) {
	for _, t := range transitions {
		if t.from == from && t.event == ev {
			return t, true
		}
	}
	return transition{}, false
}

// EventForStatus maps a requested target status onto the event that reaches
// it.  HOLD and EXPIRED cannot be requested: holds are only created, and only
// the expiry scheduler expires.
func EventForStatus(s model.Status) (Event, bool) {
	switch s {
	case model.StatusConfirmed:
		return EventConfirm, true
	case model.StatusCancelled:
		return EventCancel, true
	case model.StatusRefunded:
		return EventRefund, true
	}
	return "", false
}
