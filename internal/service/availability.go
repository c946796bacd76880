package service

import (
	"sort"
	"sync"

	"github.com/iliyamo/showtime-booking/internal/model"
)

// OccupiedSeat is one entry of a scope's occupied set.
type OccupiedSeat struct {
	Seat      model.Seat `json:"seat"`
	Label     string     `json:"label"`
	BookingID string     `json:"booking_id"`
}

// Index is the availability index: for every scope, the seats currently held
// by an occupying booking and which booking holds them.  Each scope has its
// own mutex; two scopes never contend.  The index is a derived view and is
// only changed from inside a lifecycle step or a rebuild.
type Index struct {
	mu     sync.Mutex
	scopes map[string]*ScopeSet
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{scopes: make(map[string]*ScopeSet)}
}

// ScopeSet is the occupied-seat set of one scope.  Its methods assume the
// caller holds the scope lock, which Index.Do guarantees.
type ScopeSet struct {
	mu       sync.Mutex
	scope    model.Scope
	occupied map[string]OccupiedSeat
}

func (ix *Index) entry(scope model.Scope) *ScopeSet {
	key := scope.Key()
	ix.mu.Lock()
	defer ix.mu.Unlock()
	s, ok := ix.scopes[key]
	if !ok {
		s = &ScopeSet{scope: scope.Normalized(), occupied: make(map[string]OccupiedSeat)}
		ix.scopes[key] = s
	}
	return s
}

// Do runs fn with the scope's lock held.  Everything fn does against the set,
// including any storage write, is indivisible with respect to every other Do
// on the same scope.
func (ix *Index) Do(scope model.Scope, fn func(set *ScopeSet) error) error {
	s := ix.entry(scope)
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s)
}

// IsFree reports whether none of seats is occupied in scope.
func (ix *Index) IsFree(scope model.Scope, seats []model.Seat) bool {
	free := false
	_ = ix.Do(scope, func(set *ScopeSet) error {
		free = set.IsFree(seats)
		return nil
	})
	return free
}

// Reserve marks seats as held by bookingID, or fails with a
// *SeatConflictError without changing anything.
func (ix *Index) Reserve(scope model.Scope, bookingID string, seats []model.Seat) error {
	return ix.Do(scope, func(set *ScopeSet) error { return set.Reserve(bookingID, seats) })
}

// Release frees the seats held by bookingID.  Releasing a free seat, or one
// now held by another booking, is a no-op.
func (ix *Index) Release(scope model.Scope, bookingID string, seats []model.Seat) {
	_ = ix.Do(scope, func(set *ScopeSet) error {
		set.Release(bookingID, seats)
		return nil
	})
}

// Occupied returns a snapshot of the scope's occupied seats ordered by row
// and number.
func (ix *Index) Occupied(scope model.Scope) []OccupiedSeat {
	var out []OccupiedSeat
	_ = ix.Do(scope, func(set *ScopeSet) error {
		out = set.Snapshot()
		return nil
	})
	return out
}

// Rebuild replaces the whole index with the seats of the given bookings.
// Non-occupying bookings are ignored.
func (ix *Index) Rebuild(bookings []model.Booking) {
	byScope := make(map[string][]model.Booking)
	scopes := make(map[string]model.Scope)
	for _, b := range bookings {
		if !b.Status.Occupying() {
			continue
		}
		k := b.Scope().Key()
		byScope[k] = append(byScope[k], b)
		scopes[k] = b.Scope()
	}

	ix.mu.Lock()
	stale := make([]*ScopeSet, 0, len(ix.scopes))
	for k, s := range ix.scopes {
		if _, ok := byScope[k]; !ok {
			stale = append(stale, s)
		}
	}
	ix.mu.Unlock()

	for _, s := range stale {
		s.mu.Lock()
		s.Reset(nil)
		s.mu.Unlock()
	}
	for k, list := range byScope {
		_ = ix.Do(scopes[k], func(set *ScopeSet) error {
			set.Reset(list)
			return nil
		})
	}
}

// Scope returns the normalized scope this set belongs to.
func (s *ScopeSet) Scope() model.Scope { return s.scope }

// IsFree reports whether none of seats is occupied.
func (s *ScopeSet) IsFree(seats []model.Seat) bool {
	return len(s.Conflicts(seats)) == 0
}

// Conflicts returns the subset of seats that is already occupied, in the
// order given.
func (s *ScopeSet) Conflicts(seats []model.Seat) []model.Seat {
	var taken []model.Seat
	for _, seat := range seats {
		if _, ok := s.occupied[seat.Key()]; ok {
			taken = append(taken, seat.Normalized())
		}
	}
	return taken
}

// Reserve adds seats for bookingID.  It is all-or-nothing: if any seat is
// taken nothing is added.
func (s *ScopeSet) Reserve(bookingID string, seats []model.Seat) error {
	if taken := s.Conflicts(seats); len(taken) > 0 {
		return &SeatConflictError{Scope: s.scope, Seats: taken}
	}
	for _, seat := range seats {
		n := seat.Normalized()
		s.occupied[n.Key()] = OccupiedSeat{Seat: n, Label: n.Label(), BookingID: bookingID}
	}
	return nil
}

// Release removes the seats held by bookingID and leaves everything else.
func (s *ScopeSet) Release(bookingID string, seats []model.Seat) {
	for _, seat := range seats {
		k := seat.Key()
		if cur, ok := s.occupied[k]; ok && cur.BookingID == bookingID {
			delete(s.occupied, k)
		}
	}
}

// Reset replaces the set with the seats of the given occupying bookings.
func (s *ScopeSet) Reset(bookings []model.Booking) {
	s.occupied = make(map[string]OccupiedSeat)
	for _, b := range bookings {
		if !b.Status.Occupying() {
			continue
		}
		for _, seat := range b.Seats {
			n := seat.Normalized()
			s.occupied[n.Key()] = OccupiedSeat{Seat: n, Label: n.Label(), BookingID: b.ID}
		}
	}
}

// Snapshot copies the occupied seats ordered by row and number.
func (s *ScopeSet) Snapshot() []OccupiedSeat {
	out := make([]OccupiedSeat, 0, len(s.occupied))
	for _, o := range s.occupied {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seat.Row != out[j].Seat.Row {
			return out[i].Seat.Row < out[j].Seat.Row
		}
		return out[i].Seat.Number < out[j].Seat.Number
	})
	return out
}
