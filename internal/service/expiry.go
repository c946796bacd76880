package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// ExpiryScheduler keeps one pending timer per HOLD booking.  When a timer
// fires it hands the booking id to the fire callback, which drives the expire
// event; whether the booking is still HOLD is decided there, not here.
type ExpiryScheduler struct {
	timer Timer
	now   func() time.Time
	fire  func(bookingID string)
	log   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingExpiry
}

type pendingExpiry struct {
	deadline time.Time
	cancel   func()
}

// NewExpiryScheduler returns a scheduler that arms timers on t.
func NewExpiryScheduler(t Timer, now func() time.Time, fire func(bookingID string), log *zap.Logger) *ExpiryScheduler {
	return &ExpiryScheduler{
		timer:   t,
		now:     now,
		fire:    fire,
		log:     log,
		pending: make(map[string]*pendingExpiry),
	}
}

// Schedule arms (or re-arms) the expiry of bookingID at deadline.  A timer
// that cannot be armed is only logged: the periodic sweep still expires the
// hold.
func (e *ExpiryScheduler) Schedule(bookingID string, deadline time.Time) {
	p := &pendingExpiry{deadline: deadline}
	e.mu.Lock()
	if old, ok := e.pending[bookingID]; ok && old.cancel != nil {
		old.cancel()
	}
	e.pending[bookingID] = p
	e.mu.Unlock()

	cancel, err := e.timer.After(deadline.Sub(e.now()), func() {
		e.forget(bookingID, p)
		e.fire(bookingID)
	})
	if err != nil {
		e.log.Warn("arm hold expiry timer", zap.String("booking_id", bookingID), zap.Time("deadline", deadline), zap.Error(err))
		e.forget(bookingID, p)
		return
	}

	e.mu.Lock()
	if e.pending[bookingID] == p {
		p.cancel = cancel
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	// already fired or cancelled
	cancel()
}

// Cancel drops the pending timer of bookingID, if any.
func (e *ExpiryScheduler) Cancel(bookingID string) {
	e.mu.Lock()
	p, ok := e.pending[bookingID]
	delete(e.pending, bookingID)
	e.mu.Unlock()
	if ok && p.cancel != nil {
		p.cancel()
	}
}

// Pending returns the number of armed timers.
func (e *ExpiryScheduler) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Deadline returns the deadline an armed timer was registered with.
func (e *ExpiryScheduler) Deadline(bookingID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[bookingID]
	if !ok {
		return time.Time{}, false
	}
	return p.deadline, true
}

// Stop cancels every pending timer.
func (e *ExpiryScheduler) Stop() {
	e.mu.Lock()
	all := e.pending
	e.pending = make(map[string]*pendingExpiry)
	e.mu.Unlock()
	for _, p := range all {
		if p.cancel != nil {
			p.cancel()
		}
	}
}

func (e *ExpiryScheduler) forget(bookingID string, p *pendingExpiry) {
	e.mu.Lock()
	if e.pending[bookingID] == p {
		delete(e.pending, bookingID)
	}
	e.mu.Unlock()
}
