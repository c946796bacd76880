// Package service implements the booking engine: the conflict-resolving
// allocator, the lifecycle state machine, the availability index and the
// hold expiry scheduler.
//
// Concurrency model: every write that can change which seats are occupied in
// a scope runs inside Index.Do for that scope, optionally nested inside a
// distributed lock when several instances share one database.  Status changes
// are additionally conditional writes in the store, so confirm and expire can
// never both succeed on the same hold.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/queue"
	"github.com/iliyamo/showtime-booking/internal/repository"
)

// Store is the persistence collaborator.  Implementations return the
// repository sentinels ErrNotFound, ErrConflict and ErrStale.
type Store interface {
	Load(ctx context.Context, id string) (*model.Booking, error)
	Save(ctx context.Context, b *model.Booking) error
	UpdateStatus(ctx context.Context, id string, from, to model.Status, deadline *time.Time) error
	QueryByScope(ctx context.Context, scope model.Scope, statuses []model.Status) ([]model.Booking, error)
	Find(ctx context.Context, f repository.BookingFilter) ([]model.Booking, error)
	DueHolds(ctx context.Context, before time.Time, limit int) ([]model.Booking, error)
	Delete(ctx context.Context, id string) error
}

// Locker serialises a scope across processes.  The returned release func
// must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Publisher announces committed booking steps.  Failures never undo a step.
type Publisher interface {
	Publish(ctx context.Context, ev queue.BookingEvent) error
}

// IDGenerator produces booking ids.
type IDGenerator func(now time.Time) string

// NewBookingID returns "bk_<YYYYMMDD>_<12 hex chars>".
func NewBookingID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return "bk_" + now.UTC().Format("20060102") + "_" + suffix
}

// Config is the engine policy.
type Config struct {
	HoldTTL         time.Duration
	OpTimeout       time.Duration
	DefaultCurrency string
}

// DefaultConfig matches the documented defaults of the service.
func DefaultConfig() Config {
	return Config{HoldTTL: 10 * time.Minute, OpTimeout: 5 * time.Second, DefaultCurrency: "PEN"}
}

// Option customises a BookingService.
type Option func(*BookingService)

// WithLocker enables the distributed scope lock.  With a locker set, a
// scope's occupied set is reloaded from the store inside the lock before
// every check, because other instances may have changed it.
func WithLocker(l Locker) Option { return func(s *BookingService) { s.locker = l } }

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option { return func(s *BookingService) { s.publisher = p } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *BookingService) { s.now = now } }

// WithIDGenerator replaces NewBookingID.
func WithIDGenerator(g IDGenerator) Option { return func(s *BookingService) { s.newID = g } }

// sweepBatch bounds how many due holds one sweep round loads at once.
const sweepBatch = 100

// BookingService is the booking engine.  It is safe for concurrent use.
type BookingService struct {
	store     Store
	index     *Index
	expiry    *ExpiryScheduler
	timer     Timer
	locker    Locker
	publisher Publisher
	now       func() time.Time
	newID     IDGenerator
	cfg       Config
	log       *zap.Logger
}

// NewBookingService wires the engine.  Zero fields of cfg take their
// defaults.
func NewBookingService(store Store, timer Timer, cfg Config, log *zap.Logger, opts ...Option) *BookingService {
	def := DefaultConfig()
	if cfg.HoldTTL <= 0 {
		cfg.HoldTTL = def.HoldTTL
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = def.DefaultCurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &BookingService{
		store:     store,
		index:     NewIndex(),
		timer:     timer,
		publisher: noopPublisher{},
		now:       time.Now,
		newID:     NewBookingID,
		cfg:       cfg,
		log:       log.Named("booking"),
	}
	for _, o := range opts {
		o(s)
	}
	s.expiry = NewExpiryScheduler(timer, s.now, s.onExpiryTimer, s.log)
	return s
}

// Index exposes the availability index.
func (s *BookingService) Index() *Index { return s.index }

// Expiry exposes the hold expiry scheduler.
func (s *BookingService) Expiry() *ExpiryScheduler { return s.expiry }

// CreateHold is the allocator: it validates the request and, atomically for
// the scope, checks the seats, persists a HOLD booking and reserves the seats.
// The hold lapses HoldTTL from now unless confirmed.
func (s *BookingService) CreateHold(ctx context.Context, req CreateBookingRequest) (*model.Booking, error) {
	return s.create(ctx, req, model.StatusHold)
}

// CreateConfirmed is the direct entry path for bookings that never hold,
// e.g. entered by an administrator.  Conflict rules are the same.
func (s *BookingService) CreateConfirmed(ctx context.Context, req CreateBookingRequest) (*model.Booking, error) {
	return s.create(ctx, req, model.StatusConfirmed)
}

func (s *BookingService) create(ctx context.Context, req CreateBookingRequest, status model.Status) (*model.Booking, error) {
	req.normalize(s.cfg.DefaultCurrency)
	if err := req.check(); err != nil {
		return nil, err
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	b := &model.Booking{
		ID:            s.newID(now),
		ShowtimeID:    req.ShowtimeID,
		MovieID:       req.MovieID,
		CinemaID:      req.CinemaID,
		SalaID:        req.SalaID,
		SalaNumber:    *req.SalaNumber,
		Seats:         req.seats(),
		User:          req.User,
		PaymentMethod: req.PaymentMethod,
		Source:        req.Source,
		PriceTotal:    *req.PriceTotal,
		Currency:      req.Currency,
		Status:        status,
		CreatedAt:     now,
	}
	if status == model.StatusHold {
		deadline := now.Add(s.cfg.HoldTTL)
		b.HoldDeadline = &deadline
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	err := s.withScope(ctx, b.Scope(), func(set *ScopeSet) error {
		if taken := set.Conflicts(b.Seats); len(taken) > 0 {
			return &SeatConflictError{Scope: set.Scope(), Seats: taken}
		}
		if err := s.store.Save(ctx, b); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				// id collision: nothing was reserved, the caller retries with a fresh id
				return storageErr("save booking", fmt.Errorf("booking id %s already in use: %w", b.ID, err))
			}
			return storageErr("save booking", err)
		}
		return set.Reserve(b.ID, b.Seats)
	})
	if err != nil {
		if errors.Is(err, ErrSeatConflict) {
			s.log.Info("seat conflict", zap.Stringer("scope", b.Scope()), zap.Error(err))
		}
		return nil, err
	}

	if b.Status == model.StatusHold {
		s.expiry.Schedule(b.ID, *b.HoldDeadline)
	}
	s.log.Info("booking created",
		zap.String("booking_id", b.ID),
		zap.String("status", string(b.Status)),
		zap.Stringer("scope", b.Scope()),
		zap.Strings("seats", b.SeatLabels()),
	)
	s.publish(ctx, queue.EventTypeFor(b.Status), b)
	return b.Clone(), nil
}

// Confirm moves a HOLD to CONFIRMED.  A hold whose deadline already passed is
// expired instead and the call fails with ErrInvalidTransition.
func (s *BookingService) Confirm(ctx context.Context, id string) (*model.Booking, error) {
	return s.apply(ctx, id, EventConfirm)
}

// Cancel moves a HOLD or CONFIRMED booking to CANCELLED and frees its seats.
func (s *BookingService) Cancel(ctx context.Context, id string) (*model.Booking, error) {
	return s.apply(ctx, id, EventCancel)
}

// Refund moves a CONFIRMED booking to REFUNDED and frees its seats.
func (s *BookingService) Refund(ctx context.Context, id string) (*model.Booking, error) {
	return s.apply(ctx, id, EventRefund)
}

// Expire drives the expire event.  Against a booking that is no longer HOLD,
// or whose deadline has not passed, it is a no-op returning the booking as
// stored; it never fails with ErrInvalidTransition.
func (s *BookingService) Expire(ctx context.Context, id string) (*model.Booking, error) {
	return s.apply(ctx, id, EventExpire)
}

// ApplyStatus maps a requested target status onto its lifecycle event.
func (s *BookingService) ApplyStatus(ctx context.Context, id string, target model.Status) (*model.Booking, error) {
	ev, ok := EventForStatus(target)
	if !ok {
		reason := "must be one of: CONFIRMED, CANCELLED, REFUNDED"
		if !target.Valid() {
			reason = fmt.Sprintf("unknown status %q; %s", target, reason)
		}
		return nil, &ValidationError{Fields: []FieldError{{Field: "status", Reason: reason}}}
	}
	return s.apply(ctx, id, ev)
}

// apply runs one lifecycle event.  Load, conditional status write and index
// update happen under the scope lock; timer cancellation and the event
// publication follow once the step is committed.
func (s *BookingService) apply(ctx context.Context, id string, ev Event) (*model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	b, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		out      *model.Booking
		from     model.Status
		stepDone bool
	)
	err = s.withScope(ctx, b.Scope(), func(set *ScopeSet) error {
		cur, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		out, from = cur, cur.Status

		if ev == EventExpire && !s.holdLapsed(cur) {
			return nil
		}
		if ev == EventConfirm && s.holdLapsed(cur) {
			done, err := s.step(ctx, set, cur, EventExpire)
			stepDone = done
			if err != nil {
				return err
			}
			return &TransitionError{BookingID: id, From: model.StatusHold, Event: ev, Reason: "hold expired"}
		}
		stepDone, err = s.step(ctx, set, cur, ev)
		return err
	})
	if stepDone {
		s.afterStep(ctx, out, from)
	}
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// step applies ev to cur in place.  It reports whether a status change was
// committed.
func (s *BookingService) step(ctx context.Context, set *ScopeSet, cur *model.Booking, ev Event) (bool, error) {
	t, ok := nextStatus(cur.Status, ev)
	if !ok {
		return false, &TransitionError{BookingID: cur.ID, From: cur.Status, Event: ev}
	}
	if err := s.store.UpdateStatus(ctx, cur.ID, t.from, t.to, nil); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return false, notFound(cur.ID)
		case errors.Is(err, repository.ErrStale):
			if ev == EventExpire {
				return false, nil
			}
			return false, &TransitionError{BookingID: cur.ID, From: cur.Status, Event: ev, Reason: "status changed concurrently"}
		default:
			return false, storageErr("update status", err)
		}
	}
	cur.Status = t.to
	cur.HoldDeadline = nil
	if t.release {
		set.Release(cur.ID, cur.Seats)
	}
	return true, nil
}

func (s *BookingService) afterStep(ctx context.Context, b *model.Booking, from model.Status) {
	if from == model.StatusHold {
		s.expiry.Cancel(b.ID)
	}
	s.log.Info("booking transitioned",
		zap.String("booking_id", b.ID),
		zap.String("from", string(from)),
		zap.String("to", string(b.Status)),
	)
	s.publish(ctx, queue.EventTypeFor(b.Status), b)
}

func (s *BookingService) holdLapsed(b *model.Booking) bool {
	if b.Status != model.StatusHold {
		return false
	}
	return b.HoldDeadline == nil || !s.now().Before(*b.HoldDeadline)
}

// onExpiryTimer is the timer callback.  It runs detached from any request.
func (s *BookingService) onExpiryTimer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
	defer cancel()
	if _, err := s.Expire(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		s.log.Warn("hold expiry failed", zap.String("booking_id", id), zap.Error(err))
	}
}

// ExpireDue expires every HOLD whose deadline has passed and returns how
// many it expired.  It catches holds whose timer was lost, e.g. across a
// restart.
func (s *BookingService) ExpireDue(ctx context.Context) (int, error) {
	expired := 0
	seen := make(map[string]struct{})
	for {
		due, err := s.store.DueHolds(ctx, s.now(), sweepBatch)
		if err != nil {
			return expired, storageErr("load due holds", err)
		}
		progressed := false
		for i := range due {
			id := due[i].ID
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			progressed = true
			b, err := s.Expire(ctx, id)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return expired, err
			}
			if b.Status == model.StatusExpired {
				expired++
			}
		}
		if len(due) < sweepBatch || !progressed {
			return expired, nil
		}
	}
}

// StartSweeper runs ExpireDue every interval until the returned stop func is
// called.
func (s *BookingService) StartSweeper(interval time.Duration) (stop func(), err error) {
	return s.timer.Every(interval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.OpTimeout)
		defer cancel()
		n, err := s.ExpireDue(ctx)
		if err != nil {
			s.log.Warn("expiry sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			s.log.Info("expiry sweep", zap.Int("expired", n))
		}
	})
}

// Recover rebuilds the availability index from the store, re-arms the timers
// of live holds and expires the ones that lapsed while nobody was watching.
// It is meant to run once at startup before traffic is accepted.
func (s *BookingService) Recover(ctx context.Context) error {
	active, err := s.store.Find(ctx, repository.BookingFilter{Statuses: model.OccupyingStatuses})
	if err != nil {
		return storageErr("load active bookings", err)
	}
	s.index.Rebuild(active)

	armed := 0
	for i := range active {
		b := &active[i]
		if b.Status == model.StatusHold && !s.holdLapsed(b) {
			s.expiry.Schedule(b.ID, *b.HoldDeadline)
			armed++
		}
	}
	expired, err := s.ExpireDue(ctx)
	if err != nil {
		return err
	}
	s.log.Info("booking index recovered",
		zap.Int("active", len(active)),
		zap.Int("timers", armed),
		zap.Int("expired", expired),
	)
	return nil
}

// Get returns one booking.
func (s *BookingService) Get(ctx context.Context, id string) (*model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	return s.load(ctx, id)
}

// List returns the bookings matching f, oldest first.
func (s *BookingService) List(ctx context.Context, f repository.BookingFilter) ([]model.Booking, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	out, err := s.store.Find(ctx, f)
	if err != nil {
		return nil, storageErr("list bookings", err)
	}
	return out, nil
}

// ActiveForUser returns the HOLD and CONFIRMED bookings of one user.
func (s *BookingService) ActiveForUser(ctx context.Context, userID string) ([]model.Booking, error) {
	return s.List(ctx, repository.BookingFilter{UserID: strings.TrimSpace(userID), Statuses: model.OccupyingStatuses})
}

// Availability returns the occupied seats of a scope.  With a distributed
// lock configured the store is authoritative, so it is read directly.
func (s *BookingService) Availability(ctx context.Context, scope model.Scope) ([]OccupiedSeat, error) {
	scope = scope.Normalized()
	var fields []FieldError
	for _, f := range []struct{ name, v string }{
		{"showtime_id", scope.ShowtimeID},
		{"cinema_id", scope.CinemaID},
		{"sala_id", scope.SalaID},
	} {
		if f.v == "" {
			fields = append(fields, FieldError{Field: f.name, Reason: "is required"})
		}
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	if s.locker == nil {
		return s.index.Occupied(scope), nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	list, err := s.store.QueryByScope(ctx, scope, model.OccupyingStatuses)
	if err != nil {
		return nil, storageErr("query scope", err)
	}
	set := &ScopeSet{scope: scope}
	set.Reset(list)
	return set.Snapshot(), nil
}

// Delete is the administrative escape hatch: it removes the booking whatever
// its status, bypassing the state machine.  Its seats are released and its
// timer dropped so the index stays a faithful view of the store.
func (s *BookingService) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	b, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	err = s.withScope(ctx, b.Scope(), func(set *ScopeSet) error {
		if err := s.store.Delete(ctx, id); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return notFound(id)
			}
			return storageErr("delete booking", err)
		}
		set.Release(id, b.Seats)
		return nil
	})
	if err != nil {
		return err
	}
	s.expiry.Cancel(id)
	s.log.Warn("booking deleted", zap.String("booking_id", id), zap.String("status", string(b.Status)))
	s.publish(ctx, queue.EventDeleted, b)
	return nil
}

// Shutdown drops every pending expiry timer.
func (s *BookingService) Shutdown() {
	s.expiry.Stop()
}

func (s *BookingService) load(ctx context.Context, id string) (*model.Booking, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &ValidationError{Fields: []FieldError{{Field: "id", Reason: "is required"}}}
	}
	b, err := s.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFound(id)
		}
		return nil, storageErr("load booking", err)
	}
	return b, nil
}

// withScope runs fn under the scope's mutual-exclusion boundary.
func (s *BookingService) withScope(ctx context.Context, scope model.Scope, fn func(set *ScopeSet) error) error {
	if s.locker == nil {
		return s.index.Do(scope, fn)
	}
	release, err := s.locker.Acquire(ctx, "booking:scope:"+scope.Key())
	if err != nil {
		return storageErr("acquire scope lock", err)
	}
	defer release()
	return s.index.Do(scope, func(set *ScopeSet) error {
		list, err := s.store.QueryByScope(ctx, scope, model.OccupyingStatuses)
		if err != nil {
			return storageErr("sync scope", err)
		}
		set.Reset(list)
		return fn(set)
	})
}

func (s *BookingService) publish(ctx context.Context, typ string, b *model.Booking) {
	// the step is committed; a caller that went away must not suppress the event
	ctx = context.WithoutCancel(ctx)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, queue.NewBookingEvent(typ, b, s.now())); err != nil {
		s.log.Warn("publish booking event", zap.String("type", typ), zap.String("booking_id", b.ID), zap.Error(err))
	}
}
