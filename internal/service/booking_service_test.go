package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/queue"
	"github.com/iliyamo/showtime-booking/internal/repository"
)

func TestCreateHold_ConflictNamesTakenSeats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.svc.CreateHold(ctx, request(testScope, "A10", "A11"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusHold, first.Status)
	require.NotNil(t, first.HoldDeadline)
	assert.True(t, h.clock.Now().Add(10*time.Minute).Equal(*first.HoldDeadline))
	assert.Equal(t, 1, h.svc.Expiry().Pending())

	_, err = h.svc.CreateHold(ctx, request(testScope, "A10"))
	require.ErrorIs(t, err, ErrSeatConflict)
	var sc *SeatConflictError
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, []string{"A10"}, sc.Labels())

	all, _ := h.store.Find(ctx, repository.BookingFilter{})
	assert.Len(t, all, 1)
}

func TestConfirm_ConfirmedSeatsStillOccupy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.svc.CreateHold(ctx, request(testScope, "A10", "A11"))
	require.NoError(t, err)

	confirmed, err := h.svc.Confirm(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, confirmed.Status)
	assert.Nil(t, confirmed.HoldDeadline)
	assert.Equal(t, 0, h.svc.Expiry().Pending())
	assert.Equal(t, 0, h.timer.Len())

	_, err = h.svc.CreateHold(ctx, request(testScope, "A11"))
	assert.ErrorIs(t, err, ErrSeatConflict)
}

func TestExpiry_LapsedHoldFreesSeats(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.svc.CreateHold(ctx, request(testScope, "A10", "A11"))
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, h.timer.FireOneShots())

	got, err := h.svc.Get(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Nil(t, got.HoldDeadline)

	again, err := h.svc.CreateHold(ctx, request(testScope, "A10", "A11"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusHold, again.Status)
}

func TestCancel_HoldThenLateTimerIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.svc.CreateHold(ctx, request(testScope, "B1"))
	require.NoError(t, err)

	cancelled, err := h.svc.Cancel(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, h.timer.Len())

	// a timer that fires despite the cancellation
	h.clock.Advance(time.Hour)
	h.svc.onExpiryTimer(hold.ID)

	got, _ := h.svc.Get(ctx, hold.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.True(t, h.svc.Index().IsFree(testScope, []model.Seat{{Row: "B", Number: 1}}))
}

func TestConfirm_CancelledBookingIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.svc.CreateHold(ctx, request(testScope, "C3"))
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, hold.ID)
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, hold.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, model.StatusCancelled, te.From)

	got, _ := h.svc.Get(ctx, hold.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
}

func TestCreateHold_EmptySeatsIsValidationError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := request(testScope)
	req.Seats = []SeatInput{}
	_, err := h.svc.CreateHold(ctx, req)
	require.ErrorIs(t, err, ErrValidation)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "seats", ve.Fields[0].Field)

	all, _ := h.store.Find(ctx, repository.BookingFilter{})
	assert.Empty(t, all)
	assert.Empty(t, h.pub.Types(""))
}

func TestTransitions_FollowTheGraph(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		setup  []Event
		event  Event
		want   model.Status
		reject bool
	}{
		{name: "hold confirm", event: EventConfirm, want: model.StatusConfirmed},
		{name: "hold cancel", event: EventCancel, want: model.StatusCancelled},
		{name: "hold refund", event: EventRefund, reject: true},
		{name: "confirmed cancel", setup: []Event{EventConfirm}, event: EventCancel, want: model.StatusCancelled},
		{name: "confirmed refund", setup: []Event{EventConfirm}, event: EventRefund, want: model.StatusRefunded},
		{name: "confirmed confirm", setup: []Event{EventConfirm}, event: EventConfirm, reject: true},
		{name: "refunded cancel", setup: []Event{EventConfirm, EventRefund}, event: EventCancel, reject: true},
		{name: "cancelled refund", setup: []Event{EventCancel}, event: EventRefund, reject: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			b, err := h.svc.CreateHold(ctx, request(testScope, "D4"))
			require.NoError(t, err)
			for _, ev := range tc.setup {
				_, err := h.svc.apply(ctx, b.ID, ev)
				require.NoError(t, err)
			}
			before, _ := h.svc.Get(ctx, b.ID)

			got, err := h.svc.apply(ctx, b.ID, tc.event)
			if tc.reject {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				after, _ := h.svc.Get(ctx, b.ID)
				assert.Equal(t, before.Status, after.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)
			if tc.want.Terminal() {
				assert.True(t, h.svc.Index().IsFree(testScope, b.Seats))
			}
		})
	}
}

func TestTransitions_UnknownID(t *testing.T) {
	h := newHarness(t)
	for _, ev := range []Event{EventConfirm, EventCancel, EventRefund, EventExpire} {
		_, err := h.svc.apply(context.Background(), "bk_missing", ev)
		assert.ErrorIs(t, err, ErrNotFound, ev)
	}
}

func TestConfirm_AfterDeadlineExpiresInstead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.svc.CreateHold(ctx, request(testScope, "E5"))
	require.NoError(t, err)
	h.clock.Advance(10 * time.Minute)

	_, err = h.svc.Confirm(ctx, hold.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "hold expired")

	got, _ := h.svc.Get(ctx, hold.ID)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.True(t, h.svc.Index().IsFree(testScope, hold.Seats))
	assert.Equal(t, 0, h.svc.Expiry().Pending())
	assert.Equal(t, []string{queue.EventHeld, queue.EventExpired}, h.pub.Types(hold.ID))
}

func TestExpire_AfterConfirmIsIdempotentNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.svc.CreateHold(ctx, request(testScope, "F6"))
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, hold.ID)
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	for i := 0; i < 2; i++ {
		got, err := h.svc.Expire(ctx, hold.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusConfirmed, got.Status)
	}
	assert.False(t, h.svc.Index().IsFree(testScope, hold.Seats))
}

func TestExpire_BeforeDeadlineIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.svc.CreateHold(ctx, request(testScope, "G7"))
	require.NoError(t, err)

	got, err := h.svc.Expire(ctx, hold.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusHold, got.Status)
}

func TestConfirmAndExpire_RaceHasOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		h := newHarness(t)
		ctx := context.Background()
		hold, err := h.svc.CreateHold(ctx, request(testScope, "H8"))
		require.NoError(t, err)
		h.clock.Advance(9*time.Minute + 59*time.Second)

		var wg sync.WaitGroup
		var confirmErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = h.svc.Confirm(ctx, hold.ID)
		}()
		go func() {
			defer wg.Done()
			h.clock.Advance(2 * time.Second)
			_, _ = h.svc.Expire(ctx, hold.ID)
		}()
		wg.Wait()

		got, _ := h.svc.Get(ctx, hold.ID)
		if confirmErr == nil {
			assert.Equal(t, model.StatusConfirmed, got.Status)
		} else {
			assert.Equal(t, model.StatusExpired, got.Status)
		}
		types := h.pub.Types(hold.ID)
		assert.Len(t, types, 2, "exactly one step after the hold")
	}
}

func TestConcurrentHolds_NeverShareASeat(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := []string{}
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// overlapping windows of three seats in one row
			labels := []string{fmt.Sprintf("A%d", i%8), fmt.Sprintf("A%d", i%8+1), fmt.Sprintf("A%d", i%8+2)}
			b, err := h.svc.CreateHold(ctx, request(testScope, labels...))
			if err != nil {
				assert.ErrorIs(t, err, ErrSeatConflict)
				return
			}
			mu.Lock()
			created = append(created, b.ID)
			mu.Unlock()
			if i%2 == 0 {
				_, _ = h.svc.Confirm(ctx, b.ID)
			}
		}(i)
	}
	wg.Wait()
	require.NotEmpty(t, created)

	occupying, err := h.store.QueryByScope(ctx, testScope, model.OccupyingStatuses)
	require.NoError(t, err)
	owner := map[string]string{}
	for _, b := range occupying {
		for _, s := range b.Seats {
			k := model.SeatKey(b.Scope(), s)
			prev, taken := owner[k]
			assert.False(t, taken, "seat %s held by %s and %s", s.Label(), prev, b.ID)
			owner[k] = b.ID
		}
	}
	assert.Len(t, h.svc.Index().Occupied(testScope), len(owner))
}

func TestEventSequences_ArePathsThroughTheGraph(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i, steps := range [][]Event{
		{EventConfirm, EventRefund},
		{EventCancel},
		{EventConfirm, EventCancel, EventRefund},
		{EventRefund, EventConfirm},
	} {
		b, err := h.svc.CreateHold(ctx, request(testScope, fmt.Sprintf("P%d", i)))
		require.NoError(t, err)
		ids = append(ids, b.ID)
		for _, ev := range steps {
			_, _ = h.svc.apply(ctx, b.ID, ev)
		}
	}

	statusOf := map[string]model.Status{
		queue.EventHeld:      model.StatusHold,
		queue.EventConfirmed: model.StatusConfirmed,
		queue.EventCancelled: model.StatusCancelled,
		queue.EventRefunded:  model.StatusRefunded,
		queue.EventExpired:   model.StatusExpired,
	}
	for _, id := range ids {
		types := h.pub.Types(id)
		require.NotEmpty(t, types)
		assert.Equal(t, queue.EventHeld, types[0], "created via hold must start in HOLD")
		prev := model.StatusHold
		for _, typ := range types[1:] {
			next := statusOf[typ]
			legal := false
			for _, tr := range transitions {
				if tr.from == prev && tr.to == next {
					legal = true
				}
			}
			assert.True(t, legal, "%s -> %s", prev, next)
			prev = next
		}
	}
}

func TestCreateConfirmed_OccupiesWithoutTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.svc.CreateConfirmed(ctx, request(testScope, "J1"))
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, b.Status)
	assert.Nil(t, b.HoldDeadline)
	assert.Equal(t, 0, h.timer.Len())

	_, err = h.svc.CreateHold(ctx, request(testScope, "j1"))
	assert.ErrorIs(t, err, ErrSeatConflict)
}

func TestCreateHold_NormalizesAndDedupes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	req := request(model.Scope{ShowtimeID: " st_1001 ", CinemaID: "cin_001", SalaID: "sala_1"}, "a10", "A10", "A11")
	req.Seats[0].Row = " a "
	req.PaymentMethod = " CARD"
	b, err := h.svc.CreateHold(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "st_1001", b.ShowtimeID)
	assert.Equal(t, []string{"A10", "A11"}, b.SeatLabels())
	assert.Equal(t, "card", b.PaymentMethod)
	assert.Equal(t, "PEN", b.Currency)
}

func TestCreateHold_OtherScopeDoesNotConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateHold(ctx, request(testScope, "A10"))
	require.NoError(t, err)

	other := testScope
	other.SalaID = "sala_2"
	_, err = h.svc.CreateHold(ctx, request(other, "A10"))
	assert.NoError(t, err)
}

func TestCreateHold_IDCollisionIsTransient(t *testing.T) {
	h := newHarness(t, WithIDGenerator(func(time.Time) string { return "bk_fixed" }))
	ctx := context.Background()

	_, err := h.svc.CreateHold(ctx, request(testScope, "K1"))
	require.NoError(t, err)

	_, err = h.svc.CreateHold(ctx, request(testScope, "K2"))
	require.ErrorIs(t, err, ErrTransientStorage)
	assert.ErrorIs(t, err, repository.ErrConflict)
	assert.True(t, h.svc.Index().IsFree(testScope, []model.Seat{{Row: "K", Number: 2}}))
}

func TestStorageFailures_AreTransient(t *testing.T) {
	store := &flakyStore{MemoryStore: repository.NewMemoryStore()}
	svc := NewBookingService(store, newManualTimer(), DefaultConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	store.failSave = errBoom
	_, err := svc.CreateHold(ctx, request(testScope, "L1"))
	require.ErrorIs(t, err, ErrTransientStorage)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, svc.Index().IsFree(testScope, []model.Seat{{Row: "L", Number: 1}}))

	store.failSave = nil
	b, err := svc.CreateHold(ctx, request(testScope, "L1"))
	require.NoError(t, err)

	store.failLoad = errBoom
	_, err = svc.Confirm(ctx, b.ID)
	assert.ErrorIs(t, err, ErrTransientStorage)
}

func TestApplyStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateHold(ctx, request(testScope, "M1"))
	require.NoError(t, err)

	_, err = h.svc.ApplyStatus(ctx, b.ID, model.StatusExpired)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = h.svc.ApplyStatus(ctx, b.ID, model.Status("PAID"))
	assert.ErrorIs(t, err, ErrValidation)

	got, err := h.svc.ApplyStatus(ctx, b.ID, model.StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
}

func TestDelete_ReleasesSeatsAndTimer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.svc.CreateHold(ctx, request(testScope, "N1"))
	require.NoError(t, err)

	require.NoError(t, h.svc.Delete(ctx, b.ID))
	assert.Equal(t, 0, h.svc.Expiry().Pending())
	assert.True(t, h.svc.Index().IsFree(testScope, b.Seats))
	assert.ErrorIs(t, h.svc.Delete(ctx, b.ID), ErrNotFound)
	assert.Equal(t, []string{queue.EventHeld, queue.EventDeleted}, h.pub.Types(b.ID))
}

func TestExpireDue_SweepsLostTimers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for _, l := range []string{"Q1", "Q2", "Q3"} {
		b, err := h.svc.CreateHold(ctx, request(testScope, l))
		require.NoError(t, err)
		ids = append(ids, b.ID)
	}
	_, err := h.svc.Confirm(ctx, ids[2])
	require.NoError(t, err)
	h.svc.Expiry().Stop()

	h.clock.Advance(20 * time.Minute)
	stop, err := h.svc.StartSweeper(30 * time.Second)
	require.NoError(t, err)
	defer stop()
	h.timer.Tick()

	for i, id := range ids {
		got, _ := h.svc.Get(ctx, id)
		if i == 2 {
			assert.Equal(t, model.StatusConfirmed, got.Status)
		} else {
			assert.Equal(t, model.StatusExpired, got.Status)
		}
	}
	n, err := h.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecover_RebuildsIndexAndTimers(t *testing.T) {
	store := repository.NewMemoryStore()
	clock := newFakeClock()
	ctx := context.Background()

	live := clock.Now().Add(5 * time.Minute)
	lapsed := clock.Now().Add(-time.Minute)
	seed := []*model.Booking{
		{ID: "bk_live", ShowtimeID: "st_1001", CinemaID: "cin_001", SalaID: "sala_1", Seats: []model.Seat{{Row: "R", Number: 1}}, Status: model.StatusHold, HoldDeadline: &live, CreatedAt: clock.Now()},
		{ID: "bk_lapsed", ShowtimeID: "st_1001", CinemaID: "cin_001", SalaID: "sala_1", Seats: []model.Seat{{Row: "R", Number: 2}}, Status: model.StatusHold, HoldDeadline: &lapsed, CreatedAt: clock.Now()},
		{ID: "bk_paid", ShowtimeID: "st_1001", CinemaID: "cin_001", SalaID: "sala_1", Seats: []model.Seat{{Row: "R", Number: 3}}, Status: model.StatusConfirmed, CreatedAt: clock.Now()},
		{ID: "bk_gone", ShowtimeID: "st_1001", CinemaID: "cin_001", SalaID: "sala_1", Seats: []model.Seat{{Row: "R", Number: 4}}, Status: model.StatusCancelled, CreatedAt: clock.Now()},
	}
	for _, b := range seed {
		require.NoError(t, store.Save(ctx, b))
	}

	timer := newManualTimer()
	svc := NewBookingService(store, timer, DefaultConfig(), zaptest.NewLogger(t), WithClock(clock.Now))
	require.NoError(t, svc.Recover(ctx))

	occ := svc.Index().Occupied(testScope)
	labels := []string{}
	for _, o := range occ {
		labels = append(labels, o.Label)
	}
	assert.Equal(t, []string{"R1", "R3"}, labels)
	assert.Equal(t, 1, svc.Expiry().Pending())

	got, _ := svc.Get(ctx, "bk_lapsed")
	assert.Equal(t, model.StatusExpired, got.Status)
}

type fakeLocker struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (l *fakeLocker) Acquire(_ context.Context, key string) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.keys = append(l.keys, key)
	return l.mu.Unlock, nil
}

func TestLocker_ResyncsScopeFromStore(t *testing.T) {
	locker := &fakeLocker{}
	h := newHarness(t, WithLocker(locker))
	ctx := context.Background()

	// another instance booked S1 directly in the shared store
	require.NoError(t, h.store.Save(ctx, &model.Booking{
		ID: "bk_elsewhere", ShowtimeID: "st_1001", CinemaID: "cin_001", SalaID: "sala_1",
		Seats: []model.Seat{{Row: "S", Number: 1}}, Status: model.StatusConfirmed, CreatedAt: h.clock.Now(),
	}))

	_, err := h.svc.CreateHold(ctx, request(testScope, "S1"))
	require.ErrorIs(t, err, ErrSeatConflict)
	require.NotEmpty(t, locker.keys)
	assert.Equal(t, "booking:scope:"+testScope.Key(), locker.keys[0])

	occ, err := h.svc.Availability(ctx, testScope)
	require.NoError(t, err)
	require.Len(t, occ, 1)
	assert.Equal(t, "bk_elsewhere", occ[0].BookingID)
}

func TestLocker_FailureIsTransient(t *testing.T) {
	h := newHarness(t, WithLocker(&fakeLocker{err: errors.New("lock wait timed out")}))
	_, err := h.svc.CreateHold(context.Background(), request(testScope, "T1"))
	assert.ErrorIs(t, err, ErrTransientStorage)
}

func TestAvailability_RequiresFullScope(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Availability(context.Background(), model.Scope{ShowtimeID: "st_1001"})
	require.ErrorIs(t, err, ErrValidation)
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Fields, 2)
}

func TestActiveForUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.svc.CreateHold(ctx, request(testScope, "U1"))
	require.NoError(t, err)
	b, err := h.svc.CreateHold(ctx, request(testScope, "U2"))
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, b.ID)
	require.NoError(t, err)

	active, err := h.svc.ActiveForUser(ctx, "u_1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
}

func TestNewBookingID(t *testing.T) {
	now := time.Date(2025, 3, 1, 23, 59, 0, 0, time.UTC)
	a, b := NewBookingID(now), NewBookingID(now)
	assert.Regexp(t, `^bk_20250301_[0-9a-f]{12}$`, a)
	assert.NotEqual(t, a, b)
}
