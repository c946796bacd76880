package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/queue"
	"github.com/iliyamo/showtime-booking/internal/repository"
)

var testScope = model.Scope{ShowtimeID: "st_1001", CinemaID: "cin_001", SalaID: "sala_1"}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 20, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// manualTimer records callbacks and runs them only when told to.
type manualTimer struct {
	mu   sync.Mutex
	seq  int
	jobs map[int]*manualJob
}

type manualJob struct {
	d     time.Duration
	fn    func()
	every bool
}

func newManualTimer() *manualTimer { return &manualTimer{jobs: make(map[int]*manualJob)} }

func (t *manualTimer) add(j *manualJob) func() {
	t.mu.Lock()
	t.seq++
	id := t.seq
	t.jobs[id] = j
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.jobs, id)
		t.mu.Unlock()
	}
}

func (t *manualTimer) After(d time.Duration, fn func()) (func(), error) {
	return t.add(&manualJob{d: d, fn: fn}), nil
}

func (t *manualTimer) Every(d time.Duration, fn func()) (func(), error) {
	return t.add(&manualJob{d: d, fn: fn, every: true}), nil
}

// FireOneShots runs and removes every pending one-shot callback.
func (t *manualTimer) FireOneShots() int {
	t.mu.Lock()
	var due []func()
	for id, j := range t.jobs {
		if !j.every {
			due = append(due, j.fn)
			delete(t.jobs, id)
		}
	}
	t.mu.Unlock()
	for _, fn := range due {
		fn()
	}
	return len(due)
}

// Tick runs every periodic callback once.
func (t *manualTimer) Tick() {
	t.mu.Lock()
	var fns []func()
	for _, j := range t.jobs {
		if j.every {
			fns = append(fns, j.fn)
		}
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *manualTimer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []queue.BookingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev queue.BookingEvent) error {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Types(bookingID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		if ev.BookingID == bookingID {
			out = append(out, ev.Type)
		}
	}
	return out
}

// flakyStore fails chosen operations of an otherwise working memory store.
type flakyStore struct {
	*repository.MemoryStore
	mu       sync.Mutex
	failSave error
	failLoad error
}

func (f *flakyStore) Save(ctx context.Context, b *model.Booking) error {
	f.mu.Lock()
	err := f.failSave
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.MemoryStore.Save(ctx, b)
}

func (f *flakyStore) Load(ctx context.Context, id string) (*model.Booking, error) {
	f.mu.Lock()
	err := f.failLoad
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryStore.Load(ctx, id)
}

var errBoom = errors.New("connection reset")

type harness struct {
	svc   *BookingService
	store *repository.MemoryStore
	clock *fakeClock
	timer *manualTimer
	pub   *recordingPublisher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store: repository.NewMemoryStore(),
		clock: newFakeClock(),
		timer: newManualTimer(),
		pub:   &recordingPublisher{},
	}
	all := append([]Option{WithClock(h.clock.Now), WithPublisher(h.pub)}, opts...)
	h.svc = NewBookingService(h.store, h.timer, Config{HoldTTL: 10 * time.Minute, OpTimeout: time.Second, DefaultCurrency: "PEN"}, zaptest.NewLogger(t), all...)
	return h
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

// seatsOf turns labels like "A10" into seat inputs.
func seatsOf(labels ...string) []SeatInput {
	out := make([]SeatInput, 0, len(labels))
	for _, l := range labels {
		i := strings.IndexAny(l, "0123456789")
		n, _ := strconv.Atoi(l[i:])
		out = append(out, SeatInput{Row: l[:i], Number: intPtr(n)})
	}
	return out
}

func request(scope model.Scope, labels ...string) CreateBookingRequest {
	return CreateBookingRequest{
		ShowtimeID:    scope.ShowtimeID,
		MovieID:       "mv_42",
		CinemaID:      scope.CinemaID,
		SalaID:        scope.SalaID,
		SalaNumber:    intPtr(1),
		Seats:         seatsOf(labels...),
		User:          model.UserRef{ID: "u_1", Name: "Ana Torres", Email: "ana@example.com"},
		PaymentMethod: "card",
		Source:        "web",
		PriceTotal:    floatPtr(30),
	}
}
