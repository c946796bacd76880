package service

import (
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Timer runs callbacks later.  Cancellation is best-effort: a callback that
// already started keeps running, so callbacks must tolerate firing late.
type Timer interface {
	// After runs fn once, d from now.  d <= 0 runs it as soon as possible.
	After(d time.Duration, fn func()) (cancel func(), err error)
	// Every runs fn repeatedly with the given interval.
	Every(interval time.Duration, fn func()) (cancel func(), err error)
}

// GocronTimer implements Timer on a gocron scheduler.
type GocronTimer struct {
	sched gocron.Scheduler
	now   func() time.Time
}

// NewGocronTimer wraps a started or not-yet-started scheduler.  The caller
// owns its lifecycle (Start and Shutdown).
func NewGocronTimer(s gocron.Scheduler) *GocronTimer {
	return &GocronTimer{sched: s, now: time.Now}
}

func (t *GocronTimer) After(d time.Duration, fn func()) (func(), error) {
	start := gocron.OneTimeJobStartImmediately()
	if d > 0 {
		start = gocron.OneTimeJobStartDateTime(t.now().Add(d))
	}
	j, err := t.sched.NewJob(gocron.OneTimeJob(start), gocron.NewTask(fn))
	if errors.Is(err, gocron.ErrOneTimeJobStartDateTimePast) {
		// a tiny d can lapse before gocron checks the start time
		j, err = t.sched.NewJob(gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()), gocron.NewTask(fn))
	}
	if err != nil {
		return nil, err
	}
	return t.remover(j), nil
}

func (t *GocronTimer) Every(interval time.Duration, fn func()) (func(), error) {
	j, err := t.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, err
	}
	return t.remover(j), nil
}

func (t *GocronTimer) remover(j gocron.Job) func() {
	id := j.ID()
	return func() { _ = t.sched.RemoveJob(id) }
}
